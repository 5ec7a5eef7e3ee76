package convo

import (
	"context"
	"regexp"
	"strings"
	"time"

	"toolbot/internal/cache"
	"toolbot/internal/repo"
)

// PendingKind tags what a stored disambiguation was asking about.
type PendingKind string

const (
	PendingCheckout PendingKind = "checkout"
	PendingCheckin  PendingKind = "checkin"
	PendingGroup    PendingKind = "group"
)

// Pending is the small tagged state persisted when the engine asks a
// disambiguation question, so a later "yes" or "2" can be resolved without a
// live session.
type Pending struct {
	Kind       PendingKind `json:"kind"`
	Candidates []string    `json:"candidates"`
}

// PendingMemory stores at most one pending disambiguation per (tenant, phone).
type PendingMemory interface {
	Save(ctx context.Context, tenantID, phone string, p Pending) error
	Load(ctx context.Context, tenantID, phone string) (*Pending, error)
	Clear(ctx context.Context, tenantID, phone string) error
}

const pendingTTL = 10 * time.Minute

// RedisPending keeps pending disambiguations in redis with a TTL.
type RedisPending struct {
	cache *cache.Redis
}

// NewRedisPending wraps the shared redis client.
func NewRedisPending(c *cache.Redis) *RedisPending {
	return &RedisPending{cache: c}
}

func pendingKey(tenantID, phone string) string {
	return "pending:" + tenantID + ":" + phone
}

func (m *RedisPending) Save(ctx context.Context, tenantID, phone string, p Pending) error {
	return m.cache.SetJSON(ctx, pendingKey(tenantID, phone), p, pendingTTL)
}

func (m *RedisPending) Load(ctx context.Context, tenantID, phone string) (*Pending, error) {
	var p Pending
	found, err := m.cache.GetJSON(ctx, pendingKey(tenantID, phone), &p)
	if err != nil || !found {
		return nil, err
	}
	return &p, nil
}

func (m *RedisPending) Clear(ctx context.Context, tenantID, phone string) error {
	return m.cache.Delete(ctx, pendingKey(tenantID, phone))
}

// Compatibility fallback: older deployments encoded the pending choice only
// in the assistant's message text. These patterns recover it from the most
// recent assistant turn.
var (
	choiceLineRe = regexp.MustCompile(`(?m)^(\d+)\) (.+)$`)
	doYouMeanRe  = regexp.MustCompile(`Do you mean (?:the )?(.+)\?`)
)

// scrapePending reconstructs a pending choice from the last assistant
// message. The scraped kind is always checkout: the legacy format never
// tagged the originating intent.
func scrapePending(history []repo.ChatMessage) *Pending {
	var last string
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == repo.RoleAssistant {
			last = history[i].Content
			break
		}
	}
	if last == "" {
		return nil
	}

	if lines := choiceLineRe.FindAllStringSubmatch(last, -1); len(lines) > 0 {
		p := &Pending{Kind: PendingCheckout}
		for _, line := range lines {
			p.Candidates = append(p.Candidates, strings.TrimSpace(line[2]))
		}
		return p
	}

	if m := doYouMeanRe.FindStringSubmatch(last); m != nil {
		return &Pending{Kind: PendingCheckout, Candidates: []string{strings.TrimSpace(m[1])}}
	}

	return nil
}
