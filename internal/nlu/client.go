package nlu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"toolbot/internal/metrics"
	"toolbot/internal/repo"

	"google.golang.org/genai"
)

// Intent is the closed set of guesses the oracle may return. Anything else
// is normalised to IntentUnknown before the engine sees it.
type Intent string

const (
	IntentRegister     Intent = "register"
	IntentSelectGroup  Intent = "select_group"
	IntentCheckout     Intent = "checkout"
	IntentCheckin      Intent = "checkin"
	IntentStatus       Intent = "status"
	IntentAvailability Intent = "availability"
	IntentConfirm      Intent = "confirm"
	IntentDeny         Intent = "deny"
	IntentGreeting     Intent = "greeting"
	IntentThanks       Intent = "thanks"
	IntentUnknown      Intent = "unknown"
)

var knownIntents = map[Intent]bool{
	IntentRegister: true, IntentSelectGroup: true, IntentCheckout: true,
	IntentCheckin: true, IntentStatus: true, IntentAvailability: true,
	IntentConfirm: true, IntentDeny: true, IntentGreeting: true,
	IntentThanks: true, IntentUnknown: true,
}

// ParsedIntent is the oracle's structured guess. Every field is a hint the
// engine revalidates against stored data; none is trusted blindly.
type ParsedIntent struct {
	Intent Intent `json:"intent"`
	Tool   string `json:"tool"`
	Name   string `json:"name"`
	Group  string `json:"group"`
}

// Request carries the context the oracle sees for one inbound message.
type Request struct {
	Message      string
	Registered   bool
	GroupPending bool
	GroupNames   []string
	History      []repo.ChatMessage
	Catalog      []string
	Active       []string
	OwnTools     []string
}

// KeyStore provides oracle API keys with rotation state.
type KeyStore interface {
	ListActiveOracleKeys(ctx context.Context) ([]repo.APIKey, error)
	SetCooldownUntil(ctx context.Context, id string, until time.Time) error
}

// Config holds oracle client configuration.
type Config struct {
	Model    string
	Timeout  time.Duration
	Cooldown time.Duration
}

// Client wraps the Gemini API for intent parsing with DB-managed key rotation.
type Client struct {
	store   KeyStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	cfg     Config

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// New creates an oracle client.
func New(store KeyStore, logger *slog.Logger, metricRegistry *metrics.Metrics, cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	return &Client{
		store:   store,
		logger:  logger.With("component", "nlu"),
		metrics: metricRegistry,
		cfg:     cfg,
		clients: map[string]*genai.Client{},
	}
}

var intentSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"intent": {
			Type: genai.TypeString,
			Enum: []string{
				"register", "select_group", "checkout", "checkin", "status",
				"availability", "confirm", "deny", "greeting", "thanks", "unknown",
			},
		},
		"tool": {
			Type:        genai.TypeString,
			Nullable:    genai.Ptr(true),
			Description: "Tool name as the user wrote it, or null",
		},
		"name": {
			Type:        genai.TypeString,
			Nullable:    genai.Ptr(true),
			Description: "Person name for registration, or null",
		},
		"group": {
			Type:        genai.TypeString,
			Nullable:    genai.Ptr(true),
			Description: "Group name the user picked, or null",
		},
	},
	Required: []string{"intent"},
}

// ParseIntent asks the model for a structured guess about one message.
func (c *Client) ParseIntent(ctx context.Context, req Request) (ParsedIntent, error) {
	keys, err := c.store.ListActiveOracleKeys(ctx)
	if err != nil {
		return ParsedIntent{Intent: IntentUnknown}, fmt.Errorf("list oracle keys: %w", err)
	}

	contents := buildContents(req)
	now := time.Now()

	var lastErr error
	for _, key := range keys {
		if key.CooldownUntil != nil && key.CooldownUntil.After(now) {
			continue
		}

		parsed, err := c.generate(ctx, key.Value, contents)
		if err == nil {
			c.metrics.OracleRequests.WithLabelValues("ok").Inc()
			return parsed, nil
		}
		lastErr = err

		if isQuotaError(err) {
			c.logger.Warn("oracle key exhausted, cooling down", "key_id", key.ID)
			c.metrics.OracleRequests.WithLabelValues("quota").Inc()
			if cdErr := c.store.SetCooldownUntil(ctx, key.ID, now.Add(c.cfg.Cooldown)); cdErr != nil {
				c.logger.Warn("failed setting key cooldown", "error", cdErr)
			}
			continue
		}

		c.metrics.OracleRequests.WithLabelValues("error").Inc()
		return ParsedIntent{Intent: IntentUnknown}, err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable oracle keys")
	}
	c.metrics.OracleRequests.WithLabelValues("exhausted").Inc()
	return ParsedIntent{Intent: IntentUnknown}, lastErr
}

func (c *Client) generate(ctx context.Context, apiKey string, contents []*genai.Content) (ParsedIntent, error) {
	client, err := c.clientFor(ctx, apiKey)
	if err != nil {
		return ParsedIntent{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.Models.GenerateContent(callCtx, c.cfg.Model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    intentSchema,
		Temperature:       genai.Ptr[float32](0),
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.OracleLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
	if err != nil {
		return ParsedIntent{}, fmt.Errorf("oracle generate: %w", err)
	}

	return normalise(resp.Text())
}

func (c *Client) clientFor(ctx context.Context, apiKey string) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[apiKey]; ok {
		return client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create oracle client: %w", err)
	}
	c.clients[apiKey] = client
	return client, nil
}

func buildContents(req Request) []*genai.Content {
	var ctxBuilder strings.Builder
	if req.Registered {
		ctxBuilder.WriteString("User is registered.")
	} else {
		ctxBuilder.WriteString("User is NOT registered (no name on file).")
	}
	if req.GroupPending {
		ctxBuilder.WriteString(" A group pick is pending. Groups: ")
		ctxBuilder.WriteString(strings.Join(req.GroupNames, ", "))
		ctxBuilder.WriteString(".")
	}
	if len(req.Catalog) > 0 {
		ctxBuilder.WriteString("\nKnown tools:\n")
		for _, line := range req.Catalog {
			ctxBuilder.WriteString("- " + line + "\n")
		}
	}
	if len(req.Active) > 0 {
		ctxBuilder.WriteString("Active checkouts:\n")
		for _, line := range req.Active {
			ctxBuilder.WriteString("- " + line + "\n")
		}
	}
	if len(req.OwnTools) > 0 {
		ctxBuilder.WriteString("Your tools:\n")
		for _, line := range req.OwnTools {
			ctxBuilder.WriteString("- " + line + "\n")
		}
	}

	contents := []*genai.Content{
		genai.NewContentFromText("[CONTEXT] "+ctxBuilder.String(), genai.RoleUser),
		genai.NewContentFromText(`{"intent":"unknown","tool":null,"name":null,"group":null}`, genai.RoleModel),
	}

	for _, msg := range req.History {
		var role genai.Role = genai.RoleUser
		if msg.Role == repo.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}

	return append(contents, genai.NewContentFromText(req.Message, genai.RoleUser))
}

func normalise(text string) (ParsedIntent, error) {
	var raw struct {
		Intent string  `json:"intent"`
		Tool   *string `json:"tool"`
		Name   *string `json:"name"`
		Group  *string `json:"group"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &raw); err != nil {
		return ParsedIntent{Intent: IntentUnknown}, fmt.Errorf("decode oracle response: %w", err)
	}

	parsed := ParsedIntent{Intent: Intent(strings.ToLower(strings.TrimSpace(raw.Intent)))}
	if !knownIntents[parsed.Intent] {
		parsed.Intent = IntentUnknown
	}
	if raw.Tool != nil {
		parsed.Tool = strings.TrimSpace(*raw.Tool)
	}
	if raw.Name != nil {
		parsed.Name = strings.TrimSpace(*raw.Name)
	}
	if raw.Group != nil {
		parsed.Group = strings.TrimSpace(*raw.Group)
	}
	return parsed, nil
}

func isQuotaError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "resource exhausted")
}
