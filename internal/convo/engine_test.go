package convo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"toolbot/internal/metrics"
	"toolbot/internal/nlu"
	"toolbot/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore keeps everything in memory. Methods the engine never calls are
// left to the embedded nil interface.
type fakeStore struct {
	repo.Store

	tenants  []repo.Tenant
	users    map[string]*repo.User
	tools    []repo.Tool
	active   []repo.ActiveCheckout
	history  []repo.HistoryEntry
	messages []repo.ChatMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[string]*repo.User{}}
}

func userKey(tenantID, phone string) string { return tenantID + "|" + phone }

func (s *fakeStore) GetTenantByID(_ context.Context, id string) (*repo.Tenant, error) {
	for i := range s.tenants {
		if s.tenants[i].ID == id {
			t := s.tenants[i]
			return &t, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (s *fakeStore) GetTenantByJoinCode(_ context.Context, code string) (*repo.Tenant, error) {
	for i := range s.tenants {
		if strings.EqualFold(s.tenants[i].JoinCode, strings.TrimSpace(code)) && s.tenants[i].Status == repo.TenantActive {
			t := s.tenants[i]
			return &t, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (s *fakeStore) GetTenantByRoute(_ context.Context, address string) (*repo.Tenant, error) {
	for i := range s.tenants {
		if r := s.tenants[i].RoutingAddress; r != nil && *r == address && s.tenants[i].Status == repo.TenantActive {
			t := s.tenants[i]
			return &t, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (s *fakeStore) GetUser(_ context.Context, tenantID, phone string) (*repo.User, error) {
	if u, ok := s.users[userKey(tenantID, phone)]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, repo.ErrNotFound
}

func (s *fakeStore) FindUserByPhone(_ context.Context, phone string) (*repo.User, error) {
	for _, u := range s.users {
		if u.Phone == phone {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (s *fakeStore) CreatePendingUser(_ context.Context, tenantID, phone string) (*repo.User, error) {
	u := &repo.User{TenantID: tenantID, Phone: phone, RegisteredAt: time.Now()}
	s.users[userKey(tenantID, phone)] = u
	cp := *u
	return &cp, nil
}

func (s *fakeStore) SetUserName(_ context.Context, tenantID, phone, name string) error {
	u, ok := s.users[userKey(tenantID, phone)]
	if !ok {
		return repo.ErrNotFound
	}
	u.Name = name
	return nil
}

func (s *fakeStore) SetUserGroup(_ context.Context, tenantID, phone, group string) error {
	u, ok := s.users[userKey(tenantID, phone)]
	if !ok {
		return repo.ErrNotFound
	}
	u.Group = &group
	return nil
}

func (s *fakeStore) ListTools(_ context.Context, tenantID string) ([]repo.Tool, error) {
	var out []repo.Tool
	for _, t := range s.tools {
		if t.TenantID == tenantID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) Checkout(_ context.Context, row repo.ActiveCheckout) (*repo.ActiveCheckout, error) {
	for i := range s.active {
		if s.active[i].TenantID == row.TenantID && strings.EqualFold(s.active[i].ToolName, row.ToolName) {
			holder := s.active[i]
			return &holder, repo.ErrToolUnavailable
		}
	}
	row.CheckedOutAt = time.Now()
	s.active = append(s.active, row)
	cp := row
	return &cp, nil
}

func (s *fakeStore) Checkin(_ context.Context, tenantID, phone, toolName string) (*repo.HistoryEntry, error) {
	for i := range s.active {
		c := s.active[i]
		if c.TenantID == tenantID && c.Phone == phone && strings.EqualFold(c.ToolName, toolName) {
			s.active = append(s.active[:i], s.active[i+1:]...)
			entry := repo.HistoryEntry{
				TenantID: c.TenantID, ToolName: c.ToolName, Person: c.Person,
				Phone: c.Phone, Group: c.Group, CheckedOutAt: c.CheckedOutAt, ReturnedAt: time.Now(),
			}
			s.history = append(s.history, entry)
			cp := entry
			return &cp, nil
		}
	}
	return nil, repo.ErrNotCheckedOut
}

func (s *fakeStore) ListActiveCheckouts(_ context.Context, tenantID string) ([]repo.ActiveCheckout, error) {
	var out []repo.ActiveCheckout
	for _, c := range s.active {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) ListCheckoutsByPhone(_ context.Context, tenantID, phone string) ([]repo.ActiveCheckout, error) {
	var out []repo.ActiveCheckout
	for _, c := range s.active {
		if c.TenantID == tenantID && c.Phone == phone {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) AppendMessage(_ context.Context, msg repo.ChatMessage) error {
	msg.CreatedAt = time.Now()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *fakeStore) ListRecentMessages(_ context.Context, tenantID, phone string, limit int) ([]repo.ChatMessage, error) {
	var out []repo.ChatMessage
	for _, m := range s.messages {
		if m.TenantID == tenantID && m.Phone == phone {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type fakeOracle struct {
	fn  func(nlu.Request) nlu.ParsedIntent
	err error
}

func (o *fakeOracle) ParseIntent(_ context.Context, req nlu.Request) (nlu.ParsedIntent, error) {
	if o.err != nil {
		return nlu.ParsedIntent{}, o.err
	}
	return o.fn(req), nil
}

type memPending struct {
	vals map[string]*Pending
}

func newMemPending() *memPending { return &memPending{vals: map[string]*Pending{}} }

func (m *memPending) Save(_ context.Context, tenantID, phone string, p Pending) error {
	m.vals[tenantID+"|"+phone] = &p
	return nil
}

func (m *memPending) Load(_ context.Context, tenantID, phone string) (*Pending, error) {
	return m.vals[tenantID+"|"+phone], nil
}

func (m *memPending) Clear(_ context.Context, tenantID, phone string) error {
	delete(m.vals, tenantID+"|"+phone)
	return nil
}

const (
	testRoute = "+15550100"
	mayaPhone = "+15551234"
	samPhone  = "+15555678"
)

func testTenant(groups ...string) repo.Tenant {
	route := testRoute
	return repo.Tenant{
		ID: "t1", Name: "Acme Builders", JoinCode: "ACME42",
		RoutingAddress: &route, GroupsEnabled: len(groups) > 0,
		GroupNames: groups, Status: repo.TenantActive,
	}
}

func activeUser(store *fakeStore, phone, name string) {
	store.users[userKey("t1", phone)] = &repo.User{TenantID: "t1", Phone: phone, Name: name}
}

func newTestEngine(store *fakeStore, pending PendingMemory, oracle IntentParser) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, oracle, pending, metrics.Registry("toolbot"), logger, EngineConfig{HistoryLimit: 6})
}

func intentReply(intent nlu.Intent, tool string) func(nlu.Request) nlu.ParsedIntent {
	return func(nlu.Request) nlu.ParsedIntent {
		return nlu.ParsedIntent{Intent: intent, Tool: tool}
	}
}

func TestJoinCodeFlow(t *testing.T) {
	store := newFakeStore()
	store.tenants = []repo.Tenant{testTenant()}
	oracle := &fakeOracle{fn: intentReply(nlu.IntentUnknown, "")}
	engine := newTestEngine(store, newMemPending(), oracle)
	ctx := context.Background()

	// No routing match, no user binding: first contact asks for a code.
	reply := engine.HandleMessage(ctx, Inbound{From: mayaPhone, To: "+19999", Body: "hello"})
	require.Equal(t, replyAskJoinCode, reply)

	// Repeat failure reads differently than first contact.
	reply = engine.HandleMessage(ctx, Inbound{From: mayaPhone, To: "+19999", Body: "WRONG1"})
	require.Equal(t, replyBadJoinCode, reply)

	// A valid code binds the phone and asks for a name.
	reply = engine.HandleMessage(ctx, Inbound{From: mayaPhone, To: "+19999", Body: "acme42"})
	require.Equal(t, "Welcome to Acme Builders! What's your name?", reply)
	u, err := store.GetUser(ctx, "t1", mayaPhone)
	require.NoError(t, err)
	assert.Empty(t, u.Name)

	// The next message is the name, whatever the oracle says.
	reply = engine.HandleMessage(ctx, Inbound{From: mayaPhone, To: "+19999", Body: "Maya"})
	assert.Contains(t, reply, "Got it, Maya")
	u, err = store.GetUser(ctx, "t1", mayaPhone)
	require.NoError(t, err)
	assert.Equal(t, "Maya", u.Name)
}

func TestGroupOnboarding(t *testing.T) {
	store := newFakeStore()
	store.tenants = []repo.Tenant{testTenant("framing", "roofing")}
	oracle := &fakeOracle{fn: intentReply(nlu.IntentUnknown, "")}
	engine := newTestEngine(store, newMemPending(), oracle)
	ctx := context.Background()

	_, err := store.CreatePendingUser(ctx, "t1", mayaPhone)
	require.NoError(t, err)

	reply := engine.HandleMessage(ctx, Inbound{From: mayaPhone, To: testRoute, Body: "Maya"})
	require.Contains(t, reply, "Which crew are you on?")
	require.Contains(t, reply, "1) framing")

	reply = engine.HandleMessage(ctx, Inbound{From: mayaPhone, To: testRoute, Body: "2"})
	assert.Contains(t, reply, "you're on roofing")
	u, err := store.GetUser(ctx, "t1", mayaPhone)
	require.NoError(t, err)
	require.NotNil(t, u.Group)
	assert.Equal(t, "roofing", *u.Group)
}

func TestGroupSwitchNumberChoice(t *testing.T) {
	store := newFakeStore()
	store.tenants = []repo.Tenant{testTenant("framing", "roofing")}
	store.tools = []repo.Tool{{TenantID: "t1", Name: "Drill"}}
	framing := "framing"
	store.users[userKey("t1", mayaPhone)] = &repo.User{TenantID: "t1", Phone: mayaPhone, Name: "Maya", Group: &framing}

	oracle := &fakeOracle{fn: func(nlu.Request) nlu.ParsedIntent {
		return nlu.ParsedIntent{Intent: nlu.IntentSelectGroup, Group: "electrical"}
	}}
	engine := newTestEngine(store, newMemPending(), oracle)
	ctx := context.Background()

	reply := engine.HandleMessage(ctx, Inbound{From: mayaPhone, To: testRoute, Body: "switch my crew to electrical"})
	require.Contains(t, reply, "Pick one of:")
	require.Contains(t, reply, "2) roofing")

	// The follow-up number must pick a group, not fall into the tool catalog.
	oracle.fn = intentReply(nlu.IntentUnknown, "")
	reply = engine.HandleMessage(ctx, Inbound{From: mayaPhone, To: testRoute, Body: "2"})
	require.Equal(t, "Done — you're on roofing now.", reply)
	u, err := store.GetUser(ctx, "t1", mayaPhone)
	require.NoError(t, err)
	require.NotNil(t, u.Group)
	assert.Equal(t, "roofing", *u.Group)
	assert.Empty(t, store.active)
}

func TestCheckoutRoundTrip(t *testing.T) {
	store := newFakeStore()
	store.tenants = []repo.Tenant{testTenant()}
	store.tools = []repo.Tool{{TenantID: "t1", Name: "Drill"}}
	activeUser(store, mayaPhone, "Maya")

	oracle := &fakeOracle{fn: intentReply(nlu.IntentCheckout, "drill")}
	engine := newTestEngine(store, newMemPending(), oracle)
	ctx := context.Background()

	reply := engine.HandleMessage(ctx, Inbound{From: mayaPhone, To: testRoute, Body: "grabbing the drill"})
	require.Equal(t, "Drill — checked out to you. ✓", reply)
	require.Len(t, store.active, 1)

	oracle.fn = intentReply(nlu.IntentCheckin, "drill")
	reply = engine.HandleMessage(ctx, Inbound{From: mayaPhone, To: testRoute, Body: "returning the drill"})
	require.Equal(t, "Drill — returned. ✓", reply)
	assert.Empty(t, store.active)
	require.Len(t, store.history, 1)
	assert.Equal(t, "Drill", store.history[0].ToolName)
}

func TestCheckoutConflict(t *testing.T) {
	store := newFakeStore()
	store.tenants = []repo.Tenant{testTenant()}
	store.tools = []repo.Tool{{TenantID: "t1", Name: "Drill"}}
	store.active = []repo.ActiveCheckout{{TenantID: "t1", ToolName: "Drill", Person: "Sam", Phone: samPhone}}
	activeUser(store, mayaPhone, "Maya")
	activeUser(store, samPhone, "Sam")

	oracle := &fakeOracle{fn: intentReply(nlu.IntentCheckout, "drill")}
	engine := newTestEngine(store, newMemPending(), oracle)
	ctx := context.Background()

	reply := engine.HandleMessage(ctx, Inbound{From: mayaPhone, To: testRoute, Body: "grabbing the drill"})
	require.Equal(t, "Drill is checked out to Sam. Not available right now.", reply)

	reply = engine.HandleMessage(ctx, Inbound{From: samPhone, To: testRoute, Body: "grabbing the drill"})
	require.Equal(t, "You already have the Drill checked out.", reply)
	require.Len(t, store.active, 1)
}

func TestDisambiguationNumberChoice(t *testing.T) {
	store := newFakeStore()
	store.tenants = []repo.Tenant{testTenant()}
	store.tools = []repo.Tool{
		{TenantID: "t1", Name: "Dewalt Drill"},
		{TenantID: "t1", Name: "Makita Drill"},
	}
	activeUser(store, mayaPhone, "Maya")

	oracle := &fakeOracle{fn: intentReply(nlu.IntentCheckout, "drill")}
	engine := newTestEngine(store, newMemPending(), oracle)
	ctx := context.Background()

	reply := engine.HandleMessage(ctx, Inbound{From: mayaPhone, To: testRoute, Body: "need a drill"})
	require.Contains(t, reply, "Which one?")
	require.Contains(t, reply, "1) Dewalt Drill")
	require.Contains(t, reply, "2) Makita Drill")
	assert.Empty(t, store.active)

	// A bare number resolves the stored choice regardless of the oracle.
	oracle.fn = intentReply(nlu.IntentUnknown, "")
	reply = engine.HandleMessage(ctx, Inbound{From: mayaPhone, To: testRoute, Body: "2"})
	require.Equal(t, "Makita Drill — checked out to you. ✓", reply)
	require.Len(t, store.active, 1)
	assert.Equal(t, "Makita Drill", store.active[0].ToolName)
}

func TestScrapedPendingFallback(t *testing.T) {
	store := newFakeStore()
	store.tenants = []repo.Tenant{testTenant()}
	store.tools = []repo.Tool{
		{TenantID: "t1", Name: "Dewalt Drill"},
		{TenantID: "t1", Name: "Makita Drill"},
	}
	activeUser(store, mayaPhone, "Maya")
	// Only the message log survived; the pending record is gone.
	store.messages = []repo.ChatMessage{
		{TenantID: "t1", Phone: mayaPhone, Role: repo.RoleUser, Content: "need a drill"},
		{TenantID: "t1", Phone: mayaPhone, Role: repo.RoleAssistant, Content: "Which one?\n1) Dewalt Drill\n2) Makita Drill"},
	}

	oracle := &fakeOracle{fn: intentReply(nlu.IntentUnknown, "")}
	engine := newTestEngine(store, newMemPending(), oracle)

	reply := engine.HandleMessage(context.Background(), Inbound{From: mayaPhone, To: testRoute, Body: "1"})
	require.Equal(t, "Dewalt Drill — checked out to you. ✓", reply)
}

func TestConfirmAndDeny(t *testing.T) {
	store := newFakeStore()
	store.tenants = []repo.Tenant{testTenant()}
	store.tools = []repo.Tool{{TenantID: "t1", Name: "Dewalt Drill"}}
	activeUser(store, mayaPhone, "Maya")

	oracle := &fakeOracle{fn: intentReply(nlu.IntentCheckout, "dewalt")}
	engine := newTestEngine(store, newMemPending(), oracle)
	ctx := context.Background()

	reply := engine.HandleMessage(ctx, Inbound{From: mayaPhone, To: testRoute, Body: "taking the dewalt"})
	require.Equal(t, "Do you mean the Dewalt Drill?", reply)

	oracle.fn = intentReply(nlu.IntentDeny, "")
	reply = engine.HandleMessage(ctx, Inbound{From: mayaPhone, To: testRoute, Body: "no"})
	require.Equal(t, replyDeny, reply)

	// The denial cleared the pending choice.
	oracle.fn = intentReply(nlu.IntentConfirm, "")
	reply = engine.HandleMessage(ctx, Inbound{From: mayaPhone, To: testRoute, Body: "yes"})
	require.Equal(t, replyNoConfirm, reply)

	oracle.fn = intentReply(nlu.IntentCheckout, "dewalt")
	_ = engine.HandleMessage(ctx, Inbound{From: mayaPhone, To: testRoute, Body: "taking the dewalt"})
	oracle.fn = intentReply(nlu.IntentConfirm, "")
	reply = engine.HandleMessage(ctx, Inbound{From: mayaPhone, To: testRoute, Body: "yes"})
	require.Equal(t, "Dewalt Drill — checked out to you. ✓", reply)
}

func TestCheckinEverything(t *testing.T) {
	store := newFakeStore()
	store.tenants = []repo.Tenant{testTenant()}
	store.active = []repo.ActiveCheckout{
		{TenantID: "t1", ToolName: "Drill", Person: "Maya", Phone: mayaPhone},
		{TenantID: "t1", ToolName: "Ladder", Person: "Maya", Phone: mayaPhone},
	}
	activeUser(store, mayaPhone, "Maya")

	oracle := &fakeOracle{fn: intentReply(nlu.IntentCheckin, "")}
	engine := newTestEngine(store, newMemPending(), oracle)

	reply := engine.HandleMessage(context.Background(), Inbound{From: mayaPhone, To: testRoute, Body: "returning everything"})
	require.Equal(t, "Returned: Drill, Ladder. ✓", reply)
	assert.Empty(t, store.active)
	assert.Len(t, store.history, 2)
}

func TestCheckinNotYours(t *testing.T) {
	store := newFakeStore()
	store.tenants = []repo.Tenant{testTenant()}
	store.tools = []repo.Tool{{TenantID: "t1", Name: "Drill"}}
	store.active = []repo.ActiveCheckout{{TenantID: "t1", ToolName: "Drill", Person: "Sam", Phone: samPhone}}
	activeUser(store, mayaPhone, "Maya")

	oracle := &fakeOracle{fn: intentReply(nlu.IntentCheckin, "drill")}
	engine := newTestEngine(store, newMemPending(), oracle)

	reply := engine.HandleMessage(context.Background(), Inbound{From: mayaPhone, To: testRoute, Body: "returning the drill"})
	require.Equal(t, "Drill is checked out to Sam, not you.", reply)
	require.Len(t, store.active, 1)
}

func TestCheckinNothingOut(t *testing.T) {
	store := newFakeStore()
	store.tenants = []repo.Tenant{testTenant()}
	store.tools = []repo.Tool{{TenantID: "t1", Name: "Drill"}}
	activeUser(store, mayaPhone, "Maya")

	oracle := &fakeOracle{fn: intentReply(nlu.IntentCheckin, "drill")}
	engine := newTestEngine(store, newMemPending(), oracle)

	reply := engine.HandleMessage(context.Background(), Inbound{From: mayaPhone, To: testRoute, Body: "returning the drill"})
	require.Equal(t, "Nobody has the Drill checked out right now.", reply)
}

func TestStatusAndAvailability(t *testing.T) {
	store := newFakeStore()
	store.tenants = []repo.Tenant{testTenant()}
	store.tools = []repo.Tool{{TenantID: "t1", Name: "Drill"}, {TenantID: "t1", Name: "Ladder"}}
	store.active = []repo.ActiveCheckout{{TenantID: "t1", ToolName: "Drill", Person: "Sam", Phone: samPhone, CheckedOutAt: time.Now()}}
	activeUser(store, mayaPhone, "Maya")

	oracle := &fakeOracle{fn: intentReply(nlu.IntentStatus, "drill")}
	engine := newTestEngine(store, newMemPending(), oracle)
	ctx := context.Background()

	reply := engine.HandleMessage(ctx, Inbound{From: mayaPhone, To: testRoute, Body: "who has the drill"})
	assert.Contains(t, reply, "Sam has the Drill")

	oracle.fn = intentReply(nlu.IntentAvailability, "")
	reply = engine.HandleMessage(ctx, Inbound{From: mayaPhone, To: testRoute, Body: "what's free"})
	assert.Contains(t, reply, "Ladder")
	assert.NotContains(t, reply, "- Drill")
}

func TestOracleFailureDegrades(t *testing.T) {
	store := newFakeStore()
	store.tenants = []repo.Tenant{testTenant()}
	activeUser(store, mayaPhone, "Maya")

	oracle := &fakeOracle{err: errors.New("quota exhausted")}
	engine := newTestEngine(store, newMemPending(), oracle)

	reply := engine.HandleMessage(context.Background(), Inbound{From: mayaPhone, To: testRoute, Body: "hmm"})
	require.Equal(t, replyHelp, reply)
}

func TestUnreadableMessage(t *testing.T) {
	engine := newTestEngine(newFakeStore(), newMemPending(), &fakeOracle{fn: intentReply(nlu.IntentUnknown, "")})

	reply := engine.HandleMessage(context.Background(), Inbound{From: mayaPhone, To: testRoute, Body: "   "})
	require.Equal(t, replyUnreadable, reply)
}
