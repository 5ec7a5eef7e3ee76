package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"toolbot/internal/metrics"
	"toolbot/internal/nlu"
	"toolbot/internal/repo"

	"golang.org/x/sync/errgroup"
)

// IntentParser is the oracle the engine consults for a structured guess.
type IntentParser interface {
	ParseIntent(ctx context.Context, req nlu.Request) (nlu.ParsedIntent, error)
}

// Inbound is one gateway message.
type Inbound struct {
	From string
	To   string
	Body string
}

// EngineConfig tunes the engine.
type EngineConfig struct {
	HistoryLimit int
}

// Engine is the conversation orchestrator. Each inbound message is handled by
// one stateless invocation; all context is reconstructed from the store.
type Engine struct {
	store   repo.Store
	oracle  IntentParser
	pending PendingMemory
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     EngineConfig
}

// New assembles the engine.
func New(store repo.Store, oracle IntentParser, pending PendingMemory, metricRegistry *metrics.Metrics, logger *slog.Logger, cfg EngineConfig) *Engine {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 6
	}
	return &Engine{
		store:   store,
		oracle:  oracle,
		pending: pending,
		metrics: metricRegistry,
		logger:  logger.With("component", "convo"),
		cfg:     cfg,
	}
}

// HandleMessage produces the reply for one inbound message. Every path
// answers: infrastructure failures degrade to a generic retry reply so the
// gateway does not retry delivery forever.
func (e *Engine) HandleMessage(ctx context.Context, in Inbound) string {
	reply, err := e.handle(ctx, in)
	if err != nil {
		e.logger.Error("message handling failed", "error", err, "from", in.From)
		e.metrics.Errors.WithLabelValues("convo").Inc()
		return replyTryAgain
	}
	e.metrics.OutboundMessages.WithLabelValues("reply").Inc()
	return reply
}

// readContext is the per-message snapshot gathered before any write.
type readContext struct {
	catalog []repo.Tool
	active  []repo.ActiveCheckout
	own     []repo.ActiveCheckout
	history []repo.ChatMessage
}

func (e *Engine) handle(ctx context.Context, in Inbound) (string, error) {
	body := strings.TrimSpace(in.Body)
	if in.From == "" || body == "" {
		return replyUnreadable, nil
	}

	tenant, err := e.resolveTenant(ctx, in)
	if err != nil {
		return "", err
	}
	if tenant == nil {
		return e.handleJoinCode(ctx, in.From, body)
	}

	user, err := e.store.GetUser(ctx, tenant.ID, in.From)
	if errors.Is(err, repo.ErrNotFound) {
		user, err = e.store.CreatePendingUser(ctx, tenant.ID, in.From)
	}
	if err != nil {
		return "", err
	}

	phase := PhaseFor(tenant, user)

	// Independent reads only; the first write happens after the gather.
	var rc readContext
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		rc.catalog, err = e.store.ListTools(gctx, tenant.ID)
		return err
	})
	g.Go(func() (err error) {
		rc.active, err = e.store.ListActiveCheckouts(gctx, tenant.ID)
		return err
	})
	g.Go(func() (err error) {
		rc.own, err = e.store.ListCheckoutsByPhone(gctx, tenant.ID, in.From)
		return err
	})
	g.Go(func() (err error) {
		rc.history, err = e.store.ListRecentMessages(gctx, tenant.ID, in.From, e.cfg.HistoryLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	if err := e.store.AppendMessage(ctx, repo.ChatMessage{
		TenantID: tenant.ID, Phone: in.From, Role: repo.RoleUser, Content: body,
	}); err != nil {
		return "", err
	}

	parsed, err := e.oracle.ParseIntent(ctx, e.oracleRequest(body, phase, tenant, rc))
	if err != nil {
		// The oracle is a hint generator; deterministic paths still work.
		e.logger.Warn("oracle parse failed", "error", err)
		e.metrics.Errors.WithLabelValues("oracle").Inc()
		parsed = nlu.ParsedIntent{Intent: nlu.IntentUnknown}
	}
	e.metrics.InboundMessages.WithLabelValues(string(parsed.Intent)).Inc()

	reply, err := e.dispatch(ctx, tenant, user, phase, body, parsed, rc)
	if err != nil {
		return "", err
	}

	if err := e.store.AppendMessage(ctx, repo.ChatMessage{
		TenantID: tenant.ID, Phone: in.From, Role: repo.RoleAssistant, Content: reply,
	}); err != nil {
		e.logger.Warn("failed persisting reply", "error", err)
	}
	return reply, nil
}

// resolveTenant tries the dedicated routing address first, then the phone's
// existing tenant binding. Disabled tenants resolve to nothing.
func (e *Engine) resolveTenant(ctx context.Context, in Inbound) (*repo.Tenant, error) {
	tenant, err := e.store.GetTenantByRoute(ctx, in.To)
	if err == nil {
		return tenant, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	user, err := e.store.FindUserByPhone(ctx, in.From)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	tenant, err = e.store.GetTenantByID(ctx, user.TenantID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if tenant.Status != repo.TenantActive {
		return nil, nil
	}
	return tenant, nil
}

// handleJoinCode runs the UNKNOWN_TENANT flow. Unbound phones have no tenant
// to log under, so their turns go to the empty tenant id; history length
// distinguishes first contact from a repeat failure.
func (e *Engine) handleJoinCode(ctx context.Context, phone, body string) (string, error) {
	tenant, err := e.store.GetTenantByJoinCode(ctx, body)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}

	if tenant != nil {
		if _, err := e.store.CreatePendingUser(ctx, tenant.ID, phone); err != nil {
			return "", err
		}
		reply := fmt.Sprintf("Welcome to %s! What's your name?", tenant.Name)
		e.logThread(ctx, tenant.ID, phone, body, reply)
		return reply, nil
	}

	history, err := e.store.ListRecentMessages(ctx, "", phone, e.cfg.HistoryLimit)
	if err != nil {
		return "", err
	}
	reply := replyAskJoinCode
	if len(history) > 0 {
		reply = replyBadJoinCode
	}
	e.logThread(ctx, "", phone, body, reply)
	return reply, nil
}

func (e *Engine) logThread(ctx context.Context, tenantID, phone, inbound, reply string) {
	for _, msg := range []repo.ChatMessage{
		{TenantID: tenantID, Phone: phone, Role: repo.RoleUser, Content: inbound},
		{TenantID: tenantID, Phone: phone, Role: repo.RoleAssistant, Content: reply},
	} {
		if err := e.store.AppendMessage(ctx, msg); err != nil {
			e.logger.Warn("failed persisting message", "error", err)
		}
	}
}

func (e *Engine) oracleRequest(body string, phase Phase, tenant *repo.Tenant, rc readContext) nlu.Request {
	req := nlu.Request{
		Message:      body,
		Registered:   phase == PhaseActive,
		GroupPending: phase == PhaseAwaitingGroup,
		GroupNames:   tenant.GroupNames,
		History:      rc.history,
	}
	for _, t := range rc.catalog {
		line := t.Name
		if len(t.Aliases) > 0 {
			line += " (aka " + strings.Join(t.Aliases, ", ") + ")"
		}
		req.Catalog = append(req.Catalog, line)
	}
	for _, c := range rc.active {
		req.Active = append(req.Active, fmt.Sprintf("%s — %s", c.ToolName, c.Person))
	}
	for _, c := range rc.own {
		req.OwnTools = append(req.OwnTools, c.ToolName)
	}
	return req
}

func (e *Engine) dispatch(ctx context.Context, tenant *repo.Tenant, user *repo.User, phase Phase, body string, parsed nlu.ParsedIntent, rc readContext) (string, error) {
	switch phase {
	case PhaseAwaitingName:
		return e.handleName(ctx, tenant, user, body, parsed)
	case PhaseAwaitingGroup:
		return e.handleGroupPick(ctx, tenant, user, body, parsed)
	}

	// A bare in-range number always selects from the latest numbered list,
	// whatever the oracle guessed.
	if n, ok := parsePositiveInt(body); ok {
		if p := e.loadPending(ctx, tenant.ID, user.Phone, rc.history); p != nil && n <= len(p.Candidates) {
			return e.resolveChoice(ctx, tenant, user, p, p.Candidates[n-1], rc)
		}
	}

	switch parsed.Intent {
	case nlu.IntentCheckout:
		return e.handleCheckout(ctx, tenant, user, parsed.Tool, rc)
	case nlu.IntentCheckin:
		return e.handleCheckin(ctx, tenant, user, body, parsed.Tool, rc)
	case nlu.IntentStatus:
		return e.handleStatus(parsed.Tool, rc), nil
	case nlu.IntentAvailability:
		return e.handleAvailability(parsed.Tool, rc), nil
	case nlu.IntentConfirm:
		return e.handleConfirm(ctx, tenant, user, rc)
	case nlu.IntentDeny:
		e.clearPending(ctx, tenant.ID, user.Phone)
		return replyDeny, nil
	case nlu.IntentRegister:
		return fmt.Sprintf("You're already registered as %s.", user.Name), nil
	case nlu.IntentSelectGroup:
		return e.handleGroupSwitch(ctx, tenant, user, parsed.Group)
	case nlu.IntentGreeting:
		return replyGreeting, nil
	case nlu.IntentThanks:
		return replyThanks, nil
	default:
		return replyHelp, nil
	}
}

// -- onboarding --

func (e *Engine) handleName(ctx context.Context, tenant *repo.Tenant, user *repo.User, body string, parsed nlu.ParsedIntent) (string, error) {
	name := body
	if parsed.Intent == nlu.IntentRegister && parsed.Name != "" {
		name = parsed.Name
	}

	if err := e.store.SetUserName(ctx, tenant.ID, user.Phone, name); err != nil {
		return "", err
	}

	if tenant.GroupRequired() {
		return fmt.Sprintf("Thanks, %s. Which crew are you on?\n%s", name, numberedList(tenant.GroupNames)), nil
	}
	return fmt.Sprintf("Got it, %s. You're all set. Just text me when you grab or return a tool.", name), nil
}

// handleGroupPick accepts an ordinal from the numbered list the engine last
// sent, an exact case-insensitive group name, or the oracle's select_group
// guess, validated against the tenant's configured groups either way.
func (e *Engine) handleGroupPick(ctx context.Context, tenant *repo.Tenant, user *repo.User, body string, parsed nlu.ParsedIntent) (string, error) {
	pick := ""

	if n, ok := parsePositiveInt(body); ok && n <= len(tenant.GroupNames) {
		pick = tenant.GroupNames[n-1]
	}
	if pick == "" {
		pick = matchGroup(body, tenant.GroupNames)
	}
	if pick == "" && parsed.Intent == nlu.IntentSelectGroup {
		pick = matchGroup(parsed.Group, tenant.GroupNames)
	}

	if pick == "" {
		return fmt.Sprintf("Which crew are you on? Reply with a number.\n%s", numberedList(tenant.GroupNames)), nil
	}

	if err := e.store.SetUserGroup(ctx, tenant.ID, user.Phone, pick); err != nil {
		return "", err
	}
	return fmt.Sprintf("Got it — you're on %s. You're all set, %s.", pick, user.Name), nil
}

func (e *Engine) handleGroupSwitch(ctx context.Context, tenant *repo.Tenant, user *repo.User, group string) (string, error) {
	if !tenant.GroupRequired() {
		return replyHelp, nil
	}
	pick := matchGroup(group, tenant.GroupNames)
	if pick == "" {
		e.savePending(ctx, tenant.ID, user.Phone, Pending{Kind: PendingGroup, Candidates: tenant.GroupNames})
		return fmt.Sprintf("Pick one of:\n%s", numberedList(tenant.GroupNames)), nil
	}
	if err := e.store.SetUserGroup(ctx, tenant.ID, user.Phone, pick); err != nil {
		return "", err
	}
	return fmt.Sprintf("Done — you're on %s now.", pick), nil
}

func matchGroup(text string, groups []string) string {
	text = strings.TrimSpace(text)
	for _, g := range groups {
		if strings.EqualFold(g, text) {
			return g
		}
	}
	return ""
}

// -- checkout / checkin --

func (e *Engine) handleCheckout(ctx context.Context, tenant *repo.Tenant, user *repo.User, ref string, rc readContext) (string, error) {
	if ref == "" {
		return "Which tool are you grabbing?", nil
	}

	cands := MatchCatalog(ref, rc.catalog)
	switch {
	case len(cands) == 0:
		return fmt.Sprintf("\"%s\" isn't in the catalog. Managers add tools from the dashboard.", ref), nil
	case len(cands) == 1 && cands[0].Exact:
		return e.doCheckout(ctx, tenant, user, cands[0].Name)
	case len(cands) == 1:
		e.savePending(ctx, tenant.ID, user.Phone, Pending{Kind: PendingCheckout, Candidates: []string{cands[0].Name}})
		return fmt.Sprintf("Do you mean the %s?", cands[0].Name), nil
	default:
		names := candidateNames(cands)
		e.savePending(ctx, tenant.ID, user.Phone, Pending{Kind: PendingCheckout, Candidates: names})
		return fmt.Sprintf("Which one?\n%s", numberedList(names)), nil
	}
}

func (e *Engine) doCheckout(ctx context.Context, tenant *repo.Tenant, user *repo.User, toolName string) (string, error) {
	row, err := e.store.Checkout(ctx, repo.ActiveCheckout{
		TenantID: tenant.ID,
		ToolName: toolName,
		Person:   user.Name,
		Phone:    user.Phone,
		Group:    user.Group,
	})
	if errors.Is(err, repo.ErrToolUnavailable) {
		e.metrics.CheckoutConflicts.Inc()
		e.clearPending(ctx, tenant.ID, user.Phone)
		if row != nil && row.Phone == user.Phone {
			return fmt.Sprintf("You already have the %s checked out.", row.ToolName), nil
		}
		if row != nil {
			return fmt.Sprintf("%s is checked out to %s. Not available right now.", row.ToolName, row.Person), nil
		}
		return fmt.Sprintf("%s isn't available right now.", toolName), nil
	}
	if err != nil {
		return "", err
	}

	e.clearPending(ctx, tenant.ID, user.Phone)
	return fmt.Sprintf("%s — checked out to you. ✓", row.ToolName), nil
}

func (e *Engine) handleCheckin(ctx context.Context, tenant *repo.Tenant, user *repo.User, body, ref string, rc readContext) (string, error) {
	if ref == "" {
		switch {
		case len(rc.own) == 0:
			return "You don't have anything checked out.", nil
		case len(rc.own) == 1:
			return e.doCheckin(ctx, tenant, user, rc.own[0].ToolName, rc)
		case mentionsEverything(body):
			return e.doCheckinAll(ctx, tenant, user, rc.own)
		default:
			names := checkoutNames(rc.own)
			e.savePending(ctx, tenant.ID, user.Phone, Pending{Kind: PendingCheckin, Candidates: names})
			return fmt.Sprintf("You have:\n%s\nWhich one are you returning? (or say \"everything\")", numberedList(names)), nil
		}
	}

	cands := MatchHeld(ref, rc.own)
	switch {
	case len(cands) == 0:
		return e.checkinMiss(ref, user, rc), nil
	case len(cands) == 1 && cands[0].Exact:
		return e.doCheckin(ctx, tenant, user, cands[0].Name, rc)
	case len(cands) == 1:
		e.savePending(ctx, tenant.ID, user.Phone, Pending{Kind: PendingCheckin, Candidates: []string{cands[0].Name}})
		return fmt.Sprintf("Do you mean the %s?", cands[0].Name), nil
	default:
		names := candidateNames(cands)
		e.savePending(ctx, tenant.ID, user.Phone, Pending{Kind: PendingCheckin, Candidates: names})
		return fmt.Sprintf("Which one?\n%s", numberedList(names)), nil
	}
}

// checkinMiss distinguishes "someone else has it" from "nobody has it".
func (e *Engine) checkinMiss(ref string, user *repo.User, rc readContext) string {
	cands := MatchCatalog(ref, rc.catalog)
	for _, c := range cands {
		if holder := holderOf(rc.active, c.Name); holder != nil && holder.Phone != user.Phone {
			return fmt.Sprintf("%s is checked out to %s, not you.", holder.ToolName, holder.Person)
		}
	}
	if len(cands) > 0 {
		return fmt.Sprintf("Nobody has the %s checked out right now.", cands[0].Name)
	}
	return fmt.Sprintf("Nobody has \"%s\" checked out right now.", ref)
}

func (e *Engine) doCheckin(ctx context.Context, tenant *repo.Tenant, user *repo.User, toolName string, rc readContext) (string, error) {
	entry, err := e.store.Checkin(ctx, tenant.ID, user.Phone, toolName)
	if errors.Is(err, repo.ErrNotCheckedOut) {
		return e.checkinMiss(toolName, user, rc), nil
	}
	if err != nil {
		return "", err
	}

	e.clearPending(ctx, tenant.ID, user.Phone)
	return fmt.Sprintf("%s — returned. ✓", entry.ToolName), nil
}

func (e *Engine) doCheckinAll(ctx context.Context, tenant *repo.Tenant, user *repo.User, own []repo.ActiveCheckout) (string, error) {
	var returned []string
	for _, c := range own {
		entry, err := e.store.Checkin(ctx, tenant.ID, user.Phone, c.ToolName)
		if err != nil {
			if errors.Is(err, repo.ErrNotCheckedOut) {
				continue
			}
			return "", err
		}
		returned = append(returned, entry.ToolName)
	}
	if len(returned) == 0 {
		return "You don't have anything checked out.", nil
	}

	e.clearPending(ctx, tenant.ID, user.Phone)
	return fmt.Sprintf("Returned: %s. ✓", strings.Join(returned, ", ")), nil
}

// -- reads --

func (e *Engine) handleStatus(ref string, rc readContext) string {
	if ref == "" {
		return formatHolders(rc.active)
	}

	cands := MatchCatalog(ref, rc.catalog)
	if len(cands) == 0 {
		// The tool may be held even if the catalog entry was since removed.
		cands = MatchHeld(ref, rc.active)
	}
	for _, c := range cands {
		if holder := holderOf(rc.active, c.Name); holder != nil {
			return fmt.Sprintf("%s has the %s (since %s).", holder.Person, holder.ToolName, sinceClock(holder.CheckedOutAt))
		}
	}
	if len(cands) > 0 {
		return fmt.Sprintf("Nobody has the %s right now.", cands[0].Name)
	}
	return fmt.Sprintf("I don't know \"%s\".", ref)
}

func (e *Engine) handleAvailability(ref string, rc readContext) string {
	if ref == "" {
		return formatFree(rc.catalog, rc.active)
	}

	cands := MatchCatalog(ref, rc.catalog)
	if len(cands) == 0 {
		return fmt.Sprintf("\"%s\" isn't in the catalog.", ref)
	}
	var lines []string
	for _, c := range cands {
		if holder := holderOf(rc.active, c.Name); holder != nil {
			lines = append(lines, fmt.Sprintf("%s is with %s right now.", c.Name, holder.Person))
		} else {
			lines = append(lines, fmt.Sprintf("%s is free.", c.Name))
		}
	}
	return strings.Join(lines, "\n")
}

// -- disambiguation --

func (e *Engine) handleConfirm(ctx context.Context, tenant *repo.Tenant, user *repo.User, rc readContext) (string, error) {
	p := e.loadPending(ctx, tenant.ID, user.Phone, rc.history)
	if p == nil || len(p.Candidates) == 0 {
		return replyNoConfirm, nil
	}
	if len(p.Candidates) > 1 {
		return replyPickNumber, nil
	}
	return e.resolveChoice(ctx, tenant, user, p, p.Candidates[0], rc)
}

// resolveChoice re-runs the exact tier on the chosen label, then executes the
// originating intent under the usual conflict checks.
func (e *Engine) resolveChoice(ctx context.Context, tenant *repo.Tenant, user *repo.User, p *Pending, label string, rc readContext) (string, error) {
	e.clearPending(ctx, tenant.ID, user.Phone)

	switch p.Kind {
	case PendingGroup:
		pick := matchGroup(label, tenant.GroupNames)
		if pick == "" {
			e.savePending(ctx, tenant.ID, user.Phone, Pending{Kind: PendingGroup, Candidates: tenant.GroupNames})
			return fmt.Sprintf("Pick one of:\n%s", numberedList(tenant.GroupNames)), nil
		}
		if err := e.store.SetUserGroup(ctx, tenant.ID, user.Phone, pick); err != nil {
			return "", err
		}
		return fmt.Sprintf("Done — you're on %s now.", pick), nil
	case PendingCheckin:
		entries := make([]matchEntry, 0, len(rc.own))
		for _, c := range rc.own {
			entries = append(entries, matchEntry{name: c.ToolName})
		}
		if hit := exactOnly(label, entries); hit != nil {
			return e.doCheckin(ctx, tenant, user, hit.Name, rc)
		}
		return fmt.Sprintf("You don't have the %s checked out.", label), nil
	default:
		entries := make([]matchEntry, 0, len(rc.catalog))
		for _, t := range rc.catalog {
			entries = append(entries, matchEntry{name: t.Name, aliases: t.Aliases})
		}
		if hit := exactOnly(label, entries); hit != nil {
			return e.doCheckout(ctx, tenant, user, hit.Name)
		}
		return fmt.Sprintf("\"%s\" isn't in the catalog anymore.", label), nil
	}
}

func (e *Engine) loadPending(ctx context.Context, tenantID, phone string, history []repo.ChatMessage) *Pending {
	p, err := e.pending.Load(ctx, tenantID, phone)
	if err != nil {
		e.logger.Warn("failed loading pending choice", "error", err)
	}
	if p != nil && len(p.Candidates) > 0 {
		return p
	}
	return scrapePending(history)
}

func (e *Engine) savePending(ctx context.Context, tenantID, phone string, p Pending) {
	if err := e.pending.Save(ctx, tenantID, phone, p); err != nil {
		// The text-scraping fallback still covers resolution.
		e.logger.Warn("failed saving pending choice", "error", err)
	}
}

func (e *Engine) clearPending(ctx context.Context, tenantID, phone string) {
	if err := e.pending.Clear(ctx, tenantID, phone); err != nil {
		e.logger.Warn("failed clearing pending choice", "error", err)
	}
}

// -- helpers --

func holderOf(active []repo.ActiveCheckout, toolName string) *repo.ActiveCheckout {
	for i := range active {
		if strings.EqualFold(active[i].ToolName, toolName) {
			return &active[i]
		}
	}
	return nil
}

func candidateNames(cands []Candidate) []string {
	names := make([]string, 0, len(cands))
	for _, c := range cands {
		names = append(names, c.Name)
	}
	return names
}

func parsePositiveInt(body string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(body))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func mentionsEverything(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "everything") || strings.Contains(lower, " all") || strings.HasPrefix(lower, "all")
}
