package repo

import "time"

// Tenant statuses.
const (
	TenantActive   = "active"
	TenantDisabled = "disabled"
)

// Tenant represents an organization with its own catalog, users and routing identity.
type Tenant struct {
	ID             string
	Name           string
	JoinCode       string
	RoutingAddress *string
	GroupsEnabled  bool
	GroupNames     []string
	Status         string
	CreatedAt      time.Time
}

// GroupRequired reports whether onboarding must collect a group pick.
func (t *Tenant) GroupRequired() bool {
	return t.GroupsEnabled && len(t.GroupNames) > 0
}

// User represents a worker bound to a tenant by phone number.
// An empty Name means registration is still pending.
type User struct {
	TenantID     string
	Phone        string
	Name         string
	Group        *string
	RegisteredAt time.Time
}

// Tool is a catalog entry. The conversation engine never mutates the catalog.
type Tool struct {
	ID        string
	TenantID  string
	Name      string
	Aliases   []string
	Group     *string
	CreatedAt time.Time
}

// ActiveCheckout records current custody of a tool.
// At most one row exists per (tenant, lower(tool name)).
type ActiveCheckout struct {
	ID           string
	TenantID     string
	ToolName     string
	Person       string
	Phone        string
	Group        *string
	CheckedOutAt time.Time
}

// HistoryEntry is a closed checkout. Append-only.
type HistoryEntry struct {
	ID           string
	TenantID     string
	ToolName     string
	Person       string
	Phone        string
	Group        *string
	CheckedOutAt time.Time
	ReturnedAt   time.Time
}

// Chat message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of the stored conversation log, the only
// substitute for session state between webhook invocations.
type ChatMessage struct {
	TenantID  string
	Phone     string
	Role      string
	Content   string
	CreatedAt time.Time
}

// APIKey represents a record in the api_keys table.
type APIKey struct {
	ID            string
	Provider      string
	Value         string
	Priority      int
	CooldownUntil *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
