package repo

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// Sentinel errors for domain outcomes the engine turns into replies.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrToolUnavailable indicates an active checkout already exists for the tool.
	ErrToolUnavailable = errors.New("tool already checked out")
	// ErrNotCheckedOut indicates the phone holds no matching active checkout.
	ErrNotCheckedOut = errors.New("tool not checked out by this phone")
)

// Store defines the interface for data persistence. All catalog and ledger
// operations are tenant-scoped: the tenant id is always an explicit parameter.
type Store interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Tenants
	CreateTenant(ctx context.Context, t Tenant) (*Tenant, error)
	GetTenantByID(ctx context.Context, id string) (*Tenant, error)
	GetTenantByJoinCode(ctx context.Context, code string) (*Tenant, error)
	GetTenantByRoute(ctx context.Context, address string) (*Tenant, error)

	// Users
	GetUser(ctx context.Context, tenantID, phone string) (*User, error)
	FindUserByPhone(ctx context.Context, phone string) (*User, error)
	CreatePendingUser(ctx context.Context, tenantID, phone string) (*User, error)
	SetUserName(ctx context.Context, tenantID, phone, name string) error
	SetUserGroup(ctx context.Context, tenantID, phone, group string) error

	// Tools
	ListTools(ctx context.Context, tenantID string) ([]Tool, error)
	AddTool(ctx context.Context, tool Tool) (*Tool, error)
	DeleteTool(ctx context.Context, tenantID, id string) error

	// Checkouts
	Checkout(ctx context.Context, row ActiveCheckout) (*ActiveCheckout, error)
	Checkin(ctx context.Context, tenantID, phone, toolName string) (*HistoryEntry, error)
	CheckinByID(ctx context.Context, tenantID, id string) (*HistoryEntry, error)
	ListActiveCheckouts(ctx context.Context, tenantID string) ([]ActiveCheckout, error)
	ListCheckoutsByPhone(ctx context.Context, tenantID, phone string) ([]ActiveCheckout, error)
	ListHistory(ctx context.Context, tenantID string, limit int) ([]HistoryEntry, error)

	// Messages
	AppendMessage(ctx context.Context, msg ChatMessage) error
	ListRecentMessages(ctx context.Context, tenantID, phone string, limit int) ([]ChatMessage, error)

	// API keys
	SyncOracleKeys(ctx context.Context, keys []string) error
	ListActiveOracleKeys(ctx context.Context) ([]APIKey, error)
	ClearCooldown(ctx context.Context, id string) error
	SetCooldownUntil(ctx context.Context, id string, until time.Time) error
}
