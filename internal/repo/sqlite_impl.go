package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// -- Tenants --

func (r *SQLiteRepository) CreateTenant(ctx context.Context, t Tenant) (*Tenant, error) {
	if t.ID == "" {
		t.ID = randomUUID()
	}
	if t.Status == "" {
		t.Status = TenantActive
	}
	const q = `
INSERT INTO tenants (id, name, join_code, routing_address, groups_enabled, group_names, status)
VALUES (?, ?, ?, ?, ?, ?, ?)
RETURNING created_at;
`
	err := r.db.QueryRowContext(ctx, q,
		strings.ToLower(strings.TrimSpace(t.ID)),
		strings.TrimSpace(t.Name),
		strings.ToUpper(strings.TrimSpace(t.JoinCode)),
		t.RoutingAddress,
		t.GroupsEnabled,
		listToJSON(t.GroupNames),
		t.Status,
	).Scan(&t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create tenant: %w", err)
	}
	return &t, nil
}

const sqliteTenantSelect = `
SELECT id, name, join_code, routing_address, groups_enabled, group_names, status, created_at
FROM tenants`

func (r *SQLiteRepository) GetTenantByID(ctx context.Context, id string) (*Tenant, error) {
	const q = sqliteTenantSelect + ` WHERE id = ? LIMIT 1;`
	return scanSQLiteTenant(r.db.QueryRowContext(ctx, q, id))
}

func (r *SQLiteRepository) GetTenantByJoinCode(ctx context.Context, code string) (*Tenant, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, ErrNotFound
	}
	const q = sqliteTenantSelect + ` WHERE UPPER(join_code) = ? AND status = 'active' LIMIT 1;`
	return scanSQLiteTenant(r.db.QueryRowContext(ctx, q, code))
}

func (r *SQLiteRepository) GetTenantByRoute(ctx context.Context, address string) (*Tenant, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, ErrNotFound
	}
	const q = sqliteTenantSelect + ` WHERE routing_address = ? AND status = 'active' LIMIT 1;`
	return scanSQLiteTenant(r.db.QueryRowContext(ctx, q, address))
}

func scanSQLiteTenant(row *sql.Row) (*Tenant, error) {
	var t Tenant
	var groups string
	err := row.Scan(&t.ID, &t.Name, &t.JoinCode, &t.RoutingAddress, &t.GroupsEnabled, &groups, &t.Status, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	t.GroupNames = listFromJSON(groups)
	return &t, nil
}

// -- Users --

const sqliteUserSelect = `
SELECT tenant_id, phone, name, group_name, registered_at
FROM users`

func (r *SQLiteRepository) GetUser(ctx context.Context, tenantID, phone string) (*User, error) {
	const q = sqliteUserSelect + ` WHERE tenant_id = ? AND phone = ? LIMIT 1;`
	return scanSQLiteUser(r.db.QueryRowContext(ctx, q, tenantID, phone))
}

func (r *SQLiteRepository) FindUserByPhone(ctx context.Context, phone string) (*User, error) {
	const q = sqliteUserSelect + ` WHERE phone = ? AND tenant_id <> '' ORDER BY registered_at DESC LIMIT 1;`
	return scanSQLiteUser(r.db.QueryRowContext(ctx, q, phone))
}

func (r *SQLiteRepository) CreatePendingUser(ctx context.Context, tenantID, phone string) (*User, error) {
	const q = `
INSERT INTO users (tenant_id, phone, name)
VALUES (?, ?, '')
ON CONFLICT (tenant_id, phone) DO UPDATE SET phone = excluded.phone
RETURNING tenant_id, phone, name, group_name, registered_at;
`
	return scanSQLiteUser(r.db.QueryRowContext(ctx, q, tenantID, phone))
}

func (r *SQLiteRepository) SetUserName(ctx context.Context, tenantID, phone, name string) error {
	const q = `UPDATE users SET name = ?, registered_at = CURRENT_TIMESTAMP WHERE tenant_id = ? AND phone = ?;`
	ct, err := r.db.ExecContext(ctx, q, name, tenantID, phone)
	if err != nil {
		return fmt.Errorf("set user name: %w", err)
	}
	if n, _ := ct.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) SetUserGroup(ctx context.Context, tenantID, phone, group string) error {
	const q = `UPDATE users SET group_name = ? WHERE tenant_id = ? AND phone = ?;`
	ct, err := r.db.ExecContext(ctx, q, group, tenantID, phone)
	if err != nil {
		return fmt.Errorf("set user group: %w", err)
	}
	if n, _ := ct.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSQLiteUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.TenantID, &u.Phone, &u.Name, &u.Group, &u.RegisteredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// -- Tools --

func (r *SQLiteRepository) ListTools(ctx context.Context, tenantID string) ([]Tool, error) {
	const q = `
SELECT id, tenant_id, name, aliases, group_name, created_at
FROM tools
WHERE tenant_id = ?
ORDER BY created_at ASC, name ASC;
`
	rows, err := r.db.QueryContext(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	var tools []Tool
	for rows.Next() {
		var t Tool
		var aliases string
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Name, &aliases, &t.Group, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool: %w", err)
		}
		t.Aliases = listFromJSON(aliases)
		tools = append(tools, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tools: %w", err)
	}
	return tools, nil
}

func (r *SQLiteRepository) AddTool(ctx context.Context, tool Tool) (*Tool, error) {
	tool.ID = randomUUID()
	const q = `
INSERT INTO tools (id, tenant_id, name, aliases, group_name)
VALUES (?, ?, ?, ?, ?)
RETURNING created_at;
`
	err := r.db.QueryRowContext(ctx, q,
		tool.ID,
		tool.TenantID,
		strings.TrimSpace(tool.Name),
		listToJSON(tool.Aliases),
		tool.Group,
	).Scan(&tool.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("add tool: %w", err)
	}
	if tool.Aliases == nil {
		tool.Aliases = []string{}
	}
	return &tool, nil
}

func (r *SQLiteRepository) DeleteTool(ctx context.Context, tenantID, id string) error {
	const q = `DELETE FROM tools WHERE tenant_id = ? AND id = ?;`
	ct, err := r.db.ExecContext(ctx, q, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete tool: %w", err)
	}
	if n, _ := ct.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// -- Checkouts --

const sqliteActiveSelect = `
SELECT id, tenant_id, tool_name, person, phone, group_name, checked_out_at
FROM active_checkouts`

// Checkout claims custody with a single conditional insert, mirroring the
// Postgres repository. On conflict the current holder is returned with
// ErrToolUnavailable.
func (r *SQLiteRepository) Checkout(ctx context.Context, row ActiveCheckout) (*ActiveCheckout, error) {
	row.ID = randomUUID()
	key := toolKey(row.ToolName)
	const q = `
INSERT INTO active_checkouts (id, tenant_id, tool_name, tool_key, person, phone, group_name)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (tenant_id, tool_key) DO NOTHING
RETURNING checked_out_at;
`
	err := r.db.QueryRowContext(ctx, q,
		row.ID,
		row.TenantID,
		strings.TrimSpace(row.ToolName),
		key,
		row.Person,
		row.Phone,
		row.Group,
	).Scan(&row.CheckedOutAt)
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkout: %w", err)
	}

	const sel = sqliteActiveSelect + ` WHERE tenant_id = ? AND tool_key = ? LIMIT 1;`
	holder, herr := scanSQLiteActive(r.db.QueryRowContext(ctx, sel, row.TenantID, key))
	if herr != nil {
		if errors.Is(herr, ErrNotFound) {
			return nil, ErrToolUnavailable
		}
		return nil, herr
	}
	return holder, ErrToolUnavailable
}

func (r *SQLiteRepository) Checkin(ctx context.Context, tenantID, phone, toolName string) (*HistoryEntry, error) {
	var entry *HistoryEntry
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		const sel = sqliteActiveSelect + ` WHERE tenant_id = ? AND phone = ? AND tool_key = ? LIMIT 1;`
		row, err := scanSQLiteActive(tx.QueryRowContext(ctx, sel, tenantID, phone, toolKey(toolName)))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrNotCheckedOut
			}
			return err
		}
		entry, err = closeSQLiteCheckout(ctx, tx, row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *SQLiteRepository) CheckinByID(ctx context.Context, tenantID, id string) (*HistoryEntry, error) {
	var entry *HistoryEntry
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		const sel = sqliteActiveSelect + ` WHERE tenant_id = ? AND id = ? LIMIT 1;`
		row, err := scanSQLiteActive(tx.QueryRowContext(ctx, sel, tenantID, id))
		if err != nil {
			return err
		}
		entry, err = closeSQLiteCheckout(ctx, tx, row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func closeSQLiteCheckout(ctx context.Context, tx *sql.Tx, row *ActiveCheckout) (*HistoryEntry, error) {
	entry := HistoryEntry{
		ID:           randomUUID(),
		TenantID:     row.TenantID,
		ToolName:     row.ToolName,
		Person:       row.Person,
		Phone:        row.Phone,
		Group:        row.Group,
		CheckedOutAt: row.CheckedOutAt,
	}
	const ins = `
INSERT INTO history (id, tenant_id, tool_name, person, phone, group_name, checked_out_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
RETURNING returned_at;
`
	err := tx.QueryRowContext(ctx, ins,
		entry.ID, entry.TenantID, entry.ToolName, entry.Person, entry.Phone, entry.Group, entry.CheckedOutAt,
	).Scan(&entry.ReturnedAt)
	if err != nil {
		return nil, fmt.Errorf("insert history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM active_checkouts WHERE id = ?;`, row.ID); err != nil {
		return nil, fmt.Errorf("delete active checkout: %w", err)
	}
	return &entry, nil
}

func (r *SQLiteRepository) ListActiveCheckouts(ctx context.Context, tenantID string) ([]ActiveCheckout, error) {
	const q = sqliteActiveSelect + ` WHERE tenant_id = ? ORDER BY checked_out_at DESC;`
	return r.querySQLiteActive(ctx, q, tenantID)
}

func (r *SQLiteRepository) ListCheckoutsByPhone(ctx context.Context, tenantID, phone string) ([]ActiveCheckout, error) {
	const q = sqliteActiveSelect + ` WHERE tenant_id = ? AND phone = ? ORDER BY checked_out_at DESC;`
	return r.querySQLiteActive(ctx, q, tenantID, phone)
}

func (r *SQLiteRepository) ListHistory(ctx context.Context, tenantID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, tenant_id, tool_name, person, phone, group_name, checked_out_at, returned_at
FROM history
WHERE tenant_id = ?
ORDER BY returned_at DESC
LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ToolName, &e.Person, &e.Phone, &e.Group, &e.CheckedOutAt, &e.ReturnedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

func (r *SQLiteRepository) querySQLiteActive(ctx context.Context, q string, args ...any) ([]ActiveCheckout, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list active checkouts: %w", err)
	}
	defer rows.Close()

	var res []ActiveCheckout
	for rows.Next() {
		var c ActiveCheckout
		if err := rows.Scan(&c.ID, &c.TenantID, &c.ToolName, &c.Person, &c.Phone, &c.Group, &c.CheckedOutAt); err != nil {
			return nil, fmt.Errorf("scan active checkout: %w", err)
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active checkouts: %w", err)
	}
	return res, nil
}

func scanSQLiteActive(row *sql.Row) (*ActiveCheckout, error) {
	var c ActiveCheckout
	err := row.Scan(&c.ID, &c.TenantID, &c.ToolName, &c.Person, &c.Phone, &c.Group, &c.CheckedOutAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan active checkout: %w", err)
	}
	return &c, nil
}

// -- Messages --

func (r *SQLiteRepository) AppendMessage(ctx context.Context, msg ChatMessage) error {
	const q = `
INSERT INTO messages (id, tenant_id, phone, role, content)
VALUES (?, ?, ?, ?, ?);
`
	_, err := r.db.ExecContext(ctx, q, randomUUID(), msg.TenantID, msg.Phone, msg.Role, msg.Content)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListRecentMessages(ctx context.Context, tenantID, phone string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 6
	}
	const q = `
SELECT role, content, created_at
FROM messages
WHERE tenant_id = ? AND phone = ?
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, tenantID, phone, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent message: %w", err)
		}
		m.TenantID = tenantID
		m.Phone = phone
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent messages: %w", err)
	}

	reverseMessages(msgs)
	return msgs, nil
}

// -- API keys --

func (r *SQLiteRepository) SyncOracleKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return fmt.Errorf("no oracle keys provided")
	}

	for idx, key := range keys {
		if err := r.upsertAPIKey(ctx, providerOracle, key, idx); err != nil {
			return err
		}
	}
	return nil
}

func (r *SQLiteRepository) upsertAPIKey(ctx context.Context, provider, value string, priority int) error {
	const q = `
INSERT INTO api_keys (id, provider, value, priority, cooldown_until)
VALUES (?, ?, ?, ?, NULL)
ON CONFLICT (provider, value) DO UPDATE
SET priority = excluded.priority,
    updated_at = CURRENT_TIMESTAMP;`
	_, err := r.db.ExecContext(ctx, q, randomUUID(), provider, value, priority)
	if err != nil {
		return fmt.Errorf("upsert api key: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListActiveOracleKeys(ctx context.Context) ([]APIKey, error) {
	const q = `
SELECT id, provider, value, priority, cooldown_until, created_at, updated_at
FROM api_keys
WHERE provider = ?
ORDER BY priority ASC;
`
	rows, err := r.db.QueryContext(ctx, q, providerOracle)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var res []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.Provider, &k.Value, &k.Priority, &k.CooldownUntil, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		res = append(res, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}
	return res, nil
}

func (r *SQLiteRepository) ClearCooldown(ctx context.Context, id string) error {
	const q = `UPDATE api_keys SET cooldown_until = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	ct, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("clear cooldown: %w", err)
	}
	if n, _ := ct.RowsAffected(); n == 0 {
		return fmt.Errorf("api key not found: %s", id)
	}
	return nil
}

func (r *SQLiteRepository) SetCooldownUntil(ctx context.Context, id string, until time.Time) error {
	const q = `UPDATE api_keys SET cooldown_until = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	ct, err := r.db.ExecContext(ctx, q, until, id)
	if err != nil {
		return fmt.Errorf("set cooldown: %w", err)
	}
	if n, _ := ct.RowsAffected(); n == 0 {
		return fmt.Errorf("api key not found: %s", id)
	}
	return nil
}
