package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// toolKey normalises a tool name for the per-tenant uniqueness constraint.
func toolKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Checkout claims custody of a tool with a single conditional insert, so the
// availability check and the write cannot race. If the tool is already held,
// the current holder's row is returned together with ErrToolUnavailable.
func (r *PostgresRepository) Checkout(ctx context.Context, row ActiveCheckout) (*ActiveCheckout, error) {
	const q = `
INSERT INTO active_checkouts (tenant_id, tool_name, tool_key, person, phone, group_name)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (tenant_id, tool_key) DO NOTHING
RETURNING id, checked_out_at;
`
	key := toolKey(row.ToolName)
	err := r.pool.QueryRow(ctx, q,
		row.TenantID,
		strings.TrimSpace(row.ToolName),
		key,
		row.Person,
		row.Phone,
		row.Group,
	).Scan(&row.ID, &row.CheckedOutAt)
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("checkout: %w", err)
	}

	holder, herr := r.getHolder(ctx, row.TenantID, key)
	if herr != nil {
		// The conflicting row was returned between the insert and this read.
		if errors.Is(herr, ErrNotFound) {
			return nil, ErrToolUnavailable
		}
		return nil, herr
	}
	return holder, ErrToolUnavailable
}

func (r *PostgresRepository) getHolder(ctx context.Context, tenantID, key string) (*ActiveCheckout, error) {
	const q = activeSelect + ` WHERE tenant_id = $1 AND tool_key = $2 LIMIT 1;`
	return scanActive(r.pool.QueryRow(ctx, q, tenantID, key))
}

// Checkin atomically moves the caller's active checkout to history.
// Returns ErrNotCheckedOut when this phone holds no matching row.
func (r *PostgresRepository) Checkin(ctx context.Context, tenantID, phone, toolName string) (*HistoryEntry, error) {
	var entry *HistoryEntry
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		const sel = activeSelect + ` WHERE tenant_id = $1 AND phone = $2 AND tool_key = $3 FOR UPDATE;`
		row, err := scanActive(tx.QueryRow(ctx, sel, tenantID, phone, toolKey(toolName)))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrNotCheckedOut
			}
			return err
		}
		entry, err = closeCheckout(ctx, tx, row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// CheckinByID force-returns an active checkout by row id. Admin operation.
func (r *PostgresRepository) CheckinByID(ctx context.Context, tenantID, id string) (*HistoryEntry, error) {
	var entry *HistoryEntry
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		const sel = activeSelect + ` WHERE tenant_id = $1 AND id = $2 FOR UPDATE;`
		row, err := scanActive(tx.QueryRow(ctx, sel, tenantID, id))
		if err != nil {
			return err
		}
		entry, err = closeCheckout(ctx, tx, row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func closeCheckout(ctx context.Context, tx pgx.Tx, row *ActiveCheckout) (*HistoryEntry, error) {
	entry := HistoryEntry{
		TenantID:     row.TenantID,
		ToolName:     row.ToolName,
		Person:       row.Person,
		Phone:        row.Phone,
		Group:        row.Group,
		CheckedOutAt: row.CheckedOutAt,
	}
	const ins = `
INSERT INTO history (tenant_id, tool_name, person, phone, group_name, checked_out_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, returned_at;
`
	err := tx.QueryRow(ctx, ins,
		entry.TenantID, entry.ToolName, entry.Person, entry.Phone, entry.Group, entry.CheckedOutAt,
	).Scan(&entry.ID, &entry.ReturnedAt)
	if err != nil {
		return nil, fmt.Errorf("insert history: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM active_checkouts WHERE id = $1;`, row.ID); err != nil {
		return nil, fmt.Errorf("delete active checkout: %w", err)
	}
	return &entry, nil
}

// ListActiveCheckouts returns all current holders for a tenant, newest first.
func (r *PostgresRepository) ListActiveCheckouts(ctx context.Context, tenantID string) ([]ActiveCheckout, error) {
	const q = activeSelect + ` WHERE tenant_id = $1 ORDER BY checked_out_at DESC;`
	return r.queryActive(ctx, q, tenantID)
}

// ListCheckoutsByPhone returns the tools currently held by one phone.
func (r *PostgresRepository) ListCheckoutsByPhone(ctx context.Context, tenantID, phone string) ([]ActiveCheckout, error) {
	const q = activeSelect + ` WHERE tenant_id = $1 AND phone = $2 ORDER BY checked_out_at DESC;`
	return r.queryActive(ctx, q, tenantID, phone)
}

// ListHistory returns closed checkouts, most recently returned first.
func (r *PostgresRepository) ListHistory(ctx context.Context, tenantID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, tenant_id, tool_name, person, phone, group_name, checked_out_at, returned_at
FROM history
WHERE tenant_id = $1
ORDER BY returned_at DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, tenantID, limit)
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

const activeSelect = `
SELECT id, tenant_id, tool_name, person, phone, group_name, checked_out_at
FROM active_checkouts`

func (r *PostgresRepository) queryActive(ctx context.Context, q string, args ...any) ([]ActiveCheckout, error) {
	rows, err := r.pool.Query(ctx, q, args...)
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

func scanActive(row pgx.Row) (*ActiveCheckout, error) {
	var c ActiveCheckout
	err := row.Scan(&c.ID, &c.TenantID, &c.ToolName, &c.Person, &c.Phone, &c.Group, &c.CheckedOutAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan active checkout: %w", err)
	}
	return &c, nil
}
