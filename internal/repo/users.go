package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const userSelect = `
SELECT tenant_id, phone, name, group_name, registered_at
FROM users`

// GetUser returns the user bound to this tenant and phone.
func (r *PostgresRepository) GetUser(ctx context.Context, tenantID, phone string) (*User, error) {
	const q = userSelect + ` WHERE tenant_id = $1 AND phone = $2 LIMIT 1;`
	return r.scanUser(r.pool.QueryRow(ctx, q, tenantID, phone))
}

// FindUserByPhone returns the most recent tenant binding for a phone, if any.
// Used for tenant resolution on a shared routing address.
func (r *PostgresRepository) FindUserByPhone(ctx context.Context, phone string) (*User, error) {
	const q = userSelect + ` WHERE phone = $1 AND tenant_id <> '' ORDER BY registered_at DESC LIMIT 1;`
	return r.scanUser(r.pool.QueryRow(ctx, q, phone))
}

// CreatePendingUser creates a registration stub: phone bound, name empty.
func (r *PostgresRepository) CreatePendingUser(ctx context.Context, tenantID, phone string) (*User, error) {
	const q = `
INSERT INTO users (tenant_id, phone, name)
VALUES ($1, $2, '')
ON CONFLICT (tenant_id, phone) DO UPDATE SET phone = EXCLUDED.phone
RETURNING tenant_id, phone, name, group_name, registered_at;
`
	return r.scanUser(r.pool.QueryRow(ctx, q, tenantID, phone))
}

// SetUserName completes registration by filling in the display name.
func (r *PostgresRepository) SetUserName(ctx context.Context, tenantID, phone, name string) error {
	const q = `UPDATE users SET name = $3, registered_at = NOW() WHERE tenant_id = $1 AND phone = $2;`
	ct, err := r.pool.Exec(ctx, q, tenantID, phone, name)
	if err != nil {
		return fmt.Errorf("set user name: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetUserGroup records the group pick made during onboarding.
func (r *PostgresRepository) SetUserGroup(ctx context.Context, tenantID, phone, group string) error {
	const q = `UPDATE users SET group_name = $3 WHERE tenant_id = $1 AND phone = $2;`
	ct, err := r.pool.Exec(ctx, q, tenantID, phone, group)
	if err != nil {
		return fmt.Errorf("set user group: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.TenantID, &u.Phone, &u.Name, &u.Group, &u.RegisteredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}
