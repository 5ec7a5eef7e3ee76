package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// CreateTenant inserts a new tenant record. Tenants are created by operators only.
func (r *PostgresRepository) CreateTenant(ctx context.Context, t Tenant) (*Tenant, error) {
	if t.ID == "" {
		t.ID = randomUUID()
	}
	if t.Status == "" {
		t.Status = TenantActive
	}
	const q = `
INSERT INTO tenants (id, name, join_code, routing_address, groups_enabled, group_names, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING created_at;
`
	err := r.pool.QueryRow(ctx, q,
		strings.ToLower(strings.TrimSpace(t.ID)),
		strings.TrimSpace(t.Name),
		strings.ToUpper(strings.TrimSpace(t.JoinCode)),
		t.RoutingAddress,
		t.GroupsEnabled,
		t.GroupNames,
		t.Status,
	).Scan(&t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create tenant: %w", err)
	}
	return &t, nil
}

// GetTenantByID returns the tenant regardless of status.
func (r *PostgresRepository) GetTenantByID(ctx context.Context, id string) (*Tenant, error) {
	const q = tenantSelect + ` WHERE id = $1 LIMIT 1;`
	return r.scanTenant(r.pool.QueryRow(ctx, q, id))
}

// GetTenantByJoinCode resolves an active tenant by its join code.
// Codes are stored and compared upper-cased.
func (r *PostgresRepository) GetTenantByJoinCode(ctx context.Context, code string) (*Tenant, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, ErrNotFound
	}
	const q = tenantSelect + ` WHERE UPPER(join_code) = $1 AND status = 'active' LIMIT 1;`
	return r.scanTenant(r.pool.QueryRow(ctx, q, code))
}

// GetTenantByRoute resolves an active tenant by its dedicated routing address.
func (r *PostgresRepository) GetTenantByRoute(ctx context.Context, address string) (*Tenant, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, ErrNotFound
	}
	const q = tenantSelect + ` WHERE routing_address = $1 AND status = 'active' LIMIT 1;`
	return r.scanTenant(r.pool.QueryRow(ctx, q, address))
}

const tenantSelect = `
SELECT id, name, join_code, routing_address, groups_enabled, group_names, status, created_at
FROM tenants`

func (r *PostgresRepository) scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Name, &t.JoinCode, &t.RoutingAddress, &t.GroupsEnabled, &t.GroupNames, &t.Status, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	return &t, nil
}
