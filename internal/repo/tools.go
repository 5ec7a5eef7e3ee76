package repo

import (
	"context"
	"fmt"
	"strings"
)

// ListTools returns the tenant's catalog in creation order.
func (r *PostgresRepository) ListTools(ctx context.Context, tenantID string) ([]Tool, error) {
	const q = `
SELECT id, tenant_id, name, aliases, group_name, created_at
FROM tools
WHERE tenant_id = $1
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	var tools []Tool
	for rows.Next() {
		var t Tool
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Name, &t.Aliases, &t.Group, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool: %w", err)
		}
		tools = append(tools, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tools: %w", err)
	}
	return tools, nil
}

// AddTool adds a catalog entry. Operator-only; the engine reads the catalog.
func (r *PostgresRepository) AddTool(ctx context.Context, tool Tool) (*Tool, error) {
	if tool.Aliases == nil {
		tool.Aliases = []string{}
	}
	const q = `
INSERT INTO tools (tenant_id, name, aliases, group_name)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at;
`
	err := r.pool.QueryRow(ctx, q,
		tool.TenantID,
		strings.TrimSpace(tool.Name),
		tool.Aliases,
		tool.Group,
	).Scan(&tool.ID, &tool.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("add tool: %w", err)
	}
	return &tool, nil
}

// DeleteTool removes a catalog entry.
func (r *PostgresRepository) DeleteTool(ctx context.Context, tenantID, id string) error {
	const q = `DELETE FROM tools WHERE tenant_id = $1 AND id = $2;`
	ct, err := r.pool.Exec(ctx, q, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete tool: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
