package repo

import (
	"context"
	"fmt"
)

// AppendMessage stores one conversation turn. The message log is append-only
// and stands in for session state between invocations.
func (r *PostgresRepository) AppendMessage(ctx context.Context, msg ChatMessage) error {
	const q = `
INSERT INTO messages (tenant_id, phone, role, content)
VALUES ($1, $2, $3, $4);
`
	_, err := r.pool.Exec(ctx, q, msg.TenantID, msg.Phone, msg.Role, msg.Content)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListRecentMessages returns the latest turns for a thread in chronological
// order (queried newest-first, then reversed).
func (r *PostgresRepository) ListRecentMessages(ctx context.Context, tenantID, phone string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 6
	}
	const q = `
SELECT role, content, created_at
FROM messages
WHERE tenant_id = $1 AND phone = $2
ORDER BY created_at DESC
LIMIT $3;
`
	rows, err := r.pool.Query(ctx, q, tenantID, phone, limit)
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

func reverseMessages(msgs []ChatMessage) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
