package audit

import (
	"context"
	"database/sql"
	"fmt"

	"callrelay/internal/calls"
)

// PostgresRepo stores events in audit_events. The table is INSERT-only.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, type, actor, target, message, metadata, created_at)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, '')::jsonb, $7)
`
	if _, err := r.db.ExecContext(ctx, q,
		e.ID,
		string(e.Type),
		e.Actor.String(),
		e.Target.String(),
		e.Message,
		e.Metadata,
		e.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (r *PostgresRepo) List(ctx context.Context, actor calls.Identity, limit int) ([]Event, error) {
	const q = `
SELECT id, type, actor, COALESCE(target, ''), COALESCE(message, ''), COALESCE(metadata::text, ''), created_at
FROM audit_events
WHERE actor = $1
ORDER BY created_at DESC
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, q, actor.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var typ, act, target string
		if err := rows.Scan(&e.ID, &typ, &act, &target, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.Actor = calls.Identity(act)
		e.Target = calls.Identity(target)
		out = append(out, e)
	}
	return out, rows.Err()
}
