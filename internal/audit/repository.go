package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads the append-only audit_logs collection. Nothing in this
// package mutates it; writes happen inside the mutating components' own
// transactions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Window returns up to limit rows matching the filters, newest first,
// starting at offset.
func (r *Repository) Window(ctx context.Context, filters TimelineFilters, offset, limit int) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, occurred_at, actor, action, entity, entity_id, before, after
		FROM audit_logs
		WHERE ($1::timestamptz IS NULL OR occurred_at >= $1)
		  AND ($2::timestamptz IS NULL OR occurred_at <= $2)
		  AND ($3 = '' OR actor = $3)
		  AND ($4 = '' OR entity = $4)
		  AND ($5 = '' OR action = $5)
		ORDER BY occurred_at DESC, id DESC
		OFFSET $6 LIMIT $7`,
		nullableTime(filters.From), nullableTime(filters.To),
		filters.Actor, filters.Entity, filters.Action, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TimelineRow
	for rows.Next() {
		var row TimelineRow
		if err := rows.Scan(&row.ID, &row.At, &row.Actor, &row.Action, &row.Entity, &row.EntityID, &row.Before, &row.After); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
