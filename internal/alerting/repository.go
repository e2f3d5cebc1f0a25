package alerting

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medledger/medledger/internal/shared"
)

// Repository persists alerts in PostgreSQL. A partial unique index on
// (batch_id, alert_type) WHERE status='ACTIVE' makes Open idempotent.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so alert opens can
// ride the ledger transaction or run standalone during the sweep.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const alertColumns = `id, batch_id, alert_type, priority, status, message, created_at,
	COALESCE(acknowledged_by, ''), COALESCE(acknowledged_at, '0001-01-01'::timestamptz),
	COALESCE(resolved_by, ''), COALESCE(resolved_at, '0001-01-01'::timestamptz)`

func scanAlert(row pgx.Row) (Alert, error) {
	var a Alert
	var alertType, priority, status string
	err := row.Scan(&a.ID, &a.BatchID, &alertType, &priority, &status, &a.Message, &a.CreatedAt,
		&a.AcknowledgedBy, &a.AcknowledgedAt, &a.ResolvedBy, &a.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Alert{}, ErrAlertNotFound
		}
		return Alert{}, err
	}
	a.Type = AlertType(alertType)
	a.Priority = Priority(priority)
	a.Status = Status(status)
	return a, nil
}

// Open inserts a new ACTIVE alert unless one of the same type is already
// active for the batch. Returns the alert and whether it was newly opened.
func (r *Repository) Open(ctx context.Context, q querier, batchID int64, cand Candidate) (Alert, bool, error) {
	if q == nil {
		q = r.pool
	}
	row := q.QueryRow(ctx, `INSERT INTO stock_alerts (batch_id, alert_type, priority, status, message)
		VALUES ($1, $2, $3, 'ACTIVE', $4)
		ON CONFLICT (batch_id, alert_type) WHERE status='ACTIVE' DO NOTHING
		RETURNING `+alertColumns,
		batchID, string(cand.Type), string(cand.Priority), cand.Message)
	alert, err := scanAlert(row)
	if errors.Is(err, ErrAlertNotFound) {
		return Alert{}, false, nil
	}
	if err != nil {
		return Alert{}, false, err
	}
	return alert, true, nil
}

// Get returns one alert by id.
func (r *Repository) Get(ctx context.Context, alertID int64) (Alert, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM stock_alerts WHERE id=$1`, alertID)
	return scanAlert(row)
}

// List returns alerts matching the filter, newest first.
func (r *Repository) List(ctx context.Context, filter Filter) ([]Alert, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT `+alertColumns+` FROM stock_alerts
		WHERE ($1 = 0 OR batch_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC LIMIT $3`,
		filter.BatchID, string(filter.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var alerts []Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return alerts, nil
}

// TxRepository exposes the transactional operations used for status changes.
type TxRepository interface {
	GetAlertForUpdate(ctx context.Context, alertID int64) (Alert, error)
	SetAcknowledged(ctx context.Context, alertID int64, actor string) (Alert, error)
	SetResolved(ctx context.Context, alertID int64, actor string) (Alert, error)
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps a status transition and its audit record in one transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(ctx, &txRepo{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (t *txRepo) GetAlertForUpdate(ctx context.Context, alertID int64) (Alert, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+alertColumns+` FROM stock_alerts WHERE id=$1 FOR UPDATE`, alertID)
	return scanAlert(row)
}

func (t *txRepo) SetAcknowledged(ctx context.Context, alertID int64, actor string) (Alert, error) {
	row := t.tx.QueryRow(ctx, `UPDATE stock_alerts
		SET status='ACKNOWLEDGED', acknowledged_by=$2, acknowledged_at=NOW()
		WHERE id=$1 RETURNING `+alertColumns, alertID, actor)
	return scanAlert(row)
}

func (t *txRepo) SetResolved(ctx context.Context, alertID int64, actor string) (Alert, error) {
	row := t.tx.QueryRow(ctx, `UPDATE stock_alerts
		SET status='RESOLVED', resolved_by=$2, resolved_at=NOW()
		WHERE id=$1 RETURNING `+alertColumns, alertID, actor)
	return scanAlert(row)
}

func (t *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.InsertAuditLog(ctx, t.tx, log)
}

// ListBatchSnapshots returns evaluation snapshots for every batch that is
// not halted, used by the periodic expiry sweep.
func (r *Repository) ListBatchSnapshots(ctx context.Context) ([]BatchSnapshot, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, medication_id, batch_number, quantity, reorder_level, critical_level, expiry_date
		FROM stock_batches WHERE NOT halted ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var snaps []BatchSnapshot
	for rows.Next() {
		var s BatchSnapshot
		if err := rows.Scan(&s.BatchID, &s.MedicationID, &s.BatchNumber, &s.Quantity, &s.ReorderLevel, &s.CriticalLevel, &s.ExpiryDate); err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snaps, nil
}
