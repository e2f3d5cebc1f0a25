package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medledger/medledger/internal/shared"
)

// pgLockNotAvailable is raised when lock_timeout expires before the batch
// row lock is granted.
const pgLockNotAvailable = "55P03"

// Store persists batches and their transaction history in PostgreSQL. It is
// the sole mutator of persisted quantity; every mutation runs through WithTx
// so the row lock on stock_batches serializes appends per batch.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewStore constructs a Store. lockTimeout bounds the wait for a batch row
// lock before the operation is rejected as retryable.
func NewStore(pool *pgxpool.Pool, lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	return &Store{pool: pool, lockTimeout: lockTimeout}
}

// AppendInput carries one movement to be recorded against a locked batch.
type AppendInput struct {
	BatchID     int64
	Type        TransactionType
	Delta       int64
	Reason      AdjustmentReason
	Notes       string
	PerformedBy string
	Witness     string
}

// TxStore exposes the operations available inside one unit of work.
type TxStore interface {
	// Tx returns the underlying transaction so observers (alerts, audit)
	// can append within the same commit.
	Tx() pgx.Tx
	// GetBatchForUpdate loads a batch and takes its row lock.
	GetBatchForUpdate(ctx context.Context, batchID int64) (Batch, error)
	// FindBatchByNumberForUpdate locks the batch identified by its natural key.
	FindBatchByNumberForUpdate(ctx context.Context, orgID, medicationID int64, batchNumber string) (Batch, error)
	// InsertBatch creates a new batch row with zero quantity.
	InsertBatch(ctx context.Context, batch Batch) (Batch, error)
	// Append validates and records a transaction against the batch and
	// refreshes the cached quantity, returning the entry and the updated
	// snapshot. Fails with ErrInsufficientStock, ErrBatchHalted or
	// ErrCorrupted without writing anything.
	Append(ctx context.Context, in AppendInput) (Transaction, Batch, error)
	// RecordAudit appends an audit record in the same unit of work.
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

type txStore struct {
	tx pgx.Tx
}

// WithTx runs fn inside a repeatable-read transaction with the configured
// lock timeout. Lock waits that expire surface as ErrLockTimeout.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("ledger: set lock timeout: %w", err)
	}
	if err := fn(ctx, &txStore{tx: tx}); err != nil {
		return mapLockErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapLockErr(fmt.Errorf("ledger: commit: %w", err))
	}
	return nil
}

func mapLockErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
		return fmt.Errorf("%w: %s", ErrLockTimeout, pgErr.Message)
	}
	return err
}

func (t *txStore) Tx() pgx.Tx { return t.tx }

const batchColumns = `id, organization_id, medication_id, batch_number, expiry_date,
	quantity, reorder_level, critical_level, location, supplier_ref, halted, created_at, updated_at`

func scanBatch(row pgx.Row) (Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.OrganizationID, &b.MedicationID, &b.BatchNumber, &b.ExpiryDate,
		&b.Quantity, &b.ReorderLevel, &b.CriticalLevel, &b.Location, &b.SupplierRef,
		&b.Halted, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, err
	}
	return b, nil
}

func (t *txStore) GetBatchForUpdate(ctx context.Context, batchID int64) (Batch, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM stock_batches WHERE id=$1 FOR UPDATE`, batchID)
	return scanBatch(row)
}

func (t *txStore) FindBatchByNumberForUpdate(ctx context.Context, orgID, medicationID int64, batchNumber string) (Batch, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM stock_batches
		WHERE organization_id=$1 AND medication_id=$2 AND batch_number=$3 FOR UPDATE`,
		orgID, medicationID, batchNumber)
	return scanBatch(row)
}

func (t *txStore) InsertBatch(ctx context.Context, batch Batch) (Batch, error) {
	row := t.tx.QueryRow(ctx, `INSERT INTO stock_batches
		(organization_id, medication_id, batch_number, expiry_date, quantity, reorder_level, critical_level, location, supplier_ref)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8)
		RETURNING `+batchColumns,
		batch.OrganizationID, batch.MedicationID, batch.BatchNumber, batch.ExpiryDate,
		batch.ReorderLevel, batch.CriticalLevel, batch.Location, batch.SupplierRef)
	return scanBatch(row)
}

func (t *txStore) Append(ctx context.Context, in AppendInput) (Transaction, Batch, error) {
	batch, err := t.GetBatchForUpdate(ctx, in.BatchID)
	if err != nil {
		return Transaction{}, Batch{}, err
	}
	if batch.Halted {
		return Transaction{}, Batch{}, fmt.Errorf("%w: batch %d", ErrBatchHalted, batch.ID)
	}
	var lastAfter int64
	err = t.tx.QueryRow(ctx, `SELECT COALESCE(
		(SELECT quantity_after FROM stock_transactions WHERE batch_id=$1 ORDER BY id DESC LIMIT 1), 0)`,
		in.BatchID).Scan(&lastAfter)
	if err != nil {
		return Transaction{}, Batch{}, err
	}
	if lastAfter != batch.Quantity {
		return Transaction{}, Batch{}, fmt.Errorf("%w: batch %d cached=%d ledger=%d",
			ErrCorrupted, batch.ID, batch.Quantity, lastAfter)
	}
	after := batch.Quantity + in.Delta
	if after < 0 {
		return Transaction{}, Batch{}, fmt.Errorf("%w: batch %d has %d, requested %d",
			ErrInsufficientStock, batch.ID, batch.Quantity, -in.Delta)
	}
	entry := Transaction{
		BatchID:        in.BatchID,
		Type:           in.Type,
		QuantityDelta:  in.Delta,
		QuantityBefore: batch.Quantity,
		QuantityAfter:  after,
		Reason:         in.Reason,
		Notes:          in.Notes,
		PerformedBy:    in.PerformedBy,
		Witness:        in.Witness,
		OccurredAt:     time.Now().UTC(),
	}
	err = t.tx.QueryRow(ctx, `INSERT INTO stock_transactions
		(batch_id, tx_type, quantity_delta, quantity_before, quantity_after, reason, notes, performed_by, witness, occurred_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, NULLIF($9, ''), $10)
		RETURNING id`,
		entry.BatchID, string(entry.Type), entry.QuantityDelta, entry.QuantityBefore, entry.QuantityAfter,
		string(entry.Reason), entry.Notes, entry.PerformedBy, entry.Witness, entry.OccurredAt).Scan(&entry.ID)
	if err != nil {
		return Transaction{}, Batch{}, err
	}
	if _, err := t.tx.Exec(ctx, `UPDATE stock_batches SET quantity=$1, updated_at=NOW() WHERE id=$2`, after, in.BatchID); err != nil {
		return Transaction{}, Batch{}, err
	}
	batch.Quantity = after
	return entry, batch, nil
}

func (t *txStore) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.InsertAuditLog(ctx, t.tx, log)
}

// GetBatch returns the current snapshot of one batch.
func (s *Store) GetBatch(ctx context.Context, batchID int64) (Batch, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM stock_batches WHERE id=$1`, batchID)
	return scanBatch(row)
}

// ListTransactions returns entries for a batch in strictly increasing id
// order, restartable from the AfterID cursor.
func (s *Store) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `SELECT id, batch_id, tx_type, quantity_delta, quantity_before, quantity_after,
		COALESCE(reason, ''), notes, performed_by, COALESCE(witness, ''), occurred_at
		FROM stock_transactions WHERE batch_id=$1 AND id > $2 ORDER BY id ASC LIMIT $3`,
		filter.BatchID, filter.AfterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Transaction
	for rows.Next() {
		var e Transaction
		var txType, reason string
		if err := rows.Scan(&e.ID, &e.BatchID, &txType, &e.QuantityDelta, &e.QuantityBefore, &e.QuantityAfter,
			&reason, &e.Notes, &e.PerformedBy, &e.Witness, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Type = TransactionType(txType)
		e.Reason = AdjustmentReason(reason)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// HaltBatch freezes a batch after a reconciliation failure. Runs outside the
// failing unit of work so the marker survives the rollback.
func (s *Store) HaltBatch(ctx context.Context, batchID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE stock_batches SET halted=TRUE, updated_at=NOW() WHERE id=$1`, batchID)
	return err
}

// ResetHalt clears the halt marker once manual audit completes.
func (s *Store) ResetHalt(ctx context.Context, batchID int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE stock_batches SET halted=FALSE, updated_at=NOW() WHERE id=$1`, batchID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}
