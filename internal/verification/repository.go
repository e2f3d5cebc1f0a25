package verification

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medledger/medledger/internal/shared"
)

// pgUniqueViolation is raised when the partial unique index on open attempts
// rejects a second PENDING row for the same administration.
const pgUniqueViolation = "23505"

// errPendingExists signals that a concurrent Begin won the insert race. The
// caller re-reads the winner's attempt instead of failing.
var errPendingExists = errors.New("verification: pending attempt already exists")

// Repository persists verification attempts and their error records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service. Taking
// the latest attempt FOR UPDATE serializes concurrent scans of the same
// administration.
type TxRepository interface {
	LatestForUpdate(ctx context.Context, administrationID string) (Verification, error)
	Insert(ctx context.Context, v Verification) (Verification, error)
	SetVerified(ctx context.Context, id int64, method Method, scanned string) (Verification, error)
	SetFailed(ctx context.Context, id int64, scanned string) (Verification, error)
	SetOverride(ctx context.Context, id int64, reason, actor string) (Verification, error)
	InsertError(ctx context.Context, verr VerificationError) error
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps a state transition, its error record and its audit entry in
// one transaction.
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

const verificationColumns = `id, administration_id, medication_id, expected_identifier,
	COALESCE(scanned_identifier, ''), status, COALESCE(method, ''), overridden,
	COALESCE(override_reason, ''), COALESCE(overridden_by, ''), COALESCE(witness, ''),
	created_at, updated_at`

func scanVerification(row pgx.Row) (Verification, error) {
	var v Verification
	var status, method string
	err := row.Scan(&v.ID, &v.AdministrationID, &v.MedicationID, &v.ExpectedIdentifier,
		&v.ScannedIdentifier, &status, &method, &v.Overridden,
		&v.OverrideReason, &v.OverriddenBy, &v.Witness, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Verification{}, ErrAttemptNotFound
		}
		return Verification{}, err
	}
	v.Status = Status(status)
	v.Method = Method(method)
	return v, nil
}

func (t *txRepo) LatestForUpdate(ctx context.Context, administrationID string) (Verification, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+verificationColumns+` FROM verification_records
		WHERE administration_id=$1 ORDER BY id DESC LIMIT 1 FOR UPDATE`, administrationID)
	return scanVerification(row)
}

func (t *txRepo) Insert(ctx context.Context, v Verification) (Verification, error) {
	row := t.tx.QueryRow(ctx, `INSERT INTO verification_records
		(administration_id, medication_id, expected_identifier, status, witness)
		VALUES ($1, $2, $3, 'PENDING', NULLIF($4, ''))
		RETURNING `+verificationColumns,
		v.AdministrationID, v.MedicationID, v.ExpectedIdentifier, v.Witness)
	out, err := scanVerification(row)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == "uq_verification_records_pending" {
		return Verification{}, errPendingExists
	}
	return out, err
}

func (t *txRepo) SetVerified(ctx context.Context, id int64, method Method, scanned string) (Verification, error) {
	row := t.tx.QueryRow(ctx, `UPDATE verification_records
		SET status='VERIFIED', method=$2, scanned_identifier=NULLIF($3, ''), updated_at=NOW()
		WHERE id=$1 RETURNING `+verificationColumns, id, string(method), scanned)
	return scanVerification(row)
}

func (t *txRepo) SetFailed(ctx context.Context, id int64, scanned string) (Verification, error) {
	row := t.tx.QueryRow(ctx, `UPDATE verification_records
		SET status='FAILED', method='BARCODE', scanned_identifier=NULLIF($2, ''), updated_at=NOW()
		WHERE id=$1 RETURNING `+verificationColumns, id, scanned)
	return scanVerification(row)
}

func (t *txRepo) SetOverride(ctx context.Context, id int64, reason, actor string) (Verification, error) {
	row := t.tx.QueryRow(ctx, `UPDATE verification_records
		SET status='OVERRIDE', overridden=TRUE, override_reason=$2, overridden_by=$3, updated_at=NOW()
		WHERE id=$1 RETURNING `+verificationColumns, id, reason, actor)
	return scanVerification(row)
}

func (t *txRepo) InsertError(ctx context.Context, verr VerificationError) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO verification_errors
		(verification_id, administration_id, error_type, detail)
		VALUES ($1, $2, $3, $4)`,
		verr.VerificationID, verr.AdministrationID, string(verr.ErrorType), verr.Detail)
	return err
}

func (t *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.InsertAuditLog(ctx, t.tx, log)
}

// Latest returns the most recent attempt for an administration.
func (r *Repository) Latest(ctx context.Context, administrationID string) (Verification, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+verificationColumns+` FROM verification_records
		WHERE administration_id=$1 ORDER BY id DESC LIMIT 1`, administrationID)
	return scanVerification(row)
}

// ListErrors returns the failed-match records for an administration, oldest
// first.
func (r *Repository) ListErrors(ctx context.Context, administrationID string) ([]VerificationError, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, verification_id, administration_id, error_type, COALESCE(detail, ''), occurred_at
		FROM verification_errors WHERE administration_id=$1 ORDER BY id`, administrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var errsOut []VerificationError
	for rows.Next() {
		var v VerificationError
		var errorType string
		if err := rows.Scan(&v.ID, &v.VerificationID, &v.AdministrationID, &errorType, &v.Detail, &v.OccurredAt); err != nil {
			return nil, err
		}
		v.ErrorType = ErrorType(errorType)
		errsOut = append(errsOut, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return errsOut, nil
}
