package verification

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/medledger/medledger/internal/shared"
)

type memoryVerificationRepo struct {
	attempts map[string][]Verification
	errors   []VerificationError
	audits   []shared.AuditLog
	nextID   int64
}

func newMemoryVerificationRepo() *memoryVerificationRepo {
	return &memoryVerificationRepo{attempts: make(map[string][]Verification)}
}

func (r *memoryVerificationRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, r)
}

func (r *memoryVerificationRepo) Latest(ctx context.Context, administrationID string) (Verification, error) {
	history := r.attempts[administrationID]
	if len(history) == 0 {
		return Verification{}, ErrAttemptNotFound
	}
	return history[len(history)-1], nil
}

func (r *memoryVerificationRepo) ListErrors(ctx context.Context, administrationID string) ([]VerificationError, error) {
	var out []VerificationError
	for _, e := range r.errors {
		if e.AdministrationID == administrationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memoryVerificationRepo) LatestForUpdate(ctx context.Context, administrationID string) (Verification, error) {
	return r.Latest(ctx, administrationID)
}

func (r *memoryVerificationRepo) Insert(ctx context.Context, v Verification) (Verification, error) {
	// Mirrors the partial unique index on open attempts.
	for _, existing := range r.attempts[v.AdministrationID] {
		if existing.Status == StatusPending {
			return Verification{}, errPendingExists
		}
	}
	r.nextID++
	v.ID = r.nextID
	v.Status = StatusPending
	v.CreatedAt = time.Now()
	v.UpdatedAt = v.CreatedAt
	r.attempts[v.AdministrationID] = append(r.attempts[v.AdministrationID], v)
	return v, nil
}

func (r *memoryVerificationRepo) update(id int64, mutate func(*Verification)) (Verification, error) {
	for adminID, history := range r.attempts {
		for i := range history {
			if history[i].ID == id {
				mutate(&history[i])
				history[i].UpdatedAt = time.Now()
				r.attempts[adminID] = history
				return history[i], nil
			}
		}
	}
	return Verification{}, ErrAttemptNotFound
}

func (r *memoryVerificationRepo) SetVerified(ctx context.Context, id int64, method Method, scanned string) (Verification, error) {
	return r.update(id, func(v *Verification) {
		v.Status = StatusVerified
		v.Method = method
		v.ScannedIdentifier = scanned
	})
}

func (r *memoryVerificationRepo) SetFailed(ctx context.Context, id int64, scanned string) (Verification, error) {
	return r.update(id, func(v *Verification) {
		v.Status = StatusFailed
		v.Method = MethodBarcode
		v.ScannedIdentifier = scanned
	})
}

func (r *memoryVerificationRepo) SetOverride(ctx context.Context, id int64, reason, actor string) (Verification, error) {
	return r.update(id, func(v *Verification) {
		v.Status = StatusOverride
		v.Overridden = true
		v.OverrideReason = reason
		v.OverriddenBy = actor
	})
}

func (r *memoryVerificationRepo) InsertError(ctx context.Context, verr VerificationError) error {
	r.errors = append(r.errors, verr)
	return nil
}

func (r *memoryVerificationRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	r.audits = append(r.audits, log)
	return nil
}

type fakeVerificationCatalog struct {
	identifiers map[int64]string
	controlled  map[int64]bool
}

func (c *fakeVerificationCatalog) ExpectedIdentifier(ctx context.Context, medicationID int64) (string, error) {
	return c.identifiers[medicationID], nil
}

func (c *fakeVerificationCatalog) IsControlled(ctx context.Context, medicationID int64) (bool, error) {
	return c.controlled[medicationID], nil
}

type fakePolicy struct {
	granted map[string]bool
}

func (p *fakePolicy) HasOverrideAuthority(ctx context.Context, actor string) (bool, error) {
	return p.granted[actor], nil
}

func newVerificationService(repo *memoryVerificationRepo) *Service {
	catalog := &fakeVerificationCatalog{
		identifiers: map[int64]string{101: "GTIN-0101", 205: "GTIN-0205"},
		controlled:  map[int64]bool{205: true},
	}
	policy := &fakePolicy{granted: map[string]bool{"charge-nurse": true}}
	return NewService(repo, catalog, policy, nil, nil)
}

func TestBeginIsIdempotentWhilePending(t *testing.T) {
	repo := newMemoryVerificationRepo()
	svc := newVerificationService(repo)
	ctx := context.Background()
	adminID := uuid.NewString()

	first, err := svc.Begin(ctx, adminID, 101, "nurse-1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, first.Status)
	require.Equal(t, "GTIN-0101", first.ExpectedIdentifier)

	second, err := svc.Begin(ctx, adminID, 101, "nurse-1")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, repo.attempts[adminID], 1)
}

// staleReadRepo simulates the window where two begins race on an empty
// history: the locked read sees nothing, and the insert collides on the
// open-attempt index.
type staleReadRepo struct {
	*memoryVerificationRepo
	misses int
}

func (r *staleReadRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, r)
}

func (r *staleReadRepo) LatestForUpdate(ctx context.Context, administrationID string) (Verification, error) {
	if r.misses > 0 {
		r.misses--
		return Verification{}, ErrAttemptNotFound
	}
	return r.memoryVerificationRepo.LatestForUpdate(ctx, administrationID)
}

func TestBeginLosingInsertRaceReturnsOpenAttempt(t *testing.T) {
	repo := &staleReadRepo{memoryVerificationRepo: newMemoryVerificationRepo()}
	catalog := &fakeVerificationCatalog{identifiers: map[int64]string{101: "GTIN-0101"}}
	svc := NewService(repo, catalog, &fakePolicy{}, nil, nil)
	ctx := context.Background()
	adminID := uuid.NewString()

	winner, err := svc.Begin(ctx, adminID, 101, "nurse-1")
	require.NoError(t, err)

	// The loser reads before the winner's commit is visible, inserts, and
	// collides. It must come back with the winner's attempt, not an error
	// and not a duplicate row.
	repo.misses = 1
	loser, err := svc.Begin(ctx, adminID, 101, "nurse-2")
	require.NoError(t, err)
	require.Equal(t, winner.ID, loser.ID)
	require.Equal(t, StatusPending, loser.Status)
	require.Len(t, repo.attempts[adminID], 1)
}

func TestBeginRejectsBadAdministrationID(t *testing.T) {
	repo := newMemoryVerificationRepo()
	svc := newVerificationService(repo)

	_, err := svc.Begin(context.Background(), "not-a-uuid", 101, "nurse-1")
	require.Error(t, err)
}

func TestVerifyBarcodeMatch(t *testing.T) {
	repo := newMemoryVerificationRepo()
	svc := newVerificationService(repo)
	ctx := context.Background()
	adminID := uuid.NewString()

	_, err := svc.Begin(ctx, adminID, 101, "nurse-1")
	require.NoError(t, err)

	result, err := svc.VerifyBarcode(ctx, adminID, "GTIN-0101", "nurse-1")
	require.NoError(t, err)
	require.Equal(t, StatusVerified, result.Status)
	require.Equal(t, MethodBarcode, result.Method)

	// Terminal: no further transitions from VERIFIED.
	_, err = svc.VerifyBarcode(ctx, adminID, "GTIN-0101", "nurse-1")
	require.ErrorIs(t, err, ErrTerminal)
	_, err = svc.Begin(ctx, adminID, 101, "nurse-1")
	require.ErrorIs(t, err, ErrTerminal)
}

func TestVerifyBarcodeMismatchRecordsError(t *testing.T) {
	repo := newMemoryVerificationRepo()
	svc := newVerificationService(repo)
	ctx := context.Background()
	adminID := uuid.NewString()

	_, err := svc.Begin(ctx, adminID, 101, "nurse-1")
	require.NoError(t, err)

	result, err := svc.VerifyBarcode(ctx, adminID, "GTIN-9999", "nurse-1")
	require.ErrorIs(t, err, ErrMismatch)
	require.Equal(t, StatusFailed, result.Status)

	verrs, err := repo.ListErrors(ctx, adminID)
	require.NoError(t, err)
	require.Len(t, verrs, 1)
	require.Equal(t, ErrorBarcodeMismatch, verrs[0].ErrorType)

	// An empty scan is classified separately.
	result, err = svc.VerifyBarcode(ctx, adminID, "  ", "nurse-1")
	require.ErrorIs(t, err, ErrMismatch)
	require.Equal(t, StatusFailed, result.Status)
	verrs, err = repo.ListErrors(ctx, adminID)
	require.NoError(t, err)
	require.Len(t, verrs, 2)
	require.Equal(t, ErrorInvalidBarcode, verrs[1].ErrorType)
}

func TestFailedAttemptRetriesAsFreshAttempt(t *testing.T) {
	repo := newMemoryVerificationRepo()
	svc := newVerificationService(repo)
	ctx := context.Background()
	adminID := uuid.NewString()

	first, err := svc.Begin(ctx, adminID, 101, "nurse-1")
	require.NoError(t, err)

	_, err = svc.VerifyBarcode(ctx, adminID, "GTIN-9999", "nurse-1")
	require.ErrorIs(t, err, ErrMismatch)

	result, err := svc.VerifyBarcode(ctx, adminID, "GTIN-0101", "nurse-1")
	require.NoError(t, err)
	require.Equal(t, StatusVerified, result.Status)
	require.NotEqual(t, first.ID, result.ID)
	require.Len(t, repo.attempts[adminID], 2)
}

func TestConfirmManual(t *testing.T) {
	repo := newMemoryVerificationRepo()
	svc := newVerificationService(repo)
	ctx := context.Background()

	adminID := uuid.NewString()
	_, err := svc.Begin(ctx, adminID, 101, "nurse-1")
	require.NoError(t, err)

	result, err := svc.ConfirmManual(ctx, adminID, "nurse-1")
	require.NoError(t, err)
	require.Equal(t, StatusVerified, result.Status)
	require.Equal(t, MethodManual, result.Method)

	// Controlled medications must be scanned or overridden, never
	// manually confirmed.
	controlledID := uuid.NewString()
	_, err = svc.Begin(ctx, controlledID, 205, "nurse-1")
	require.NoError(t, err)
	_, err = svc.ConfirmManual(ctx, controlledID, "nurse-1")
	require.ErrorIs(t, err, ErrManualNotAllowed)

	// Manual confirmation needs a pending attempt, not a failed one.
	failedID := uuid.NewString()
	_, err = svc.Begin(ctx, failedID, 101, "nurse-1")
	require.NoError(t, err)
	_, err = svc.VerifyBarcode(ctx, failedID, "GTIN-9999", "nurse-1")
	require.ErrorIs(t, err, ErrMismatch)
	_, err = svc.ConfirmManual(ctx, failedID, "nurse-1")
	require.Error(t, err)
}

func TestOverrideRequiresAuthorityAndReason(t *testing.T) {
	repo := newMemoryVerificationRepo()
	svc := newVerificationService(repo)
	ctx := context.Background()
	adminID := uuid.NewString()

	_, err := svc.Begin(ctx, adminID, 101, "nurse-1")
	require.NoError(t, err)
	_, err = svc.VerifyBarcode(ctx, adminID, "GTIN-9999", "nurse-1")
	require.ErrorIs(t, err, ErrMismatch)

	_, err = svc.Override(ctx, adminID, "", "charge-nurse")
	require.ErrorIs(t, err, ErrReasonRequired)

	_, err = svc.Override(ctx, adminID, "barcode damaged, identity confirmed visually", "nurse-1")
	require.ErrorIs(t, err, ErrPermissionDenied)

	result, err := svc.Override(ctx, adminID, "barcode damaged, identity confirmed visually", "charge-nurse")
	require.NoError(t, err)
	require.Equal(t, StatusOverride, result.Status)
	require.True(t, result.Overridden)
	require.Equal(t, "charge-nurse", result.OverriddenBy)

	// OVERRIDE is terminal.
	_, err = svc.Override(ctx, adminID, "again", "charge-nurse")
	require.ErrorIs(t, err, ErrTerminal)
}

func TestGetReturnsHistory(t *testing.T) {
	repo := newMemoryVerificationRepo()
	svc := newVerificationService(repo)
	ctx := context.Background()
	adminID := uuid.NewString()

	_, err := svc.Begin(ctx, adminID, 101, "nurse-1")
	require.NoError(t, err)
	_, err = svc.VerifyBarcode(ctx, adminID, "GTIN-9999", "nurse-1")
	require.ErrorIs(t, err, ErrMismatch)

	attempt, verrs, err := svc.Get(ctx, adminID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, attempt.Status)
	require.Len(t, verrs, 1)

	_, _, err = svc.Get(ctx, uuid.NewString())
	require.ErrorIs(t, err, ErrAttemptNotFound)
}
