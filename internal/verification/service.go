package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/medledger/medledger/internal/observability"
	"github.com/medledger/medledger/internal/shared"
)

// RepositoryPort abstracts persistence for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Latest(ctx context.Context, administrationID string) (Verification, error)
	ListErrors(ctx context.Context, administrationID string) ([]VerificationError, error)
}

// CatalogPort resolves medication identity from the external catalog.
type CatalogPort interface {
	ExpectedIdentifier(ctx context.Context, medicationID int64) (string, error)
	IsControlled(ctx context.Context, medicationID int64) (bool, error)
}

// PolicyPort delegates the override permission check.
type PolicyPort interface {
	HasOverrideAuthority(ctx context.Context, actor string) (bool, error)
}

// Service drives the verification state machine for administration attempts.
type Service struct {
	repo    RepositoryPort
	catalog CatalogPort
	policy  PolicyPort
	logger  *slog.Logger
	metrics *observability.EngineMetrics
}

// NewService builds Service. metrics may be nil.
func NewService(repo RepositoryPort, catalog CatalogPort, policy PolicyPort, logger *slog.Logger, metrics *observability.EngineMetrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, catalog: catalog, policy: policy, logger: logger, metrics: metrics}
}

// Begin opens a PENDING attempt for an administration. Idempotent while an
// attempt is still open; rejected once a previous attempt is terminal.
func (s *Service) Begin(ctx context.Context, administrationID string, medicationID int64, actor string) (Verification, error) {
	if err := validAdministrationID(administrationID); err != nil {
		return Verification{}, err
	}
	if actor == "" {
		return Verification{}, fmt.Errorf("verification: actor required")
	}
	expected, err := s.catalog.ExpectedIdentifier(ctx, medicationID)
	if err != nil {
		return Verification{}, fmt.Errorf("verification: expected identifier for medication %d: %w", medicationID, err)
	}
	var result Verification
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		latest, err := tx.LatestForUpdate(ctx, administrationID)
		switch {
		case err == nil && latest.Terminal():
			return fmt.Errorf("%w: administration %s is %s", ErrTerminal, administrationID, latest.Status)
		case err == nil && latest.Status == StatusPending:
			result = latest
			return nil
		case err != nil && !errors.Is(err, ErrAttemptNotFound):
			return err
		}
		result, err = tx.Insert(ctx, Verification{
			AdministrationID:   administrationID,
			MedicationID:       medicationID,
			ExpectedIdentifier: expected,
		})
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   "verification:begin",
			Entity:   "verification",
			EntityID: administrationID,
			After:    map[string]any{"status": string(StatusPending), "attempt_id": result.ID},
		})
	})
	if errors.Is(err, errPendingExists) {
		// Lost the insert race; the concurrent Begin's attempt is the open one.
		return s.repo.Latest(ctx, administrationID)
	}
	if err != nil {
		return Verification{}, err
	}
	return result, nil
}

// VerifyBarcode resolves a scan against the expected identifier. A mismatch
// records a VerificationError, marks the attempt FAILED and returns
// ErrMismatch; it never silently proceeds. A FAILED attempt is retried as a
// fresh one.
func (s *Service) VerifyBarcode(ctx context.Context, administrationID, scannedCode, actor string) (Verification, error) {
	if err := validAdministrationID(administrationID); err != nil {
		return Verification{}, err
	}
	if actor == "" {
		return Verification{}, fmt.Errorf("verification: actor required")
	}
	scanned := strings.TrimSpace(scannedCode)
	var (
		result   Verification
		mismatch error
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		attempt, err := tx.LatestForUpdate(ctx, administrationID)
		if err != nil {
			return err
		}
		if attempt.Terminal() {
			return fmt.Errorf("%w: administration %s is %s", ErrTerminal, administrationID, attempt.Status)
		}
		if attempt.Status == StatusFailed {
			attempt, err = tx.Insert(ctx, Verification{
				AdministrationID:   attempt.AdministrationID,
				MedicationID:       attempt.MedicationID,
				ExpectedIdentifier: attempt.ExpectedIdentifier,
			})
			if err != nil {
				return err
			}
		}

		errorType := classifyScan(attempt.ExpectedIdentifier, scanned)
		if errorType == "" {
			result, err = tx.SetVerified(ctx, attempt.ID, MethodBarcode, scanned)
			if err != nil {
				return err
			}
			return tx.RecordAudit(ctx, shared.AuditLog{
				Actor:    actor,
				Action:   "verification:verify",
				Entity:   "verification",
				EntityID: administrationID,
				Before:   map[string]any{"status": string(attempt.Status)},
				After:    map[string]any{"status": string(StatusVerified), "method": string(MethodBarcode)},
			})
		}

		result, err = tx.SetFailed(ctx, attempt.ID, scanned)
		if err != nil {
			return err
		}
		if err := tx.InsertError(ctx, VerificationError{
			VerificationID:   attempt.ID,
			AdministrationID: administrationID,
			ErrorType:        errorType,
			Detail:           fmt.Sprintf("expected %q, scanned %q", attempt.ExpectedIdentifier, scanned),
		}); err != nil {
			return err
		}
		if err := tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   "verification:fail",
			Entity:   "verification",
			EntityID: administrationID,
			Before:   map[string]any{"status": string(attempt.Status)},
			After:    map[string]any{"status": string(StatusFailed), "error_type": string(errorType)},
		}); err != nil {
			return err
		}
		mismatch = fmt.Errorf("%w (%s)", ErrMismatch, errorType)
		return nil
	})
	if err != nil {
		return Verification{}, err
	}
	s.observe(result.Status)
	if mismatch != nil {
		return result, mismatch
	}
	return result, nil
}

// ConfirmManual verifies without a scan. Permitted only for medications that
// are not controlled.
func (s *Service) ConfirmManual(ctx context.Context, administrationID, actor string) (Verification, error) {
	if err := validAdministrationID(administrationID); err != nil {
		return Verification{}, err
	}
	if actor == "" {
		return Verification{}, fmt.Errorf("verification: actor required")
	}
	var result Verification
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		attempt, err := tx.LatestForUpdate(ctx, administrationID)
		if err != nil {
			return err
		}
		if attempt.Terminal() {
			return fmt.Errorf("%w: administration %s is %s", ErrTerminal, administrationID, attempt.Status)
		}
		if attempt.Status != StatusPending {
			return fmt.Errorf("verification: manual confirmation requires a pending attempt, got %s", attempt.Status)
		}
		controlled, err := s.catalog.IsControlled(ctx, attempt.MedicationID)
		if err != nil {
			return fmt.Errorf("verification: controlled lookup for medication %d: %w", attempt.MedicationID, err)
		}
		if controlled {
			return fmt.Errorf("%w: medication %d", ErrManualNotAllowed, attempt.MedicationID)
		}
		result, err = tx.SetVerified(ctx, attempt.ID, MethodManual, "")
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   "verification:confirm_manual",
			Entity:   "verification",
			EntityID: administrationID,
			Before:   map[string]any{"status": string(StatusPending)},
			After:    map[string]any{"status": string(StatusVerified), "method": string(MethodManual)},
		})
	})
	if err != nil {
		return Verification{}, err
	}
	s.observe(result.Status)
	return result, nil
}

// Override moves a PENDING or FAILED attempt to OVERRIDE. The actor must
// hold override authority and supply a reason. Witness requirements for
// controlled medications are enforced later by stock accounting.
func (s *Service) Override(ctx context.Context, administrationID, reason, actor string) (Verification, error) {
	if err := validAdministrationID(administrationID); err != nil {
		return Verification{}, err
	}
	if actor == "" {
		return Verification{}, fmt.Errorf("verification: actor required")
	}
	if strings.TrimSpace(reason) == "" {
		return Verification{}, ErrReasonRequired
	}
	allowed, err := s.policy.HasOverrideAuthority(ctx, actor)
	if err != nil {
		return Verification{}, fmt.Errorf("verification: override authority check: %w", err)
	}
	if !allowed {
		return Verification{}, fmt.Errorf("%w: actor %s", ErrPermissionDenied, actor)
	}
	var result Verification
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		attempt, err := tx.LatestForUpdate(ctx, administrationID)
		if err != nil {
			return err
		}
		if attempt.Terminal() {
			return fmt.Errorf("%w: administration %s is %s", ErrTerminal, administrationID, attempt.Status)
		}
		result, err = tx.SetOverride(ctx, attempt.ID, reason, actor)
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   "verification:override",
			Entity:   "verification",
			EntityID: administrationID,
			Before:   map[string]any{"status": string(attempt.Status)},
			After:    map[string]any{"status": string(StatusOverride), "reason": reason},
		})
	})
	if err != nil {
		return Verification{}, err
	}
	s.observe(result.Status)
	return result, nil
}

// Get returns the latest attempt and its failed-match history.
func (s *Service) Get(ctx context.Context, administrationID string) (Verification, []VerificationError, error) {
	attempt, err := s.repo.Latest(ctx, administrationID)
	if err != nil {
		return Verification{}, nil, err
	}
	verrs, err := s.repo.ListErrors(ctx, administrationID)
	if err != nil {
		return Verification{}, nil, err
	}
	return attempt, verrs, nil
}

func (s *Service) observe(status Status) {
	if s.metrics != nil {
		s.metrics.ObserveVerification(string(status))
	}
}

// classifyScan returns the error type for a bad scan, or "" on a match.
func classifyScan(expected, scanned string) ErrorType {
	if scanned == "" {
		return ErrorInvalidBarcode
	}
	if scanned != expected {
		return ErrorBarcodeMismatch
	}
	return ""
}

func validAdministrationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("verification: invalid administration id: %w", err)
	}
	return nil
}
