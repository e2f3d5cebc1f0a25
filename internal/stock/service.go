package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/medledger/medledger/internal/alerting"
	"github.com/medledger/medledger/internal/ledger"
	"github.com/medledger/medledger/internal/observability"
	"github.com/medledger/medledger/internal/shared"
)

// LedgerPort abstracts the ledger store for the service. Stock accounting is
// the only component that appends ledger transactions.
type LedgerPort interface {
	WithTx(ctx context.Context, fn func(context.Context, ledger.TxStore) error) error
	GetBatch(ctx context.Context, batchID int64) (ledger.Batch, error)
	ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error)
	HaltBatch(ctx context.Context, batchID int64) error
}

// CatalogPort resolves the controlled flag for a medication.
type CatalogPort interface {
	IsControlled(ctx context.Context, medicationID int64) (bool, error)
}

// AlertPort lets every accounting mutation reconcile alerts in the same
// commit, and dispatch the newly opened ones after it.
type AlertPort interface {
	ReconcileTx(ctx context.Context, tx pgx.Tx, snap alerting.BatchSnapshot) ([]alerting.Alert, error)
	Dispatch(ctx context.Context, alerts []alerting.Alert)
}

// Service implements business-level stock accounting over the ledger.
type Service struct {
	ledger  LedgerPort
	catalog CatalogPort
	alerts  AlertPort
	logger  *slog.Logger
	metrics *observability.EngineMetrics
}

// NewService builds Service. alerts and metrics may be nil.
func NewService(ledgerStore LedgerPort, catalog CatalogPort, alerts AlertPort, logger *slog.Logger, metrics *observability.EngineMetrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ledgerStore, catalog: catalog, alerts: alerts, logger: logger, metrics: metrics}
}

// Receive books incoming stock, creating the batch on first receipt. A
// top-up must carry the stored lot expiry; its thresholds and location are
// ignored in favour of the stored batch values.
func (s *Service) Receive(ctx context.Context, in ReceiveInput) (ledger.Transaction, error) {
	if in.PerformedBy == "" {
		return ledger.Transaction{}, ErrActorRequired
	}
	if in.Quantity <= 0 {
		return ledger.Transaction{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidBatch)
	}
	if !in.ExpiryDate.After(time.Now()) {
		return ledger.Transaction{}, fmt.Errorf("%w: expiry date must be in the future", ErrInvalidBatch)
	}
	if in.BatchNumber == "" {
		return ledger.Transaction{}, fmt.Errorf("%w: batch number required", ErrInvalidBatch)
	}
	if err := validateLevels(in.ReorderLevel, in.CriticalLevel); err != nil {
		return ledger.Transaction{}, err
	}

	var (
		entry   ledger.Transaction
		batchID int64
		opened  []alerting.Alert
	)
	err := s.ledger.WithTx(ctx, func(ctx context.Context, tx ledger.TxStore) error {
		batch, err := tx.FindBatchByNumberForUpdate(ctx, in.OrganizationID, in.MedicationID, in.BatchNumber)
		if errors.Is(err, ledger.ErrBatchNotFound) {
			batch, err = tx.InsertBatch(ctx, ledger.Batch{
				OrganizationID: in.OrganizationID,
				MedicationID:   in.MedicationID,
				BatchNumber:    in.BatchNumber,
				ExpiryDate:     in.ExpiryDate,
				ReorderLevel:   in.ReorderLevel,
				CriticalLevel:  in.CriticalLevel,
				Location:       in.Location,
				SupplierRef:    in.SupplierRef,
			})
		}
		if err != nil {
			return err
		}
		// A batch is one lot with one expiry. A top-up claiming a different
		// expiry is a different lot arriving under a reused number.
		if !batch.ExpiryDate.Equal(in.ExpiryDate) {
			return fmt.Errorf("%w: batch %s expires %s, receipt claims %s",
				ErrInvalidBatch, in.BatchNumber,
				batch.ExpiryDate.Format(time.RFC3339), in.ExpiryDate.Format(time.RFC3339))
		}
		batchID = batch.ID
		var after ledger.Batch
		entry, after, err = tx.Append(ctx, ledger.AppendInput{
			BatchID:     batch.ID,
			Type:        ledger.TransactionTypeReceipt,
			Delta:       in.Quantity,
			PerformedBy: in.PerformedBy,
			Witness:     in.Witness,
		})
		if err != nil {
			return err
		}
		opened, err = s.reconcile(ctx, tx, after)
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    in.PerformedBy,
			Action:   "stock:receive",
			Entity:   "stock_batch",
			EntityID: fmt.Sprintf("%d", batch.ID),
			Before:   map[string]any{"quantity": entry.QuantityBefore},
			After:    map[string]any{"quantity": entry.QuantityAfter, "transaction_id": entry.ID},
		})
	})
	if err != nil {
		return ledger.Transaction{}, s.afterFailure(ctx, batchID, err)
	}
	s.afterCommit(ctx, entry, opened)
	return entry, nil
}

// Adjust books a manual correction. Reason is mandatory; controlled
// medications additionally require a distinct witness.
func (s *Service) Adjust(ctx context.Context, in AdjustInput) (ledger.Transaction, error) {
	if in.PerformedBy == "" {
		return ledger.Transaction{}, ErrActorRequired
	}
	if in.Delta == 0 {
		return ledger.Transaction{}, fmt.Errorf("%w: adjustment delta must be non-zero", ErrInvalidBatch)
	}
	if !ledger.ValidReason(in.Reason) {
		return ledger.Transaction{}, fmt.Errorf("%w: unknown adjustment reason %q", ErrInvalidBatch, in.Reason)
	}
	if err := s.requireWitness(ctx, in.BatchID, in.PerformedBy, in.Witness); err != nil {
		return ledger.Transaction{}, err
	}
	return s.post(ctx, "stock:adjust", ledger.AppendInput{
		BatchID:     in.BatchID,
		Type:        ledger.TransactionTypeAdjustment,
		Delta:       in.Delta,
		Reason:      in.Reason,
		Notes:       in.Notes,
		PerformedBy: in.PerformedBy,
		Witness:     in.Witness,
	})
}

// Administer books a dose against a batch. Callers reach this only after the
// verification engine reports VERIFIED or OVERRIDE; an insufficient-stock
// failure is surfaced for retry against a different batch.
func (s *Service) Administer(ctx context.Context, in AdministerInput) (ledger.Transaction, error) {
	if in.PerformedBy == "" {
		return ledger.Transaction{}, ErrActorRequired
	}
	if in.Quantity <= 0 {
		return ledger.Transaction{}, fmt.Errorf("%w: administered quantity must be positive", ErrInvalidBatch)
	}
	if err := s.requireWitness(ctx, in.BatchID, in.PerformedBy, in.Witness); err != nil {
		return ledger.Transaction{}, err
	}
	return s.post(ctx, "stock:administer", ledger.AppendInput{
		BatchID:     in.BatchID,
		Type:        ledger.TransactionTypeAdministration,
		Delta:       -in.Quantity,
		PerformedBy: in.PerformedBy,
		Witness:     in.Witness,
	})
}

// Transfer moves stock between batches as TRANSFER_OUT plus TRANSFER_IN in
// one unit of work. Batch locks are taken in ascending id order.
func (s *Service) Transfer(ctx context.Context, in TransferInput) (ledger.Transaction, ledger.Transaction, error) {
	if in.PerformedBy == "" {
		return ledger.Transaction{}, ledger.Transaction{}, ErrActorRequired
	}
	if in.Quantity <= 0 {
		return ledger.Transaction{}, ledger.Transaction{}, fmt.Errorf("%w: transfer quantity must be positive", ErrInvalidBatch)
	}
	if (in.ToBatchID == 0) == (in.NewBatch == nil) {
		return ledger.Transaction{}, ledger.Transaction{}, fmt.Errorf("%w: exactly one of destination batch id or new batch spec required", ErrInvalidBatch)
	}
	if in.ToBatchID == in.FromBatchID && in.ToBatchID != 0 {
		return ledger.Transaction{}, ledger.Transaction{}, fmt.Errorf("%w: source and destination must differ", ErrInvalidBatch)
	}
	if in.NewBatch != nil {
		if in.NewBatch.BatchNumber == "" {
			return ledger.Transaction{}, ledger.Transaction{}, fmt.Errorf("%w: batch number required", ErrInvalidBatch)
		}
		if !in.NewBatch.ExpiryDate.After(time.Now()) {
			return ledger.Transaction{}, ledger.Transaction{}, fmt.Errorf("%w: expiry date must be in the future", ErrInvalidBatch)
		}
		if err := validateLevels(in.NewBatch.ReorderLevel, in.NewBatch.CriticalLevel); err != nil {
			return ledger.Transaction{}, ledger.Transaction{}, err
		}
	}

	var (
		outEntry, inEntry ledger.Transaction
		opened            []alerting.Alert
	)
	err := s.ledger.WithTx(ctx, func(ctx context.Context, tx ledger.TxStore) error {
		// Fixed global lock order prevents deadlock between concurrent
		// transfers in opposite directions.
		first, second := in.FromBatchID, in.ToBatchID
		if second != 0 && second < first {
			first, second = second, first
		}
		source, err := tx.GetBatchForUpdate(ctx, first)
		if err != nil {
			return err
		}
		var dest ledger.Batch
		if second != 0 {
			dest, err = tx.GetBatchForUpdate(ctx, second)
			if err != nil {
				return err
			}
			if first != in.FromBatchID {
				source, dest = dest, source
			}
			if dest.MedicationID != source.MedicationID {
				return fmt.Errorf("%w: destination batch holds a different medication", ErrInvalidBatch)
			}
		} else {
			dest, err = tx.InsertBatch(ctx, ledger.Batch{
				OrganizationID: source.OrganizationID,
				MedicationID:   source.MedicationID,
				BatchNumber:    in.NewBatch.BatchNumber,
				ExpiryDate:     in.NewBatch.ExpiryDate,
				ReorderLevel:   in.NewBatch.ReorderLevel,
				CriticalLevel:  in.NewBatch.CriticalLevel,
				Location:       in.NewBatch.Location,
				SupplierRef:    in.NewBatch.SupplierRef,
			})
			if err != nil {
				return err
			}
		}

		var sourceAfter, destAfter ledger.Batch
		outEntry, sourceAfter, err = tx.Append(ctx, ledger.AppendInput{
			BatchID:     source.ID,
			Type:        ledger.TransactionTypeTransferOut,
			Delta:       -in.Quantity,
			Notes:       fmt.Sprintf("transfer to batch %d", dest.ID),
			PerformedBy: in.PerformedBy,
		})
		if err != nil {
			return err
		}
		inEntry, destAfter, err = tx.Append(ctx, ledger.AppendInput{
			BatchID:     dest.ID,
			Type:        ledger.TransactionTypeTransferIn,
			Delta:       in.Quantity,
			Notes:       fmt.Sprintf("transfer from batch %d", source.ID),
			PerformedBy: in.PerformedBy,
		})
		if err != nil {
			return err
		}
		for _, after := range []ledger.Batch{sourceAfter, destAfter} {
			alerts, err := s.reconcile(ctx, tx, after)
			if err != nil {
				return err
			}
			opened = append(opened, alerts...)
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    in.PerformedBy,
			Action:   "stock:transfer",
			Entity:   "stock_batch",
			EntityID: fmt.Sprintf("%d", source.ID),
			Before:   map[string]any{"quantity": outEntry.QuantityBefore},
			After: map[string]any{
				"quantity":       outEntry.QuantityAfter,
				"to_batch_id":    dest.ID,
				"transferred":    in.Quantity,
				"transaction_id": outEntry.ID,
			},
		})
	})
	if err != nil {
		return ledger.Transaction{}, ledger.Transaction{}, s.afterFailure(ctx, in.FromBatchID, err)
	}
	s.afterCommit(ctx, outEntry, opened)
	if s.metrics != nil {
		s.metrics.ObserveAppend(string(ledger.TransactionTypeTransferIn))
	}
	return outEntry, inEntry, nil
}

// CurrentLevel reports quantity and threshold status for a batch.
func (s *Service) CurrentLevel(ctx context.Context, batchID int64) (StockLevel, error) {
	batch, err := s.ledger.GetBatch(ctx, batchID)
	if err != nil {
		return StockLevel{}, err
	}
	return StockLevel{BatchID: batch.ID, Quantity: batch.Quantity, Status: levelStatus(batch)}, nil
}

// GetBatch returns the batch snapshot.
func (s *Service) GetBatch(ctx context.Context, batchID int64) (ledger.Batch, error) {
	return s.ledger.GetBatch(ctx, batchID)
}

// ListTransactions returns the batch's ledger entries in append order.
func (s *Service) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	return s.ledger.ListTransactions(ctx, filter)
}

// ResetHalt clears a corruption halt once manual audit signs the batch off.
func (s *Service) ResetHalt(ctx context.Context, batchID int64, actor string) error {
	if actor == "" {
		return ErrActorRequired
	}
	return s.ledger.WithTx(ctx, func(ctx context.Context, tx ledger.TxStore) error {
		batch, err := tx.GetBatchForUpdate(ctx, batchID)
		if err != nil {
			return err
		}
		if !batch.Halted {
			return nil
		}
		if _, err := tx.Tx().Exec(ctx, `UPDATE stock_batches SET halted=FALSE, updated_at=NOW() WHERE id=$1`, batchID); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   "stock:reset_halt",
			Entity:   "stock_batch",
			EntityID: fmt.Sprintf("%d", batchID),
			Before:   map[string]any{"halted": true},
			After:    map[string]any{"halted": false},
		})
	})
}

func (s *Service) post(ctx context.Context, action string, in ledger.AppendInput) (ledger.Transaction, error) {
	var (
		entry  ledger.Transaction
		opened []alerting.Alert
	)
	err := s.ledger.WithTx(ctx, func(ctx context.Context, tx ledger.TxStore) error {
		var after ledger.Batch
		var err error
		entry, after, err = tx.Append(ctx, in)
		if err != nil {
			return err
		}
		opened, err = s.reconcile(ctx, tx, after)
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    in.PerformedBy,
			Action:   action,
			Entity:   "stock_batch",
			EntityID: fmt.Sprintf("%d", in.BatchID),
			Before:   map[string]any{"quantity": entry.QuantityBefore},
			After:    map[string]any{"quantity": entry.QuantityAfter, "transaction_id": entry.ID},
		})
	})
	if err != nil {
		return ledger.Transaction{}, s.afterFailure(ctx, in.BatchID, err)
	}
	s.afterCommit(ctx, entry, opened)
	return entry, nil
}

func (s *Service) reconcile(ctx context.Context, tx ledger.TxStore, batch ledger.Batch) ([]alerting.Alert, error) {
	if s.alerts == nil {
		return nil, nil
	}
	return s.alerts.ReconcileTx(ctx, tx.Tx(), alerting.BatchSnapshot{
		BatchID:       batch.ID,
		MedicationID:  batch.MedicationID,
		BatchNumber:   batch.BatchNumber,
		Quantity:      batch.Quantity,
		ReorderLevel:  batch.ReorderLevel,
		CriticalLevel: batch.CriticalLevel,
		ExpiryDate:    batch.ExpiryDate,
	})
}

// requireWitness enforces the controlled-substance rule centrally, before
// any ledger append, so it cannot be bypassed.
func (s *Service) requireWitness(ctx context.Context, batchID int64, performedBy, witness string) error {
	batch, err := s.ledger.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	controlled, err := s.catalog.IsControlled(ctx, batch.MedicationID)
	if err != nil {
		return fmt.Errorf("stock: controlled lookup for medication %d: %w", batch.MedicationID, err)
	}
	if !controlled {
		return nil
	}
	if witness == "" {
		return fmt.Errorf("%w: medication %d", ErrWitnessRequired, batch.MedicationID)
	}
	if witness == performedBy {
		return fmt.Errorf("%w: witness must differ from performer", ErrWitnessRequired)
	}
	return nil
}

// afterFailure halts the batch when the ledger no longer reconciles. The
// halt marker is written outside the rolled-back transaction.
func (s *Service) afterFailure(ctx context.Context, batchID int64, err error) error {
	if errors.Is(err, ledger.ErrCorrupted) && batchID != 0 {
		if haltErr := s.ledger.HaltBatch(ctx, batchID); haltErr != nil {
			s.logger.Error("halt corrupted batch", slog.Int64("batch_id", batchID), slog.Any("error", haltErr))
		} else {
			s.logger.Error("batch halted pending manual audit", slog.Int64("batch_id", batchID))
		}
	}
	return err
}

func (s *Service) afterCommit(ctx context.Context, entry ledger.Transaction, opened []alerting.Alert) {
	if s.metrics != nil {
		s.metrics.ObserveAppend(string(entry.Type))
		s.metrics.ObserveAlertsOpened(len(opened))
	}
	if s.alerts != nil {
		s.alerts.Dispatch(ctx, opened)
	}
}

func validateLevels(reorder, critical int64) error {
	if critical < 0 || reorder <= critical {
		return fmt.Errorf("%w: reorder level must exceed critical level (critical >= 0)", ErrInvalidBatch)
	}
	return nil
}

func levelStatus(batch ledger.Batch) LevelStatus {
	switch {
	case batch.Quantity <= batch.CriticalLevel:
		return LevelCritical
	case batch.Quantity <= batch.ReorderLevel:
		return LevelLow
	default:
		return LevelNormal
	}
}
