package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/medledger/medledger/internal/shared"
)

// RepositoryPort abstracts alert persistence for the service.
type RepositoryPort interface {
	Open(ctx context.Context, q querier, batchID int64, cand Candidate) (Alert, bool, error)
	Get(ctx context.Context, alertID int64) (Alert, error)
	List(ctx context.Context, filter Filter) ([]Alert, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListBatchSnapshots(ctx context.Context) ([]BatchSnapshot, error)
}

// Notifier delivers newly opened alerts. Fire-and-forget: a delivery failure
// never rolls back the ledger write that raised the alert.
type Notifier interface {
	AlertOpened(ctx context.Context, alert Alert) error
}

// Service derives alerts from ledger state and manages their lifecycle.
type Service struct {
	repo           RepositoryPort
	notifier       Notifier
	logger         *slog.Logger
	expiringWindow int
	now            func() time.Time
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// ExpiringWindowDays is the look-ahead for EXPIRING_STOCK alerts.
	ExpiringWindowDays int
}

// NewService builds Service.
func NewService(repo RepositoryPort, notifier Notifier, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	window := cfg.ExpiringWindowDays
	if window <= 0 {
		window = 90
	}
	return &Service{
		repo:           repo,
		notifier:       notifier,
		logger:         logger,
		expiringWindow: window,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// ReconcileTx evaluates the snapshot and opens any missing alerts on the
// caller's transaction, so a new alert is never visible without the ledger
// change that caused it. Returns only alerts opened by this call.
func (s *Service) ReconcileTx(ctx context.Context, tx pgx.Tx, snap BatchSnapshot) ([]Alert, error) {
	var q querier
	if tx != nil {
		q = tx
	}
	var opened []Alert
	for _, cand := range Evaluate(snap, s.now(), s.expiringWindow) {
		alert, created, err := s.repo.Open(ctx, q, snap.BatchID, cand)
		if err != nil {
			return nil, fmt.Errorf("alerting: open %s: %w", cand.Type, err)
		}
		if created {
			opened = append(opened, alert)
		}
	}
	return opened, nil
}

// Reconcile evaluates one batch outside any caller transaction.
func (s *Service) Reconcile(ctx context.Context, snap BatchSnapshot) ([]Alert, error) {
	return s.ReconcileTx(ctx, nil, snap)
}

// Sweep re-evaluates every batch for time-based conditions that no
// transaction triggers. Idempotent: nothing opens twice while still active.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	snaps, err := s.repo.ListBatchSnapshots(ctx)
	if err != nil {
		return 0, fmt.Errorf("alerting: sweep snapshots: %w", err)
	}
	opened := 0
	for _, snap := range snaps {
		alerts, err := s.Reconcile(ctx, snap)
		if err != nil {
			return opened, err
		}
		opened += len(alerts)
		s.Dispatch(ctx, alerts)
	}
	return opened, nil
}

// Dispatch hands newly opened alerts to the notifier, logging failures.
func (s *Service) Dispatch(ctx context.Context, alerts []Alert) {
	if s.notifier == nil {
		return
	}
	for _, alert := range alerts {
		if err := s.notifier.AlertOpened(ctx, alert); err != nil {
			s.logger.Warn("alert notification failed",
				slog.Int64("alert_id", alert.ID),
				slog.String("type", string(alert.Type)),
				slog.Any("error", err))
		}
	}
}

// Acknowledge moves an ACTIVE alert to ACKNOWLEDGED.
func (s *Service) Acknowledge(ctx context.Context, alertID int64, actor string) (Alert, error) {
	if actor == "" {
		return Alert{}, fmt.Errorf("alerting: actor required")
	}
	var updated Alert
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		alert, err := tx.GetAlertForUpdate(ctx, alertID)
		if err != nil {
			return err
		}
		if alert.Status != StatusActive {
			return fmt.Errorf("%w: acknowledge from %s", ErrInvalidTransition, alert.Status)
		}
		updated, err = tx.SetAcknowledged(ctx, alertID, actor)
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   "alert:acknowledge",
			Entity:   "stock_alert",
			EntityID: fmt.Sprintf("%d", alertID),
			Before:   map[string]any{"status": string(alert.Status)},
			After:    map[string]any{"status": string(updated.Status)},
		})
	})
	if err != nil {
		return Alert{}, err
	}
	return updated, nil
}

// Resolve closes an ACTIVE or ACKNOWLEDGED alert. If the condition still
// holds, the next reconcile opens a fresh alert; the resolved one stays as
// recorded history.
func (s *Service) Resolve(ctx context.Context, alertID int64, actor string) (Alert, error) {
	if actor == "" {
		return Alert{}, fmt.Errorf("alerting: actor required")
	}
	var updated Alert
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		alert, err := tx.GetAlertForUpdate(ctx, alertID)
		if err != nil {
			return err
		}
		if alert.Status == StatusResolved {
			return fmt.Errorf("%w: already resolved", ErrInvalidTransition)
		}
		updated, err = tx.SetResolved(ctx, alertID, actor)
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   "alert:resolve",
			Entity:   "stock_alert",
			EntityID: fmt.Sprintf("%d", alertID),
			Before:   map[string]any{"status": string(alert.Status)},
			After:    map[string]any{"status": string(updated.Status)},
		})
	})
	if err != nil {
		return Alert{}, err
	}
	return updated, nil
}

// Get returns one alert by id.
func (s *Service) Get(ctx context.Context, alertID int64) (Alert, error) {
	return s.repo.Get(ctx, alertID)
}

// List returns alerts matching the filter.
func (s *Service) List(ctx context.Context, filter Filter) ([]Alert, error) {
	return s.repo.List(ctx, filter)
}
