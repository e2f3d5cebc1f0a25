package alerting

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/medledger/medledger/internal/shared"
)

type memoryAlertRepo struct {
	alerts map[int64]Alert
	audits []shared.AuditLog
	snaps  []BatchSnapshot
	nextID int64
}

func newMemoryAlertRepo() *memoryAlertRepo {
	return &memoryAlertRepo{alerts: make(map[int64]Alert)}
}

func (r *memoryAlertRepo) Open(ctx context.Context, q querier, batchID int64, cand Candidate) (Alert, bool, error) {
	for _, a := range r.alerts {
		if a.BatchID == batchID && a.Type == cand.Type && a.Status == StatusActive {
			return Alert{}, false, nil
		}
	}
	r.nextID++
	alert := Alert{
		ID:        r.nextID,
		BatchID:   batchID,
		Type:      cand.Type,
		Priority:  cand.Priority,
		Status:    StatusActive,
		Message:   cand.Message,
		CreatedAt: time.Now(),
	}
	r.alerts[alert.ID] = alert
	return alert, true, nil
}

func (r *memoryAlertRepo) Get(ctx context.Context, alertID int64) (Alert, error) {
	alert, ok := r.alerts[alertID]
	if !ok {
		return Alert{}, ErrAlertNotFound
	}
	return alert, nil
}

func (r *memoryAlertRepo) List(ctx context.Context, filter Filter) ([]Alert, error) {
	var out []Alert
	for _, a := range r.alerts {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.BatchID != 0 && a.BatchID != filter.BatchID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *memoryAlertRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, r)
}

func (r *memoryAlertRepo) ListBatchSnapshots(ctx context.Context) ([]BatchSnapshot, error) {
	return r.snaps, nil
}

func (r *memoryAlertRepo) GetAlertForUpdate(ctx context.Context, alertID int64) (Alert, error) {
	return r.Get(ctx, alertID)
}

func (r *memoryAlertRepo) SetAcknowledged(ctx context.Context, alertID int64, actor string) (Alert, error) {
	alert := r.alerts[alertID]
	alert.Status = StatusAcknowledged
	alert.AcknowledgedBy = actor
	alert.AcknowledgedAt = time.Now()
	r.alerts[alertID] = alert
	return alert, nil
}

func (r *memoryAlertRepo) SetResolved(ctx context.Context, alertID int64, actor string) (Alert, error) {
	alert := r.alerts[alertID]
	alert.Status = StatusResolved
	alert.ResolvedBy = actor
	alert.ResolvedAt = time.Now()
	r.alerts[alertID] = alert
	return alert, nil
}

func (r *memoryAlertRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	r.audits = append(r.audits, log)
	return nil
}

type recordingNotifier struct {
	delivered []Alert
	fail      bool
}

func (n *recordingNotifier) AlertOpened(ctx context.Context, alert Alert) error {
	if n.fail {
		return errors.New("notifier unavailable")
	}
	n.delivered = append(n.delivered, alert)
	return nil
}

func lowSnapshot() BatchSnapshot {
	return BatchSnapshot{
		BatchID:       1,
		MedicationID:  101,
		BatchNumber:   "AMX-001",
		Quantity:      3,
		ReorderLevel:  20,
		CriticalLevel: 5,
		ExpiryDate:    time.Now().AddDate(1, 0, 0),
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	repo := newMemoryAlertRepo()
	svc := NewService(repo, nil, nil, ServiceConfig{})
	ctx := context.Background()

	opened, err := svc.Reconcile(ctx, lowSnapshot())
	require.NoError(t, err)
	require.Len(t, opened, 1)
	require.Equal(t, AlertCriticalStock, opened[0].Type)

	opened, err = svc.Reconcile(ctx, lowSnapshot())
	require.NoError(t, err)
	require.Empty(t, opened)
	require.Len(t, repo.alerts, 1)
}

func TestResolvedConditionReopensFresh(t *testing.T) {
	repo := newMemoryAlertRepo()
	svc := NewService(repo, nil, nil, ServiceConfig{})
	ctx := context.Background()

	opened, err := svc.Reconcile(ctx, lowSnapshot())
	require.NoError(t, err)
	require.Len(t, opened, 1)
	first := opened[0]

	_, err = svc.Resolve(ctx, first.ID, "pharm-1")
	require.NoError(t, err)

	opened, err = svc.Reconcile(ctx, lowSnapshot())
	require.NoError(t, err)
	require.Len(t, opened, 1)
	require.NotEqual(t, first.ID, opened[0].ID)

	resolved, err := svc.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, StatusResolved, resolved.Status)
}

func TestAcknowledgeTransitions(t *testing.T) {
	repo := newMemoryAlertRepo()
	svc := NewService(repo, nil, nil, ServiceConfig{})
	ctx := context.Background()

	opened, err := svc.Reconcile(ctx, lowSnapshot())
	require.NoError(t, err)
	alert := opened[0]

	acked, err := svc.Acknowledge(ctx, alert.ID, "pharm-1")
	require.NoError(t, err)
	require.Equal(t, StatusAcknowledged, acked.Status)
	require.Equal(t, "pharm-1", acked.AcknowledgedBy)

	_, err = svc.Acknowledge(ctx, alert.ID, "pharm-2")
	require.ErrorIs(t, err, ErrInvalidTransition)

	resolved, err := svc.Resolve(ctx, alert.ID, "pharm-2")
	require.NoError(t, err)
	require.Equal(t, StatusResolved, resolved.Status)

	_, err = svc.Resolve(ctx, alert.ID, "pharm-2")
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.Len(t, repo.audits, 2)
	require.Equal(t, "alert:acknowledge", repo.audits[0].Action)
	require.Equal(t, "alert:resolve", repo.audits[1].Action)
}

func TestAcknowledgeUnknownAlert(t *testing.T) {
	repo := newMemoryAlertRepo()
	svc := NewService(repo, nil, nil, ServiceConfig{})

	_, err := svc.Acknowledge(context.Background(), 42, "pharm-1")
	require.ErrorIs(t, err, ErrAlertNotFound)
}

func TestDispatchSurvivesNotifierFailure(t *testing.T) {
	repo := newMemoryAlertRepo()
	notifier := &recordingNotifier{fail: true}
	svc := NewService(repo, notifier, nil, ServiceConfig{})
	ctx := context.Background()

	opened, err := svc.Reconcile(ctx, lowSnapshot())
	require.NoError(t, err)
	require.Len(t, opened, 1)

	// Delivery failure is logged, never surfaced.
	svc.Dispatch(ctx, opened)
	require.Empty(t, notifier.delivered)

	notifier.fail = false
	svc.Dispatch(ctx, opened)
	require.Len(t, notifier.delivered, 1)
}

func TestSweepOpensAndDispatches(t *testing.T) {
	repo := newMemoryAlertRepo()
	notifier := &recordingNotifier{}
	svc := NewService(repo, notifier, nil, ServiceConfig{ExpiringWindowDays: 90})
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		snap := lowSnapshot()
		snap.BatchID = i
		snap.BatchNumber = fmt.Sprintf("AMX-%03d", i)
		if i == 3 {
			snap.Quantity = 500
		}
		repo.snaps = append(repo.snaps, snap)
	}

	opened, err := svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, opened)
	require.Len(t, notifier.delivered, 2)

	// Running the sweep again opens nothing new.
	opened, err = svc.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, opened)
	require.Len(t, notifier.delivered, 2)
}
