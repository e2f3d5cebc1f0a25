package alerting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func snapshot(qty, reorder, critical int64, expiry time.Time) BatchSnapshot {
	return BatchSnapshot{
		BatchID:       1,
		MedicationID:  101,
		BatchNumber:   "AMX-001",
		Quantity:      qty,
		ReorderLevel:  reorder,
		CriticalLevel: critical,
		ExpiryDate:    expiry,
	}
}

func TestEvaluateQuantityThresholds(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	farExpiry := now.AddDate(1, 0, 0)

	out := Evaluate(snapshot(100, 20, 5, farExpiry), now, 90)
	require.Empty(t, out)

	out = Evaluate(snapshot(20, 20, 5, farExpiry), now, 90)
	require.Len(t, out, 1)
	require.Equal(t, AlertReorderStock, out[0].Type)
	require.Equal(t, PriorityMedium, out[0].Priority)

	// At or below critical the higher-severity alert wins outright.
	out = Evaluate(snapshot(5, 20, 5, farExpiry), now, 90)
	require.Len(t, out, 1)
	require.Equal(t, AlertCriticalStock, out[0].Type)
	require.Equal(t, PriorityHigh, out[0].Priority)

	out = Evaluate(snapshot(0, 20, 5, farExpiry), now, 90)
	require.Len(t, out, 1)
	require.Equal(t, AlertCriticalStock, out[0].Type)
}

func TestEvaluateExpiryWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	out := Evaluate(snapshot(100, 20, 5, now.AddDate(0, 0, 91)), now, 90)
	require.Empty(t, out)

	out = Evaluate(snapshot(100, 20, 5, now.AddDate(0, 0, 60)), now, 90)
	require.Len(t, out, 1)
	require.Equal(t, AlertExpiringStock, out[0].Type)
	require.Equal(t, PriorityLow, out[0].Priority)

	// Within 30 days the expiring alert is promoted to medium.
	out = Evaluate(snapshot(100, 20, 5, now.AddDate(0, 0, 14)), now, 90)
	require.Len(t, out, 1)
	require.Equal(t, AlertExpiringStock, out[0].Type)
	require.Equal(t, PriorityMedium, out[0].Priority)

	out = Evaluate(snapshot(100, 20, 5, now.AddDate(0, 0, -1)), now, 90)
	require.Len(t, out, 1)
	require.Equal(t, AlertExpiredStock, out[0].Type)
	require.Equal(t, PriorityHigh, out[0].Priority)

	// An expired batch with nothing left needs no disposal alert.
	out = Evaluate(snapshot(0, 0, 0, now.AddDate(0, 0, -1)), now, 90)
	require.Empty(t, out)
}

func TestEvaluateIndependentConditions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	out := Evaluate(snapshot(3, 20, 5, now.AddDate(0, 0, 10)), now, 90)
	require.Len(t, out, 2)
	require.Equal(t, AlertCriticalStock, out[0].Type)
	require.Equal(t, AlertExpiringStock, out[1].Type)
}

func TestDaysUntilRoundsUp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 1, daysUntil(now.Add(6*time.Hour), now))
	require.Equal(t, 0, daysUntil(now, now))
	require.Equal(t, -1, daysUntil(now.Add(-30*time.Hour), now))
}
