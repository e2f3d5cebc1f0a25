package alerting

import (
	"fmt"
	"math"
	"time"
)

// Candidate is one condition Evaluate found to be true for a batch.
type Candidate struct {
	Type     AlertType
	Priority Priority
	Message  string
}

// Evaluate derives alert candidates from a batch snapshot. Pure function of
// the snapshot, the clock and the expiring-stock window (in days); quantity
// and expiry conditions are judged independently so a batch can raise both.
func Evaluate(snap BatchSnapshot, now time.Time, expiringWindowDays int) []Candidate {
	var out []Candidate
	switch {
	case snap.Quantity <= snap.CriticalLevel:
		out = append(out, Candidate{
			Type:     AlertCriticalStock,
			Priority: PriorityHigh,
			Message:  fmt.Sprintf("batch %s down to %d units (critical level %d)", snap.BatchNumber, snap.Quantity, snap.CriticalLevel),
		})
	case snap.Quantity <= snap.ReorderLevel:
		out = append(out, Candidate{
			Type:     AlertReorderStock,
			Priority: PriorityMedium,
			Message:  fmt.Sprintf("batch %s down to %d units (reorder level %d)", snap.BatchNumber, snap.Quantity, snap.ReorderLevel),
		})
	}
	days := daysUntil(snap.ExpiryDate, now)
	switch {
	case days <= 0 && snap.Quantity > 0:
		out = append(out, Candidate{
			Type:     AlertExpiredStock,
			Priority: PriorityHigh,
			Message:  fmt.Sprintf("batch %s expired on %s with %d units remaining", snap.BatchNumber, snap.ExpiryDate.Format("2006-01-02"), snap.Quantity),
		})
	case days > 0 && days <= expiringWindowDays:
		priority := PriorityLow
		if days <= 30 {
			priority = PriorityMedium
		}
		out = append(out, Candidate{
			Type:     AlertExpiringStock,
			Priority: priority,
			Message:  fmt.Sprintf("batch %s expires in %d days", snap.BatchNumber, days),
		})
	}
	return out
}

func daysUntil(expiry, now time.Time) int {
	return int(math.Ceil(expiry.Sub(now).Hours() / 24))
}
