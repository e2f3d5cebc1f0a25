package alerting

import (
	"time"

	"github.com/medledger/medledger/internal/shared"
)

// AlertType enumerates derived stock conditions.
type AlertType string

const (
	AlertCriticalStock AlertType = "CRITICAL_STOCK"
	AlertReorderStock  AlertType = "REORDER_STOCK"
	AlertExpiringStock AlertType = "EXPIRING_STOCK"
	AlertExpiredStock  AlertType = "EXPIRED_STOCK"
)

// Priority ranks how urgently an alert needs attention.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// Status tracks the user-driven alert lifecycle. A resolved condition that
// recurs opens a fresh alert rather than reactivating the old one.
type Status string

const (
	StatusActive       Status = "ACTIVE"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusResolved     Status = "RESOLVED"
)

// Alert is a derived signal over ledger state, never authoritative.
type Alert struct {
	ID             int64
	BatchID        int64
	Type           AlertType
	Priority       Priority
	Status         Status
	Message        string
	CreatedAt      time.Time
	AcknowledgedBy string
	AcknowledgedAt time.Time
	ResolvedBy     string
	ResolvedAt     time.Time
}

// BatchSnapshot carries the ledger fields alert evaluation depends on.
type BatchSnapshot struct {
	BatchID       int64
	MedicationID  int64
	BatchNumber   string
	Quantity      int64
	ReorderLevel  int64
	CriticalLevel int64
	ExpiryDate    time.Time
}

// Filter selects alerts for listing.
type Filter struct {
	BatchID int64
	Status  Status
	Limit   int
}

// ErrAlertNotFound indicates an unknown alert reference.
var ErrAlertNotFound = shared.ErrAlertNotFound

// ErrInvalidTransition indicates a status change outside
// ACTIVE -> ACKNOWLEDGED -> RESOLVED.
var ErrInvalidTransition = shared.ErrInvalidTransition
