package ledger

import (
	"errors"
	"time"
)

// TransactionType enumerates supported ledger movements.
type TransactionType string

const (
	// TransactionTypeReceipt records stock arriving from a supplier.
	TransactionTypeReceipt TransactionType = "RECEIPT"
	// TransactionTypeAdministration records a dose given to a resident.
	TransactionTypeAdministration TransactionType = "ADMINISTRATION"
	// TransactionTypeAdjustment records a manual correction.
	TransactionTypeAdjustment TransactionType = "ADJUSTMENT"
	// TransactionTypeTransferOut records the outbound half of a transfer.
	TransactionTypeTransferOut TransactionType = "TRANSFER_OUT"
	// TransactionTypeTransferIn records the inbound half of a transfer.
	TransactionTypeTransferIn TransactionType = "TRANSFER_IN"
)

// AdjustmentReason is the closed set of reasons accepted for adjustments.
type AdjustmentReason string

const (
	ReasonDamaged            AdjustmentReason = "DAMAGED"
	ReasonExpired            AdjustmentReason = "EXPIRED"
	ReasonLost               AdjustmentReason = "LOST"
	ReasonDisposed           AdjustmentReason = "DISPOSED"
	ReasonReturnedToSupplier AdjustmentReason = "RETURNED_TO_SUPPLIER"
	ReasonCountAdjustment    AdjustmentReason = "COUNT_ADJUSTMENT"
	ReasonOther              AdjustmentReason = "OTHER"
)

// ValidReason reports whether reason belongs to the closed adjustment set.
func ValidReason(reason AdjustmentReason) bool {
	switch reason {
	case ReasonDamaged, ReasonExpired, ReasonLost, ReasonDisposed,
		ReasonReturnedToSupplier, ReasonCountAdjustment, ReasonOther:
		return true
	}
	return false
}

// Batch is the current snapshot of one physical lot of a medication.
// Quantity is only ever changed through recorded transactions; batches are
// never deleted, only reduced to zero.
type Batch struct {
	ID             int64
	OrganizationID int64
	MedicationID   int64
	BatchNumber    string
	ExpiryDate     time.Time
	Quantity       int64
	ReorderLevel   int64
	CriticalLevel  int64
	Location       string
	SupplierRef    string
	Halted         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Transaction is one immutable ledger entry. QuantityAfter must always equal
// QuantityBefore + QuantityDelta and may never be negative.
type Transaction struct {
	ID             int64
	BatchID        int64
	Type           TransactionType
	QuantityDelta  int64
	QuantityBefore int64
	QuantityAfter  int64
	Reason         AdjustmentReason
	Notes          string
	PerformedBy    string
	Witness        string
	OccurredAt     time.Time
}

// TransactionFilter selects a transaction window for listing.
type TransactionFilter struct {
	BatchID int64
	AfterID int64
	Limit   int
}

// ErrBatchNotFound indicates an unknown batch reference.
var ErrBatchNotFound = errors.New("ledger: batch not found")

// ErrInsufficientStock triggered when a movement would drive quantity negative.
var ErrInsufficientStock = errors.New("ledger: insufficient stock")

// ErrBatchHalted indicates the batch is frozen pending manual audit.
var ErrBatchHalted = errors.New("ledger: batch halted pending audit")

// ErrCorrupted indicates the cached quantity disagrees with the transaction
// history. Never auto-corrected; the batch is halted instead.
var ErrCorrupted = errors.New("ledger: history does not reconcile with batch quantity")

// ErrLockTimeout indicates the per-batch lock could not be acquired in time.
var ErrLockTimeout = errors.New("ledger: timed out waiting for batch lock")
