package stock

import (
	"time"

	"github.com/medledger/medledger/internal/ledger"
	"github.com/medledger/medledger/internal/shared"
)

// LevelStatus classifies a batch quantity against its thresholds.
type LevelStatus string

const (
	LevelNormal   LevelStatus = "NORMAL"
	LevelLow      LevelStatus = "LOW"
	LevelCritical LevelStatus = "CRITICAL"
)

// StockLevel is the answer to "how much do we hold and how urgent is it".
type StockLevel struct {
	BatchID  int64
	Quantity int64
	Status   LevelStatus
}

// ReceiveInput describes stock arriving from a supplier. Creates the batch
// when the (organization, medication, batch number) key is new, tops it up
// otherwise.
type ReceiveInput struct {
	OrganizationID int64
	MedicationID   int64
	BatchNumber    string
	Quantity       int64
	ExpiryDate     time.Time
	ReorderLevel   int64
	CriticalLevel  int64
	Location       string
	SupplierRef    string
	PerformedBy    string
	Witness        string
}

// AdjustInput describes a manual correction, positive or negative.
type AdjustInput struct {
	BatchID     int64
	Delta       int64
	Reason      ledger.AdjustmentReason
	Notes       string
	PerformedBy string
	Witness     string
}

// AdministerInput describes a dose taken from a batch after verification.
type AdministerInput struct {
	BatchID     int64
	Quantity    int64
	PerformedBy string
	Witness     string
}

// NewBatchSpec describes the destination batch a transfer may create.
// Medication and organization are inherited from the source batch.
type NewBatchSpec struct {
	BatchNumber   string
	ExpiryDate    time.Time
	ReorderLevel  int64
	CriticalLevel int64
	Location      string
	SupplierRef   string
}

// TransferInput moves stock between two batches, both-or-neither. Exactly
// one of ToBatchID and NewBatch must be set.
type TransferInput struct {
	FromBatchID int64
	ToBatchID   int64
	NewBatch    *NewBatchSpec
	Quantity    int64
	PerformedBy string
}

// ErrInvalidBatch indicates rejected input: non-positive quantity, expiry in
// the past, or threshold levels out of order.
var ErrInvalidBatch = shared.ErrInvalidBatch

// ErrWitnessRequired indicates a controlled-medication mutation without a
// witness distinct from the performer.
var ErrWitnessRequired = shared.ErrWitnessRequired

// ErrActorRequired indicates a mutation without a performing actor.
var ErrActorRequired = shared.ErrActorRequired
