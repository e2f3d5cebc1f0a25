package verification

import (
	"time"

	"github.com/medledger/medledger/internal/shared"
)

// Status tracks one verification attempt through its state machine.
// VERIFIED and OVERRIDE are terminal; FAILED may be retried or overridden.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusVerified Status = "VERIFIED"
	StatusFailed   Status = "FAILED"
	StatusOverride Status = "OVERRIDE"
)

// Method records how the physical item was identified.
type Method string

const (
	MethodBarcode Method = "BARCODE"
	MethodManual  Method = "MANUAL"
)

// ErrorType classifies a failed match for the audit record.
type ErrorType string

const (
	ErrorBarcodeMismatch   ErrorType = "BARCODE_MISMATCH"
	ErrorInvalidBarcode    ErrorType = "INVALID_BARCODE"
	ErrorExpiredMedication ErrorType = "EXPIRED_MEDICATION"
	ErrorWrongResident     ErrorType = "WRONG_RESIDENT"
	ErrorWrongTime         ErrorType = "WRONG_TIME"
	ErrorSystem            ErrorType = "SYSTEM_ERROR"
)

// Verification is one attempt tied to one scheduled dose event in the
// external administration workflow.
type Verification struct {
	ID                 int64
	AdministrationID   string
	MedicationID       int64
	ExpectedIdentifier string
	ScannedIdentifier  string
	Status             Status
	Method             Method
	Overridden         bool
	OverrideReason     string
	OverriddenBy       string
	Witness            string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Terminal reports whether the attempt can no longer change state.
func (v Verification) Terminal() bool {
	return v.Status == StatusVerified || v.Status == StatusOverride
}

// VerificationError is the audit record of one failed match.
type VerificationError struct {
	ID               int64
	VerificationID   int64
	AdministrationID string
	ErrorType        ErrorType
	Detail           string
	OccurredAt       time.Time
}

// ErrAttemptNotFound indicates no verification attempt exists for the
// administration reference.
var ErrAttemptNotFound = shared.ErrAttemptNotFound

// ErrMismatch indicates the scanned item did not match the expected
// identifier. Recoverable only through retry or an authorized override.
var ErrMismatch = shared.ErrMismatch

// ErrTerminal indicates the attempt already reached VERIFIED or OVERRIDE.
var ErrTerminal = shared.ErrTerminal

// ErrPermissionDenied indicates the actor lacks override authority.
var ErrPermissionDenied = shared.ErrPermissionDenied

// ErrReasonRequired indicates an override without a recorded reason.
var ErrReasonRequired = shared.ErrReasonRequired

// ErrManualNotAllowed indicates a manual confirmation on a controlled
// medication, which always requires a scan.
var ErrManualNotAllowed = shared.ErrManualNotAllowed
