package httpx

import (
	"errors"
	"net/http"

	"github.com/medledger/medledger/internal/catalog"
	"github.com/medledger/medledger/internal/ledger"
	"github.com/medledger/medledger/internal/shared"
)

// ErrValidation marks request decoding/validation failures raised by handlers.
var ErrValidation = errors.New("validation failed")

// RespondError maps engine errors to RFC7807 problem responses. Every error
// keeps enough detail for the caller to render an actionable message;
// transient lock timeouts advertise themselves as retryable.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrBatchNotFound),
		errors.Is(err, shared.ErrAlertNotFound),
		errors.Is(err, shared.ErrAttemptNotFound),
		errors.Is(err, catalog.ErrMedicationNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ledger.ErrInsufficientStock):
		Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ledger.ErrBatchHalted):
		Problem(w, http.StatusConflict, "Batch Halted", err.Error())
	case errors.Is(err, ledger.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		Problem(w, http.StatusServiceUnavailable, "Lock Timeout", err.Error())
	case errors.Is(err, ledger.ErrCorrupted):
		Problem(w, http.StatusInternalServerError, "Ledger Corruption", err.Error())
	case errors.Is(err, shared.ErrWitnessRequired):
		Problem(w, http.StatusUnprocessableEntity, "Witness Required", err.Error())
	case errors.Is(err, shared.ErrManualNotAllowed):
		Problem(w, http.StatusUnprocessableEntity, "Scan Required", err.Error())
	case errors.Is(err, shared.ErrPermissionDenied):
		Problem(w, http.StatusForbidden, "Permission Denied", err.Error())
	case errors.Is(err, shared.ErrMismatch):
		Problem(w, http.StatusConflict, "Verification Failed", err.Error())
	case errors.Is(err, shared.ErrTerminal),
		errors.Is(err, shared.ErrInvalidTransition):
		Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, shared.ErrInvalidBatch),
		errors.Is(err, shared.ErrActorRequired),
		errors.Is(err, shared.ErrReasonRequired),
		errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
