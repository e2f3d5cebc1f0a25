package httpx_test

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/medledger/medledger/internal/ledger"
	"github.com/medledger/medledger/internal/platform/httpx"
	"github.com/medledger/medledger/internal/stock"
	"github.com/medledger/medledger/internal/verification"
)

func TestRespondErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"batch not found", ledger.ErrBatchNotFound, 404},
		{"insufficient stock", fmt.Errorf("%w: batch 1 has 0", ledger.ErrInsufficientStock), 409},
		{"halted", ledger.ErrBatchHalted, 409},
		{"lock timeout", ledger.ErrLockTimeout, 503},
		{"corruption", ledger.ErrCorrupted, 500},
		{"witness required", stock.ErrWitnessRequired, 422},
		{"manual not allowed", verification.ErrManualNotAllowed, 422},
		{"permission denied", verification.ErrPermissionDenied, 403},
		{"mismatch", verification.ErrMismatch, 409},
		{"terminal", verification.ErrTerminal, 409},
		{"invalid batch", stock.ErrInvalidBatch, 400},
		{"validation", fmt.Errorf("%w: bad json", httpx.ErrValidation), 400},
		{"unknown", errors.New("boom"), 500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			httpx.RespondError(rec, tc.err)
			require.Equal(t, tc.status, rec.Code)
			require.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")
		})
	}
}

func TestLockTimeoutAdvertisesRetry(t *testing.T) {
	rec := httptest.NewRecorder()
	httpx.RespondError(rec, ledger.ErrLockTimeout)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
}
