package stock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/medledger/medledger/internal/shared"
)

func newTestRouter(t *testing.T, repo *memoryLedger, catalog *fakeCatalog) http.Handler {
	t.Helper()
	handler := NewHandler(nil, newTestService(repo, catalog, nil))
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if actor := req.Header.Get("X-Staff-ID"); actor != "" {
				req = req.WithContext(shared.ContextWithActor(req.Context(), actor))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/api/stock", handler.MountRoutes)
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != "" {
		req.Header.Set("X-Staff-ID", actor)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlerReceiveAndLevel(t *testing.T) {
	repo := newMemoryLedger()
	router := newTestRouter(t, repo, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/stock/receipts", "nurse-1", map[string]any{
		"organization_id": 1,
		"medication_id":   101,
		"batch_number":    "AMX-001",
		"quantity":        100,
		"expiry_date":     time.Now().AddDate(1, 0, 0).Format(time.RFC3339),
		"reorder_level":   20,
		"critical_level":  5,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var entry transactionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	require.Equal(t, "RECEIPT", entry.Type)
	require.EqualValues(t, 100, entry.QuantityAfter)

	rec = doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/stock/batches/%d/level", entry.BatchID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var level struct {
		Quantity int64  `json:"quantity"`
		Status   string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &level))
	require.EqualValues(t, 100, level.Quantity)
	require.Equal(t, "NORMAL", level.Status)
}

func TestHandlerRejectsMissingActor(t *testing.T) {
	repo := newMemoryLedger()
	router := newTestRouter(t, repo, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/stock/receipts", "", map[string]any{
		"organization_id": 1,
		"medication_id":   101,
		"batch_number":    "AMX-001",
		"quantity":        100,
		"expiry_date":     time.Now().AddDate(1, 0, 0).Format(time.RFC3339),
		"reorder_level":   20,
		"critical_level":  5,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerInsufficientStockConflict(t *testing.T) {
	repo := newMemoryLedger()
	router := newTestRouter(t, repo, nil)
	svc := newTestService(repo, nil, nil)

	entry, err := svc.Receive(context.Background(), receiveInput("AMX-001", 2))
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/stock/batches/%d/administrations", entry.BatchID), "nurse-1", map[string]any{
		"quantity": 5,
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")
}

func TestHandlerWitnessRequired(t *testing.T) {
	repo := newMemoryLedger()
	catalog := &fakeCatalog{controlled: map[int64]bool{101: true}}
	router := newTestRouter(t, repo, catalog)
	svc := newTestService(repo, catalog, nil)

	entry, err := svc.Receive(context.Background(), receiveInput("MOR-001", 10))
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/stock/batches/%d/administrations", entry.BatchID), "nurse-1", map[string]any{
		"quantity": 1,
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/stock/batches/%d/administrations", entry.BatchID), "nurse-1", map[string]any{
		"quantity": 1,
		"witness":  "nurse-2",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestHandlerTransactionsPaging(t *testing.T) {
	repo := newMemoryLedger()
	router := newTestRouter(t, repo, nil)
	svc := newTestService(repo, nil, nil)
	ctx := context.Background()

	entry, err := svc.Receive(ctx, receiveInput("AMX-001", 50))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = svc.Administer(ctx, AdministerInput{BatchID: entry.BatchID, Quantity: 1, PerformedBy: "nurse-1"})
		require.NoError(t, err)
	}

	rec := doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/stock/batches/%d/transactions?after=%d", entry.BatchID, entry.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Transactions []transactionResponse `json:"transactions"`
		NextCursor   int64                 `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Transactions, 3)
	require.Equal(t, page.Transactions[2].ID, page.NextCursor)
	for _, tx := range page.Transactions {
		require.Equal(t, "ADMINISTRATION", tx.Type)
	}
}
