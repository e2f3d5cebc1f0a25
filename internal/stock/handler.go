package stock

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/medledger/medledger/internal/ledger"
	"github.com/medledger/medledger/internal/platform/httpx"
	"github.com/medledger/medledger/internal/shared"
)

// Handler wires HTTP endpoints for stock accounting.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a stock handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/receipts", h.handleReceive)
	r.Post("/transfers", h.handleTransfer)
	r.Get("/batches/{batchID}", h.handleGetBatch)
	r.Get("/batches/{batchID}/level", h.handleLevel)
	r.Get("/batches/{batchID}/transactions", h.handleTransactions)
	r.Post("/batches/{batchID}/adjustments", h.handleAdjust)
	r.Post("/batches/{batchID}/administrations", h.handleAdminister)
	r.Post("/batches/{batchID}/reset-halt", h.handleResetHalt)
}

type receiveRequest struct {
	OrganizationID int64     `json:"organization_id" validate:"required"`
	MedicationID   int64     `json:"medication_id" validate:"required"`
	BatchNumber    string    `json:"batch_number" validate:"required"`
	Quantity       int64     `json:"quantity" validate:"required,gt=0"`
	ExpiryDate     time.Time `json:"expiry_date" validate:"required"`
	ReorderLevel   int64     `json:"reorder_level" validate:"gte=0"`
	CriticalLevel  int64     `json:"critical_level" validate:"gte=0"`
	Location       string    `json:"location"`
	SupplierRef    string    `json:"supplier_ref"`
	Witness        string    `json:"witness"`
}

type adjustRequest struct {
	Delta   int64  `json:"delta" validate:"required"`
	Reason  string `json:"reason" validate:"required"`
	Notes   string `json:"notes"`
	Witness string `json:"witness"`
}

type administerRequest struct {
	Quantity int64  `json:"quantity" validate:"required,gt=0"`
	Witness  string `json:"witness"`
}

type newBatchSpecRequest struct {
	BatchNumber   string    `json:"batch_number" validate:"required"`
	ExpiryDate    time.Time `json:"expiry_date" validate:"required"`
	ReorderLevel  int64     `json:"reorder_level" validate:"gte=0"`
	CriticalLevel int64     `json:"critical_level" validate:"gte=0"`
	Location      string    `json:"location"`
	SupplierRef   string    `json:"supplier_ref"`
}

type transferRequest struct {
	FromBatchID int64                `json:"from_batch_id" validate:"required"`
	ToBatchID   int64                `json:"to_batch_id"`
	NewBatch    *newBatchSpecRequest `json:"new_batch"`
	Quantity    int64                `json:"quantity" validate:"required,gt=0"`
}

type transactionResponse struct {
	ID             int64     `json:"id"`
	BatchID        int64     `json:"batch_id"`
	Type           string    `json:"type"`
	QuantityDelta  int64     `json:"quantity_delta"`
	QuantityBefore int64     `json:"quantity_before"`
	QuantityAfter  int64     `json:"quantity_after"`
	Reason         string    `json:"reason,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	PerformedBy    string    `json:"performed_by"`
	Witness        string    `json:"witness,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type batchResponse struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	MedicationID   int64     `json:"medication_id"`
	BatchNumber    string    `json:"batch_number"`
	ExpiryDate     time.Time `json:"expiry_date"`
	Quantity       int64     `json:"quantity"`
	ReorderLevel   int64     `json:"reorder_level"`
	CriticalLevel  int64     `json:"critical_level"`
	Location       string    `json:"location,omitempty"`
	SupplierRef    string    `json:"supplier_ref,omitempty"`
	Halted         bool      `json:"halted"`
}

func toTransactionResponse(t ledger.Transaction) transactionResponse {
	return transactionResponse{
		ID:             t.ID,
		BatchID:        t.BatchID,
		Type:           string(t.Type),
		QuantityDelta:  t.QuantityDelta,
		QuantityBefore: t.QuantityBefore,
		QuantityAfter:  t.QuantityAfter,
		Reason:         string(t.Reason),
		Notes:          t.Notes,
		PerformedBy:    t.PerformedBy,
		Witness:        t.Witness,
		OccurredAt:     t.OccurredAt,
	}
}

func toBatchResponse(b ledger.Batch) batchResponse {
	return batchResponse{
		ID:             b.ID,
		OrganizationID: b.OrganizationID,
		MedicationID:   b.MedicationID,
		BatchNumber:    b.BatchNumber,
		ExpiryDate:     b.ExpiryDate,
		Quantity:       b.Quantity,
		ReorderLevel:   b.ReorderLevel,
		CriticalLevel:  b.CriticalLevel,
		Location:       b.Location,
		SupplierRef:    b.SupplierRef,
		Halted:         b.Halted,
	}
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	if err := h.validator.Struct(target); err != nil {
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return nil
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	entry, err := h.service.Receive(r.Context(), ReceiveInput{
		OrganizationID: req.OrganizationID,
		MedicationID:   req.MedicationID,
		BatchNumber:    req.BatchNumber,
		Quantity:       req.Quantity,
		ExpiryDate:     req.ExpiryDate,
		ReorderLevel:   req.ReorderLevel,
		CriticalLevel:  req.CriticalLevel,
		Location:       req.Location,
		SupplierRef:    req.SupplierRef,
		PerformedBy:    shared.ActorFromContext(r.Context()),
		Witness:        req.Witness,
	})
	if err != nil {
		h.logger.Warn("receive rejected", slog.String("batch_number", req.BatchNumber), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toTransactionResponse(entry))
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	batchID, err := batchIDParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req adjustRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	entry, err := h.service.Adjust(r.Context(), AdjustInput{
		BatchID:     batchID,
		Delta:       req.Delta,
		Reason:      ledger.AdjustmentReason(req.Reason),
		Notes:       req.Notes,
		PerformedBy: shared.ActorFromContext(r.Context()),
		Witness:     req.Witness,
	})
	if err != nil {
		h.logger.Warn("adjust rejected", slog.Int64("batch_id", batchID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toTransactionResponse(entry))
}

func (h *Handler) handleAdminister(w http.ResponseWriter, r *http.Request) {
	batchID, err := batchIDParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req administerRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	entry, err := h.service.Administer(r.Context(), AdministerInput{
		BatchID:     batchID,
		Quantity:    req.Quantity,
		PerformedBy: shared.ActorFromContext(r.Context()),
		Witness:     req.Witness,
	})
	if err != nil {
		h.logger.Warn("administration rejected", slog.Int64("batch_id", batchID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toTransactionResponse(entry))
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := TransferInput{
		FromBatchID: req.FromBatchID,
		ToBatchID:   req.ToBatchID,
		Quantity:    req.Quantity,
		PerformedBy: shared.ActorFromContext(r.Context()),
	}
	if req.NewBatch != nil {
		input.NewBatch = &NewBatchSpec{
			BatchNumber:   req.NewBatch.BatchNumber,
			ExpiryDate:    req.NewBatch.ExpiryDate,
			ReorderLevel:  req.NewBatch.ReorderLevel,
			CriticalLevel: req.NewBatch.CriticalLevel,
			Location:      req.NewBatch.Location,
			SupplierRef:   req.NewBatch.SupplierRef,
		}
	}
	out, in, err := h.service.Transfer(r.Context(), input)
	if err != nil {
		h.logger.Warn("transfer rejected", slog.Int64("from_batch_id", req.FromBatchID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]transactionResponse{
		"out": toTransactionResponse(out),
		"in":  toTransactionResponse(in),
	})
}

func (h *Handler) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := batchIDParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	batch, err := h.service.GetBatch(r.Context(), batchID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBatchResponse(batch))
}

func (h *Handler) handleLevel(w http.ResponseWriter, r *http.Request) {
	batchID, err := batchIDParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	level, err := h.service.CurrentLevel(r.Context(), batchID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"batch_id": level.BatchID,
		"quantity": level.Quantity,
		"status":   string(level.Status),
	})
}

func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	batchID, err := batchIDParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.service.ListTransactions(r.Context(), ledger.TransactionFilter{
		BatchID: batchID,
		AfterID: after,
		Limit:   limit,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]transactionResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, toTransactionResponse(entry))
	}
	var next int64
	if len(entries) > 0 {
		next = entries[len(entries)-1].ID
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transactions": out, "next_cursor": next})
}

func (h *Handler) handleResetHalt(w http.ResponseWriter, r *http.Request) {
	batchID, err := batchIDParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.ResetHalt(r.Context(), batchID, shared.ActorFromContext(r.Context())); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func batchIDParam(r *http.Request) (int64, error) {
	batchID, err := strconv.ParseInt(chi.URLParam(r, "batchID"), 10, 64)
	if err != nil || batchID <= 0 {
		return 0, fmt.Errorf("%w: invalid batch id", httpx.ErrValidation)
	}
	return batchID, nil
}
