package verification

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/medledger/medledger/internal/platform/httpx"
	"github.com/medledger/medledger/internal/shared"
)

// Handler wires HTTP endpoints for administration verification.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a verification handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers verification routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleBegin)
	r.Get("/{administrationID}", h.handleGet)
	r.Post("/{administrationID}/scan", h.handleScan)
	r.Post("/{administrationID}/confirm", h.handleConfirm)
	r.Post("/{administrationID}/override", h.handleOverride)
}

type beginRequest struct {
	AdministrationID string `json:"administration_id" validate:"required,uuid4"`
	MedicationID     int64  `json:"medication_id" validate:"required"`
}

type scanRequest struct {
	ScannedCode string `json:"scanned_code"`
}

type overrideRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type verificationResponse struct {
	ID               int64     `json:"id"`
	AdministrationID string    `json:"administration_id"`
	MedicationID     int64     `json:"medication_id"`
	Status           string    `json:"status"`
	Method           string    `json:"method,omitempty"`
	Overridden       bool      `json:"overridden"`
	OverrideReason   string    `json:"override_reason,omitempty"`
	OverriddenBy     string    `json:"overridden_by,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type verificationErrorResponse struct {
	ErrorType  string    `json:"error_type"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func toVerificationResponse(v Verification) verificationResponse {
	return verificationResponse{
		ID:               v.ID,
		AdministrationID: v.AdministrationID,
		MedicationID:     v.MedicationID,
		Status:           string(v.Status),
		Method:           string(v.Method),
		Overridden:       v.Overridden,
		OverrideReason:   v.OverrideReason,
		OverriddenBy:     v.OverriddenBy,
		CreatedAt:        v.CreatedAt,
		UpdatedAt:        v.UpdatedAt,
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

func (h *Handler) handleBegin(w http.ResponseWriter, r *http.Request) {
	var req beginRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	attempt, err := h.service.Begin(r.Context(), req.AdministrationID, req.MedicationID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Warn("begin rejected", slog.String("administration_id", req.AdministrationID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toVerificationResponse(attempt))
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	administrationID := chi.URLParam(r, "administrationID")
	attempt, err := h.service.VerifyBarcode(r.Context(), administrationID, req.ScannedCode, shared.ActorFromContext(r.Context()))
	if err != nil {
		// A mismatch still produced a recorded attempt; return it with 409.
		if errors.Is(err, ErrMismatch) {
			httpx.JSON(w, http.StatusConflict, toVerificationResponse(attempt))
			return
		}
		h.logger.Warn("scan rejected", slog.String("administration_id", administrationID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toVerificationResponse(attempt))
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	administrationID := chi.URLParam(r, "administrationID")
	attempt, err := h.service.ConfirmManual(r.Context(), administrationID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Warn("manual confirm rejected", slog.String("administration_id", administrationID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toVerificationResponse(attempt))
}

func (h *Handler) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	administrationID := chi.URLParam(r, "administrationID")
	attempt, err := h.service.Override(r.Context(), administrationID, req.Reason, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Warn("override rejected", slog.String("administration_id", administrationID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toVerificationResponse(attempt))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	administrationID := chi.URLParam(r, "administrationID")
	attempt, failures, err := h.service.Get(r.Context(), administrationID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	errs := make([]verificationErrorResponse, 0, len(failures))
	for _, f := range failures {
		errs = append(errs, verificationErrorResponse{
			ErrorType:  string(f.ErrorType),
			Detail:     f.Detail,
			OccurredAt: f.OccurredAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"verification": toVerificationResponse(attempt),
		"errors":       errs,
	})
}
