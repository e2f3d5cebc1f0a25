package alerting

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/medledger/medledger/internal/platform/httpx"
	"github.com/medledger/medledger/internal/shared"
)

// Handler wires HTTP endpoints for stock alerts.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs an alerting handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers alert routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/{alertID}/acknowledge", h.handleAcknowledge)
	r.Post("/{alertID}/resolve", h.handleResolve)
}

type alertResponse struct {
	ID             int64      `json:"id"`
	BatchID        int64      `json:"batch_id"`
	Type           string     `json:"type"`
	Priority       string     `json:"priority"`
	Status         string     `json:"status"`
	Message        string     `json:"message"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

func toAlertResponse(a Alert) alertResponse {
	resp := alertResponse{
		ID:             a.ID,
		BatchID:        a.BatchID,
		Type:           string(a.Type),
		Priority:       string(a.Priority),
		Status:         string(a.Status),
		Message:        a.Message,
		CreatedAt:      a.CreatedAt,
		AcknowledgedBy: a.AcknowledgedBy,
		ResolvedBy:     a.ResolvedBy,
	}
	if !a.AcknowledgedAt.IsZero() {
		at := a.AcknowledgedAt
		resp.AcknowledgedAt = &at
	}
	if !a.ResolvedAt.IsZero() {
		at := a.ResolvedAt
		resp.ResolvedAt = &at
	}
	return resp
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	batchID, _ := strconv.ParseInt(r.URL.Query().Get("batch_id"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	alerts, err := h.service.List(r.Context(), Filter{
		BatchID: batchID,
		Status:  Status(r.URL.Query().Get("status")),
		Limit:   limit,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]alertResponse, 0, len(alerts))
	for _, alert := range alerts {
		out = append(out, toAlertResponse(alert))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"alerts": out})
}

func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	alertID, err := alertIDParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	alert, err := h.service.Acknowledge(r.Context(), alertID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Warn("acknowledge rejected", slog.Int64("alert_id", alertID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAlertResponse(alert))
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	alertID, err := alertIDParam(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	alert, err := h.service.Resolve(r.Context(), alertID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.logger.Warn("resolve rejected", slog.Int64("alert_id", alertID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAlertResponse(alert))
}

func alertIDParam(r *http.Request) (int64, error) {
	alertID, err := strconv.ParseInt(chi.URLParam(r, "alertID"), 10, 64)
	if err != nil || alertID <= 0 {
		return 0, fmt.Errorf("%w: invalid alert id", httpx.ErrValidation)
	}
	return alertID, nil
}
