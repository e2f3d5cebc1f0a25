package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/medledger/medledger/internal/platform/httpx"
)

// Handler exposes the audit timeline over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs an audit handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers audit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/timeline", h.handleTimeline)
}

type timelineRowResponse struct {
	ID       int64           `json:"id"`
	At       time.Time       `json:"at"`
	Actor    string          `json:"actor"`
	Action   string          `json:"action"`
	Entity   string          `json:"entity"`
	EntityID string          `json:"entity_id"`
	Before   json.RawMessage `json:"before,omitempty"`
	After    json.RawMessage `json:"after,omitempty"`
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, err := parseTimelineFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Warn("timeline query failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	rows := make([]timelineRowResponse, 0, len(result.Rows))
	for _, row := range result.Rows {
		rows = append(rows, timelineRowResponse{
			ID:       row.ID,
			At:       row.At,
			Actor:    row.Actor,
			Action:   row.Action,
			Entity:   row.Entity,
			EntityID: row.EntityID,
			Before:   row.Before,
			After:    row.After,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"rows": rows,
		"paging": map[string]any{
			"page":      result.Paging.Page,
			"page_size": result.Paging.PageSize,
			"has_next":  result.Paging.HasNext,
			"prev_page": result.Paging.PrevPage,
			"next_page": result.Paging.NextPage,
		},
	})
}

func parseTimelineFilters(r *http.Request) (TimelineFilters, error) {
	q := r.URL.Query()
	filters := TimelineFilters{
		Actor:  q.Get("actor"),
		Entity: q.Get("entity"),
		Action: q.Get("action"),
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return TimelineFilters{}, fmt.Errorf("%w: invalid from timestamp", httpx.ErrValidation)
		}
		filters.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return TimelineFilters{}, fmt.Errorf("%w: invalid to timestamp", httpx.ErrValidation)
		}
		filters.To = t
	}
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("page_size"))
	return filters, nil
}
