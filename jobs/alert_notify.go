package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/medledger/medledger/internal/jobs"
)

// AlertNotifier posts opened alerts to an external notification endpoint.
type AlertNotifier struct {
	url     string
	client  *http.Client
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewAlertNotifier constructs the delivery handler. An empty URL makes
// delivery a logged no-op, which keeps local setups working without a
// notification service.
func NewAlertNotifier(url string, logger *slog.Logger, metrics *jobmetrics.Metrics) *AlertNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertNotifier{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		metrics: metrics,
	}
}

// Handle processes TaskAlertNotify tasks.
func (n *AlertNotifier) Handle(ctx context.Context, t *asynq.Task) error {
	var payload AlertNotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := n.metrics.Track("alert_notify")
	if n.url == "" {
		n.logger.Info("alert notification skipped, no endpoint configured",
			slog.Int64("alert_id", payload.AlertID),
			slog.String("type", payload.Type))
		return tracker.End(nil)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return tracker.End(asynq.SkipRetry)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return tracker.End(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return tracker.End(fmt.Errorf("jobs: notify alert %d: %w", payload.AlertID, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return tracker.End(fmt.Errorf("jobs: notify alert %d: unexpected status %d", payload.AlertID, resp.StatusCode))
	}
	n.logger.Info("alert notification delivered",
		slog.Int64("alert_id", payload.AlertID),
		slog.String("type", payload.Type),
		slog.String("priority", payload.Priority))
	return tracker.End(nil)
}
