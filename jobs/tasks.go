package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/medledger/medledger/internal/alerting"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAlertNotify delivers a newly opened stock alert to the
	// external notification endpoint.
	TaskAlertNotify = "alerts:notify"
	// TaskExpirySweep re-evaluates every batch for expiry conditions.
	TaskExpirySweep = "stock:expiry_sweep"
)

// AlertNotifyPayload carries the alert fields the notifier endpoint needs.
type AlertNotifyPayload struct {
	AlertID   int64     `json:"alert_id"`
	BatchID   int64     `json:"batch_id"`
	Type      string    `json:"type"`
	Priority  string    `json:"priority"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// NewAlertNotifyTask constructs an Asynq task for alert delivery.
func NewAlertNotifyTask(alert alerting.Alert) (*asynq.Task, error) {
	body, err := json.Marshal(AlertNotifyPayload{
		AlertID:   alert.ID,
		BatchID:   alert.BatchID,
		Type:      string(alert.Type),
		Priority:  string(alert.Priority),
		Message:   alert.Message,
		CreatedAt: alert.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAlertNotify, body, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// ExpirySweepPayload carries scheduling metadata.
type ExpirySweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewExpirySweepTask constructs an Asynq task for the daily expiry sweep.
func NewExpirySweepTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ExpirySweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpirySweep, body, asynq.Queue(QueueDefault)), nil
}
