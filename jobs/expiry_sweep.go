package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/medledger/medledger/internal/jobs"
)

// Sweeper re-evaluates batches for expiry and threshold conditions.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// ExpirySweepJob runs the scheduled expiry sweep.
type ExpirySweepJob struct {
	sweeper Sweeper
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewExpirySweepJob constructs the sweep handler.
func NewExpirySweepJob(sweeper Sweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *ExpirySweepJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpirySweepJob{sweeper: sweeper, logger: logger, metrics: metrics}
}

// Handle processes TaskExpirySweep tasks.
func (j *ExpirySweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload ExpirySweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.metrics.Track("expiry_sweep")
	started := time.Now()
	opened, err := j.sweeper.Sweep(ctx)
	if err != nil {
		_ = tracker.End(err)
		j.logger.Error("expiry sweep failed",
			slog.Int("opened", opened),
			slog.Any("error", err))
		return err
	}
	j.logger.Info("expiry sweep completed",
		slog.Int("opened", opened),
		slog.Duration("took", time.Since(started)))
	return tracker.End(nil)
}
