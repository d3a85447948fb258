package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/recobra/recobra/internal/dunning"
	jobmetrics "github.com/recobra/recobra/internal/jobs"
	"github.com/recobra/recobra/internal/shared"
)

// DispatchJob runs the automatic dunning batch behind the run guard. The
// guard matters most here: overlapping dispatch runs could race the dedup
// check and double-send a tier.
type DispatchJob struct {
	Service *dunning.Service
	Guard   *shared.RunGuard
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewDispatchJob initialises the dispatch handler.
func NewDispatchJob(service *dunning.Service, guard *shared.RunGuard, logger *slog.Logger, metrics *jobmetrics.Metrics) *DispatchJob {
	return &DispatchJob{Service: service, Guard: guard, Logger: logger, Metrics: metrics}
}

// Handle executes one automatic dispatch run.
func (j *DispatchJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("dispatch: handler not configured")
	}
	var payload RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	logger := j.logger()
	release, err := j.Guard.Acquire(ctx, "dispatch", uuid.NewString())
	if errors.Is(err, shared.ErrRunInProgress) {
		logger.Warn("previous dispatch still running, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := release(ctx); err != nil {
			logger.Warn("release run lock", slog.Any("error", err))
		}
	}()

	start := time.Now()
	tracker := j.Metrics.Track(TaskDispatchRun)
	report, err := j.Service.RunAutomaticDispatch(ctx)
	if err = tracker.End(err); err != nil {
		logger.Error("dispatch failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddItems(TaskDispatchRun, "sent", report.Sent)
	j.Metrics.AddItems(TaskDispatchRun, "failed", report.Failed)
	j.Metrics.AddItems(TaskDispatchRun, "skipped", report.Skipped)

	logger.Info("dispatch run finished",
		slog.String("triggered_by", payload.TriggeredBy),
		slog.Int("sent", report.Sent),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *DispatchJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskDispatchRun))
	}
	return slog.Default().With(slog.String("job", TaskDispatchRun))
}
