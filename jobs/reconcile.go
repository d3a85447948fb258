package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/recobra/recobra/internal/jobs"
	"github.com/recobra/recobra/internal/recon"
	"github.com/recobra/recobra/internal/shared"
)

// ReconcileJob runs the reconciliation batch behind the run guard.
type ReconcileJob struct {
	Service *recon.Service
	Guard   *shared.RunGuard
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewReconcileJob initialises the reconciliation handler.
func NewReconcileJob(service *recon.Service, guard *shared.RunGuard, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{Service: service, Guard: guard, Logger: logger, Metrics: metrics}
}

// Handle executes one reconciliation run.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("reconcile: handler not configured")
	}
	var payload RunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	logger := j.logger()
	release, err := j.Guard.Acquire(ctx, "reconcile", uuid.NewString())
	if errors.Is(err, shared.ErrRunInProgress) {
		logger.Warn("previous reconciliation still running, skipping")
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
	tracker := j.metrics().Track(TaskReconcileRun)
	report, err := j.Service.Reconcile(ctx)
	if err = tracker.End(err); err != nil {
		logger.Error("reconciliation failed", slog.Any("error", err))
		return err
	}
	j.metrics().AddItems(TaskReconcileRun, "updated", report.Updated)
	j.metrics().AddItems(TaskReconcileRun, "not_found", report.NotFound)
	j.metrics().AddItems(TaskReconcileRun, "errors", report.Errors)

	logger.Info("reconciliation run finished",
		slog.String("triggered_by", payload.TriggeredBy),
		slog.Int("updated", report.Updated),
		slog.Int("not_found", report.NotFound),
		slog.Int("errors", report.Errors),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *ReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReconcileRun))
	}
	return slog.Default().With(slog.String("job", TaskReconcileRun))
}

func (j *ReconcileJob) metrics() *jobmetrics.Metrics {
	return j.Metrics
}
