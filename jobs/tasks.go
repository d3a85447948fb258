package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReconcileRun runs one reconciliation batch.
	TaskReconcileRun = "recon:run"
	// TaskDispatchRun runs one automatic dunning dispatch batch.
	TaskDispatchRun = "dunning:dispatch"
)

// RunPayload identifies who or what triggered a batch run.
type RunPayload struct {
	TriggeredBy string `json:"triggered_by,omitempty"`
}

// NewReconcileTask constructs an Asynq task for one reconciliation run.
func NewReconcileTask(payload RunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcileRun, data), nil
}

// NewDispatchTask constructs an Asynq task for one dispatch run.
func NewDispatchTask(payload RunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDispatchRun, data), nil
}
