// Package jobs contains the background worker, its Asynq task definitions
// and the handlers that post scheduled write-down entries.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskDepreciationPost posts scheduled depreciation and amortization
	// entries whose due date has passed.
	TaskDepreciationPost = "depreciation:post"
	// TaskScheduleIntegrity rechecks that every stored schedule still
	// reconciles with its acquisition terms.
	TaskScheduleIntegrity = "schedule:integrity"
)

const payloadDateLayout = "2006-01-02"

// DepreciationPostPayload bounds one posting run. An empty Until posts
// everything due at execution time.
type DepreciationPostPayload struct {
	Until string `json:"until,omitempty"`
}

// NewDepreciationPostTask constructs an Asynq task. A zero until posts
// whatever is due when the task runs.
func NewDepreciationPostTask(until time.Time) (*asynq.Task, error) {
	payload := DepreciationPostPayload{}
	if !until.IsZero() {
		payload.Until = until.Format(payloadDateLayout)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDepreciationPost, data), nil
}

// NewScheduleIntegrityTask constructs a schedule verification task.
func NewScheduleIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskScheduleIntegrity, nil)
}
