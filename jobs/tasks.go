package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/governance/internal/leave"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLeaveComplete marks approved leave whose end date has passed as completed.
	TaskLeaveComplete = "leave:complete"
	// TaskLeaveNotify tells a requester their leave request was decided.
	TaskLeaveNotify = "leave:notify"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// LeaveCompletePayload optionally pins the date used as "today".
type LeaveCompletePayload struct {
	AsOf string `json:"as_of,omitempty"`
}

// NewLeaveCompleteTask constructs the completion sweep task. An empty asOf
// uses the worker's current date.
func NewLeaveCompleteTask(asOf string) (*asynq.Task, error) {
	data, err := json.Marshal(LeaveCompletePayload{AsOf: asOf})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLeaveComplete, data), nil
}

// LeaveNotifyPayload identifies the decided request.
type LeaveNotifyPayload struct {
	RequestID uuid.UUID    `json:"request_id"`
	Status    leave.Status `json:"status"`
}

// NewLeaveNotifyTask constructs a decision notification task.
func NewLeaveNotifyTask(req leave.Request) (*asynq.Task, error) {
	data, err := json.Marshal(LeaveNotifyPayload{RequestID: req.ID, Status: req.Status})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLeaveNotify, data), nil
}

// IdempotencyCleanupPayload sets how long keys are retained.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask constructs the key purge task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
