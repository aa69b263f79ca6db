package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/governance/internal/jobs"
	"github.com/odyssey-erp/governance/internal/leave"
	"github.com/odyssey-erp/governance/internal/shared"
	"github.com/odyssey-erp/governance/internal/users"
)

// LeaveReader loads a leave request.
type LeaveReader interface {
	Get(ctx context.Context, id uuid.UUID) (leave.Request, error)
}

// UserReader loads the requester account.
type UserReader interface {
	GetUser(ctx context.Context, id int64) (users.User, error)
}

// LeaveNotifyJob delivers decision notifications. Delivery is a structured
// log line consumed by the mail relay.
type LeaveNotifyJob struct {
	Requests LeaveReader
	Users    UserReader
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewLeaveNotifyJob wires the notification handler.
func NewLeaveNotifyJob(requests LeaveReader, accounts UserReader, logger *slog.Logger, metrics *jobmetrics.Metrics) *LeaveNotifyJob {
	return &LeaveNotifyJob{Requests: requests, Users: accounts, Logger: logger, Metrics: metrics}
}

// Handle processes TaskLeaveNotify tasks.
func (j *LeaveNotifyJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Requests == nil || j.Users == nil {
		return errors.New("leave notify: handler not configured")
	}
	var payload LeaveNotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.RequestID == uuid.Nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskLeaveNotify)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("request_id", payload.RequestID.String()))
	req, err := j.Requests.Get(ctx, payload.RequestID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			logger.Warn("leave request vanished before notification")
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		resultErr = err
		return resultErr
	}
	if req.Status != payload.Status {
		logger.Info("leave request changed since decision, skipping",
			slog.String("queued_status", string(payload.Status)),
			slog.String("current_status", string(req.Status)),
		)
		return nil
	}
	requester, err := j.Users.GetUser(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			logger.Warn("requester no longer exists", slog.Int64("user_id", req.UserID))
			return nil
		}
		resultErr = err
		return resultErr
	}

	reason := req.ApprovalReason
	if req.Status == leave.StatusRejected {
		reason = req.RejectionReason
	}
	logger.Info("leave decision notification",
		slog.String("to", requester.Email),
		slog.String("name", requester.Name),
		slog.String("status", string(req.Status)),
		slog.String("start_date", req.StartDate.Format("2006-01-02")),
		slog.String("end_date", req.EndDate.Format("2006-01-02")),
		slog.String("reason", reason),
	)
	return resultErr
}

func (j *LeaveNotifyJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLeaveNotify))
	}
	return slog.Default().With(slog.String("job", TaskLeaveNotify))
}

func (j *LeaveNotifyJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
