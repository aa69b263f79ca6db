package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/governance/internal/jobs"
	"github.com/odyssey-erp/governance/internal/leave"
)

// LeaveCompleter transitions elapsed approved leave.
type LeaveCompleter interface {
	CompleteElapsed(ctx context.Context, cutoff time.Time) (int64, error)
}

// LeaveCompleteJob moves approved requests that ended before today to completed,
// which is what the cooldown rule counts from.
type LeaveCompleteJob struct {
	Store    LeaveCompleter
	Location *time.Location
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewLeaveCompleteJob wires the completion sweep.
func NewLeaveCompleteJob(store LeaveCompleter, loc *time.Location, logger *slog.Logger, metrics *jobmetrics.Metrics) *LeaveCompleteJob {
	if loc == nil {
		loc = time.UTC
	}
	return &LeaveCompleteJob{
		Store:    store,
		Location: loc,
		Logger:   logger,
		Metrics:  metrics,
		clock:    time.Now,
	}
}

// Handle processes TaskLeaveComplete tasks.
func (j *LeaveCompleteJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("leave complete: handler not configured")
	}
	var payload LeaveCompletePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	cutoff, err := j.cutoff(payload.AsOf)
	if err != nil {
		j.logger().Warn("invalid as_of", slog.String("as_of", payload.AsOf))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskLeaveComplete)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("cutoff", cutoff.Format(time.DateOnly)))
	count, err := j.Store.CompleteElapsed(ctx, cutoff)
	if err != nil {
		resultErr = err
		logger.Error("complete elapsed leave", slog.Any("error", err))
		return resultErr
	}
	j.metrics().AddTransitions(TaskLeaveComplete, string(leave.StatusCompleted), count)
	logger.Info("completed elapsed leave", slog.Int64("requests", count))
	return resultErr
}

func (j *LeaveCompleteJob) cutoff(asOf string) (time.Time, error) {
	if asOf != "" {
		day, err := time.Parse(time.DateOnly, asOf)
		if err != nil {
			return time.Time{}, fmt.Errorf("leave complete: as_of: %w", err)
		}
		return day, nil
	}
	now := j.now().In(j.Location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
}

func (j *LeaveCompleteJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLeaveComplete))
	}
	return slog.Default().With(slog.String("job", TaskLeaveComplete))
}

func (j *LeaveCompleteJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LeaveCompleteJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now()
}
