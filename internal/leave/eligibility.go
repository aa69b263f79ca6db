package leave

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

const (
	// NoticeDays is the minimum lead time of a non-urgent leave.
	NoticeDays = 15
	// CooldownMonths separates the end of one leave from the next non-urgent one.
	CooldownMonths = 6
)

const day = 24 * time.Hour

// Result is the outcome of an eligibility check.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Evaluate applies the eligibility rules to input. lastEnd is the end date of
// the requester's most recent approved or completed leave, nil when there is
// none or it could not be looked up. All dates are compared as calendar days.
func Evaluate(input Input, lastEnd *time.Time, today time.Time) Result {
	if input.StartDate == nil || input.EndDate == nil {
		return Result{Errors: []string{"start date and end date are required"}}
	}
	start := midnight(*input.StartDate)
	end := midnight(*input.EndDate)
	now := midnight(today)

	var errs []string
	if end.Before(start) {
		errs = append(errs, "end date must not be before start date")
	}
	if !input.IsUrgent {
		if gap := int(start.Sub(now) / day); gap < NoticeDays {
			errs = append(errs, fmt.Sprintf("non-urgent leave must be requested at least %d days in advance (start is %d days away)", NoticeDays, gap))
		}
	}
	if input.IsUrgent && strings.TrimSpace(input.UrgencyReason) == "" {
		errs = append(errs, "urgent leave requires a reason")
	}
	if !input.IsUrgent && lastEnd != nil {
		eligibleFrom := midnight(*lastEnd).AddDate(0, CooldownMonths, 0)
		if start.Before(eligibleFrom) {
			months := int(math.Ceil(float64(eligibleFrom.Sub(now)) / float64(30*day)))
			if months < 1 {
				months = 1
			}
			errs = append(errs, fmt.Sprintf("a new leave may start %d months after the previous one ended; wait about %d more month(s)", CooldownMonths, months))
		}
	}
	return Result{Valid: len(errs) == 0, Errors: errs}
}

// midnight drops the clock part, keeping the calendar date as seen in t's
// location, and returns it in UTC so day arithmetic ignores DST shifts.
func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// LeaveHistory looks up a requester's last approved or completed leave.
type LeaveHistory interface {
	MostRecentCompleted(ctx context.Context, userID int64) (endDate time.Time, found bool, err error)
}

// Validator runs Evaluate against live history.
type Validator struct {
	history  LeaveHistory
	location *time.Location
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewValidator constructs a Validator evaluating "today" in loc.
func NewValidator(history LeaveHistory, loc *time.Location, timeout time.Duration, logger *slog.Logger) *Validator {
	if loc == nil {
		loc = time.UTC
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{history: history, location: loc, timeout: timeout, now: time.Now, logger: logger}
}

// Today is the current date in the validator's location.
func (v *Validator) Today() time.Time {
	return v.now().In(v.location)
}

// Validate checks input for requesterID. A failed history lookup skips the
// cooldown rule instead of blocking the submission.
func (v *Validator) Validate(ctx context.Context, input Input, requesterID int64) Result {
	var lastEnd *time.Time
	if !input.IsUrgent && input.StartDate != nil && input.EndDate != nil && v.history != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, v.timeout)
		end, found, err := v.history.MostRecentCompleted(lookupCtx, requesterID)
		cancel()
		switch {
		case err != nil:
			v.logger.Warn("leave history unavailable, skipping cooldown rule",
				slog.Int64("user_id", requesterID),
				slog.Any("error", err),
			)
		case found:
			lastEnd = &end
		}
	}
	return Evaluate(input, lastEnd, v.Today())
}
