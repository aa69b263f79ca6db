package leave

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func date(t *testing.T, raw string) *time.Time {
	t.Helper()
	d, err := time.Parse(dateLayout, raw)
	require.NoError(t, err)
	return &d
}

func TestEvaluateRequiresBothDates(t *testing.T) {
	today := *date(t, "2024-01-01")
	result := Evaluate(Input{StartDate: date(t, "2024-01-02"), IsUrgent: true}, nil, today)
	require.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0], "required")
}

func TestEvaluateNoticePeriod(t *testing.T) {
	today := *date(t, "2024-01-01")
	result := Evaluate(Input{StartDate: date(t, "2024-01-10"), EndDate: date(t, "2024-01-12")}, nil, today)
	require.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0], "15 days")

	result = Evaluate(Input{StartDate: date(t, "2024-01-16"), EndDate: date(t, "2024-01-17")}, nil, today)
	require.True(t, result.Valid, result.Errors)
}

func TestEvaluateNoticeIgnoresTimeOfDay(t *testing.T) {
	lateEvening := time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC)
	result := Evaluate(Input{StartDate: date(t, "2024-01-16"), EndDate: date(t, "2024-01-16")}, nil, lateEvening)
	require.True(t, result.Valid, result.Errors)
}

func TestEvaluateUrgentSkipsNoticeAndCooldown(t *testing.T) {
	today := *date(t, "2024-01-01")
	lastEnd := date(t, "2023-12-20")
	result := Evaluate(Input{
		StartDate:     date(t, "2024-01-10"),
		EndDate:       date(t, "2024-01-12"),
		IsUrgent:      true,
		UrgencyReason: "medical",
	}, lastEnd, today)
	require.True(t, result.Valid, result.Errors)
}

func TestEvaluateUrgentRequiresReason(t *testing.T) {
	today := *date(t, "2024-01-01")
	for _, reason := range []string{"", "   \t"} {
		result := Evaluate(Input{
			StartDate:     date(t, "2024-03-10"),
			EndDate:       date(t, "2024-03-12"),
			IsUrgent:      true,
			UrgencyReason: reason,
		}, nil, today)
		require.False(t, result.Valid)
		require.Len(t, result.Errors, 1)
		require.Contains(t, result.Errors[0], "reason")
	}
}

func TestEvaluateCooldown(t *testing.T) {
	today := *date(t, "2024-01-01")
	lastEnd := date(t, "2024-01-01")

	result := Evaluate(Input{StartDate: date(t, "2024-03-01"), EndDate: date(t, "2024-03-05")}, lastEnd, today)
	require.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	// 2024-07-01 is 182 days away.
	require.Contains(t, result.Errors[0], "about 7 more month(s)")

	result = Evaluate(Input{StartDate: date(t, "2024-08-01"), EndDate: date(t, "2024-08-05")}, lastEnd, today)
	require.True(t, result.Valid, result.Errors)
}

func TestEvaluateCollectsEveryViolation(t *testing.T) {
	today := *date(t, "2024-01-01")
	lastEnd := date(t, "2023-12-01")
	result := Evaluate(Input{StartDate: date(t, "2024-01-05"), EndDate: date(t, "2024-01-03")}, lastEnd, today)
	require.False(t, result.Valid)
	require.Len(t, result.Errors, 3)
	joined := strings.Join(result.Errors, "\n")
	require.Contains(t, joined, "before start")
	require.Contains(t, joined, "15 days")
	require.Contains(t, joined, "6 months")
}

type stubHistory struct {
	end   time.Time
	found bool
	err   error
	calls int
}

func (s *stubHistory) MostRecentCompleted(ctx context.Context, userID int64) (time.Time, bool, error) {
	s.calls++
	return s.end, s.found, s.err
}

func newTestValidator(history LeaveHistory, today string) *Validator {
	v := NewValidator(history, time.UTC, time.Second, nil)
	fixed, _ := time.Parse(dateLayout, today)
	v.now = func() time.Time { return fixed }
	return v
}

func TestValidatorAppliesHistory(t *testing.T) {
	history := &stubHistory{end: *date(t, "2024-01-01"), found: true}
	v := newTestValidator(history, "2024-01-01")

	result := v.Validate(context.Background(), Input{StartDate: date(t, "2024-03-01"), EndDate: date(t, "2024-03-02")}, 7)
	require.False(t, result.Valid)
	require.Equal(t, 1, history.calls)
}

func TestValidatorSkipsCooldownWhenHistoryUnavailable(t *testing.T) {
	history := &stubHistory{err: errors.New("connection refused")}
	v := newTestValidator(history, "2024-01-01")

	result := v.Validate(context.Background(), Input{StartDate: date(t, "2024-03-01"), EndDate: date(t, "2024-03-02")}, 7)
	require.True(t, result.Valid, result.Errors)
}

func TestValidatorDoesNotConsultHistoryForUrgentLeave(t *testing.T) {
	history := &stubHistory{end: *date(t, "2024-01-01"), found: true}
	v := newTestValidator(history, "2024-01-01")

	result := v.Validate(context.Background(), Input{
		StartDate:     date(t, "2024-01-02"),
		EndDate:       date(t, "2024-01-03"),
		IsUrgent:      true,
		UrgencyReason: "family emergency",
	}, 7)
	require.True(t, result.Valid, result.Errors)
	require.Zero(t, history.calls)
}
