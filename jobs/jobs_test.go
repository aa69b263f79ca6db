package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/governance/internal/jobs"
	"github.com/odyssey-erp/governance/internal/leave"
	"github.com/odyssey-erp/governance/internal/shared"
	"github.com/odyssey-erp/governance/internal/users"
)

type stubCompleter struct {
	cutoff time.Time
	count  int64
	err    error
}

func (s *stubCompleter) CompleteElapsed(_ context.Context, cutoff time.Time) (int64, error) {
	s.cutoff = cutoff
	return s.count, s.err
}

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

func TestLeaveCompleteUsesLocalDate(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*3600)
	store := &stubCompleter{count: 3}
	job := NewLeaveCompleteJob(store, jakarta, nil, testMetrics())
	// 20:00 UTC on the 1st is already the 2nd in UTC+7.
	job.clock = func() time.Time { return time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC) }

	task, err := NewLeaveCompleteTask("")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), store.cutoff)
}

func TestLeaveCompleteHonoursAsOf(t *testing.T) {
	store := &stubCompleter{}
	job := NewLeaveCompleteJob(store, nil, nil, testMetrics())

	task, err := NewLeaveCompleteTask("2024-06-30")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC), store.cutoff)

	bad, err := NewLeaveCompleteTask("30/06/2024")
	require.NoError(t, err)
	err = job.Handle(context.Background(), bad)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestLeaveCompletePropagatesStoreFailure(t *testing.T) {
	store := &stubCompleter{err: errors.New("db down")}
	job := NewLeaveCompleteJob(store, nil, nil, testMetrics())
	task, err := NewLeaveCompleteTask("")
	require.NoError(t, err)
	require.Error(t, job.Handle(context.Background(), task))
}

type stubRequests map[uuid.UUID]leave.Request

func (s stubRequests) Get(_ context.Context, id uuid.UUID) (leave.Request, error) {
	req, ok := s[id]
	if !ok {
		return leave.Request{}, shared.ErrNotFound
	}
	return req, nil
}

type stubUsers map[int64]users.User

func (s stubUsers) GetUser(_ context.Context, id int64) (users.User, error) {
	u, ok := s[id]
	if !ok {
		return users.User{}, shared.ErrNotFound
	}
	return u, nil
}

func TestLeaveNotify(t *testing.T) {
	approved := leave.Request{
		ID:             uuid.New(),
		UserID:         7,
		Status:         leave.StatusApproved,
		StartDate:      time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC),
		ApprovalReason: "enjoy",
	}
	requests := stubRequests{approved.ID: approved}
	accounts := stubUsers{7: {ID: 7, Email: "dan@example.com", Name: "Dan"}}
	job := NewLeaveNotifyJob(requests, accounts, nil, testMetrics())

	t.Run("delivers", func(t *testing.T) {
		task, err := NewLeaveNotifyTask(approved)
		require.NoError(t, err)
		require.NoError(t, job.Handle(context.Background(), task))
	})

	t.Run("stale status is skipped", func(t *testing.T) {
		stale := approved
		stale.Status = leave.StatusRejected
		task, err := NewLeaveNotifyTask(stale)
		require.NoError(t, err)
		require.NoError(t, job.Handle(context.Background(), task))
	})

	t.Run("missing request is not retried", func(t *testing.T) {
		task, err := NewLeaveNotifyTask(leave.Request{ID: uuid.New(), Status: leave.StatusApproved})
		require.NoError(t, err)
		require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
	})

	t.Run("malformed payload is not retried", func(t *testing.T) {
		task := asynq.NewTask(TaskLeaveNotify, []byte("{"))
		require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
	})
}

type stubCleaner struct {
	olderThan time.Duration
}

func (s *stubCleaner) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.olderThan = olderThan
	return 4, nil
}

func TestIdempotencyCleanupRetention(t *testing.T) {
	keys := &stubCleaner{}
	job := NewIdempotencyCleanupJob(keys, nil, testMetrics())

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	require.Equal(t, DefaultKeyRetention, keys.olderThan)

	task, err := NewIdempotencyCleanupTask(24 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 24*time.Hour, keys.olderThan)
}

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	ids   map[string]struct{}
}

func (r *recordingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ids == nil {
		r.ids = make(map[string]struct{})
	}
	for _, opt := range opts {
		if opt.Type() != asynq.TaskIDOpt {
			continue
		}
		id, _ := opt.Value().(string)
		if _, dup := r.ids[id]; dup {
			return nil, asynq.ErrTaskIDConflict
		}
		r.ids[id] = struct{}{}
	}
	r.tasks = append(r.tasks, task)
	return &asynq.TaskInfo{Type: task.Type(), Queue: QueueDefault}, nil
}

func (r *recordingEnqueuer) Close() error { return nil }

func TestClientNotifyDecisionIsDeduplicated(t *testing.T) {
	enq := &recordingEnqueuer{}
	client := NewClientWith(enq)
	req := leave.Request{ID: uuid.New(), Status: leave.StatusApproved}

	require.NoError(t, client.NotifyDecision(context.Background(), req))
	require.NoError(t, client.NotifyDecision(context.Background(), req))
	require.Len(t, enq.tasks, 1)

	var payload LeaveNotifyPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.Equal(t, req.ID, payload.RequestID)
	require.Equal(t, leave.StatusApproved, payload.Status)
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestHealthEndpoint(t *testing.T) {
	cases := []struct {
		name      string
		inspector QueueInspector
		status    int
		pending   int
	}{
		{name: "no inspector", inspector: nil, status: http.StatusOK},
		{name: "queue info", inspector: stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 2}}, status: http.StatusOK, pending: 2},
		{name: "redis down", inspector: stubInspector{err: errors.New("dial")}, status: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := chi.NewRouter()
			NewHandler(tc.inspector, nil).MountRoutes(r)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			require.Equal(t, tc.status, rec.Code)
			if tc.status != http.StatusOK {
				return
			}
			var body queueHealth
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Equal(t, tc.pending, body.Pending)
		})
	}
}
