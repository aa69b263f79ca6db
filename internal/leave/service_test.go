package leave

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/governance/internal/rbac"
	"github.com/odyssey-erp/governance/internal/shared"
)

type memoryStore struct {
	mu        sync.Mutex
	requests  map[uuid.UUID]Request
	createErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{requests: make(map[uuid.UUID]Request)}
}

func (m *memoryStore) Create(ctx context.Context, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.requests[req.ID] = req
	return nil
}

func (m *memoryStore) Get(ctx context.Context, id uuid.UUID) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return Request{}, fmt.Errorf("request %s: %w", id, shared.ErrNotFound)
	}
	return req, nil
}

func (m *memoryStore) List(ctx context.Context, filter ListFilter) ([]Request, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Request
	for _, req := range m.requests {
		if filter.UserID != nil && req.UserID != *filter.UserID {
			continue
		}
		if filter.ManagerID != nil && (req.ManagerID == nil || *req.ManagerID != *filter.ManagerID) {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.After(out[j].StartDate) })
	return out, len(out), nil
}

func (m *memoryStore) Transition(ctx context.Context, req Request, from Status) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.requests[req.ID]
	if !ok || current.Status != from {
		return Request{}, ErrInvalidState
	}
	m.requests[req.ID] = req
	return req, nil
}

func (m *memoryStore) MostRecentCompleted(ctx context.Context, userID int64) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest time.Time
	found := false
	for _, req := range m.requests {
		if req.UserID != userID || (req.Status != StatusApproved && req.Status != StatusCompleted) {
			continue
		}
		if !found || req.EndDate.After(latest) {
			latest, found = req.EndDate, true
		}
	}
	return latest, found, nil
}

type staticManagers map[int64]int64

func (s staticManagers) ManagerProfileID(ctx context.Context, userID int64) (int64, error) {
	return s[userID], nil
}

type defaultsChecker struct{}

func (defaultsChecker) Authorize(ctx context.Context, actor rbac.User, module rbac.ModuleName, action rbac.Action) error {
	if !rbac.Defaults(actor.Role).Allows(module, action) {
		return rbac.ErrForbidden
	}
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Request
}

func (n *recordingNotifier) NotifyDecision(ctx context.Context, req Request) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, req)
	return nil
}

type memoryKeys struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (m *memoryKeys) CheckAndInsert(ctx context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = struct{}{}
	return nil
}

func (m *memoryKeys) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

var (
	student    = rbac.User{ID: 10, Role: rbac.RoleStudent, IsActive: true, ProfileID: 100}
	supervisor = rbac.User{ID: 20, Role: rbac.RoleSupervisor, IsActive: true, ProfileID: 200}
	bystander  = rbac.User{ID: 40, Role: rbac.RoleManager, IsActive: true, ProfileID: 400}
	admin      = rbac.User{ID: 30, Role: rbac.RoleAdministrator, IsActive: true, ProfileID: 300}
)

type leaveFixture struct {
	store     *memoryStore
	approvals *memoryApprovals
	notifier  *recordingNotifier
	keys      *memoryKeys
	service   *Service
}

func newLeaveFixture(t *testing.T) *leaveFixture {
	t.Helper()
	f := &leaveFixture{
		store:     newMemoryStore(),
		approvals: &memoryApprovals{},
		notifier:  &recordingNotifier{},
		keys:      &memoryKeys{keys: map[string]struct{}{}},
	}
	validator := newTestValidator(f.store, "2024-01-01")
	f.service = NewService(ServiceConfig{
		Store:       f.store,
		Managers:    staticManagers{student.ID: supervisor.ProfileID},
		Permissions: defaultsChecker{},
		Validator:   validator,
		Approvals:   f.approvals,
		Notifier:    f.notifier,
		Keys:        f.keys,
	})
	f.service.now = func() time.Time { return time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC) }
	return f
}

func (f *leaveFixture) submit(t *testing.T, start, end string) Request {
	t.Helper()
	req, err := f.service.Submit(context.Background(), student, SubmitInput{Input: Input{StartDate: date(t, start), EndDate: date(t, end)}})
	require.NoError(t, err)
	return req
}

func TestSubmitStoresPendingWithManager(t *testing.T) {
	f := newLeaveFixture(t)
	req := f.submit(t, "2024-02-01", "2024-02-03")

	require.Equal(t, StatusPending, req.Status)
	require.NotNil(t, req.ManagerID)
	require.Equal(t, supervisor.ProfileID, *req.ManagerID)
	stored, err := f.store.Get(context.Background(), req.ID)
	require.NoError(t, err)
	require.Equal(t, req.ID, stored.ID)
	require.Equal(t, []shared.ApprovalAction{shared.ApprovalSubmit}, f.approvals.actions())
}

func TestSubmitRejectsIneligibleRequestWithoutPersisting(t *testing.T) {
	f := newLeaveFixture(t)
	_, err := f.service.Submit(context.Background(), student, SubmitInput{Input: Input{
		StartDate: date(t, "2024-01-10"),
		EndDate:   date(t, "2024-01-11"),
	}})
	var violation *RuleViolation
	require.ErrorAs(t, err, &violation)
	require.Len(t, violation.Errors, 1)
	require.Empty(t, f.store.requests)
}

func TestSubmitWriteFailureIsLoudAndReleasesKey(t *testing.T) {
	f := newLeaveFixture(t)
	f.store.createErr = errors.New("disk full")

	in := SubmitInput{Input: Input{StartDate: date(t, "2024-02-01"), EndDate: date(t, "2024-02-02")}, IdempotencyKey: "k-1"}
	_, err := f.service.Submit(context.Background(), student, in)
	require.ErrorIs(t, err, shared.ErrCollaboratorUnavailable)
	require.Empty(t, f.keys.keys)

	f.store.createErr = nil
	_, err = f.service.Submit(context.Background(), student, in)
	require.NoError(t, err)
	_, err = f.service.Submit(context.Background(), student, in)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
}

func TestSubmitAppliesCooldownFromApprovedHistory(t *testing.T) {
	f := newLeaveFixture(t)
	first := f.submit(t, "2024-02-01", "2024-02-03")
	_, err := f.service.Decide(context.Background(), supervisor, first.ID, DecisionApprove, "")
	require.NoError(t, err)

	_, err = f.service.Submit(context.Background(), student, SubmitInput{Input: Input{StartDate: date(t, "2024-03-01"), EndDate: date(t, "2024-03-02")}})
	var violation *RuleViolation
	require.ErrorAs(t, err, &violation)
}

func TestDecideByAssignedManager(t *testing.T) {
	f := newLeaveFixture(t)
	req := f.submit(t, "2024-02-01", "2024-02-03")

	approved, err := f.service.Decide(context.Background(), supervisor, req.ID, DecisionApprove, "ok")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.Equal(t, "ok", approved.ApprovalReason)
	require.Len(t, f.notifier.sent, 1)
	require.Equal(t, []shared.ApprovalAction{shared.ApprovalSubmit, shared.ApprovalApprove}, f.approvals.actions())

	_, err = f.service.Decide(context.Background(), admin, req.ID, DecisionReject, "late")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestDecideRefusesOtherPrincipals(t *testing.T) {
	f := newLeaveFixture(t)
	req := f.submit(t, "2024-02-01", "2024-02-03")

	for _, actor := range []rbac.User{bystander, student} {
		_, err := f.service.Decide(context.Background(), actor, req.ID, DecisionApprove, "")
		var unauthorized *UnauthorizedApproverError
		require.ErrorAs(t, err, &unauthorized)
	}
	stored, _ := f.store.Get(context.Background(), req.ID)
	require.Equal(t, StatusPending, stored.Status)
	require.Empty(t, f.notifier.sent)
}

func TestConcurrentDecisionsApplyOnce(t *testing.T) {
	f := newLeaveFixture(t)
	req := f.submit(t, "2024-02-01", "2024-02-03")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, actor := range []rbac.User{supervisor, admin} {
		wg.Add(1)
		go func(i int, actor rbac.User) {
			defer wg.Done()
			decision := DecisionApprove
			if i == 1 {
				decision = DecisionReject
			}
			_, errs[i] = f.service.Decide(context.Background(), actor, req.ID, decision, "")
		}(i, actor)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, ErrInvalidState)
	}
	require.Equal(t, 1, succeeded)
}

func TestCancelByRequesterOnly(t *testing.T) {
	f := newLeaveFixture(t)
	req := f.submit(t, "2024-02-01", "2024-02-03")

	_, err := f.service.Cancel(context.Background(), supervisor, req.ID)
	require.ErrorIs(t, err, ErrNotRequester)

	cancelled, err := f.service.Cancel(context.Background(), student, req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	_, err = f.service.Cancel(context.Background(), student, req.ID)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestListScopes(t *testing.T) {
	f := newLeaveFixture(t)
	f.submit(t, "2024-02-01", "2024-02-03")

	mine, _, err := f.service.List(context.Background(), student, ScopeMine, "", 1, 20)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	team, _, err := f.service.List(context.Background(), supervisor, ScopeTeam, "", 1, 20)
	require.NoError(t, err)
	require.Len(t, team, 1)

	other, _, err := f.service.List(context.Background(), bystander, ScopeTeam, "", 1, 20)
	require.NoError(t, err)
	require.Empty(t, other)

	_, _, err = f.service.List(context.Background(), supervisor, ScopeAll, "", 1, 20)
	require.ErrorIs(t, err, rbac.ErrForbidden)

	all, page, err := f.service.List(context.Background(), admin, ScopeAll, StatusPending, 1, 20)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, 1, page.Total)
}

func TestGetHidesUnrelatedRequests(t *testing.T) {
	f := newLeaveFixture(t)
	req := f.submit(t, "2024-02-01", "2024-02-03")

	_, err := f.service.Get(context.Background(), bystander, req.ID)
	require.ErrorIs(t, err, ErrNotVisible)
	_, err = f.service.Get(context.Background(), supervisor, req.ID)
	require.NoError(t, err)
}
