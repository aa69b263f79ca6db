package rbac

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odyssey-erp/governance/internal/shared"
)

type memoryStore struct {
	mu        sync.Mutex
	data      map[int64]map[ModuleName]ModulePermission
	getErr    error
	upsertErr error
	gate      chan struct{}
	gets      atomic.Int32
	blocked   atomic.Int32
	upserts   [][]PermissionOverride
	cleared   []int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[int64]map[ModuleName]ModulePermission)}
}

func (s *memoryStore) set(userID int64, module ModuleName, p ModulePermission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[userID] == nil {
		s.data[userID] = make(map[ModuleName]ModulePermission)
	}
	s.data[userID][module] = p
}

func (s *memoryStore) failUpserts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertErr = err
}

func (s *memoryStore) Get(ctx context.Context, userID int64) ([]PermissionOverride, error) {
	s.gets.Add(1)
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	var out []PermissionOverride
	for module, p := range s.data[userID] {
		out = append(out, PermissionOverride{UserID: userID, Module: module, Permission: p})
	}
	return out, nil
}

func (s *memoryStore) Upsert(ctx context.Context, userID int64, overrides []PermissionOverride) error {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		s.blocked.Add(1)
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	if s.data[userID] == nil {
		s.data[userID] = make(map[ModuleName]ModulePermission)
	}
	for _, o := range overrides {
		s.data[userID][o.Module] = o.Permission
	}
	s.upserts = append(s.upserts, append([]PermissionOverride(nil), overrides...))
	return nil
}

func (s *memoryStore) Clear(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, userID)
	s.cleared = append(s.cleared, userID)
	return nil
}

func (s *memoryStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserts)
}

type memoryDirectory struct {
	mu    sync.Mutex
	users map[int64]User
	err   error
}

func newMemoryDirectory(users ...User) *memoryDirectory {
	d := &memoryDirectory{users: make(map[int64]User)}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *memoryDirectory) put(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

func (d *memoryDirectory) GetUser(ctx context.Context, id int64) (User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return User{}, d.err
	}
	u, ok := d.users[id]
	if !ok {
		return User{}, shared.ErrNotFound
	}
	return u, nil
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *countingObserver) ObserveResolution(outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int)
	}
	o.outcomes[outcome]++
}

func (o *countingObserver) count(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcomes[outcome]
}
