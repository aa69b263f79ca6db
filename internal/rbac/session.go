package rbac

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odyssey-erp/governance/internal/platform/pubsub"
	"github.com/odyssey-erp/governance/internal/shared"
)

// UserDirectory loads the current role and status of a user.
type UserDirectory interface {
	GetUser(ctx context.Context, id int64) (User, error)
}

// Session caches the effective permission map for one connected session and
// keeps it fresh when change signals arrive. Each browser tab of the same
// user holds its own Session.
type Session struct {
	id        string
	resolver  *Resolver
	directory UserDirectory
	logger    *slog.Logger

	mu       sync.RWMutex
	user     User
	perms    EffectivePermissionMap
	gen      uint64
	inflight context.CancelFunc
	loadedAt time.Time

	lastSeen   atomic.Int64
	reloadUser atomic.Bool
	closed     atomic.Bool
	kick       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	unsub  []func()
	once   sync.Once
}

func newSession(id string, user User, resolver *Resolver, directory UserDirectory, bus pubsub.Bus, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		resolver:  resolver,
		directory: directory,
		logger:    logger.With(slog.String("session_id", id), slog.Int64("user_id", user.ID)),
		user:      user,
		kick:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.touch()
	if bus != nil {
		s.unsub = append(s.unsub,
			bus.Subscribe(pubsub.TopicPermissionsReload, s.onReload),
			bus.Subscribe(pubsub.TopicProfileChanged, s.onProfileChanged),
		)
	}
	go s.loop()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// User returns the last loaded user record.
func (s *Session) User() User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// HasPermission answers from the cached map. Unknown modules or actions, and
// sessions that were never resolved, are denied.
func (s *Session) HasPermission(module ModuleName, action Action) bool {
	if s == nil {
		return false
	}
	s.touch()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.perms.Allows(module, action)
}

// Permissions returns a copy of the cached map.
func (s *Session) Permissions() EffectivePermissionMap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.perms == nil {
		return uniformMap(noAccess)
	}
	return s.perms.Clone()
}

// LoadedAt reports when the cached map was last replaced.
func (s *Session) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

// Refresh re-runs resolution for the session user. A refresh started later
// supersedes this one: its context is cancelled, its result dropped and
// ErrRefreshSuperseded returned. Closed sessions return ErrSessionClosed.
func (s *Session) Refresh(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	if s.inflight != nil {
		s.inflight()
	}
	s.gen++
	gen := s.gen
	user := s.user
	rctx, cancel := context.WithCancel(ctx)
	s.inflight = cancel
	s.mu.Unlock()

	perms := s.resolver.Resolve(rctx, user)

	s.mu.Lock()
	defer s.mu.Unlock()
	interrupted := rctx.Err() != nil
	cancel()
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if gen != s.gen || interrupted {
		return ErrRefreshSuperseded
	}
	s.inflight = nil
	s.perms = perms
	s.loadedAt = time.Now()
	return nil
}

// Invalidate schedules a background refresh. Bursts coalesce into at least
// one refresh after the last signal.
func (s *Session) Invalidate(reloadUser bool) {
	if reloadUser {
		s.reloadUser.Store(true)
	}
	s.resolver.Invalidate()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Close discards the cached map and stops listening for signals.
func (s *Session) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		for _, unsub := range s.unsub {
			unsub()
		}
		s.cancel()
		<-s.done
		s.mu.Lock()
		if s.inflight != nil {
			s.inflight()
			s.inflight = nil
		}
		s.gen++
		s.perms = nil
		s.mu.Unlock()
	})
}

func (s *Session) onReload(_ context.Context, msg pubsub.Message) {
	s.Invalidate(msg.UserID != 0 && msg.UserID == s.User().ID)
}

func (s *Session) onProfileChanged(_ context.Context, msg pubsub.Message) {
	user := s.User()
	if msg.UserID == user.ID || (msg.ProfileID != 0 && msg.ProfileID == user.ProfileID) {
		s.Invalidate(true)
	}
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.kick:
		}
		if s.reloadUser.Swap(false) {
			s.loadUser()
		}
		_ = s.Refresh(s.ctx)
	}
}

func (s *Session) loadUser() {
	if s.directory == nil {
		return
	}
	current := s.User()
	user, err := s.directory.GetUser(s.ctx, current.ID)
	if errors.Is(err, shared.ErrNotFound) {
		// Deleted accounts keep the session open with nothing granted.
		current.IsActive = false
		s.mu.Lock()
		s.user = current
		s.mu.Unlock()
		return
	}
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Warn("reload user for session failed, keeping cached profile", slog.Any("error", err))
		}
		return
	}
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *Session) idleSince() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}
