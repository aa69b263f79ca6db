package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/odyssey-erp/governance/internal/platform/pubsub"
)

// RegistryConfig wires a Registry.
type RegistryConfig struct {
	Resolver  *Resolver
	Directory UserDirectory
	Bus       pubsub.Bus
	IdleTTL   time.Duration
	Logger    *slog.Logger
}

// Registry owns the permission sessions of this process keyed by session ID.
type Registry struct {
	resolver  *Resolver
	directory UserDirectory
	bus       pubsub.Bus
	idleTTL   time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Registry{
		resolver:  cfg.Resolver,
		directory: cfg.Directory,
		bus:       cfg.Bus,
		idleTTL:   ttl,
		logger:    logger,
		sessions:  make(map[string]*Session),
	}
}

// Open returns the session for sessionID, creating and resolving it when it
// does not exist yet or belongs to another user.
func (r *Registry) Open(ctx context.Context, sessionID string, userID int64) (*Session, error) {
	r.mu.Lock()
	existing, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if ok {
		if existing.User().ID == userID && !existing.closed.Load() {
			existing.touch()
			return existing, nil
		}
		r.Close(sessionID)
	}

	if r.directory == nil {
		return nil, fmt.Errorf("rbac: open session: user directory not configured")
	}
	user, err := r.directory.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("rbac: open session: %w", err)
	}

	sess := newSession(sessionID, user, r.resolver, r.directory, r.bus, r.logger)
	if err := sess.Refresh(ctx); err != nil && !errors.Is(err, ErrRefreshSuperseded) {
		sess.Close()
		return nil, fmt.Errorf("rbac: open session: %w", err)
	}

	r.mu.Lock()
	if raced, ok := r.sessions[sessionID]; ok && raced.User().ID == userID && !raced.closed.Load() {
		r.mu.Unlock()
		sess.Close()
		raced.touch()
		return raced, nil
	}
	previous := r.sessions[sessionID]
	r.sessions[sessionID] = sess
	r.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
	return sess, nil
}

// Get looks up an open session.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// Close discards the session, typically on logout.
func (r *Registry) Close(sessionID string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if ok {
		sess.Close()
	}
}

// Len reports the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep closes sessions idle for longer than the configured TTL.
func (r *Registry) Sweep(now time.Time) int {
	var stale []*Session
	r.mu.Lock()
	for id, sess := range r.sessions {
		if now.Sub(sess.idleSince()) > r.idleTTL {
			stale = append(stale, sess)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()
	for _, sess := range stale {
		sess.Close()
	}
	if len(stale) > 0 {
		r.logger.Info("evicted idle permission sessions", slog.Int("count", len(stale)))
	}
	return len(stale)
}

// Run sweeps idle sessions until ctx is cancelled, then closes every session.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.closeAll()
			return nil
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

func (r *Registry) closeAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}
