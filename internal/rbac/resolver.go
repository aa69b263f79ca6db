package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// OverrideStore persists per-user permission overrides.
type OverrideStore interface {
	// Get returns the overrides stored for a user, or nil when none exist.
	Get(ctx context.Context, userID int64) ([]PermissionOverride, error)
	// Upsert replaces the stored permission of every listed module atomically.
	Upsert(ctx context.Context, userID int64, overrides []PermissionOverride) error
}

// Resolution outcomes reported to the observer.
const (
	OutcomeResolved   = "resolved"
	OutcomeDegraded   = "degraded"
	OutcomeSuperAdmin = "super_admin"
	OutcomeInactive   = "inactive"
)

// ResolutionObserver receives one outcome per resolution.
type ResolutionObserver interface {
	ObserveResolution(outcome string, elapsed time.Duration)
}

// ResolverConfig wires the resolver collaborators.
type ResolverConfig struct {
	Store    OverrideStore
	Policy   *PolicyTable
	Timeout  time.Duration
	Logger   *slog.Logger
	Observer ResolutionObserver
}

// Resolver combines role defaults with stored overrides. It holds no
// per-user state and is safe for concurrent use.
type Resolver struct {
	store    OverrideStore
	policy   *PolicyTable
	timeout  time.Duration
	logger   *slog.Logger
	observer ResolutionObserver
	group    singleflight.Group
	epoch    atomic.Uint64
}

// NewResolver constructs a Resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	policy := cfg.Policy
	if policy == nil {
		policy = DefaultPolicy
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:    cfg.Store,
		policy:   policy,
		timeout:  timeout,
		logger:   logger,
		observer: cfg.Observer,
	}
}

// Resolve returns the effective permission map of user. It never fails: when
// the override store cannot be reached the role defaults are returned.
func (r *Resolver) Resolve(ctx context.Context, user User) EffectivePermissionMap {
	start := time.Now()
	if !user.IsActive {
		r.observe(OutcomeInactive, start)
		return uniformMap(noAccess)
	}
	if user.Role == RoleSuperAdministrator {
		r.observe(OutcomeSuperAdmin, start)
		return uniformMap(fullAccess)
	}

	perms := r.policy.Defaults(user.Role)
	overrides, err := r.fetch(ctx, user.ID)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("permission resolution degraded to role defaults",
				slog.Int64("user_id", user.ID),
				slog.String("role", string(user.Role)),
				slog.Any("error", err),
			)
		}
		r.observe(OutcomeDegraded, start)
		return perms
	}
	for _, o := range overrides {
		if !o.Module.Known() {
			r.logger.Warn("ignoring override for unknown module",
				slog.Int64("user_id", user.ID),
				slog.String("module", string(o.Module)),
			)
			continue
		}
		perms[o.Module] = o.Permission.Normalize()
	}
	r.observe(OutcomeResolved, start)
	return perms
}

// Defaults exposes the policy table used by the resolver.
func (r *Resolver) Defaults(role Role) EffectivePermissionMap {
	return r.policy.Defaults(role)
}

// Invalidate starts a new fetch epoch. Resolutions begun afterwards never
// join an override fetch that started before the call.
func (r *Resolver) Invalidate() {
	r.epoch.Add(1)
}

func (r *Resolver) overridesKey(userID int64) string {
	return fmt.Sprintf("overrides:%d:%d", userID, r.epoch.Load())
}

func (r *Resolver) fetch(ctx context.Context, userID int64) ([]PermissionOverride, error) {
	if r.store == nil {
		return nil, nil
	}
	ch := r.group.DoChan(r.overridesKey(userID), func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.store.Get(fetchCtx, userID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		overrides, _ := res.Val.([]PermissionOverride)
		return overrides, nil
	}
}

func (r *Resolver) observe(outcome string, start time.Time) {
	if r.observer != nil {
		r.observer.ObserveResolution(outcome, time.Since(start))
	}
}
