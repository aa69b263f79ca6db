package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/odyssey-erp/governance/internal/platform/pubsub"
	"github.com/odyssey-erp/governance/internal/shared"
)

// ErrSuperAdminTarget is returned when overrides are written for a super
// administrator; they would never take effect.
var ErrSuperAdminTarget = errors.New("rbac: super administrators always hold full access")

// Store is the override store with administrative helpers.
type Store interface {
	OverrideStore
	Clear(ctx context.Context, userID int64) error
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig wires the permission service.
type ServiceConfig struct {
	Store     Store
	Resolver  *Resolver
	Directory UserDirectory
	Bus       pubsub.Bus
	Audit     AuditRecorder
	Logger    *slog.Logger
}

// Service orchestrates override administration.
type Service struct {
	store     Store
	resolver  *Resolver
	directory UserDirectory
	bus       pubsub.Bus
	audit     AuditRecorder
	logger    *slog.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     cfg.Store,
		resolver:  cfg.Resolver,
		directory: cfg.Directory,
		bus:       cfg.Bus,
		audit:     cfg.Audit,
		logger:    logger,
	}
}

// Authorize resolves actor afresh and checks action on module.
func (s *Service) Authorize(ctx context.Context, actor User, module ModuleName, action Action) error {
	if !s.resolver.Resolve(ctx, actor).Allows(module, action) {
		return fmt.Errorf("%w: %s on %s", ErrForbidden, action, module)
	}
	return nil
}

// Effective resolves the permission map of userID.
func (s *Service) Effective(ctx context.Context, userID int64) (User, EffectivePermissionMap, error) {
	user, err := s.directory.GetUser(ctx, userID)
	if err != nil {
		return User{}, nil, err
	}
	return user, s.resolver.Resolve(ctx, user), nil
}

// Baseline is the starting point of a permission editor for userID. It reads
// the override store directly: an editor persists its full working set, so it
// must never start from role defaults substituted for unreachable overrides.
func (s *Service) Baseline(ctx context.Context, userID int64) (EffectivePermissionMap, error) {
	user, err := s.directory.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Role == RoleSuperAdministrator {
		return nil, ErrSuperAdminTarget
	}
	overrides, err := s.store.Get(ctx, userID)
	if err != nil {
		s.logger.Error("load editor baseline", slog.Int64("target_user_id", userID), slog.Any("error", err))
		return nil, fmt.Errorf("%w: %v", shared.ErrCollaboratorUnavailable, err)
	}
	perms := s.resolver.Defaults(user.Role)
	for _, o := range overrides {
		if o.Module.Known() {
			perms[o.Module] = o.Permission.Normalize()
		}
	}
	return perms, nil
}

// Overrides returns the stored overrides of userID. Unlike resolution, store
// failures are reported to the caller.
func (s *Service) Overrides(ctx context.Context, actor User, userID int64) ([]PermissionOverride, error) {
	if err := s.Authorize(ctx, actor, ModulePermissions, ActionRead); err != nil {
		return nil, err
	}
	overrides, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrCollaboratorUnavailable, err)
	}
	return overrides, nil
}

// SetOverrides replaces the listed modules of targetID and signals every
// permission consumer once the write is durable.
func (s *Service) SetOverrides(ctx context.Context, actor User, targetID int64, overrides []PermissionOverride) (EffectivePermissionMap, error) {
	if err := s.Authorize(ctx, actor, ModulePermissions, ActionWrite); err != nil {
		return nil, err
	}
	target, err := s.directory.GetUser(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target.Role == RoleSuperAdministrator {
		return nil, ErrSuperAdminTarget
	}

	normalized := make([]PermissionOverride, 0, len(overrides))
	seen := make(map[ModuleName]struct{}, len(overrides))
	for _, o := range overrides {
		if !o.Module.Known() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownModule, o.Module)
		}
		if _, dup := seen[o.Module]; dup {
			return nil, fmt.Errorf("%w: module %q listed twice", shared.ErrInvalidInput, o.Module)
		}
		if !o.Permission.Consistent() {
			return nil, fmt.Errorf("%w: module %q grants write, delete or approve without read", shared.ErrInvalidInput, o.Module)
		}
		seen[o.Module] = struct{}{}
		normalized = append(normalized, PermissionOverride{UserID: targetID, Module: o.Module, Permission: o.Permission})
	}

	if err := s.store.Upsert(ctx, targetID, normalized); err != nil {
		s.logger.Error("upsert overrides", slog.Int64("target_user_id", targetID), slog.Any("error", err))
		return nil, fmt.Errorf("%w: %v", shared.ErrCollaboratorUnavailable, err)
	}

	meta := make(map[string]any, len(normalized))
	for _, o := range normalized {
		meta[string(o.Module)] = o.Permission
	}
	s.record(ctx, actor.ID, "permissions.override", targetID, meta)
	s.signal(ctx, targetID, "overrides")
	return s.resolver.Resolve(ctx, target), nil
}

// ResetOverrides removes every override of targetID.
func (s *Service) ResetOverrides(ctx context.Context, actor User, targetID int64) error {
	if err := s.Authorize(ctx, actor, ModulePermissions, ActionDelete); err != nil {
		return err
	}
	if _, err := s.directory.GetUser(ctx, targetID); err != nil {
		return err
	}
	if err := s.store.Clear(ctx, targetID); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrCollaboratorUnavailable, err)
	}
	s.record(ctx, actor.ID, "permissions.reset", targetID, nil)
	s.signal(ctx, targetID, "overrides-reset")
	return nil
}

// RecordEditorCommit audits a debounced editor write. It is installed as the
// editors' CommitHook; the editor itself publishes the reload signal.
func (s *Service) RecordEditorCommit(actorID int64) CommitHook {
	return func(ctx context.Context, targetUserID int64, perms EffectivePermissionMap) {
		meta := make(map[string]any, len(perms))
		for module, p := range perms {
			meta[string(module)] = p
		}
		s.record(ctx, actorID, "permissions.edit", targetUserID, meta)
	}
}

// Policy returns the role default table.
func (s *Service) Policy() map[Role]EffectivePermissionMap {
	out := make(map[Role]EffectivePermissionMap, len(AllRoles))
	for _, role := range AllRoles {
		out[role] = s.resolver.Defaults(role)
	}
	return out
}

func (s *Service) record(ctx context.Context, actorID int64, action string, targetID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "user_permissions",
		EntityID: strconv.FormatInt(targetID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit permission change", slog.Any("error", err))
	}
}

func (s *Service) signal(ctx context.Context, userID int64, reason string) {
	if s.bus == nil {
		return
	}
	msg := pubsub.Message{Topic: pubsub.TopicPermissionsReload, UserID: userID, Reason: reason}
	if err := s.bus.Publish(ctx, msg); err != nil {
		s.logger.Warn("publish permissions reload", slog.Any("error", err))
	}
}
