package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/odyssey-erp/governance/internal/platform/pubsub"
	"github.com/odyssey-erp/governance/internal/rbac"
	"github.com/odyssey-erp/governance/internal/roles"
	"github.com/odyssey-erp/governance/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	Reader
	ListUsers(ctx context.Context, filters ListFilters) ([]User, int, error)
	CountByRole(ctx context.Context, role rbac.Role) (int, error)
	ChangeRole(ctx context.Context, id int64, role rbac.Role) (User, error)
	SetActive(ctx context.Context, id int64, active bool) (User, error)
	DeleteUser(ctx context.Context, id int64) error
}

// Authorizer checks an actor's permission afresh.
type Authorizer interface {
	Authorize(ctx context.Context, actor rbac.User, module rbac.ModuleName, action rbac.Action) error
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig wires the user service.
type ServiceConfig struct {
	Repo   RepositoryPort
	Authz  Authorizer
	Bus    pubsub.Bus
	Audit  AuditRecorder
	Logger *slog.Logger
}

// Service handles user business logic.
type Service struct {
	repo   RepositoryPort
	authz  Authorizer
	bus    pubsub.Bus
	audit  AuditRecorder
	logger *slog.Logger
}

// NewService builds Service instance.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: cfg.Repo, authz: cfg.Authz, bus: cfg.Bus, audit: cfg.Audit, logger: logger}
}

// ListUsers returns one page of users.
func (s *Service) ListUsers(ctx context.Context, actor rbac.User, filters ListFilters) ([]User, shared.Pagination, error) {
	if err := s.authz.Authorize(ctx, actor, rbac.ModuleUserManagement, rbac.ActionRead); err != nil {
		return nil, shared.Pagination{}, err
	}
	users, total, err := s.repo.ListUsers(ctx, filters)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return users, shared.NewPagination(filters.Page, filters.PerPage, total), nil
}

// GetUser returns one user.
func (s *Service) GetUser(ctx context.Context, actor rbac.User, id int64) (User, error) {
	if err := s.authz.Authorize(ctx, actor, rbac.ModuleUserManagement, rbac.ActionRead); err != nil {
		return User{}, err
	}
	return s.repo.GetUser(ctx, id)
}

// ChangeRole moves targetID to newRole. Guard violations are returned before
// anything is written; advisories block until the caller passes confirmed.
func (s *Service) ChangeRole(ctx context.Context, actor rbac.User, targetID int64, newRole rbac.Role, confirmed bool) (User, roles.Decision, error) {
	if err := s.authz.Authorize(ctx, actor, rbac.ModuleUserManagement, rbac.ActionWrite); err != nil {
		return User{}, roles.Decision{}, err
	}
	target, err := s.repo.GetUser(ctx, targetID)
	if err != nil {
		return User{}, roles.Decision{}, err
	}
	if target.Role == newRole {
		return target, roles.Decision{Allowed: true}, nil
	}
	superAdmins, err := s.repo.CountByRole(ctx, rbac.RoleSuperAdministrator)
	if err != nil {
		return User{}, roles.Decision{}, fmt.Errorf("%w: %v", shared.ErrCollaboratorUnavailable, err)
	}

	decision, err := roles.CanChangeRoleCounted(actor.ID, target.Principal(), newRole, superAdmins)
	if err != nil {
		s.refused(ctx, actor.ID, targetID, "users.role_change_refused", err)
		return User{}, decision, err
	}
	if decision.NeedsConfirmation() && !confirmed {
		return User{}, decision, &ConfirmationRequiredError{Decision: decision}
	}

	updated, err := s.repo.ChangeRole(ctx, targetID, newRole)
	if err != nil {
		var lastErr *roles.LastSuperAdminError
		if errors.As(err, &lastErr) {
			s.refused(ctx, actor.ID, targetID, "users.role_change_refused", err)
		}
		return User{}, decision, err
	}
	s.record(ctx, actor.ID, "users.role_changed", targetID, map[string]any{
		"from":       target.Role,
		"to":         newRole,
		"advisories": decision.Advisories,
	})
	s.publish(ctx, updated, "role")
	return updated, decision, nil
}

// SetActive enables or disables targetID.
func (s *Service) SetActive(ctx context.Context, actor rbac.User, targetID int64, active bool) (User, error) {
	if err := s.authz.Authorize(ctx, actor, rbac.ModuleUserManagement, rbac.ActionWrite); err != nil {
		return User{}, err
	}
	if !active && actor.ID == targetID {
		return User{}, ErrSelfDeactivation
	}
	updated, err := s.repo.SetActive(ctx, targetID, active)
	if err != nil {
		return User{}, err
	}
	s.record(ctx, actor.ID, "users.active_changed", targetID, map[string]any{"active": active})
	s.publish(ctx, updated, "active")
	return updated, nil
}

// DeleteUser removes targetID. Protected role holders are never deleted.
func (s *Service) DeleteUser(ctx context.Context, actor rbac.User, targetID int64) error {
	if err := s.authz.Authorize(ctx, actor, rbac.ModuleUserManagement, rbac.ActionDelete); err != nil {
		return err
	}
	target, err := s.repo.GetUser(ctx, targetID)
	if err != nil {
		return err
	}
	if _, err := roles.CanDeleteUser(target.Principal()); err != nil {
		s.refused(ctx, actor.ID, targetID, "users.delete_refused", err)
		return err
	}
	if err := s.repo.DeleteUser(ctx, targetID); err != nil {
		return err
	}
	s.record(ctx, actor.ID, "users.deleted", targetID, map[string]any{"role": target.Role})
	s.publish(ctx, target, "deleted")
	return nil
}

func (s *Service) refused(ctx context.Context, actorID, targetID int64, action string, cause error) {
	s.logger.Warn("protected role change refused",
		slog.String("event", "security"),
		slog.Int64("actor_id", actorID),
		slog.Int64("target_user_id", targetID),
		slog.Any("error", cause),
	)
	s.record(ctx, actorID, action, targetID, map[string]any{"reason": cause.Error()})
}

func (s *Service) record(ctx context.Context, actorID int64, action string, targetID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "users",
		EntityID: strconv.FormatInt(targetID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit user change", slog.Any("error", err))
	}
}

func (s *Service) publish(ctx context.Context, u User, reason string) {
	if s.bus == nil {
		return
	}
	msgs := []pubsub.Message{
		{Topic: pubsub.TopicProfileChanged, UserID: u.ID, ProfileID: u.ProfileID, Reason: reason},
		{Topic: pubsub.TopicPermissionsReload, UserID: u.ID, Reason: reason},
	}
	for _, msg := range msgs {
		if err := s.bus.Publish(ctx, msg); err != nil {
			s.logger.Warn("publish user change", slog.String("topic", string(msg.Topic)), slog.Any("error", err))
		}
	}
}
