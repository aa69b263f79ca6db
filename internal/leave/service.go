package leave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/governance/internal/rbac"
	"github.com/odyssey-erp/governance/internal/shared"
)

const approvalModule = "leave"

// Store persists leave requests.
type Store interface {
	LeaveHistory
	Create(ctx context.Context, req Request) error
	Get(ctx context.Context, id uuid.UUID) (Request, error)
	List(ctx context.Context, filter ListFilter) ([]Request, int, error)
	Transition(ctx context.Context, req Request, from Status) (Request, error)
}

// ManagerLookup resolves the manager profile a requester reports to; 0 means none.
type ManagerLookup interface {
	ManagerProfileID(ctx context.Context, userID int64) (int64, error)
}

// PermissionChecker checks an actor's module permission afresh.
type PermissionChecker interface {
	Authorize(ctx context.Context, actor rbac.User, module rbac.ModuleName, action rbac.Action) error
}

// Notifier announces decisions to the requester.
type Notifier interface {
	NotifyDecision(ctx context.Context, req Request) error
}

// KeyStore reserves idempotency keys.
type KeyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// DecisionObserver records workflow outcomes.
type DecisionObserver interface {
	ObserveLeaveOutcome(outcome string)
}

// Scope selects which requests List returns.
type Scope string

const (
	ScopeMine Scope = "mine"
	ScopeTeam Scope = "team"
	ScopeAll  Scope = "all"
)

// ListFilter narrows repository listings.
type ListFilter struct {
	UserID    *int64
	ManagerID *int64
	Status    Status
	Page      int
	PerPage   int
}

// SubmitInput is a new request as received from the requester.
type SubmitInput struct {
	Input
	IdempotencyKey string
}

// ServiceConfig wires the leave Service.
type ServiceConfig struct {
	Store       Store
	Managers    ManagerLookup
	Permissions PermissionChecker
	Validator   *Validator
	Authorizer  *Authorizer
	Approvals   ApprovalRecorder
	Notifier    Notifier
	Keys        KeyStore
	Observer    DecisionObserver
	Logger      *slog.Logger
}

// Service orchestrates the leave workflow.
type Service struct {
	store       Store
	managers    ManagerLookup
	permissions PermissionChecker
	validator   *Validator
	authorizer  *Authorizer
	approvals   ApprovalRecorder
	notifier    Notifier
	keys        KeyStore
	observer    DecisionObserver
	logger      *slog.Logger
	now         func() time.Time
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	validator := cfg.Validator
	if validator == nil {
		validator = NewValidator(cfg.Store, time.UTC, 0, logger)
	}
	authorizer := cfg.Authorizer
	if authorizer == nil {
		authorizer = NewAuthorizer(cfg.Approvals, logger)
	}
	return &Service{
		store:       cfg.Store,
		managers:    cfg.Managers,
		permissions: cfg.Permissions,
		validator:   validator,
		authorizer:  authorizer,
		approvals:   cfg.Approvals,
		notifier:    cfg.Notifier,
		keys:        cfg.Keys,
		observer:    cfg.Observer,
		logger:      logger,
		now:         time.Now,
	}
}

// Submit validates and stores a new pending request for actor. Invalid
// submissions return *RuleViolation and persist nothing.
func (s *Service) Submit(ctx context.Context, actor rbac.User, in SubmitInput) (Request, error) {
	if err := s.permissions.Authorize(ctx, actor, rbac.ModuleLeave, rbac.ActionWrite); err != nil {
		return Request{}, err
	}
	result := s.validator.Validate(ctx, in.Input, actor.ID)
	if !result.Valid {
		s.observe("rejected_rules")
		return Request{}, &RuleViolation{Errors: result.Errors}
	}

	if in.IdempotencyKey != "" && s.keys != nil {
		if err := s.keys.CheckAndInsert(ctx, in.IdempotencyKey, approvalModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return Request{}, err
			}
			return Request{}, fmt.Errorf("%w: %v", shared.ErrCollaboratorUnavailable, err)
		}
	}
	req, err := s.create(ctx, actor, in.Input)
	if err != nil && in.IdempotencyKey != "" && s.keys != nil {
		if delErr := s.keys.Delete(context.WithoutCancel(ctx), in.IdempotencyKey); delErr != nil {
			s.logger.Warn("release idempotency key", slog.Any("error", delErr))
		}
	}
	return req, err
}

func (s *Service) create(ctx context.Context, actor rbac.User, in Input) (Request, error) {
	req := Request{
		ID:            uuid.New(),
		UserID:        actor.ID,
		StartDate:     midnight(*in.StartDate),
		EndDate:       midnight(*in.EndDate),
		Status:        StatusPending,
		IsUrgent:      in.IsUrgent,
		UrgencyReason: strings.TrimSpace(in.UrgencyReason),
		CreatedAt:     s.now().UTC(),
	}
	req.UpdatedAt = req.CreatedAt
	if s.managers != nil {
		managerID, err := s.managers.ManagerProfileID(ctx, actor.ID)
		if err != nil {
			return Request{}, fmt.Errorf("%w: manager lookup: %v", shared.ErrCollaboratorUnavailable, err)
		}
		if managerID != 0 {
			req.ManagerID = &managerID
		}
	}
	if err := s.store.Create(ctx, req); err != nil {
		s.logger.Error("store leave request", slog.Int64("user_id", actor.ID), slog.Any("error", err))
		return Request{}, fmt.Errorf("%w: %v", shared.ErrCollaboratorUnavailable, err)
	}
	s.recordApproval(ctx, req.ID, actor.ID, shared.ApprovalSubmit, "")
	s.observe("submitted")
	return req, nil
}

// Decide approves or rejects a pending request. The persistence layer only
// applies the transition while the request is still pending, so concurrent
// approvers cannot both succeed.
func (s *Service) Decide(ctx context.Context, actor rbac.User, id uuid.UUID, decision Decision, reason string) (Request, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return Request{}, fmt.Errorf("%w: unknown decision %q", shared.ErrInvalidInput, decision)
	}
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if err := s.authorizer.Authorize(ctx, actor, req, decision); err != nil {
		s.observe("denied")
		return Request{}, err
	}
	if req.Status != StatusPending {
		return Request{}, ErrInvalidState
	}

	next := ApplyDecision(req, decision, strings.TrimSpace(reason), actor.ID, s.now())
	updated, err := s.store.Transition(ctx, next, StatusPending)
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			return Request{}, err
		}
		return Request{}, fmt.Errorf("%w: %v", shared.ErrCollaboratorUnavailable, err)
	}

	action := shared.ApprovalApprove
	if decision == DecisionReject {
		action = shared.ApprovalReject
	}
	s.recordApproval(ctx, updated.ID, actor.ID, action, reason)
	s.observe(string(updated.Status))
	if s.notifier != nil {
		if err := s.notifier.NotifyDecision(context.WithoutCancel(ctx), updated); err != nil {
			s.logger.Warn("enqueue leave decision notification", slog.String("request_id", updated.ID.String()), slog.Any("error", err))
		}
	}
	return updated, nil
}

// Cancel withdraws a pending request on behalf of its requester.
func (s *Service) Cancel(ctx context.Context, actor rbac.User, id uuid.UUID) (Request, error) {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if req.UserID != actor.ID {
		return Request{}, ErrNotRequester
	}
	if req.Status != StatusPending {
		return Request{}, ErrInvalidState
	}
	req.Status = StatusCancelled
	updated, err := s.store.Transition(ctx, req, StatusPending)
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			return Request{}, err
		}
		return Request{}, fmt.Errorf("%w: %v", shared.ErrCollaboratorUnavailable, err)
	}
	s.recordApproval(ctx, updated.ID, actor.ID, shared.ApprovalCancel, "")
	s.observe("cancelled")
	return updated, nil
}

// Get returns a request visible to actor.
func (s *Service) Get(ctx context.Context, actor rbac.User, id uuid.UUID) (Request, error) {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if req.UserID != actor.ID && !CanDecide(actor, req) {
		return Request{}, ErrNotVisible
	}
	return req, nil
}

// List returns requests in scope for actor.
func (s *Service) List(ctx context.Context, actor rbac.User, scope Scope, status Status, page, perPage int) ([]Request, shared.Pagination, error) {
	filter := ListFilter{Status: status, Page: page, PerPage: perPage}
	switch scope {
	case ScopeMine, "":
		filter.UserID = &actor.ID
	case ScopeTeam:
		if actor.ProfileID == 0 {
			return nil, shared.NewPagination(page, perPage, 0), nil
		}
		filter.ManagerID = &actor.ProfileID
	case ScopeAll:
		if actor.Role != rbac.RoleAdministrator && actor.Role != rbac.RoleSuperAdministrator {
			return nil, shared.Pagination{}, fmt.Errorf("%w: listing all leave requests", rbac.ErrForbidden)
		}
	default:
		return nil, shared.Pagination{}, fmt.Errorf("%w: unknown scope %q", shared.ErrInvalidInput, scope)
	}
	requests, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return requests, shared.NewPagination(page, perPage, total), nil
}

// Evaluate previews eligibility without submitting.
func (s *Service) Evaluate(ctx context.Context, actor rbac.User, in Input) Result {
	return s.validator.Validate(ctx, in, actor.ID)
}

func (s *Service) recordApproval(ctx context.Context, ref uuid.UUID, actorID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	err := s.approvals.Record(ctx, shared.ApprovalLog{Module: approvalModule, RefID: ref, ActorID: actorID, Action: action, Note: note})
	if err != nil {
		s.logger.Warn("record leave approval log", slog.String("action", string(action)), slog.Any("error", err))
	}
}

func (s *Service) observe(outcome string) {
	if s.observer != nil {
		s.observer.ObserveLeaveOutcome(outcome)
	}
}
