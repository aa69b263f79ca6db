package leave

import (
	"context"
	"log/slog"
	"time"

	"github.com/odyssey-erp/governance/internal/rbac"
	"github.com/odyssey-erp/governance/internal/shared"
)

// CanDecide reports whether actor may approve or reject req: administrators
// always may, otherwise only the manager assigned at submission. Requesters
// never decide their own request through the manager path.
func CanDecide(actor rbac.User, req Request) bool {
	if !actor.IsActive {
		return false
	}
	if actor.Role == rbac.RoleAdministrator || actor.Role == rbac.RoleSuperAdministrator {
		return true
	}
	if actor.ID == req.UserID {
		return false
	}
	return req.ManagerID != nil && actor.ProfileID != 0 && *req.ManagerID == actor.ProfileID
}

// ApprovalRecorder persists workflow transitions.
type ApprovalRecorder interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// Authorizer enforces CanDecide and reports refusals as security events.
type Authorizer struct {
	approvals ApprovalRecorder
	logger    *slog.Logger
}

// NewAuthorizer constructs an Authorizer.
func NewAuthorizer(approvals ApprovalRecorder, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{approvals: approvals, logger: logger}
}

// Authorize returns *UnauthorizedApproverError when actor may not decide req.
func (a *Authorizer) Authorize(ctx context.Context, actor rbac.User, req Request, decision Decision) error {
	if CanDecide(actor, req) {
		return nil
	}
	a.logger.Warn("unauthorized leave decision attempt",
		slog.String("event", "security"),
		slog.Int64("actor_id", actor.ID),
		slog.String("actor_role", string(actor.Role)),
		slog.String("request_id", req.ID.String()),
		slog.String("decision", string(decision)),
	)
	if a.approvals != nil {
		err := a.approvals.Record(ctx, shared.ApprovalLog{
			Module:  approvalModule,
			RefID:   req.ID,
			ActorID: actor.ID,
			Action:  shared.ApprovalDenied,
			Note:    string(decision),
		})
		if err != nil {
			a.logger.Warn("record denied decision", slog.Any("error", err))
		}
	}
	return &UnauthorizedApproverError{ActorID: actor.ID, RequestID: req.ID}
}

// ApplyDecision returns req with the decision applied. Approval and rejection
// reasons are mutually exclusive: setting one clears the other.
func ApplyDecision(req Request, decision Decision, reason string, actorID int64, at time.Time) Request {
	switch decision {
	case DecisionApprove:
		req.Status = StatusApproved
		req.ApprovalReason = reason
		req.RejectionReason = ""
	case DecisionReject:
		req.Status = StatusRejected
		req.RejectionReason = reason
		req.ApprovalReason = ""
	}
	req.DecidedBy = &actorID
	decidedAt := at.UTC()
	req.DecidedAt = &decidedAt
	req.UpdatedAt = decidedAt
	return req
}
