// Package leave validates, authorizes and records leave requests.
package leave

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a leave request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	// StatusCompleted is set by the daily job once an approved leave has ended.
	StatusCompleted Status = "completed"
)

// ParseStatus validates a raw status filter.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusPending, StatusApproved, StatusRejected, StatusCancelled, StatusCompleted:
		return s, nil
	default:
		return "", fmt.Errorf("leave: unknown status %q", raw)
	}
}

// Request is a persisted leave request.
type Request struct {
	ID              uuid.UUID  `json:"id"`
	UserID          int64      `json:"user_id"`
	StartDate       time.Time  `json:"start_date"`
	EndDate         time.Time  `json:"end_date"`
	Status          Status     `json:"status"`
	IsUrgent        bool       `json:"is_urgent"`
	UrgencyReason   string     `json:"urgency_reason,omitempty"`
	ManagerID       *int64     `json:"manager_id,omitempty"`
	ApprovalReason  string     `json:"approval_reason,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	DecidedBy       *int64     `json:"decided_by,omitempty"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Input is a submission before validation. Missing dates are nil.
type Input struct {
	StartDate     *time.Time
	EndDate       *time.Time
	IsUrgent      bool
	UrgencyReason string
}

// Decision is an approver's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

var (
	// ErrInvalidState indicates the request is no longer pending.
	ErrInvalidState = errors.New("leave: request is not pending")
	// ErrNotRequester refuses a cancellation by anyone but the requester.
	ErrNotRequester = errors.New("leave: only the requester may cancel")
	// ErrNotVisible hides requests the actor may not see.
	ErrNotVisible = errors.New("leave: request not visible")
)

// RuleViolation lists every eligibility rule a submission failed.
type RuleViolation struct {
	Errors []string
}

func (e *RuleViolation) Error() string {
	return "leave: request not eligible: " + strings.Join(e.Errors, "; ")
}

// UnauthorizedApproverError is returned when the actor may not decide a request.
type UnauthorizedApproverError struct {
	ActorID   int64
	RequestID uuid.UUID
}

func (e *UnauthorizedApproverError) Error() string {
	return fmt.Sprintf("leave: user %d may not decide request %s", e.ActorID, e.RequestID)
}
