package users

import (
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/governance/internal/rbac"
	"github.com/odyssey-erp/governance/internal/roles"
)

// User represents a user account for management.
type User struct {
	ID               int64     `json:"id"`
	Email            string    `json:"email"`
	Name             string    `json:"name"`
	Role             rbac.Role `json:"role"`
	IsActive         bool      `json:"is_active"`
	ProfileID        int64     `json:"profile_id"`
	ManagerProfileID *int64    `json:"manager_profile_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Principal is the view used by permission resolution.
func (u User) Principal() rbac.User {
	return rbac.User{ID: u.ID, Role: u.Role, IsActive: u.IsActive, ProfileID: u.ProfileID}
}

// ListFilters narrows ListUsers.
type ListFilters struct {
	Role    rbac.Role
	Active  *bool
	Page    int
	PerPage int
}

// ErrConfirmationRequired is matched by ConfirmationRequiredError.
var ErrConfirmationRequired = errors.New("users: role change requires confirmation")

// ErrSelfDeactivation refuses an operator disabling their own account.
var ErrSelfDeactivation = errors.New("users: cannot deactivate your own account")

// ConfirmationRequiredError carries the advisories the operator must accept.
type ConfirmationRequiredError struct {
	Decision roles.Decision
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("%s: %v", ErrConfirmationRequired, e.Decision.Advisories)
}

// Is matches ErrConfirmationRequired.
func (e *ConfirmationRequiredError) Is(target error) bool {
	return target == ErrConfirmationRequired
}
