package roles

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/odyssey-erp/governance/internal/rbac"
)

// ProtectedRoles can never be deleted, only reassigned.
var ProtectedRoles = []rbac.Role{rbac.RoleSuperAdministrator, rbac.RoleAdministrator, rbac.RoleManager}

// IsProtected reports whether role belongs to the protected set.
func IsProtected(role rbac.Role) bool {
	for _, p := range ProtectedRoles {
		if p == role {
			return true
		}
	}
	return false
}

// Advisory is a non-blocking condition the operator must confirm before a
// role change is committed.
type Advisory string

const (
	// AdvisoryRevokesManagement marks a move out of the protected set, which
	// revokes management panel access.
	AdvisoryRevokesManagement Advisory = "revokes_management_access"
	// AdvisorySelfChange marks an operator changing their own role.
	AdvisorySelfChange Advisory = "self_change"
)

// Decision is the outcome of a guard check.
type Decision struct {
	Allowed    bool       `json:"allowed"`
	Advisories []Advisory `json:"advisories,omitempty"`
}

// NeedsConfirmation reports whether the caller must confirm before commit.
func (d Decision) NeedsConfirmation() bool {
	return len(d.Advisories) > 0
}

// LastSuperAdminError refuses a change that would leave no super administrator.
type LastSuperAdminError struct {
	UserID int64
}

func (e *LastSuperAdminError) Error() string {
	return fmt.Sprintf("roles: user %d is the last super administrator", e.UserID)
}

// ProtectedRoleError refuses deletion of a user holding a protected role.
type ProtectedRoleError struct {
	UserID int64
	Role   rbac.Role
}

func (e *ProtectedRoleError) Error() string {
	return fmt.Sprintf("roles: user %d holds protected role %s and cannot be deleted", e.UserID, e.Role)
}

// CatalogEntry describes a role for display.
type CatalogEntry struct {
	Role        rbac.Role `json:"role"`
	DisplayName string    `json:"display_name"`
	Protected   bool      `json:"protected"`
	Management  bool      `json:"management"`
	External    bool      `json:"external"`
}

// DisplayName renders a role identifier as a title, e.g. "Super Administrator".
func DisplayName(role rbac.Role) string {
	return cases.Title(language.English).String(strings.ReplaceAll(string(role), "_", " "))
}
