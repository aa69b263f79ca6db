package roles

import "github.com/odyssey-erp/governance/internal/rbac"

// CanChangeRole checks a role transition against the full user list. The
// target is always counted, even when missing from all.
func CanChangeRole(actorID int64, target rbac.User, newRole rbac.Role, all []rbac.User) (Decision, error) {
	superAdmins := 0
	targetSeen := false
	seen := make(map[int64]struct{}, len(all))
	for _, u := range all {
		if _, dup := seen[u.ID]; dup {
			continue
		}
		seen[u.ID] = struct{}{}
		if u.ID == target.ID {
			targetSeen = true
			if target.Role == rbac.RoleSuperAdministrator {
				superAdmins++
			}
			continue
		}
		if u.Role == rbac.RoleSuperAdministrator {
			superAdmins++
		}
	}
	if !targetSeen && target.Role == rbac.RoleSuperAdministrator {
		superAdmins++
	}
	return CanChangeRoleCounted(actorID, target, newRole, superAdmins)
}

// CanChangeRoleCounted is CanChangeRole for callers that already know how
// many super administrators exist, target included.
func CanChangeRoleCounted(actorID int64, target rbac.User, newRole rbac.Role, superAdmins int) (Decision, error) {
	if target.Role == rbac.RoleSuperAdministrator && newRole != rbac.RoleSuperAdministrator && superAdmins <= 1 {
		return Decision{}, &LastSuperAdminError{UserID: target.ID}
	}
	decision := Decision{Allowed: true}
	if IsProtected(target.Role) && !IsProtected(newRole) {
		decision.Advisories = append(decision.Advisories, AdvisoryRevokesManagement)
	}
	if actorID == target.ID {
		decision.Advisories = append(decision.Advisories, AdvisorySelfChange)
	}
	return decision, nil
}

// CanDeleteUser refuses deletion of protected role holders.
func CanDeleteUser(user rbac.User) (Decision, error) {
	if IsProtected(user.Role) {
		return Decision{}, &ProtectedRoleError{UserID: user.ID, Role: user.Role}
	}
	return Decision{Allowed: true}, nil
}

// Catalog lists every role in display order.
func Catalog() []CatalogEntry {
	entries := make([]CatalogEntry, 0, len(rbac.AllRoles))
	for _, role := range rbac.AllRoles {
		entries = append(entries, CatalogEntry{
			Role:        role,
			DisplayName: DisplayName(role),
			Protected:   IsProtected(role),
			Management:  role.IsManagement(),
			External:    role.IsExternal(),
		})
	}
	return entries
}
