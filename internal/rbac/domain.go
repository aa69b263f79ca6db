package rbac

import (
	"fmt"
	"strings"
)

// Role is the single organisational role held by a user.
type Role string

const (
	RoleStudent            Role = "student"
	RoleIntern             Role = "intern"
	RoleSupervisor         Role = "supervisor"
	RoleManager            Role = "manager"
	RoleAdministrator      Role = "administrator"
	RoleSuperAdministrator Role = "super_administrator"
	RolePartner            Role = "partner"
	RoleClient             Role = "client"
)

// AllRoles lists every role in display order.
var AllRoles = []Role{
	RoleStudent,
	RoleIntern,
	RoleSupervisor,
	RoleManager,
	RoleAdministrator,
	RoleSuperAdministrator,
	RolePartner,
	RoleClient,
}

// ParseRole validates a raw role name.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.TrimSpace(strings.ToLower(raw)))
	for _, r := range AllRoles {
		if r == role {
			return role, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
}

// IsManagement reports whether the role belongs to the management set.
func (r Role) IsManagement() bool {
	_, ok := managementRoles[r]
	return ok
}

// IsExternal reports whether the role represents an outside party.
func (r Role) IsExternal() bool {
	return r == RolePartner || r == RoleClient
}

// ModuleName identifies a functional area of the platform.
type ModuleName string

const (
	ModuleProjects        ModuleName = "projects"
	ModuleKnowledgeBase   ModuleName = "knowledge_base"
	ModuleCourses         ModuleName = "courses"
	ModuleLeave           ModuleName = "leave"
	ModuleCRM             ModuleName = "crm"
	ModuleFinance         ModuleName = "finance"
	ModuleHR              ModuleName = "hr"
	ModuleAnalytics       ModuleName = "analytics"
	ModuleTalentAnalytics ModuleName = "talent_analytics"
	ModuleUserManagement  ModuleName = "user_management"
	ModulePermissions     ModuleName = "permissions"
	ModuleSettings        ModuleName = "settings"
)

// AllModules lists the closed set of modules known to the engine.
var AllModules = []ModuleName{
	ModuleProjects,
	ModuleKnowledgeBase,
	ModuleCourses,
	ModuleLeave,
	ModuleCRM,
	ModuleFinance,
	ModuleHR,
	ModuleAnalytics,
	ModuleTalentAnalytics,
	ModuleUserManagement,
	ModulePermissions,
	ModuleSettings,
}

// ParseModule validates a raw module name.
func ParseModule(raw string) (ModuleName, error) {
	module := ModuleName(strings.TrimSpace(strings.ToLower(raw)))
	if !module.Known() {
		return "", fmt.Errorf("%w: %q", ErrUnknownModule, raw)
	}
	return module, nil
}

// Known reports whether the module is part of the closed set.
func (m ModuleName) Known() bool {
	for _, known := range AllModules {
		if known == m {
			return true
		}
	}
	return false
}

// Action is one of the four capabilities granted per module.
type Action string

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
)

// ParseAction validates a raw action name.
func ParseAction(raw string) (Action, error) {
	switch a := Action(strings.TrimSpace(strings.ToLower(raw))); a {
	case ActionRead, ActionWrite, ActionDelete, ActionApprove:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
	}
}

// ModulePermission is the capability set for one module.
// A permission without read never carries any other capability.
type ModulePermission struct {
	CanRead    bool `json:"can_read"`
	CanWrite   bool `json:"can_write"`
	CanDelete  bool `json:"can_delete"`
	CanApprove bool `json:"can_approve"`
}

var (
	noAccess   = ModulePermission{}
	readOnly   = ModulePermission{CanRead: true}
	readWrite  = ModulePermission{CanRead: true, CanWrite: true}
	fullAccess = ModulePermission{CanRead: true, CanWrite: true, CanDelete: true, CanApprove: true}
)

// Consistent reports whether the read invariant holds: write, delete and
// approve are only granted together with read.
func (p ModulePermission) Consistent() bool {
	return p.CanRead || !(p.CanWrite || p.CanDelete || p.CanApprove)
}

// Normalize enforces the read invariant by narrowing: without read nothing
// else is granted.
func (p ModulePermission) Normalize() ModulePermission {
	if !p.CanRead {
		return noAccess
	}
	return p
}

// With returns a copy with a single action toggled, applying the cascade
// rules: enabling write/delete/approve enables read, disabling read clears all.
func (p ModulePermission) With(action Action, value bool) ModulePermission {
	switch action {
	case ActionRead:
		if !value {
			return noAccess
		}
		p.CanRead = true
	case ActionWrite:
		p.CanWrite = value
	case ActionDelete:
		p.CanDelete = value
	case ActionApprove:
		p.CanApprove = value
	}
	if value {
		p.CanRead = true
	}
	return p
}

// Allows reports whether the action is granted.
func (p ModulePermission) Allows(action Action) bool {
	switch action {
	case ActionRead:
		return p.CanRead
	case ActionWrite:
		return p.CanRead && p.CanWrite
	case ActionDelete:
		return p.CanRead && p.CanDelete
	case ActionApprove:
		return p.CanRead && p.CanApprove
	default:
		return false
	}
}

// EffectivePermissionMap holds the resolved permission for every known module.
type EffectivePermissionMap map[ModuleName]ModulePermission

// Get returns the permission for module, or no access when missing.
func (m EffectivePermissionMap) Get(module ModuleName) ModulePermission {
	if m == nil {
		return noAccess
	}
	return m[module]
}

// Allows reports whether action is granted on module.
func (m EffectivePermissionMap) Allows(module ModuleName, action Action) bool {
	return m.Get(module).Allows(action)
}

// Clone returns an independent copy.
func (m EffectivePermissionMap) Clone() EffectivePermissionMap {
	out := make(EffectivePermissionMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func uniformMap(p ModulePermission) EffectivePermissionMap {
	out := make(EffectivePermissionMap, len(AllModules))
	for _, module := range AllModules {
		out[module] = p
	}
	return out
}

// PermissionOverride replaces the role default for one user and one module.
type PermissionOverride struct {
	UserID     int64            `json:"user_id"`
	Module     ModuleName       `json:"module"`
	Permission ModulePermission `json:"permission"`
}

// User is the minimal view of an account needed for resolution.
type User struct {
	ID        int64
	Role      Role
	IsActive  bool
	ProfileID int64
}
