package rbac

// Category groups modules that share default access rules.
type Category string

const (
	CategoryWorkspace  Category = "workspace"
	CategoryBusiness   Category = "business"
	CategoryManagement Category = "management"
)

// ModuleCategories assigns every module to exactly one category.
var ModuleCategories = map[ModuleName]Category{
	ModuleProjects:        CategoryWorkspace,
	ModuleKnowledgeBase:   CategoryWorkspace,
	ModuleCourses:         CategoryWorkspace,
	ModuleLeave:           CategoryWorkspace,
	ModuleCRM:             CategoryBusiness,
	ModuleFinance:         CategoryBusiness,
	ModuleHR:              CategoryBusiness,
	ModuleAnalytics:       CategoryManagement,
	ModuleTalentAnalytics: CategoryManagement,
	ModuleUserManagement:  CategoryManagement,
	ModulePermissions:     CategoryManagement,
	ModuleSettings:        CategoryManagement,
}

// ManagementRoles is the role set allowed into management modules.
var ManagementRoles = []Role{RoleManager, RoleAdministrator, RoleSuperAdministrator}

var managementRoles = func() map[Role]struct{} {
	set := make(map[Role]struct{}, len(ManagementRoles))
	for _, r := range ManagementRoles {
		set[r] = struct{}{}
	}
	return set
}()

// policyRule grants a permission to roles on a category or an explicit module
// list. Rules are applied in order; later rules overwrite earlier ones.
type policyRule struct {
	Roles      []Role
	Category   Category
	Modules    []ModuleName
	Permission ModulePermission
}

var policyRules = []policyRule{
	{Roles: ManagementRoles, Category: CategoryWorkspace, Permission: fullAccess},
	{Roles: ManagementRoles, Category: CategoryBusiness, Permission: fullAccess},
	{Roles: ManagementRoles, Category: CategoryManagement, Permission: fullAccess},
	{Roles: ManagementRoles, Modules: []ModuleName{ModuleAnalytics, ModuleTalentAnalytics}, Permission: readOnly},

	{Roles: []Role{RoleStudent, RoleIntern}, Category: CategoryWorkspace, Permission: readWrite},
	{Roles: []Role{RoleSupervisor}, Category: CategoryWorkspace, Permission: ModulePermission{CanRead: true, CanWrite: true, CanApprove: true}},
	{Roles: []Role{RoleSupervisor}, Modules: []ModuleName{ModuleCRM, ModuleHR}, Permission: readOnly},

	{Roles: []Role{RolePartner, RoleClient}, Modules: []ModuleName{ModuleProjects}, Permission: readOnly},
}

// PolicyTable is the immutable role to module default table.
type PolicyTable struct {
	defaults map[Role]EffectivePermissionMap
}

// DefaultPolicy is built once at startup from the declarative rules.
var DefaultPolicy = NewPolicyTable()

// NewPolicyTable compiles policyRules into a complete table.
func NewPolicyTable() *PolicyTable {
	defaults := make(map[Role]EffectivePermissionMap, len(AllRoles))
	for _, role := range AllRoles {
		defaults[role] = uniformMap(noAccess)
	}
	for _, rule := range policyRules {
		modules := rule.Modules
		if rule.Category != "" {
			modules = modulesIn(rule.Category)
		}
		for _, role := range rule.Roles {
			for _, module := range modules {
				defaults[role][module] = rule.Permission.Normalize()
			}
		}
	}
	defaults[RoleSuperAdministrator] = uniformMap(fullAccess)

	// Management modules stay closed to everyone outside the management set
	// regardless of what a rule above says.
	for role, perms := range defaults {
		if role.IsManagement() {
			continue
		}
		for _, module := range modulesIn(CategoryManagement) {
			perms[module] = noAccess
		}
	}
	return &PolicyTable{defaults: defaults}
}

// Defaults returns a fresh, complete copy of the role defaults. Unknown roles
// resolve to no access on every module.
func (t *PolicyTable) Defaults(role Role) EffectivePermissionMap {
	if t == nil {
		return uniformMap(noAccess)
	}
	perms, ok := t.defaults[role]
	if !ok {
		return uniformMap(noAccess)
	}
	return perms.Clone()
}

// Defaults is shorthand for DefaultPolicy.Defaults.
func Defaults(role Role) EffectivePermissionMap {
	return DefaultPolicy.Defaults(role)
}

func modulesIn(category Category) []ModuleName {
	var modules []ModuleName
	for _, module := range AllModules {
		if ModuleCategories[module] == category {
			modules = append(modules, module)
		}
	}
	return modules
}
