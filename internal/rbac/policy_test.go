package rbac

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultsAreCompleteForEveryRole(t *testing.T) {
	for _, role := range AllRoles {
		perms := Defaults(role)
		require.Len(t, perms, len(AllModules), "role %s", role)
		for _, module := range AllModules {
			_, ok := perms[module]
			require.True(t, ok, "role %s missing module %s", role, module)
		}
	}
}

func TestDefaultsHonourReadInvariant(t *testing.T) {
	for _, role := range AllRoles {
		for module, p := range Defaults(role) {
			if !p.CanRead {
				require.False(t, p.CanWrite || p.CanDelete || p.CanApprove, "role %s module %s", role, module)
			}
		}
	}
}

func TestManagementModulesClosedOutsideManagementRoles(t *testing.T) {
	for _, role := range []Role{RoleStudent, RoleIntern, RoleSupervisor, RolePartner, RoleClient} {
		perms := Defaults(role)
		for _, module := range modulesIn(CategoryManagement) {
			require.Equal(t, ModulePermission{}, perms[module], "role %s module %s", role, module)
		}
	}
}

func TestManagementRolesAnalyticsReadOnly(t *testing.T) {
	for _, role := range []Role{RoleManager, RoleAdministrator} {
		perms := Defaults(role)
		require.Equal(t, readOnly, perms[ModuleAnalytics])
		require.Equal(t, readOnly, perms[ModuleTalentAnalytics])
		require.Equal(t, fullAccess, perms[ModuleUserManagement])
		require.Equal(t, fullAccess, perms[ModulePermissions])
		require.Equal(t, fullAccess, perms[ModuleSettings])
	}
}

func TestSuperAdministratorFullAccessEverywhere(t *testing.T) {
	for module, p := range Defaults(RoleSuperAdministrator) {
		require.Equal(t, fullAccess, p, "module %s", module)
	}
}

func TestUnknownRoleHasNoAccess(t *testing.T) {
	perms := Defaults(Role("janitor"))
	require.Len(t, perms, len(AllModules))
	for _, p := range perms {
		require.Equal(t, ModulePermission{}, p)
	}
}

func TestDefaultsReturnsIndependentCopies(t *testing.T) {
	first := Defaults(RoleStudent)
	first[ModuleProjects] = fullAccess
	require.Equal(t, readWrite, Defaults(RoleStudent)[ModuleProjects])
}

func TestExternalRolesSeeProjectsOnly(t *testing.T) {
	perms := Defaults(RoleClient)
	require.Equal(t, readOnly, perms[ModuleProjects])
	require.Equal(t, ModulePermission{}, perms[ModuleFinance])
	require.Equal(t, ModulePermission{}, perms[ModuleLeave])
}

func TestModulePermissionWithCascades(t *testing.T) {
	p := ModulePermission{}.With(ActionApprove, true)
	require.Equal(t, ModulePermission{CanRead: true, CanApprove: true}, p)

	p = fullAccess.With(ActionRead, false)
	require.Equal(t, ModulePermission{}, p)

	p = fullAccess.With(ActionDelete, false)
	require.Equal(t, ModulePermission{CanRead: true, CanWrite: true, CanApprove: true}, p)
}

func TestNormalizeNeverWidensAccess(t *testing.T) {
	cases := []struct {
		in         ModulePermission
		want       ModulePermission
		consistent bool
	}{
		{ModulePermission{CanWrite: true}, ModulePermission{}, false},
		{ModulePermission{CanDelete: true, CanApprove: true}, ModulePermission{}, false},
		{readWrite, readWrite, true},
		{ModulePermission{}, ModulePermission{}, true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.consistent, tc.in.Consistent(), "%+v", tc.in)
		require.Equal(t, tc.want, tc.in.Normalize(), "%+v", tc.in)
	}
	require.False(t, ModulePermission{CanWrite: true}.Allows(ActionWrite))
}

func TestParseHelpersRejectUnknownNames(t *testing.T) {
	_, err := ParseModule("payroll")
	require.ErrorIs(t, err, ErrUnknownModule)
	_, err = ParseAction("export")
	require.ErrorIs(t, err, ErrUnknownAction)
	_, err = ParseRole("owner")
	require.ErrorIs(t, err, ErrUnknownRole)

	module, err := ParseModule(" Knowledge_Base ")
	require.NoError(t, err)
	require.Equal(t, ModuleKnowledgeBase, module)
}

func TestEffectivePermissionMapMissingModuleDenies(t *testing.T) {
	var nilMap EffectivePermissionMap
	require.False(t, nilMap.Allows(ModuleProjects, ActionRead))
	require.False(t, EffectivePermissionMap{}.Allows(ModuleName("new_module"), ActionRead))
	require.False(t, uniformMap(fullAccess).Allows(ModuleProjects, Action("export")))
}
