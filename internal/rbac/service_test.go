package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/governance/internal/platform/pubsub"
	"github.com/odyssey-erp/governance/internal/shared"
)

type memoryAudit struct {
	mu      sync.Mutex
	entries []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, log)
	return nil
}

type serviceFixture struct {
	service *Service
	store   *memoryStore
	dir     *memoryDirectory
	bus     *pubsub.LocalBus
	audit   *memoryAudit
	signals chan pubsub.Message
}

var (
	adminUser   = User{ID: 1, Role: RoleAdministrator, IsActive: true}
	studentUser = User{ID: 2, Role: RoleStudent, IsActive: true}
	rootUser    = User{ID: 3, Role: RoleSuperAdministrator, IsActive: true}
)

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	store := newMemoryStore()
	dir := newMemoryDirectory(adminUser, studentUser, rootUser)
	bus := pubsub.NewLocalBus(nil)
	audit := &memoryAudit{}
	signals := make(chan pubsub.Message, 16)
	unsub := bus.Subscribe(pubsub.TopicPermissionsReload, func(_ context.Context, msg pubsub.Message) { signals <- msg })
	t.Cleanup(unsub)
	svc := NewService(ServiceConfig{
		Store:     store,
		Resolver:  newTestResolver(store, nil),
		Directory: dir,
		Bus:       bus,
		Audit:     audit,
	})
	return serviceFixture{service: svc, store: store, dir: dir, bus: bus, audit: audit, signals: signals}
}

func TestSetOverridesPersistsAndSignals(t *testing.T) {
	f := newServiceFixture(t)

	perms, err := f.service.SetOverrides(context.Background(), adminUser, studentUser.ID, []PermissionOverride{
		{Module: ModuleFinance, Permission: readWrite},
	})
	require.NoError(t, err)
	require.Equal(t, readWrite, perms[ModuleFinance])

	select {
	case msg := <-f.signals:
		require.Equal(t, studentUser.ID, msg.UserID)
	case <-time.After(time.Second):
		t.Fatal("expected permissions reload signal")
	}
	require.Len(t, f.audit.entries, 1)
	require.Equal(t, "permissions.override", f.audit.entries[0].Action)
}

func TestSetOverridesRequiresPermissionsWrite(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.SetOverrides(context.Background(), studentUser, adminUser.ID, []PermissionOverride{
		{Module: ModuleProjects, Permission: fullAccess},
	})
	require.ErrorIs(t, err, ErrForbidden)
	require.Zero(t, f.store.upsertCount())
	require.Empty(t, f.signals)
}

func TestSetOverridesRefusesSuperAdministratorTarget(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.SetOverrides(context.Background(), adminUser, rootUser.ID, []PermissionOverride{
		{Module: ModuleSettings, Permission: ModulePermission{}},
	})
	require.ErrorIs(t, err, ErrSuperAdminTarget)
}

func TestSetOverridesValidatesModules(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.SetOverrides(context.Background(), adminUser, studentUser.ID, []PermissionOverride{
		{Module: ModuleName("payroll"), Permission: readOnly},
	})
	require.ErrorIs(t, err, ErrUnknownModule)

	_, err = f.service.SetOverrides(context.Background(), adminUser, studentUser.ID, []PermissionOverride{
		{Module: ModuleHR, Permission: readOnly},
		{Module: ModuleHR, Permission: fullAccess},
	})
	require.ErrorIs(t, err, shared.ErrInvalidInput)
	require.Zero(t, f.store.upsertCount())
}

func TestSetOverridesRejectsGrantsWithoutRead(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.SetOverrides(context.Background(), adminUser, studentUser.ID, []PermissionOverride{
		{Module: ModuleFinance, Permission: ModulePermission{CanWrite: true}},
	})
	require.ErrorIs(t, err, shared.ErrInvalidInput)
	require.Zero(t, f.store.upsertCount())
	require.Empty(t, f.signals)

	_, perms, err := f.service.Effective(context.Background(), studentUser.ID)
	require.NoError(t, err)
	require.False(t, perms.Allows(ModuleFinance, ActionWrite))
}

func TestSetOverridesWriteFailureIsLoud(t *testing.T) {
	f := newServiceFixture(t)
	f.store.failUpserts(errors.New("connection reset"))
	_, err := f.service.SetOverrides(context.Background(), adminUser, studentUser.ID, []PermissionOverride{
		{Module: ModuleHR, Permission: readOnly},
	})
	require.ErrorIs(t, err, shared.ErrCollaboratorUnavailable)
	require.Empty(t, f.signals)
	require.Empty(t, f.audit.entries)
}

func TestResetOverridesClearsStore(t *testing.T) {
	f := newServiceFixture(t)
	f.store.set(studentUser.ID, ModuleLeave, ModulePermission{})
	require.NoError(t, f.service.ResetOverrides(context.Background(), adminUser, studentUser.ID))
	require.Equal(t, []int64{studentUser.ID}, f.store.cleared)

	_, perms, err := f.service.Effective(context.Background(), studentUser.ID)
	require.NoError(t, err)
	require.Equal(t, readWrite, perms[ModuleLeave])
}

func TestOverridesReportsStoreFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.store.getErr = errors.New("down")
	_, err := f.service.Overrides(context.Background(), adminUser, studentUser.ID)
	require.ErrorIs(t, err, shared.ErrCollaboratorUnavailable)
}

func TestBaselineRefusesSuperAdministrator(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.Baseline(context.Background(), rootUser.ID)
	require.ErrorIs(t, err, ErrSuperAdminTarget)

	perms, err := f.service.Baseline(context.Background(), studentUser.ID)
	require.NoError(t, err)
	require.Equal(t, Defaults(RoleStudent), perms)
}

func TestBaselineAppliesStoredOverrides(t *testing.T) {
	f := newServiceFixture(t)
	f.store.set(studentUser.ID, ModuleFinance, fullAccess)
	f.store.set(studentUser.ID, ModuleLeave, ModulePermission{})

	perms, err := f.service.Baseline(context.Background(), studentUser.ID)
	require.NoError(t, err)
	require.Equal(t, fullAccess, perms[ModuleFinance])
	require.Equal(t, ModulePermission{}, perms[ModuleLeave])
	require.Len(t, perms, len(AllModules))
}

func TestEditorCannotStartWhileOverridesUnreadable(t *testing.T) {
	f := newServiceFixture(t)
	f.store.set(studentUser.ID, ModuleFinance, fullAccess)
	reg := NewEditorRegistry(EditorConfig{Store: f.store, Debounce: time.Hour}, f.service.Baseline)

	f.store.mu.Lock()
	f.store.getErr = errors.New("connection refused")
	f.store.mu.Unlock()
	_, err := reg.Acquire(context.Background(), "op-1", studentUser.ID, nil)
	require.ErrorIs(t, err, shared.ErrCollaboratorUnavailable)
	_, ok := reg.Lookup("op-1", studentUser.ID)
	require.False(t, ok)

	f.store.mu.Lock()
	f.store.getErr = nil
	f.store.mu.Unlock()
	ed, err := reg.Acquire(context.Background(), "op-1", studentUser.ID, nil)
	require.NoError(t, err)
	_, err = ed.Toggle(ModuleCRM, ActionRead, true)
	require.NoError(t, err)
	require.NoError(t, reg.Release(context.Background(), "op-1", studentUser.ID))

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	require.Equal(t, fullAccess, f.store.data[studentUser.ID][ModuleFinance])
	require.Equal(t, readOnly, f.store.data[studentUser.ID][ModuleCRM])
}
