package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/odyssey-erp/governance/internal/platform/pubsub"
)

// EditState is the persistence state of an edit session.
type EditState string

const (
	EditClean  EditState = "clean"
	EditDirty  EditState = "dirty"
	EditSaving EditState = "saving"
	EditError  EditState = "error"
)

// EditorSnapshot is a consistent view of an editor for display.
type EditorSnapshot struct {
	TargetUserID int64                  `json:"target_user_id"`
	State        EditState              `json:"state"`
	Working      EffectivePermissionMap `json:"working"`
	Committed    EffectivePermissionMap `json:"committed"`
	Error        string                 `json:"error,omitempty"`
}

var errSuperseded = errors.New("rbac: save superseded by a newer edit")

// saveRun tracks one persistence attempt; err is set before done closes.
type saveRun struct {
	done chan struct{}
	err  error
}

func (r *saveRun) finish(err error) {
	r.err = err
	close(r.done)
}

// CommitHook runs after a snapshot has been persisted.
type CommitHook func(ctx context.Context, targetUserID int64, perms EffectivePermissionMap)

// EditorConfig wires an Editor.
type EditorConfig struct {
	TargetUserID int64
	Baseline     EffectivePermissionMap
	Store        OverrideStore
	Bus          pubsub.Bus
	Debounce     time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
	OnCommit     CommitHook
}

// Editor applies permission toggles for one target user immediately in
// memory and persists the whole working set after a quiet period.
type Editor struct {
	target       int64
	store        OverrideStore
	bus          pubsub.Bus
	debounce     time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
	onCommit     CommitHook

	mu         sync.Mutex
	committed  EffectivePermissionMap
	working    EffectivePermissionMap
	state      EditState
	lastErr    error
	timer      *time.Timer
	edits      uint64
	saves      uint64
	cancelSave context.CancelFunc
	running    *saveRun
}

// NewEditor constructs an Editor starting clean at the baseline.
func NewEditor(cfg EditorConfig) *Editor {
	baseline := cfg.Baseline
	if baseline == nil {
		baseline = uniformMap(noAccess)
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 400 * time.Millisecond
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Editor{
		target:       cfg.TargetUserID,
		store:        cfg.Store,
		bus:          cfg.Bus,
		debounce:     debounce,
		writeTimeout: timeout,
		logger:       logger.With(slog.Int64("target_user_id", cfg.TargetUserID)),
		onCommit:     cfg.OnCommit,
		committed:    baseline.Clone(),
		working:      baseline.Clone(),
		state:        EditClean,
	}
}

// Toggle sets one action on one module and re-arms the debounce timer.
func (e *Editor) Toggle(module ModuleName, action Action, value bool) (ModulePermission, error) {
	if !module.Known() {
		return ModulePermission{}, fmt.Errorf("%w: %q", ErrUnknownModule, module)
	}
	if _, err := ParseAction(string(action)); err != nil {
		return ModulePermission{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	updated := e.working[module].With(action, value)
	e.working[module] = updated
	e.edits++
	e.state = EditDirty
	e.lastErr = nil
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.debounce, e.flushOnTimer)
	return updated, nil
}

// Flush persists pending edits immediately. A save already in flight is
// awaited and its error returned, so a nil result means every edit made
// before the call is durable. An editor left in the error state by its last
// save reports that error until the next toggle.
func (e *Editor) Flush(ctx context.Context) error {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()

	for {
		e.mu.Lock()
		state, run, lastErr := e.state, e.running, e.lastErr
		e.mu.Unlock()

		switch {
		case state == EditDirty:
			if err := e.save(ctx); err != nil && !errors.Is(err, errSuperseded) {
				return err
			}
		case state == EditSaving && run != nil:
			select {
			case <-run.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			if run.err != nil && !errors.Is(run.err, errSuperseded) {
				return run.err
			}
		case state == EditError:
			return lastErr
		default:
			return nil
		}
	}
}

// Snapshot returns the current editor state.
func (e *Editor) Snapshot() EditorSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := EditorSnapshot{
		TargetUserID: e.target,
		State:        e.state,
		Working:      e.working.Clone(),
		Committed:    e.committed.Clone(),
	}
	if e.lastErr != nil {
		snap.Error = e.lastErr.Error()
	}
	return snap
}

// Close stops the timer and cancels any in-flight write without persisting.
// Callers that must keep pending edits call Flush first.
func (e *Editor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.cancelSave != nil {
		e.cancelSave()
		e.cancelSave = nil
	}
}

func (e *Editor) flushOnTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), e.writeTimeout)
	defer cancel()
	err := e.save(ctx)
	if err != nil && !errors.Is(err, errSuperseded) && !errors.Is(err, context.Canceled) {
		e.logger.Warn("permission edit rolled back", slog.Any("error", err))
	}
}

func (e *Editor) save(ctx context.Context) error {
	e.mu.Lock()
	if e.state != EditDirty {
		e.mu.Unlock()
		return nil
	}
	if e.cancelSave != nil {
		e.cancelSave()
	}
	e.saves++
	gen := e.saves
	edits := e.edits
	snapshot := e.working.Clone()
	saveCtx, cancel := context.WithCancel(ctx)
	e.cancelSave = cancel
	run := &saveRun{done: make(chan struct{})}
	e.running = run
	e.state = EditSaving
	e.mu.Unlock()

	err := e.persist(saveCtx, snapshot)
	cancel()

	e.mu.Lock()
	if gen != e.saves {
		e.mu.Unlock()
		run.finish(errSuperseded)
		return errSuperseded
	}
	e.cancelSave = nil
	e.running = nil
	if err != nil {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.working = e.committed.Clone()
		e.state = EditError
		e.lastErr = err
		e.mu.Unlock()
		run.finish(err)
		return err
	}
	e.committed = snapshot
	if e.edits == edits {
		e.state = EditClean
	} else {
		e.state = EditDirty
	}
	e.mu.Unlock()

	e.afterCommit(ctx, snapshot)
	run.finish(nil)
	return nil
}

func (e *Editor) persist(ctx context.Context, snapshot EffectivePermissionMap) error {
	if e.store == nil {
		return errors.New("rbac: override store not configured")
	}
	overrides := make([]PermissionOverride, 0, len(AllModules))
	for _, module := range AllModules {
		overrides = append(overrides, PermissionOverride{
			UserID:     e.target,
			Module:     module,
			Permission: snapshot.Get(module).Normalize(),
		})
	}
	if err := e.store.Upsert(ctx, e.target, overrides); err != nil {
		return fmt.Errorf("rbac: persist overrides: %w", err)
	}
	return nil
}

func (e *Editor) afterCommit(ctx context.Context, snapshot EffectivePermissionMap) {
	if e.onCommit != nil {
		e.onCommit(context.WithoutCancel(ctx), e.target, snapshot)
	}
	if e.bus == nil {
		return
	}
	msg := pubsub.Message{Topic: pubsub.TopicPermissionsReload, UserID: e.target, Reason: "overrides"}
	if err := e.bus.Publish(context.WithoutCancel(ctx), msg); err != nil {
		e.logger.Warn("publish permissions reload", slog.Any("error", err))
	}
}

type editorKey struct {
	session string
	target  int64
}

// BaselineFunc loads the starting map for a new editor.
type BaselineFunc func(ctx context.Context, targetUserID int64) (EffectivePermissionMap, error)

// EditorRegistry keeps one Editor per operator session and target user.
type EditorRegistry struct {
	template EditorConfig
	baseline BaselineFunc

	mu      sync.Mutex
	editors map[editorKey]*Editor
}

// NewEditorRegistry constructs a registry; template supplies every field of
// EditorConfig except the target and baseline.
func NewEditorRegistry(template EditorConfig, baseline BaselineFunc) *EditorRegistry {
	return &EditorRegistry{template: template, baseline: baseline, editors: make(map[editorKey]*Editor)}
}

// Acquire returns the editor for the pair, creating it from the baseline.
// hook, when set, replaces the template commit hook for a new editor.
func (r *EditorRegistry) Acquire(ctx context.Context, sessionID string, targetUserID int64, hook CommitHook) (*Editor, error) {
	key := editorKey{session: sessionID, target: targetUserID}
	r.mu.Lock()
	if ed, ok := r.editors[key]; ok {
		r.mu.Unlock()
		return ed, nil
	}
	r.mu.Unlock()

	baseline, err := r.baseline(ctx, targetUserID)
	if err != nil {
		return nil, err
	}
	cfg := r.template
	cfg.TargetUserID = targetUserID
	cfg.Baseline = baseline
	if hook != nil {
		cfg.OnCommit = hook
	}
	created := NewEditor(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()
	if ed, ok := r.editors[key]; ok {
		return ed, nil
	}
	r.editors[key] = created
	return created, nil
}

// Lookup returns an existing editor.
func (r *EditorRegistry) Lookup(sessionID string, targetUserID int64) (*Editor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ed, ok := r.editors[editorKey{session: sessionID, target: targetUserID}]
	return ed, ok
}

// Release flushes and drops the editor, as when the operator leaves the screen.
// The editor is closed only after its last save has finished.
func (r *EditorRegistry) Release(ctx context.Context, sessionID string, targetUserID int64) error {
	key := editorKey{session: sessionID, target: targetUserID}
	r.mu.Lock()
	ed, ok := r.editors[key]
	delete(r.editors, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	err := ed.Flush(ctx)
	ed.Close()
	return err
}

// ReleaseSession flushes and drops every editor of an operator session.
func (r *EditorRegistry) ReleaseSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	var targets []int64
	for key := range r.editors {
		if key.session == sessionID {
			targets = append(targets, key.target)
		}
	}
	r.mu.Unlock()
	var errs []error
	for _, target := range targets {
		if err := r.Release(ctx, sessionID, target); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReleaseAll flushes and drops every editor, as on shutdown.
func (r *EditorRegistry) ReleaseAll(ctx context.Context) error {
	r.mu.Lock()
	keys := make([]editorKey, 0, len(r.editors))
	for key := range r.editors {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	var errs []error
	for _, key := range keys {
		if err := r.Release(ctx, key.session, key.target); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
