package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/governance/internal/platform/httpx"
	"github.com/odyssey-erp/governance/internal/shared"
)

// AuditReader lists recent audit entries of an entity.
type AuditReader interface {
	Recent(ctx context.Context, entity, entityID string, limit int) ([]shared.AuditLog, error)
}

// PermissionsHandler exposes permission resolution and administration.
type PermissionsHandler struct {
	logger    *slog.Logger
	service   *Service
	sessions  *Registry
	editors   *EditorRegistry
	audit     AuditReader
	rbac      Middleware
	validator *validator.Validate
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, service *Service, sessions *Registry, editors *EditorRegistry, audit AuditReader, rbac Middleware) *PermissionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionsHandler{
		logger:    logger,
		service:   service,
		sessions:  sessions,
		editors:   editors,
		audit:     audit,
		rbac:      rbac,
		validator: validator.New(),
	}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Get("/me", h.me)
	r.Post("/me/refresh", h.refresh)
	r.Delete("/me", h.logout)

	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(ModulePermissions, ActionRead))
		r.Get("/policy", h.policy)
		r.Get("/users/{id}", h.showUser)
		r.Get("/users/{id}/history", h.history)
		r.Get("/users/{id}/editor", h.editorState)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(ModulePermissions, ActionWrite))
		r.Put("/users/{id}", h.replace)
		r.Patch("/users/{id}/modules/{module}", h.toggle)
		r.Post("/users/{id}/editor/flush", h.flush)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(ModulePermissions, ActionDelete))
		r.Delete("/users/{id}/overrides", h.reset)
	})
}

type sessionView struct {
	UserID      int64                  `json:"user_id"`
	Role        Role                   `json:"role"`
	Active      bool                   `json:"active"`
	Permissions EffectivePermissionMap `json:"permissions"`
	LoadedAt    time.Time              `json:"loaded_at"`
}

func viewOf(sess *Session) sessionView {
	user := sess.User()
	return sessionView{
		UserID:      user.ID,
		Role:        user.Role,
		Active:      user.IsActive,
		Permissions: sess.Permissions(),
		LoadedAt:    sess.LoadedAt().UTC(),
	}
}

func (h *PermissionsHandler) me(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	if sess == nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	httpx.JSON(w, http.StatusOK, viewOf(sess))
}

func (h *PermissionsHandler) refresh(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	if sess == nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	sess.Invalidate(true)
	httpx.JSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (h *PermissionsHandler) logout(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	if sess == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if h.editors != nil {
		if err := h.editors.ReleaseSession(r.Context(), sess.ID()); err != nil {
			h.logger.Warn("flush editors on logout", slog.Any("error", err))
		}
	}
	h.sessions.Close(sess.ID())
	w.WriteHeader(http.StatusNoContent)
}

func (h *PermissionsHandler) policy(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.service.Policy())
}

type userPermissionsView struct {
	UserID      int64                  `json:"user_id"`
	Role        Role                   `json:"role"`
	Permissions EffectivePermissionMap `json:"permissions"`
	Overrides   []PermissionOverride   `json:"overrides"`
}

func (h *PermissionsHandler) showUser(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.targetID(w, r)
	if !ok {
		return
	}
	actor := SessionFromContext(r.Context()).User()
	user, perms, err := h.service.Effective(r.Context(), targetID)
	if err != nil {
		h.fail(w, err)
		return
	}
	overrides, err := h.service.Overrides(r.Context(), actor, targetID)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, userPermissionsView{UserID: user.ID, Role: user.Role, Permissions: perms, Overrides: overrides})
}

func (h *PermissionsHandler) history(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.targetID(w, r)
	if !ok {
		return
	}
	if h.audit == nil {
		httpx.JSON(w, http.StatusOK, []shared.AuditLog{})
		return
	}
	entries, err := h.audit.Recent(r.Context(), "user_permissions", strconv.FormatInt(targetID, 10), 50)
	if err != nil {
		h.logger.Error("list permission history", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

type overrideInput struct {
	Module     string `json:"module" validate:"required"`
	CanRead    bool   `json:"can_read"`
	CanWrite   bool   `json:"can_write"`
	CanDelete  bool   `json:"can_delete"`
	CanApprove bool   `json:"can_approve"`
}

type replaceRequest struct {
	Overrides []overrideInput `json:"overrides" validate:"required,min=1,dive"`
}

func (h *PermissionsHandler) replace(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.targetID(w, r)
	if !ok {
		return
	}
	var req replaceRequest
	if !httpx.DecodeAndValidate(w, r, h.validator, &req) {
		return
	}
	overrides := make([]PermissionOverride, 0, len(req.Overrides))
	for _, in := range req.Overrides {
		module, err := ParseModule(in.Module)
		if err != nil {
			h.fail(w, err)
			return
		}
		overrides = append(overrides, PermissionOverride{
			UserID: targetID,
			Module: module,
			Permission: ModulePermission{
				CanRead:    in.CanRead,
				CanWrite:   in.CanWrite,
				CanDelete:  in.CanDelete,
				CanApprove: in.CanApprove,
			},
		})
	}
	actor := SessionFromContext(r.Context()).User()
	perms, err := h.service.SetOverrides(r.Context(), actor, targetID, overrides)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, perms)
}

func (h *PermissionsHandler) reset(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.targetID(w, r)
	if !ok {
		return
	}
	actor := SessionFromContext(r.Context()).User()
	if err := h.service.ResetOverrides(r.Context(), actor, targetID); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type toggleRequest struct {
	Action string `json:"action" validate:"required,oneof=read write delete approve"`
	Value  *bool  `json:"value" validate:"required"`
}

func (h *PermissionsHandler) toggle(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.targetID(w, r)
	if !ok {
		return
	}
	module, err := ParseModule(chi.URLParam(r, "module"))
	if err != nil {
		h.fail(w, err)
		return
	}
	var req toggleRequest
	if !httpx.DecodeAndValidate(w, r, h.validator, &req) {
		return
	}
	action, err := ParseAction(req.Action)
	if err != nil {
		h.fail(w, err)
		return
	}
	sess := SessionFromContext(r.Context())
	editor, err := h.editors.Acquire(r.Context(), sess.ID(), targetID, h.service.RecordEditorCommit(sess.User().ID))
	if err != nil {
		h.fail(w, err)
		return
	}
	if _, err := editor.Toggle(module, action, *req.Value); err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, editor.Snapshot())
}

func (h *PermissionsHandler) editorState(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.targetID(w, r)
	if !ok {
		return
	}
	sess := SessionFromContext(r.Context())
	editor, found := h.editors.Lookup(sess.ID(), targetID)
	if !found {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "no edit session for user")
		return
	}
	httpx.JSON(w, http.StatusOK, editor.Snapshot())
}

func (h *PermissionsHandler) flush(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.targetID(w, r)
	if !ok {
		return
	}
	sess := SessionFromContext(r.Context())
	editor, found := h.editors.Lookup(sess.ID(), targetID)
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := editor.Flush(r.Context()); err != nil {
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title:  "Service Unavailable",
			Status: http.StatusServiceUnavailable,
			Detail: "changes were not saved and have been rolled back",
			Extra:  map[string]any{"editor": editor.Snapshot()},
		})
		return
	}
	if err := h.editors.Release(r.Context(), sess.ID(), targetID); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PermissionsHandler) targetID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return 0, false
	}
	return id, true
}

func (h *PermissionsHandler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		err = httpx.Classify(httpx.ErrForbidden, err)
	case errors.Is(err, ErrUnknownModule), errors.Is(err, ErrUnknownAction), errors.Is(err, shared.ErrInvalidInput):
		err = httpx.Classify(httpx.ErrValidation, err)
	case errors.Is(err, ErrSuperAdminTarget):
		err = httpx.Classify(httpx.ErrConflict, err)
	case errors.Is(err, shared.ErrNotFound):
		err = httpx.Classify(httpx.ErrNotFound, err)
	case errors.Is(err, shared.ErrCollaboratorUnavailable):
		err = httpx.Classify(httpx.ErrUnavailable, err)
	default:
		h.logger.Error("permissions request failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
