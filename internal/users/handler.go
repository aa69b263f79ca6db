package users

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/governance/internal/platform/httpx"
	"github.com/odyssey-erp/governance/internal/rbac"
	"github.com/odyssey-erp/governance/internal/roles"
	"github.com/odyssey-erp/governance/internal/shared"
)

// Handler manages user management endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, validator: validator.New()}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(rbac.ModuleUserManagement, rbac.ActionRead))
		r.Get("/", h.listUsers)
		r.Get("/{id}", h.showUser)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(rbac.ModuleUserManagement, rbac.ActionWrite))
		r.Put("/{id}/role", h.changeRole)
		r.Put("/{id}/active", h.setActive)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(rbac.ModuleUserManagement, rbac.ActionDelete))
		r.Delete("/{id}", h.deleteUser)
	})
}

type listResponse struct {
	Users      []User            `json:"users"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	page, perPage := shared.PageParams(r)
	filters := ListFilters{Page: page, PerPage: perPage}
	if raw := r.URL.Query().Get("role"); raw != "" {
		role, err := rbac.ParseRole(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		filters.Role = role
	}
	if raw := r.URL.Query().Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "active must be a boolean")
			return
		}
		filters.Active = &active
	}
	users, pagination, err := h.service.ListUsers(r.Context(), h.actor(r), filters)
	if err != nil {
		h.fail(w, err)
		return
	}
	if users == nil {
		users = []User{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{Users: users, Pagination: pagination})
}

func (h *Handler) showUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	user, err := h.service.GetUser(r.Context(), h.actor(r), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

type changeRoleRequest struct {
	Role    string `json:"role" validate:"required"`
	Confirm bool   `json:"confirm"`
}

type changeRoleResponse struct {
	User     User           `json:"user"`
	Decision roles.Decision `json:"decision"`
}

func (h *Handler) changeRole(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	var req changeRoleRequest
	if !httpx.DecodeAndValidate(w, r, h.validator, &req) {
		return
	}
	role, err := rbac.ParseRole(req.Role)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	user, decision, err := h.service.ChangeRole(r.Context(), h.actor(r), id, role, req.Confirm)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, changeRoleResponse{User: user, Decision: decision})
}

type setActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	var req setActiveRequest
	if !httpx.DecodeAndValidate(w, r, h.validator, &req) {
		return
	}
	user, err := h.service.SetActive(r.Context(), h.actor(r), id, *req.Active)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, user)
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteUser(r.Context(), h.actor(r), id); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) actor(r *http.Request) rbac.User {
	return rbac.SessionFromContext(r.Context()).User()
}

func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	var (
		confirmErr *ConfirmationRequiredError
		lastErr    *roles.LastSuperAdminError
		protErr    *roles.ProtectedRoleError
	)
	switch {
	case errors.As(err, &confirmErr):
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title:  "Confirmation Required",
			Status: http.StatusPreconditionRequired,
			Detail: "resubmit with confirm=true to accept the listed consequences",
			Extra:  map[string]any{"advisories": confirmErr.Decision.Advisories},
		})
		return
	case errors.As(err, &lastErr):
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Type:   "last-super-administrator",
			Title:  "Conflict",
			Status: http.StatusConflict,
			Detail: lastErr.Error(),
		})
		return
	case errors.As(err, &protErr):
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Type:   "protected-role",
			Title:  "Conflict",
			Status: http.StatusConflict,
			Detail: protErr.Error(),
		})
		return
	case errors.Is(err, rbac.ErrForbidden):
		err = httpx.Classify(httpx.ErrForbidden, err)
	case errors.Is(err, ErrSelfDeactivation):
		err = httpx.Classify(httpx.ErrUnprocessable, err)
	case errors.Is(err, shared.ErrNotFound):
		err = httpx.Classify(httpx.ErrNotFound, err)
	case errors.Is(err, shared.ErrConcurrentChange):
		err = httpx.Classify(httpx.ErrConflict, err)
	case errors.Is(err, shared.ErrCollaboratorUnavailable):
		err = httpx.Classify(httpx.ErrUnavailable, err)
	default:
		h.logger.Error("user request failed", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
