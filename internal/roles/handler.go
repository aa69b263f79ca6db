package roles

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/governance/internal/platform/httpx"
	"github.com/odyssey-erp/governance/internal/rbac"
)

// Handler exposes the role catalog.
type Handler struct {
	rbac rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(rbac rbac.Middleware) *Handler {
	return &Handler{rbac: rbac}
}

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.ModuleUserManagement, rbac.ActionRead))
		r.Get("/", h.listRoles)
		r.Get("/{role}/defaults", h.defaults)
	})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, Catalog())
}

func (h *Handler) defaults(w http.ResponseWriter, r *http.Request) {
	role, err := rbac.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"role":        role,
		"permissions": rbac.Defaults(role),
	})
}
