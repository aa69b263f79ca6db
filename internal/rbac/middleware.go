package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/governance/internal/platform/httpx"
	"github.com/odyssey-erp/governance/internal/shared"
)

type sessionContextKey struct{}

// ContextWithSession stores the permission session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the permission session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Sessions *Registry
	Logger   *slog.Logger
}

// Attach opens (or reuses) the permission session of the request actor and
// stores it in the request context. Requests without an actor pass through.
func (m Middleware) Attach(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := shared.ActorFromContext(r.Context())
		if !ok || m.Sessions == nil {
			next.ServeHTTP(w, r)
			return
		}
		sess, err := m.Sessions.Open(r.Context(), actor.SessionID, actor.UserID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "unknown user")
				return
			}
			m.logger().Error("open permission session", slog.Int64("user_id", actor.UserID), slog.Any("error", err))
			httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "permission session unavailable")
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), sess)))
	})
}

// Require ensures the session holds action on module.
func (m Middleware) Require(module ModuleName, action Action) func(http.Handler) http.Handler {
	return m.RequireAny(module, action)
}

// RequireAny ensures the session holds at least one of actions on module.
func (m Middleware) RequireAny(module ModuleName, actions ...Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := SessionFromContext(r.Context())
			if sess == nil {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
				return
			}
			for _, action := range actions {
				if sess.HasPermission(module, action) {
					next.ServeHTTP(w, r)
					return
				}
			}
			m.logger().Info("permission denied",
				slog.Int64("user_id", sess.User().ID),
				slog.String("module", string(module)),
				slog.Any("actions", actions),
			)
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing "+string(module)+" permission")
		})
	}
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
