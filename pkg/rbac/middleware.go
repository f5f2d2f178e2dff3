package rbac

import (
	"net/http"

	"github.com/dangsayz/12img.com-sub003/pkg/httputil"
)

// RequireCapabilityMiddleware creates middleware that admits only principals holding
// capability. The resolved principal is stored on the request context so
// downstream guard checks do not resolve again.
func (g *Guard) RequireCapabilityMiddleware(capability Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := g.RequireCapability(r.Context(), capability)
			if err != nil {
				httputil.WriteAppError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRoleMiddleware creates middleware that admits only the given roles
func (g *Guard) RequireRoleMiddleware(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := g.RequireRole(r.Context(), roles...)
			if err != nil {
				httputil.WriteAppError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// Authenticated creates middleware that admits any resolved principal
func (g *Guard) Authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := g.resolve(r.Context(), "rbac.Authenticated")
		if err != nil {
			httputil.WriteAppError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}
