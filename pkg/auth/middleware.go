package auth

import (
	"net/http"
	"strings"

	"github.com/dangsayz/12img.com-sub003/pkg/contextkeys"
	"github.com/dangsayz/12img.com-sub003/pkg/httputil"
	"github.com/dangsayz/12img.com-sub003/pkg/observability"
)

// Middleware verifies the bearer token, if any, and stores the external
// subject on the request context.
func Middleware(verifier TokenVerifier, logger *observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				// Anonymous; the guard decides
				next.ServeHTTP(w, r)
				return
			}

			// Format: "Bearer <token>"
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
				httputil.WriteErrorMessage(w, http.StatusUnauthorized, "unauthorized", "invalid authorization header format")
				return
			}

			identity, err := verifier.VerifyToken(r.Context(), strings.TrimSpace(parts[1]))
			if err != nil {
				logger.WithError(err).WithField("path", r.URL.Path).Debug("bearer token rejected")
				httputil.WriteErrorMessage(w, http.StatusUnauthorized, "unauthorized", ErrInvalidToken.Error())
				return
			}

			ctx := contextkeys.WithSubject(r.Context(), identity.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
