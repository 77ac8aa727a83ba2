package middleware

import (
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/runnerhub/internal/errors"
	"github.com/3leaps/runnerhub/internal/observability"
	"github.com/3leaps/runnerhub/pkg/auth"
)

// Authenticate resolves the bearer token with resolver and stores the
// principal on the request context. Missing or unknown tokens get 401.
func Authenticate(resolver auth.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := auth.BearerToken(r.Header.Get("Authorization"))
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="runnerhub"`)
				apperrors.RespondWithError(w, r, apperrors.Unauthorized())
				return
			}
			p, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				observability.ServerLogger.Warn("Rejected bearer token",
					zap.String("remote", r.RemoteAddr),
					zap.String("path", r.URL.Path))
				w.Header().Set("WWW-Authenticate", `Bearer realm="runnerhub", error="invalid_token"`)
				apperrors.RespondWithError(w, r, apperrors.Unauthorized())
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}
