package server

import (
	"net/http"

	"github.com/tjfontaine/staged-thinking-gateway/internal/auth"
	"github.com/tjfontaine/staged-thinking-gateway/internal/codec"
	"github.com/tjfontaine/staged-thinking-gateway/internal/core/domain"
)

// AuthMiddleware validates API keys against keys.
// If keys is empty, the middleware is a no-op.
// The API key is extracted from the Authorization header (Bearer token format).
func AuthMiddleware(keys *auth.KeySet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if keys.Empty() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, err := auth.ExtractAPIKey(r)
			if err != nil {
				AddError(r.Context(), err)
				codec.WriteError(w, domain.ErrAuthentication(err.Error()))
				return
			}

			if err := keys.Validate(apiKey); err != nil {
				AddError(r.Context(), err)
				codec.WriteError(w, domain.ErrAuthentication("Invalid API key").WithCode(domain.ErrorCodeInvalidAPIKey))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
