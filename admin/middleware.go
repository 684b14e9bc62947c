package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/maxpert/changerelay/cfg"
)

// AuthMiddleware validates the admin secret when one is configured
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.IsAdminAuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		// X-Relay-Secret header, or Authorization: Bearer <secret>
		provided := r.Header.Get("X-Relay-Secret")
		if provided == "" {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorResponse(w, http.StatusUnauthorized, "missing authentication header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeErrorResponse(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}
			provided = parts[1]
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(cfg.Config.Admin.Secret)) != 1 {
			writeErrorResponse(w, http.StatusUnauthorized, "invalid secret")
			return
		}

		next.ServeHTTP(w, r)
	})
}
