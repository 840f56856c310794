// Package middleware adapts the engine's stateless access verification to
// net/http, for the gateway and for any service that terminates bearer tokens
// itself.
package middleware

import (
	"context"
	"net/http"
	"strings"

	authcore "github.com/thisjowi/authcore"
	"github.com/thisjowi/authcore/jwt"
)

type claimsContextKey struct{}

// RequireAccess rejects requests without a valid bearer access token and
// stores the verified claims in the request context. Verification is
// signature plus expiry only, no store round-trip per request.
func RequireAccess(engine *authcore.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			claims, err := engine.VerifyAccess(token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext returns the claims stored by RequireAccess, or nil.
func ClaimsFromContext(ctx context.Context) *jwt.AccessClaims {
	claims, _ := ctx.Value(claimsContextKey{}).(*jwt.AccessClaims)
	return claims
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
