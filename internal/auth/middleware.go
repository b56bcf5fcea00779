package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/peritoai/periti/internal/tenant"
	"github.com/rs/zerolog/log"
)

type contextKey int

const (
	principalContextKey contextKey = iota
)

// WithPrincipal returns a copy of ctx carrying p and its tenant scope.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	ctx = context.WithValue(ctx, principalContextKey, p)
	return tenant.WithScope(ctx, p.Scope)
}

// PrincipalFromContext extracts the authenticated principal from the request context.
// Returns nil if no principal is present (unauthenticated request).
func PrincipalFromContext(ctx context.Context) *Principal {
	principal, _ := ctx.Value(principalContextKey).(*Principal)
	return principal
}

// Middleware resolves the principal of every request and stores it, with its tenant
// scope, in the request context. Requests that cannot be resolved get a 401, except for
// the paths in public, which pass through unauthenticated.
func Middleware(resolver Resolver, public ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(public))
	for _, p := range public {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			principal, err := resolver.Resolve(r)
			if err != nil {
				log.Warn().Err(err).Str("path", r.URL.Path).Msg("Failed to resolve request identity")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
