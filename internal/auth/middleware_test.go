package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peritoai/periti/internal/models"
	"github.com/peritoai/periti/internal/tenant"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	resolver, err := NewHS256Resolver(testSecret)
	require.NoError(t, err)

	scope := tenant.MustScope(uuid.New(), uuid.New())

	var gotScope tenant.Scope
	var gotPrincipal *Principal
	handler := Middleware(resolver, "/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotScope, _ = tenant.FromContext(r.Context())
		gotPrincipal = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("public path", func(t *testing.T) {
		gotPrincipal = nil
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
		require.Nil(t, gotPrincipal)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/cases", nil))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
	})

	t.Run("authenticated", func(t *testing.T) {
		token, err := IssueHS256Token(testSecret, scope, models.RoleAdmin, time.Minute)
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, requestWithToken(token))
		require.Equal(t, http.StatusNoContent, rec.Code)
		require.Equal(t, scope, gotScope)
		require.Equal(t, models.RoleAdmin, gotPrincipal.Role)
	})
}
