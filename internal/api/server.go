// Package api serves the HTTP interface over the tenant-scoped stores. Every /api route
// runs inside a unit of work bound to the caller's resolved tenant scope.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/peritoai/periti/internal/auth"
	httpmiddleware "github.com/peritoai/periti/internal/http"
	"github.com/peritoai/periti/internal/logger"
	"github.com/peritoai/periti/internal/store/postgres"
	"github.com/peritoai/periti/internal/tenant"
	"github.com/peritoai/periti/internal/worker"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Database opens tenant-scoped units of work. *postgres.DB implements it.
type Database interface {
	WithTenant(ctx context.Context, scope tenant.Scope, fn func(ctx context.Context, uow *postgres.UnitOfWork) error) error
	Ping(ctx context.Context) error
}

// Config holds the HTTP layer options.
type Config struct {
	// CORSOrigins lists the origins allowed to call the API from a browser.
	CORSOrigins []string

	// TrustProxy honours X-Forwarded-For and X-Real-IP when determining the client IP.
	TrustProxy bool

	// Tracing wraps the handler with OpenTelemetry HTTP instrumentation.
	Tracing bool
}

// Server is the HTTP API.
type Server struct {
	db       Database
	resolver auth.Resolver
	tasks    worker.Enqueuer
	logger   zerolog.Logger
	cfg      Config

	orgs          OrganizationDirectory
	webhookSecret string
}

// NewServer creates the API over db, resolving callers with resolver and sending
// background work to tasks.
func NewServer(db Database, resolver auth.Resolver, tasks worker.Enqueuer, logger zerolog.Logger, cfg Config) *Server {
	return &Server{
		db:       db,
		resolver: resolver,
		tasks:    tasks,
		logger:   logger,
		cfg:      cfg,
	}
}

// Handler returns the root handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.health)

	mux.HandleFunc("GET /api/v1/cases", s.requires(auth.PermCasesRead, s.listCases))
	mux.HandleFunc("POST /api/v1/cases", s.requires(auth.PermCasesWrite, s.createCase))
	mux.HandleFunc("GET /api/v1/cases/{id}", s.requires(auth.PermCasesRead, s.getCase))
	mux.HandleFunc("DELETE /api/v1/cases/{id}", s.requires(auth.PermCasesDelete, s.deleteCase))
	mux.HandleFunc("POST /api/v1/cases/{id}/events", s.requires(auth.PermCasesTransition, s.fireCaseEvent))

	mux.HandleFunc("GET /api/v1/cases/{id}/documents", s.requires(auth.PermDocumentsRead, s.listDocuments))
	mux.HandleFunc("POST /api/v1/cases/{id}/documents", s.requires(auth.PermDocumentsWrite, s.createDocument))
	mux.HandleFunc("GET /api/v1/documents/{id}/analyses", s.requires(auth.PermDocumentsRead, s.listAnalyses))

	mux.HandleFunc("GET /api/v1/cases/{id}/reports", s.requires(auth.PermCasesRead, s.listReports))
	mux.HandleFunc("POST /api/v1/cases/{id}/reports", s.requires(auth.PermCasesWrite, s.createReport))
	mux.HandleFunc("POST /api/v1/reports/{id}/finalize", s.requires(auth.PermReportsFinalize, s.finalizeReport))

	mux.HandleFunc("GET /api/v1/email-logs", s.requires(auth.PermEmailLogsRead, s.listEmailLogs))

	public := []string{"/health"}
	if s.orgs != nil && s.tasks != nil {
		mux.HandleFunc("POST "+emailWebhookPath, s.receiveEmail)
		public = append(public, emailWebhookPath)
	}

	var handler http.Handler = mux
	handler = auth.Middleware(s.resolver, public...)(handler)
	if s.cfg.Tracing {
		handler = otelhttp.NewHandler(handler, "periti-api")
	}
	handler = withCORS(s.cfg.CORSOrigins, handler)
	handler = logger.Requests(s.logger)(handler)
	handler = httpmiddleware.ClientIPMiddleware(s.cfg.TrustProxy)(handler)
	handler = httpmiddleware.RequestIDMiddleware()(handler)

	return handler
}

// requires rejects callers lacking perm before running h.
func (s *Server) requires(perm auth.Permission, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := auth.RequirePermission(r.Context(), perm); err != nil {
			s.writeError(w, r, err)
			return
		}
		h(w, r)
	}
}

// withTenant runs fn in a unit of work bound to the request's scope.
func (s *Server) withTenant(r *http.Request, fn func(ctx context.Context, uow *postgres.UnitOfWork) error) error {
	scope, err := tenant.Require(r.Context())
	if err != nil {
		return auth.ErrUnauthenticated
	}
	return s.db.WithTenant(r.Context(), scope, fn)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", httpmiddleware.RequestIDHeader},
		ExposedHeaders: []string{httpmiddleware.RequestIDHeader},
		MaxAge:         300,
	})
	return middleware.Handler(h)
}
