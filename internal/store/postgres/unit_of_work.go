package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/peritoai/periti/internal/store"
	"github.com/peritoai/periti/internal/telemetry"
	"github.com/peritoai/periti/internal/tenant"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type unitOfWorkKey struct{}

// UnitOfWork is a pooled connection bound to one tenant scope for the duration of a
// WithTenant call. It must not be retained after the callback returns.
type UnitOfWork struct {
	conn  *pgxpool.Conn
	scope tenant.Scope
}

// Scope returns the tenant scope the unit of work is bound to.
func (u *UnitOfWork) Scope() tenant.Scope {
	return u.scope
}

// Exec runs a statement on the unit of work's connection.
func (u *UnitOfWork) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return u.conn.Exec(ctx, sql, args...)
}

// Query runs a query on the unit of work's connection.
func (u *UnitOfWork) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return u.conn.Query(ctx, sql, args...)
}

// QueryRow runs a single row query on the unit of work's connection.
func (u *UnitOfWork) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return u.conn.QueryRow(ctx, sql, args...)
}

// Begin starts a transaction on the unit of work's connection.
func (u *UnitOfWork) Begin(ctx context.Context) (pgx.Tx, error) {
	return u.conn.Begin(ctx)
}

// InTx runs fn in a transaction on the unit of work's connection. The tenant context is
// session scoped and stays in force after the commit.
func (u *UnitOfWork) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, u.conn, fn)
}

// CurrentOrgID reports the organization the connection is bound to, as seen by the
// row security policies.
func (u *UnitOfWork) CurrentOrgID(ctx context.Context) (string, error) {
	orgID, err := currentOrgID(ctx, u.conn)
	if err != nil {
		return "", err
	}
	if !orgID.Valid {
		return "", nil
	}
	return orgID.UUID.String(), nil
}

// Users returns the user store bound to this unit of work.
func (u *UnitOfWork) Users() *UserStore { return NewUserStore(u, u.scope) }

// Clients returns the client store bound to this unit of work.
func (u *UnitOfWork) Clients() *ClientStore { return NewClientStore(u, u.scope) }

// Cases returns the case store bound to this unit of work.
func (u *UnitOfWork) Cases() *CaseStore { return NewCaseStore(u, u.scope) }

// InsuredParties returns the insured party store bound to this unit of work.
func (u *UnitOfWork) InsuredParties() *InsuredPartyStore { return NewInsuredPartyStore(u, u.scope) }

// Documents returns the document store bound to this unit of work.
func (u *UnitOfWork) Documents() *DocumentStore { return NewDocumentStore(u, u.scope) }

// DocumentAnalyses returns the document analysis store bound to this unit of work.
func (u *UnitOfWork) DocumentAnalyses() *DocumentAnalysisStore {
	return NewDocumentAnalysisStore(u, u.scope)
}

// ReportVersions returns the report version store bound to this unit of work.
func (u *UnitOfWork) ReportVersions() *ReportVersionStore { return NewReportVersionStore(u, u.scope) }

// EmailLogs returns the email log store bound to this unit of work.
func (u *UnitOfWork) EmailLogs() *EmailLogStore { return NewEmailLogStore(u, u.scope) }

// InUnitOfWork reports whether ctx was handed out by WithTenant or WithoutTenant.
func InUnitOfWork(ctx context.Context) bool {
	return ctx.Value(unitOfWorkKey{}) != nil
}

// WithTenant runs fn on a pooled connection bound to scope.
//
// The tenant context is set before fn runs and cleared after it returns, whether fn
// succeeds, fails or panics, and even if ctx was cancelled. If the context cannot be
// cleared the physical connection is closed instead of being returned to the pool. A
// clear failure is not reported to the caller; fn's result is returned as is.
//
// Units of work do not nest: calling WithTenant with a ctx from inside fn returns
// store.ErrNestedUnitOfWork.
func (db *DB) WithTenant(ctx context.Context, scope tenant.Scope, fn func(ctx context.Context, uow *UnitOfWork) error) error {
	if scope.IsZero() {
		return store.ErrNoTenantScope
	}
	if InUnitOfWork(ctx) {
		return store.ErrNestedUnitOfWork
	}

	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", mapPostgresError(err))
	}

	if err := setTenantContext(ctx, conn, scope); err != nil {
		db.invalidate(ctx, conn, scope, zerolog.ErrorLevel, "Failed to set tenant context, invalidating connection", err)
		return err
	}
	db.ledger.bind(conn.Conn(), scope)

	started := time.Now()
	metrics := telemetry.GetMetrics()
	metrics.TenantScopesOpenedTotal.Add(ctx, 1)
	defer func() {
		metrics.TenantScopeDuration.Record(ctx, float64(time.Since(started).Milliseconds()),
			metric.WithAttributes(attribute.Bool("background", isBackground(ctx))))
		db.release(ctx, conn, scope)
	}()

	log.Debug().
		Str("org_id", scope.OrgID().String()).
		Str("user_id", scope.UserID().String()).
		Uint32("pid", connPID(conn.Conn())).
		Msg("Tenant context set")

	return fn(context.WithValue(ctx, unitOfWorkKey{}, scope), &UnitOfWork{conn: conn, scope: scope})
}

// WithoutTenant runs fn on a pooled connection whose tenant context was explicitly
// cleared first. Tenant-scoped tables appear empty to fn; it is meant for anonymous or
// global operations.
func (db *DB) WithoutTenant(ctx context.Context, fn func(ctx context.Context, q DBTX) error) error {
	if InUnitOfWork(ctx) {
		return store.ErrNestedUnitOfWork
	}

	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", mapPostgresError(err))
	}

	if err := clearTenantContext(ctx, conn.Conn()); err != nil {
		db.invalidate(ctx, conn, tenant.Scope{}, zerolog.ErrorLevel, "Failed to reset tenant context, invalidating connection", err)
		return err
	}

	defer db.release(ctx, conn, tenant.Scope{})

	return fn(context.WithValue(ctx, unitOfWorkKey{}, tenant.Scope{}), conn)
}

// release clears the tenant context and returns the connection to the pool, or destroys
// it if the clear fails. The clear ignores cancellation of ctx but is bounded by the
// configured clear timeout.
func (db *DB) release(ctx context.Context, conn *pgxpool.Conn, scope tenant.Scope) {
	clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), db.clearTimeout)
	defer cancel()

	if err := clearTenantContext(clearCtx, conn.Conn()); err != nil {
		db.invalidate(ctx, conn, scope, zerolog.FatalLevel, "Failed to clear tenant context, invalidating connection", err)
		return
	}

	db.ledger.unbind(conn.Conn())
	conn.Release()
}

// invalidate takes the connection away from the pool and closes it.
func (db *DB) invalidate(ctx context.Context, conn *pgxpool.Conn, scope tenant.Scope, level zerolog.Level, msg string, cause error) {
	db.invalidated.Add(1)

	metrics := telemetry.GetMetrics()
	metrics.TenantConnsInvalidatedTotal.Add(ctx, 1)
	if level == zerolog.FatalLevel {
		metrics.TenantClearFailuresTotal.Add(ctx, 1)
	}

	// WithLevel logs at the given level without exiting, even for FatalLevel.
	log.WithLevel(level).
		Err(cause).
		Str("org_id", scope.OrgID().String()).
		Uint32("pid", connPID(conn.Conn())).
		Msg(msg)

	raw := conn.Hijack()
	db.ledger.unbind(raw)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), db.clearTimeout)
	defer cancel()

	if err := raw.Close(closeCtx); err != nil {
		log.Debug().Err(err).Msg("Error closing invalidated connection")
	}
}

type backgroundKey struct{}

// WithBackground marks ctx as originating from a background task rather than a request.
func WithBackground(ctx context.Context) context.Context {
	return context.WithValue(ctx, backgroundKey{}, true)
}

func isBackground(ctx context.Context) bool {
	v, _ := ctx.Value(backgroundKey{}).(bool)
	return v
}
