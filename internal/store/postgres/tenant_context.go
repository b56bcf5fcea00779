package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/peritoai/periti/internal/tenant"
	"github.com/rs/zerolog/log"
)

// The app.current_user_id and app.current_org_id settings are read by the row security
// policies through app_current_user_id() and app_current_org_id(). They are session scoped
// so they survive a commit within the unit of work, which is what lets a write be read
// back by the same session.
const (
	setTenantContextSQL = `SELECT set_config('app.current_user_id', $1, false), set_config('app.current_org_id', $2, false)`

	// The empty string is the unset sentinel; the policy helpers turn it into NULL.
	clearTenantContextSQL = `SELECT set_config('app.current_user_id', '', false), set_config('app.current_org_id', '', false)`
)

var (
	errConnNotIdle = errors.New("connection is not idle")
	errConnClosed  = errors.New("connection is closed")
)

// setTenantContext writes both context variables in a single statement.
// An absent scope is a no-op: the connection keeps failing closed.
func setTenantContext(ctx context.Context, q DBTX, scope tenant.Scope) error {
	if scope.IsZero() {
		log.Debug().Msg("Tenant scope absent, not setting tenant context")
		return nil
	}

	if _, err := q.Exec(ctx, setTenantContextSQL, scope.UserID().String(), scope.OrgID().String()); err != nil {
		return fmt.Errorf("failed to set tenant context: %w", mapPostgresError(err))
	}

	return nil
}

// clearTenantContext resets both context variables on conn. It refuses to run on a
// connection inside a transaction: a session setting changed there would be reverted by
// a later rollback.
func clearTenantContext(ctx context.Context, conn *pgx.Conn) error {
	if conn.IsClosed() {
		return fmt.Errorf("failed to clear tenant context: %w", errConnClosed)
	}

	if status := conn.PgConn().TxStatus(); status != 'I' {
		return fmt.Errorf("failed to clear tenant context: %w (tx status %q)", errConnNotIdle, status)
	}

	if _, err := conn.Exec(ctx, clearTenantContextSQL); err != nil {
		return fmt.Errorf("failed to clear tenant context: %w", err)
	}

	return nil
}

// currentOrgID reads the organization the connection is currently bound to, as the
// policies see it. An unset context yields an invalid NullUUID.
func currentOrgID(ctx context.Context, q DBTX) (uuid.NullUUID, error) {
	var orgID uuid.NullUUID
	if err := q.QueryRow(ctx, `SELECT app_current_org_id()`).Scan(&orgID); err != nil {
		return uuid.NullUUID{}, fmt.Errorf("failed to read tenant context: %w", mapPostgresError(err))
	}
	return orgID, nil
}
