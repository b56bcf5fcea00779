package postgres

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/peritoai/periti/internal/telemetry"
	"github.com/peritoai/periti/internal/tenant"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// bindingLedger tracks which physical connections currently carry tenant context.
// A connection is bound after its context is set and unbound only after the context was
// cleared, so a bound connection reaching the pool means the clear never happened.
type bindingLedger struct {
	mu     sync.Mutex
	bound  map[*pgx.Conn]tenant.Scope
	leaked atomic.Int64
}

func newBindingLedger() *bindingLedger {
	return &bindingLedger{
		bound: make(map[*pgx.Conn]tenant.Scope),
	}
}

func (l *bindingLedger) bind(conn *pgx.Conn, scope tenant.Scope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bound[conn] = scope
}

func (l *bindingLedger) unbind(conn *pgx.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.bound, conn)
}

func (l *bindingLedger) lookup(conn *pgx.Conn) (tenant.Scope, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	scope, ok := l.bound[conn]
	return scope, ok
}

func (l *bindingLedger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.bound)
}

// afterRelease is installed as the pool's AfterRelease hook. Returning false makes the
// pool destroy the connection instead of keeping it idle.
func (l *bindingLedger) afterRelease(conn *pgx.Conn) bool {
	scope, ok := l.lookup(conn)
	if !ok {
		return true
	}

	l.unbind(conn)
	l.leaked.Add(1)
	telemetry.GetMetrics().TenantLeakedReleasesTotal.Add(context.Background(), 1)

	log.WithLevel(zerolog.FatalLevel).
		Str("org_id", scope.OrgID().String()).
		Uint32("pid", connPID(conn)).
		Msg("Connection released with tenant context still bound, destroying it")

	return false
}

func connPID(conn *pgx.Conn) uint32 {
	if conn == nil || conn.PgConn() == nil {
		return 0
	}
	return conn.PgConn().PID()
}
