package postgres

import (
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/peritoai/periti/internal/tenant"
	"github.com/stretchr/testify/require"
)

func TestBindingLedger(t *testing.T) {
	l := newBindingLedger()
	scope := tenant.MustScope(uuid.New(), uuid.New())

	a, b := &pgx.Conn{}, &pgx.Conn{}

	// Unbound connections go back to the pool.
	require.True(t, l.afterRelease(a))
	require.Zero(t, l.leaked.Load())

	l.bind(a, scope)
	l.bind(b, scope)
	require.Equal(t, 2, l.size())

	got, ok := l.lookup(a)
	require.True(t, ok)
	require.Equal(t, scope, got)

	// A cleared connection is unbound before release.
	l.unbind(b)
	require.True(t, l.afterRelease(b))

	// A connection released while still bound is destroyed and forgotten.
	require.False(t, l.afterRelease(a))
	require.Equal(t, int64(1), l.leaked.Load())
	require.Zero(t, l.size())

	_, ok = l.lookup(a)
	require.False(t, ok)
}

func TestConnPID_nil(t *testing.T) {
	require.Zero(t, connPID(nil))
	require.Zero(t, connPID(&pgx.Conn{}))
}
