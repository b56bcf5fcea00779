package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peritoai/periti/internal/store"
	"github.com/peritoai/periti/internal/store/postgres"
	"github.com/peritoai/periti/internal/tenant"
	"github.com/stretchr/testify/require"
)

// fakeTenantRunner records the scopes it is asked to open and passes a nil unit of work.
type fakeTenantRunner struct {
	mu     sync.Mutex
	scopes []tenant.Scope
}

func (f *fakeTenantRunner) WithTenant(ctx context.Context, scope tenant.Scope, fn func(ctx context.Context, uow *postgres.UnitOfWork) error) error {
	if scope.IsZero() {
		return store.ErrNoTenantScope
	}
	f.mu.Lock()
	f.scopes = append(f.scopes, scope)
	f.mu.Unlock()
	return fn(ctx, nil)
}

func (f *fakeTenantRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scopes)
}

func fastRunner(db TenantRunner) *Runner {
	return NewRunner(db, RunnerConfig{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond})
}

func testTask(t *testing.T, kind string) (Task, tenant.Scope) {
	t.Helper()
	scope := tenant.MustScope(uuid.New(), uuid.New())
	task, err := NewTask(kind, scope, map[string]string{"hello": "world"})
	require.NoError(t, err)
	return task, scope
}

func TestNewTask(t *testing.T) {
	task, scope := testTask(t, "test.kind")
	require.NotEmpty(t, task.ID)
	require.Equal(t, "test.kind", task.Kind)
	require.JSONEq(t, `{"hello":"world"}`, string(task.Payload))

	got, err := task.Scope()
	require.NoError(t, err)
	require.Equal(t, scope, got)

	_, err = NewTask("test.kind", tenant.Scope{}, nil)
	require.ErrorIs(t, err, ErrUnresolvedTenant)
}

func TestTaskScope_unresolvable(t *testing.T) {
	tests := []struct {
		name   string
		userID string
		orgID  string
	}{
		{name: "missing org", userID: uuid.NewString()},
		{name: "missing user", orgID: uuid.NewString()},
		{name: "malformed org", userID: uuid.NewString(), orgID: "acme"},
		{name: "nil org", userID: uuid.NewString(), orgID: uuid.Nil.String()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Task{ID: "t1", Kind: "k", UserID: tt.userID, OrgID: tt.orgID}.Scope()
			require.ErrorIs(t, err, ErrUnresolvedTenant)
			require.True(t, IsPermanent(err))
		})
	}
}

func TestRunner_runsHandlerInTaskScope(t *testing.T) {
	db := &fakeTenantRunner{}
	r := fastRunner(db)

	task, scope := testTask(t, "test.kind")

	var got Task
	r.Handle("test.kind", func(_ context.Context, _ *postgres.UnitOfWork, task Task) error {
		got = task
		return nil
	})

	require.NoError(t, r.Run(context.Background(), task))
	require.Equal(t, task, got)
	require.Equal(t, []tenant.Scope{scope}, db.scopes)
}

func TestRunner_unresolvedTenantNeverOpensUnitOfWork(t *testing.T) {
	tests := []struct {
		name   string
		userID string
		orgID  string
	}{
		{name: "missing org", userID: uuid.NewString()},
		{name: "malformed org", userID: uuid.NewString(), orgID: "not-a-uuid"},
		{name: "truncated org", userID: uuid.NewString(), orgID: uuid.NewString()[:20]},
		{name: "nil org", userID: uuid.NewString(), orgID: uuid.Nil.String()},
		{name: "malformed user", userID: "robot", orgID: uuid.NewString()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakeTenantRunner{}
			r := fastRunner(db)

			called := false
			r.Handle("test.kind", func(context.Context, *postgres.UnitOfWork, Task) error {
				called = true
				return nil
			})

			err := r.Run(context.Background(), Task{ID: "t1", Kind: "test.kind", UserID: tt.userID, OrgID: tt.orgID})
			require.ErrorIs(t, err, ErrUnresolvedTenant)
			require.ErrorIs(t, err, tenant.ErrInvalidScope)
			require.True(t, IsPermanent(err))
			require.False(t, called)
			require.Zero(t, db.calls())
		})
	}
}

func TestRunner_unknownKind(t *testing.T) {
	db := &fakeTenantRunner{}
	task, _ := testTask(t, "nobody.handles")

	err := fastRunner(db).Run(context.Background(), task)
	require.ErrorIs(t, err, ErrUnknownKind)
	require.Zero(t, db.calls())
}

func TestRunner_retries(t *testing.T) {
	transient := errors.New("connection reset")

	tests := []struct {
		name      string
		errs      []error
		wantErr   error
		wantCalls int
	}{
		{name: "succeeds first time", errs: []error{nil}, wantCalls: 1},
		{name: "transient then success", errs: []error{transient, transient, nil}, wantCalls: 3},
		{name: "transient exhausted", errs: []error{transient, transient, transient, nil}, wantErr: transient, wantCalls: 3},
		{name: "tenant mismatch not retried", errs: []error{store.ErrTenantMismatch}, wantErr: store.ErrTenantMismatch, wantCalls: 1},
		{name: "not found not retried", errs: []error{transient, store.ErrNotFound}, wantErr: store.ErrNotFound, wantCalls: 2},
		{name: "invalid payload not retried", errs: []error{ErrInvalidPayload}, wantErr: ErrInvalidPayload, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakeTenantRunner{}
			r := fastRunner(db)

			calls := 0
			r.Handle("test.kind", func(context.Context, *postgres.UnitOfWork, Task) error {
				err := tt.errs[calls]
				calls++
				return err
			})

			task, _ := testTask(t, "test.kind")
			err := r.Run(context.Background(), task)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.wantCalls, calls)
			require.Equal(t, tt.wantCalls, db.calls(), "each attempt opens its own unit of work")
		})
	}
}

func TestRunner_stopsOnCancel(t *testing.T) {
	r := NewRunner(&fakeTenantRunner{}, RunnerConfig{MaxTries: 10, InitialInterval: time.Hour, MaxInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	r.Handle("test.kind", func(context.Context, *postgres.UnitOfWork, Task) error {
		cancel()
		return errors.New("transient")
	})

	task, _ := testTask(t, "test.kind")
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, task) }()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}

func TestIsPermanent(t *testing.T) {
	require.True(t, IsPermanent(store.ErrTenantMismatch))
	require.True(t, IsPermanent(store.ErrConflict))
	require.True(t, IsPermanent(ErrUnresolvedTenant))
	require.True(t, IsPermanent(ErrUnknownKind))
	require.False(t, IsPermanent(errors.New("timeout")))
	require.False(t, IsPermanent(context.DeadlineExceeded))
}

func TestIntakeScope(t *testing.T) {
	orgID := uuid.New()

	scope, err := IntakeScope(orgID)
	require.NoError(t, err)
	require.Equal(t, orgID, scope.OrgID())

	again, err := IntakeScope(orgID)
	require.NoError(t, err)
	require.Equal(t, scope.UserID(), again.UserID())

	other, err := IntakeScope(uuid.New())
	require.NoError(t, err)
	require.NotEqual(t, scope.UserID(), other.UserID())

	_, err = IntakeScope(uuid.Nil)
	require.ErrorIs(t, err, tenant.ErrInvalidScope)
}

func TestRunner_Kinds(t *testing.T) {
	r := fastRunner(&fakeTenantRunner{})
	require.Empty(t, r.Kinds())

	(&Handlers{}).Register(r)
	require.Equal(t, []string{KindDocumentAnalyze, KindEmailIngested}, r.Kinds())
}
