package commands

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/peritoai/periti/internal/store/postgres"
	"github.com/peritoai/periti/internal/tenant"
	"github.com/peritoai/periti/internal/worker"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// pendingTaskStore hands out its tasks on the first Dequeue and records the outcome.
type pendingTaskStore struct {
	mu        sync.Mutex
	pending   []*postgres.QueuedTask
	completed []string
	failed    []string
}

func (s *pendingTaskStore) Enqueue(_ context.Context, t *postgres.QueuedTask) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.TaskID = uuid.New()
	t.LeaseToken = t.TaskID.String()
	s.pending = append(s.pending, t)
	return true, nil
}

func (s *pendingTaskStore) Dequeue(_ context.Context, max int) ([]*postgres.QueuedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(max, len(s.pending))
	claimed := s.pending[:n]
	s.pending = s.pending[n:]
	for _, t := range claimed {
		t.Attempts++
	}
	return claimed, nil
}

func (s *pendingTaskStore) Complete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, token)
	return nil
}

func (s *pendingTaskStore) Fail(_ context.Context, token string, _ error, _ bool, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, token)
	return nil
}

func (s *pendingTaskStore) outcome() (completed, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed), len(s.failed)
}

// acceptingTenantRunner reports success without opening a unit of work.
type acceptingTenantRunner struct {
	mu     sync.Mutex
	scopes []tenant.Scope
}

func (a *acceptingTenantRunner) WithTenant(_ context.Context, scope tenant.Scope, _ func(context.Context, *postgres.UnitOfWork) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scopes = append(a.scopes, scope)
	return nil
}

func (a *acceptingTenantRunner) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.scopes)
}

func TestServeCmd_startTasks_runsTaskLeftFromPreviousRun(t *testing.T) {
	store := &pendingTaskStore{}
	_, err := store.Enqueue(context.Background(), &postgres.QueuedTask{
		Kind:    worker.KindEmailIngested,
		UserID:  uuid.NewString(),
		OrgID:   uuid.NewString(),
		Payload: []byte(`{"message_id":"<m1@example.com>","subject":"GIA-1"}`),
	})
	require.NoError(t, err)

	db := &acceptingTenantRunner{}
	runner := worker.NewRunner(db, worker.RunnerConfig{MaxTries: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	cmd := &ServeCmd{Tasks: TaskFlags{Backend: "postgres", PollInterval: 10 * time.Millisecond, BatchSize: 10}}
	tasks, err := cmd.startTasks(ctx, g, store, runner, &worker.Handlers{})
	require.NoError(t, err)
	require.NotNil(t, tasks)

	require.Eventually(t, func() bool {
		completed, _ := store.outcome()
		return completed == 1
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, g.Wait())

	completed, failed := store.outcome()
	require.Equal(t, 1, completed)
	require.Zero(t, failed)
	require.Equal(t, 1, db.calls())
}

func TestServeCmd_startTasks_memoryBackend(t *testing.T) {
	db := &acceptingTenantRunner{}
	runner := worker.NewRunner(db, worker.RunnerConfig{MaxTries: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	cmd := &ServeCmd{ShutdownTimeout: 5 * time.Second, Tasks: TaskFlags{Backend: "memory", Workers: 2, QueueSize: 8}}
	tasks, err := cmd.startTasks(ctx, g, nil, runner, &worker.Handlers{})
	require.NoError(t, err)
	require.Equal(t, []string{worker.KindDocumentAnalyze, worker.KindEmailIngested}, runner.Kinds())

	task, err := worker.NewTask(worker.KindEmailIngested, tenant.MustScope(uuid.New(), uuid.New()), worker.EmailIngested{MessageID: "<m2@example.com>"})
	require.NoError(t, err)
	require.NoError(t, tasks.Enqueue(context.Background(), task))

	require.Eventually(t, func() bool { return db.calls() == 1 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, g.Wait())
}
