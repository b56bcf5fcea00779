package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/peritoai/periti/internal/store/postgres"
	"github.com/peritoai/periti/internal/telemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TaskStore is the persistence used by DurableQueue. *postgres.TaskStore implements it.
type TaskStore interface {
	Enqueue(ctx context.Context, t *postgres.QueuedTask) (bool, error)
	Dequeue(ctx context.Context, max int) ([]*postgres.QueuedTask, error)
	Complete(ctx context.Context, token string) error
	Fail(ctx context.Context, token string, cause error, permanent bool, retryAfter time.Duration) error
}

// DurableQueueConfig controls polling of the task table.
type DurableQueueConfig struct {
	// PollInterval is the delay between polls when the previous poll found no work. Default: 1s
	PollInterval time.Duration

	// BatchSize is the number of tasks claimed per poll. Default: 10
	BatchSize int

	// MaxRetryDelay caps the delay before a failed task becomes visible again. Default: 5m
	MaxRetryDelay time.Duration
}

func (c *DurableQueueConfig) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 10
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = 5 * time.Minute
	}
}

// DurableQueue stores tasks in the task table and runs them by polling it. The tenant
// identifiers travel with each stored task and are resolved again when it runs.
type DurableQueue struct {
	store  TaskStore
	runner *Runner
	cfg    DurableQueueConfig
}

// NewDurableQueue creates a queue over store running tasks with runner.
func NewDurableQueue(store TaskStore, runner *Runner, cfg DurableQueueConfig) *DurableQueue {
	cfg.applyDefaults()
	return &DurableQueue{store: store, runner: runner, cfg: cfg}
}

// Enqueue stores task. Enqueueing a task ID that is already stored is a no-op.
func (q *DurableQueue) Enqueue(ctx context.Context, task Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	created, err := q.store.Enqueue(ctx, &postgres.QueuedTask{
		Kind:      task.Kind,
		RequestID: task.ID,
		UserID:    task.UserID,
		OrgID:     task.OrgID,
		Payload:   task.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue %s task: %w", task.Kind, err)
	}

	if created {
		telemetry.GetMetrics().TasksEnqueuedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", task.Kind)))
	}
	return nil
}

// Run polls for tasks until ctx is cancelled. Handlers must be registered on the runner
// first; a task claimed before its handler exists would be failed for good.
func (q *DurableQueue) Run(ctx context.Context) error {
	kinds := q.runner.Kinds()
	if len(kinds) == 0 {
		return ErrNoHandlers
	}

	log.Info().
		Dur("poll_interval", q.cfg.PollInterval).
		Int("batch_size", q.cfg.BatchSize).
		Strs("kinds", kinds).
		Msg("Durable task queue started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Durable task queue stopped")
			return nil
		case <-timer.C:
		}

		n, err := q.PollOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Failed to poll task queue")
		}

		// A full batch suggests more work is waiting.
		if n == q.cfg.BatchSize {
			timer.Reset(0)
		} else {
			timer.Reset(q.cfg.PollInterval)
		}
	}
}

// PollOnce claims one batch of tasks and runs them in order. It returns the number of
// tasks claimed.
func (q *DurableQueue) PollOnce(ctx context.Context) (int, error) {
	claimed, err := q.store.Dequeue(ctx, q.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, qt := range claimed {
		task := Task{
			ID:       qt.TaskID.String(),
			Kind:     qt.Kind,
			UserID:   qt.UserID,
			OrgID:    qt.OrgID,
			Payload:  qt.Payload,
			Attempts: qt.Attempts,
		}

		runErr := q.runner.Run(ctx, task)
		if runErr == nil {
			if err := q.store.Complete(ctx, qt.LeaseToken); err != nil {
				log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to complete task")
			}
			continue
		}

		permanent := IsPermanent(runErr)
		if err := q.store.Fail(ctx, qt.LeaseToken, runErr, permanent, q.retryDelay(qt.Attempts)); err != nil {
			log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to record task failure")
		}
	}

	return len(claimed), nil
}

// retryDelay doubles from one second per attempt, capped at MaxRetryDelay.
func (q *DurableQueue) retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 20 {
		return q.cfg.MaxRetryDelay
	}
	return min(time.Second<<(attempts-1), q.cfg.MaxRetryDelay)
}
