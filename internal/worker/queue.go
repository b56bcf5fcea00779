package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/saaskit/pkg/queue"
	"github.com/google/uuid"
	"github.com/peritoai/periti/internal/logger"
	"github.com/peritoai/periti/internal/telemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const memoryQueueName = "periti"

// QueueConfig controls the in-process queue.
type QueueConfig struct {
	// Workers is the number of tasks run at the same time. Default: 4
	Workers int

	// Capacity bounds the tasks waiting or running. Default: 256
	Capacity int

	// PullInterval is how often an idle worker slot looks for a task. Default: 50ms
	PullInterval time.Duration
}

func (c *QueueConfig) applyDefaults() {
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.Capacity < 1 {
		c.Capacity = 256
	}
	if c.PullInterval <= 0 {
		c.PullInterval = 50 * time.Millisecond
	}
}

// Queue runs tasks in process on a saaskit queue worker over memory storage. Tasks are
// lost if the process exits; use DurableQueue for work that must survive a restart.
// Retries happen inside Runner.Run, so the queue itself never retries a task.
type Queue struct {
	runner   *Runner
	cfg      QueueConfig
	storage  *queue.MemoryStorage
	enqueuer *queue.Enqueuer
	worker   *queue.Worker

	pending atomic.Int64

	mu      sync.RWMutex
	started bool
	stopped bool

	// OnDone, if set, is called after each task with the outcome of Runner.Run.
	OnDone func(task Task, err error)
}

// NewQueue creates a queue running tasks with runner.
func NewQueue(runner *Runner, cfg QueueConfig) (*Queue, error) {
	cfg.applyDefaults()

	storage := queue.NewMemoryStorage()

	enqueuer, err := queue.NewEnqueuer(storage, queue.WithDefaultQueue(memoryQueueName))
	if err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("failed to create enqueuer: %w", err)
	}

	w, err := queue.NewWorker(storage,
		queue.WithQueues(memoryQueueName),
		queue.WithPullInterval(cfg.PullInterval),
		queue.WithMaxConcurrentTasks(cfg.Workers),
		queue.WithWorkerLogger(logger.Slog(log.Logger)),
	)
	if err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	q := &Queue{
		runner:   runner,
		cfg:      cfg,
		storage:  storage,
		enqueuer: enqueuer,
		worker:   w,
	}
	if err := w.RegisterHandler(queue.NewTaskHandler[Task](q.run)); err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("failed to register task handler: %w", err)
	}

	return q, nil
}

func (q *Queue) run(ctx context.Context, task Task) error {
	defer q.pending.Add(-1)

	err := q.runner.Run(ctx, task)
	if q.OnDone != nil {
		q.OnDone(task, err)
	}
	return err
}

// Start launches the worker. It keeps pulling tasks until Stop, even after ctx is done,
// so that Stop can drain what was already accepted.
func (q *Queue) Start(ctx context.Context) error {
	kinds := q.runner.Kinds()
	if len(kinds) == 0 {
		return ErrNoHandlers
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrQueueStopped
	}
	if err := q.worker.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to start task worker: %w", err)
	}
	q.started = true

	log.Info().
		Int("workers", q.cfg.Workers).
		Int("capacity", q.cfg.Capacity).
		Strs("kinds", kinds).
		Msg("Task queue started")
	return nil
}

// Enqueue accepts task without blocking. It returns ErrQueueFull when Capacity tasks are
// already waiting or running and ErrQueueStopped after Stop.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.stopped {
		return ErrQueueStopped
	}
	if q.pending.Add(1) > int64(q.cfg.Capacity) {
		q.pending.Add(-1)
		return ErrQueueFull
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	if err := q.enqueuer.Enqueue(ctx, task, queue.WithMaxRetries(0)); err != nil {
		q.pending.Add(-1)
		return fmt.Errorf("failed to enqueue %s task: %w", task.Kind, err)
	}

	telemetry.GetMetrics().TasksEnqueuedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", task.Kind)))
	return nil
}

// Pending returns the number of tasks waiting or running.
func (q *Queue) Pending() int {
	return int(q.pending.Load())
}

// Stop refuses new tasks and waits until the accepted ones have run or ctx is done, then
// stops the worker. Tasks still waiting when ctx ends are dropped.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	started := q.started
	q.mu.Unlock()

	if started {
		if !q.drain(ctx) {
			log.Warn().Int("pending", q.Pending()).Msg("Task queue stopped with tasks still pending")
		}
		if err := q.worker.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop task worker")
		}
	}
	_ = q.storage.Close()

	log.Info().Msg("Task queue stopped")
}

func (q *Queue) drain(ctx context.Context) bool {
	ticker := time.NewTicker(q.cfg.PullInterval)
	defer ticker.Stop()

	for q.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}
