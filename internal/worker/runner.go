package worker

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/peritoai/periti/internal/store/postgres"
	"github.com/peritoai/periti/internal/telemetry"
	"github.com/peritoai/periti/internal/tenant"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TenantRunner opens tenant-scoped units of work. *postgres.DB implements it.
type TenantRunner interface {
	WithTenant(ctx context.Context, scope tenant.Scope, fn func(ctx context.Context, uow *postgres.UnitOfWork) error) error
}

// Handler processes one task inside a unit of work bound to the task's tenant.
type Handler func(ctx context.Context, uow *postgres.UnitOfWork, task Task) error

// RunnerConfig controls retries of transient task failures.
type RunnerConfig struct {
	// MaxTries is the number of attempts per Run, including the first. Default: 3
	MaxTries uint

	// InitialInterval is the delay before the first retry. Default: 200ms
	InitialInterval time.Duration

	// MaxInterval caps the delay between retries. Default: 5s
	MaxInterval time.Duration
}

func (c *RunnerConfig) applyDefaults() {
	if c.MaxTries == 0 {
		c.MaxTries = 3
	}
	if c.InitialInterval == 0 {
		c.InitialInterval = 200 * time.Millisecond
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 5 * time.Second
	}
}

// Runner executes tasks. Each attempt resolves the task's tenant and runs the handler in
// its own unit of work, so the connection's context is cleared between attempts.
type Runner struct {
	db  TenantRunner
	cfg RunnerConfig

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRunner creates a runner opening units of work on db.
func NewRunner(db TenantRunner, cfg RunnerConfig) *Runner {
	cfg.applyDefaults()
	return &Runner{
		db:       db,
		cfg:      cfg,
		handlers: make(map[string]Handler),
	}
}

// Handle registers h for tasks of kind, replacing any previous handler.
func (r *Runner) Handle(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Kinds returns the task kinds with a registered handler, sorted.
func (r *Runner) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.handlers))
}

func (r *Runner) handler(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Run executes task, retrying transient failures with exponential backoff. A task whose
// tenant cannot be resolved fails with ErrUnresolvedTenant before any connection is used.
func (r *Runner) Run(ctx context.Context, task Task) error {
	started := time.Now()
	metrics := telemetry.GetMetrics()
	attrs := metric.WithAttributes(attribute.String("kind", task.Kind))

	logger := log.With().
		Str("task_id", task.ID).
		Str("kind", task.Kind).
		Str("org_id", task.OrgID).
		Logger()

	err := r.run(ctx, task)

	metrics.TaskDuration.Record(ctx, float64(time.Since(started).Milliseconds()), attrs)
	if err != nil {
		metrics.TasksFailedTotal.Add(ctx, 1, attrs)
		logger.Error().Err(err).Bool("permanent", IsPermanent(err)).Msg("Task failed")
		return err
	}

	metrics.TasksProcessedTotal.Add(ctx, 1, attrs)
	logger.Debug().Dur("duration", time.Since(started)).Msg("Task completed")
	return nil
}

func (r *Runner) run(ctx context.Context, task Task) error {
	scope, err := task.Scope()
	if err != nil {
		return err
	}

	h, ok := r.handler(task.Kind)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, task.Kind)
	}

	ctx = postgres.WithBackground(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := r.db.WithTenant(ctx, scope, func(ctx context.Context, uow *postgres.UnitOfWork) error {
			return h(ctx, uow, task)
		})
		if err != nil && IsPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			telemetry.GetMetrics().TasksRetriedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", task.Kind)))
			log.Warn().Err(err).
				Str("task_id", task.ID).
				Str("kind", task.Kind).
				Dur("retry_in", next).
				Msg("Task attempt failed, retrying")
		}),
	)

	return err
}
