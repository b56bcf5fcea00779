package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peritoai/periti/internal/api"
	"github.com/peritoai/periti/internal/auth"
	"github.com/peritoai/periti/internal/store/postgres"
	"github.com/peritoai/periti/internal/telemetry"
	"github.com/peritoai/periti/internal/worker"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type ServeCmd struct {
	// Server configuration
	Listen          string        `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"PERITI_LISTEN"`
	Cert            string        `help:"path to TLS cert file, serves plain HTTP when empty" default:"" env:"PERITI_TLS_CERT"`
	Key             string        `help:"path to TLS key file" default:"" env:"PERITI_TLS_KEY"`
	ShutdownTimeout time.Duration `help:"time allowed for in-flight requests on shutdown" default:"15s" env:"PERITI_SHUTDOWN_TIMEOUT"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"https://localhost" env:"PERITI_CORS_ORIGINS"`
	TrustProxy  bool     `help:"trust X-Forwarded-For and X-Real-IP headers" default:"false" env:"PERITI_TRUST_PROXY"`

	// Identity configuration
	JWTSecret    string `help:"HMAC secret verifying HS256 API tokens" env:"PERITI_JWT_SECRET"`
	JWTPublicKey string `help:"PEM encoded ECDSA public key verifying ES256 API tokens" env:"PERITI_JWT_PUBLIC_KEY"`

	// Email intake
	WebhookSecret string `help:"shared secret of the mail gateway, enables the inbound email webhook" env:"PERITI_WEBHOOK_SECRET"`

	// Observability
	Tracing     bool    `help:"enable OpenTelemetry tracing and metrics export" default:"false" env:"PERITI_TRACING"`
	SampleRatio float64 `help:"fraction of traces sampled" default:"1" env:"PERITI_TRACE_SAMPLE_RATIO"`

	// Schema checks
	AutoMigrate  bool `help:"run database migrations on startup" default:"false" env:"PERITI_AUTO_MIGRATE"`
	SkipRLSCheck bool `help:"start even if the isolation audit reports findings (development only)" default:"false" env:"PERITI_SKIP_RLS_CHECK"`

	Postgres PostgresFlags `embed:"" prefix:"postgres-"`
	Tasks    TaskFlags     `embed:"" prefix:"tasks-"`
}

// TaskFlags configures background task execution.
type TaskFlags struct {
	Backend           string        `help:"task queue backend (memory or postgres)" default:"postgres" enum:"memory,postgres" env:"PERITI_TASKS_BACKEND"`
	LeaseSecret       string        `help:"secret key for HMAC signing of task leases" env:"PERITI_TASKS_LEASE_SECRET"`
	Workers           int           `help:"number of in-process workers (memory backend)" default:"4"`
	QueueSize         int           `help:"capacity of the in-process queue (memory backend)" default:"256"`
	PollInterval      time.Duration `help:"delay between polls of an empty task table" default:"1s"`
	BatchSize         int           `help:"tasks claimed per poll" default:"10"`
	VisibilityTimeout int32         `help:"seconds a claimed task stays hidden from other workers" default:"300"`
	MaxAttempts       int32         `help:"claims after which a failing task is marked failed" default:"5"`
	MaxTries          uint          `help:"in-process retries of a transient failure per claim" default:"3"`
}

func (t *TaskFlags) Validate() error {
	if t.Backend == "postgres" && len(t.LeaseSecret) < 32 {
		return errors.New("task lease secret must be at least 32 bytes (--tasks-lease-secret or PERITI_TASKS_LEASE_SECRET)")
	}
	return nil
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := globals.setupLogger()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if err := c.Postgres.Validate(); err != nil {
		return err
	}

	resolver, err := c.resolver()
	if err != nil {
		return err
	}

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "periti",
			Version:     globals.Version,
			SampleRatio: c.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	db, err := postgres.NewDB(ctx, c.Postgres.poolConfig())
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer db.Close()

	if c.AutoMigrate {
		if err := postgres.RunMigrations(ctx, db.Pool()); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info().Msg("Database migrations completed")
	}

	if err := c.checkIsolation(ctx, log, db); err != nil {
		return err
	}

	unregister, err := db.RegisterMetrics()
	if err != nil {
		return err
	}
	defer unregister()

	runner := worker.NewRunner(db, worker.RunnerConfig{MaxTries: c.Tasks.MaxTries})

	if err := c.Tasks.Validate(); err != nil {
		return err
	}
	var taskStore worker.TaskStore
	if c.Tasks.Backend != "memory" {
		taskStore, err = postgres.NewTaskStore(db.Pool(), postgres.TaskStoreConfig{
			LeaseSigningSecret: []byte(c.Tasks.LeaseSecret),
			VisibilityTimeout:  c.Tasks.VisibilityTimeout,
			MaxAttempts:        c.Tasks.MaxAttempts,
		})
		if err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	tasks, err := c.startTasks(ctx, g, taskStore, runner, &worker.Handlers{})
	if err != nil {
		return err
	}

	server := api.NewServer(db, resolver, tasks, log, api.Config{
		CORSOrigins: c.CORSOrigins,
		TrustProxy:  c.TrustProxy,
		Tracing:     c.Tracing,
	})
	if c.WebhookSecret != "" {
		server = server.WithEmailIntake(postgres.NewOrganizationStore(db.Pool()), c.WebhookSecret)
		log.Info().Msg("Inbound email webhook enabled")
	}

	httpServer := configureHTTPServer(c.Listen, server.Handler())

	g.Go(func() error {
		db.MonitorPool(ctx, time.Minute)
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", c.Listen).Bool("tls", c.Cert != "").Msg("Starting HTTP server")
		var err error
		if c.Cert != "" {
			err = httpServer.ListenAndServeTLS(c.Cert, c.Key)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (c *ServeCmd) resolver() (auth.Resolver, error) {
	switch {
	case c.JWTPublicKey != "":
		return auth.NewES256ResolverFromPEM(c.JWTPublicKey)
	case c.JWTSecret != "":
		return auth.NewHS256Resolver([]byte(c.JWTSecret))
	default:
		return nil, errors.New("a JWT secret or public key is required (--jwt-secret or --jwt-public-key)")
	}
}

// checkIsolation refuses to serve from a schema the isolation audit rejects.
func (c *ServeCmd) checkIsolation(ctx context.Context, log zerolog.Logger, db *postgres.DB) error {
	report, err := postgres.AuditIsolation(ctx, db.Pool())
	if err != nil {
		return fmt.Errorf("failed to audit tenant isolation: %w", err)
	}
	if report.OK() {
		log.Info().Int("tables", report.TablesChecked).Str("role", report.Role).Msg("Tenant isolation audit passed")
		return nil
	}

	for _, f := range report.Findings {
		log.Error().Str("table", f.Table).Str("code", string(f.Code)).Msg(f.Detail)
	}
	if c.SkipRLSCheck {
		log.Warn().Int("findings", len(report.Findings)).Msg("Serving despite isolation findings (--skip-rls-check)")
		return nil
	}
	return fmt.Errorf("tenant isolation audit reported %d findings", len(report.Findings))
}

// startTasks builds the task backend, registers handlers on runner and only then starts
// the backend in g, so tasks left over from a previous run find their handler. A nil
// taskStore selects the in-process queue.
func (c *ServeCmd) startTasks(ctx context.Context, g *errgroup.Group, taskStore worker.TaskStore, runner *worker.Runner, handlers *worker.Handlers) (worker.Enqueuer, error) {
	if taskStore == nil {
		mem, err := worker.NewQueue(runner, worker.QueueConfig{
			Workers:  c.Tasks.Workers,
			Capacity: c.Tasks.QueueSize,
		})
		if err != nil {
			return nil, err
		}

		handlers.Enqueuer = mem
		handlers.Register(runner)

		if err := mem.Start(ctx); err != nil {
			mem.Stop(ctx)
			return nil, err
		}
		g.Go(func() error {
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
			defer cancel()
			mem.Stop(stopCtx)
			return nil
		})
		return mem, nil
	}

	durable := worker.NewDurableQueue(taskStore, runner, worker.DurableQueueConfig{
		PollInterval: c.Tasks.PollInterval,
		BatchSize:    c.Tasks.BatchSize,
	})

	handlers.Enqueuer = durable
	handlers.Register(runner)

	g.Go(func() error {
		return durable.Run(ctx)
	})
	return durable, nil
}
