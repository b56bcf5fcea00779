package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationState describes whether a migration has been applied.
type MigrationState struct {
	Version   int64
	Path      string
	Applied   bool
	AppliedAt time.Time
}

// newMigrationProvider bridges the pgx pool to database/sql for goose. The returned close
// function releases the bridge only; the pool stays open.
func newMigrationProvider(pool *pgxpool.Pool) (*goose.Provider, func(), error) {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open migrations directory: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	closeDB := func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close migration connection")
		}
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("failed to create migration provider: %w", err)
	}

	return provider, closeDB, nil
}

// RunMigrations applies all pending migrations in version order.
// Each migration runs in its own transaction; a failure stops at that migration.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	log.Info().Msg("Running database migrations")

	provider, closeDB, err := newMigrationProvider(pool)
	if err != nil {
		return err
	}
	defer closeDB()

	results, err := provider.Up(ctx)
	for _, r := range results {
		logMigrationResult(r)
	}
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info().Int("applied", len(results)).Msg("All migrations completed successfully")
	return nil
}

// RollbackMigration reverts the most recently applied migration.
func RollbackMigration(ctx context.Context, pool *pgxpool.Pool) error {
	provider, closeDB, err := newMigrationProvider(pool)
	if err != nil {
		return err
	}
	defer closeDB()

	result, err := provider.Down(ctx)
	if result != nil {
		logMigrationResult(result)
	}
	if err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}

	return nil
}

// MigrationStatus reports every known migration and whether it has been applied.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool) ([]MigrationState, error) {
	provider, closeDB, err := newMigrationProvider(pool)
	if err != nil {
		return nil, err
	}
	defer closeDB()

	statuses, err := provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration status: %w", err)
	}

	states := make([]MigrationState, 0, len(statuses))
	for _, s := range statuses {
		states = append(states, MigrationState{
			Version:   s.Source.Version,
			Path:      s.Source.Path,
			Applied:   s.State == goose.StateApplied,
			AppliedAt: s.AppliedAt,
		})
	}

	return states, nil
}

func logMigrationResult(r *goose.MigrationResult) {
	if r == nil || r.Source == nil {
		return
	}

	event := log.Info()
	if r.Error != nil {
		event = log.Error().Err(r.Error)
	}

	event.
		Int64("version", r.Source.Version).
		Str("path", r.Source.Path).
		Str("direction", r.Direction).
		Dur("duration", r.Duration).
		Bool("empty", r.Empty).
		Msg("Migration executed")
}
