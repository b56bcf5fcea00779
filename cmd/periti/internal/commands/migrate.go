package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/peritoai/periti/internal/store/postgres"
)

type MigrateCmd struct {
	Up     MigrateUpCmd     `cmd:"" help:"Apply all pending migrations"`
	Down   MigrateDownCmd   `cmd:"" help:"Revert the most recent migration"`
	Status MigrateStatusCmd `cmd:"" help:"List migrations and whether they are applied"`

	Postgres PostgresFlags `embed:"" prefix:"postgres-"`
}

// AfterApply makes the shared flags available to the subcommands.
func (c *MigrateCmd) AfterApply(kctx *kong.Context) error {
	kctx.Bind(&c.Postgres)
	return nil
}

type MigrateUpCmd struct{}

func (c *MigrateUpCmd) Run(ctx context.Context, globals *Globals, pg *PostgresFlags) error {
	log := globals.setupLogger()
	if err := pg.Validate(); err != nil {
		return err
	}

	pool, err := pg.adminPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return err
	}
	log.Info().Msg("Database migrations completed")
	return nil
}

type MigrateDownCmd struct{}

func (c *MigrateDownCmd) Run(ctx context.Context, globals *Globals, pg *PostgresFlags) error {
	globals.setupLogger()
	if err := pg.Validate(); err != nil {
		return err
	}

	pool, err := pg.adminPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	return postgres.RollbackMigration(ctx, pool)
}

type MigrateStatusCmd struct{}

func (c *MigrateStatusCmd) Run(ctx context.Context, globals *Globals, pg *PostgresFlags) error {
	globals.setupLogger()
	if err := pg.Validate(); err != nil {
		return err
	}

	pool, err := pg.adminPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	states, err := postgres.MigrationStatus(ctx, pool)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tAPPLIED\tAPPLIED AT\tSOURCE")
	for _, s := range states {
		appliedAt := "-"
		if s.Applied {
			appliedAt = s.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%t\t%s\t%s\n", s.Version, s.Applied, appliedAt, s.Path)
	}
	return w.Flush()
}
