package commands

import (
	"context"
	"fmt"

	"github.com/peritoai/periti/internal/store/postgres"
)

// CheckRLSCmd audits the schema as the role the server connects with. It fails when any
// tenant table could leak rows across organizations.
type CheckRLSCmd struct {
	Postgres PostgresFlags `embed:"" prefix:"postgres-"`
}

func (c *CheckRLSCmd) Run(ctx context.Context, globals *Globals) error {
	globals.setupLogger()
	if err := c.Postgres.Validate(); err != nil {
		return err
	}

	pool, err := c.Postgres.adminPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	report, err := postgres.AuditIsolation(ctx, pool)
	if err != nil {
		return err
	}

	fmt.Printf("role %s, %d tenant tables checked\n", report.Role, report.TablesChecked)
	for _, f := range report.Findings {
		fmt.Println(f.String())
	}
	if !report.OK() {
		return fmt.Errorf("%d isolation findings", len(report.Findings))
	}
	fmt.Println("ok")
	return nil
}
