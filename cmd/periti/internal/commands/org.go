package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kong"
	"github.com/peritoai/periti/internal/models"
	"github.com/peritoai/periti/internal/store/postgres"
)

type OrgCmd struct {
	Create OrgCreateCmd `cmd:"" help:"Create an organization"`

	Postgres PostgresFlags `embed:"" prefix:"postgres-"`
}

func (c *OrgCmd) AfterApply(kctx *kong.Context) error {
	kctx.Bind(&c.Postgres)
	return nil
}

type OrgCreateCmd struct {
	Name         string `help:"organization name" required:""`
	VATNumber    string `help:"VAT number" name:"vat-number"`
	InboundAlias string `help:"local part of the intake mailbox"`
}

func (c *OrgCreateCmd) Run(ctx context.Context, globals *Globals, pg *PostgresFlags) error {
	globals.setupLogger()
	if err := pg.Validate(); err != nil {
		return err
	}

	pool, err := pg.adminPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	org := &models.Organization{
		Name:         c.Name,
		VATNumber:    c.VATNumber,
		InboundAlias: c.InboundAlias,
	}
	if err := postgres.NewOrganizationStore(pool).Create(ctx, org); err != nil {
		return err
	}

	fmt.Println(org.OrgID)
	return nil
}
