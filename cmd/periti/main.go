package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/peritoai/periti/cmd/periti/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool `help:"Enable debug mode." env:"PERITI_DEBUG"`
		Version kong.VersionFlag

		Serve    commands.ServeCmd    `cmd:"" help:"Start the API server and task workers"`
		Migrate  commands.MigrateCmd  `cmd:"" help:"Apply, revert or inspect database migrations"`
		CheckRLS commands.CheckRLSCmd `cmd:"" name:"check-rls" help:"Audit the tenant isolation of the schema"`
		Org      commands.OrgCmd      `cmd:"" help:"Manage organizations"`
		Token    commands.TokenCmd    `cmd:"" help:"Issue an API token for a user"`
	}
)

func main() {
	// A missing .env file is not an error; flags and the environment still apply.
	_ = godotenv.Load()

	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("periti"),
		kong.Description("Tenant-isolated case file service for insurance adjusters."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
