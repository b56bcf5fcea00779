// Package pgtest starts a disposable PostgreSQL server for integration tests.
package pgtest

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// AppRole is the role the application connects as. It owns the database and is subject
// to row security: it has neither SUPERUSER nor BYPASSRLS.
const AppRole = "periti"

// Database is a running server with an application database owned by AppRole.
type Database struct {
	container testcontainers.Container

	// AppConnString connects to the application database as AppRole.
	AppConnString string

	// SuperConnString connects to the application database as a superuser.
	SuperConnString string
}

// Start runs a postgres:18-alpine container and creates the application role and database.
func Start(ctx context.Context) (*Database, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "postgres",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	db := &Database{container: container}

	host, err := container.Host(ctx)
	if err != nil {
		_ = db.Terminate(ctx)
		return nil, err
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = db.Terminate(ctx)
		return nil, err
	}

	dsn := func(user, database string) string {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, user, host, port.Port(), database)
	}

	bootstrap, err := pgxpool.New(ctx, dsn("postgres", "postgres"))
	if err != nil {
		_ = db.Terminate(ctx)
		return nil, err
	}
	defer bootstrap.Close()

	for _, stmt := range []string{
		fmt.Sprintf(`CREATE ROLE %s LOGIN PASSWORD '%s' NOSUPERUSER NOBYPASSRLS`, AppRole, AppRole),
		fmt.Sprintf(`CREATE DATABASE %s OWNER %s`, AppRole, AppRole),
	} {
		if _, err := bootstrap.Exec(ctx, stmt); err != nil {
			_ = db.Terminate(ctx)
			return nil, fmt.Errorf("%s: %w", stmt, err)
		}
	}

	db.AppConnString = dsn(AppRole, AppRole)
	db.SuperConnString = dsn("postgres", AppRole)

	return db, nil
}

// Terminate stops and removes the container.
func (d *Database) Terminate(ctx context.Context) error {
	return d.container.Terminate(ctx)
}
