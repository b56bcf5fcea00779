package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/peritoai/periti/internal/logger"
	"github.com/peritoai/periti/internal/store/postgres"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Globals struct {
	Debug   bool
	Version string
}

// setupLogger configures the process logger; package code logs through zerolog/log.
func (g *Globals) setupLogger() zerolog.Logger {
	l := logger.Setup(g.Debug)
	log.Logger = l
	return l
}

// PostgresFlags configures the connection pool shared by every command.
type PostgresFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32 `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32 `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`
	ClearTimeout    int32 `help:"seconds allowed for clearing tenant context before the connection is destroyed" default:"2"`
}

func (p *PostgresFlags) Validate() error {
	if p.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

func (p *PostgresFlags) poolConfig() *postgres.PoolConfig {
	return &postgres.PoolConfig{
		ConnString:      p.ConnString,
		MaxConns:        p.MaxConns,
		MinConns:        p.MinConns,
		MaxConnLifetime: p.MaxConnLifetime,
		MaxConnIdleTime: p.MaxConnIdleTime,
		ClearTimeout:    p.ClearTimeout,
	}
}

// adminPool opens a small pool for administrative commands.
func (p *PostgresFlags) adminPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg := p.poolConfig()
	cfg.MaxConns = 2
	cfg.MinConns = 1
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return pool, nil
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      time.Minute,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}
