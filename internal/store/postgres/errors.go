package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/peritoai/periti/internal/store"
)

// mapPostgresError maps PostgreSQL-specific errors to sentinel errors.
// Returns the original error if it's not a PostgreSQL error or doesn't match known patterns.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	// Invisible and missing rows look the same on purpose.
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}

	// Check if it's a PostgreSQL error
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	// Map error codes to sentinel errors
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return fmt.Errorf("%w: %s", store.ErrAlreadyExists, pgErr.ConstraintName)

	case pgerrcode.ForeignKeyViolation:
		// Deleting a parent that still has dependents is a conflict; anything else is a
		// child pointing at a parent that is missing or belongs to another tenant.
		if strings.HasPrefix(pgErr.Message, "update or delete on table") {
			return fmt.Errorf("%w: %s still referenced (%s)", store.ErrConflict, pgErr.TableName, pgErr.ConstraintName)
		}
		return fmt.Errorf("%w: %s: %s", store.ErrTenantMismatch, pgErr.ConstraintName, pgErr.Detail)

	case pgerrcode.InsufficientPrivilege:
		// Row security WITH CHECK rejection: the row would not be visible to the writer.
		if strings.Contains(pgErr.Message, "row-level security") {
			return fmt.Errorf("%w: %s", store.ErrTenantMismatch, pgErr.Message)
		}
		return fmt.Errorf("insufficient privilege: %w", err)

	case pgerrcode.IntegrityConstraintViolation:
		// Raised by the trigger guarding organization_id.
		return fmt.Errorf("%w: %s", store.ErrTenantMismatch, pgErr.Message)

	case pgerrcode.CheckViolation:
		// Invalid state or constraint violation
		return fmt.Errorf("%w: check constraint %s", store.ErrConflict, pgErr.ConstraintName)

	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
		// Retryable transaction errors
		return fmt.Errorf("transaction conflict (retryable): %w", err)

	case pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure,
		pgerrcode.CannotConnectNow,
		pgerrcode.SQLClientUnableToEstablishSQLConnection:
		// Connection errors
		return fmt.Errorf("database connection error: %w", err)

	case pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown:
		// Server unavailable
		return fmt.Errorf("database server unavailable: %w", err)

	case pgerrcode.QueryCanceled:
		// Context cancellation or timeout
		return fmt.Errorf("query canceled: %w", err)

	case pgerrcode.InsufficientResources,
		pgerrcode.DiskFull,
		pgerrcode.OutOfMemory,
		pgerrcode.TooManyConnections:
		// Resource errors (throttling-like)
		return fmt.Errorf("database resource limit: %w", err)

	case pgerrcode.InvalidTextRepresentation:
		// Malformed identifiers never match a row.
		return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.Message)

	default:
		// Unknown error - wrap with PostgreSQL error details
		return fmt.Errorf("postgres error [%s]: %s (detail: %s, hint: %s): %w",
			pgErr.Code, pgErr.Message, pgErr.Detail, pgErr.Hint, err)
	}
}
