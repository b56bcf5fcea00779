// Package store defines storage contracts and the sentinel errors shared by all backends.
package store

import (
	"errors"
)

// Sentinel errors for tenant-scoped storage.
var (
	// ErrNotFound is returned when a row does not exist or is not visible to the current
	// tenant scope. The two cases are deliberately indistinguishable.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on unique constraint violations.
	ErrAlreadyExists = errors.New("already exists")

	// ErrTenantMismatch is returned when the database rejects a write that would pair rows
	// of different tenants (composite foreign key, row security check, immutable tenant id).
	// It is a data integrity error and must never be retried.
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrNoTenantScope is returned when a unit of work is started without a tenant scope.
	ErrNoTenantScope = errors.New("unit of work requires a tenant scope")

	// ErrNestedUnitOfWork is returned when a unit of work is started from inside another one.
	ErrNestedUnitOfWork = errors.New("nested unit of work")

	// ErrConflict is returned when a write conflicts with dependent rows or a concurrent update.
	ErrConflict = errors.New("conflict")

	// ErrInvalidLease is returned when a task lease token is malformed, forged or expired.
	ErrInvalidLease = errors.New("invalid task lease")
)

// IsPermanent reports whether err can never succeed on retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrTenantMismatch) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrNoTenantScope) ||
		errors.Is(err, ErrNestedUnitOfWork)
}
