package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/peritoai/periti/internal/store"
)

// newID returns a time-ordered identifier for a new row.
func newID(id uuid.UUID) (uuid.UUID, error) {
	if id != uuid.Nil {
		return id, nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to generate id: %w", err)
	}
	return id, nil
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// expectOne turns an update or delete that touched no visible row into store.ErrNotFound.
func expectOne(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
