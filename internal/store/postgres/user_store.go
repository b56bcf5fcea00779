package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/peritoai/periti/internal/models"
	"github.com/peritoai/periti/internal/tenant"
	"github.com/rs/zerolog/log"
)

// UserStore manages the adjusters of the scoped organization.
type UserStore struct {
	q     DBTX
	scope tenant.Scope
}

// NewUserStore creates a user store running on q for scope.
func NewUserStore(q DBTX, scope tenant.Scope) *UserStore {
	return &UserStore{q: q, scope: scope}
}

const userColumns = `id, organization_id, email, full_name, role, created_at`

// Create adds a user to the scoped organization.
func (s *UserStore) Create(ctx context.Context, u *models.User) error {
	id, err := newID(u.UserID)
	if err != nil {
		return err
	}
	u.UserID = id
	u.OrganizationID = s.scope.OrgID()
	if u.Role == "" {
		u.Role = models.RoleAdjuster
	}
	u.CreatedAt = now()

	_, err = s.q.Exec(ctx, `
		INSERT INTO users (id, organization_id, email, full_name, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.UserID, u.OrganizationID, u.Email, u.FullName, u.Role, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("org_id", u.OrganizationID.String()).
		Str("user_id", u.UserID.String()).
		Msg("Created user")

	return nil
}

// Get retrieves a user by ID.
func (s *UserStore) Get(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	u, err := scanUser(s.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", mapPostgresError(err))
	}
	return u, nil
}

// GetByEmail retrieves a user of the scoped organization by email.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := scanUser(s.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", mapPostgresError(err))
	}
	return u, nil
}

// List returns the users of the scoped organization ordered by email.
func (s *UserStore) List(ctx context.Context) ([]*models.User, error) {
	rows, err := s.q.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", mapPostgresError(err))
	}

	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.User, error) {
		return scanUser(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan users: %w", mapPostgresError(err))
	}

	return users, nil
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.UserID, &u.OrganizationID, &u.Email, &u.FullName, &u.Role, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}
