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

// ClientStore manages the insurers and brokers of the scoped organization.
type ClientStore struct {
	q     DBTX
	scope tenant.Scope
}

// NewClientStore creates a client store running on q for scope.
func NewClientStore(q DBTX, scope tenant.Scope) *ClientStore {
	return &ClientStore{q: q, scope: scope}
}

const clientColumns = `id, organization_id, name, vat_number, email, created_at, updated_at`

// Create adds a client to the scoped organization.
func (s *ClientStore) Create(ctx context.Context, c *models.Client) error {
	id, err := newID(c.ClientID)
	if err != nil {
		return err
	}
	c.ClientID = id
	c.OrganizationID = s.scope.OrgID()
	c.CreatedAt = now()
	c.UpdatedAt = c.CreatedAt

	_, err = s.q.Exec(ctx, `
		INSERT INTO clients (id, organization_id, name, vat_number, email, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ClientID, c.OrganizationID, c.Name, c.VATNumber, c.Email, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("org_id", c.OrganizationID.String()).
		Str("client_id", c.ClientID.String()).
		Msg("Created client")

	return nil
}

// Get retrieves a client by ID.
func (s *ClientStore) Get(ctx context.Context, clientID uuid.UUID) (*models.Client, error) {
	c, err := scanClient(s.q.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, clientID))
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", mapPostgresError(err))
	}
	return c, nil
}

// List returns the clients of the scoped organization ordered by name.
func (s *ClientStore) List(ctx context.Context) ([]*models.Client, error) {
	rows, err := s.q.Query(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", mapPostgresError(err))
	}

	clients, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Client, error) {
		return scanClient(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan clients: %w", mapPostgresError(err))
	}

	return clients, nil
}

// Update updates the descriptive fields of a client.
func (s *ClientStore) Update(ctx context.Context, c *models.Client) error {
	c.UpdatedAt = now()

	tag, err := s.q.Exec(ctx, `
		UPDATE clients SET name = $2, vat_number = $3, email = $4, updated_at = $5
		WHERE id = $1
	`, c.ClientID, c.Name, c.VATNumber, c.Email, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update client: %w", mapPostgresError(err))
	}

	return expectOne(tag)
}

// Delete removes a client. Returns store.ErrConflict while cases still reference it.
func (s *ClientStore) Delete(ctx context.Context, clientID uuid.UUID) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM clients WHERE id = $1`, clientID)
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", mapPostgresError(err))
	}

	return expectOne(tag)
}

func scanClient(row pgx.Row) (*models.Client, error) {
	var c models.Client
	if err := row.Scan(&c.ClientID, &c.OrganizationID, &c.Name, &c.VATNumber, &c.Email, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}
