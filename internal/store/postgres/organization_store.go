package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/peritoai/periti/internal/models"
	"github.com/peritoai/periti/internal/store"
	"github.com/rs/zerolog/log"
)

// OrganizationStore implements store.OrganizationStore using PostgreSQL.
// Organizations are the root of the tenant hierarchy and carry no row security, so the
// store runs on an administrative connection rather than inside a unit of work.
type OrganizationStore struct {
	q DBTX
}

// NewOrganizationStore creates a new PostgreSQL-backed organization store.
func NewOrganizationStore(q DBTX) *OrganizationStore {
	return &OrganizationStore{
		q: q,
	}
}

const organizationColumns = `id, name, vat_number, coalesce(inbound_alias, ''), created_at, updated_at`

// Create creates a new organization in the database.
func (s *OrganizationStore) Create(ctx context.Context, org *models.Organization) error {
	if org.OrgID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate organization id: %w", err)
		}
		org.OrgID = id
	}
	now := time.Now().UTC()
	if org.CreatedAt.IsZero() {
		org.CreatedAt = now
	}
	org.UpdatedAt = org.CreatedAt
	org.InboundAlias = normalizeAlias(org.InboundAlias)

	query := `
		INSERT INTO organizations (
			id, name, vat_number, inbound_alias, created_at, updated_at
		) VALUES (
			$1, $2, $3, NULLIF($4, ''), $5, $6
		)
	`

	_, err := s.q.Exec(ctx, query,
		org.OrgID,
		org.Name,
		org.VATNumber,
		org.InboundAlias,
		org.CreatedAt,
		org.UpdatedAt,
	)
	if err != nil {
		if errors.Is(mapPostgresError(err), store.ErrAlreadyExists) {
			return store.ErrOrganizationAlreadyExists
		}
		return fmt.Errorf("failed to create organization: %w", err)
	}

	log.Debug().
		Str("org_id", org.OrgID.String()).
		Str("name", org.Name).
		Msg("Created organization")

	return nil
}

// Get retrieves an organization by ID.
func (s *OrganizationStore) Get(ctx context.Context, orgID uuid.UUID) (*models.Organization, error) {
	query := `SELECT ` + organizationColumns + ` FROM organizations WHERE id = $1`

	org, err := scanOrganization(s.q.QueryRow(ctx, query, orgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	return org, nil
}

// GetByInboundAlias resolves the organization owning an intake mailbox alias.
func (s *OrganizationStore) GetByInboundAlias(ctx context.Context, alias string) (*models.Organization, error) {
	alias = normalizeAlias(alias)
	if alias == "" {
		return nil, store.ErrOrganizationNotFound
	}

	query := `SELECT ` + organizationColumns + ` FROM organizations WHERE inbound_alias = $1`

	org, err := scanOrganization(s.q.QueryRow(ctx, query, alias))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("failed to get organization by alias: %w", err)
	}

	return org, nil
}

// Update updates an existing organization.
func (s *OrganizationStore) Update(ctx context.Context, org *models.Organization) error {
	org.UpdatedAt = time.Now().UTC()
	org.InboundAlias = normalizeAlias(org.InboundAlias)

	query := `
		UPDATE organizations SET
			name = $2,
			vat_number = $3,
			inbound_alias = NULLIF($4, ''),
			updated_at = $5
		WHERE id = $1
	`

	result, err := s.q.Exec(ctx, query,
		org.OrgID,
		org.Name,
		org.VATNumber,
		org.InboundAlias,
		org.UpdatedAt,
	)
	if err != nil {
		if errors.Is(mapPostgresError(err), store.ErrAlreadyExists) {
			return store.ErrOrganizationAlreadyExists
		}
		return fmt.Errorf("failed to update organization: %w", err)
	}

	if result.RowsAffected() == 0 {
		return store.ErrOrganizationNotFound
	}

	log.Debug().
		Str("org_id", org.OrgID.String()).
		Msg("Updated organization")

	return nil
}

// Delete deletes an organization by ID.
// Every tenant-scoped row of the organization is removed via ON DELETE CASCADE.
func (s *OrganizationStore) Delete(ctx context.Context, orgID uuid.UUID) error {
	result, err := s.q.Exec(ctx, `DELETE FROM organizations WHERE id = $1`, orgID)
	if err != nil {
		return fmt.Errorf("failed to delete organization: %w", err)
	}

	if result.RowsAffected() == 0 {
		return store.ErrOrganizationNotFound
	}

	log.Info().
		Str("org_id", orgID.String()).
		Msg("Deleted organization (and cascade-deleted all tenant rows)")

	return nil
}

func scanOrganization(row pgx.Row) (*models.Organization, error) {
	var org models.Organization
	err := row.Scan(
		&org.OrgID,
		&org.Name,
		&org.VATNumber,
		&org.InboundAlias,
		&org.CreatedAt,
		&org.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func normalizeAlias(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}
