package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/peritoai/periti/internal/models"
)

// Sentinel errors for organization store operations
var (
	ErrOrganizationNotFound      = errors.New("organization not found")
	ErrOrganizationAlreadyExists = errors.New("organization already exists")
)

// OrganizationStore defines the interface for organization storage operations.
// Organizations are the tenants themselves, so this store is not tenant-scoped and is
// only used by administrative paths and by inbound routing.
type OrganizationStore interface {
	// Create creates a new organization in the store.
	// Returns ErrOrganizationAlreadyExists if the ID or inbound alias is taken.
	Create(ctx context.Context, org *models.Organization) error

	// Get retrieves an organization by ID.
	// Returns ErrOrganizationNotFound if the organization doesn't exist.
	Get(ctx context.Context, orgID uuid.UUID) (*models.Organization, error)

	// GetByInboundAlias resolves the organization owning an intake mailbox alias.
	// Returns ErrOrganizationNotFound if no organization uses the alias.
	GetByInboundAlias(ctx context.Context, alias string) (*models.Organization, error)

	// Update updates an existing organization.
	// Returns ErrOrganizationNotFound if the organization doesn't exist.
	Update(ctx context.Context, org *models.Organization) error

	// Delete deletes an organization by ID.
	// This will cascade-delete every tenant-scoped row of the organization (via FK constraint).
	// Returns ErrOrganizationNotFound if the organization doesn't exist.
	Delete(ctx context.Context, orgID uuid.UUID) error
}
