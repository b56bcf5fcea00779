package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/peritoai/periti/internal/models"
	"github.com/peritoai/periti/internal/store"
)

// OrganizationStore implements store.OrganizationStore using in-memory storage.
// This implementation is for development and tests only - data is lost on restart.
type OrganizationStore struct {
	mu sync.RWMutex

	organizations map[uuid.UUID]*models.Organization // org_id -> Organization
	aliases       map[string]uuid.UUID                 // inbound alias -> org_id
}

// NewOrganizationStore creates a new in-memory organization store.
func NewOrganizationStore() *OrganizationStore {
	return &OrganizationStore{
		organizations: make(map[uuid.UUID]*models.Organization),
		aliases:       make(map[string]uuid.UUID),
	}
}

// Create creates a new organization in memory.
func (s *OrganizationStore) Create(ctx context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.organizations[org.OrgID]; exists {
		return store.ErrOrganizationAlreadyExists
	}

	alias := normalizeAlias(org.InboundAlias)
	if alias != "" {
		if _, taken := s.aliases[alias]; taken {
			return store.ErrOrganizationAlreadyExists
		}
		s.aliases[alias] = org.OrgID
	}

	// Clone to avoid external modifications
	clone := *org
	s.organizations[org.OrgID] = &clone

	return nil
}

// Get retrieves an organization by ID.
func (s *OrganizationStore) Get(ctx context.Context, orgID uuid.UUID) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	org, exists := s.organizations[orgID]
	if !exists {
		return nil, store.ErrOrganizationNotFound
	}

	clone := *org
	return &clone, nil
}

// GetByInboundAlias resolves an organization from its intake mailbox alias.
func (s *OrganizationStore) GetByInboundAlias(ctx context.Context, alias string) (*models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orgID, ok := s.aliases[normalizeAlias(alias)]
	if !ok {
		return nil, store.ErrOrganizationNotFound
	}

	clone := *s.organizations[orgID]
	return &clone, nil
}

// Update updates an existing organization.
func (s *OrganizationStore) Update(ctx context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.organizations[org.OrgID]
	if !exists {
		return store.ErrOrganizationNotFound
	}

	alias := normalizeAlias(org.InboundAlias)
	if owner, taken := s.aliases[alias]; taken && alias != "" && owner != org.OrgID {
		return store.ErrOrganizationAlreadyExists
	}
	delete(s.aliases, normalizeAlias(existing.InboundAlias))
	if alias != "" {
		s.aliases[alias] = org.OrgID
	}

	org.UpdatedAt = time.Now()

	clone := *org
	s.organizations[org.OrgID] = &clone

	return nil
}

// Delete deletes an organization by ID.
// Note: the in-memory store holds no tenant rows, so there is nothing to cascade.
func (s *OrganizationStore) Delete(ctx context.Context, orgID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	org, exists := s.organizations[orgID]
	if !exists {
		return store.ErrOrganizationNotFound
	}

	delete(s.aliases, normalizeAlias(org.InboundAlias))
	delete(s.organizations, orgID)

	return nil
}

func normalizeAlias(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}
