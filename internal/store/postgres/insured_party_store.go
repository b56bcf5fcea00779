package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/peritoai/periti/internal/models"
	"github.com/peritoai/periti/internal/tenant"
)

// InsuredPartyStore manages the parties covered by the policy under claim.
type InsuredPartyStore struct {
	q     DBTX
	scope tenant.Scope
}

// NewInsuredPartyStore creates an insured party store running on q for scope.
func NewInsuredPartyStore(q DBTX, scope tenant.Scope) *InsuredPartyStore {
	return &InsuredPartyStore{q: q, scope: scope}
}

const insuredPartyColumns = `id, organization_id, case_id, full_name, fiscal_code, policy_number, phone, email, created_at`

// Create adds an insured party to a case.
func (s *InsuredPartyStore) Create(ctx context.Context, p *models.InsuredParty) error {
	id, err := newID(p.InsuredPartyID)
	if err != nil {
		return err
	}
	p.InsuredPartyID = id
	p.OrganizationID = s.scope.OrgID()
	p.CreatedAt = now()

	_, err = s.q.Exec(ctx, `
		INSERT INTO insured_parties (
			id, organization_id, case_id, full_name, fiscal_code, policy_number, phone, email, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
	`, p.InsuredPartyID, p.OrganizationID, p.CaseID, p.FullName, p.FiscalCode, p.PolicyNumber, p.Phone, p.Email, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create insured party: %w", mapPostgresError(err))
	}

	return nil
}

// Get retrieves an insured party by ID.
func (s *InsuredPartyStore) Get(ctx context.Context, id uuid.UUID) (*models.InsuredParty, error) {
	p, err := scanInsuredParty(s.q.QueryRow(ctx, `SELECT `+insuredPartyColumns+` FROM insured_parties WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get insured party: %w", mapPostgresError(err))
	}
	return p, nil
}

// ListByCase returns the insured parties of a case.
func (s *InsuredPartyStore) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*models.InsuredParty, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+insuredPartyColumns+` FROM insured_parties WHERE case_id = $1 ORDER BY full_name`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list insured parties: %w", mapPostgresError(err))
	}

	parties, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.InsuredParty, error) {
		return scanInsuredParty(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan insured parties: %w", mapPostgresError(err))
	}

	return parties, nil
}

// Update updates the contact and policy details of an insured party.
func (s *InsuredPartyStore) Update(ctx context.Context, p *models.InsuredParty) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE insured_parties SET
			full_name = $2, fiscal_code = $3, policy_number = $4, phone = $5, email = $6
		WHERE id = $1
	`, p.InsuredPartyID, p.FullName, p.FiscalCode, p.PolicyNumber, p.Phone, p.Email)
	if err != nil {
		return fmt.Errorf("failed to update insured party: %w", mapPostgresError(err))
	}
	return expectOne(tag)
}

// Delete removes an insured party.
func (s *InsuredPartyStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM insured_parties WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete insured party: %w", mapPostgresError(err))
	}
	return expectOne(tag)
}

func scanInsuredParty(row pgx.Row) (*models.InsuredParty, error) {
	var p models.InsuredParty
	err := row.Scan(
		&p.InsuredPartyID,
		&p.OrganizationID,
		&p.CaseID,
		&p.FullName,
		&p.FiscalCode,
		&p.PolicyNumber,
		&p.Phone,
		&p.Email,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
