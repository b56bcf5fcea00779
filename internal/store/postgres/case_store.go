package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/peritoai/periti/internal/lifecycle"
	"github.com/peritoai/periti/internal/models"
	"github.com/peritoai/periti/internal/store"
	"github.com/peritoai/periti/internal/tenant"
	"github.com/rs/zerolog/log"
)

// CaseStore manages the claim files of the scoped organization.
// Reads carry no organization predicate; row security filters them.
type CaseStore struct {
	q     DBTX
	scope tenant.Scope
}

// NewCaseStore creates a case store running on q for scope.
func NewCaseStore(q DBTX, scope tenant.Scope) *CaseStore {
	return &CaseStore{q: q, scope: scope}
}

// CaseFilter narrows a case listing. Zero values match everything.
type CaseFilter struct {
	Status   string
	ClientID *uuid.UUID
	Limit    int
}

const caseColumns = `id, organization_id, client_id, reference_code, claim_number, title, status, created_by, created_at, updated_at, closed_at`

// Create opens a new case in the scoped organization. The creator defaults to the scoped user.
func (s *CaseStore) Create(ctx context.Context, c *models.Case) error {
	id, err := newID(c.CaseID)
	if err != nil {
		return err
	}
	c.CaseID = id
	c.OrganizationID = s.scope.OrgID()
	if c.CreatedBy == uuid.Nil {
		c.CreatedBy = s.scope.UserID()
	}
	c.Status = models.CaseStatusOpen
	c.CreatedAt = now()
	c.UpdatedAt = c.CreatedAt
	c.ClosedAt = nil

	_, err = s.q.Exec(ctx, `
		INSERT INTO cases (
			id, organization_id, client_id, reference_code, claim_number, title,
			status, created_by, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
	`,
		c.CaseID,
		c.OrganizationID,
		c.ClientID,
		c.ReferenceCode,
		c.ClaimNumber,
		c.Title,
		c.Status,
		c.CreatedBy,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create case: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("org_id", c.OrganizationID.String()).
		Str("case_id", c.CaseID.String()).
		Str("reference_code", c.ReferenceCode).
		Msg("Created case")

	return nil
}

// Get retrieves a case by ID.
func (s *CaseStore) Get(ctx context.Context, caseID uuid.UUID) (*models.Case, error) {
	c, err := scanCase(s.q.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, caseID))
	if err != nil {
		return nil, fmt.Errorf("failed to get case: %w", mapPostgresError(err))
	}
	return c, nil
}

// GetByReference retrieves a case by its human reference code, case-insensitively.
func (s *CaseStore) GetByReference(ctx context.Context, ref string) (*models.Case, error) {
	c, err := scanCase(s.q.QueryRow(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE upper(reference_code) = upper($1)`, strings.TrimSpace(ref)))
	if err != nil {
		return nil, fmt.Errorf("failed to get case by reference: %w", mapPostgresError(err))
	}
	return c, nil
}

// List returns cases matching filter, newest first.
func (s *CaseStore) List(ctx context.Context, filter CaseFilter) ([]*models.Case, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ClientID != nil {
		args = append(args, *filter.ClientID)
		where = append(where, fmt.Sprintf("client_id = $%d", len(args)))
	}

	query := `SELECT ` + caseColumns + ` FROM cases`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", mapPostgresError(err))
	}

	cases, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Case, error) {
		return scanCase(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan cases: %w", mapPostgresError(err))
	}

	return cases, nil
}

// Update updates the descriptive fields of a case. Status only changes through Transition.
func (s *CaseStore) Update(ctx context.Context, c *models.Case) error {
	c.UpdatedAt = now()

	tag, err := s.q.Exec(ctx, `
		UPDATE cases SET
			client_id = $2,
			claim_number = $3,
			title = $4,
			updated_at = $5
		WHERE id = $1
	`, c.CaseID, c.ClientID, c.ClaimNumber, c.Title, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update case: %w", mapPostgresError(err))
	}

	return expectOne(tag)
}

// Delete removes a case together with its documents, reports and insured parties.
func (s *CaseStore) Delete(ctx context.Context, caseID uuid.UUID) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM cases WHERE id = $1`, caseID)
	if err != nil {
		return fmt.Errorf("failed to delete case: %w", mapPostgresError(err))
	}

	if err := expectOne(tag); err != nil {
		return err
	}

	log.Info().
		Str("org_id", s.scope.OrgID().String()).
		Str("case_id", caseID.String()).
		Msg("Deleted case")

	return nil
}

// Transition fires event on the case and persists the resulting status.
// Transitions the lifecycle refuses are reported as store.ErrConflict, and so are events
// that only report version changes may fire.
func (s *CaseStore) Transition(ctx context.Context, caseID uuid.UUID, event lifecycle.Event) (*models.Case, error) {
	if event.ReportDriven() {
		return nil, fmt.Errorf("%w: %s is fired by report versions", store.ErrConflict, event)
	}

	var c *models.Case
	err := pgx.BeginFunc(ctx, s.q, func(tx pgx.Tx) error {
		var err error
		c, err = transitionCase(ctx, tx, caseID, event)
		return err
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// transitionCase locks the case row, evaluates the lifecycle and writes the new status.
func transitionCase(ctx context.Context, tx pgx.Tx, caseID uuid.UUID, event lifecycle.Event) (*models.Case, error) {
	c, err := scanCase(tx.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1 FOR UPDATE`, caseID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock case: %w", mapPostgresError(err))
	}

	var facts lifecycle.Facts
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM report_versions WHERE case_id = $1 AND is_final)`, caseID,
	).Scan(&facts.HasFinalReport)
	if err != nil {
		return nil, fmt.Errorf("failed to read case facts: %w", mapPostgresError(err))
	}

	from := lifecycle.State(c.Status)
	to, err := lifecycle.Next(ctx, from, event, facts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrConflict, err)
	}

	ts := now()
	c.Status = string(to)
	c.UpdatedAt = ts
	switch {
	case to == lifecycle.Closed:
		c.ClosedAt = &ts
	case from == lifecycle.Closed && to != lifecycle.Archived:
		c.ClosedAt = nil
	}

	_, err = tx.Exec(ctx, `UPDATE cases SET status = $2, updated_at = $3, closed_at = $4 WHERE id = $1`,
		c.CaseID, c.Status, c.UpdatedAt, c.ClosedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update case status: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("case_id", c.CaseID.String()).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("event", string(event)).
		Msg("Case transitioned")

	return c, nil
}

func scanCase(row pgx.Row) (*models.Case, error) {
	var c models.Case
	err := row.Scan(
		&c.CaseID,
		&c.OrganizationID,
		&c.ClientID,
		&c.ReferenceCode,
		&c.ClaimNumber,
		&c.Title,
		&c.Status,
		&c.CreatedBy,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
