package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/peritoai/periti/internal/models"
	"github.com/peritoai/periti/internal/tenant"
)

// DocumentAnalysisStore manages the extracted summaries of documents.
type DocumentAnalysisStore struct {
	q     DBTX
	scope tenant.Scope
}

// NewDocumentAnalysisStore creates a document analysis store running on q for scope.
func NewDocumentAnalysisStore(q DBTX, scope tenant.Scope) *DocumentAnalysisStore {
	return &DocumentAnalysisStore{q: q, scope: scope}
}

const documentAnalysisColumns = `id, organization_id, document_id, summary, model, created_at`

// Create stores an analysis of a document of the scoped organization.
func (s *DocumentAnalysisStore) Create(ctx context.Context, a *models.DocumentAnalysis) error {
	id, err := newID(a.AnalysisID)
	if err != nil {
		return err
	}
	a.AnalysisID = id
	a.OrganizationID = s.scope.OrgID()
	a.CreatedAt = now()

	_, err = s.q.Exec(ctx, `
		INSERT INTO document_analyses (id, organization_id, document_id, summary, model, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.AnalysisID, a.OrganizationID, a.DocumentID, a.Summary, a.Model, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create document analysis: %w", mapPostgresError(err))
	}

	return nil
}

// ListByDocument returns the analyses of a document, newest first.
func (s *DocumentAnalysisStore) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*models.DocumentAnalysis, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+documentAnalysisColumns+` FROM document_analyses WHERE document_id = $1 ORDER BY created_at DESC, id DESC`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list document analyses: %w", mapPostgresError(err))
	}

	analyses, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.DocumentAnalysis, error) {
		var a models.DocumentAnalysis
		if err := row.Scan(&a.AnalysisID, &a.OrganizationID, &a.DocumentID, &a.Summary, &a.Model, &a.CreatedAt); err != nil {
			return nil, err
		}
		return &a, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan document analyses: %w", mapPostgresError(err))
	}

	return analyses, nil
}
