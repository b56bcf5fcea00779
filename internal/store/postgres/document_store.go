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

// DocumentStore manages document metadata attached to cases.
type DocumentStore struct {
	q     DBTX
	scope tenant.Scope
}

// NewDocumentStore creates a document store running on q for scope.
func NewDocumentStore(q DBTX, scope tenant.Scope) *DocumentStore {
	return &DocumentStore{q: q, scope: scope}
}

const documentColumns = `id, organization_id, case_id, filename, content_type, size_bytes, storage_path, source, email_log_id, created_at`

// Create attaches a document to a case of the scoped organization. A case of another
// organization is rejected by the composite foreign key with store.ErrTenantMismatch.
func (s *DocumentStore) Create(ctx context.Context, d *models.Document) error {
	id, err := newID(d.DocumentID)
	if err != nil {
		return err
	}
	d.DocumentID = id
	d.OrganizationID = s.scope.OrgID()
	if d.Source == "" {
		d.Source = models.DocumentSourceUpload
	}
	if d.ContentType == "" {
		d.ContentType = "application/octet-stream"
	}
	d.CreatedAt = now()

	_, err = s.q.Exec(ctx, `
		INSERT INTO documents (
			id, organization_id, case_id, filename, content_type, size_bytes,
			storage_path, source, email_log_id, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
	`,
		d.DocumentID,
		d.OrganizationID,
		d.CaseID,
		d.Filename,
		d.ContentType,
		d.SizeBytes,
		d.StoragePath,
		d.Source,
		d.EmailLogID,
		d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("org_id", d.OrganizationID.String()).
		Str("case_id", d.CaseID.String()).
		Str("document_id", d.DocumentID.String()).
		Str("source", d.Source).
		Msg("Created document")

	return nil
}

// Get retrieves a document by ID.
func (s *DocumentStore) Get(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	d, err := scanDocument(s.q.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", mapPostgresError(err))
	}
	return d, nil
}

// ListByCase returns the documents of a case, oldest first.
func (s *DocumentStore) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*models.Document, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE case_id = $1 ORDER BY created_at, id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", mapPostgresError(err))
	}

	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Document, error) {
		return scanDocument(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan documents: %w", mapPostgresError(err))
	}

	return docs, nil
}

// Delete removes a document and its analyses.
func (s *DocumentStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", mapPostgresError(err))
	}
	return expectOne(tag)
}

func scanDocument(row pgx.Row) (*models.Document, error) {
	var d models.Document
	err := row.Scan(
		&d.DocumentID,
		&d.OrganizationID,
		&d.CaseID,
		&d.Filename,
		&d.ContentType,
		&d.SizeBytes,
		&d.StoragePath,
		&d.Source,
		&d.EmailLogID,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
