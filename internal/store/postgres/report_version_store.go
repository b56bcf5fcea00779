package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/peritoai/periti/internal/lifecycle"
	"github.com/peritoai/periti/internal/models"
	"github.com/peritoai/periti/internal/store"
	"github.com/peritoai/periti/internal/tenant"
	"github.com/rs/zerolog/log"
)

// ReportVersionStore manages the expert report revisions of cases.
type ReportVersionStore struct {
	q     DBTX
	scope tenant.Scope
}

// NewReportVersionStore creates a report version store running on q for scope.
func NewReportVersionStore(q DBTX, scope tenant.Scope) *ReportVersionStore {
	return &ReportVersionStore{q: q, scope: scope}
}

const reportVersionColumns = `id, organization_id, case_id, version, content, is_final, created_by, created_at, finalized_at`

// Create stores the next revision of the case report and moves the case to report_draft
// in the same transaction. The version number is assigned here.
func (s *ReportVersionStore) Create(ctx context.Context, rv *models.ReportVersion) error {
	id, err := newID(rv.ReportVersionID)
	if err != nil {
		return err
	}
	rv.ReportVersionID = id
	rv.OrganizationID = s.scope.OrgID()
	if rv.CreatedBy == uuid.Nil {
		rv.CreatedBy = s.scope.UserID()
	}
	rv.IsFinal = false
	rv.FinalizedAt = nil
	rv.CreatedAt = now()

	err = pgx.BeginFunc(ctx, s.q, func(tx pgx.Tx) error {
		if _, err := transitionCase(ctx, tx, rv.CaseID, lifecycle.DraftReport); err != nil {
			return err
		}

		// The case row lock taken above serializes numbering per case.
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(max(version), 0) + 1 FROM report_versions WHERE case_id = $1`, rv.CaseID,
		).Scan(&rv.Version)
		if err != nil {
			return fmt.Errorf("failed to number report version: %w", mapPostgresError(err))
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO report_versions (
				id, organization_id, case_id, version, content, is_final, created_by, created_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8
			)
		`, rv.ReportVersionID, rv.OrganizationID, rv.CaseID, rv.Version, rv.Content, rv.IsFinal, rv.CreatedBy, rv.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create report version: %w", mapPostgresError(err))
		}

		return nil
	})
	if err != nil {
		return err
	}

	log.Debug().
		Str("case_id", rv.CaseID.String()).
		Int("version", rv.Version).
		Msg("Created report version")

	return nil
}

// Get retrieves a report version by ID.
func (s *ReportVersionStore) Get(ctx context.Context, id uuid.UUID) (*models.ReportVersion, error) {
	rv, err := scanReportVersion(s.q.QueryRow(ctx, `SELECT `+reportVersionColumns+` FROM report_versions WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get report version: %w", mapPostgresError(err))
	}
	return rv, nil
}

// Latest returns the highest numbered version of the case report.
func (s *ReportVersionStore) Latest(ctx context.Context, caseID uuid.UUID) (*models.ReportVersion, error) {
	rv, err := scanReportVersion(s.q.QueryRow(ctx,
		`SELECT `+reportVersionColumns+` FROM report_versions WHERE case_id = $1 ORDER BY version DESC LIMIT 1`, caseID))
	if err != nil {
		return nil, fmt.Errorf("failed to get latest report version: %w", mapPostgresError(err))
	}
	return rv, nil
}

// ListByCase returns every version of the case report in ascending order.
func (s *ReportVersionStore) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*models.ReportVersion, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+reportVersionColumns+` FROM report_versions WHERE case_id = $1 ORDER BY version`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list report versions: %w", mapPostgresError(err))
	}

	versions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.ReportVersion, error) {
		return scanReportVersion(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan report versions: %w", mapPostgresError(err))
	}

	return versions, nil
}

// Finalize marks the latest version of a case report final and closes the case in one
// transaction. Older versions and versions already final are refused with
// store.ErrConflict. If the case cannot be closed nothing is written.
func (s *ReportVersionStore) Finalize(ctx context.Context, id uuid.UUID) (*models.ReportVersion, error) {
	var rv *models.ReportVersion
	err := pgx.BeginFunc(ctx, s.q, func(tx pgx.Tx) error {
		current, err := scanReportVersion(tx.QueryRow(ctx, `SELECT `+reportVersionColumns+` FROM report_versions WHERE id = $1`, id))
		if err != nil {
			return fmt.Errorf("failed to get report version: %w", mapPostgresError(err))
		}

		// Holding the case row keeps Create from numbering a newer version meanwhile.
		if _, err := tx.Exec(ctx, `SELECT 1 FROM cases WHERE id = $1 FOR UPDATE`, current.CaseID); err != nil {
			return fmt.Errorf("failed to lock case: %w", mapPostgresError(err))
		}

		var latest int
		err = tx.QueryRow(ctx, `SELECT max(version) FROM report_versions WHERE case_id = $1`, current.CaseID).Scan(&latest)
		if err != nil {
			return fmt.Errorf("failed to read latest report version: %w", mapPostgresError(err))
		}

		switch {
		case current.IsFinal:
			return fmt.Errorf("%w: report version %d is already final", store.ErrConflict, current.Version)
		case current.Version != latest:
			return fmt.Errorf("%w: report version %d is not the latest (%d)", store.ErrConflict, current.Version, latest)
		}

		rv, err = scanReportVersion(tx.QueryRow(ctx, `
			UPDATE report_versions SET is_final = true, finalized_at = $2
			WHERE id = $1
			RETURNING `+reportVersionColumns,
			id, now()))
		if err != nil {
			return fmt.Errorf("failed to finalize report version: %w", mapPostgresError(err))
		}

		_, err = transitionCase(ctx, tx, rv.CaseID, lifecycle.Finalize)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("case_id", rv.CaseID.String()).
		Int("version", rv.Version).
		Msg("Finalized report")

	return rv, nil
}

func scanReportVersion(row pgx.Row) (*models.ReportVersion, error) {
	var rv models.ReportVersion
	err := row.Scan(
		&rv.ReportVersionID,
		&rv.OrganizationID,
		&rv.CaseID,
		&rv.Version,
		&rv.Content,
		&rv.IsFinal,
		&rv.CreatedBy,
		&rv.CreatedAt,
		&rv.FinalizedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rv, nil
}
