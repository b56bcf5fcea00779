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

// EmailLogStore records inbound email routed to the scoped organization.
type EmailLogStore struct {
	q     DBTX
	scope tenant.Scope
}

// NewEmailLogStore creates an email log store running on q for scope.
func NewEmailLogStore(q DBTX, scope tenant.Scope) *EmailLogStore {
	return &EmailLogStore{q: q, scope: scope}
}

const emailLogColumns = `id, organization_id, case_id, message_id, sender, subject, status, error, received_at, processed_at`

// Create records a received email. A message ID seen before for the organization
// returns store.ErrAlreadyExists.
func (s *EmailLogStore) Create(ctx context.Context, e *models.EmailLog) error {
	id, err := newID(e.EmailLogID)
	if err != nil {
		return err
	}
	e.EmailLogID = id
	e.OrganizationID = s.scope.OrgID()
	if e.Status == "" {
		e.Status = models.EmailStatusReceived
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = now()
	}

	_, err = s.q.Exec(ctx, `
		INSERT INTO email_logs (
			id, organization_id, case_id, message_id, sender, subject, status, error, received_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
	`, e.EmailLogID, e.OrganizationID, e.CaseID, e.MessageID, e.Sender, e.Subject, e.Status, e.Error, e.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to create email log: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("org_id", e.OrganizationID.String()).
		Str("email_log_id", e.EmailLogID.String()).
		Str("message_id", e.MessageID).
		Msg("Recorded inbound email")

	return nil
}

// Get retrieves an email log by ID.
func (s *EmailLogStore) Get(ctx context.Context, id uuid.UUID) (*models.EmailLog, error) {
	e, err := scanEmailLog(s.q.QueryRow(ctx, `SELECT `+emailLogColumns+` FROM email_logs WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get email log: %w", mapPostgresError(err))
	}
	return e, nil
}

// MarkProcessed records the outcome of processing an email. caseID is the case the email
// was matched to, or nil when unmatched.
func (s *EmailLogStore) MarkProcessed(ctx context.Context, id uuid.UUID, caseID *uuid.UUID, status, errMsg string) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE email_logs SET case_id = $2, status = $3, error = $4, processed_at = $5
		WHERE id = $1
	`, id, caseID, status, errMsg, now())
	if err != nil {
		return fmt.Errorf("failed to update email log: %w", mapPostgresError(err))
	}
	return expectOne(tag)
}

// List returns the most recent email logs, newest first. A limit of zero returns all.
func (s *EmailLogStore) List(ctx context.Context, limit int) ([]*models.EmailLog, error) {
	query := `SELECT ` + emailLogColumns + ` FROM email_logs ORDER BY received_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list email logs: %w", mapPostgresError(err))
	}

	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.EmailLog, error) {
		return scanEmailLog(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan email logs: %w", mapPostgresError(err))
	}

	return logs, nil
}

func scanEmailLog(row pgx.Row) (*models.EmailLog, error) {
	var e models.EmailLog
	err := row.Scan(
		&e.EmailLogID,
		&e.OrganizationID,
		&e.CaseID,
		&e.MessageID,
		&e.Sender,
		&e.Subject,
		&e.Status,
		&e.Error,
		&e.ReceivedAt,
		&e.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
