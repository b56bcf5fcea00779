package worker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/peritoai/periti/internal/models"
	"github.com/peritoai/periti/internal/store"
	"github.com/peritoai/periti/internal/store/postgres"
	"github.com/rs/zerolog/log"
)

// Task kinds handled by Handlers.
const (
	KindEmailIngested   = "email.ingested"
	KindDocumentAnalyze = "document.analyze"
)

// EmailIngested is the payload of an email.ingested task: an inbound email already
// parsed by the mail gateway, with its attachments stored.
type EmailIngested struct {
	MessageID   string            `json:"message_id"`
	Sender      string            `json:"sender"`
	Subject     string            `json:"subject"`
	ReceivedAt  time.Time         `json:"received_at"`
	Attachments []EmailAttachment `json:"attachments,omitempty"`
}

// EmailAttachment is a stored attachment of an inbound email.
type EmailAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	StoragePath string `json:"storage_path"`
}

// DocumentAnalyze is the payload of a document.analyze task.
type DocumentAnalyze struct {
	DocumentID uuid.UUID `json:"document_id"`
}

// referencePattern matches case reference codes such as "PER-2026-0042" or "ROS-0001".
var referencePattern = regexp.MustCompile(`\b[A-Za-z]{2,8}(?:-[0-9]{1,6}){1,2}\b`)

// Handlers holds the collaborators of the built-in task handlers.
type Handlers struct {
	Analyzer Analyzer

	// Enqueuer receives follow-up tasks, such as the analysis of email attachments.
	// Follow-ups are skipped when nil.
	Enqueuer Enqueuer
}

// Register installs the built-in handlers on r.
func (h *Handlers) Register(r *Runner) {
	r.Handle(KindEmailIngested, h.EmailIngested)
	r.Handle(KindDocumentAnalyze, h.DocumentAnalyze)
}

// EmailIngested records an inbound email and attaches its documents to the case whose
// reference code appears in the subject. An email matching no case is kept as unmatched.
// Redelivery of a message already recorded is a no-op.
func (h *Handlers) EmailIngested(ctx context.Context, uow *postgres.UnitOfWork, task Task) error {
	var msg EmailIngested
	if err := task.Decode(&msg); err != nil {
		return err
	}
	if msg.MessageID == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidPayload)
	}

	scope := uow.Scope()
	var attached []uuid.UUID

	err := uow.InTx(ctx, func(tx pgx.Tx) error {
		emails := postgres.NewEmailLogStore(tx, scope)

		entry := &models.EmailLog{
			MessageID:  msg.MessageID,
			Sender:     msg.Sender,
			Subject:    msg.Subject,
			ReceivedAt: msg.ReceivedAt,
		}
		if err := emails.Create(ctx, entry); err != nil {
			return err
		}

		c, err := matchCase(ctx, postgres.NewCaseStore(tx, scope), msg.Subject)
		if err != nil {
			return err
		}
		if c == nil {
			return emails.MarkProcessed(ctx, entry.EmailLogID, nil, models.EmailStatusUnmatched, "")
		}

		docs := postgres.NewDocumentStore(tx, scope)
		for _, a := range msg.Attachments {
			doc := &models.Document{
				CaseID:      c.CaseID,
				Filename:    a.Filename,
				ContentType: a.ContentType,
				SizeBytes:   a.SizeBytes,
				StoragePath: a.StoragePath,
				Source:      models.DocumentSourceEmail,
				EmailLogID:  &entry.EmailLogID,
			}
			if err := docs.Create(ctx, doc); err != nil {
				return err
			}
			attached = append(attached, doc.DocumentID)
		}

		return emails.MarkProcessed(ctx, entry.EmailLogID, &c.CaseID, models.EmailStatusProcessed, "")
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		log.Info().Str("message_id", msg.MessageID).Msg("Email already ingested, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	if h.Enqueuer == nil {
		return nil
	}
	for _, id := range attached {
		follow, err := NewTask(KindDocumentAnalyze, scope, DocumentAnalyze{DocumentID: id})
		if err != nil {
			return err
		}
		follow.ID = KindDocumentAnalyze + ":" + id.String()
		if err := h.Enqueuer.Enqueue(ctx, follow); err != nil {
			// The documents are stored; analysis can be requested again.
			log.Warn().Err(err).Str("document_id", id.String()).Msg("Failed to enqueue document analysis")
		}
	}
	return nil
}

// matchCase returns the first case whose reference code appears in subject, or nil.
func matchCase(ctx context.Context, cases *postgres.CaseStore, subject string) (*models.Case, error) {
	for _, ref := range referencePattern.FindAllString(subject, -1) {
		c, err := cases.GetByReference(ctx, strings.ToUpper(ref))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, nil
}

// DocumentAnalyze runs the analyzer on a document and stores the result.
func (h *Handlers) DocumentAnalyze(ctx context.Context, uow *postgres.UnitOfWork, task Task) error {
	var req DocumentAnalyze
	if err := task.Decode(&req); err != nil {
		return err
	}
	if req.DocumentID == uuid.Nil {
		return fmt.Errorf("%w: document id is required", ErrInvalidPayload)
	}

	doc, err := uow.Documents().Get(ctx, req.DocumentID)
	if err != nil {
		return err
	}

	analyzer := h.Analyzer
	if analyzer == nil {
		analyzer = MetadataAnalyzer{}
	}

	result, err := analyzer.Analyze(ctx, doc)
	if err != nil {
		return fmt.Errorf("failed to analyze document %s: %w", doc.DocumentID, err)
	}

	return uow.DocumentAnalyses().Create(ctx, &models.DocumentAnalysis{
		DocumentID: doc.DocumentID,
		Summary:    result.Summary,
		Model:      result.Model,
	})
}
