package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/peritoai/periti/internal/lifecycle"
	"github.com/peritoai/periti/internal/models"
)

type caseResponse struct {
	ID            uuid.UUID         `json:"id"`
	ClientID      *uuid.UUID        `json:"client_id,omitempty"`
	ReferenceCode string            `json:"reference_code"`
	ClaimNumber   string            `json:"claim_number,omitempty"`
	Title         string            `json:"title"`
	Status        string            `json:"status"`
	Events        []lifecycle.Event `json:"available_events"`
	CreatedBy     uuid.UUID         `json:"created_by"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	ClosedAt      *time.Time        `json:"closed_at,omitempty"`
}

func newCaseResponse(c *models.Case) caseResponse {
	events := lifecycle.Available(lifecycle.State(c.Status))
	if events == nil {
		events = []lifecycle.Event{}
	}
	return caseResponse{
		ID:            c.CaseID,
		ClientID:      c.ClientID,
		ReferenceCode: c.ReferenceCode,
		ClaimNumber:   c.ClaimNumber,
		Title:         c.Title,
		Status:        c.Status,
		Events:        events,
		CreatedBy:     c.CreatedBy,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		ClosedAt:      c.ClosedAt,
	}
}

type createCaseRequest struct {
	ReferenceCode string     `json:"reference_code"`
	ClaimNumber   string     `json:"claim_number"`
	Title         string     `json:"title"`
	ClientID      *uuid.UUID `json:"client_id"`
}

type caseEventRequest struct {
	Event string `json:"event"`
}

type documentResponse struct {
	ID             uuid.UUID  `json:"id"`
	CaseID         uuid.UUID  `json:"case_id"`
	Filename       string     `json:"filename"`
	ContentType    string     `json:"content_type"`
	SizeBytes      int64      `json:"size_bytes"`
	StoragePath    string     `json:"storage_path,omitempty"`
	Source         string     `json:"source"`
	EmailLogID     *uuid.UUID `json:"email_log_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	AnalysisQueued *bool      `json:"analysis_queued,omitempty"`
}

func newDocumentResponse(d *models.Document) documentResponse {
	return documentResponse{
		ID:          d.DocumentID,
		CaseID:      d.CaseID,
		Filename:    d.Filename,
		ContentType: d.ContentType,
		SizeBytes:   d.SizeBytes,
		StoragePath: d.StoragePath,
		Source:      d.Source,
		EmailLogID:  d.EmailLogID,
		CreatedAt:   d.CreatedAt,
	}
}

type createDocumentRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	StoragePath string `json:"storage_path"`
}

type analysisResponse struct {
	ID         uuid.UUID `json:"id"`
	DocumentID uuid.UUID `json:"document_id"`
	Summary    string    `json:"summary"`
	Model      string    `json:"model"`
	CreatedAt  time.Time `json:"created_at"`
}

type reportResponse struct {
	ID          uuid.UUID  `json:"id"`
	CaseID      uuid.UUID  `json:"case_id"`
	Version     int        `json:"version"`
	Content     string     `json:"content"`
	IsFinal     bool       `json:"is_final"`
	CreatedBy   uuid.UUID  `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

func newReportResponse(rv *models.ReportVersion) reportResponse {
	return reportResponse{
		ID:          rv.ReportVersionID,
		CaseID:      rv.CaseID,
		Version:     rv.Version,
		Content:     rv.Content,
		IsFinal:     rv.IsFinal,
		CreatedBy:   rv.CreatedBy,
		CreatedAt:   rv.CreatedAt,
		FinalizedAt: rv.FinalizedAt,
	}
}

type createReportRequest struct {
	Content string `json:"content"`
}

type emailLogResponse struct {
	ID          uuid.UUID  `json:"id"`
	CaseID      *uuid.UUID `json:"case_id,omitempty"`
	MessageID   string     `json:"message_id"`
	Sender      string     `json:"sender"`
	Subject     string     `json:"subject"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}
