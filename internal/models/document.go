package models

import (
	"time"

	"github.com/google/uuid"
)

// Document sources.
const (
	DocumentSourceUpload = "upload"
	DocumentSourceEmail  = "email"
)

// Document is a file attached to a case. Only metadata lives in the database;
// the object itself is stored under StoragePath.
type Document struct {
	DocumentID     uuid.UUID
	OrganizationID uuid.UUID
	CaseID         uuid.UUID
	Filename       string
	ContentType    string
	SizeBytes      int64
	StoragePath    string
	Source         string
	EmailLogID     *uuid.UUID
	CreatedAt      time.Time
}

// DocumentAnalysis is the extracted summary of a document.
type DocumentAnalysis struct {
	AnalysisID     uuid.UUID
	OrganizationID uuid.UUID
	DocumentID     uuid.UUID
	Summary        string
	Model          string
	CreatedAt      time.Time
}

// ReportVersion is one generated revision of the expert report for a case.
type ReportVersion struct {
	ReportVersionID uuid.UUID
	OrganizationID  uuid.UUID
	CaseID          uuid.UUID
	Version         int
	Content         string
	IsFinal         bool
	CreatedBy       uuid.UUID
	CreatedAt       time.Time
	FinalizedAt     *time.Time
}

// Email log statuses.
const (
	EmailStatusReceived  = "received"
	EmailStatusProcessed = "processed"
	EmailStatusUnmatched = "unmatched"
	EmailStatusFailed    = "failed"
)

// EmailLog records an inbound email routed to an organization.
type EmailLog struct {
	EmailLogID     uuid.UUID
	OrganizationID uuid.UUID
	CaseID         *uuid.UUID
	MessageID      string
	Sender         string
	Subject        string
	Status         string
	Error          string
	ReceivedAt     time.Time
	ProcessedAt    *time.Time
}
