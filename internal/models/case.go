package models

import (
	"time"

	"github.com/google/uuid"
)

// Case statuses. The set mirrors the CHECK constraint on cases.status.
const (
	CaseStatusOpen        = "open"
	CaseStatusInProgress  = "in_progress"
	CaseStatusReportDraft = "report_draft"
	CaseStatusClosed      = "closed"
	CaseStatusArchived    = "archived"
)

// Client is the insurer or broker that commissioned one or more cases.
type Client struct {
	ClientID       uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	VATNumber      string
	Email          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Case is a claim file handled by an adjuster.
type Case struct {
	CaseID         uuid.UUID
	OrganizationID uuid.UUID
	ClientID       *uuid.UUID
	ReferenceCode  string // human reference, e.g. "PER-2026-0042"
	ClaimNumber    string
	Title          string
	Status         string
	CreatedBy      uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ClosedAt       *time.Time
}

// IsClosed returns true if the case no longer accepts new material.
func (c *Case) IsClosed() bool {
	return c.Status == CaseStatusClosed || c.Status == CaseStatusArchived
}

// InsuredParty is a person or company covered by the policy under claim.
type InsuredParty struct {
	InsuredPartyID uuid.UUID
	OrganizationID uuid.UUID
	CaseID         uuid.UUID
	FullName       string
	FiscalCode     string
	PolicyNumber   string
	Phone          string
	Email          string
	CreatedAt      time.Time
}
