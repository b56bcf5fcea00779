package models

import (
	"time"

	"github.com/google/uuid"
)

// Organization represents an organization (tenant) in the system.
// Every tenant-scoped row references exactly one organization.
type Organization struct {
	OrgID     uuid.UUID // UUIDv7
	Name      string
	VATNumber string
	// InboundAlias is the local part of the intake mailbox, used to route inbound email.
	InboundAlias string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// User is an adjuster belonging to an organization.
type User struct {
	UserID         uuid.UUID // UUIDv7
	OrganizationID uuid.UUID
	Email          string
	FullName       string
	Role           string // "admin", "adjuster"
	CreatedAt      time.Time
}

// User roles.
const (
	RoleAdmin    = "admin"
	RoleAdjuster = "adjuster"
)
