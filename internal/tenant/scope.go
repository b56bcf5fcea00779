// Package tenant defines the tenant scope carried by every unit of work.
//
// A Scope pairs the acting user with the organization whose rows the unit of work may
// touch. The zero Scope means "no tenant" and is never accepted where a tenant is required.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInvalidScope is returned when a scope is built from a missing or malformed identifier.
	ErrInvalidScope = errors.New("invalid tenant scope")

	// ErrNoScope is returned when a tenant scope is required but absent.
	ErrNoScope = errors.New("no tenant scope")
)

// Scope identifies the user and organization a unit of work runs on behalf of.
type Scope struct {
	userID uuid.UUID
	orgID  uuid.UUID
}

// NewScope builds a scope, rejecting nil identifiers.
func NewScope(userID, orgID uuid.UUID) (Scope, error) {
	if userID == uuid.Nil {
		return Scope{}, fmt.Errorf("%w: user id is required", ErrInvalidScope)
	}
	if orgID == uuid.Nil {
		return Scope{}, fmt.Errorf("%w: organization id is required", ErrInvalidScope)
	}
	return Scope{userID: userID, orgID: orgID}, nil
}

// MustScope is NewScope for tests and fixtures; it panics on invalid input.
func MustScope(userID, orgID uuid.UUID) Scope {
	s, err := NewScope(userID, orgID)
	if err != nil {
		panic(err)
	}
	return s
}

// ParseScope builds a scope from string identifiers such as token claims or task payloads.
func ParseScope(userID, orgID string) (Scope, error) {
	if userID == "" || orgID == "" {
		return Scope{}, fmt.Errorf("%w: user and organization ids are required", ErrInvalidScope)
	}
	uid, err := uuid.Parse(userID)
	if err != nil {
		return Scope{}, fmt.Errorf("%w: user id: %v", ErrInvalidScope, err)
	}
	oid, err := uuid.Parse(orgID)
	if err != nil {
		return Scope{}, fmt.Errorf("%w: organization id: %v", ErrInvalidScope, err)
	}
	return NewScope(uid, oid)
}

// UserID returns the acting user.
func (s Scope) UserID() uuid.UUID { return s.userID }

// OrgID returns the organization the scope is bound to.
func (s Scope) OrgID() uuid.UUID { return s.orgID }

// IsZero reports whether the scope is absent.
func (s Scope) IsZero() bool {
	return s.userID == uuid.Nil || s.orgID == uuid.Nil
}

func (s Scope) String() string {
	if s.IsZero() {
		return "tenant(none)"
	}
	return fmt.Sprintf("tenant(org=%s user=%s)", s.orgID, s.userID)
}

type contextKey struct{}

// WithScope returns a copy of ctx carrying the scope. An absent scope is not stored.
func WithScope(ctx context.Context, s Scope) context.Context {
	if s.IsZero() {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the scope stored by WithScope.
// The boolean is false when no scope is present; there is no fallback tenant.
func FromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(contextKey{}).(Scope)
	if !ok || s.IsZero() {
		return Scope{}, false
	}
	return s, true
}

// Require returns the scope stored in ctx or ErrNoScope.
func Require(ctx context.Context) (Scope, error) {
	s, ok := FromContext(ctx)
	if !ok {
		return Scope{}, ErrNoScope
	}
	return s, nil
}
