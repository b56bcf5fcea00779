package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/peritoai/periti/internal/store"
	"github.com/peritoai/periti/internal/tenant"
)

var (
	// ErrUnresolvedTenant is returned for a task whose organization or user cannot be
	// resolved. Such a task fails; it is never run without tenant context.
	ErrUnresolvedTenant = errors.New("task tenant could not be resolved")

	// ErrUnknownKind is returned when no handler is registered for a task kind.
	ErrUnknownKind = errors.New("unknown task kind")

	// ErrNoHandlers is returned when a queue is started before any handler is registered.
	ErrNoHandlers = errors.New("no task handlers registered")

	// ErrInvalidPayload is returned when a task payload cannot be decoded.
	ErrInvalidPayload = errors.New("invalid task payload")

	// ErrQueueFull is returned when the in-process queue has no free slot.
	ErrQueueFull = errors.New("task queue is full")

	// ErrQueueStopped is returned when enqueueing on a stopped queue.
	ErrQueueStopped = errors.New("task queue is stopped")
)

// Task is a unit of background work. It carries the identifiers of the user and
// organization it runs for as plain strings, as they were recorded when it was enqueued.
type Task struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	UserID   string          `json:"user_id"`
	OrgID    string          `json:"org_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
}

// Enqueuer accepts tasks for asynchronous execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, task Task) error
}

// NewTask builds a task of kind for scope with payload encoded as JSON.
func NewTask(kind string, scope tenant.Scope, payload any) (Task, error) {
	if scope.IsZero() {
		return Task{}, fmt.Errorf("%w: %s task needs a tenant scope", ErrUnresolvedTenant, kind)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}

	return Task{
		ID:      uuid.NewString(),
		Kind:    kind,
		UserID:  scope.UserID().String(),
		OrgID:   scope.OrgID().String(),
		Payload: raw,
	}, nil
}

// intakeNamespace derives intake user identifiers; it must never change.
var intakeNamespace = uuid.MustParse("6f1d3c2a-8b4e-4f59-9a61-2c7e0d5b8a13")

// IntakeScope is the scope inbound email runs under. The user is a stable identifier
// derived from the organization, so rows created from email record the same creator.
func IntakeScope(orgID uuid.UUID) (tenant.Scope, error) {
	return tenant.NewScope(uuid.NewSHA1(intakeNamespace, orgID[:]), orgID)
}

// Scope resolves the tenant the task runs for.
func (t Task) Scope() (tenant.Scope, error) {
	scope, err := tenant.ParseScope(t.UserID, t.OrgID)
	if err != nil {
		return tenant.Scope{}, fmt.Errorf("%w: task %s (%s): %w", ErrUnresolvedTenant, t.ID, t.Kind, err)
	}
	return scope, nil
}

// Decode unmarshals the task payload into v.
func (t Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidPayload, t.Kind, err)
	}
	return nil
}

// IsPermanent reports whether a task failing with err can never succeed on retry.
// Tenant mismatches, unresolved tenants and missing rows are never retried.
func IsPermanent(err error) bool {
	return store.IsPermanent(err) ||
		errors.Is(err, store.ErrConflict) ||
		errors.Is(err, ErrUnresolvedTenant) ||
		errors.Is(err, ErrUnknownKind) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, tenant.ErrInvalidScope)
}
