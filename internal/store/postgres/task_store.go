package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/peritoai/periti/internal/store"
	"github.com/rs/zerolog/log"
)

// Task queue states.
const (
	TaskStateScheduled = "scheduled"
	TaskStateRunning   = "running"
	TaskStateCompleted = "completed"
	TaskStateFailed    = "failed"
)

// TaskStoreConfig holds configuration for the durable task queue.
type TaskStoreConfig struct {
	// LeaseSigningSecret signs lease tokens handed to workers. At least 32 bytes.
	LeaseSigningSecret []byte

	// VisibilityTimeout is how long a claimed task stays hidden from other workers (in seconds).
	// Default: 300
	VisibilityTimeout int32

	// MaxAttempts is the number of claims after which a failing task is marked failed.
	// Default: 5
	MaxAttempts int32
}

// Validate checks that the configuration is valid.
func (c *TaskStoreConfig) Validate() error {
	if len(c.LeaseSigningSecret) < 32 {
		return fmt.Errorf("lease signing secret must be at least 32 bytes")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *TaskStoreConfig) ApplyDefaults() {
	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = 300
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
}

// QueuedTask is a background task as stored in the queue.
type QueuedTask struct {
	TaskID     uuid.UUID
	Kind       string
	RequestID  string
	UserID     string
	OrgID      string
	Payload    json.RawMessage
	State      string
	Attempts   int
	LastError  string
	LeaseToken string // set on claimed tasks
	CreatedAt  time.Time
}

// TaskStore is a durable task queue on the admin pool. It does not touch tenant tables.
type TaskStore struct {
	q   DBTX
	cfg TaskStoreConfig
}

// NewTaskStore creates a task store running on q.
func NewTaskStore(q DBTX, cfg TaskStoreConfig) (*TaskStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task store config: %w", err)
	}
	return &TaskStore{q: q, cfg: cfg}, nil
}

// Enqueue adds a task with idempotency on RequestID. If a task with the same request ID
// exists its ID is copied into t and created is false.
func (s *TaskStore) Enqueue(ctx context.Context, t *QueuedTask) (created bool, err error) {
	if t.RequestID == "" {
		return false, fmt.Errorf("request id is required")
	}
	id, err := newID(t.TaskID)
	if err != nil {
		return false, err
	}
	payload := t.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	var returned uuid.UUID
	err = s.q.QueryRow(ctx, `
		INSERT INTO task_queue (id, kind, request_id, user_id, org_id, payload, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (request_id) DO NOTHING
		RETURNING id
	`, id, t.Kind, t.RequestID, t.UserID, t.OrgID, []byte(payload), TaskStateScheduled).Scan(&returned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			existing, err := s.getByRequestID(ctx, t.RequestID)
			if err != nil {
				return false, err
			}
			*t = *existing
			log.Debug().
				Str("task_id", t.TaskID.String()).
				Str("request_id", t.RequestID).
				Msg("Task already exists (idempotent)")
			return false, nil
		}
		return false, fmt.Errorf("failed to enqueue task: %w", mapPostgresError(err))
	}

	t.TaskID = returned
	t.State = TaskStateScheduled
	t.Payload = payload

	log.Info().
		Str("task_id", t.TaskID.String()).
		Str("kind", t.Kind).
		Str("request_id", t.RequestID).
		Msg("Enqueued task")

	return true, nil
}

// Dequeue claims up to max scheduled tasks using SELECT FOR UPDATE SKIP LOCKED. Each
// claimed task carries a lease token for Complete, Fail or Release.
func (s *TaskStore) Dequeue(ctx context.Context, max int) ([]*QueuedTask, error) {
	rows, err := s.q.Query(ctx, `
		WITH claimable AS (
			SELECT id
			FROM task_queue
			WHERE state = $1
			  AND (visibility_until IS NULL OR visibility_until < now())
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE task_queue t
		SET
			state = $3,
			attempts = t.attempts + 1,
			visibility_until = now() + $4 * INTERVAL '1 second',
			receipt_handle = gen_random_uuid(),
			updated_at = now()
		FROM claimable
		WHERE t.id = claimable.id
		RETURNING t.id, t.kind, t.request_id, t.user_id, t.org_id, t.payload, t.attempts, t.receipt_handle, t.created_at
	`, TaskStateScheduled, max, TaskStateRunning, s.cfg.VisibilityTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue tasks: %w", mapPostgresError(err))
	}

	tasks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*QueuedTask, error) {
		var (
			t       QueuedTask
			receipt uuid.UUID
			payload []byte
		)
		err := row.Scan(&t.TaskID, &t.Kind, &t.RequestID, &t.UserID, &t.OrgID, &payload, &t.Attempts, &receipt, &t.CreatedAt)
		if err != nil {
			return nil, err
		}
		t.Payload = payload
		t.State = TaskStateRunning
		t.LeaseToken = s.encodeLeaseToken(t.TaskID.String(), receipt.String())
		return &t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan dequeued tasks: %w", mapPostgresError(err))
	}

	if len(tasks) > 0 {
		log.Info().Int("dequeued", len(tasks)).Int("max", max).Msg("Dequeued tasks")
	} else {
		log.Debug().Int("max", max).Msg("No tasks available to dequeue")
	}

	return tasks, nil
}

// Complete marks a claimed task as done.
func (s *TaskStore) Complete(ctx context.Context, token string) error {
	lt, err := s.decodeLeaseToken(token)
	if err != nil {
		return err
	}

	tag, err := s.q.Exec(ctx, `
		UPDATE task_queue
		SET state = $1, visibility_until = NULL, receipt_handle = NULL, last_error = '', updated_at = now()
		WHERE id = $2 AND receipt_handle = $3::uuid
	`, TaskStateCompleted, lt.TaskID, lt.ReceiptHandle)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task not found or lease superseded", store.ErrInvalidLease)
	}

	log.Debug().Str("task_id", lt.TaskID).Msg("Completed task")
	return nil
}

// Fail records a failed run. A permanent failure, or one on the last allowed attempt,
// marks the task failed; otherwise it becomes claimable again after retryAfter.
func (s *TaskStore) Fail(ctx context.Context, token string, cause error, permanent bool, retryAfter time.Duration) error {
	lt, err := s.decodeLeaseToken(token)
	if err != nil {
		return err
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var state string
	err = s.q.QueryRow(ctx, `
		UPDATE task_queue
		SET
			state = CASE WHEN $1 OR attempts >= $2 THEN $3 ELSE $4 END,
			visibility_until = CASE WHEN $1 OR attempts >= $2 THEN NULL ELSE now() + $5 * INTERVAL '1 millisecond' END,
			receipt_handle = NULL,
			last_error = $6,
			updated_at = now()
		WHERE id = $7 AND receipt_handle = $8::uuid
		RETURNING state
	`, permanent, s.cfg.MaxAttempts, TaskStateFailed, TaskStateScheduled, retryAfter.Milliseconds(), msg,
		lt.TaskID, lt.ReceiptHandle).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: task not found or lease superseded", store.ErrInvalidLease)
		}
		return fmt.Errorf("failed to record task failure: %w", mapPostgresError(err))
	}

	log.Warn().
		Str("task_id", lt.TaskID).
		Str("state", state).
		Bool("permanent", permanent).
		Str("error", msg).
		Msg("Task failed")

	return nil
}

// Release returns a claimed task to the queue without counting the attempt as a failure.
func (s *TaskStore) Release(ctx context.Context, token string) error {
	lt, err := s.decodeLeaseToken(token)
	if err != nil {
		return err
	}

	tag, err := s.q.Exec(ctx, `
		UPDATE task_queue
		SET state = $1, attempts = greatest(attempts - 1, 0), visibility_until = NULL, receipt_handle = NULL, updated_at = now()
		WHERE id = $2 AND receipt_handle = $3::uuid
	`, TaskStateScheduled, lt.TaskID, lt.ReceiptHandle)
	if err != nil {
		return fmt.Errorf("failed to release task: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task not found or lease superseded", store.ErrInvalidLease)
	}

	log.Info().Str("task_id", lt.TaskID).Msg("Released task back to queue")
	return nil
}

// Get retrieves a task by ID.
func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*QueuedTask, error) {
	t, err := scanQueuedTask(s.q.QueryRow(ctx, `SELECT `+queuedTaskColumns+` FROM task_queue WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", mapPostgresError(err))
	}
	return t, nil
}

func (s *TaskStore) getByRequestID(ctx context.Context, requestID string) (*QueuedTask, error) {
	t, err := scanQueuedTask(s.q.QueryRow(ctx, `SELECT `+queuedTaskColumns+` FROM task_queue WHERE request_id = $1`, requestID))
	if err != nil {
		return nil, fmt.Errorf("failed to get task by request id: %w", mapPostgresError(err))
	}
	return t, nil
}

const queuedTaskColumns = `id, kind, request_id, user_id, org_id, payload, state, attempts, last_error, created_at`

func scanQueuedTask(row pgx.Row) (*QueuedTask, error) {
	var (
		t       QueuedTask
		payload []byte
	)
	err := row.Scan(&t.TaskID, &t.Kind, &t.RequestID, &t.UserID, &t.OrgID, &payload, &t.State, &t.Attempts, &t.LastError, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Payload = payload
	return &t, nil
}
