package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica/adapters"
	"github.com/google/uuid"
)

// Ensure interface compliance at compile time
var _ adapters.QueueStore = (*QueueStore)(nil)

const defaultMaxAttempts = 5

// QueueStore keeps side-effect messages in a SQLite table so they survive
// the process that scheduled them.
type QueueStore struct {
	db    *sql.DB
	owned bool
}

// NewQueueStoreFromAdapter creates a QueueStore in the adapter's database.
// Closing the store leaves the adapter open.
func NewQueueStoreFromAdapter(adapter *Adapter) *QueueStore {
	return &QueueStore{db: adapter.db}
}

// OpenQueueStore opens a QueueStore in its own database file.
func OpenQueueStore(path string) (*QueueStore, error) {
	a, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &QueueStore{db: a.db, owned: true}, nil
}

// Initialize creates the queue table.
func (s *QueueStore) Initialize(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS task_queue (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			namespace       TEXT NOT NULL,
			handle          TEXT NOT NULL,
			version         INTEGER NOT NULL,
			event_type      TEXT NOT NULL,
			destination     TEXT NOT NULL,
			payload         BLOB NOT NULL,
			headers         TEXT,
			status          INTEGER NOT NULL DEFAULT 0,
			attempts        INTEGER NOT NULL DEFAULT 0,
			max_attempts    INTEGER NOT NULL DEFAULT 5,
			last_error      TEXT,
			scheduled_at    INTEGER NOT NULL,
			last_attempt_at INTEGER,
			processed_at    INTEGER,
			created_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_queue_pending ON task_queue(status, scheduled_at, seq)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rpkica/sqlite/queue: initialize: %w", err)
		}
	}
	return nil
}

// Schedule stores messages for later delivery.
func (s *QueueStore) Schedule(ctx context.Context, messages []*adapters.QueueMessage) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rpkica/sqlite/queue: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const query = `INSERT INTO task_queue (
		id, namespace, handle, version, event_type, destination, payload, headers,
		status, attempts, max_attempts, scheduled_at, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`

	now := time.Now()
	for _, msg := range messages {
		headers, err := json.Marshal(msg.Headers)
		if err != nil {
			return fmt.Errorf("rpkica/sqlite/queue: marshal headers: %w", err)
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.ScheduledAt.IsZero() {
			msg.ScheduledAt = now
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		if msg.MaxAttempts == 0 {
			msg.MaxAttempts = defaultMaxAttempts
		}
		payload := msg.Payload
		if payload == nil {
			payload = []byte{}
		}
		if _, err := tx.ExecContext(ctx, query,
			msg.ID, msg.Namespace, msg.Handle, msg.Version, msg.EventType, msg.Destination,
			payload, string(headers), int(adapters.QueuePending), msg.MaxAttempts,
			toMillis(msg.ScheduledAt), toMillis(msg.CreatedAt),
		); err != nil {
			return fmt.Errorf("rpkica/sqlite/queue: insert message: %w", err)
		}
		msg.Status = adapters.QueuePending
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rpkica/sqlite/queue: commit: %w", err)
	}
	return nil
}

const queueColumns = `seq, id, namespace, handle, version, event_type, destination, payload, headers,
	status, attempts, max_attempts, last_error, scheduled_at, last_attempt_at, processed_at, created_at`

// FetchPending claims up to limit due messages, oldest first. The claim is a
// single UPDATE, so processors sharing the file never claim the same message.
func (s *QueueStore) FetchPending(ctx context.Context, limit int) ([]*adapters.QueueMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	now := toMillis(time.Now())
	query := `UPDATE task_queue SET
			status = ?,
			attempts = attempts + 1,
			last_attempt_at = ?
		WHERE seq IN (
			SELECT seq FROM task_queue
			WHERE status = ? AND scheduled_at <= ?
			ORDER BY scheduled_at, seq
			LIMIT ?
		)
		RETURNING ` + queueColumns

	rows, err := s.db.QueryContext(ctx, query,
		int(adapters.QueueProcessing), now, int(adapters.QueuePending), now, limit)
	if err != nil {
		return nil, fmt.Errorf("rpkica/sqlite/queue: fetch pending: %w", err)
	}
	defer rows.Close()

	claimed, err := scanQueue(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(claimed, func(i, j int) bool {
		a, b := claimed[i], claimed[j]
		if !a.msg.ScheduledAt.Equal(b.msg.ScheduledAt) {
			return a.msg.ScheduledAt.Before(b.msg.ScheduledAt)
		}
		return a.seq < b.seq
	})
	return messagesOf(claimed), nil
}

// MarkCompleted marks messages as delivered.
func (s *QueueStore) MarkCompleted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	args := []any{int(adapters.QueueCompleted), toMillis(time.Now())}
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE task_queue SET status = ?, processed_at = ?
		WHERE id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("rpkica/sqlite/queue: mark completed: %w", err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt.
func (s *QueueStore) MarkFailed(ctx context.Context, id string, lastErr error) error {
	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE task_queue SET status = ?, last_error = ? WHERE id = ?`,
		int(adapters.QueueFailed), errMsg, id)
	if err != nil {
		return fmt.Errorf("rpkica/sqlite/queue: mark failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rpkica/sqlite/queue: rows affected: %w", err)
	}
	if n == 0 {
		return adapters.ErrQueueMessageNotFound
	}
	return nil
}

// RetryFailed resets failed messages below maxAttempts to pending.
func (s *QueueStore) RetryFailed(ctx context.Context, maxAttempts int) (int64, error) {
	return s.transition(ctx, adapters.QueuePending, `attempts < ?`, maxAttempts)
}

// MoveToDeadLetter moves failed messages at or above maxAttempts to dead letter.
func (s *QueueStore) MoveToDeadLetter(ctx context.Context, maxAttempts int) (int64, error) {
	return s.transition(ctx, adapters.QueueDeadLetter, `attempts >= ?`, maxAttempts)
}

func (s *QueueStore) transition(ctx context.Context, to adapters.QueueStatus, cond string, maxAttempts int) (int64, error) {
	query := `UPDATE task_queue SET status = ? WHERE status = ? AND ` + cond
	result, err := s.db.ExecContext(ctx, query, int(to), int(adapters.QueueFailed), maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("rpkica/sqlite/queue: move messages to %s: %w", to, err)
	}
	return result.RowsAffected()
}

// GetDeadLetterMessages lists dead lettered messages, oldest first.
func (s *QueueStore) GetDeadLetterMessages(ctx context.Context, limit int) ([]*adapters.QueueMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM task_queue WHERE status = ? ORDER BY seq LIMIT ?`,
		int(adapters.QueueDeadLetter), limit)
	if err != nil {
		return nil, fmt.Errorf("rpkica/sqlite/queue: dead letters: %w", err)
	}
	defer rows.Close()

	dead, err := scanQueue(rows)
	if err != nil {
		return nil, err
	}
	return messagesOf(dead), nil
}

// Cleanup removes completed messages processed before now-olderThan.
func (s *QueueStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM task_queue WHERE status = ? AND processed_at IS NOT NULL AND processed_at < ?`,
		int(adapters.QueueCompleted), toMillis(time.Now().Add(-olderThan)))
	if err != nil {
		return 0, fmt.Errorf("rpkica/sqlite/queue: cleanup: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database when the store opened it.
func (s *QueueStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

type queued struct {
	seq int64
	msg *adapters.QueueMessage
}

func scanQueue(rows *sql.Rows) ([]queued, error) {
	var out []queued
	for rows.Next() {
		var (
			q                      queued
			headers, lastError     sql.NullString
			status                 int
			scheduledAt, createdAt int64
			lastAttempt, processed sql.NullInt64
		)
		msg := &adapters.QueueMessage{}
		if err := rows.Scan(
			&q.seq, &msg.ID, &msg.Namespace, &msg.Handle, &msg.Version, &msg.EventType, &msg.Destination,
			&msg.Payload, &headers, &status, &msg.Attempts, &msg.MaxAttempts, &lastError,
			&scheduledAt, &lastAttempt, &processed, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("rpkica/sqlite/queue: scan message: %w", err)
		}

		msg.Status = adapters.QueueStatus(status)
		msg.LastError = lastError.String
		msg.ScheduledAt = fromMillis(scheduledAt)
		msg.CreatedAt = fromMillis(createdAt)
		if lastAttempt.Valid {
			t := fromMillis(lastAttempt.Int64)
			msg.LastAttemptAt = &t
		}
		if processed.Valid {
			t := fromMillis(processed.Int64)
			msg.ProcessedAt = &t
		}
		if headers.Valid && headers.String != "" && headers.String != "null" {
			if err := json.Unmarshal([]byte(headers.String), &msg.Headers); err != nil {
				return nil, fmt.Errorf("rpkica/sqlite/queue: unmarshal headers: %w", err)
			}
		}
		q.msg = msg
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rpkica/sqlite/queue: iterate rows: %w", err)
	}
	return out, nil
}

func messagesOf(rows []queued) []*adapters.QueueMessage {
	out := make([]*adapters.QueueMessage, len(rows))
	for i, q := range rows {
		out[i] = q.msg
	}
	return out
}
