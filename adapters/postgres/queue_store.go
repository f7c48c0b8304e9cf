package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica/adapters"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"
)

// Ensure interface compliance at compile time
var _ adapters.QueueStore = (*QueueStore)(nil)

const defaultMaxAttempts = 5

// QueueStore provides a PostgreSQL implementation of adapters.QueueStore.
type QueueStore struct {
	db     *sql.DB
	schema string
	table  string
}

// QueueStoreOption configures a QueueStore.
type QueueStoreOption func(*QueueStore)

// WithQueueSchema sets the PostgreSQL schema for the queue table.
func WithQueueSchema(schema string) QueueStoreOption {
	return func(s *QueueStore) {
		s.schema = schema
	}
}

// WithQueueTableName sets the table name for queued messages.
func WithQueueTableName(table string) QueueStoreOption {
	return func(s *QueueStore) {
		s.table = table
	}
}

// NewQueueStore creates a new PostgreSQL QueueStore.
func NewQueueStore(db *sql.DB, opts ...QueueStoreOption) *QueueStore {
	s := &QueueStore{
		db:     db,
		schema: DefaultSchema,
		table:  "task_queue",
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// NewQueueStoreFromAdapter creates a QueueStore sharing an adapter's connection and schema.
func NewQueueStoreFromAdapter(adapter *PostgresAdapter, opts ...QueueStoreOption) *QueueStore {
	allOpts := append([]QueueStoreOption{WithQueueSchema(adapter.schema)}, opts...)
	return NewQueueStore(adapter.db, allOpts...)
}

func (s *QueueStore) fullTableName() string {
	return pgx.Identifier{s.schema, s.table}.Sanitize()
}

// Initialize creates the queue table if it doesn't exist.
func (s *QueueStore) Initialize(ctx context.Context) error {
	tableQ := s.fullTableName()
	statements := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{s.schema}.Sanitize()),
		`CREATE TABLE IF NOT EXISTS ` + tableQ + ` (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			seq BIGSERIAL,
			namespace VARCHAR(100) NOT NULL,
			handle VARCHAR(255) NOT NULL,
			version BIGINT NOT NULL,
			event_type VARCHAR(255) NOT NULL,
			destination VARCHAR(255) NOT NULL,
			payload BYTEA NOT NULL,
			headers JSONB DEFAULT '{}',
			status INT NOT NULL DEFAULT 0,
			attempts INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 5,
			last_error TEXT,
			scheduled_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_attempt_at TIMESTAMPTZ,
			processed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS ` + pgx.Identifier{"idx_" + s.table + "_pending"}.Sanitize() +
			` ON ` + tableQ + ` (scheduled_at, seq) WHERE status = 0`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rpkica/postgres/queue: failed to create table: %w", err)
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
		return fmt.Errorf("rpkica/postgres/queue: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO ` + s.fullTableName() + ` (
			namespace, handle, version, event_type, destination, payload, headers,
			status, attempts, max_attempts, scheduled_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11)
		RETURNING id
	`

	now := time.Now()
	for _, msg := range messages {
		headersJSON, err := json.Marshal(msg.Headers)
		if err != nil {
			return fmt.Errorf("rpkica/postgres/queue: failed to marshal headers: %w", err)
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

		var id string
		err = tx.QueryRowContext(ctx, query,
			msg.Namespace, msg.Handle, msg.Version, msg.EventType, msg.Destination,
			nonNil(msg.Payload), headersJSON, int(adapters.QueuePending),
			msg.MaxAttempts, msg.ScheduledAt, msg.CreatedAt,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("rpkica/postgres/queue: failed to insert message: %w", err)
		}
		msg.ID = id
		msg.Status = adapters.QueuePending
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rpkica/postgres/queue: failed to commit: %w", err)
	}
	return nil
}

const queueColumns = `id, namespace, handle, version, event_type, destination, payload, headers,
	status, attempts, max_attempts, last_error, scheduled_at,
	last_attempt_at, processed_at, created_at`

// FetchPending claims up to limit due messages with FOR UPDATE SKIP LOCKED so
// concurrent processors never claim the same message.
func (s *QueueStore) FetchPending(ctx context.Context, limit int) ([]*adapters.QueueMessage, error) {
	tableQ := s.fullTableName()
	query := `
		WITH claimed AS (
			UPDATE ` + tableQ + ` SET
				status = $1,
				last_attempt_at = NOW(),
				attempts = attempts + 1
			WHERE id IN (
				SELECT id FROM ` + tableQ + `
				WHERE status = 0 AND scheduled_at <= NOW()
				ORDER BY scheduled_at, seq
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING seq, ` + queueColumns + `
		)
		SELECT ` + queueColumns + ` FROM claimed ORDER BY scheduled_at, seq
	`

	rows, err := s.db.QueryContext(ctx, query, int(adapters.QueueProcessing), limit)
	if err != nil {
		return nil, fmt.Errorf("rpkica/postgres/queue: failed to fetch pending messages: %w", err)
	}
	defer rows.Close()

	return scanQueueMessages(rows)
}

// MarkCompleted marks messages as delivered.
func (s *QueueStore) MarkCompleted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE ` + s.fullTableName() + ` SET
			status = $1,
			processed_at = NOW()
		WHERE id = ANY($2::uuid[])
	`
	if _, err := s.db.ExecContext(ctx, query, int(adapters.QueueCompleted), pq.Array(ids)); err != nil {
		return fmt.Errorf("rpkica/postgres/queue: failed to mark completed: %w", err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt.
func (s *QueueStore) MarkFailed(ctx context.Context, id string, lastErr error) error {
	query := `
		UPDATE ` + s.fullTableName() + ` SET
			status = $1,
			last_error = $2
		WHERE id = $3
	`

	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}

	result, err := s.db.ExecContext(ctx, query, int(adapters.QueueFailed), errMsg, id)
	if err != nil {
		return fmt.Errorf("rpkica/postgres/queue: failed to mark failed: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rpkica/postgres/queue: failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return adapters.ErrQueueMessageNotFound
	}
	return nil
}

// RetryFailed resets failed messages below maxAttempts to pending.
func (s *QueueStore) RetryFailed(ctx context.Context, maxAttempts int) (int64, error) {
	return s.transition(ctx, adapters.QueuePending, `attempts < $3`, maxAttempts)
}

// MoveToDeadLetter moves failed messages at or above maxAttempts to dead letter.
func (s *QueueStore) MoveToDeadLetter(ctx context.Context, maxAttempts int) (int64, error) {
	return s.transition(ctx, adapters.QueueDeadLetter, `attempts >= $3`, maxAttempts)
}

func (s *QueueStore) transition(ctx context.Context, to adapters.QueueStatus, cond string, maxAttempts int) (int64, error) {
	query := `UPDATE ` + s.fullTableName() + ` SET status = $1 WHERE status = $2 AND ` + cond
	result, err := s.db.ExecContext(ctx, query, int(to), int(adapters.QueueFailed), maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("rpkica/postgres/queue: failed to move messages to %s: %w", to, err)
	}
	return result.RowsAffected()
}

// GetDeadLetterMessages lists dead lettered messages, oldest first.
func (s *QueueStore) GetDeadLetterMessages(ctx context.Context, limit int) ([]*adapters.QueueMessage, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM ` + s.fullTableName() + `
		WHERE status = $1
		ORDER BY seq
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, int(adapters.QueueDeadLetter), limit)
	if err != nil {
		return nil, fmt.Errorf("rpkica/postgres/queue: failed to get dead letter messages: %w", err)
	}
	defer rows.Close()

	return scanQueueMessages(rows)
}

// Cleanup removes completed messages processed before now-olderThan.
func (s *QueueStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM ` + s.fullTableName() + `
		WHERE status = $1 AND processed_at IS NOT NULL AND processed_at < $2
	`

	result, err := s.db.ExecContext(ctx, query, int(adapters.QueueCompleted), time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("rpkica/postgres/queue: failed to cleanup: %w", err)
	}
	return result.RowsAffected()
}

// Close is a no-op; the connection is shared with the adapter.
func (s *QueueStore) Close() error {
	return nil
}

func scanQueueMessages(rows *sql.Rows) ([]*adapters.QueueMessage, error) {
	var messages []*adapters.QueueMessage

	for rows.Next() {
		msg := &adapters.QueueMessage{}
		var (
			headersJSON   []byte
			status        int
			lastError     sql.NullString
			lastAttemptAt sql.NullTime
			processedAt   sql.NullTime
		)

		if err := rows.Scan(
			&msg.ID, &msg.Namespace, &msg.Handle, &msg.Version, &msg.EventType, &msg.Destination,
			&msg.Payload, &headersJSON, &status, &msg.Attempts, &msg.MaxAttempts, &lastError,
			&msg.ScheduledAt, &lastAttemptAt, &processedAt, &msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("rpkica/postgres/queue: failed to scan message: %w", err)
		}

		msg.Status = adapters.QueueStatus(status)
		msg.LastError = lastError.String
		if lastAttemptAt.Valid {
			msg.LastAttemptAt = &lastAttemptAt.Time
		}
		if processedAt.Valid {
			msg.ProcessedAt = &processedAt.Time
		}
		if len(headersJSON) > 0 && string(headersJSON) != "null" {
			if err := json.Unmarshal(headersJSON, &msg.Headers); err != nil {
				return nil, fmt.Errorf("rpkica/postgres/queue: failed to unmarshal headers: %w", err)
			}
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rpkica/postgres/queue: error iterating rows: %w", err)
	}
	return messages, nil
}
