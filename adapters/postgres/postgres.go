// Package postgres provides a PostgreSQL implementation of the event store adapter.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica/adapters"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// DefaultSchema is the schema used when none is configured.
const DefaultSchema = "rpkica"

// Ensure PostgresAdapter implements required interfaces.
var (
	_ adapters.EventStoreAdapter = (*PostgresAdapter)(nil)
	_ adapters.SnapshotAdapter   = (*PostgresAdapter)(nil)
	_ adapters.HealthChecker     = (*PostgresAdapter)(nil)
)

// PostgresAdapter is a PostgreSQL implementation of EventStoreAdapter.
type PostgresAdapter struct {
	db     *sql.DB
	schema string
	closed bool
}

// Option configures a PostgresAdapter.
type Option func(*PostgresAdapter)

// WithSchema sets the database schema name.
func WithSchema(schema string) Option {
	return func(a *PostgresAdapter) {
		a.schema = schema
	}
}

// WithMaxConnections sets the maximum number of open connections.
func WithMaxConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxOpenConns(n)
	}
}

// WithMaxIdleConnections sets the maximum number of idle connections.
func WithMaxIdleConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxIdleConns(n)
	}
}

// WithConnectionMaxLifetime sets the maximum connection lifetime.
func WithConnectionMaxLifetime(d time.Duration) Option {
	return func(a *PostgresAdapter) {
		a.db.SetConnMaxLifetime(d)
	}
}

// NewAdapter opens a connection with the pgx driver.
func NewAdapter(connStr string, opts ...Option) (*PostgresAdapter, error) {
	return Open("pgx", connStr, opts...)
}

// Open creates an adapter using a registered database/sql driver, either
// "pgx" or "postgres" (lib/pq).
func Open(driverName, connStr string, opts ...Option) (*PostgresAdapter, error) {
	db, err := sql.Open(driverName, connStr)
	if err != nil {
		return nil, fmt.Errorf("rpkica/postgres: failed to open database: %w", err)
	}
	return NewAdapterWithDB(db, opts...), nil
}

// NewAdapterWithDB creates a new adapter with an existing database connection.
func NewAdapterWithDB(db *sql.DB, opts ...Option) *PostgresAdapter {
	adapter := &PostgresAdapter{
		db:     db,
		schema: DefaultSchema,
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

func (a *PostgresAdapter) table(name string) string {
	return pgx.Identifier{a.schema, name}.Sanitize()
}

// Initialize creates the required database schema and tables.
func (a *PostgresAdapter) Initialize(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{a.schema}.Sanitize()),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			stream_id       VARCHAR(500) PRIMARY KEY,
			category        VARCHAR(250) NOT NULL,
			version         BIGINT NOT NULL DEFAULT 0,
			command_count   BIGINT NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, a.table("streams")),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			stream_id       VARCHAR(500) NOT NULL,
			version         BIGINT NOT NULL,
			event_id        UUID NOT NULL DEFAULT gen_random_uuid(),
			event_type      VARCHAR(500) NOT NULL,
			data            BYTEA NOT NULL,
			metadata        JSONB,
			timestamp       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (stream_id, version)
		)`, a.table("events")),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			stream_id       VARCHAR(500) NOT NULL,
			sequence        BIGINT NOT NULL,
			version         BIGINT NOT NULL,
			event_count     INT NOT NULL,
			command_type    VARCHAR(250) NOT NULL,
			summary         TEXT NOT NULL,
			data            BYTEA NOT NULL,
			metadata        JSONB,
			timestamp       TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (stream_id, sequence)
		)`, a.table("commands")),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			stream_id       VARCHAR(500) PRIMARY KEY,
			version         BIGINT NOT NULL,
			data            BYTEA NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, a.table("snapshots")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_streams_category ON %s(category)`, a.table("streams")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_commands_type ON %s(command_type)`, a.table("commands")),
	}

	for _, stmt := range statements {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rpkica/postgres: failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Append stores events and their command in one transaction.
func (a *PostgresAdapter) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64, command *adapters.CommandRecord) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}
	if err := adapters.ValidateAppend(streamID, events); err != nil {
		return nil, err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("rpkica/postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentVersion, commandCount int64
	streamExists := true
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT version, command_count FROM %s
		WHERE stream_id = $1
		FOR UPDATE`, a.table("streams")), streamID).Scan(&currentVersion, &commandCount)
	if errors.Is(err, sql.ErrNoRows) {
		streamExists = false
	} else if err != nil {
		return nil, fmt.Errorf("rpkica/postgres: failed to get stream version: %w", err)
	}

	if err := adapters.CheckVersion(streamID, expectedVersion, currentVersion, streamExists); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if command != nil && !command.Timestamp.IsZero() {
		now = command.Timestamp.UTC()
	}

	if !streamExists {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (stream_id, category, version, created_at, updated_at)
			VALUES ($1, $2, 0, $3, $3)`, a.table("streams")), streamID, adapters.ExtractCategory(streamID), now)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, adapters.NewConcurrencyError(streamID, expectedVersion, currentVersion)
			}
			return nil, fmt.Errorf("rpkica/postgres: failed to create stream: %w", err)
		}
	}

	baseVersion := currentVersion
	storedEvents := make([]adapters.StoredEvent, len(events))
	for i, event := range events {
		currentVersion++

		metadataJSON, err := json.Marshal(event.Metadata)
		if err != nil {
			return nil, fmt.Errorf("rpkica/postgres: failed to marshal metadata: %w", err)
		}

		var eventID string
		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (stream_id, version, event_type, data, metadata, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING event_id`, a.table("events")),
			streamID, currentVersion, event.Type, nonNil(event.Data), metadataJSON, now,
		).Scan(&eventID)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, adapters.NewConcurrencyError(streamID, expectedVersion, currentVersion-1)
			}
			return nil, fmt.Errorf("rpkica/postgres: failed to insert event: %w", err)
		}

		storedEvents[i] = adapters.StoredEvent{
			ID:        eventID,
			StreamID:  streamID,
			Type:      event.Type,
			Data:      event.Data,
			Metadata:  event.Metadata,
			Version:   currentVersion,
			Timestamp: now,
		}
	}

	if command != nil {
		metadataJSON, err := json.Marshal(command.Metadata)
		if err != nil {
			return nil, fmt.Errorf("rpkica/postgres: failed to marshal command metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (stream_id, sequence, version, event_count, command_type, summary, data, metadata, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, a.table("commands")),
			streamID, commandCount, baseVersion, len(events), command.Type, command.Summary,
			nonNil(command.Data), metadataJSON, now)
		if err != nil {
			return nil, fmt.Errorf("rpkica/postgres: failed to record command: %w", err)
		}
		commandCount++
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET version = $1, command_count = $2, updated_at = $3
		WHERE stream_id = $4`, a.table("streams")), currentVersion, commandCount, now, streamID)
	if err != nil {
		return nil, fmt.Errorf("rpkica/postgres: failed to update stream version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("rpkica/postgres: failed to commit transaction: %w", err)
	}

	return storedEvents, nil
}

// Load retrieves all events from a stream starting from the specified version.
func (a *PostgresAdapter) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}
	if streamID == "" {
		return nil, adapters.ErrEmptyStreamID
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT event_id, stream_id, version, event_type, data, metadata, timestamp
		FROM %s
		WHERE stream_id = $1 AND version > $2
		ORDER BY version`, a.table("events")), streamID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("rpkica/postgres: failed to load events: %w", err)
	}
	defer rows.Close()

	events := make([]adapters.StoredEvent, 0)
	for rows.Next() {
		var event adapters.StoredEvent
		var metadataJSON []byte

		if err := rows.Scan(&event.ID, &event.StreamID, &event.Version, &event.Type,
			&event.Data, &metadataJSON, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("rpkica/postgres: failed to scan event: %w", err)
		}
		if err := unmarshalMetadata(metadataJSON, &event.Metadata); err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rpkica/postgres: error iterating events: %w", err)
	}
	return events, nil
}

// GetStreamInfo returns metadata about a stream.
func (a *PostgresAdapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	var info adapters.StreamInfo
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT stream_id, category, version, command_count, created_at, updated_at
		FROM %s
		WHERE stream_id = $1`, a.table("streams")), streamID).Scan(
		&info.StreamID, &info.Category, &info.Version, &info.CommandCount, &info.CreatedAt, &info.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	if err != nil {
		return nil, fmt.Errorf("rpkica/postgres: failed to get stream info: %w", err)
	}
	return &info, nil
}

// ListStreams returns the sorted stream IDs of a category.
func (a *PostgresAdapter) ListStreams(ctx context.Context, category string) ([]string, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT stream_id FROM %s WHERE category = $1 ORDER BY stream_id`, a.table("streams")), category)
	if err != nil {
		return nil, fmt.Errorf("rpkica/postgres: failed to list streams: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("rpkica/postgres: failed to scan stream: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const commandColumns = `stream_id, sequence, version, event_count, command_type, summary, data, metadata, timestamp`

func scanCommand(row interface{ Scan(...any) error }) (*adapters.StoredCommand, error) {
	var cmd adapters.StoredCommand
	var metadataJSON []byte
	if err := row.Scan(&cmd.StreamID, &cmd.Sequence, &cmd.Version, &cmd.EventCount, &cmd.Type,
		&cmd.Summary, &cmd.Data, &metadataJSON, &cmd.Timestamp); err != nil {
		return nil, err
	}
	if err := unmarshalMetadata(metadataJSON, &cmd.Metadata); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// LoadCommands returns the recorded commands of a stream.
func (a *PostgresAdapter) LoadCommands(ctx context.Context, streamID string) ([]adapters.StoredCommand, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE stream_id = $1 ORDER BY sequence`, commandColumns, a.table("commands")), streamID)
	if err != nil {
		return nil, fmt.Errorf("rpkica/postgres: failed to load commands: %w", err)
	}
	defer rows.Close()

	commands := make([]adapters.StoredCommand, 0)
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("rpkica/postgres: failed to scan command: %w", err)
		}
		commands = append(commands, *cmd)
	}
	return commands, rows.Err()
}

// GetCommand returns a single recorded command.
func (a *PostgresAdapter) GetCommand(ctx context.Context, streamID string, sequence int64) (*adapters.StoredCommand, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	row := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE stream_id = $1 AND sequence = $2`, commandColumns, a.table("commands")),
		streamID, sequence)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewCommandNotFoundError(streamID, sequence)
	}
	if err != nil {
		return nil, fmt.Errorf("rpkica/postgres: failed to get command: %w", err)
	}
	return cmd, nil
}

// Close releases the database connection.
func (a *PostgresAdapter) Close() error {
	a.closed = true
	return a.db.Close()
}

// SaveSnapshot stores a snapshot for the given stream.
func (a *PostgresAdapter) SaveSnapshot(ctx context.Context, streamID string, version int64, data []byte) error {
	if a.closed {
		return adapters.ErrAdapterClosed
	}

	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (stream_id, version, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (stream_id) DO UPDATE SET
			version = EXCLUDED.version,
			data = EXCLUDED.data,
			created_at = NOW()`, a.table("snapshots")), streamID, version, data)
	if err != nil {
		return fmt.Errorf("rpkica/postgres: failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot retrieves the latest snapshot for the given stream.
func (a *PostgresAdapter) LoadSnapshot(ctx context.Context, streamID string) (*adapters.SnapshotRecord, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	var snapshot adapters.SnapshotRecord
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT stream_id, version, data
		FROM %s
		WHERE stream_id = $1`, a.table("snapshots")), streamID).Scan(
		&snapshot.StreamID, &snapshot.Version, &snapshot.Data,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rpkica/postgres: failed to load snapshot: %w", err)
	}
	return &snapshot, nil
}

// DeleteSnapshot removes the snapshot for the given stream.
func (a *PostgresAdapter) DeleteSnapshot(ctx context.Context, streamID string) error {
	if a.closed {
		return adapters.ErrAdapterClosed
	}

	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE stream_id = $1`, a.table("snapshots")), streamID)
	if err != nil {
		return fmt.Errorf("rpkica/postgres: failed to delete snapshot: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (a *PostgresAdapter) Ping(ctx context.Context) error {
	if a.closed {
		return adapters.ErrAdapterClosed
	}
	return a.db.PingContext(ctx)
}

// DB returns the underlying database connection.
func (a *PostgresAdapter) DB() *sql.DB {
	return a.db
}

// Schema returns the schema name.
func (a *PostgresAdapter) Schema() string {
	return a.schema
}

const uniqueViolation = "23505"

// isUniqueViolation recognizes duplicate key errors from both supported drivers.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}

func unmarshalMetadata(data []byte, m *adapters.Metadata) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("rpkica/postgres: failed to unmarshal metadata: %w", err)
	}
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
