// Package sqlite provides a SQLite-backed event store adapter built on the
// pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica/adapters"
	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Ensure Adapter implements required interfaces.
var (
	_ adapters.EventStoreAdapter = (*Adapter)(nil)
	_ adapters.SnapshotAdapter   = (*Adapter)(nil)
	_ adapters.HealthChecker     = (*Adapter)(nil)
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Adapter persists streams in a single SQLite database.
type Adapter struct {
	db     *sql.DB
	closed bool
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path. The connection pool is limited to one
// connection, which serializes writers and keeps MemoryPath databases shared.
func Open(path string) (*Adapter, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("rpkica/sqlite: storage path is required")
	}
	dsn := path
	if path != MemoryPath {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("rpkica/sqlite: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rpkica/sqlite: ping db: %w", err)
	}
	return &Adapter{db: db}, nil
}

// Initialize creates the tables.
func (a *Adapter) Initialize(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS streams (
			stream_id     TEXT PRIMARY KEY,
			category      TEXT NOT NULL,
			version       INTEGER NOT NULL DEFAULT 0,
			command_count INTEGER NOT NULL DEFAULT 0,
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_category ON streams(category)`,
		`CREATE TABLE IF NOT EXISTS events (
			stream_id  TEXT NOT NULL,
			version    INTEGER NOT NULL,
			event_id   TEXT NOT NULL,
			event_type TEXT NOT NULL,
			data       BLOB NOT NULL,
			metadata   TEXT,
			timestamp  INTEGER NOT NULL,
			PRIMARY KEY (stream_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS commands (
			stream_id    TEXT NOT NULL,
			sequence     INTEGER NOT NULL,
			version      INTEGER NOT NULL,
			event_count  INTEGER NOT NULL,
			command_type TEXT NOT NULL,
			summary      TEXT NOT NULL,
			data         BLOB NOT NULL,
			metadata     TEXT,
			timestamp    INTEGER NOT NULL,
			PRIMARY KEY (stream_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			stream_id TEXT PRIMARY KEY,
			version   INTEGER NOT NULL,
			data      BLOB NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rpkica/sqlite: initialize: %w", err)
		}
	}
	return nil
}

// Close closes the SQLite handle.
func (a *Adapter) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}

// Ping checks the connection.
func (a *Adapter) Ping(ctx context.Context) error {
	if a.closed {
		return adapters.ErrAdapterClosed
	}
	return a.db.PingContext(ctx)
}

// Append stores events and their command in one transaction.
func (a *Adapter) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64, command *adapters.CommandRecord) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}
	if err := adapters.ValidateAppend(streamID, events); err != nil {
		return nil, err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("rpkica/sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentVersion, commandCount int64
	exists := true
	err = tx.QueryRowContext(ctx,
		`SELECT version, command_count FROM streams WHERE stream_id = ?`, streamID,
	).Scan(&currentVersion, &commandCount)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return nil, fmt.Errorf("rpkica/sqlite: read stream: %w", err)
	}

	if err := adapters.CheckVersion(streamID, expectedVersion, currentVersion, exists); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if command != nil && !command.Timestamp.IsZero() {
		now = command.Timestamp.UTC()
	}

	if !exists {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO streams (stream_id, category, version, command_count, created_at, updated_at) VALUES (?, ?, 0, 0, ?, ?)`,
			streamID, adapters.ExtractCategory(streamID), toMillis(now), toMillis(now))
		if err != nil {
			if isConstraintError(err) {
				return nil, adapters.NewConcurrencyError(streamID, expectedVersion, currentVersion)
			}
			return nil, fmt.Errorf("rpkica/sqlite: create stream: %w", err)
		}
	}

	baseVersion := currentVersion
	stored := make([]adapters.StoredEvent, len(events))
	for i, event := range events {
		currentVersion++
		metadataJSON, err := json.Marshal(event.Metadata)
		if err != nil {
			return nil, fmt.Errorf("rpkica/sqlite: marshal metadata: %w", err)
		}
		id := uuid.New().String()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (stream_id, version, event_id, event_type, data, metadata, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			streamID, currentVersion, id, event.Type, nonNil(event.Data), string(metadataJSON), toMillis(now))
		if err != nil {
			if isConstraintError(err) {
				return nil, adapters.NewConcurrencyError(streamID, expectedVersion, baseVersion)
			}
			return nil, fmt.Errorf("rpkica/sqlite: insert event: %w", err)
		}
		stored[i] = adapters.StoredEvent{
			ID:        id,
			StreamID:  streamID,
			Type:      event.Type,
			Data:      event.Data,
			Metadata:  event.Metadata,
			Version:   currentVersion,
			Timestamp: fromMillis(toMillis(now)),
		}
	}

	if command != nil {
		metadataJSON, err := json.Marshal(command.Metadata)
		if err != nil {
			return nil, fmt.Errorf("rpkica/sqlite: marshal command metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO commands (stream_id, sequence, version, event_count, command_type, summary, data, metadata, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			streamID, commandCount, baseVersion, len(events), command.Type, command.Summary,
			nonNil(command.Data), string(metadataJSON), toMillis(now))
		if err != nil {
			return nil, fmt.Errorf("rpkica/sqlite: insert command: %w", err)
		}
		commandCount++
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE streams SET version = ?, command_count = ?, updated_at = ? WHERE stream_id = ?`,
		currentVersion, commandCount, toMillis(now), streamID)
	if err != nil {
		return nil, fmt.Errorf("rpkica/sqlite: update stream: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("rpkica/sqlite: commit: %w", err)
	}
	return stored, nil
}

// Load retrieves the events of a stream after fromVersion.
func (a *Adapter) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}
	if streamID == "" {
		return nil, adapters.ErrEmptyStreamID
	}

	rows, err := a.db.QueryContext(ctx,
		`SELECT event_id, version, event_type, data, metadata, timestamp
		 FROM events WHERE stream_id = ? AND version > ? ORDER BY version`, streamID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("rpkica/sqlite: load events: %w", err)
	}
	defer rows.Close()

	events := make([]adapters.StoredEvent, 0)
	for rows.Next() {
		event := adapters.StoredEvent{StreamID: streamID}
		var metadata sql.NullString
		var ts int64
		if err := rows.Scan(&event.ID, &event.Version, &event.Type, &event.Data, &metadata, &ts); err != nil {
			return nil, fmt.Errorf("rpkica/sqlite: scan event: %w", err)
		}
		if err := unmarshalMetadata(metadata, &event.Metadata); err != nil {
			return nil, err
		}
		event.Timestamp = fromMillis(ts)
		events = append(events, event)
	}
	return events, rows.Err()
}

// GetStreamInfo returns metadata about a stream.
func (a *Adapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	info := adapters.StreamInfo{StreamID: streamID}
	var created, updated int64
	err := a.db.QueryRowContext(ctx,
		`SELECT category, version, command_count, created_at, updated_at FROM streams WHERE stream_id = ?`, streamID,
	).Scan(&info.Category, &info.Version, &info.CommandCount, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	if err != nil {
		return nil, fmt.Errorf("rpkica/sqlite: stream info: %w", err)
	}
	info.CreatedAt = fromMillis(created)
	info.UpdatedAt = fromMillis(updated)
	return &info, nil
}

// ListStreams returns the sorted stream IDs of a category.
func (a *Adapter) ListStreams(ctx context.Context, category string) ([]string, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx,
		`SELECT stream_id FROM streams WHERE category = ? ORDER BY stream_id`, category)
	if err != nil {
		return nil, fmt.Errorf("rpkica/sqlite: list streams: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("rpkica/sqlite: scan stream: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const commandColumns = `sequence, version, event_count, command_type, summary, data, metadata, timestamp`

func scanCommand(streamID string, row interface{ Scan(...any) error }) (*adapters.StoredCommand, error) {
	cmd := adapters.StoredCommand{StreamID: streamID}
	var metadata sql.NullString
	var ts int64
	if err := row.Scan(&cmd.Sequence, &cmd.Version, &cmd.EventCount, &cmd.Type, &cmd.Summary,
		&cmd.Data, &metadata, &ts); err != nil {
		return nil, err
	}
	if err := unmarshalMetadata(metadata, &cmd.Metadata); err != nil {
		return nil, err
	}
	cmd.Timestamp = fromMillis(ts)
	return &cmd, nil
}

// LoadCommands returns the recorded commands of a stream.
func (a *Adapter) LoadCommands(ctx context.Context, streamID string) ([]adapters.StoredCommand, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE stream_id = ? ORDER BY sequence`, streamID)
	if err != nil {
		return nil, fmt.Errorf("rpkica/sqlite: load commands: %w", err)
	}
	defer rows.Close()

	commands := make([]adapters.StoredCommand, 0)
	for rows.Next() {
		cmd, err := scanCommand(streamID, rows)
		if err != nil {
			return nil, fmt.Errorf("rpkica/sqlite: scan command: %w", err)
		}
		commands = append(commands, *cmd)
	}
	return commands, rows.Err()
}

// GetCommand returns a single recorded command.
func (a *Adapter) GetCommand(ctx context.Context, streamID string, sequence int64) (*adapters.StoredCommand, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	row := a.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE stream_id = ? AND sequence = ?`, streamID, sequence)
	cmd, err := scanCommand(streamID, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewCommandNotFoundError(streamID, sequence)
	}
	if err != nil {
		return nil, fmt.Errorf("rpkica/sqlite: get command: %w", err)
	}
	return cmd, nil
}

// SaveSnapshot stores a snapshot for the given stream.
func (a *Adapter) SaveSnapshot(ctx context.Context, streamID string, version int64, data []byte) error {
	if a.closed {
		return adapters.ErrAdapterClosed
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO snapshots (stream_id, version, data) VALUES (?, ?, ?)
		 ON CONFLICT(stream_id) DO UPDATE SET version = excluded.version, data = excluded.data`,
		streamID, version, nonNil(data))
	if err != nil {
		return fmt.Errorf("rpkica/sqlite: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot retrieves the snapshot for the given stream, or nil.
func (a *Adapter) LoadSnapshot(ctx context.Context, streamID string) (*adapters.SnapshotRecord, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}
	snap := adapters.SnapshotRecord{StreamID: streamID}
	err := a.db.QueryRowContext(ctx,
		`SELECT version, data FROM snapshots WHERE stream_id = ?`, streamID).Scan(&snap.Version, &snap.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rpkica/sqlite: load snapshot: %w", err)
	}
	return &snap, nil
}

// DeleteSnapshot removes the snapshot for the given stream.
func (a *Adapter) DeleteSnapshot(ctx context.Context, streamID string) error {
	if a.closed {
		return adapters.ErrAdapterClosed
	}
	if _, err := a.db.ExecContext(ctx, `DELETE FROM snapshots WHERE stream_id = ?`, streamID); err != nil {
		return fmt.Errorf("rpkica/sqlite: delete snapshot: %w", err)
	}
	return nil
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

func unmarshalMetadata(raw sql.NullString, m *adapters.Metadata) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw.String), m); err != nil {
		return fmt.Errorf("rpkica/sqlite: unmarshal metadata: %w", err)
	}
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
