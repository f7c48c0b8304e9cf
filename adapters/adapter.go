// Package adapters provides interfaces for event store backends.
package adapters

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for adapter implementations.
// Adapters should return these (or errors that match via errors.Is)
// to enable consistent error handling across different backends.
var (
	// ErrConcurrencyConflict is returned when optimistic concurrency check fails.
	ErrConcurrencyConflict = errors.New("rpkica: concurrency conflict")

	// ErrStreamNotFound is returned when a stream does not exist.
	ErrStreamNotFound = errors.New("rpkica: stream not found")

	// ErrCommandNotFound is returned when a command sequence is not recorded for a stream.
	ErrCommandNotFound = errors.New("rpkica: command not found")

	// ErrEmptyStreamID is returned when an empty stream ID is provided.
	ErrEmptyStreamID = errors.New("rpkica: stream ID is required")

	// ErrNoEvents is returned when attempting to append zero events.
	ErrNoEvents = errors.New("rpkica: no events to append")

	// ErrInvalidVersion is returned when an invalid version is specified.
	ErrInvalidVersion = errors.New("rpkica: invalid version")

	// ErrAdapterClosed is returned when operations are attempted on a closed adapter.
	ErrAdapterClosed = errors.New("rpkica: adapter is closed")
)

// Metadata contains command and event context for audit and tracing.
type Metadata struct {
	// Actor identifies who issued the command.
	Actor string `json:"actor,omitempty"`

	// CorrelationID links related commands across aggregates.
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID identifies the event or command that caused this one.
	CausationID string `json:"causationId,omitempty"`

	// Custom holds any additional metadata.
	Custom map[string]string `json:"custom,omitempty"`
}

// StoredEvent represents a persisted event with its storage metadata.
type StoredEvent struct {
	// ID is the unique event identifier.
	ID string

	// StreamID is the stream this event belongs to.
	StreamID string

	// Type is the event type identifier.
	Type string

	// Data is the serialized event payload.
	Data []byte

	// Metadata contains contextual information.
	Metadata Metadata

	// Version is the position within the stream (1-based).
	Version int64

	// Timestamp is when the event was stored.
	Timestamp time.Time
}

// StreamInfo contains metadata about an event stream.
type StreamInfo struct {
	// StreamID is the stream identifier.
	StreamID string

	// Category is the namespace (first part of stream ID).
	Category string

	// Version is the current stream version, equal to the number of events.
	Version int64

	// CommandCount is the number of recorded commands.
	CommandCount int64

	// CreatedAt is when the first event was stored.
	CreatedAt time.Time

	// UpdatedAt is when the last event was stored.
	UpdatedAt time.Time
}

// EventRecord represents an event to be appended to a stream.
type EventRecord struct {
	// Type is the event type identifier.
	Type string

	// Data is the serialized event payload.
	Data []byte

	// Metadata contains optional contextual information.
	Metadata Metadata
}

// CommandRecord describes the command that produced a batch of events.
// It is persisted in the same transaction as the events.
type CommandRecord struct {
	// Type is the stable command label.
	Type string

	// Summary is a one-line human readable description.
	Summary string

	// Data is the JSON encoded command details.
	Data []byte

	// Metadata carries the actor and correlation data.
	Metadata Metadata

	// Timestamp is when the command was processed. Zero means now.
	Timestamp time.Time
}

// StoredCommand is a recorded command with its position in the stream.
type StoredCommand struct {
	StreamID string

	// Sequence is the 0-based position of the command in the stream's command log.
	Sequence int64

	// Version is the stream version the command was applied against.
	Version int64

	// EventCount is the number of events the command produced. They occupy
	// versions Version+1 through Version+EventCount.
	EventCount int

	Type      string
	Summary   string
	Data      []byte
	Metadata  Metadata
	Timestamp time.Time
}

// EventStoreAdapter is the interface that storage backends must implement.
type EventStoreAdapter interface {
	// Append stores events, together with the command that produced them, to the
	// specified stream with optimistic concurrency control.
	// expectedVersion specifies the expected current version of the stream:
	//   - AnyVersion (-1): Skip version check
	//   - NoStream (0): Stream must not exist
	//   - StreamExists (-2): Stream must exist
	//   - Any positive number: Stream must be at this exact version
	// The version check, event insertion and command recording happen atomically.
	// command may be nil, in which case no command is recorded.
	Append(ctx context.Context, streamID string, events []EventRecord, expectedVersion int64, command *CommandRecord) ([]StoredEvent, error)

	// Load retrieves the events of a stream with a version greater than fromVersion.
	// Use fromVersion=0 to load all events. A missing stream yields no events.
	Load(ctx context.Context, streamID string, fromVersion int64) ([]StoredEvent, error)

	// GetStreamInfo returns metadata about a stream.
	// Returns ErrStreamNotFound if the stream does not exist.
	GetStreamInfo(ctx context.Context, streamID string) (*StreamInfo, error)

	// ListStreams returns the IDs of all streams in a category, sorted.
	ListStreams(ctx context.Context, category string) ([]string, error)

	// LoadCommands returns the recorded commands of a stream in sequence order.
	LoadCommands(ctx context.Context, streamID string) ([]StoredCommand, error)

	// GetCommand returns a single recorded command.
	// Returns ErrCommandNotFound if the sequence is not recorded.
	GetCommand(ctx context.Context, streamID string, sequence int64) (*StoredCommand, error)

	// Initialize sets up the required storage schema.
	Initialize(ctx context.Context) error

	// Close releases any resources held by the adapter.
	Close() error
}

// SnapshotAdapter stores aggregate snapshots for faster loading.
type SnapshotAdapter interface {
	// SaveSnapshot stores a snapshot for the given stream.
	SaveSnapshot(ctx context.Context, streamID string, version int64, data []byte) error

	// LoadSnapshot retrieves the latest snapshot for the given stream.
	// Returns nil, nil if no snapshot exists.
	LoadSnapshot(ctx context.Context, streamID string) (*SnapshotRecord, error)

	// DeleteSnapshot removes the snapshot for the given stream.
	DeleteSnapshot(ctx context.Context, streamID string) error
}

// SnapshotRecord represents a stored aggregate snapshot.
type SnapshotRecord struct {
	// StreamID is the stream identifier.
	StreamID string

	// Version is the aggregate version at the time of the snapshot.
	Version int64

	// Data is the serialized snapshot payload.
	Data []byte
}

// HealthChecker provides health check capabilities.
type HealthChecker interface {
	// Ping checks if the adapter can reach its backend.
	Ping(ctx context.Context) error
}
