package rpkica

import (
	"time"

	"github.com/AshkanYarmoradi/go-rpkica/adapters"
)

// AnyVersion as a command's expected version means "whatever the current
// version is".
const AnyVersion int64 = -1

// CommandDetails is implemented by every command payload.
type CommandDetails interface {
	// CommandType returns the stable label used in command keys and history filters.
	CommandType() string

	// Summary returns a one-line human readable description.
	Summary() string
}

// EventDetails is implemented by every event payload.
type EventDetails interface {
	// Summary returns a one-line human readable description.
	Summary() string
}

// StoredEvent is an event tied to the aggregate and version it applies to.
// The initializing event has version 0.
type StoredEvent[D any] struct {
	handle    Handle
	version   int64
	details   D
	timestamp time.Time
}

// NewStoredEvent creates a StoredEvent.
func NewStoredEvent[D any](handle Handle, version int64, details D) StoredEvent[D] {
	return StoredEvent[D]{handle: handle, version: version, details: details}
}

// Handle returns the aggregate handle.
func (e StoredEvent[D]) Handle() Handle { return e.handle }

// Version returns the event version.
func (e StoredEvent[D]) Version() int64 { return e.version }

// Details returns the event payload.
func (e StoredEvent[D]) Details() D { return e.details }

// Timestamp returns when the event was persisted. Zero before persistence.
func (e StoredEvent[D]) Timestamp() time.Time { return e.timestamp }

// Unwrap returns the handle, version and payload.
func (e StoredEvent[D]) Unwrap() (Handle, int64, D) {
	return e.handle, e.version, e.details
}

// SentCommand is a command addressed to an aggregate at an expected version.
type SentCommand[C CommandDetails] struct {
	handle   Handle
	version  int64
	details  C
	metadata Metadata
}

// NewSentCommand creates a SentCommand. Use AnyVersion to skip the version check.
func NewSentCommand[C CommandDetails](handle Handle, version int64, details C) SentCommand[C] {
	return SentCommand[C]{handle: handle, version: version, details: details}
}

// WithMetadata returns a copy of the command carrying m.
func (c SentCommand[C]) WithMetadata(m Metadata) SentCommand[C] {
	c.metadata = m
	return c
}

// Handle returns the target aggregate handle.
func (c SentCommand[C]) Handle() Handle { return c.handle }

// Version returns the expected aggregate version.
func (c SentCommand[C]) Version() int64 { return c.version }

// Details returns the command payload.
func (c SentCommand[C]) Details() C { return c.details }

// Metadata returns the command metadata.
func (c SentCommand[C]) Metadata() Metadata { return c.metadata }

// Metadata contains contextual information about a command and the events it produced.
type Metadata struct {
	// Actor identifies who issued the command.
	Actor string `json:"actor,omitempty"`

	// CorrelationID links related commands across aggregates.
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID identifies the message that caused this command.
	CausationID string `json:"causationId,omitempty"`

	// Custom holds any additional metadata.
	Custom map[string]string `json:"custom,omitempty"`
}

// WithActor returns a copy of the metadata with the actor set.
func (m Metadata) WithActor(actor string) Metadata {
	m.Actor = actor
	return m
}

// WithCorrelationID returns a copy of the metadata with the correlation ID set.
func (m Metadata) WithCorrelationID(id string) Metadata {
	m.CorrelationID = id
	return m
}

// WithCausationID returns a copy of the metadata with the causation ID set.
func (m Metadata) WithCausationID(id string) Metadata {
	m.CausationID = id
	return m
}

// WithCustom returns a copy of the metadata with a custom key-value pair added.
func (m Metadata) WithCustom(key, value string) Metadata {
	custom := make(map[string]string, len(m.Custom)+1)
	for k, v := range m.Custom {
		custom[k] = v
	}
	custom[key] = value
	m.Custom = custom
	return m
}

func (m Metadata) toAdapter() adapters.Metadata {
	return adapters.CopyMetadata(adapters.Metadata{
		Actor:         m.Actor,
		CorrelationID: m.CorrelationID,
		CausationID:   m.CausationID,
		Custom:        m.Custom,
	})
}

func metadataFromAdapter(m adapters.Metadata) Metadata {
	m = adapters.CopyMetadata(m)
	return Metadata{
		Actor:         m.Actor,
		CorrelationID: m.CorrelationID,
		CausationID:   m.CausationID,
		Custom:        m.Custom,
	}
}
