package adapters

import (
	"fmt"
	"strings"
)

// Version constants for optimistic concurrency control.
// These constants define special version values used in Append operations.
const (
	// AnyVersion skips version checking.
	AnyVersion int64 = -1

	// NoStream requires the stream to not exist. Use for creating new streams.
	NoStream int64 = 0

	// StreamExists requires the stream to exist.
	StreamExists int64 = -2
)

// ExtractCategory extracts the category from a stream ID.
// Stream IDs follow the format "namespace-handle"; the category is the
// portion before the first hyphen.
//
//   - "cas-child-1" returns "cas"
//   - "NoHyphen" returns "NoHyphen"
//   - "" returns ""
func ExtractCategory(streamID string) string {
	if streamID == "" {
		return ""
	}
	category, _, _ := strings.Cut(streamID, "-")
	return category
}

// ConcurrencyError provides details about a concurrency conflict.
// It is returned when an optimistic concurrency check fails during Append operations.
type ConcurrencyError struct {
	StreamID        string
	ExpectedVersion int64
	ActualVersion   int64
}

// NewConcurrencyError creates a new ConcurrencyError.
func NewConcurrencyError(streamID string, expected, actual int64) *ConcurrencyError {
	return &ConcurrencyError{
		StreamID:        streamID,
		ExpectedVersion: expected,
		ActualVersion:   actual,
	}
}

// Error implements the error interface.
func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("rpkica: concurrency conflict on stream %q: expected version %d, got %d",
		e.StreamID, e.ExpectedVersion, e.ActualVersion)
}

// Is implements errors.Is compatibility.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// StreamNotFoundError provides details about a missing stream.
type StreamNotFoundError struct {
	StreamID string
}

// NewStreamNotFoundError creates a new StreamNotFoundError.
func NewStreamNotFoundError(streamID string) *StreamNotFoundError {
	return &StreamNotFoundError{StreamID: streamID}
}

// Error implements the error interface.
func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("rpkica: stream %q not found", e.StreamID)
}

// Is implements errors.Is compatibility.
func (e *StreamNotFoundError) Is(target error) bool {
	return target == ErrStreamNotFound
}

// CommandNotFoundError reports a command sequence missing from a stream.
type CommandNotFoundError struct {
	StreamID string
	Sequence int64
}

// NewCommandNotFoundError creates a new CommandNotFoundError.
func NewCommandNotFoundError(streamID string, sequence int64) *CommandNotFoundError {
	return &CommandNotFoundError{StreamID: streamID, Sequence: sequence}
}

// Error implements the error interface.
func (e *CommandNotFoundError) Error() string {
	return fmt.Sprintf("rpkica: command %d not found in stream %q", e.Sequence, e.StreamID)
}

// Is implements errors.Is compatibility.
func (e *CommandNotFoundError) Is(target error) bool {
	return target == ErrCommandNotFound
}

// CheckVersion validates the expected version against the current version.
// This implements the optimistic concurrency control logic shared by all adapters.
//
// Parameters:
//   - streamID: The stream identifier (used for error messages)
//   - expected: The expected version (AnyVersion, NoStream, StreamExists, or a positive version)
//   - current: The current version of the stream
//   - exists: Whether the stream currently exists
func CheckVersion(streamID string, expected, current int64, exists bool) error {
	switch expected {
	case AnyVersion:
		return nil
	case NoStream:
		if exists {
			return NewConcurrencyError(streamID, expected, current)
		}
		return nil
	case StreamExists:
		if !exists {
			return NewStreamNotFoundError(streamID)
		}
		return nil
	default:
		if expected < 0 {
			return ErrInvalidVersion
		}
		if current != expected {
			return NewConcurrencyError(streamID, expected, current)
		}
		return nil
	}
}

// ValidateAppend runs the argument checks every Append implementation starts with.
func ValidateAppend(streamID string, events []EventRecord) error {
	if streamID == "" {
		return ErrEmptyStreamID
	}
	if len(events) == 0 {
		return ErrNoEvents
	}
	return nil
}

// CopyMetadata returns a deep copy of m.
func CopyMetadata(m Metadata) Metadata {
	if m.Custom != nil {
		custom := make(map[string]string, len(m.Custom))
		for k, v := range m.Custom {
			custom[k] = v
		}
		m.Custom = custom
	}
	return m
}
