package rpkica

import (
	"errors"
	"fmt"

	"github.com/AshkanYarmoradi/go-rpkica/adapters"
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these errors.
var (
	// ErrConcurrencyConflict indicates the command's expected version did not
	// match the persisted version. Nothing was appended.
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict

	// ErrAggregateNotFound indicates no log exists for a handle.
	ErrAggregateNotFound = errors.New("rpkica: aggregate not found")

	// ErrAggregateExists indicates Add was called for a handle that already has a log.
	ErrAggregateExists = errors.New("rpkica: aggregate already exists")

	// ErrCommandNotFound indicates a command key does not resolve to a recorded command.
	ErrCommandNotFound = adapters.ErrCommandNotFound

	// ErrReplayIntegrity indicates the log and the aggregate logic disagree:
	// an event could not be decoded or applied.
	ErrReplayIntegrity = errors.New("rpkica: replay integrity violation")

	// ErrEventFamilyMismatch indicates an event type was registered with a
	// store whose event family it does not belong to.
	ErrEventFamilyMismatch = errors.New("rpkica: event type outside the store's event family")

	// ErrSerializationFailed indicates event serialization/deserialization failed.
	ErrSerializationFailed = errors.New("rpkica: serialization failed")

	// ErrInvalidHandle indicates a handle failed validation.
	ErrInvalidHandle = errors.New("rpkica: invalid handle")

	// ErrInvalidCommandKey indicates a command key could not be parsed.
	ErrInvalidCommandKey = errors.New("rpkica: invalid command key")

	// ErrAdapterClosed indicates the adapter has been closed.
	ErrAdapterClosed = adapters.ErrAdapterClosed

	// ErrPanicked indicates a command panicked during dispatch.
	ErrPanicked = errors.New("rpkica: command panicked")
)

// ConcurrencyError is the adapter level conflict, returned unchanged by the store.
type ConcurrencyError = adapters.ConcurrencyError

// AggregateNotFoundError reports a handle with no log.
type AggregateNotFoundError struct {
	Namespace string
	Handle    Handle
}

// Error returns the error message.
func (e *AggregateNotFoundError) Error() string {
	return fmt.Sprintf("rpkica: %s %q not found", e.Namespace, e.Handle)
}

// Is reports whether this error matches the target error.
func (e *AggregateNotFoundError) Is(target error) bool {
	return target == ErrAggregateNotFound
}

// AggregateExistsError reports an Add for a handle that already has a log.
type AggregateExistsError struct {
	Namespace string
	Handle    Handle
}

// Error returns the error message.
func (e *AggregateExistsError) Error() string {
	return fmt.Sprintf("rpkica: %s %q already exists", e.Namespace, e.Handle)
}

// Is reports whether this error matches the target error.
func (e *AggregateExistsError) Is(target error) bool {
	return target == ErrAggregateExists
}

// CommandNotFoundError reports an unknown command key.
type CommandNotFoundError struct {
	Namespace string
	Handle    Handle
	Key       CommandKey
}

// Error returns the error message.
func (e *CommandNotFoundError) Error() string {
	return fmt.Sprintf("rpkica: command %s not found for %s %q", e.Key, e.Namespace, e.Handle)
}

// Is reports whether this error matches the target error.
func (e *CommandNotFoundError) Is(target error) bool {
	return target == ErrCommandNotFound
}

// ReplayIntegrityError reports an event that could not be decoded or applied.
// It means the log and the aggregate code disagree; the store refuses to
// continue with that aggregate rather than guess.
type ReplayIntegrityError struct {
	Namespace string
	Handle    Handle
	Version   int64
	Cause     error
}

// Error returns the error message.
func (e *ReplayIntegrityError) Error() string {
	return fmt.Sprintf("rpkica: replay of %s %q failed at version %d: %v",
		e.Namespace, e.Handle, e.Version, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *ReplayIntegrityError) Is(target error) bool {
	return target == ErrReplayIntegrity
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *ReplayIntegrityError) Unwrap() error {
	return e.Cause
}

// SerializationError provides detailed information about a serialization failure.
type SerializationError struct {
	EventType string
	Operation string // "serialize" or "deserialize"
	Cause     error
}

// Error returns the error message.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("rpkica: failed to %s event type %q: %v",
		e.Operation, e.EventType, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *SerializationError) Is(target error) bool {
	return target == ErrSerializationFailed
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// NewSerializationError creates a new SerializationError.
func NewSerializationError(eventType, operation string, cause error) *SerializationError {
	return &SerializationError{
		EventType: eventType,
		Operation: operation,
		Cause:     cause,
	}
}

// PanicError reports a panic recovered by RecoveryMiddleware.
type PanicError struct {
	CommandType string
	Handle      Handle
	Value       interface{}
	Stack       string
	// CommandData is the JSON form of the command, when it could be encoded.
	CommandData string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("rpkica: command %q for %s panicked: %v", e.CommandType, e.Handle, e.Value)
}

func (e *PanicError) Is(target error) bool {
	return target == ErrPanicked
}

func (e *PanicError) Unwrap() error {
	return ErrPanicked
}
