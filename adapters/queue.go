package adapters

import (
	"context"
	"errors"
	"time"
)

// ErrQueueMessageNotFound is returned when a queue message ID is unknown.
var ErrQueueMessageNotFound = errors.New("rpkica: queue message not found")

// QueueStatus represents the delivery state of a queued side effect.
type QueueStatus int

const (
	// QueuePending is waiting to be delivered.
	QueuePending QueueStatus = iota

	// QueueProcessing has been claimed by a processor.
	QueueProcessing

	// QueueCompleted was delivered.
	QueueCompleted

	// QueueFailed failed its last delivery attempt and may be retried.
	QueueFailed

	// QueueDeadLetter exhausted its attempts.
	QueueDeadLetter
)

// String returns the status name.
func (s QueueStatus) String() string {
	switch s {
	case QueuePending:
		return "pending"
	case QueueProcessing:
		return "processing"
	case QueueCompleted:
		return "completed"
	case QueueFailed:
		return "failed"
	case QueueDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// QueueMessage is a side effect scheduled after events were committed.
type QueueMessage struct {
	ID string

	// Namespace and Handle identify the aggregate whose events caused the message.
	Namespace string
	Handle    string

	// Version is the event version that caused the message.
	Version int64

	EventType   string
	Destination string
	Payload     []byte
	Headers     map[string]string

	Status        QueueStatus
	Attempts      int
	MaxAttempts   int
	LastError     string
	ScheduledAt   time.Time
	LastAttemptAt *time.Time
	ProcessedAt   *time.Time
	CreatedAt     time.Time
}

// QueueStore persists side effect messages until they are delivered.
type QueueStore interface {
	// Schedule stores messages for later delivery.
	Schedule(ctx context.Context, messages []*QueueMessage) error

	// FetchPending claims up to limit due pending messages.
	FetchPending(ctx context.Context, limit int) ([]*QueueMessage, error)

	// MarkCompleted marks messages as delivered.
	MarkCompleted(ctx context.Context, ids []string) error

	// MarkFailed records a failed delivery attempt.
	MarkFailed(ctx context.Context, id string, lastErr error) error

	// RetryFailed resets failed messages below maxAttempts to pending.
	RetryFailed(ctx context.Context, maxAttempts int) (int64, error)

	// MoveToDeadLetter moves failed messages at or above maxAttempts to dead letter.
	MoveToDeadLetter(ctx context.Context, maxAttempts int) (int64, error)

	// GetDeadLetterMessages lists dead lettered messages.
	GetDeadLetterMessages(ctx context.Context, limit int) ([]*QueueMessage, error)

	// Cleanup removes completed messages processed before now-olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)

	// Initialize sets up the required storage schema.
	Initialize(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// CopyQueueMessage returns a deep copy of msg.
func CopyQueueMessage(msg *QueueMessage) *QueueMessage {
	if msg == nil {
		return nil
	}
	copied := *msg
	if msg.Payload != nil {
		copied.Payload = make([]byte, len(msg.Payload))
		copy(copied.Payload, msg.Payload)
	}
	if msg.Headers != nil {
		copied.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			copied.Headers[k] = v
		}
	}
	if msg.LastAttemptAt != nil {
		t := *msg.LastAttemptAt
		copied.LastAttemptAt = &t
	}
	if msg.ProcessedAt != nil {
		t := *msg.ProcessedAt
		copied.ProcessedAt = &t
	}
	return &copied
}
