package adapters

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"ErrConcurrencyConflict", ErrConcurrencyConflict},
		{"ErrStreamNotFound", ErrStreamNotFound},
		{"ErrCommandNotFound", ErrCommandNotFound},
		{"ErrEmptyStreamID", ErrEmptyStreamID},
		{"ErrNoEvents", ErrNoEvents},
		{"ErrInvalidVersion", ErrInvalidVersion},
		{"ErrAdapterClosed", ErrAdapterClosed},
		{"ErrQueueMessageNotFound", ErrQueueMessageNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name+" has rpkica prefix", func(t *testing.T) {
			assert.True(t, strings.HasPrefix(tt.err.Error(), "rpkica: "))
		})

		t.Run(tt.name+" is distinct", func(t *testing.T) {
			for _, other := range tests {
				if tt.name != other.name {
					assert.False(t, errors.Is(tt.err, other.err),
						"%s should not match %s", tt.name, other.name)
				}
			}
		})
	}
}

func TestQueueStatus_String(t *testing.T) {
	tests := []struct {
		status   QueueStatus
		expected string
	}{
		{QueuePending, "pending"},
		{QueueProcessing, "processing"},
		{QueueCompleted, "completed"},
		{QueueFailed, "failed"},
		{QueueDeadLetter, "dead_letter"},
		{QueueStatus(42), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.String())
		})
	}
}

func TestCopyQueueMessage(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, CopyQueueMessage(nil))
	})

	t.Run("copy does not share buffers", func(t *testing.T) {
		attempted := time.Now()
		original := &QueueMessage{
			ID:            "msg-1",
			Namespace:     "cas",
			Handle:        "alice",
			Version:       3,
			EventType:     "ChildUpdatedResources",
			Destination:   "webhook:https://example.com/events",
			Payload:       []byte(`{"child":"bob"}`),
			Headers:       map[string]string{"event-type": "ChildUpdatedResources"},
			Attempts:      1,
			LastAttemptAt: &attempted,
		}

		copied := CopyQueueMessage(original)
		assert.Equal(t, original, copied)
		assert.NotSame(t, original, copied)

		copied.Payload[2] = 'X'
		copied.Headers["event-type"] = "changed"
		*copied.LastAttemptAt = attempted.Add(time.Hour)

		assert.Equal(t, `{"child":"bob"}`, string(original.Payload))
		assert.Equal(t, "ChildUpdatedResources", original.Headers["event-type"])
		assert.Equal(t, attempted, *original.LastAttemptAt)
		assert.Nil(t, copied.ProcessedAt)
	})
}
