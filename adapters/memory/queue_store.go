package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica/adapters"
	"github.com/google/uuid"
)

// Ensure interface compliance at compile time
var _ adapters.QueueStore = (*QueueStore)(nil)

// DefaultMaxAttempts is applied to messages scheduled without a limit.
const DefaultMaxAttempts = 5

// QueueStore provides an in-memory implementation of adapters.QueueStore.
// This is primarily intended for testing and development purposes.
type QueueStore struct {
	mu       sync.RWMutex
	messages map[string]*adapters.QueueMessage
	seq      int64
	order    map[string]int64
}

// NewQueueStore creates a new in-memory QueueStore.
func NewQueueStore() *QueueStore {
	return &QueueStore{
		messages: make(map[string]*adapters.QueueMessage),
		order:    make(map[string]int64),
	}
}

// Schedule stores messages for later delivery.
func (s *QueueStore) Schedule(ctx context.Context, messages []*adapters.QueueMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, msg := range messages {
		if msg.ID == "" {
			msg.ID = uuid.New().String()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		if msg.ScheduledAt.IsZero() {
			msg.ScheduledAt = now
		}
		if msg.MaxAttempts == 0 {
			msg.MaxAttempts = DefaultMaxAttempts
		}
		msg.Status = adapters.QueuePending

		s.seq++
		s.order[msg.ID] = s.seq
		s.messages[msg.ID] = adapters.CopyQueueMessage(msg)
	}

	return nil
}

// FetchPending claims up to limit due pending messages, oldest first.
// Messages scheduled at the same instant keep their scheduling order.
func (s *QueueStore) FetchPending(ctx context.Context, limit int) ([]*adapters.QueueMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	var pending []*adapters.QueueMessage
	for _, msg := range s.messages {
		if msg.Status == adapters.QueuePending && !msg.ScheduledAt.After(now) {
			pending = append(pending, msg)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].ScheduledAt.Equal(pending[j].ScheduledAt) {
			return pending[i].ScheduledAt.Before(pending[j].ScheduledAt)
		}
		return s.order[pending[i].ID] < s.order[pending[j].ID]
	})

	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	result := make([]*adapters.QueueMessage, len(pending))
	for i, msg := range pending {
		msg.Status = adapters.QueueProcessing
		msg.Attempts++
		attempted := now
		msg.LastAttemptAt = &attempted
		result[i] = adapters.CopyQueueMessage(msg)
	}

	return result, nil
}

// MarkCompleted marks messages as delivered.
func (s *QueueStore) MarkCompleted(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		msg, exists := s.messages[id]
		if !exists {
			continue
		}
		msg.Status = adapters.QueueCompleted
		processed := now
		msg.ProcessedAt = &processed
	}

	return nil
}

// MarkFailed records a failed delivery attempt.
func (s *QueueStore) MarkFailed(ctx context.Context, id string, lastErr error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, exists := s.messages[id]
	if !exists {
		return adapters.ErrQueueMessageNotFound
	}

	msg.Status = adapters.QueueFailed
	if lastErr != nil {
		msg.LastError = lastErr.Error()
	}

	return nil
}

// RetryFailed resets failed messages below maxAttempts to pending.
func (s *QueueStore) RetryFailed(ctx context.Context, maxAttempts int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, msg := range s.messages {
		if msg.Status == adapters.QueueFailed && msg.Attempts < maxAttempts {
			msg.Status = adapters.QueuePending
			count++
		}
	}

	return count, nil
}

// MoveToDeadLetter moves failed messages at or above maxAttempts to dead letter.
func (s *QueueStore) MoveToDeadLetter(ctx context.Context, maxAttempts int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, msg := range s.messages {
		if msg.Status == adapters.QueueFailed && msg.Attempts >= maxAttempts {
			msg.Status = adapters.QueueDeadLetter
			count++
		}
	}

	return count, nil
}

// GetDeadLetterMessages lists dead lettered messages.
func (s *QueueStore) GetDeadLetterMessages(ctx context.Context, limit int) ([]*adapters.QueueMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*adapters.QueueMessage
	for _, msg := range s.messages {
		if msg.Status == adapters.QueueDeadLetter {
			result = append(result, adapters.CopyQueueMessage(msg))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return s.order[result[i].ID] < s.order[result[j].ID]
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// Cleanup removes old completed messages.
func (s *QueueStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var count int64
	for id, msg := range s.messages {
		if msg.Status == adapters.QueueCompleted && msg.ProcessedAt != nil && msg.ProcessedAt.Before(cutoff) {
			delete(s.messages, id)
			delete(s.order, id)
			count++
		}
	}

	return count, nil
}

// Initialize is a no-op for the in-memory store.
func (s *QueueStore) Initialize(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *QueueStore) Close() error {
	return nil
}

// Count returns the total number of messages stored.
func (s *QueueStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// CountByStatus returns the count of messages by status.
func (s *QueueStore) CountByStatus() map[adapters.QueueStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[adapters.QueueStatus]int)
	for _, msg := range s.messages {
		counts[msg.Status]++
	}
	return counts
}
