package adaptertest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunQueueStoreSuite exercises the QueueStore contract. newStore returns a
// fresh, initialized store; the suite closes it.
func RunQueueStoreSuite(t *testing.T, newStore func(t *testing.T) adapters.QueueStore) {
	openStore := func(t *testing.T) adapters.QueueStore {
		s := newStore(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("fetch claims in scheduling order", func(t *testing.T) {
		s := openStore(t)
		ctx := context.Background()

		messages := []*adapters.QueueMessage{resync("a"), resync("b"), resync("c")}
		require.NoError(t, s.Schedule(ctx, messages))
		for _, msg := range messages {
			assert.NotEmpty(t, msg.ID)
			assert.Equal(t, adapters.QueuePending, msg.Status)
			assert.Positive(t, msg.MaxAttempts)
		}

		fetched, err := s.FetchPending(ctx, 2)
		require.NoError(t, err)
		require.Len(t, fetched, 2)
		assert.Equal(t, "a", fetched[0].Handle)
		assert.Equal(t, "b", fetched[1].Handle)
		for _, msg := range fetched {
			assert.Equal(t, adapters.QueueProcessing, msg.Status)
			assert.Equal(t, 1, msg.Attempts)
			assert.NotNil(t, msg.LastAttemptAt)
		}

		rest, err := s.FetchPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "c", rest[0].Handle)
		assert.Equal(t, `{"child":"c"}`, string(rest[0].Payload))

		none, err := s.FetchPending(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("future messages wait", func(t *testing.T) {
		s := openStore(t)
		ctx := context.Background()

		later := resync("later")
		later.ScheduledAt = time.Now().Add(time.Hour)
		require.NoError(t, s.Schedule(ctx, []*adapters.QueueMessage{later}))

		fetched, err := s.FetchPending(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, fetched)
	})

	t.Run("headers survive", func(t *testing.T) {
		s := openStore(t)
		ctx := context.Background()

		msg := resync("h")
		msg.Headers = map[string]string{"correlation-id": "c-1"}
		require.NoError(t, s.Schedule(ctx, []*adapters.QueueMessage{msg}))

		fetched, err := s.FetchPending(ctx, 1)
		require.NoError(t, err)
		require.Len(t, fetched, 1)
		assert.Equal(t, "c-1", fetched[0].Headers["correlation-id"])
		assert.Equal(t, int64(3), fetched[0].Version)
		assert.Equal(t, "local:resync", fetched[0].Destination)
	})

	t.Run("failure retry and dead letter", func(t *testing.T) {
		s := openStore(t)
		ctx := context.Background()

		require.NoError(t, s.Schedule(ctx, []*adapters.QueueMessage{resync("ok"), resync("bad")}))
		fetched, err := s.FetchPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, fetched, 2)

		require.NoError(t, s.MarkCompleted(ctx, []string{fetched[0].ID}))
		require.NoError(t, s.MarkFailed(ctx, fetched[1].ID, errors.New("connection refused")))

		retried, err := s.RetryFailed(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(1), retried)

		again, err := s.FetchPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, "bad", again[0].Handle)
		assert.Equal(t, 2, again[0].Attempts)
		require.NoError(t, s.MarkFailed(ctx, again[0].ID, errors.New("still down")))

		retried, err = s.RetryFailed(ctx, 2)
		require.NoError(t, err)
		assert.Zero(t, retried)

		moved, err := s.MoveToDeadLetter(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(1), moved)

		dead, err := s.GetDeadLetterMessages(ctx, 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, "still down", dead[0].LastError)
		assert.Equal(t, adapters.QueueDeadLetter, dead[0].Status)
	})

	t.Run("mark failed on unknown message", func(t *testing.T) {
		s := openStore(t)
		err := s.MarkFailed(context.Background(), "00000000-0000-0000-0000-000000000000", errors.New("x"))
		assert.ErrorIs(t, err, adapters.ErrQueueMessageNotFound)
	})

	t.Run("cleanup removes old completed messages", func(t *testing.T) {
		s := openStore(t)
		ctx := context.Background()

		require.NoError(t, s.Schedule(ctx, []*adapters.QueueMessage{resync("a")}))
		fetched, err := s.FetchPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, fetched, 1)
		require.NoError(t, s.MarkCompleted(ctx, []string{fetched[0].ID}))

		removed, err := s.Cleanup(ctx, time.Hour)
		require.NoError(t, err)
		assert.Zero(t, removed)

		removed, err = s.Cleanup(ctx, -time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)
	})

	t.Run("cancelled context", func(t *testing.T) {
		s := openStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.Error(t, s.Schedule(ctx, []*adapters.QueueMessage{resync("a")}))
		_, err := s.FetchPending(ctx, 1)
		assert.Error(t, err)
	})
}

func resync(handle string) *adapters.QueueMessage {
	return &adapters.QueueMessage{
		Namespace:   "cas",
		Handle:      handle,
		Version:     3,
		EventType:   "ChildUpdatedResources",
		Destination: "local:resync",
		Payload:     []byte(`{"child":"` + handle + `"}`),
	}
}
