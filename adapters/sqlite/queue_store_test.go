package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/AshkanYarmoradi/go-rpkica/adapters"
	"github.com/AshkanYarmoradi/go-rpkica/adapters/adaptertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T, path string) *QueueStore {
	t.Helper()
	s, err := OpenQueueStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func TestQueueStore_Conformance(t *testing.T) {
	t.Run("own file", func(t *testing.T) {
		adaptertest.RunQueueStoreSuite(t, func(t *testing.T) adapters.QueueStore {
			return openTestQueue(t, filepath.Join(t.TempDir(), "queue.db"))
		})
	})

	t.Run("shared with adapter", func(t *testing.T) {
		adaptertest.RunQueueStoreSuite(t, func(t *testing.T) adapters.QueueStore {
			a := openTestAdapter(t)
			t.Cleanup(func() { _ = a.Close() })
			s := NewQueueStoreFromAdapter(a)
			require.NoError(t, s.Initialize(context.Background()))
			return s
		})
	})
}

func TestQueueStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	first := openTestQueue(t, path)
	require.NoError(t, first.Schedule(ctx, []*adapters.QueueMessage{
		{Namespace: "ta", Handle: "ta", Version: 4, EventType: "ChildUpdatedResources", Destination: "local:resync", Payload: []byte(`{}`)},
		{Namespace: "cas", Handle: "alice", Version: 2, EventType: "ChildRemoved", Destination: "local:resync", Payload: []byte(`{}`)},
	}))
	claimed, err := first.FetchPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, first.MarkFailed(ctx, claimed[0].ID, errors.New("parent unreachable")))
	require.NoError(t, first.Close())

	second := openTestQueue(t, path)
	defer second.Close()

	pending, err := second.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "alice", pending[0].Handle)

	retried, err := second.RetryFailed(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), retried)

	again, err := second.FetchPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "ta", again[0].Handle)
	assert.Equal(t, 2, again[0].Attempts)
	assert.Equal(t, "parent unreachable", again[0].LastError)
}

func TestQueueStore_CloseLeavesAdapterOpen(t *testing.T) {
	a := openTestAdapter(t)
	defer a.Close()
	ctx := context.Background()

	s := NewQueueStoreFromAdapter(a)
	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Close())

	assert.NoError(t, a.Ping(ctx))
}
