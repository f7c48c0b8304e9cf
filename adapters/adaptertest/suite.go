// Package adaptertest holds the conformance suite every event store adapter
// must pass. Adapter packages call RunEventStoreSuite from their tests.
package adaptertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, initialized adapter. The suite closes it.
type Factory func(t *testing.T) adapters.EventStoreAdapter

// RunEventStoreSuite exercises the EventStoreAdapter contract.
func RunEventStoreSuite(t *testing.T, newAdapter Factory) {
	t.Run("append and load", func(t *testing.T) {
		a := open(t, newAdapter)
		ctx := context.Background()

		stored, err := a.Append(ctx, "cas-alice", records("ParentAdded", "CertificateReceived"), adapters.NoStream, command("init", 0))
		require.NoError(t, err)
		require.Len(t, stored, 2)
		assert.Equal(t, int64(1), stored[0].Version)
		assert.Equal(t, int64(2), stored[1].Version)
		assert.NotEmpty(t, stored[0].ID)
		assert.NotEqual(t, stored[0].ID, stored[1].ID)

		loaded, err := a.Load(ctx, "cas-alice", 0)
		require.NoError(t, err)
		require.Len(t, loaded, 2)
		assert.Equal(t, "ParentAdded", loaded[0].Type)
		assert.Equal(t, `{"n":0}`, string(loaded[0].Data))
		assert.Equal(t, "cas-alice", loaded[1].StreamID)
		assert.Equal(t, "tester", loaded[0].Metadata.Actor)

		tail, err := a.Load(ctx, "cas-alice", 1)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, int64(2), tail[0].Version)
	})

	t.Run("load missing stream is empty", func(t *testing.T) {
		a := open(t, newAdapter)
		loaded, err := a.Load(context.Background(), "cas-nobody", 0)
		require.NoError(t, err)
		assert.Empty(t, loaded)
	})

	t.Run("rejects invalid arguments", func(t *testing.T) {
		a := open(t, newAdapter)
		ctx := context.Background()

		_, err := a.Append(ctx, "", records("X"), adapters.AnyVersion, nil)
		assert.ErrorIs(t, err, adapters.ErrEmptyStreamID)

		_, err = a.Append(ctx, "cas-x", nil, adapters.AnyVersion, nil)
		assert.ErrorIs(t, err, adapters.ErrNoEvents)
	})

	t.Run("optimistic concurrency", func(t *testing.T) {
		a := open(t, newAdapter)
		ctx := context.Background()

		_, err := a.Append(ctx, "cas-bob", records("A"), adapters.NoStream, nil)
		require.NoError(t, err)

		_, err = a.Append(ctx, "cas-bob", records("B"), adapters.NoStream, nil)
		assert.ErrorIs(t, err, adapters.ErrConcurrencyConflict)

		_, err = a.Append(ctx, "cas-bob", records("B"), 5, nil)
		var ce *adapters.ConcurrencyError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, int64(5), ce.ExpectedVersion)
		assert.Equal(t, int64(1), ce.ActualVersion)

		_, err = a.Append(ctx, "cas-bob", records("B"), 1, nil)
		require.NoError(t, err)

		_, err = a.Append(ctx, "cas-carol", records("A"), adapters.StreamExists, nil)
		assert.ErrorIs(t, err, adapters.ErrStreamNotFound)

		loaded, err := a.Load(ctx, "cas-bob", 0)
		require.NoError(t, err)
		assert.Len(t, loaded, 2)
	})

	t.Run("failed append stores nothing", func(t *testing.T) {
		a := open(t, newAdapter)
		ctx := context.Background()

		_, err := a.Append(ctx, "cas-dave", records("A"), adapters.NoStream, command("init", 0))
		require.NoError(t, err)
		_, err = a.Append(ctx, "cas-dave", records("B", "C"), 3, command("AddChild", 3))
		require.Error(t, err)

		loaded, err := a.Load(ctx, "cas-dave", 0)
		require.NoError(t, err)
		assert.Len(t, loaded, 1)

		cmds, err := a.LoadCommands(ctx, "cas-dave")
		require.NoError(t, err)
		assert.Len(t, cmds, 1)
	})

	t.Run("records commands with their events", func(t *testing.T) {
		a := open(t, newAdapter)
		ctx := context.Background()

		_, err := a.Append(ctx, "trustanchors-ta", records("Init"), adapters.NoStream, command("init", 0))
		require.NoError(t, err)
		_, err = a.Append(ctx, "trustanchors-ta", records("ChildAdded", "ChildCertificateIssued"), 1, command("AddChild", 1))
		require.NoError(t, err)

		cmds, err := a.LoadCommands(ctx, "trustanchors-ta")
		require.NoError(t, err)
		require.Len(t, cmds, 2)

		assert.Equal(t, int64(0), cmds[0].Sequence)
		assert.Equal(t, int64(0), cmds[0].Version)
		assert.Equal(t, 1, cmds[0].EventCount)
		assert.Equal(t, "init", cmds[0].Type)

		assert.Equal(t, int64(1), cmds[1].Sequence)
		assert.Equal(t, int64(1), cmds[1].Version)
		assert.Equal(t, 2, cmds[1].EventCount)
		assert.Equal(t, "AddChild", cmds[1].Type)
		assert.Equal(t, "AddChild summary", cmds[1].Summary)
		assert.JSONEq(t, `{"command":"AddChild"}`, string(cmds[1].Data))
		assert.Equal(t, "tester", cmds[1].Metadata.Actor)
		assert.Equal(t, "c-1", cmds[1].Metadata.CorrelationID)
		assert.Equal(t, fixedTime(1).UnixMilli(), cmds[1].Timestamp.UnixMilli())

		cmd, err := a.GetCommand(ctx, "trustanchors-ta", 1)
		require.NoError(t, err)
		assert.Equal(t, cmds[1].Type, cmd.Type)

		_, err = a.GetCommand(ctx, "trustanchors-ta", 2)
		assert.ErrorIs(t, err, adapters.ErrCommandNotFound)
		_, err = a.GetCommand(ctx, "trustanchors-nope", 0)
		assert.ErrorIs(t, err, adapters.ErrCommandNotFound)

		none, err := a.LoadCommands(ctx, "trustanchors-nope")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("stream info", func(t *testing.T) {
		a := open(t, newAdapter)
		ctx := context.Background()

		_, err := a.GetStreamInfo(ctx, "cas-erin")
		assert.ErrorIs(t, err, adapters.ErrStreamNotFound)

		_, err = a.Append(ctx, "cas-erin", records("A", "B"), adapters.NoStream, command("init", 0))
		require.NoError(t, err)

		info, err := a.GetStreamInfo(ctx, "cas-erin")
		require.NoError(t, err)
		assert.Equal(t, "cas-erin", info.StreamID)
		assert.Equal(t, "cas", info.Category)
		assert.Equal(t, int64(2), info.Version)
		assert.Equal(t, int64(1), info.CommandCount)
		assert.False(t, info.CreatedAt.IsZero())
	})

	t.Run("lists streams by category", func(t *testing.T) {
		a := open(t, newAdapter)
		ctx := context.Background()

		for _, id := range []string{"cas-zed", "cas-amy", "trustanchors-ta", "cas-my-ca"} {
			_, err := a.Append(ctx, id, records("A"), adapters.NoStream, nil)
			require.NoError(t, err)
		}

		cas, err := a.ListStreams(ctx, "cas")
		require.NoError(t, err)
		assert.Equal(t, []string{"cas-amy", "cas-my-ca", "cas-zed"}, cas)

		tas, err := a.ListStreams(ctx, "trustanchors")
		require.NoError(t, err)
		assert.Equal(t, []string{"trustanchors-ta"}, tas)

		none, err := a.ListStreams(ctx, "other")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("concurrent appends at same version admit one", func(t *testing.T) {
		a := open(t, newAdapter)
		ctx := context.Background()

		_, err := a.Append(ctx, "cas-race", records("A"), adapters.NoStream, nil)
		require.NoError(t, err)

		const writers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded := 0
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := a.Append(ctx, "cas-race", records(fmt.Sprintf("W%d", i)), 1, command("W", 1))
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, succeeded)
		loaded, err := a.Load(ctx, "cas-race", 0)
		require.NoError(t, err)
		assert.Len(t, loaded, 2)
	})

	t.Run("honors cancelled context", func(t *testing.T) {
		a := open(t, newAdapter)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := a.Append(ctx, "cas-x", records("A"), adapters.NoStream, nil)
		assert.Error(t, err)
	})

	t.Run("closed adapter", func(t *testing.T) {
		a := newAdapter(t)
		require.NoError(t, a.Close())

		_, err := a.Append(context.Background(), "cas-x", records("A"), adapters.NoStream, nil)
		assert.Error(t, err)
	})
}

// RunSnapshotSuite exercises the SnapshotAdapter contract.
func RunSnapshotSuite(t *testing.T, newAdapter func(t *testing.T) adapters.SnapshotAdapter) {
	ctx := context.Background()
	a := newAdapter(t)

	snap, err := a.LoadSnapshot(ctx, "cas-snap")
	require.NoError(t, err)
	assert.Nil(t, snap)

	require.NoError(t, a.SaveSnapshot(ctx, "cas-snap", 3, []byte(`{"v":3}`)))
	require.NoError(t, a.SaveSnapshot(ctx, "cas-snap", 7, []byte(`{"v":7}`)))

	snap, err = a.LoadSnapshot(ctx, "cas-snap")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(7), snap.Version)
	assert.Equal(t, `{"v":7}`, string(snap.Data))

	require.NoError(t, a.DeleteSnapshot(ctx, "cas-snap"))
	snap, err = a.LoadSnapshot(ctx, "cas-snap")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func open(t *testing.T, newAdapter Factory) adapters.EventStoreAdapter {
	t.Helper()
	a := newAdapter(t)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func records(types ...string) []adapters.EventRecord {
	out := make([]adapters.EventRecord, len(types))
	for i, typ := range types {
		out[i] = adapters.EventRecord{
			Type:     typ,
			Data:     []byte(fmt.Sprintf(`{"n":%d}`, i)),
			Metadata: adapters.Metadata{Actor: "tester"},
		}
	}
	return out
}

func command(typ string, n int) *adapters.CommandRecord {
	return &adapters.CommandRecord{
		Type:      typ,
		Summary:   typ + " summary",
		Data:      []byte(fmt.Sprintf(`{"command":%q}`, typ)),
		Metadata:  adapters.Metadata{Actor: "tester", CorrelationID: "c-1"},
		Timestamp: fixedTime(n),
	}
}

func fixedTime(n int) time.Time {
	return time.Date(2024, 5, 1, 12, 0, n, 0, time.UTC)
}
