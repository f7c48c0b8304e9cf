package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica/adapters"
	"github.com/AshkanYarmoradi/go-rpkica/adapters/adaptertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a := NewAdapter(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, a.Initialize(context.Background()))
	return a
}

func TestDiskAdapter_Conformance(t *testing.T) {
	adaptertest.RunEventStoreSuite(t, func(t *testing.T) adapters.EventStoreAdapter {
		return newTestAdapter(t)
	})
}

func TestDiskAdapter_Snapshots(t *testing.T) {
	adaptertest.RunSnapshotSuite(t, func(t *testing.T) adapters.SnapshotAdapter {
		return newTestAdapter(t)
	})
}

func TestDiskAdapter_Layout(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Append(ctx, "cas-alice", []adapters.EventRecord{
		{Type: "Init", Data: []byte(`{"handle":"alice"}`)},
		{Type: "Binary", Data: []byte{0x81, 0xa1}},
	}, adapters.NoStream, &adapters.CommandRecord{Type: "init", Data: []byte(`{}`)})
	require.NoError(t, err)

	for _, name := range []string{"info.json", "event-1.json", "event-2.json", "command-0.json"} {
		_, err := os.Stat(filepath.Join(a.Dir(), "cas-alice", name))
		assert.NoError(t, err, name)
	}

	raw, err := os.ReadFile(filepath.Join(a.Dir(), "cas-alice", "event-1.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"handle": "alice"`)

	loaded, err := a.Load(ctx, "cas-alice", 0)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, []byte{0x81, 0xa1}, loaded[1].Data)
}

func TestDiskAdapter_IgnoresUncommittedFiles(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	_, err := a.Append(ctx, "cas-bob", []adapters.EventRecord{{Type: "A", Data: []byte(`{}`)}}, adapters.NoStream, nil)
	require.NoError(t, err)

	// An interrupted append leaves an event file without updating info.json.
	orphan := filepath.Join(a.Dir(), "cas-bob", "event-2.json")
	require.NoError(t, os.WriteFile(orphan, []byte(`{"type":"Orphan"}`), 0o644))

	loaded, err := a.Load(ctx, "cas-bob", 0)
	require.NoError(t, err)
	assert.Len(t, loaded, 1)

	stored, err := a.Append(ctx, "cas-bob", []adapters.EventRecord{{Type: "B", Data: []byte(`{}`)}}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "B", stored[0].Type)

	loaded, err = a.Load(ctx, "cas-bob", 1)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "B", loaded[0].Type)
}

// Two adapters over one directory stand in for two CLI processes.
func TestDiskAdapter_SharedDirectory(t *testing.T) {
	ctx := context.Background()
	first := newTestAdapter(t)
	second := NewAdapter(first.Dir())
	require.NoError(t, second.Initialize(ctx))

	for round := 0; round < 50; round++ {
		streamID := fmt.Sprintf("cas-r%d", round)
		_, err := first.Append(ctx, streamID, []adapters.EventRecord{{Type: "Init", Data: []byte(`{}`)}}, adapters.NoStream, nil)
		require.NoError(t, err)

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for _, a := range []*Adapter{first, second, first, second} {
			wg.Add(1)
			go func(a *Adapter) {
				defer wg.Done()
				_, err := a.Append(ctx, streamID, []adapters.EventRecord{{Type: "Next", Data: []byte(`{}`)}}, 1,
					&adapters.CommandRecord{Type: "next", Data: []byte(`{}`)})
				switch {
				case err == nil:
					mu.Lock()
					wins++
					mu.Unlock()
				case !errors.Is(err, adapters.ErrConcurrencyConflict):
					t.Errorf("unexpected error: %v", err)
				}
			}(a)
		}
		wg.Wait()

		require.Equal(t, 1, wins, "round %d", round)
		info, err := second.GetStreamInfo(ctx, streamID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), info.Version)
		assert.Equal(t, int64(1), info.CommandCount)
	}
}

func TestDiskAdapter_AppendHonorsCancelWhileLocked(t *testing.T) {
	a := newTestAdapter(t)
	dir := filepath.Join(a.Dir(), "cas-carol")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	// Another process holds the stream.
	other := NewAdapter(a.Dir())
	unlock, err := other.lockStream(context.Background(), "cas-carol", dir)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = a.Append(ctx, "cas-carol", []adapters.EventRecord{{Type: "A", Data: []byte(`{}`)}}, adapters.NoStream, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDiskAdapter_SurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	ctx := context.Background()

	first := NewAdapter(dir)
	require.NoError(t, first.Initialize(ctx))
	_, err := first.Append(ctx, "trustanchors-ta", []adapters.EventRecord{{Type: "A", Data: []byte(`{}`)}}, adapters.NoStream, nil)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := NewAdapter(dir)
	require.NoError(t, second.Initialize(ctx))
	info, err := second.GetStreamInfo(ctx, "trustanchors-ta")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Version)
}

func TestDiskAdapter_RejectsPathLikeStreamIDs(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()

	for _, id := range []string{"../escape", "cas/child", ".hidden"} {
		_, err := a.Append(ctx, id, []adapters.EventRecord{{Type: "A"}}, adapters.NoStream, nil)
		assert.Error(t, err, id)
	}
}

func TestDiskAdapter_Ping(t *testing.T) {
	a := newTestAdapter(t)
	assert.NoError(t, a.Ping(context.Background()))
}
