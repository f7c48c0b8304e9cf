package rpkica

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica/adapters"
	"github.com/AshkanYarmoradi/go-rpkica/adapters/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addCounter(t *testing.T, s *counterStore, h Handle, start int) *counter {
	t.Helper()
	c, err := s.Add(context.Background(), NewStoredEvent(h, 0, counterInit{Start: start}), Metadata{Actor: "tester"})
	require.NoError(t, err)
	return c
}

func TestAggregateStore_AddAndGet(t *testing.T) {
	ctx := context.Background()
	s := newCounterStore(memory.NewAdapter())

	added := addCounter(t, s, "alice", 5)
	assert.Equal(t, int64(1), added.Version())
	assert.Equal(t, 5, added.total)

	got, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, Handle("alice"), got.Handle())
	assert.Equal(t, int64(1), got.Version())
	assert.Equal(t, 5, got.total)
}

func TestAggregateStore_AddExisting(t *testing.T) {
	s := newCounterStore(memory.NewAdapter())
	addCounter(t, s, "alice", 0)

	_, err := s.Add(context.Background(), NewStoredEvent(Handle("alice"), 0, counterInit{}), Metadata{})
	assert.ErrorIs(t, err, ErrAggregateExists)

	var exists *AggregateExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, "counters", exists.Namespace)
}

func TestAggregateStore_AddInvalidHandle(t *testing.T) {
	s := newCounterStore(memory.NewAdapter())
	_, err := s.Add(context.Background(), NewStoredEvent(Handle("-bad"), 0, counterInit{}), Metadata{})
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestAggregateStore_GetMissing(t *testing.T) {
	s := newCounterStore(memory.NewAdapter())

	_, err := s.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrAggregateNotFound)

	var nf *AggregateNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, Handle("nobody"), nf.Handle)
}

func TestAggregateStore_Command(t *testing.T) {
	ctx := context.Background()
	s := newCounterStore(memory.NewAdapter())
	addCounter(t, s, "alice", 1)

	events, err := s.Command(ctx, NewSentCommand(Handle("alice"), 1, counterCmd{Op: "double", N: 3}))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Version())
	assert.Equal(t, int64(2), events[1].Version())
	assert.Equal(t, counterAdded{N: 3}, events[0].Details())
	assert.False(t, events[0].Timestamp().IsZero())

	c, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.Version())
	assert.Equal(t, 7, c.total)
}

func TestAggregateStore_CommandVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := newCounterStore(memory.NewAdapter())
	addCounter(t, s, "alice", 0)
	_, err := s.Command(ctx, NewSentCommand(Handle("alice"), 1, counterCmd{Op: "double", N: 1}))
	require.NoError(t, err)

	_, err = s.Command(ctx, addCmd("alice", 5, 1))
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	var ce *ConcurrencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(5), ce.ExpectedVersion)
	assert.Equal(t, int64(3), ce.ActualVersion)

	c, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.Version())
}

func TestAggregateStore_CommandAnyVersion(t *testing.T) {
	ctx := context.Background()
	s := newCounterStore(memory.NewAdapter())
	addCounter(t, s, "alice", 0)

	for i := 0; i < 3; i++ {
		_, err := s.Command(ctx, addCmd("alice", AnyVersion, 2))
		require.NoError(t, err)
	}

	c, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(4), c.Version())
	assert.Equal(t, 6, c.total)
}

func TestAggregateStore_CommandRejected(t *testing.T) {
	ctx := context.Background()
	adapter := memory.NewAdapter()
	s := newCounterStore(adapter)
	addCounter(t, s, "alice", 0)

	_, err := s.Command(ctx, addCmd("alice", 1, -1))
	assert.ErrorIs(t, err, errNegative)

	history, err := s.History(ctx, "alice", CommandHistoryCriteria{})
	require.NoError(t, err)
	assert.Equal(t, 1, history.Total)
	assert.Equal(t, 1, adapter.EventCount())
}

func TestAggregateStore_CommandWithoutEvents(t *testing.T) {
	ctx := context.Background()
	adapter := memory.NewAdapter()
	s := newCounterStore(adapter)
	addCounter(t, s, "alice", 0)

	events, err := s.Command(ctx, addCmd("alice", 1, 0))
	require.NoError(t, err)
	assert.Nil(t, events)

	history, err := s.History(ctx, "alice", CommandHistoryCriteria{})
	require.NoError(t, err)
	assert.Equal(t, 1, history.Total)

	c, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Version())
}

func TestAggregateStore_CommandApplyFailure(t *testing.T) {
	ctx := context.Background()
	adapter := memory.NewAdapter()
	s := newCounterStore(adapter)
	addCounter(t, s, "alice", 0)

	_, err := s.Command(ctx, NewSentCommand(Handle("alice"), 1, counterCmd{Op: "poison"}))
	assert.ErrorIs(t, err, ErrReplayIntegrity)

	var rie *ReplayIntegrityError
	require.ErrorAs(t, err, &rie)
	assert.Equal(t, int64(1), rie.Version)
	assert.Equal(t, 1, adapter.EventCount())

	c, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Version())
}

func TestAggregateStore_CommandBackendFailure(t *testing.T) {
	ctx := context.Background()
	adapter := memory.NewAdapter()
	s := newCounterStore(adapter)
	addCounter(t, s, "alice", 0)

	diskFull := errors.New("disk full")
	adapter.FailNextAppend(diskFull)

	_, err := s.Command(ctx, addCmd("alice", 1, 4))
	assert.ErrorIs(t, err, diskFull)

	c, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Version())
	assert.Equal(t, 0, c.total)

	_, err = s.Command(ctx, addCmd("alice", 1, 4))
	require.NoError(t, err)
}

func TestAggregateStore_GetReturnsPrivateCopy(t *testing.T) {
	ctx := context.Background()
	s := newCounterStore(memory.NewAdapter())
	addCounter(t, s, "alice", 3)

	c, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	c.total = 100
	c.version = 42

	again, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, again.total)
	assert.Equal(t, int64(1), again.Version())
}

func TestAggregateStore_ReplayMatchesCache(t *testing.T) {
	ctx := context.Background()
	adapter := memory.NewAdapter()
	s := newCounterStore(adapter)
	addCounter(t, s, "alice", 2)

	for _, cmd := range []counterCmd{{Op: "add", N: 5}, {Op: "reset"}, {Op: "double", N: 4}} {
		_, err := s.Command(ctx, NewSentCommand(Handle("alice"), AnyVersion, cmd))
		require.NoError(t, err)
	}

	cached, err := s.Get(ctx, "alice")
	require.NoError(t, err)

	replayed, err := newCounterStore(adapter).Get(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, cached, replayed)
	assert.Equal(t, int64(5), replayed.Version())
	assert.Equal(t, 8, replayed.total)
}

func TestAggregateStore_ReplayIntegrity(t *testing.T) {
	ctx := context.Background()
	adapter := memory.NewAdapter()
	s := newCounterStore(adapter)
	addCounter(t, s, "alice", 0)

	_, err := adapter.Append(ctx, "counters-alice", []adapters.EventRecord{
		{Type: "Bogus", Data: []byte(`{"x":1}`)},
	}, 1, nil)
	require.NoError(t, err)

	_, err = newCounterStore(adapter).Get(ctx, "alice")
	assert.ErrorIs(t, err, ErrReplayIntegrity)

	var rie *ReplayIntegrityError
	require.ErrorAs(t, err, &rie)
	assert.Equal(t, int64(1), rie.Version)
	assert.Equal(t, Handle("alice"), rie.Handle)
}

func TestAggregateStore_ConcurrentCommands(t *testing.T) {
	ctx := context.Background()
	s := newCounterStore(memory.NewAdapter())
	addCounter(t, s, "alice", 0)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Command(ctx, addCmd("alice", AnyVersion, 1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, writers, c.total)
	assert.Equal(t, int64(writers+1), c.Version())
	assert.Equal(t, 0, s.locks.size())
}

func TestAggregateStore_ConcurrentSameVersion(t *testing.T) {
	ctx := context.Background()
	adapter := memory.NewAdapter()
	s := newCounterStore(adapter)
	addCounter(t, s, "alice", 0)

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Command(ctx, addCmd("alice", 1, 1))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrConcurrencyConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(9), conflicts.Load())

	streamID := BuildStreamID("counters", "alice")
	info, err := adapter.GetStreamInfo(ctx, streamID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Version)
	assert.Equal(t, int64(2), info.CommandCount)

	events, err := adapter.Load(ctx, streamID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[1].Version)

	commands, err := adapter.LoadCommands(ctx, streamID)
	require.NoError(t, err)
	require.Len(t, commands, 2)
	assert.Equal(t, InitCommandType, commands[0].Type)
	assert.Equal(t, int64(1), commands[1].Version)
}

func TestAggregateStore_CancelledContext(t *testing.T) {
	s := newCounterStore(memory.NewAdapter())
	addCounter(t, s, "alice", 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Command(ctx, addCmd("alice", 1, 1))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.Get(ctx, "alice")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAggregateStore_CommandWaitsForLock(t *testing.T) {
	s := newCounterStore(memory.NewAdapter())
	addCounter(t, s, "alice", 0)

	unlock, err := s.locks.Lock(context.Background(), "alice")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = s.Command(ctx, addCmd("alice", 1, 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAggregateStore_Snapshots(t *testing.T) {
	ctx := context.Background()
	adapter := memory.NewAdapter()
	s := newCounterStore(adapter, WithSnapshotEvery(2))
	addCounter(t, s, "alice", 1)

	for i := 1; i <= 4; i++ {
		_, err := s.Command(ctx, addCmd("alice", AnyVersion, i))
		require.NoError(t, err)
	}

	snap, err := adapter.LoadSnapshot(ctx, "counters-alice")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(4), snap.Version)

	fromSnapshot, err := newCounterStore(adapter, WithSnapshotEvery(2)).Get(ctx, "alice")
	require.NoError(t, err)
	fromLog, err := newCounterStore(adapter).Get(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, fromLog, fromSnapshot)
	assert.Equal(t, 11, fromSnapshot.total)
	assert.Equal(t, int64(5), fromSnapshot.Version())
}

func TestAggregateStore_CorruptSnapshotFallsBackToLog(t *testing.T) {
	ctx := context.Background()
	adapter := memory.NewAdapter()
	s := newCounterStore(adapter)
	addCounter(t, s, "alice", 7)

	require.NoError(t, adapter.SaveSnapshot(ctx, "counters-alice", 1, []byte(`not json`)))

	c, err := newCounterStore(adapter, WithSnapshotEvery(10)).Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 7, c.total)
}

func TestAggregateStore_ListHasWarm(t *testing.T) {
	ctx := context.Background()
	adapter := memory.NewAdapter()
	s := newCounterStore(adapter)
	addCounter(t, s, "bob", 0)
	addCounter(t, s, "alice", 0)

	handles, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Handle{"alice", "bob"}, handles)

	ok, err := s.Has(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Has(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, newCounterStore(adapter).Warm(ctx))

	_, err = adapter.Append(ctx, "counters-bob", []adapters.EventRecord{{Type: "Bogus", Data: []byte(`{}`)}}, 1, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, newCounterStore(adapter).Warm(ctx), ErrReplayIntegrity)
}

func TestAggregateStore_RegisterEventsOutsideFamily(t *testing.T) {
	s := newCounterStore(memory.NewAdapter())
	assert.PanicsWithError(t, "rpkica: event type outside the store's event family: rpkica.counterCmd", func() {
		s.RegisterEvents(counterCmd{})
	})
}

func TestAggregateStore_InvalidNamespace(t *testing.T) {
	assert.Panics(t, func() {
		NewAggregateStore[*counter, counterInit, counterCmd, counterEvent](memory.NewAdapter(), "my-counters", initCounter)
	})
}

func TestAggregateStore_PostCommitHook(t *testing.T) {
	ctx := context.Background()
	var got []Committed
	s := newCounterStore(memory.NewAdapter(), WithPostCommitHook(func(_ context.Context, c Committed) {
		got = append(got, c)
	}))
	addCounter(t, s, "alice", 0)

	_, err := s.Command(ctx, NewSentCommand(Handle("alice"), 1, counterCmd{Op: "double", N: 2}).
		WithMetadata(Metadata{}.WithActor("ops")))
	require.NoError(t, err)
	_, err = s.Command(ctx, addCmd("alice", AnyVersion, -1))
	require.Error(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, InitCommandType, got[0].CommandType)
	assert.Equal(t, "double", got[1].CommandType)
	assert.Equal(t, "ops", got[1].Metadata.Actor)
	require.Len(t, got[1].Events, 2)
	assert.Equal(t, int64(1), got[1].Events[0].Version)
	assert.Equal(t, int64(2), got[1].Events[1].Version)
	assert.Equal(t, "counterAdded", got[1].Events[0].Type)
	assert.Equal(t, counterAdded{N: 2}, got[1].Events[1].Details)
}

func TestAggregateStore_WorksWithoutCache(t *testing.T) {
	// Non-pointer aggregates are rebuilt from the log on every access.
	ctx := context.Background()
	s := NewAggregateStore[valueCounter, counterInit, counterCmd, counterEvent](memory.NewAdapter(), "values",
		func(e StoredEvent[counterInit]) (valueCounter, error) {
			return valueCounter{c: &counter{handle: e.Handle(), version: 1}}, nil
		})
	s.RegisterEvents(counterAdded{})

	_, err := s.Add(ctx, NewStoredEvent(Handle("v"), 0, counterInit{}), Metadata{})
	require.NoError(t, err)
	_, err = s.Command(ctx, addCmd("v", 1, 3))
	require.NoError(t, err)

	got, err := s.Get(ctx, "v")
	require.NoError(t, err)
	assert.Equal(t, 3, got.c.total)
	assert.False(t, s.canSnapshot)
}

type valueCounter struct{ c *counter }

func (v valueCounter) Handle() Handle                          { return v.c.Handle() }
func (v valueCounter) Version() int64                          { return v.c.Version() }
func (v valueCounter) Apply(e StoredEvent[counterEvent]) error { return v.c.Apply(e) }
func (v valueCounter) ProcessCommand(ctx context.Context, cmd SentCommand[counterCmd]) ([]counterEvent, error) {
	return v.c.ProcessCommand(ctx, cmd)
}
