package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/AshkanYarmoradi/go-rpkica/adapters"
	"github.com/AshkanYarmoradi/go-rpkica/adapters/adaptertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAdapter_Conformance(t *testing.T) {
	adaptertest.RunEventStoreSuite(t, func(t *testing.T) adapters.EventStoreAdapter {
		return NewAdapter()
	})
}

func TestMemoryAdapter_Snapshots(t *testing.T) {
	adaptertest.RunSnapshotSuite(t, func(t *testing.T) adapters.SnapshotAdapter {
		return NewAdapter()
	})
}

func TestNewAdapter(t *testing.T) {
	adapter := NewAdapter()

	assert.NotNil(t, adapter)
	assert.Equal(t, 0, adapter.EventCount())
	assert.Equal(t, 0, adapter.StreamCount())
	assert.NoError(t, adapter.Initialize(context.Background()))
}

func TestMemoryAdapter_FailNextAppend(t *testing.T) {
	adapter := NewAdapter()
	ctx := context.Background()
	boom := errors.New("disk full")

	adapter.FailNextAppend(boom)
	_, err := adapter.Append(ctx, "cas-a", []adapters.EventRecord{{Type: "A"}}, NoStream, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, adapter.EventCount())

	_, err = adapter.Append(ctx, "cas-a", []adapters.EventRecord{{Type: "A"}}, NoStream, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, adapter.EventCount())
}

func TestMemoryAdapter_StoredDataIsCopied(t *testing.T) {
	adapter := NewAdapter()
	ctx := context.Background()

	data := []byte(`{"a":1}`)
	_, err := adapter.Append(ctx, "cas-a", []adapters.EventRecord{{Type: "A", Data: data}}, NoStream, nil)
	require.NoError(t, err)
	data[2] = 'x'

	loaded, err := adapter.Load(ctx, "cas-a", 0)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(loaded[0].Data))
}

func TestMemoryAdapter_Reset(t *testing.T) {
	adapter := NewAdapter()
	ctx := context.Background()

	_, err := adapter.Append(ctx, "cas-a", []adapters.EventRecord{{Type: "A"}}, NoStream, nil)
	require.NoError(t, err)
	require.NoError(t, adapter.SaveSnapshot(ctx, "cas-a", 1, []byte("{}")))

	adapter.Reset()

	assert.Equal(t, 0, adapter.StreamCount())
	snap, err := adapter.LoadSnapshot(ctx, "cas-a")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestMemoryAdapter_Ping(t *testing.T) {
	adapter := NewAdapter()
	assert.NoError(t, adapter.Ping(context.Background()))

	require.NoError(t, adapter.Close())
	assert.ErrorIs(t, adapter.Ping(context.Background()), adapters.ErrAdapterClosed)
}

func TestExtractCategory(t *testing.T) {
	tests := []struct {
		streamID string
		want     string
	}{
		{"cas-alice", "cas"},
		{"cas-my-ca", "cas"},
		{"trustanchors-ta", "trustanchors"},
		{"NoHyphen", "NoHyphen"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.streamID, func(t *testing.T) {
			assert.Equal(t, tt.want, adapters.ExtractCategory(tt.streamID))
		})
	}
}

func TestCheckVersion(t *testing.T) {
	assert.NoError(t, adapters.CheckVersion("s", AnyVersion, 4, true))
	assert.NoError(t, adapters.CheckVersion("s", NoStream, 0, false))
	assert.ErrorIs(t, adapters.CheckVersion("s", NoStream, 1, true), adapters.ErrConcurrencyConflict)
	assert.ErrorIs(t, adapters.CheckVersion("s", StreamExists, 0, false), adapters.ErrStreamNotFound)
	assert.ErrorIs(t, adapters.CheckVersion("s", -7, 0, false), adapters.ErrInvalidVersion)
	assert.NoError(t, adapters.CheckVersion("s", 3, 3, true))
	assert.ErrorIs(t, adapters.CheckVersion("s", 2, 3, true), adapters.ErrConcurrencyConflict)
}

func TestConcurrencyError(t *testing.T) {
	err := adapters.NewConcurrencyError("cas-a", 2, 5)

	assert.Equal(t, `rpkica: concurrency conflict on stream "cas-a": expected version 2, got 5`, err.Error())
	assert.True(t, errors.Is(err, adapters.ErrConcurrencyConflict))
	assert.False(t, errors.Is(err, adapters.ErrStreamNotFound))
}
