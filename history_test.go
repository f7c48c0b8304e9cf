package rpkica

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica/adapters/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandKey_RoundTrip(t *testing.T) {
	key := CommandKey{
		Sequence:  3,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Type:      "update-child",
	}
	assert.Equal(t, "3-1714564800000-update-child", key.String())

	parsed, err := ParseCommandKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key.Sequence, parsed.Sequence)
	assert.Equal(t, "update-child", parsed.Type)
	assert.True(t, key.Timestamp.Equal(parsed.Timestamp))
}

func TestParseCommandKey_Invalid(t *testing.T) {
	for _, s := range []string{"", "3", "3-100", "3-100-", "x-100-init", "3-abc-init", "-1-100-init"} {
		t.Run(s, func(t *testing.T) {
			_, err := ParseCommandKey(s)
			assert.ErrorIs(t, err, ErrInvalidCommandKey)
		})
	}
}

func TestCommandKey_Text(t *testing.T) {
	var holder struct {
		Key CommandKey `json:"key"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"key":"0-1000-init"}`), &holder))
	assert.Equal(t, int64(0), holder.Key.Sequence)
	assert.Equal(t, "init", holder.Key.Type)

	out, err := json.Marshal(holder)
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"0-1000-init"}`, string(out))
}

func TestEventVersions(t *testing.T) {
	assert.Equal(t, []int64{0}, eventVersions(0, 1))
	assert.Equal(t, []int64{3, 4, 5}, eventVersions(3, 3))
	assert.Empty(t, eventVersions(7, 0))
}

func historyFixture(t *testing.T) *counterStore {
	t.Helper()
	ctx := context.Background()
	s := newCounterStore(memory.NewAdapter())
	addCounter(t, s, "alice", 0)

	for _, cmd := range []counterCmd{
		{Op: "add", N: 1},
		{Op: "double", N: 2},
		{Op: "reset"},
		{Op: "add", N: 4},
	} {
		_, err := s.Command(ctx, NewSentCommand(Handle("alice"), AnyVersion, cmd).WithMetadata(Metadata{Actor: "ops"}))
		require.NoError(t, err)
	}
	return s
}

func TestAggregateStore_History(t *testing.T) {
	ctx := context.Background()
	s := historyFixture(t)

	history, err := s.History(ctx, "alice", CommandHistoryCriteria{})
	require.NoError(t, err)
	assert.Equal(t, 5, history.Total)
	require.Len(t, history.Commands, 5)

	first := history.Commands[0]
	assert.Equal(t, InitCommandType, first.Type)
	assert.Equal(t, "tester", first.Actor)
	assert.Equal(t, []int64{0}, first.EventVersions)
	assert.Equal(t, int64(0), first.Key.Sequence)

	double := history.Commands[2]
	assert.Equal(t, "double", double.Type)
	assert.Equal(t, "double 2", double.Summary)
	assert.Equal(t, int64(2), double.Version)
	assert.Equal(t, []int64{2, 3}, double.EventVersions)
	assert.Equal(t, "ops", double.Actor)

	last := history.Commands[4]
	assert.Equal(t, []int64{5}, last.EventVersions)
}

func TestAggregateStore_HistoryFilters(t *testing.T) {
	ctx := context.Background()
	s := historyFixture(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		criteria CommandHistoryCriteria
		total    int
		types    []string
	}{
		{
			name:     "include types",
			criteria: CommandHistoryCriteria{IncludeTypes: []string{"add"}},
			total:    2,
			types:    []string{"add", "add"},
		},
		{
			name:     "exclude types",
			criteria: CommandHistoryCriteria{ExcludeTypes: []string{"add", InitCommandType}},
			total:    2,
			types:    []string{"double", "reset"},
		},
		{
			name:     "time window",
			criteria: CommandHistoryCriteria{After: base.Add(2 * time.Second), Before: base.Add(5 * time.Second)},
			total:    2,
			types:    []string{"double", "reset"},
		},
		{
			name:     "offset and limit",
			criteria: CommandHistoryCriteria{Offset: 1, RowsLimit: 2},
			total:    5,
			types:    []string{"add", "double"},
		},
		{
			name:     "offset past end",
			criteria: CommandHistoryCriteria{Offset: 10},
			total:    5,
			types:    []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history, err := s.History(ctx, "alice", tt.criteria)
			require.NoError(t, err)
			assert.Equal(t, tt.total, history.Total)

			types := make([]string, 0, len(history.Commands))
			for _, c := range history.Commands {
				types = append(types, c.Type)
			}
			assert.Equal(t, tt.types, types)
		})
	}
}

func TestAggregateStore_HistoryMissing(t *testing.T) {
	s := newCounterStore(memory.NewAdapter())
	_, err := s.History(context.Background(), "nobody", CommandHistoryCriteria{})
	assert.ErrorIs(t, err, ErrAggregateNotFound)
}

func TestAggregateStore_CommandDetails(t *testing.T) {
	ctx := context.Background()
	s := historyFixture(t)

	history, err := s.History(ctx, "alice", CommandHistoryCriteria{})
	require.NoError(t, err)

	details, err := s.CommandDetails(ctx, "alice", history.Commands[2].Key)
	require.NoError(t, err)
	assert.Equal(t, "double", details.Type)
	assert.Equal(t, "ops", details.Metadata.Actor)
	assert.JSONEq(t, `{"op":"double","n":2}`, string(details.Command))
	require.Len(t, details.Events, 2)
	assert.Equal(t, int64(2), details.Events[0].Version)
	assert.Equal(t, int64(3), details.Events[1].Version)
	assert.Equal(t, "counterAdded", details.Events[0].Type)
	assert.Equal(t, "added 2", details.Events[0].Summary)
	assert.JSONEq(t, `{"n":2}`, string(details.Events[0].Details))

	initDetails, err := s.CommandDetails(ctx, "alice", history.Commands[0].Key)
	require.NoError(t, err)
	require.Len(t, initDetails.Events, 1)
	assert.Equal(t, "counter created", initDetails.Events[0].Summary)
	assert.JSONEq(t, `{"start":0}`, string(initDetails.Events[0].Details))
}

func TestAggregateStore_CommandDetailsNotFound(t *testing.T) {
	ctx := context.Background()
	s := historyFixture(t)

	history, err := s.History(ctx, "alice", CommandHistoryCriteria{})
	require.NoError(t, err)
	key := history.Commands[1].Key

	wrongType := key
	wrongType.Type = "reset"
	wrongTime := key
	wrongTime.Timestamp = key.Timestamp.Add(time.Hour)
	beyond := key
	beyond.Sequence = 99

	for name, k := range map[string]CommandKey{"type": wrongType, "time": wrongTime, "sequence": beyond} {
		t.Run(name, func(t *testing.T) {
			_, err := s.CommandDetails(ctx, "alice", k)
			assert.ErrorIs(t, err, ErrCommandNotFound)

			var nf *CommandNotFoundError
			require.ErrorAs(t, err, &nf)
			assert.Equal(t, k, nf.Key)
		})
	}
}
