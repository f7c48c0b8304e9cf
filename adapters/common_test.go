package adapters

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionConstants(t *testing.T) {
	assert.Equal(t, int64(-1), AnyVersion)
	assert.Equal(t, int64(0), NoStream)
	assert.Equal(t, int64(-2), StreamExists)
}

func TestExtractCategory(t *testing.T) {
	tests := []struct {
		name     string
		streamID string
		expected string
	}{
		{"certificate authority", "cas-alice", "cas"},
		{"trust anchor", "tas-ta", "tas"},
		{"hyphenated handle keeps first part", "cas-child-1", "cas"},
		{"no hyphen returns entire ID", "NoHyphen", "NoHyphen"},
		{"empty string", "", ""},
		{"leading hyphen", "-alice", ""},
		{"only hyphen", "-", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExtractCategory(tt.streamID))
		})
	}
}

func TestConcurrencyError(t *testing.T) {
	err := NewConcurrencyError("cas-alice", 5, 3)

	assert.Equal(t, `rpkica: concurrency conflict on stream "cas-alice": expected version 5, got 3`, err.Error())
	assert.True(t, errors.Is(err, ErrConcurrencyConflict))
	assert.False(t, errors.Is(err, ErrStreamNotFound))

	t.Run("NoStream", func(t *testing.T) {
		assert.Contains(t, NewConcurrencyError("cas-alice", NoStream, 1).Error(), "expected version 0")
	})
}

func TestStreamNotFoundError(t *testing.T) {
	err := NewStreamNotFoundError("cas-alice")

	assert.Equal(t, `rpkica: stream "cas-alice" not found`, err.Error())
	assert.True(t, errors.Is(err, ErrStreamNotFound))
	assert.False(t, errors.Is(err, ErrConcurrencyConflict))
}

func TestCommandNotFoundError(t *testing.T) {
	err := NewCommandNotFoundError("cas-alice", 7)

	assert.Equal(t, `rpkica: command 7 not found in stream "cas-alice"`, err.Error())
	assert.True(t, errors.Is(err, ErrCommandNotFound))
	assert.False(t, errors.Is(err, ErrStreamNotFound))
}

func TestCheckVersion(t *testing.T) {
	t.Run("AnyVersion always succeeds", func(t *testing.T) {
		assert.NoError(t, CheckVersion("cas-alice", AnyVersion, 0, false))
		assert.NoError(t, CheckVersion("cas-alice", AnyVersion, 5, true))
	})

	t.Run("NoStream", func(t *testing.T) {
		assert.NoError(t, CheckVersion("cas-alice", NoStream, 0, false))

		err := CheckVersion("cas-alice", NoStream, 5, true)
		var concErr *ConcurrencyError
		require.True(t, errors.As(err, &concErr))
		assert.Equal(t, NoStream, concErr.ExpectedVersion)
		assert.Equal(t, int64(5), concErr.ActualVersion)
	})

	t.Run("StreamExists", func(t *testing.T) {
		assert.NoError(t, CheckVersion("cas-alice", StreamExists, 5, true))
		assert.ErrorIs(t, CheckVersion("cas-alice", StreamExists, 0, false), ErrStreamNotFound)
	})

	t.Run("exact version", func(t *testing.T) {
		assert.NoError(t, CheckVersion("cas-alice", 5, 5, true))
		assert.ErrorIs(t, CheckVersion("cas-alice", 5, 3, true), ErrConcurrencyConflict)
		assert.ErrorIs(t, CheckVersion("cas-alice", 1, 0, true), ErrConcurrencyConflict)
	})

	t.Run("other negative versions are invalid", func(t *testing.T) {
		for _, v := range []int64{-3, -10} {
			assert.ErrorIs(t, CheckVersion("cas-alice", v, 5, true), ErrInvalidVersion)
		}
	})
}

func TestValidateAppend(t *testing.T) {
	events := []EventRecord{{Type: "ChildAdded", Data: []byte(`{}`)}}

	assert.NoError(t, ValidateAppend("cas-alice", events))
	assert.ErrorIs(t, ValidateAppend("", events), ErrEmptyStreamID)
	assert.ErrorIs(t, ValidateAppend("cas-alice", nil), ErrNoEvents)
}

func TestCopyMetadata(t *testing.T) {
	original := Metadata{Actor: "alice", CorrelationID: "corr-1", Custom: map[string]string{"k": "v"}}

	copied := CopyMetadata(original)
	copied.Custom["k"] = "changed"

	assert.Equal(t, "v", original.Custom["k"])
	assert.Equal(t, "alice", copied.Actor)
	assert.Nil(t, CopyMetadata(Metadata{}).Custom)
}
