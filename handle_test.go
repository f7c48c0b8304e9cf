package rpkica

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHandle(t *testing.T) {
	valid := []string{"ta", "my-ca", "child_1", "a.b.c", "A9", strings.Repeat("x", MaxHandleLength)}
	for _, s := range valid {
		h, err := ParseHandle(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, h.String())
	}

	invalid := []string{"", "-ca", ".hidden", "has space", "slash/y", "ünicode", strings.Repeat("x", MaxHandleLength+1)}
	for _, s := range invalid {
		_, err := ParseHandle(s)
		assert.ErrorIs(t, err, ErrInvalidHandle, s)
	}
}

func TestMustHandle(t *testing.T) {
	assert.Equal(t, Handle("ta"), MustHandle("ta"))
	assert.Panics(t, func() { MustHandle("../etc") })
}

func TestBuildStreamID(t *testing.T) {
	assert.Equal(t, "cas-my-ca", BuildStreamID("cas", "my-ca"))
}
