package msgpack

import (
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/resources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ChildAdded struct {
	Child     string                `json:"child"`
	Resources resources.ResourceSet `json:"resources"`
	Tags      []string              `json:"tags,omitempty"`
	Nested    *Nested               `json:"nested,omitempty"`
}

type Nested struct {
	Value int       `json:"value"`
	At    time.Time `json:"at"`
}

func TestNewSerializer(t *testing.T) {
	s := NewSerializer()
	assert.Equal(t, 0, s.Count())

	shared := rpkica.NewEventRegistry()
	shared.RegisterAll(ChildAdded{})
	assert.Equal(t, 1, NewSerializer(WithRegistry(shared)).Count())
}

func TestSerializer_RoundTrip(t *testing.T) {
	s := NewSerializer()
	s.RegisterAll(ChildAdded{})

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	event := ChildAdded{
		Child:     "child-1",
		Resources: resources.MustFromStrs("AS65000-AS65010", "10.0.0.0/8", "2001:db8::/32"),
		Tags:      []string{"a", "b"},
		Nested:    &Nested{Value: 7, At: at},
	}

	data, err := s.Serialize(event)
	require.NoError(t, err)

	v, err := s.Deserialize(data, "ChildAdded")
	require.NoError(t, err)

	got, ok := v.(ChildAdded)
	require.True(t, ok)
	assert.Equal(t, "child-1", got.Child)
	assert.Equal(t, []string{"a", "b"}, got.Tags)
	assert.True(t, got.Resources.Equal(event.Resources), got.Resources.String())
	require.NotNil(t, got.Nested)
	assert.Equal(t, 7, got.Nested.Value)
	assert.True(t, at.Equal(got.Nested.At))
}

func TestSerializer_JSONTagKeys(t *testing.T) {
	s := NewSerializer()
	data, err := s.Serialize(Nested{Value: 1})
	require.NoError(t, err)

	v, err := s.Deserialize(data, "Nested")
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, m, "value")
	assert.Contains(t, m, "at")
}

func TestSerializer_Errors(t *testing.T) {
	s := NewSerializer()
	s.Register("ChildAdded", ChildAdded{})

	_, err := s.Serialize(nil)
	assert.ErrorIs(t, err, rpkica.ErrSerializationFailed)

	_, err = s.Deserialize(nil, "ChildAdded")
	assert.ErrorIs(t, err, rpkica.ErrSerializationFailed)

	_, err = s.Deserialize([]byte{0xc1}, "ChildAdded")
	var se *rpkica.SerializationError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "deserialize", se.Operation)
}

func TestSerializer_SmallerThanJSON(t *testing.T) {
	event := ChildAdded{Child: "child-1", Tags: []string{"x", "y", "z"}}

	packed, err := NewSerializer().Serialize(event)
	require.NoError(t, err)
	plain, err := rpkica.NewJSONSerializer().Serialize(event)
	require.NoError(t, err)

	assert.Less(t, len(packed), len(plain))
}
