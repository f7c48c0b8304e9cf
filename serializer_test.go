package rpkica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRegistry(t *testing.T) {
	t.Run("Register handles pointer", func(t *testing.T) {
		r := NewEventRegistry()
		r.Register("counterAdded", &counterAdded{})

		typ, ok := r.Lookup("counterAdded")
		assert.True(t, ok)
		assert.Equal(t, "counterAdded", typ.Name())
	})

	t.Run("RegisterAll uses struct names", func(t *testing.T) {
		r := NewEventRegistry()
		r.RegisterAll(counterAdded{}, counterReset{})
		assert.Equal(t, 2, r.Count())

		_, ok := r.Lookup("counterReset")
		assert.True(t, ok)
		_, ok = r.Lookup("counterPoisoned")
		assert.False(t, ok)
	})
}

func TestJSONSerializer(t *testing.T) {
	t.Run("round trips registered types", func(t *testing.T) {
		s := NewJSONSerializer()
		s.RegisterAll(counterAdded{})

		data, err := s.Serialize(counterAdded{N: 4})
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":4}`, string(data))

		v, err := s.Deserialize(data, "counterAdded")
		require.NoError(t, err)
		assert.Equal(t, counterAdded{N: 4}, v)
	})

	t.Run("unregistered types decode to maps", func(t *testing.T) {
		s := NewJSONSerializer()
		v, err := s.Deserialize([]byte(`{"n":4}`), "counterAdded")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"n": float64(4)}, v)
	})

	t.Run("nil event", func(t *testing.T) {
		_, err := NewJSONSerializer().Serialize(nil)
		assert.ErrorIs(t, err, ErrSerializationFailed)
	})

	t.Run("empty data", func(t *testing.T) {
		_, err := NewJSONSerializer().Deserialize(nil, "counterAdded")
		assert.ErrorIs(t, err, ErrSerializationFailed)
	})

	t.Run("malformed data", func(t *testing.T) {
		s := NewJSONSerializer()
		s.Register("counterAdded", counterAdded{})
		_, err := s.Deserialize([]byte(`{"n":`), "counterAdded")

		var se *SerializationError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "deserialize", se.Operation)
		assert.Equal(t, "counterAdded", se.EventType)
	})
}

func TestGetEventType(t *testing.T) {
	assert.Equal(t, "counterAdded", GetEventType(counterAdded{}))
	assert.Equal(t, "counterAdded", GetEventType(&counterAdded{}))
	assert.Equal(t, "", GetEventType(nil))
}
