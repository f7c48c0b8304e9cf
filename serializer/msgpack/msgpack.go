// Package msgpack provides a MessagePack event serializer.
//
// Payloads are smaller than JSON and decode faster on replay. Struct fields
// are keyed by their json tags, so an event type needs no extra annotations
// to be stored with either serializer:
//
//	serializer := msgpack.NewSerializer()
//	store := rpkica.NewAggregateStore[...](adapter, ns, initFn,
//		rpkica.WithStoreSerializer(serializer))
package msgpack

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/vmihailenco/msgpack/v5"
)

// Serializer is a MessagePack implementation of rpkica.Serializer.
type Serializer struct {
	registry *rpkica.EventRegistry
	tag      string
}

var (
	_ rpkica.Serializer    = (*Serializer)(nil)
	_ rpkica.TypeRegistrar = (*Serializer)(nil)
)

// SerializerOption configures a Serializer.
type SerializerOption func(*Serializer)

// WithStructTag sets the struct tag used for field names. Defaults to "json".
func WithStructTag(tag string) SerializerOption {
	return func(s *Serializer) {
		s.tag = tag
	}
}

// WithRegistry shares an existing type registry.
func WithRegistry(registry *rpkica.EventRegistry) SerializerOption {
	return func(s *Serializer) {
		s.registry = registry
	}
}

// NewSerializer creates a new MessagePack Serializer with an empty registry.
func NewSerializer(opts ...SerializerOption) *Serializer {
	s := &Serializer{
		registry: rpkica.NewEventRegistry(),
		tag:      "json",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a mapping from eventType to the Go type of the example.
func (s *Serializer) Register(eventType string, example any) {
	s.registry.Register(eventType, example)
}

// RegisterAll registers multiple events using their struct names as type names.
func (s *Serializer) RegisterAll(examples ...any) {
	s.registry.RegisterAll(examples...)
}

// Lookup returns the Go type for the given event type name.
func (s *Serializer) Lookup(eventType string) (reflect.Type, bool) {
	return s.registry.Lookup(eventType)
}

// Count returns the number of registered event types.
func (s *Serializer) Count() int {
	return s.registry.Count()
}

// Serialize converts an event to MessagePack bytes.
func (s *Serializer) Serialize(event any) ([]byte, error) {
	if event == nil {
		return nil, rpkica.NewSerializationError("nil", "serialize", fmt.Errorf("event cannot be nil"))
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag(s.tag)
	enc.UseCompactInts(true)
	if err := enc.Encode(event); err != nil {
		return nil, rpkica.NewSerializationError(rpkica.GetEventType(event), "serialize", err)
	}
	return buf.Bytes(), nil
}

// Deserialize converts MessagePack bytes back to an event.
// If the event type is registered, returns a value of that type.
// Otherwise, returns a map[string]any.
func (s *Serializer) Deserialize(data []byte, eventType string) (any, error) {
	if len(data) == 0 {
		return nil, rpkica.NewSerializationError(eventType, "deserialize", fmt.Errorf("data cannot be empty"))
	}

	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag(s.tag)

	t, ok := s.registry.Lookup(eventType)
	if !ok {
		var result map[string]any
		if err := dec.Decode(&result); err != nil {
			return nil, rpkica.NewSerializationError(eventType, "deserialize", err)
		}
		return result, nil
	}

	ptr := reflect.New(t)
	if err := dec.Decode(ptr.Interface()); err != nil {
		return nil, rpkica.NewSerializationError(eventType, "deserialize", err)
	}
	return ptr.Elem().Interface(), nil
}
