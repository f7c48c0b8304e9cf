// Package protobuf provides a Protocol Buffers event serializer.
//
// Events that implement proto.Message are stored in their own wire format.
// Plain Go event structs are stored as a google.protobuf.Struct built from
// their JSON form, so the aggregate event families need no generated code:
//
//	s := protobuf.NewSerializer()
//	s.RegisterAll(ca.ChildAdded{}, &pb.Heartbeat{})
//
//	data, err := s.Serialize(event)
//	result, err := s.Deserialize(data, "ChildAdded")
package protobuf

import (
	"encoding/json"
	"errors"
	"reflect"

	"github.com/AshkanYarmoradi/go-rpkica"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	// ErrNilEvent indicates an attempt to serialize a nil event.
	ErrNilEvent = errors.New("rpkica/protobuf: cannot serialize nil event")

	// ErrEmptyData indicates an attempt to deserialize nil data.
	ErrEmptyData = errors.New("rpkica/protobuf: cannot deserialize empty data")

	// ErrNotObject indicates a plain event whose JSON form is not an object.
	ErrNotObject = errors.New("rpkica/protobuf: event must encode to a JSON object")
)

var protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

// Serializer implements rpkica.Serializer using Protocol Buffers.
type Serializer struct {
	registry *rpkica.EventRegistry
}

var (
	_ rpkica.Serializer    = (*Serializer)(nil)
	_ rpkica.TypeRegistrar = (*Serializer)(nil)
)

// SerializerOption configures the Serializer.
type SerializerOption func(*Serializer)

// WithRegistry shares an existing type registry.
func WithRegistry(registry *rpkica.EventRegistry) SerializerOption {
	return func(s *Serializer) {
		s.registry = registry
	}
}

// NewSerializer creates a new Protocol Buffers serializer.
func NewSerializer(opts ...SerializerOption) *Serializer {
	s := &Serializer{registry: rpkica.NewEventRegistry()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds an event type to the registry.
func (s *Serializer) Register(eventType string, example any) {
	s.registry.Register(eventType, example)
}

// RegisterAll registers multiple event types by inferring their names from type names.
func (s *Serializer) RegisterAll(examples ...any) {
	s.registry.RegisterAll(examples...)
}

// Lookup returns the registered type for the given event type name.
func (s *Serializer) Lookup(eventType string) (reflect.Type, bool) {
	return s.registry.Lookup(eventType)
}

// Count returns the number of registered event types.
func (s *Serializer) Count() int {
	return s.registry.Count()
}

// Serialize converts an event to Protocol Buffers binary format.
func (s *Serializer) Serialize(event any) ([]byte, error) {
	if event == nil {
		return nil, rpkica.NewSerializationError("nil", "serialize", ErrNilEvent)
	}
	eventType := rpkica.GetEventType(event)

	if msg, ok := event.(proto.Message); ok {
		data, err := proto.Marshal(msg)
		if err != nil {
			return nil, rpkica.NewSerializationError(eventType, "serialize", err)
		}
		return data, nil
	}

	st, err := toStruct(event)
	if err != nil {
		return nil, rpkica.NewSerializationError(eventType, "serialize", err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, rpkica.NewSerializationError(eventType, "serialize", err)
	}
	return data, nil
}

func toStruct(event any) (*structpb.Struct, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, ErrNotObject
	}
	return structpb.NewStruct(fields)
}

// Deserialize converts Protocol Buffers binary data back to an event.
// Unregistered plain events decode to a map[string]any.
//
// Protocol Buffers encodes a message with only zero values as an empty
// slice; that is valid input, nil is not.
func (s *Serializer) Deserialize(data []byte, eventType string) (any, error) {
	if data == nil {
		return nil, rpkica.NewSerializationError(eventType, "deserialize", ErrEmptyData)
	}

	typ, ok := s.registry.Lookup(eventType)
	if ok && reflect.PointerTo(typ).Implements(protoMessageType) {
		v := reflect.New(typ)
		if err := proto.Unmarshal(data, v.Interface().(proto.Message)); err != nil {
			return nil, rpkica.NewSerializationError(eventType, "deserialize", err)
		}
		return v.Interface(), nil
	}

	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, rpkica.NewSerializationError(eventType, "deserialize", err)
	}
	fields := st.AsMap()
	if !ok {
		return fields, nil
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, rpkica.NewSerializationError(eventType, "deserialize", err)
	}
	v := reflect.New(typ)
	if err := json.Unmarshal(raw, v.Interface()); err != nil {
		return nil, rpkica.NewSerializationError(eventType, "deserialize", err)
	}
	return v.Elem().Interface(), nil
}
