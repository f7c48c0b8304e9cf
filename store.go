package rpkica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica/adapters"
)

// InitCommandType labels the command record written by Add.
const InitCommandType = "init"

// Logger defines the logging interface for the store.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// noopLogger is a no-op logger implementation.
type noopLogger struct{}

func (l *noopLogger) Debug(msg string, args ...interface{}) {}
func (l *noopLogger) Info(msg string, args ...interface{})  {}
func (l *noopLogger) Warn(msg string, args ...interface{})  {}
func (l *noopLogger) Error(msg string, args ...interface{}) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return &noopLogger{} }

// CommittedEvent is an event that has been durably appended.
type CommittedEvent struct {
	Version   int64
	Type      string
	Details   any
	Timestamp time.Time
}

// Committed describes one successful append, handed to post-commit hooks.
type Committed struct {
	Namespace   string
	Handle      Handle
	CommandType string
	Metadata    Metadata
	Events      []CommittedEvent
}

// PostCommitHook runs after events are durably stored. Hooks run on the
// committing goroutine while the handle is still locked and must not call
// back into the same store for that handle.
type PostCommitHook func(ctx context.Context, c Committed)

type storeConfig struct {
	serializer    Serializer
	logger        Logger
	clock         func() time.Time
	snapshotEvery int64
	hooks         []PostCommitHook
}

// StoreOption configures an AggregateStore.
type StoreOption func(*storeConfig)

// WithStoreSerializer sets the event serializer. Defaults to JSON.
func WithStoreSerializer(s Serializer) StoreOption {
	return func(c *storeConfig) {
		c.serializer = s
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(l Logger) StoreOption {
	return func(c *storeConfig) {
		c.logger = l
	}
}

// WithClock sets the time source used for command timestamps.
func WithClock(clock func() time.Time) StoreOption {
	return func(c *storeConfig) {
		c.clock = clock
	}
}

// WithSnapshotEvery persists a snapshot every n events when the adapter
// implements adapters.SnapshotAdapter. Zero disables persisted snapshots.
func WithSnapshotEvery(n int64) StoreOption {
	return func(c *storeConfig) {
		c.snapshotEvery = n
	}
}

// WithPostCommitHook registers a hook run after every successful append.
func WithPostCommitHook(h PostCommitHook) StoreOption {
	return func(c *storeConfig) {
		c.hooks = append(c.hooks, h)
	}
}

// cachedState is a serialized aggregate at a version. Decoding it yields a
// fresh instance, so no caller ever shares state with the cache.
type cachedState struct {
	version int64
	data    []byte
}

// AggregateStore persists aggregates of one kind as per-handle event logs in a
// namespace. A is the aggregate, I its initializing event payload, C its
// command family and E its event family.
type AggregateStore[A Aggregate[C, E], I any, C CommandDetails, E EventDetails] struct {
	adapter   adapters.EventStoreAdapter
	snapshots adapters.SnapshotAdapter
	namespace string
	initFn    InitFunc[A, I]
	cfg       storeConfig
	locks     *keyedMutex

	cacheMu     sync.RWMutex
	cache       map[Handle]cachedState
	canSnapshot bool
}

// NewAggregateStore creates a store over adapter for namespace. The namespace
// must not contain '-', which separates it from the handle in stream IDs.
func NewAggregateStore[A Aggregate[C, E], I any, C CommandDetails, E EventDetails](
	adapter adapters.EventStoreAdapter,
	namespace string,
	initFn InitFunc[A, I],
	opts ...StoreOption,
) *AggregateStore[A, I, C, E] {
	if namespace == "" || strings.Contains(namespace, "-") {
		panic(fmt.Sprintf("rpkica: invalid namespace %q", namespace))
	}

	cfg := storeConfig{
		serializer: NewJSONSerializer(),
		logger:     &noopLogger{},
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &AggregateStore[A, I, C, E]{
		adapter:   adapter,
		namespace: namespace,
		initFn:    initFn,
		cfg:       cfg,
		locks:     newKeyedMutex(),
		cache:     make(map[Handle]cachedState),
	}

	var zero A
	if t := reflect.TypeOf(zero); t != nil && t.Kind() == reflect.Ptr {
		s.canSnapshot = true
	}
	if sa, ok := adapter.(adapters.SnapshotAdapter); ok && cfg.snapshotEvery > 0 {
		s.snapshots = sa
	}

	var initExample I
	if GetEventType(initExample) != "" {
		s.register(initExample)
	}
	return s
}

// Namespace returns the store namespace.
func (s *AggregateStore[A, I, C, E]) Namespace() string { return s.namespace }

// Adapter returns the underlying adapter.
func (s *AggregateStore[A, I, C, E]) Adapter() adapters.EventStoreAdapter { return s.adapter }

// RegisterEvents registers event payload types with the serializer so logged
// events decode to their original types. It panics if an example is not part
// of the store's event family E.
func (s *AggregateStore[A, I, C, E]) RegisterEvents(examples ...any) {
	for _, example := range examples {
		if _, ok := example.(E); !ok {
			panic(fmt.Errorf("%w: %T", ErrEventFamilyMismatch, example))
		}
		s.register(example)
	}
}

func (s *AggregateStore[A, I, C, E]) register(example any) {
	if r, ok := s.cfg.serializer.(TypeRegistrar); ok {
		r.Register(GetEventType(example), example)
	}
}

func (s *AggregateStore[A, I, C, E]) streamID(handle Handle) string {
	return BuildStreamID(s.namespace, handle)
}

// Add creates a new aggregate from its initializing event. The event is
// stored as version 0 and recorded as command sequence 0.
func (s *AggregateStore[A, I, C, E]) Add(ctx context.Context, init StoredEvent[I], meta Metadata) (A, error) {
	var zero A
	handle := init.Handle()
	if _, err := ParseHandle(string(handle)); err != nil {
		return zero, err
	}

	unlock, err := s.locks.Lock(ctx, handle)
	if err != nil {
		return zero, err
	}
	defer unlock()

	init = NewStoredEvent(handle, 0, init.Details())
	agg, err := s.initFn(init)
	if err != nil {
		return zero, err
	}

	details := init.Details()
	data, err := s.cfg.serializer.Serialize(details)
	if err != nil {
		return zero, err
	}
	cmdData, err := json.Marshal(details)
	if err != nil {
		return zero, NewSerializationError(GetEventType(details), "serialize", err)
	}

	now := s.cfg.clock()
	eventType := GetEventType(details)
	record := adapters.EventRecord{Type: eventType, Data: data, Metadata: meta.toAdapter()}
	command := &adapters.CommandRecord{
		Type:      InitCommandType,
		Summary:   summarize(details, "initialize "+string(handle)),
		Data:      cmdData,
		Metadata:  meta.toAdapter(),
		Timestamp: now,
	}

	stored, err := s.adapter.Append(ctx, s.streamID(handle), []adapters.EventRecord{record}, adapters.NoStream, command)
	if err != nil {
		if errors.Is(err, adapters.ErrConcurrencyConflict) {
			return zero, &AggregateExistsError{Namespace: s.namespace, Handle: handle}
		}
		return zero, fmt.Errorf("rpkica: add %s %q: %w", s.namespace, handle, err)
	}

	s.remember(ctx, handle, agg, 0)
	s.cfg.logger.Info("Aggregate added", "namespace", s.namespace, "handle", handle)

	s.runHooks(ctx, Committed{
		Namespace:   s.namespace,
		Handle:      handle,
		CommandType: InitCommandType,
		Metadata:    meta,
		Events:      []CommittedEvent{{Version: 0, Type: eventType, Details: details, Timestamp: stored[0].Timestamp}},
	})
	return agg, nil
}

// Get returns a private copy of the aggregate at its latest version.
func (s *AggregateStore[A, I, C, E]) Get(ctx context.Context, handle Handle) (A, error) {
	return s.load(ctx, handle)
}

// Has reports whether the handle has a log.
func (s *AggregateStore[A, I, C, E]) Has(ctx context.Context, handle Handle) (bool, error) {
	_, err := s.adapter.GetStreamInfo(ctx, s.streamID(handle))
	if errors.Is(err, adapters.ErrStreamNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns the handles of all aggregates in the namespace, sorted.
func (s *AggregateStore[A, I, C, E]) List(ctx context.Context) ([]Handle, error) {
	ids, err := s.adapter.ListStreams(ctx, s.namespace)
	if err != nil {
		return nil, err
	}
	prefix := s.namespace + "-"
	handles := make([]Handle, 0, len(ids))
	for _, id := range ids {
		if h, ok := strings.CutPrefix(id, prefix); ok {
			handles = append(handles, Handle(h))
		}
	}
	return handles, nil
}

// Warm replays every aggregate once, surfacing integrity problems at startup.
func (s *AggregateStore[A, I, C, E]) Warm(ctx context.Context) error {
	handles, err := s.List(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, h := range handles {
		if _, err := s.load(ctx, h); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.cfg.logger.Error("Aggregate failed to load", "namespace", s.namespace, "handle", h, "error", err)
			errs = append(errs, err)
		}
	}
	s.cfg.logger.Info("Store warmed", "namespace", s.namespace, "aggregates", len(handles), "failed", len(errs))
	return errors.Join(errs...)
}

// Command processes cmd against the aggregate and durably appends the
// resulting events. Commands for one handle are serialized; a command that
// yields no events records nothing and returns nil, nil.
func (s *AggregateStore[A, I, C, E]) Command(ctx context.Context, cmd SentCommand[C]) ([]StoredEvent[E], error) {
	handle := cmd.Handle()
	unlock, err := s.locks.Lock(ctx, handle)
	if err != nil {
		return nil, err
	}
	defer unlock()

	agg, err := s.load(ctx, handle)
	if err != nil {
		return nil, err
	}

	version := agg.Version()
	if cmd.Version() != AnyVersion && cmd.Version() != version {
		return nil, adapters.NewConcurrencyError(s.streamID(handle), cmd.Version(), version)
	}

	details, err := agg.ProcessCommand(ctx, cmd)
	if err != nil {
		s.cfg.logger.Debug("Command rejected", "namespace", s.namespace, "handle", handle,
			"command", cmd.Details().CommandType(), "error", err)
		return nil, err
	}
	if len(details) == 0 {
		return nil, nil
	}

	events := make([]StoredEvent[E], len(details))
	records := make([]adapters.EventRecord, len(details))
	meta := cmd.Metadata().toAdapter()
	for i, d := range details {
		events[i] = NewStoredEvent(handle, version+int64(i), d)
		if err := agg.Apply(events[i]); err != nil {
			return nil, &ReplayIntegrityError{Namespace: s.namespace, Handle: handle, Version: events[i].Version(), Cause: err}
		}
		data, err := s.cfg.serializer.Serialize(d)
		if err != nil {
			return nil, err
		}
		records[i] = adapters.EventRecord{Type: GetEventType(d), Data: data, Metadata: meta}
	}

	cmdDetails := cmd.Details()
	cmdData, err := json.Marshal(cmdDetails)
	if err != nil {
		return nil, NewSerializationError(cmdDetails.CommandType(), "serialize", err)
	}

	stored, err := s.adapter.Append(ctx, s.streamID(handle), records, version, &adapters.CommandRecord{
		Type:      cmdDetails.CommandType(),
		Summary:   cmdDetails.Summary(),
		Data:      cmdData,
		Metadata:  meta,
		Timestamp: s.cfg.clock(),
	})
	if err != nil {
		if errors.Is(err, adapters.ErrConcurrencyConflict) {
			s.forget(handle)
			return nil, err
		}
		return nil, fmt.Errorf("rpkica: append to %s %q: %w", s.namespace, handle, err)
	}

	committed := make([]CommittedEvent, len(events))
	for i := range events {
		events[i].timestamp = stored[i].Timestamp
		committed[i] = CommittedEvent{
			Version:   events[i].version,
			Type:      records[i].Type,
			Details:   events[i].details,
			Timestamp: stored[i].Timestamp,
		}
	}

	s.remember(ctx, handle, agg, version)
	s.cfg.logger.Debug("Command applied", "namespace", s.namespace, "handle", handle,
		"command", cmdDetails.CommandType(), "events", len(events), "version", agg.Version())

	s.runHooks(ctx, Committed{
		Namespace:   s.namespace,
		Handle:      handle,
		CommandType: cmdDetails.CommandType(),
		Metadata:    cmd.Metadata(),
		Events:      committed,
	})
	return events, nil
}

func (s *AggregateStore[A, I, C, E]) runHooks(ctx context.Context, c Committed) {
	for _, h := range s.cfg.hooks {
		h(ctx, c)
	}
}

// load rebuilds the aggregate from the cache, a persisted snapshot or the
// start of the log, then applies the remaining events.
func (s *AggregateStore[A, I, C, E]) load(ctx context.Context, handle Handle) (A, error) {
	var zero A
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	agg, from, ok := s.fromCache(handle)
	if !ok {
		agg, from, ok = s.fromSnapshot(ctx, handle)
	}

	records, err := s.adapter.Load(ctx, s.streamID(handle), from)
	if err != nil {
		return zero, fmt.Errorf("rpkica: load %s %q: %w", s.namespace, handle, err)
	}

	if !ok {
		if len(records) == 0 {
			return zero, &AggregateNotFoundError{Namespace: s.namespace, Handle: handle}
		}
		agg, err = s.replayInit(handle, records[0])
		if err != nil {
			return zero, err
		}
		records = records[1:]
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		version := rec.Version - 1
		details, err := decode[E](s.cfg.serializer, rec)
		if err == nil {
			event := NewStoredEvent(handle, version, details)
			event.timestamp = rec.Timestamp
			err = agg.Apply(event)
		}
		if err != nil {
			return zero, &ReplayIntegrityError{Namespace: s.namespace, Handle: handle, Version: version, Cause: err}
		}
	}

	if len(records) > 0 || !ok {
		s.remember(ctx, handle, agg, from)
	}
	return agg, nil
}

func (s *AggregateStore[A, I, C, E]) replayInit(handle Handle, rec adapters.StoredEvent) (A, error) {
	var zero A
	integrity := func(err error) (A, error) {
		return zero, &ReplayIntegrityError{Namespace: s.namespace, Handle: handle, Version: 0, Cause: err}
	}
	if rec.Version != 1 {
		return integrity(fmt.Errorf("log starts at position %d", rec.Version))
	}
	details, err := decode[I](s.cfg.serializer, rec)
	if err != nil {
		return integrity(err)
	}
	event := NewStoredEvent(handle, 0, details)
	event.timestamp = rec.Timestamp
	agg, err := s.initFn(event)
	if err != nil {
		return integrity(err)
	}
	if agg.Version() != 1 {
		return integrity(fmt.Errorf("init produced version %d", agg.Version()))
	}
	return agg, nil
}

func decode[T any](serializer Serializer, rec adapters.StoredEvent) (T, error) {
	var zero T
	v, err := serializer.Deserialize(rec.Data, rec.Type)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("event type %q decoded to %T which is not a %T", rec.Type, v, zero)
	}
	return typed, nil
}

func (s *AggregateStore[A, I, C, E]) fromCache(handle Handle) (A, int64, bool) {
	var zero A
	if !s.canSnapshot {
		return zero, 0, false
	}
	s.cacheMu.RLock()
	state, ok := s.cache[handle]
	s.cacheMu.RUnlock()
	if !ok {
		return zero, 0, false
	}
	agg, err := s.decodeState(state)
	if err != nil {
		s.cfg.logger.Warn("Discarding cached state", "namespace", s.namespace, "handle", handle, "error", err)
		s.forget(handle)
		return zero, 0, false
	}
	return agg, state.version, true
}

func (s *AggregateStore[A, I, C, E]) fromSnapshot(ctx context.Context, handle Handle) (A, int64, bool) {
	var zero A
	if s.snapshots == nil || !s.canSnapshot {
		return zero, 0, false
	}
	snap, err := s.snapshots.LoadSnapshot(ctx, s.streamID(handle))
	if err != nil || snap == nil {
		if err != nil {
			s.cfg.logger.Warn("Snapshot unavailable", "namespace", s.namespace, "handle", handle, "error", err)
		}
		return zero, 0, false
	}
	agg, err := s.decodeState(cachedState{version: snap.Version, data: snap.Data})
	if err != nil {
		s.cfg.logger.Warn("Ignoring unreadable snapshot", "namespace", s.namespace, "handle", handle, "error", err)
		return zero, 0, false
	}
	return agg, snap.Version, true
}

func (s *AggregateStore[A, I, C, E]) decodeState(state cachedState) (A, error) {
	var zero A
	ptr := reflect.New(reflect.TypeOf(zero).Elem())
	if err := json.Unmarshal(state.data, ptr.Interface()); err != nil {
		return zero, err
	}
	agg := ptr.Interface().(A)
	if agg.Version() != state.version {
		return zero, fmt.Errorf("snapshot claims version %d, decoded %d", state.version, agg.Version())
	}
	return agg, nil
}

// remember caches agg and persists a snapshot when a snapshot boundary was
// crossed since previous.
func (s *AggregateStore[A, I, C, E]) remember(ctx context.Context, handle Handle, agg A, previous int64) {
	if !s.canSnapshot {
		return
	}
	data, err := json.Marshal(agg)
	if err != nil {
		s.cfg.logger.Warn("Aggregate state not cacheable", "namespace", s.namespace, "handle", handle, "error", err)
		return
	}
	version := agg.Version()

	s.cacheMu.Lock()
	if current, ok := s.cache[handle]; !ok || current.version < version {
		s.cache[handle] = cachedState{version: version, data: data}
	}
	s.cacheMu.Unlock()

	if s.snapshots != nil && version/s.cfg.snapshotEvery > previous/s.cfg.snapshotEvery {
		if err := s.snapshots.SaveSnapshot(ctx, s.streamID(handle), version, data); err != nil {
			s.cfg.logger.Warn("Snapshot not saved", "namespace", s.namespace, "handle", handle, "error", err)
		}
	}
}

func (s *AggregateStore[A, I, C, E]) forget(handle Handle) {
	s.cacheMu.Lock()
	delete(s.cache, handle)
	s.cacheMu.Unlock()
}

func summarize(v any, fallback string) string {
	if d, ok := v.(interface{ Summary() string }); ok {
		return d.Summary()
	}
	return fallback
}
