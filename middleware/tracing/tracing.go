// Package tracing provides OpenTelemetry integration for the CA stores and
// the side-effect queue.
//
// Basic usage:
//
//	tp := sdktrace.NewTracerProvider(...)
//	otel.SetTracerProvider(tp)
//
//	tracer := tracing.NewTracer()
//	srv, err := server.New(ctx, server.Config{
//		Adapter: tracing.NewAdapterMiddleware(adapter, tracer),
//		...
//	}, server.WithMiddleware(tracing.CommandMiddleware(tracer)))
//
// The command middleware captures:
//   - Namespace, handle and command type
//   - Success, rejection or failure status
//   - Error details when commands fail
//   - Correlation IDs and actors
package tracing

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/adapters"
	"github.com/AshkanYarmoradi/go-rpkica/ca"
	"github.com/AshkanYarmoradi/go-rpkica/mq"
)

const (
	// TracerName is the name of the rpkica tracer.
	TracerName = "github.com/AshkanYarmoradi/go-rpkica"

	// DefaultServiceName is the default service name for spans.
	DefaultServiceName = "rpkica"
)

// Tracer wraps an OpenTelemetry tracer.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider sets a custom TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(TracerName)
	}
}

// WithServiceName sets the service name for spans.
func WithServiceName(name string) TracerOption {
	return func(t *Tracer) {
		t.serviceName = name
	}
}

// NewTracer creates a new Tracer with the global TracerProvider.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		tracer:      otel.Tracer(TracerName),
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Tracer returns the underlying OpenTelemetry tracer.
func (t *Tracer) Tracer() trace.Tracer {
	return t.tracer
}

// ServiceName returns the configured service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

func (t *Tracer) client(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("rpkica.service", t.serviceName))
	span.SetAttributes(attrs...)
	return ctx, span
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// =============================================================================
// Command Middleware
// =============================================================================

// CommandMiddleware creates middleware that traces command dispatch. Domain
// rejections are recorded on the span without marking it failed.
func CommandMiddleware(tracer *Tracer) rpkica.Middleware {
	return func(next rpkica.DispatchFunc) rpkica.DispatchFunc {
		return func(ctx context.Context, cmd *rpkica.CommandInfo) error {
			spanName := fmt.Sprintf("command.%s", cmd.Type)

			ctx, span := tracer.StartSpan(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()

			span.SetAttributes(
				attribute.String("rpkica.service", tracer.serviceName),
				attribute.String("rpkica.command.type", cmd.Type),
				attribute.String("rpkica.namespace", cmd.Namespace),
				attribute.String("rpkica.handle", cmd.Handle.String()),
				attribute.Int64("rpkica.command.version", cmd.Version),
			)
			if cmd.Details != nil {
				span.SetAttributes(attribute.String("rpkica.command.summary", cmd.Details.Summary()))
			}

			err := next(ctx, cmd)

			if id := cmd.Metadata.CorrelationID; id != "" {
				span.SetAttributes(attribute.String("rpkica.correlation_id", id))
			}
			if actor := cmd.Metadata.Actor; actor != "" {
				span.SetAttributes(attribute.String("rpkica.actor", actor))
			}

			var rejection *ca.Error
			switch {
			case errors.As(err, &rejection):
				span.AddEvent("command rejected", trace.WithAttributes(
					attribute.String("rpkica.rejection.kind", rejection.Kind.String()),
					attribute.String("rpkica.rejection.detail", rejection.Detail),
				))
				span.SetStatus(codes.Unset, "")
			default:
				finish(span, err)
			}
			return err
		}
	}
}

// Hook returns a post-commit hook that adds one span event per committed event
// to the span in ctx.
func Hook() rpkica.PostCommitHook {
	return func(ctx context.Context, c rpkica.Committed) {
		span := trace.SpanFromContext(ctx)
		for _, e := range c.Events {
			span.AddEvent("event committed", trace.WithAttributes(
				attribute.String("rpkica.namespace", c.Namespace),
				attribute.String("rpkica.handle", c.Handle.String()),
				attribute.String("rpkica.event.type", e.Type),
				attribute.Int64("rpkica.event.version", e.Version),
			))
		}
	}
}

// =============================================================================
// Event Store Middleware
// =============================================================================

// AdapterMiddleware wraps an EventStoreAdapter with tracing. It also exposes
// the snapshot methods of the wrapped adapter.
type AdapterMiddleware struct {
	adapter adapters.EventStoreAdapter
	tracer  *Tracer
}

var (
	_ adapters.EventStoreAdapter = (*AdapterMiddleware)(nil)
	_ adapters.SnapshotAdapter   = (*AdapterMiddleware)(nil)
)

// NewAdapterMiddleware wraps an adapter with tracing.
func NewAdapterMiddleware(adapter adapters.EventStoreAdapter, tracer *Tracer) *AdapterMiddleware {
	return &AdapterMiddleware{
		adapter: adapter,
		tracer:  tracer,
	}
}

// Append stores events with tracing.
func (m *AdapterMiddleware) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64, command *adapters.CommandRecord) ([]adapters.StoredEvent, error) {
	ctx, span := m.tracer.client(ctx, "eventstore.append",
		attribute.String("rpkica.stream_id", streamID),
		attribute.Int64("rpkica.expected_version", expectedVersion),
		attribute.Int("rpkica.events.count", len(events)),
	)
	defer span.End()

	if len(events) > 0 {
		eventTypes := make([]string, len(events))
		for i, e := range events {
			eventTypes[i] = e.Type
		}
		span.SetAttributes(attribute.StringSlice("rpkica.events.types", eventTypes))
	}
	if command != nil {
		span.SetAttributes(attribute.String("rpkica.command.type", command.Type))
	}

	stored, err := m.adapter.Append(ctx, streamID, events, expectedVersion, command)
	finish(span, err)
	if err == nil && len(stored) > 0 {
		span.SetAttributes(attribute.Int64("rpkica.stored.version", stored[len(stored)-1].Version))
	}
	return stored, err
}

// Load retrieves events with tracing.
func (m *AdapterMiddleware) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	ctx, span := m.tracer.client(ctx, "eventstore.load",
		attribute.String("rpkica.stream_id", streamID),
		attribute.Int64("rpkica.from_version", fromVersion),
	)
	defer span.End()

	events, err := m.adapter.Load(ctx, streamID, fromVersion)
	finish(span, err)
	if err == nil {
		span.SetAttributes(attribute.Int("rpkica.events.loaded", len(events)))
	}
	return events, err
}

// GetStreamInfo returns stream metadata with tracing.
func (m *AdapterMiddleware) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	ctx, span := m.tracer.client(ctx, "eventstore.get_stream_info",
		attribute.String("rpkica.stream_id", streamID),
	)
	defer span.End()

	info, err := m.adapter.GetStreamInfo(ctx, streamID)
	finish(span, err)
	if err == nil {
		span.SetAttributes(attribute.Int64("rpkica.stream.version", info.Version))
	}
	return info, err
}

// ListStreams lists the streams of a category with tracing.
func (m *AdapterMiddleware) ListStreams(ctx context.Context, category string) ([]string, error) {
	ctx, span := m.tracer.client(ctx, "eventstore.list_streams",
		attribute.String("rpkica.category", category),
	)
	defer span.End()

	ids, err := m.adapter.ListStreams(ctx, category)
	finish(span, err)
	return ids, err
}

// LoadCommands returns the command history of a stream with tracing.
func (m *AdapterMiddleware) LoadCommands(ctx context.Context, streamID string) ([]adapters.StoredCommand, error) {
	ctx, span := m.tracer.client(ctx, "eventstore.load_commands",
		attribute.String("rpkica.stream_id", streamID),
	)
	defer span.End()

	commands, err := m.adapter.LoadCommands(ctx, streamID)
	finish(span, err)
	if err == nil {
		span.SetAttributes(attribute.Int("rpkica.commands.loaded", len(commands)))
	}
	return commands, err
}

// GetCommand returns one recorded command with tracing.
func (m *AdapterMiddleware) GetCommand(ctx context.Context, streamID string, sequence int64) (*adapters.StoredCommand, error) {
	ctx, span := m.tracer.client(ctx, "eventstore.get_command",
		attribute.String("rpkica.stream_id", streamID),
		attribute.Int64("rpkica.command.sequence", sequence),
	)
	defer span.End()

	command, err := m.adapter.GetCommand(ctx, streamID, sequence)
	finish(span, err)
	return command, err
}

// SaveSnapshot stores a snapshot when the wrapped adapter supports snapshots.
func (m *AdapterMiddleware) SaveSnapshot(ctx context.Context, streamID string, version int64, data []byte) error {
	snapshots, ok := m.adapter.(adapters.SnapshotAdapter)
	if !ok {
		return nil
	}
	ctx, span := m.tracer.client(ctx, "eventstore.save_snapshot",
		attribute.String("rpkica.stream_id", streamID),
		attribute.Int64("rpkica.snapshot.version", version),
	)
	defer span.End()

	err := snapshots.SaveSnapshot(ctx, streamID, version, data)
	finish(span, err)
	return err
}

// LoadSnapshot loads a snapshot; without snapshot support it reports none.
func (m *AdapterMiddleware) LoadSnapshot(ctx context.Context, streamID string) (*adapters.SnapshotRecord, error) {
	snapshots, ok := m.adapter.(adapters.SnapshotAdapter)
	if !ok {
		return nil, nil
	}
	ctx, span := m.tracer.client(ctx, "eventstore.load_snapshot",
		attribute.String("rpkica.stream_id", streamID),
	)
	defer span.End()

	record, err := snapshots.LoadSnapshot(ctx, streamID)
	finish(span, err)
	return record, err
}

// DeleteSnapshot removes a snapshot when the wrapped adapter supports snapshots.
func (m *AdapterMiddleware) DeleteSnapshot(ctx context.Context, streamID string) error {
	if snapshots, ok := m.adapter.(adapters.SnapshotAdapter); ok {
		return snapshots.DeleteSnapshot(ctx, streamID)
	}
	return nil
}

// Initialize initializes the adapter with tracing.
func (m *AdapterMiddleware) Initialize(ctx context.Context) error {
	ctx, span := m.tracer.client(ctx, "eventstore.initialize")
	defer span.End()

	err := m.adapter.Initialize(ctx)
	finish(span, err)
	return err
}

// Close closes the adapter.
func (m *AdapterMiddleware) Close() error {
	return m.adapter.Close()
}

// =============================================================================
// Publisher Middleware
// =============================================================================

// PublisherMiddleware wraps a queue publisher with tracing.
type PublisherMiddleware struct {
	publisher mq.Publisher
	tracer    *Tracer
}

var _ mq.Publisher = (*PublisherMiddleware)(nil)

// NewPublisherMiddleware wraps a publisher with tracing.
func NewPublisherMiddleware(publisher mq.Publisher, tracer *Tracer) *PublisherMiddleware {
	return &PublisherMiddleware{publisher: publisher, tracer: tracer}
}

// Destination returns the destination prefix of the wrapped publisher.
func (m *PublisherMiddleware) Destination() string {
	return m.publisher.Destination()
}

// Publish delivers a batch with tracing. Partial failures are recorded per message.
func (m *PublisherMiddleware) Publish(ctx context.Context, messages []*mq.Message) error {
	ctx, span := m.tracer.StartSpan(ctx, fmt.Sprintf("queue.publish.%s", m.publisher.Destination()),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("rpkica.service", m.tracer.serviceName),
		attribute.String("rpkica.destination", m.publisher.Destination()),
		attribute.Int("rpkica.messages.count", len(messages)),
	)

	err := m.publisher.Publish(ctx, messages)

	var partial *mq.PublishError
	if errors.As(err, &partial) {
		for id, cause := range partial.Failed {
			span.AddEvent("message failed", trace.WithAttributes(
				attribute.String("rpkica.message.id", id),
				attribute.String("rpkica.error", cause.Error()),
			))
		}
		span.SetAttributes(attribute.Int("rpkica.messages.failed", len(partial.Failed)))
	}
	finish(span, err)
	return err
}

// =============================================================================
// Span Helpers
// =============================================================================

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, opts ...trace.EventOption) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, opts...)
}

// SetError sets an error on the current span.
func SetError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attrs...)
}
