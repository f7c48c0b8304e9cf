package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/adapters"
	"github.com/AshkanYarmoradi/go-rpkica/adapters/memory"
	"github.com/AshkanYarmoradi/go-rpkica/ca"
	"github.com/AshkanYarmoradi/go-rpkica/mq"
)

// =============================================================================
// Test Setup
// =============================================================================

func setupTestTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})

	tracer := NewTracer(WithTracerProvider(tp))
	return tracer, exporter
}

// =============================================================================
// Tracer Tests
// =============================================================================

func TestNewTracer(t *testing.T) {
	t.Run("creates tracer with defaults", func(t *testing.T) {
		tracer := NewTracer()

		assert.NotNil(t, tracer)
		assert.Equal(t, DefaultServiceName, tracer.ServiceName())
		assert.NotNil(t, tracer.Tracer())
	})

	t.Run("with custom service name", func(t *testing.T) {
		tracer := NewTracer(WithServiceName("ca-server"))

		assert.Equal(t, "ca-server", tracer.ServiceName())
	})
}

func TestTracer_StartSpan(t *testing.T) {
	tracer, exporter := setupTestTracer(t)

	_, span := tracer.StartSpan(context.Background(), "test-span")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "test-span", spans[0].Name)
}

// =============================================================================
// Command Middleware Tests
// =============================================================================

func removeChildInfo() *rpkica.CommandInfo {
	return &rpkica.CommandInfo{
		Namespace: ca.TrustAnchorNamespace,
		Handle:    ca.TrustAnchorID,
		Type:      ca.CmdRemoveChild,
		Version:   rpkica.AnyVersion,
		Details:   ca.RemoveChild{Child: "alice"},
	}
}

func TestCommandMiddleware(t *testing.T) {
	t.Run("traces successful command", func(t *testing.T) {
		tracer, exporter := setupTestTracer(t)

		dispatch := CommandMiddleware(tracer)(func(_ context.Context, cmd *rpkica.CommandInfo) error {
			cmd.Metadata.CorrelationID = "corr-1"
			cmd.Metadata.Actor = "ops"
			return nil
		})
		require.NoError(t, dispatch(context.Background(), removeChildInfo()))

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, "command.remove-child", spans[0].Name)
		assert.Equal(t, codes.Ok, spans[0].Status.Code)

		attrs := spans[0].Attributes
		assertAttribute(t, attrs, "rpkica.command.type", ca.CmdRemoveChild)
		assertAttribute(t, attrs, "rpkica.namespace", ca.TrustAnchorNamespace)
		assertAttribute(t, attrs, "rpkica.handle", "ta")
		assertAttribute(t, attrs, "rpkica.command.summary", "remove child alice")
		assertAttribute(t, attrs, "rpkica.correlation_id", "corr-1")
		assertAttribute(t, attrs, "rpkica.actor", "ops")
	})

	t.Run("traces failed command with error", func(t *testing.T) {
		tracer, exporter := setupTestTracer(t)

		dispatch := CommandMiddleware(tracer)(func(context.Context, *rpkica.CommandInfo) error {
			return errors.New("disk full")
		})
		require.Error(t, dispatch(context.Background(), removeChildInfo()))

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status.Code)
		require.Len(t, spans[0].Events, 1)
	})

	t.Run("records rejections without failing the span", func(t *testing.T) {
		tracer, exporter := setupTestTracer(t)

		dispatch := CommandMiddleware(tracer)(func(context.Context, *rpkica.CommandInfo) error {
			return &ca.Error{Kind: ca.ErrKindUnknownChild, CA: "ta", Detail: "child alice"}
		})
		err := dispatch(context.Background(), removeChildInfo())
		assert.ErrorIs(t, err, ca.ErrDomain)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Unset, spans[0].Status.Code)
		require.Len(t, spans[0].Events, 1)
		assert.Equal(t, "command rejected", spans[0].Events[0].Name)
		assertAttribute(t, spans[0].Events[0].Attributes, "rpkica.rejection.kind", "unknown child")
	})
}

func TestHook(t *testing.T) {
	tracer, exporter := setupTestTracer(t)

	ctx, span := tracer.StartSpan(context.Background(), "operation")
	Hook()(ctx, rpkica.Committed{
		Namespace: "cas",
		Handle:    "alice",
		Events: []rpkica.CommittedEvent{
			{Version: 2, Type: "ParentAdded"},
			{Version: 3, Type: "CertificateReceived"},
		},
	})
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events, 2)
	assertAttribute(t, spans[0].Events[1].Attributes, "rpkica.event.type", "CertificateReceived")
}

// =============================================================================
// Event Store Middleware Tests
// =============================================================================

func TestAdapterMiddleware(t *testing.T) {
	tracer, exporter := setupTestTracer(t)
	ctx := context.Background()
	m := NewAdapterMiddleware(memory.NewAdapter(), tracer)

	require.NoError(t, m.Initialize(ctx))
	_, err := m.Append(ctx, "cas-alice", []adapters.EventRecord{
		{Type: "CertAuthInitDetails", Data: []byte(`{}`)},
	}, adapters.NoStream, &adapters.CommandRecord{Type: "init", Data: []byte(`{}`)})
	require.NoError(t, err)
	_, err = m.Load(ctx, "cas-alice", 0)
	require.NoError(t, err)
	_, err = m.GetStreamInfo(ctx, "cas-nobody")
	require.Error(t, err)
	_, err = m.ListStreams(ctx, "cas")
	require.NoError(t, err)
	_, err = m.LoadCommands(ctx, "cas-alice")
	require.NoError(t, err)
	_, err = m.GetCommand(ctx, "cas-alice", 0)
	require.NoError(t, err)
	require.NoError(t, m.SaveSnapshot(ctx, "cas-alice", 1, []byte(`{}`)))
	_, err = m.LoadSnapshot(ctx, "cas-alice")
	require.NoError(t, err)
	require.NoError(t, m.DeleteSnapshot(ctx, "cas-alice"))
	require.NoError(t, m.Close())

	spans := exporter.GetSpans()
	names := make([]string, len(spans))
	for i, s := range spans {
		names[i] = s.Name
	}
	assert.Equal(t, []string{
		"eventstore.initialize",
		"eventstore.append",
		"eventstore.load",
		"eventstore.get_stream_info",
		"eventstore.list_streams",
		"eventstore.load_commands",
		"eventstore.get_command",
		"eventstore.save_snapshot",
		"eventstore.load_snapshot",
	}, names)

	appendSpan := spans[1]
	assert.Equal(t, trace.SpanKindClient, appendSpan.SpanKind)
	assertAttribute(t, appendSpan.Attributes, "rpkica.stream_id", "cas-alice")
	assertAttribute(t, appendSpan.Attributes, "rpkica.command.type", "init")
	assert.Equal(t, codes.Error, spans[3].Status.Code)
}

// =============================================================================
// Publisher Middleware Tests
// =============================================================================

type stubPublisher struct {
	err error
}

func (p *stubPublisher) Destination() string { return mq.DestinationWebhook }

func (p *stubPublisher) Publish(context.Context, []*mq.Message) error { return p.err }

func TestPublisherMiddleware(t *testing.T) {
	tracer, exporter := setupTestTracer(t)
	stub := &stubPublisher{}
	p := NewPublisherMiddleware(stub, tracer)
	assert.Equal(t, mq.DestinationWebhook, p.Destination())

	messages := []*mq.Message{{ID: "1"}, {ID: "2"}}
	require.NoError(t, p.Publish(context.Background(), messages))

	stub.err = &mq.PublishError{Failed: map[string]error{"2": errors.New("status 502")}}
	require.Error(t, p.Publish(context.Background(), messages))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "queue.publish.webhook", spans[0].Name)
	assert.Equal(t, trace.SpanKindProducer, spans[0].SpanKind)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)

	assert.Equal(t, codes.Error, spans[1].Status.Code)
	var failed []string
	for _, e := range spans[1].Events {
		if e.Name == "message failed" {
			failed = append(failed, e.Name)
		}
	}
	assert.Len(t, failed, 1)
}

// =============================================================================
// Span Helper Tests
// =============================================================================

func TestSpanFromContext(t *testing.T) {
	tracer, _ := setupTestTracer(t)

	ctx, span := tracer.StartSpan(context.Background(), "test")
	defer span.End()

	assert.Equal(t, span, SpanFromContext(ctx))
}

func TestAddEvent(t *testing.T) {
	tracer, exporter := setupTestTracer(t)

	ctx, span := tracer.StartSpan(context.Background(), "test")
	AddEvent(ctx, "test-event", trace.WithAttributes(attribute.String("key", "value")))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "test-event", spans[0].Events[0].Name)
}

func TestSetError(t *testing.T) {
	tracer, exporter := setupTestTracer(t)

	ctx, span := tracer.StartSpan(context.Background(), "test")
	SetError(ctx, errors.New("test error"))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestSetAttributes(t *testing.T) {
	tracer, exporter := setupTestTracer(t)

	ctx, span := tracer.StartSpan(context.Background(), "test")
	SetAttributes(ctx, attribute.String("custom.key", "custom.value"))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assertAttribute(t, spans[0].Attributes, "custom.key", "custom.value")
}

// =============================================================================
// Test Helpers
// =============================================================================

func assertAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			assert.Equal(t, expectedValue, attr.Value.AsString(), "attribute %s has wrong value", key)
			return
		}
	}
	t.Errorf("attribute %s not found", key)
}
