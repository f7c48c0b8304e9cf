// Package metrics provides Prometheus metrics for the CA stores and the
// side-effect queue.
//
// Basic usage:
//
//	m := metrics.New()
//	m.MustRegister()
//
//	srv, err := server.New(ctx, server.Config{
//		Adapter: m.WrapAdapter(adapter),
//		...
//	},
//		server.WithMiddleware(m.CommandMiddleware()),
//		server.WithStoreOptions(rpkica.WithPostCommitHook(m.Hook())),
//		server.WithProcessorOptions(mq.WithMetrics(m)),
//	)
//
// The metrics collected include:
//   - Command counts and durations by namespace and command type
//   - Event store operations (append, load, history, snapshots)
//   - Committed events by type
//   - Queue deliveries, failures, dead letters and backlog
//   - Error counts by type
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/adapters"
	"github.com/AshkanYarmoradi/go-rpkica/ca"
	"github.com/AshkanYarmoradi/go-rpkica/mq"
)

// Default metric labels.
const (
	LabelNamespace   = "namespace"
	LabelCommandType = "command_type"
	LabelEventType   = "event_type"
	LabelDestination = "destination"
	LabelOperation   = "operation"
	LabelStatus      = "status"
	LabelErrorType   = "error_type"
	LabelService     = "service"
)

// Status values.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusRejected = "rejected"
	StatusConflict = "conflict"
)

// Operation values.
const (
	OperationAppend       = "append"
	OperationLoad         = "load"
	OperationStreamInfo   = "get_stream_info"
	OperationListStreams  = "list_streams"
	OperationLoadCommands = "load_commands"
	OperationGetCommand   = "get_command"
	OperationSaveSnapshot = "save_snapshot"
	OperationLoadSnapshot = "load_snapshot"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	namespace   string
	subsystem   string
	serviceName string

	// Command metrics
	commandsTotal    *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	commandsInFlight *prometheus.GaugeVec

	// Event store metrics
	eventStoreOperationsTotal   *prometheus.CounterVec
	eventStoreOperationDuration *prometheus.HistogramVec
	eventsAppendedTotal         *prometheus.CounterVec
	eventsLoadedTotal           *prometheus.CounterVec
	eventsCommittedTotal        *prometheus.CounterVec

	// Queue metrics
	queueMessagesTotal     *prometheus.CounterVec
	queueFailuresTotal     *prometheus.CounterVec
	queueDeadLetteredTotal *prometheus.CounterVec
	queueBatchDuration     *prometheus.HistogramVec
	queuePending           *prometheus.GaugeVec

	// Error metrics
	errorsTotal *prometheus.CounterVec
}

var _ mq.Metrics = (*Metrics)(nil)

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithNamespace sets the Prometheus namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(m *Metrics) {
		m.namespace = namespace
	}
}

// WithSubsystem sets the Prometheus subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(m *Metrics) {
		m.subsystem = subsystem
	}
}

// WithMetricsServiceName sets the service name label.
func WithMetricsServiceName(name string) MetricsOption {
	return func(m *Metrics) {
		m.serviceName = name
	}
}

// New creates a new Metrics instance with default settings.
func New(opts ...MetricsOption) *Metrics {
	m := &Metrics{
		namespace:   "rpkica",
		subsystem:   "",
		serviceName: "unknown",
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initMetrics()
	return m
}

func (m *Metrics) counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) histogram(name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) initMetrics() {
	m.commandsTotal = m.counter("commands_total",
		"Total number of commands processed.", LabelNamespace, LabelCommandType, LabelStatus)
	m.commandDuration = m.histogram("command_duration_seconds",
		"Duration of command processing in seconds.", LabelNamespace, LabelCommandType)
	m.commandsInFlight = m.gauge("commands_in_flight",
		"Number of commands currently being processed.", LabelNamespace, LabelCommandType)

	m.eventStoreOperationsTotal = m.counter("eventstore_operations_total",
		"Total number of event store operations.", LabelOperation, LabelStatus)
	m.eventStoreOperationDuration = m.histogram("eventstore_operation_duration_seconds",
		"Duration of event store operations in seconds.", LabelOperation)
	m.eventsAppendedTotal = m.counter("events_appended_total",
		"Total number of events appended to streams.", LabelEventType)
	m.eventsLoadedTotal = m.counter("events_loaded_total",
		"Total number of events loaded from streams.")
	m.eventsCommittedTotal = m.counter("events_committed_total",
		"Total number of events committed by aggregate stores.", LabelNamespace, LabelEventType)

	m.queueMessagesTotal = m.counter("queue_messages_total",
		"Total number of queue messages handled.", LabelDestination, LabelStatus)
	m.queueFailuresTotal = m.counter("queue_failures_total",
		"Total number of failed queue deliveries.", LabelDestination)
	m.queueDeadLetteredTotal = m.counter("queue_dead_lettered_total",
		"Total number of queue messages moved to the dead letter state.")
	m.queueBatchDuration = m.histogram("queue_batch_duration_seconds",
		"Duration of queue batches in seconds.")
	m.queuePending = m.gauge("queue_pending_messages",
		"Number of queue messages waiting for delivery.")

	m.errorsTotal = m.counter("errors_total",
		"Total number of errors by type.", LabelErrorType)
}

// Collectors returns all Prometheus collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.commandsTotal,
		m.commandDuration,
		m.commandsInFlight,
		m.eventStoreOperationsTotal,
		m.eventStoreOperationDuration,
		m.eventsAppendedTotal,
		m.eventsLoadedTotal,
		m.eventsCommittedTotal,
		m.queueMessagesTotal,
		m.queueFailuresTotal,
		m.queueDeadLetteredTotal,
		m.queueBatchDuration,
		m.queuePending,
		m.errorsTotal,
	}
}

// MustRegister registers all collectors with the default registry.
// Panics if registration fails.
func (m *Metrics) MustRegister() {
	prometheus.MustRegister(m.Collectors()...)
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, collector := range m.Collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Command Middleware
// =============================================================================

// CommandMiddleware returns middleware that records command metrics. Domain
// rejections and concurrency conflicts are counted apart from failures.
func (m *Metrics) CommandMiddleware() rpkica.Middleware {
	return func(next rpkica.DispatchFunc) rpkica.DispatchFunc {
		return func(ctx context.Context, cmd *rpkica.CommandInfo) error {
			m.commandsInFlight.WithLabelValues(m.serviceName, cmd.Namespace, cmd.Type).Inc()
			defer m.commandsInFlight.WithLabelValues(m.serviceName, cmd.Namespace, cmd.Type).Dec()

			start := time.Now()
			err := next(ctx, cmd)
			m.commandDuration.WithLabelValues(m.serviceName, cmd.Namespace, cmd.Type).Observe(time.Since(start).Seconds())

			status := StatusSuccess
			switch {
			case err == nil:
			case errors.Is(err, ca.ErrDomain):
				status = StatusRejected
			case rpkica.IsConcurrencyConflict(err):
				status = StatusConflict
			default:
				status = StatusError
				m.RecordError(errorTypeName(err))
			}
			m.commandsTotal.WithLabelValues(m.serviceName, cmd.Namespace, cmd.Type, status).Inc()

			return err
		}
	}
}

// Hook returns a post-commit hook counting committed events.
func (m *Metrics) Hook() rpkica.PostCommitHook {
	return func(_ context.Context, c rpkica.Committed) {
		for _, e := range c.Events {
			m.eventsCommittedTotal.WithLabelValues(m.serviceName, c.Namespace, e.Type).Inc()
		}
	}
}

// errorTypeName extracts the error type name based on sentinel errors.
func errorTypeName(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, rpkica.ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, ca.ErrDomain):
		return "command_rejected"
	case errors.Is(err, rpkica.ErrAggregateNotFound):
		return "aggregate_not_found"
	case errors.Is(err, rpkica.ErrAggregateExists):
		return "aggregate_exists"
	case errors.Is(err, rpkica.ErrCommandNotFound):
		return "command_not_found"
	case errors.Is(err, rpkica.ErrReplayIntegrity):
		return "replay_integrity"
	case errors.Is(err, rpkica.ErrPanicked):
		return "command_panicked"
	case errors.Is(err, rpkica.ErrSerializationFailed):
		return "serialization_failed"
	case errors.Is(err, rpkica.ErrInvalidHandle):
		return "invalid_handle"
	case errors.Is(err, adapters.ErrEmptyStreamID):
		return "empty_stream_id"
	case errors.Is(err, adapters.ErrNoEvents):
		return "no_events"
	case errors.Is(err, adapters.ErrInvalidVersion):
		return "invalid_version"
	case errors.Is(err, adapters.ErrAdapterClosed):
		return "adapter_closed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unknown"
	}
}

// =============================================================================
// Queue Metrics
// =============================================================================

// RecordMessageProcessed records a delivery attempt.
func (m *Metrics) RecordMessageProcessed(destination string, success bool) {
	status := StatusSuccess
	if !success {
		status = StatusError
	}
	m.queueMessagesTotal.WithLabelValues(m.serviceName, destination, status).Inc()
}

// RecordMessageFailed records a failed delivery.
func (m *Metrics) RecordMessageFailed(destination string) {
	m.queueFailuresTotal.WithLabelValues(m.serviceName, destination).Inc()
}

// RecordMessageDeadLettered records a message that exhausted its attempts.
func (m *Metrics) RecordMessageDeadLettered() {
	m.queueDeadLetteredTotal.WithLabelValues(m.serviceName).Inc()
}

// RecordBatchDuration records the time taken by one processing batch.
func (m *Metrics) RecordBatchDuration(duration time.Duration) {
	m.queueBatchDuration.WithLabelValues(m.serviceName).Observe(duration.Seconds())
}

// RecordPendingMessages records the queue backlog.
func (m *Metrics) RecordPendingMessages(count int64) {
	m.queuePending.WithLabelValues(m.serviceName).Set(float64(count))
}

// RecordError records a custom error.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.WithLabelValues(m.serviceName, errorType).Inc()
}

// =============================================================================
// Event Store Middleware
// =============================================================================

// AdapterMiddleware wraps an EventStoreAdapter with metrics. It also exposes
// the snapshot and health check methods of the wrapped adapter.
type AdapterMiddleware struct {
	adapter adapters.EventStoreAdapter
	metrics *Metrics
}

var (
	_ adapters.EventStoreAdapter = (*AdapterMiddleware)(nil)
	_ adapters.SnapshotAdapter   = (*AdapterMiddleware)(nil)
	_ adapters.HealthChecker     = (*AdapterMiddleware)(nil)
)

// WrapAdapter wraps an adapter with metrics collection.
func (m *Metrics) WrapAdapter(adapter adapters.EventStoreAdapter) *AdapterMiddleware {
	return &AdapterMiddleware{
		adapter: adapter,
		metrics: m,
	}
}

// Unwrap returns the wrapped adapter.
func (am *AdapterMiddleware) Unwrap() adapters.EventStoreAdapter {
	return am.adapter
}

// observe records the duration and outcome of one operation.
func (am *AdapterMiddleware) observe(operation string, start time.Time, err error) {
	m := am.metrics
	m.eventStoreOperationDuration.WithLabelValues(m.serviceName, operation).Observe(time.Since(start).Seconds())

	status := StatusSuccess
	if err != nil {
		status = StatusError
		if !errors.Is(err, adapters.ErrConcurrencyConflict) {
			m.RecordError(operation + "_error")
		}
	}
	m.eventStoreOperationsTotal.WithLabelValues(m.serviceName, operation, status).Inc()
}

// Append stores events with metrics.
func (am *AdapterMiddleware) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64, command *adapters.CommandRecord) ([]adapters.StoredEvent, error) {
	start := time.Now()
	stored, err := am.adapter.Append(ctx, streamID, events, expectedVersion, command)
	am.observe(OperationAppend, start, err)

	if err == nil {
		for _, e := range events {
			am.metrics.eventsAppendedTotal.WithLabelValues(am.metrics.serviceName, e.Type).Inc()
		}
	}
	return stored, err
}

// Load retrieves events with metrics.
func (am *AdapterMiddleware) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := am.adapter.Load(ctx, streamID, fromVersion)
	am.observe(OperationLoad, start, err)

	if err == nil {
		am.metrics.eventsLoadedTotal.WithLabelValues(am.metrics.serviceName).Add(float64(len(events)))
	}
	return events, err
}

// GetStreamInfo returns stream metadata with metrics.
func (am *AdapterMiddleware) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	start := time.Now()
	info, err := am.adapter.GetStreamInfo(ctx, streamID)
	if errors.Is(err, adapters.ErrStreamNotFound) {
		am.observe(OperationStreamInfo, start, nil)
		return info, err
	}
	am.observe(OperationStreamInfo, start, err)
	return info, err
}

// ListStreams lists the streams of a category with metrics.
func (am *AdapterMiddleware) ListStreams(ctx context.Context, category string) ([]string, error) {
	start := time.Now()
	ids, err := am.adapter.ListStreams(ctx, category)
	am.observe(OperationListStreams, start, err)
	return ids, err
}

// LoadCommands returns the command history of a stream with metrics.
func (am *AdapterMiddleware) LoadCommands(ctx context.Context, streamID string) ([]adapters.StoredCommand, error) {
	start := time.Now()
	commands, err := am.adapter.LoadCommands(ctx, streamID)
	am.observe(OperationLoadCommands, start, err)
	return commands, err
}

// GetCommand returns one recorded command with metrics.
func (am *AdapterMiddleware) GetCommand(ctx context.Context, streamID string, sequence int64) (*adapters.StoredCommand, error) {
	start := time.Now()
	command, err := am.adapter.GetCommand(ctx, streamID, sequence)
	am.observe(OperationGetCommand, start, err)
	return command, err
}

// SaveSnapshot stores a snapshot when the wrapped adapter supports snapshots.
func (am *AdapterMiddleware) SaveSnapshot(ctx context.Context, streamID string, version int64, data []byte) error {
	snapshots, ok := am.adapter.(adapters.SnapshotAdapter)
	if !ok {
		return nil
	}
	start := time.Now()
	err := snapshots.SaveSnapshot(ctx, streamID, version, data)
	am.observe(OperationSaveSnapshot, start, err)
	return err
}

// LoadSnapshot loads a snapshot; without snapshot support it reports none.
func (am *AdapterMiddleware) LoadSnapshot(ctx context.Context, streamID string) (*adapters.SnapshotRecord, error) {
	snapshots, ok := am.adapter.(adapters.SnapshotAdapter)
	if !ok {
		return nil, nil
	}
	start := time.Now()
	record, err := snapshots.LoadSnapshot(ctx, streamID)
	am.observe(OperationLoadSnapshot, start, err)
	return record, err
}

// DeleteSnapshot removes a snapshot when the wrapped adapter supports snapshots.
func (am *AdapterMiddleware) DeleteSnapshot(ctx context.Context, streamID string) error {
	if snapshots, ok := am.adapter.(adapters.SnapshotAdapter); ok {
		return snapshots.DeleteSnapshot(ctx, streamID)
	}
	return nil
}

// Ping checks the wrapped adapter when it supports health checks.
func (am *AdapterMiddleware) Ping(ctx context.Context) error {
	if hc, ok := am.adapter.(adapters.HealthChecker); ok {
		return hc.Ping(ctx)
	}
	return nil
}

// Initialize initializes the adapter.
func (am *AdapterMiddleware) Initialize(ctx context.Context) error {
	return am.adapter.Initialize(ctx)
}

// Close closes the adapter.
func (am *AdapterMiddleware) Close() error {
	return am.adapter.Close()
}

// =============================================================================
// Getters for testing
// =============================================================================

// CommandsTotal returns the commands counter.
func (m *Metrics) CommandsTotal() *prometheus.CounterVec { return m.commandsTotal }

// CommandDuration returns the command duration histogram.
func (m *Metrics) CommandDuration() *prometheus.HistogramVec { return m.commandDuration }

// CommandsInFlight returns the in-flight commands gauge.
func (m *Metrics) CommandsInFlight() *prometheus.GaugeVec { return m.commandsInFlight }

// EventStoreOperationsTotal returns the event store operations counter.
func (m *Metrics) EventStoreOperationsTotal() *prometheus.CounterVec {
	return m.eventStoreOperationsTotal
}

// EventsAppendedTotal returns the events appended counter.
func (m *Metrics) EventsAppendedTotal() *prometheus.CounterVec { return m.eventsAppendedTotal }

// EventsLoadedTotal returns the events loaded counter.
func (m *Metrics) EventsLoadedTotal() *prometheus.CounterVec { return m.eventsLoadedTotal }

// EventsCommittedTotal returns the committed events counter.
func (m *Metrics) EventsCommittedTotal() *prometheus.CounterVec { return m.eventsCommittedTotal }

// QueueMessagesTotal returns the queue messages counter.
func (m *Metrics) QueueMessagesTotal() *prometheus.CounterVec { return m.queueMessagesTotal }

// QueueFailuresTotal returns the queue failures counter.
func (m *Metrics) QueueFailuresTotal() *prometheus.CounterVec { return m.queueFailuresTotal }

// QueueDeadLetteredTotal returns the dead letter counter.
func (m *Metrics) QueueDeadLetteredTotal() *prometheus.CounterVec { return m.queueDeadLetteredTotal }

// QueuePending returns the queue backlog gauge.
func (m *Metrics) QueuePending() *prometheus.GaugeVec { return m.queuePending }

// ErrorsTotal returns the errors counter.
func (m *Metrics) ErrorsTotal() *prometheus.CounterVec { return m.errorsTotal }
