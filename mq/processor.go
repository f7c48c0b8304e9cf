package mq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rpkica "github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/adapters"
)

var (
	// ErrProcessorRunning is returned when starting a processor that is already running.
	ErrProcessorRunning = errors.New("rpkica/mq: processor already running")

	// ErrPublisherNotFound is recorded on messages whose destination has no publisher.
	ErrPublisherNotFound = errors.New("rpkica/mq: no publisher for destination")
)

// PublishError reports a partially failed batch. Messages not listed in
// Failed were delivered.
type PublishError struct {
	Failed map[string]error
}

func (e *PublishError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id + ": " + e.Failed[id].Error()
	}
	return fmt.Sprintf("rpkica/mq: %d messages failed: %s", len(ids), strings.Join(parts, "; "))
}

// Metrics collects metrics about message processing.
type Metrics interface {
	RecordMessageProcessed(destination string, success bool)
	RecordMessageFailed(destination string)
	RecordMessageDeadLettered()
	RecordBatchDuration(duration time.Duration)
	RecordPendingMessages(count int64)
}

type noopMetrics struct{}

func (m *noopMetrics) RecordMessageProcessed(destination string, success bool) {}
func (m *noopMetrics) RecordMessageFailed(destination string)                  {}
func (m *noopMetrics) RecordMessageDeadLettered()                              {}
func (m *noopMetrics) RecordBatchDuration(duration time.Duration)              {}
func (m *noopMetrics) RecordPendingMessages(count int64)                       {}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithBatchSize sets the maximum number of messages to process in a single batch.
func WithBatchSize(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithPollInterval sets how often the processor polls for pending messages.
func WithPollInterval(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithMaxRetries sets the maximum number of delivery attempts.
func WithMaxRetries(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the duration between retry cycles.
func WithRetryBackoff(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.retryBackoff = d
		}
	}
}

// WithCleanupInterval sets how often completed messages are cleaned up.
func WithCleanupInterval(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.cleanupInterval = d
		}
	}
}

// WithCleanupAge sets the age threshold for cleaning up completed messages.
func WithCleanupAge(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.cleanupAge = d
		}
	}
}

// WithPublisher registers a publisher for its destination prefix.
func WithPublisher(publisher Publisher) ProcessorOption {
	return func(p *Processor) {
		p.publishers[publisher.Destination()] = publisher
	}
}

// WithMetrics sets the metrics collector for the processor.
func WithMetrics(metrics Metrics) ProcessorOption {
	return func(p *Processor) {
		if metrics != nil {
			p.metrics = metrics
		}
	}
}

// WithProcessorLogger sets the logger for the processor.
func WithProcessorLogger(logger rpkica.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Processor polls the queue store for pending messages and publishes
// them via registered publishers. It handles retries, dead-lettering, and cleanup.
type Processor struct {
	store      adapters.QueueStore
	publishers map[string]Publisher
	metrics    Metrics
	logger     rpkica.Logger

	batchSize       int
	pollInterval    time.Duration
	maxRetries      int
	retryBackoff    time.Duration
	cleanupInterval time.Duration
	cleanupAge      time.Duration

	// batchMu serializes batches between the loop and ProcessOnce callers.
	batchMu  sync.Mutex
	running  atomic.Bool
	stopping atomic.Bool
	wg       sync.WaitGroup
	stopCh   chan struct{}
}

// NewProcessor creates a new Processor.
func NewProcessor(store adapters.QueueStore, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:           store,
		publishers:      make(map[string]Publisher),
		metrics:         &noopMetrics{},
		logger:          rpkica.NopLogger(),
		batchSize:       100,
		pollInterval:    time.Second,
		maxRetries:      5,
		retryBackoff:    5 * time.Second,
		cleanupInterval: time.Hour,
		cleanupAge:      7 * 24 * time.Hour,
		stopCh:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Register adds a publisher after construction. It must not be called while running.
func (p *Processor) Register(publisher Publisher) {
	p.publishers[publisher.Destination()] = publisher
}

// Start begins the background processing loop.
func (p *Processor) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrProcessorRunning
	}

	p.stopping.Store(false)
	p.stopCh = make(chan struct{})

	p.wg.Add(1)
	go p.processLoop(ctx)

	p.wg.Add(1)
	go p.maintenanceLoop(ctx)

	p.logger.Info("Queue processor started", "publishers", len(p.publishers))
	return nil
}

// Stop gracefully stops the processor, draining in-flight work.
func (p *Processor) Stop(ctx context.Context) error {
	if !p.running.Load() {
		return nil
	}

	p.stopping.Store(true)
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.running.Store(false)
		p.logger.Info("Queue processor stopped")
		return nil
	case <-ctx.Done():
		p.running.Store(false)
		return ctx.Err()
	}
}

// IsRunning returns true if the processor is running.
func (p *Processor) IsRunning() bool {
	return p.running.Load()
}

func (p *Processor) processLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.ProcessOnce(ctx); err != nil {
				if p.stopping.Load() {
					return
				}
				p.logger.Error("Queue batch processing error", "error", err)
			}
		}
	}
}

func (p *Processor) maintenanceLoop(ctx context.Context) {
	defer p.wg.Done()

	retryTicker := time.NewTicker(p.retryBackoff)
	defer retryTicker.Stop()

	cleanupTicker := time.NewTicker(p.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-retryTicker.C:
			p.RunMaintenance(ctx)
		case <-cleanupTicker.C:
			p.runCleanup(ctx)
		}
	}
}

// ProcessOnce fetches one batch of pending messages and publishes it.
// It returns the number of messages fetched.
func (p *Processor) ProcessOnce(ctx context.Context) (int, error) {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()

	start := time.Now()

	messages, err := p.store.FetchPending(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("rpkica/mq: fetch pending messages: %w", err)
	}

	if len(messages) == 0 {
		return 0, nil
	}

	// Group by destination prefix, keeping the first-seen order of prefixes.
	var prefixes []string
	grouped := make(map[string][]*Message)
	for _, msg := range messages {
		prefix := destinationPrefix(msg.Destination)
		if _, ok := grouped[prefix]; !ok {
			prefixes = append(prefixes, prefix)
		}
		grouped[prefix] = append(grouped[prefix], msg)
	}

	for _, prefix := range prefixes {
		msgs := grouped[prefix]
		publisher, ok := p.publishers[prefix]
		if !ok {
			for _, msg := range msgs {
				p.logger.Error("No publisher for destination", "destination", msg.Destination, "prefix", prefix)
				p.fail(ctx, msg, fmt.Errorf("%w: %s", ErrPublisherNotFound, prefix))
			}
			continue
		}

		err := publisher.Publish(ctx, msgs)
		var partial *PublishError
		switch {
		case err == nil:
			p.complete(ctx, msgs)
		case errors.As(err, &partial):
			var delivered []*Message
			for _, msg := range msgs {
				if cause, failed := partial.Failed[msg.ID]; failed {
					p.fail(ctx, msg, cause)
				} else {
					delivered = append(delivered, msg)
				}
			}
			p.complete(ctx, delivered)
		default:
			p.logger.Warn("Publish failed", "destination", prefix, "messages", len(msgs), "error", err)
			for _, msg := range msgs {
				p.fail(ctx, msg, err)
			}
		}
	}

	p.metrics.RecordBatchDuration(time.Since(start))
	return len(messages), nil
}

func (p *Processor) complete(ctx context.Context, msgs []*Message) {
	if len(msgs) == 0 {
		return
	}
	ids := make([]string, len(msgs))
	for i, msg := range msgs {
		ids[i] = msg.ID
		p.metrics.RecordMessageProcessed(msg.Destination, true)
	}
	if err := p.store.MarkCompleted(ctx, ids); err != nil {
		p.logger.Error("Failed to mark messages as completed", "error", err)
	}
}

func (p *Processor) fail(ctx context.Context, msg *Message, cause error) {
	if err := p.store.MarkFailed(ctx, msg.ID, cause); err != nil {
		p.logger.Error("Failed to mark message as failed", "id", msg.ID, "error", err)
	}
	p.metrics.RecordMessageProcessed(msg.Destination, false)
	p.metrics.RecordMessageFailed(msg.Destination)
}

// RunMaintenance retries failed messages that have attempts left and moves
// the rest to the dead letter state. It returns the number of retried messages.
func (p *Processor) RunMaintenance(ctx context.Context) int64 {
	retried, err := p.store.RetryFailed(ctx, p.maxRetries)
	if err != nil {
		p.logger.Error("Failed to retry failed messages", "error", err)
	} else if retried > 0 {
		p.logger.Info("Retried failed queue messages", "count", retried)
	}

	deadLettered, err := p.store.MoveToDeadLetter(ctx, p.maxRetries)
	if err != nil {
		p.logger.Error("Failed to move messages to dead letter", "error", err)
	} else if deadLettered > 0 {
		p.logger.Warn("Moved queue messages to dead letter", "count", deadLettered)
		for i := int64(0); i < deadLettered; i++ {
			p.metrics.RecordMessageDeadLettered()
		}
	}
	return retried
}

func (p *Processor) runCleanup(ctx context.Context) {
	cleaned, err := p.store.Cleanup(ctx, p.cleanupAge)
	if err != nil {
		p.logger.Error("Failed to cleanup completed messages", "error", err)
	} else if cleaned > 0 {
		p.logger.Info("Cleaned up completed queue messages", "count", cleaned)
	}
}

// Drain processes batches and retries until nothing is pending or
// retryable. Messages produced by handlers during the drain are processed
// too. It returns the number of messages fetched.
func (p *Processor) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := p.ProcessOnce(ctx)
		if err != nil {
			return total, err
		}
		total += n
		if n > 0 {
			continue
		}
		if p.RunMaintenance(ctx) == 0 {
			return total, nil
		}
	}
}
