package mq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica/adapters"
	"github.com/AshkanYarmoradi/go-rpkica/adapters/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu        sync.Mutex
	prefix    string
	published []*Message
	err       error
}

func (p *recordingPublisher) Destination() string { return p.prefix }

func (p *recordingPublisher) Publish(_ context.Context, messages []*Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, messages...)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

type countingMetrics struct {
	noopMetrics
	mu           sync.Mutex
	succeeded    int
	failed       int
	deadLettered int
	batches      int
}

func (m *countingMetrics) RecordMessageProcessed(_ string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.succeeded++
	}
}

func (m *countingMetrics) RecordMessageFailed(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

func (m *countingMetrics) RecordMessageDeadLettered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLettered++
}

func (m *countingMetrics) RecordBatchDuration(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
}

func schedule(t *testing.T, store *memory.QueueStore, destinations ...string) []*Message {
	t.Helper()
	messages := make([]*Message, len(destinations))
	for i, d := range destinations {
		messages[i] = &Message{Namespace: "cas", Handle: "alice", EventType: "ChildAdded", Destination: d, Payload: []byte(`{}`)}
	}
	require.NoError(t, store.Schedule(context.Background(), messages))
	return messages
}

func TestProcessor_ProcessOnce(t *testing.T) {
	store := memory.NewQueueStore()
	kafka := &recordingPublisher{prefix: "kafka"}
	hooks := &recordingPublisher{prefix: "webhook"}
	metrics := &countingMetrics{}
	p := NewProcessor(store, WithPublisher(kafka), WithPublisher(hooks), WithMetrics(metrics))

	schedule(t, store, "kafka:ca-events", "webhook:https://example.com", "kafka:audit", "carrier-pigeon:coop")

	n, err := p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 2, kafka.count())
	assert.Equal(t, 1, hooks.count())

	counts := store.CountByStatus()
	assert.Equal(t, 3, counts[adapters.QueueCompleted])
	assert.Equal(t, 1, counts[adapters.QueueFailed])
	assert.Equal(t, 3, metrics.succeeded)
	assert.Equal(t, 1, metrics.failed)
	assert.Equal(t, 1, metrics.batches)

	n, err = p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessor_PartialFailure(t *testing.T) {
	store := memory.NewQueueStore()
	local := NewLocalPublisher()
	local.Handle("ChildAdded", func(_ context.Context, msg *Message) error {
		if msg.Destination == "local:bad" {
			return errors.New("handler failed")
		}
		return nil
	})
	p := NewProcessor(store, WithPublisher(local))

	schedule(t, store, "local:good", "local:bad", "local:good")
	_, err := p.ProcessOnce(context.Background())
	require.NoError(t, err)

	counts := store.CountByStatus()
	assert.Equal(t, 2, counts[adapters.QueueCompleted])
	assert.Equal(t, 1, counts[adapters.QueueFailed])
}

func TestProcessor_RetryThenDeadLetter(t *testing.T) {
	store := memory.NewQueueStore()
	broken := &recordingPublisher{prefix: "kafka", err: errors.New("broker down")}
	metrics := &countingMetrics{}
	p := NewProcessor(store, WithPublisher(broken), WithMaxRetries(3), WithMetrics(metrics))

	schedule(t, store, "kafka:ca-events")

	n, err := p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	dead, err := store.GetDeadLetterMessages(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Equal(t, "broker down", dead[0].LastError)
	assert.Equal(t, 1, metrics.deadLettered)
	assert.Equal(t, 3, metrics.failed)
}

func TestProcessor_DrainRecovers(t *testing.T) {
	store := memory.NewQueueStore()
	flaky := &recordingPublisher{prefix: "kafka", err: errors.New("broker down")}
	p := NewProcessor(store, WithPublisher(flaky))

	schedule(t, store, "kafka:ca-events")
	_, err := p.ProcessOnce(context.Background())
	require.NoError(t, err)

	flaky.mu.Lock()
	flaky.err = nil
	flaky.mu.Unlock()

	_, err = p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, flaky.count())
	assert.Equal(t, 1, store.CountByStatus()[adapters.QueueCompleted])
}

func TestProcessor_DrainFollowsHandlerOutput(t *testing.T) {
	store := memory.NewQueueStore()
	local := NewLocalPublisher()
	var seen []string
	local.Handle("ChildAdded", func(ctx context.Context, msg *Message) error {
		seen = append(seen, msg.Destination)
		if msg.Destination == "local:first" {
			return store.Schedule(ctx, []*Message{{EventType: "ChildAdded", Destination: "local:second"}})
		}
		return nil
	})
	p := NewProcessor(store, WithPublisher(local))

	schedule(t, store, "local:first")
	n, err := p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"local:first", "local:second"}, seen)
}

func TestProcessor_DrainCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewProcessor(memory.NewQueueStore()).Drain(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcessor_StartStop(t *testing.T) {
	store := memory.NewQueueStore()
	pub := &recordingPublisher{prefix: "kafka"}
	p := NewProcessor(store,
		WithPublisher(pub),
		WithPollInterval(10*time.Millisecond),
		WithRetryBackoff(10*time.Millisecond),
		WithCleanupInterval(10*time.Millisecond),
		WithCleanupAge(time.Millisecond),
		WithBatchSize(1),
	)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	assert.True(t, p.IsRunning())
	assert.ErrorIs(t, p.Start(ctx), ErrProcessorRunning)

	schedule(t, store, "kafka:a", "kafka:b")
	require.Eventually(t, func() bool { return pub.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return store.Count() == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Stop(ctx))
	assert.False(t, p.IsRunning())
	require.NoError(t, p.Stop(ctx))
}

func TestPublishError(t *testing.T) {
	err := &PublishError{Failed: map[string]error{
		"b": errors.New("timeout"),
		"a": errors.New("refused"),
	}}
	assert.Equal(t, "rpkica/mq: 2 messages failed: a: refused; b: timeout", err.Error())
}

func TestLocalPublisher(t *testing.T) {
	local := NewLocalPublisher()
	assert.Equal(t, "local", local.Destination())

	var order []string
	local.Handle("ChildAdded", func(_ context.Context, msg *Message) error {
		order = append(order, "first:"+msg.ID)
		return nil
	})
	local.Handle("ChildAdded", func(_ context.Context, msg *Message) error {
		order = append(order, "second:"+msg.ID)
		return nil
	})

	err := local.Publish(context.Background(), []*Message{
		{ID: "1", EventType: "ChildAdded"},
		{ID: "2", EventType: "Unhandled"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first:1", "second:1"}, order)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = local.Publish(ctx, []*Message{{ID: "3", EventType: "ChildAdded"}})
	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, pe.Failed["3"], context.Canceled)
}
