// Package kafka publishes CA side effects to Kafka topics using
// github.com/segmentio/kafka-go.
//
// Destination format: "kafka:topic-name". Messages are keyed by
// "{namespace}-{handle}" so every event of one CA lands on the same
// partition, in version order.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica/mq"
	kafkago "github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher publishes queue messages to Kafka topics.
type Publisher struct {
	brokers      []string
	balancer     kafkago.Balancer
	batchTimeout time.Duration
	topicPrefix  string
	transport    kafkago.RoundTripper

	mu        sync.RWMutex
	writers   map[string]messageWriter
	newWriter func(topic string) messageWriter
}

// Option configures a Kafka Publisher.
type Option func(*Publisher)

// WithBrokers sets the Kafka broker addresses.
func WithBrokers(brokers ...string) Option {
	return func(p *Publisher) {
		p.brokers = brokers
	}
}

// WithBalancer sets the message balancer (partitioner).
func WithBalancer(balancer kafkago.Balancer) Option {
	return func(p *Publisher) {
		p.balancer = balancer
	}
}

// WithBatchTimeout sets the batch timeout for the writer.
func WithBatchTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.batchTimeout = d
	}
}

// WithTopicPrefix prepends prefix to every topic, e.g. "prod." for "prod.ca-events".
func WithTopicPrefix(prefix string) Option {
	return func(p *Publisher) {
		p.topicPrefix = prefix
	}
}

// New creates a new Kafka Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		brokers:      []string{"localhost:9092"},
		balancer:     &kafkago.Hash{},
		batchTimeout: 10 * time.Millisecond,
		writers:      make(map[string]messageWriter),
	}
	p.newWriter = p.kafkaWriter

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Destination returns "kafka".
func (p *Publisher) Destination() string {
	return mq.DestinationKafka
}

// Publish writes messages to the topics named by their destinations.
// Every topic is attempted; messages that could not be written are reported
// individually in a *mq.PublishError.
func (p *Publisher) Publish(ctx context.Context, messages []*mq.Message) error {
	failed := make(map[string]error)

	var topics []string
	grouped := make(map[string][]*mq.Message)
	for _, msg := range messages {
		topic := mq.Target(msg.Destination)
		if topic == "" {
			failed[msg.ID] = fmt.Errorf("rpkica/mq/kafka: invalid destination %q: missing topic", msg.Destination)
			continue
		}
		topic = p.topicPrefix + topic
		if _, ok := grouped[topic]; !ok {
			topics = append(topics, topic)
		}
		grouped[topic] = append(grouped[topic], msg)
	}

	for _, topic := range topics {
		msgs := grouped[topic]
		records := make([]kafkago.Message, len(msgs))
		for i, msg := range msgs {
			records[i] = toKafka(msg)
		}

		err := p.getWriter(topic).WriteMessages(ctx, records...)
		if err == nil {
			continue
		}

		var perMessage kafkago.WriteErrors
		if errors.As(err, &perMessage) && len(perMessage) == len(msgs) {
			for i, werr := range perMessage {
				if werr != nil {
					failed[msgs[i].ID] = fmt.Errorf("rpkica/mq/kafka: write to topic %s: %w", topic, werr)
				}
			}
			continue
		}
		for _, msg := range msgs {
			failed[msg.ID] = fmt.Errorf("rpkica/mq/kafka: write to topic %s: %w", topic, err)
		}
	}

	if len(failed) > 0 {
		return &mq.PublishError{Failed: failed}
	}
	return nil
}

func toKafka(msg *mq.Message) kafkago.Message {
	record := kafkago.Message{
		Key:   []byte(msg.Namespace + "-" + msg.Handle),
		Value: msg.Payload,
	}
	for k, v := range msg.Headers {
		record.Headers = append(record.Headers, kafkago.Header{Key: k, Value: []byte(v)})
	}
	return record
}

// Close closes all Kafka writers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("rpkica/mq/kafka: close writer for %s: %w", topic, err))
		}
		delete(p.writers, topic)
	}
	return errors.Join(errs...)
}

// getWriter returns or creates the writer for topic.
func (p *Publisher) getWriter(topic string) messageWriter {
	p.mu.RLock()
	if w, ok := p.writers[topic]; ok {
		p.mu.RUnlock()
		return w
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}

	w := p.newWriter(topic)
	p.writers[topic] = w
	return w
}

func (p *Publisher) kafkaWriter(topic string) messageWriter {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               p.balancer,
		BatchTimeout:           p.batchTimeout,
		Transport:              p.transport,
		AllowAutoTopicCreation: true,
	}
}
