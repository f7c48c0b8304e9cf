// Package mq delivers side effects of committed events.
//
// A Queue is installed as a post-commit hook on aggregate stores. It turns
// every committed event into zero or more messages, one per matching Route,
// and schedules them on an adapters.QueueStore. A Processor later fetches
// pending messages and hands them to the Publisher registered for their
// destination prefix. Delivery is at least once: consumers must be idempotent.
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	rpkica "github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/adapters"
)

// Message is a scheduled side effect.
type Message = adapters.QueueMessage

// Destination prefixes understood by the bundled publishers.
const (
	DestinationLocal   = "local"
	DestinationKafka   = "kafka"
	DestinationSNS     = "sns"
	DestinationWebhook = "webhook"
)

// Header keys set on every scheduled message.
const (
	HeaderEventType     = "event-type"
	HeaderNamespace     = "namespace"
	HeaderHandle        = "handle"
	HeaderVersion       = "version"
	HeaderCommandType   = "command-type"
	HeaderCorrelationID = "correlation-id"
	HeaderCausationID   = "causation-id"
)

// Publisher publishes messages to an external system.
type Publisher interface {
	// Publish sends one or more messages to the external system.
	Publish(ctx context.Context, messages []*Message) error

	// Destination returns the destination prefix this publisher handles (e.g., "webhook", "kafka", "sns").
	Destination() string
}

// Payload is the default JSON body of a message.
type Payload struct {
	Namespace     string          `json:"namespace"`
	Handle        rpkica.Handle   `json:"handle"`
	Version       int64           `json:"version"`
	Type          string          `json:"type"`
	Summary       string          `json:"summary,omitempty"`
	CommandType   string          `json:"commandType,omitempty"`
	Actor         string          `json:"actor,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Details       json.RawMessage `json:"details"`
}

// DecodePayload parses the default payload of msg.
func DecodePayload(msg *Message) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("rpkica/mq: decode payload of %s: %w", msg.ID, err)
	}
	return &p, nil
}

// Route defines which committed events produce messages for a destination.
type Route struct {
	// EventTypes is the list of event types this route matches. Empty matches all.
	EventTypes []string

	// Namespaces restricts the route to aggregates of these namespaces. Empty matches all.
	Namespaces []string

	// Destination is the target (e.g., "webhook:https://example.com/events", "kafka:ca-events", "local:resync").
	Destination string

	// Filter optionally filters events. Return true to include the event.
	Filter func(c rpkica.Committed, e rpkica.CommittedEvent) bool

	// Transform optionally replaces the default JSON payload.
	Transform func(c rpkica.Committed, e rpkica.CommittedEvent) ([]byte, error)
}

func (r *Route) matches(c rpkica.Committed, e rpkica.CommittedEvent) bool {
	if len(r.EventTypes) > 0 && !slices.Contains(r.EventTypes, e.Type) {
		return false
	}
	if len(r.Namespaces) > 0 && !slices.Contains(r.Namespaces, c.Namespace) {
		return false
	}
	return r.Filter == nil || r.Filter(c, e)
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets the logger for the queue.
func WithQueueLogger(l rpkica.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = l
	}
}

// WithMaxAttempts sets the max delivery attempts for scheduled messages.
func WithMaxAttempts(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithQueueClock overrides the scheduling clock.
func WithQueueClock(clock func() time.Time) QueueOption {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// Queue schedules messages for committed events.
type Queue struct {
	store       adapters.QueueStore
	routes      []Route
	logger      rpkica.Logger
	maxAttempts int
	clock       func() time.Time
}

// NewQueue creates a Queue scheduling onto store.
func NewQueue(store adapters.QueueStore, routes []Route, opts ...QueueOption) *Queue {
	q := &Queue{
		store:       store,
		routes:      routes,
		logger:      rpkica.NopLogger(),
		maxAttempts: 5,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Store returns the underlying QueueStore.
func (q *Queue) Store() adapters.QueueStore {
	return q.store
}

// AddRoute appends a route. It is not safe to call while commands are running.
func (q *Queue) AddRoute(r Route) {
	q.routes = append(q.routes, r)
}

// Hook returns a post-commit hook scheduling every committed event.
// Scheduling errors are logged; the events themselves are already durable.
func (q *Queue) Hook() rpkica.PostCommitHook {
	return func(ctx context.Context, c rpkica.Committed) {
		if _, err := q.Schedule(ctx, c); err != nil {
			q.logger.Error("Failed to schedule side effects",
				"namespace", c.Namespace, "handle", c.Handle, "events", len(c.Events), "error", err)
		}
	}
}

// Schedule builds and stores the messages for c, returning them.
func (q *Queue) Schedule(ctx context.Context, c rpkica.Committed) ([]*Message, error) {
	messages, err := q.build(c)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}
	if err := q.store.Schedule(ctx, messages); err != nil {
		return nil, fmt.Errorf("rpkica/mq: schedule %d messages: %w", len(messages), err)
	}
	q.logger.Debug("Scheduled side effects", "namespace", c.Namespace, "handle", c.Handle, "messages", len(messages))
	return messages, nil
}

func (q *Queue) build(c rpkica.Committed) ([]*Message, error) {
	var messages []*Message
	now := q.clock()

	for _, e := range c.Events {
		var defaultPayload []byte
		for i := range q.routes {
			route := &q.routes[i]
			if !route.matches(c, e) {
				continue
			}

			var payload []byte
			if route.Transform != nil {
				transformed, err := route.Transform(c, e)
				if err != nil {
					q.logger.Error("Failed to transform payload",
						"eventType", e.Type, "destination", route.Destination, "error", err)
					continue
				}
				payload = transformed
			} else {
				if defaultPayload == nil {
					p, err := encodePayload(c, e)
					if err != nil {
						return nil, err
					}
					defaultPayload = p
				}
				payload = defaultPayload
			}

			messages = append(messages, &Message{
				Namespace:   c.Namespace,
				Handle:      string(c.Handle),
				Version:     e.Version,
				EventType:   e.Type,
				Destination: route.Destination,
				Payload:     payload,
				Headers: map[string]string{
					HeaderEventType:     e.Type,
					HeaderNamespace:     c.Namespace,
					HeaderHandle:        string(c.Handle),
					HeaderVersion:       strconv.FormatInt(e.Version, 10),
					HeaderCommandType:   c.CommandType,
					HeaderCorrelationID: c.Metadata.CorrelationID,
					HeaderCausationID:   c.Metadata.CausationID,
				},
				Status:      adapters.QueuePending,
				MaxAttempts: q.maxAttempts,
				ScheduledAt: now,
				CreatedAt:   now,
			})
		}
	}
	return messages, nil
}

func encodePayload(c rpkica.Committed, e rpkica.CommittedEvent) ([]byte, error) {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return nil, rpkica.NewSerializationError(e.Type, "serialize", err)
	}
	p := Payload{
		Namespace:     c.Namespace,
		Handle:        c.Handle,
		Version:       e.Version,
		Type:          e.Type,
		CommandType:   c.CommandType,
		Actor:         c.Metadata.Actor,
		CorrelationID: c.Metadata.CorrelationID,
		Timestamp:     e.Timestamp,
		Details:       details,
	}
	if s, ok := e.Details.(interface{ Summary() string }); ok {
		p.Summary = s.Summary()
	}
	return json.Marshal(p)
}

// destinationPrefix extracts the prefix from a destination string.
// For example, "webhook:https://example.com" returns "webhook".
func destinationPrefix(destination string) string {
	if idx := strings.Index(destination, ":"); idx > 0 {
		return destination[:idx]
	}
	return destination
}

// Target returns the part of a destination after its prefix.
// For example, "kafka:ca-events" returns "ca-events".
func Target(destination string) string {
	if idx := strings.Index(destination, ":"); idx > 0 {
		return destination[idx+1:]
	}
	return ""
}
