package mq

import (
	"context"
	"sync"
)

// Handler consumes one message inside the process.
type Handler func(ctx context.Context, msg *Message) error

// LocalPublisher dispatches "local:" messages to in-process handlers keyed
// by event type. Messages without a handler are acknowledged.
type LocalPublisher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewLocalPublisher creates an empty LocalPublisher.
func NewLocalPublisher() *LocalPublisher {
	return &LocalPublisher{handlers: make(map[string][]Handler)}
}

// Handle registers h for messages of eventType.
func (p *LocalPublisher) Handle(eventType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[eventType] = append(p.handlers[eventType], h)
}

// Destination returns "local".
func (p *LocalPublisher) Destination() string {
	return DestinationLocal
}

// Publish runs the handlers for each message in order. A failing handler
// fails only its own message; the error is reported in a *PublishError.
func (p *LocalPublisher) Publish(ctx context.Context, messages []*Message) error {
	failed := make(map[string]error)
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			failed[msg.ID] = err
			continue
		}

		p.mu.RLock()
		handlers := p.handlers[msg.EventType]
		p.mu.RUnlock()

		for _, h := range handlers {
			if err := h(ctx, msg); err != nil {
				failed[msg.ID] = err
				break
			}
		}
	}
	if len(failed) > 0 {
		return &PublishError{Failed: failed}
	}
	return nil
}
