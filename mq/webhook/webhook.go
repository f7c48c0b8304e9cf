// Package webhook publishes CA side effects as HTTP POST requests.
//
// Destination format: "webhook:https://example.com/events".
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica/mq"
)

// HeaderPrefix is prepended to message headers on the request.
const HeaderPrefix = "X-Rpkica-"

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Rpkica-Signature"

// Publisher publishes queue messages as HTTP POST requests.
type Publisher struct {
	client         *http.Client
	defaultHeaders map[string]string
	secret         []byte
}

// Option configures a webhook Publisher.
type Option func(*Publisher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.client.Timeout = d
	}
}

// WithDefaultHeaders sets default headers added to all requests.
func WithDefaultHeaders(headers map[string]string) Option {
	return func(p *Publisher) {
		for k, v := range headers {
			p.defaultHeaders[k] = v
		}
	}
}

// WithSecret signs every body with HMAC-SHA256 under secret.
func WithSecret(secret string) Option {
	return func(p *Publisher) {
		p.secret = []byte(secret)
	}
}

// New creates a new webhook Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		defaultHeaders: map[string]string{
			"Content-Type": "application/json",
		},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Destination returns "webhook".
func (p *Publisher) Destination() string {
	return mq.DestinationWebhook
}

// Sign returns the signature a receiver should expect for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Publish posts each message to the URL in its destination. Any status
// outside 2xx/3xx fails the message; failures are reported in a *mq.PublishError.
func (p *Publisher) Publish(ctx context.Context, messages []*mq.Message) error {
	failed := make(map[string]error)
	for _, msg := range messages {
		if err := p.post(ctx, msg); err != nil {
			failed[msg.ID] = err
		}
	}
	if len(failed) > 0 {
		return &mq.PublishError{Failed: failed}
	}
	return nil
}

func (p *Publisher) post(ctx context.Context, msg *mq.Message) error {
	url := mq.Target(msg.Destination)
	if url == "" {
		return fmt.Errorf("rpkica/mq/webhook: invalid destination %q: missing URL", msg.Destination)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg.Payload))
	if err != nil {
		return fmt.Errorf("rpkica/mq/webhook: create request: %w", err)
	}

	for k, v := range p.defaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range msg.Headers {
		if v != "" {
			req.Header.Set(HeaderPrefix+k, v)
		}
	}
	req.Header.Set(HeaderPrefix+"message-id", msg.ID)
	if len(p.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(p.secret, msg.Payload))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("rpkica/mq/webhook: request failed for %s: %w", url, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("rpkica/mq/webhook: server error %d from %s", resp.StatusCode, url)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("rpkica/mq/webhook: client error %d from %s", resp.StatusCode, url)
	}
	return nil
}
