// Package sns publishes CA side effects to AWS SNS topics.
//
// Destination format: "sns:arn:aws:sns:region:account:topic".
package sns

import (
	"context"
	"fmt"
	"os"

	"github.com/AshkanYarmoradi/go-rpkica/mq"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// Client defines the subset of the SNS API used by the publisher.
type Client interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher publishes queue messages to AWS SNS topics.
type Publisher struct {
	client Client
	fifo   bool
}

// Option configures an SNS Publisher.
type Option func(*Publisher)

// WithClient sets the SNS client.
func WithClient(client Client) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithFIFO marks the topics as FIFO. Each CA becomes its own message group
// and the message ID is used for deduplication.
func WithFIFO() Option {
	return func(p *Publisher) {
		p.fifo = true
	}
}

// New creates a new SNS Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// NewClient builds an SNS client for region, reading static credentials
// from AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and AWS_SESSION_TOKEN.
func NewClient(region string) *sns.Client {
	return sns.New(sns.Options{
		Region: region,
		Credentials: aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
			if id == "" || secret == "" {
				return aws.Credentials{}, fmt.Errorf("rpkica/mq/sns: AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
			}
			return aws.Credentials{
				AccessKeyID:     id,
				SecretAccessKey: secret,
				SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
				Source:          "environment",
			}, nil
		})),
	})
}

// Destination returns "sns".
func (p *Publisher) Destination() string {
	return mq.DestinationSNS
}

// Publish sends each message to the topic ARN in its destination. All
// messages are attempted; failures are reported in a *mq.PublishError.
func (p *Publisher) Publish(ctx context.Context, messages []*mq.Message) error {
	if p.client == nil {
		return fmt.Errorf("rpkica/mq/sns: client not configured")
	}

	failed := make(map[string]error)
	for _, msg := range messages {
		topicARN := mq.Target(msg.Destination)
		if topicARN == "" {
			failed[msg.ID] = fmt.Errorf("rpkica/mq/sns: invalid destination %q: missing topic ARN", msg.Destination)
			continue
		}

		if _, err := p.client.Publish(ctx, p.input(topicARN, msg)); err != nil {
			failed[msg.ID] = fmt.Errorf("rpkica/mq/sns: publish to %s: %w", topicARN, err)
		}
	}

	if len(failed) > 0 {
		return &mq.PublishError{Failed: failed}
	}
	return nil
}

func (p *Publisher) input(topicARN string, msg *mq.Message) *sns.PublishInput {
	input := &sns.PublishInput{
		TopicArn: aws.String(topicARN),
		Message:  aws.String(string(msg.Payload)),
		Subject:  aws.String(msg.EventType),
	}

	for k, v := range msg.Headers {
		// SNS rejects empty attribute values.
		if v == "" {
			continue
		}
		if input.MessageAttributes == nil {
			input.MessageAttributes = make(map[string]types.MessageAttributeValue)
		}
		input.MessageAttributes[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}

	if p.fifo {
		input.MessageGroupId = aws.String(msg.Namespace + "-" + msg.Handle)
		input.MessageDeduplicationId = aws.String(msg.ID)
	}
	return input
}
