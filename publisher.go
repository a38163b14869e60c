package circuitry

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Publisher sends messages to SNS topics by name.
type Publisher struct {
	client TopicAPI
	logger zerolog.Logger

	mu     sync.Mutex
	topics map[string]string
}

// NewPublisher creates a publisher on an existing SNS client. A nil logger
// falls back to the global zerolog logger.
func NewPublisher(client TopicAPI, logger *zerolog.Logger) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil topic client", ErrInvalidConfig)
	}
	base := log.Logger
	if logger != nil {
		base = *logger
	}
	return &Publisher{
		client: client,
		logger: base,
		topics: make(map[string]string),
	}, nil
}

// Publish sends body to the named topic and returns the SNS message id. The
// topic is created on first use and its ARN cached for the life of the
// publisher.
func (p *Publisher) Publish(ctx context.Context, topic string, body []byte) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("%w: empty topic name", ErrInvalidConfig)
	}

	arn, err := p.topicARN(ctx, topic)
	if err != nil {
		return "", fmt.Errorf("failed to resolve topic %s: %w", topic, err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(arn),
		Message:  aws.String(string(body)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	id := aws.ToString(result.MessageId)
	p.logger.Debug().Str("topic", topic).Str("message_id", id).Msg("Message published")
	return id, nil
}

// topicARN resolves a topic name, creating the topic on first use.
// CreateTopic returns the existing topic when the name is taken, so racing
// resolutions of the same name converge on one ARN.
func (p *Publisher) topicARN(ctx context.Context, topic string) (string, error) {
	p.mu.Lock()
	arn, ok := p.topics[topic]
	p.mu.Unlock()
	if ok {
		return arn, nil
	}

	result, err := p.client.CreateTopic(ctx, &sns.CreateTopicInput{Name: aws.String(topic)})
	if err != nil {
		return "", err
	}

	arn = aws.ToString(result.TopicArn)
	p.mu.Lock()
	p.topics[topic] = arn
	p.mu.Unlock()
	return arn, nil
}
