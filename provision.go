package circuitry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultMaxReceiveCount is how many delivery attempts a message gets before
// the redrive policy moves it to the dead letter queue.
const DefaultMaxReceiveCount = 8

// ProvisionConfig describes the topology Provision builds.
type ProvisionConfig struct {
	// QueueName is the queue to create or reuse. Its dead letter queue is
	// named QueueName-failures.
	QueueName string

	// Topics are SNS topic names to create and subscribe the queue to.
	Topics []string

	// MaxReceiveCount caps delivery attempts before a message moves to
	// the dead letter queue. Zero means DefaultMaxReceiveCount.
	MaxReceiveCount int

	// Logger overrides the global zerolog logger.
	Logger *zerolog.Logger
}

// ProvisionResult reports what Provision created or found in place.
type ProvisionResult struct {
	QueueURL           string
	QueueARN           string
	DeadLetterQueueURL string
	TopicARNs          map[string]string
}

// Provision creates the queue, its dead letter queue, the given topics and
// their subscriptions, and grants SNS permission to send to the queue. Every
// call is idempotent: existing pieces are found and reused, so it is safe to
// run on every deploy.
func Provision(ctx context.Context, queues QueueAdminAPI, topicClient TopicAPI, config ProvisionConfig) (*ProvisionResult, error) {
	if config.QueueName == "" {
		return nil, fmt.Errorf("%w: empty queue name", ErrInvalidConfig)
	}
	if config.MaxReceiveCount <= 0 {
		config.MaxReceiveCount = DefaultMaxReceiveCount
	}

	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}

	dlqURL, dlqARN, err := createQueue(ctx, queues, config.QueueName+"-failures", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create dead letter queue: %w", err)
	}

	redrive, err := json.Marshal(map[string]string{
		"deadLetterTargetArn": dlqARN,
		"maxReceiveCount":     strconv.Itoa(config.MaxReceiveCount),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode redrive policy: %w", err)
	}

	queueURL, queueARN, err := createQueue(ctx, queues, config.QueueName, map[string]string{
		string(types.QueueAttributeNameRedrivePolicy): string(redrive),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}

	result := &ProvisionResult{
		QueueURL:           queueURL,
		QueueARN:           queueARN,
		DeadLetterQueueURL: dlqURL,
		TopicARNs:          make(map[string]string, len(config.Topics)),
	}

	for _, topic := range config.Topics {
		created, err := topicClient.CreateTopic(ctx, &sns.CreateTopicInput{Name: aws.String(topic)})
		if err != nil {
			return nil, fmt.Errorf("failed to create topic %s: %w", topic, err)
		}
		topicARN := aws.ToString(created.TopicArn)
		result.TopicARNs[topic] = topicARN

		_, err = topicClient.Subscribe(ctx, &sns.SubscribeInput{
			TopicArn: aws.String(topicARN),
			Protocol: aws.String("sqs"),
			Endpoint: aws.String(queueARN),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe queue to topic %s: %w", topic, err)
		}
	}

	if len(result.TopicARNs) > 0 {
		policy, err := queuePolicy(queueARN, result.TopicARNs)
		if err != nil {
			return nil, fmt.Errorf("failed to encode queue policy: %w", err)
		}
		_, err = queues.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
			QueueUrl: aws.String(queueURL),
			Attributes: map[string]string{
				string(types.QueueAttributeNamePolicy): policy,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to set queue policy: %w", err)
		}
	}

	logger.Info().
		Str("queue_url", queueURL).
		Str("dead_letter_queue_url", dlqURL).
		Int("topics", len(result.TopicARNs)).
		Msg("Provisioned queue")

	return result, nil
}

// createQueue creates or finds a queue and returns its URL and ARN.
func createQueue(ctx context.Context, queues QueueAdminAPI, name string, attributes map[string]string) (string, string, error) {
	created, err := queues.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: attributes,
	})
	if err != nil {
		return "", "", err
	}
	url := aws.ToString(created.QueueUrl)

	attrs, err := queues.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return "", "", err
	}

	return url, attrs.Attributes[string(types.QueueAttributeNameQueueArn)], nil
}

// queuePolicy builds the access policy that lets the subscribed topics send
// to the queue.
func queuePolicy(queueARN string, topicARNs map[string]string) (string, error) {
	sources := make([]string, 0, len(topicARNs))
	for _, arn := range topicARNs {
		sources = append(sources, arn)
	}

	policy, err := json.Marshal(map[string]interface{}{
		"Version": "2012-10-17",
		"Statement": []map[string]interface{}{{
			"Sid":       "AllowSNSPublish",
			"Effect":    "Allow",
			"Principal": map[string]string{"Service": "sns.amazonaws.com"},
			"Action":    "sqs:SendMessage",
			"Resource":  queueARN,
			"Condition": map[string]interface{}{
				"ArnLike": map[string]interface{}{"aws:SourceArn": sources},
			},
		}},
	})
	if err != nil {
		return "", err
	}
	return string(policy), nil
}
