package circuitry

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Handler processes one message. body is the payload with any SNS envelope
// stripped and topic is the originating topic name, or "" for messages sent
// straight to the queue. Returning a non-nil error leaves the message on the
// queue for redelivery.
type Handler func(ctx context.Context, body []byte, topic string) error

// Subscriber consumes one SQS queue in long-poll batches and dispatches each
// message to a handler. Messages are deleted from the queue only after the
// handler returns nil; everything else is left for SQS to redeliver.
type Subscriber struct {
	config  SubscriberConfig
	client  QueueAPI
	lock    LockStrategy
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewSubscriber creates a subscriber on an existing SQS client. Out-of-range
// config values are rejected with an error wrapping ErrInvalidConfig; a
// missing queue URL is not an error here, it only makes Subscribe a no-op.
func NewSubscriber(client QueueAPI, config SubscriberConfig) (*Subscriber, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	base := log.Logger
	if config.Logger != nil {
		base = *config.Logger
	}

	s := &Subscriber{
		config: config,
		client: client,
		lock:   config.Lock,
		logger: base.With().Str("subscriber_id", xid.New().String()).Logger(),
	}
	if config.ReceiveRate > 0 {
		s.limiter = rate.NewLimiter(config.ReceiveRate, config.ReceiveBurst)
	}
	return s, nil
}

// Subscribe polls the queue and dispatches messages to handler until ctx is
// cancelled, then drains any in-flight work and returns nil. The only error
// it returns after startup is *SubscribeError, raised when the queue is
// unreachable with the current address or credentials. Handler and lock
// failures never end the loop; they are logged and passed to the configured
// ErrorHandler, and the affected message is left to redeliver.
func (s *Subscriber) Subscribe(ctx context.Context, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	if s.client == nil || s.config.QueueURL == "" {
		s.logger.Warn().Msg("Queue not configured, not subscribing")
		return nil
	}

	var pool *workerPool
	if s.config.Mode != DispatchInline {
		pool = newWorkerPool(s.config.PoolSize, s.logger)
		defer pool.Stop()
		defer pool.Drain()
	}

	if s.config.StatsInterval > 0 {
		statsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go s.monitorQueueStats(statsCtx)
	}

	s.logger.Info().
		Str("queue_url", s.config.QueueURL).
		Str("mode", s.config.Mode.String()).
		Msg("Starting subscription")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Stopping subscription")
			return nil
		default:
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				s.logger.Info().Msg("Stopping subscription")
				return nil
			}
		}

		result, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(s.config.QueueURL),
			MaxNumberOfMessages:   s.config.BatchSize,
			WaitTimeSeconds:       int32(s.config.WaitTime / time.Second),
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info().Msg("Stopping subscription")
				return nil
			}
			if isConnectionError(err) {
				s.logger.Error().Err(err).Msg("Queue unreachable, stopping subscription")
				return &SubscribeError{Err: err}
			}
			s.logger.Error().Err(err).Msg("Failed to receive messages from SQS")
			sleep(ctx, receiveRetryDelay)
			continue
		}

		if len(result.Messages) == 0 {
			continue
		}

		s.logger.Debug().Int("count", len(result.Messages)).Msg("Received messages from SQS")

		for _, m := range s.lockBatch(ctx, s.wrapBatch(result.Messages)) {
			job := s.processJob(ctx, handler, m)
			if pool == nil {
				job()
			} else {
				_ = pool.Submit(job)
			}
		}

		if s.config.Mode == DispatchBatch {
			pool.Drain()
		}

		if err := s.lock.Reap(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Failed to reap expired locks")
		}
	}
}

// wrapBatch converts raw records to Messages, reporting and dropping any
// that are structurally invalid.
func (s *Subscriber) wrapBatch(records []types.Message) []Message {
	messages := make([]Message, 0, len(records))
	for _, record := range records {
		m, err := NewMessage(record)
		if err != nil {
			s.logger.Error().Err(err).Str("message_id", aws.ToString(record.MessageId)).Msg("Failed to parse message")
			s.reportError(err)
			continue
		}
		messages = append(messages, m)
	}
	return messages
}

// lockBatch soft locks every message before any dispatch happens and returns
// the ones to dispatch. Messages another consumer holds are skipped and
// pushed back; a lock strategy failure dispatches the message anyway, since
// the lock is advisory and skipping would stall the message until its
// visibility lapsed.
func (s *Subscriber) lockBatch(ctx context.Context, messages []Message) []Message {
	dispatch := make([]Message, 0, len(messages))
	for _, m := range messages {
		acquired, err := s.lock.SoftLock(ctx, m.ID())
		if err != nil {
			s.logger.Error().Err(err).Str("message_id", m.ID()).Msg("Failed to acquire soft lock")
			s.reportError(err)
		} else if !acquired {
			s.logger.Debug().Str("message_id", m.ID()).Msg("Message locked by another consumer, skipping")
			s.extendVisibilityTimeout(ctx, m, int32(skipVisibilityTimeout/time.Second))
			continue
		}
		dispatch = append(dispatch, m)
	}
	return dispatch
}

func (s *Subscriber) processJob(ctx context.Context, handler Handler, m Message) func() {
	return func() {
		if err := s.process(ctx, handler, m); err != nil {
			s.logger.Error().
				Err(err).
				Str("message_id", m.ID()).
				Str("topic", m.Topic()).
				Msg("Failed to process message, will be retried by SQS")
			s.reportError(err)
		}
	}
}

func (s *Subscriber) process(ctx context.Context, handler Handler, m Message) error {
	start := time.Now()
	processingCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.invoke(processingCtx, handler, m) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("handler failed: %w", err)
		}
	case <-processingCtx.Done():
		// the handler goroutine is abandoned here; whatever it does after
		// the deadline is on the handler author
		return fmt.Errorf("processing timed out after %s: %w", s.config.Timeout, processingCtx.Err())
	}

	if err := s.deleteMessage(processingCtx, m); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if err := s.lock.HardLock(processingCtx, m.ID()); err != nil {
		return fmt.Errorf("failed to hard lock message: %w", err)
	}
	if err := s.lock.SoftUnlock(processingCtx, m.ID()); err != nil {
		return fmt.Errorf("failed to release soft lock: %w", err)
	}

	s.logger.Debug().Str("message_id", m.ID()).Dur("duration", time.Since(start)).Msg("Message processed successfully")
	return nil
}

// invoke runs the handler, converting a panic into an error so one message
// cannot take down a worker or the receive loop.
func (s *Subscriber) invoke(ctx context.Context, handler Handler, m Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, m.Body(), m.Topic())
}

func (s *Subscriber) deleteMessage(ctx context.Context, m Message) error {
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.config.QueueURL),
		ReceiptHandle: aws.String(m.ReceiptHandle()),
	})
	if err != nil {
		return err
	}
	s.logger.Debug().Str("message_id", m.ID()).Msg("Message deleted from SQS")
	return nil
}

func (s *Subscriber) extendVisibilityTimeout(ctx context.Context, m Message, seconds int32) {
	_, err := s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(s.config.QueueURL),
		ReceiptHandle:     aws.String(m.ReceiptHandle()),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("message_id", m.ID()).Msg("Failed to extend visibility timeout")
		return
	}
	s.logger.Debug().Str("message_id", m.ID()).Int32("seconds", seconds).Msg("Extended message visibility timeout")
}

func (s *Subscriber) monitorQueueStats(ctx context.Context) {
	ticker := time.NewTicker(s.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.logQueueStats(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Subscriber) logQueueStats(ctx context.Context) {
	result, err := s.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(s.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to fetch queue stats")
		return
	}

	s.logger.Info().
		Str("available", result.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]).
		Str("in_flight", result.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)]).
		Str("delayed", result.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessagesDelayed)]).
		Msg("SQS queue stats")
}

func (s *Subscriber) reportError(err error) {
	if s.config.ErrorHandler != nil {
		s.config.ErrorHandler(err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
