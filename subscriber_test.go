package circuitry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestSubscriber(t *testing.T, client QueueAPI, config SubscriberConfig) *Subscriber {
	t.Helper()
	if config.QueueURL == "" {
		config.QueueURL = testQueueURL
	}
	s, err := NewSubscriber(client, config)
	require.NoError(t, err)
	return s
}

// errorCollector is a thread safe ErrorHandler for tests.
type errorCollector struct {
	mu     sync.Mutex
	errors []error
}

func (c *errorCollector) collect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, err)
}

func (c *errorCollector) all() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errors...)
}

func TestNewSubscriberRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config SubscriberConfig
	}{
		{name: "batch size too large", config: SubscriberConfig{BatchSize: 11}},
		{name: "batch size negative", config: SubscriberConfig{BatchSize: -1}},
		{name: "wait time too large", config: SubscriberConfig{WaitTime: 25 * time.Second}},
		{name: "wait time negative", config: SubscriberConfig{WaitTime: -time.Second}},
		{name: "timeout negative", config: SubscriberConfig{Timeout: -time.Second}},
		{name: "unknown dispatch mode", config: SubscriberConfig{Mode: DispatchMode(9)}},
		{name: "pool size negative", config: SubscriberConfig{PoolSize: -1}},
		{name: "receive rate negative", config: SubscriberConfig{ReceiveRate: rate.Limit(-1)}},
		{name: "receive burst negative", config: SubscriberConfig{ReceiveBurst: -1}},
		{name: "stats interval negative", config: SubscriberConfig{StatsInterval: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSubscriber(new(MockQueueAPI), tt.config)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNewSubscriberDefaults(t *testing.T) {
	s := newTestSubscriber(t, new(MockQueueAPI), SubscriberConfig{})

	assert.Equal(t, int32(DefaultBatchSize), s.config.BatchSize)
	assert.Equal(t, DefaultWaitTime, s.config.WaitTime)
	assert.Equal(t, DefaultTimeout, s.config.Timeout)
	assert.Equal(t, DefaultPoolSize, s.config.PoolSize)
	assert.IsType(t, &MemoryLock{}, s.config.Lock)
	assert.Nil(t, s.limiter)
}

func TestNewSubscriberRateLimiter(t *testing.T) {
	s := newTestSubscriber(t, new(MockQueueAPI), SubscriberConfig{ReceiveRate: 5})
	require.NotNil(t, s.limiter)
	assert.Equal(t, rate.Limit(5), s.limiter.Limit())
	assert.Equal(t, 1, s.limiter.Burst())
}

func TestSubscribeNilHandler(t *testing.T) {
	s := newTestSubscriber(t, new(MockQueueAPI), SubscriberConfig{})
	err := s.Subscribe(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestSubscribeWithoutQueueURL(t *testing.T) {
	mockSQS := new(MockQueueAPI)
	s, err := NewSubscriber(mockSQS, SubscriberConfig{})
	require.NoError(t, err)

	err = s.Subscribe(context.Background(), func(context.Context, []byte, string) error { return nil })

	assert.NoError(t, err)
	mockSQS.AssertNotCalled(t, "ReceiveMessage", mock.Anything, mock.Anything)
}

// a batch with one succeeding and one failing message: both are soft locked
// before any dispatch, only the successful one is deleted and hard locked,
// the failure is reported and left to redeliver, and locks are reaped once
func TestSubscribeProcessesBatch(t *testing.T) {
	mockSQS := new(MockQueueAPI)
	events := &eventLog{}
	collector := &errorCollector{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockSQS.On("ReceiveMessage", mock.Anything, mock.MatchedBy(func(input *sqs.ReceiveMessageInput) bool {
		return aws.ToString(input.QueueUrl) == testQueueURL &&
			input.MaxNumberOfMessages == 10 &&
			input.WaitTimeSeconds == 20
	})).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{
			sqsRecord("msg-a", "payload-a"),
			sqsRecord("msg-b", "payload-b"),
		},
	}, nil).Once()
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(&sqs.ReceiveMessageOutput{}, nil)

	mockSQS.On("DeleteMessage", mock.Anything, mock.MatchedBy(func(input *sqs.DeleteMessageInput) bool {
		return aws.ToString(input.ReceiptHandle) == "rh-msg-a"
	})).Run(func(args mock.Arguments) {
		events.add("delete:msg-a")
	}).Return(&sqs.DeleteMessageOutput{}, nil)

	s := newTestSubscriber(t, mockSQS, SubscriberConfig{
		Lock:         &recordingLock{log: events},
		ErrorHandler: collector.collect,
	})

	err := s.Subscribe(ctx, func(ctx context.Context, body []byte, topic string) error {
		if string(body) == "payload-a" {
			return nil
		}
		return assert.AnError
	})

	assert.NoError(t, err)
	assert.Equal(t, []string{
		"soft-lock:msg-a",
		"soft-lock:msg-b",
		"delete:msg-a",
		"hard-lock:msg-a",
		"soft-unlock:msg-a",
		"reap",
	}, events.all())

	reported := collector.all()
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], assert.AnError)
	mockSQS.AssertExpectations(t)
}

func TestSubscribeSkipsLockedMessages(t *testing.T) {
	mockSQS := new(MockQueueAPI)
	mockLock := new(MockLockStrategy)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{sqsRecord("msg-dup", "payload")},
	}, nil).Once()
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(&sqs.ReceiveMessageOutput{}, nil)

	mockLock.On("SoftLock", mock.Anything, "msg-dup").Return(false, nil)
	mockLock.On("Reap", mock.Anything).Return(nil)

	mockSQS.On("ChangeMessageVisibility", mock.Anything, mock.MatchedBy(func(input *sqs.ChangeMessageVisibilityInput) bool {
		return aws.ToString(input.ReceiptHandle) == "rh-msg-dup" && input.VisibilityTimeout == 60
	})).Return(&sqs.ChangeMessageVisibilityOutput{}, nil)

	s := newTestSubscriber(t, mockSQS, SubscriberConfig{Lock: mockLock})

	handled := false
	err := s.Subscribe(ctx, func(context.Context, []byte, string) error {
		handled = true
		return nil
	})

	assert.NoError(t, err)
	assert.False(t, handled, "skipped message must not reach the handler")
	mockSQS.AssertNotCalled(t, "DeleteMessage", mock.Anything, mock.Anything)
	mockSQS.AssertExpectations(t)
	mockLock.AssertExpectations(t)
}

// the lock is advisory: when the strategy itself fails the message is still
// dispatched, and the failure is reported
func TestSubscribeDispatchesOnLockError(t *testing.T) {
	mockSQS := new(MockQueueAPI)
	mockLock := new(MockLockStrategy)
	collector := &errorCollector{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{sqsRecord("msg-001", "payload")},
	}, nil).Once()
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(&sqs.ReceiveMessageOutput{}, nil)
	mockSQS.On("DeleteMessage", mock.Anything, mock.Anything).Return(&sqs.DeleteMessageOutput{}, nil)

	mockLock.On("SoftLock", mock.Anything, "msg-001").Return(false, assert.AnError)
	mockLock.On("HardLock", mock.Anything, "msg-001").Return(nil)
	mockLock.On("SoftUnlock", mock.Anything, "msg-001").Return(nil)
	mockLock.On("Reap", mock.Anything).Return(nil)

	s := newTestSubscriber(t, mockSQS, SubscriberConfig{
		Lock:         mockLock,
		ErrorHandler: collector.collect,
	})

	handled := false
	err := s.Subscribe(ctx, func(context.Context, []byte, string) error {
		handled = true
		return nil
	})

	assert.NoError(t, err)
	assert.True(t, handled)

	reported := collector.all()
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], assert.AnError)
	mockLock.AssertExpectations(t)
}

func TestSubscribeHandlerTimeout(t *testing.T) {
	mockSQS := new(MockQueueAPI)
	mockLock := new(MockLockStrategy)
	collector := &errorCollector{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{sqsRecord("msg-slow", "payload")},
	}, nil).Once()
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(&sqs.ReceiveMessageOutput{}, nil)

	mockLock.On("SoftLock", mock.Anything, "msg-slow").Return(true, nil)
	mockLock.On("Reap", mock.Anything).Return(nil)

	s := newTestSubscriber(t, mockSQS, SubscriberConfig{
		Lock:         mockLock,
		Timeout:      20 * time.Millisecond,
		ErrorHandler: collector.collect,
	})

	err := s.Subscribe(ctx, func(context.Context, []byte, string) error {
		time.Sleep(150 * time.Millisecond)
		return nil
	})

	assert.NoError(t, err)

	reported := collector.all()
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], context.DeadlineExceeded)

	// a timed out message stays on the queue and keeps its soft lock
	mockSQS.AssertNotCalled(t, "DeleteMessage", mock.Anything, mock.Anything)
	mockLock.AssertNotCalled(t, "HardLock", mock.Anything, mock.Anything)
	mockLock.AssertNotCalled(t, "SoftUnlock", mock.Anything, mock.Anything)
}

func TestSubscribeHandlerPanicIsIsolated(t *testing.T) {
	mockSQS := new(MockQueueAPI)
	mockLock := new(MockLockStrategy)
	collector := &errorCollector{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{sqsRecord("msg-boom", "payload")},
	}, nil).Once()
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(&sqs.ReceiveMessageOutput{}, nil)

	mockLock.On("SoftLock", mock.Anything, "msg-boom").Return(true, nil)
	mockLock.On("Reap", mock.Anything).Return(nil)

	s := newTestSubscriber(t, mockSQS, SubscriberConfig{
		Lock:         mockLock,
		ErrorHandler: collector.collect,
	})

	err := s.Subscribe(ctx, func(context.Context, []byte, string) error {
		panic("kaboom")
	})

	assert.NoError(t, err)

	reported := collector.all()
	require.Len(t, reported, 1)
	assert.Contains(t, reported[0].Error(), "handler panic")
	mockSQS.AssertNotCalled(t, "DeleteMessage", mock.Anything, mock.Anything)
}

func TestSubscribeInvalidRecordIsReported(t *testing.T) {
	mockSQS := new(MockQueueAPI)
	mockLock := new(MockLockStrategy)
	collector := &errorCollector{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{{MessageId: aws.String("msg-bad")}},
	}, nil).Once()
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(&sqs.ReceiveMessageOutput{}, nil)

	mockLock.On("Reap", mock.Anything).Return(nil)

	s := newTestSubscriber(t, mockSQS, SubscriberConfig{
		Lock:         mockLock,
		ErrorHandler: collector.collect,
	})

	handled := false
	err := s.Subscribe(ctx, func(context.Context, []byte, string) error {
		handled = true
		return nil
	})

	assert.NoError(t, err)
	assert.False(t, handled)

	reported := collector.all()
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], ErrInvalidRecord)

	mockLock.AssertNotCalled(t, "SoftLock", mock.Anything, mock.Anything)
	mockLock.AssertCalled(t, "Reap", mock.Anything)
}

func TestSubscribeConnectionErrorStopsLoop(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			name: "queue does not exist",
			err:  &types.QueueDoesNotExist{Message: aws.String("no such queue")},
		},
		{
			name: "access denied",
			err:  &smithy.GenericAPIError{Code: "AccessDenied", Message: "not authorized"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockSQS := new(MockQueueAPI)
			mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(nil, tt.err)

			s := newTestSubscriber(t, mockSQS, SubscriberConfig{Lock: NoOpLock{}})

			err := s.Subscribe(context.Background(), func(context.Context, []byte, string) error { return nil })

			var subErr *SubscribeError
			require.ErrorAs(t, err, &subErr)
			assert.ErrorIs(t, err, tt.err)
			assert.Contains(t, err.Error(), "subscribe failed")
		})
	}
}

func TestSubscribeTransientReceiveErrorContinues(t *testing.T) {
	mockSQS := new(MockQueueAPI)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).
		Return(nil, &smithy.GenericAPIError{Code: "RequestThrottled", Message: "slow down"})

	s := newTestSubscriber(t, mockSQS, SubscriberConfig{Lock: NoOpLock{}})

	// cancel while the loop waits out the retry delay
	timer := time.AfterFunc(30*time.Millisecond, cancel)
	defer timer.Stop()

	err := s.Subscribe(ctx, func(context.Context, []byte, string) error { return nil })

	assert.NoError(t, err)
	mockSQS.AssertNumberOfCalls(t, "ReceiveMessage", 1)
}

func TestSubscribePooledMode(t *testing.T) {
	mockSQS := new(MockQueueAPI)
	deleted := make(chan struct{}, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{
			sqsRecord("msg-a", "payload-a"),
			sqsRecord("msg-b", "payload-b"),
			sqsRecord("msg-c", "payload-c"),
		},
	}, nil).Once()
	// the loop keeps receiving while the workers run; hold the next receive
	// open until every message is processed, then stop
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			for i := 0; i < 3; i++ {
				<-deleted
			}
			cancel()
		}).
		Return(&sqs.ReceiveMessageOutput{}, nil)
	mockSQS.On("DeleteMessage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { deleted <- struct{}{} }).
		Return(&sqs.DeleteMessageOutput{}, nil)

	s := newTestSubscriber(t, mockSQS, SubscriberConfig{
		Mode:     DispatchPooled,
		PoolSize: 2,
		Lock:     NewMemoryLock(0, 0),
	})

	var mu sync.Mutex
	var handled []string
	err := s.Subscribe(ctx, func(ctx context.Context, body []byte, topic string) error {
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, string(body))
		return nil
	})

	assert.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"payload-a", "payload-b", "payload-c"}, handled)
	mockSQS.AssertNumberOfCalls(t, "DeleteMessage", 3)
}

func TestSubscribeBatchModeWaitsBetweenBatches(t *testing.T) {
	mockSQS := new(MockQueueAPI)
	events := &eventLog{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{
			sqsRecord("msg-a", "payload-a"),
			sqsRecord("msg-b", "payload-b"),
		},
	}, nil).Once()
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			events.add("receive-2")
			cancel()
		}).
		Return(&sqs.ReceiveMessageOutput{}, nil)
	mockSQS.On("DeleteMessage", mock.Anything, mock.Anything).Return(&sqs.DeleteMessageOutput{}, nil)

	s := newTestSubscriber(t, mockSQS, SubscriberConfig{
		Mode:     DispatchBatch,
		PoolSize: 2,
		Lock:     NewMemoryLock(0, 0),
	})

	err := s.Subscribe(ctx, func(ctx context.Context, body []byte, topic string) error {
		time.Sleep(20 * time.Millisecond)
		events.add("handled:" + string(body))
		return nil
	})

	assert.NoError(t, err)

	// the whole batch finishes before the next receive happens
	all := events.all()
	require.Len(t, all, 3)
	assert.ElementsMatch(t, []string{"handled:payload-a", "handled:payload-b"}, all[:2])
	assert.Equal(t, "receive-2", all[2])
}

func TestLogQueueStats(t *testing.T) {
	mockSQS := new(MockQueueAPI)

	mockSQS.On("GetQueueAttributes", mock.Anything, mock.MatchedBy(func(input *sqs.GetQueueAttributesInput) bool {
		return aws.ToString(input.QueueUrl) == testQueueURL && len(input.AttributeNames) == 3
	})).Return(&sqs.GetQueueAttributesOutput{
		Attributes: map[string]string{
			string(types.QueueAttributeNameApproximateNumberOfMessages):           "42",
			string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible): "7",
			string(types.QueueAttributeNameApproximateNumberOfMessagesDelayed):    "0",
		},
	}, nil)

	s := newTestSubscriber(t, mockSQS, SubscriberConfig{})
	s.logQueueStats(context.Background())

	mockSQS.AssertExpectations(t)
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{name: "queue does not exist", err: &types.QueueDoesNotExist{}, fatal: true},
		{name: "access denied", err: &smithy.GenericAPIError{Code: "AccessDenied"}, fatal: true},
		{name: "invalid address", err: &smithy.GenericAPIError{Code: "InvalidAddress"}, fatal: true},
		{name: "expired token", err: &smithy.GenericAPIError{Code: "ExpiredToken"}, fatal: true},
		{name: "throttling", err: &smithy.GenericAPIError{Code: "RequestThrottled"}, fatal: false},
		{name: "internal error", err: &smithy.GenericAPIError{Code: "InternalError"}, fatal: false},
		{name: "no service response", err: errors.New("dial tcp: connection refused"), fatal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, isConnectionError(tt.err))
		})
	}
}

func TestParseDispatchMode(t *testing.T) {
	for name, want := range map[string]DispatchMode{
		"inline": DispatchInline,
		"pooled": DispatchPooled,
		"batch":  DispatchBatch,
	} {
		mode, err := ParseDispatchMode(name)
		assert.NoError(t, err)
		assert.Equal(t, want, mode)
		assert.Equal(t, name, mode.String())
	}

	_, err := ParseDispatchMode("forked")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
