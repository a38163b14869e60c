package circuitry

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DispatchMode selects how received messages are handed to the handler.
type DispatchMode int

const (
	// DispatchInline runs handlers on the receive loop goroutine, one
	// message at a time.
	DispatchInline DispatchMode = iota

	// DispatchPooled hands messages to a worker pool and keeps receiving
	// while they run. Receiving pauses only when the pool backlog fills.
	DispatchPooled

	// DispatchBatch hands messages to a worker pool but waits for the
	// whole batch to finish before receiving again.
	DispatchBatch
)

func (m DispatchMode) String() string {
	switch m {
	case DispatchInline:
		return "inline"
	case DispatchPooled:
		return "pooled"
	case DispatchBatch:
		return "batch"
	default:
		return fmt.Sprintf("DispatchMode(%d)", int(m))
	}
}

// ParseDispatchMode maps a mode name from config or a CLI flag to its
// DispatchMode.
func ParseDispatchMode(s string) (DispatchMode, error) {
	switch s {
	case "inline":
		return DispatchInline, nil
	case "pooled":
		return DispatchPooled, nil
	case "batch":
		return DispatchBatch, nil
	default:
		return 0, fmt.Errorf("%w: unknown dispatch mode %q", ErrInvalidConfig, s)
	}
}

const (
	// DefaultBatchSize is the SQS maximum for one receive call.
	DefaultBatchSize = 10

	// DefaultWaitTime is the SQS maximum long poll duration.
	DefaultWaitTime = 20 * time.Second

	// DefaultTimeout bounds a single handler invocation.
	DefaultTimeout = 15 * time.Second

	// DefaultPoolSize is the worker count for pooled and batch modes.
	DefaultPoolSize = 10
)

const (
	maxBatchSize = 10
	maxWaitTime  = 20 * time.Second

	// delay before retrying after a transient receive failure
	receiveRetryDelay = 5 * time.Second

	// how far to push back a message we skipped because another consumer
	// holds its lock
	skipVisibilityTimeout = 60 * time.Second
)

// SubscriberConfig configures a Subscriber. The zero value of every field
// except QueueURL is usable; zero values fall back to the defaults above, a
// process-local MemoryLock and the global zerolog logger.
type SubscriberConfig struct {
	// QueueURL is the full URL of the SQS queue to consume. Leaving it
	// empty makes Subscribe log a warning and return without polling.
	QueueURL string

	// BatchSize is how many messages one receive call may return, 1 to 10.
	BatchSize int32

	// WaitTime is the long poll duration for each receive call, up to 20s.
	WaitTime time.Duration

	// Timeout bounds each handler invocation.
	Timeout time.Duration

	// Mode selects inline, pooled or batch dispatch.
	Mode DispatchMode

	// PoolSize is the worker count for pooled and batch modes.
	PoolSize int

	// Lock tracks in-flight and completed message ids.
	Lock LockStrategy

	// ErrorHandler, when set, receives every per-message failure. It runs
	// on whichever goroutine processed the message.
	ErrorHandler func(error)

	// Logger overrides the global zerolog logger.
	Logger *zerolog.Logger

	// ReceiveRate caps receive calls per second. Zero means no cap.
	ReceiveRate rate.Limit

	// ReceiveBurst is the rate limiter burst, used only with ReceiveRate.
	ReceiveBurst int

	// StatsInterval enables periodic queue depth logging when positive.
	StatsInterval time.Duration
}

func (c *SubscriberConfig) validate() error {
	if c.BatchSize < 0 || c.BatchSize > maxBatchSize {
		return fmt.Errorf("%w: batch size %d out of range 1..%d", ErrInvalidConfig, c.BatchSize, maxBatchSize)
	}
	if c.WaitTime < 0 || c.WaitTime > maxWaitTime {
		return fmt.Errorf("%w: wait time %s out of range 0..%s", ErrInvalidConfig, c.WaitTime, maxWaitTime)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout %s", ErrInvalidConfig, c.Timeout)
	}
	if c.Mode != DispatchInline && c.Mode != DispatchPooled && c.Mode != DispatchBatch {
		return fmt.Errorf("%w: unknown dispatch mode %d", ErrInvalidConfig, int(c.Mode))
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("%w: negative pool size %d", ErrInvalidConfig, c.PoolSize)
	}
	if c.ReceiveRate < 0 {
		return fmt.Errorf("%w: negative receive rate %v", ErrInvalidConfig, c.ReceiveRate)
	}
	if c.ReceiveBurst < 0 {
		return fmt.Errorf("%w: negative receive burst %d", ErrInvalidConfig, c.ReceiveBurst)
	}
	if c.StatsInterval < 0 {
		return fmt.Errorf("%w: negative stats interval %s", ErrInvalidConfig, c.StatsInterval)
	}
	return nil
}

func (c *SubscriberConfig) applyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.WaitTime == 0 {
		c.WaitTime = DefaultWaitTime
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.Lock == nil {
		c.Lock = NewMemoryLock(0, 0)
	}
	if c.ReceiveRate > 0 && c.ReceiveBurst == 0 {
		c.ReceiveBurst = 1
	}
}
