package circuitry

import (
	"context"
	"time"
)

const (
	// DefaultSoftLockTTL is how long a soft lock marks a message as in
	// flight before Reap may clear it.
	DefaultSoftLockTTL = 5 * time.Minute

	// DefaultHardLockRetention is how long a hard lock suppresses
	// redeliveries of a completed message. Keep it at or above the queue's
	// message retention period.
	DefaultHardLockRetention = 24 * time.Hour
)

// LockStrategy tracks which message ids are in flight and which have already
// completed, so concurrent consumers and at-least-once redelivery do not run
// the same message twice. Implementations must be safe for concurrent use.
//
// Soft locks are advisory in-flight markers with a TTL; hard locks are
// terminal completion markers kept for the retention window.
type LockStrategy interface {
	// SoftLock marks id as in flight and reports whether the lock was
	// acquired. It returns false when the id is already soft locked by a
	// live lock or is hard locked.
	SoftLock(ctx context.Context, id string) (bool, error)

	// HardLock marks id as processed for the retention window. Idempotent.
	HardLock(ctx context.Context, id string) error

	// SoftUnlock clears the in-flight marker for id. Clearing an id that
	// is not locked is not an error.
	SoftUnlock(ctx context.Context, id string) error

	// Reap clears soft locks older than the TTL so messages abandoned by
	// a crashed consumer become lockable again. Hard locks are never
	// reaped before their retention expires.
	Reap(ctx context.Context) error
}
