package circuitry

import (
	"context"
	"sync"
	"time"
)

// MemoryLock is an in-process LockStrategy. It only guards against duplicate
// work within a single consumer process; use the redis or postgres strategies
// when multiple consumers share a queue.
type MemoryLock struct {
	mu        sync.Mutex
	ttl       time.Duration
	retention time.Duration
	soft      map[string]time.Time
	hard      map[string]time.Time
}

// NewMemoryLock creates an in-memory lock strategy. Zero durations fall back
// to DefaultSoftLockTTL and DefaultHardLockRetention.
func NewMemoryLock(ttl, retention time.Duration) *MemoryLock {
	if ttl <= 0 {
		ttl = DefaultSoftLockTTL
	}
	if retention <= 0 {
		retention = DefaultHardLockRetention
	}
	return &MemoryLock{
		ttl:       ttl,
		retention: retention,
		soft:      make(map[string]time.Time),
		hard:      make(map[string]time.Time),
	}
}

func (l *MemoryLock) SoftLock(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, done := l.hard[id]; done {
		return false, nil
	}
	if lockedAt, ok := l.soft[id]; ok && time.Since(lockedAt) < l.ttl {
		return false, nil
	}
	l.soft[id] = time.Now()
	return true, nil
}

func (l *MemoryLock) HardLock(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, done := l.hard[id]; !done {
		l.hard[id] = time.Now()
	}
	return nil
}

func (l *MemoryLock) SoftUnlock(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.soft, id)
	return nil
}

func (l *MemoryLock) Reap(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for id, lockedAt := range l.soft {
		if now.Sub(lockedAt) >= l.ttl {
			delete(l.soft, id)
		}
	}
	for id, completedAt := range l.hard {
		if now.Sub(completedAt) >= l.retention {
			delete(l.hard, id)
		}
	}
	return nil
}
