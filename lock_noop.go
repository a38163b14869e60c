package circuitry

import "context"

// NoOpLock is a LockStrategy that grants every lock and records nothing.
// Use it when handlers are fully idempotent and duplicate work is acceptable.
type NoOpLock struct{}

func (NoOpLock) SoftLock(context.Context, string) (bool, error) { return true, nil }

func (NoOpLock) HardLock(context.Context, string) error { return nil }

func (NoOpLock) SoftUnlock(context.Context, string) error { return nil }

func (NoOpLock) Reap(context.Context) error { return nil }
