// Package moreatomic holds synchronization primitives missing from sync.
package moreatomic

import "context"

// CtxMutex is a mutex whose Lock can be abandoned through a context.
type CtxMutex struct {
	mut chan struct{}
}

// NewCtxMutex creates an unlocked CtxMutex.
func NewCtxMutex() *CtxMutex {
	return &CtxMutex{mut: make(chan struct{}, 1)}
}

// Lock acquires the mutex or returns the context's error.
func (m *CtxMutex) Lock(ctx context.Context) error {
	select {
	case m.mut <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock acquires the mutex if it is free and reports whether it did.
func (m *CtxMutex) TryLock() bool {
	select {
	case m.mut <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the mutex. It panics if the mutex isn't locked.
func (m *CtxMutex) Unlock() {
	select {
	case <-m.mut:
	default:
		panic("moreatomic: unlock of unlocked CtxMutex")
	}
}
