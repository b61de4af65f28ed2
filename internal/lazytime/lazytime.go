// Package lazytime provides timers and tickers that are only allocated once
// they are first armed, so zero values are usable inside structs.
package lazytime

import (
	"context"
	"time"
)

// Timer is a lazily allocated time.Timer. The zero value is a stopped timer
// whose C blocks forever.
type Timer struct {
	C <-chan time.Time

	timer *time.Timer
}

// Reset stops and drains the timer, then arms it to fire after d.
func (t *Timer) Reset(d time.Duration) {
	if t.timer == nil {
		t.timer = time.NewTimer(d)
		t.C = t.timer.C
		return
	}

	t.Stop()
	t.timer.Reset(d)
}

// ResetAt arms the timer to fire at the given instant. An instant in the past
// fires immediately.
func (t *Timer) ResetAt(at time.Time) {
	t.Reset(time.Until(at))
}

// Stop stops the timer and drains it. It does nothing on an unused timer.
func (t *Timer) Stop() {
	if t.timer == nil {
		return
	}

	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
}

// Wait blocks until the timer fires or until the context expires.
func (t *Timer) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Ticker is a lazily allocated time.Ticker.
type Ticker struct {
	C <-chan time.Time

	ticker *time.Ticker
}

// Reset (re)starts the ticker with the period d.
func (t *Ticker) Reset(d time.Duration) {
	if t.ticker == nil {
		t.ticker = time.NewTicker(d)
		t.C = t.ticker.C
		return
	}

	t.ticker.Reset(d)
}

// Stop stops the ticker. It does nothing on an unused ticker.
func (t *Ticker) Stop() {
	if t.ticker != nil {
		t.ticker.Stop()
	}
}
