// Package heart keeps heartbeat bookkeeping for gateway connections.
package heart

import (
	"time"

	"go.uber.org/atomic"
)

// Pacemaker records when heartbeats are sent and acknowledged. It does not
// tick by itself; the owning event loop calls Beat on its own schedule.
type Pacemaker struct {
	// Heartrate is the interval announced by the server.
	Heartrate time.Duration

	sentBeat atomic.Int64
	echoBeat atomic.Int64
	nonce    atomic.Int64
}

// NewPacemaker creates a Pacemaker whose clocks start now.
func NewPacemaker(heartrate time.Duration) *Pacemaker {
	p := &Pacemaker{Heartrate: heartrate}
	now := time.Now().UnixNano()
	p.sentBeat.Store(now)
	p.echoBeat.Store(now)
	return p
}

// Beat marks a heartbeat as sent and returns its nonce, the send time in
// milliseconds.
func (p *Pacemaker) Beat() int64 {
	now := time.Now()
	p.sentBeat.Store(now.UnixNano())

	nonce := now.UnixMilli()
	p.nonce.Store(nonce)
	return nonce
}

// Echo marks the last heartbeat as acknowledged.
func (p *Pacemaker) Echo() {
	p.echoBeat.Store(time.Now().UnixNano())
}

// Nonce returns the nonce of the last sent heartbeat.
func (p *Pacemaker) Nonce() int64 { return p.nonce.Load() }

// Latency returns the round trip of the last acknowledged heartbeat. It is
// zero while a heartbeat is still in flight.
func (p *Pacemaker) Latency() time.Duration {
	d := p.echoBeat.Load() - p.sentBeat.Load()
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Dead returns true if no acknowledgement arrived for more than two
// heartbeat intervals.
func (p *Pacemaker) Dead() bool {
	return p.sentBeat.Load()-p.echoBeat.Load() > int64(p.Heartrate)*2
}
