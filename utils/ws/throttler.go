package ws

import (
	"time"

	"golang.org/x/time/rate"
)

// SendBurst determines the number of gateway commands that can be sent all at
// once before being throttled.
var SendBurst = 5

// NewSendLimiter returns a rate limiter for throttling gateway commands.
func NewSendLimiter() *rate.Limiter {
	const perMinute = 120
	return rate.NewLimiter(
		rate.Every(time.Minute/(perMinute-time.Duration(SendBurst))),
		SendBurst,
	)
}

// DialInterval is the minimum duration between two dials. Tests lower it.
var DialInterval = time.Second

// NewDialLimiter returns a rate limiter for throttling new gateway connections.
func NewDialLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(DialInterval), 1)
}
