// Package ws provides abstractions around the Websocket, including rate
// limits and a reconnecting event loop.
package ws

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	// WSError is the default error handler.
	WSError = func(err error) { logrus.WithError(err).Error("gateway error") }
	// WSDebug is used for extra debug logging. This is expected to behave
	// similarly to log.Println().
	WSDebug = func(v ...interface{}) { logrus.Debugln(v...) }
)

// Websocket is a wrapper around a websocket Conn with thread safety and rate
// limiting for sending and dialing.
type Websocket struct {
	mutex sync.Mutex
	conn  Connection
	addr  string

	sendLimiter *rate.Limiter
	dialLimiter *rate.Limiter
}

// NewWebsocket creates a default Websocket with the given address.
func NewWebsocket(c Codec, addr string) *Websocket {
	return NewCustomWebsocket(NewConn(c), addr)
}

// NewCustomWebsocket creates a new undialed Websocket.
func NewCustomWebsocket(conn Connection, addr string) *Websocket {
	return &Websocket{
		conn:        conn,
		addr:        addr,
		sendLimiter: NewSendLimiter(),
		dialLimiter: NewDialLimiter(),
	}
}

// Addr returns the address the Websocket dials.
func (ws *Websocket) Addr() string { return ws.addr }

// Dial waits until the rate limiter allows then dials the websocket.
func (ws *Websocket) Dial(ctx context.Context) (<-chan Op, error) {
	if err := ws.dialLimiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to wait for dial rate limiter")
	}

	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	ws.sendLimiter = NewSendLimiter()

	return ws.conn.Dial(ctx, ws.addr)
}

// Send sends b over the Websocket once the send limiter allows it.
func (ws *Websocket) Send(ctx context.Context, b []byte) error {
	ws.mutex.Lock()
	sendLimiter := ws.sendLimiter
	conn := ws.conn
	ws.mutex.Unlock()

	if err := sendLimiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "send limiter failed")
	}

	return conn.Send(ctx, b)
}

// Close closes the websocket connection. It assumes that the Websocket is
// closed even when it returns an error. If the Websocket was already closed
// before, ErrWebsocketClosed will be returned.
func (ws *Websocket) Close() error {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	return ws.conn.Close(false)
}

// CloseGracefully is similar to Close, but a proper close frame is sent first,
// which voids any resume.
func (ws *Websocket) CloseGracefully() error {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	return ws.conn.Close(true)
}
