package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const rwBufferSize = 1 << 14 // 16KB

// ErrWebsocketClosed is returned if the websocket is already closed.
var ErrWebsocketClosed = errors.New("websocket is closed")

// Connection is an interface that abstracts around a generic Websocket driver.
// The implementation doesn't have to be safe for concurrent use.
type Connection interface {
	// Dial dials the address. This method should also be re-usable after
	// Close is called.
	Dial(context.Context, string) (<-chan Op, error)
	// Send allows the caller to send bytes.
	Send(context.Context, []byte) error
	// Close closes the websocket connection. If gracefully is true, then the
	// implementation must send a close frame prior.
	Close(gracefully bool) error
}

// Conn is the default Websocket connection backed by gorilla/websocket.
type Conn struct {
	dialer websocket.Dialer
	codec  Codec

	conn *connMutex
	mut  sync.Mutex

	// CloseTimeout is the timeout for graceful closing. It's defaulted to 5s.
	CloseTimeout time.Duration
}

type connMutex struct {
	*websocket.Conn
	wrmut  chan struct{}
	cancel context.CancelFunc
}

var _ Connection = (*Conn)(nil)

// NewConn creates a new default websocket connection with a default dialer.
func NewConn(codec Codec) *Conn {
	return NewConnWithDialer(codec, websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   rwBufferSize,
		WriteBufferSize:  rwBufferSize,
	})
}

// NewConnWithDialer creates a new default websocket connection with a custom
// dialer.
func NewConnWithDialer(codec Codec, dialer websocket.Dialer) *Conn {
	return &Conn{
		dialer:       dialer,
		codec:        codec,
		CloseTimeout: 5 * time.Second,
	}
}

// Dial starts a new connection and returns the listening channel for it. If the
// websocket is already dialed, then the connection is closed first.
func (c *Conn) Dial(ctx context.Context, addr string) (<-chan Op, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.conn != nil {
		c.conn.close(c.CloseTimeout, false)
	}

	conn, _, err := c.dialer.DialContext(ctx, addr, c.codec.Headers)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial WS")
	}

	ctx, cancel := context.WithCancel(context.Background())

	events := make(chan Op, 1)
	go readLoop(ctx, conn, c.codec, events)

	c.conn = &connMutex{
		Conn:   conn,
		wrmut:  make(chan struct{}, 1),
		cancel: cancel,
	}

	return events, nil
}

// Close implements Connection.
func (c *Conn) Close(gracefully bool) error {
	c.mut.Lock()
	defer c.mut.Unlock()

	err := c.conn.close(c.CloseTimeout, gracefully)
	c.conn = nil
	return err
}

func (c *connMutex) close(timeout time.Duration, gracefully bool) error {
	if c == nil || c.Conn == nil {
		return ErrWebsocketClosed
	}

	if gracefully {
		deadline := time.Now().Add(timeout)

		select {
		case c.wrmut <- struct{}{}:
			c.SetWriteDeadline(deadline)

			WSDebug("Conn: graceful closing requested, sending close frame")

			if err := c.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			); err != nil {
				WSError(err)
			}

			<-c.wrmut

		case <-time.After(timeout):
			// Couldn't acquire the writer in time; close directly.
		}
	}

	err := c.Conn.Close()
	WSDebug("Conn: websocket closed, error:", err)

	c.Conn = nil
	c.cancel()

	return err
}

// Send implements Connection.
func (c *Conn) Send(ctx context.Context, b []byte) error {
	c.mut.Lock()
	conn := c.conn
	c.mut.Unlock()

	if conn == nil || conn.Conn == nil {
		return ErrWebsocketClosed
	}

	select {
	case conn.wrmut <- struct{}{}:
		defer func() { <-conn.wrmut }()

		if d, ok := ctx.Deadline(); ok {
			conn.SetWriteDeadline(d)
			defer conn.SetWriteDeadline(time.Time{})
		}

		return conn.WriteMessage(websocket.TextMessage, b)

	case <-ctx.Done():
		return ctx.Err()
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, codec Codec, opCh chan<- Op) {
	defer close(opCh)

	for {
		err := readOne(ctx, conn, codec, opCh)
		if err == nil {
			continue
		}

		WSDebug("Conn: fatal read error:", err)

		closeEv := &CloseEvent{Err: err, Code: -1}

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			closeEv.Code = closeErr.Code
			closeEv.Err = fmt.Errorf("%d %s", closeErr.Code, closeErr.Text)
		}

		send(ctx, opCh, Op{
			Code: closeEv.Op(),
			Type: closeEv.EventType(),
			Data: closeEv,
		})

		return
	}
}

func readOne(ctx context.Context, conn *websocket.Conn, codec Codec, opCh chan<- Op) error {
	t, r, err := conn.NextReader()
	if err != nil {
		return err
	}

	if t != websocket.TextMessage {
		// Binary frames carry end-to-end encryption negotiation, which this
		// client does not take part in.
		WSDebug("Conn: skipping non-text frame of type", t)
		return nil
	}

	return errors.Wrap(codec.DecodeInto(ctx, r, opCh), "error distributing event")
}
