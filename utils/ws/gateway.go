package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/relayvoice/relayvoice/internal/lazytime"
	"github.com/relayvoice/relayvoice/utils/json"
)

// ErrReconnectExhausted is wrapped in the ConnectionError sent once the
// gateway has spent GatewayOpts.ReconnectAttempt dials without success.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ConnectionError is given to the user if the gateway fails to connect for any
// reason, including during an initial connection or a reconnection. To check
// for this error, use errors.As.
type ConnectionError struct {
	Err error
}

// Unwrap unwraps the ConnectionError.
func (err ConnectionError) Unwrap() error { return err.Err }

// Error formats the error.
func (err ConnectionError) Error() string {
	return fmt.Sprintf("error reconnecting: %s", err.Err)
}

// BackgroundErrorEvent describes an error that the gateway event loop might
// stumble upon while it's running.
type BackgroundErrorEvent struct {
	Err error
}

var _ Event = (*BackgroundErrorEvent)(nil)

// Unwrap returns err.Err.
func (err *BackgroundErrorEvent) Unwrap() error { return err.Err }

// Error formats the BackgroundErrorEvent.
func (err *BackgroundErrorEvent) Error() string {
	return "background gateway error: " + err.Err.Error()
}

// Op implements Event. It returns -1.
func (err *BackgroundErrorEvent) Op() OpCode { return -1 }

// EventType implements Event.
func (err *BackgroundErrorEvent) EventType() EventType {
	return "__ws.BackgroundErrorEvent"
}

// GatewayOpts describes the gateway event loop options.
type GatewayOpts struct {
	// ReconnectDelay determines the duration to idle after each failed retry.
	ReconnectDelay func(try int) time.Duration

	// FatalCloseCodes is a list of close codes that will cause the gateway to
	// exit out if it stumbles on one of these.
	FatalCloseCodes []int

	// DialTimeout is the timeout to wait for each websocket dial before failing
	// it and retrying. Zero means no timeout.
	DialTimeout time.Duration

	// ReconnectAttempt is the maximum number of dials made for one reconnect
	// before the whole gateway is aborted. Zero means unlimited.
	ReconnectAttempt int

	// AlwaysCloseGracefully, if true, will always make the Gateway send a
	// close frame once the context given to Connect is cancelled.
	AlwaysCloseGracefully bool
}

// LinearBackoff returns a ReconnectDelay function that waits base, then
// base+step, base+2*step and so on.
func LinearBackoff(base, step time.Duration) func(try int) time.Duration {
	return func(try int) time.Duration {
		return base + time.Duration(try)*step
	}
}

// DefaultGatewayOpts is the default event loop options.
var DefaultGatewayOpts = GatewayOpts{
	ReconnectDelay:        LinearBackoff(time.Second, 2*time.Second),
	ReconnectAttempt:      5,
	AlwaysCloseGracefully: true,
}

// ErrorIsFatalClose returns true if the error is a close event with one of
// opts.FatalCloseCodes.
func (opts GatewayOpts) ErrorIsFatalClose(err error) bool {
	var closeErr *CloseEvent
	if !errors.As(err, &closeErr) {
		return false
	}

	for _, code := range opts.FatalCloseCodes {
		if code == closeErr.Code {
			return true
		}
	}

	return false
}

// Handler describes a gateway handler. It governs the behavior of the gateway
// event loop.
type Handler interface {
	// OnOp is called by the gateway event loop on every new Op. If the returned
	// boolean is false, then the loop fatally exits.
	OnOp(context.Context, Op) (canContinue bool)
	// SendHeartbeat is called by the gateway event loop everytime a heartbeat
	// needs to be sent over.
	SendHeartbeat(context.Context)
	// Close closes the handler.
	Close() error
}

// Gateway is an abstracted concurrent event loop that keeps a websocket
// connected, reconnecting when asked to.
type Gateway struct {
	ws *Websocket

	reconnect chan struct{}
	heart     lazytime.Ticker
	srcOp     <-chan Op
	outer     outerState
	lastError error

	opts GatewayOpts
}

// outerState holds gateway state that the caller may change concurrently.
type outerState struct {
	sync.Mutex
	ch      chan Op
	started bool
}

// NewGateway creates a new Gateway. If opts is nil, then DefaultGatewayOpts is
// used.
func NewGateway(ws *Websocket, opts *GatewayOpts) *Gateway {
	if opts == nil {
		opts = &DefaultGatewayOpts
	}

	return &Gateway{
		ws:   ws,
		opts: *opts,
	}
}

// Opts returns a copy of the gateway options.
func (g *Gateway) Opts() *GatewayOpts {
	cpy := g.opts
	return &cpy
}

// Send encodes data as an Op and sends it to the Gateway.
func (g *Gateway) Send(ctx context.Context, data Event) error {
	op := Op{
		Code: data.Op(),
		Type: data.EventType(),
		Data: data,
	}

	WSDebug("sending command Op", op.Code)

	b, err := json.Marshal(op)
	if err != nil {
		return errors.Wrap(err, "failed to encode payload")
	}

	return g.ws.Send(ctx, b)
}

// HasStarted returns true if the gateway event loop is currently spinning.
func (g *Gateway) HasStarted() bool {
	g.outer.Lock()
	defer g.outer.Unlock()

	return g.outer.started
}

// Connect starts the background goroutine that tries its best to maintain a
// stable connection to the Websocket gateway. The returned channel is closed
// once the loop exits; LastError then tells why.
func (g *Gateway) Connect(ctx context.Context, h Handler) <-chan Op {
	g.outer.Lock()
	defer g.outer.Unlock()

	if !g.outer.started {
		g.outer.started = true
		g.outer.ch = make(chan Op, 1)
		go g.spin(ctx, h)
	}

	return g.outer.ch
}

// LastError returns the last error that the gateway has received. It must only
// be called after the channel returned by Connect is closed.
func (g *Gateway) LastError() error {
	g.outer.Lock()
	defer g.outer.Unlock()

	if g.outer.started {
		panic("ws: LastError called while Gateway is still running")
	}

	return g.lastError
}

func (g *Gateway) finalize(h Handler) {
	var err error

	if g.opts.AlwaysCloseGracefully {
		err = g.ws.CloseGracefully()
	} else {
		err = g.ws.Close()
	}

	if err != nil && !errors.Is(err, ErrWebsocketClosed) {
		WSError(errors.Wrap(err, "failed to finalize websocket"))
	}

	if err := h.Close(); err != nil {
		WSError(err)
	}

	g.heart.Stop()

	g.outer.Lock()
	close(g.outer.ch)
	g.outer.started = false
	g.outer.Unlock()
}

// QueueReconnect queues a reconnection in the gateway loop. It must only be
// called from within the event loop, i.e. from a Handler method.
func (g *Gateway) QueueReconnect() {
	select {
	case g.reconnect <- struct{}{}:
	default:
	}

	g.heart.Stop()
}

// ResetHeartbeat resets the heartbeat to be the given duration.
func (g *Gateway) ResetHeartbeat(d time.Duration) {
	g.heart.Reset(d)
}

// SendError sends the given error wrapped in a BackgroundErrorEvent into the
// event channel.
func (g *Gateway) SendError(err error) {
	event := &BackgroundErrorEvent{err}

	g.outer.ch <- Op{
		Code: event.Op(),
		Type: event.EventType(),
		Data: event,
	}
	g.lastError = err
}

func (g *Gateway) spin(ctx context.Context, h Handler) {
	defer g.finalize(h)

	var retryTimer lazytime.Timer
	defer retryTimer.Stop()

	g.reconnect = make(chan struct{}, 1)
	g.reconnect <- struct{}{}

	for {
		select {
		case <-ctx.Done():
			g.lastError = ctx.Err()
			return

		case op, ok := <-g.srcOp:
			if !ok {
				g.srcOp = nil
				continue
			}

			if data, isClose := op.Data.(*CloseEvent); isClose && g.opts.ErrorIsFatalClose(data) {
				g.outer.ch <- op
				g.lastError = data
				return
			}

			ok = h.OnOp(ctx, op)
			g.outer.ch <- op
			if !ok {
				if err, isErr := op.Data.(error); isErr {
					g.lastError = err
				}
				return
			}

			g.lastError = nil

		case <-g.heart.C:
			h.SendHeartbeat(ctx)

		case <-g.reconnect:
			if err := g.ws.Close(); err != nil && !errors.Is(err, ErrWebsocketClosed) {
				WSError(errors.Wrap(err, "error closing before reconnecting"))
			}

			g.srcOp = nil
			if !g.redial(ctx, &retryTimer) {
				return
			}
		}
	}
}

// redial dials until it succeeds, the context expires or the attempt ceiling
// is hit. It returns false if the loop must exit.
func (g *Gateway) redial(ctx context.Context, retryTimer *lazytime.Timer) bool {
	var err error

	for try := 0; g.opts.ReconnectAttempt == 0 || try < g.opts.ReconnectAttempt; try++ {
		dialCtx, cancel := ctx, context.CancelFunc(func() {})
		if g.opts.DialTimeout > 0 {
			dialCtx, cancel = context.WithTimeout(ctx, g.opts.DialTimeout)
		}

		g.srcOp, err = g.ws.Dial(dialCtx)
		cancel()

		if err == nil {
			return true
		}

		if ctx.Err() != nil {
			g.SendError(ConnectionError{ctx.Err()})
			return false
		}

		g.SendError(ConnectionError{err})

		retryTimer.Reset(g.opts.ReconnectDelay(try))
		if err := retryTimer.Wait(ctx); err != nil {
			g.SendError(ConnectionError{err})
			return false
		}
	}

	g.SendError(ConnectionError{errors.Wrapf(ErrReconnectExhausted, "last error: %v", err)})
	return false
}
