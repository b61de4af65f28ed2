// Package handler distributes session events to callbacks and channels.
//
// # Usage
//
// A Handlers[T] is created with New. Typed callbacks are attached with Add or
// AddSynchronous; any dispatched event that isn't assignable to the callback's
// argument type is skipped:
//
//	h := handler.New[voice.Event]()
//	rm := handler.Add(h, func(ev *voice.SpeakingEvent) { ... })
//	defer rm()
package handler

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/atomic"
)

// Dispatcher is an interface for dispatching events.
type Dispatcher[T any] interface {
	// Dispatch dispatches all handlers with the given event. Synchronous
	// handlers are called before Dispatch returns.
	Dispatch(ev T)
}

// Handler is an interface for adding callbacks and channels.
type Handler[T any] interface {
	// HandleCallback adds a callback function that is called in its own
	// goroutine on every dispatched event. It returns a function that removes
	// the callback.
	HandleCallback(fn func(T)) (rm func())
	// HandleSynchronousCallback is like HandleCallback, but the callback is
	// called synchronously. Use this only for non-blocking operations.
	HandleSynchronousCallback(fn func(T)) (rm func())
	// HandleChannel adds the given channel to receive dispatched events. Sends
	// happen in the background and are abandoned once rm is called. The
	// channel must never be closed by the caller.
	HandleChannel(ch chan<- T) (rm func())
}

// Add adds a typed callback that is called asynchronously for every event
// assignable to EventT.
func Add[HandlerT, EventT any](h Handler[HandlerT], fn func(EventT)) (rm func()) {
	return h.HandleSynchronousCallback(func(ev HandlerT) {
		if e, ok := any(ev).(EventT); ok {
			go fn(e)
		}
	})
}

// AddSynchronous is like Add, but the callback is dispatched synchronously.
func AddSynchronous[HandlerT, EventT any](h Handler[HandlerT], fn func(EventT)) (rm func()) {
	return h.HandleSynchronousCallback(func(ev HandlerT) {
		if e, ok := any(ev).(EventT); ok {
			fn(e)
		}
	})
}

// Expect returns a function that blocks until an event of type EventT for
// which fn returns true is dispatched. The handler is registered immediately,
// so events dispatched between the call to Expect and the call to the returned
// function are not missed.
func Expect[HandlerT, EventT any](h Handler[HandlerT], fn func(EventT) bool) func(context.Context) (EventT, error) {
	out := make(chan EventT, 1)
	var done atomic.Bool

	rm := h.HandleSynchronousCallback(func(ev HandlerT) {
		v, ok := any(ev).(EventT)
		if !ok || !fn(v) || !done.CompareAndSwap(false, true) {
			return
		}
		out <- v
	})

	return func(ctx context.Context) (EventT, error) {
		defer rm()

		select {
		case <-ctx.Done():
			var z EventT
			return z, ctx.Err()
		case v := <-out:
			return v, nil
		}
	}
}

// Handlers is a container for event handlers. Use New to construct one.
type Handlers[T any] struct {
	mutex   sync.RWMutex
	callers map[uint64]caller[T]
	order   []uint64
	serial  uint64
}

var (
	_ Dispatcher[struct{}] = (*Handlers[struct{}])(nil)
	_ Handler[struct{}]    = (*Handlers[struct{}])(nil)
)

// New constructs an empty Handlers.
func New[T any]() *Handlers[T] {
	return &Handlers[T]{callers: make(map[uint64]caller[T])}
}

// Dispatch implements Dispatcher. Handlers are called in insertion order.
func (h *Handlers[T]) Dispatch(ev T) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for _, id := range h.order {
		h.callers[id].Call(ev)
	}
}

// HandleCallback implements Handler.
func (h *Handlers[T]) HandleCallback(fn func(T)) (rm func()) {
	return h.add(callback[T]{fn: fn, async: true})
}

// HandleSynchronousCallback implements Handler.
func (h *Handlers[T]) HandleSynchronousCallback(fn func(T)) (rm func()) {
	return h.add(callback[T]{fn: fn})
}

// HandleChannel implements Handler.
func (h *Handlers[T]) HandleChannel(ch chan<- T) (rm func()) {
	return h.add(channel[T]{ch: ch, close: make(chan struct{})})
}

// Len returns the number of registered handlers.
func (h *Handlers[T]) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return len(h.order)
}

func (h *Handlers[T]) add(c caller[T]) (rm func()) {
	h.mutex.Lock()
	h.serial++
	id := h.serial
	h.callers[id] = c
	h.order = append(h.order, id)
	h.mutex.Unlock()

	var gone atomic.Bool

	return func() {
		if !gone.CompareAndSwap(false, true) {
			return
		}

		h.mutex.Lock()
		delete(h.callers, id)
		i := sort.Search(len(h.order), func(i int) bool { return h.order[i] >= id })
		h.order = append(h.order[:i], h.order[i+1:]...)
		h.mutex.Unlock()

		c.Close()
	}
}

type caller[T any] interface {
	Call(T)
	Close()
}

type callback[T any] struct {
	fn    func(T)
	async bool
}

func (c callback[T]) Call(v T) {
	if c.async {
		go c.fn(v)
	} else {
		c.fn(v)
	}
}

func (c callback[T]) Close() {}

type channel[T any] struct {
	ch    chan<- T
	close chan struct{}
}

func (c channel[T]) Call(v T) {
	select {
	case <-c.close:
		return
	default:
	}

	go func() {
		select {
		case c.ch <- v:
		case <-c.close:
		}
	}()
}

func (c channel[T]) Close() { close(c.close) }
