package handler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayvoice/relayvoice/utils/handler"
)

type event interface{ name() string }

type startEvent struct{ id int }
type stopEvent struct{ id int }

func (startEvent) name() string { return "start" }
func (stopEvent) name() string  { return "stop" }

func TestHandlersSynchronous(t *testing.T) {
	h := handler.New[event]()

	var got []event
	rm := h.HandleSynchronousCallback(func(ev event) { got = append(got, ev) })

	h.Dispatch(startEvent{1})
	h.Dispatch(stopEvent{1})
	assert.Equal(t, []event{startEvent{1}, stopEvent{1}}, got)

	rm()
	rm() // idempotent
	h.Dispatch(startEvent{2})
	assert.Len(t, got, 2, "callback dispatched after removal")
	assert.Equal(t, 0, h.Len())
}

func TestHandlersOrder(t *testing.T) {
	h := handler.New[event]()

	var order []int
	rms := make([]func(), 3)
	for i := range rms {
		i := i
		rms[i] = h.HandleSynchronousCallback(func(event) { order = append(order, i) })
	}

	rms[1]()
	h.Dispatch(startEvent{})
	assert.Equal(t, []int{0, 2}, order)
}

func TestAddTyped(t *testing.T) {
	h := handler.New[event]()

	var stops []stopEvent
	rm := handler.AddSynchronous(h, func(ev stopEvent) { stops = append(stops, ev) })
	defer rm()

	h.Dispatch(startEvent{1})
	h.Dispatch(stopEvent{2})
	assert.Equal(t, []stopEvent{{2}}, stops)

	async := make(chan startEvent, 1)
	rmAsync := handler.Add(h, func(ev startEvent) { async <- ev })
	defer rmAsync()

	h.Dispatch(startEvent{3})
	select {
	case ev := <-async:
		assert.Equal(t, 3, ev.id)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for async callback")
	}
}

func TestHandleChannel(t *testing.T) {
	h := handler.New[event]()

	ch := make(chan event)
	rm := h.HandleChannel(ch)

	h.Dispatch(startEvent{7})

	select {
	case ev := <-ch:
		assert.Equal(t, startEvent{7}, ev)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel event")
	}

	rm()
	h.Dispatch(startEvent{8})

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event after removal: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExpect(t *testing.T) {
	h := handler.New[event]()

	wait := handler.Expect(h, func(ev stopEvent) bool { return ev.id == 2 })

	h.Dispatch(stopEvent{1})
	h.Dispatch(startEvent{2})
	h.Dispatch(stopEvent{2})
	h.Dispatch(stopEvent{2})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, stopEvent{2}, ev)
	assert.Equal(t, 0, h.Len())
}

func TestExpectTimeout(t *testing.T) {
	h := handler.New[event]()

	wait := handler.Expect(h, func(stopEvent) bool { return true })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
