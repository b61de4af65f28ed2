package ws

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// OpCode is the type for websocket Op codes. Op codes less than 0 are
// internal Op codes and should usually be ignored.
type OpCode int

// CloseEvent is an event that is given from the Conn when the websocket is
// closed.
type CloseEvent struct {
	// Err is the underlying error.
	Err error
	// Code is the websocket close code, if any. It is -1 otherwise.
	Code int
}

// Unwrap returns err.Err.
func (e *CloseEvent) Unwrap() error { return e.Err }

// Error formats the CloseEvent. A CloseEvent is also an error.
func (e *CloseEvent) Error() string {
	return fmt.Sprintf("websocket closed (code %d), reason: %s", e.Code, e.Err)
}

// Op implements Event. It returns -1.
func (e *CloseEvent) Op() OpCode { return -1 }

// EventType implements Event.
func (e *CloseEvent) EventType() EventType { return "__ws.CloseEvent" }

// EventType is a type for event types. The voice gateway does not name its
// events, so every voice event has an empty EventType.
type EventType string

// Event describes an Event data that comes from a gateway Operation.
type Event interface {
	Op() OpCode
	EventType() EventType
}

// OpFunc is a constructor function for an Operation.
type OpFunc func() Event

// OpUnmarshalers contains a map of event constructor functions.
type OpUnmarshalers struct {
	r map[opFuncID]OpFunc
}

type opFuncID struct {
	Op OpCode
	T  EventType
}

// NewOpUnmarshalers creates a new OpUnmarshalers instance from the given
// constructor functions.
func NewOpUnmarshalers(funcs ...OpFunc) OpUnmarshalers {
	m := OpUnmarshalers{r: make(map[opFuncID]OpFunc, len(funcs))}
	m.Add(funcs...)
	return m
}

// Add adds the given functions into the unmarshaler registry.
func (m OpUnmarshalers) Add(funcs ...OpFunc) {
	for _, fn := range funcs {
		ev := fn()
		m.r[opFuncID{ev.Op(), ev.EventType()}] = fn
	}
}

// Lookup searches the registry for the given constructor function.
func (m OpUnmarshalers) Lookup(op OpCode, t EventType) OpFunc {
	return m.r[opFuncID{op, t}]
}

// Op is a gateway Operation.
type Op struct {
	Code OpCode `json:"op"`
	Data Event  `json:"d,omitempty"`

	// Type is only for main gateway dispatch events.
	Type EventType `json:"t,omitempty"`
	// Sequence is the server message counter. Voice gateway v8 numbers its
	// messages through this field so heartbeats can acknowledge them.
	Sequence int64 `json:"seq,omitempty"`
}

// UnknownEventError is returned by the codec when an event is encountered that
// is not known. It is not a fatal error.
type UnknownEventError struct {
	Op   OpCode
	Type EventType
}

// Error formats the unknown event error to with the event name and payload
func (err UnknownEventError) Error() string {
	return fmt.Sprintf("unknown op %d, event %q", err.Op, err.Type)
}

// IsUnknownEvent returns true if the error is an UnknownEventError.
func IsUnknownEvent(err error) bool {
	var uevent UnknownEventError
	return errors.As(err, &uevent)
}

// ReadOp reads a single Op.
func ReadOp(ctx context.Context, ch <-chan Op) (Op, error) {
	select {
	case <-ctx.Done():
		return Op{}, ctx.Err()
	case op, ok := <-ch:
		if !ok {
			return Op{}, ErrWebsocketClosed
		}
		return op, nil
	}
}
