// Package failure defines the typed error surfaced by voice sessions for
// terminal and per-stream failures.
package failure

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind groups failures by the layer that produced them.
type Kind uint8

const (
	_ Kind = iota
	Auth
	Transport
	Signaling
	Codec
	Stream
	Decrypt
)

func (k Kind) String() string {
	switch k {
	case Auth:
		return "auth"
	case Transport:
		return "transport"
	case Signaling:
		return "signaling"
	case Codec:
		return "codec"
	case Stream:
		return "stream"
	case Decrypt:
		return "decrypt"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Reason is a stable, machine-readable failure identifier.
type Reason string

const (
	AuthTimeout        Reason = "AUTH_TIMEOUT"
	InvalidEndpoint    Reason = "INVALID_ENDPOINT"
	NotConnected       Reason = "NOT_CONNECTED"
	MalformedResponse  Reason = "MALFORMED_RESPONSE"
	SendFailed         Reason = "SEND_FAILED"
	UnsupportedMode    Reason = "UNSUPPORTED_MODE"
	ModeChanged        Reason = "MODE_CHANGED"
	ReconnectExhausted Reason = "RECONNECT_EXHAUSTED"
	SessionClosed      Reason = "SESSION_CLOSED"
	InvalidCodec       Reason = "INVALID_CODEC"
	InvalidContainer   Reason = "INVALID_CONTAINER"
	StreamError        Reason = "STREAM_ERROR"
	DecryptFailed      Reason = "DECRYPT_FAILED"
)

// Origin labels the component a stream error came from.
type Origin string

const (
	OriginEncoder    Origin = "encoder"
	OriginRelay      Origin = "relay"
	OriginPacketizer Origin = "packetizer"
	OriginDemuxer    Origin = "demuxer"
	OriginDecoder    Origin = "decoder"
)

// Error is a categorized failure.
type Error struct {
	Kind   Kind
	Reason Reason
	// Origin is only set for stream errors.
	Origin Origin
	Err    error
}

// New creates an Error wrapping err. err may be nil.
func New(kind Kind, reason Reason, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// Wrap is like New but also prefixes err with msg.
func Wrap(kind Kind, reason Reason, err error, msg string) *Error {
	if err == nil {
		err = errors.New(msg)
	} else {
		err = errors.Wrap(err, msg)
	}
	return New(kind, reason, err)
}

// StreamFailure relabels err as a stream error from the given origin. If err is
// already an *Error with an origin, it is returned unchanged.
func StreamFailure(origin Origin, err error) *Error {
	var ferr *Error
	if errors.As(err, &ferr) && ferr.Origin != "" {
		return ferr
	}
	return &Error{Kind: Stream, Reason: StreamError, Origin: origin, Err: err}
}

func (e *Error) Error() string {
	s := e.Kind.String() + " " + string(e.Reason)
	if e.Origin != "" {
		s += " (" + string(e.Origin) + ")"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Reason, so that
// errors.Is(err, &failure.Error{Reason: failure.AuthTimeout}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

// Is reports whether err carries the given reason anywhere in its chain.
func Is(err error, reason Reason) bool {
	return errors.Is(err, &Error{Reason: reason})
}

// ReasonOf returns the reason of the outermost *Error in err's chain, or an
// empty string.
func ReasonOf(err error) Reason {
	var ferr *Error
	if errors.As(err, &ferr) {
		return ferr.Reason
	}
	return ""
}
