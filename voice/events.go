package voice

import (
	"github.com/relayvoice/relayvoice/discord"
	"github.com/relayvoice/relayvoice/voice/aead"
	"github.com/relayvoice/relayvoice/voice/demux"
)

// Event is anything dispatched to Session.Handler: the events of this package
// and, passed through unchanged, the events of package voicegateway.
type Event interface{}

// ReadyEvent is dispatched once the session can send and receive media, after
// joining and after every full reconnect.
type ReadyEvent struct {
	SSRC uint32
	Mode aead.Mode
	// Reconnected is true if the session was connected before.
	Reconnected bool
}

// DisconnectEvent is dispatched once the session disconnected. Err is nil if
// it left on request.
type DisconnectEvent struct {
	Err error
}

// ErrorEvent reports a terminal session failure or a failure of the active
// dispatcher of a media kind. Err is a *failure.Error.
type ErrorEvent struct {
	Err error
}

// DebugEvent carries a diagnostic that doesn't affect the session, such as a
// failure of a dispatcher that was already replaced.
type DebugEvent struct {
	Message string
	Err     error
}

// StateEvent is dispatched on every state change.
type StateEvent struct {
	From, To State
}

// SpeakingEvent is dispatched when a remote user starts or stops sending
// audio. It is derived from received packets, unlike
// voicegateway.SpeakingEvent.
type SpeakingEvent struct {
	UserID   discord.UserID
	SSRC     uint32
	Speaking bool
}

// StreamEvent is dispatched when a new audio stream of a remote user opens.
type StreamEvent struct {
	Stream *demux.Stream
}

// PacketEvent is dispatched for every received audio packet if
// ReceiveOptions.DispatchPackets is set.
type PacketEvent struct {
	demux.Packet
}

// ReceiveErrorEvent reports a received packet that couldn't be used. It never
// ends the session.
type ReceiveErrorEvent struct {
	UserID discord.UserID
	SSRC   uint32
	Err    error
}
