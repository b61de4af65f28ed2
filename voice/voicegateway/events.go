package voicegateway

import (
	"net"
	"strconv"

	"github.com/relayvoice/relayvoice/discord"
	"github.com/relayvoice/relayvoice/utils/ws"
)

// ReadyEvent is an event for Op 2.
//
// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-websocket-connection-example-voice-ready-payload
type ReadyEvent struct {
	SSRC    uint32       `json:"ssrc"`
	IP      string       `json:"ip"`
	Port    int          `json:"port"`
	Modes   []string     `json:"modes"`
	Streams []StreamInfo `json:"streams,omitempty"`

	// From Discord's API Docs:
	//
	// `heartbeat_interval` here is an erroneous field and should be ignored.
	// The correct `heartbeat_interval` value comes from the Hello payload.
}

// Addr formats the URL-style address of the relay's UDP endpoint.
func (r ReadyEvent) Addr() string {
	return net.JoinHostPort(r.IP, strconv.Itoa(r.Port))
}

// SessionDescriptionEvent is an event for Op 4.
//
// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-udp-connection-example-session-description-payload
type SessionDescriptionEvent struct {
	Mode       string   `json:"mode"`
	SecretKey  [32]byte `json:"secret_key"`
	AudioCodec string   `json:"audio_codec,omitempty"`
	VideoCodec string   `json:"video_codec,omitempty"`
}

// SpeakingEvent is an event for Op 5.
type SpeakingEvent struct {
	UserID   discord.UserID `json:"user_id"`
	SSRC     uint32         `json:"ssrc"`
	Speaking SpeakingFlag   `json:"speaking"`
}

// HeartbeatAckEvent is an event for Op 6.
//
// https://discord.com/developers/docs/topics/voice-connections#heartbeating-example-heartbeat-ack-payload-since-v8
type HeartbeatAckEvent struct {
	Nonce int64 `json:"t"`
}

// HelloEvent is an event for Op 8.
//
// https://discord.com/developers/docs/topics/voice-connections#heartbeating-example-hello-payload
type HelloEvent struct {
	HeartbeatInterval discord.Milliseconds `json:"heartbeat_interval"`
}

// ResumedEvent is an event for Op 9.
//
// https://discord.com/developers/docs/topics/voice-connections#resuming-voice-connection-example-resumed-payload
type ResumedEvent struct{}

// ClientConnectEvent is an event for Op 11.
type ClientConnectEvent struct {
	UserIDs []discord.UserID `json:"user_ids"`
}

// VideoEvent is an event for Op 12. It announces the SSRCs of another user's
// streams. A zero VideoSSRC means the user stopped sending video.
type VideoEvent struct {
	UserID    discord.UserID `json:"user_id"`
	AudioSSRC uint32         `json:"audio_ssrc"`
	VideoSSRC uint32         `json:"video_ssrc"`
	RTXSSRC   uint32         `json:"rtx_ssrc,omitempty"`
	Streams   []StreamInfo   `json:"streams,omitempty"`
}

// ClientDisconnectEvent is an event for Op 13.
//
// Undocumented, existence mentioned in below issue
// https://github.com/discord/discord-api-docs/issues/510
type ClientDisconnectEvent struct {
	UserID discord.UserID `json:"user_id"`
}

func (*ReadyEvent) Op() ws.OpCode              { return ReadyOp }
func (*SessionDescriptionEvent) Op() ws.OpCode { return SessionDescriptionOp }
func (*SpeakingEvent) Op() ws.OpCode           { return SpeakingOp }
func (*HeartbeatAckEvent) Op() ws.OpCode       { return HeartbeatAckOp }
func (*HelloEvent) Op() ws.OpCode              { return HelloOp }
func (*ResumedEvent) Op() ws.OpCode            { return ResumedOp }
func (*ClientConnectEvent) Op() ws.OpCode      { return ClientConnectOp }
func (*VideoEvent) Op() ws.OpCode              { return VideoOp }
func (*ClientDisconnectEvent) Op() ws.OpCode   { return ClientDisconnectOp }

func (*ReadyEvent) EventType() ws.EventType              { return "" }
func (*SessionDescriptionEvent) EventType() ws.EventType { return "" }
func (*SpeakingEvent) EventType() ws.EventType           { return "" }
func (*HeartbeatAckEvent) EventType() ws.EventType       { return "" }
func (*HelloEvent) EventType() ws.EventType              { return "" }
func (*ResumedEvent) EventType() ws.EventType            { return "" }
func (*ClientConnectEvent) EventType() ws.EventType      { return "" }
func (*VideoEvent) EventType() ws.EventType              { return "" }
func (*ClientDisconnectEvent) EventType() ws.EventType   { return "" }
