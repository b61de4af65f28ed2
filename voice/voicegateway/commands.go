package voicegateway

import (
	"github.com/relayvoice/relayvoice/discord"
	"github.com/relayvoice/relayvoice/utils/ws"
)

// IdentifyCommand is a command for Op 0.
//
// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-websocket-connection-example-voice-identify-payload
type IdentifyCommand struct {
	// ServerID is the guild ID, or the RTC server ID of a stream.
	ServerID  discord.Snowflake `json:"server_id"`
	UserID    discord.UserID    `json:"user_id"`
	SessionID string            `json:"session_id"`
	Token     string            `json:"token"`
	Video     bool              `json:"video,omitempty"`
	Streams   []StreamInfo      `json:"streams,omitempty"`
}

// SelectProtocolCommand is a command for Op 1.
//
// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-udp-connection-example-select-protocol-payload
type SelectProtocolCommand struct {
	Protocol string             `json:"protocol"`
	Data     SelectProtocolData `json:"data"`
	Codecs   []CodecInfo        `json:"codecs,omitempty"`
}

// SelectProtocolData is the transport part of a SelectProtocolCommand.
type SelectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

// CodecInfo announces a codec the client will send.
type CodecInfo struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Priority    int    `json:"priority"`
	PayloadType uint8  `json:"payload_type"`
	RTXType     uint8  `json:"rtx_payload_type,omitempty"`
}

// HeartbeatCommand is a command for Op 3.
//
// https://discord.com/developers/docs/topics/voice-connections#heartbeating-example-heartbeat-payload-since-v8
type HeartbeatCommand struct {
	Nonce  int64 `json:"t"`
	SeqAck int64 `json:"seq_ack"`
}

// SpeakingFlag describes the type of audio being sent.
//
// https://discord.com/developers/docs/topics/voice-connections#speaking
type SpeakingFlag uint64

const (
	Microphone SpeakingFlag = 1 << iota
	Soundshare
	Priority
)

// NotSpeaking clears all speaking flags.
const NotSpeaking SpeakingFlag = 0

// SpeakingCommand is a command for Op 5.
//
// https://discord.com/developers/docs/topics/voice-connections#speaking-example-speaking-payload
type SpeakingCommand struct {
	Speaking SpeakingFlag `json:"speaking"`
	Delay    int          `json:"delay"`
	SSRC     uint32       `json:"ssrc"`
}

// ResumeCommand is a command for Op 7.
//
// https://discord.com/developers/docs/topics/voice-connections#resuming-voice-connection-example-resume-connection-payload
type ResumeCommand struct {
	ServerID  discord.Snowflake `json:"server_id"`
	SessionID string            `json:"session_id"`
	Token     string            `json:"token"`
	SeqAck    int64             `json:"seq_ack"`
}

// VideoCommand is a command for Op 12. It announces the SSRCs of the client's
// video, or their absence.
type VideoCommand struct {
	AudioSSRC uint32       `json:"audio_ssrc"`
	VideoSSRC uint32       `json:"video_ssrc"`
	RTXSSRC   uint32       `json:"rtx_ssrc"`
	Streams   []StreamInfo `json:"streams"`
}

// StreamInfo describes one simulcast layer of a video stream.
type StreamInfo struct {
	Type          string      `json:"type"`
	RID           string      `json:"rid"`
	Quality       int         `json:"quality"`
	Active        bool        `json:"active"`
	MaxBitrate    int         `json:"max_bitrate,omitempty"`
	MaxFramerate  int         `json:"max_framerate,omitempty"`
	MaxResolution *Resolution `json:"max_resolution,omitempty"`
	SSRC          uint32      `json:"ssrc,omitempty"`
	RTXSSRC       uint32      `json:"rtx_ssrc,omitempty"`
}

// Resolution is a video resolution.
type Resolution struct {
	Type   string `json:"type"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (*IdentifyCommand) Op() ws.OpCode       { return IdentifyOp }
func (*SelectProtocolCommand) Op() ws.OpCode { return SelectProtocolOp }
func (*HeartbeatCommand) Op() ws.OpCode      { return HeartbeatOp }
func (*SpeakingCommand) Op() ws.OpCode       { return SpeakingOp }
func (*ResumeCommand) Op() ws.OpCode         { return ResumeOp }
func (*VideoCommand) Op() ws.OpCode          { return VideoOp }

func (*IdentifyCommand) EventType() ws.EventType       { return "" }
func (*SelectProtocolCommand) EventType() ws.EventType { return "" }
func (*HeartbeatCommand) EventType() ws.EventType      { return "" }
func (*SpeakingCommand) EventType() ws.EventType       { return "" }
func (*ResumeCommand) EventType() ws.EventType         { return "" }
func (*VideoCommand) EventType() ws.EventType          { return "" }
