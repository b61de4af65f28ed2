// Package gateway contains the main gateway commands and dispatch events that
// a voice session exchanges with its outer client. The outer client owns the
// main gateway connection; these types only describe the payloads.
package gateway

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/relayvoice/relayvoice/discord"
	"github.com/relayvoice/relayvoice/utils/ws"
)

// Main gateway op codes relevant to voice.
const (
	DispatchOp         ws.OpCode = 0
	VoiceStateUpdateOp ws.OpCode = 4
	StreamCreateOp     ws.OpCode = 18
	StreamDeleteOp     ws.OpCode = 19
	StreamSetPausedOp  ws.OpCode = 22
)

// OpUnmarshalers contains the dispatch events of this package, so a caller
// holding a main gateway stream can decode them with a ws.Codec.
var OpUnmarshalers = ws.NewOpUnmarshalers(
	func() ws.Event { return new(VoiceStateUpdateEvent) },
	func() ws.Event { return new(VoiceServerUpdateEvent) },
	func() ws.Event { return new(StreamCreateEvent) },
	func() ws.Event { return new(StreamServerUpdateEvent) },
	func() ws.Event { return new(StreamDeleteEvent) },
)

// UpdateVoiceStateCommand asks the main gateway to move the user into a voice
// channel. A null ChannelID leaves.
type UpdateVoiceStateCommand struct {
	GuildID   discord.GuildID   `json:"guild_id"`
	ChannelID discord.ChannelID `json:"channel_id"`
	SelfMute  bool              `json:"self_mute"`
	SelfDeaf  bool              `json:"self_deaf"`
	SelfVideo bool              `json:"self_video"`
}

// Op implements ws.Event.
func (*UpdateVoiceStateCommand) Op() ws.OpCode { return VoiceStateUpdateOp }

// EventType implements ws.Event.
func (*UpdateVoiceStateCommand) EventType() ws.EventType { return "" }

// StreamType is the kind of a Go Live stream.
type StreamType string

const (
	GuildStream StreamType = "guild"
	CallStream  StreamType = "call"
)

// StreamCreateCommand starts a Go Live stream in the current voice channel.
type StreamCreateCommand struct {
	Type            StreamType        `json:"type"`
	GuildID         discord.GuildID   `json:"guild_id"`
	ChannelID       discord.ChannelID `json:"channel_id"`
	PreferredRegion string            `json:"preferred_region,omitempty"`
}

// Op implements ws.Event.
func (*StreamCreateCommand) Op() ws.OpCode { return StreamCreateOp }

// EventType implements ws.Event.
func (*StreamCreateCommand) EventType() ws.EventType { return "" }

// StreamDeleteCommand ends a Go Live stream.
type StreamDeleteCommand struct {
	StreamKey StreamKey `json:"stream_key"`
}

// Op implements ws.Event.
func (*StreamDeleteCommand) Op() ws.OpCode { return StreamDeleteOp }

// EventType implements ws.Event.
func (*StreamDeleteCommand) EventType() ws.EventType { return "" }

// StreamSetPausedCommand marks a Go Live stream as paused for viewers.
type StreamSetPausedCommand struct {
	StreamKey StreamKey `json:"stream_key"`
	Paused    bool      `json:"paused"`
}

// Op implements ws.Event.
func (*StreamSetPausedCommand) Op() ws.OpCode { return StreamSetPausedOp }

// EventType implements ws.Event.
func (*StreamSetPausedCommand) EventType() ws.EventType { return "" }

// VoiceStateUpdateEvent is dispatched when a user's voice state changes. For
// the current user, it carries the voice session ID.
type VoiceStateUpdateEvent struct {
	GuildID   discord.GuildID   `json:"guild_id"`
	ChannelID discord.ChannelID `json:"channel_id"`
	UserID    discord.UserID    `json:"user_id"`
	SessionID string            `json:"session_id"`

	Deaf       bool `json:"deaf"`
	Mute       bool `json:"mute"`
	SelfDeaf   bool `json:"self_deaf"`
	SelfMute   bool `json:"self_mute"`
	SelfStream bool `json:"self_stream,omitempty"`
	SelfVideo  bool `json:"self_video"`
	Suppress   bool `json:"suppress"`
}

// Op implements ws.Event.
func (*VoiceStateUpdateEvent) Op() ws.OpCode { return DispatchOp }

// EventType implements ws.Event.
func (*VoiceStateUpdateEvent) EventType() ws.EventType { return "VOICE_STATE_UPDATE" }

// VoiceServerUpdateEvent is dispatched when a voice server is allocated or
// changes. A nil Endpoint means the server is unavailable for now.
type VoiceServerUpdateEvent struct {
	Token    string          `json:"token"`
	GuildID  discord.GuildID `json:"guild_id"`
	Endpoint *string         `json:"endpoint"`
}

// Op implements ws.Event.
func (*VoiceServerUpdateEvent) Op() ws.OpCode { return DispatchOp }

// EventType implements ws.Event.
func (*VoiceServerUpdateEvent) EventType() ws.EventType { return "VOICE_SERVER_UPDATE" }

// StreamCreateEvent is dispatched once a Go Live stream has been allocated.
type StreamCreateEvent struct {
	StreamKey   StreamKey `json:"stream_key"`
	RTCServerID string    `json:"rtc_server_id"`
	Paused      bool      `json:"paused"`
	Region      string    `json:"region,omitempty"`
}

// Op implements ws.Event.
func (*StreamCreateEvent) Op() ws.OpCode { return DispatchOp }

// EventType implements ws.Event.
func (*StreamCreateEvent) EventType() ws.EventType { return "STREAM_CREATE" }

// StreamServerUpdateEvent carries the media server credentials of a Go Live
// stream.
type StreamServerUpdateEvent struct {
	StreamKey StreamKey `json:"stream_key"`
	Token     string    `json:"token"`
	Endpoint  string    `json:"endpoint"`
}

// Op implements ws.Event.
func (*StreamServerUpdateEvent) Op() ws.OpCode { return DispatchOp }

// EventType implements ws.Event.
func (*StreamServerUpdateEvent) EventType() ws.EventType { return "STREAM_SERVER_UPDATE" }

// StreamDeleteEvent is dispatched when a Go Live stream ends.
type StreamDeleteEvent struct {
	StreamKey   StreamKey `json:"stream_key"`
	Reason      string    `json:"reason,omitempty"`
	Unavailable bool      `json:"unavailable,omitempty"`
}

// Op implements ws.Event.
func (*StreamDeleteEvent) Op() ws.OpCode { return DispatchOp }

// EventType implements ws.Event.
func (*StreamDeleteEvent) EventType() ws.EventType { return "STREAM_DELETE" }

// StreamKey identifies a Go Live stream. Guild streams are formatted as
// "guild:{guild}:{channel}:{user}", call streams as "call:{channel}:{user}".
type StreamKey string

// NewGuildStreamKey creates the stream key of a guild stream.
func NewGuildStreamKey(g discord.GuildID, c discord.ChannelID, u discord.UserID) StreamKey {
	return StreamKey(fmt.Sprintf("guild:%s:%s:%s", g, c, u))
}

// ErrInvalidStreamKey is returned when a stream key can't be parsed.
var ErrInvalidStreamKey = errors.New("invalid stream key")

// Parse splits a guild stream key into its identifiers.
func (k StreamKey) Parse() (discord.GuildID, discord.ChannelID, discord.UserID, error) {
	parts := strings.Split(string(k), ":")
	if len(parts) != 4 || parts[0] != string(GuildStream) {
		return 0, 0, 0, errors.Wrapf(ErrInvalidStreamKey, "%q", string(k))
	}

	var ids [3]uint64
	for i, p := range parts[1:] {
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return 0, 0, 0, errors.Wrapf(ErrInvalidStreamKey, "%q", string(k))
		}
		ids[i] = v
	}

	return discord.GuildID(ids[0]), discord.ChannelID(ids[1]), discord.UserID(ids[2]), nil
}
