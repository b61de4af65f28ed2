package voicegateway

import (
	"github.com/relayvoice/relayvoice/utils/ws"
)

// OpUnmarshalers contains the Op unmarshalers for the voice gateway events.
var OpUnmarshalers = ws.NewOpUnmarshalers()

func init() {
	OpUnmarshalers.Add(
		func() ws.Event { return new(ReadyEvent) },
		func() ws.Event { return new(SessionDescriptionEvent) },
		func() ws.Event { return new(SpeakingEvent) },
		func() ws.Event { return new(HeartbeatAckEvent) },
		func() ws.Event { return new(HelloEvent) },
		func() ws.Event { return new(ResumedEvent) },
		func() ws.Event { return new(ClientConnectEvent) },
		func() ws.Event { return new(VideoEvent) },
		func() ws.Event { return new(ClientDisconnectEvent) },
	)
}

// Op codes of the voice gateway.
const (
	IdentifyOp           ws.OpCode = 0  // send
	SelectProtocolOp     ws.OpCode = 1  // send
	ReadyOp              ws.OpCode = 2  // receive
	HeartbeatOp          ws.OpCode = 3  // send
	SessionDescriptionOp ws.OpCode = 4  // receive
	SpeakingOp           ws.OpCode = 5  // send/receive
	HeartbeatAckOp       ws.OpCode = 6  // receive
	ResumeOp             ws.OpCode = 7  // send
	HelloOp              ws.OpCode = 8  // receive
	ResumedOp            ws.OpCode = 9  // receive
	ClientConnectOp      ws.OpCode = 11 // receive
	VideoOp              ws.OpCode = 12 // send/receive
	ClientDisconnectOp   ws.OpCode = 13 // receive
)

// Close codes of the voice gateway.
const (
	CloseAuthenticationFailed = 4004
	CloseSessionNoLongerValid = 4006
	CloseServerNotFound       = 4011
	CloseDisconnected         = 4014
	CloseVoiceServerCrashed   = 4015
	CloseUnknownEncryption    = 4016
)

// FatalCloseCodes are the close codes after which the connection can't be
// resumed or redialed.
var FatalCloseCodes = []int{
	CloseAuthenticationFailed,
	CloseSessionNoLongerValid,
	CloseServerNotFound,
	CloseDisconnected,
	CloseUnknownEncryption,
}
