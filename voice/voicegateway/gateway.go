// Package voicegateway implements the signaling connection of a voice
// session: the voice websocket gateway.
package voicegateway

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/schema"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/relayvoice/relayvoice/discord"
	"github.com/relayvoice/relayvoice/internal/heart"
	"github.com/relayvoice/relayvoice/utils/ws"
)

// Version is the version of the voice gateway this package speaks.
const Version = 8

var (
	ErrNoSessionID = errors.New("no sessionID was received")
	ErrNoEndpoint  = errors.New("no endpoint was received")
	// ErrNotReady is returned by commands that need the Ready event.
	ErrNotReady = errors.New("voice gateway is not ready")

	// ErrMissingForIdentify is an error when we are missing information to
	// identify.
	ErrMissingForIdentify = errors.New("missing ServerID, UserID, SessionID, or Token for identify")
	// ErrMissingForResume is an error when we are missing information to
	// resume.
	ErrMissingForResume = errors.New("missing ServerID, SessionID, or Token for resuming")
)

// State contains state information of a voice gateway.
type State struct {
	// ServerID is the guild ID, or the RTC server ID for a stream.
	ServerID  discord.Snowflake
	ChannelID discord.ChannelID
	UserID    discord.UserID

	SessionID string
	Token     string
	Endpoint  string

	// Video announces that the client may send video.
	Video bool
}

// DefaultGatewayOpts contains the default options for the voice gateway.
var DefaultGatewayOpts = ws.GatewayOpts{
	ReconnectDelay:        ws.LinearBackoff(time.Second, 2*time.Second),
	ReconnectAttempt:      5,
	FatalCloseCodes:       FatalCloseCodes,
	DialTimeout:           10 * time.Second,
	AlwaysCloseGracefully: true,
}

type endpointQuery struct {
	Version int `schema:"v"`
}

var queryEncoder = schema.NewEncoder()

// EndpointURL returns the websocket URL of a voice endpoint as sent in a voice
// server update. Endpoints without a scheme get wss.
//
// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-websocket-connection
func EndpointURL(endpoint string) (string, error) {
	if endpoint == "" {
		return "", ErrNoEndpoint
	}

	if !strings.Contains(endpoint, "://") {
		endpoint = "wss://" + strings.TrimSuffix(endpoint, ":80")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrap(err, "invalid endpoint")
	}
	if u.Host == "" {
		return "", errors.Errorf("endpoint %q has no host", endpoint)
	}
	if u.Path == "" {
		u.Path = "/"
	}

	q := url.Values{}
	if err := queryEncoder.Encode(endpointQuery{Version: Version}, q); err != nil {
		return "", errors.Wrap(err, "failed to encode endpoint query")
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Gateway represents a voice gateway connection.
type Gateway struct {
	gateway *ws.Gateway
	state   State // constant
	log     logrus.FieldLogger

	mutex sync.RWMutex
	ready *ReadyEvent

	pacemaker atomic.Pointer[heart.Pacemaker]
	seq       atomic.Int64
	resume    atomic.Bool
}

// New creates a new voice gateway. opts may be nil for DefaultGatewayOpts.
func New(state State, opts *ws.GatewayOpts) (*Gateway, error) {
	endpoint, err := EndpointURL(state.Endpoint)
	if err != nil {
		return nil, err
	}

	return NewCustom(ws.NewWebsocket(ws.NewCodec(OpUnmarshalers), endpoint), state, opts), nil
}

// NewCustom creates a new voice gateway with a custom websocket.
func NewCustom(wsock *ws.Websocket, state State, opts *ws.GatewayOpts) *Gateway {
	if opts == nil {
		opts = &DefaultGatewayOpts
	}

	return &Gateway{
		gateway: ws.NewGateway(wsock, opts),
		state:   state,
		log: logrus.WithFields(logrus.Fields{
			"component": "voicegateway",
			"server_id": state.ServerID,
		}),
	}
}

// State returns the state the gateway was created with.
func (g *Gateway) State() State { return g.state }

// Ready returns a copy of the Ready event, or nil if none arrived yet on the
// current connection.
func (g *Gateway) Ready() *ReadyEvent {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	if g.ready == nil {
		return nil
	}

	cpy := *g.ready
	return &cpy
}

// Latency returns the round trip of the last acknowledged heartbeat.
func (g *Gateway) Latency() time.Duration {
	if pm := g.pacemaker.Load(); pm != nil {
		return pm.Latency()
	}
	return 0
}

// LastSequence returns the sequence number of the last received message.
func (g *Gateway) LastSequence() int64 { return g.seq.Load() }

// Connect starts the gateway loop. Events are sent into the returned channel,
// which is closed once the loop exits; LastError then tells why. Cancel ctx to
// close the gateway.
func (g *Gateway) Connect(ctx context.Context) <-chan ws.Op {
	return g.gateway.Connect(ctx, &gatewayImpl{Gateway: g})
}

// HasStarted returns true if the gateway loop is running.
func (g *Gateway) HasStarted() bool { return g.gateway.HasStarted() }

// LastError returns the error the gateway loop exited with. It must only be
// called after the channel returned by Connect is closed.
func (g *Gateway) LastError() error { return g.gateway.LastError() }

// Send sends a command to the voice gateway.
func (g *Gateway) Send(ctx context.Context, cmd ws.Event) error {
	return g.gateway.Send(ctx, cmd)
}

// Speaking sends a Speaking command for the SSRC given in the Ready event.
func (g *Gateway) Speaking(ctx context.Context, flag SpeakingFlag) error {
	ready := g.Ready()
	if ready == nil {
		return ErrNotReady
	}

	return g.Send(ctx, &SpeakingCommand{
		Speaking: flag,
		Delay:    0,
		SSRC:     ready.SSRC,
	})
}

type gatewayImpl struct {
	*Gateway
}

func (g *gatewayImpl) invalidate() {
	g.mutex.Lock()
	g.ready = nil
	g.mutex.Unlock()
}

func (g *gatewayImpl) sendIdentify(ctx context.Context) error {
	if !g.state.ServerID.IsValid() || !g.state.UserID.IsValid() ||
		g.state.SessionID == "" || g.state.Token == "" {
		return ErrMissingForIdentify
	}

	return g.gateway.Send(ctx, &IdentifyCommand{
		ServerID:  g.state.ServerID,
		UserID:    g.state.UserID,
		SessionID: g.state.SessionID,
		Token:     g.state.Token,
		Video:     g.state.Video,
	})
}

func (g *gatewayImpl) sendResume(ctx context.Context) error {
	if !g.state.ServerID.IsValid() || g.state.SessionID == "" || g.state.Token == "" {
		return ErrMissingForResume
	}

	return g.gateway.Send(ctx, &ResumeCommand{
		ServerID:  g.state.ServerID,
		SessionID: g.state.SessionID,
		Token:     g.state.Token,
		SeqAck:    g.seq.Load(),
	})
}

func (g *gatewayImpl) OnOp(ctx context.Context, op ws.Op) bool {
	if op.Sequence > 0 {
		g.seq.Store(op.Sequence)
	}

	switch data := op.Data.(type) {
	case *ws.CloseEvent:
		// Fatal codes never reach this point. Everything else, including
		// 4015, is worth a resume.
		g.log.WithError(data).Debug("voice gateway closed, resuming")
		g.resume.Store(true)
		g.gateway.QueueReconnect()

	case *HelloEvent:
		interval := data.HeartbeatInterval.Duration()
		g.pacemaker.Store(heart.NewPacemaker(interval))
		g.gateway.ResetHeartbeat(interval)

		if g.resume.Swap(false) && g.Ready() != nil {
			if err := g.sendResume(ctx); err != nil {
				g.gateway.SendError(errors.Wrap(err, "failed to send resume"))
				return false
			}
			return true
		}

		g.invalidate()
		if err := g.sendIdentify(ctx); err != nil {
			g.gateway.SendError(errors.Wrap(err, "failed to send identify"))
			return false
		}

	case *ReadyEvent:
		g.mutex.Lock()
		g.ready = data
		g.mutex.Unlock()

	case *ResumedEvent:
		g.log.Debug("voice gateway resumed")

	case *HeartbeatAckEvent:
		if pm := g.pacemaker.Load(); pm != nil {
			pm.Echo()
		}

	case *ws.BackgroundErrorEvent:
		// Unknown or malformed events are not fatal.
		g.log.WithError(data.Err).Debug("voice gateway event error")
	}

	return true
}

func (g *gatewayImpl) SendHeartbeat(ctx context.Context) {
	pm := g.pacemaker.Load()
	if pm == nil {
		return
	}

	heartbeat := HeartbeatCommand{
		Nonce:  pm.Beat(),
		SeqAck: g.seq.Load(),
	}

	if err := g.gateway.Send(ctx, &heartbeat); err != nil {
		g.gateway.SendError(errors.Wrap(err, "heartbeat error"))
		g.resume.Store(true)
		g.gateway.QueueReconnect()
	}
}

func (g *gatewayImpl) Close() error {
	g.pacemaker.Store(nil)
	return nil
}
