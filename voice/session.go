// Package voice connects to voice channels and sends and receives audio and
// video through the voice relay.
package voice

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/relayvoice/relayvoice/discord"
	"github.com/relayvoice/relayvoice/gateway"
	"github.com/relayvoice/relayvoice/internal/lazytime"
	"github.com/relayvoice/relayvoice/internal/moreatomic"
	"github.com/relayvoice/relayvoice/utils/handler"
	"github.com/relayvoice/relayvoice/utils/ws"
	"github.com/relayvoice/relayvoice/voice/aead"
	"github.com/relayvoice/relayvoice/voice/demux"
	"github.com/relayvoice/relayvoice/voice/failure"
	"github.com/relayvoice/relayvoice/voice/packet"
	"github.com/relayvoice/relayvoice/voice/playout"
	"github.com/relayvoice/relayvoice/voice/udp"
	"github.com/relayvoice/relayvoice/voice/voicegateway"
)

// Protocol is the transport protocol announced to the voice gateway.
const Protocol = "udp"

// WSTimeout is the duration to wait for a gateway operation including Session
// to complete before erroring out. This only applies to functions that don't
// take in a context already.
const WSTimeout = 25 * time.Second

// ErrStreamSession is returned by operations that only a guild voice session
// supports.
var ErrStreamSession = errors.New("not supported by a stream session")

// MainSession is the outer client owning the main gateway connection. It has
// to forward the voice events of the main gateway to
// Session.HandleGatewayEvent.
type MainSession interface {
	// SendGateway sends a command over the main gateway.
	SendGateway(ctx context.Context, cmd ws.Event) error
}

// Options configures a Session.
type Options struct {
	WSTimeout      time.Duration // WSTimeout
	WSMaxRetry     int           // 2
	WSRetryDelay   time.Duration // 2s
	WSWaitDuration time.Duration // 5s

	// GatewayOpts are the voice gateway loop options. Nil means
	// voicegateway.DefaultGatewayOpts.
	GatewayOpts *ws.GatewayOpts
	// PreferredModes is the encryption mode preference. The session fails if
	// the relay offers none of them.
	PreferredModes []aead.Mode

	// VideoCodec is the codec of sent video. It can't change after the
	// session is created.
	VideoCodec string
	// VideoStream describes the sent video to the relay. Its SSRCs and Active
	// flag are filled in by the session.
	VideoStream voicegateway.StreamInfo
	// MTU is the maximum RTP payload size.
	MTU int

	// BufferFrames is the input buffer of each dispatcher.
	BufferFrames int
	// SilenceOnPause keeps a paused audio dispatcher sending silence.
	SilenceOnPause bool
	// PairingTimeout bounds how long a video dispatcher waits for the audio
	// dispatcher to send its first frame.
	PairingTimeout time.Duration
	// SpeakingTimeout is the silence after which a remote user stops
	// speaking.
	SpeakingTimeout time.Duration

	Logger  logrus.FieldLogger
	Metrics *Metrics
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		WSTimeout:      WSTimeout,
		WSMaxRetry:     2,
		WSRetryDelay:   2 * time.Second,
		WSWaitDuration: 5 * time.Second,
		PreferredModes: aead.DefaultModes,
		VideoCodec:     "H264",
		VideoStream: voicegateway.StreamInfo{
			Type:         "video",
			RID:          "100",
			Quality:      100,
			MaxBitrate:   4_000_000,
			MaxFramerate: 30,
			MaxResolution: &voicegateway.Resolution{
				Type:   "fixed",
				Width:  1280,
				Height: 720,
			},
		},
		MTU:             packet.DefaultMTU,
		BufferFrames:    12,
		PairingTimeout:  time.Second,
		SpeakingTimeout: 250 * time.Millisecond,
	}
}

func (o *Options) fill() {
	def := DefaultOptions()
	if o.WSTimeout <= 0 {
		o.WSTimeout = def.WSTimeout
	}
	if o.WSMaxRetry <= 0 {
		o.WSMaxRetry = def.WSMaxRetry
	}
	if o.WSRetryDelay <= 0 {
		o.WSRetryDelay = def.WSRetryDelay
	}
	if o.WSWaitDuration <= 0 {
		o.WSWaitDuration = def.WSWaitDuration
	}
	if len(o.PreferredModes) == 0 {
		o.PreferredModes = def.PreferredModes
	}
	if o.VideoCodec == "" {
		o.VideoCodec = def.VideoCodec
	}
	if o.VideoStream.Type == "" {
		o.VideoStream = def.VideoStream
	}
	if o.MTU <= 0 {
		o.MTU = def.MTU
	}
	if o.BufferFrames <= 0 {
		o.BufferFrames = def.BufferFrames
	}
	if o.PairingTimeout <= 0 {
		o.PairingTimeout = def.PairingTimeout
	}
	if o.SpeakingTimeout <= 0 {
		o.SpeakingTimeout = def.SpeakingTimeout
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Metrics == nil {
		o.Metrics = defaultMetrics
	}
}

// JoinOptions describes the voice channel to join.
type JoinOptions struct {
	GuildID   discord.GuildID
	ChannelID discord.ChannelID
	SelfMute  bool
	SelfDeaf  bool
	SelfVideo bool
}

// Session is a single voice session that wraps around the voice gateway and UDP
// connection.
type Session struct {
	Handler *handler.Handlers[Event]

	session MainSession
	userID  discord.UserID
	opts    Options
	log     logrus.FieldLogger
	metrics *Metrics

	fsm      *fsm.FSM
	incoming *handler.Handlers[ws.Event]

	// joinMu serializes joining, reconnecting and leaving.
	joinMu *moreatomic.CtxMutex
	// joining is true while JoinChannel waits for the voice server; updates
	// are left to JoinChannel meanwhile.
	joining atomic.Bool
	counted atomic.Bool

	mut        sync.RWMutex
	state      voicegateway.State
	guildID    discord.GuildID
	joinCancel context.CancelFunc
	conn       *gatewayConn
	udp        *udp.Manager
	mode       aead.Mode
	demux      *demux.Demuxer
	recvCancel context.CancelFunc

	box      *aead.Box
	speakers *demux.Table

	announceMu sync.Mutex
	speaking   voicegateway.SpeakingFlag
	video      bool

	playMu sync.Mutex
	active [2]*playout.Dispatcher

	streamMu  sync.Mutex
	stream    *Session
	streamKey gateway.StreamKey
	parent    *Session
}

// gatewayConn is one voice gateway connection of a session.
type gatewayConn struct {
	gateway *voicegateway.Gateway
	udp     *udp.Manager
	cancel  context.CancelFunc
	done    chan struct{}

	ready     chan error
	readyOnce sync.Once

	paused atomic.Bool
}

// pauseTransport holds every writer of the transport until resumeTransport.
// Nothing may be sent between dialing a relay and applying its session
// description, since the key and the SSRC still belong to the previous one.
func (c *gatewayConn) pauseTransport(ctx context.Context) error {
	if c.paused.Load() {
		return nil
	}
	if err := c.udp.Pause(ctx); err != nil {
		return err
	}
	c.paused.Store(true)
	return nil
}

func (c *gatewayConn) resumeTransport() {
	if c.paused.CompareAndSwap(true, false) {
		c.udp.Continue()
	}
}

// signal reports the outcome of the handshake. Only the first call is
// delivered; it returns true if this call was it.
func (c *gatewayConn) signal(err error) (sent bool) {
	c.readyOnce.Do(func() {
		c.ready <- err
		sent = true
	})
	return
}

// NewSession creates a new voice session for the given user with the default
// options.
func NewSession(ses MainSession, userID discord.UserID) *Session {
	return NewSessionCustom(ses, userID, DefaultOptions())
}

// NewSessionCustom creates a new voice session with the given options.
func NewSessionCustom(ses MainSession, userID discord.UserID, opts Options) *Session {
	s := newSession(ses, userID, opts, nil)

	handler.Add(s.incoming, s.updateServer)
	handler.Add(s.incoming, s.updateState)
	handler.Add(s.incoming, s.updateStreamServer)
	handler.Add(s.incoming, s.deleteStream)

	return s
}

func newSession(ses MainSession, userID discord.UserID, opts Options, parent *Session) *Session {
	opts.fill()

	log := opts.Logger.WithFields(logrus.Fields{
		"component": "voice",
		"user_id":   userID,
	})
	if parent != nil {
		log = log.WithField("stream", true)
	}

	return &Session{
		Handler:  handler.New[Event](),
		session:  ses,
		userID:   userID,
		opts:     opts,
		log:      log,
		metrics:  opts.Metrics,
		fsm:      newStateMachine(log),
		incoming: handler.New[ws.Event](),
		joinMu:   moreatomic.NewCtxMutex(),
		state:    voicegateway.State{UserID: userID},
		box:      &aead.Box{},
		speakers: demux.NewTable(),
		parent:   parent,
	}
}

// HandleGatewayEvent feeds a main gateway dispatch event to the session. The
// session uses VoiceStateUpdateEvent, VoiceServerUpdateEvent and the stream
// events; everything else is ignored.
func (s *Session) HandleGatewayEvent(ev ws.Event) {
	s.incoming.Dispatch(ev)
}

// Speakers returns the table of remote speakers.
func (s *Session) Speakers() *demux.Table { return s.speakers }

// Mode returns the negotiated encryption mode, or an empty string.
func (s *Session) Mode() aead.Mode {
	s.mut.RLock()
	defer s.mut.RUnlock()

	return s.mode
}

// VoiceState returns the current voice gateway state.
func (s *Session) VoiceState() voicegateway.State {
	s.mut.RLock()
	defer s.mut.RUnlock()

	return s.state
}

// Gateway returns the current voice gateway, or nil.
func (s *Session) Gateway() *voicegateway.Gateway {
	s.mut.RLock()
	defer s.mut.RUnlock()

	if s.conn == nil {
		return nil
	}
	return s.conn.gateway
}

func (s *Session) currentConn() *gatewayConn {
	s.mut.RLock()
	defer s.mut.RUnlock()

	return s.conn
}

// JoinChannel joins the given voice channel. A null channel leaves.
func (s *Session) JoinChannel(ctx context.Context, opts JoinOptions) error {
	if s.parent != nil {
		return ErrStreamSession
	}

	if !opts.ChannelID.IsValid() {
		return s.Leave(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.joinMu.Lock(ctx); err != nil {
		return errors.Wrap(err, "failed to wait for another join")
	}
	defer s.joinMu.Unlock()

	s.joining.Store(true)
	defer s.joining.Store(false)

	// Moving to another channel starts over.
	s.disconnect(ctx, nil)

	s.mut.Lock()
	s.guildID = opts.GuildID
	s.joinCancel = cancel
	s.state = voicegateway.State{
		ServerID:  discord.Snowflake(opts.GuildID),
		ChannelID: opts.ChannelID,
		UserID:    s.userID,
		Video:     opts.SelfVideo,
	}
	s.mut.Unlock()

	defer func() {
		s.mut.Lock()
		s.joinCancel = nil
		s.mut.Unlock()
	}()

	if !s.transition(evJoin) {
		return errors.Errorf("cannot join while %s", s.State())
	}

	// https://discord.com/developers/docs/topics/voice-connections#retrieving-voice-server-information
	// Send a Voice State Update event to the gateway.
	data := &gateway.UpdateVoiceStateCommand{
		GuildID:   opts.GuildID,
		ChannelID: opts.ChannelID,
		SelfMute:  opts.SelfMute,
		SelfDeaf:  opts.SelfDeaf,
		SelfVideo: opts.SelfVideo,
	}

	var (
		err   error
		timer lazytime.Timer
	)
	defer timer.Stop()

	for i := 0; i < s.opts.WSMaxRetry; i++ {
		if err = s.askMain(ctx, data); err == nil {
			break
		}

		if failure.Is(err, failure.InvalidEndpoint) || ctx.Err() != nil {
			break
		}

		s.log.WithError(err).WithField("attempt", i+1).Debug("voice server did not answer")

		timer.Reset(s.opts.WSRetryDelay)
		if timer.Wait(ctx) != nil {
			break
		}
	}

	if err != nil {
		// Leave cancelled the join.
		if errors.Is(err, context.Canceled) {
			s.disconnect(context.Background(), nil)
			return err
		}
		if !failure.Is(err, failure.InvalidEndpoint) {
			err = failure.Wrap(failure.Auth, failure.AuthTimeout, err, "failed to get voice server")
		}
		s.disconnect(context.Background(), err)
		return err
	}

	if !s.transition(evAuthenticated) {
		return failure.New(failure.Auth, failure.SessionClosed, errors.New("left while joining"))
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, s.opts.WSTimeout)
	defer connectCancel()

	if err := s.connect(connectCtx, false); err != nil {
		s.disconnect(context.Background(), err)
		return err
	}

	return nil
}

// askMain asks the main gateway for a voice server and waits for the voice
// state and voice server of the current user.
func (s *Session) askMain(ctx context.Context, data *gateway.UpdateVoiceStateCommand) error {
	waitState := handler.Expect(s.incoming, func(ev *gateway.VoiceStateUpdateEvent) bool {
		return ev.GuildID == data.GuildID && ev.UserID == s.userID
	})
	waitServer := handler.Expect(s.incoming, func(ev *gateway.VoiceServerUpdateEvent) bool {
		return ev.GuildID == data.GuildID
	})

	if err := s.session.SendGateway(ctx, data); err != nil {
		// Release both expectations.
		done, cancel := context.WithCancel(ctx)
		cancel()
		waitState(done)
		waitServer(done)
		return errors.Wrap(err, "failed to send Voice State Update event")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.WSWaitDuration)
	defer cancel()

	stateEv, stateErr := waitState(ctx)
	serverEv, serverErr := waitServer(ctx)

	switch {
	case stateErr != nil:
		return errors.Wrap(stateErr, "no voice state update")
	case serverErr != nil:
		return errors.Wrap(serverErr, "no voice server update")
	}

	if serverEv.Endpoint == nil || *serverEv.Endpoint == "" {
		return failure.New(failure.Auth, failure.InvalidEndpoint, voicegateway.ErrNoEndpoint)
	}
	if _, err := voicegateway.EndpointURL(*serverEv.Endpoint); err != nil {
		return failure.New(failure.Auth, failure.InvalidEndpoint, err)
	}
	if stateEv.SessionID == "" {
		return voicegateway.ErrNoSessionID
	}

	s.mut.Lock()
	s.state.SessionID = stateEv.SessionID
	s.state.ChannelID = stateEv.ChannelID
	s.state.Token = serverEv.Token
	s.state.Endpoint = *serverEv.Endpoint
	s.mut.Unlock()

	return nil
}

// connect opens a voice gateway with the current state and waits for the
// session description.
func (s *Session) connect(ctx context.Context, reconnected bool) error {
	s.mut.RLock()
	state := s.state
	s.mut.RUnlock()

	gw, err := voicegateway.New(state, s.opts.GatewayOpts)
	if err != nil {
		return failure.Wrap(failure.Auth, failure.InvalidEndpoint, err, "invalid voice endpoint")
	}

	gwctx, cancel := context.WithCancel(context.Background())
	c := &gatewayConn{
		gateway: gw,
		cancel:  cancel,
		done:    make(chan struct{}),
		ready:   make(chan error, 1),
	}

	s.mut.Lock()
	s.conn = c
	if s.udp == nil {
		s.udp = udp.NewManager()
	}
	c.udp = s.udp
	s.mut.Unlock()

	go s.runGateway(gwctx, c, gw.Connect(gwctx))

	select {
	case err := <-c.ready:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return failure.Wrap(failure.Auth, failure.AuthTimeout, ctx.Err(), "voice handshake timed out")
	}

	ready := gw.Ready()
	if ready == nil {
		return failure.New(failure.Signaling, failure.SessionClosed, voicegateway.ErrNotReady)
	}

	if !s.transition(evConnected) {
		return failure.New(failure.Signaling, failure.SessionClosed, errors.New("left while connecting"))
	}

	if s.counted.CompareAndSwap(false, true) {
		s.metrics.SessionsActive.Inc()
	}

	s.log.WithFields(logrus.Fields{
		"ssrc": ready.SSRC,
		"mode": s.Mode(),
	}).Info("voice session connected")

	s.Handler.Dispatch(&ReadyEvent{
		SSRC:        ready.SSRC,
		Mode:        s.Mode(),
		Reconnected: reconnected,
	})

	return nil
}

// runGateway consumes the events of one voice gateway connection until it
// closes.
func (s *Session) runGateway(ctx context.Context, c *gatewayConn, ch <-chan ws.Op) {
	var opErr error

	for op := range ch {
		// The channel must be drained for the gateway to close.
		if opErr != nil {
			continue
		}

		if err := s.handleOp(ctx, c, op); err != nil {
			opErr = err
			c.cancel()
		}
	}

	lastErr := c.gateway.LastError()
	c.resumeTransport()
	close(c.done)

	err := opErr
	if err == nil {
		if ctx.Err() != nil {
			return
		}
		err = gatewayFailure(lastErr)
	}

	// During the handshake, connect reports the failure.
	if c.signal(err) {
		return
	}

	if s.currentConn() == c {
		s.disconnect(context.Background(), err)
	}
}

func (s *Session) handleOp(ctx context.Context, c *gatewayConn, op ws.Op) error {
	switch data := op.Data.(type) {
	case *voicegateway.ReadyEvent:
		if err := s.openTransport(ctx, c, data); err != nil {
			return err
		}

	case *voicegateway.SessionDescriptionEvent:
		if err := s.useSessionDescription(data); err != nil {
			return err
		}
		if ready := c.gateway.Ready(); ready != nil {
			s.setSSRCs(ready.SSRC)
		}
		c.resumeTransport()
		c.signal(nil)

	case *voicegateway.SpeakingEvent:
		s.speakers.SetAudio(data.UserID, data.SSRC, uint32(data.Speaking))

	case *voicegateway.VideoEvent:
		s.speakers.SetVideo(data.UserID, data.AudioSSRC, data.VideoSSRC, data.RTXSSRC)

	case *voicegateway.ClientDisconnectEvent:
		s.speakers.Remove(data.UserID)

		s.mut.RLock()
		d := s.demux
		s.mut.RUnlock()

		if d != nil {
			d.RemoveUser(data.UserID)
		}

	case *ws.BackgroundErrorEvent:
		s.debug("voice gateway error", data.Err)

	case *ws.CloseEvent:
		s.debug("voice gateway closed", data)
	}

	s.Handler.Dispatch(op.Data)
	return nil
}

// openTransport dials the relay announced in ready and selects the protocol.
func (s *Session) openTransport(ctx context.Context, c *gatewayConn, ready *voicegateway.ReadyEvent) error {
	s.mut.RLock()
	prev := s.mode
	s.mut.RUnlock()

	// The mode is chosen once per session; a new relay has to keep it.
	preferred := s.opts.PreferredModes
	if prev != "" {
		preferred = []aead.Mode{prev}
	}

	mode, err := aead.Negotiate(preferred, ready.Modes)
	switch {
	case err != nil && prev != "":
		return failure.Wrap(failure.Signaling, failure.ModeChanged, err, "relay no longer offers "+string(prev))
	case err != nil:
		return failure.New(failure.Signaling, failure.UnsupportedMode, err)
	}

	// Released once the session description is applied, or when the
	// gateway closes.
	if err := c.pauseTransport(ctx); err != nil {
		return failure.Wrap(failure.Transport, failure.NotConnected, err, "failed to pause transport")
	}

	conn, err := c.udp.Dial(ctx, ready.Addr(), ready.SSRC)
	if err != nil {
		if errors.Is(err, udp.ErrMalformedResponse) {
			return failure.Wrap(failure.Transport, failure.MalformedResponse, err, "IP discovery failed")
		}
		return failure.Wrap(failure.Transport, failure.NotConnected, err, "failed to open voice UDP connection")
	}

	s.mut.Lock()
	s.mode = mode
	s.mut.Unlock()

	err = c.gateway.Send(ctx, &voicegateway.SelectProtocolCommand{
		Protocol: Protocol,
		Data: voicegateway.SelectProtocolData{
			Address: conn.ExternalIP,
			Port:    conn.ExternalPort,
			Mode:    string(mode),
		},
		Codecs: s.codecs(),
	})
	if err != nil {
		return failure.Wrap(failure.Signaling, failure.SendFailed, err, "failed to send SelectProtocolCommand")
	}

	return nil
}

// setSSRCs moves the active dispatchers to the SSRCs derived from audio.
func (s *Session) setSSRCs(audio uint32) {
	s.playMu.Lock()
	defer s.playMu.Unlock()

	for kind, d := range s.active {
		if d != nil {
			d.Packetizer().SetSSRC(ssrcOf(packet.Kind(kind), audio))
		}
	}
}

func (s *Session) codecs() []voicegateway.CodecInfo {
	codecs := []voicegateway.CodecInfo{{
		Name:        "opus",
		Type:        "audio",
		Priority:    1000,
		PayloadType: packet.OpusPayloadType,
	}}

	if pt, ok := packet.PayloadTypeOf(s.opts.VideoCodec); ok {
		codecs = append(codecs, voicegateway.CodecInfo{
			Name:        packet.CodecName(pt),
			Type:        "video",
			Priority:    1000,
			PayloadType: pt,
			RTXType:     pt + 1,
		})
	}

	return codecs
}

func (s *Session) useSessionDescription(ev *voicegateway.SessionDescriptionEvent) error {
	mode := s.Mode()

	if ev.Mode != string(mode) {
		return failure.New(failure.Signaling, failure.ModeChanged,
			errors.Errorf("relay chose %q instead of %q", ev.Mode, mode))
	}

	c, err := aead.NewCipher(mode, ev.SecretKey)
	if err != nil {
		return failure.New(failure.Signaling, failure.UnsupportedMode, err)
	}

	s.box.Use(c)

	if ev.VideoCodec != "" && !strings.EqualFold(ev.VideoCodec, s.opts.VideoCodec) {
		s.debug("relay announced video codec "+ev.VideoCodec+", keeping "+s.opts.VideoCodec, nil)
	}

	return nil
}

// gatewayFailure categorizes the error a voice gateway loop exited with.
func gatewayFailure(err error) *failure.Error {
	var (
		closeEv *ws.CloseEvent
		connErr ws.ConnectionError
	)

	switch {
	case err == nil:
		return failure.New(failure.Signaling, failure.SessionClosed, errors.New("voice gateway closed"))
	case errors.Is(err, ws.ErrReconnectExhausted):
		return failure.New(failure.Signaling, failure.ReconnectExhausted, err)
	case errors.As(err, &closeEv) && closeEv.Code == voicegateway.CloseAuthenticationFailed:
		return failure.New(failure.Auth, failure.SessionClosed, err)
	case errors.As(err, &closeEv):
		return failure.New(failure.Signaling, failure.SessionClosed, err)
	case errors.As(err, &connErr):
		return failure.New(failure.Transport, failure.NotConnected, err)
	default:
		return failure.New(failure.Signaling, failure.SendFailed, err)
	}
}

// updateServer is specifically used to monitor for reconnects.
func (s *Session) updateServer(ev *gateway.VoiceServerUpdateEvent) {
	if s.joining.Load() {
		return
	}

	s.mut.RLock()
	guildID := s.guildID
	s.mut.RUnlock()

	if ev.GuildID != guildID || s.State() != Connected {
		return
	}

	if ev.Endpoint == nil {
		s.debug("voice server is unavailable, waiting for another", nil)
		return
	}

	s.reconnectWith(func(state *voicegateway.State) bool {
		state.Token = ev.Token
		state.Endpoint = *ev.Endpoint
		return true
	})
}

// updateState is specifically used after connecting to monitor when the user
// is moved across channels.
func (s *Session) updateState(ev *gateway.VoiceStateUpdateEvent) {
	if s.joining.Load() || ev.UserID != s.userID {
		return
	}

	s.mut.RLock()
	guildID := s.guildID
	s.mut.RUnlock()

	if ev.GuildID != guildID || s.State() != Connected {
		return
	}

	if !ev.ChannelID.IsValid() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.WSTimeout)
		defer cancel()

		s.log.Info("removed from the voice channel")
		s.disconnect(ctx, nil)
		return
	}

	s.reconnectWith(func(state *voicegateway.State) bool {
		state.ChannelID = ev.ChannelID
		if state.SessionID == ev.SessionID {
			return false
		}
		state.SessionID = ev.SessionID
		return true
	})
}

// reconnectWith updates the state with fn and reconnects if fn returns true.
func (s *Session) reconnectWith(fn func(*voicegateway.State) bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WSTimeout)
	defer cancel()

	if err := s.joinMu.Lock(ctx); err != nil {
		return
	}
	defer s.joinMu.Unlock()

	if s.State() != Connected {
		return
	}

	s.mut.Lock()
	changed := fn(&s.state)
	s.mut.Unlock()

	if changed {
		s.reconnect(ctx)
	}
}

// reconnect moves the connected session to a new voice gateway and relay. The
// UDP manager is kept, so senders block instead of failing meanwhile.
func (s *Session) reconnect(ctx context.Context) {
	if !s.transition(evReconnect) {
		return
	}

	s.metrics.Reconnects.Inc()
	s.log.Info("voice server changed, reconnecting")

	s.mut.Lock()
	c := s.conn
	s.conn = nil
	s.mut.Unlock()

	if c != nil {
		c.cancel()
		<-c.done
	}

	s.announceMu.Lock()
	speaking, video := s.speaking, s.video
	s.speaking, s.video = voicegateway.NotSpeaking, false
	s.announceMu.Unlock()

	if err := s.connect(ctx, true); err != nil {
		s.disconnect(context.Background(), err)
		return
	}

	if err := s.SetSpeaking(ctx, speaking); err != nil {
		s.debug("failed to announce speaking after reconnecting", err)
	}
	if err := s.SetVideoStatus(ctx, video); err != nil {
		s.debug("failed to announce video after reconnecting", err)
	}
}

// SetSpeaking announces what the session is sending. It does nothing unless
// the session is connected and the flags changed.
func (s *Session) SetSpeaking(ctx context.Context, flag voicegateway.SpeakingFlag) error {
	s.announceMu.Lock()
	defer s.announceMu.Unlock()

	if s.speaking == flag || s.State() != Connected {
		return nil
	}

	gw := s.Gateway()
	if gw == nil {
		return nil
	}

	if err := gw.Speaking(ctx, flag); err != nil {
		return failure.Wrap(failure.Signaling, failure.SendFailed, err, "failed to send speaking")
	}

	s.speaking = flag
	return nil
}

// SetVideoStatus announces whether the session sends video. Enabling video
// requires a connected session.
func (s *Session) SetVideoStatus(ctx context.Context, enabled bool) error {
	s.announceMu.Lock()
	defer s.announceMu.Unlock()

	if s.video == enabled {
		return nil
	}

	var ready *voicegateway.ReadyEvent

	gw := s.Gateway()
	if gw != nil && s.State() == Connected {
		ready = gw.Ready()
	}

	if ready == nil {
		if enabled {
			return failure.New(failure.Transport, failure.NotConnected, voicegateway.ErrNotReady)
		}
		return nil
	}

	if err := gw.Send(ctx, s.videoCommand(ready.SSRC, enabled)); err != nil {
		return failure.Wrap(failure.Signaling, failure.SendFailed, err, "failed to send video status")
	}

	s.video = enabled
	return nil
}

func (s *Session) videoCommand(ssrc uint32, enabled bool) *voicegateway.VideoCommand {
	stream := s.opts.VideoStream
	stream.Active = enabled

	cmd := &voicegateway.VideoCommand{AudioSSRC: ssrc}

	if enabled {
		cmd.VideoSSRC = ssrcOf(packet.Video, ssrc)
		cmd.RTXSSRC = cmd.VideoSSRC + 1
		stream.SSRC = cmd.VideoSSRC
		stream.RTXSSRC = cmd.RTXSSRC
	}

	cmd.Streams = []voicegateway.StreamInfo{stream}
	return cmd
}

// ssrcOf returns the SSRC used for a media kind given the audio SSRC of the
// session. The retransmission SSRC of video follows the video SSRC.
func ssrcOf(kind packet.Kind, audio uint32) uint32 {
	if kind == packet.Video {
		return audio + 1
	}
	return audio
}

// Leave disconnects the current voice session from the currently connected
// channel. Leaving a stream session stops the stream.
func (s *Session) Leave(ctx context.Context) error {
	if s.parent != nil {
		return s.parent.StopStream(ctx)
	}

	s.mut.RLock()
	cancelJoin := s.joinCancel
	s.mut.RUnlock()

	if cancelJoin != nil {
		cancelJoin()
	}

	if err := s.joinMu.Lock(ctx); err != nil {
		return errors.Wrap(err, "failed to wait for join to stop")
	}
	defer s.joinMu.Unlock()

	// A cancelled join already asked for a voice server.
	if s.State() == Disconnected && cancelJoin == nil {
		return nil
	}

	s.mut.RLock()
	guildID := s.guildID
	s.mut.RUnlock()

	// Notify Discord that we're leaving.
	err := s.session.SendGateway(ctx, &gateway.UpdateVoiceStateCommand{
		GuildID:   guildID,
		ChannelID: discord.ChannelID(discord.NullSnowflake),
		SelfMute:  true,
		SelfDeaf:  true,
	})

	s.disconnect(ctx, nil)

	if err != nil {
		return errors.Wrap(err, "failed to update voice state")
	}

	return nil
}

// disconnect moves to Disconnected and releases everything. It dispatches the
// failure, if any, and a DisconnectEvent. It returns false if the session was
// already disconnected.
func (s *Session) disconnect(ctx context.Context, err error) bool {
	if !s.transition(evDisconnect) {
		return false
	}

	s.teardown(ctx)

	if err != nil {
		s.log.WithError(err).Warn("voice session failed")
		s.Handler.Dispatch(&ErrorEvent{Err: err})
	} else {
		s.log.Info("voice session disconnected")
	}

	s.Handler.Dispatch(&DisconnectEvent{Err: err})
	return true
}

// teardown closes the stream session, the dispatchers, the gateway, the
// transport and the demultiplexer.
func (s *Session) teardown(ctx context.Context) {
	s.streamMu.Lock()
	sub := s.stream
	s.stream = nil
	s.streamMu.Unlock()

	if sub != nil {
		sub.disconnect(ctx, nil)
	}

	s.playMu.Lock()
	for _, d := range s.active {
		if d != nil {
			d.Stop()
		}
	}
	s.playMu.Unlock()

	s.mut.Lock()
	c := s.conn
	m := s.udp
	d := s.demux
	cancelRecv := s.recvCancel
	s.conn = nil
	s.udp = nil
	s.demux = nil
	s.recvCancel = nil
	s.mode = ""
	s.mut.Unlock()

	s.announceMu.Lock()
	s.speaking = voicegateway.NotSpeaking
	s.video = false
	s.announceMu.Unlock()

	if c != nil {
		c.cancel()

		select {
		case <-c.done:
		case <-ctx.Done():
			s.log.WithError(ctx.Err()).Warn("voice gateway did not close in time")
		}
	}

	if cancelRecv != nil {
		cancelRecv()
	}
	if m != nil {
		m.Close()
	}
	if d != nil {
		d.Close()
	}

	s.box.Use(nil)
	s.speakers.Reset()

	if s.counted.CompareAndSwap(true, false) {
		s.metrics.SessionsActive.Dec()
	}
}

func (s *Session) debug(msg string, err error) {
	s.log.WithError(err).Debug(msg)
	s.Handler.Dispatch(&DebugEvent{Message: msg, Err: err})
}
