package voice

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/relayvoice/relayvoice/discord"
	"github.com/relayvoice/relayvoice/gateway"
	"github.com/relayvoice/relayvoice/utils/handler"
	"github.com/relayvoice/relayvoice/voice/failure"
	"github.com/relayvoice/relayvoice/voice/voicegateway"
)

// ErrNoStream is returned by stream operations while no stream is live.
var ErrNoStream = errors.New("no stream is live")

// StartStream starts a Go Live stream in the joined channel and returns the
// session sending it. The stream session has its own voice server and
// handler; it is connected once StartStream returns, and ends when the stream
// is stopped or this session disconnects.
func (s *Session) StartStream(ctx context.Context) (*Session, error) {
	if s.parent != nil {
		return nil, ErrStreamSession
	}

	if s.State() != Connected {
		return nil, failure.New(failure.Transport, failure.NotConnected, voicegateway.ErrNotReady)
	}

	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if s.stream != nil && s.stream.State() != Disconnected {
		return s.stream, nil
	}

	s.mut.RLock()
	guildID := s.guildID
	state := s.state
	s.mut.RUnlock()

	key := gateway.NewGuildStreamKey(guildID, state.ChannelID, s.userID)

	waitCreate := handler.Expect(s.incoming, func(ev *gateway.StreamCreateEvent) bool {
		return ev.StreamKey == key
	})
	waitServer := handler.Expect(s.incoming, func(ev *gateway.StreamServerUpdateEvent) bool {
		return ev.StreamKey == key
	})

	waitCtx, cancel := context.WithTimeout(ctx, s.opts.WSWaitDuration)
	defer cancel()

	err := s.session.SendGateway(ctx, &gateway.StreamCreateCommand{
		Type:      gateway.GuildStream,
		GuildID:   guildID,
		ChannelID: state.ChannelID,
	})
	if err != nil {
		cancel()
		waitCreate(waitCtx)
		waitServer(waitCtx)
		return nil, failure.Wrap(failure.Signaling, failure.SendFailed, err, "failed to send stream create")
	}

	createEv, createErr := waitCreate(waitCtx)
	serverEv, serverErr := waitServer(waitCtx)

	switch {
	case createErr != nil:
		return nil, failure.Wrap(failure.Auth, failure.AuthTimeout, createErr, "no stream create")
	case serverErr != nil:
		return nil, failure.Wrap(failure.Auth, failure.AuthTimeout, serverErr, "no stream server update")
	}

	rtcServerID, err := discord.ParseSnowflake(createEv.RTCServerID)
	if err != nil {
		return nil, failure.Wrap(failure.Signaling, failure.MalformedResponse, err, "invalid RTC server ID")
	}

	if serverEv.Endpoint == "" {
		return nil, failure.New(failure.Auth, failure.InvalidEndpoint, voicegateway.ErrNoEndpoint)
	}

	sub := newSession(s.session, s.userID, s.opts, s)
	sub.guildID = guildID
	sub.state = voicegateway.State{
		ServerID:  rtcServerID,
		ChannelID: state.ChannelID,
		UserID:    s.userID,
		SessionID: state.SessionID,
		Token:     serverEv.Token,
		Endpoint:  serverEv.Endpoint,
		Video:     true,
	}

	sub.transition(evJoin)
	sub.transition(evAuthenticated)

	connectCtx, connectCancel := context.WithTimeout(ctx, s.opts.WSTimeout)
	defer connectCancel()

	if err := sub.connect(connectCtx, false); err != nil {
		sub.disconnect(context.Background(), err)
		s.deleteStreamKey(ctx, key)
		return nil, err
	}

	s.stream = sub
	s.streamKey = key

	s.log.WithField("stream_key", key).Info("stream started")
	return sub, nil
}

// Stream returns the live stream session, or nil.
func (s *Session) Stream() *Session {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	return s.stream
}

// StopStream ends the live stream. It does nothing if no stream is live.
func (s *Session) StopStream(ctx context.Context) error {
	s.streamMu.Lock()
	sub, key := s.stream, s.streamKey
	s.stream, s.streamKey = nil, ""
	s.streamMu.Unlock()

	if sub == nil {
		return nil
	}

	err := s.deleteStreamKey(ctx, key)
	sub.disconnect(ctx, nil)

	return err
}

// SetStreamPaused marks the live stream as paused for viewers and pauses its
// playback.
func (s *Session) SetStreamPaused(ctx context.Context, paused bool) error {
	s.streamMu.Lock()
	sub, key := s.stream, s.streamKey
	s.streamMu.Unlock()

	if sub == nil {
		return ErrNoStream
	}

	err := s.session.SendGateway(ctx, &gateway.StreamSetPausedCommand{
		StreamKey: key,
		Paused:    paused,
	})
	if err != nil {
		return failure.Wrap(failure.Signaling, failure.SendFailed, err, "failed to send stream pause")
	}

	sub.playMu.Lock()
	defer sub.playMu.Unlock()

	for _, d := range sub.active {
		if d == nil {
			continue
		}
		if paused {
			d.Pause()
		} else {
			d.Resume()
		}
	}

	return nil
}

func (s *Session) deleteStreamKey(ctx context.Context, key gateway.StreamKey) error {
	err := s.session.SendGateway(ctx, &gateway.StreamDeleteCommand{StreamKey: key})
	if err != nil {
		return failure.Wrap(failure.Signaling, failure.SendFailed, err, "failed to send stream delete")
	}
	return nil
}

// updateStreamServer moves the live stream to a new media server.
func (s *Session) updateStreamServer(ev *gateway.StreamServerUpdateEvent) {
	s.streamMu.Lock()
	sub := s.stream
	live := sub != nil && s.streamKey == ev.StreamKey
	s.streamMu.Unlock()

	if !live || ev.Endpoint == "" {
		return
	}

	sub.reconnectWith(func(state *voicegateway.State) bool {
		if state.Token == ev.Token && state.Endpoint == ev.Endpoint {
			return false
		}
		state.Token = ev.Token
		state.Endpoint = ev.Endpoint
		return true
	})
}

// deleteStream ends the live stream after the main gateway deleted it.
func (s *Session) deleteStream(ev *gateway.StreamDeleteEvent) {
	s.streamMu.Lock()
	sub := s.stream
	live := sub != nil && s.streamKey == ev.StreamKey
	if live {
		s.stream, s.streamKey = nil, ""
	}
	s.streamMu.Unlock()

	if !live {
		return
	}

	s.log.WithFields(logrus.Fields{
		"stream_key":  ev.StreamKey,
		"reason":      ev.Reason,
		"unavailable": ev.Unavailable,
	}).Info("stream deleted")

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WSTimeout)
	defer cancel()

	sub.disconnect(ctx, nil)
}
