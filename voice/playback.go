package voice

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/relayvoice/relayvoice/voice/failure"
	"github.com/relayvoice/relayvoice/voice/framing"
	"github.com/relayvoice/relayvoice/voice/packet"
	"github.com/relayvoice/relayvoice/voice/playout"
	"github.com/relayvoice/relayvoice/voice/voicegateway"
)

// PlayAudio starts sending the Opus frames of src. It replaces the current
// audio playback, if any. The returned dispatcher can pause, resume and stop
// the playback; its Done channel is closed once src is drained and sent.
func (s *Session) PlayAudio(ctx context.Context, src Source) (*playout.Dispatcher, error) {
	return s.play(ctx, packet.Audio, src)
}

// PlayVideo starts sending the video frames of src, encoded with
// Options.VideoCodec. It replaces the current video playback, if any. If audio
// is about to start, video waits for its first frame for up to
// Options.PairingTimeout. A ContainerSource holding another codec is refused
// with an InvalidContainer failure.
func (s *Session) PlayVideo(ctx context.Context, src Source) (*playout.Dispatcher, error) {
	return s.play(ctx, packet.Video, src)
}

// Playing returns the active dispatcher of the given kind, or nil.
func (s *Session) Playing(kind packet.Kind) *playout.Dispatcher {
	s.playMu.Lock()
	defer s.playMu.Unlock()

	return s.active[kind]
}

// StopPlaying stops the active dispatcher of the given kind.
func (s *Session) StopPlaying(kind packet.Kind) {
	if d := s.Playing(kind); d != nil {
		d.Stop()
	}
}

func (s *Session) play(ctx context.Context, kind packet.Kind, src Source) (*playout.Dispatcher, error) {
	if s.State() != Connected {
		return nil, failure.New(failure.Transport, failure.NotConnected, voicegateway.ErrNotReady)
	}

	gw := s.Gateway()
	if gw == nil {
		return nil, failure.New(failure.Transport, failure.NotConnected, voicegateway.ErrNotReady)
	}

	ready := gw.Ready()
	if ready == nil {
		return nil, failure.New(failure.Transport, failure.NotConnected, voicegateway.ErrNotReady)
	}

	s.mut.RLock()
	m := s.udp
	s.mut.RUnlock()

	if m == nil {
		return nil, failure.New(failure.Transport, failure.NotConnected, voicegateway.ErrNotReady)
	}

	var codec packet.Codec = packet.Opus{}
	if kind == packet.Video {
		c, err := packet.NewCodec(s.opts.VideoCodec)
		if err != nil {
			return nil, failure.New(failure.Codec, failure.InvalidCodec, err)
		}
		codec = c

		if cs, ok := src.(ContainerSource); ok {
			if err := checkContainer(cs, c); err != nil {
				return nil, err
			}
		}
	}

	pk := packet.NewPacketizer(codec, ssrcOf(kind, ready.SSRC), s.box)
	pk.MTU = s.opts.MTU

	d := playout.NewDispatcher(pk, m, playout.Options{
		BufferFrames:   s.opts.BufferFrames,
		SilenceOnPause: s.opts.SilenceOnPause,
		Logger:         s.log,
		Lateness:       s.metrics.lateness(kind),
		PacketsSent:    s.metrics.sent(kind),
	})

	if err := s.announce(ctx, kind, true); err != nil {
		return nil, err
	}

	s.playMu.Lock()
	old := s.active[kind]
	s.active[kind] = d
	audio := s.active[packet.Audio]
	s.playMu.Unlock()

	if old != nil {
		old.Stop()
	}

	if kind == packet.Video && audio != nil {
		select {
		case <-audio.Started():
		default:
			d.WaitFor(audio, s.opts.PairingTimeout)
		}
	}

	d.Start(ctx)
	go s.feed(ctx, d, src)
	go s.watch(d)

	return d, nil
}

// announce tells the voice gateway that media of kind is or isn't sent.
func (s *Session) announce(ctx context.Context, kind packet.Kind, on bool) error {
	if kind == packet.Video {
		return s.SetVideoStatus(ctx, on)
	}

	flag := voicegateway.NotSpeaking
	if on {
		flag = voicegateway.Microphone
	}
	return s.SetSpeaking(ctx, flag)
}

// feed copies frames from src into d until either ends.
func (s *Session) feed(ctx context.Context, d *playout.Dispatcher, src Source) {
	for {
		f, err := src.NextFrame()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				d.CloseInput()
			case errors.Is(err, framing.ErrInvalidContainer):
				d.Fail(failure.OriginEncoder, containerFailure(err))
			default:
				d.Fail(failure.OriginEncoder, err)
			}
			return
		}

		if err := d.Write(ctx, f); err != nil {
			// The dispatcher is done or ctx expired; either way its result
			// is already decided.
			d.CloseInput()
			return
		}
	}
}

// checkContainer fails unless the container of src holds frames of codec.
func checkContainer(src ContainerSource, codec packet.Codec) error {
	name, err := src.ContainerCodec()
	if err != nil {
		if errors.Is(err, framing.ErrInvalidContainer) {
			return containerFailure(err)
		}
		return failure.StreamFailure(failure.OriginEncoder, err)
	}

	if !strings.EqualFold(name, codec.Name()) {
		return containerFailure(errors.Wrapf(framing.ErrInvalidContainer,
			"container holds %s, session sends %s", name, codec.Name()))
	}
	return nil
}

func containerFailure(err error) *failure.Error {
	return &failure.Error{
		Kind:   failure.Codec,
		Reason: failure.InvalidContainer,
		Origin: failure.OriginEncoder,
		Err:    err,
	}
}

// watch reports the end of d.
func (s *Session) watch(d *playout.Dispatcher) {
	<-d.Done()

	kind := d.Kind()

	s.playMu.Lock()
	active := s.active[kind] == d
	if active {
		s.active[kind] = nil
	}
	s.playMu.Unlock()

	err := d.Err()

	if active && s.State() == Connected {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.WSTimeout)
		if aerr := s.announce(ctx, kind, false); aerr != nil {
			s.debug("failed to announce the end of playback", aerr)
		}
		cancel()
	}

	var ferr *failure.Error
	if !errors.As(err, &ferr) {
		return
	}

	if active {
		s.log.WithError(ferr).WithField("kind", kind.String()).Warn("playback failed")
		s.Handler.Dispatch(&ErrorEvent{Err: ferr})
	} else {
		s.debug("replaced playback failed", ferr)
	}
}
