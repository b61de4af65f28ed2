package voice

import (
	"context"

	"github.com/relayvoice/relayvoice/voice/demux"
	"github.com/relayvoice/relayvoice/voice/failure"
	"github.com/relayvoice/relayvoice/voice/voicegateway"
)

// ReceiveOptions configures receiving.
type ReceiveOptions struct {
	// EndOnSilence closes the audio stream of a user once they stop
	// speaking.
	EndOnSilence bool
	// StreamBuffer is the number of packets buffered per audio stream.
	StreamBuffer int
	// DispatchPackets dispatches a PacketEvent for every received audio
	// packet. Streams have to be drained through the handler then.
	DispatchPackets bool
}

// Receive starts reading packets from the relay. It returns the running
// demultiplexer, which stays valid until the session disconnects; a second
// call returns the same one. Receiving survives reconnects.
func (s *Session) Receive(opts ReceiveOptions) (*demux.Demuxer, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.demux != nil {
		return s.demux, nil
	}

	if s.State() != Connected || s.udp == nil {
		return nil, failure.New(failure.Transport, failure.NotConnected, voicegateway.ErrNotReady)
	}

	d := demux.New(s.speakers, s.box, demux.Options{
		SpeakingTimeout: s.opts.SpeakingTimeout,
		EndOnSilence:    opts.EndOnSilence,
		StreamBuffer:    opts.StreamBuffer,
		OnEvent: func(ev demux.Event) {
			s.dispatchReceived(ev, opts.DispatchPackets)
		},
		Logger:          s.log,
		PacketsReceived: s.metrics.PacketsReceived,
		DecryptFailures: s.metrics.DecryptFailures,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.demux = d
	s.recvCancel = cancel

	m := s.udp
	go func() {
		err := d.Run(ctx, m)
		if ctx.Err() == nil {
			s.debug("stopped receiving", err)
		}
	}()

	return d, nil
}

func (s *Session) dispatchReceived(ev demux.Event, packets bool) {
	switch ev := ev.(type) {
	case *demux.SpeakingEvent:
		s.Handler.Dispatch(&SpeakingEvent{
			UserID:   ev.UserID,
			SSRC:     ev.SSRC,
			Speaking: ev.Speaking,
		})

	case *demux.StreamEvent:
		s.Handler.Dispatch(&StreamEvent{Stream: ev.Stream})

		if packets {
			go func() {
				for p := range ev.Stream.Packets() {
					s.Handler.Dispatch(&PacketEvent{p})
				}
			}()
		}

	case *demux.StreamErrorEvent:
		s.Handler.Dispatch(&ReceiveErrorEvent{
			UserID: ev.UserID,
			SSRC:   ev.SSRC,
			Err:    ev.Err,
		})
	}
}
