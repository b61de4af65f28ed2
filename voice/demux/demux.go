// Package demux decrypts the RTP packets received from the voice relay and
// routes them to per-speaker streams.
package demux

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/relayvoice/relayvoice/discord"
	"github.com/relayvoice/relayvoice/voice/aead"
	"github.com/relayvoice/relayvoice/voice/failure"
	"github.com/relayvoice/relayvoice/voice/packet"
	"github.com/relayvoice/relayvoice/voice/udp"
)

// Packet is a decrypted packet of a remote user.
type Packet struct {
	UserID discord.UserID
	Kind   packet.Kind
	// RTX is set for packets of a video retransmission stream.
	RTX     bool
	Header  packet.Header
	Payload []byte
}

// RTP marshals the packet back into plain RTP, without header extensions.
func (p Packet) RTP() ([]byte, error) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         p.Header.Marker,
			PayloadType:    p.Header.PayloadType,
			SequenceNumber: p.Header.SequenceNumber,
			Timestamp:      p.Header.Timestamp,
			SSRC:           p.Header.SSRC,
		},
		Payload: p.Payload,
	}
	return pkt.Marshal()
}

// Event is one of SpeakingEvent, StreamEvent or StreamErrorEvent.
type Event interface{ demuxEvent() }

// SpeakingEvent is emitted when a user starts or stops sending audio.
type SpeakingEvent struct {
	UserID   discord.UserID
	SSRC     uint32
	Speaking bool
}

// StreamEvent is emitted when a new audio stream was opened for a user.
type StreamEvent struct {
	Stream *Stream
}

// StreamErrorEvent reports a packet that couldn't be received. It never ends
// the stream it belongs to.
type StreamErrorEvent struct {
	UserID discord.UserID
	SSRC   uint32
	Err    error
}

func (*SpeakingEvent) demuxEvent()    {}
func (*StreamEvent) demuxEvent()      {}
func (*StreamErrorEvent) demuxEvent() {}

// VideoSink consumes the video packets of a user, typically to feed a decoder.
type VideoSink interface {
	WritePacket(Packet) error
}

// Stream is the audio of one user.
type Stream struct {
	UserID discord.UserID

	ch      chan Packet
	dropped atomic.Uint64
}

// Packets returns the channel packets are delivered on. It is closed when the
// stream ends.
func (s *Stream) Packets() <-chan Packet { return s.ch }

// Dropped returns the number of packets dropped because the reader was too
// slow.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

// Options configures a Demuxer.
type Options struct {
	// SpeakingTimeout is how long an SSRC has to stay quiet before it is
	// considered to have stopped speaking. Default 250ms.
	SpeakingTimeout time.Duration
	// EndOnSilence closes the audio stream of a user once they stop speaking.
	// The next packet opens a new stream.
	EndOnSilence bool
	// StreamBuffer is the number of packets buffered per stream. Default 64.
	StreamBuffer int
	// OnEvent is called with every event. It must not block. Speaking and
	// stream events are delivered one at a time, in the order they happened.
	OnEvent func(Event)

	Logger logrus.FieldLogger
	// PacketsReceived counts the packets that were routed.
	PacketsReceived prometheus.Counter
	// DecryptFailures counts the packets that failed to decrypt.
	DecryptFailures prometheus.Counter
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		SpeakingTimeout: 250 * time.Millisecond,
		StreamBuffer:    64,
	}
}

func (o *Options) fill() {
	def := DefaultOptions()
	if o.SpeakingTimeout <= 0 {
		o.SpeakingTimeout = def.SpeakingTimeout
	}
	if o.StreamBuffer <= 0 {
		o.StreamBuffer = def.StreamBuffer
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

type speakingState struct {
	user     discord.UserID
	timer    *time.Timer
	deadline time.Time
}

// Demuxer routes received packets by SSRC. Handle may be called concurrently.
type Demuxer struct {
	opts  Options
	table *Table
	box   *aead.Box
	log   logrus.FieldLogger

	mu       sync.Mutex
	streams  map[discord.UserID]*Stream
	sinks    map[discord.UserID]VideoSink
	speaking map[uint32]*speakingState
	closed   bool

	// pending holds speaking and stream events in the order their state
	// changed. Only the goroutine that set flushing emits them.
	pending  []Event
	flushing bool
}

// New creates a Demuxer resolving SSRCs through table and decrypting with box.
func New(table *Table, box *aead.Box, opts Options) *Demuxer {
	opts.fill()

	return &Demuxer{
		opts:     opts,
		table:    table,
		box:      box,
		log:      opts.Logger.WithField("component", "demux"),
		streams:  make(map[discord.UserID]*Stream),
		sinks:    make(map[discord.UserID]VideoSink),
		speaking: make(map[uint32]*speakingState),
	}
}

// Subscribe returns the audio stream of a user, opening it if needed. It
// returns nil once the Demuxer is closed.
func (d *Demuxer) Subscribe(user discord.UserID) *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, _ := d.stream(user)
	return s
}

// stream returns the stream of the user; created is true if it was opened by
// this call.
func (d *Demuxer) stream(user discord.UserID) (s *Stream, created bool) {
	if d.closed {
		return nil, false
	}
	if s, ok := d.streams[user]; ok {
		return s, false
	}

	s = &Stream{UserID: user, ch: make(chan Packet, d.opts.StreamBuffer)}
	d.streams[user] = s
	return s, true
}

// SetVideoSink sets where the video packets of a user go. A nil sink drops
// them.
func (d *Demuxer) SetVideoSink(user discord.UserID, sink VideoSink) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	if sink == nil {
		delete(d.sinks, user)
	} else {
		d.sinks[user] = sink
	}
}

// RemoveUser ends the streams of a user, typically after they disconnected.
// No stop-speaking event is emitted for them.
func (d *Demuxer) RemoveUser(user discord.UserID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for ssrc, st := range d.speaking {
		if st.user == user {
			st.timer.Stop()
			delete(d.speaking, ssrc)
		}
	}

	d.closeStream(user)
	delete(d.sinks, user)
}

func (d *Demuxer) closeStream(user discord.UserID) {
	if s, ok := d.streams[user]; ok {
		close(s.ch)
		delete(d.streams, user)
	}
}

// Close ends all streams. Packets handled afterwards are dropped.
func (d *Demuxer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true

	for _, st := range d.speaking {
		st.timer.Stop()
	}
	d.speaking = nil

	for user := range d.streams {
		d.closeStream(user)
	}
	d.sinks = nil
}

// Run reads datagrams from r and handles them until reading fails or ctx
// expires. Reading isn't interrupted by ctx, so r has to be closed or have a
// deadline for Run to return promptly.
func (d *Demuxer) Run(ctx context.Context, r io.Reader) error {
	buf := make([]byte, udp.MaxDatagramSize)

	for {
		n, err := r.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		d.Handle(buf[:n])

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Handle decrypts and routes one datagram. b isn't retained.
func (d *Demuxer) Handle(b []byte) {
	if packet.IsRTCP(b) {
		return
	}

	h, err := packet.ParseHeader(b)
	if err != nil {
		d.log.WithError(err).Debug("dropping malformed packet")
		return
	}

	kind, ok := packet.PayloadKind(h.PayloadType)
	if !ok {
		return
	}

	route, ok := d.table.Lookup(h.SSRC)
	if !ok {
		d.log.WithField("ssrc", h.SSRC).Debug("dropping packet of unknown SSRC")
		return
	}

	payload, err := d.box.Open(nil, b, h.AADLen)
	if err != nil {
		if d.opts.DecryptFailures != nil {
			d.opts.DecryptFailures.Inc()
		}
		d.emit(&StreamErrorEvent{
			UserID: route.UserID,
			SSRC:   h.SSRC,
			Err:    failure.New(failure.Decrypt, failure.DecryptFailed, err),
		})
		return
	}

	if h.Extension {
		payload, err = h.StripExtension(payload)
		if err != nil {
			d.emit(&StreamErrorEvent{
				UserID: route.UserID,
				SSRC:   h.SSRC,
				Err:    failure.StreamFailure(failure.OriginDemuxer, err),
			})
			return
		}
	}

	if d.opts.PacketsReceived != nil {
		d.opts.PacketsReceived.Inc()
	}

	now := time.Now()
	d.table.Touch(route.UserID, now)

	p := Packet{
		UserID:  route.UserID,
		Kind:    kind,
		RTX:     route.RTX,
		Header:  h,
		Payload: payload,
	}

	if kind == packet.Video {
		d.handleVideo(p)
		return
	}

	d.handleAudio(p, now)
}

func (d *Demuxer) handleVideo(p Packet) {
	d.mu.Lock()
	sink := d.sinks[p.UserID]
	d.mu.Unlock()

	if sink == nil {
		return
	}

	if err := sink.WritePacket(p); err != nil {
		d.emit(&StreamErrorEvent{
			UserID: p.UserID,
			SSRC:   p.Header.SSRC,
			Err:    failure.StreamFailure(failure.OriginDecoder, err),
		})
	}
}

func (d *Demuxer) handleAudio(p Packet, now time.Time) {
	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()
		return
	}

	ssrc := p.Header.SSRC
	deadline := now.Add(d.opts.SpeakingTimeout)

	if st, ok := d.speaking[ssrc]; ok {
		st.deadline = deadline
	} else {
		st = &speakingState{user: p.UserID, deadline: deadline}
		st.timer = time.AfterFunc(d.opts.SpeakingTimeout, func() { d.expire(ssrc, st) })
		d.speaking[ssrc] = st

		d.pending = append(d.pending, &SpeakingEvent{UserID: p.UserID, SSRC: ssrc, Speaking: true})
	}

	s, created := d.stream(p.UserID)
	if created {
		d.pending = append(d.pending, &StreamEvent{Stream: s})
	}

	select {
	case s.ch <- p:
	default:
		s.dropped.Inc()
	}

	d.mu.Unlock()

	d.flush()
}

// expire is called by the speaking timer of st. The timer isn't reset on
// every packet; instead, it rearms itself until the deadline has passed.
func (d *Demuxer) expire(ssrc uint32, st *speakingState) {
	d.mu.Lock()

	if d.speaking[ssrc] != st {
		d.mu.Unlock()
		return
	}

	if left := time.Until(st.deadline); left > 0 {
		st.timer.Reset(left)
		d.mu.Unlock()
		return
	}

	delete(d.speaking, ssrc)

	if d.opts.EndOnSilence {
		d.closeStream(st.user)
	}

	d.pending = append(d.pending, &SpeakingEvent{UserID: st.user, SSRC: ssrc, Speaking: false})
	d.mu.Unlock()

	d.flush()
}

// flush emits the pending events. If another goroutine is already emitting,
// it returns at once and leaves them to that goroutine.
func (d *Demuxer) flush() {
	d.mu.Lock()
	if d.flushing {
		d.mu.Unlock()
		return
	}
	d.flushing = true

	for len(d.pending) > 0 {
		events := d.pending
		d.pending = nil
		d.mu.Unlock()

		for _, ev := range events {
			d.emit(ev)
		}

		d.mu.Lock()
	}

	d.flushing = false
	d.mu.Unlock()
}

func (d *Demuxer) emit(ev Event) {
	if d.opts.OnEvent != nil {
		d.opts.OnEvent(ev)
	}
}
