package demux

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayvoice/relayvoice/discord"
	"github.com/relayvoice/relayvoice/voice/aead"
	"github.com/relayvoice/relayvoice/voice/failure"
	"github.com/relayvoice/relayvoice/voice/packet"
)

func newBox(t *testing.T) *aead.Box {
	t.Helper()

	var key [aead.KeySize]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)

	c, err := aead.NewCipher(aead.AES256GCM, key)
	require.NoError(t, err)

	box := &aead.Box{}
	box.Use(c)
	return box
}

type sender struct {
	t  *testing.T
	pk *packet.Packetizer
}

func newSender(t *testing.T, codec string, ssrc uint32, box *aead.Box) *sender {
	c, err := packet.NewCodec(codec)
	require.NoError(t, err)
	return &sender{t, packet.NewPacketizer(c, ssrc, box)}
}

func (s *sender) packet(frame []byte) []byte {
	packets, err := s.pk.Packetize(frame, 960)
	require.NoError(s.t, err)
	require.Len(s.t, packets, 1)
	return packets[0]
}

type eventLog chan Event

func (l eventLog) add(ev Event) { l <- ev }

func (l eventLog) next(t *testing.T, timeout time.Duration) Event {
	t.Helper()

	select {
	case ev := <-l:
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func (l eventLog) none(t *testing.T, wait time.Duration) {
	t.Helper()

	select {
	case ev := <-l:
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(wait):
	}
}

func newDemuxer(table *Table, box *aead.Box, opts Options) (*Demuxer, eventLog) {
	events := make(eventLog, 256)
	opts.OnEvent = events.add
	return New(table, box, opts), events
}

func TestDemuxerAudio(t *testing.T) {
	box := newBox(t)
	table := NewTable()
	table.SetAudio(42, 1000, 1)

	d, events := newDemuxer(table, box, Options{})
	defer d.Close()

	s := newSender(t, "opus", 1000, box)
	d.Handle(s.packet([]byte("hello")))

	speaking := events.next(t, time.Second).(*SpeakingEvent)
	assert.Equal(t, &SpeakingEvent{UserID: 42, SSRC: 1000, Speaking: true}, speaking)

	opened := events.next(t, time.Second).(*StreamEvent)
	assert.Equal(t, discord.UserID(42), opened.Stream.UserID)

	p := <-opened.Stream.Packets()
	assert.Equal(t, []byte("hello"), p.Payload)
	assert.Equal(t, packet.Audio, p.Kind)
	assert.Equal(t, uint32(1000), p.Header.SSRC)

	assert.Same(t, opened.Stream, d.Subscribe(42))

	speaker, ok := table.Speaker(42)
	require.True(t, ok)
	assert.False(t, speaker.LastPacket.IsZero())
}

func TestDemuxerStopSpeaking(t *testing.T) {
	const timeout = 80 * time.Millisecond

	box := newBox(t)
	table := NewTable()
	table.SetAudio(1, 10, 1)

	d, events := newDemuxer(table, box, Options{SpeakingTimeout: timeout})
	defer d.Close()

	s := newSender(t, "opus", 10, box)

	var last time.Time
	for i := 0; i < 8; i++ {
		b := s.packet([]byte{byte(i)})
		last = time.Now()
		d.Handle(b)
		time.Sleep(timeout / 4)
	}

	start := events.next(t, time.Second).(*SpeakingEvent)
	assert.True(t, start.Speaking)
	_ = events.next(t, time.Second).(*StreamEvent)

	stop := events.next(t, time.Second).(*SpeakingEvent)
	stoppedAt := time.Now()

	assert.False(t, stop.Speaking)
	assert.GreaterOrEqual(t, stoppedAt.Sub(last), timeout, "stopped speaking too early")

	events.none(t, 3*timeout)

	// The next packet starts a new burst.
	d.Handle(s.packet([]byte{0xFF}))
	restart := events.next(t, time.Second).(*SpeakingEvent)
	assert.True(t, restart.Speaking)
}

func TestDemuxerSpeakingOrder(t *testing.T) {
	const timeout = 20 * time.Millisecond

	box := newBox(t)
	table := NewTable()
	table.SetAudio(1, 10, 1)

	release := make(chan struct{})
	events := make(eventLog, 16)

	d := New(table, box, Options{
		SpeakingTimeout: timeout,
		OnEvent: func(ev Event) {
			if sp, ok := ev.(*SpeakingEvent); ok && sp.Speaking {
				// Hold up the first start event until the burst expired
				// and a new one began.
				<-release
			}
			events.add(ev)
		},
	})
	defer d.Close()

	s := newSender(t, "opus", 10, box)

	go d.Handle(s.packet([]byte{0}))

	// Wait for the burst to expire while its start event is still held.
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.flushing && len(d.speaking) == 0 && len(d.pending) > 0
	}, time.Second, time.Millisecond)

	// A racing packet starts the next burst; it must not overtake the stop
	// event of the previous one.
	d.Handle(s.packet([]byte{1}))
	close(release)

	var speaking []bool
	for len(speaking) < 3 {
		if sp, ok := events.next(t, time.Second).(*SpeakingEvent); ok {
			speaking = append(speaking, sp.Speaking)
		}
	}

	assert.Equal(t, []bool{true, false, true}, speaking)
}

func TestDemuxerEndOnSilence(t *testing.T) {
	box := newBox(t)
	table := NewTable()
	table.SetAudio(1, 10, 1)

	d, events := newDemuxer(table, box, Options{
		SpeakingTimeout: 30 * time.Millisecond,
		EndOnSilence:    true,
	})
	defer d.Close()

	s := newSender(t, "opus", 10, box)
	d.Handle(s.packet([]byte{1}))

	_ = events.next(t, time.Second).(*SpeakingEvent)
	stream := events.next(t, time.Second).(*StreamEvent).Stream

	<-stream.Packets()

	select {
	case _, ok := <-stream.Packets():
		assert.False(t, ok, "stream should be closed")
	case <-time.After(time.Second):
		t.Fatal("stream not closed after silence")
	}

	d.Handle(s.packet([]byte{2}))
	_ = events.next(t, time.Second).(*SpeakingEvent)
	_ = events.next(t, time.Second).(*SpeakingEvent)

	reopened := events.next(t, time.Second).(*StreamEvent).Stream
	assert.NotSame(t, stream, reopened)
}

func TestDemuxerDecryptFailure(t *testing.T) {
	box := newBox(t)
	table := NewTable()
	table.SetAudio(1, 10, 1)
	table.SetAudio(2, 20, 1)

	failures := prometheus.NewCounter(prometheus.CounterOpts{Name: "decrypt_failures"})
	received := prometheus.NewCounter(prometheus.CounterOpts{Name: "received"})

	d, events := newDemuxer(table, box, Options{
		DecryptFailures: failures,
		PacketsReceived: received,
	})
	defer d.Close()

	good := newSender(t, "opus", 10, box)
	bad := newSender(t, "opus", 20, newBox(t))

	d.Handle(bad.packet([]byte("garbage")))

	ev := events.next(t, time.Second).(*StreamErrorEvent)
	assert.Equal(t, discord.UserID(2), ev.UserID)
	assert.Equal(t, uint32(20), ev.SSRC)
	assert.True(t, failure.Is(ev.Err, failure.DecryptFailed))

	d.Handle(good.packet([]byte("fine")))

	_ = events.next(t, time.Second).(*SpeakingEvent)
	stream := events.next(t, time.Second).(*StreamEvent).Stream
	assert.Equal(t, discord.UserID(1), stream.UserID)
	assert.Equal(t, []byte("fine"), (<-stream.Packets()).Payload)

	assert.Equal(t, 1.0, testutil.ToFloat64(failures))
	assert.Equal(t, 1.0, testutil.ToFloat64(received))
}

func TestDemuxerDrops(t *testing.T) {
	box := newBox(t)
	table := NewTable()
	table.SetAudio(1, 10, 1)

	d, events := newDemuxer(table, box, Options{})
	defer d.Close()

	// RTCP sender report.
	d.Handle([]byte{0x80, 200, 0, 6, 0, 0, 0, 10})

	// Unknown payload type.
	unknown := newSender(t, "opus", 10, box).packet([]byte{1})
	unknown[1] = 0x7F
	d.Handle(unknown)

	// Unknown SSRC.
	d.Handle(newSender(t, "opus", 9999, box).packet([]byte{1}))

	// Truncated.
	d.Handle([]byte{0x80})

	events.none(t, 50*time.Millisecond)
}

type sinkFunc func(Packet) error

func (f sinkFunc) WritePacket(p Packet) error { return f(p) }

func TestDemuxerVideo(t *testing.T) {
	box := newBox(t)
	table := NewTable()
	table.SetAudio(7, 70, 1)

	d, events := newDemuxer(table, box, Options{})
	defer d.Close()

	packets := make(chan Packet, 1)
	d.SetVideoSink(7, sinkFunc(func(p Packet) error {
		packets <- p
		return nil
	}))

	frame := bytes.Repeat([]byte{0xAB}, 32)
	s := newSender(t, "VP8", 71, box)
	d.Handle(s.packet(frame))

	p := <-packets
	assert.Equal(t, packet.Video, p.Kind)
	assert.Equal(t, discord.UserID(7), p.UserID)
	assert.True(t, p.Header.Marker)

	b, err := p.RTP()
	require.NoError(t, err)

	var plain rtp.Packet
	require.NoError(t, plain.Unmarshal(b))
	assert.False(t, plain.Extension)
	assert.Equal(t, packet.VP8PayloadType, plain.PayloadType)
	assert.Equal(t, uint32(71), plain.SSRC)
	assert.True(t, bytes.HasSuffix(plain.Payload, frame))

	// Video doesn't make anyone speak.
	events.none(t, 50*time.Millisecond)

	d.SetVideoSink(7, sinkFunc(func(Packet) error {
		return assert.AnError
	}))
	d.Handle(s.packet(frame))

	ev := events.next(t, time.Second).(*StreamErrorEvent)
	assert.ErrorIs(t, ev.Err, assert.AnError)
	assert.True(t, failure.Is(ev.Err, failure.StreamError))
}

func TestDemuxerRemoveUser(t *testing.T) {
	box := newBox(t)
	table := NewTable()
	table.SetAudio(1, 10, 1)

	d, events := newDemuxer(table, box, Options{SpeakingTimeout: 20 * time.Millisecond})
	defer d.Close()

	d.Handle(newSender(t, "opus", 10, box).packet([]byte{1}))
	_ = events.next(t, time.Second)
	stream := events.next(t, time.Second).(*StreamEvent).Stream

	d.RemoveUser(1)

	<-stream.Packets()
	_, ok := <-stream.Packets()
	assert.False(t, ok)

	events.none(t, 60*time.Millisecond)
}

func TestDemuxerRun(t *testing.T) {
	box := newBox(t)
	table := NewTable()
	table.SetAudio(1, 10, 1)

	d, events := newDemuxer(table, box, Options{})
	defer d.Close()

	r := &datagrams{packets: [][]byte{
		newSender(t, "opus", 10, box).packet([]byte("a")),
	}}

	err := d.Run(testContext(t), r)
	assert.ErrorIs(t, err, errDone)

	_ = events.next(t, time.Second).(*SpeakingEvent)
	stream := events.next(t, time.Second).(*StreamEvent).Stream
	assert.Equal(t, []byte("a"), (<-stream.Packets()).Payload)
}

var errDone = assert.AnError

type datagrams struct {
	packets [][]byte
}

func (d *datagrams) Read(b []byte) (int, error) {
	if len(d.packets) == 0 {
		return 0, errDone
	}
	n := copy(b, d.packets[0])
	d.packets = d.packets[1:]
	return n, nil
}

// testContext returns a context that is canceled when the test finishes,
// matching testing.T.Context on toolchains that predate it.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
