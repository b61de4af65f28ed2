package packet

import (
	"bytes"
	"crypto/rand"
	"math"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayvoice/relayvoice/voice/aead"
)

func newBox(t *testing.T, mode aead.Mode) *aead.Box {
	t.Helper()

	var key [aead.KeySize]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)

	c, err := aead.NewCipher(mode, key)
	require.NoError(t, err)

	box := &aead.Box{}
	box.Use(c)
	return box
}

// open decrypts a packet the way a receiver does and returns its clear header
// (as parsed by pion) and payload.
func open(t *testing.T, box *aead.Box, b []byte) (rtp.Header, []byte) {
	t.Helper()

	h, err := ParseHeader(b)
	require.NoError(t, err)

	plain, err := box.Open(nil, b, h.AADLen)
	require.NoError(t, err)

	var full rtp.Header
	_, err = full.Unmarshal(append(append([]byte(nil), b[:h.AADLen]...), plain...))
	require.NoError(t, err)

	payload, err := h.StripExtension(plain)
	require.NoError(t, err)

	return full, payload
}

func lengthPrefixed(nals ...[]byte) []byte {
	var b []byte
	for _, nal := range nals {
		n := len(nal)
		b = append(b, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
		b = append(b, nal...)
	}
	return b
}

func TestPacketizerWrap(t *testing.T) {
	box := newBox(t, aead.XChaCha20Poly1305)
	p := NewPacketizer(Opus{}, 0x1234, box)
	p.Reset(math.MaxUint16, math.MaxUint32-500)

	frame := []byte{0xFC, 0x01, 0x02}
	expect := []struct {
		seq uint16
		ts  uint32
	}{
		{math.MaxUint16, math.MaxUint32 - 500},
		{0, 459},
		{1, 1419},
	}

	for _, e := range expect {
		packets, err := p.Packetize(frame, Ticks(AudioClockRate, 20*time.Millisecond))
		require.NoError(t, err)
		require.Len(t, packets, 1)

		assert.Equal(t, byte(0x80), packets[0][0], "audio packets have no extension")

		h, payload := open(t, box, packets[0])
		assert.Equal(t, e.seq, h.SequenceNumber)
		assert.Equal(t, e.ts, h.Timestamp)
		assert.Equal(t, uint32(0x1234), h.SSRC)
		assert.Equal(t, OpusPayloadType, h.PayloadType)
		assert.False(t, h.Marker)
		assert.Equal(t, frame, payload)
	}
}

func TestPacketizerSetSSRC(t *testing.T) {
	box := newBox(t, aead.AES256GCM)
	p := NewPacketizer(Opus{}, 1, box)

	first, err := p.Packetize(OpusSilence, 960)
	require.NoError(t, err)

	p.SetSSRC(2)
	assert.Equal(t, uint32(2), p.SSRC())

	second, err := p.Packetize(OpusSilence, 960)
	require.NoError(t, err)

	h1, _ := open(t, box, first[0])
	h2, _ := open(t, box, second[0])
	assert.Equal(t, uint32(1), h1.SSRC)
	assert.Equal(t, uint32(2), h2.SSRC)
	assert.Equal(t, h1.SequenceNumber+1, h2.SequenceNumber, "sequence continues across SSRC changes")
}

func TestTicks(t *testing.T) {
	assert.Equal(t, uint32(960), Ticks(AudioClockRate, 20*time.Millisecond))
	assert.Equal(t, uint32(3000), Ticks(VideoClockRate, time.Second/30))
	assert.Equal(t, uint32(1500), Ticks(VideoClockRate, time.Second/60))
}

func TestPacketizerH264(t *testing.T) {
	box := newBox(t, aead.AES256GCM)
	p := NewPacketizer(H264(), 77, box)

	sps := []byte{0x67, 0x42, 0x00, 0x00, 0x01, 0x1F} // contains a start code pattern
	idr := make([]byte, 3000)
	idr[0] = 0x65
	_, err := rand.Read(idr[1:])
	require.NoError(t, err)

	packets, err := p.Packetize(lengthPrefixed(sps, idr), 3000)
	require.NoError(t, err)
	require.Greater(t, len(packets), 3)

	var (
		depacketizer codecs.H264Packet
		reassembled  []byte
		starts, ends int
	)

	for i, b := range packets {
		assert.Equal(t, byte(0x90), b[0], "video packets carry an extension")
		assert.Equal(t, []byte{0xBE, 0xDE, 0x00, 0x01}, b[12:16])

		h, payload := open(t, box, b)
		assert.Equal(t, uint16(i), h.SequenceNumber)
		assert.Equal(t, uint32(0), h.Timestamp)
		assert.Equal(t, i == len(packets)-1, h.Marker, "marker only on the last packet")
		assert.Equal(t, []byte{0, 0, 0}, h.GetExtension(PlayoutDelayExtensionID))
		assert.LessOrEqual(t, len(payload), DefaultMTU)

		if payload[0]&0x1F == 28 {
			if payload[1]&0x80 != 0 {
				starts++
			}
			if payload[1]&0x40 != 0 {
				ends++
			}
		}

		out, err := depacketizer.Unmarshal(payload)
		require.NoError(t, err)
		reassembled = append(reassembled, out...)
	}

	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, ends)

	expect := append([]byte{0, 0, 0, 1}, sps...)
	expect = append(expect, 0, 0, 0, 1)
	expect = append(expect, idr...)
	assert.True(t, bytes.Equal(expect, reassembled), "reassembled access unit differs")

	_, ts := p.State()
	assert.Equal(t, uint32(3000), ts)
}

func TestPacketizerH265Fragments(t *testing.T) {
	box := newBox(t, aead.AES256GCM)
	p := NewPacketizer(H265(), 1, box)
	p.MTU = 100

	nal := make([]byte, 250)
	nal[0], nal[1] = 0x26, 0x01 // IDR_W_RADL
	for i := 2; i < len(nal); i++ {
		nal[i] = byte(i)
	}

	packets, err := p.Packetize(lengthPrefixed(nal), 3000)
	require.NoError(t, err)
	require.Len(t, packets, 3)

	var body []byte
	for i, b := range packets {
		_, payload := open(t, box, b)

		assert.Equal(t, byte(49<<1), payload[0]&0x7E, "FU payload header type")
		assert.Equal(t, byte(0x01), payload[1])
		assert.Equal(t, i == 0, payload[2]&0x80 != 0, "start bit")
		assert.Equal(t, i == 2, payload[2]&0x40 != 0, "end bit")
		assert.Equal(t, byte(19), payload[2]&0x3F, "fragmented NAL type")

		body = append(body, payload[3:]...)
	}

	assert.Equal(t, nal[2:], body)
}

func TestPacketizerVP8(t *testing.T) {
	box := newBox(t, aead.XChaCha20Poly1305)
	p := NewPacketizer(&VP8{}, 9, box)
	p.MTU = 64

	frame := bytes.Repeat([]byte{0x9D}, 150)

	for picture := uint16(0); picture < 2; picture++ {
		packets, err := p.Packetize(frame, 3000)
		require.NoError(t, err)
		require.Len(t, packets, 3)

		var got []byte
		for i, b := range packets {
			_, payload := open(t, box, b)

			var vp8 codecs.VP8Packet
			out, err := vp8.Unmarshal(payload)
			require.NoError(t, err)

			assert.Equal(t, uint8(1), vp8.I)
			assert.Equal(t, picture, vp8.PictureID)
			assert.Equal(t, i == 0, vp8.S == 1)
			got = append(got, out...)
		}
		assert.Equal(t, frame, got)
	}
}

func TestNewCodec(t *testing.T) {
	for _, name := range []string{"opus", "h264", "H265", "vp8"} {
		c, err := NewCodec(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, c.Name())
	}

	_, err := NewCodec("VP9")
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestPayloadKind(t *testing.T) {
	kind, ok := PayloadKind(OpusPayloadType)
	assert.True(t, ok)
	assert.Equal(t, Audio, kind)

	kind, ok = PayloadKind(H264PayloadType + 1)
	assert.True(t, ok)
	assert.Equal(t, Video, kind)

	_, ok = PayloadKind(0)
	assert.False(t, ok)
}

func TestPayloadTypeOf(t *testing.T) {
	pt, ok := PayloadTypeOf("hevc")
	assert.True(t, ok)
	assert.Equal(t, H265PayloadType, pt)

	pt, ok = PayloadTypeOf("av1")
	assert.True(t, ok)
	assert.Equal(t, "AV1", CodecName(pt))

	_, ok = PayloadTypeOf("theora")
	assert.False(t, ok)
}

func TestParseHeader(t *testing.T) {
	_, err := ParseHeader([]byte{0x80, 0x78})
	assert.ErrorIs(t, err, ErrShortHeader)

	_, err = ParseHeader([]byte{0x90, 0x78, 0, 1, 0, 0, 0, 1, 0, 0, 0, 1, 0xBE})
	assert.ErrorIs(t, err, ErrShortHeader)

	assert.True(t, IsRTCP([]byte{0x80, 200}))
	assert.False(t, IsRTCP([]byte{0x80, 0x78}))
}
