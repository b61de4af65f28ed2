package packet

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pkg/errors"

	"github.com/relayvoice/relayvoice/voice/aead"
)

// DefaultMTU is the default maximum RTP payload size.
const DefaultMTU = 1200

// PlayoutDelayExtensionID is the one-byte header extension ID of the playout
// delay extension attached to video packets.
const PlayoutDelayExtensionID = 5

// Packetizer turns frames of one codec into encrypted RTP packets for one
// SSRC. It owns the sequence number and timestamp of that stream. A
// Packetizer is safe for concurrent use, but frames are expected to come from
// a single dispatcher.
type Packetizer struct {
	// MTU is the maximum payload size, codec descriptors included.
	MTU int

	codec Codec
	ssrc  uint32
	box   *aead.Box

	mu  sync.Mutex
	seq uint16
	ts  uint32
}

// NewPacketizer creates a Packetizer. box is usually shared by all
// packetizers of a session.
func NewPacketizer(codec Codec, ssrc uint32, box *aead.Box) *Packetizer {
	return &Packetizer{
		MTU:   DefaultMTU,
		codec: codec,
		ssrc:  ssrc,
		box:   box,
	}
}

// Codec returns the packetizer's codec.
func (p *Packetizer) Codec() Codec { return p.codec }

// SSRC returns the packetizer's SSRC.
func (p *Packetizer) SSRC() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ssrc
}

// SetSSRC changes the SSRC of the following packets, such as after the
// session moved to another relay.
func (p *Packetizer) SetSSRC(ssrc uint32) {
	p.mu.Lock()
	p.ssrc = ssrc
	p.mu.Unlock()
}

// Reset sets the sequence number and timestamp of the next packet.
func (p *Packetizer) Reset(seq uint16, ts uint32) {
	p.mu.Lock()
	p.seq, p.ts = seq, ts
	p.mu.Unlock()
}

// State returns the sequence number and timestamp of the next packet.
func (p *Packetizer) State() (seq uint16, ts uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.seq, p.ts
}

// Packetize builds the packets of one frame. All packets share the frame's
// timestamp; the timestamp then advances by ticks. For video, the last packet
// carries the marker bit and every packet carries a zero playout delay.
// Counters wrap modulo 2^16 and 2^32.
func (p *Packetizer) Packetize(frame []byte, ticks uint32) ([][]byte, error) {
	payloads, err := p.codec.Payloads(p.MTU, frame)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to split %s frame", p.codec.Name())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	video := p.codec.Kind() == Video
	packets := make([][]byte, 0, len(payloads))

	for i, payload := range payloads {
		h := rtp.Header{
			Version:        2,
			Marker:         video && i == len(payloads)-1,
			PayloadType:    p.codec.PayloadType(),
			SequenceNumber: p.seq,
			Timestamp:      p.ts,
			SSRC:           p.ssrc,
		}

		if video {
			delay, _ := rtp.PlayoutDelayExtension{}.Marshal()
			if err := h.SetExtension(PlayoutDelayExtensionID, delay); err != nil {
				return nil, errors.Wrap(err, "failed to set playout delay")
			}
		}

		packet, err := p.seal(&h, payload)
		if err != nil {
			return nil, err
		}

		packets = append(packets, packet)
		p.seq++
	}

	p.ts += ticks
	return packets, nil
}

// seal marshals h and encrypts the extension body together with payload.
func (p *Packetizer) seal(h *rtp.Header, payload []byte) ([]byte, error) {
	hb, err := h.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal RTP header")
	}

	aadLen := FixedHeaderSize + 4*len(h.CSRC)
	if h.Extension {
		aadLen += ExtensionHeaderSize
	}

	plaintext := append(hb[aadLen:len(hb):len(hb)], payload...)

	out := make([]byte, 0, aadLen+len(plaintext)+aead.CounterSize+16)
	return p.box.Seal(out, hb[:aadLen], plaintext)
}
