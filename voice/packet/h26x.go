package packet

import (
	"github.com/pkg/errors"

	"github.com/relayvoice/relayvoice/voice/framing"
)

// NALCodec packetizes H.264 and H.265 access units. Frames must be
// length-prefixed access units as produced by framing.AnnexBSplitter. Each NAL
// unit is sent as a single-unit payload if it fits, or as fragmentation units
// otherwise. Aggregation packets are never produced.
//
// Fragmentation is done here rather than with pion's payloaders because those
// rescan their input for start codes, and a parameter set with its emulation
// prevention bytes removed may contain one.
type NALCodec struct {
	name string
	pt   uint8
	// header is the NAL unit header size.
	header int
	// fuHeader builds the payload header and FU header for a fragment of nal.
	fuHeader func(nal []byte, start, end bool) []byte
}

// H264 creates the H.264 codec, fragmenting with FU-A (RFC 6184).
func H264() *NALCodec {
	return &NALCodec{
		name:   "H264",
		pt:     H264PayloadType,
		header: 1,
		fuHeader: func(nal []byte, start, end bool) []byte {
			const fuA = 28
			return []byte{
				nal[0]&0xE0 | fuA,
				fuFlags(start, end) | nal[0]&0x1F,
			}
		},
	}
}

// H265 creates the H.265 codec, fragmenting with FUs (RFC 7798).
func H265() *NALCodec {
	return &NALCodec{
		name:   "H265",
		pt:     H265PayloadType,
		header: 2,
		fuHeader: func(nal []byte, start, end bool) []byte {
			const fu = 49
			return []byte{
				nal[0]&0x81 | fu<<1,
				nal[1],
				fuFlags(start, end) | (nal[0]>>1)&0x3F,
			}
		},
	}
}

func fuFlags(start, end bool) byte {
	var b byte
	if start {
		b |= 0x80
	}
	if end {
		b |= 0x40
	}
	return b
}

func (c *NALCodec) Name() string       { return c.name }
func (c *NALCodec) Kind() Kind         { return Video }
func (c *NALCodec) PayloadType() uint8 { return c.pt }
func (c *NALCodec) ClockRate() uint32  { return VideoClockRate }

// Payloads implements Codec.
func (c *NALCodec) Payloads(mtu int, frame []byte) ([][]byte, error) {
	nals, err := framing.SplitLengthPrefixed(frame)
	if err != nil {
		return nil, err
	}

	var payloads [][]byte

	for _, nal := range nals {
		if len(nal) <= c.header {
			continue
		}

		if len(nal) <= mtu {
			payloads = append(payloads, nal)
			continue
		}

		hdrSize := len(c.fuHeader(nal, false, false))
		chunk := mtu - hdrSize
		if chunk <= 0 {
			return nil, errors.Errorf("MTU %d too small for %s fragmentation", mtu, c.name)
		}

		body := nal[c.header:]
		for off := 0; off < len(body); off += chunk {
			end := min(off+chunk, len(body))

			p := c.fuHeader(nal, off == 0, end == len(body))
			p = append(p, body[off:end]...)
			payloads = append(payloads, p)
		}
	}

	return payloads, nil
}
