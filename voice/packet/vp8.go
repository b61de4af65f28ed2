package packet

// VP8 packetizes VP8 frames (RFC 7741). Every payload carries a 4-byte
// descriptor with a 15-bit picture ID that increments per frame.
type VP8 struct {
	pictureID uint16
}

const vp8DescriptorSize = 4

func (*VP8) Name() string       { return "VP8" }
func (*VP8) Kind() Kind         { return Video }
func (*VP8) PayloadType() uint8 { return VP8PayloadType }
func (*VP8) ClockRate() uint32  { return VideoClockRate }

// Payloads implements Codec.
func (v *VP8) Payloads(mtu int, frame []byte) ([][]byte, error) {
	chunk := mtu - vp8DescriptorSize
	if chunk <= 0 || len(frame) == 0 {
		return nil, nil
	}

	pid := v.pictureID
	v.pictureID = (v.pictureID + 1) & 0x7FFF

	payloads := make([][]byte, 0, (len(frame)+chunk-1)/chunk)

	for off := 0; off < len(frame); off += chunk {
		end := min(off+chunk, len(frame))

		p := make([]byte, vp8DescriptorSize, vp8DescriptorSize+end-off)
		p[0] = 0x80 // X: extended control bits present
		if off == 0 {
			p[0] |= 0x10 // S: start of partition
		}
		p[1] = 0x80 // I: picture ID present
		p[2] = 0x80 | byte(pid>>8)&0x7F
		p[3] = byte(pid)

		payloads = append(payloads, append(p, frame[off:end]...))
	}

	return payloads, nil
}
