package packet

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Header sizes in bytes.
const (
	FixedHeaderSize     = 12
	ExtensionHeaderSize = 4
)

// ErrShortHeader is returned when a datagram is too small for its RTP header.
var ErrShortHeader = errors.New("RTP header truncated")

// Header is the clear part of a received RTP packet.
//
// pion's rtp.Header.Unmarshal can't be used on received packets: it parses
// the extension body, which is encrypted along with the payload.
type Header struct {
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	// Extension is set if an extension follows the header. Its body of
	// ExtensionWords 32-bit words prefixes the decrypted payload.
	Extension      bool
	ExtensionWords uint16
	// AADLen is the number of clear bytes authenticated as additional data.
	AADLen int
}

// IsRTCP reports whether the datagram is an RTCP packet, whose second byte
// falls into 192..223 (RFC 5761).
func IsRTCP(b []byte) bool {
	return len(b) >= 2 && b[1] >= 192 && b[1] <= 223
}

// ParseHeader parses the clear header of an encrypted RTP packet.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < FixedHeaderSize {
		return Header{}, ErrShortHeader
	}

	if version := b[0] >> 6; version != 2 {
		return Header{}, errors.Errorf("unexpected RTP version %d", version)
	}

	h := Header{
		Marker:         b[1]&0x80 != 0,
		PayloadType:    b[1] & 0x7F,
		SequenceNumber: binary.BigEndian.Uint16(b[2:]),
		Timestamp:      binary.BigEndian.Uint32(b[4:]),
		SSRC:           binary.BigEndian.Uint32(b[8:]),
		Extension:      b[0]&0x10 != 0,
		AADLen:         FixedHeaderSize + 4*int(b[0]&0x0F),
	}

	if h.Extension {
		if len(b) < h.AADLen+ExtensionHeaderSize {
			return Header{}, ErrShortHeader
		}
		h.ExtensionWords = binary.BigEndian.Uint16(b[h.AADLen+2:])
		h.AADLen += ExtensionHeaderSize
	}

	if len(b) < h.AADLen {
		return Header{}, ErrShortHeader
	}

	return h, nil
}

// StripExtension removes the decrypted extension body from a payload.
func (h Header) StripExtension(payload []byte) ([]byte, error) {
	n := 4 * int(h.ExtensionWords)
	if len(payload) < n {
		return nil, errors.Wrapf(ErrShortHeader, "extension of %d bytes, payload of %d", n, len(payload))
	}
	return payload[n:], nil
}
