// Package packet builds the encrypted RTP packets a voice session sends, and
// parses the headers of the ones it receives.
package packet

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Kind is the media kind of a codec.
type Kind uint8

const (
	Audio Kind = iota
	Video
)

func (k Kind) String() string {
	if k == Video {
		return "video"
	}
	return "audio"
}

// Payload types agreed on with the relay. The retransmission payload type of
// a video codec is its payload type plus one.
const (
	OpusPayloadType uint8 = 120
	H264PayloadType uint8 = 101
	H265PayloadType uint8 = 103
	VP8PayloadType  uint8 = 105
	VP9PayloadType  uint8 = 107
	AV1PayloadType  uint8 = 109
)

// Clock rates.
const (
	AudioClockRate = 48000
	VideoClockRate = 90000
)

// ErrUnsupportedCodec is returned for codecs this package can't packetize.
var ErrUnsupportedCodec = errors.New("unsupported codec")

// Codec splits encoded frames into RTP payloads.
type Codec interface {
	Name() string
	Kind() Kind
	PayloadType() uint8
	ClockRate() uint32
	// Payloads splits one frame into payloads of at most mtu bytes each.
	Payloads(mtu int, frame []byte) ([][]byte, error)
}

// NewCodec creates a codec by name: "opus", "H264", "H265" or "VP8". Codecs
// may be stateful, so each packetizer needs its own instance.
func NewCodec(name string) (Codec, error) {
	switch strings.ToUpper(name) {
	case "OPUS":
		return Opus{}, nil
	case "H264":
		return H264(), nil
	case "H265", "HEVC":
		return H265(), nil
	case "VP8":
		return &VP8{}, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedCodec, "%q", name)
	}
}

// PayloadKind tells the media kind of a received payload type. Retransmission
// payload types are reported as video too. ok is false for unknown types.
func PayloadKind(pt uint8) (kind Kind, ok bool) {
	switch pt {
	case OpusPayloadType:
		return Audio, true
	case H264PayloadType, H265PayloadType, VP8PayloadType, VP9PayloadType, AV1PayloadType,
		H264PayloadType + 1, H265PayloadType + 1, VP8PayloadType + 1, VP9PayloadType + 1, AV1PayloadType + 1:
		return Video, true
	default:
		return 0, false
	}
}

// CodecName returns the codec name of a video or audio payload type.
func CodecName(pt uint8) string {
	switch pt {
	case OpusPayloadType:
		return "opus"
	case H264PayloadType:
		return "H264"
	case H265PayloadType:
		return "H265"
	case VP8PayloadType:
		return "VP8"
	case VP9PayloadType:
		return "VP9"
	case AV1PayloadType:
		return "AV1"
	default:
		return ""
	}
}

// PayloadTypeOf is the inverse of CodecName. Names are case-insensitive.
func PayloadTypeOf(name string) (uint8, bool) {
	for _, pt := range []uint8{
		OpusPayloadType, H264PayloadType, H265PayloadType,
		VP8PayloadType, VP9PayloadType, AV1PayloadType,
	} {
		if strings.EqualFold(CodecName(pt), name) {
			return pt, true
		}
	}
	if strings.EqualFold(name, "HEVC") {
		return H265PayloadType, true
	}
	return 0, false
}

// Ticks converts a duration to RTP timestamp units of the given clock rate,
// rounding to the nearest tick.
func Ticks(clockRate uint32, d time.Duration) uint32 {
	return uint32((uint64(d)*uint64(clockRate) + uint64(time.Second)/2) / uint64(time.Second))
}

// Opus passes each Opus packet through as a single payload.
type Opus struct{}

func (Opus) Name() string       { return "opus" }
func (Opus) Kind() Kind         { return Audio }
func (Opus) PayloadType() uint8 { return OpusPayloadType }
func (Opus) ClockRate() uint32  { return AudioClockRate }

// Payloads implements Codec.
func (Opus) Payloads(mtu int, frame []byte) ([][]byte, error) {
	if len(frame) > mtu {
		return nil, errors.Errorf("opus frame of %d bytes exceeds MTU %d", len(frame), mtu)
	}
	return [][]byte{frame}, nil
}

// OpusSilence is the Opus frame for 20ms of silence.
var OpusSilence = []byte{0xF8, 0xFF, 0xFE}
