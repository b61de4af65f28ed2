package bridge

import (
	"fmt"
	"strconv"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"

	"github.com/relayvoice/relayvoice/voice/packet"
)

// Media describes one RTP stream the decoder should expect.
type Media struct {
	// Codec is a codec name known to packet.PayloadTypeOf.
	Codec string
	// Port is the loopback port the decoder listens on.
	Port int
}

// SDP builds the session description the decoder reads its inputs from. Either
// media may be nil.
func SDP(audio, video *Media) ([]byte, error) {
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      0,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: loopback,
		},
		SessionName: "relayvoice",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: loopback},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	if audio == nil && video == nil {
		return nil, errors.New("no media to describe")
	}

	if audio != nil {
		md, err := mediaDescription("audio", audio, packet.AudioClockRate, "/2")
		if err != nil {
			return nil, err
		}
		desc.MediaDescriptions = append(desc.MediaDescriptions, md)
	}

	if video != nil {
		md, err := mediaDescription("video", video, packet.VideoClockRate, "")
		if err != nil {
			return nil, err
		}
		desc.MediaDescriptions = append(desc.MediaDescriptions, md)
	}

	return desc.Marshal()
}

func mediaDescription(kind string, m *Media, clockRate int, params string) (*sdp.MediaDescription, error) {
	pt, ok := packet.PayloadTypeOf(m.Codec)
	if !ok {
		return nil, errors.Wrapf(packet.ErrUnsupportedCodec, "%q", m.Codec)
	}

	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   kind,
			Port:    sdp.RangedPort{Value: m.Port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(int(pt))},
		},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/%d%s", pt, packet.CodecName(pt), clockRate, params)),
			sdp.NewPropertyAttribute("recvonly"),
		},
	}, nil
}
