package bridge

import (
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayvoice/relayvoice/voice/packet"
)

func TestSDP(t *testing.T) {
	b, err := SDP(
		&Media{Codec: "opus", Port: 5004},
		&Media{Codec: "H264", Port: 5006},
	)
	require.NoError(t, err)

	var desc sdp.SessionDescription
	require.NoError(t, desc.Unmarshal(b))
	require.Len(t, desc.MediaDescriptions, 2)

	audio := desc.MediaDescriptions[0]
	assert.Equal(t, "audio", audio.MediaName.Media)
	assert.Equal(t, 5004, audio.MediaName.Port.Value)
	assert.Equal(t, []string{"120"}, audio.MediaName.Formats)

	rtpmap, ok := audio.Attribute("rtpmap")
	assert.True(t, ok)
	assert.Equal(t, "120 opus/48000/2", rtpmap)

	video := desc.MediaDescriptions[1]
	assert.Equal(t, "video", video.MediaName.Media)
	assert.Equal(t, 5006, video.MediaName.Port.Value)

	rtpmap, ok = video.Attribute("rtpmap")
	assert.True(t, ok)
	assert.Equal(t, "101 H264/90000", rtpmap)

	assert.Equal(t, loopback, desc.ConnectionInformation.Address.Address)
}

func TestSDPErrors(t *testing.T) {
	_, err := SDP(nil, nil)
	assert.Error(t, err)

	_, err = SDP(nil, &Media{Codec: "theora", Port: 1})
	assert.ErrorIs(t, err, packet.ErrUnsupportedCodec)
}
