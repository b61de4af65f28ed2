package gateway

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayvoice/relayvoice/discord"
	"github.com/relayvoice/relayvoice/utils/ws"
)

func TestStreamKey(t *testing.T) {
	key := NewGuildStreamKey(1, 2, 3)
	assert.Equal(t, StreamKey("guild:1:2:3"), key)

	g, c, u, err := key.Parse()
	require.NoError(t, err)
	assert.Equal(t, discord.GuildID(1), g)
	assert.Equal(t, discord.ChannelID(2), c)
	assert.Equal(t, discord.UserID(3), u)

	for _, bad := range []StreamKey{"call:2:3", "guild:1:x:3", ""} {
		_, _, _, err := bad.Parse()
		assert.ErrorIs(t, err, ErrInvalidStreamKey, bad)
	}
}

func TestDecodeDispatch(t *testing.T) {
	codec := ws.NewCodec(OpUnmarshalers)

	payload := `{"op":0,"t":"VOICE_SERVER_UPDATE","s":4,"d":{"token":"tok","guild_id":"10","endpoint":"rtc.example.com:443"}}`

	out := make(chan ws.Op, 1)
	require.NoError(t, codec.DecodeInto(context.Background(), bytes.NewBufferString(payload), out))

	op := <-out
	ev, ok := op.Data.(*VoiceServerUpdateEvent)
	require.True(t, ok, "unexpected %T", op.Data)
	assert.Equal(t, "tok", ev.Token)
	assert.Equal(t, discord.GuildID(10), ev.GuildID)
	require.NotNil(t, ev.Endpoint)
	assert.Equal(t, "rtc.example.com:443", *ev.Endpoint)
}
