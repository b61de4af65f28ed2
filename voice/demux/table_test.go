package demux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relayvoice/relayvoice/voice/packet"
)

func TestTable(t *testing.T) {
	table := NewTable()
	table.SetAudio(1, 100, 1)

	r, ok := table.Lookup(100)
	assert.True(t, ok)
	assert.Equal(t, Route{UserID: 1, Kind: packet.Audio}, r)

	r, ok = table.Lookup(101)
	assert.True(t, ok, "video falls back to audio+1")
	assert.Equal(t, Route{UserID: 1, Kind: packet.Video}, r)

	r, ok = table.Lookup(102)
	assert.True(t, ok, "rtx falls back to audio+2")
	assert.Equal(t, Route{UserID: 1, Kind: packet.Video, RTX: true}, r)

	table.SetVideo(1, 100, 500, 501)

	r, ok = table.Lookup(500)
	assert.True(t, ok)
	assert.Equal(t, Route{UserID: 1, Kind: packet.Video}, r)

	r, ok = table.Lookup(501)
	assert.True(t, ok)
	assert.True(t, r.RTX)

	s, ok := table.Speaker(1)
	assert.True(t, ok)
	assert.True(t, s.HasVideo())

	now := time.Now()
	table.Touch(1, now)
	s, _ = table.Speaker(1)
	assert.Equal(t, now, s.LastPacket)

	// A new audio SSRC replaces the old one.
	table.SetAudio(1, 200, 1)
	_, ok = table.Lookup(100)
	assert.False(t, ok)

	table.Remove(1)
	for _, ssrc := range []uint32{200, 500, 501} {
		_, ok = table.Lookup(ssrc)
		assert.False(t, ok, "ssrc %d", ssrc)
	}
}

func TestTableVideoOff(t *testing.T) {
	table := NewTable()
	table.SetVideo(2, 300, 700, 701)
	table.SetVideo(2, 0, 0, 0)

	_, ok := table.Lookup(700)
	assert.False(t, ok)

	r, ok := table.Lookup(300)
	assert.True(t, ok, "audio is kept")
	assert.Equal(t, packet.Audio, r.Kind)
}
