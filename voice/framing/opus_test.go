package framing

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpusReader(t *testing.T) {
	frames := [][]byte{{0xF8, 0xFF, 0xFE}, bytes.Repeat([]byte{1}, 120), {}}

	var buf bytes.Buffer
	for _, f := range frames {
		require.NoError(t, WriteOpusFrame(&buf, f))
	}

	r := NewOpusReader(&chunkedReader{data: buf.Bytes(), chunk: 5})
	for i, want := range frames {
		got, err := r.Next()
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, want, got, "frame %d", i)
	}

	_, err := r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestOpusReaderTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteOpusFrame(&buf, []byte{1, 2, 3, 4}))

	r := NewOpusReader(bytes.NewReader(buf.Bytes()[:6]))
	_, err := r.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestOpusReaderOversized(t *testing.T) {
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], MaxOpusFrameSize+1)

	_, err := NewOpusReader(bytes.NewReader(lenbuf[:])).Next()
	assert.ErrorIs(t, err, ErrInvalidContainer)
}
