package framing

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ivfFile(frames ...[]byte) []byte {
	var b bytes.Buffer
	b.WriteString("DKIF")

	header := make([]byte, 28)
	binary.LittleEndian.PutUint16(header[0:], 0)  // version
	binary.LittleEndian.PutUint16(header[2:], 32) // header size
	copy(header[4:], "VP80")
	binary.LittleEndian.PutUint16(header[8:], 640)
	binary.LittleEndian.PutUint16(header[10:], 480)
	binary.LittleEndian.PutUint32(header[12:], 30)
	binary.LittleEndian.PutUint32(header[16:], 1)
	binary.LittleEndian.PutUint32(header[20:], uint32(len(frames)))
	b.Write(header)

	for i, f := range frames {
		var fh [12]byte
		binary.LittleEndian.PutUint32(fh[0:], uint32(len(f)))
		binary.LittleEndian.PutUint64(fh[4:], uint64(i))
		b.Write(fh[:])
		b.Write(f)
	}

	return b.Bytes()
}

func TestIVFSplitterChunks(t *testing.T) {
	frames := [][]byte{
		bytes.Repeat([]byte{0xAA}, 17),
		bytes.Repeat([]byte{0xBB}, 3),
		bytes.Repeat([]byte{0xCC}, 40),
	}
	file := ivfFile(frames...)

	// Split inside the second frame's record header.
	split := 32 + 12 + 17 + 5

	var got []IVFFrame
	s := NewIVFSplitter(false, func(f IVFFrame) error {
		got = append(got, f)
		return nil
	})

	_, err := s.Write(file[:split])
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 5, s.Buffered())

	_, err = s.Write(file[split:])
	require.NoError(t, err)
	require.Len(t, got, len(frames))

	for i, f := range got {
		assert.Equal(t, uint64(i), f.Timestamp)
		assert.Equal(t, frames[i], f.Data)
	}

	require.NotNil(t, s.Header)
	assert.Equal(t, "VP80", s.Header.FourCC)
	assert.Equal(t, uint16(640), s.Header.Width)
	assert.Equal(t, 30.0, s.Header.FrameRate())
}

func TestIVFSplitterRaw(t *testing.T) {
	file := ivfFile([]byte{1, 2, 3})

	var got []IVFFrame
	s := NewIVFSplitter(true, func(f IVFFrame) error {
		got = append(got, f)
		return nil
	})
	_, err := s.Write(file)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, file[32:], got[0].Data)
}

func TestIVFInvalidSignature(t *testing.T) {
	file := ivfFile()
	copy(file, "RIFF")

	s := NewIVFSplitter(false, func(IVFFrame) error { return nil })
	_, err := s.Write(file)
	assert.ErrorIs(t, err, ErrInvalidContainer)
}

func TestIVFReader(t *testing.T) {
	frames := [][]byte{{1}, {2, 2}, {3, 3, 3}, {4}}
	r := NewIVFReader(&chunkedReader{data: ivfFile(frames...), chunk: 7})

	h, err := r.Header()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), h.FrameCount)

	for i := range frames {
		f, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, frames[i], f.Data)
		assert.Equal(t, uint64(i), f.Timestamp)
	}

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestIVFReaderEmpty(t *testing.T) {
	r := NewIVFReader(bytes.NewReader([]byte("DKIF")))
	_, err := r.Header()
	assert.ErrorIs(t, err, ErrInvalidContainer)
}
