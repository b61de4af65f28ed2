package framing

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	h264AUD = []byte{0x09, 0xF0}
	h264SPS = []byte{0x67, 0x42, 0x00, 0x00, 0x03, 0x01, 0x1F}
	h264PPS = []byte{0x68, 0xCE, 0x3C, 0x80}
	h264IDR = []byte{0x65, 0x88, 0x84, 0x00, 0x00, 0x03, 0x01, 0x21}
	h264P   = []byte{0x41, 0x9A, 0x02}
)

// h264Stream is two access units, mixing 3- and 4-byte start codes.
func h264Stream() []byte {
	var b bytes.Buffer
	for _, nal := range [][]byte{h264AUD, h264SPS, h264PPS, h264IDR} {
		b.Write([]byte{0, 0, 0, 1})
		b.Write(nal)
	}
	b.Write([]byte{0, 0, 1})
	b.Write(h264AUD)
	b.Write([]byte{0, 0, 1})
	b.Write(h264P)
	return b.Bytes()
}

func lengthPrefixed(nals ...[]byte) []byte {
	var b []byte
	for _, nal := range nals {
		b = append(b, byte(len(nal)>>24), byte(len(nal)>>16), byte(len(nal)>>8), byte(len(nal)))
		b = append(b, nal...)
	}
	return b
}

func TestAnnexBSplitter(t *testing.T) {
	strippedSPS := []byte{0x67, 0x42, 0x00, 0x00, 0x01, 0x1F}
	expect := [][]byte{
		lengthPrefixed(strippedSPS, h264PPS, h264IDR),
		lengthPrefixed(h264P),
	}

	stream := h264Stream()

	// Feed the stream split at every possible offset, including the middle
	// of start codes.
	for split := 0; split <= len(stream); split++ {
		var aus [][]byte
		s := NewAnnexBSplitter(H264, func(au []byte) error {
			aus = append(aus, au)
			return nil
		})

		_, err := s.Write(stream[:split])
		require.NoError(t, err)
		_, err = s.Write(stream[split:])
		require.NoError(t, err)
		require.NoError(t, s.Flush())

		require.Equal(t, expect, aus, "split at %d", split)
	}
}

func TestAnnexBSplitterH265(t *testing.T) {
	aud := []byte{0x46, 0x01, 0x50}
	vps := []byte{0x40, 0x01, 0x0C, 0x00, 0x00, 0x03, 0x02}
	idr := []byte{0x26, 0x01, 0xAF, 0x00, 0x00, 0x03, 0x01}

	var stream []byte
	for _, nal := range [][]byte{aud, vps, idr} {
		stream = append(stream, 0, 0, 0, 1)
		stream = append(stream, nal...)
	}

	var aus [][]byte
	s := NewAnnexBSplitter(H265, func(au []byte) error {
		aus = append(aus, au)
		return nil
	})
	_, err := s.Write(stream)
	require.NoError(t, err)
	require.NoError(t, s.Flush())

	require.Len(t, aus, 1)
	nals, err := SplitLengthPrefixed(aus[0])
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0x40, 0x01, 0x0C, 0x00, 0x00, 0x02}, idr}, nals,
		"EPBs are only stripped from parameter sets")
}

func TestAnnexBSplitterMaxSize(t *testing.T) {
	stream := func(aud bool) []byte {
		var b []byte
		for i := 0; i < 10; i++ {
			if aud {
				b = append(b, 0, 0, 1)
				b = append(b, h264AUD...)
			}
			b = append(b, 0, 0, 1)
			b = append(b, h264P...)
		}
		return b
	}

	split := func(stream []byte) (int, error) {
		var count int
		s := NewAnnexBSplitter(H264, func([]byte) error {
			count++
			return nil
		})
		s.MaxSize = 32

		if _, err := s.Write(stream); err != nil {
			return count, err
		}
		return count, s.Flush()
	}

	count, err := split(stream(true))
	require.NoError(t, err)
	assert.Equal(t, 10, count)

	count, err = split(stream(false))
	assert.ErrorIs(t, err, ErrInvalidContainer)
	assert.Zero(t, count, "no access unit is complete without delimiters")

	_, err = split(bytes.Repeat([]byte{0xFF}, 64))
	assert.ErrorIs(t, err, ErrInvalidContainer)
}

func TestStripEPB(t *testing.T) {
	assert.Equal(t,
		[]byte{0x00, 0x00, 0x00, 0x00, 0x01, 0x03},
		StripEPB([]byte{0x00, 0x00, 0x03, 0x00, 0x00, 0x03, 0x01, 0x03}))
}

func TestSplitLengthPrefixed(t *testing.T) {
	nals, err := SplitLengthPrefixed(lengthPrefixed(h264SPS, h264P))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{h264SPS, h264P}, nals)

	_, err = SplitLengthPrefixed([]byte{0, 0, 0, 9, 1})
	assert.ErrorIs(t, err, ErrInvalidLengthPrefix)
}

type chunkedReader struct {
	data  []byte
	chunk int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p[:min(len(p), r.chunk)], r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestAnnexBReader(t *testing.T) {
	r := NewAnnexBReader(&chunkedReader{data: h264Stream(), chunk: 5}, H264)

	var count int
	for {
		_, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}

	assert.Equal(t, 2, count)
}
