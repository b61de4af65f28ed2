package framing

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MaxOpusFrameSize bounds the length prefix accepted by OpusReader.
const MaxOpusFrameSize = 4000

// OpusReader reads Opus packets stored one after another, each prefixed with
// its 4-byte little-endian length, as in DCA files.
type OpusReader struct {
	r      io.Reader
	lenbuf [4]byte
}

// NewOpusReader creates an OpusReader.
func NewOpusReader(r io.Reader) *OpusReader {
	return &OpusReader{r: r}
}

// Next returns the next packet, or io.EOF once the stream is drained. A stream
// that ends inside a packet fails with io.ErrUnexpectedEOF.
func (r *OpusReader) Next() ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.lenbuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "failed to read frame length")
	}

	framelen := binary.LittleEndian.Uint32(r.lenbuf[:])
	if framelen > MaxOpusFrameSize {
		return nil, errors.Wrapf(ErrInvalidContainer, "opus frame of %d bytes", framelen)
	}

	frame := make([]byte, framelen)
	if _, err := io.ReadFull(r.r, frame); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Wrap(err, "failed to read frame")
	}

	return frame, nil
}

// WriteOpusFrame appends frame to w in the format OpusReader reads.
func WriteOpusFrame(w io.Writer, frame []byte) error {
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(frame)))

	if _, err := w.Write(lenbuf[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}
