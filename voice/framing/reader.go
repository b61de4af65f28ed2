// Package framing splits encoded video byte streams into frames: Annex B
// H.264/H.265 streams into access units, and IVF containers into frames.
package framing

import (
	"io"

	"github.com/pkg/errors"
)

const readChunkSize = 32 * 1024

type splitter interface {
	Write([]byte) (int, error)
}

// queueReader adapts a push-style splitter to pull-style reads.
type queueReader struct {
	r     io.Reader
	s     splitter
	flush func() error
	queue [][]byte
	chunk []byte
	eof   bool
}

func (q *queueReader) push(b []byte) error {
	q.queue = append(q.queue, b)
	return nil
}

func (q *queueReader) next() ([]byte, error) {
	for len(q.queue) == 0 {
		if q.eof {
			return nil, io.EOF
		}

		n, err := q.r.Read(q.chunk)
		if n > 0 {
			if _, werr := q.s.Write(q.chunk[:n]); werr != nil {
				return nil, werr
			}
		}

		switch {
		case errors.Is(err, io.EOF):
			q.eof = true
			if q.flush != nil {
				if err := q.flush(); err != nil {
					return nil, err
				}
			}
		case err != nil:
			return nil, err
		}
	}

	b := q.queue[0]
	q.queue[0] = nil
	q.queue = q.queue[1:]
	return b, nil
}

// AnnexBReader reads length-prefixed access units from an Annex B stream.
type AnnexBReader struct {
	q queueReader
}

// NewAnnexBReader creates an AnnexBReader.
func NewAnnexBReader(r io.Reader, codec NALCodec) *AnnexBReader {
	ar := &AnnexBReader{}
	s := NewAnnexBSplitter(codec, ar.q.push)
	ar.q = queueReader{r: r, s: s, flush: s.Flush, chunk: make([]byte, readChunkSize)}
	return ar
}

// Next returns the next access unit, or io.EOF once the stream is drained.
func (r *AnnexBReader) Next() ([]byte, error) { return r.q.next() }

// IVFReader reads frames from an IVF container.
type IVFReader struct {
	q      queueReader
	s      *IVFSplitter
	stamps []uint64
}

// NewIVFReader creates an IVFReader emitting frame payloads.
func NewIVFReader(r io.Reader) *IVFReader {
	ir := &IVFReader{}
	ir.s = NewIVFSplitter(false, func(f IVFFrame) error {
		ir.stamps = append(ir.stamps, f.Timestamp)
		return ir.q.push(f.Data)
	})
	ir.q = queueReader{r: r, s: ir.s, chunk: make([]byte, readChunkSize)}
	return ir
}

// Header returns the container header, reading it first if needed.
func (r *IVFReader) Header() (IVFHeader, error) {
	for r.s.Header == nil {
		if r.q.eof {
			return IVFHeader{}, errors.Wrap(ErrInvalidContainer, "stream ended before the IVF header")
		}

		n, err := r.q.r.Read(r.q.chunk)
		if n > 0 {
			if _, werr := r.s.Write(r.q.chunk[:n]); werr != nil {
				return IVFHeader{}, werr
			}
		}

		if errors.Is(err, io.EOF) {
			r.q.eof = true
		} else if err != nil {
			return IVFHeader{}, err
		}
	}

	return *r.s.Header, nil
}

// Next returns the next frame, or io.EOF once the container is drained. A
// trailing partial frame is dropped.
func (r *IVFReader) Next() (IVFFrame, error) {
	b, err := r.q.next()
	if err != nil {
		return IVFFrame{}, err
	}

	ts := r.stamps[0]
	r.stamps = r.stamps[1:]
	return IVFFrame{Timestamp: ts, Data: b}, nil
}
