package framing

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrInvalidContainer is returned when a container header can't be parsed.
var ErrInvalidContainer = errors.New("invalid container")

const (
	ivfSignature       = "DKIF"
	ivfHeaderSize      = 32
	ivfFrameHeaderSize = 12
)

// IVFHeader is the file header of an IVF container.
type IVFHeader struct {
	Version    uint16
	HeaderSize uint16
	FourCC     string
	Width      uint16
	Height     uint16
	// TimebaseDenominator and TimebaseNumerator give the frame rate as
	// denominator/numerator frames per second.
	TimebaseDenominator uint32
	TimebaseNumerator   uint32
	FrameCount          uint32
}

// FrameRate returns the frame rate announced by the header, or 0.
func (h IVFHeader) FrameRate() float64 {
	if h.TimebaseNumerator == 0 {
		return 0
	}
	return float64(h.TimebaseDenominator) / float64(h.TimebaseNumerator)
}

// ParseIVFHeader parses the 32-byte IVF file header.
func ParseIVFHeader(b []byte) (IVFHeader, error) {
	if len(b) < ivfHeaderSize {
		return IVFHeader{}, errors.Wrap(ErrInvalidContainer, "short IVF header")
	}

	if string(b[0:4]) != ivfSignature {
		return IVFHeader{}, errors.Wrapf(ErrInvalidContainer, "bad IVF signature %q", b[0:4])
	}

	h := IVFHeader{
		Version:             binary.LittleEndian.Uint16(b[4:]),
		HeaderSize:          binary.LittleEndian.Uint16(b[6:]),
		FourCC:              string(b[8:12]),
		Width:               binary.LittleEndian.Uint16(b[12:]),
		Height:              binary.LittleEndian.Uint16(b[14:]),
		TimebaseDenominator: binary.LittleEndian.Uint32(b[16:]),
		TimebaseNumerator:   binary.LittleEndian.Uint32(b[20:]),
		FrameCount:          binary.LittleEndian.Uint32(b[24:]),
	}

	if h.HeaderSize < ivfHeaderSize {
		return IVFHeader{}, errors.Wrapf(ErrInvalidContainer, "IVF header size %d", h.HeaderSize)
	}

	return h, nil
}

// IVFFrame is a single frame record of an IVF container.
type IVFFrame struct {
	Timestamp uint64
	// Data is the frame payload, or the whole record including the 12-byte
	// frame header if the splitter emits raw records.
	Data []byte
}

// IVFSplitter extracts frames from an IVF byte stream fed in arbitrary chunks.
type IVFSplitter struct {
	// Header is nil until enough bytes were written to parse it.
	Header *IVFHeader

	emit func(IVFFrame) error
	raw  bool
	buf  []byte
}

// NewIVFSplitter creates a splitter that calls emit for each frame. If raw is
// true, frames carry their 12-byte record header.
func NewIVFSplitter(raw bool, emit func(IVFFrame) error) *IVFSplitter {
	return &IVFSplitter{emit: emit, raw: raw}
}

// Write feeds a chunk of the container into the splitter.
func (s *IVFSplitter) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)

	if s.Header == nil {
		if len(s.buf) < ivfHeaderSize {
			return len(p), nil
		}

		h, err := ParseIVFHeader(s.buf)
		if err != nil {
			return 0, err
		}

		if len(s.buf) < int(h.HeaderSize) {
			return len(p), nil
		}

		s.Header = &h
		s.buf = s.buf[h.HeaderSize:]
	}

	for len(s.buf) >= ivfFrameHeaderSize {
		size := int(binary.LittleEndian.Uint32(s.buf))
		if len(s.buf) < ivfFrameHeaderSize+size {
			break
		}

		record := make([]byte, ivfFrameHeaderSize+size)
		copy(record, s.buf)
		s.buf = s.buf[len(record):]

		frame := IVFFrame{
			Timestamp: binary.LittleEndian.Uint64(record[4:]),
			Data:      record,
		}
		if !s.raw {
			frame.Data = record[ivfFrameHeaderSize:]
		}

		if err := s.emit(frame); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

// Buffered returns the number of bytes held back waiting for a complete frame.
func (s *IVFSplitter) Buffered() int { return len(s.buf) }
