package framing

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// NALCodec describes how a video codec lays out its NAL unit headers.
type NALCodec struct {
	Name string
	// HeaderSize is the size of the NAL unit header in bytes.
	HeaderSize int
	// Type extracts the NAL unit type from the first header byte.
	Type func(b byte) uint8
	// AUD is the NAL unit type of an access unit delimiter.
	AUD uint8
	// StripEPB reports whether emulation prevention bytes are removed from
	// units of the given type before they are emitted.
	StripEPB func(t uint8) bool
}

// H264 NAL unit types used by the packetizer and splitter.
const (
	H264SPS = 7
	H264PPS = 8
	H264AUD = 9
)

// H265 NAL unit types used by the packetizer and splitter.
const (
	H265VPS = 32
	H265SPS = 33
	H265PPS = 34
	H265AUD = 35
)

var (
	// H264 is the NAL layout of H.264.
	H264 = NALCodec{
		Name:       "H264",
		HeaderSize: 1,
		Type:       func(b byte) uint8 { return b & 0x1F },
		AUD:        H264AUD,
		StripEPB:   func(t uint8) bool { return t == H264SPS },
	}
	// H265 is the NAL layout of H.265.
	H265 = NALCodec{
		Name:       "H265",
		HeaderSize: 2,
		Type:       func(b byte) uint8 { return (b >> 1) & 0x3F },
		AUD:        H265AUD,
		StripEPB:   func(t uint8) bool { return t == H265VPS || t == H265SPS },
	}
)

var startCode = []byte{0, 0, 1}

// MaxAccessUnitSize is the default bound on the size of an access unit. A
// stream without AUD NAL units never completes one, so it hits this bound
// instead of growing without limit.
const MaxAccessUnitSize = 4 << 20

// AnnexBSplitter turns an Annex B byte stream into access units. Each access
// unit is a concatenation of NAL units, each prefixed with its 4-byte
// big-endian length. Access units are delimited by AUD NAL units, which are
// dropped.
//
// Input may be split at arbitrary byte boundaries, including in the middle of
// a start code. Streams must carry AUD NAL units; encoders that omit them can
// be told to insert them, as in ffmpeg's -bsf:v h264_metadata=aud=insert.
type AnnexBSplitter struct {
	// MaxSize bounds the size of an access unit. Write fails with
	// ErrInvalidContainer past it.
	MaxSize int

	codec NALCodec
	emit  func(au []byte) error

	buf     []byte
	scan    int
	started bool
	au      []byte
}

// NewAnnexBSplitter creates a splitter that calls emit with every complete
// access unit. emit owns the slice it is given.
func NewAnnexBSplitter(codec NALCodec, emit func(au []byte) error) *AnnexBSplitter {
	return &AnnexBSplitter{MaxSize: MaxAccessUnitSize, codec: codec, emit: emit}
}

// Write feeds a chunk of the byte stream into the splitter.
func (s *AnnexBSplitter) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)

	for {
		i := bytes.Index(s.buf[s.scan:], startCode)
		if i < 0 {
			if err := s.checkSize(len(s.buf)); err != nil {
				return 0, err
			}
			// Keep the tail that may hold the beginning of a start code.
			s.scan = max(0, len(s.buf)-len(startCode)+1)
			return len(p), nil
		}
		i += s.scan

		if s.started {
			if err := s.nal(trimZeros(s.buf[:i])); err != nil {
				return 0, err
			}
		}

		s.started = true
		s.buf = s.buf[i+len(startCode):]
		s.scan = 0
	}
}

// Flush emits the trailing NAL unit and access unit. The splitter can be
// reused for a new stream afterwards.
func (s *AnnexBSplitter) Flush() error {
	if s.started {
		if err := s.nal(trimZeros(s.buf)); err != nil {
			return err
		}
	}

	s.buf = nil
	s.scan = 0
	s.started = false

	return s.flushAU()
}

func (s *AnnexBSplitter) nal(nal []byte) error {
	if len(nal) == 0 {
		return nil
	}

	t := s.codec.Type(nal[0])
	if t == s.codec.AUD {
		return s.flushAU()
	}

	if s.codec.StripEPB != nil && s.codec.StripEPB(t) {
		nal = StripEPB(nal)
	}

	if err := s.checkSize(4 + len(nal)); err != nil {
		return err
	}

	s.au = binary.BigEndian.AppendUint32(s.au, uint32(len(nal)))
	s.au = append(s.au, nal...)
	return nil
}

// checkSize fails if the current access unit can't grow by n bytes.
func (s *AnnexBSplitter) checkSize(n int) error {
	if s.MaxSize > 0 && len(s.au)+n > s.MaxSize {
		return errors.Wrapf(ErrInvalidContainer,
			"%s access unit exceeds %d bytes, is the stream missing AUD NAL units?", s.codec.Name, s.MaxSize)
	}
	return nil
}

func (s *AnnexBSplitter) flushAU() error {
	if len(s.au) == 0 {
		return nil
	}

	au := s.au
	s.au = nil
	return s.emit(au)
}

// trimZeros drops trailing_zero_8bits and the leading zero of a 4-byte start
// code.
func trimZeros(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return b[:end]
}

// StripEPB removes emulation prevention bytes (the 0x03 in 00 00 03) from a
// NAL unit. The input is not modified.
func StripEPB(nal []byte) []byte {
	out := make([]byte, 0, len(nal))
	zeros := 0

	for _, b := range nal {
		if zeros >= 2 && b == 0x03 {
			zeros = 0
			continue
		}

		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}

	return out
}

// ErrInvalidLengthPrefix is returned when a length-prefixed access unit is
// truncated.
var ErrInvalidLengthPrefix = errors.New("invalid NAL length prefix")

// SplitLengthPrefixed splits an access unit produced by AnnexBSplitter back
// into its NAL units. The returned slices alias au.
func SplitLengthPrefixed(au []byte) ([][]byte, error) {
	var nals [][]byte

	for len(au) > 0 {
		if len(au) < 4 {
			return nil, ErrInvalidLengthPrefix
		}

		n := binary.BigEndian.Uint32(au)
		au = au[4:]

		if uint64(n) > uint64(len(au)) {
			return nil, errors.Wrapf(ErrInvalidLengthPrefix, "unit of %d bytes, %d left", n, len(au))
		}

		nals = append(nals, au[:n])
		au = au[n:]
	}

	return nals, nil
}
