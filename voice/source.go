package voice

import (
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/relayvoice/relayvoice/voice/framing"
	"github.com/relayvoice/relayvoice/voice/playout"
)

// Source produces encoded frames for PlayAudio and PlayVideo. NextFrame
// returns io.EOF once the source is drained; any other error fails the
// playback.
type Source interface {
	NextFrame() (playout.Frame, error)
}

// SourceFunc is a function Source.
type SourceFunc func() (playout.Frame, error)

// NextFrame calls f.
func (f SourceFunc) NextFrame() (playout.Frame, error) { return f() }

// DefaultFrameRate is used for video sources that don't announce one.
const DefaultFrameRate = 30

// OpusSource reads length-prefixed Opus frames of 20ms from r.
func OpusSource(r io.Reader) Source {
	or := framing.NewOpusReader(r)

	return SourceFunc(func() (playout.Frame, error) {
		b, err := or.Next()
		if err != nil {
			return playout.Frame{}, err
		}
		return playout.Frame{Data: b}, nil
	})
}

// AnnexBSource reads access units from an Annex B byte stream of the given
// codec. fps sets the frame duration; 0 means DefaultFrameRate. Access units
// are delimited by AUD NAL units, so the stream must carry them: with ffmpeg,
// encode with -bsf:v h264_metadata=aud=insert (hevc_metadata for H.265). A
// stream without them fails with an invalid container error once the first
// access unit outgrows framing.MaxAccessUnitSize.
func AnnexBSource(r io.Reader, codec framing.NALCodec, fps float64) Source {
	ar := framing.NewAnnexBReader(r, codec)
	dur := frameDuration(fps)

	return SourceFunc(func() (playout.Frame, error) {
		b, err := ar.Next()
		if err != nil {
			return playout.Frame{}, err
		}
		return playout.Frame{Data: b, Duration: dur}, nil
	})
}

// ContainerSource is a Source whose container announces the codec of its
// frames. PlayVideo refuses one that doesn't match Options.VideoCodec.
type ContainerSource interface {
	Source
	// ContainerCodec returns the codec name announced by the container.
	ContainerCodec() (string, error)
}

// ivfCodecs maps IVF FourCCs to codec names.
var ivfCodecs = map[string]string{
	"VP80": "VP8",
	"VP90": "VP9",
	"AV01": "AV1",
}

// IVFSource reads frames from an IVF container. The frame duration follows the
// frame rate of the container header.
func IVFSource(r io.Reader) ContainerSource {
	return &ivfSource{ir: framing.NewIVFReader(r)}
}

type ivfSource struct {
	ir  *framing.IVFReader
	dur time.Duration
}

func (s *ivfSource) ContainerCodec() (string, error) {
	h, err := s.ir.Header()
	if err != nil {
		return "", err
	}

	name, ok := ivfCodecs[h.FourCC]
	if !ok {
		return "", errors.Wrapf(framing.ErrInvalidContainer, "unknown IVF FourCC %q", h.FourCC)
	}
	return name, nil
}

func (s *ivfSource) NextFrame() (playout.Frame, error) {
	if s.dur == 0 {
		h, err := s.ir.Header()
		if err != nil {
			return playout.Frame{}, err
		}
		s.dur = frameDuration(h.FrameRate())
	}

	f, err := s.ir.Next()
	if err != nil {
		return playout.Frame{}, err
	}
	return playout.Frame{Data: f.Data, Duration: s.dur}, nil
}

func frameDuration(fps float64) time.Duration {
	if fps <= 0 {
		fps = DefaultFrameRate
	}
	return time.Duration(float64(time.Second) / fps)
}
