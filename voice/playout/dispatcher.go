// Package playout paces encoded frames onto the media transport in real time.
package playout

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/relayvoice/relayvoice/internal/lazytime"
	"github.com/relayvoice/relayvoice/voice/failure"
	"github.com/relayvoice/relayvoice/voice/packet"
)

var (
	// ErrStopped is the result of a dispatcher that was stopped before its
	// input ended.
	ErrStopped = errors.New("dispatcher stopped")
	// ErrInputClosed is returned by Write after CloseInput.
	ErrInputClosed = errors.New("dispatcher input is closed")
)

// Frame is one encoded media frame.
type Frame struct {
	Data []byte
	// Duration is the playback duration of the frame. Zero means
	// Options.FrameDuration.
	Duration time.Duration
}

// Options configures a Dispatcher.
type Options struct {
	// FrameDuration is the default frame duration. Default 20ms.
	FrameDuration time.Duration
	// BufferFrames is the number of frames Write can queue ahead of
	// playback before it blocks. Default 12.
	BufferFrames int
	// SilenceOnPause makes a paused audio dispatcher keep sending Opus
	// silence frames instead of going quiet.
	SilenceOnPause bool

	Logger logrus.FieldLogger
	// Lateness observes how late each frame was sent, in seconds.
	Lateness prometheus.Observer
	// PacketsSent counts sent packets.
	PacketsSent prometheus.Counter
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		FrameDuration: 20 * time.Millisecond,
		BufferFrames:  12,
	}
}

func (o *Options) fill() {
	def := DefaultOptions()
	if o.FrameDuration <= 0 {
		o.FrameDuration = def.FrameDuration
	}
	if o.BufferFrames <= 0 {
		o.BufferFrames = def.BufferFrames
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// Dispatcher sends queued frames through a packetizer at their playback pace.
// The send time of a frame is derived from the start time, the media time
// already sent and the time spent paused or starved of input, so timer drift
// doesn't accumulate and frames are never sent closer than their duration.
type Dispatcher struct {
	opts Options
	pk   *packet.Packetizer
	w    io.Writer
	log  logrus.FieldLogger

	frames    chan Frame
	inputOnce sync.Once
	inputDone chan struct{}

	pauseMu  sync.Mutex
	paused   bool
	pauseEv  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	abortErr error

	startOnce sync.Once
	started   chan struct{}
	runOnce   sync.Once
	done      chan struct{}
	err       error

	playhead      atomic.Duration
	truePaused    atomic.Duration
	silencePaused atomic.Duration
	stalled       atomic.Duration
}

// NewDispatcher creates a dispatcher writing packets of pk to w.
func NewDispatcher(pk *packet.Packetizer, w io.Writer, opts Options) *Dispatcher {
	opts.fill()

	return &Dispatcher{
		opts: opts,
		pk:   pk,
		w:    w,
		log: opts.Logger.WithFields(logrus.Fields{
			"kind":  pk.Codec().Kind().String(),
			"codec": pk.Codec().Name(),
			"ssrc":  pk.SSRC(),
		}),
		frames:    make(chan Frame, opts.BufferFrames),
		inputDone: make(chan struct{}),
		pauseEv:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
		started:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Kind returns the media kind of the dispatcher.
func (d *Dispatcher) Kind() packet.Kind { return d.pk.Codec().Kind() }

// Packetizer returns the dispatcher's packetizer.
func (d *Dispatcher) Packetizer() *packet.Packetizer { return d.pk }

// Start starts the playback loop. The loop ends when the input is closed and
// drained, when Stop or Fail is called, or when ctx expires.
func (d *Dispatcher) Start(ctx context.Context) {
	d.runOnce.Do(func() { go d.run(ctx) })
}

// Write queues a frame. It blocks while the queue is full.
func (d *Dispatcher) Write(ctx context.Context, f Frame) error {
	select {
	case <-d.inputDone:
		return ErrInputClosed
	default:
	}

	select {
	case d.frames <- f:
		return nil
	case <-d.inputDone:
		return ErrInputClosed
	case <-d.done:
		if d.err != nil {
			return d.err
		}
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseInput marks the end of the stream. Queued frames are still played.
func (d *Dispatcher) CloseInput() {
	d.inputOnce.Do(func() { close(d.inputDone) })
}

// Stop aborts playback. Queued frames are dropped.
func (d *Dispatcher) Stop() { d.abort(ErrStopped) }

// Fail aborts playback with an error from the given origin, typically a
// failing encoder or relay feeding Write.
func (d *Dispatcher) Fail(origin failure.Origin, err error) {
	d.abort(failure.StreamFailure(origin, err))
}

func (d *Dispatcher) abort(err error) {
	d.stopOnce.Do(func() {
		d.abortErr = err
		close(d.stop)
	})
}

// Pause pauses playback. With SilenceOnPause, silence is sent meanwhile.
func (d *Dispatcher) Pause() { d.setPaused(true) }

// Resume resumes playback.
func (d *Dispatcher) Resume() { d.setPaused(false) }

// Paused returns true if the dispatcher is paused.
func (d *Dispatcher) Paused() bool {
	d.pauseMu.Lock()
	defer d.pauseMu.Unlock()

	return d.paused
}

func (d *Dispatcher) setPaused(paused bool) {
	d.pauseMu.Lock()
	d.paused = paused
	d.pauseMu.Unlock()

	select {
	case d.pauseEv <- struct{}{}:
	default:
	}
}

// WaitFor holds playback until other sent its first frame, or until timeout
// passes, whichever comes first. It must be called before Start.
func (d *Dispatcher) WaitFor(other *Dispatcher, timeout time.Duration) {
	d.Pause()

	go func() {
		t := time.NewTimer(timeout)
		defer t.Stop()

		select {
		case <-other.Started():
		case <-t.C:
			d.log.Debug("paired dispatcher did not start in time, resuming")
		case <-d.done:
			return
		}

		d.Resume()
	}()
}

// Started is closed once the first frame has been sent.
func (d *Dispatcher) Started() <-chan struct{} { return d.started }

// Done is closed once the playback loop exits.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Err returns the reason the loop exited: nil for the end of the input,
// ErrStopped, a *failure.Error, or a context error. It must only be called
// after Done is closed.
func (d *Dispatcher) Err() error { return d.err }

// PlaybackDuration returns how much of the input has been played. Time spent
// paused, with or without silence, is not counted.
func (d *Dispatcher) PlaybackDuration() time.Duration {
	return d.playhead.Load() - d.silencePaused.Load()
}

// StalledDuration returns the time playback waited on input that arrived
// after its deadline.
func (d *Dispatcher) StalledDuration() time.Duration { return d.stalled.Load() }

// PausedDuration returns the time spent paused, split by whether silence was
// sent meanwhile.
func (d *Dispatcher) PausedDuration() (quiet, silence time.Duration) {
	return d.truePaused.Load(), d.silencePaused.Load()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	var (
		timer lazytime.Timer
		start time.Time
	)
	defer timer.Stop()

	for {
		var (
			frame   Frame
			silence bool
		)

		if d.Paused() {
			if !d.opts.SilenceOnPause || d.Kind() != packet.Audio {
				pausedAt := time.Now()
				if err := d.waitEvent(ctx); err != nil {
					d.err = err
					return
				}
				if !start.IsZero() {
					d.truePaused.Add(time.Since(pausedAt))
				}
				continue
			}

			frame = Frame{Data: packet.OpusSilence}
			silence = true
		} else {
			select {
			case f := <-d.frames:
				frame = f
			case <-d.inputDone:
				f, ok := d.drain()
				if !ok {
					d.log.Debug("input drained")
					return
				}
				frame = f
			case <-d.pauseEv:
				continue
			case <-d.stop:
				d.err = d.abortErr
				return
			case <-ctx.Done():
				d.err = ctx.Err()
				return
			}
		}

		dur := frame.Duration
		if dur <= 0 {
			dur = d.opts.FrameDuration
		}

		now := time.Now()
		if start.IsZero() {
			start = now
		}

		deadline := start.Add(d.playhead.Load() + d.truePaused.Load() + d.stalled.Load())

		// A frame arriving after its deadline shifts the schedule instead of
		// letting the frames queued behind it burst out.
		if late := now.Sub(deadline); late > 0 {
			d.stalled.Add(late)
			deadline = deadline.Add(late)
			d.log.WithField("late", late).Debug("input stalled, rescheduling")
		}

		timer.ResetAt(deadline)

		select {
		case <-timer.C:
		case <-d.stop:
			d.err = d.abortErr
			return
		case <-ctx.Done():
			d.err = ctx.Err()
			return
		}

		if d.opts.Lateness != nil {
			d.opts.Lateness.Observe(time.Since(deadline).Seconds())
		}

		if err := d.send(frame.Data, dur); err != nil {
			d.err = err
			d.log.WithError(err).Debug("dispatcher failed")
			return
		}

		d.playhead.Add(dur)
		if silence {
			d.silencePaused.Add(dur)
		}

		d.startOnce.Do(func() { close(d.started) })
	}
}

// drain takes a frame still queued after the input was closed.
func (d *Dispatcher) drain() (Frame, bool) {
	select {
	case f := <-d.frames:
		return f, true
	default:
		return Frame{}, false
	}
}

// waitEvent blocks until the pause state may have changed.
func (d *Dispatcher) waitEvent(ctx context.Context) error {
	select {
	case <-d.pauseEv:
		return nil
	case <-d.stop:
		return d.abortErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) send(frame []byte, dur time.Duration) error {
	codec := d.pk.Codec()

	packets, err := d.pk.Packetize(frame, packet.Ticks(codec.ClockRate(), dur))
	if err != nil {
		return failure.StreamFailure(failure.OriginPacketizer, err)
	}

	for _, p := range packets {
		if _, err := d.w.Write(p); err != nil {
			return failure.StreamFailure(failure.OriginRelay, err)
		}
	}

	if d.opts.PacketsSent != nil {
		d.opts.PacketsSent.Add(float64(len(packets)))
	}

	return nil
}
