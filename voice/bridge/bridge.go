// Package bridge feeds received RTP into an external decoder process, such as
// ffmpeg, over loopback UDP.
package bridge

import (
	"context"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/relayvoice/relayvoice/voice/demux"
	"github.com/relayvoice/relayvoice/voice/failure"
	"github.com/relayvoice/relayvoice/voice/packet"
)

const loopback = "127.0.0.1"

var (
	// ErrNotReady is returned by WritePacket before Start or after Close.
	ErrNotReady = errors.New("bridge is not running")
	// ErrNoMedia is returned when the bridge has neither audio nor video.
	ErrNoMedia = errors.New("bridge has no media")
)

// Config configures a Bridge.
type Config struct {
	// AudioCodec and VideoCodec name the codecs of the inputs. An empty name
	// disables that input.
	AudioCodec string
	VideoCodec string
	// AudioPort and VideoPort are the loopback ports the decoder listens on.
	// Zero picks a free port.
	AudioPort int
	VideoPort int

	// Command is the decoder executable and its leading arguments. Default
	// ffmpeg reading from the session description.
	Command []string
	// OutputArgs are appended after the input arguments.
	OutputArgs []string
	// Stderr receives the decoder's stderr.
	Stderr io.Writer

	// Grace is how long Close waits after SIGTERM before it kills the process
	// group. Default 2s.
	Grace time.Duration

	Logger logrus.FieldLogger
}

// DefaultCommand is the decoder command used when Config.Command is empty.
var DefaultCommand = []string{
	"ffmpeg", "-hide_banner", "-loglevel", "error",
	"-protocol_whitelist", "file,udp,rtp",
}

// Bridge runs one decoder process.
type Bridge struct {
	cfg Config
	log logrus.FieldLogger

	mu      sync.Mutex
	cmd     *exec.Cmd
	sdpPath string
	audio   net.Conn
	video   net.Conn
	closed  bool

	ready chan struct{}
	done  chan struct{}
	err   error
}

// New creates a Bridge. Nothing is started until Start.
func New(cfg Config) *Bridge {
	if len(cfg.Command) == 0 {
		cfg.Command = DefaultCommand
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	return &Bridge{
		cfg:   cfg,
		log:   cfg.Logger.WithField("component", "bridge"),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Ready is closed once the decoder runs and packets can be written.
func (b *Bridge) Ready() <-chan struct{} { return b.ready }

// Done is closed once the decoder exited.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Err returns why the decoder exited. It is only valid after Done is closed.
// A decoder terminated by Close isn't an error.
func (b *Bridge) Err() error { return b.err }

// SDPPath returns the path of the session description given to the decoder.
func (b *Bridge) SDPPath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sdpPath
}

// Start writes the session description and spawns the decoder. ctx only
// bounds the startup; use Close to stop the decoder.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd != nil || b.closed {
		return errors.New("bridge already started")
	}

	var audio, video *Media
	var err error

	if b.cfg.AudioCodec != "" {
		audio = &Media{Codec: b.cfg.AudioCodec, Port: b.cfg.AudioPort}
		if audio.Port == 0 {
			if audio.Port, err = freePort(); err != nil {
				return err
			}
		}
	}

	if b.cfg.VideoCodec != "" {
		video = &Media{Codec: b.cfg.VideoCodec, Port: b.cfg.VideoPort}
		if video.Port == 0 {
			if video.Port, err = freePort(); err != nil {
				return err
			}
		}
	}

	if audio == nil && video == nil {
		return ErrNoMedia
	}

	desc, err := SDP(audio, video)
	if err != nil {
		return failure.Wrap(failure.Codec, failure.InvalidCodec, err, "failed to describe media")
	}

	f, err := os.CreateTemp("", "relayvoice-*.sdp")
	if err != nil {
		return errors.Wrap(err, "failed to create SDP file")
	}

	_, err = f.Write(desc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return errors.Wrap(err, "failed to write SDP file")
	}

	b.sdpPath = f.Name()

	if err := b.dial(ctx, audio, video); err != nil {
		b.cleanup()
		return err
	}

	args := append([]string(nil), b.cfg.Command[1:]...)
	args = append(args, "-i", b.sdpPath)
	args = append(args, b.cfg.OutputArgs...)

	cmd := exec.Command(b.cfg.Command[0], args...)
	cmd.Stderr = b.cfg.Stderr
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		b.cleanup()
		return failure.StreamFailure(failure.OriginDecoder, errors.Wrap(err, "failed to start decoder"))
	}

	b.cmd = cmd
	b.log.WithField("pid", cmd.Process.Pid).Debug("decoder started")

	go b.wait(cmd)
	close(b.ready)

	return nil
}

func (b *Bridge) dial(ctx context.Context, audio, video *Media) error {
	var d net.Dialer

	if audio != nil {
		c, err := d.DialContext(ctx, "udp", net.JoinHostPort(loopback, strconv.Itoa(audio.Port)))
		if err != nil {
			return errors.Wrap(err, "failed to dial audio port")
		}
		b.audio = c
	}

	if video != nil {
		c, err := d.DialContext(ctx, "udp", net.JoinHostPort(loopback, strconv.Itoa(video.Port)))
		if err != nil {
			return errors.Wrap(err, "failed to dial video port")
		}
		b.video = c
	}

	return nil
}

func (b *Bridge) wait(cmd *exec.Cmd) {
	err := cmd.Wait()

	b.mu.Lock()
	if !b.closed && err != nil {
		b.err = failure.StreamFailure(failure.OriginDecoder, errors.Wrap(err, "decoder exited"))
	}
	b.cleanup()
	b.mu.Unlock()

	close(b.done)
}

// cleanup releases the sockets and the SDP file. b.mu must be held.
func (b *Bridge) cleanup() {
	if b.audio != nil {
		b.audio.Close()
		b.audio = nil
	}
	if b.video != nil {
		b.video.Close()
		b.video = nil
	}
	if b.sdpPath != "" {
		os.Remove(b.sdpPath)
		b.sdpPath = ""
	}
}

// WritePacket relays a received packet to the decoder as plain RTP.
// Retransmissions are dropped. It implements demux.VideoSink.
func (b *Bridge) WritePacket(p demux.Packet) error {
	if p.RTX {
		return nil
	}

	b.mu.Lock()
	conn := b.audio
	if p.Kind == packet.Video {
		conn = b.video
	}
	b.mu.Unlock()

	if conn == nil {
		return ErrNotReady
	}

	raw, err := p.RTP()
	if err != nil {
		return errors.Wrap(err, "failed to marshal RTP")
	}

	_, err = conn.Write(raw)
	return err
}

// Close stops the decoder: its process group gets SIGTERM, then SIGKILL if it
// is still running after the grace period. Close waits for the decoder to exit.
func (b *Bridge) Close() error {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		<-b.done
		return nil
	}

	b.closed = true
	cmd := b.cmd

	if cmd == nil {
		b.cleanup()
		b.mu.Unlock()
		close(b.done)
		return nil
	}

	// Stop relaying before the decoder goes away.
	if b.audio != nil {
		b.audio.Close()
		b.audio = nil
	}
	if b.video != nil {
		b.video.Close()
		b.video = nil
	}

	b.mu.Unlock()

	if err := terminate(cmd); err != nil {
		b.log.WithError(err).Debug("failed to terminate decoder")
	}

	select {
	case <-b.done:
		return nil
	case <-time.After(b.cfg.Grace):
	}

	b.log.Warn("decoder ignored SIGTERM, killing its process group")

	if err := kill(cmd); err != nil {
		return errors.Wrap(err, "failed to kill decoder")
	}

	<-b.done
	return nil
}

func freePort() (int, error) {
	c, err := net.ListenPacket("udp", net.JoinHostPort(loopback, "0"))
	if err != nil {
		return 0, errors.Wrap(err, "failed to find a free port")
	}
	defer c.Close()

	return c.LocalAddr().(*net.UDPAddr).Port, nil
}
