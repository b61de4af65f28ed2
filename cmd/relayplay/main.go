// Command relayplay joins a voice channel with known voice server credentials,
// streams audio and video files and optionally records another user.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/k0kubun/pp"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/relayvoice/relayvoice/gateway"
	"github.com/relayvoice/relayvoice/utils/handler"
	"github.com/relayvoice/relayvoice/utils/ws"
	"github.com/relayvoice/relayvoice/voice"
	"github.com/relayvoice/relayvoice/voice/bridge"
	"github.com/relayvoice/relayvoice/voice/framing"
	"github.com/relayvoice/relayvoice/voice/playout"
)

var (
	configPath = flag.String("config", "", "path to a YAML config file")
	dump       = flag.Bool("dump", false, "pretty-print every session event")
)

func main() {
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalln(err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Fatalln("invalid log_level:", err)
	}
	logrus.SetLevel(level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		// Ignore context canceled errors as they're often intentional.
		if !errors.Is(err, context.Canceled) {
			logrus.Fatalln(err)
		}
	}
}

// staticMain answers voice state updates with the configured credentials
// instead of a real main gateway.
type staticMain struct {
	cfg *Config
	ids ids
	ses *voice.Session
}

func (m *staticMain) SendGateway(ctx context.Context, cmd ws.Event) error {
	update, ok := cmd.(*gateway.UpdateVoiceStateCommand)
	if !ok || !update.ChannelID.IsValid() {
		return nil
	}

	endpoint := m.cfg.Endpoint

	go func() {
		m.ses.HandleGatewayEvent(&gateway.VoiceStateUpdateEvent{
			GuildID:   update.GuildID,
			ChannelID: update.ChannelID,
			UserID:    m.ids.user,
			SessionID: m.cfg.SessionID,
		})
		m.ses.HandleGatewayEvent(&gateway.VoiceServerUpdateEvent{
			GuildID:  update.GuildID,
			Token:    m.cfg.Token,
			Endpoint: &endpoint,
		})
	}()

	return nil
}

func run(ctx context.Context, cfg *Config) error {
	ids, err := cfg.parseIDs()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()

	if cfg.MetricsAddr != "" {
		go func() {
			h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
			if err := http.ListenAndServe(cfg.MetricsAddr, h); err != nil {
				logrus.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	opts := voice.DefaultOptions()
	opts.VideoCodec = cfg.VideoCodec
	opts.Metrics = voice.NewMetrics(reg)

	static := &staticMain{cfg: cfg, ids: ids}
	ses := voice.NewSessionCustom(static, ids.user, opts)
	static.ses = ses

	if *dump {
		handler.Add(ses.Handler, func(ev voice.Event) { pp.Println(ev) })
	}

	handler.Add(ses.Handler, func(ev *voice.ErrorEvent) {
		logrus.WithError(ev.Err).Warn("voice error")
	})

	joinCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	err = ses.JoinChannel(joinCtx, voice.JoinOptions{
		GuildID:   ids.guild,
		ChannelID: ids.channel,
		SelfVideo: cfg.Video != "",
	})
	if err != nil {
		return errors.Wrap(err, "failed to join channel")
	}
	defer ses.Leave(context.Background())

	if ids.record.IsValid() {
		rec, err := record(ctx, ses, ids, cfg)
		if err != nil {
			return err
		}
		defer rec.Close()
	}

	var wg sync.WaitGroup
	play := func(name string, playFn func(context.Context, voice.Source) (*playout.Dispatcher, error), src voice.Source) error {
		d, err := playFn(ctx, src)
		if err != nil {
			return errors.Wrapf(err, "failed to play %s", name)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			<-d.Done()
			logrus.WithField("duration", d.PlaybackDuration()).Infof("%s ended", name)
		}()

		return nil
	}

	if cfg.Audio != "" {
		f, err := os.Open(cfg.Audio)
		if err != nil {
			return errors.Wrap(err, "failed to open audio")
		}
		defer f.Close()

		if err := play("audio", ses.PlayAudio, voice.OpusSource(f)); err != nil {
			return err
		}
	}

	if cfg.Video != "" {
		f, err := os.Open(cfg.Video)
		if err != nil {
			return errors.Wrap(err, "failed to open video")
		}
		defer f.Close()

		if err := play("video", ses.PlayVideo, videoSource(cfg, f)); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// Keep listening if recording, even after playback ended.
	if ids.record.IsValid() || (cfg.Audio == "" && cfg.Video == "") {
		<-ctx.Done()
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func videoSource(cfg *Config, f *os.File) voice.Source {
	switch strings.ToLower(filepath.Ext(cfg.Video)) {
	case ".ivf":
		return voice.IVFSource(f)
	case ".h265", ".265", ".hevc":
		return voice.AnnexBSource(f, framing.H265, cfg.FrameRate)
	default:
		return voice.AnnexBSource(f, framing.H264, cfg.FrameRate)
	}
}

// record decodes the received media of the configured user into
// cfg.RecordOutput with an external decoder.
func record(ctx context.Context, ses *voice.Session, ids ids, cfg *Config) (*bridge.Bridge, error) {
	if cfg.RecordOutput == "" {
		return nil, errors.New("record_output is required to record")
	}

	b := bridge.New(bridge.Config{
		AudioCodec: "opus",
		VideoCodec: cfg.VideoCodec,
		OutputArgs: []string{"-y", cfg.RecordOutput},
		Stderr:     os.Stderr,
	})

	if err := b.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to start decoder")
	}

	d, err := ses.Receive(voice.ReceiveOptions{})
	if err != nil {
		b.Close()
		return nil, errors.Wrap(err, "failed to receive")
	}

	d.SetVideoSink(ids.record, b)

	handler.Add(ses.Handler, func(ev *voice.StreamEvent) {
		if ev.Stream.UserID != ids.record {
			return
		}

		for p := range ev.Stream.Packets() {
			if err := b.WritePacket(p); err != nil {
				logrus.WithError(err).Debug("failed to relay packet to the decoder")
			}
		}
	})

	handler.Add(ses.Handler, func(ev *voice.SpeakingEvent) {
		logrus.WithFields(logrus.Fields{
			"user_id":  ev.UserID,
			"speaking": ev.Speaking,
		}).Info("speaking changed")
	})

	return b, nil
}
