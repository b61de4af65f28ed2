package main

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/relayvoice/relayvoice/discord"
)

// Config is the relayplay configuration. Every key can be overridden by a
// RELAYPLAY_ environment variable, such as RELAYPLAY_TOKEN.
type Config struct {
	// Credentials of an already allocated voice server.
	GuildID   string `mapstructure:"guild_id"`
	ChannelID string `mapstructure:"channel_id"`
	UserID    string `mapstructure:"user_id"`
	SessionID string `mapstructure:"session_id"`
	Token     string `mapstructure:"token"`
	Endpoint  string `mapstructure:"endpoint"`

	// Audio is a file of length-prefixed Opus frames.
	Audio string `mapstructure:"audio"`
	// Video is an IVF, H.264 or H.265 Annex B file.
	Video      string  `mapstructure:"video"`
	VideoCodec string  `mapstructure:"video_codec"`
	FrameRate  float64 `mapstructure:"frame_rate"`

	// RecordUser is the user whose received media is decoded into
	// RecordOutput.
	RecordUser   string `mapstructure:"record_user"`
	RecordOutput string `mapstructure:"record_output"`

	MetricsAddr string        `mapstructure:"metrics_addr"`
	LogLevel    string        `mapstructure:"log_level"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// ids holds the parsed identifiers of a Config.
type ids struct {
	guild   discord.GuildID
	channel discord.ChannelID
	user    discord.UserID
	record  discord.UserID
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RELAYPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default for environment overrides to be unmarshaled.
	for _, key := range []string{
		"guild_id", "channel_id", "user_id", "session_id", "token", "endpoint",
		"audio", "video", "record_user", "record_output", "metrics_addr",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("video_codec", "H264")
	v.SetDefault("frame_rate", 30)
	v.SetDefault("log_level", "info")
	v.SetDefault("timeout", "30s")

	return v
}

// LoadConfig reads the configuration file at path, if any, and the
// environment.
func LoadConfig(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "failed to read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}

	return &cfg, nil
}

func (cfg *Config) parseIDs() (ids, error) {
	var (
		out ids
		err error
	)

	parse := func(name, s string) discord.Snowflake {
		if err != nil {
			return 0
		}
		var sf discord.Snowflake
		sf, err = discord.ParseSnowflake(s)
		if err != nil {
			err = errors.Wrapf(err, "invalid %s", name)
		}
		return sf
	}

	out.guild = discord.GuildID(parse("guild_id", cfg.GuildID))
	out.channel = discord.ChannelID(parse("channel_id", cfg.ChannelID))
	out.user = discord.UserID(parse("user_id", cfg.UserID))
	if cfg.RecordUser != "" {
		out.record = discord.UserID(parse("record_user", cfg.RecordUser))
	}

	if err != nil {
		return ids{}, err
	}

	if !out.channel.IsValid() || !out.user.IsValid() {
		return ids{}, errors.New("channel_id and user_id are required")
	}
	if cfg.SessionID == "" || cfg.Token == "" || cfg.Endpoint == "" {
		return ids{}, errors.New("session_id, token and endpoint are required")
	}

	return out, nil
}
