package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayvoice/relayvoice/discord"
)

const testConfig = `
guild_id: "123"
channel_id: "456"
user_id: "789"
session_id: session
token: token
endpoint: voice.example.com
audio: sample.opus
video_codec: VP8
timeout: 5s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "relayplay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "123", cfg.GuildID, spew.Sdump(cfg))
	assert.Equal(t, "voice.example.com", cfg.Endpoint, spew.Sdump(cfg))
	assert.Equal(t, "sample.opus", cfg.Audio, spew.Sdump(cfg))
	assert.Equal(t, "VP8", cfg.VideoCodec, spew.Sdump(cfg))
	assert.Equal(t, 5*time.Second, cfg.Timeout, spew.Sdump(cfg))

	// Defaults.
	assert.Equal(t, float64(30), cfg.FrameRate, spew.Sdump(cfg))
	assert.Equal(t, "info", cfg.LogLevel, spew.Sdump(cfg))
	assert.Empty(t, cfg.Video, spew.Sdump(cfg))

	ids, err := cfg.parseIDs()
	require.NoError(t, err)

	assert.Equal(t, discord.GuildID(123), ids.guild)
	assert.Equal(t, discord.ChannelID(456), ids.channel)
	assert.Equal(t, discord.UserID(789), ids.user)
	assert.False(t, ids.record.IsValid())
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("RELAYPLAY_TOKEN", "env-token")
	t.Setenv("RELAYPLAY_RECORD_USER", "1000")

	cfg, err := LoadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "env-token", cfg.Token, spew.Sdump(cfg))

	ids, err := cfg.parseIDs()
	require.NoError(t, err)
	assert.Equal(t, discord.UserID(1000), ids.record)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseIDs(t *testing.T) {
	valid := func() *Config {
		return &Config{
			GuildID:   "123",
			ChannelID: "456",
			UserID:    "789",
			SessionID: "session",
			Token:     "token",
			Endpoint:  "voice.example.com",
		}
	}

	tests := []struct {
		name   string
		modify func(cfg *Config)
		errMsg string
	}{
		{
			name:   "invalid guild",
			modify: func(cfg *Config) { cfg.GuildID = "guild" },
			errMsg: "invalid guild_id",
		},
		{
			name:   "invalid record user",
			modify: func(cfg *Config) { cfg.RecordUser = "-1" },
			errMsg: "invalid record_user",
		},
		{
			name:   "null channel",
			modify: func(cfg *Config) { cfg.ChannelID = "0" },
			errMsg: "channel_id and user_id are required",
		},
		{
			name:   "no token",
			modify: func(cfg *Config) { cfg.Token = "" },
			errMsg: "session_id, token and endpoint are required",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := valid()
			test.modify(cfg)

			_, err := cfg.parseIDs()
			if assert.Error(t, err, spew.Sdump(cfg)) {
				assert.Contains(t, err.Error(), test.errMsg)
			}
		})
	}
}
