package discord

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnowflake(t *testing.T) {
	const value = 175928847299117063
	expect := time.Date(2016, 04, 30, 11, 18, 25, 796*int(time.Millisecond), time.UTC)

	s, err := ParseSnowflake("175928847299117063")
	require.NoError(t, err)
	assert.Equal(t, Snowflake(value), s)
	assert.True(t, s.Time().Equal(expect))
	assert.True(t, NewSnowflake(expect).Time().Equal(expect))
}

func TestSnowflakeJSON(t *testing.T) {
	var v struct {
		Guild   GuildID   `json:"guild_id"`
		Channel ChannelID `json:"channel_id"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{"guild_id":"41771983423143937","channel_id":null}`), &v))
	assert.Equal(t, GuildID(41771983423143937), v.Guild)
	assert.False(t, v.Channel.IsValid())

	b, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"guild_id":"41771983423143937","channel_id":null}`, string(b))
}

func TestMilliseconds(t *testing.T) {
	assert.Equal(t, 41250*time.Millisecond, Milliseconds(41250).Duration())
	assert.Equal(t, 1500*time.Microsecond, Milliseconds(1.5).Duration())
}
