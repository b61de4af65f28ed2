// Package discord holds the identity types shared by the voice packages.
package discord

import (
	"strconv"
	"strings"
	"time"
)

// Epoch is the platform epoch in time.Duration since the Unix epoch.
const Epoch = 1420070400000 * time.Millisecond

// Snowflake is a 64-bit platform identifier. It is encoded as a JSON string.
type Snowflake uint64

// NullSnowflake is the zero, invalid snowflake. It encodes as null.
const NullSnowflake Snowflake = 0

// NewSnowflake creates a snowflake for the given time.
func NewSnowflake(t time.Time) Snowflake {
	return Snowflake(uint64((time.Duration(t.UnixNano())-Epoch)/time.Millisecond) << 22)
}

// ParseSnowflake parses a decimal snowflake string.
func ParseSnowflake(sf string) (Snowflake, error) {
	u, err := strconv.ParseUint(sf, 10, 64)
	return Snowflake(u), err
}

// UnmarshalJSON accepts quoted and bare numbers as well as null.
func (s *Snowflake) UnmarshalJSON(v []byte) error {
	id := strings.Trim(string(v), `"`)
	if id == "null" || id == "" {
		*s = NullSnowflake
		return nil
	}

	u, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return err
	}

	*s = Snowflake(u)
	return nil
}

// MarshalJSON encodes the snowflake as a string, or null if it's invalid.
func (s Snowflake) MarshalJSON() ([]byte, error) {
	if !s.IsValid() {
		return []byte("null"), nil
	}
	return []byte(`"` + s.String() + `"`), nil
}

func (s Snowflake) String() string { return strconv.FormatUint(uint64(s), 10) }

// IsValid returns true if the snowflake is non-zero.
func (s Snowflake) IsValid() bool { return s != NullSnowflake }

// Time returns the creation time embedded in the snowflake.
func (s Snowflake) Time() time.Time {
	return time.Unix(0, int64(time.Duration(s>>22)*time.Millisecond+Epoch))
}

// GuildID is the snowflake of a guild (server).
type GuildID Snowflake

// ChannelID is the snowflake of a channel.
type ChannelID Snowflake

// UserID is the snowflake of a user.
type UserID Snowflake

func (id GuildID) String() string   { return Snowflake(id).String() }
func (id ChannelID) String() string { return Snowflake(id).String() }
func (id UserID) String() string    { return Snowflake(id).String() }

func (id GuildID) IsValid() bool   { return Snowflake(id).IsValid() }
func (id ChannelID) IsValid() bool { return Snowflake(id).IsValid() }
func (id UserID) IsValid() bool    { return Snowflake(id).IsValid() }

func (id GuildID) MarshalJSON() ([]byte, error)   { return Snowflake(id).MarshalJSON() }
func (id ChannelID) MarshalJSON() ([]byte, error) { return Snowflake(id).MarshalJSON() }
func (id UserID) MarshalJSON() ([]byte, error)    { return Snowflake(id).MarshalJSON() }

func (id *GuildID) UnmarshalJSON(v []byte) error   { return (*Snowflake)(id).UnmarshalJSON(v) }
func (id *ChannelID) UnmarshalJSON(v []byte) error { return (*Snowflake)(id).UnmarshalJSON(v) }
func (id *UserID) UnmarshalJSON(v []byte) error    { return (*Snowflake)(id).UnmarshalJSON(v) }

// Milliseconds is a duration in milliseconds, as used by several payloads.
type Milliseconds float64

// Duration converts ms into a time.Duration.
func (ms Milliseconds) Duration() time.Duration {
	return time.Duration(float64(ms) * float64(time.Millisecond))
}
