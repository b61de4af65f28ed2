package demux

import (
	"sync"
	"time"

	"github.com/relayvoice/relayvoice/discord"
	"github.com/relayvoice/relayvoice/voice/packet"
)

// Speaker is what the signaling channel told us about a remote user.
type Speaker struct {
	UserID    discord.UserID
	AudioSSRC uint32
	// VideoSSRC and RTXSSRC are zero until the user announced video.
	VideoSSRC uint32
	RTXSSRC   uint32
	Speaking  uint32
	// LastPacket is the arrival time of the last packet of any of the user's
	// SSRCs.
	LastPacket time.Time
}

// HasVideo reports whether the speaker announced a video stream.
func (s Speaker) HasVideo() bool { return s.VideoSSRC != 0 }

// Route is the destination of a received SSRC.
type Route struct {
	UserID discord.UserID
	Kind   packet.Kind
	// RTX is true for the retransmission stream of a video SSRC.
	RTX bool
}

// Table maps SSRCs to speakers. It is written by the signaling side and read
// by the demultiplexer. A Table is safe for concurrent use.
type Table struct {
	mu     sync.RWMutex
	users  map[discord.UserID]Speaker
	routes map[uint32]Route
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{
		users:  make(map[discord.UserID]Speaker),
		routes: make(map[uint32]Route),
	}
}

// SetAudio records the audio SSRC of a user, as told by a speaking update.
func (t *Table) SetAudio(user discord.UserID, ssrc uint32, speaking uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.users[user]
	if s.AudioSSRC != 0 && s.AudioSSRC != ssrc {
		delete(t.routes, s.AudioSSRC)
	}

	s.UserID = user
	s.AudioSSRC = ssrc
	s.Speaking = speaking
	t.users[user] = s
	t.routes[ssrc] = Route{UserID: user, Kind: packet.Audio}
}

// SetVideo records the SSRCs of a user's streams, as told by a sources
// update. A zero video SSRC removes the user's video.
func (t *Table) SetVideo(user discord.UserID, audio, video, rtx uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.users[user]
	s.UserID = user

	if audio != 0 {
		if s.AudioSSRC != 0 && s.AudioSSRC != audio {
			delete(t.routes, s.AudioSSRC)
		}
		s.AudioSSRC = audio
		t.routes[audio] = Route{UserID: user, Kind: packet.Audio}
	}

	if s.VideoSSRC != 0 {
		delete(t.routes, s.VideoSSRC)
	}
	if s.RTXSSRC != 0 {
		delete(t.routes, s.RTXSSRC)
	}

	s.VideoSSRC, s.RTXSSRC = video, rtx
	if video != 0 {
		t.routes[video] = Route{UserID: user, Kind: packet.Video}
	}
	if rtx != 0 {
		t.routes[rtx] = Route{UserID: user, Kind: packet.Video, RTX: true}
	}

	t.users[user] = s
}

// Remove forgets a user, typically once they disconnected.
func (t *Table) Remove(user discord.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.users[user]
	if !ok {
		return
	}

	for _, ssrc := range []uint32{s.AudioSSRC, s.VideoSSRC, s.RTXSSRC} {
		if ssrc != 0 {
			delete(t.routes, ssrc)
		}
	}
	delete(t.users, user)
}

// Speaker returns what is known about a user.
func (t *Table) Speaker(user discord.UserID) (Speaker, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.users[user]
	return s, ok
}

// Lookup resolves an SSRC. Video SSRCs that were never announced fall back to
// the convention of audio+1 for video and audio+2 for retransmissions.
func (t *Table) Lookup(ssrc uint32) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if r, ok := t.routes[ssrc]; ok {
		return r, true
	}

	if r, ok := t.routes[ssrc-1]; ok && r.Kind == packet.Audio {
		return Route{UserID: r.UserID, Kind: packet.Video}, true
	}

	if r, ok := t.routes[ssrc-2]; ok && r.Kind == packet.Audio {
		return Route{UserID: r.UserID, Kind: packet.Video, RTX: true}, true
	}

	return Route{}, false
}

// Touch records the arrival of a packet for a user.
func (t *Table) Touch(user discord.UserID, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.users[user]; ok {
		s.LastPacket = at
		t.users[user] = s
	}
}

// Reset forgets everything, as needed after a reconnect.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.users = make(map[discord.UserID]Speaker)
	t.routes = make(map[uint32]Route)
}
