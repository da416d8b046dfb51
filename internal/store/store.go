// Package store keeps the latest session output for consumers that poll
// instead of subscribing, such as the CLI status view and the tests.
package store

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mes-im/callkit/internal/session"
)

// Memory is an in-memory session.Sink retaining the most recent snapshot
// and the remote tracks of the current call.
type Memory struct {
	mu     sync.Mutex
	last   session.Snapshot
	tracks map[int64]*webrtc.TrackRemote
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{tracks: make(map[int64]*webrtc.TrackRemote)}
}

// Publish records the snapshot. Remote tracks are dropped when the session
// returns to idle; they belong to the call that ended.
func (m *Memory) Publish(snap session.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = snap
	if snap.State == session.StateIdle {
		m.tracks = make(map[int64]*webrtc.TrackRemote)
	}
}

// RemoteTrack records inbound media from a participant. The latest track
// per participant wins.
func (m *Memory) RemoteTrack(participant int64, track *webrtc.TrackRemote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks[participant] = track
}

// Last returns the most recent snapshot.
func (m *Memory) Last() session.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Track returns the remote track for a participant, if any.
func (m *Memory) Track(participant int64) (*webrtc.TrackRemote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracks[participant]
	return t, ok
}

// Participants returns the participants with live remote tracks.
func (m *Memory) Participants() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.tracks))
	for id := range m.tracks {
		ids = append(ids, id)
	}
	return ids
}
