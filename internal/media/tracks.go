// Package media drives local capture and SDP negotiation for call sessions.
// The wire-level codec work is the platform's job; this package only decides
// what is attached, offered, answered, and swapped.
package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// VideoSource identifies what feeds the outbound video track.
type VideoSource string

const (
	SourceCamera VideoSource = "camera"
	SourceScreen VideoSource = "screen"
)

// TrackSet is the session-scoped local capture: one audio track and an
// optional video track. It is shared by reference across every link in a
// session — the same capture forks into each peer's outbound stream — so
// mute and source-switch state live here, not per peer.
//
// Muting disables a track without detaching it: the remote side sees a
// silent/frozen stream instead of a renegotiation. Switching the video
// source replaces the track (see Negotiator.ReplaceOutboundVideo).
type TrackSet struct {
	mu        sync.Mutex
	audio     webrtc.TrackLocal
	video     webrtc.TrackLocal
	source    VideoSource
	audioOn   bool
	videoOn   bool
	videoStop func()
	stop      func()
	stopped   bool
}

// NewTrackSet wraps acquired tracks. stop releases the underlying capture;
// videoStop releases just the current video source.
func NewTrackSet(audio, video webrtc.TrackLocal, source VideoSource, stop, videoStop func()) *TrackSet {
	return &TrackSet{
		audio:     audio,
		video:     video,
		source:    source,
		audioOn:   true,
		videoOn:   video != nil,
		videoStop: videoStop,
		stop:      stop,
	}
}

// Audio returns the local audio track, or nil.
func (t *TrackSet) Audio() webrtc.TrackLocal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.audio
}

// Video returns the current local video track, or nil.
func (t *TrackSet) Video() webrtc.TrackLocal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.video
}

// HasVideo reports whether a video track is attached.
func (t *TrackSet) HasVideo() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.video != nil
}

// Source returns what currently feeds the video track.
func (t *TrackSet) Source() VideoSource {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.source
}

// SetAudioEnabled toggles the audio track without detaching it.
func (t *TrackSet) SetAudioEnabled(on bool) {
	t.mu.Lock()
	t.audioOn = on
	t.mu.Unlock()
}

// AudioEnabled reports whether audio is live.
func (t *TrackSet) AudioEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.audioOn
}

// SetVideoEnabled toggles the video track without detaching it.
func (t *TrackSet) SetVideoEnabled(on bool) {
	t.mu.Lock()
	t.videoOn = on
	t.mu.Unlock()
}

// VideoEnabled reports whether video is live.
func (t *TrackSet) VideoEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.videoOn
}

// SwapVideo replaces the video track, releasing the previous source.
func (t *TrackSet) SwapVideo(track webrtc.TrackLocal, source VideoSource, stop func()) {
	t.mu.Lock()
	old := t.videoStop
	t.video = track
	t.source = source
	t.videoStop = stop
	t.videoOn = track != nil
	t.mu.Unlock()
	if old != nil {
		old()
	}
}

// Stop releases the underlying capture. Idempotent — teardown races between
// a local hangup and a remote ended event both land here.
func (t *TrackSet) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	videoStop := t.videoStop
	stop := t.stop
	t.videoStop = nil
	t.stop = nil
	t.mu.Unlock()

	if videoStop != nil {
		videoStop()
	}
	if stop != nil {
		stop()
	}
}
