package media

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// AcquisitionError reports that local capture could not be acquired
// (device missing, busy, or denied). It aborts the call attempt; nothing
// here retries.
type AcquisitionError struct {
	Err error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("media acquisition: %v", e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Capturer acquires the local capture for a session. Implementations are
// platform hooks; the negotiation logic never sees past this interface.
type Capturer interface {
	// Acquire opens the session capture: audio, plus camera video when
	// withVideo is set.
	Acquire(ctx context.Context, withVideo bool) (*TrackSet, error)
	// AcquireVideo opens a standalone video track from the given source,
	// used for camera/screen switching mid-session. The returned func
	// releases the source.
	AcquireVideo(ctx context.Context, source VideoSource) (webrtc.TrackLocal, func(), error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Static capturer
// ──────────────────────────────────────────────────────────────────────────────

const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = 33 * time.Millisecond
)

// opusSilence is a single silent Opus frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// StaticCapturer produces sample-fed tracks without touching hardware. It
// backs the tests and every platform without a device pipeline: the pumps
// write silence/black frames, and honor the track-set enabled flags so a
// muted track freezes instead of detaching.
type StaticCapturer struct{}

// NewStaticCapturer returns a hardware-free Capturer.
func NewStaticCapturer() *StaticCapturer { return &StaticCapturer{} }

// Acquire creates the session tracks and starts their sample pumps.
func (c *StaticCapturer) Acquire(ctx context.Context, withVideo bool) (*TrackSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, &AcquisitionError{Err: err}
	}
	streamID := uuid.NewString()

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, &AcquisitionError{Err: err}
	}

	var video *webrtc.TrackLocalStaticSample
	if withVideo {
		video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "camera-"+uuid.NewString(), streamID)
		if err != nil {
			return nil, &AcquisitionError{Err: err}
		}
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	var ts *TrackSet
	if video != nil {
		ts = NewTrackSet(audio, video, SourceCamera, cancel, nil)
	} else {
		ts = NewTrackSet(audio, nil, SourceCamera, cancel, nil)
	}

	go pumpAudio(pumpCtx, ts, audio)
	if video != nil {
		go pumpVideo(pumpCtx, func() bool { return ts.VideoEnabled() }, video)
	}
	return ts, nil
}

// AcquireVideo creates a standalone pumped video track for source switching.
func (c *StaticCapturer) AcquireVideo(ctx context.Context, source VideoSource) (webrtc.TrackLocal, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, &AcquisitionError{Err: err}
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		string(source)+"-"+uuid.NewString(), uuid.NewString())
	if err != nil {
		return nil, nil, &AcquisitionError{Err: err}
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	go pumpVideo(pumpCtx, func() bool { return true }, track)
	return track, cancel, nil
}

// pumpAudio writes silent Opus frames at the frame interval. While the
// track set's audio is disabled nothing is written, so the remote side
// hears silence without a renegotiation.
func pumpAudio(ctx context.Context, ts *TrackSet, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(audioFrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !ts.AudioEnabled() {
				continue
			}
			_ = track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: audioFrameInterval})
		}
	}
}

// pumpVideo writes minimal VP8 frames at the frame interval, gated by
// enabled. The payload is a placeholder; remote decoders only ever see it
// in loopback setups.
func pumpVideo(ctx context.Context, enabled func() bool, track *webrtc.TrackLocalStaticSample) {
	frame := []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}
	ticker := time.NewTicker(videoFrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !enabled() {
				continue
			}
			_ = track.WriteSample(pionmedia.Sample{Data: frame, Duration: videoFrameInterval})
		}
	}
}
