//go:build linux

package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"

	"github.com/mes-im/callkit/internal/util"
)

// DeviceCapturer opens real camera/microphone/screen capture via
// pion/mediadevices (V4L2 + malgo on Linux). Its encoders are wired into
// the PeerConnection codec set, so PCFactory here must be used in place of
// the default one.
type DeviceCapturer struct {
	selector *mediadevices.CodecSelector
}

// NewDeviceCapturer builds the VP8+Opus encoder pipeline.
func NewDeviceCapturer() (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceCapturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// PCFactory returns a PeerConnection builder whose media engine carries the
// capturer's encoders. Generous ICE timeouts so a brief relay/NAT hiccup
// does not immediately terminate the call.
func (c *DeviceCapturer) PCFactory(iceServers []string) func() (*webrtc.PeerConnection, error) {
	return func() (*webrtc.PeerConnection, error) {
		mediaEngine := &webrtc.MediaEngine{}
		c.selector.Populate(mediaEngine)

		registry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
			return nil, err
		}

		se := webrtc.SettingEngine{}
		se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		)

		cfg := webrtc.Configuration{}
		if len(iceServers) > 0 {
			cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
		}
		return api.NewPeerConnection(cfg)
	}
}

// Acquire captures local camera/mic. GetUserMedia fails as a unit if either
// track can't be opened, so try video+audio, then video-only, then
// audio-only — a busy microphone must not prevent the camera from working
// and vice versa.
//
// Track transforms gate the captured frames on the set's enabled flags
// before they reach the encoder, so a mute shows the remote side silence
// or black instead of a renegotiation.
func (c *DeviceCapturer) Acquire(ctx context.Context, withVideo bool) (*TrackSet, error) {
	type attempt struct {
		video bool
		audio bool
		label string
	}
	var ladder []attempt
	if withVideo {
		ladder = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	} else {
		ladder = []attempt{{false, true, "audio-only"}}
	}

	var lastErr error
	for _, a := range ladder {
		if err := ctx.Err(); err != nil {
			return nil, &AcquisitionError{Err: err}
		}
		stream, err := mediadevices.GetUserMedia(c.constraints(a.video, a.audio))
		if err != nil {
			util.LogWarning("GetUserMedia (%s): %v", a.label, err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		var audioTrack, videoTrack webrtc.TrackLocal
		for _, track := range tracks {
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				audioTrack = track
			case webrtc.RTPCodecTypeVideo:
				videoTrack = track
			}
		}
		stop := func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		ts := NewTrackSet(audioTrack, videoTrack, SourceCamera, stop, nil)
		if at, ok := audioTrack.(*mediadevices.AudioTrack); ok {
			at.Transform(gateAudio(ts.AudioEnabled))
		}
		if vt, ok := videoTrack.(*mediadevices.VideoTrack); ok {
			vt.Transform(gateVideo(ts.VideoEnabled))
		}
		util.LogInfo("local media captured (%s), %d tracks", a.label, len(tracks))
		return ts, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no capture attempt succeeded")
	}
	return nil, &AcquisitionError{Err: lastErr}
}

// AcquireVideo opens a standalone video source: the camera, or the screen
// via GetDisplayMedia.
func (c *DeviceCapturer) AcquireVideo(ctx context.Context, source VideoSource) (webrtc.TrackLocal, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, &AcquisitionError{Err: err}
	}

	var (
		stream mediadevices.MediaStream
		err    error
	)
	switch source {
	case SourceScreen:
		stream, err = mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
			Codec: c.selector,
			Video: func(_ *mediadevices.MediaTrackConstraints) {},
		})
	default:
		stream, err = mediadevices.GetUserMedia(c.constraints(true, false))
	}
	if err != nil {
		return nil, nil, &AcquisitionError{Err: fmt.Errorf("%s capture: %w", source, err)}
	}

	for _, track := range stream.GetTracks() {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			t := track
			return t, func() { t.Close() }, nil
		}
	}
	return nil, nil, &AcquisitionError{Err: fmt.Errorf("%s capture: no video track", source)}
}

// gateAudio passes captured chunks through while enabled and swaps them for
// zeroed ones of the same shape while not, keeping the opus stream alive
// across a mute.
func gateAudio(enabled func() bool) audio.TransformFunc {
	return func(r audio.Reader) audio.Reader {
		return audio.ReaderFunc(func() (wave.Audio, func(), error) {
			chunk, release, err := r.Read()
			if err != nil || enabled() {
				return chunk, release, err
			}
			silent := wave.NewInt16Interleaved(chunk.ChunkInfo())
			if release != nil {
				release()
			}
			return silent, func() {}, nil
		})
	}
}

// gateVideo passes captured frames through while enabled and substitutes
// black frames of the same bounds while not. The camera keeps running so
// re-enabling is instant.
func gateVideo(enabled func() bool) video.TransformFunc {
	return func(r video.Reader) video.Reader {
		var blank *image.RGBA
		return video.ReaderFunc(func() (image.Image, func(), error) {
			img, release, err := r.Read()
			if err != nil || enabled() {
				return img, release, err
			}
			if blank == nil || !blank.Bounds().Eq(img.Bounds()) {
				blank = image.NewRGBA(img.Bounds())
			}
			if release != nil {
				release()
			}
			return blank, func() {}, nil
		})
	}
}

// constraints builds GetUserMedia constraints. Raw frame formats only:
// some cameras expose an MJPEG node producing malformed JPEG frames that
// poison the VP8 encoder. Capped at 640×480 to bound encoding latency.
func (c *DeviceCapturer) constraints(withVideo, withAudio bool) mediadevices.MediaStreamConstraints {
	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
	if withVideo {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if withAudio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}
	return constraints
}
