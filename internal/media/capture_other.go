//go:build !linux

package media

import (
	"context"
	"errors"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

var errDeviceCaptureUnsupported = errors.New("device capture not supported on this platform")

// DeviceCapturer is a stub on non-Linux platforms. Camera/mic capture via
// pion/mediadevices requires platform drivers (V4L2/malgo on Linux);
// callers fall back to the static capturer when NewDeviceCapturer fails.
type DeviceCapturer struct{}

func NewDeviceCapturer() (*DeviceCapturer, error) {
	return nil, errDeviceCaptureUnsupported
}

func (c *DeviceCapturer) Acquire(ctx context.Context, withVideo bool) (*TrackSet, error) {
	return nil, &AcquisitionError{Err: errDeviceCaptureUnsupported}
}

func (c *DeviceCapturer) AcquireVideo(ctx context.Context, source VideoSource) (webrtc.TrackLocal, func(), error) {
	return nil, nil, &AcquisitionError{Err: errDeviceCaptureUnsupported}
}

// PCFactory returns a default-codec builder so the type stays usable even
// though capture never succeeds here.
func (c *DeviceCapturer) PCFactory(iceServers []string) func() (*webrtc.PeerConnection, error) {
	return func() (*webrtc.PeerConnection, error) {
		mediaEngine := &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}
		registry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
			return nil, err
		}
		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
		)
		cfg := webrtc.Configuration{}
		if len(iceServers) > 0 {
			cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
		}
		return api.NewPeerConnection(cfg)
	}
}
