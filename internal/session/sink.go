package session

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mes-im/callkit/internal/callctl"
	"github.com/mes-im/callkit/internal/signaling"
)

// Snapshot is the externally visible session state published to the sink
// after every transition. It is a value: consumers keep it without locking.
type Snapshot struct {
	State     State
	CallID    int64
	ChatID    int64
	Kind      callctl.Kind
	Direction Direction
	StartedAt time.Time

	// Incoming carries the ringing call's details while state is
	// incoming-ringing, nil otherwise.
	Incoming *signaling.CallInfo

	Participants   []int64
	RemoteAccepted bool

	AudioMuted    bool
	VideoOff      bool
	ScreenSharing bool

	// ChannelLost is set when the signaling transport closed terminally
	// while a call was up. Media may keep flowing; no further remote events
	// will arrive.
	ChannelLost bool
}

// Sink receives session output. Implementations must not call back into the
// manager from these methods.
type Sink interface {
	// Publish delivers a state snapshot. Called after every transition, in
	// order.
	Publish(Snapshot)
	// RemoteTrack delivers inbound media from a participant.
	RemoteTrack(participant int64, track *webrtc.TrackRemote)
}
