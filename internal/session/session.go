// Package session owns the lifecycle of at most one call at a time: the
// state machine, the reaction to signaling events, and the teardown
// choreography across the peer and media layers.
package session

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mes-im/callkit/internal/callctl"
)

// State of the call session.
type State int

const (
	StateIdle State = iota
	StateOutgoingRinging
	StateIncomingRinging
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoingRinging:
		return "outgoing-ringing"
	case StateIncomingRinging:
		return "incoming-ringing"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// Direction of the session relative to the local actor.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// session is the manager's record of the one call in flight. All access is
// under the manager's lock.
type session struct {
	callID    int64
	chatID    int64
	calleeID  int64 // target participant of an outgoing call; 0 for incoming
	kind      callctl.Kind
	direction Direction
	startedAt time.Time

	// state transitions happen under the manager's lock. Work that resumes
	// after a blocking step re-checks that this record (by pointer identity)
	// is still the manager's live session and that released is unset.
	state State

	// participants who have joined (accepted) the call, keyed by user id.
	participants map[int64]string

	accepted       bool
	remoteAccepted bool

	// pendingOffer parks a remote offer that arrived before the local actor
	// accepted. The answer is produced when both halves exist.
	pendingOffer map[int64]*webrtc.SessionDescription

	// released guards the teardown choreography; the first of a racing
	// local hangup and remote ended event wins, the rest are no-ops.
	released bool
}

func newSession(callID, chatID int64, kind callctl.Kind, dir Direction) *session {
	return &session{
		callID:       callID,
		chatID:       chatID,
		kind:         kind,
		direction:    dir,
		startedAt:    time.Now(),
		state:        StateIdle,
		participants: make(map[int64]string),
		pendingOffer: make(map[int64]*webrtc.SessionDescription),
	}
}

func (s *session) participantIDs() []int64 {
	ids := make([]int64, 0, len(s.participants))
	for id := range s.participants {
		ids = append(ids, id)
	}
	return ids
}
