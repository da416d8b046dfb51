// Package peer owns the per-participant negotiation contexts of one call
// session. Each Link wraps a single PeerConnection; the Registry maps
// participant ids to their Link for the session's duration.
package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Role of the local side in one link's negotiation.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// NegotiationState of a link.
type NegotiationState int

const (
	StateNoOffer NegotiationState = iota
	StateOfferSent
	StateAnswerPending
	StateStable
)

func (s NegotiationState) String() string {
	switch s {
	case StateNoOffer:
		return "no-offer"
	case StateOfferSent:
		return "offer-sent"
	case StateAnswerPending:
		return "answer-pending"
	case StateStable:
		return "stable"
	}
	return "unknown"
}

// ErrNoOfferOutstanding is returned when a remote answer arrives without a
// local offer to match it.
var ErrNoOfferOutstanding = errors.New("no offer outstanding")

// Link is the negotiation context for one remote participant. Remote
// candidates that arrive before the remote description are buffered and
// flushed in arrival order exactly once when the description lands.
type Link struct {
	participant int64
	role        Role
	pc          *webrtc.PeerConnection

	mu        sync.Mutex
	state     NegotiationState
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool
}

func newLink(participant int64, role Role, pc *webrtc.PeerConnection) *Link {
	return &Link{
		participant: participant,
		role:        role,
		pc:          pc,
		state:       StateNoOffer,
	}
}

// Participant returns the remote participant id this link negotiates with.
func (l *Link) Participant() int64 { return l.participant }

// Role returns the local negotiation role.
func (l *Link) Role() Role { return l.role }

// State returns the current negotiation state.
func (l *Link) State() NegotiationState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// AttachTrack adds a local track to the link's outbound stream.
func (l *Link) AttachTrack(t webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return l.pc.AddTrack(t)
}

// OnRemoteTrack registers a callback for inbound media from the remote side.
func (l *Link) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (l *Link) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	l.pc.OnICECandidate(fn)
}

// OnConnectionStateChange registers a callback for transport state changes.
func (l *Link) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	l.pc.OnConnectionStateChange(fn)
}

// CreateOffer produces a local offer, applies it as the local description,
// and moves the link to offer-sent. Candidate gathering starts here.
func (l *Link) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	l.mu.Lock()
	l.state = StateOfferSent
	l.mu.Unlock()
	return offer, nil
}

// ApplyRemoteOffer applies the remote offer as the remote description and
// flushes any buffered candidates.
func (l *Link) ApplyRemoteOffer(offer webrtc.SessionDescription) error {
	return l.applyRemoteDescription(offer)
}

// CreateAnswer produces a local answer for a previously applied remote
// offer, applies it as the local description, and moves the link to stable.
func (l *Link) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	l.mu.Lock()
	l.state = StateStable
	l.mu.Unlock()
	return answer, nil
}

// ApplyRemoteAnswer applies a remote answer. It fails with
// ErrNoOfferOutstanding when the link has no offer in flight — the remote
// side answered a question we never asked.
func (l *Link) ApplyRemoteAnswer(answer webrtc.SessionDescription) error {
	l.mu.Lock()
	if l.state != StateOfferSent {
		l.mu.Unlock()
		return fmt.Errorf("apply answer in state %s: %w", l.state, ErrNoOfferOutstanding)
	}
	l.state = StateAnswerPending
	l.mu.Unlock()

	if err := l.applyRemoteDescription(answer); err != nil {
		return err
	}
	l.mu.Lock()
	l.state = StateStable
	l.mu.Unlock()
	return nil
}

// applyRemoteDescription sets the remote description and flushes buffered
// candidates in arrival order. The buffer is cleared so a candidate is never
// applied twice.
func (l *Link) applyRemoteDescription(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}

	l.mu.Lock()
	l.remoteSet = true
	flush := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, cand := range flush {
		if err := l.pc.AddICECandidate(cand); err != nil {
			return fmt.Errorf("flush buffered candidate: %w", err)
		}
	}
	return nil
}

// AddRemoteCandidate applies a remote candidate, or buffers it when the
// remote description has not been applied yet. Dropping early candidates
// would make some network topologies unreachable.
func (l *Link) AddRemoteCandidate(cand webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, cand)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	if err := l.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// BufferedCandidates returns how many remote candidates are waiting for the
// remote description.
func (l *Link) BufferedCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// ReplaceVideo swaps the outbound video track in place on this link's video
// sender. No-op when the link has no video sender.
func (l *Link) ReplaceVideo(t webrtc.TrackLocal) error {
	for _, sender := range l.pc.GetSenders() {
		tr := sender.Track()
		if tr != nil && tr.Kind() == webrtc.RTPCodecTypeVideo {
			if err := sender.ReplaceTrack(t); err != nil {
				return fmt.Errorf("replace video track: %w", err)
			}
			return nil
		}
	}
	return nil
}

// VideoSenderTrack returns the track currently attached to the video sender,
// or nil.
func (l *Link) VideoSenderTrack() webrtc.TrackLocal {
	for _, sender := range l.pc.GetSenders() {
		tr := sender.Track()
		if tr != nil && tr.Kind() == webrtc.RTPCodecTypeVideo {
			return tr
		}
	}
	return nil
}

// AudioSenderTrack returns the track currently attached to the audio sender,
// or nil.
func (l *Link) AudioSenderTrack() webrtc.TrackLocal {
	for _, sender := range l.pc.GetSenders() {
		tr := sender.Track()
		if tr != nil && tr.Kind() == webrtc.RTPCodecTypeAudio {
			return tr
		}
	}
	return nil
}

// Close releases the PeerConnection. Idempotent.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.pending = nil
	l.mu.Unlock()
	return l.pc.Close()
}
