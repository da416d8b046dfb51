package session

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mes-im/callkit/internal/callctl"
	"github.com/mes-im/callkit/internal/media"
	"github.com/mes-im/callkit/internal/peer"
	"github.com/mes-im/callkit/internal/signaling"
	"github.com/mes-im/callkit/internal/util"
)

var (
	// ErrCallBusy: a session is already in flight; at most one call exists
	// at a time.
	ErrCallBusy = errors.New("another call is already in progress")
	// ErrNoActiveCall: the operation needs a live session.
	ErrNoActiveCall = errors.New("no active call")
	// ErrNotRinging: accept/reject/cancel outside the ringing state.
	ErrNotRinging = errors.New("call is not ringing")
	// ErrCallCancelled: the session was torn down while a blocking step
	// (control-plane request, media acquisition) was in flight.
	ErrCallCancelled = errors.New("call cancelled")
)

// SignalSender is the outbound signaling surface the manager needs.
// *signaling.Channel satisfies it.
type SignalSender interface {
	SendSignal(target int64, sig signaling.Signal)
}

// CallControl is the control-plane surface the manager needs.
// *callctl.Client satisfies it.
type CallControl interface {
	CreateCall(ctx context.Context, chatID int64, kind callctl.Kind) (*callctl.Call, error)
	AcceptCall(ctx context.Context, callID int64) error
	RejectCall(ctx context.Context, callID int64) error
	EndCall(ctx context.Context, callID int64) error
}

// Manager runs the call session state machine. Events and local operations
// are serialized under one lock; only blocking collaborator calls (the
// control plane, media acquisition) run outside it, and re-check that the
// session they started is still the live one before resuming.
//
// Snapshot publication and signal sends happen under the lock, so
// subscribers observe transitions in order. Sinks must not call back in.
type Manager struct {
	ctl    CallControl
	sig    SignalSender
	neg    *media.Negotiator
	reg    *peer.Registry
	sink   Sink
	selfID int64

	mu          sync.Mutex
	sess        *session
	incoming    *signaling.CallInfo
	tracks      *media.TrackSet
	muted       bool
	videoOff    bool
	sharing     bool
	channelLost bool
}

// NewManager wires the session layer. sink must be non-nil.
func NewManager(ctl CallControl, sig SignalSender, neg *media.Negotiator, reg *peer.Registry, sink Sink, selfID int64) *Manager {
	return &Manager{
		ctl:    ctl,
		sig:    sig,
		neg:    neg,
		reg:    reg,
		sink:   sink,
		selfID: selfID,
	}
}

// Attach subscribes the manager to a signaling channel. Call before
// Channel.Connect.
func (m *Manager) Attach(ch *signaling.Channel) {
	ch.OnEvent(m.HandleEvent)
	ch.OnStateChange(m.handleChannelState)
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return StateIdle
	}
	return m.sess.state
}

// ──────────────────────────────────────────────────────────────────────────────
// Local operations
// ──────────────────────────────────────────────────────────────────────────────

// StartCall creates a call in the given chat, addressed to calleeID, and
// moves the session to outgoing-ringing with the offer already sent. Later
// joiners get their offers on their call_accepted events. Fails with
// ErrCallBusy while any session is in flight.
func (m *Manager) StartCall(ctx context.Context, chatID, calleeID int64, kind callctl.Kind) error {
	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return ErrCallBusy
	}
	s := newSession(0, chatID, kind, DirectionOutgoing)
	s.calleeID = calleeID
	m.sess = s
	m.mu.Unlock()

	call, err := m.ctl.CreateCall(ctx, chatID, kind)
	if err != nil {
		m.abortPending(s)
		return err
	}

	ts, err := m.neg.AcquireMedia(ctx, kind == callctl.KindVideo)
	if err != nil {
		m.abortPending(s)
		go func() { _ = m.ctl.EndCall(context.Background(), call.ID) }()
		return err
	}

	m.mu.Lock()
	if m.sess != s || s.released {
		m.mu.Unlock()
		ts.Stop()
		go func() { _ = m.ctl.EndCall(context.Background(), call.ID) }()
		return ErrCallCancelled
	}
	s.callID = call.ID
	s.state = StateOutgoingRinging
	m.tracks = ts
	m.muted = false
	m.videoOff = false
	m.sharing = false
	util.Stats.AddCall()

	if err := m.offerLocked(calleeID); err != nil {
		m.teardownLocked("offer failed")
		m.mu.Unlock()
		go func() { _ = m.ctl.EndCall(context.Background(), call.ID) }()
		return err
	}
	util.LogInfo("call %d started in chat %d (%s), ringing %d", call.ID, chatID, kind, calleeID)
	m.publishLocked()
	m.mu.Unlock()
	return nil
}

// AcceptCall accepts the incoming ringing call. The answer for the
// initiator is produced once both the local acceptance and the remote offer
// exist, whichever lands second.
func (m *Manager) AcceptCall(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.state != StateIncomingRinging {
		m.mu.Unlock()
		return ErrNotRinging
	}
	kind := s.kind
	callID := s.callID
	m.mu.Unlock()

	if err := m.ctl.AcceptCall(ctx, callID); err != nil {
		return err
	}

	ts, err := m.neg.AcquireMedia(ctx, kind == callctl.KindVideo)
	if err != nil {
		m.mu.Lock()
		if m.sess == s && !s.released {
			m.teardownLocked("media acquisition failed")
		}
		m.mu.Unlock()
		go func() { _ = m.ctl.EndCall(context.Background(), callID) }()
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != s || s.released {
		ts.Stop()
		go func() { _ = m.ctl.EndCall(context.Background(), callID) }()
		return ErrCallCancelled
	}
	m.tracks = ts
	s.accepted = true
	s.state = StateActive
	util.Stats.AddCall()
	util.LogInfo("call %d accepted", callID)

	for from, offer := range s.pendingOffer {
		m.answerLocked(from, *offer)
		delete(s.pendingOffer, from)
	}
	m.publishLocked()
	return nil
}

// RejectCall declines the incoming ringing call and returns to idle.
func (m *Manager) RejectCall(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.state != StateIncomingRinging {
		m.mu.Unlock()
		return ErrNotRinging
	}
	callID := s.callID
	m.teardownLocked("rejected locally")
	m.mu.Unlock()
	return m.ctl.RejectCall(ctx, callID)
}

// CancelCall withdraws an outgoing call that is still ringing.
func (m *Manager) CancelCall(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.state != StateOutgoingRinging {
		m.mu.Unlock()
		return ErrNotRinging
	}
	callID := s.callID
	m.teardownLocked("cancelled locally")
	m.mu.Unlock()
	return m.ctl.EndCall(ctx, callID)
}

// EndCall hangs up the current call. A no-op when no session is in flight,
// so a local hangup racing a remote ended event is harmless.
func (m *Manager) EndCall(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	if s == nil {
		m.mu.Unlock()
		return nil
	}
	callID := s.callID
	m.teardownLocked("ended locally")
	m.mu.Unlock()
	if callID == 0 {
		return nil
	}
	return m.ctl.EndCall(ctx, callID)
}

// ToggleMute flips the outbound audio without detaching the track; remote
// sides keep a silent stream, no renegotiation happens. Returns the new
// muted state.
func (m *Manager) ToggleMute() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.tracks == nil {
		return false, ErrNoActiveCall
	}
	m.muted = !m.muted
	m.tracks.SetAudioEnabled(!m.muted)
	m.publishLocked()
	return m.muted, nil
}

// ToggleVideo flips the outbound video without detaching the track. Returns
// the new video-off state.
func (m *Manager) ToggleVideo() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.tracks == nil {
		return false, ErrNoActiveCall
	}
	if !m.tracks.HasVideo() {
		return false, ErrNoActiveCall
	}
	m.videoOff = !m.videoOff
	m.tracks.SetVideoEnabled(!m.videoOff)
	m.publishLocked()
	return m.videoOff, nil
}

// ToggleScreenShare switches the outbound video source between the screen
// and the camera across every live link. Returns the new sharing state.
func (m *Manager) ToggleScreenShare(ctx context.Context) (bool, error) {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.state != StateActive || m.tracks == nil || !m.tracks.HasVideo() {
		m.mu.Unlock()
		return false, ErrNoActiveCall
	}
	target := media.SourceScreen
	if m.sharing {
		target = media.SourceCamera
	}
	m.mu.Unlock()

	track, stop, err := m.neg.AcquireVideo(ctx, target)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != s || s.released {
		if stop != nil {
			stop()
		}
		return false, ErrCallCancelled
	}
	if err := m.neg.ReplaceOutboundVideo(m.reg, m.tracks, track, target, stop); err != nil {
		return m.sharing, err
	}
	m.sharing = target == media.SourceScreen
	m.publishLocked()
	return m.sharing, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Inbound events
// ──────────────────────────────────────────────────────────────────────────────

// HandleEvent reacts to one inbound signaling event. Events for calls other
// than the current one are ignored, except incoming_call which is
// auto-rejected while a session is in flight.
func (m *Manager) HandleEvent(ev signaling.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev := ev.(type) {
	case signaling.EventIncomingCall:
		m.handleIncomingLocked(ev.Call)

	case signaling.EventCallAccepted:
		m.handleAcceptedLocked(ev)

	case signaling.EventCallRejected:
		m.handleRejectedLocked(ev)

	case signaling.EventCallEnded:
		if m.sess == nil || m.sess.callID != ev.CallID {
			return
		}
		util.LogInfo("call %d ended by participant %d", ev.CallID, ev.EndedBy)
		m.teardownLocked("ended remotely")

	case signaling.EventSignal:
		m.handleSignalLocked(ev)

	case signaling.EventTyping, signaling.EventMessageRead,
		signaling.EventUserStatus, signaling.EventNewMessage, signaling.EventPong:
		// Chat-plane traffic; not the session's concern.

	case signaling.EventUnknown:
		util.LogDebug("ignoring unknown event kind %q", ev.Kind)
	}
}

func (m *Manager) handleIncomingLocked(call signaling.CallInfo) {
	if m.sess != nil {
		// Busy: decline on the control plane so the initiator's client
		// resolves the attempt. No reason code exists on the wire.
		util.LogInfo("busy, auto-rejecting incoming call %d", call.CallID)
		go func() { _ = m.ctl.RejectCall(context.Background(), call.CallID) }()
		return
	}
	s := newSession(call.CallID, call.ChatID, callctl.Kind(call.Kind), DirectionIncoming)
	s.state = StateIncomingRinging
	m.sess = s
	info := call
	m.incoming = &info
	util.LogInfo("incoming %s call %d from %s", call.Kind, call.CallID, call.Initiator.Username)
	m.publishLocked()
}

func (m *Manager) handleAcceptedLocked(ev signaling.EventCallAccepted) {
	s := m.sess
	if s == nil || s.callID != ev.CallID {
		return
	}
	s.participants[ev.UserID] = ev.Username
	s.remoteAccepted = true
	util.LogInfo("participant %d (%s) joined call %d", ev.UserID, ev.Username, ev.CallID)

	if s.direction == DirectionOutgoing {
		if s.state == StateOutgoingRinging {
			s.state = StateActive
		}
		// We initiated, so we offer to each joiner whose link has no offer
		// in flight yet. The original callee got theirs at StartCall.
		if err := m.offerLocked(ev.UserID); err != nil {
			util.LogError("offer to participant %d: %v", ev.UserID, err)
		}
	}
	m.publishLocked()
}

// offerLocked creates the participant's link if needed and sends an offer,
// unless one is already in flight on that link.
func (m *Manager) offerLocked(participant int64) error {
	link, err := m.linkLocked(participant, peer.RoleOfferer)
	if err != nil {
		return err
	}
	if link.State() != peer.StateNoOffer {
		return nil
	}
	sig, err := m.neg.Initiate(link, m.tracks)
	if err != nil {
		return err
	}
	m.sig.SendSignal(participant, sig)
	return nil
}

func (m *Manager) handleRejectedLocked(ev signaling.EventCallRejected) {
	s := m.sess
	if s == nil || s.callID != ev.CallID {
		return
	}
	util.LogInfo("call %d rejected by participant %d", ev.CallID, ev.UserID)
	if len(s.participants) == 0 {
		// Nobody joined; the attempt is over.
		m.teardownLocked("rejected remotely")
		return
	}
	// Others are already in the call; just drop the decliner's link.
	m.reg.Remove(ev.UserID)
	m.publishLocked()
}

func (m *Manager) handleSignalLocked(ev signaling.EventSignal) {
	s := m.sess
	if s == nil {
		util.LogDebug("dropping %s signal from %d: no session", ev.Signal.Type, ev.From)
		return
	}
	if ev.From == m.selfID {
		// The server echoes nothing today, but a self-addressed signal must
		// never create a link to ourselves.
		return
	}

	switch ev.Signal.Type {
	case signaling.SignalOffer:
		if ev.Signal.Offer == nil {
			util.LogWarning("offer signal from %d without payload", ev.From)
			return
		}
		if !s.accepted && s.direction == DirectionIncoming {
			// The initiator offered before we accepted; park it. The answer
			// goes out when the local actor accepts.
			offer := *ev.Signal.Offer
			s.pendingOffer[ev.From] = &offer
			util.LogDebug("parked offer from %d until local accept", ev.From)
			return
		}
		m.answerLocked(ev.From, *ev.Signal.Offer)
		m.publishLocked()

	case signaling.SignalAnswer:
		if ev.Signal.Answer == nil {
			util.LogWarning("answer signal from %d without payload", ev.From)
			return
		}
		link, ok := m.reg.Lookup(ev.From)
		if !ok {
			util.LogWarning("answer from %d with no link", ev.From)
			return
		}
		if err := m.neg.ApplyRemoteAnswer(link, *ev.Signal.Answer); err != nil {
			util.LogError("%v", err)
			m.dropLinkOnNegotiationError(ev.From, err)
			return
		}
		// The callee answering is what makes an outgoing call live; the
		// call_accepted event may race behind or be lost.
		if _, ok := s.participants[ev.From]; !ok {
			s.participants[ev.From] = ""
		}
		if s.state == StateOutgoingRinging {
			s.state = StateActive
		}
		m.publishLocked()

	case signaling.SignalCandidate:
		if ev.Signal.Candidate == nil {
			util.LogWarning("candidate signal from %d without payload", ev.From)
			return
		}
		// A candidate can outrun its offer; the link buffers it until the
		// remote description lands.
		link, err := m.linkLocked(ev.From, peer.RoleAnswerer)
		if err != nil {
			util.LogError("link for participant %d: %v", ev.From, err)
			return
		}
		if err := m.neg.ApplyRemoteCandidate(link, *ev.Signal.Candidate); err != nil {
			util.LogError("%v", err)
			m.dropLinkOnNegotiationError(ev.From, err)
		}

	default:
		util.LogDebug("ignoring %q signal from %d", ev.Signal.Type, ev.From)
	}
}

// answerLocked runs the answerer side against one participant's offer and
// sends the answer back.
func (m *Manager) answerLocked(from int64, offer webrtc.SessionDescription) {
	s := m.sess
	link, err := m.linkLocked(from, peer.RoleAnswerer)
	if err != nil {
		util.LogError("link for participant %d: %v", from, err)
		return
	}
	sig, err := m.neg.Accept(link, offer, m.tracks)
	if err != nil {
		util.LogError("accept offer from %d: %v", from, err)
		m.dropLinkOnNegotiationError(from, err)
		return
	}
	if _, ok := s.participants[from]; !ok {
		s.participants[from] = ""
	}
	m.sig.SendSignal(from, sig)
}

// dropLinkOnNegotiationError tears down a participant's link after a failed
// negotiation step. The bad SDP or candidate is already dropped; releasing
// the link keeps the session healthy for the other peers and lets the
// participant renegotiate on a fresh one.
func (m *Manager) dropLinkOnNegotiationError(participant int64, err error) {
	var negErr *media.NegotiationError
	if !errors.As(err, &negErr) {
		return
	}
	m.reg.Remove(participant)
}

// linkLocked returns the participant's link, creating and wiring it on
// first use. Handlers are registered exactly once, at creation.
func (m *Manager) linkLocked(participant int64, role peer.Role) (*peer.Link, error) {
	if l, ok := m.reg.Lookup(participant); ok {
		return l, nil
	}
	link, err := m.reg.Get(participant, role)
	if err != nil {
		return nil, err
	}
	link.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		m.sink.RemoteTrack(participant, track)
	})
	link.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		m.sig.SendSignal(participant, signaling.Signal{
			Type:      signaling.SignalCandidate,
			Candidate: &init,
		})
	})
	link.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		util.LogDebug("peer %d connection state: %s", participant, st)
	})
	return link, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Channel state and teardown
// ──────────────────────────────────────────────────────────────────────────────

// handleChannelState reacts to signaling transport transitions. A terminal
// transport loss does not tear the call down — media may keep flowing — but
// it is surfaced so the user can decide.
func (m *Manager) handleChannelState(st signaling.State, err error) {
	if st != signaling.StateClosed || err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelLost = true
	util.LogWarning("signaling lost: %v", err)
	if m.sess != nil {
		m.publishLocked()
	}
}

// abortPending clears a session whose setup failed before it ever rang.
func (m *Manager) abortPending(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != s || s.released {
		return
	}
	s.released = true
	m.sess = nil
	m.incoming = nil
	m.publishLocked()
}

// teardownLocked releases the session: every link, the local capture, and
// the session record. Idempotent; publishes ended, then idle. Callers hold
// m.mu.
func (m *Manager) teardownLocked(reason string) {
	s := m.sess
	if s == nil || s.released {
		return
	}
	s.released = true

	m.reg.RemoveAll()
	if m.tracks != nil {
		m.tracks.Stop()
		m.tracks = nil
	}
	if s.state == StateActive || s.state == StateOutgoingRinging {
		util.Stats.AddCallEnded()
	}

	s.state = StateEnded
	util.LogInfo("call %d torn down: %s", s.callID, reason)
	m.publishLocked()

	m.sess = nil
	m.incoming = nil
	m.muted = false
	m.videoOff = false
	m.sharing = false
	m.publishLocked()
}

// publishLocked emits the current snapshot. Callers hold m.mu.
func (m *Manager) publishLocked() {
	if m.sink == nil {
		return
	}
	snap := Snapshot{
		State:       StateIdle,
		ChannelLost: m.channelLost,
	}
	if s := m.sess; s != nil {
		snap.State = s.state
		snap.CallID = s.callID
		snap.ChatID = s.chatID
		snap.Kind = s.kind
		snap.Direction = s.direction
		snap.StartedAt = s.startedAt
		snap.Participants = s.participantIDs()
		snap.RemoteAccepted = s.remoteAccepted
		snap.AudioMuted = m.muted
		snap.VideoOff = m.videoOff
		snap.ScreenSharing = m.sharing
		if s.state == StateIncomingRinging {
			snap.Incoming = m.incoming
		}
	}
	m.sink.Publish(snap)
}
