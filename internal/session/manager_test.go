package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mes-im/callkit/internal/callctl"
	"github.com/mes-im/callkit/internal/media"
	"github.com/mes-im/callkit/internal/peer"
	"github.com/mes-im/callkit/internal/session"
	"github.com/mes-im/callkit/internal/signaling"
	"github.com/mes-im/callkit/internal/store"
)

// fakeCtl is an in-memory control plane recording every lifecycle request.
type fakeCtl struct {
	mu        sync.Mutex
	nextID    int64
	created   []int64
	accepted  []int64
	rejected  []int64
	ended     []int64
	createErr error
}

func (f *fakeCtl) CreateCall(_ context.Context, chatID int64, kind callctl.Kind) (*callctl.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	f.created = append(f.created, f.nextID)
	return &callctl.Call{ID: f.nextID, ChatID: chatID, Kind: kind, Status: callctl.StatusRinging}, nil
}

func (f *fakeCtl) AcceptCall(_ context.Context, callID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, callID)
	return nil
}

func (f *fakeCtl) RejectCall(_ context.Context, callID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, callID)
	return nil
}

func (f *fakeCtl) EndCall(_ context.Context, callID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, callID)
	return nil
}

func (f *fakeCtl) rejectedCalls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.rejected))
	copy(out, f.rejected)
	return out
}

func (f *fakeCtl) endedCalls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.ended))
	copy(out, f.ended)
	return out
}

// fakeSig records outbound signals per target.
type fakeSig struct {
	mu   sync.Mutex
	sent []sentSignal
}

type sentSignal struct {
	target int64
	sig    signaling.Signal
}

func (f *fakeSig) SendSignal(target int64, sig signaling.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentSignal{target, sig})
}

// signalsTo returns the signals sent to one participant, filtered by type.
func (f *fakeSig) signalsTo(target int64, kind string) []signaling.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signaling.Signal
	for _, s := range f.sent {
		if s.target == target && s.sig.Type == kind {
			out = append(out, s.sig)
		}
	}
	return out
}

type harness struct {
	ctl *fakeCtl
	sig *fakeSig
	reg *peer.Registry
	mem *store.Memory
	mgr *session.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctl := &fakeCtl{}
	sig := &fakeSig{}
	reg := peer.NewRegistry(peer.NewPCFactory(nil))
	t.Cleanup(reg.RemoveAll)
	neg := media.NewNegotiator(media.NewStaticCapturer())
	mem := store.NewMemory()
	mgr := session.NewManager(ctl, sig, neg, reg, mem, 1)
	return &harness{ctl: ctl, sig: sig, reg: reg, mem: mem, mgr: mgr}
}

// remotePeer builds a valid offer the way a remote client would, so tests
// can feed real SDP through the manager.
func remotePeer(t *testing.T) (*peer.Link, signaling.Signal, func()) {
	t.Helper()
	reg := peer.NewRegistry(peer.NewPCFactory(nil))
	neg := media.NewNegotiator(media.NewStaticCapturer())
	ts, err := neg.AcquireMedia(context.Background(), false)
	if err != nil {
		t.Fatalf("remote AcquireMedia failed: %v", err)
	}
	link, err := reg.Get(1, peer.RoleOfferer)
	if err != nil {
		t.Fatalf("remote link failed: %v", err)
	}
	offer, err := neg.Initiate(link, ts)
	if err != nil {
		t.Fatalf("remote Initiate failed: %v", err)
	}
	cleanup := func() {
		reg.RemoveAll()
		ts.Stop()
	}
	return link, offer, cleanup
}

// remoteAnswer answers an offer the way a remote client would.
func remoteAnswer(t *testing.T, offer webrtc.SessionDescription) signaling.Signal {
	t.Helper()
	reg := peer.NewRegistry(peer.NewPCFactory(nil))
	t.Cleanup(reg.RemoveAll)
	neg := media.NewNegotiator(media.NewStaticCapturer())
	ts, err := neg.AcquireMedia(context.Background(), false)
	if err != nil {
		t.Fatalf("remote AcquireMedia failed: %v", err)
	}
	t.Cleanup(ts.Stop)
	link, err := reg.Get(1, peer.RoleAnswerer)
	if err != nil {
		t.Fatalf("remote link failed: %v", err)
	}
	sig, err := neg.Accept(link, offer, ts)
	if err != nil {
		t.Fatalf("remote Accept failed: %v", err)
	}
	return sig
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

var webrtcCandidate = webrtc.ICECandidateInit{
	Candidate: "candidate:3993089567 1 udp 2122260223 192.168.1.7 51000 typ host",
}

var incomingCall = signaling.CallInfo{
	CallID:      50,
	ChatID:      3,
	InitiatorID: 42,
	Kind:        "audio",
	Initiator:   signaling.UserRef{ID: 42, Username: "alice"},
}

// TestStartCallFlow drives an outgoing call to active: StartCall leaves the
// session outgoing-ringing with one offer-sent link and a targeted offer
// envelope; the remote answer moves the link to stable and the session to
// active.
func TestStartCallFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.mgr.StartCall(ctx, 3, 9, callctl.KindVideo); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}

	snap := h.mem.Last()
	if snap.State != session.StateOutgoingRinging || snap.CallID != 1 || snap.ChatID != 3 {
		t.Fatalf("unexpected snapshot after start: %+v", snap)
	}
	if snap.Direction != session.DirectionOutgoing {
		t.Errorf("direction mismatch: %s", snap.Direction)
	}

	offers := h.sig.signalsTo(9, signaling.SignalOffer)
	if len(offers) != 1 || offers[0].Offer == nil || offers[0].Offer.SDP == "" {
		t.Fatalf("expected one offer to participant 9, got %d", len(offers))
	}
	link, ok := h.reg.Lookup(9)
	if !ok {
		t.Fatal("no link created for callee")
	}
	if st := link.State(); st != peer.StateOfferSent {
		t.Fatalf("expected offer-sent link, got %s", st)
	}

	answer := remoteAnswer(t, *offers[0].Offer)
	h.mgr.HandleEvent(signaling.EventSignal{From: 9, Signal: answer})

	if st := link.State(); st != peer.StateStable {
		t.Fatalf("expected stable link after answer, got %s", st)
	}
	snap = h.mem.Last()
	if snap.State != session.StateActive {
		t.Fatalf("expected active after answer, got %s", snap.State)
	}

	// The call_accepted event may trail the answer; it must not re-offer.
	h.mgr.HandleEvent(signaling.EventCallAccepted{CallID: 1, UserID: 9, Username: "bob"})
	if n := len(h.sig.signalsTo(9, signaling.SignalOffer)); n != 1 {
		t.Errorf("duplicate offer after call_accepted: %d", n)
	}
	if snap = h.mem.Last(); !snap.RemoteAccepted || len(snap.Participants) != 1 {
		t.Errorf("participant bookkeeping wrong: %+v", snap)
	}

	if err := h.mgr.EndCall(ctx); err != nil {
		t.Fatalf("EndCall failed: %v", err)
	}
}

// TestStartCallBusy verifies the single-session invariant.
func TestStartCallBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.mgr.StartCall(ctx, 3, 9, callctl.KindAudio); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	if err := h.mgr.StartCall(ctx, 4, 9, callctl.KindAudio); !errors.Is(err, session.ErrCallBusy) {
		t.Fatalf("expected ErrCallBusy, got %v", err)
	}
	if err := h.mgr.EndCall(ctx); err != nil {
		t.Fatalf("EndCall failed: %v", err)
	}

	// After teardown a new call may start.
	if err := h.mgr.StartCall(ctx, 4, 9, callctl.KindAudio); err != nil {
		t.Fatalf("StartCall after end failed: %v", err)
	}
	h.mgr.EndCall(ctx)
}

// TestStartCallControlPlaneFailure verifies a failed create leaves the
// manager idle and callable.
func TestStartCallControlPlaneFailure(t *testing.T) {
	h := newHarness(t)
	h.ctl.createErr = errors.New("server unavailable")

	if err := h.mgr.StartCall(context.Background(), 3, 9, callctl.KindAudio); err == nil {
		t.Fatal("expected create error, got nil")
	}
	if st := h.mgr.State(); st != session.StateIdle {
		t.Fatalf("expected idle after failed create, got %s", st)
	}

	h.ctl.createErr = nil
	if err := h.mgr.StartCall(context.Background(), 3, 9, callctl.KindAudio); err != nil {
		t.Fatalf("StartCall after recovery failed: %v", err)
	}
	h.mgr.EndCall(context.Background())
}

// TestIncomingAcceptFlow drives an incoming call with the offer arriving
// before the local accept: the answer goes out once, after acceptance.
func TestIncomingAcceptFlow(t *testing.T) {
	h := newHarness(t)
	_, offer, cleanup := remotePeer(t)
	defer cleanup()

	h.mgr.HandleEvent(signaling.EventIncomingCall{Call: incomingCall})

	snap := h.mem.Last()
	if snap.State != session.StateIncomingRinging || snap.CallID != 50 {
		t.Fatalf("unexpected snapshot after incoming: %+v", snap)
	}
	if snap.Incoming == nil || snap.Incoming.Initiator.Username != "alice" {
		t.Fatalf("incoming call info missing: %+v", snap.Incoming)
	}

	// Initiator's offer outruns the local accept; no answer yet.
	h.mgr.HandleEvent(signaling.EventSignal{From: 42, Signal: offer})
	if n := len(h.sig.signalsTo(42, signaling.SignalAnswer)); n != 0 {
		t.Fatalf("answer sent before local accept: %d", n)
	}

	if err := h.mgr.AcceptCall(context.Background()); err != nil {
		t.Fatalf("AcceptCall failed: %v", err)
	}

	snap = h.mem.Last()
	if snap.State != session.StateActive {
		t.Fatalf("expected active after accept, got %s", snap.State)
	}
	answers := h.sig.signalsTo(42, signaling.SignalAnswer)
	if len(answers) != 1 || answers[0].Answer == nil || answers[0].Answer.SDP == "" {
		t.Fatalf("expected one answer to initiator, got %d", len(answers))
	}

	h.mgr.EndCall(context.Background())
}

// TestIncomingOfferAfterAccept covers the other ordering: local accept
// first, offer later, answered immediately.
func TestIncomingOfferAfterAccept(t *testing.T) {
	h := newHarness(t)
	_, offer, cleanup := remotePeer(t)
	defer cleanup()

	h.mgr.HandleEvent(signaling.EventIncomingCall{Call: incomingCall})
	if err := h.mgr.AcceptCall(context.Background()); err != nil {
		t.Fatalf("AcceptCall failed: %v", err)
	}

	h.mgr.HandleEvent(signaling.EventSignal{From: 42, Signal: offer})
	answers := h.sig.signalsTo(42, signaling.SignalAnswer)
	if len(answers) != 1 {
		t.Fatalf("expected one answer, got %d", len(answers))
	}

	h.mgr.EndCall(context.Background())
}

// TestIncomingWhileBusy verifies a second ringing call is auto-rejected on
// the control plane while the first stays untouched.
func TestIncomingWhileBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.mgr.StartCall(ctx, 3, 9, callctl.KindAudio); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}

	h.mgr.HandleEvent(signaling.EventIncomingCall{Call: incomingCall})

	waitFor(t, 2*time.Second, func() bool {
		r := h.ctl.rejectedCalls()
		return len(r) == 1 && r[0] == 50
	})

	snap := h.mem.Last()
	if snap.CallID != 1 || snap.State != session.StateOutgoingRinging {
		t.Errorf("current session disturbed by busy reject: %+v", snap)
	}

	h.mgr.EndCall(ctx)
}

// TestRejectIncoming verifies a local reject returns to idle and hits the
// control plane.
func TestRejectIncoming(t *testing.T) {
	h := newHarness(t)

	h.mgr.HandleEvent(signaling.EventIncomingCall{Call: incomingCall})
	if err := h.mgr.RejectCall(context.Background()); err != nil {
		t.Fatalf("RejectCall failed: %v", err)
	}
	if st := h.mgr.State(); st != session.StateIdle {
		t.Fatalf("expected idle after reject, got %s", st)
	}
	if r := h.ctl.rejectedCalls(); len(r) != 1 || r[0] != 50 {
		t.Errorf("control plane reject missing: %v", r)
	}

	// Reject with nothing ringing fails cleanly.
	if err := h.mgr.RejectCall(context.Background()); !errors.Is(err, session.ErrNotRinging) {
		t.Errorf("expected ErrNotRinging, got %v", err)
	}
}

// TestRemoteRejectedEndsRinging verifies the callee declining resolves an
// outgoing ringing call back to idle.
func TestRemoteRejectedEndsRinging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.mgr.StartCall(ctx, 3, 9, callctl.KindAudio); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	h.mgr.HandleEvent(signaling.EventCallRejected{CallID: 1, UserID: 9})

	if st := h.mgr.State(); st != session.StateIdle {
		t.Fatalf("expected idle after remote reject, got %s", st)
	}
	if h.reg.Len() != 0 {
		t.Errorf("links leaked: %d", h.reg.Len())
	}
}

// TestRemoteEndedTeardown verifies a remote ended event releases
// everything, and that a racing local hangup is harmless.
func TestRemoteEndedTeardown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.mgr.StartCall(ctx, 3, 9, callctl.KindAudio); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	h.mgr.HandleEvent(signaling.EventCallAccepted{CallID: 1, UserID: 9, Username: "bob"})
	h.mgr.HandleEvent(signaling.EventCallEnded{CallID: 1, EndedBy: 9})

	if st := h.mgr.State(); st != session.StateIdle {
		t.Fatalf("expected idle after remote end, got %s", st)
	}
	if h.reg.Len() != 0 {
		t.Errorf("links leaked: %d", h.reg.Len())
	}

	// Local hangup after the call is gone is a no-op, not an error, and
	// must not hit the control plane again.
	before := len(h.ctl.endedCalls())
	if err := h.mgr.EndCall(ctx); err != nil {
		t.Fatalf("EndCall after remote end failed: %v", err)
	}
	if after := len(h.ctl.endedCalls()); after != before {
		t.Errorf("stale EndCall reached the control plane")
	}
}

// TestStaleEventsIgnored verifies events for other call ids do not disturb
// the current session.
func TestStaleEventsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.mgr.StartCall(ctx, 3, 9, callctl.KindAudio); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}

	h.mgr.HandleEvent(signaling.EventCallEnded{CallID: 999, EndedBy: 5})
	h.mgr.HandleEvent(signaling.EventCallAccepted{CallID: 999, UserID: 5})
	h.mgr.HandleEvent(signaling.EventCallRejected{CallID: 999, UserID: 5})

	if st := h.mgr.State(); st != session.StateOutgoingRinging {
		t.Fatalf("stale events changed state: %s", st)
	}
	h.mgr.EndCall(ctx)
}

// TestCandidateBeforeOffer verifies an early candidate is buffered on a
// fresh link instead of being dropped.
func TestCandidateBeforeOffer(t *testing.T) {
	h := newHarness(t)

	h.mgr.HandleEvent(signaling.EventIncomingCall{Call: incomingCall})
	cand := signaling.Signal{
		Type:      signaling.SignalCandidate,
		Candidate: &webrtcCandidate,
	}
	h.mgr.HandleEvent(signaling.EventSignal{From: 42, Signal: cand})

	link, ok := h.reg.Lookup(42)
	if !ok {
		t.Fatal("no link created for early candidate")
	}
	if n := link.BufferedCandidates(); n != 1 {
		t.Errorf("expected 1 buffered candidate, got %d", n)
	}

	h.mgr.RejectCall(context.Background())
}

// TestNegotiationErrorDropsLink verifies a failed negotiation step releases
// the offending link while the session stays up: an answer landing on a
// link with no offer outstanding removes that link from the registry.
func TestNegotiationErrorDropsLink(t *testing.T) {
	h := newHarness(t)

	h.mgr.HandleEvent(signaling.EventIncomingCall{Call: incomingCall})
	if err := h.mgr.AcceptCall(context.Background()); err != nil {
		t.Fatalf("AcceptCall failed: %v", err)
	}

	// An early candidate creates the initiator's link in the no-offer state.
	cand := signaling.Signal{
		Type:      signaling.SignalCandidate,
		Candidate: &webrtcCandidate,
	}
	h.mgr.HandleEvent(signaling.EventSignal{From: 42, Signal: cand})
	if _, ok := h.reg.Lookup(42); !ok {
		t.Fatal("no link created for early candidate")
	}

	// An answer with no offer outstanding fails negotiation; the link must
	// not survive it.
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	h.mgr.HandleEvent(signaling.EventSignal{From: 42, Signal: signaling.Signal{
		Type:   signaling.SignalAnswer,
		Answer: &answer,
	}})
	if _, ok := h.reg.Lookup(42); ok {
		t.Fatal("offending link still in registry after failed answer")
	}
	if st := h.mgr.State(); st != session.StateActive {
		t.Fatalf("session did not survive the bad answer: %s", st)
	}

	h.mgr.EndCall(context.Background())
}

// TestToggles verifies mute, video, and screen share flips on an active
// call and their snapshots.
func TestToggles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.mgr.StartCall(ctx, 3, 9, callctl.KindVideo); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	h.mgr.HandleEvent(signaling.EventCallAccepted{CallID: 1, UserID: 9, Username: "bob"})

	muted, err := h.mgr.ToggleMute()
	if err != nil || !muted {
		t.Fatalf("ToggleMute: muted=%v err=%v", muted, err)
	}
	if snap := h.mem.Last(); !snap.AudioMuted {
		t.Error("snapshot missing mute")
	}
	if muted, _ = h.mgr.ToggleMute(); muted {
		t.Error("second toggle did not unmute")
	}

	off, err := h.mgr.ToggleVideo()
	if err != nil || !off {
		t.Fatalf("ToggleVideo: off=%v err=%v", off, err)
	}
	if snap := h.mem.Last(); !snap.VideoOff {
		t.Error("snapshot missing video-off")
	}

	sharing, err := h.mgr.ToggleScreenShare(ctx)
	if err != nil || !sharing {
		t.Fatalf("ToggleScreenShare: sharing=%v err=%v", sharing, err)
	}
	if snap := h.mem.Last(); !snap.ScreenSharing {
		t.Error("snapshot missing screen share")
	}

	// The swap must reach the live link's sender.
	link, _ := h.reg.Lookup(9)
	if link.VideoSenderTrack() == nil {
		t.Error("video sender lost after screen share")
	}

	if sharing, _ = h.mgr.ToggleScreenShare(ctx); sharing {
		t.Error("second toggle did not return to camera")
	}

	h.mgr.EndCall(ctx)
}

// TestTogglesRequireCall verifies the toggles fail cleanly when idle.
func TestTogglesRequireCall(t *testing.T) {
	h := newHarness(t)
	if _, err := h.mgr.ToggleMute(); !errors.Is(err, session.ErrNoActiveCall) {
		t.Errorf("ToggleMute: expected ErrNoActiveCall, got %v", err)
	}
	if _, err := h.mgr.ToggleVideo(); !errors.Is(err, session.ErrNoActiveCall) {
		t.Errorf("ToggleVideo: expected ErrNoActiveCall, got %v", err)
	}
	if _, err := h.mgr.ToggleScreenShare(context.Background()); !errors.Is(err, session.ErrNoActiveCall) {
		t.Errorf("ToggleScreenShare: expected ErrNoActiveCall, got %v", err)
	}
}
