package media

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/mes-im/callkit/internal/peer"
	"github.com/mes-im/callkit/internal/signaling"
	"github.com/mes-im/callkit/internal/util"
)

// NegotiationError reports a failed negotiation step against one
// participant's link. It is scoped: the session decides whether one broken
// link dooms the call.
type NegotiationError struct {
	Participant int64
	Op          string
	Err         error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiate with %d: %s: %v", e.Participant, e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// Negotiator runs the offer/answer/candidate choreography on top of peer
// links. It owns no session state; the session layer tells it which link to
// drive and with which tracks.
type Negotiator struct {
	cap Capturer
}

// NewNegotiator wraps a capturer.
func NewNegotiator(cap Capturer) *Negotiator {
	return &Negotiator{cap: cap}
}

// AcquireMedia opens local capture for a session.
func (n *Negotiator) AcquireMedia(ctx context.Context, withVideo bool) (*TrackSet, error) {
	return n.cap.Acquire(ctx, withVideo)
}

// AcquireVideo opens a standalone video source for mid-session switching.
func (n *Negotiator) AcquireVideo(ctx context.Context, source VideoSource) (webrtc.TrackLocal, func(), error) {
	return n.cap.AcquireVideo(ctx, source)
}

// Initiate attaches the local tracks and produces the offer signal for a
// link we are the offerer on.
func (n *Negotiator) Initiate(link *peer.Link, ts *TrackSet) (signaling.Signal, error) {
	if err := n.attach(link, ts); err != nil {
		return signaling.Signal{}, &NegotiationError{Participant: link.Participant(), Op: "attach tracks", Err: err}
	}
	offer, err := link.CreateOffer()
	if err != nil {
		return signaling.Signal{}, &NegotiationError{Participant: link.Participant(), Op: "create offer", Err: err}
	}
	util.LogDebug("offer created for participant %d", link.Participant())
	return signaling.Signal{Type: signaling.SignalOffer, Offer: &offer}, nil
}

// Accept applies a remote offer and produces the answer signal for a link
// we are the answerer on. Local tracks are attached before the answer is
// built so the SDP advertises them.
func (n *Negotiator) Accept(link *peer.Link, offer webrtc.SessionDescription, ts *TrackSet) (signaling.Signal, error) {
	if err := n.attach(link, ts); err != nil {
		return signaling.Signal{}, &NegotiationError{Participant: link.Participant(), Op: "attach tracks", Err: err}
	}
	if err := link.ApplyRemoteOffer(offer); err != nil {
		return signaling.Signal{}, &NegotiationError{Participant: link.Participant(), Op: "apply offer", Err: err}
	}
	answer, err := link.CreateAnswer()
	if err != nil {
		return signaling.Signal{}, &NegotiationError{Participant: link.Participant(), Op: "create answer", Err: err}
	}
	util.LogDebug("answer created for participant %d", link.Participant())
	return signaling.Signal{Type: signaling.SignalAnswer, Answer: &answer}, nil
}

// ApplyRemoteAnswer completes the handshake on an offerer link.
func (n *Negotiator) ApplyRemoteAnswer(link *peer.Link, answer webrtc.SessionDescription) error {
	if err := link.ApplyRemoteAnswer(answer); err != nil {
		return &NegotiationError{Participant: link.Participant(), Op: "apply answer", Err: err}
	}
	return nil
}

// ApplyRemoteCandidate feeds one remote candidate to a link. The link
// buffers it if the remote description has not landed yet.
func (n *Negotiator) ApplyRemoteCandidate(link *peer.Link, cand webrtc.ICECandidateInit) error {
	if err := link.AddRemoteCandidate(cand); err != nil {
		return &NegotiationError{Participant: link.Participant(), Op: "add candidate", Err: err}
	}
	return nil
}

// ReplaceOutboundVideo swaps the session's outbound video source across
// every live link, then records the new source on the track set. stop
// releases the new source when it is swapped out or the session ends.
func (n *Negotiator) ReplaceOutboundVideo(reg *peer.Registry, ts *TrackSet, track webrtc.TrackLocal, source VideoSource, stop func()) error {
	var firstErr error
	reg.Each(func(l *peer.Link) {
		if err := l.ReplaceVideo(track); err != nil && firstErr == nil {
			firstErr = &NegotiationError{Participant: l.Participant(), Op: "replace video", Err: err}
		}
	})
	if firstErr != nil {
		if stop != nil {
			stop()
		}
		return firstErr
	}
	ts.SwapVideo(track, source, stop)
	util.LogInfo("outbound video switched to %s", source)
	return nil
}

// attach adds the session tracks to a link's outbound stream.
func (n *Negotiator) attach(link *peer.Link, ts *TrackSet) error {
	if a := ts.Audio(); a != nil {
		if _, err := link.AttachTrack(a); err != nil {
			return fmt.Errorf("attach audio: %w", err)
		}
	}
	if v := ts.Video(); v != nil {
		if _, err := link.AttachTrack(v); err != nil {
			return fmt.Errorf("attach video: %w", err)
		}
	}
	return nil
}
