// Package signaling owns the persistent duplex connection to the messenger
// server and the wire format exchanged over it. Inbound envelopes are decoded
// into a closed set of event variants so subscribers switch on types, not on
// string tags.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Envelope is the unit exchanged over the channel. Outbound call-plane
// messages carry target_user_id; chat-plane helpers carry their own flat
// fields, matching what the server's dispatcher reads.
type Envelope struct {
	Type         string          `json:"type"`
	TargetUserID int64           `json:"target_user_id,omitempty"`
	ChatID       int64           `json:"chat_id,omitempty"`
	IsTyping     *bool           `json:"is_typing,omitempty"`
	MessageID    int64           `json:"message_id,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Signal payload kinds inside a webrtc_signal envelope.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "ice-candidate"
)

// Signal is one step of the per-peer negotiation, addressed to a single
// remote participant. Exactly one of Offer/Answer/Candidate is set,
// according to Type.
type Signal struct {
	Type      string                     `json:"type"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// UserRef is the minimal user identity attached to call events.
type UserRef struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// CallInfo describes a call being offered to the local actor.
type CallInfo struct {
	CallID      int64   `json:"call_id"`
	ChatID      int64   `json:"chat_id"`
	InitiatorID int64   `json:"initiator_id"`
	Kind        string  `json:"call_type"`
	Initiator   UserRef `json:"initiator"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Inbound event variants
// ──────────────────────────────────────────────────────────────────────────────

// Event is the closed set of inbound message variants. Subscribers are
// expected to switch exhaustively; kinds the decoder does not know become
// EventUnknown rather than disappearing.
type Event interface{ isEvent() }

// EventIncomingCall: another participant started a call in a shared chat.
type EventIncomingCall struct{ Call CallInfo }

// EventCallAccepted: a participant accepted the call we initiated.
type EventCallAccepted struct {
	CallID   int64  `json:"call_id"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// EventCallRejected: the callee rejected the call we initiated.
type EventCallRejected struct {
	CallID int64 `json:"call_id"`
	UserID int64 `json:"user_id"`
}

// EventCallEnded: the current call was ended by a participant.
type EventCallEnded struct {
	CallID  int64 `json:"call_id"`
	EndedBy int64 `json:"ended_by"`
}

// EventSignal: one negotiation step from a remote participant.
type EventSignal struct {
	From   int64
	Signal Signal
}

// EventTyping: a participant's typing indicator changed (chat plane).
type EventTyping struct {
	ChatID   int64 `json:"chat_id"`
	UserID   int64 `json:"user_id"`
	IsTyping bool  `json:"is_typing"`
}

// EventMessageRead: a message was read by a participant (chat plane).
type EventMessageRead struct {
	MessageID int64 `json:"message_id"`
	UserID    int64 `json:"user_id"`
	ChatID    int64 `json:"chat_id"`
}

// EventUserStatus: a user's presence changed (chat plane).
type EventUserStatus struct {
	UserID int64  `json:"user_id"`
	Status string `json:"status"`
}

// EventNewMessage: a chat message arrived. The core does not parse message
// bodies; the raw payload is handed through for the chat layer.
type EventNewMessage struct{ Raw json.RawMessage }

// EventPong: heartbeat reply. Informational only.
type EventPong struct{}

// EventUnknown: a kind this build does not know. Carries the raw envelope so
// nothing is silently dropped.
type EventUnknown struct {
	Kind string
	Data json.RawMessage
}

func (EventIncomingCall) isEvent() {}
func (EventCallAccepted) isEvent() {}
func (EventCallRejected) isEvent() {}
func (EventCallEnded) isEvent()    {}
func (EventSignal) isEvent()       {}
func (EventTyping) isEvent()       {}
func (EventMessageRead) isEvent()  {}
func (EventUserStatus) isEvent()   {}
func (EventNewMessage) isEvent()   {}
func (EventPong) isEvent()         {}
func (EventUnknown) isEvent()      {}

// inboundSignal is the server-side wrapping of a forwarded webrtc_signal.
type inboundSignal struct {
	FromUserID int64           `json:"from_user_id"`
	SignalType string          `json:"signal_type"`
	Signal     json.RawMessage `json:"signal"`
}

// DecodeEvent maps one inbound envelope onto its event variant.
func DecodeEvent(env Envelope) (Event, error) {
	switch env.Type {
	case "incoming_call":
		var ev EventIncomingCall
		if err := json.Unmarshal(env.Data, &ev.Call); err != nil {
			return nil, fmt.Errorf("decode incoming_call: %w", err)
		}
		return ev, nil

	case "call_accepted":
		var ev EventCallAccepted
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode call_accepted: %w", err)
		}
		return ev, nil

	case "call_rejected":
		var ev EventCallRejected
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode call_rejected: %w", err)
		}
		return ev, nil

	case "call_ended":
		var ev EventCallEnded
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode call_ended: %w", err)
		}
		return ev, nil

	case "webrtc_signal":
		var in inboundSignal
		if err := json.Unmarshal(env.Data, &in); err != nil {
			return nil, fmt.Errorf("decode webrtc_signal: %w", err)
		}
		var sig Signal
		if err := json.Unmarshal(in.Signal, &sig); err != nil {
			return nil, fmt.Errorf("decode webrtc_signal payload: %w", err)
		}
		if sig.Type == "" {
			sig.Type = in.SignalType
		}
		return EventSignal{From: in.FromUserID, Signal: sig}, nil

	case "user_typing":
		var ev EventTyping
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode user_typing: %w", err)
		}
		return ev, nil

	case "message_read":
		var ev EventMessageRead
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode message_read: %w", err)
		}
		return ev, nil

	case "user_status":
		var ev EventUserStatus
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode user_status: %w", err)
		}
		return ev, nil

	case "new_message":
		return EventNewMessage{Raw: env.Data}, nil

	case "pong":
		return EventPong{}, nil

	default:
		return EventUnknown{Kind: env.Type, Data: env.Data}, nil
	}
}
