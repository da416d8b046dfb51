// Package callctl is the REST client for the server-side call-control API.
// The core registers every lifecycle change here so the server can notify the
// other participants; it never implements that logic itself.
package callctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Kind is the media profile of a call.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Status mirrors the server-side call lifecycle.
type Status string

const (
	StatusRinging  Status = "ringing"
	StatusActive   Status = "active"
	StatusEnded    Status = "ended"
	StatusMissed   Status = "missed"
	StatusRejected Status = "rejected"
)

// Call is the server's record of one call.
type Call struct {
	ID          int64      `json:"id"`
	ChatID      int64      `json:"chat_id"`
	InitiatorID int64      `json:"initiator_id"`
	Kind        Kind       `json:"call_type"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Client talks to the /api/calls endpoints with bearer-token auth.
type Client struct {
	base  string
	token string
	hc    *http.Client
}

// NewClient creates a Client for the given server base URL and token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		hc:    &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateCall registers a new call in the given chat and returns the server's
// record. The server notifies the other chat participants.
func (c *Client) CreateCall(ctx context.Context, chatID int64, kind Kind) (*Call, error) {
	body := map[string]any{"chat_id": chatID, "call_type": kind}
	var call Call
	if err := c.do(ctx, http.MethodPost, "/api/calls/", body, &call); err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}
	return &call, nil
}

// AcceptCall marks the call accepted; the server notifies the initiator.
func (c *Client) AcceptCall(ctx context.Context, callID int64) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/calls/%d/accept", callID), nil, nil)
}

// RejectCall marks the call rejected; the server notifies the initiator.
func (c *Client) RejectCall(ctx context.Context, callID int64) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/calls/%d/reject", callID), nil, nil)
}

// EndCall marks the call ended; the server notifies all participants.
func (c *Client) EndCall(ctx context.Context, callID int64) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/calls/%d/end", callID), nil, nil)
}

// History returns the most recent calls across the actor's chats.
func (c *Client) History(ctx context.Context, skip, limit int) ([]Call, error) {
	var calls []Call
	path := fmt.Sprintf("/api/calls/history?skip=%d&limit=%d", skip, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &calls); err != nil {
		return nil, fmt.Errorf("call history: %w", err)
	}
	return calls, nil
}

// do executes one JSON request. A non-2xx response becomes an error carrying
// the server's detail message when it sends one.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var detail struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&detail)
		if detail.Detail != "" {
			return fmt.Errorf("%s %s: %s (HTTP %d)", method, path, detail.Detail, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
