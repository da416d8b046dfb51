package callctl

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// newTestServer records the last request and replies with the given status
// and body.
func newTestServer(t *testing.T, status int, body string) (*httptest.Server, *http.Request, *[]byte) {
	var lastReq http.Request
	var lastBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastReq = *r
		lastBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &lastReq, &lastBody
}

// TestCreateCall verifies method, path, auth header, request body, and
// response decoding for call creation.
func TestCreateCall(t *testing.T) {
	srv, req, body := newTestServer(t, http.StatusOK,
		`{"id": 7, "chat_id": 3, "initiator_id": 42, "call_type": "video", "status": "ringing"}`)
	c := NewClient(srv.URL, "tok123")

	call, err := c.CreateCall(context.Background(), 3, KindVideo)
	if err != nil {
		t.Fatalf("CreateCall failed: %v", err)
	}

	if req.Method != http.MethodPost || req.URL.Path != "/api/calls/" {
		t.Errorf("request mismatch: %s %s", req.Method, req.URL.Path)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer tok123" {
		t.Errorf("auth header mismatch: %q", got)
	}

	var sent map[string]any
	if err := json.Unmarshal(*body, &sent); err != nil {
		t.Fatalf("request body not JSON: %v", err)
	}
	if sent["chat_id"] != float64(3) || sent["call_type"] != "video" {
		t.Errorf("request body mismatch: %v", sent)
	}

	if call.ID != 7 || call.ChatID != 3 || call.Kind != KindVideo || call.Status != StatusRinging {
		t.Errorf("decoded call mismatch: %+v", call)
	}
}

// TestLifecycleEndpoints verifies each lifecycle operation hits the right
// method and path.
func TestLifecycleEndpoints(t *testing.T) {
	testCases := []struct {
		name string
		call func(*Client) error
		path string
	}{
		{"accept", func(c *Client) error { return c.AcceptCall(context.Background(), 7) }, "/api/calls/7/accept"},
		{"reject", func(c *Client) error { return c.RejectCall(context.Background(), 7) }, "/api/calls/7/reject"},
		{"end", func(c *Client) error { return c.EndCall(context.Background(), 7) }, "/api/calls/7/end"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv, req, _ := newTestServer(t, http.StatusOK, `{}`)
			c := NewClient(srv.URL, "tok")

			if err := tc.call(c); err != nil {
				t.Fatalf("%s failed: %v", tc.name, err)
			}
			if req.Method != http.MethodPut || req.URL.Path != tc.path {
				t.Errorf("request mismatch: %s %s, want PUT %s", req.Method, req.URL.Path, tc.path)
			}
		})
	}
}

// TestHistory verifies the history query parameters and list decoding.
func TestHistory(t *testing.T) {
	srv, req, _ := newTestServer(t, http.StatusOK,
		`[{"id": 1, "status": "ended"}, {"id": 2, "status": "missed"}]`)
	c := NewClient(srv.URL, "tok")

	calls, err := c.History(context.Background(), 10, 20)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if req.URL.Path != "/api/calls/history" {
		t.Errorf("path mismatch: %s", req.URL.Path)
	}
	if q := req.URL.Query(); q.Get("skip") != "10" || q.Get("limit") != "20" {
		t.Errorf("query mismatch: %s", req.URL.RawQuery)
	}
	if len(calls) != 2 || calls[0].ID != 1 || calls[1].Status != StatusMissed {
		t.Errorf("decoded history mismatch: %+v", calls)
	}
}

// TestServerError verifies that a non-2xx response surfaces the server's
// detail message.
func TestServerError(t *testing.T) {
	srv, _, _ := newTestServer(t, http.StatusConflict, `{"detail": "Call already ended"}`)
	c := NewClient(srv.URL, "tok")

	err := c.AcceptCall(context.Background(), 7)
	if err == nil {
		t.Fatal("expected error for 409 response, got nil")
	}
	if got := err.Error(); !strings.Contains(got, "Call already ended") {
		t.Errorf("error does not carry detail: %q", got)
	}
}
