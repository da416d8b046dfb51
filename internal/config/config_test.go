package config

import "testing"

// TestWSURL verifies scheme mapping and token placement for the signaling
// endpoint.
func TestWSURL(t *testing.T) {
	testCases := []struct {
		name   string
		server string
		want   string
	}{
		{"https to wss", "https://mes.example.com", "wss://mes.example.com/ws/tok"},
		{"http to ws", "http://localhost:8000", "ws://localhost:8000/ws/tok"},
		{"ws stays ws", "ws://localhost:8000", "ws://localhost:8000/ws/tok"},
		{"trailing whitespace", "  https://mes.example.com  ", "wss://mes.example.com/ws/tok"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := New(tc.server, "tok", 1)
			got, err := cfg.WSURL()
			if err != nil {
				t.Fatalf("WSURL failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

// TestWSURLInvalid verifies garbage input is an error, not a bad URL.
func TestWSURLInvalid(t *testing.T) {
	for _, raw := range []string{"", "not a url", "://nope"} {
		cfg := New(raw, "tok", 1)
		if _, err := cfg.WSURL(); err == nil {
			t.Errorf("expected error for %q, got nil", raw)
		}
	}
}

// TestNewDefaults verifies the STUN defaults are filled in.
func TestNewDefaults(t *testing.T) {
	cfg := New("https://mes.example.com", "tok", 7)
	if len(cfg.ICEServers) == 0 {
		t.Fatal("no default ICE servers")
	}
	if cfg.UserID != 7 || cfg.Token != "tok" {
		t.Errorf("fields not stored: %+v", cfg)
	}
}
