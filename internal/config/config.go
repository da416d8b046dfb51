// Package config holds the client configuration types.
package config

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultSTUNServers are used for ICE candidate gathering when the caller
// does not supply its own servers. No TURN by default — deployments behind
// symmetric NAT should add their own relay.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config stores all parameters gathered from flags or the interactive prompts.
type Config struct {
	ServerURL  string   // base URL of the messenger server, e.g. https://mes.example.com
	Token      string   // bearer token used for REST calls and the WS handshake
	UserID     int64    // the local actor's user id
	ICEServers []string // STUN/TURN URLs for peer negotiation
	Debug      bool
}

// New returns a Config with defaults filled in.
func New(serverURL, token string, userID int64) *Config {
	return &Config{
		ServerURL:  serverURL,
		Token:      token,
		UserID:     userID,
		ICEServers: DefaultSTUNServers,
	}
}

// WSURL derives the signaling endpoint from ServerURL: the scheme switches to
// ws/wss and the token is appended as the path segment the server expects.
func (c *Config) WSURL() (string, error) {
	u, err := url.Parse(strings.TrimSpace(c.ServerURL))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid server URL: %s", c.ServerURL)
	}

	scheme := "wss"
	if u.Scheme == "http" || u.Scheme == "ws" {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws/%s", scheme, u.Host, c.Token), nil
}
