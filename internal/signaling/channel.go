package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mes-im/callkit/internal/util"
)

// State of the underlying connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var errRetriesExhausted = errors.New("reconnect attempts exhausted")

// TransportError reports a connection that never opened or dropped beyond
// the retry budget. Once subscribers see it, the channel is terminal and
// will not retry again.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("signaling transport: %v (after %d attempts)", e.Err, e.Attempts)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Options tunes the channel's liveness behavior. Zero values pick the
// defaults below; tests shrink the intervals.
type Options struct {
	HeartbeatInterval    time.Duration // default 30s
	ReconnectDelay       time.Duration // default 3s
	MaxReconnectAttempts int           // default 5
	Dialer               *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// Channel owns one persistent connection to the server. At most one
// connection is open at a time; Send is fire-and-forget and drops when the
// connection is not open. Inbound envelopes are dispatched to the event
// handler on a single goroutine, in receive order.
type Channel struct {
	url  string
	opts Options

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	attempts int
	stop     chan struct{}
	stopOnce *sync.Once
	lastBeat time.Time

	onEvent func(Event)
	onState func(State, error)

	writeMu sync.Mutex
}

// NewChannel creates a Channel for the given signaling URL. The URL carries
// the handshake credential (see config.Config.WSURL). Register handlers
// before calling Connect.
func NewChannel(wsURL string, opts Options) *Channel {
	return &Channel{
		url:   wsURL,
		opts:  opts.withDefaults(),
		state: StateClosed,
	}
}

// OnEvent registers the dispatcher invoked once per inbound envelope, in the
// order received. Ordering across messages from the same remote participant
// is preserved; ordering across different participants is not guaranteed.
func (c *Channel) OnEvent(fn func(Event)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

// OnStateChange registers a handler for connection state transitions. The
// error is non-nil only for the terminal close after the retry budget is
// exhausted.
func (c *Channel) OnStateChange(fn func(State, error)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastHeartbeat returns when the most recent ping was written.
func (c *Channel) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastBeat
}

// Connect opens the connection. Calling Connect while the channel is open is
// a no-op. A dial failure here is returned immediately; reconnection with
// backoff only applies to connections that were open and dropped.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.attempts = 0
	c.stop = make(chan struct{})
	c.stopOnce = &sync.Once{}
	stop := c.stop
	c.mu.Unlock()
	c.notify(StateConnecting, nil)

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		terr := &TransportError{Attempts: 0, Err: err}
		c.markClosed(terr)
		return terr
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()
	c.notify(StateOpen, nil)
	util.LogInfo("signaling connected: %s", conn.RemoteAddr())

	go c.run(conn, stop)
	go c.heartbeat(stop)
	return nil
}

// Disconnect releases the connection and suppresses reconnection. Idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	once := c.stopOnce
	stop := c.stop
	c.mu.Unlock()
	if once != nil {
		once.Do(func() { close(stop) })
	}
	c.markClosed(nil)
}

// Send writes one envelope. It is fire-and-forget: when the connection is
// not open the envelope is dropped, not queued, and callers must not assume
// delivery.
func (c *Channel) Send(env Envelope) {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		util.LogDebug("dropping %q envelope: channel not open", env.Type)
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		util.LogWarning("marshal %q envelope: %v", env.Type, err)
		return
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		util.LogWarning("write %q envelope: %v", env.Type, err)
		return
	}
	util.Stats.AddSent(len(data))
}

// SendSignal sends one negotiation step addressed to a remote participant.
func (c *Channel) SendSignal(target int64, sig Signal) {
	data, err := json.Marshal(sig)
	if err != nil {
		util.LogWarning("marshal signal: %v", err)
		return
	}
	c.Send(Envelope{Type: "webrtc_signal", TargetUserID: target, Data: data})
}

// SendTyping reports the local typing indicator for a chat.
func (c *Channel) SendTyping(chatID int64, isTyping bool) {
	c.Send(Envelope{Type: "typing", ChatID: chatID, IsTyping: &isTyping})
}

// SendMessageRead reports a message as read.
func (c *Channel) SendMessageRead(messageID int64) {
	c.Send(Envelope{Type: "message_read", MessageID: messageID})
}

// run reads envelopes until the connection drops, then redials within the
// retry budget. It exits on explicit disconnect or terminal close.
func (c *Channel) run(conn *websocket.Conn, stop chan struct{}) {
	for {
		c.readAll(conn)

		select {
		case <-stop:
			c.markClosed(nil)
			return
		default:
		}

		conn = c.redial(stop)
		if conn == nil {
			return
		}
	}
}

// readAll decodes and dispatches inbound envelopes until a read error.
func (c *Channel) readAll(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				util.LogWarning("signaling read: %v", err)
			}
			return
		}
		util.Stats.AddRecv(len(data))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			util.LogWarning("malformed envelope: %v", err)
			continue
		}
		ev, err := DecodeEvent(env)
		if err != nil {
			util.LogWarning("decode %q envelope: %v", env.Type, err)
			continue
		}
		c.dispatch(ev)
	}
}

// redial attempts to reopen a dropped connection. It returns nil after an
// explicit disconnect or once the retry budget is spent; the latter leaves
// the channel terminally closed.
func (c *Channel) redial(stop chan struct{}) *websocket.Conn {
	c.mu.Lock()
	c.conn = nil
	c.state = StateConnecting
	c.mu.Unlock()
	c.notify(StateConnecting, nil)

	for {
		c.mu.Lock()
		if c.attempts >= c.opts.MaxReconnectAttempts {
			spent := c.attempts
			c.mu.Unlock()
			c.markClosed(&TransportError{Attempts: spent, Err: errRetriesExhausted})
			return nil
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		select {
		case <-stop:
			c.markClosed(nil)
			return nil
		case <-time.After(c.opts.ReconnectDelay):
		}

		util.LogInfo("reconnecting to signaling server (attempt %d/%d)", attempt, c.opts.MaxReconnectAttempts)
		conn, _, err := c.opts.Dialer.Dial(c.url, nil)
		if err != nil {
			util.LogWarning("reconnect attempt %d failed: %v", attempt, err)
			continue
		}

		c.mu.Lock()
		select {
		case <-stop:
			c.mu.Unlock()
			conn.Close()
			c.markClosed(nil)
			return nil
		default:
		}
		c.conn = conn
		c.state = StateOpen
		c.attempts = 0
		c.mu.Unlock()
		c.notify(StateOpen, nil)
		util.LogInfo("signaling reconnected")
		return conn
	}
}

// heartbeat pings the server on a fixed interval while the connection is
// open. The pong reply is informational only; liveness is driven by the
// transport's own close event.
func (c *Channel) heartbeat(stop chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			open := c.state == StateOpen
			terminal := c.state == StateClosed
			if open {
				c.lastBeat = time.Now()
			}
			c.mu.Unlock()
			if terminal {
				return
			}
			if open {
				c.Send(Envelope{Type: "ping"})
			}
		}
	}
}

func (c *Channel) markClosed(err error) {
	c.mu.Lock()
	prev := c.state
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}
	if prev != StateClosed {
		c.notify(StateClosed, err)
	}
}

func (c *Channel) dispatch(ev Event) {
	c.mu.Lock()
	fn := c.onEvent
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (c *Channel) notify(s State, err error) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s, err)
	}
}
