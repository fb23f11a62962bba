// Package transport owns the WebSocket connections of the chat engine.
// One Conn manages exactly one logical channel (main generation or
// stop-generation); the two channels never share a Conn.
package transport

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrClosed       = errors.New("transport: connection closed by caller")
	ErrNotConnected = errors.New("transport: not connected")
)

// State describes the connection lifecycle phase reported on States().
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateError
	StateAuthFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	case StateAuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

// StateEvent is one connection-state transition.
type StateEvent struct {
	State  State
	Code   int    // close code, when the peer closed the connection
	Reason string // close reason text, may carry a JSON redirect descriptor
	Err    error
}

// Config configures one channel connection.
type Config struct {
	// URL is the WebSocket endpoint, e.g. "wss://api.example.com/ws/chat".
	URL string

	// Token authenticates the connection. It is sent as a query parameter
	// because browser peers of the same backend cannot set headers.
	Token string

	// Query holds extra connect parameters (tenantKey, mentorId, username).
	Query url.Values

	// DialTimeout bounds connection establishment. Default 10s.
	DialTimeout time.Duration

	// ReconnectInterval is the initial backoff delay. Default 1s.
	ReconnectInterval time.Duration

	// MaxReconnectInterval caps the exponential backoff. Default 30s.
	MaxReconnectInterval time.Duration

	Logger *log.Logger
}

func (c Config) withDefaults() Config {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = time.Second
	}
	if c.MaxReconnectInterval == 0 {
		c.MaxReconnectInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stdout, "[ws] ", log.LstdFlags)
	}
	return c
}

// Conn owns one WebSocket connection and its reconnect loop. Unexpected
// closures are retried with exponential backoff; authentication failures
// stop the loop and surface StateAuthFailed so the engine can hand off to
// the auth-redirect callback.
type Conn struct {
	cfg Config
	log *log.Logger

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool

	inbound chan []byte
	states  chan StateEvent
	done    chan struct{}
}

// Dial starts the connection loop for one channel. The Conn begins
// connecting immediately; progress is observable on States().
func Dial(cfg Config) *Conn {
	cfg = cfg.withDefaults()
	c := &Conn{
		cfg:     cfg,
		log:     cfg.Logger,
		inbound: make(chan []byte, 64),
		states:  make(chan StateEvent, 16),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

// Inbound delivers raw payloads in receipt order. The channel is closed
// when the connection loop exits for good.
func (c *Conn) Inbound() <-chan []byte { return c.inbound }

// States delivers connection-state transitions.
func (c *Conn) States() <-chan StateEvent { return c.states }

// Send writes one payload to the peer.
func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.ws == nil {
		return ErrNotConnected
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Close shuts the connection down and stops the reconnect loop. Safe to
// call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	close(c.done)
	if ws != nil {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"), deadline)
		_ = ws.Close()
	}
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) run() {
	defer close(c.inbound)

	backoff := c.cfg.ReconnectInterval
	for {
		if c.isClosed() {
			return
		}
		c.emit(StateEvent{State: StateConnecting})

		ws, resp, err := c.dial()
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				c.log.Printf("handshake rejected with %d, not retrying", resp.StatusCode)
				c.emit(StateEvent{State: StateAuthFailed, Code: resp.StatusCode, Err: err})
				return
			}
			c.emit(StateEvent{State: StateError, Err: fmt.Errorf("transport: dial %s: %w", c.cfg.URL, err)})
			if !c.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.cfg.MaxReconnectInterval)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = ws.Close()
			return
		}
		c.ws = ws
		c.mu.Unlock()

		backoff = c.cfg.ReconnectInterval
		c.emit(StateEvent{State: StateOpen})

		code, reason, readErr := c.readLoop(ws)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		_ = ws.Close()

		if c.isClosed() {
			c.emit(StateEvent{State: StateClosed, Code: websocket.CloseNormalClosure})
			return
		}
		if isAuthClose(code) {
			c.log.Printf("peer closed with auth code %d, not retrying", code)
			c.emit(StateEvent{State: StateAuthFailed, Code: code, Reason: reason})
			return
		}

		c.emit(StateEvent{State: StateClosed, Code: code, Reason: reason, Err: readErr})
		if !c.sleep(backoff) {
			return
		}
		backoff = nextBackoff(backoff, c.cfg.MaxReconnectInterval)
	}
}

func (c *Conn) dial() (*websocket.Conn, *http.Response, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: parse url: %w", err)
	}
	q := u.Query()
	for key, vals := range c.cfg.Query {
		for _, v := range vals {
			q.Add(key, v)
		}
	}
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	return dialer.Dial(u.String(), nil)
}

// readLoop pumps inbound payloads until the connection drops. It reports
// the close code so the caller can distinguish auth failures from noise.
func (c *Conn) readLoop(ws *websocket.Conn) (int, string, error) {
	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code, ce.Text, err
			}
			return websocket.CloseAbnormalClosure, "", err
		}
		select {
		case c.inbound <- payload:
		case <-c.done:
			return websocket.CloseNormalClosure, "", nil
		}
	}
}

// sleep waits out a backoff interval, returning false if the Conn was
// closed while waiting.
func (c *Conn) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.done:
		return false
	}
}

func (c *Conn) emit(ev StateEvent) {
	select {
	case c.states <- ev:
	default:
		c.log.Printf("state event buffer full, dropping %s", ev.State)
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

// Auth close codes per backend contract: 4401/4403 are the platform's
// custom codes, 1008 is sent by older gateways.
func isAuthClose(code int) bool {
	return code == 4401 || code == 4403 || code == websocket.ClosePolicyViolation
}
