// Package engine implements the streaming mentor-chat session engine: a
// client-side protocol handler that turns the platform's pair of WebSocket
// channels (generation + stop-generation) into consistent, resumable,
// multi-tab chat sessions with mid-generation cancellation and tool-call
// round trips.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/eduverse/mentorchat/stores"
	"github.com/eduverse/mentorchat/transport"
	"github.com/eduverse/mentorchat/wire"
)

var (
	ErrEngineClosed      = errors.New("engine: closed")
	ErrUnknownSession    = errors.New("engine: unknown session")
	ErrTurnInFlight      = errors.New("engine: a turn is already in flight on this tab")
	ErrInvalidToolResult = errors.New("engine: invalid tool result")
)

// Channel is the transport surface the engine consumes. *transport.Conn
// implements it; tests substitute in-memory fakes.
type Channel interface {
	Send(payload []byte) error
	Inbound() <-chan []byte
	States() <-chan transport.StateEvent
	Close() error
}

// dialChannel is an injection seam for tests.
var dialChannel = func(cfg transport.Config) Channel { return transport.Dial(cfg) }

// Config carries everything the engine needs: endpoints, caller identity,
// and the externally supplied callbacks.
type Config struct {
	// WSURL is the main generation channel endpoint.
	WSURL string
	// StopGenerationWSURL is the dedicated cancellation channel endpoint.
	StopGenerationWSURL string

	TenantKey string
	MentorID  string
	Username  string
	Token     string

	// DefaultTab is the tab selected at startup. Defaults to "chat".
	DefaultTab string

	// AckTimeout bounds the wait for a stop acknowledgement before the
	// Stopped transition is forced locally. Defaults to 5s.
	AckTimeout time.Duration

	// EventBuffer sizes the Events() channel. Defaults to 64.
	EventBuffer int

	// Store, when set, persists terminal messages and backs ResumeSession.
	Store stores.SessionStore

	// OnAuthRedirect is invoked when a transport reports an authentication
	// failure. The engine performs no navigation itself.
	OnAuthRedirect func(redirectTo, platformKey string, logout bool)

	// OnError receives non-fatal decode/transport errors, for
	// observability only.
	OnError func(message string, err error)

	Logger *log.Logger
}

func (c Config) withDefaults() Config {
	if c.DefaultTab == "" {
		c.DefaultTab = "chat"
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 64
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stdout, "[engine] ", log.LstdFlags)
	}
	return c
}

// Engine is the chat session engine. All session state is owned by a single
// loop goroutine; public methods post commands onto that loop and never
// touch state directly, so callers may use an Engine from any goroutine.
type Engine struct {
	cfg Config
	log *log.Logger

	main Channel
	stop Channel

	registry *SessionRegistry
	cancel   *CancellationController
	tools    *ToolBridge

	cmds   chan func()
	events chan Event
	done   chan struct{}

	closeOnce sync.Once
}

// New connects both channels and starts the engine loop.
func New(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.WSURL == "" || cfg.StopGenerationWSURL == "" {
		return nil, errors.New("engine: WSURL and StopGenerationWSURL are required")
	}

	mainQuery := url.Values{}
	mainQuery.Set("tenantKey", cfg.TenantKey)
	mainQuery.Set("mentorId", cfg.MentorID)
	mainQuery.Set("username", cfg.Username)

	main := dialChannel(transport.Config{
		URL:    cfg.WSURL,
		Token:  cfg.Token,
		Query:  mainQuery,
		Logger: log.New(os.Stdout, "[ws main] ", log.LstdFlags),
	})
	stop := dialChannel(transport.Config{
		URL:    cfg.StopGenerationWSURL,
		Token:  cfg.Token,
		Logger: log.New(os.Stdout, "[ws stop] ", log.LstdFlags),
	})

	return newEngineWithChannels(cfg, main, stop), nil
}

// newEngineWithChannels wires an engine onto pre-built channels. Tests call
// this directly with fakes.
func newEngineWithChannels(cfg Config, main, stop Channel) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		main:     main,
		stop:     stop,
		registry: newSessionRegistry(cfg.DefaultTab),
		tools:    newToolBridge(main),
		cmds:     make(chan func()),
		events:   make(chan Event, cfg.EventBuffer),
		done:     make(chan struct{}),
	}
	e.cancel = newCancellationController(stop, cfg.AckTimeout, cfg.Logger, func(sessionID string) {
		e.postAsync(func() { e.handleCancelTimeout(sessionID) })
	})
	go e.loop()
	return e
}

// Events delivers engine notifications. The caller must drain it; when the
// buffer fills, further events are dropped with a log line rather than
// blocking frame processing.
func (e *Engine) Events() <-chan Event { return e.events }

// Close shuts down both channels and the engine loop.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		_ = e.main.Close()
		_ = e.stop.Close()
	})
	return nil
}

// Send issues a user message on a tab, creating the session if needed.
// It returns the sessionId the turn runs under. At most one turn may be
// in flight per tab.
func (e *Engine) Send(tab, content string, attachments []wire.FileAttachment) (string, error) {
	var sessionID string
	err := e.post(func() error {
		s := e.registry.GetOrCreate(tab)
		if s.Status == StatusPending || s.Status == StatusStreaming {
			return ErrTurnInFlight
		}

		req := wire.SendRequest{
			Action:          "send",
			SessionID:       s.SessionID,
			Tab:             tab,
			TenantKey:       e.cfg.TenantKey,
			MentorID:        e.cfg.MentorID,
			Username:        e.cfg.Username,
			Content:         content,
			FileAttachments: attachments,
		}
		payload, err := wire.Encode(req)
		if err != nil {
			return err
		}
		if err := e.main.Send(payload); err != nil {
			return fmt.Errorf("engine: send on tab %q: %w", tab, err)
		}

		msg := Message{
			Role:            RoleUser,
			Content:         content,
			Visible:         true,
			Timestamp:       time.Now(),
			FileAttachments: attachments,
		}
		s.Messages = append(s.Messages, msg)
		s.beginTurn()
		sessionID = s.SessionID
		e.persist(s, msg)
		e.emit(SessionUpdated{Tab: tab, Session: s.snapshot()})
		return nil
	})
	return sessionID, err
}

// Stop requests cancellation of the session's in-flight generation over the
// stop channel. The Stopped transition is applied when the backend acks, or
// forced locally when the ack wait times out. A second Stop while one is
// outstanding is a no-op.
func (e *Engine) Stop(sessionID string) error {
	return e.post(func() error {
		s := e.registry.Lookup(sessionID)
		if s == nil {
			return ErrUnknownSession
		}
		if s.Status != StatusPending && s.Status != StatusStreaming {
			return nil
		}
		if err := e.cancel.Stop(sessionID); err != nil {
			e.reportError("stop request failed, local timeout will apply", err)
		}
		return nil
	})
}

// SwitchTab selects a tab, creating its session if needed, and returns a
// snapshot. Streams in flight on other tabs are unaffected.
func (e *Engine) SwitchTab(tab string) (ChatSession, error) {
	var snap ChatSession
	err := e.post(func() error {
		snap = e.registry.SwitchTab(tab).snapshot()
		return nil
	})
	return snap, err
}

// ActiveTab returns the currently selected tab.
func (e *Engine) ActiveTab() (string, error) {
	var tab string
	err := e.post(func() error {
		tab = e.registry.ActiveTab()
		return nil
	})
	return tab, err
}

// StartNewChat detaches the tab's current session into history and returns
// the fresh session's snapshot. Late frames for the old sessionId are
// discarded from then on.
func (e *Engine) StartNewChat(tab string) (ChatSession, error) {
	var snap ChatSession
	err := e.post(func() error {
		s := e.registry.StartNewChat(tab)
		snap = s.snapshot()
		e.emit(SessionUpdated{Tab: tab, Session: snap})
		return nil
	})
	return snap, err
}

// Session returns a snapshot of the tab's active session.
func (e *Engine) Session(tab string) (ChatSession, bool, error) {
	var (
		snap ChatSession
		ok   bool
	)
	err := e.post(func() error {
		if s, found := e.registry.active[tab]; found {
			snap = s.snapshot()
			ok = true
		}
		return nil
	})
	return snap, ok, err
}

// History returns the detached sessions for a tab, oldest first.
func (e *Engine) History(tab string) ([]ChatSession, error) {
	var hist []ChatSession
	err := e.post(func() error {
		hist = e.registry.History(tab)
		return nil
	})
	return hist, err
}

// AppendUserMessage appends a caller-authored message to the tab's session
// without issuing a send. Useful for locally injected notes.
func (e *Engine) AppendUserMessage(tab string, msg Message) error {
	return e.post(func() error {
		s := e.registry.AppendUserMessage(tab, msg)
		e.emit(SessionUpdated{Tab: tab, Session: s.snapshot()})
		return nil
	})
}

// SubmitToolResult answers a pending tool invocation. Submitting for an
// unknown or already-resolved toolCallId fails with ErrInvalidToolResult
// and changes nothing.
func (e *Engine) SubmitToolResult(sessionID, toolCallID string, result map[string]any) error {
	return e.post(func() error {
		s := e.registry.Lookup(sessionID)
		if s == nil {
			return ErrUnknownSession
		}
		return e.tools.Submit(s, toolCallID, result)
	})
}

// PendingToolCalls returns the tool invocations awaiting a result.
func (e *Engine) PendingToolCalls() ([]PendingToolCall, error) {
	var pending []PendingToolCall
	err := e.post(func() error {
		pending = e.tools.Pending()
		return nil
	})
	return pending, err
}

// ResumeSession restores a persisted session as the tab's active session.
// Requires a configured store.
func (e *Engine) ResumeSession(tab, sessionID string) (ChatSession, error) {
	if e.cfg.Store == nil {
		return ChatSession{}, errors.New("engine: no store configured")
	}
	stored, err := e.cfg.Store.FetchSession(sessionID)
	if err != nil {
		return ChatSession{}, fmt.Errorf("engine: resume %s: %w", sessionID, err)
	}
	msgs := messagesFromStored(stored)

	var snap ChatSession
	err = e.post(func() error {
		s := e.registry.Adopt(tab, sessionID, msgs)
		snap = s.snapshot()
		e.emit(SessionUpdated{Tab: tab, Session: snap})
		return nil
	})
	return snap, err
}

// post runs fn on the engine loop and waits for it.
func (e *Engine) post(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case e.cmds <- func() { errc <- fn() }:
	case <-e.done:
		return ErrEngineClosed
	}
	select {
	case err := <-errc:
		return err
	case <-e.done:
		return ErrEngineClosed
	}
}

// postAsync schedules fn on the loop without waiting. Used by timers.
func (e *Engine) postAsync(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.done:
	}
}

func (e *Engine) loop() {
	defer close(e.events)

	mainIn := e.main.Inbound()
	stopIn := e.stop.Inbound()
	mainStates := e.main.States()
	stopStates := e.stop.States()

	for {
		select {
		case fn := <-e.cmds:
			fn()
		case payload, ok := <-mainIn:
			if !ok {
				mainIn = nil
				continue
			}
			e.handleMainPayload(payload)
		case payload, ok := <-stopIn:
			if !ok {
				stopIn = nil
				continue
			}
			e.handleStopPayload(payload)
		case ev, ok := <-mainStates:
			if !ok {
				mainStates = nil
				continue
			}
			e.handleStateEvent("main", ev)
		case ev, ok := <-stopStates:
			if !ok {
				stopStates = nil
				continue
			}
			e.handleStateEvent("stop", ev)
		case <-e.done:
			return
		}
	}
}

// handleMainPayload decodes and applies one main-channel frame. A corrupt
// frame is reported and dropped; it never disturbs session state.
func (e *Engine) handleMainPayload(payload []byte) {
	f, err := wire.Decode(payload)
	if err != nil {
		e.reportError("dropping undecodable frame", err)
		return
	}

	s := e.registry.Lookup(f.SessionID)
	if s == nil {
		// Stale frame from a superseded session, e.g. after StartNewChat.
		e.log.Printf("discarding %s frame for inactive session %s", f.Type, f.SessionID)
		return
	}

	switch f.Type {
	case wire.FrameStart:
		if s.applyStart() {
			e.emit(SessionUpdated{Tab: s.Tab, Session: s.snapshot()})
		}
	case wire.FrameDelta:
		if s.applyDelta(f.Content) {
			e.emit(SessionUpdated{Tab: s.Tab, Session: s.snapshot()})
		}
	case wire.FrameEnd:
		if s.applyEnd() {
			e.persistCurrentAssistant(s)
			e.emit(SessionUpdated{Tab: s.Tab, Session: s.snapshot()})
		}
	case wire.FrameError:
		if s.applyError(f.Error) {
			e.persistCurrentAssistant(s)
			e.emit(SessionUpdated{Tab: s.Tab, Session: s.snapshot()})
		}
	case wire.FrameToolCall:
		if s.applyToolCall(*f.Tool) {
			e.tools.Intercept(s.SessionID, *f.Tool)
			e.emit(ToolCallRequested{SessionID: s.SessionID, Call: *f.Tool})
		}
	default:
		e.log.Printf("ignoring %s frame on main channel for %s", f.Type, f.SessionID)
	}
}

// handleStopPayload processes the stop channel, which only ever carries
// cancellation acks.
func (e *Engine) handleStopPayload(payload []byte) {
	f, err := wire.Decode(payload)
	if err != nil {
		e.reportError("dropping undecodable stop-channel frame", err)
		return
	}
	if f.Type != wire.FrameAck {
		e.log.Printf("ignoring %s frame on stop channel", f.Type)
		return
	}
	if e.cancel.Ack(f.SessionID) {
		e.transitionStopped(f.SessionID)
	}
}

func (e *Engine) handleCancelTimeout(sessionID string) {
	if e.cancel.Expire(sessionID) {
		e.reportError("cancellation ack timed out, forcing local stop", nil)
		e.transitionStopped(sessionID)
	}
}

// transitionStopped applies the Stopped transition. Idempotent: if the turn
// already reached a terminal state (including a racing end frame), nothing
// happens.
func (e *Engine) transitionStopped(sessionID string) {
	s := e.registry.Lookup(sessionID)
	if s == nil {
		return
	}
	if s.applyStop() {
		e.persistCurrentAssistant(s)
		e.emit(SessionUpdated{Tab: s.Tab, Session: s.snapshot()})
	}
}

// handleStateEvent translates transport lifecycle events into callbacks and
// engine events. A failure on one channel never touches the other, and no
// transport failure mutates session state.
func (e *Engine) handleStateEvent(channel string, ev transport.StateEvent) {
	switch ev.State {
	case transport.StateAuthFailed:
		redirect := parseAuthRedirect(ev.Reason)
		redirect.Channel = channel
		if e.cfg.OnAuthRedirect != nil {
			// Run off-loop: the callback may block on the caller's side.
			go e.cfg.OnAuthRedirect(redirect.RedirectTo, redirect.PlatformKey, redirect.Logout)
		}
		e.emit(redirect)
	case transport.StateError, transport.StateClosed:
		if ev.Err != nil {
			e.reportError(fmt.Sprintf("%s channel %s", channel, ev.State), ev.Err)
		}
	default:
		// connecting/open are not caller-visible.
	}
}

// parseAuthRedirect extracts the redirect descriptor some gateways embed in
// the close reason. Absent or unparsable reasons default to a plain logout.
func parseAuthRedirect(reason string) AuthRequired {
	var desc struct {
		RedirectTo  string `json:"redirectTo"`
		PlatformKey string `json:"platformKey"`
		Logout      bool   `json:"logout"`
	}
	if reason != "" && json.Unmarshal([]byte(reason), &desc) == nil {
		return AuthRequired{RedirectTo: desc.RedirectTo, PlatformKey: desc.PlatformKey, Logout: desc.Logout}
	}
	return AuthRequired{Logout: true}
}

func (e *Engine) reportError(message string, err error) {
	e.log.Printf("%s: %v", message, err)
	if e.cfg.OnError != nil {
		go e.cfg.OnError(message, err)
	}
	e.emit(EngineError{Message: message, Err: err})
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.log.Printf("event buffer full, dropping %T", ev)
	}
}
