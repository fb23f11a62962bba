package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eduverse/mentorchat/stores"
	"github.com/eduverse/mentorchat/transport"
)

type fakeChannel struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error

	inbound chan []byte
	states  chan transport.StateEvent
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		inbound: make(chan []byte, 64),
		states:  make(chan transport.StateEvent, 16),
	}
}

func (f *fakeChannel) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *fakeChannel) Inbound() <-chan []byte              { return f.inbound }
func (f *fakeChannel) States() <-chan transport.StateEvent { return f.states }
func (f *fakeChannel) Close() error                        { return nil }

func (f *fakeChannel) push(t *testing.T, frame map[string]any) {
	t.Helper()
	b, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	f.inbound <- b
}

func (f *fakeChannel) sentActions(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.sent))
	for _, raw := range f.sent {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatal(err)
		}
		out = append(out, m)
	}
	return out
}

func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *fakeChannel, *fakeChannel) {
	t.Helper()
	cfg := Config{
		WSURL:               "ws://test/chat",
		StopGenerationWSURL: "ws://test/stop",
		TenantKey:           "tenant",
		MentorID:            "m1",
		Username:            "alice",
		Token:               "tok",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	main := newFakeChannel()
	stop := newFakeChannel()
	e := newEngineWithChannels(cfg, main, stop)
	t.Cleanup(func() { e.Close() })
	return e, main, stop
}

// waitFor drains Events() until pred matches or the deadline passes.
func waitFor(t *testing.T, e *Engine, what string, pred func(Event) bool) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-e.Events():
			if !ok {
				t.Fatalf("events channel closed waiting for %s", what)
			}
			if pred(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func waitStatus(t *testing.T, e *Engine, tab string, status Status) ChatSession {
	t.Helper()
	ev := waitFor(t, e, fmt.Sprintf("tab %s to reach %s", tab, status), func(ev Event) bool {
		su, ok := ev.(SessionUpdated)
		return ok && su.Tab == tab && su.Session.Status == status
	})
	return ev.(SessionUpdated).Session
}

func lastAssistant(t *testing.T, snap ChatSession) Message {
	t.Helper()
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		if snap.Messages[i].Role == RoleAssistant {
			return snap.Messages[i]
		}
	}
	t.Fatal("no assistant message in session")
	return Message{}
}

func TestSendStreamsToCompletion(t *testing.T) {
	e, main, _ := newTestEngine(t, nil)

	sid, err := e.Send("chat", "Hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	snap := waitStatus(t, e, "chat", StatusPending)
	if snap.Messages[0].Role != RoleUser || snap.Messages[0].Content != "Hello" {
		t.Errorf("user message not recorded: %+v", snap.Messages)
	}

	actions := main.sentActions(t)
	if len(actions) != 1 || actions[0]["action"] != "send" || actions[0]["sessionId"] != sid {
		t.Fatalf("unexpected outbound request: %v", actions)
	}

	main.push(t, map[string]any{"type": "start", "sessionId": sid})
	main.push(t, map[string]any{"type": "delta", "sessionId": sid, "content": "Hi "})
	main.push(t, map[string]any{"type": "delta", "sessionId": sid, "content": "there"})
	main.push(t, map[string]any{"type": "end", "sessionId": sid})

	snap = waitStatus(t, e, "chat", StatusIdle)
	m := lastAssistant(t, snap)
	if m.Content != "Hi there" {
		t.Errorf("assembled content = %q, want %q", m.Content, "Hi there")
	}
	if m.IsError || m.IsStopped {
		t.Error("clean completion flagged as error/stopped")
	}
}

func TestStopWithAckFreezesPartialContent(t *testing.T) {
	e, main, stop := newTestEngine(t, nil)

	sid, err := e.Send("chat", "Hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	main.push(t, map[string]any{"type": "start", "sessionId": sid})
	main.push(t, map[string]any{"type": "delta", "sessionId": sid, "content": "Par"})
	waitFor(t, e, "delta applied", func(ev Event) bool {
		su, ok := ev.(SessionUpdated)
		return ok && len(su.Session.Messages) == 2 && su.Session.Messages[1].Content == "Par"
	})

	if err := e.Stop(sid); err != nil {
		t.Fatal(err)
	}
	stopActions := stop.sentActions(t)
	if len(stopActions) != 1 || stopActions[0]["action"] != "stop" || stopActions[0]["sessionId"] != sid {
		t.Fatalf("stop command not sent on stop channel: %v", stopActions)
	}

	stop.push(t, map[string]any{"type": "ack", "sessionId": sid})
	snap := waitStatus(t, e, "chat", StatusStopped)
	m := lastAssistant(t, snap)
	if m.Content != "Par" || !m.IsStopped {
		t.Errorf("stopped message = %+v, want content Par with IsStopped", m)
	}

	// Late deltas with the same sessionId must not append. Use a second
	// tab's frame as a sequencing fence: the main channel is processed in
	// order, so once the fence's event arrives the ghost delta was seen.
	sid2, err := e.Send("research", "other", nil)
	if err != nil {
		t.Fatal(err)
	}
	main.push(t, map[string]any{"type": "delta", "sessionId": sid, "content": "ghost"})
	main.push(t, map[string]any{"type": "start", "sessionId": sid2})
	waitStatus(t, e, "research", StatusStreaming)

	chatSnap, ok, err := e.Session("chat")
	if err != nil || !ok {
		t.Fatal("chat session missing")
	}
	if got := lastAssistant(t, chatSnap).Content; got != "Par" {
		t.Errorf("content mutated after stop: %q", got)
	}
}

func TestStopTimeoutForcesLocalStop(t *testing.T) {
	e, main, _ := newTestEngine(t, func(c *Config) { c.AckTimeout = 30 * time.Millisecond })

	sid, err := e.Send("chat", "Hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	main.push(t, map[string]any{"type": "start", "sessionId": sid})
	main.push(t, map[string]any{"type": "delta", "sessionId": sid, "content": "partial"})

	if err := e.Stop(sid); err != nil {
		t.Fatal(err)
	}
	// No ack ever arrives; the bounded wait must force the transition.
	snap := waitStatus(t, e, "chat", StatusStopped)
	if got := lastAssistant(t, snap).Content; got != "partial" {
		t.Errorf("content = %q, want partial", got)
	}
}

func TestSecondStopIsNoOp(t *testing.T) {
	e, main, stop := newTestEngine(t, nil)

	sid, _ := e.Send("chat", "Hello", nil)
	main.push(t, map[string]any{"type": "start", "sessionId": sid})
	waitStatus(t, e, "chat", StatusStreaming)

	if err := e.Stop(sid); err != nil {
		t.Fatal(err)
	}
	if err := e.Stop(sid); err != nil {
		t.Fatal(err)
	}
	if got := len(stop.sentActions(t)); got != 1 {
		t.Errorf("stop commands sent = %d, want 1", got)
	}
}

func TestEndAckRaceIsIdempotent(t *testing.T) {
	e, main, stop := newTestEngine(t, nil)

	sid, _ := e.Send("chat", "Hello", nil)
	main.push(t, map[string]any{"type": "start", "sessionId": sid})
	main.push(t, map[string]any{"type": "delta", "sessionId": sid, "content": "full"})
	waitStatus(t, e, "chat", StatusStreaming)

	if err := e.Stop(sid); err != nil {
		t.Fatal(err)
	}
	// end wins the race; the ack lands afterwards and must change nothing.
	main.push(t, map[string]any{"type": "end", "sessionId": sid})
	waitStatus(t, e, "chat", StatusIdle)

	stop.push(t, map[string]any{"type": "ack", "sessionId": sid})
	time.Sleep(50 * time.Millisecond)

	snap, _, err := e.Session("chat")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != StatusIdle {
		t.Errorf("status flipped to %s after late ack", snap.Status)
	}
	if lastAssistant(t, snap).IsStopped {
		t.Error("completed message flagged stopped by late ack")
	}
}

func TestStaleFramesAfterStartNewChat(t *testing.T) {
	e, main, _ := newTestEngine(t, nil)

	oldID, _ := e.Send("chat", "first", nil)
	main.push(t, map[string]any{"type": "start", "sessionId": oldID})
	main.push(t, map[string]any{"type": "delta", "sessionId": oldID, "content": "old answer"})
	waitStatus(t, e, "chat", StatusStreaming)

	fresh, err := e.StartNewChat("chat")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.SessionID == oldID {
		t.Fatal("StartNewChat reused sessionId")
	}

	// A straggler delta for the superseded session must be discarded.
	newID, _ := e.Send("chat", "second", nil)
	main.push(t, map[string]any{"type": "delta", "sessionId": oldID, "content": "ghost"})
	main.push(t, map[string]any{"type": "start", "sessionId": newID})
	waitFor(t, e, "new session streaming", func(ev Event) bool {
		su, ok := ev.(SessionUpdated)
		return ok && su.Session.SessionID == newID && su.Session.Status == StatusStreaming
	})

	snap, _, _ := e.Session("chat")
	for _, m := range snap.Messages {
		if m.Content == "ghost" || m.Content == "old answerghost" {
			t.Errorf("stale frame applied to active session: %+v", snap.Messages)
		}
	}

	hist, err := e.History("chat")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].SessionID != oldID {
		t.Fatalf("old session not in history: %+v", hist)
	}
	if got := lastAssistant(t, hist[0]).Content; got != "old answer" {
		t.Errorf("history content = %q, want %q", got, "old answer")
	}
}

func TestConcurrentTabsStreamIndependently(t *testing.T) {
	e, main, _ := newTestEngine(t, nil)

	chatID, _ := e.Send("chat", "q1", nil)
	researchID, _ := e.Send("research", "q2", nil)

	main.push(t, map[string]any{"type": "start", "sessionId": chatID})
	main.push(t, map[string]any{"type": "start", "sessionId": researchID})
	main.push(t, map[string]any{"type": "delta", "sessionId": chatID, "content": "A"})
	main.push(t, map[string]any{"type": "delta", "sessionId": researchID, "content": "B"})
	main.push(t, map[string]any{"type": "delta", "sessionId": chatID, "content": "1"})
	main.push(t, map[string]any{"type": "end", "sessionId": chatID})
	main.push(t, map[string]any{"type": "delta", "sessionId": researchID, "content": "2"})
	main.push(t, map[string]any{"type": "end", "sessionId": researchID})

	waitStatus(t, e, "chat", StatusIdle)
	waitStatus(t, e, "research", StatusIdle)

	chatSnap, _, _ := e.Session("chat")
	researchSnap, _, _ := e.Session("research")
	if got := lastAssistant(t, chatSnap).Content; got != "A1" {
		t.Errorf("chat content = %q, want A1", got)
	}
	if got := lastAssistant(t, researchSnap).Content; got != "B2" {
		t.Errorf("research content = %q, want B2", got)
	}
}

func TestSendWhileTurnInFlight(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	if _, err := e.Send("chat", "first", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Send("chat", "second", nil); !errors.Is(err, ErrTurnInFlight) {
		t.Errorf("expected ErrTurnInFlight, got %v", err)
	}
	// Other tabs are unaffected.
	if _, err := e.Send("research", "elsewhere", nil); err != nil {
		t.Errorf("send on another tab failed: %v", err)
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	e, main, _ := newTestEngine(t, nil)

	sid, _ := e.Send("chat", "use a tool", nil)
	main.push(t, map[string]any{"type": "start", "sessionId": sid})
	main.push(t, map[string]any{"type": "delta", "sessionId": sid, "content": "Checking. "})
	main.push(t, map[string]any{
		"type":      "tool_call",
		"sessionId": sid,
		"tool":      map[string]any{"id": "t1", "name": "lookup", "args": map[string]any{"term": "ATP"}},
	})

	ev := waitFor(t, e, "tool call", func(ev Event) bool {
		_, ok := ev.(ToolCallRequested)
		return ok
	}).(ToolCallRequested)
	if ev.Call.ID != "t1" || ev.Call.Name != "lookup" {
		t.Fatalf("unexpected tool call: %+v", ev.Call)
	}

	pending, err := e.PendingToolCalls()
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %v (%v)", pending, err)
	}

	if err := e.SubmitToolResult(sid, "wrong-id", nil); !errors.Is(err, ErrInvalidToolResult) {
		t.Errorf("mismatched id: expected ErrInvalidToolResult, got %v", err)
	}
	if err := e.SubmitToolResult("nope", "t1", nil); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("unknown session: expected ErrUnknownSession, got %v", err)
	}

	if err := e.SubmitToolResult(sid, "t1", map[string]any{"answer": 42}); err != nil {
		t.Fatal(err)
	}
	actions := main.sentActions(t)
	last := actions[len(actions)-1]
	if last["action"] != "tool_result" || last["toolCallId"] != "t1" {
		t.Errorf("tool result not transmitted: %v", last)
	}

	if pending, _ := e.PendingToolCalls(); len(pending) != 0 {
		t.Errorf("pending queue not drained: %v", pending)
	}
	if err := e.SubmitToolResult(sid, "t1", nil); !errors.Is(err, ErrInvalidToolResult) {
		t.Errorf("resubmission: expected ErrInvalidToolResult, got %v", err)
	}

	// Streaming resumes after the result.
	main.push(t, map[string]any{"type": "delta", "sessionId": sid, "content": "Done."})
	main.push(t, map[string]any{"type": "end", "sessionId": sid})
	snap := waitStatus(t, e, "chat", StatusIdle)
	if got := lastAssistant(t, snap).Content; got != "Checking. Done." {
		t.Errorf("content = %q, want %q", got, "Checking. Done.")
	}
}

func TestDecodeErrorIsReportedAndDropped(t *testing.T) {
	errs := make(chan string, 1)
	e, main, _ := newTestEngine(t, func(c *Config) {
		c.OnError = func(message string, err error) { errs <- message }
	})

	main.inbound <- []byte(`{"type":`)
	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatal("OnError never invoked for malformed frame")
	}
	waitFor(t, e, "EngineError event", func(ev Event) bool {
		_, ok := ev.(EngineError)
		return ok
	})
}

func TestGenerationErrorIsIsolatedToItsTab(t *testing.T) {
	e, main, _ := newTestEngine(t, nil)

	chatID, _ := e.Send("chat", "q1", nil)
	researchID, _ := e.Send("research", "q2", nil)
	main.push(t, map[string]any{"type": "start", "sessionId": chatID})
	main.push(t, map[string]any{"type": "start", "sessionId": researchID})
	main.push(t, map[string]any{"type": "delta", "sessionId": chatID, "content": "so far"})
	main.push(t, map[string]any{
		"type":      "error",
		"sessionId": chatID,
		"error":     map[string]any{"code": "MODEL_DOWN", "message": "model unavailable"},
	})
	main.push(t, map[string]any{"type": "delta", "sessionId": researchID, "content": "fine"})
	main.push(t, map[string]any{"type": "end", "sessionId": researchID})

	chatSnap := waitStatus(t, e, "chat", StatusErrored)
	m := lastAssistant(t, chatSnap)
	if m.Content != "so far" || !m.IsError {
		t.Errorf("errored message = %+v", m)
	}

	researchSnap := waitStatus(t, e, "research", StatusIdle)
	if got := lastAssistant(t, researchSnap).Content; got != "fine" {
		t.Errorf("other tab affected by error: %q", got)
	}
}

func TestAuthFailureInvokesRedirectCallback(t *testing.T) {
	type redirect struct {
		to, platform string
		logout       bool
	}
	got := make(chan redirect, 1)
	e, main, _ := newTestEngine(t, func(c *Config) {
		c.OnAuthRedirect = func(to, platform string, logout bool) {
			got <- redirect{to, platform, logout}
		}
	})

	main.states <- transport.StateEvent{
		State:  transport.StateAuthFailed,
		Code:   4401,
		Reason: `{"redirectTo":"/login","platformKey":"acme","logout":true}`,
	}

	select {
	case r := <-got:
		if r.to != "/login" || r.platform != "acme" || !r.logout {
			t.Errorf("redirect = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnAuthRedirect never invoked")
	}

	ev := waitFor(t, e, "AuthRequired event", func(ev Event) bool {
		_, ok := ev.(AuthRequired)
		return ok
	}).(AuthRequired)
	if ev.Channel != "main" || ev.RedirectTo != "/login" {
		t.Errorf("AuthRequired = %+v", ev)
	}
}

func TestStopUnknownSession(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	if err := e.Stop("never-existed"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
}

func TestClosedEngineRejectsCalls(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	e.Close()
	if _, err := e.Send("chat", "hello", nil); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("expected ErrEngineClosed, got %v", err)
	}
}

// fakeStore is an in-memory SessionStore for persistence tests.
type fakeStore struct {
	mu       sync.Mutex
	messages map[string][]stores.StoredMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: make(map[string][]stores.StoredMessage)}
}

func (f *fakeStore) SaveMessage(msg stores.StoredMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.Sequence = len(f.messages[msg.SessionID]) + 1
	f.messages[msg.SessionID] = append(f.messages[msg.SessionID], msg)
	return nil
}

func (f *fakeStore) FetchSession(sessionID string) ([]stores.StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stores.StoredMessage(nil), f.messages[sessionID]...), nil
}

func (f *fakeStore) CreateSession(sessionID, tab, username string) error { return nil }
func (f *fakeStore) ListSessionsForTab(tab string) ([]stores.SessionInfo, error) {
	return nil, nil
}
func (f *fakeStore) Connect() error { return nil }
func (f *fakeStore) Close() error   { return nil }
func (f *fakeStore) Ping() error    { return nil }

func (f *fakeStore) sessionMessages(sessionID string) []stores.StoredMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stores.StoredMessage(nil), f.messages[sessionID]...)
}

func TestTerminalMessagesArePersisted(t *testing.T) {
	fs := newFakeStore()
	e, main, _ := newTestEngine(t, func(c *Config) { c.Store = fs })

	sid, _ := e.Send("chat", "persist me", nil)
	main.push(t, map[string]any{"type": "start", "sessionId": sid})
	main.push(t, map[string]any{"type": "delta", "sessionId": sid, "content": "answer"})
	main.push(t, map[string]any{"type": "end", "sessionId": sid})
	waitStatus(t, e, "chat", StatusIdle)

	msgs := fs.sessionMessages(sid)
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != "user" || msgs[0].Content != "persist me" {
		t.Errorf("user record = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "answer" {
		t.Errorf("assistant record = %+v", msgs[1])
	}
}

func TestResumeSession(t *testing.T) {
	fs := newFakeStore()
	fs.messages["persisted-1"] = []stores.StoredMessage{
		{SessionID: "persisted-1", Tab: "chat", Sequence: 1, Role: "user", Content: "old question", Visible: true},
		{SessionID: "persisted-1", Tab: "chat", Sequence: 2, Role: "assistant", Content: "old answer", Visible: true},
	}
	e, main, _ := newTestEngine(t, func(c *Config) { c.Store = fs })

	snap, err := e.ResumeSession("chat", "persisted-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.SessionID != "persisted-1" || len(snap.Messages) != 2 {
		t.Fatalf("resumed snapshot = %+v", snap)
	}
	if snap.Messages[1].Content != "old answer" {
		t.Errorf("resumed content = %q", snap.Messages[1].Content)
	}

	// The resumed session accepts a new turn under its original id.
	sid, err := e.Send("chat", "follow-up", nil)
	if err != nil {
		t.Fatal(err)
	}
	if sid != "persisted-1" {
		t.Errorf("follow-up ran under %s, want persisted-1", sid)
	}
	main.push(t, map[string]any{"type": "start", "sessionId": sid})
	main.push(t, map[string]any{"type": "delta", "sessionId": sid, "content": "new answer"})
	main.push(t, map[string]any{"type": "end", "sessionId": sid})
	ev := waitFor(t, e, "follow-up turn to complete", func(ev Event) bool {
		su, ok := ev.(SessionUpdated)
		return ok && su.Session.Status == StatusIdle && len(su.Session.Messages) == 4
	})
	snap = ev.(SessionUpdated).Session
	if got := lastAssistant(t, snap).Content; got != "new answer" {
		t.Errorf("follow-up content = %q", got)
	}
}
