package engine

import (
	"time"

	"github.com/eduverse/mentorchat/wire"
	"github.com/google/uuid"
)

// Status is the lifecycle state of a ChatSession.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusStopped   Status = "stopped"
	StatusErrored   Status = "errored"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat message. Content is mutated only while the owning
// session is streaming; once a terminal frame is processed it is frozen.
type Message struct {
	Role            Role
	Content         string
	Visible         bool
	Timestamp       time.Time
	FileAttachments []wire.FileAttachment

	// IsError and IsStopped mark assistant messages whose generation
	// ended in an error frame or a cancellation. Partial content is kept.
	IsError   bool
	IsStopped bool
}

// ChatSession is the caller-visible snapshot of one session.
type ChatSession struct {
	SessionID string
	Tab       string
	Messages  []Message
	Status    Status
}

// session is the registry's mutable record. The embedded snapshot plus the
// assembler bookkeeping below never leave the engine loop goroutine.
type session struct {
	ChatSession

	// awaitingTool is set while a tool_call frame has suspended content
	// accumulation for this session.
	awaitingTool *wire.ToolCall
}

func (s *session) snapshot() ChatSession {
	cp := s.ChatSession
	cp.Messages = append([]Message(nil), s.Messages...)
	return cp
}

// SessionRegistry maps logical tabs to their active session and keeps
// detached sessions retrievable as read-only history. It is owned by the
// engine loop and never locked.
type SessionRegistry struct {
	active  map[string]*session       // tab -> active session
	byID    map[string]*session       // sessionID -> active session, for frame routing
	history map[string][]ChatSession  // tab -> detached sessions, oldest first
	current string

	newID func() string
}

func newSessionRegistry(defaultTab string) *SessionRegistry {
	return &SessionRegistry{
		active:  make(map[string]*session),
		byID:    make(map[string]*session),
		history: make(map[string][]ChatSession),
		current: defaultTab,
		newID:   func() string { return uuid.New().String() },
	}
}

// GetOrCreate returns the tab's active session, allocating a fresh idle one
// with a locally generated id when the tab has none yet. The id stands
// until the backend confirms it by echoing it on the session's frames.
func (r *SessionRegistry) GetOrCreate(tab string) *session {
	if s, ok := r.active[tab]; ok {
		return s
	}
	s := &session{ChatSession: ChatSession{
		SessionID: r.newID(),
		Tab:       tab,
		Status:    StatusIdle,
	}}
	r.active[tab] = s
	r.byID[s.SessionID] = s
	return s
}

// Lookup resolves a frame's sessionId to the owning active session. Ids
// superseded by StartNewChat resolve to nil; their frames are discarded.
func (r *SessionRegistry) Lookup(sessionID string) *session {
	return r.byID[sessionID]
}

// SwitchTab changes the active tab. In-flight streams on other tabs are
// untouched; their assemblers keep running.
func (r *SessionRegistry) SwitchTab(tab string) *session {
	r.current = tab
	return r.GetOrCreate(tab)
}

// ActiveTab returns the currently selected tab name.
func (r *SessionRegistry) ActiveTab() string { return r.current }

// StartNewChat detaches the tab's current session into history and
// allocates a fresh session with a new id. Frames still in flight for the
// detached id no longer route anywhere.
func (r *SessionRegistry) StartNewChat(tab string) *session {
	if old, ok := r.active[tab]; ok {
		delete(r.byID, old.SessionID)
		r.history[tab] = append(r.history[tab], old.snapshot())
		delete(r.active, tab)
	}
	return r.GetOrCreate(tab)
}

// History returns the detached sessions for a tab, oldest first. Messages
// are copied so callers cannot mutate the read-only history slots.
func (r *SessionRegistry) History(tab string) []ChatSession {
	src := r.history[tab]
	out := make([]ChatSession, len(src))
	for i, cs := range src {
		cs.Messages = append([]Message(nil), cs.Messages...)
		out[i] = cs
	}
	return out
}

// AppendUserMessage appends a caller-authored message to the tab's active
// session, creating the session if needed.
func (r *SessionRegistry) AppendUserMessage(tab string, msg Message) *session {
	s := r.GetOrCreate(tab)
	s.Messages = append(s.Messages, msg)
	return s
}

// Adopt installs a session restored from persisted history as the tab's
// active session, detaching any current one first.
func (r *SessionRegistry) Adopt(tab, sessionID string, msgs []Message) *session {
	if old, ok := r.active[tab]; ok {
		delete(r.byID, old.SessionID)
		r.history[tab] = append(r.history[tab], old.snapshot())
	}
	s := &session{ChatSession: ChatSession{
		SessionID: sessionID,
		Tab:       tab,
		Messages:  msgs,
		Status:    StatusIdle,
	}}
	r.active[tab] = s
	r.byID[sessionID] = s
	return s
}
