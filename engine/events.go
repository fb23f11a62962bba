package engine

import "github.com/eduverse/mentorchat/wire"

// Event is the union of notifications delivered on Engine.Events().
// Callers type-switch over the concrete variants below.
type Event interface{ isEvent() }

// SessionUpdated carries a snapshot of a session after any observable
// change: a new message, an appended delta, or a status transition.
type SessionUpdated struct {
	Tab     string
	Session ChatSession
}

// ToolCallRequested surfaces a backend tool invocation. The stream stays
// suspended until SubmitToolResult is called with the matching id.
type ToolCallRequested struct {
	SessionID string
	Call      wire.ToolCall
}

// AuthRequired is emitted when a transport reports an authentication
// failure. The engine performs no navigation; the caller (or the
// OnAuthRedirect callback) decides what to do with it.
type AuthRequired struct {
	Channel     string // "main" or "stop"
	RedirectTo  string
	PlatformKey string
	Logout      bool
}

// EngineError reports a non-fatal decode or transport error, for
// observability only. No session state changed.
type EngineError struct {
	Message string
	Err     error
}

func (SessionUpdated) isEvent()    {}
func (ToolCallRequested) isEvent() {}
func (AuthRequired) isEvent()      {}
func (EngineError) isEvent()       {}
