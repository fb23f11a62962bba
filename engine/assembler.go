package engine

import (
	"time"

	"github.com/eduverse/mentorchat/wire"
)

// Assembler state machine. Each apply method folds one frame into the
// owning session and reports whether anything observable changed, which
// is what drives SessionUpdated events. Frames are applied strictly in
// receipt order; the engine loop guarantees that by construction.
//
//	idle -> send issued -> pending -> start -> streaming
//	streaming -> delta            -> streaming (content appended)
//	streaming -> end              -> idle (turn complete, content frozen)
//	streaming -> error            -> errored (partial content kept)
//	streaming -> cancellation ack -> stopped (partial content kept)
//	streaming -> tool_call        -> streaming, accumulation suspended
//	                                 until the tool result is submitted

// beginTurn moves the session to pending for a freshly issued send. Stopped
// and errored sessions may begin a new turn; the caller retrying is normal.
func (s *session) beginTurn() bool {
	switch s.Status {
	case StatusIdle, StatusStopped, StatusErrored:
		s.Status = StatusPending
		return true
	default:
		return false
	}
}

// applyStart acknowledges the send: a new empty assistant message is
// created and streaming begins. A start for a session that is not pending
// is stale and ignored.
func (s *session) applyStart() bool {
	if s.Status != StatusPending {
		return false
	}
	s.Messages = append(s.Messages, Message{
		Role:      RoleAssistant,
		Visible:   true,
		Timestamp: time.Now(),
	})
	s.Status = StatusStreaming
	return true
}

// applyDelta appends one content fragment to the current assistant
// message. Deltas arriving outside streaming, or while a tool call has
// suspended accumulation, are dropped.
func (s *session) applyDelta(fragment string) bool {
	if s.Status != StatusStreaming || s.awaitingTool != nil {
		return false
	}
	m := s.currentAssistant()
	if m == nil {
		return false
	}
	m.Content += fragment
	return true
}

// applyEnd completes the turn. The assistant message content is frozen and
// the session returns to idle, ready for the next send. An end arriving
// after a stop or error is the ack/end race the backend allows; it is a
// no-op.
func (s *session) applyEnd() bool {
	if s.Status != StatusStreaming {
		return false
	}
	s.awaitingTool = nil
	s.Status = StatusIdle
	return true
}

// applyError terminates the turn with a generation error. Partial content
// is retained and flagged.
func (s *session) applyError(info *wire.ErrorInfo) bool {
	switch s.Status {
	case StatusStreaming:
		if m := s.currentAssistant(); m != nil {
			m.IsError = true
			if m.Content == "" && info != nil {
				m.Content = info.Message
			}
		}
	case StatusPending:
		// Errored before the start frame: surface the failure as a message.
		msg := Message{Role: RoleAssistant, Visible: true, Timestamp: time.Now(), IsError: true}
		if info != nil {
			msg.Content = info.Message
		}
		s.Messages = append(s.Messages, msg)
	default:
		return false
	}
	s.awaitingTool = nil
	s.Status = StatusErrored
	return true
}

// applyStop terminates the turn on cancellation. Idempotent: a second ack,
// a timeout firing after the ack, or an end racing in afterwards all land
// on a session that is no longer streaming and change nothing.
func (s *session) applyStop() bool {
	switch s.Status {
	case StatusStreaming:
		if m := s.currentAssistant(); m != nil {
			m.IsStopped = true
		}
	case StatusPending:
		// Stopped before any content arrived; nothing to flag.
	default:
		return false
	}
	s.awaitingTool = nil
	s.Status = StatusStopped
	return true
}

// applyToolCall suspends content accumulation until the caller submits the
// tool result.
func (s *session) applyToolCall(tc wire.ToolCall) bool {
	if s.Status != StatusStreaming {
		return false
	}
	s.awaitingTool = &tc
	return true
}

// resolveToolCall clears the suspension if toolCallID matches the pending
// invocation. Streaming resumes on the next delta.
func (s *session) resolveToolCall(toolCallID string) bool {
	if s.awaitingTool == nil || s.awaitingTool.ID != toolCallID {
		return false
	}
	s.awaitingTool = nil
	return true
}

// currentAssistant returns the message being assembled, which is always
// the last assistant message while streaming.
func (s *session) currentAssistant() *Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return &s.Messages[i]
		}
	}
	return nil
}
