package engine

import (
	"github.com/eduverse/mentorchat/wire"
)

// PendingToolCall is one backend tool invocation awaiting a result from
// the caller.
type PendingToolCall struct {
	SessionID string
	Call      wire.ToolCall
}

// ToolBridge queues tool invocations for the caller and routes results
// back over the main channel. Owned by the engine loop.
type ToolBridge struct {
	main     Channel
	queue    []PendingToolCall
	resolved map[string]bool // toolCallId -> already answered
}

func newToolBridge(main Channel) *ToolBridge {
	return &ToolBridge{main: main, resolved: make(map[string]bool)}
}

// Intercept records an inbound tool invocation.
func (tb *ToolBridge) Intercept(sessionID string, call wire.ToolCall) {
	tb.queue = append(tb.queue, PendingToolCall{SessionID: sessionID, Call: call})
}

// Pending returns the invocations not yet answered, oldest first.
func (tb *ToolBridge) Pending() []PendingToolCall {
	return append([]PendingToolCall(nil), tb.queue...)
}

// Submit validates the result against the session's suspended invocation
// and transmits it. Unknown or already-resolved ids are rejected without
// touching engine state.
func (tb *ToolBridge) Submit(s *session, toolCallID string, result map[string]any) error {
	if tb.resolved[toolCallID] {
		return ErrInvalidToolResult
	}
	suspended := s.awaitingTool
	if !s.resolveToolCall(toolCallID) {
		return ErrInvalidToolResult
	}

	payload, err := wire.Encode(wire.ToolResultRequest{
		Action:     "tool_result",
		SessionID:  s.SessionID,
		ToolCallID: toolCallID,
		Result:     result,
	})
	if err != nil {
		// Undo the resolution so the caller can retry.
		s.awaitingTool = suspended
		return err
	}
	if err := tb.main.Send(payload); err != nil {
		s.awaitingTool = suspended
		return err
	}

	tb.resolved[toolCallID] = true
	tb.dequeue(toolCallID)
	return nil
}

func (tb *ToolBridge) dequeue(toolCallID string) {
	for i, p := range tb.queue {
		if p.Call.ID == toolCallID {
			tb.queue = append(tb.queue[:i], tb.queue[i+1:]...)
			return
		}
	}
}
