package wire

import (
	"encoding/json"
	"fmt"
)

// FrameType tags the inbound frame variants delivered by the backend.
type FrameType string

const (
	FrameStart      FrameType = "start"
	FrameDelta      FrameType = "delta"
	FrameEnd        FrameType = "end"
	FrameError      FrameType = "error"
	FrameToolCall   FrameType = "tool_call"
	FrameToolResult FrameType = "tool_result"
	FrameAck        FrameType = "ack"
)

var knownFrameTypes = map[FrameType]bool{
	FrameStart:      true,
	FrameDelta:      true,
	FrameEnd:        true,
	FrameError:      true,
	FrameToolCall:   true,
	FrameToolResult: true,
	FrameAck:        true,
}

// ErrorInfo is the error descriptor carried by error frames.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ToolCall describes a backend-issued tool invocation the client must
// answer with a tool result on the same session.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Frame is one decoded inbound message from either channel.
type Frame struct {
	Type      FrameType  `json:"type"`
	SessionID string     `json:"sessionId"`
	Content   string     `json:"content,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Tool      *ToolCall  `json:"tool,omitempty"`
}

// DecodeError reports a frame that could not be parsed or failed validation.
// Such frames are dropped without touching any session state.
type DecodeError struct {
	Reason string
	Raw    []byte
}

func (e *DecodeError) Error() string { return "wire: " + e.Reason }

// Decode parses and validates a raw inbound payload.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, &DecodeError{Reason: fmt.Sprintf("malformed frame: %v", err), Raw: raw}
	}
	if !knownFrameTypes[f.Type] {
		return Frame{}, &DecodeError{Reason: fmt.Sprintf("unknown frame type %q", f.Type), Raw: raw}
	}
	if f.SessionID == "" {
		return Frame{}, &DecodeError{Reason: "frame missing sessionId", Raw: raw}
	}
	if f.Type == FrameToolCall && f.Tool == nil {
		return Frame{}, &DecodeError{Reason: "tool_call frame missing tool descriptor", Raw: raw}
	}
	if f.Type == FrameError && f.Error == nil {
		// Backend occasionally omits the descriptor on hard failures.
		f.Error = &ErrorInfo{Message: "generation failed"}
	}
	return f, nil
}

// FileAttachment references a previously uploaded file included with a send.
// Uploading itself happens over REST before the send is issued.
type FileAttachment struct {
	FileName string `json:"fileName"`
	FileURL  string `json:"fileUrl"`
	FileType string `json:"fileType"`
}

// SendRequest is the outbound send-message command on the main channel.
type SendRequest struct {
	Action          string           `json:"action"` // always "send"
	SessionID       string           `json:"sessionId"`
	Tab             string           `json:"tab"`
	TenantKey       string           `json:"tenantKey"`
	MentorID        string           `json:"mentorId"`
	Username        string           `json:"username"`
	Content         string           `json:"content"`
	FileAttachments []FileAttachment `json:"fileAttachments,omitempty"`
}

// StopRequest is the outbound command on the stop-generation channel.
type StopRequest struct {
	Action    string `json:"action"` // always "stop"
	SessionID string `json:"sessionId"`
}

// ToolResultRequest returns a tool result into the session's stream.
type ToolResultRequest struct {
	Action     string         `json:"action"` // always "tool_result"
	SessionID  string         `json:"sessionId"`
	ToolCallID string         `json:"toolCallId"`
	Result     map[string]any `json:"result,omitempty"`
}

// Encode serializes an outbound request for transmission.
func Encode(req any) ([]byte, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %T: %w", req, err)
	}
	return b, nil
}
