package engine

import (
	"encoding/json"

	"github.com/eduverse/mentorchat/stores"
	"github.com/eduverse/mentorchat/wire"
)

// Persistence is best effort: a store failure is reported through the error
// callback and the in-memory session stays authoritative.

func (e *Engine) persist(s *session, msg Message) {
	if e.cfg.Store == nil {
		return
	}
	if err := e.cfg.Store.SaveMessage(storedFromMessage(s, msg)); err != nil {
		e.reportError("failed to persist message", err)
	}
}

// persistCurrentAssistant writes the assistant message that just reached a
// terminal state (end, error, or stop). Only terminal content is persisted;
// deltas are never written mid-stream.
func (e *Engine) persistCurrentAssistant(s *session) {
	if e.cfg.Store == nil {
		return
	}
	m := s.currentAssistant()
	if m == nil {
		return
	}
	e.persist(s, *m)
}

func storedFromMessage(s *session, msg Message) stores.StoredMessage {
	var attachments string
	if len(msg.FileAttachments) > 0 {
		if b, err := json.Marshal(msg.FileAttachments); err == nil {
			attachments = string(b)
		}
	}
	return stores.StoredMessage{
		SessionID:       s.SessionID,
		Tab:             s.Tab,
		Role:            string(msg.Role),
		Content:         msg.Content,
		Visible:         msg.Visible,
		IsError:         msg.IsError,
		IsStopped:       msg.IsStopped,
		AttachmentsJSON: attachments,
	}
}

func messagesFromStored(stored []stores.StoredMessage) []Message {
	msgs := make([]Message, 0, len(stored))
	for _, sm := range stored {
		m := Message{
			Role:      Role(sm.Role),
			Content:   sm.Content,
			Visible:   sm.Visible,
			IsError:   sm.IsError,
			IsStopped: sm.IsStopped,
			Timestamp: sm.CreatedAt,
		}
		if sm.AttachmentsJSON != "" {
			var atts []wire.FileAttachment
			if json.Unmarshal([]byte(sm.AttachmentsJSON), &atts) == nil {
				m.FileAttachments = atts
			}
		}
		msgs = append(msgs, m)
	}
	return msgs
}
