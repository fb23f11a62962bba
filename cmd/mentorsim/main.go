// mentorsim is a local stand-in for the mentor chat backend. It exposes the
// same two WebSocket endpoints the production gateway does: /ws/chat for
// generation and /ws/stop for cancellation. Replies are canned; the point
// is exercising the client engine's full protocol, including streaming,
// stop acks, and a demo tool call.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsWriter serializes writes to one connection; the chat handler streams
// from a goroutine per send while still reading the socket.
type wsWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

// stopSignals lets the stop endpoint interrupt streams owned by the chat
// endpoint.
type stopSignals struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

func newStopSignals() *stopSignals {
	return &stopSignals{chans: make(map[string]chan struct{})}
}

func (ss *stopSignals) register(sessionID string) chan struct{} {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ch := make(chan struct{})
	ss.chans[sessionID] = ch
	return ch
}

func (ss *stopSignals) fire(sessionID string) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ch, ok := ss.chans[sessionID]
	if !ok {
		return false
	}
	delete(ss.chans, sessionID)
	close(ch)
	return true
}

func (ss *stopSignals) unregister(sessionID string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.chans, sessionID)
}

type inboundCommand struct {
	Action     string `json:"action"`
	SessionID  string `json:"sessionId"`
	Tab        string `json:"tab"`
	Content    string `json:"content"`
	ToolCallID string `json:"toolCallId"`
}

type server struct {
	stops     *stopSignals
	delay     time.Duration
	toolAcks  map[string]chan inboundCommand // sessionID -> pending tool result
	toolAckMu sync.Mutex
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	port := os.Getenv("MENTORSIM_PORT")
	if port == "" {
		port = "8080"
	}

	srv := &server{
		stops:    newStopSignals(),
		delay:    30 * time.Millisecond,
		toolAcks: make(map[string]chan inboundCommand),
	}

	r := gin.Default()
	r.GET("/ws/chat", srv.handleChat)
	r.GET("/ws/stop", srv.handleStop)

	log.Printf("mentorsim listening on :%s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatal(err)
	}
}

func (s *server) handleChat(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("chat upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	w := &wsWriter{conn: conn}
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd inboundCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			log.Printf("ignoring unparsable command: %v", err)
			continue
		}

		switch cmd.Action {
		case "send":
			go s.streamReply(w, cmd)
		case "tool_result":
			s.toolAckMu.Lock()
			ch, ok := s.toolAcks[cmd.SessionID]
			s.toolAckMu.Unlock()
			if ok {
				ch <- cmd
			}
		default:
			log.Printf("ignoring action %q", cmd.Action)
		}
	}
}

// streamReply plays the backend's side of one turn: start, deltas, and
// either end or silence after a stop signal. A prompt mentioning "tool"
// also exercises the tool-call round trip.
func (s *server) streamReply(w *wsWriter, cmd inboundCommand) {
	stopCh := s.stops.register(cmd.SessionID)
	defer s.stops.unregister(cmd.SessionID)

	send := func(frame map[string]any) bool {
		frame["sessionId"] = cmd.SessionID
		if err := w.WriteJSON(frame); err != nil {
			log.Printf("write failed for %s: %v", cmd.SessionID, err)
			return false
		}
		return true
	}

	if !send(map[string]any{"type": "start"}) {
		return
	}

	if strings.Contains(strings.ToLower(cmd.Content), "tool") {
		if !s.runToolRoundTrip(w, cmd, send, stopCh) {
			return
		}
	}

	reply := "You asked about \"" + cmd.Content + "\" on the " + cmd.Tab + " tab. Here is a simulated mentor answer that streams token by token."
	for _, word := range strings.SplitAfter(reply, " ") {
		select {
		case <-stopCh:
			// Stopped mid-stream; the ack went out on the stop channel.
			return
		case <-time.After(s.delay):
		}
		if !send(map[string]any{"type": "delta", "content": word}) {
			return
		}
	}

	send(map[string]any{"type": "end"})
}

func (s *server) runToolRoundTrip(w *wsWriter, cmd inboundCommand, send func(map[string]any) bool, stopCh chan struct{}) bool {
	ack := make(chan inboundCommand, 1)
	s.toolAckMu.Lock()
	s.toolAcks[cmd.SessionID] = ack
	s.toolAckMu.Unlock()
	defer func() {
		s.toolAckMu.Lock()
		delete(s.toolAcks, cmd.SessionID)
		s.toolAckMu.Unlock()
	}()

	if !send(map[string]any{
		"type": "tool_call",
		"tool": map[string]any{
			"id":   "call-" + cmd.SessionID,
			"name": "lookup_glossary",
			"args": map[string]any{"term": cmd.Content},
		},
	}) {
		return false
	}

	select {
	case <-ack:
		return true
	case <-stopCh:
		return false
	case <-time.After(30 * time.Second):
		log.Printf("tool result never arrived for %s", cmd.SessionID)
		return false
	}
}

func (s *server) handleStop(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("stop upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	w := &wsWriter{conn: conn}
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd inboundCommand
		if err := json.Unmarshal(payload, &cmd); err != nil || cmd.Action != "stop" {
			continue
		}
		s.stops.fire(cmd.SessionID)
		_ = w.WriteJSON(map[string]any{"type": "ack", "sessionId": cmd.SessionID})
	}
}
