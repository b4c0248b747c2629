package gateway

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/toolchat/internal/agent"
	"github.com/haasonsaas/toolchat/pkg/models"
)

func dialChat(t *testing.T, ts *testServer, agentID string) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(ts.handler)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/ws/chat/" + agentID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var e models.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return e
}

// readTurn collects events up to and including the first done or error.
func readTurn(t *testing.T, conn *websocket.Conn) []models.Event {
	t.Helper()
	var events []models.Event
	for {
		e := readEvent(t, conn)
		events = append(events, e)
		if e.Type == models.EventDone || e.Type == models.EventError {
			return events
		}
	}
}

func TestChatWebSocket(t *testing.T) {
	ts := newTestServer(t, textReply("Hello there."))
	ts.seedAgent(t, "a1")
	conn := dialChat(t, ts, "a1")

	frames := []string{
		`{"message":"hi"}`,
		`plain text works too`,
		`{"message":"and without reasoning","include_reasoning":false}`,
	}
	for _, frame := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write: %v", err)
		}
		events := readTurn(t, conn)
		if len(events) != 2 {
			t.Fatalf("frame %q events = %+v", frame, events)
		}
		if events[0].Type != models.EventToken || events[0].Content != "Hello there." {
			t.Errorf("token = %+v", events[0])
		}
		done := events[1]
		if done.Type != models.EventDone || done.Tokens == nil || done.Tokens.TotalTokens != 5 {
			t.Errorf("done = %+v", done)
		}
	}
}

func TestChatWebSocketBadFrameKeepsConnection(t *testing.T) {
	ts := newTestServer(t, textReply("ok"))
	ts.seedAgent(t, "a1")
	conn := dialChat(t, ts, "a1")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"message":""}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	e := readEvent(t, conn)
	if e.Type != models.EventError || !strings.Contains(e.Content, "invalid chat frame") {
		t.Fatalf("event = %+v, want invalid frame error", e)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"message":"retry"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	events := readTurn(t, conn)
	if events[len(events)-1].Type != models.EventDone {
		t.Errorf("events = %+v, want a completed turn", events)
	}
}

func TestChatWebSocketUnknownAgent(t *testing.T) {
	ts := newTestServer(t, textReply("hi"))
	conn := dialChat(t, ts, "missing")

	e := readEvent(t, conn)
	if e.Type != models.EventError || e.Content != "Agent not found" {
		t.Fatalf("event = %+v", e)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("read after error = %v, want normal close", err)
	}
}

func TestChatWebSocketToolWarning(t *testing.T) {
	ts := newTestServer(t, textReply("hi"))
	ts.seedAgent(t, "a1")
	ts.seedServer(t, "broken")
	if err := ts.stores.Agents.LinkServer(t.Context(), "a1", "broken"); err != nil {
		t.Fatalf("link: %v", err)
	}

	conn := dialChat(t, ts, "a1")
	e := readEvent(t, conn)
	if e.Type != models.EventToken || !strings.Contains(e.Content, "[System Warning: Failed to load MCP tools for 'broken'") {
		t.Fatalf("first event = %+v, want warning token", e)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	events := readTurn(t, conn)
	if events[len(events)-1].Type != models.EventDone {
		t.Errorf("events = %+v", events)
	}
}

func TestChatWebSocketModelError(t *testing.T) {
	ts := newTestServer(t, &replyProvider{err: &agent.ModelError{Provider: "zai", StatusCode: 429, Err: errors.New("slow down")}})
	ts.seedAgent(t, "a1")
	conn := dialChat(t, ts, "a1")

	for i := 0; i < 2; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("hi")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		e := readEvent(t, conn)
		if e.Type != models.EventError || e.Content != "Rate limit exceeded. Please try again later." {
			t.Fatalf("turn %d event = %+v", i, e)
		}
	}
}
