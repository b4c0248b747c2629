package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/toolchat/internal/chat"
	"github.com/haasonsaas/toolchat/pkg/models"
)

const (
	wsMaxMessageBytes = 1 << 20
	wsWriteWait       = 10 * time.Second
)

var errMessageRequired = errors.New("message is required")

// chatFrame is an inbound chat message.
type chatFrame struct {
	Message          string `json:"message"`
	IncludeReasoning *bool  `json:"include_reasoning,omitempty"`
}

// wsSink writes events as JSON text frames. After the first write failure
// every Emit fails, which aborts the running turn.
type wsSink struct {
	conn *websocket.Conn

	mu     sync.Mutex
	broken error
}

func (w *wsSink) Emit(ctx context.Context, e models.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken != nil {
		return w.broken
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
	if err := w.conn.WriteJSON(e); err != nil {
		w.broken = err
		return err
	}
	return nil
}

func (w *wsSink) failed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.broken != nil
}

func (w *wsSink) close(code int, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, text)
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)) //nolint:errcheck
}

// handleChatWS runs one conversation per connection. Messages are handled
// one at a time in arrival order; a failed turn reports an error event and
// the connection keeps serving.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentID")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessageBytes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &wsSink{conn: conn}
	conv, err := s.chat.Open(ctx, agentID, sink)
	if err != nil {
		if !errors.Is(err, chat.ErrAgentNotFound) {
			s.logger.Error("failed to open conversation", "agent_id", agentID, "error", err)
		}
		_ = sink.Emit(ctx, models.ErrorEvent(chat.ErrorMessage(err))) //nolint:errcheck
		sink.close(websocket.CloseNormalClosure, "")
		return
	}
	defer conv.Close()

	s.logger.Info("chat connection opened",
		"agent_id", agentID,
		"session_id", conv.Session.ID,
		"remote_addr", r.RemoteAddr)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug("chat connection read error", "session_id", conv.Session.ID, "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		message, includeReasoning, err := s.parseChatFrame(data)
		if err != nil {
			if sink.Emit(ctx, models.ErrorEvent(err.Error())) != nil {
				return
			}
			continue
		}

		// Turn errors were already reported to the client as error events.
		_, _ = conv.Send(ctx, message, includeReasoning, sink)
		if sink.failed() {
			s.logger.Debug("chat connection closed during turn", "session_id", conv.Session.ID)
			return
		}
	}
}

// parseChatFrame accepts a JSON object frame or, for anything that is not
// a JSON object, treats the raw text as the message.
func (s *Server) parseChatFrame(data []byte) (string, bool, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
		var frame chatFrame
		if err := decodeValidated(schemaChatFrame, trimmed, &frame); err != nil {
			return "", false, errors.New("invalid chat frame: " + err.Error())
		}
		include := s.config.IncludeReasoning
		if frame.IncludeReasoning != nil {
			include = *frame.IncludeReasoning
		}
		return frame.Message, include, nil
	}

	message := string(data)
	if strings.TrimSpace(message) == "" {
		return "", false, errMessageRequired
	}
	return message, s.config.IncludeReasoning, nil
}
