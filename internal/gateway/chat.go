package gateway

import (
	"encoding/json"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/relay-agent/server/internal/agent/model"
	logx "github.com/relay-agent/server/pkg/logger"
)

type chatRequest struct {
	Message  string `json:"message"`
	UserID   int64  `json:"user_id"`
	ThreadID string `json:"thread_id"`
}

// wireEvent is what a chat client receives for each run event.
type wireEvent struct {
	Type        string             `json:"type"`
	ThreadID    string             `json:"thread_id,omitempty"`
	Node        string             `json:"node,omitempty"`
	Tool        string             `json:"tool,omitempty"`
	Content     string             `json:"content,omitempty"`
	ToolResults []model.ToolResult `json:"tool_results,omitempty"`
}

func toWire(e model.Event) wireEvent {
	return wireEvent{
		Type:        string(e.Type),
		ThreadID:    e.RunID,
		Node:        e.Node,
		Tool:        e.Tool,
		Content:     e.Text,
		ToolResults: e.ToolResults,
	}
}

func errorEvent(msg string) wireEvent {
	return wireEvent{Type: string(model.EventError), Content: msg}
}

// handleChat serves one client. Messages are handled one at a time; each
// streams its run events back until the end event.
func (s *Server) handleChat(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logx.Error().Err(err).Msg("Failed to upgrade connection")
		return nil
	}
	defer conn.Close()

	ctx := c.Request().Context()
	remote := c.RealIP()
	logx.Info().Str("ip", remote).Msg("Client connected")
	defer logx.Info().Str("ip", remote).Msg("Client disconnected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logx.Warn().Err(err).Str("ip", remote).Msg("WebSocket read failed")
			}
			return nil
		}

		var req chatRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if conn.WriteJSON(errorEvent("Invalid JSON format")) != nil {
				return nil
			}
			continue
		}
		if strings.TrimSpace(req.Message) == "" {
			if conn.WriteJSON(errorEvent("No message provided")) != nil {
				return nil
			}
			continue
		}
		if req.UserID == 0 {
			req.UserID = s.defaultUserID
		}

		in := model.QueryInput{RunID: req.ThreadID, UserID: req.UserID, Message: req.Message}
		for e := range s.runner.Handle(ctx, in) {
			if err := conn.WriteJSON(toWire(e)); err != nil {
				logx.Warn().Err(err).Str("run_id", e.RunID).Msg("Failed to write event")
				return nil
			}
		}
	}
}
