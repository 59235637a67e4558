package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/webpilot-ai/webpilot/pkg/orchestrator"
	"github.com/webpilot-ai/webpilot/pkg/stream"
)

// wsEnvelope frames every server-to-client websocket message
type wsEnvelope struct {
	Event string       `json:"event"`
	Node  *stream.Node `json:"node,omitempty"`
	Error string       `json:"error,omitempty"`
}

// handleWebSocket upgrades the connection and serves turn requests
// over it. The client sends one TurnRequest per turn; the server
// answers with the turn's node sequence and then accepts the next
// request on the same connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to upgrade websocket")
		return
	}
	defer conn.Close()

	s.logger.Info().Str("remote", r.RemoteAddr).Msg("websocket client connected")

	for {
		var req TurnRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		input, err := req.turnInput()
		if err != nil {
			_ = conn.WriteJSON(wsEnvelope{Event: "error", Error: err.Error()})
			continue
		}

		ctx, cancel := context.WithCancel(r.Context())
		nodes, err := s.runner.RunTurn(ctx, req.SessionID, input)
		if err != nil {
			cancel()
			event := "error"
			if err == orchestrator.ErrSessionBusy {
				event = "session_busy"
			}
			_ = conn.WriteJSON(wsEnvelope{Event: event, Error: err.Error()})
			continue
		}

		sink := stream.NewSink(&wsTransport{conn: conn})
		if err := sink.Run(ctx, nodes); err != nil {
			s.logger.Warn().
				Err(err).
				Str("session_id", req.SessionID).
				Msg("websocket stream ended early")
			cancel()
			return
		}
		cancel()
	}
}

// wsTransport delivers one node per websocket message
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(node stream.Node) error {
	data, err := json.Marshal(wsEnvelope{Event: "node", Node: &node})
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}
