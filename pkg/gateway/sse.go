package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/webpilot-ai/webpilot/pkg/stream"
)

// handleMessages runs one turn and streams its nodes as server-sent
// events. Each node becomes one event; the connection closes after the
// terminal node. A busy session is a 409 before any event is written.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	input, err := req.turnInput()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	nodes, err := s.runner.RunTurn(r.Context(), req.SessionID, input)
	if err != nil {
		writeJSONError(w, statusForTurnError(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := stream.NewSink(&sseTransport{w: w, flusher: flusher})
	if err := sink.Run(r.Context(), nodes); err != nil {
		s.logger.Warn().
			Err(err).
			Str("session_id", req.SessionID).
			Int("delivered", sink.Delivered()).
			Msg("SSE stream ended early")
	}
}

// sseTransport writes one node per SSE event and flushes before
// acknowledging, so the producer cannot run ahead of the client
type sseTransport struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (t *sseTransport) Send(node stream.Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", node.Type, data); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}
