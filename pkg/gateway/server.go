package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/webpilot-ai/webpilot/pkg/artifact"
	"github.com/webpilot-ai/webpilot/pkg/orchestrator"
)

// Server is the HTTP and WebSocket gateway
type Server struct {
	host         string
	port         int
	sharedSecret string
	runner       TurnRunner
	sessions     SessionEvictor
	artifacts    ArtifactGetter
	logger       zerolog.Logger
	server       *http.Server
	upgrader     websocket.Upgrader
}

// Config holds gateway configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	Runner       TurnRunner
	Sessions     SessionEvictor
	Artifacts    ArtifactGetter
	Logger       zerolog.Logger
}

// NewServer creates a gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("turn runner is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session evictor is required")
	}

	return &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		sharedSecret: cfg.SharedSecret,
		runner:       cfg.Runner,
		sessions:     cfg.Sessions,
		artifacts:    cfg.Artifacts,
		logger:       cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Handler returns the gateway's HTTP handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.auth(s.handleMessages))
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.auth(s.handleDeleteSession))
	mux.HandleFunc("GET /v1/artifacts/{ref}", s.auth(s.handleArtifact))
	mux.HandleFunc("GET /ws", s.auth(s.handleWebSocket))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start starts serving. Does not block.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Str("host", s.host).Int("port", s.port).Msg("starting gateway")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("gateway server error")
		}
	}()

	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// auth enforces the shared secret when one is configured
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.sharedSecret != "" {
			secret := r.Header.Get("X-Webpilot-Secret")
			if secret == "" {
				secret = r.URL.Query().Get("secret")
			}
			if secret != s.sharedSecret {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

// handleDeleteSession evicts a session. Idempotent: deleting an
// unknown session succeeds.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.sessions.Evict(id); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info().Str("session_id", id).Msg("session deleted by client")
	w.WriteHeader(http.StatusNoContent)
}

// handleArtifact serves a stored artifact's bytes
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil {
		writeJSONError(w, http.StatusNotFound, "artifact storage not configured")
		return
	}

	ref := r.PathValue("ref")
	data, mimeType, err := s.artifacts.Get(ref)
	if errors.Is(err, artifact.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", mimeType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

// statusForTurnError maps turn start failures to HTTP statuses
func statusForTurnError(err error) int {
	if errors.Is(err, orchestrator.ErrSessionBusy) {
		return http.StatusConflict
	}
	return http.StatusBadRequest
}
