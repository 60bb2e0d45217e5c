// Package server exposes the engine over HTTP: orchestration (JSON or SSE),
// the cron-protected due poller, chat, and the confirmation-record surface.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/confirmbot/confirmd/internal/chat"
	"github.com/confirmbot/confirmd/internal/config"
	"github.com/confirmbot/confirmd/internal/debug"
	"github.com/confirmbot/confirmd/internal/orchestrator"
	"github.com/confirmbot/confirmd/internal/poller"
	"github.com/confirmbot/confirmd/internal/storage"
)

// Server wires the HTTP handlers to the engine.
type Server struct {
	cfg        *config.Config
	store      storage.Storage
	orch       *orchestrator.Orchestrator
	poll       *poller.Poller
	chat       *chat.Chat // nil when no API key is configured
	httpServer *http.Server
	listener   net.Listener
}

// New creates a server. chat may be nil.
func New(cfg *config.Config, store storage.Storage, orch *orchestrator.Orchestrator, poll *poller.Poller, chatDriver *chat.Chat) *Server {
	return &Server{cfg: cfg, store: store, orch: orch, poll: poll, chat: chatDriver}
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/agent/ack-orchestrate", s.handleOrchestrate)
	mux.HandleFunc("/agent/poll-due", s.handlePollDue)
	mux.HandleFunc("/agent/chat", s.handleChat)
	mux.HandleFunc("/confirmations/records", s.handleRecords)
	mux.HandleFunc("/confirmations/records/upsert", s.handleRecordUpsert)
	mux.HandleFunc("/confirmations/reset", s.handleReset)

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var err error
	s.listener, err = net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	debug.PrintNormal("listening on %s\n", s.listener.Addr())
	if err := s.httpServer.Serve(s.listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address once Start has run.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.ListenAddr
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// cronAuthorized does a constant-time check of the cron secret header.
func (s *Server) cronAuthorized(r *http.Request) bool {
	if s.cfg.CronSecret == "" {
		return false
	}
	got := r.Header.Get("X-CRON-SECRET")
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.CronSecret)) == 1
}
