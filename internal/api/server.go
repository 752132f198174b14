// Package api exposes a read-only JSON status endpoint for the bot.
// It reports the current position, risk ledger and last decision; it
// never accepts commands.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"krakenbot/internal/config"
	"krakenbot/pkg/types"
)

// Status is the payload served on /api/status.
type Status struct {
	Pair          string          `json:"pair"`
	DryRun        bool            `json:"dry_run"`
	StartedAt     time.Time       `json:"started_at"`
	LastPrice     float64         `json:"last_price"`
	Position      types.Position  `json:"position"`
	Risk          types.RiskState `json:"risk"`
	LastDecision  *types.Decision `json:"last_decision,omitempty"`
	LastReasons   []string        `json:"last_reasons,omitempty"`
	LastEvaluated time.Time       `json:"last_evaluated,omitzero"`
}

// StatusProvider supplies the current status on demand.
type StatusProvider interface {
	Status() Status
}

// Server is the HTTP status server.
type Server struct {
	cfg      config.StatusConfig
	provider StatusProvider
	server   *http.Server
	logger   *slog.Logger
}

// NewServer builds the server; it does not start listening.
func NewServer(cfg config.StatusConfig, provider StatusProvider, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		logger:   logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the server until Stop is called. Blocking.
func (s *Server) Start() error {
	s.logger.Info("status server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.provider.Status()); err != nil {
		s.logger.Error("encode status", "error", err)
	}
}
