// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/txbus/storage"
)

// readyTimeout bounds the store round-trip of a readiness probe.
const readyTimeout = 2 * time.Second

// Bus is the part of the bus the health server inspects.
type Bus interface {
	ID() string
	CountQueuedMessagesForClient(ctx context.Context, receiver storage.ClientID) (int, error)
	LoadState(ctx context.Context) (storage.Snapshot, error)
}

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config   Config
	bus      Bus
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

// New creates a new health check server.
func New(cfg Config, b Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: cfg,
		bus:    b,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/stats", s.handleStats)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address.
// Returns "" if server hasn't started listening yet.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server and blocks until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("Starting health check server", "address", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Health check server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements liveness probe.
// Returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady implements readiness probe.
// Returns 200 OK if a read unit against the store succeeds.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "bus not initialized",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if _, err := s.bus.CountQueuedMessagesForClient(ctx, 0); err != nil {
		s.logger.Warn("Readiness probe failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "store unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

// StatsResponse summarizes the bus state.
type StatsResponse struct {
	BusID                 string `json:"bus_id"`
	ConnectedClients      int    `json:"connected_clients"`
	Clients               int    `json:"clients"`
	SenderRegistrations   int    `json:"sender_registrations"`
	ReceiverRegistrations int    `json:"receiver_registrations"`
	QueuedMessages        int    `json:"queued_messages"`
	CancellableMessages   int    `json:"cancellable_messages"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.bus == nil {
		http.Error(w, "bus not initialized", http.StatusServiceUnavailable)
		return
	}

	snap, err := s.bus.LoadState(r.Context())
	if err != nil {
		s.logger.Warn("Failed to load bus state", "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := StatsResponse{
		BusID:                 s.bus.ID(),
		Clients:               len(snap.Clients),
		SenderRegistrations:   len(snap.Sendable),
		ReceiverRegistrations: len(snap.Receivable),
		QueuedMessages:        len(snap.Messages),
		CancellableMessages:   len(snap.Cancellable),
	}
	for _, c := range snap.Clients {
		if c.Connected() {
			resp.ConnectedClients++
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
