// Package server wires the marketplace engine behind an HTTP listener:
// the JSON API, a liveness endpoint, and the websocket event feed.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/renftlabs/renft-server/internal/assets"
	"github.com/renftlabs/renft-server/internal/audit"
	"github.com/renftlabs/renft-server/internal/config"
	"github.com/renftlabs/renft-server/internal/market"
)

var log = logging.Logger("server")

// Server owns the engine's stores and the HTTP listener.
type Server struct {
	config     *config.Config
	store      *market.Store
	ledger     *assets.Ledger
	trail      *audit.Trail
	service    *market.Service
	httpServer *http.Server
	mux        *http.ServeMux
	upgrader   websocket.Upgrader
}

// New creates a server: opens the stores under the configured storage path
// and wires the marketplace service and its routes.
func New(cfg *config.Config) (*Server, error) {
	basePath := cfg.Storage.Path
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	store, err := market.NewStore(filepath.Join(basePath, "market.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open market store: %w", err)
	}

	ledger, err := assets.NewLedger(filepath.Join(basePath, "assets.db"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open asset ledger: %w", err)
	}

	trail, err := audit.NewTrail(basePath)
	if err != nil {
		ledger.Close()
		store.Close()
		return nil, fmt.Errorf("failed to open audit trail: %w", err)
	}

	service := market.NewService(store, ledger, ledger, clock.New(), trail)

	s := &Server{
		config:  cfg,
		store:   store,
		ledger:  ledger,
		trail:   trail,
		service: service,
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

// Service exposes the marketplace service (used by the CLI for seeding).
func (s *Server) Service() *market.Service {
	return s.service
}

// Ledger exposes the asset custody ledger.
func (s *Server) Ledger() *assets.Ledger {
	return s.ledger
}

func (s *Server) registerRoutes() {
	api := market.NewAPIHandler(s.service)
	api.RegisterRoutes(s.mux)

	s.mux.HandleFunc("/api/market/events", s.handleEvents)
	s.mux.HandleFunc("/api/market/audit", s.handleAudit)
	s.mux.HandleFunc("/health", s.handleHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleEvents upgrades the connection and streams committed transitions
// until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("Failed to upgrade event subscriber: %v", err)
		return
	}

	events, cancel := s.service.Subscribe(s.config.Events.Buffer)
	defer cancel()
	defer conn.Close()

	// Drain reads so close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			log.Debugf("Event subscriber gone: %v", err)
			return
		}
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Query().Get("verify") == "true" {
		if err := s.trail.Verify(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	entries, err := s.trail.Recent(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("Failed to encode response: %v", err)
	}
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	log.Infof("Marketplace API listening on %s", s.config.Server.Listen)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the listener and closes the stores.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.trail.Close()
	s.ledger.Close()
	s.store.Close()
	return err
}
