// Package server exposes the WebSocket endpoint and the health check over
// HTTP, optionally TLS-terminated.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seenspeak/seenspeak/internal/call"
	"github.com/seenspeak/seenspeak/internal/config"
	"github.com/seenspeak/seenspeak/internal/db"
	"github.com/seenspeak/seenspeak/internal/registry"
	"github.com/seenspeak/seenspeak/internal/router"
	"github.com/seenspeak/seenspeak/internal/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The channel carries its own encryption and auth; origin checks
		// add nothing for non-browser clients.
		return true
	},
}

// Server ties the transport endpoint to the signaling stack.
type Server struct {
	cfg      *config.Config
	rt       *router.Router
	reg      *registry.Registry
	coord    *call.Coordinator
	database *db.DB
}

// New creates a server.
func New(cfg *config.Config, rt *router.Router, reg *registry.Registry, coord *call.Coordinator, database *db.DB) *Server {
	return &Server{cfg: cfg, rt: rt, reg: reg, coord: coord, database: database}
}

// Run starts the listener and blocks until ctx is canceled. On shutdown it
// stops accepting, ends live calls, and closes the listener.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)

	httpSrv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.coord.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown", "error", err)
		}
	}()

	slog.Info("seenspeak server listening", "addr", s.cfg.Addr(), "tls", s.cfg.TLSEnabled())

	var err error
	if s.cfg.TLSEnabled() {
		err = httpSrv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		err = httpSrv.ListenAndServe()
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	go ws.Serve(conn, s.rt, s.reg, s.coord, ws.Config{
		HandshakeTimeout:  s.cfg.HandshakeTimeout,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		HeartbeatTimeout:  s.cfg.HeartbeatTimeout,
		MessageRate:       s.cfg.MessageRate,
		MessageBurst:      s.cfg.MessageBurst,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.database.Ping(); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":       status,
		"sessions":     s.reg.Count(),
		"active_calls": s.coord.ActiveCalls(),
	})
}
