// Package monitor exposes the connection pool over HTTP.
//
// Routes:
//
//	GET    /health             pool stats and database reachability
//	GET    /connections        every connection, sorted by id
//	GET    /connections/{id}   one connection
//	DELETE /connections/{id}   disconnect
//	POST   /network/offline    forward a network loss signal
//	POST   /network/online     forward a network recovery signal
//	POST   /visibility         forward a became-visible signal
//	GET    /events             websocket feed of bus events
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/rickgao/kitchen-stream/internal/connection"
)

// Health statuses.
const (
	StatusOK          = "ok"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
)

// Pool is the subset of the connection pool the monitor uses.
type Pool interface {
	GetConnection(id string) (connection.ConnectionInfo, bool)
	GetAllConnections() []connection.ConnectionInfo
	GetStats() connection.PoolStats
	Disconnect(id string)
	NetworkOffline()
	NetworkOnline()
	Visible()
	OnConnection(fn func(connection.ConnectionEvent)) *connection.Subscription
	OnMessage(fn func(connection.MessageEvent)) *connection.Subscription
	Off(sub *connection.Subscription)
}

// Pinger checks a dependency. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string               `json:"status"`
	Stats    connection.PoolStats `json:"stats"`
	Database string               `json:"database,omitempty"`
}

// Server serves the monitor routes.
type Server struct {
	addr     string
	pool     Pool
	db       Pinger
	logger   *slog.Logger
	upgrader websocket.Upgrader
	router   chi.Router

	srv      *http.Server
	listener net.Listener

	// Hijacked feed connections are not closed by http.Server.Shutdown
	feedsMu sync.Mutex
	feeds   map[*websocket.Conn]struct{}
	closing bool
	feedWG  sync.WaitGroup
}

// NewServer creates a monitor server. db may be nil.
func NewServer(addr string, pool Pool, db Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		addr:   addr,
		pool:   pool,
		db:     db,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		feeds: make(map[*websocket.Conn]struct{}),
	}
	s.router = s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/connections", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Delete("/{id}", s.handleDisconnect)
	})
	r.Post("/network/offline", s.handleSignal(s.pool.NetworkOffline))
	r.Post("/network/online", s.handleSignal(s.pool.NetworkOnline))
	r.Post("/visibility", s.handleSignal(s.pool.Visible))
	r.Get("/events", s.handleEvents)

	return r
}

// Start begins listening. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("monitor server failed", "error", err)
		}
	}()

	s.logger.Info("monitor listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	if s.srv != nil {
		shutdownErr = s.srv.Shutdown(ctx)
	}
	if err := s.closeFeeds(ctx); err != nil {
		return err
	}
	if shutdownErr != nil {
		return fmt.Errorf("shutdown monitor: %w", shutdownErr)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: StatusOK,
		Stats:  s.pool.GetStats(),
	}
	code := http.StatusOK

	if resp.Stats.TotalConnections > 0 && resp.Stats.ActiveConnections == 0 {
		resp.Status = StatusDegraded
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			resp.Status = StatusUnavailable
			resp.Database = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			resp.Database = StatusOK
		}
	}

	s.writeJSON(w, code, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pool.GetAllConnections())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, ok := s.pool.GetConnection(id)
	if !ok {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.pool.GetConnection(id); !ok {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}
	s.pool.Disconnect(id)
	s.logger.Info("connection disconnected via monitor", "conn_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSignal(fn func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn()
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", "error", err)
	}
}
