// Package server assembles the HTTP surface: the browser WebSocket endpoint,
// health and stats endpoints, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/routerstream/internal/broker"
	"github.com/rickgao/routerstream/internal/transport"
	"github.com/rickgao/routerstream/internal/version"
)

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds listener settings.
type Config struct {
	Addr        string
	WSPath      string
	MetricsPath string
	InstanceID  string
}

// Server serves the broker over HTTP.
type Server struct {
	cfg     Config
	broker  broker.Broker
	ws      *transport.Handler
	db      Pinger
	gather  prometheus.Gatherer
	logger  *slog.Logger
	httpSrv *http.Server
}

// New creates a server. db and gather may be nil.
func New(cfg Config, b broker.Broker, ws *transport.Handler, db Pinger, gather prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gather == nil {
		gather = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:    cfg,
		broker: b,
		ws:     ws,
		db:     db,
		gather: gather,
		logger: logger,
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle(s.cfg.WSPath, s.ws)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	return r
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("http server listening", "addr", l.Addr().String(), "ws_path", s.cfg.WSPath)
	if err := s.httpSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown stops accepting requests, then disconnects browser channels.
// Hijacked WebSocket connections are not tracked by http.Server.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	if werr := s.ws.Shutdown(ctx); err == nil {
		err = werr
	}
	return err
}

type health struct {
	Status     string         `json:"status"`
	Instance   string         `json:"instance,omitempty"`
	Version    version.Info   `json:"version"`
	Components map[string]any `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h := health{
		Status:     "healthy",
		Instance:   s.cfg.InstanceID,
		Version:    version.Get(),
		Components: make(map[string]any),
	}

	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			h.Status = "degraded"
			h.Components["database"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			h.Components["database"] = "connected"
		}
	}

	stats := s.broker.Stats()
	h.Components["broker"] = map[string]int{
		"sessions":      stats.Sessions,
		"streams":       stats.Streams,
		"subscriptions": stats.Subscriptions,
		"clients":       s.ws.Clients(),
	}

	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		broker.Stats
		Clients int                 `json:"clients"`
		Details []broker.StreamInfo `json:"streamDetails"`
	}{s.broker.Stats(), s.ws.Clients(), s.broker.Streams()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
