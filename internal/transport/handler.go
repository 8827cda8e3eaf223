package transport

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/routerstream/internal/broker"
	"github.com/rickgao/routerstream/internal/metrics"
)

// Config configures the browser WebSocket endpoint.
type Config struct {
	ReadTimeout    time.Duration // max silence from a client, pongs included
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendQueueLimit int      // outbound frames buffered per client
	AllowedOrigins []string // empty = same origin only, "*" = any
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   25 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendQueueLimit: 4096,
	}
}

// Handler upgrades browser connections and serves them.
type Handler struct {
	cfg      Config
	broker   broker.Broker
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	wg      sync.WaitGroup
	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHandler creates a handler serving b.
func NewHandler(cfg Config, b broker.Broker, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		cfg:     cfg,
		broker:  b,
		metrics: m,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

// originChecker returns nil (gorilla's same-origin check) when no origins are
// configured.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(r *http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return set[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := newClient(h, conn)
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.wg.Add(1)
	defer h.wg.Done()
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	c.run()
}

// Clients returns the number of connected browser channels.
func (h *Handler) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown disconnects every client and waits for their teardown.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
