package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/routerstream/internal/broker"
	"github.com/rickgao/routerstream/internal/device/devicetest"
	"github.com/rickgao/routerstream/internal/metrics"
	"github.com/rickgao/routerstream/internal/pool"
	"github.com/rickgao/routerstream/internal/transport"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestServer(t *testing.T, db Pinger) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	p := pool.New(pool.DefaultConfig(), &devicetest.Driver{}, m, nil)
	b := broker.New(broker.DefaultConfig(), broker.Deps{Pool: p, Metrics: m})
	ws := transport.NewHandler(transport.DefaultConfig(), b, m, nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ws.Shutdown(ctx)
		b.Shutdown(ctx)
		p.Close()
	})

	cfg := Config{Addr: "127.0.0.1:0", WSPath: "/ws", MetricsPath: "/metrics", InstanceID: "test-1"}
	return New(cfg, b, ws, db, reg, nil)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, pingerFunc(func(context.Context) error { return nil }))

	rec := get(t, s.Routes(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test-1", body["instance"])
	components := body["components"].(map[string]any)
	assert.Equal(t, "connected", components["database"])
	assert.Contains(t, components, "broker")
}

func TestHealth_DatabaseDown(t *testing.T) {
	s := newTestServer(t, pingerFunc(func(context.Context) error { return errors.New("connection refused") }))

	rec := get(t, s.Routes(), "/health")
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
}

func TestStats(t *testing.T) {
	s := newTestServer(t, nil)

	rec := get(t, s.Routes(), "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(0), body["streams"])
	assert.Equal(t, float64(0), body["clients"])
	assert.Contains(t, body, "pool")
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t, nil)

	rec := get(t, s.Routes(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "routerstream_")
}

func TestServeAndShutdown(t *testing.T) {
	s := newTestServer(t, nil)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(l) }()

	url := "ws://" + l.Addr().String() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stats"}`)))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"stats:result"`))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-errCh)

	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
