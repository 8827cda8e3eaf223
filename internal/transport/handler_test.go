package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/routerstream/internal/broker"
	"github.com/rickgao/routerstream/internal/device/devicetest"
	"github.com/rickgao/routerstream/internal/pool"
)

const waitFor = 2 * time.Second

type testServer struct {
	handler *Handler
	broker  broker.Broker
	driver  *devicetest.Driver
	server  *httptest.Server
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	drv := &devicetest.Driver{}
	p := pool.New(pool.Config{IdleGrace: time.Minute, ConnectTimeout: time.Second}, drv, nil, nil)
	b := broker.New(broker.Config{ExecTimeout: time.Second, MaxExecTimeout: 5 * time.Second, OpenTimeout: time.Second},
		broker.Deps{Pool: p})
	h := NewHandler(cfg, b, nil, nil)
	srv := httptest.NewServer(h)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.Shutdown(ctx)
		srv.Close()
		b.Shutdown(ctx)
		p.Close()
	})
	return &testServer{handler: h, broker: b, driver: drv, server: srv}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

// next reads frames until one of the given type arrives.
func next(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(waitFor))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		if m["type"] == typ {
			return m
		}
	}
}

func (s *testServer) stream(t *testing.T, command string) *devicetest.Stream {
	t.Helper()
	var st *devicetest.Stream
	require.Eventually(t, func() bool {
		for _, c := range s.driver.Conns() {
			if ss := c.Streams(command); len(ss) > 0 {
				st = ss[len(ss)-1]
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
	return st
}

const subscribePing = `{"type":"subscribe","streamId":"s1","path":"/ping","params":{"address":"8.8.8.8"},
	"deviceConfig":{"host":"10.0.0.1","username":"admin","password":"pw"}}`

func TestHandler_SubscribeAndData(t *testing.T) {
	s := newTestServer(t, DefaultConfig())
	conn := s.dial(t)

	send(t, conn, subscribePing)
	sub := next(t, conn, "subscribed")
	assert.Equal(t, "s1", sub["streamId"])
	assert.NotEmpty(t, sub["internalStreamId"])

	st := s.stream(t, "/ping")
	assert.Equal(t, "8.8.8.8", st.Params["address"])
	st.Emit(map[string]int{"seq": 1})

	data := next(t, conn, "data")
	assert.Equal(t, "s1", data["streamId"])
	assert.Equal(t, "/ping", data["path"])
	assert.Equal(t, map[string]any{"seq": float64(1)}, data["data"])

	send(t, conn, `{"type":"unsubscribe","streamId":"s1"}`)
	next(t, conn, "unsubscribed")
	assert.Eventually(t, st.Closed, waitFor, 5*time.Millisecond)
}

func TestHandler_Exec(t *testing.T) {
	s := newTestServer(t, DefaultConfig())
	conn := s.dial(t)

	send(t, conn, `{"type":"exec","execId":"e1","command":"/system/identity/print",
		"deviceConfig":{"host":"10.0.0.1"}}`)
	res := next(t, conn, "exec:result")
	assert.Equal(t, "e1", res["execId"])
	rows, ok := res["result"].([]any)
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.Equal(t, "/system/identity/print", rows[0].(map[string]any)["command"])
}

func TestHandler_ProtocolErrors(t *testing.T) {
	s := newTestServer(t, DefaultConfig())
	conn := s.dial(t)

	send(t, conn, `not json`)
	m := next(t, conn, "error")
	assert.Equal(t, "protocol", m["error"])

	send(t, conn, `{"type":"exec","execId":"e2","deviceConfig":{"host":"h"}}`)
	m = next(t, conn, "error")
	assert.Equal(t, "protocol", m["error"])

	send(t, conn, `{"type":"exec","execId":"e3","command":"/x","timeout":-5,"deviceConfig":{"host":"h"}}`)
	m = next(t, conn, "error")
	assert.Equal(t, "protocol", m["error"])
	m = next(t, conn, "exec:error")
	assert.Equal(t, "e3", m["execId"])
	assert.Equal(t, "protocol", m["kind"])

	// The channel survives rejected messages.
	send(t, conn, subscribePing)
	next(t, conn, "subscribed")
}

func TestHandler_Stats(t *testing.T) {
	s := newTestServer(t, DefaultConfig())
	conn := s.dial(t)

	send(t, conn, subscribePing)
	next(t, conn, "subscribed")

	send(t, conn, `{"type":"stats"}`)
	m := next(t, conn, "stats:result")
	assert.Equal(t, float64(1), m["clients"])
	assert.Equal(t, float64(1), m["streams"])
	assert.Equal(t, float64(1), m["sessions"])
	details, ok := m["streamDetails"].([]any)
	require.True(t, ok)
	require.Len(t, details, 1)
	assert.Equal(t, "/ping", details[0].(map[string]any)["path"])
}

func TestHandler_DisconnectTearsDown(t *testing.T) {
	s := newTestServer(t, DefaultConfig())
	conn := s.dial(t)

	send(t, conn, subscribePing)
	next(t, conn, "subscribed")
	st := s.stream(t, "/ping")

	conn.Close()

	assert.Eventually(t, func() bool {
		return s.handler.Clients() == 0 && s.broker.Stats().Sessions == 0
	}, waitFor, 5*time.Millisecond)
	assert.Eventually(t, st.Closed, waitFor, 5*time.Millisecond)
}

func TestHandler_SharedAcrossClients(t *testing.T) {
	s := newTestServer(t, DefaultConfig())
	a := s.dial(t)
	b := s.dial(t)

	send(t, a, subscribePing)
	first := next(t, a, "subscribed")
	send(t, b, strings.Replace(subscribePing, `"s1"`, `"s2"`, 1))
	second := next(t, b, "subscribed")
	assert.Equal(t, first["internalStreamId"], second["internalStreamId"])

	st := s.stream(t, "/ping")
	st.Emit(map[string]int{"seq": 7})

	assert.Equal(t, "s1", next(t, a, "data")["streamId"])
	assert.Equal(t, "s2", next(t, b, "data")["streamId"])
	assert.Equal(t, 1, s.broker.Stats().Streams)
}

func TestHandler_OriginCheck(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://dash.example.com"}
	s := newTestServer(t, cfg)
	url := "ws" + strings.TrimPrefix(s.server.URL, "http")

	header := http.Header{"Origin": {"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": {"https://dash.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestOriginChecker(t *testing.T) {
	assert.Nil(t, originChecker(nil))

	anyOrigin := originChecker([]string{"*"})
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://whatever")
	assert.True(t, anyOrigin(r))

	only := originChecker([]string{"https://A.example.com/"})
	r.Header.Set("Origin", "https://a.example.com")
	assert.True(t, only(r))
	r.Header.Set("Origin", "https://b.example.com")
	assert.False(t, only(r))
}

func TestHandler_ShutdownClosesClients(t *testing.T) {
	s := newTestServer(t, DefaultConfig())
	conn := s.dial(t)
	send(t, conn, `{"type":"stats"}`)
	next(t, conn, "stats:result")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.handler.Shutdown(ctx))
	assert.Equal(t, 0, s.handler.Clients())

	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
