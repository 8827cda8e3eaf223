package connection

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rickgao/routerstream/internal/device"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrAlreadyClosed   = errors.New("already closed")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// Request ops.
const (
	OpExecute = "execute"
	OpListen  = "listen"
	OpCancel  = "cancel"
)

// Reply types.
const (
	ReplyDone  = "done"  // execute finished, or listen accepted
	ReplyError = "error" // command rejected or stream failed
	ReplyEvent = "event" // one stream item
	ReplyEnd   = "end"   // stream finished normally
)

// Request is a frame sent to the bridge.
type Request struct {
	ID      int64             `json:"id"`
	Op      string            `json:"op"`
	Command string            `json:"command,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

// Reply is a frame received from the bridge.
type Reply struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Rows    []device.Row    `json:"rows,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // ws://host:port/path
	Username         string        // HTTP Basic credentials
	Password         string        //
	HandshakeTimeout time.Duration // Bound on the HTTP upgrade
	PingInterval     time.Duration // How often we ping the bridge
	PingTimeout      time.Duration // Max time without pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DriverConfig configures the bridge driver.
type DriverConfig struct {
	Scheme           string // "ws" or "wss"; device TLS forces "wss"
	Path             string // bridge endpoint path
	HandshakeTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	BufferSize       int // per-connection and per-stream buffer
}

// DefaultDriverConfig returns sensible defaults.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		Scheme:           "ws",
		Path:             "/api/stream",
		HandshakeTimeout: 10 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1024,
	}
}
