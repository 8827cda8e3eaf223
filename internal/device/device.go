package device

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rickgao/routerstream/internal/auth"
)

// DefaultPort is used when a Config does not name one.
const DefaultPort = 8729

// Config describes how to reach and authenticate to one device.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	TLS      bool   `json:"tls,omitempty"`

	// RouterID references a stored router record. When set, a Resolver
	// fills in the remaining fields.
	RouterID string `json:"routerId,omitempty"`
}

// Identity returns the pooling key for this config.
func (c Config) Identity() Identity {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	creds := auth.Credentials{Username: c.Username, Password: c.Password}
	return Identity{
		Host:        strings.ToLower(c.Host),
		Port:        port,
		Fingerprint: creds.Fingerprint(),
	}
}

// Address returns host:port.
func (c Config) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Identity identifies a poolable device connection. Two configs with equal
// identities may share one connection.
type Identity struct {
	Host        string
	Port        int
	Fingerprint string
}

// String renders the identity for logs and map keys. The fingerprint is
// shortened since it is only there to split credentials.
func (id Identity) String() string {
	fp := id.Fingerprint
	if len(fp) > 12 {
		fp = fp[:12]
	}
	return fmt.Sprintf("%s:%d#%s", id.Host, id.Port, fp)
}

// Params are command parameters. Values are always strings on the device side.
type Params map[string]string

// ParamsFromPairs parses "key=value" items. A leading "=" (device API style)
// is tolerated.
func ParamsFromPairs(pairs []string) (Params, error) {
	p := make(Params, len(pairs))
	for _, item := range pairs {
		item = strings.TrimPrefix(item, "=")
		k, v, ok := strings.Cut(item, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed parameter %q: want key=value", item)
		}
		p[k] = v
	}
	return p, nil
}

// Normalize returns a canonical encoding used in stream signatures.
func (p Params) Normalize() string {
	if len(p) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(p[k])
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.String()
}

// Row is one result row of an executed command.
type Row map[string]any

// Event is one asynchronous item emitted by an open stream.
type Event struct {
	Data       json.RawMessage
	ReceivedAt time.Time
}

// Driver opens device sessions.
type Driver interface {
	// Connect authenticates to the device. Failures wrap ErrAuth or ErrNetwork.
	Connect(ctx context.Context, cfg Config) (Conn, error)
}

// Conn is one authenticated device session.
type Conn interface {
	// Execute runs a one-shot command. Device rejections are *CommandError.
	Execute(ctx context.Context, command string, params Params) ([]Row, error)

	// OpenStream starts a continuous command.
	OpenStream(ctx context.Context, command string, params Params) (Stream, error)

	// Done is closed when the session is no longer usable.
	Done() <-chan struct{}

	// Err reports why Done was closed.
	Err() error

	// Close ends the session and every stream on it.
	Close() error
}

// Stream is an open continuous command.
type Stream interface {
	// Events is closed when the stream stops for any reason.
	Events() <-chan Event

	// Err is valid after Events is closed. Nil means the device finished the
	// stream normally.
	Err() error

	// Close stops the stream on the device. Safe to call more than once.
	Close() error
}

// Resolver completes a Config that references a stored router record.
type Resolver interface {
	Resolve(ctx context.Context, cfg Config) (Config, error)
}
