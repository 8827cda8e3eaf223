package broker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rickgao/routerstream/internal/device"
	"github.com/rickgao/routerstream/internal/pool"
)

// Config holds broker timeouts.
type Config struct {
	ExecTimeout    time.Duration // used when an exec names no timeout
	MaxExecTimeout time.Duration // upper bound on a requested timeout
	OpenTimeout    time.Duration // bound on a device-level stream open
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		ExecTimeout:    5 * time.Second,
		MaxExecTimeout: 2 * time.Minute,
		OpenTimeout:    10 * time.Second,
	}
}

// Mode selects how a subscription receives events.
type Mode string

const (
	// ModeDirect delivers events of the subscription's own stream as "data".
	ModeDirect Mode = "direct"
	// ModeBroadcast delivers events of every stream on the same path as
	// "broadcast".
	ModeBroadcast Mode = "broadcast"
)

// Signature identifies a shareable physical stream.
type Signature struct {
	Device device.Identity
	Path   string
	Params string // normalized
}

// InternalID is a stable hash of the signature.
func (s Signature) InternalID() string {
	h := sha256.New()
	h.Write([]byte(s.Device.String()))
	h.Write([]byte{0})
	h.Write([]byte(s.Device.Fingerprint))
	h.Write([]byte{0})
	h.Write([]byte(s.Path))
	h.Write([]byte{0})
	h.Write([]byte(s.Params))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (s Signature) String() string {
	return s.Device.String() + s.Path + s.Params
}

// SubscribeRequest asks for a continuous feed.
type SubscribeRequest struct {
	StreamID string // optional; generated when empty
	Paths    []string
	Params   device.Params
	Device   device.Config
	Mode     Mode
}

// ExecRequest asks for a one-shot command.
type ExecRequest struct {
	ExecID  string // optional; generated when empty
	Command string
	Params  device.Params
	Device  device.Config
	Timeout time.Duration // zero uses Config.ExecTimeout
}

// NoticeType names a broker-to-client message.
type NoticeType string

const (
	NoticeData         NoticeType = "data"
	NoticeBroadcast    NoticeType = "broadcast"
	NoticeSubscribed   NoticeType = "subscribed"
	NoticeUnsubscribed NoticeType = "unsubscribed"
	NoticeEnded        NoticeType = "stream:ended"
	NoticeError        NoticeType = "error"
	NoticeExecResult   NoticeType = "exec:result"
	NoticeExecError    NoticeType = "exec:error"
)

// Notice is one message for a client. Which fields are set depends on Type.
type Notice struct {
	Type             NoticeType
	StreamID         string
	InternalStreamID string
	Path             string
	ExecID           string
	Data             json.RawMessage
	Rows             []device.Row
	Err              *Error
	Timestamp        time.Time
}

// Sink receives notices for one client. Send must not block; an error marks
// the delivery as failed.
type Sink interface {
	Send(n Notice) error
}

// CommandRecord describes a resolved exec, for auditing.
type CommandRecord struct {
	ExecID    string
	SessionID string
	Device    string
	Command   string
	Params    device.Params
	Outcome   string // ok, error, timeout, cancelled
	ErrorKind Kind
	Error     string
	Rows      int
	IssuedAt  time.Time
	Duration  time.Duration
}

// Recorder consumes resolved commands. Record must not block.
type Recorder interface {
	Record(rec CommandRecord)
}

// Stats is a point-in-time view of the broker.
type Stats struct {
	Pool            pool.Stats     `json:"pool"`
	Devices         int            `json:"devices"`
	Streams         int            `json:"streams"`
	Subscriptions   int            `json:"subscriptions"`
	ByState         map[string]int `json:"subscriptionsByState"`
	Sessions        int            `json:"sessions"`
	PendingCommands int            `json:"pendingCommands"`
}
