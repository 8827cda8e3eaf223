package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rickgao/routerstream/internal/broker"
	"github.com/rickgao/routerstream/internal/device"
)

// Inbound message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeExec        = "exec"
	TypeStats       = "stats"
)

// TypeStatsResult answers a stats request.
const TypeStatsResult = "stats:result"

// inbound is the union of every client message.
type inbound struct {
	Type         string          `json:"type"`
	Path         json.RawMessage `json:"path,omitempty"`
	StreamID     string          `json:"streamId,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
	DeviceConfig *device.Config  `json:"deviceConfig,omitempty"`
	Mode         string          `json:"mode,omitempty"`
	Command      string          `json:"command,omitempty"`
	ExecID       string          `json:"execId,omitempty"`
	Timeout      *int64          `json:"timeout,omitempty"` // milliseconds
}

// decodeInbound parses and validates one client frame.
func decodeInbound(data []byte) (*inbound, error) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, broker.ProtocolError("malformed message: %v", err)
	}
	switch msg.Type {
	case TypeSubscribe:
		if msg.DeviceConfig == nil {
			return &msg, broker.ProtocolError("subscribe requires deviceConfig")
		}
	case TypeExec:
		if msg.DeviceConfig == nil {
			return &msg, broker.ProtocolError("exec requires deviceConfig")
		}
		if msg.Command == "" {
			return &msg, broker.ProtocolError("exec requires a command")
		}
	case TypeUnsubscribe:
		if msg.StreamID == "" {
			return &msg, broker.ProtocolError("unsubscribe requires streamId")
		}
	case TypeStats:
	case "":
		return &msg, broker.ProtocolError("message has no type")
	default:
		return &msg, broker.ProtocolError("unknown message type %q", msg.Type)
	}
	return &msg, nil
}

func (m *inbound) subscribeRequest() (broker.SubscribeRequest, error) {
	paths, err := decodePaths(m.Path)
	if err != nil {
		return broker.SubscribeRequest{}, err
	}
	params, err := decodeParams(m.Params)
	if err != nil {
		return broker.SubscribeRequest{}, err
	}
	return broker.SubscribeRequest{
		StreamID: m.StreamID,
		Paths:    paths,
		Params:   params,
		Device:   *m.DeviceConfig,
		Mode:     broker.Mode(m.Mode),
	}, nil
}

func (m *inbound) execRequest() (broker.ExecRequest, error) {
	params, err := decodeParams(m.Params)
	if err != nil {
		return broker.ExecRequest{}, err
	}
	req := broker.ExecRequest{
		ExecID:  m.ExecID,
		Command: m.Command,
		Params:  params,
		Device:  *m.DeviceConfig,
	}
	if m.Timeout != nil {
		if *m.Timeout <= 0 {
			return req, broker.ProtocolError("exec timeout must be positive")
		}
		req.Timeout = time.Duration(*m.Timeout) * time.Millisecond
	}
	return req, nil
}

// decodePaths accepts a single path or an ordered list.
func decodePaths(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, broker.ProtocolError("subscribe requires a path")
	}
	if raw[0] == '[' {
		var paths []string
		if err := json.Unmarshal(raw, &paths); err != nil {
			return nil, broker.ProtocolError("path must be a string or a list of strings")
		}
		return paths, nil
	}
	var path string
	if err := json.Unmarshal(raw, &path); err != nil {
		return nil, broker.ProtocolError("path must be a string or a list of strings")
	}
	return []string{path}, nil
}

// decodeParams accepts an object of scalar values or a list of "key=value"
// strings.
func decodeParams(raw json.RawMessage) (device.Params, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return device.Params{}, nil
	}

	if raw[0] == '[' {
		var pairs []string
		if err := json.Unmarshal(raw, &pairs); err != nil {
			return nil, broker.ProtocolError("params list must contain key=value strings")
		}
		p, err := device.ParamsFromPairs(pairs)
		if err != nil {
			return nil, broker.ProtocolError("%v", err)
		}
		return p, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, broker.ProtocolError("params must be an object or a list")
	}
	p := make(device.Params, len(obj))
	for k, v := range obj {
		s, err := scalar(v)
		if err != nil {
			return nil, broker.ProtocolError("param %q: %v", k, err)
		}
		p[k] = s
	}
	return p, nil
}

func scalar(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("value must be a scalar, got %T", v)
	}
}

// outbound is the union of every broker-to-client message.
type outbound struct {
	Type             string          `json:"type"`
	StreamID         string          `json:"streamId,omitempty"`
	InternalStreamID string          `json:"internalStreamId,omitempty"`
	Path             string          `json:"path,omitempty"`
	ExecID           string          `json:"execId,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
	Result           []device.Row    `json:"result,omitempty"`
	Message          string          `json:"message,omitempty"`
	Error            string          `json:"error,omitempty"`
	Kind             string          `json:"kind,omitempty"`
	Timestamp        int64           `json:"timestamp,omitempty"` // unix milliseconds
}

// encodeNotice renders a broker notice as a wire frame.
func encodeNotice(n broker.Notice) ([]byte, error) {
	out := outbound{
		Type:             string(n.Type),
		StreamID:         n.StreamID,
		InternalStreamID: n.InternalStreamID,
		Path:             n.Path,
		ExecID:           n.ExecID,
		Data:             n.Data,
	}
	if !n.Timestamp.IsZero() {
		out.Timestamp = n.Timestamp.UnixMilli()
	}

	switch n.Type {
	case broker.NoticeExecResult:
		out.Result = n.Rows
		if out.Result == nil {
			out.Result = []device.Row{}
		}
		// An empty result still has to show up on the wire.
		return encodeExecResult(out)
	case broker.NoticeExecError:
		if n.Err != nil {
			out.Error = n.Err.Message
			out.Kind = string(n.Err.Kind)
		}
	case broker.NoticeError:
		if n.Err != nil {
			out.Message = n.Err.Message
			out.Error = string(n.Err.Kind)
		}
	}
	return json.Marshal(out)
}

func encodeExecResult(out outbound) ([]byte, error) {
	return json.Marshal(struct {
		Type      string       `json:"type"`
		ExecID    string       `json:"execId"`
		Result    []device.Row `json:"result"`
		Timestamp int64        `json:"timestamp,omitempty"`
	}{out.Type, out.ExecID, out.Result, out.Timestamp})
}

// channelError builds a channel-wide error frame for a rejected message.
func channelError(err error, streamID, path string) []byte {
	kind := broker.KindOf(err, broker.KindProtocol)
	msg := err.Error()
	var be *broker.Error
	if errors.As(err, &be) {
		msg = be.Message
	}
	data, _ := json.Marshal(outbound{
		Type:      string(broker.NoticeError),
		StreamID:  streamID,
		Path:      path,
		Message:   msg,
		Error:     string(kind),
		Timestamp: time.Now().UnixMilli(),
	})
	return data
}

// execError builds an exec:error frame for an exec rejected before it ran.
func execError(err error, execID string) []byte {
	msg := err.Error()
	var be *broker.Error
	if errors.As(err, &be) {
		msg = be.Message
	}
	data, _ := json.Marshal(outbound{
		Type:      string(broker.NoticeExecError),
		ExecID:    execID,
		Error:     msg,
		Kind:      string(broker.KindOf(err, broker.KindProtocol)),
		Timestamp: time.Now().UnixMilli(),
	})
	return data
}

// statsResult wraps broker stats for the wire.
type statsResult struct {
	Type string `json:"type"`
	broker.Stats
	Clients int                 `json:"clients"`
	Details []broker.StreamInfo `json:"streamDetails,omitempty"`
}

func joinPaths(raw json.RawMessage) string {
	paths, err := decodePaths(raw)
	if err != nil {
		return ""
	}
	return strings.Join(paths, ",")
}
