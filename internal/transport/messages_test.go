package transport

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/routerstream/internal/broker"
	"github.com/rickgao/routerstream/internal/device"
)

func TestDecodeInbound_Subscribe(t *testing.T) {
	msg, err := decodeInbound([]byte(`{
		"type": "subscribe",
		"path": "/interface/monitor-traffic",
		"streamId": "s1",
		"params": {"interface": "ether1", "once": false, "count": 3},
		"deviceConfig": {"host": "10.0.0.1", "username": "admin", "password": "pw"}
	}`))
	require.NoError(t, err)

	req, err := msg.subscribeRequest()
	require.NoError(t, err)
	assert.Equal(t, "s1", req.StreamID)
	assert.Equal(t, []string{"/interface/monitor-traffic"}, req.Paths)
	assert.Equal(t, device.Params{"interface": "ether1", "once": "false", "count": "3"}, req.Params)
	assert.Equal(t, "10.0.0.1", req.Device.Host)
	assert.Equal(t, "admin", req.Device.Username)
}

func TestDecodeInbound_PathListAndPairs(t *testing.T) {
	msg, err := decodeInbound([]byte(`{
		"type": "subscribe",
		"path": ["/a", "/b"],
		"params": ["=interval=1", "address=1.1.1.1"],
		"deviceConfig": {"routerId": "r1"},
		"mode": "broadcast"
	}`))
	require.NoError(t, err)

	req, err := msg.subscribeRequest()
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, req.Paths)
	assert.Equal(t, device.Params{"interval": "1", "address": "1.1.1.1"}, req.Params)
	assert.Equal(t, broker.ModeBroadcast, req.Mode)
	assert.Equal(t, "r1", req.Device.RouterID)
}

func TestDecodeInbound_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"malformed", `{"type":`},
		{"no type", `{}`},
		{"unknown type", `{"type":"bogus"}`},
		{"subscribe without device", `{"type":"subscribe","path":"/x"}`},
		{"exec without command", `{"type":"exec","deviceConfig":{"host":"h"}}`},
		{"exec without device", `{"type":"exec","command":"/x"}`},
		{"unsubscribe without id", `{"type":"unsubscribe"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeInbound([]byte(tt.in))
			require.Error(t, err)
			assert.Equal(t, broker.KindProtocol, broker.KindOf(err, broker.KindConnection))
		})
	}
}

func TestSubscribeRequest_BadParams(t *testing.T) {
	tests := []string{
		`{"type":"subscribe","deviceConfig":{"host":"h"}}`,
		`{"type":"subscribe","path":42,"deviceConfig":{"host":"h"}}`,
		`{"type":"subscribe","path":"/x","params":{"a":{"b":1}},"deviceConfig":{"host":"h"}}`,
		`{"type":"subscribe","path":"/x","params":["novalue"],"deviceConfig":{"host":"h"}}`,
		`{"type":"subscribe","path":"/x","params":"x","deviceConfig":{"host":"h"}}`,
	}
	for _, in := range tests {
		msg, err := decodeInbound([]byte(in))
		require.NoError(t, err, in)
		_, err = msg.subscribeRequest()
		assert.Error(t, err, in)
		assert.Equal(t, broker.KindProtocol, broker.KindOf(err, broker.KindConnection), in)
	}
}

func TestExecRequest_Timeout(t *testing.T) {
	msg, err := decodeInbound([]byte(`{"type":"exec","execId":"e1","command":"/system/resource/print","timeout":1500,"deviceConfig":{"host":"h"}}`))
	require.NoError(t, err)
	req, err := msg.execRequest()
	require.NoError(t, err)
	assert.Equal(t, "e1", req.ExecID)
	assert.Equal(t, 1500*time.Millisecond, req.Timeout)

	msg, err = decodeInbound([]byte(`{"type":"exec","command":"/x","timeout":0,"deviceConfig":{"host":"h"}}`))
	require.NoError(t, err)
	_, err = msg.execRequest()
	assert.Error(t, err)
}

func decodeFrame(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestEncodeNotice_Data(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	data, err := encodeNotice(broker.Notice{
		Type:             broker.NoticeData,
		StreamID:         "s1",
		InternalStreamID: "abc",
		Path:             "/ping",
		Data:             json.RawMessage(`{"seq":1}`),
		Timestamp:        ts,
	})
	require.NoError(t, err)

	m := decodeFrame(t, data)
	assert.Equal(t, "data", m["type"])
	assert.Equal(t, "s1", m["streamId"])
	assert.Equal(t, "abc", m["internalStreamId"])
	assert.Equal(t, "/ping", m["path"])
	assert.Equal(t, map[string]any{"seq": float64(1)}, m["data"])
	assert.Equal(t, float64(1700000000123), m["timestamp"])
}

func TestEncodeNotice_EmptyExecResult(t *testing.T) {
	data, err := encodeNotice(broker.Notice{Type: broker.NoticeExecResult, ExecID: "e1"})
	require.NoError(t, err)

	m := decodeFrame(t, data)
	assert.Equal(t, "exec:result", m["type"])
	assert.Equal(t, "e1", m["execId"])
	assert.Equal(t, []any{}, m["result"])
}

func TestEncodeNotice_Errors(t *testing.T) {
	data, err := encodeNotice(broker.Notice{
		Type:     broker.NoticeError,
		StreamID: "s1",
		Err:      &broker.Error{Kind: broker.KindConnection, Message: "device connection lost"},
	})
	require.NoError(t, err)
	m := decodeFrame(t, data)
	assert.Equal(t, "error", m["type"])
	assert.Equal(t, "device connection lost", m["message"])
	assert.Equal(t, "connection", m["error"])

	data, err = encodeNotice(broker.Notice{
		Type:   broker.NoticeExecError,
		ExecID: "e1",
		Err:    &broker.Error{Kind: broker.KindTimeout, Message: "command timed out"},
	})
	require.NoError(t, err)
	m = decodeFrame(t, data)
	assert.Equal(t, "exec:error", m["type"])
	assert.Equal(t, "command timed out", m["error"])
	assert.Equal(t, "timeout", m["kind"])
}

func TestChannelError(t *testing.T) {
	m := decodeFrame(t, channelError(broker.ProtocolError("bad"), "s1", "/a,/b"))
	assert.Equal(t, "error", m["type"])
	assert.Equal(t, "s1", m["streamId"])
	assert.Equal(t, "/a,/b", m["path"])
	assert.Equal(t, "bad", m["message"])
	assert.Equal(t, "protocol", m["error"])

	m = decodeFrame(t, execError(errors.New("boom"), "e1"))
	assert.Equal(t, "exec:error", m["type"])
	assert.Equal(t, "boom", m["error"])
	assert.Equal(t, "protocol", m["kind"])
}

func TestJoinPaths(t *testing.T) {
	assert.Equal(t, "/a", joinPaths(json.RawMessage(`"/a"`)))
	assert.Equal(t, "/a,/b", joinPaths(json.RawMessage(`["/a","/b"]`)))
	assert.Equal(t, "", joinPaths(nil))
}
