// Package devicetest provides an in-memory device driver for tests.
package devicetest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/routerstream/internal/device"
)

// Driver is a scriptable device.Driver.
type Driver struct {
	// ConnectFunc, when set, runs before a connection is created. Returning an
	// error fails the connect.
	ConnectFunc func(ctx context.Context, cfg device.Config) error

	// ExecFunc and OpenFunc are copied into every new Conn.
	ExecFunc func(ctx context.Context, command string, params device.Params) ([]device.Row, error)
	OpenFunc func(ctx context.Context, command string, params device.Params) error

	// OnStream, when set, runs on every new stream before OpenStream returns
	// it. Emitting and ending here models a command whose output is complete
	// by the time the open is acknowledged.
	OnStream func(s *Stream)

	connects atomic.Int64

	mu    sync.Mutex
	conns []*Conn
}

// Connect implements device.Driver.
func (d *Driver) Connect(ctx context.Context, cfg device.Config) (device.Conn, error) {
	d.connects.Add(1)
	if d.ConnectFunc != nil {
		if err := d.ConnectFunc(ctx, cfg); err != nil {
			return nil, err
		}
	}
	c := &Conn{
		Config:   cfg,
		execFunc: d.ExecFunc,
		openFunc: d.OpenFunc,
		onStream: d.OnStream,
		done:     make(chan struct{}),
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// Connects returns how many times Connect was called.
func (d *Driver) Connects() int {
	return int(d.connects.Load())
}

// Conns returns every connection created so far.
func (d *Driver) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// LastConn returns the most recent connection or nil.
func (d *Driver) LastConn() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Conn is an in-memory device session.
type Conn struct {
	Config device.Config

	execFunc func(ctx context.Context, command string, params device.Params) ([]device.Row, error)
	openFunc func(ctx context.Context, command string, params device.Params) error
	onStream func(s *Stream)

	opens atomic.Int64
	execs atomic.Int64

	mu      sync.Mutex
	streams []*Stream
	done    chan struct{}
	err     error
}

// Execute implements device.Conn. Without an ExecFunc it echoes the command.
func (c *Conn) Execute(ctx context.Context, command string, params device.Params) ([]device.Row, error) {
	c.execs.Add(1)
	select {
	case <-c.done:
		return nil, c.Err()
	default:
	}
	if c.execFunc != nil {
		return c.execFunc(ctx, command, params)
	}
	row := device.Row{"command": command}
	for k, v := range params {
		row[k] = v
	}
	return []device.Row{row}, nil
}

// OpenStream implements device.Conn.
func (c *Conn) OpenStream(ctx context.Context, command string, params device.Params) (device.Stream, error) {
	c.opens.Add(1)
	if c.openFunc != nil {
		if err := c.openFunc(ctx, command, params); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	s := &Stream{
		Command: command,
		Params:  params,
		events:  make(chan device.Event, 1024),
	}
	c.streams = append(c.streams, s)
	c.mu.Unlock()

	if c.onStream != nil {
		c.onStream(s)
	}
	return s, nil
}

// Done implements device.Conn.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err implements device.Conn.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements device.Conn.
func (c *Conn) Close() error {
	c.fail(device.ErrClosed)
	return nil
}

// Drop simulates the device connection going away mid-stream.
func (c *Conn) Drop() {
	c.fail(device.ErrConnectionLost)
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	streams := append([]*Stream(nil), c.streams...)
	close(c.done)
	c.mu.Unlock()

	for _, s := range streams {
		s.End(err)
	}
}

// Closed reports whether the connection was closed or dropped.
func (c *Conn) Closed() bool {
	return c.Err() != nil
}

// Opens returns how many OpenStream calls reached this connection.
func (c *Conn) Opens() int {
	return int(c.opens.Load())
}

// Execs returns how many Execute calls reached this connection.
func (c *Conn) Execs() int {
	return int(c.execs.Load())
}

// Streams returns the streams opened for command.
func (c *Conn) Streams(command string) []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Stream
	for _, s := range c.streams {
		if s.Command == command {
			out = append(out, s)
		}
	}
	return out
}

// Stream is an in-memory event stream.
type Stream struct {
	Command string
	Params  device.Params

	events chan device.Event

	mu     sync.Mutex
	ended  bool
	closed bool
	err    error
}

// Emit sends one JSON event. It returns false once the stream has stopped.
func (s *Stream) Emit(data any) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.events <- device.Event{Data: raw, ReceivedAt: time.Now()}
	return true
}

// End stops the stream from the device side. A nil err is a natural end.
func (s *Stream) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.events)
}

// Events implements device.Stream.
func (s *Stream) Events() <-chan device.Event {
	return s.events
}

// Err implements device.Stream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements device.Stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.End(nil)
	return nil
}

// Closed reports whether the broker closed the stream.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
