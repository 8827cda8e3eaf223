package pool

import (
	"context"
	"sync"
	"time"

	"github.com/rickgao/routerstream/internal/device"
)

// State is the lifecycle state of a pooled connection.
type State int

const (
	StateIdle       State = iota // ready, unreferenced, scheduled for closure
	StateConnecting              // dial in progress
	StateReady                   // ready and referenced
	StateFailed                  // dial failed or device dropped the session
	StateClosed                  // closed by the pool
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is a pooled device connection. Holders must call Pool.Release exactly
// once per successful Acquire.
type Conn struct {
	identity device.Identity

	mu           sync.Mutex
	state        State
	refs         int
	lastActivity time.Time
	idleGen      uint64
	idleTimer    *time.Timer
	dev          device.Conn
}

// Identity returns the pooling key.
func (c *Conn) Identity() device.Identity {
	return c.identity
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Refs returns the current reference count.
func (c *Conn) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// LastActivity returns when the connection was last used.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Execute runs a one-shot command on the device.
func (c *Conn) Execute(ctx context.Context, command string, params device.Params) ([]device.Row, error) {
	c.touch()
	return c.dev.Execute(ctx, command, params)
}

// OpenStream opens a continuous command on the device.
func (c *Conn) OpenStream(ctx context.Context, command string, params device.Params) (device.Stream, error) {
	c.touch()
	return c.dev.OpenStream(ctx, command, params)
}

// Touch records activity, e.g. an event received on one of its streams.
func (c *Conn) Touch() {
	c.touch()
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// retain adds a reference if the connection is usable.
func (c *Conn) retain() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady && c.state != StateIdle {
		return false
	}
	c.refs++
	c.state = StateReady
	c.lastActivity = time.Now()
	c.cancelIdleLocked()
	return true
}

// cancelIdleLocked invalidates any pending idle closure.
func (c *Conn) cancelIdleLocked() {
	c.idleGen++
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}
