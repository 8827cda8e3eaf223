package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/routerstream/internal/device"
	"github.com/rickgao/routerstream/internal/metrics"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool closed")

// Config configures the pool.
type Config struct {
	IdleGrace      time.Duration // how long an unreferenced connection stays open
	ConnectTimeout time.Duration // bound on one dial, independent of callers
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		IdleGrace:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Connections int            `json:"connections"`
	ByState     map[string]int `json:"byState"`
	References  int            `json:"references"`
}

// Pool owns every live device connection.
type Pool struct {
	cfg     Config
	driver  device.Driver
	metrics *metrics.Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	dials singleflight.Group

	mu     sync.Mutex
	conns  map[device.Identity]*Conn
	closed bool
}

// New creates a pool backed by driver.
func New(cfg Config, driver device.Driver, m *metrics.Metrics, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		driver:  driver,
		metrics: m,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[device.Identity]*Conn),
	}
}

// Acquire returns a referenced connection for cfg, dialing if needed.
// Concurrent callers for one identity share a single dial.
func (p *Pool) Acquire(ctx context.Context, cfg device.Config) (*Conn, error) {
	id := cfg.Identity()

	for {
		if c := p.lookup(id); c != nil && c.retain() {
			return c, nil
		}

		ch := p.dials.DoChan(id.String(), func() (any, error) {
			return p.dial(cfg, id)
		})

		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			c := res.Val.(*Conn)
			if c.retain() {
				return c, nil
			}
			// Closed between dial and retain (pool shutdown or device
			// drop). Go around; a closed pool fails the next dial.
		case <-ctx.Done():
			go p.abandon(ch)
			return nil, ctx.Err()
		}
	}
}

// abandon parks a dial result nobody is waiting for, so the connection falls
// under normal idle handling instead of leaking unreferenced.
func (p *Pool) abandon(ch <-chan singleflight.Result) {
	res := <-ch
	if res.Err != nil {
		return
	}
	c := res.Val.(*Conn)
	if c.retain() {
		p.Release(c)
	}
}

func (p *Pool) lookup(id device.Identity) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[id]
}

// dial runs once per identity at a time (singleflight). It uses the pool's
// context so one caller giving up does not fail the others.
func (p *Pool) dial(cfg device.Config, id device.Identity) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if existing := p.conns[id]; existing != nil {
		if s := existing.State(); s == StateReady || s == StateIdle {
			p.mu.Unlock()
			return existing, nil
		}
	}
	c := &Conn{identity: id, state: StateConnecting}
	p.conns[id] = c
	p.mu.Unlock()

	logger := p.logger.With("device", id.String())
	logger.Debug("dialing device")

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.ConnectTimeout)
	defer cancel()

	start := time.Now()
	dev, err := p.driver.Connect(ctx, cfg)
	if err != nil {
		p.removeIf(id, c)
		c.mu.Lock()
		c.state = StateFailed
		c.mu.Unlock()

		p.metrics.DialFailed()
		if !device.IsConnectionError(err) {
			err = fmt.Errorf("%w: %v", device.ErrNetwork, err)
		}
		logger.Warn("device connect failed", "error", err, "duration", time.Since(start))
		return nil, err
	}

	c.mu.Lock()
	c.dev = dev
	c.state = StateReady
	c.lastActivity = time.Now()
	c.mu.Unlock()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.shutdownConn(c)
		return nil, ErrPoolClosed
	}

	p.metrics.ConnectionOpened()
	logger.Info("device connected", "duration", time.Since(start))

	go p.watch(c)
	return c, nil
}

// Release drops one reference. At zero the connection becomes Idle and is
// closed after the grace period unless re-acquired first.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs > 0 {
		c.refs--
	}
	if c.refs > 0 || c.state != StateReady {
		return
	}

	c.state = StateIdle
	c.cancelIdleLocked()
	gen := c.idleGen
	c.idleTimer = time.AfterFunc(p.cfg.IdleGrace, func() {
		p.expire(c, gen)
	})
}

// expire closes c if it is still idle under the same generation.
func (p *Pool) expire(c *Conn, gen uint64) {
	p.mu.Lock()
	c.mu.Lock()
	if c.idleGen != gen || c.refs > 0 || c.state != StateIdle {
		c.mu.Unlock()
		p.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.idleTimer = nil
	if p.conns[c.identity] == c {
		delete(p.conns, c.identity)
	}
	dev := c.dev
	c.mu.Unlock()
	p.mu.Unlock()

	if err := dev.Close(); err != nil {
		p.logger.Debug("close idle device connection", "device", c.identity.String(), "error", err)
	}
	p.metrics.ConnectionClosed()
	p.logger.Info("closed idle device connection", "device", c.identity.String())
}

// watch evicts c as soon as the device session ends.
func (p *Pool) watch(c *Conn) {
	select {
	case <-c.dev.Done():
	case <-p.ctx.Done():
		return
	}

	p.mu.Lock()
	c.mu.Lock()
	live := c.state == StateReady || c.state == StateIdle
	if live {
		c.state = StateFailed
		c.cancelIdleLocked()
	}
	if p.conns[c.identity] == c {
		delete(p.conns, c.identity)
	}
	refs := c.refs
	c.mu.Unlock()
	p.mu.Unlock()

	if live {
		p.metrics.ConnectionClosed()
		p.logger.Warn("device connection lost",
			"device", c.identity.String(),
			"error", c.dev.Err(),
			"refs", refs,
		)
	}
}

func (p *Pool) removeIf(id device.Identity, c *Conn) {
	p.mu.Lock()
	if p.conns[id] == c {
		delete(p.conns, id)
	}
	p.mu.Unlock()
}

func (p *Pool) shutdownConn(c *Conn) {
	c.mu.Lock()
	wasLive := c.state == StateReady || c.state == StateIdle
	c.state = StateClosed
	c.cancelIdleLocked()
	dev := c.dev
	c.mu.Unlock()

	if dev != nil {
		dev.Close()
	}
	if wasLive {
		p.metrics.ConnectionClosed()
	}
}

// Refs returns the reference count for an identity, 0 if not pooled.
func (p *Pool) Refs(id device.Identity) int {
	c := p.lookup(id)
	if c == nil {
		return 0
	}
	return c.Refs()
}

// Get returns the pooled connection for an identity, if any.
func (p *Pool) Get(id device.Identity) (*Conn, bool) {
	c := p.lookup(id)
	return c, c != nil
}

// Stats returns pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	stats := Stats{ByState: make(map[string]int)}
	for _, c := range conns {
		c.mu.Lock()
		stats.ByState[c.state.String()]++
		stats.References += c.refs
		c.mu.Unlock()
	}
	stats.Connections = len(conns)
	return stats
}

// Close shuts down every connection. Acquire fails afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[device.Identity]*Conn)
	p.mu.Unlock()

	p.cancel()
	for _, c := range conns {
		p.shutdownConn(c)
	}

	p.logger.Info("connection pool closed", "connections", len(conns))
	return nil
}
