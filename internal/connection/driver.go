package connection

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/rickgao/routerstream/internal/device"
	"github.com/rickgao/routerstream/internal/metrics"
)

// Driver dials device bridges. It implements device.Driver.
type Driver struct {
	cfg     DriverConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDriver creates a bridge driver. m may be nil.
func NewDriver(cfg DriverConfig, m *metrics.Metrics, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{cfg: cfg, metrics: m, logger: logger}
}

// URL returns the bridge endpoint for a device.
func (d *Driver) URL(cfg device.Config) string {
	scheme := d.cfg.Scheme
	if cfg.TLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: cfg.Address(), Path: d.cfg.Path}
	return u.String()
}

// Connect implements device.Driver.
func (d *Driver) Connect(ctx context.Context, cfg device.Config) (device.Conn, error) {
	logger := d.logger.With("device", cfg.Identity().String())

	c := NewClient(ClientConfig{
		URL:              d.URL(cfg),
		Username:         cfg.Username,
		Password:         cfg.Password,
		HandshakeTimeout: d.cfg.HandshakeTimeout,
		PingInterval:     d.cfg.PingTimeout / 2,
		PingTimeout:      d.cfg.PingTimeout,
		WriteTimeout:     d.cfg.WriteTimeout,
		BufferSize:       d.cfg.BufferSize,
	}, logger)

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	s := newSession(c, d.cfg.BufferSize, d.metrics, logger)
	go s.dispatchLoop()
	return s, nil
}
