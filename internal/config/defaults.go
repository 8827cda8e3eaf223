package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAddr               = ":8080"
	DefaultWSPath             = "/ws"
	DefaultReadTimeout        = 60 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultPingInterval       = 25 * time.Second
	DefaultMaxMessageSize     = 64 * 1024
	DefaultSendQueueLimit     = 4096
	DefaultShutdownTimeout    = 15 * time.Second
	DefaultIdleGrace          = 30 * time.Second
	DefaultConnectTimeout     = 10 * time.Second
	DefaultExecTimeout        = 5 * time.Second
	DefaultExecMaxTimeout     = 2 * time.Minute
	DefaultDeviceScheme       = "ws"
	DefaultDevicePath         = "/api/stream"
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultDevicePingTimeout  = 60 * time.Second
	DefaultDeviceWriteTimeout = 5 * time.Second
	DefaultDeviceBufferSize   = 1024
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultDBApplicationName  = "routerstream"
	DefaultMaxConns           = 10
	DefaultMinConns           = 1
	DefaultAuditBatchSize     = 200
	DefaultAuditFlush         = 2 * time.Second
	DefaultAuditBufferSize    = 1024
	DefaultMetricsPath        = "/metrics"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

// ApplyDefaults fills every unset optional field.
func (c *BrokerConfig) ApplyDefaults() {
	// Server defaults
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = DefaultWSPath
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = DefaultPingInterval
	}
	if c.Server.MaxMessageSize == 0 {
		c.Server.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Server.SendQueueLimit == 0 {
		c.Server.SendQueueLimit = DefaultSendQueueLimit
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	// Pool defaults
	if c.Pool.IdleGrace == 0 {
		c.Pool.IdleGrace = DefaultIdleGrace
	}
	if c.Pool.ConnectTimeout == 0 {
		c.Pool.ConnectTimeout = DefaultConnectTimeout
	}

	// Exec defaults
	if c.Exec.DefaultTimeout == 0 {
		c.Exec.DefaultTimeout = DefaultExecTimeout
	}
	if c.Exec.MaxTimeout == 0 {
		c.Exec.MaxTimeout = DefaultExecMaxTimeout
	}

	// Device bridge defaults
	if c.Device.Scheme == "" {
		c.Device.Scheme = DefaultDeviceScheme
	}
	if c.Device.Path == "" {
		c.Device.Path = DefaultDevicePath
	}
	if c.Device.HandshakeTimeout == 0 {
		c.Device.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Device.PingTimeout == 0 {
		c.Device.PingTimeout = DefaultDevicePingTimeout
	}
	if c.Device.WriteTimeout == 0 {
		c.Device.WriteTimeout = DefaultDeviceWriteTimeout
	}
	if c.Device.BufferSize == 0 {
		c.Device.BufferSize = DefaultDeviceBufferSize
	}

	// Database defaults only matter once a host is set.
	if c.Database.Enabled() {
		applyDBDefaults(&c.Database.Postgres)
	}

	// Audit defaults
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = DefaultAuditBatchSize
	}
	if c.Audit.FlushInterval == 0 {
		c.Audit.FlushInterval = DefaultAuditFlush
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = DefaultAuditBufferSize
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
	if db.ApplicationName == "" {
		db.ApplicationName = DefaultDBApplicationName
	}
}
