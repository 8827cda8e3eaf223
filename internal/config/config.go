package config

import "time"

// BrokerConfig is the root configuration for a broker instance.
type BrokerConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Server   ServerConfig   `yaml:"server"`
	Pool     PoolConfig     `yaml:"pool"`
	Exec     ExecConfig     `yaml:"exec"`
	Device   DeviceConfig   `yaml:"device"`
	Database DatabaseConfig `yaml:"database"`
	Audit    AuditConfig    `yaml:"audit"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// InstanceConfig identifies this broker.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds the HTTP / browser WebSocket settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	WSPath          string        `yaml:"ws_path"`
	ReadTimeout     time.Duration `yaml:"read_timeout"` // max silence from a client before it is dropped
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	SendQueueLimit  int           `yaml:"send_queue_limit"` // outbound frames buffered per client
	AllowedOrigins  []string      `yaml:"allowed_origins"`  // empty = same origin only
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PoolConfig holds device connection pool settings.
type PoolConfig struct {
	IdleGrace      time.Duration `yaml:"idle_grace"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ExecConfig holds one-shot command settings.
type ExecConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
}

// DeviceConfig holds settings for the device bridge driver.
type DeviceConfig struct {
	Scheme           string        `yaml:"scheme"` // "ws" or "wss"
	Path             string        `yaml:"path"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	BufferSize       int           `yaml:"buffer_size"`
}

// DatabaseConfig holds the optional router inventory database.
// With no host configured, routerId references cannot be resolved and the
// audit writer is disabled.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// Enabled reports whether a database is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Postgres.Host != ""
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
	// ApplicationName tags the broker's sessions in pg_stat_activity.
	ApplicationName string `yaml:"application_name"`
}

// AuditConfig holds exec audit writer settings.
type AuditConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Path string `yaml:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
