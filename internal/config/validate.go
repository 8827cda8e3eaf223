package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *BrokerConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with '/', got %q", c.Server.WSPath)
	}
	if c.Server.PingInterval >= c.Server.ReadTimeout {
		return fmt.Errorf("server.ping_interval (%s) must be less than server.read_timeout (%s)",
			c.Server.PingInterval, c.Server.ReadTimeout)
	}
	if c.Server.SendQueueLimit < 1 {
		return errors.New("server.send_queue_limit must be >= 1")
	}
	if c.Server.MaxMessageSize < 1 {
		return errors.New("server.max_message_size must be >= 1")
	}

	if c.Pool.IdleGrace < 0 {
		return errors.New("pool.idle_grace must be >= 0")
	}
	if c.Pool.ConnectTimeout <= 0 {
		return errors.New("pool.connect_timeout must be > 0")
	}

	if c.Exec.DefaultTimeout <= 0 {
		return errors.New("exec.default_timeout must be > 0")
	}
	if c.Exec.DefaultTimeout > c.Exec.MaxTimeout {
		return fmt.Errorf("exec.default_timeout (%s) cannot exceed exec.max_timeout (%s)",
			c.Exec.DefaultTimeout, c.Exec.MaxTimeout)
	}

	if c.Device.Scheme != "ws" && c.Device.Scheme != "wss" {
		return fmt.Errorf("device.scheme must be ws or wss, got %q", c.Device.Scheme)
	}

	if c.Database.Enabled() {
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
	}
	if c.Audit.Enabled {
		if !c.Database.Enabled() {
			return errors.New("audit.enabled requires database.postgres")
		}
		if c.Audit.BatchSize < 1 {
			return errors.New("audit.batch_size must be >= 1")
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
