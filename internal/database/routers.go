package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/routerstream/internal/device"
)

// lookupTimeout bounds a shared lookup, which outlives any one caller.
const lookupTimeout = 5 * time.Second

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RouterStore resolves routerId references against the routers table.
// It implements device.Resolver.
type RouterStore struct {
	db     querier
	logger *slog.Logger
	group  singleflight.Group
}

// NewRouterStore creates a store reading from db.
func NewRouterStore(db querier, logger *slog.Logger) *RouterStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RouterStore{db: db, logger: logger}
}

// Resolve fills in host, port, credentials and TLS from the stored record.
// Fields already set on cfg take precedence. Configs without a RouterID pass
// through unchanged.
func (s *RouterStore) Resolve(ctx context.Context, cfg device.Config) (device.Config, error) {
	if cfg.RouterID == "" {
		return cfg, nil
	}

	id := cfg.RouterID
	ch := s.group.DoChan(id, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return s.lookup(lctx, id)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return cfg, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return cfg, res.Err
	}
	stored := res.Val.(device.Config)

	if cfg.Host == "" {
		cfg.Host = stored.Host
	}
	if cfg.Port == 0 {
		cfg.Port = stored.Port
	}
	if cfg.Username == "" && cfg.Password == "" {
		cfg.Username = stored.Username
		cfg.Password = stored.Password
	}
	cfg.TLS = cfg.TLS || stored.TLS
	return cfg, nil
}

func (s *RouterStore) lookup(ctx context.Context, id string) (device.Config, error) {
	var cfg device.Config
	err := s.db.QueryRow(ctx, `
		SELECT host, port, username, password, tls
		FROM routers
		WHERE id = $1
	`, id).Scan(&cfg.Host, &cfg.Port, &cfg.Username, &cfg.Password, &cfg.TLS)
	if errors.Is(err, pgx.ErrNoRows) {
		return cfg, &device.CommandError{Message: "router not found: " + id}
	}
	if err != nil {
		s.logger.Warn("router lookup failed", "router_id", id, "error", err)
		return cfg, fmt.Errorf("lookup router %s: %w", id, err)
	}
	cfg.RouterID = id
	return cfg, nil
}
