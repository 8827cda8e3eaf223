package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/routerstream/internal/audit"
	"github.com/rickgao/routerstream/internal/broker"
	"github.com/rickgao/routerstream/internal/config"
	"github.com/rickgao/routerstream/internal/connection"
	"github.com/rickgao/routerstream/internal/database"
	"github.com/rickgao/routerstream/internal/metrics"
	"github.com/rickgao/routerstream/internal/pool"
	"github.com/rickgao/routerstream/internal/server"
	"github.com/rickgao/routerstream/internal/transport"
	"github.com/rickgao/routerstream/internal/version"
)

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults apply when empty)")
	return cmd
}

func loadConfig(path string) (*config.BrokerConfig, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadAndValidate(path)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func serve(parent context.Context, cfg *config.BrokerConfig) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := newLogger(cfg.Log).With("instance", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting routerstream",
		"version", version.Version,
		"commit", version.Commit,
		"addr", cfg.Server.Addr,
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	driver := connection.NewDriver(connection.DriverConfig{
		Scheme:           cfg.Device.Scheme,
		Path:             cfg.Device.Path,
		HandshakeTimeout: cfg.Device.HandshakeTimeout,
		PingTimeout:      cfg.Device.PingTimeout,
		WriteTimeout:     cfg.Device.WriteTimeout,
		BufferSize:       cfg.Device.BufferSize,
	}, m, logger.With("component", "driver"))

	devices := pool.New(pool.Config{
		IdleGrace:      cfg.Pool.IdleGrace,
		ConnectTimeout: cfg.Pool.ConnectTimeout,
	}, driver, m, logger.With("component", "pool"))
	defer devices.Close()

	deps := broker.Deps{
		Pool:    devices,
		Metrics: m,
		Logger:  logger.With("component", "broker"),
	}

	var (
		db      server.Pinger
		auditor *audit.Writer
	)
	if cfg.Database.Enabled() {
		pg := cfg.Database.Postgres
		logger.Info("connecting to database", "host", pg.Host, "port", pg.Port, "database", pg.Name)

		pgPool, err := database.Connect(ctx, pg)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pgPool.Close()

		if err := database.EnsureSchema(ctx, pgPool); err != nil {
			return err
		}
		db = pgPool
		deps.Resolver = database.NewRouterStore(pgPool, logger.With("component", "routers"))

		if cfg.Audit.Enabled {
			auditor = audit.NewWriter(audit.Config{
				BatchSize:     cfg.Audit.BatchSize,
				FlushInterval: cfg.Audit.FlushInterval,
				BufferSize:    cfg.Audit.BufferSize,
			}, pgPool, logger)
			deps.Recorder = auditor
		}
		logger.Info("database connected", "audit", auditor != nil)
	}

	b := broker.New(broker.Config{
		ExecTimeout:    cfg.Exec.DefaultTimeout,
		MaxExecTimeout: cfg.Exec.MaxTimeout,
		OpenTimeout:    cfg.Pool.ConnectTimeout,
	}, deps)

	ws := transport.NewHandler(transport.Config{
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		PingInterval:   cfg.Server.PingInterval,
		MaxMessageSize: cfg.Server.MaxMessageSize,
		SendQueueLimit: cfg.Server.SendQueueLimit,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, b, m, logger.With("component", "transport"))

	srv := server.New(server.Config{
		Addr:        cfg.Server.Addr,
		WSPath:      cfg.Server.WSPath,
		MetricsPath: cfg.Metrics.Path,
		InstanceID:  cfg.Instance.ID,
	}, b, ws, db, reg, logger)

	g, gctx := errgroup.WithContext(ctx)

	if auditor != nil {
		if err := auditor.Start(gctx); err != nil {
			return fmt.Errorf("start audit writer: %w", err)
		}
	}

	g.Go(srv.ListenAndServe)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		if err := b.Shutdown(shutdownCtx); err != nil {
			logger.Warn("broker shutdown", "error", err)
		}
		if auditor != nil {
			if err := auditor.Stop(shutdownCtx); err != nil {
				logger.Warn("audit shutdown", "error", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("routerstream stopped")
	return nil
}
