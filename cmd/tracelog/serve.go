package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"go.uber.org/zap"

	"tracelog/internal/metrics"
	"tracelog/internal/retention"
	"tracelog/internal/server"
)

type serveConfig struct {
	*rootConfig
	addr            string
	shutdownTimeout time.Duration
}

func (cfg *serveConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		LongName:    "addr",
		Value:       ffval.NewValue(&cfg.addr),
		Usage:       "listen address (overrides app.host and app.port)",
		Placeholder: "HOST:PORT",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName: "shutdown-timeout",
		Value:    ffval.NewValueDefault(&cfg.shutdownTimeout, 10*time.Second),
		Usage:    "grace period for in-flight requests on shutdown",
	})
}

func (cfg *serveConfig) Exec(ctx context.Context, args []string) error {
	logger := cfg.logger

	database, store, err := cfg.openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	m := metrics.New()

	cleaner := retention.NewCleaner(store, cfg.cfg.Retention.CleanupOldLogsDays,
		retention.WithLogger(logger.Named("retention")),
		retention.WithObserver(m),
	)
	if err := cleaner.Schedule(cfg.cfg.Retention.Schedule); err != nil {
		return err
	}

	handler, err := server.NewHandler(cfg.cfg, store, cleaner, m, logger.Named("server"))
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	appCfg := *cfg.cfg
	if cfg.addr != "" {
		host, port, err := splitAddr(cfg.addr)
		if err != nil {
			return err
		}
		appCfg.App.Host, appCfg.App.Port = host, port
	}
	srv := server.New(&appCfg, handler, logger)

	var g run.Group

	// HTTP API.
	{
		g.Add(func() error {
			return srv.Start()
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	// Retention schedule.
	{
		done := make(chan struct{})
		g.Add(func() error {
			cleaner.Start()
			if next := cleaner.Next(); !next.IsZero() {
				logger.Info("retention scheduled",
					zap.String("schedule", cfg.cfg.Retention.Schedule),
					zap.Int("days", cleaner.Days()),
					zap.Time("next", next),
				)
			}
			<-done
			return nil
		}, func(error) {
			cleaner.Stop()
			close(done)
		})
	}

	// Signals.
	{
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}

	logger.Info("tracelog starting",
		zap.String("addr", srv.Addr()),
		zap.String("database", database.Path()),
		zap.String("route_prefix", cfg.cfg.Viewer.Prefix()),
	)
	return g.Run()
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid --addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid --addr %q: bad port", addr)
	}
	return host, port, nil
}
