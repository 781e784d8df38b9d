package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"streamchat/internal/metrics"
	"streamchat/internal/server"
	"streamchat/internal/stream"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and the stream sweeper",
		Long:  "Serves the chat API until interrupted. Running generations are given time to finish on shutdown.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, cfgPath := loadConfig()

	l, logCloser, err := newLogger(cfg.General)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	logger = l

	ctx := cmd.Context()

	a, err := newApp(ctx, cfg, cfgPath, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	logger.Info("starting streamchat", "config", a.cfgPath, "database", cfg.Database.Driver, "streams", cfg.Stream.Backend)

	for name, err := range a.providers.Check(ctx) {
		if err != nil {
			logger.Warn("provider unhealthy at startup", "provider", name, "err", err)
		}
	}

	srvCfg := server.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		Heartbeat:         time.Duration(cfg.Server.HeartbeatSeconds) * time.Second,
		Chats:             a.chats,
		Driver:            a.driver,
		Coordinator:       a.resume,
		Auth:              a.auth,
		Catalog:           a.catalog,
		Bus:               a.bus,
		Metrics:           a.metrics,
		AppConfig:         cfg,
		Logger:            logger,
		Version:           version,
	}
	if cfg.Metrics.Enabled {
		srvCfg.MetricsPath = cfg.Metrics.Endpoint
		srvCfg.MetricsHandler = metrics.Default.Handler()
	}
	srv := server.New(srvCfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if a.streams != nil {
		g.Go(func() error {
			return stream.RunSweeper(gctx, a.streams, cfg.Stream.SweepInterval(), logger)
		})
	}

	logger.Info("streamchat started. Press Ctrl+C to stop.", "version", version)
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", "err", err)
	}

	logger.Info("waiting for running generations", "active", len(a.driver.Active()))
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if werr := a.driver.Wait(waitCtx); werr != nil {
		logger.Warn("shutdown timed out, abandoning generations", "active", len(a.driver.Active()))
		if err == nil {
			err = fmt.Errorf("shutdown timed out")
		}
	} else {
		logger.Info("shutdown complete")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
