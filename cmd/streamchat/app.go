package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"streamchat/internal/auth"
	"streamchat/internal/bus"
	"streamchat/internal/catalog"
	"streamchat/internal/chatstore"
	"streamchat/internal/config"
	"streamchat/internal/generation"
	"streamchat/internal/metrics"
	"streamchat/internal/provider"
	"streamchat/internal/resume"
	"streamchat/internal/sqldb"
	"streamchat/internal/stream"
)

// app holds the process-wide dependencies. It is built once per command and
// closed on shutdown.
type app struct {
	cfg       *config.Config
	cfgPath   string
	logger    *slog.Logger
	db        *sqldb.DB
	chats     *chatstore.Store
	streams   stream.Store
	providers *provider.Factory
	bus       *bus.EventBus
	metrics   *metrics.Set
	auth      *auth.Authenticator
	catalog   *catalog.Catalog
	driver    *generation.Driver
	resume    *resume.Coordinator

	closers []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config, cfgPath string, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, cfgPath: cfgPath, logger: logger}

	dsn := cfg.Database.DSN
	if cfg.Database.Driver == "sqlite" {
		dsn = config.ExpandPath(dsn)
	}
	db, err := sqldb.Open(ctx, cfg.Database.Driver, dsn, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db)

	if a.chats, err = chatstore.New(ctx, db, logger); err != nil {
		a.Close()
		return nil, fmt.Errorf("chat store: %w", err)
	}

	opts := stream.Options{
		Retention:    cfg.Stream.Retention(),
		MaxLifetime:  cfg.Stream.MaxLifetime(),
		PollInterval: cfg.Stream.PollInterval(),
		AbandonAfter: cfg.Generation.LeaseTTL(),
	}
	switch cfg.Stream.Backend {
	case "memory":
		a.streams = stream.NewMemory(opts)
	case "sql":
		s, err := stream.NewSQLStore(ctx, db, opts, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("stream store: %w", err)
		}
		a.streams = s
	default:
		logger.Warn("resumable streams disabled", "backend", cfg.Stream.Backend)
	}

	if a.catalog, err = catalog.Load(cfg.Catalog.Path, logger); err != nil {
		a.Close()
		return nil, fmt.Errorf("model catalog: %w", err)
	}
	if a.auth, err = auth.New(auth.Config{
		Secret:     cfg.Auth.Secret,
		CookieName: cfg.Auth.CookieName,
		TTL:        time.Duration(cfg.Auth.TokenTTLHours) * time.Hour,
	}); err != nil {
		a.Close()
		return nil, err
	}

	a.bus = bus.NewEventBus(logger)
	a.metrics = metrics.NewSet(metrics.Default)
	a.metrics.Observe(a.bus)
	a.providers = provider.NewFactory(cfg, logger)

	a.driver = generation.NewDriver(generation.Config{
		Chats:        a.chats,
		Streams:      a.streams,
		Providers:    a.providers,
		Bus:          a.bus,
		Logger:       logger,
		Timeout:      cfg.Generation.Timeout(),
		LeaseTTL:     cfg.Generation.LeaseTTL(),
		SystemPrompt: cfg.Generation.SystemPrompt,
		MaxTokens:    cfg.Generation.MaxTokens,
	})
	a.resume = resume.NewCoordinator(resume.Config{
		Chats:     a.chats,
		Streams:   a.streams,
		Staleness: cfg.Resume.Staleness(),
		Bus:       a.bus,
		Logger:    logger,
	})
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.closers = nil
	return firstErr
}

// newLogger builds the process logger from general.logLevel and, when set,
// general.logFile.
func newLogger(cfg config.GeneralConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w, closer = io.MultiWriter(os.Stderr, f), f
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer, nil
}
