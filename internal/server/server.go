// Package server exposes chats over HTTP: posting a message streams the
// generation as text/event-stream, and viewers reattach to the latest
// generation through the resume endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"streamchat/internal/auth"
	"streamchat/internal/bus"
	"streamchat/internal/catalog"
	"streamchat/internal/config"
	"streamchat/internal/domain"
	"streamchat/internal/generation"
	"streamchat/internal/metrics"
	"streamchat/internal/resume"
)

const (
	maxBodySize     = 1 << 20
	shutdownTimeout = 5 * time.Second
	quotaWindow     = 24 * time.Hour
)

type Config struct {
	Host              string
	Port              int
	ReadHeaderTimeout time.Duration
	// Heartbeat is the idle interval between keepalive comments on event
	// streams; zero disables them.
	Heartbeat time.Duration

	Chats       domain.ChatStore
	Driver      *generation.Driver
	Coordinator *resume.Coordinator
	Auth        *auth.Authenticator
	Catalog     *catalog.Catalog
	Bus         *bus.EventBus
	Metrics     *metrics.Set
	// MetricsHandler is served on MetricsPath (default /metrics) when non-nil.
	MetricsHandler http.Handler
	MetricsPath    string
	// AppConfig is served sanitized on /api/config when non-nil.
	AppConfig *config.Config
	Logger    *slog.Logger
	Version   string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	mux    *http.ServeMux
}

func New(cfg Config) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewSet(metrics.NewCollector())
	}
	s := &Server{cfg: cfg, logger: cfg.Logger, now: time.Now}
	s.mux = s.routes()
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handlePostChat)
	mux.HandleFunc("DELETE /chat", s.handleDeleteChat)
	mux.HandleFunc("GET /chat/{id}", s.handleGetChat)
	mux.HandleFunc("GET /chat/{id}/stream", s.handleResume)
	mux.HandleFunc("GET /chat/{id}/stream/ws", s.handleResumeWS)
	mux.HandleFunc("POST /auth/guest", s.handleGuest)
	mux.HandleFunc("GET /models", s.handleModels)
	mux.HandleFunc("GET /status", s.handleStatus) // public endpoint
	if s.cfg.AppConfig != nil {
		mux.HandleFunc("GET /api/config", s.handleGetConfig)
	}
	if s.cfg.MetricsHandler != nil {
		mux.Handle("GET "+s.cfg.MetricsPath, s.cfg.MetricsHandler)
	}
	return mux
}

// Handler returns the HTTP handler with panic recovery applied.
func (s *Server) Handler() http.Handler {
	return s.recoverer(s.mux)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server started", "addr", "http://"+addr, "resume", s.cfg.Coordinator.Configured())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.logger.Info("http server stopping")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("handler panic", "method", r.Method, "path", r.URL.Path, "panic", rec)
				s.writeError(w, r, fmt.Errorf("panic: %v", rec), "api")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

// writeError renders err as {"code","message","cause"} with its mapped
// status. Errors that are not a *domain.Error become offline:<surface>.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, surface string) {
	de := domain.AsError(err, surface)
	status := de.StatusCode()
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	if de.Kind == domain.KindOffline {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorBody{Code: de.Code(), Message: de.Message(), Cause: de.Cause})
}

func (s *Server) session(r *http.Request) *domain.Session {
	if s.cfg.Auth == nil {
		return nil
	}
	return s.cfg.Auth.CurrentSession(r)
}
