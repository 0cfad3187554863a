// Package server exposes the compare engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/sessions"
	"github.com/leapstack-labs/leapcompare/internal/catalog"
	"github.com/leapstack-labs/leapcompare/internal/compare"
	"github.com/leapstack-labs/leapcompare/internal/notifier"
	"golang.org/x/sync/errgroup"
)

// Server is the compare HTTP server.
type Server struct {
	cfg          Config
	sessionStore *sessions.CookieStore
	logger       *slog.Logger
}

// Config holds configuration for the server.
type Config struct {
	Service  *compare.Service
	Catalog  *catalog.Catalog
	Notifier *notifier.Notifier
	Logger   *slog.Logger

	Addr            string
	SessionName     string
	SessionSecret   string
	TrustUserHeader bool
	ShutdownTimeout time.Duration

	// CatalogPath, when set with LoadCatalog, is watched and the catalog
	// reloaded on change.
	CatalogPath string
	LoadCatalog catalog.LoadFunc
}

// NewServer creates a server. The session secret signs identity cookies.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notifier.New()
	}
	if cfg.SessionName == "" {
		cfg.SessionName = "leapcompare"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	sessionStore := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	sessionStore.MaxAge(86400 * 30) // 30 days
	sessionStore.Options.Path = "/"
	sessionStore.Options.HttpOnly = true
	sessionStore.Options.SameSite = http.SameSiteLaxMode

	return &Server{
		cfg:          cfg,
		sessionStore: sessionStore,
		logger:       cfg.Logger,
	}
}

// SessionStore returns the store that issues identity cookies.
func (s *Server) SessionStore() sessions.Store {
	return s.sessionStore
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
	)
	SetupRoutes(r, s.handlers(), s.identity)
	return r
}

func (s *Server) handlers() *Handlers {
	return NewHandlers(s.cfg.Service, s.cfg.Catalog, s.cfg.Notifier, s.logger)
}

// Serve listens on the configured address and blocks until ctx is canceled.
// On shutdown it stops accepting connections, then waits for in-flight runs.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("starting compare server", "addr", ln.Addr().String())

	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.cfg.CatalogPath != "" && s.cfg.LoadCatalog != nil {
		eg.Go(func() error {
			return s.cfg.Catalog.Watch(egctx, s.cfg.CatalogPath, s.cfg.LoadCatalog, s.logger)
		})
	}

	eg.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		s.logger.Debug("shutting down compare server...", "active_runs", s.cfg.Service.Active())
		return errors.Join(srv.Shutdown(shutdownCtx), s.cfg.Service.Close(shutdownCtx))
	})

	return eg.Wait()
}
