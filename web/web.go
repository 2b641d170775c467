// Package web exposes the token, stream and download endpoints over HTTP.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/TechSquidTV/Hermes/web/auth"
	"github.com/TechSquidTV/Hermes/web/handlers"
	"github.com/TechSquidTV/Hermes/web/middleware"
)

const shutdownTimeout = 15 * time.Second

// Config configures the HTTP server.
type Config struct {
	Addr string
	Deps handlers.Dependencies
}

// Server serves the HTTP API.
type Server struct {
	srv *http.Server
	log *zap.Logger
}

// New builds the router and the underlying http.Server.
func New(cfg Config) *Server {
	log := cfg.Deps.Logger
	if log == nil {
		log = zap.NewNop()
		cfg.Deps.Logger = log
	}

	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewRouter(handlers.NewHandlerGroup(cfg.Deps), log),
			ReadHeaderTimeout: 10 * time.Second,
			// event streams are long lived
			WriteTimeout: 0,
			IdleTimeout:  120 * time.Second,
		},
		log: log,
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// NewRouter registers every route under /api/v1.
func NewRouter(hg *handlers.HandlerGroup, log *zap.Logger) http.Handler {
	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()

	requireUser := auth.RequireUser(log)

	ev := api.PathPrefix("/events").Subrouter()
	ev.HandleFunc("/health", hg.Events.Health).Methods(http.MethodGet)
	ev.HandleFunc("/stream", hg.Events.Stream).Methods(http.MethodGet)
	ev.HandleFunc("/queue", hg.Events.QueueStream).Methods(http.MethodGet)
	ev.HandleFunc("/downloads/{id}", hg.Events.DownloadStream).Methods(http.MethodGet)
	ev.Handle("/token", requireUser(http.HandlerFunc(hg.Events.CreateToken))).Methods(http.MethodPost)
	ev.Handle("/token", requireUser(http.HandlerFunc(hg.Events.RevokeTokens))).Methods(http.MethodDelete)

	dl := api.PathPrefix("/downloads").Subrouter()
	dl.Handle("", requireUser(http.HandlerFunc(hg.Downloads.CreateDownload))).Methods(http.MethodPost)
	dl.HandleFunc("/{id}/progress", hg.Downloads.GetProgress).Methods(http.MethodGet)
	dl.Handle("/{id}/cancel", requireUser(http.HandlerFunc(hg.Downloads.CancelDownload))).Methods(http.MethodPost)

	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	return middleware.Chain(router,
		middleware.Recover(log),
		auth.Identity,
		middleware.RequestLogger(log),
		middleware.CORS,
		middleware.SecurityHeaders,
	)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errc := make(chan error, 1)

	go func() {
		s.log.Info("http server listening", zap.String("addr", s.srv.Addr))

		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}

		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}

		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}

	s.log.Info("http server stopped")

	return nil
}
