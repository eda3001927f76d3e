package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"sandbox-broker/internal/config"
	"sandbox-broker/internal/directory"
	"sandbox-broker/internal/monitor"
	"sandbox-broker/internal/sandbox"
	"sandbox-broker/internal/store"
)

// Deps are the parts of a running broker the ops server reports on.
type Deps struct {
	Store    store.Store
	Runtime  sandbox.Runtime
	View     *directory.View
	Jobs     JobCounter
	Channels ChannelLister
	Metrics  *monitor.Metrics
}

// Server is the broker's operations HTTP server: health, metrics and a
// read-only view of the directory and request channels.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	handlers := &Handlers{
		host:       cfg.Host.Name,
		store:      deps.Store,
		runtime:    deps.Runtime,
		view:       deps.View,
		jobs:       deps.Jobs,
		channels:   deps.Channels,
		staleAfter: 3 * cfg.Directory.HeartbeatInterval,
		startTime:  time.Now(),
		now:        time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /hosts", handlers.HandleHosts)
	mux.HandleFunc("GET /hosts/{name}", handlers.HandleHost)
	mux.HandleFunc("GET /channels/{host}/{client}/jobs", handlers.HandleJobStream)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(deps.Metrics)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	return &Server{
		handlers: handlers,
		httpServer: &http.Server{
			Addr:         cfg.OpsAddress(),
			Handler:      handler,
			ReadTimeout:  cfg.Ops.ReadTimeout,
			WriteTimeout: cfg.Ops.WriteTimeout,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler exposes the routed middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting ops HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down ops HTTP server")
	return s.httpServer.Shutdown(ctx)
}
