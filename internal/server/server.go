package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jamesruggles/spectra/internal/config"
	"github.com/jamesruggles/spectra/internal/database"
	"github.com/jamesruggles/spectra/internal/report"
	"github.com/jamesruggles/spectra/internal/scanner"
)

type Options struct {
	Config   *config.Config
	DB       *database.DB
	Executor *scanner.Executor
	Hub      *Hub
	Reports  *report.Generator
	// Gatherer backs /metrics; nil leaves the endpoint unregistered.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type Server struct {
	cfg      *config.Config
	db       *database.DB
	hub      *Hub
	executor *scanner.Executor
	reports  *report.Generator
	logger   *slog.Logger
	mux      *http.ServeMux
	http     *http.Server
}

func New(opts Options) *Server {
	s := &Server{
		cfg:      opts.Config,
		db:       opts.DB,
		hub:      opts.Hub,
		executor: opts.Executor,
		reports:  opts.Reports,
		logger:   opts.Logger,
		mux:      http.NewServeMux(),
	}
	if s.hub == nil {
		s.hub = NewHub(s.logger)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.registerRoutes()
	if opts.Gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler returns the routed API wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return s.recoveryMiddleware(securityHeaders(s.loggingMiddleware(s.mux)))
}

func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting server", "addr", addr)

	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/api/projects", s.handleAPIProjects)
	s.mux.HandleFunc("/api/projects/", s.handleAPIProject)
	s.mux.HandleFunc("/api/repositories/", s.handleAPIRepository)
	s.mux.HandleFunc("/api/targets/", s.handleAPITarget)
	s.mux.HandleFunc("/api/scans/", s.handleAPIScan)
	s.mux.HandleFunc("/api/stats", s.handleAPIStats)
	s.mux.HandleFunc("/api/settings", s.handleAPISettings)
	s.mux.HandleFunc("/api/tools/status", s.handleAPIToolStatus)

	s.mux.HandleFunc("/ws", s.handleWebSocket)
}
