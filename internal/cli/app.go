package cli

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jamesruggles/spectra/internal/config"
	"github.com/jamesruggles/spectra/internal/database"
	"github.com/jamesruggles/spectra/internal/metrics"
	"github.com/jamesruggles/spectra/internal/report"
	"github.com/jamesruggles/spectra/internal/scanner"
	"github.com/jamesruggles/spectra/internal/tools"
	"github.com/jamesruggles/spectra/internal/worker"
	"github.com/jamesruggles/spectra/internal/workspace"
)

// app holds the components shared by the serve and scan commands.
type app struct {
	cfg      *config.Config
	db       *database.DB
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	pool     *worker.Pool
	executor *scanner.Executor
	reports  *report.Generator
}

func newApp(cfg *config.Config, broadcaster scanner.Broadcaster) (*app, error) {
	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	logger := slog.Default()
	sc := cfg.Scanner
	workspaces := workspace.NewManager(workspace.Options{
		BaseDir: sc.WorkspaceDir,
		Git: tools.ToolSpec{
			Name:       "git",
			BinaryName: sc.Git.Binary,
			Timeout:    sc.Git.Timeout,
		},
		Token:  workspace.SettingsToken(db, cfg.GitHub.Token),
		Logger: logger,
	})

	pool := worker.New(cfg.Workers.Count, cfg.Workers.QueueSize, logger)
	onWarn := func(k scanner.Kind) { m.AnalyzerWarning(string(k)) }

	return &app{
		cfg:      cfg,
		db:       db,
		registry: registry,
		metrics:  m,
		pool:     pool,
		executor: scanner.NewExecutor(scanner.Options{
			DB:          db,
			Workspaces:  workspaces,
			Analyzers:   scanner.Analyzers(sc, tools.ExecRunner{}, logger, onWarn),
			Pool:        pool,
			Broadcaster: broadcaster,
			Metrics:     m,
			Logger:      logger,
			CloneDepth:  sc.CloneDepth,
		}),
		reports: report.NewGenerator(db, cfg.Reports.Directory, cfg.Reports.FontPath),
	}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		slog.Error("closing database", "error", err)
	}
}

// openDB is for commands that only read the store.
func openDB() (*config.Config, *database.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return cfg, db, nil
}
