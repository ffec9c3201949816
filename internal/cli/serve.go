package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesruggles/spectra/internal/config"
	"github.com/jamesruggles/spectra/internal/scanner"
	"github.com/jamesruggles/spectra/internal/scheduler"
	"github.com/jamesruggles/spectra/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server, scheduler and scan workers",
	Long: `Start the HTTP API together with the schedule poller and the worker pool.

Scans left PENDING by a previous process are dispatched on startup, as are
RUNNING scans whose run stopped renewing its lease. On SIGINT or SIGTERM the
server stops accepting requests and waits for queued scans to finish.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	hub := server.NewHub(slog.Default())
	a, err := newApp(cfg, hub)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.pool.Start(ctx)
	resumeScans(a)

	sched := scheduler.New(scheduler.Options{
		DB:       a.db,
		Executor: a.executor,
		Metrics:  a.metrics,
		Interval: cfg.Scheduler.Interval,
		Location: loc,
	})
	if cfg.Scheduler.Enabled {
		sched.Start(ctx)
	} else {
		slog.Info("scheduler disabled")
	}

	srv := server.New(server.Options{
		Config:   cfg,
		DB:       a.db,
		Executor: a.executor,
		Hub:      hub,
		Reports:  a.reports,
		Gatherer: a.registry,
	})
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err = <-errCh:
		if err != nil {
			slog.Error("server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		slog.Error("server shutdown", "error", serr)
	}
	sched.Stop()
	a.pool.Stop()
	return err
}

// resumeScans dispatches scans a previous process left unfinished. RUNNING
// scans whose lease is still renewed by another process are left alone.
func resumeScans(a *app) {
	scans, err := a.db.ListUnfinishedScans()
	if err != nil {
		slog.Error("listing unfinished scans", "error", err)
		return
	}
	for _, s := range scans {
		err := a.executor.Resume(s.ID)
		switch {
		case err == nil:
			slog.Info("resumed scan", "scan_id", s.ID, "status", s.Status)
		case errors.Is(err, scanner.ErrScanInFlight):
			slog.Info("scan held by another run", "scan_id", s.ID, "run_id", s.RunID)
		case errors.Is(err, scanner.ErrScanFinished):
		default:
			slog.Error("resuming scan", "scan_id", s.ID, "error", err)
		}
	}
}
