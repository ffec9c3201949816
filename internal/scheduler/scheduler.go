package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jamesruggles/spectra/internal/database"
	"github.com/jamesruggles/spectra/internal/metrics"
)

// Triggerer dispatches a persisted scan; *scanner.Executor satisfies it.
type Triggerer interface {
	Trigger(scanID int64) error
}

type Options struct {
	DB       *database.DB
	Executor Triggerer
	Metrics  *metrics.Metrics
	// Interval between polls; defaults to one minute.
	Interval time.Duration
	// Location is the zone schedule times are read in; defaults to time.Local.
	Location *time.Location
	Logger   *slog.Logger
}

// Scheduler polls schedule-enabled projects and starts the ones that are due.
// All schedule state lives in the database.
type Scheduler struct {
	db       *database.DB
	executor Triggerer
	metrics  *metrics.Metrics
	interval time.Duration
	loc      *time.Location
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Scheduler {
	s := &Scheduler{
		db:       opts.DB,
		executor: opts.Executor,
		metrics:  opts.Metrics,
		interval: opts.Interval,
		loc:      opts.Location,
		logger:   opts.Logger,
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Start launches the poll loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("scheduler started", "interval", s.interval, "timezone", s.loc.String())
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.Poll(now)
			}
		}
	}()
}

// Stop halts the poll loop and waits for an in-progress poll to finish.
// Scans already dispatched keep running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Poll evaluates every schedule-enabled project against now and returns the
// IDs of the scans it created. Errors are logged per project.
func (s *Scheduler) Poll(now time.Time) []int64 {
	s.metrics.SchedulerPoll()
	now = now.In(s.loc)

	projects, err := s.db.ListScheduledProjects()
	if err != nil {
		s.logger.Error("scheduler: listing projects", "error", err)
		return nil
	}

	var started []int64
	for i := range projects {
		p := &projects[i]
		if !s.IsDue(p, now) {
			continue
		}
		id, ok := s.launch(p, now)
		if ok {
			started = append(started, id)
		}
	}
	return started
}

// IsDue reports whether the project's schedule matches now to the minute and
// it has not already run today. A missed minute is not caught up.
func (s *Scheduler) IsDue(p *database.Project, now time.Time) bool {
	sched := p.Schedule
	if !sched.Enabled {
		return false
	}
	now = now.In(s.loc)
	if now.Format("15:04") != sched.Time {
		return false
	}

	switch sched.Frequency {
	case database.FrequencyDaily:
	case database.FrequencyWeekly:
		if sched.Day == "" || !strings.EqualFold(now.Weekday().String(), strings.TrimSpace(sched.Day)) {
			return false
		}
	default:
		s.logger.Warn("scheduler: unknown frequency", "project_id", p.ID, "frequency", sched.Frequency)
		return false
	}

	if last := sched.LastScheduledScan; last != nil && sameDay(last.In(s.loc), now) {
		return false
	}
	return true
}

func (s *Scheduler) launch(p *database.Project, now time.Time) (int64, bool) {
	logger := s.logger.With("project_id", p.ID)

	kind, ok := scopeKind(p)
	if !ok {
		logger.Warn("scheduler: project has no repositories or target URLs, skipping")
		return 0, false
	}

	scan := &database.Scan{Kind: kind, Config: p.ScanConfig}
	if err := s.db.CreateScheduledScan(p.ID, now, scan); err != nil {
		logger.Error("scheduler: creating scan", "error", err)
		return 0, false
	}
	logger = logger.With("scan_id", scan.ID)
	logger.Info("scheduled scan created", "kind", kind)

	if err := s.executor.Trigger(scan.ID); err != nil {
		logger.Error("scheduler: dispatching scan", "error", err)
	}
	return scan.ID, true
}

// scopeKind picks the phases a scheduled scan runs from what the project has.
func scopeKind(p *database.Project) (string, bool) {
	hasRepos := len(p.Repositories) > 0
	hasTargets := len(p.TargetURLs) > 0
	switch {
	case hasRepos && hasTargets:
		return database.KindBoth, true
	case hasRepos:
		return database.KindCode, true
	case hasTargets:
		return database.KindWeb, true
	}
	return "", false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
