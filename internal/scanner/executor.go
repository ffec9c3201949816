package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jamesruggles/spectra/internal/database"
	"github.com/jamesruggles/spectra/internal/grading"
	"github.com/jamesruggles/spectra/internal/langdetect"
	"github.com/jamesruggles/spectra/internal/metrics"
	"github.com/jamesruggles/spectra/internal/tools"
	"github.com/jamesruggles/spectra/internal/worker"
	"github.com/jamesruggles/spectra/internal/workspace"
)

var (
	ErrScanNotFound = errors.New("scan not found")
	ErrScanFinished = errors.New("scan already finished")
	ErrScanInFlight = errors.New("scan already in flight")
)

// Broadcaster sends output lines to connected WebSocket clients.
type Broadcaster interface {
	Broadcast(scanID int64, line tools.OutputLine)
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(int64, tools.OutputLine) {}

// Submitter queues work; *worker.Pool satisfies it.
type Submitter interface {
	Submit(task worker.Task) error
}

type Options struct {
	DB          *database.DB
	Workspaces  *workspace.Manager
	Analyzers   map[Kind]Analyzer
	Pool        Submitter
	Broadcaster Broadcaster
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	// CloneDepth is used when a scan's config leaves the depth at 0.
	CloneDepth int
	// LeaseTTL is how long a RUNNING scan stays claimed without renewal.
	LeaseTTL time.Duration
}

const defaultLeaseTTL = 2 * time.Minute

// Executor drives a scan from RUNNING to a terminal status.
type Executor struct {
	db          *database.DB
	workspaces  *workspace.Manager
	analyzers   map[Kind]Analyzer
	pool        Submitter
	broadcaster Broadcaster
	metrics     *metrics.Metrics
	logger      *slog.Logger
	cloneDepth  int
	leaseTTL    time.Duration

	mu       sync.Mutex
	inFlight map[int64]string // scan id -> run id
}

func NewExecutor(opts Options) *Executor {
	e := &Executor{
		db:          opts.DB,
		workspaces:  opts.Workspaces,
		analyzers:   opts.Analyzers,
		pool:        opts.Pool,
		broadcaster: opts.Broadcaster,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		cloneDepth:  opts.CloneDepth,
		leaseTTL:    opts.LeaseTTL,
		inFlight:    make(map[int64]string),
	}
	if e.leaseTTL <= 0 {
		e.leaseTTL = defaultLeaseTTL
	}
	if e.broadcaster == nil {
		e.broadcaster = nopBroadcaster{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// StartNew records a manual scan of the project and triggers it. A nil cfg
// snapshots the project's current scan configuration.
func (e *Executor) StartNew(projectID int64, kind string, cfg *database.ScanConfig) (*database.Scan, error) {
	project, err := e.db.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("project %d: %w", projectID, database.ErrNotFound)
	}

	scan := &database.Scan{
		ProjectID: projectID,
		Kind:      kind,
		Trigger:   database.TriggerManual,
		Config:    project.ScanConfig,
	}
	if cfg != nil {
		scan.Config = *cfg
	}
	if err := e.db.CreateScan(scan); err != nil {
		return nil, fmt.Errorf("create scan: %w", err)
	}
	if err := e.Trigger(scan.ID); err != nil {
		return scan, err
	}
	scan.Status = database.StatusRunning
	return scan, nil
}

// Trigger moves a PENDING scan to RUNNING and hands it to the worker pool.
// The status change is committed before Trigger returns. A RUNNING scan
// belongs to the run holding its lease and is rejected here; see Resume.
func (e *Executor) Trigger(scanID int64) error {
	scan, err := e.load(scanID)
	if err != nil {
		return err
	}
	if scan.Status == database.StatusRunning {
		return fmt.Errorf("scan %d: %w", scanID, ErrScanInFlight)
	}

	runID, err := e.claim(scanID)
	if err != nil {
		return err
	}
	if err := e.db.MarkScanRunning(scanID, runID, time.Now().Add(e.leaseTTL)); err != nil {
		e.release(scanID)
		if errors.Is(err, database.ErrInvalidTransition) {
			return fmt.Errorf("scan %d: %w", scanID, ErrScanInFlight)
		}
		return err
	}
	return e.dispatch(scan, runID)
}

// Resume picks up a scan left unfinished by a previous process. PENDING
// scans are triggered. A RUNNING scan is taken over only after its lease
// expired, so a run still alive elsewhere keeps it.
func (e *Executor) Resume(scanID int64) error {
	scan, err := e.load(scanID)
	if err != nil {
		return err
	}
	if scan.Status == database.StatusPending {
		return e.Trigger(scanID)
	}

	runID, err := e.claim(scanID)
	if err != nil {
		return err
	}
	now := time.Now()
	if err := e.db.ClaimStaleScan(scanID, runID, now, now.Add(e.leaseTTL)); err != nil {
		e.release(scanID)
		if errors.Is(err, database.ErrInvalidTransition) {
			return fmt.Errorf("scan %d: %w", scanID, ErrScanInFlight)
		}
		return err
	}
	e.logger.Info("taking over orphaned scan", "scan_id", scanID, "previous_run_id", scan.RunID, "run_id", runID)
	return e.dispatch(scan, runID)
}

func (e *Executor) load(scanID int64) (*database.Scan, error) {
	scan, err := e.db.GetScan(scanID)
	if err != nil {
		return nil, err
	}
	if scan == nil {
		return nil, fmt.Errorf("scan %d: %w", scanID, ErrScanNotFound)
	}
	if scan.IsTerminal() {
		return nil, fmt.Errorf("scan %d: %w", scanID, ErrScanFinished)
	}
	return scan, nil
}

// claim reserves scanID for a new run in this process.
func (e *Executor) claim(scanID int64) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inFlight[scanID]; ok {
		return "", fmt.Errorf("scan %d: %w", scanID, ErrScanInFlight)
	}
	runID := uuid.NewString()
	e.inFlight[scanID] = runID
	return runID, nil
}

func (e *Executor) dispatch(scan *database.Scan, runID string) error {
	scanID := scan.ID
	if err := e.pool.Submit(func(ctx context.Context) { e.Run(ctx, scanID) }); err != nil {
		e.release(scanID)
		reason := fmt.Sprintf("dispatch: %v", err)
		if ferr := e.db.FailScan(scanID, reason); ferr != nil {
			e.logger.Error("mark scan failed", "scan_id", scanID, "error", ferr)
		}
		e.metrics.ScanRejected()
		e.finish(scanID, runID, "Scan failed: "+reason)
		return fmt.Errorf("dispatch scan %d: %w", scanID, err)
	}

	e.metrics.ScanTriggered(scan.Trigger)
	e.logger.Info("scan dispatched", "scan_id", scanID, "project_id", scan.ProjectID,
		"kind", scan.Kind, "trigger", scan.Trigger, "run_id", runID)
	return nil
}

// InFlight reports whether the scan is queued or running in this process.
func (e *Executor) InFlight(scanID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inFlight[scanID]
	return ok
}

func (e *Executor) runID(scanID int64) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight[scanID]
}

func (e *Executor) release(scanID int64) {
	e.mu.Lock()
	delete(e.inFlight, scanID)
	e.mu.Unlock()
}

// holdLease renews the scan's lease until the returned func is called.
func (e *Executor) holdLease(scanID int64, runID string, logger *slog.Logger) func() {
	if runID == "" {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.leaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := e.db.RenewLease(scanID, runID, time.Now().Add(e.leaseTTL)); err != nil {
					logger.Warn("renew scan lease", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// Run executes a RUNNING scan to completion. Any error or panic that escapes
// the analyzer phases marks the scan FAILED.
func (e *Executor) Run(ctx context.Context, scanID int64) {
	runID := e.runID(scanID)
	logger := e.logger.With("scan_id", scanID, "run_id", runID)
	start := time.Now()
	e.metrics.ScanStarted()
	stopLease := e.holdLease(scanID, runID, logger)

	status := database.StatusFailed
	defer func() {
		if r := recover(); r != nil {
			logger.Error("scan panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			e.fail(logger, scanID, fmt.Sprintf("internal error: %v", r))
			status = database.StatusFailed
		}
		stopLease()
		e.metrics.ScanFinished(status, time.Since(start))
		e.release(scanID)
		e.finish(scanID, runID, "Scan "+status)
	}()

	if err := e.execute(ctx, scanID, runID, logger); err != nil {
		logger.Error("scan failed", "error", err)
		e.fail(logger, scanID, err.Error())
		return
	}
	status = database.StatusCompleted
	logger.Info("scan completed", "duration", time.Since(start).Round(time.Millisecond))
}

func (e *Executor) fail(logger *slog.Logger, scanID int64, reason string) {
	if err := e.db.FailScan(scanID, reason); err != nil {
		logger.Error("mark scan failed", "error", err)
	}
}

func (e *Executor) execute(ctx context.Context, scanID int64, runID string, logger *slog.Logger) error {
	scan, err := e.db.GetScan(scanID)
	if err != nil {
		return err
	}
	if scan == nil {
		return fmt.Errorf("scan %d: %w", scanID, ErrScanNotFound)
	}
	if !database.ValidKind(scan.Kind) {
		return fmt.Errorf("scan kind %q selects no phase", scan.Kind)
	}
	project, err := e.db.GetProject(scan.ProjectID)
	if err != nil {
		return err
	}
	if project == nil {
		return fmt.Errorf("project %d: %w", scan.ProjectID, database.ErrNotFound)
	}

	ws, err := e.workspaces.Acquire(scanID)
	if err != nil {
		return fmt.Errorf("acquire workspace: %w", err)
	}
	defer e.workspaces.Release(ws)

	in := Input{
		ScanID:    scanID,
		Workspace: ws,
		Config:    scan.Config,
		Progress: func(line tools.OutputLine) {
			line.RunID = runID
			e.broadcaster.Broadcast(scanID, line)
		},
	}
	findings := &database.Findings{}
	var sastRan, dastRan bool

	if scan.RunsCode() {
		e.progress(scanID, "Code analysis: cloning %d repositories", len(project.Repositories))
		depth := scan.Config.CloneDepth
		if depth == 0 {
			depth = e.cloneDepth
		}
		for _, res := range e.workspaces.CloneAll(ctx, project.Repositories, ws, depth) {
			if res.Err != nil {
				e.metrics.CloneFailed()
				e.progress(scanID, "Clone failed for %s", res.Repository.Name)
				continue
			}
			in.Repos = append(in.Repos, res.Dir)
		}

		if len(in.Repos) == 0 {
			logger.Warn("no repository available, skipping code analysis")
			e.progress(scanID, "Code analysis skipped: no repository cloned")
		} else {
			langs, err := langdetect.Detect(ws.Src)
			if err != nil {
				logger.Warn("language detection failed", "error", err)
			}
			in.Rules = langdetect.RuleConfigs(langs)
			logger.Info("languages detected", "languages", langs)

			findings.Append(e.runAnalyzer(ctx, KindSemgrep, in, logger))
			findings.Append(e.runAnalyzer(ctx, KindTrivy, in, logger))
			if scan.Config.IncludeSecrets {
				findings.Append(e.runAnalyzer(ctx, KindGitleaks, in, logger))
				findings.Secrets = dedupeSecrets(findings.Secrets)
			}
			sastRan = true
		}
	}

	if scan.RunsWeb() {
		for _, t := range project.TargetURLs {
			in.Targets = append(in.Targets, t.URL)
		}
		if len(in.Targets) == 0 {
			logger.Info("no target urls, skipping web analysis")
			e.progress(scanID, "Web analysis skipped: no target URLs")
		} else {
			findings.Append(e.runAnalyzer(ctx, KindNuclei, in, logger))
			dastRan = true
		}
	}

	grades := grading.Grade(findings, sastRan, dastRan)
	if err := e.db.CompleteScan(scanID, findings, grades); err != nil {
		return fmt.Errorf("persist results: %w", err)
	}

	e.metrics.Findings("vulnerability", len(findings.Vulnerabilities))
	e.metrics.Findings("quality_issue", len(findings.QualityIssues))
	e.metrics.Findings("secret", len(findings.Secrets))
	logger.Info("scan graded",
		"vulnerabilities", len(findings.Vulnerabilities),
		"quality_issues", len(findings.QualityIssues),
		"secrets", len(findings.Secrets),
		"security", grades.SecurityGrade, "quality", grades.QualityGrade)
	return nil
}

// runAnalyzer isolates one analyzer: its failure is logged and yields no
// findings.
func (e *Executor) runAnalyzer(ctx context.Context, kind Kind, in Input, logger *slog.Logger) *database.Findings {
	a, ok := e.analyzers[kind]
	if !ok {
		logger.Warn("analyzer not configured", "analyzer", kind)
		return nil
	}

	e.progress(in.ScanID, "Running %s", kind)
	start := time.Now()
	f, err := a.Run(ctx, in)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, ErrSkipped):
		logger.Info("analyzer skipped", "analyzer", kind)
		return nil
	case err != nil:
		e.metrics.AnalyzerRun(string(kind), elapsed, err)
		logger.Warn("analyzer failed", "analyzer", kind, "error", err, "duration", elapsed.Round(time.Millisecond))
		e.progress(in.ScanID, "%s failed: %v", kind, err)
		// Gitleaks keeps what the repositories that worked produced.
		return f
	}

	e.metrics.AnalyzerRun(string(kind), elapsed, nil)
	if f != nil {
		logger.Info("analyzer finished", "analyzer", kind, "findings", f.Len(), "duration", elapsed.Round(time.Millisecond))
		e.progress(in.ScanID, "%s finished with %d findings", kind, f.Len())
	}
	return f
}

func (e *Executor) progress(scanID int64, format string, args ...any) {
	e.broadcaster.Broadcast(scanID, tools.OutputLine{
		Timestamp: time.Now(),
		Stream:    "status",
		Line:      fmt.Sprintf(format, args...),
		RunID:     e.runID(scanID),
	})
}

func (e *Executor) finish(scanID int64, runID, line string) {
	e.broadcaster.Broadcast(scanID, tools.OutputLine{Timestamp: time.Now(), Stream: "status", Line: line, RunID: runID})
	e.broadcaster.Broadcast(scanID, tools.OutputLine{Done: true, Timestamp: time.Now(), RunID: runID})
}
