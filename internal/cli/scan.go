package cli

import (
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/spf13/cobra"

	"github.com/jamesruggles/spectra/internal/config"
	"github.com/jamesruggles/spectra/internal/database"
	"github.com/jamesruggles/spectra/internal/tools"
)

var (
	scanKind      string
	scanSecrets   bool
	scanNoHistory bool
	scanDepth     int
)

var scanCmd = &cobra.Command{
	Use:   "scan <project-id>",
	Short: "Run one scan of a project in the foreground",
	Long: `Create a manual scan of the project and wait for it to finish.

Flags that are set override the project's default scan configuration for
this run only.`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanKind, "kind", database.KindCode, "phases to run: code, web or both")
	scanCmd.Flags().BoolVar(&scanSecrets, "secrets", false, "include secret scanning")
	scanCmd.Flags().BoolVar(&scanNoHistory, "no-history", false, "scan secrets in the checked-out tree only")
	scanCmd.Flags().IntVar(&scanDepth, "depth", 0, "clone depth (0 uses the configured default)")
}

// linePrinter writes scan progress to a terminal.
type linePrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *linePrinter) Broadcast(_ int64, line tools.OutputLine) {
	if line.Done || line.Line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	stream := info("[%s]", line.Stream)
	if line.Stream == "stderr" {
		stream = warning("[%s]", line.Stream)
	}
	fmt.Fprintf(p.w, "%s %s\n", stream, line.Line)
}

func runScan(cmd *cobra.Command, args []string) error {
	projectID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid project id %q", args[0])
	}
	if !database.ValidKind(scanKind) {
		return fmt.Errorf("--kind must be code, web or both")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, &linePrinter{w: cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer a.close()

	project, err := a.db.GetProject(projectID)
	if err != nil {
		return err
	}
	if project == nil {
		return fmt.Errorf("project %d not found", projectID)
	}
	scanCfg := project.ScanConfig
	flags := cmd.Flags()
	if flags.Changed("secrets") {
		scanCfg.IncludeSecrets = scanSecrets
	}
	if flags.Changed("no-history") {
		scanCfg.SecretsNoHistory = scanNoHistory
	}
	if flags.Changed("depth") {
		scanCfg.CloneDepth = scanDepth
	}

	a.pool.Start(cmd.Context())
	scan, err := a.executor.StartNew(projectID, scanKind, &scanCfg)
	// Stop drains the queue, so the scan has finished once it returns.
	a.pool.Stop()
	if err != nil {
		return err
	}

	done, err := a.db.GetScan(scan.ID)
	if err != nil {
		return err
	}
	return printScan(cmd.OutOrStdout(), a.db, done)
}

func printScan(w io.Writer, db *database.DB, s *database.Scan) error {
	fmt.Fprintf(w, "Scan #%d %s\n", s.ID, colorStatus(s.Status))
	if s.Status == database.StatusFailed {
		return fmt.Errorf("scan failed: %s", s.Error)
	}
	if s.SecurityGrade != nil && s.QualityGrade != nil {
		fmt.Fprintf(w, "Security: %s (%d)\n", colorGrade(*s.SecurityGrade), *s.SecurityScore)
		fmt.Fprintf(w, "Quality:  %s (%d)\n", colorGrade(*s.QualityGrade), *s.QualityScore)
	}
	f, err := db.GetFindings(s.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Findings: %d vulnerabilities, %d quality issues, %d secrets\n",
		len(f.Vulnerabilities), len(f.QualityIssues), len(f.Secrets))
	return nil
}
