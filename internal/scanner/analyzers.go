package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jamesruggles/spectra/internal/config"
	"github.com/jamesruggles/spectra/internal/database"
	"github.com/jamesruggles/spectra/internal/tools"
	"github.com/jamesruggles/spectra/internal/workspace"
)

// Kind identifies one analyzer and its paired normalizer.
type Kind string

const (
	KindTrivy    Kind = "trivy"
	KindSemgrep  Kind = "semgrep"
	KindGitleaks Kind = "gitleaks"
	KindNuclei   Kind = "nuclei"
)

// Input is what an analyzer needs to run against one scan.
type Input struct {
	ScanID    int64
	Workspace *workspace.Workspace
	// Repos are the successfully cloned directories, relative to Workspace.Src.
	Repos []string
	// Rules are the static analyzer configs chosen from the detected languages.
	Rules   []string
	Targets []string
	Config  database.ScanConfig
	// Progress receives tool output lines; may be nil.
	Progress func(tools.OutputLine)
}

// Analyzer wraps one external tool.
type Analyzer interface {
	Kind() Kind
	Run(ctx context.Context, in Input) (*database.Findings, error)
}

// AnalyzerError is a phase-local failure. The executor logs it and carries on
// with zero findings from that analyzer.
type AnalyzerError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *AnalyzerError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *AnalyzerError) Unwrap() error { return e.Err }

// ErrSkipped is returned by an analyzer that had nothing to do.
var ErrSkipped = errors.New("analyzer skipped")

// base holds what every analyzer shares: how to start its binary.
type base struct {
	kind   Kind
	tool   config.ToolConfig
	runner tools.Runner
	logger *slog.Logger
	onWarn func(Kind)
}

func (b *base) Kind() Kind { return b.kind }

// exec runs spec and classifies the outcome. A process that never started,
// timed out or was killed is an AnalyzerError; a non-zero exit is only a
// warning.
func (b *base) exec(ctx context.Context, in Input, spec tools.ToolSpec) (*tools.ToolResult, error) {
	spec.BinaryName = b.tool.Binary
	spec.Timeout = b.tool.Timeout
	if spec.Name == "" {
		spec.Name = string(b.kind)
	}

	var out chan tools.OutputLine
	done := make(chan struct{})
	if in.Progress != nil {
		out = make(chan tools.OutputLine, 100)
		go func() {
			for line := range out {
				in.Progress(line)
			}
			close(done)
		}()
	} else {
		close(done)
	}

	res := b.runner.Run(ctx, spec, out)
	<-done

	if !res.Exited() {
		return res, &AnalyzerError{Kind: b.kind, Op: "exec", Err: res.Error}
	}
	if res.ExitCode != 0 {
		b.logger.Warn("analyzer exited non-zero", "scan_id", in.ScanID, "analyzer", b.kind,
			"exit_code", res.ExitCode, "stderr", tail(res.Stderr, 500))
		if b.onWarn != nil {
			b.onWarn(b.kind)
		}
	}
	return res, nil
}

// readOutput returns the report at path, or nil when it is missing or empty.
func readOutput(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	return data, nil
}

// runAndRead executes spec and loads its report. A failed run that left no
// report is an AnalyzerError; a clean run without a report means no findings.
func (b *base) runAndRead(ctx context.Context, in Input, spec tools.ToolSpec, outPath string) ([]byte, error) {
	res, err := b.exec(ctx, in, spec)
	if err != nil {
		return nil, err
	}
	data, err := readOutput(outPath)
	if err != nil {
		return nil, &AnalyzerError{Kind: b.kind, Op: "read", Err: err}
	}
	if data == nil && res.Error != nil {
		return nil, &AnalyzerError{Kind: b.kind, Op: "run", Err: fmt.Errorf("%w: %s", res.Error, tail(res.Stderr, 200))}
	}
	return data, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

// relPath makes p relative to root with forward slashes. Paths outside root
// are returned cleaned but otherwise untouched.
func relPath(root, p string) string {
	if p == "" {
		return p
	}
	if filepath.IsAbs(p) && root != "" {
		if rel, err := filepath.Rel(root, p); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			p = rel
		}
	}
	p = filepath.ToSlash(filepath.Clean(p))
	return strings.TrimPrefix(p, "./")
}

func decode(kind Kind, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &AnalyzerError{Kind: kind, Op: "parse", Err: err}
	}
	return nil
}

func intPtr(v int) *int {
	if v <= 0 {
		return nil
	}
	return &v
}

// Analyzers builds the analyzer set from scanner configuration.
func Analyzers(cfg config.ScannerConfig, runner tools.Runner, logger *slog.Logger, onWarn func(Kind)) map[Kind]Analyzer {
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	mk := func(k Kind, tc config.ToolConfig) base {
		if tc.Binary == "" {
			tc.Binary = string(k)
		}
		return base{kind: k, tool: tc, runner: runner, logger: logger, onWarn: onWarn}
	}
	return map[Kind]Analyzer{
		KindTrivy:    &Trivy{base: mk(KindTrivy, cfg.Trivy)},
		KindSemgrep:  &Semgrep{base: mk(KindSemgrep, cfg.Semgrep)},
		KindGitleaks: &Gitleaks{base: mk(KindGitleaks, cfg.Gitleaks)},
		KindNuclei:   &Nuclei{base: mk(KindNuclei, cfg.Nuclei)},
	}
}
