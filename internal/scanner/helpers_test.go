package scanner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jamesruggles/spectra/internal/config"
	"github.com/jamesruggles/spectra/internal/tools"
	"github.com/jamesruggles/spectra/internal/workspace"
)

// toolBehavior describes what a fake binary does for one invocation.
type toolBehavior struct {
	output   string
	exitCode int
	noStart  bool
	// files are created relative to the clone destination (git only).
	files map[string]string
}

// fakeRunner stands in for every external binary. Reports are written to the
// path passed after the tool's output flag.
type fakeRunner struct {
	mu        sync.Mutex
	behaviors map[string]toolBehavior
	calls     []tools.ToolSpec
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{behaviors: make(map[string]toolBehavior)}
}

func (f *fakeRunner) set(binary string, b toolBehavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviors[binary] = b
}

func (f *fakeRunner) callsFor(binary string) []tools.ToolSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tools.ToolSpec
	for _, c := range f.calls {
		if c.BinaryName == binary {
			out = append(out, c)
		}
	}
	return out
}

var outputFlags = map[string]bool{"--output": true, "-json-export": true, "--report-path": true}

func (f *fakeRunner) Run(_ context.Context, spec tools.ToolSpec, out chan<- tools.OutputLine) *tools.ToolResult {
	if out != nil {
		defer close(out)
	}
	f.mu.Lock()
	f.calls = append(f.calls, spec)
	b := f.behaviors[spec.BinaryName]
	f.mu.Unlock()

	if b.noStart {
		return &tools.ToolResult{ExitCode: -1, Error: os.ErrNotExist}
	}

	if spec.BinaryName == "git" {
		dest := spec.Args[len(spec.Args)-1]
		_ = os.MkdirAll(dest, 0o755)
		for name, content := range b.files {
			p := filepath.Join(dest, name)
			_ = os.MkdirAll(filepath.Dir(p), 0o755)
			_ = os.WriteFile(p, []byte(content), 0o644)
		}
		return &tools.ToolResult{}
	}

	if out != nil {
		out <- tools.OutputLine{Stream: "stdout", Line: spec.BinaryName + " running"}
	}
	if b.output != "" {
		for i, a := range spec.Args {
			if outputFlags[a] && i+1 < len(spec.Args) {
				_ = os.WriteFile(spec.Args[i+1], []byte(b.output), 0o644)
			}
		}
	}
	res := &tools.ToolResult{ExitCode: b.exitCode}
	if b.exitCode != 0 {
		res.Error = &exitError{code: b.exitCode}
		res.Stderr = "findings detected"
	}
	return res
}

// exitError mimics a process that exited non-zero.
type exitError struct{ code int }

func (e *exitError) Error() string { return "exit status" }

func testScannerConfig() config.ScannerConfig {
	return config.ScannerConfig{
		Git:      config.ToolConfig{Binary: "git"},
		Trivy:    config.ToolConfig{Binary: "trivy"},
		Semgrep:  config.ToolConfig{Binary: "semgrep"},
		Gitleaks: config.ToolConfig{Binary: "gitleaks"},
		Nuclei:   config.ToolConfig{Binary: "nuclei"},
	}
}

func newTestWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	m := workspace.NewManager(workspace.Options{BaseDir: t.TempDir()})
	ws, err := m.Acquire(1)
	require.NoError(t, err)
	t.Cleanup(func() { m.Release(ws) })
	return ws
}
