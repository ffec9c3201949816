package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesruggles/spectra/internal/database"
	"github.com/jamesruggles/spectra/internal/tools"
)

func TestBuildTrivySpec(t *testing.T) {
	ws := newTestWorkspace(t)

	spec := buildTrivySpec(ws, "/out/trivy.json")
	assert.Contains(t, spec.Args, "vuln,misconfig,secret")
	assert.Equal(t, ws.Src, spec.Args[len(spec.Args)-1])
}

func TestBuildSemgrepSpec(t *testing.T) {
	ws := newTestWorkspace(t)
	spec := buildSemgrepSpec(ws, []string{"p/security-audit", "p/python"}, "/out/semgrep.json")

	assert.Equal(t, []string{
		"scan", "--json", "--output", "/out/semgrep.json", "--no-git-ignore", "--metrics", "off",
		"--config", "p/security-audit", "--config", "p/python", ws.Src,
	}, spec.Args)
}

func TestBuildGitleaksSpec(t *testing.T) {
	spec := buildGitleaksSpec("/w/src/api", "/w/out/g.json", false)
	assert.NotContains(t, spec.Args, "--no-git")
	assert.Contains(t, spec.Args, "--redact")

	spec = buildGitleaksSpec("/w/src/api", "/w/out/g.json", true)
	assert.Contains(t, spec.Args, "--no-git")
}

func TestBuildNucleiSpec(t *testing.T) {
	spec, err := buildNucleiSpec("/w/out/t.txt", "/w/out/n.json", database.NucleiOptions{
		Severity:    []string{"High", "critical"},
		Tags:        []string{"cve", "xss"},
		ExcludeTags: []string{"dos"},
		RateLimit:   50,
		Concurrency: 5,
		Timeout:     10,
		Proxy:       "http://127.0.0.1:8080",
		Passive:     true,
		Headers:     map[string]string{"X-B": "2", "Authorization": "Bearer t"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"-l", "/w/out/t.txt", "-json-export", "/w/out/n.json", "-silent",
		"-severity", "high,critical",
		"-tags", "cve,xss",
		"-etags", "dos",
		"-rl", "50",
		"-c", "5",
		"-timeout", "10",
		"-proxy", "http://127.0.0.1:8080",
		"-passive",
		"-H", "Authorization: Bearer t",
		"-H", "X-B: 2",
	}, spec.Args)

	_, err = buildNucleiSpec("a", "b", database.NucleiOptions{Severity: []string{"apocalyptic"}})
	assert.Error(t, err)
	_, err = buildNucleiSpec("a", "b", database.NucleiOptions{Headers: map[string]string{"X": "a\r\nInjected: 1"}})
	assert.Error(t, err)
}

func TestAnalyzerNonZeroExitWithOutputIsWarning(t *testing.T) {
	runner := newFakeRunner()
	runner.set("semgrep", toolBehavior{
		exitCode: 1,
		output:   `{"results":[{"check_id":"a.b.c","path":"x.py","start":{"line":1},"extra":{"severity":"ERROR","metadata":{"category":"security"}}}]}`,
	})
	var warned []Kind
	a := Analyzers(testScannerConfig(), runner, nil, func(k Kind) { warned = append(warned, k) })

	ws := newTestWorkspace(t)
	var lines []tools.OutputLine
	f, err := a[KindSemgrep].Run(context.Background(), Input{
		ScanID:    1,
		Workspace: ws,
		Progress:  func(l tools.OutputLine) { lines = append(lines, l) },
	})
	require.NoError(t, err)
	assert.Len(t, f.Vulnerabilities, 1)
	assert.Equal(t, []Kind{KindSemgrep}, warned)
	assert.NotEmpty(t, lines)

	// Without explicit rules the baseline packs are used.
	calls := runner.callsFor("semgrep")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Args, "p/owasp-top-ten")
}

func TestAnalyzerMissingOutputMeansNoFindings(t *testing.T) {
	runner := newFakeRunner()
	a := Analyzers(testScannerConfig(), runner, nil, nil)

	f, err := a[KindTrivy].Run(context.Background(), Input{ScanID: 1, Workspace: newTestWorkspace(t)})
	require.NoError(t, err)
	assert.Zero(t, f.Len())
}

func TestAnalyzerFailedWithoutOutputIsError(t *testing.T) {
	runner := newFakeRunner()
	runner.set("trivy", toolBehavior{exitCode: 2})
	a := Analyzers(testScannerConfig(), runner, nil, nil)

	f, err := a[KindTrivy].Run(context.Background(), Input{ScanID: 1, Workspace: newTestWorkspace(t)})
	var aerr *AnalyzerError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "run", aerr.Op)
	assert.Zero(t, f.Len())
}

func TestAnalyzerStartFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.set("trivy", toolBehavior{noStart: true})
	a := Analyzers(testScannerConfig(), runner, nil, nil)

	_, err := a[KindTrivy].Run(context.Background(), Input{ScanID: 1, Workspace: newTestWorkspace(t)})
	var aerr *AnalyzerError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, KindTrivy, aerr.Kind)
	assert.Equal(t, "exec", aerr.Op)
}

func TestNucleiSkipsWithoutTargets(t *testing.T) {
	runner := newFakeRunner()
	a := Analyzers(testScannerConfig(), runner, nil, nil)

	_, err := a[KindNuclei].Run(context.Background(), Input{
		ScanID:    1,
		Workspace: newTestWorkspace(t),
		Targets:   []string{"javascript:alert(1)", "https://bad host"},
	})
	assert.ErrorIs(t, err, ErrSkipped)
	assert.Empty(t, runner.callsFor("nuclei"))
}

func TestNucleiWritesTargetList(t *testing.T) {
	runner := newFakeRunner()
	runner.set("nuclei", toolBehavior{output: `[]`})
	a := Analyzers(testScannerConfig(), runner, nil, nil)
	ws := newTestWorkspace(t)

	f, err := a[KindNuclei].Run(context.Background(), Input{
		ScanID:    1,
		Workspace: ws,
		Targets:   []string{"https://acme.test", "ftp://nope"},
	})
	require.NoError(t, err)
	assert.Zero(t, f.Len())

	list, err := os.ReadFile(filepath.Join(ws.Out, "nuclei-targets.txt"))
	require.NoError(t, err)
	assert.Equal(t, "https://acme.test\n", string(list))
}

func TestGitleaksRunsPerRepository(t *testing.T) {
	runner := newFakeRunner()
	runner.set("gitleaks", toolBehavior{output: `[{"Description":"key","File":"main.go","StartLine":1,"RuleID":"r"}]`})
	a := Analyzers(testScannerConfig(), runner, nil, nil)
	ws := newTestWorkspace(t)

	f, err := a[KindGitleaks].Run(context.Background(), Input{
		ScanID:    1,
		Workspace: ws,
		Repos:     []string{"api", "web"},
		Config:    database.ScanConfig{SecretsNoHistory: true},
	})
	require.NoError(t, err)
	require.Len(t, f.Secrets, 2)
	assert.Equal(t, "api/main.go", f.Secrets[0].FilePath)
	assert.Equal(t, "web/main.go", f.Secrets[1].FilePath)

	calls := runner.callsFor("gitleaks")
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].Args, filepath.Join(ws.Src, "api"))
	assert.Contains(t, calls[1].Args, "--no-git")

	_, err = a[KindGitleaks].Run(context.Background(), Input{ScanID: 1, Workspace: ws})
	assert.ErrorIs(t, err, ErrSkipped)
}
