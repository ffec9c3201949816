package scanner

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jamesruggles/spectra/internal/database"
	"github.com/jamesruggles/spectra/internal/tools"
	"github.com/jamesruggles/spectra/internal/workspace"
)

func buildTrivySpec(ws *workspace.Workspace, outPath string) tools.ToolSpec {
	return tools.ToolSpec{
		Name: "Trivy",
		Args: []string{
			"fs",
			"--format", "json",
			"--output", outPath,
			"--no-progress",
			"--scanners", "vuln,misconfig,secret",
			ws.Src,
		},
	}
}

func buildSemgrepSpec(ws *workspace.Workspace, rules []string, outPath string) tools.ToolSpec {
	args := []string{
		"scan",
		"--json",
		"--output", outPath,
		// Scan everything in the workspace regardless of the project's ignore files.
		"--no-git-ignore",
		"--metrics", "off",
	}
	for _, r := range rules {
		args = append(args, "--config", r)
	}
	args = append(args, ws.Src)
	return tools.ToolSpec{
		Name: "Semgrep",
		Args: args,
	}
}

func buildGitleaksSpec(repoRoot, outPath string, noHistory bool) tools.ToolSpec {
	args := []string{
		"detect",
		"--source", repoRoot,
		"--report-format", "json",
		"--report-path", outPath,
		"--redact",
		"--exit-code", "0",
	}
	if noHistory {
		args = append(args, "--no-git")
	}
	return tools.ToolSpec{
		Name: "Gitleaks",
		Args: args,
	}
}

func buildNucleiSpec(listPath, outPath string, opts database.NucleiOptions) (tools.ToolSpec, error) {
	args := []string{"-l", listPath, "-json-export", outPath, "-silent"}

	if len(opts.Severity) > 0 {
		for _, s := range opts.Severity {
			switch strings.ToLower(s) {
			case "critical", "high", "medium", "low", "info", "unknown":
			default:
				return tools.ToolSpec{}, fmt.Errorf("invalid severity filter: %s", s)
			}
		}
		args = append(args, "-severity", strings.ToLower(strings.Join(opts.Severity, ",")))
	}
	if len(opts.Tags) > 0 {
		args = append(args, "-tags", strings.Join(opts.Tags, ","))
	}
	if len(opts.ExcludeTags) > 0 {
		args = append(args, "-etags", strings.Join(opts.ExcludeTags, ","))
	}
	if opts.RateLimit > 0 {
		args = append(args, "-rl", strconv.Itoa(opts.RateLimit))
	}
	if opts.Concurrency > 0 {
		args = append(args, "-c", strconv.Itoa(opts.Concurrency))
	}
	if opts.Timeout > 0 {
		args = append(args, "-timeout", strconv.Itoa(opts.Timeout))
	}
	if opts.Proxy != "" {
		if err := tools.ValidateURL(opts.Proxy); err != nil {
			return tools.ToolSpec{}, fmt.Errorf("proxy: %w", err)
		}
		args = append(args, "-proxy", opts.Proxy)
	}
	if opts.Passive {
		args = append(args, "-passive")
	}

	names := make([]string, 0, len(opts.Headers))
	for name := range opts.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.ContainsAny(name, ":\r\n") || strings.ContainsAny(opts.Headers[name], "\r\n") {
			return tools.ToolSpec{}, fmt.Errorf("invalid header: %q", name)
		}
		args = append(args, "-H", name+": "+opts.Headers[name])
	}

	return tools.ToolSpec{
		Name: "Nuclei",
		Args: args,
	}, nil
}

// gitleaksReportName keeps per-repository reports apart in the output dir.
func gitleaksReportName(repoDir string) string {
	return "gitleaks-" + strings.ReplaceAll(filepath.ToSlash(repoDir), "/", "_") + ".json"
}
