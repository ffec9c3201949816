// Package workspace manages the per-scan scratch directory and the
// repository clones inside it.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jamesruggles/spectra/internal/database"
	"github.com/jamesruggles/spectra/internal/tools"
)

const masked = "***"

// Workspace is the scratch tree of a single scan. Src is the logical root
// every finding path is relative to; Out holds analyzer reports and is never
// scanned.
type Workspace struct {
	ScanID int64
	Root   string
	Src    string
	Out    string
}

// OutPath returns the path of an analyzer output file.
func (w *Workspace) OutPath(name string) string {
	return filepath.Join(w.Out, name)
}

// TokenSource yields the Git hosting credential, or "" when none is set.
type TokenSource func() string

// SettingsStore is the part of the database the token lookup needs.
type SettingsStore interface {
	GetSettings() (*database.Settings, error)
}

// SettingsToken prefers the token stored in settings and falls back to the
// configured one.
func SettingsToken(store SettingsStore, fallback string) TokenSource {
	return func() string {
		if store != nil {
			if s, err := store.GetSettings(); err == nil && s.GitHubToken != "" {
				return s.GitHubToken
			}
		}
		return fallback
	}
}

type Options struct {
	BaseDir string
	Git     tools.ToolSpec
	Token   TokenSource
	Runner  tools.Runner
	Logger  *slog.Logger
}

type Manager struct {
	base   string
	git    tools.ToolSpec
	token  TokenSource
	runner tools.Runner
	logger *slog.Logger
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		base:   opts.BaseDir,
		git:    opts.Git,
		token:  opts.Token,
		runner: opts.Runner,
		logger: opts.Logger,
	}
	if m.base == "" {
		m.base = os.TempDir()
	}
	if m.git.BinaryName == "" {
		m.git.BinaryName = "git"
	}
	if m.token == nil {
		m.token = func() string { return "" }
	}
	if m.runner == nil {
		m.runner = tools.ExecRunner{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Acquire creates a fresh, uniquely named tree for scanID.
func (m *Manager) Acquire(scanID int64) (*Workspace, error) {
	if err := os.MkdirAll(m.base, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace base: %w", err)
	}
	root, err := os.MkdirTemp(m.base, fmt.Sprintf("spectra-scan-%d-", scanID))
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	ws := &Workspace{
		ScanID: scanID,
		Root:   root,
		Src:    filepath.Join(root, "src"),
		Out:    filepath.Join(root, "out"),
	}
	for _, dir := range []string{ws.Src, ws.Out} {
		if err := os.Mkdir(dir, 0o700); err != nil {
			os.RemoveAll(root)
			return nil, fmt.Errorf("create workspace: %w", err)
		}
	}
	return ws, nil
}

// Release removes the workspace tree. It is safe to call on nil.
func (m *Manager) Release(ws *Workspace) error {
	if ws == nil || ws.Root == "" {
		return nil
	}
	if err := os.RemoveAll(ws.Root); err != nil {
		m.logger.Warn("workspace cleanup failed", "scan_id", ws.ScanID, "path", ws.Root, "error", err)
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

// CloneResult is the outcome for one repository. Dir is relative to Src and
// empty when the clone failed.
type CloneResult struct {
	Repository database.Repository
	Dir        string
	Err        error
}

// CloneAll clones every repository into its own directory under ws.Src.
// depth 0 fetches full history. A failed clone is logged and reported but
// does not stop the others.
func (m *Manager) CloneAll(ctx context.Context, repos []database.Repository, ws *Workspace, depth int) []CloneResult {
	token := m.token()
	used := make(map[string]bool)
	results := make([]CloneResult, 0, len(repos))

	for _, repo := range repos {
		res := CloneResult{Repository: repo}
		name := uniqueName(dirName(repo), used)
		dest := filepath.Join(ws.Src, name)

		if err := ctx.Err(); err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}

		if err := tools.ValidateRepoURL(repo.URL); err != nil {
			res.Err = fmt.Errorf("repository %s: %w", repo.Name, err)
			m.logger.Warn("skipping repository", "scan_id", ws.ScanID, "repo", repo.Name, "error", err)
			results = append(results, res)
			continue
		}

		spec := m.git
		spec.Name = "git"
		spec.Args = append(spec.Args[:0:0], "clone")
		if depth > 0 {
			spec.Args = append(spec.Args, "--depth", strconv.Itoa(depth))
		}
		spec.Args = append(spec.Args, "--filter=blob:none", InjectCredential(repo.URL, token), dest)
		spec.Env = append(spec.Env[:0:0], "GIT_TERMINAL_PROMPT=0")

		start := time.Now()
		out := m.runner.Run(ctx, spec, nil)
		if out.Error != nil {
			msg := strings.TrimSpace(Mask(out.Stderr, token))
			res.Err = fmt.Errorf("clone %s: %s: %s", Mask(repo.URL, token), Mask(out.Error.Error(), token), msg)
			m.logger.Error("clone failed", "scan_id", ws.ScanID, "repo", repo.Name, "error", res.Err)
			os.RemoveAll(dest)
		} else {
			res.Dir = name
			m.logger.Info("cloned repository", "scan_id", ws.ScanID, "repo", repo.Name,
				"dir", name, "duration", time.Since(start).Round(time.Millisecond))
		}
		results = append(results, res)
	}
	return results
}

// InjectCredential embeds token into rawURL when it points at GitHub over
// http(s). Any other URL is returned unchanged.
func InjectCredential(rawURL, token string) string {
	if token == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return rawURL
	}
	host := strings.ToLower(u.Hostname())
	if host != "github.com" && !strings.HasSuffix(host, ".github.com") {
		return rawURL
	}
	u.User = url.User(token)
	return u.String()
}

// Mask replaces every occurrence of the given secrets in text with ***.
func Mask(text string, secrets ...string) string {
	for _, s := range secrets {
		if s == "" {
			continue
		}
		text = strings.ReplaceAll(text, s, masked)
		// InjectCredential embeds the userinfo encoding of the token.
		for _, esc := range []string{url.User(s).String(), url.PathEscape(s)} {
			if esc != s {
				text = strings.ReplaceAll(text, esc, masked)
			}
		}
	}
	return text
}

func dirName(repo database.Repository) string {
	name := repo.Name
	if name == "" {
		name = tools.RepoName(repo.URL)
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		name = "repo"
	}
	return name
}

func uniqueName(name string, used map[string]bool) string {
	candidate := name
	for i := 2; used[candidate]; i++ {
		candidate = name + "-" + strconv.Itoa(i)
	}
	used[candidate] = true
	return candidate
}
