package scanner

import (
	"context"
	"errors"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jamesruggles/spectra/internal/database"
)

// Gitleaks walks each repository's history for committed secrets. It runs
// once per repository because its paths are relative to the repository root.
type Gitleaks struct {
	base
}

func (g *Gitleaks) Run(ctx context.Context, in Input) (*database.Findings, error) {
	f := &database.Findings{}
	if len(in.Repos) == 0 {
		return f, ErrSkipped
	}

	var errs []error
	for _, repo := range in.Repos {
		repoRoot := filepath.Join(in.Workspace.Src, repo)
		outPath := in.Workspace.OutPath(gitleaksReportName(repo))
		spec := buildGitleaksSpec(repoRoot, outPath, in.Config.SecretsNoHistory)

		data, err := g.runAndRead(ctx, in, spec, outPath)
		if err != nil {
			g.logger.Warn("secret scan failed for repository", "scan_id", in.ScanID, "repo", repo, "error", err)
			errs = append(errs, err)
			continue
		}
		if data == nil {
			continue
		}
		found, err := normalizeGitleaks(data, in.ScanID, repoRoot, repo)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		f.Append(found)
	}

	// Partial results from the repositories that worked are kept.
	if len(errs) == len(in.Repos) {
		return f, errors.Join(errs...)
	}
	return f, nil
}

type gitleaksFinding struct {
	Description string `json:"Description"`
	StartLine   int    `json:"StartLine"`
	EndLine     int    `json:"EndLine"`
	Match       string `json:"Match"`
	File        string `json:"File"`
	Commit      string `json:"Commit"`
	Author      string `json:"Author"`
	Email       string `json:"Email"`
	Date        string `json:"Date"`
	Message     string `json:"Message"`
	RuleID      string `json:"RuleID"`
}

// normalizeGitleaks maps one repository's report. File paths are made
// relative to the workspace source root by prefixing repoDir.
func normalizeGitleaks(data []byte, scanID int64, repoRoot, repoDir string) (*database.Findings, error) {
	var report []gitleaksFinding
	if err := decode(KindGitleaks, data, &report); err != nil {
		return nil, err
	}

	f := &database.Findings{}
	for _, r := range report {
		// In no-git mode the reported path includes the absolute source dir.
		file := relPath(repoRoot, r.File)

		f.Secrets = append(f.Secrets, database.Secret{
			ScanID:        scanID,
			Title:         r.Description,
			Match:         r.Match,
			RuleID:        r.RuleID,
			FilePath:      path.Join(filepath.ToSlash(repoDir), file),
			StartLine:     intPtr(r.StartLine),
			EndLine:       intPtr(r.EndLine),
			Commit:        r.Commit,
			CommitMessage: strings.TrimSpace(r.Message),
			CommitDate:    parseCommitDate(r.Date),
			Author:        r.Author,
			Email:         r.Email,
		})
	}
	return f, nil
}

func parseCommitDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
