package report

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jamesruggles/spectra/internal/database"
)

var severityOrder = []string{
	database.SeverityCritical,
	database.SeverityHigh,
	database.SeverityMedium,
	database.SeverityLow,
	database.SeverityInfo,
}

type Generator struct {
	db         *database.DB
	reportsDir string
	fontPath   string
	now        func() time.Time
}

func NewGenerator(db *database.DB, reportsDir, fontPath string) *Generator {
	return &Generator{db: db, reportsDir: reportsDir, fontPath: fontPath, now: time.Now}
}

// summary is everything a rendered report needs about one scan.
type summary struct {
	company  string
	project  *database.Project
	scan     *database.Scan
	findings *database.Findings
}

func (g *Generator) load(scanID int64) (*summary, error) {
	scan, err := g.db.GetScan(scanID)
	if err != nil {
		return nil, err
	}
	if scan == nil {
		return nil, fmt.Errorf("scan %d: %w", scanID, database.ErrNotFound)
	}
	if !scan.IsTerminal() {
		return nil, fmt.Errorf("scan %d is still %s", scanID, scan.Status)
	}

	project, err := g.db.GetProject(scan.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("project %d: %w", scan.ProjectID, database.ErrNotFound)
	}

	findings, err := g.db.GetFindings(scanID)
	if err != nil {
		return nil, fmt.Errorf("loading findings: %w", err)
	}

	s := &summary{project: project, scan: scan, findings: findings}
	if settings, err := g.db.GetSettings(); err == nil {
		s.company = settings.CompanyName
	}
	return s, nil
}

func severityCounts(f *database.Findings) map[string]int {
	counts := make(map[string]int)
	for _, v := range f.Vulnerabilities {
		counts[v.Severity]++
	}
	return counts
}

func grade(score *int, letter *string) string {
	if score == nil || letter == nil {
		return "n/a"
	}
	return fmt.Sprintf("%s (%d/100)", *letter, *score)
}

func location(path string, line *int) string {
	if line == nil || *line == 0 {
		return path
	}
	return fmt.Sprintf("%s:%d", path, *line)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// cell makes s safe inside a markdown table.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\n", " ")
	return truncate(strings.TrimSpace(s), 100)
}

// GenerateMarkdown renders the summary of a finished scan.
func (g *Generator) GenerateMarkdown(scanID int64) (string, error) {
	s, err := g.load(scanID)
	if err != nil {
		return "", err
	}
	scan, f := s.scan, s.findings

	var b strings.Builder

	fmt.Fprintf(&b, "# Security Audit: %s\n\n", s.project.Name)
	if s.company != "" {
		fmt.Fprintf(&b, "**Prepared for:** %s  \n", s.company)
	}
	fmt.Fprintf(&b, "**Generated:** %s  \n", g.now().Format("January 2, 2006 15:04:05 MST"))
	fmt.Fprintf(&b, "**Scan:** #%d (%s, %s)  \n", scan.ID, scan.Kind, scan.Trigger)
	fmt.Fprintf(&b, "**Status:** %s  \n", scan.Status)
	if scan.StartedAt != nil {
		fmt.Fprintf(&b, "**Started:** %s  \n", scan.StartedAt.Format(time.RFC3339))
	}
	if scan.FinishedAt != nil {
		fmt.Fprintf(&b, "**Finished:** %s  \n", scan.FinishedAt.Format(time.RFC3339))
	}
	if scan.Error != "" {
		fmt.Fprintf(&b, "**Error:** %s  \n", scan.Error)
	}
	b.WriteString("\n")

	b.WriteString("## Scope\n\n")
	if len(s.project.Repositories) == 0 && len(s.project.TargetURLs) == 0 {
		b.WriteString("No repositories or target URLs defined.\n")
	}
	for _, r := range s.project.Repositories {
		fmt.Fprintf(&b, "- Repository `%s`\n", r.URL)
	}
	for _, t := range s.project.TargetURLs {
		fmt.Fprintf(&b, "- Target `%s`\n", t.URL)
	}
	b.WriteString("\n")

	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "| Security | Quality |\n|---|---|\n| %s | %s |\n\n",
		grade(scan.SecurityScore, scan.SecurityGrade), grade(scan.QualityScore, scan.QualityGrade))

	counts := severityCounts(f)
	b.WriteString("| Finding | Count |\n|---|---|\n")
	for _, sev := range severityOrder {
		fmt.Fprintf(&b, "| %s vulnerabilities | %d |\n", sev, counts[sev])
	}
	fmt.Fprintf(&b, "| Secrets | %d |\n", len(f.Secrets))
	fmt.Fprintf(&b, "| Quality issues | %d |\n\n", len(f.QualityIssues))

	if len(f.Vulnerabilities) > 0 {
		b.WriteString("## Vulnerabilities\n\n")
		b.WriteString("| Severity | Title | Location | Tool | Category | Fix |\n|---|---|---|---|---|---|\n")
		for _, v := range f.Vulnerabilities {
			fmt.Fprintf(&b, "| %s | %s | `%s` | %s | %s | %s |\n",
				v.Severity, cell(v.Title), cell(location(v.FilePath, v.Line)), v.Tool, cell(v.Category), cell(v.Fix))
		}
		b.WriteString("\n")
	}

	if len(f.Secrets) > 0 {
		b.WriteString("## Secrets\n\n")
		b.WriteString("| Rule | Location | Commit | Author |\n|---|---|---|---|\n")
		for _, sec := range f.Secrets {
			fmt.Fprintf(&b, "| %s | `%s` | %s | %s |\n",
				cell(sec.RuleID), cell(location(sec.FilePath, sec.StartLine)), truncate(sec.Commit, 12), cell(sec.Author))
		}
		b.WriteString("\n")
	}

	if len(f.QualityIssues) > 0 {
		b.WriteString("## Quality Issues\n\n")
		b.WriteString("| Severity | Title | Location | Category | Effort |\n|---|---|---|---|---|\n")
		for _, q := range f.QualityIssues {
			fmt.Fprintf(&b, "| %s | %s | `%s` | %s | %d min |\n",
				q.Severity, cell(q.Title), cell(location(q.FilePath, q.Line)), cell(q.Category), q.EffortMinutes)
		}
		b.WriteString("\n")
	}

	if f.Len() == 0 {
		b.WriteString("No findings were recorded for this scan.\n")
	}

	return b.String(), nil
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

func (g *Generator) fileName(scanID int64, ext string) (string, error) {
	scan, err := g.db.GetScan(scanID)
	if err != nil || scan == nil {
		return "", fmt.Errorf("scan %d: %w", scanID, database.ErrNotFound)
	}
	name := "report"
	if project, _ := g.db.GetProject(scan.ProjectID); project != nil {
		if slug := strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(project.Name), "-"), "-"); slug != "" {
			name = slug
		}
	}
	if err := os.MkdirAll(g.reportsDir, 0o755); err != nil {
		return "", fmt.Errorf("creating reports directory: %w", err)
	}
	file := fmt.Sprintf("%s-scan-%d-%s.%s", name, scanID, g.now().Format("20060102-150405"), ext)
	return filepath.Join(g.reportsDir, file), nil
}

// SaveMarkdown writes the markdown summary to the reports directory and
// returns its path.
func (g *Generator) SaveMarkdown(scanID int64) (string, error) {
	content, err := g.GenerateMarkdown(scanID)
	if err != nil {
		return "", err
	}
	path, err := g.fileName(scanID, "md")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	return path, nil
}
