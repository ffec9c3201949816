package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesruggles/spectra/internal/database"
)

func intPtr(v int) *int { return &v }

func setup(t *testing.T) (*database.DB, *Generator) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "spectra.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	g := NewGenerator(db, filepath.Join(t.TempDir(), "reports"), "")
	g.now = func() time.Time { return time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC) }
	return db, g
}

func finishedScan(t *testing.T, db *database.DB, f *database.Findings) *database.Scan {
	t.Helper()
	p := &database.Project{Name: "Acme Payments"}
	require.NoError(t, db.CreateProject(p))
	require.NoError(t, db.AddRepository(&database.Repository{ProjectID: p.ID, URL: "https://github.com/acme/api", Name: "api"}))

	s := &database.Scan{ProjectID: p.ID, Kind: database.KindCode}
	require.NoError(t, db.CreateScan(s))
	require.NoError(t, db.MarkScanRunning(s.ID, "run-1", time.Now().Add(time.Minute)))
	require.NoError(t, db.CompleteScan(s.ID, f, database.Grades{
		SecurityScore: 55, SecurityGrade: "D", QualityScore: 98, QualityGrade: "A",
	}))
	return s
}

func TestGenerateMarkdown(t *testing.T) {
	db, g := setup(t)
	require.NoError(t, db.UpdateSettings(&database.Settings{CompanyName: "Acme Corp", Language: "en"}))
	s := finishedScan(t, db, &database.Findings{
		Vulnerabilities: []database.Vulnerability{
			{Tool: "semgrep", Title: "Eval | Detected", Severity: "HIGH", FilePath: "api/app.py", Line: intPtr(12)},
			{Tool: "trivy", Title: "CVE", Severity: "CRITICAL", FilePath: "api/go.sum", Fix: "Upgrade x to 1.2"},
		},
		QualityIssues: []database.QualityIssue{
			{Tool: "semgrep", Title: "Slow loop", Severity: "MEDIUM", FilePath: "api/app.py", Line: intPtr(20), Category: "performance", EffortMinutes: 5},
		},
		Secrets: []database.Secret{
			{RuleID: "github-pat", FilePath: "api/.env", StartLine: intPtr(2), Commit: "0123456789abcdef", Author: "Dev"},
		},
	})

	md, err := g.GenerateMarkdown(s.ID)
	require.NoError(t, err)

	assert.Contains(t, md, "# Security Audit: Acme Payments")
	assert.Contains(t, md, "**Prepared for:** Acme Corp")
	assert.Contains(t, md, "| D (55/100) | A (98/100) |")
	assert.Contains(t, md, "| CRITICAL vulnerabilities | 1 |")
	assert.Contains(t, md, "| Secrets | 1 |")
	assert.Contains(t, md, "`api/app.py:12`")
	assert.Contains(t, md, `Eval \| Detected`)
	assert.Contains(t, md, "| 0123456789ab |")
	assert.Contains(t, md, "| 5 min |")
	assert.Contains(t, md, "- Repository `https://github.com/acme/api`")

	// Findings are listed most severe first.
	assert.Less(t, strings.Index(md, "| CRITICAL | CVE"), strings.Index(md, "| HIGH | Eval"))
}

func TestGenerateMarkdownNoFindings(t *testing.T) {
	db, g := setup(t)
	s := finishedScan(t, db, &database.Findings{})

	md, err := g.GenerateMarkdown(s.ID)
	require.NoError(t, err)
	assert.Contains(t, md, "No findings were recorded")
	assert.NotContains(t, md, "## Vulnerabilities")
}

func TestGenerateMarkdownRejectsUnfinishedScan(t *testing.T) {
	db, g := setup(t)
	p := &database.Project{Name: "acme"}
	require.NoError(t, db.CreateProject(p))
	s := &database.Scan{ProjectID: p.ID, Kind: database.KindWeb}
	require.NoError(t, db.CreateScan(s))

	_, err := g.GenerateMarkdown(s.ID)
	assert.ErrorContains(t, err, "PENDING")

	_, err = g.GenerateMarkdown(4242)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestSaveMarkdown(t *testing.T) {
	db, g := setup(t)
	s := finishedScan(t, db, &database.Findings{})

	path, err := g.SaveMarkdown(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme-payments-scan-1-20261015-090000.md", filepath.Base(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# Security Audit"))
}

func TestSavePDFNeedsFont(t *testing.T) {
	db, g := setup(t)
	s := finishedScan(t, db, &database.Findings{})

	_, err := g.SavePDF(s.ID)
	assert.ErrorIs(t, err, ErrNoFont)
}

func TestPDFLines(t *testing.T) {
	db, g := setup(t)
	s := finishedScan(t, db, &database.Findings{
		Vulnerabilities: []database.Vulnerability{{Tool: "nuclei", Title: "XSS", Severity: "HIGH", FilePath: "https://acme.test/q", Line: intPtr(0)}},
	})

	sum, err := g.load(s.ID)
	require.NoError(t, err)

	var texts []string
	for _, l := range sum.pdfLines() {
		texts = append(texts, l.text)
	}
	assert.Contains(t, texts, "Security: D (55/100)")
	assert.Contains(t, texts, "[HIGH] XSS  https://acme.test/q")
}
