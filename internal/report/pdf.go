package report

import (
	"errors"
	"fmt"

	"github.com/signintech/gopdf"
)

// ErrNoFont is returned by SavePDF when no TTF font is configured.
var ErrNoFont = errors.New("pdf export needs reports.font_path")

const (
	pageMargin = 40.0
	pageBottom = 800.0
	lineChars  = 95
)

type pdfLine struct {
	size float64
	text string
}

func (s *summary) pdfLines() []pdfLine {
	scan, f := s.scan, s.findings
	lines := []pdfLine{
		{18, "Security Audit: " + s.project.Name},
		{10, fmt.Sprintf("Scan #%d  %s / %s  %s", scan.ID, scan.Kind, scan.Trigger, scan.Status)},
	}
	if s.company != "" {
		lines = append(lines, pdfLine{10, "Prepared for " + s.company})
	}
	lines = append(lines,
		pdfLine{10, ""},
		pdfLine{14, "Summary"},
		pdfLine{11, "Security: " + grade(scan.SecurityScore, scan.SecurityGrade)},
		pdfLine{11, "Quality: " + grade(scan.QualityScore, scan.QualityGrade)},
	)
	counts := severityCounts(f)
	for _, sev := range severityOrder {
		lines = append(lines, pdfLine{10, fmt.Sprintf("%s vulnerabilities: %d", sev, counts[sev])})
	}
	lines = append(lines,
		pdfLine{10, fmt.Sprintf("Secrets: %d", len(f.Secrets))},
		pdfLine{10, fmt.Sprintf("Quality issues: %d", len(f.QualityIssues))},
	)

	if len(f.Vulnerabilities) > 0 {
		lines = append(lines, pdfLine{10, ""}, pdfLine{14, "Vulnerabilities"})
		for _, v := range f.Vulnerabilities {
			lines = append(lines, pdfLine{9, fmt.Sprintf("[%s] %s  %s", v.Severity, v.Title, location(v.FilePath, v.Line))})
		}
	}
	if len(f.Secrets) > 0 {
		lines = append(lines, pdfLine{10, ""}, pdfLine{14, "Secrets"})
		for _, sec := range f.Secrets {
			lines = append(lines, pdfLine{9, fmt.Sprintf("%s  %s  %s", sec.RuleID, location(sec.FilePath, sec.StartLine), truncate(sec.Commit, 12))})
		}
	}
	if len(f.QualityIssues) > 0 {
		lines = append(lines, pdfLine{10, ""}, pdfLine{14, "Quality Issues"})
		for _, q := range f.QualityIssues {
			lines = append(lines, pdfLine{9, fmt.Sprintf("[%s] %s  %s", q.Severity, q.Title, location(q.FilePath, q.Line))})
		}
	}
	return lines
}

// SavePDF renders the scan summary with the configured TTF font and returns
// the written path.
func (g *Generator) SavePDF(scanID int64) (string, error) {
	if g.fontPath == "" {
		return "", ErrNoFont
	}
	s, err := g.load(scanID)
	if err != nil {
		return "", err
	}

	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.SetMargins(pageMargin, pageMargin, pageMargin, pageMargin)
	if err := pdf.AddTTFFont("body", g.fontPath); err != nil {
		return "", fmt.Errorf("loading font: %w", err)
	}
	pdf.AddPage()

	for _, l := range s.pdfLines() {
		if pdf.GetY() > pageBottom {
			pdf.AddPage()
		}
		if err := pdf.SetFont("body", "", l.size); err != nil {
			return "", fmt.Errorf("setting font: %w", err)
		}
		if l.text != "" {
			if err := pdf.Cell(nil, truncate(l.text, lineChars)); err != nil {
				return "", fmt.Errorf("writing pdf: %w", err)
			}
		}
		pdf.Br(l.size + 6)
	}

	path, err := g.fileName(scanID, "pdf")
	if err != nil {
		return "", err
	}
	if err := pdf.WritePdf(path); err != nil {
		return "", fmt.Errorf("writing pdf: %w", err)
	}
	return path, nil
}
