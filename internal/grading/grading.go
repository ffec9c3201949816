// Package grading turns aggregated findings into scores and letter grades.
package grading

import (
	"math"

	"github.com/jamesruggles/spectra/internal/database"
)

// Security grades a scan from its vulnerabilities and secret count. The first
// matching rule wins.
func Security(vulns []database.Vulnerability, secrets int) (int, string) {
	var critical, high, medium int
	for _, v := range vulns {
		switch v.Severity {
		case database.SeverityCritical:
			critical++
		case database.SeverityHigh:
			high++
		case database.SeverityMedium:
			medium++
		}
	}

	switch {
	case critical > 0:
		return 40, "F"
	case high+secrets > 0:
		return 55, "D"
	case medium > 5:
		return 70, "C"
	case medium > 0:
		return 85, "B"
	default:
		return 100, "A"
	}
}

// Quality grades a scan from its quality issues. Endpoint-only scans are not
// assessable and always score 100.
func Quality(issues []database.QualityIssue, sastRan, dastRan bool) (int, string) {
	if !sastRan && dastRan {
		return 100, "A"
	}

	var penalty float64
	for _, q := range issues {
		switch q.Severity {
		case database.SeverityHigh:
			penalty += 5
		case database.SeverityMedium:
			penalty += 2
		default:
			penalty += 0.5
		}
	}

	score := 100 - int(math.Floor(penalty))
	if score < 0 {
		score = 0
	}
	return score, letter(score)
}

func letter(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 60:
		return "C"
	case score >= 40:
		return "D"
	default:
		return "F"
	}
}

// Grade computes both scores for a finished scan.
func Grade(f *database.Findings, sastRan, dastRan bool) database.Grades {
	var g database.Grades
	g.SecurityScore, g.SecurityGrade = Security(f.Vulnerabilities, len(f.Secrets))
	g.QualityScore, g.QualityGrade = Quality(f.QualityIssues, sastRan, dastRan)
	return g
}
