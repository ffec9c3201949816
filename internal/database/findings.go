package database

import (
	"database/sql"
	"fmt"
)

const severityOrder = `CASE severity WHEN 'CRITICAL' THEN 0 WHEN 'HIGH' THEN 1 WHEN 'MEDIUM' THEN 2 WHEN 'LOW' THEN 3 ELSE 4 END`

func insertFindings(tx *sql.Tx, scanID int64, f *Findings) error {
	if f == nil {
		return nil
	}

	vstmt, err := tx.Prepare(`INSERT INTO vulnerabilities
		(scan_id, tool, external_id, title, description, severity, file_path, line, fix, category)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare vulnerability insert: %w", err)
	}
	defer vstmt.Close()
	for _, v := range f.Vulnerabilities {
		if _, err := vstmt.Exec(scanID, v.Tool, v.ExternalID, v.Title, v.Description, v.Severity,
			v.FilePath, v.Line, v.Fix, v.Category); err != nil {
			return fmt.Errorf("insert vulnerability: %w", err)
		}
	}

	qstmt, err := tx.Prepare(`INSERT INTO quality_issues
		(scan_id, tool, rule_id, title, description, category, severity, file_path, line, effort_minutes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare quality issue insert: %w", err)
	}
	defer qstmt.Close()
	for _, q := range f.QualityIssues {
		if _, err := qstmt.Exec(scanID, q.Tool, q.RuleID, q.Title, q.Description, q.Category, q.Severity,
			q.FilePath, q.Line, q.EffortMinutes); err != nil {
			return fmt.Errorf("insert quality issue: %w", err)
		}
	}

	sstmt, err := tx.Prepare(`INSERT INTO secrets
		(scan_id, title, match, rule_id, file_path, start_line, end_line, commit_sha, commit_message, commit_date, author, email)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare secret insert: %w", err)
	}
	defer sstmt.Close()
	for _, s := range f.Secrets {
		if _, err := sstmt.Exec(scanID, s.Title, s.Match, s.RuleID, s.FilePath, s.StartLine, s.EndLine,
			s.Commit, s.CommitMessage, s.CommitDate, s.Author, s.Email); err != nil {
			return fmt.Errorf("insert secret: %w", err)
		}
	}
	return nil
}

// GetFindings loads every finding of a scan, most severe first.
func (db *DB) GetFindings(scanID int64) (*Findings, error) {
	f := &Findings{
		Vulnerabilities: []Vulnerability{},
		QualityIssues:   []QualityIssue{},
		Secrets:         []Secret{},
	}

	rows, err := db.Query(`SELECT id, scan_id, tool, external_id, title, description, severity, file_path, line, fix, category
		FROM vulnerabilities WHERE scan_id = ? ORDER BY `+severityOrder+`, id`, scanID)
	if err != nil {
		return nil, fmt.Errorf("get vulnerabilities: %w", err)
	}
	for rows.Next() {
		var v Vulnerability
		if err := rows.Scan(&v.ID, &v.ScanID, &v.Tool, &v.ExternalID, &v.Title, &v.Description, &v.Severity,
			&v.FilePath, &v.Line, &v.Fix, &v.Category); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan vulnerability: %w", err)
		}
		f.Vulnerabilities = append(f.Vulnerabilities, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.Query(`SELECT id, scan_id, tool, rule_id, title, description, category, severity, file_path, line, effort_minutes
		FROM quality_issues WHERE scan_id = ? ORDER BY `+severityOrder+`, id`, scanID)
	if err != nil {
		return nil, fmt.Errorf("get quality issues: %w", err)
	}
	for rows.Next() {
		var q QualityIssue
		if err := rows.Scan(&q.ID, &q.ScanID, &q.Tool, &q.RuleID, &q.Title, &q.Description, &q.Category,
			&q.Severity, &q.FilePath, &q.Line, &q.EffortMinutes); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan quality issue: %w", err)
		}
		f.QualityIssues = append(f.QualityIssues, q)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.Query(`SELECT id, scan_id, title, match, rule_id, file_path, start_line, end_line,
		commit_sha, commit_message, commit_date, author, email
		FROM secrets WHERE scan_id = ? ORDER BY id`, scanID)
	if err != nil {
		return nil, fmt.Errorf("get secrets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s Secret
		if err := rows.Scan(&s.ID, &s.ScanID, &s.Title, &s.Match, &s.RuleID, &s.FilePath, &s.StartLine, &s.EndLine,
			&s.Commit, &s.CommitMessage, &s.CommitDate, &s.Author, &s.Email); err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		f.Secrets = append(f.Secrets, s)
	}
	return f, rows.Err()
}
