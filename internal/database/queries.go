package database

import (
	"database/sql"
	"fmt"
	"time"
)

// --- Projects ---

const projectColumns = `id, name, description, schedule_enabled, schedule_frequency, schedule_time,
	schedule_day, last_scheduled_scan, scan_config, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	p := &Project{}
	var cfg string
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Schedule.Enabled, &p.Schedule.Frequency,
		&p.Schedule.Time, &p.Schedule.Day, &p.Schedule.LastScheduledScan, &cfg, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if p.ScanConfig, err = decodeScanConfig(cfg); err != nil {
		return nil, fmt.Errorf("decode scan config for project %d: %w", p.ID, err)
	}
	return p, nil
}

func (db *DB) CreateProject(p *Project) error {
	cfg, err := p.ScanConfig.encode()
	if err != nil {
		return fmt.Errorf("encode scan config: %w", err)
	}
	if p.Schedule.Frequency == "" {
		p.Schedule.Frequency = FrequencyDaily
	}
	if p.Schedule.Time == "" {
		p.Schedule.Time = "00:00"
	}
	res, err := db.Exec(
		`INSERT INTO projects (name, description, schedule_enabled, schedule_frequency, schedule_time, schedule_day, scan_config)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.Description, p.Schedule.Enabled, p.Schedule.Frequency, p.Schedule.Time, p.Schedule.Day, cfg,
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	p.ID, _ = res.LastInsertId()
	return nil
}

// GetProject returns the project with its repositories and target URLs, or
// nil if it does not exist.
func (db *DB) GetProject(id int64) (*Project, error) {
	p, err := scanProject(db.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if err := db.loadScope(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (db *DB) ListProjects() ([]Project, error) {
	return db.listProjects(`SELECT ` + projectColumns + ` FROM projects ORDER BY created_at DESC`)
}

// ListScheduledProjects returns every project with scheduling enabled,
// including its scope so callers can decide which phases apply.
func (db *DB) ListScheduledProjects() ([]Project, error) {
	projects, err := db.listProjects(`SELECT ` + projectColumns + ` FROM projects WHERE schedule_enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	for i := range projects {
		if err := db.loadScope(&projects[i]); err != nil {
			return nil, err
		}
	}
	return projects, nil
}

func (db *DB) listProjects(query string, args ...any) ([]Project, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

func (db *DB) loadScope(p *Project) error {
	repos, err := db.ListRepositories(p.ID)
	if err != nil {
		return err
	}
	targets, err := db.ListTargetURLs(p.ID)
	if err != nil {
		return err
	}
	p.Repositories = repos
	p.TargetURLs = targets
	return nil
}

// UpdateProject edits name, description, schedule and default scan config.
// last_scheduled_scan is owned by the scheduler and left untouched.
func (db *DB) UpdateProject(p *Project) error {
	cfg, err := p.ScanConfig.encode()
	if err != nil {
		return fmt.Errorf("encode scan config: %w", err)
	}
	res, err := db.Exec(
		`UPDATE projects SET name = ?, description = ?, schedule_enabled = ?, schedule_frequency = ?,
		 schedule_time = ?, schedule_day = ?, scan_config = ? WHERE id = ?`,
		p.Name, p.Description, p.Schedule.Enabled, p.Schedule.Frequency, p.Schedule.Time, p.Schedule.Day, cfg, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return requireAffected(res, "project")
}

// DeleteProject removes the project; scans and findings go with it.
func (db *DB) DeleteProject(id int64) error {
	_, err := db.Exec(`DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

// --- Repositories & target URLs ---

func (db *DB) AddRepository(r *Repository) error {
	res, err := db.Exec(`INSERT INTO repositories (project_id, url, name) VALUES (?, ?, ?)`, r.ProjectID, r.URL, r.Name)
	if err != nil {
		return fmt.Errorf("insert repository: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

func (db *DB) DeleteRepository(id int64) error {
	if _, err := db.Exec(`DELETE FROM repositories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete repository: %w", err)
	}
	return nil
}

func (db *DB) ListRepositories(projectID int64) ([]Repository, error) {
	rows, err := db.Query(`SELECT id, project_id, url, name FROM repositories WHERE project_id = ? ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var repos []Repository
	for rows.Next() {
		var r Repository
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.URL, &r.Name); err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

func (db *DB) AddTargetURL(t *TargetURL) error {
	res, err := db.Exec(`INSERT INTO target_urls (project_id, url, description) VALUES (?, ?, ?)`, t.ProjectID, t.URL, t.Description)
	if err != nil {
		return fmt.Errorf("insert target url: %w", err)
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

func (db *DB) DeleteTargetURL(id int64) error {
	if _, err := db.Exec(`DELETE FROM target_urls WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete target url: %w", err)
	}
	return nil
}

func (db *DB) ListTargetURLs(projectID int64) ([]TargetURL, error) {
	rows, err := db.Query(`SELECT id, project_id, url, description, created_at FROM target_urls WHERE project_id = ? ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list target urls: %w", err)
	}
	defer rows.Close()

	var targets []TargetURL
	for rows.Next() {
		var t TargetURL
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.URL, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan target url: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// --- Scans ---

const scanColumns = `id, project_id, status, kind, trigger_type, config, security_score, security_grade,
	quality_score, quality_grade, error, run_id, started_at, finished_at, created_at`

func scanScan(row rowScanner) (*Scan, error) {
	s := &Scan{}
	var cfg string
	err := row.Scan(&s.ID, &s.ProjectID, &s.Status, &s.Kind, &s.Trigger, &cfg, &s.SecurityScore, &s.SecurityGrade,
		&s.QualityScore, &s.QualityGrade, &s.Error, &s.RunID, &s.StartedAt, &s.FinishedAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	if s.Config, err = decodeScanConfig(cfg); err != nil {
		return nil, fmt.Errorf("decode config for scan %d: %w", s.ID, err)
	}
	return s, nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertScan(e execer, s *Scan) error {
	cfg, err := s.Config.encode()
	if err != nil {
		return fmt.Errorf("encode scan config: %w", err)
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	if s.Trigger == "" {
		s.Trigger = TriggerManual
	}
	res, err := e.Exec(
		`INSERT INTO scans (project_id, status, kind, trigger_type, config) VALUES (?, ?, ?, ?, ?)`,
		s.ProjectID, s.Status, s.Kind, s.Trigger, cfg,
	)
	if err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}
	s.ID, _ = res.LastInsertId()
	return nil
}

// CreateScan inserts a scan record. The config snapshot is written once here
// and never updated.
func (db *DB) CreateScan(s *Scan) error {
	if !ValidKind(s.Kind) {
		return fmt.Errorf("insert scan: invalid kind %q", s.Kind)
	}
	return insertScan(db, s)
}

// CreateScheduledScan records now as the project's last scheduled run and
// inserts the scheduled scan in a single commit.
func (db *DB) CreateScheduledScan(projectID int64, now time.Time, s *Scan) error {
	if !ValidKind(s.Kind) {
		return fmt.Errorf("insert scan: invalid kind %q", s.Kind)
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE projects SET last_scheduled_scan = ? WHERE id = ?`, now, projectID)
	if err != nil {
		return fmt.Errorf("update last scheduled scan: %w", err)
	}
	if err := requireAffected(res, "project"); err != nil {
		return err
	}

	s.ProjectID = projectID
	s.Trigger = TriggerScheduled
	s.Status = StatusPending
	if err := insertScan(tx, s); err != nil {
		return err
	}
	return tx.Commit()
}

func (db *DB) GetScan(id int64) (*Scan, error) {
	s, err := scanScan(db.QueryRow(`SELECT `+scanColumns+` FROM scans WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scan: %w", err)
	}
	return s, nil
}

func (db *DB) ListScansByProject(projectID int64) ([]Scan, error) {
	return db.listScans(`SELECT `+scanColumns+` FROM scans WHERE project_id = ? ORDER BY created_at DESC, id DESC`, projectID)
}

func (db *DB) ListRecentScans(limit int) ([]Scan, error) {
	return db.listScans(`SELECT `+scanColumns+` FROM scans ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

// ListUnfinishedScans returns PENDING and RUNNING scans, oldest first.
func (db *DB) ListUnfinishedScans() ([]Scan, error) {
	return db.listScans(`SELECT `+scanColumns+` FROM scans WHERE status IN (?, ?) ORDER BY id`, StatusPending, StatusRunning)
}

func (db *DB) listScans(query string, args ...any) ([]Scan, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	var scans []Scan
	for rows.Next() {
		s, err := scanScan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		scans = append(scans, *s)
	}
	return scans, rows.Err()
}

// MarkScanRunning moves a PENDING scan to RUNNING under runID. The lease
// expires at until unless it is renewed.
func (db *DB) MarkScanRunning(id int64, runID string, until time.Time) error {
	res, err := db.Exec(`UPDATE scans SET status = ?, run_id = ?, lease_until = ?, started_at = ? WHERE id = ? AND status = ?`,
		StatusRunning, runID, until.UnixMilli(), time.Now(), id, StatusPending)
	if err != nil {
		return fmt.Errorf("mark scan running: %w", err)
	}
	return requireTransition(res, id)
}

// RenewLease extends the lease held by runID on a RUNNING scan. It fails with
// ErrInvalidTransition once the scan finished or another run claimed it.
func (db *DB) RenewLease(id int64, runID string, until time.Time) error {
	res, err := db.Exec(`UPDATE scans SET lease_until = ? WHERE id = ? AND run_id = ? AND status = ?`,
		until.UnixMilli(), id, runID, StatusRunning)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	return requireTransition(res, id)
}

// ClaimStaleScan hands a RUNNING scan whose lease expired before now to
// runID. A live lease leaves the scan untouched and returns
// ErrInvalidTransition.
func (db *DB) ClaimStaleScan(id int64, runID string, now, until time.Time) error {
	res, err := db.Exec(`UPDATE scans SET run_id = ?, lease_until = ?
		WHERE id = ? AND status = ? AND (lease_until IS NULL OR lease_until < ?)`,
		runID, until.UnixMilli(), id, StatusRunning, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("claim scan: %w", err)
	}
	return requireTransition(res, id)
}

func requireTransition(res sql.Result, id int64) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scan %d: %w", id, ErrInvalidTransition)
	}
	return nil
}

// CompleteScan persists every finding, the grades and the COMPLETED status in
// one transaction. Only a RUNNING scan can complete.
func (db *DB) CompleteScan(id int64, f *Findings, g Grades) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertFindings(tx, id, f); err != nil {
		return err
	}

	res, err := tx.Exec(
		`UPDATE scans SET status = ?, security_score = ?, security_grade = ?, quality_score = ?, quality_grade = ?,
		 finished_at = ? WHERE id = ? AND status = ?`,
		StatusCompleted, g.SecurityScore, g.SecurityGrade, g.QualityScore, g.QualityGrade, time.Now(), id, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("update scan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scan %d: %w", id, ErrInvalidTransition)
	}
	return tx.Commit()
}

// FailScan records a scan-fatal error. Terminal scans are left as they are.
func (db *DB) FailScan(id int64, reason string) error {
	res, err := db.Exec(`UPDATE scans SET status = ?, error = ?, finished_at = ? WHERE id = ? AND status IN (?, ?)`,
		StatusFailed, reason, time.Now(), id, StatusPending, StatusRunning)
	if err != nil {
		return fmt.Errorf("fail scan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scan %d: %w", id, ErrInvalidTransition)
	}
	return nil
}

// DeleteScan removes the scan and, by cascade, its findings.
func (db *DB) DeleteScan(id int64) error {
	if _, err := db.Exec(`DELETE FROM scans WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete scan: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// --- Settings ---

func (db *DB) GetSettings() (*Settings, error) {
	s := &Settings{}
	err := db.QueryRow(`SELECT company_name, language, github_token FROM settings WHERE id = 1`).
		Scan(&s.CompanyName, &s.Language, &s.GitHubToken)
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	return s, nil
}

func (db *DB) UpdateSettings(s *Settings) error {
	_, err := db.Exec(`UPDATE settings SET company_name = ?, language = ?, github_token = ? WHERE id = 1`,
		s.CompanyName, s.Language, s.GitHubToken)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}

// --- Stats ---

type DashboardStats struct {
	ProjectCount  int `json:"project_count"`
	ScanCount     int `json:"scan_count"`
	RunningScans  int `json:"running_scans"`
	FindingsCount int `json:"findings_count"`
}

func (db *DB) GetStats() (*DashboardStats, error) {
	stats := &DashboardStats{}
	err := db.QueryRow(`SELECT
		(SELECT COUNT(*) FROM projects),
		(SELECT COUNT(*) FROM scans),
		(SELECT COUNT(*) FROM scans WHERE status = 'RUNNING'),
		(SELECT COUNT(*) FROM vulnerabilities) + (SELECT COUNT(*) FROM quality_issues) + (SELECT COUNT(*) FROM secrets)`).
		Scan(&stats.ProjectCount, &stats.ScanCount, &stats.RunningScans, &stats.FindingsCount)
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	return stats, nil
}
