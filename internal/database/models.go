package database

import (
	"encoding/json"
	"time"
)

// Scan status values. PENDING and RUNNING are transient; COMPLETED and
// FAILED are terminal.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Scan kinds select which phases run.
const (
	KindCode = "code"
	KindWeb  = "web"
	KindBoth = "both"
)

const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

const (
	FrequencyDaily  = "daily"
	FrequencyWeekly = "weekly"
)

// Shared severity scale.
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
	SeverityLow      = "LOW"
	SeverityInfo     = "INFO"
)

// Schedule fields other than Enabled only matter while Enabled is true.
type Schedule struct {
	Enabled           bool       `json:"enabled"`
	Frequency         string     `json:"frequency"`
	Time              string     `json:"time"`
	Day               string     `json:"day,omitempty"`
	LastScheduledScan *time.Time `json:"last_scheduled_scan,omitempty"`
}

type Project struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Schedule    Schedule   `json:"schedule"`
	ScanConfig  ScanConfig `json:"scan_config"`
	CreatedAt   time.Time  `json:"created_at"`

	Repositories []Repository `json:"repositories,omitempty"`
	TargetURLs   []TargetURL  `json:"target_urls,omitempty"`
}

type Repository struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	URL       string `json:"url"`
	Name      string `json:"name"`
}

type TargetURL struct {
	ID          int64     `json:"id"`
	ProjectID   int64     `json:"project_id"`
	URL         string    `json:"url"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// NucleiOptions tunes the active web-endpoint analyzer.
type NucleiOptions struct {
	Severity    []string          `json:"severity,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	ExcludeTags []string          `json:"exclude_tags,omitempty"`
	RateLimit   int               `json:"rate_limit,omitempty"`
	Concurrency int               `json:"concurrency,omitempty"`
	Timeout     int               `json:"timeout,omitempty"`
	Proxy       string            `json:"proxy,omitempty"`
	Passive     bool              `json:"passive,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// ScanConfig is the snapshot captured when a scan is triggered. It is stored
// as JSON on the scan row and never updated afterwards.
type ScanConfig struct {
	IncludeSecrets bool `json:"include_secrets"`
	// CloneDepth of 0 defers to the server default.
	CloneDepth int `json:"clone_depth,omitempty"`
	// SecretsNoHistory scans the checked-out tree only, without walking commits.
	SecretsNoHistory bool          `json:"secrets_no_history,omitempty"`
	Nuclei           NucleiOptions `json:"nuclei"`
}

func (c ScanConfig) encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeScanConfig(raw string) (ScanConfig, error) {
	var c ScanConfig
	if raw == "" {
		return c, nil
	}
	err := json.Unmarshal([]byte(raw), &c)
	return c, err
}

type Scan struct {
	ID            int64      `json:"id"`
	ProjectID     int64      `json:"project_id"`
	Status        string     `json:"status"`
	Kind          string     `json:"kind"`
	Trigger       string     `json:"trigger"`
	Config        ScanConfig `json:"config"`
	SecurityScore *int       `json:"security_score,omitempty"`
	SecurityGrade *string    `json:"security_grade,omitempty"`
	QualityScore  *int       `json:"quality_score,omitempty"`
	QualityGrade  *string    `json:"quality_grade,omitempty"`
	Error         string     `json:"error,omitempty"`
	RunID         string     `json:"run_id,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// IsTerminal reports whether the scan can no longer change.
func (s *Scan) IsTerminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// RunsCode reports whether the code-analysis phase was requested.
func (s *Scan) RunsCode() bool {
	return s.Kind == KindCode || s.Kind == KindBoth
}

// RunsWeb reports whether the web-analysis phase was requested.
func (s *Scan) RunsWeb() bool {
	return s.Kind == KindWeb || s.Kind == KindBoth
}

// ValidKind reports whether kind names at least one phase.
func ValidKind(kind string) bool {
	return kind == KindCode || kind == KindWeb || kind == KindBoth
}

// Finding is one of Vulnerability, QualityIssue or Secret.
type Finding interface {
	findingKind() string
}

type Vulnerability struct {
	ID          int64  `json:"id"`
	ScanID      int64  `json:"scan_id"`
	Tool        string `json:"tool"`
	ExternalID  string `json:"external_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	FilePath    string `json:"file_path"`
	Line        *int   `json:"line,omitempty"`
	Fix         string `json:"fix,omitempty"`
	Category    string `json:"category,omitempty"`
}

type QualityIssue struct {
	ID            int64  `json:"id"`
	ScanID        int64  `json:"scan_id"`
	Tool          string `json:"tool"`
	RuleID        string `json:"rule_id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	Category      string `json:"category"`
	Severity      string `json:"severity"`
	FilePath      string `json:"file_path"`
	Line          *int   `json:"line,omitempty"`
	EffortMinutes int    `json:"effort_minutes"`
}

type Secret struct {
	ID            int64      `json:"id"`
	ScanID        int64      `json:"scan_id"`
	Title         string     `json:"title"`
	Match         string     `json:"match"`
	RuleID        string     `json:"rule_id"`
	FilePath      string     `json:"file_path"`
	StartLine     *int       `json:"start_line,omitempty"`
	EndLine       *int       `json:"end_line,omitempty"`
	Commit        string     `json:"commit,omitempty"`
	CommitMessage string     `json:"commit_message,omitempty"`
	CommitDate    *time.Time `json:"commit_date,omitempty"`
	Author        string     `json:"author,omitempty"`
	Email         string     `json:"email,omitempty"`
}

func (Vulnerability) findingKind() string { return "vulnerability" }
func (QualityIssue) findingKind() string  { return "quality_issue" }
func (Secret) findingKind() string        { return "secret" }

// KindOf names the variant of f.
func KindOf(f Finding) string { return f.findingKind() }

// Findings is a batch produced by normalizers and persisted with the scan.
type Findings struct {
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	QualityIssues   []QualityIssue  `json:"quality_issues"`
	Secrets         []Secret        `json:"secrets"`
}

// Append merges other into f.
func (f *Findings) Append(other *Findings) {
	if other == nil {
		return
	}
	f.Vulnerabilities = append(f.Vulnerabilities, other.Vulnerabilities...)
	f.QualityIssues = append(f.QualityIssues, other.QualityIssues...)
	f.Secrets = append(f.Secrets, other.Secrets...)
}

// All flattens the batch into the sum type.
func (f *Findings) All() []Finding {
	out := make([]Finding, 0, f.Len())
	for _, v := range f.Vulnerabilities {
		out = append(out, v)
	}
	for _, q := range f.QualityIssues {
		out = append(out, q)
	}
	for _, s := range f.Secrets {
		out = append(out, s)
	}
	return out
}

func (f *Findings) Len() int {
	return len(f.Vulnerabilities) + len(f.QualityIssues) + len(f.Secrets)
}

// Grades holds the scores computed for a finished scan.
type Grades struct {
	SecurityScore int
	SecurityGrade string
	QualityScore  int
	QualityGrade  string
}

// Settings is the single application settings row.
type Settings struct {
	CompanyName string `json:"company_name"`
	Language    string `json:"language"`
	GitHubToken string `json:"github_token,omitempty"`
}
