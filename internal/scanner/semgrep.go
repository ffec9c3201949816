package scanner

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jamesruggles/spectra/internal/database"
	"github.com/jamesruggles/spectra/internal/langdetect"
)

// Semgrep runs static pattern rules over the whole source tree.
type Semgrep struct {
	base
}

func (s *Semgrep) Run(ctx context.Context, in Input) (*database.Findings, error) {
	rules := in.Rules
	if len(rules) == 0 {
		rules = langdetect.BaselineConfigs
	}
	outPath := in.Workspace.OutPath("semgrep.json")
	data, err := s.runAndRead(ctx, in, buildSemgrepSpec(in.Workspace, rules, outPath), outPath)
	if err != nil || data == nil {
		return &database.Findings{}, err
	}
	return normalizeSemgrep(data, in.ScanID, in.Workspace.Src)
}

// stringList accepts either a JSON string or an array of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one != "" {
			*l = stringList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

type semgrepReport struct {
	Results []semgrepResult `json:"results"`
}

type semgrepResult struct {
	CheckID string `json:"check_id"`
	Path    string `json:"path"`
	Start   struct {
		Line int `json:"line"`
	} `json:"start"`
	Extra struct {
		Message  string `json:"message"`
		Severity string `json:"severity"`
		Fix      string `json:"fix"`
		Metadata struct {
			Category string     `json:"category"`
			OWASP    stringList `json:"owasp"`
			CWE      stringList `json:"cwe"`
		} `json:"metadata"`
	} `json:"extra"`
}

var semgrepSeverity = map[string]string{
	"ERROR":   database.SeverityHigh,
	"WARNING": database.SeverityMedium,
	"INFO":    database.SeverityLow,
}

var securityCategories = map[string]bool{
	"security":       true,
	"cwe":            true,
	"owasp":          true,
	"infrastructure": true,
}

func mapSemgrepSeverity(s string) string {
	if sev, ok := semgrepSeverity[strings.ToUpper(s)]; ok {
		return sev
	}
	return database.SeverityInfo
}

func normalizeSemgrep(data []byte, scanID int64, root string) (*database.Findings, error) {
	var report semgrepReport
	if err := decode(KindSemgrep, data, &report); err != nil {
		return nil, err
	}

	f := &database.Findings{}
	for _, r := range report.Results {
		severity := mapSemgrepSeverity(r.Extra.Severity)
		meta := r.Extra.Metadata
		path := relPath(root, r.Path)

		if securityCategories[strings.ToLower(meta.Category)] {
			category := meta.Category
			switch {
			case len(meta.OWASP) > 0:
				category = meta.OWASP[0]
			case len(meta.CWE) > 0:
				category = meta.CWE[0]
			}
			f.Vulnerabilities = append(f.Vulnerabilities, database.Vulnerability{
				ScanID:      scanID,
				Tool:        string(KindSemgrep),
				ExternalID:  r.CheckID,
				Title:       ruleTitle(r.CheckID),
				Description: r.Extra.Message,
				Severity:    severity,
				FilePath:    path,
				Line:        intPtr(r.Start.Line),
				Fix:         r.Extra.Fix,
				Category:    category,
			})
			continue
		}

		category := meta.Category
		if category == "" {
			category = "maintainability"
		}
		effort := 5
		if severity == database.SeverityHigh {
			effort = 10
		}
		f.QualityIssues = append(f.QualityIssues, database.QualityIssue{
			ScanID:        scanID,
			Tool:          string(KindSemgrep),
			RuleID:        r.CheckID,
			Title:         ruleTitle(r.CheckID),
			Description:   r.Extra.Message,
			Category:      category,
			Severity:      severity,
			FilePath:      path,
			Line:          intPtr(r.Start.Line),
			EffortMinutes: effort,
		})
	}
	return f, nil
}

// ruleTitle turns "python.lang.security.audit.eval-detected" into "Eval Detected".
func ruleTitle(checkID string) string {
	if i := strings.LastIndexByte(checkID, '.'); i >= 0 {
		checkID = checkID[i+1:]
	}
	words := strings.Fields(strings.NewReplacer("-", " ", "_", " ").Replace(checkID))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
