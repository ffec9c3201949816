package scanner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jamesruggles/spectra/internal/database"
	"github.com/jamesruggles/spectra/internal/tools"
)

// Nuclei probes the project's target URLs.
type Nuclei struct {
	base
}

func (n *Nuclei) Run(ctx context.Context, in Input) (*database.Findings, error) {
	var targets []string
	for _, t := range in.Targets {
		if err := tools.ValidateURL(t); err != nil {
			n.logger.Warn("skipping target url", "scan_id", in.ScanID, "url", t, "error", err)
			continue
		}
		targets = append(targets, strings.TrimSpace(t))
	}
	if len(targets) == 0 {
		return &database.Findings{}, ErrSkipped
	}

	listPath := in.Workspace.OutPath("nuclei-targets.txt")
	if err := os.WriteFile(listPath, []byte(strings.Join(targets, "\n")+"\n"), 0o600); err != nil {
		return &database.Findings{}, &AnalyzerError{Kind: KindNuclei, Op: "write targets", Err: err}
	}

	outPath := in.Workspace.OutPath("nuclei.json")
	spec, err := buildNucleiSpec(listPath, outPath, in.Config.Nuclei)
	if err != nil {
		return &database.Findings{}, &AnalyzerError{Kind: KindNuclei, Op: "options", Err: err}
	}
	data, err := n.runAndRead(ctx, in, spec, outPath)
	if err != nil || data == nil {
		return &database.Findings{}, err
	}
	return normalizeNuclei(data, in.ScanID)
}

type nucleiResult struct {
	TemplateID string `json:"template-id"`
	MatchedAt  string `json:"matched-at"`
	Host       string `json:"host"`
	Info       struct {
		Name           string `json:"name"`
		Description    string `json:"description"`
		Severity       string `json:"severity"`
		Remediation    string `json:"remediation"`
		Classification struct {
			CWEID stringList `json:"cwe-id"`
		} `json:"classification"`
	} `json:"info"`
}

var nucleiSeverity = map[string]string{
	"critical": database.SeverityCritical,
	"high":     database.SeverityHigh,
	"medium":   database.SeverityMedium,
	"low":      database.SeverityLow,
	"info":     database.SeverityInfo,
}

func mapNucleiSeverity(s string) string {
	if sev, ok := nucleiSeverity[strings.ToLower(strings.TrimSpace(s))]; ok {
		return sev
	}
	return database.SeverityInfo
}

// decodeNuclei accepts a JSON array, a single object, or JSON lines.
func decodeNuclei(data []byte) ([]nucleiResult, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []nucleiResult
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}

	var one nucleiResult
	if err := json.Unmarshal(trimmed, &one); err == nil {
		return []nucleiResult{one}, nil
	}

	var items []nucleiResult
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	sc.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var item nucleiResult
		if err := json.Unmarshal(line, &item); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		items = append(items, item)
	}
	return items, sc.Err()
}

func normalizeNuclei(data []byte, scanID int64) (*database.Findings, error) {
	items, err := decodeNuclei(data)
	if err != nil {
		return nil, &AnalyzerError{Kind: KindNuclei, Op: "parse", Err: err}
	}

	f := &database.Findings{}
	for _, it := range items {
		externalID := it.TemplateID
		if externalID == "" {
			externalID = "unknown"
		}
		title := it.Info.Name
		if title == "" {
			title = "Unknown Vulnerability"
		}
		target := it.MatchedAt
		if target == "" {
			target = it.Host
		}
		// Endpoints have no line concept; 0 marks that.
		line := 0
		f.Vulnerabilities = append(f.Vulnerabilities, database.Vulnerability{
			ScanID:      scanID,
			Tool:        string(KindNuclei),
			ExternalID:  externalID,
			Title:       title,
			Description: it.Info.Description,
			Severity:    mapNucleiSeverity(it.Info.Severity),
			FilePath:    target,
			Line:        &line,
			Fix:         it.Info.Remediation,
			Category:    strings.Join(it.Info.Classification.CWEID, ", "),
		})
	}
	return f, nil
}
