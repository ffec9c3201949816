package scanner

import (
	"context"
	"fmt"
	"strings"

	"github.com/jamesruggles/spectra/internal/database"
)

const (
	categoryOutdatedComponents = "A06:2021-Vulnerable and Outdated Components"
	categoryMisconfiguration   = "A05:2021-Security Misconfiguration"
	defaultUpgradeFix          = "Upgrade the affected package to the fixed version or latest"
)

// Trivy covers dependency CVEs, IaC misconfigurations and plain-file secrets.
type Trivy struct {
	base
}

func (t *Trivy) Run(ctx context.Context, in Input) (*database.Findings, error) {
	outPath := in.Workspace.OutPath("trivy.json")
	data, err := t.runAndRead(ctx, in, buildTrivySpec(in.Workspace, outPath), outPath)
	if err != nil || data == nil {
		return &database.Findings{}, err
	}
	return normalizeTrivy(data, in.ScanID, in.Workspace.Src)
}

type trivyReport struct {
	Results []struct {
		Target          string `json:"Target"`
		Vulnerabilities []struct {
			VulnerabilityID  string `json:"VulnerabilityID"`
			PkgName          string `json:"PkgName"`
			InstalledVersion string `json:"InstalledVersion"`
			FixedVersion     string `json:"FixedVersion"`
			Title            string `json:"Title"`
			Description      string `json:"Description"`
			Severity         string `json:"Severity"`
		} `json:"Vulnerabilities"`
		Misconfigurations []struct {
			ID            string `json:"ID"`
			Title         string `json:"Title"`
			Description   string `json:"Description"`
			Message       string `json:"Message"`
			Resolution    string `json:"Resolution"`
			Severity      string `json:"Severity"`
			CauseMetadata struct {
				StartLine int `json:"StartLine"`
			} `json:"CauseMetadata"`
			IacMetadata struct {
				StartLine int `json:"StartLine"`
			} `json:"IacMetadata"`
		} `json:"Misconfigurations"`
		Secrets []struct {
			RuleID    string `json:"RuleID"`
			Title     string `json:"Title"`
			StartLine int    `json:"StartLine"`
			EndLine   int    `json:"EndLine"`
			Match     string `json:"Match"`
		} `json:"Secrets"`
	} `json:"Results"`
}

// Trivy already reports on the shared scale; anything else, UNKNOWN
// included, becomes INFO.
func mapTrivySeverity(s string) string {
	switch sev := strings.ToUpper(s); sev {
	case database.SeverityCritical, database.SeverityHigh, database.SeverityMedium, database.SeverityLow:
		return sev
	default:
		return database.SeverityInfo
	}
}

func normalizeTrivy(data []byte, scanID int64, root string) (*database.Findings, error) {
	var report trivyReport
	if err := decode(KindTrivy, data, &report); err != nil {
		return nil, err
	}

	f := &database.Findings{}
	for _, res := range report.Results {
		target := relPath(root, res.Target)

		for _, v := range res.Vulnerabilities {
			title := v.Title
			if title == "" {
				title = v.PkgName
			}
			fix := defaultUpgradeFix
			if v.PkgName != "" {
				fixed := v.FixedVersion
				if fixed == "" {
					fixed = "latest"
				}
				fix = fmt.Sprintf("Upgrade %s to %s", v.PkgName, fixed)
			}
			f.Vulnerabilities = append(f.Vulnerabilities, database.Vulnerability{
				ScanID:      scanID,
				Tool:        string(KindTrivy),
				ExternalID:  v.VulnerabilityID,
				Title:       title,
				Description: v.Description,
				Severity:    mapTrivySeverity(v.Severity),
				FilePath:    target,
				Fix:         fix,
				Category:    categoryOutdatedComponents,
			})
		}

		for _, m := range res.Misconfigurations {
			line := m.CauseMetadata.StartLine
			if line == 0 {
				line = m.IacMetadata.StartLine
			}
			desc := m.Description
			if m.Message != "" && desc == "" {
				desc = m.Message
			}
			f.Vulnerabilities = append(f.Vulnerabilities, database.Vulnerability{
				ScanID:      scanID,
				Tool:        string(KindTrivy),
				ExternalID:  m.ID,
				Title:       m.Title,
				Description: desc,
				Severity:    mapTrivySeverity(m.Severity),
				FilePath:    target,
				Line:        intPtr(line),
				Fix:         m.Resolution,
				Category:    categoryMisconfiguration,
			})
		}

		for _, s := range res.Secrets {
			f.Secrets = append(f.Secrets, database.Secret{
				ScanID:    scanID,
				Title:     s.Title,
				Match:     s.Match,
				RuleID:    s.RuleID,
				FilePath:  target,
				StartLine: intPtr(s.StartLine),
				EndLine:   intPtr(s.EndLine),
			})
		}
	}
	return f, nil
}
