package semgrep

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
	"github.com/awslabs/automated-security-helper-sub041/pkg/scanner"
)

// SARIFReport represents the subset of Semgrep's SARIF output that is read
type SARIFReport struct {
	Schema  string `json:"$schema"`
	Version string `json:"version"`
	Runs    []struct {
		Tool struct {
			Driver struct {
				Name            string `json:"name"`
				Version         string `json:"version"`
				SemanticVersion string `json:"semanticVersion"`
				Rules           []struct {
					ID               string `json:"id"`
					Name             string `json:"name"`
					ShortDescription struct {
						Text string `json:"text"`
					} `json:"shortDescription"`
					HelpURI string `json:"helpUri"`
				} `json:"rules"`
			} `json:"driver"`
		} `json:"tool"`
		Results []struct {
			RuleID  string `json:"ruleId"`
			Level   string `json:"level"`
			Message struct {
				Text string `json:"text"`
			} `json:"message"`
			Locations []struct {
				PhysicalLocation struct {
					ArtifactLocation struct {
						URI string `json:"uri"`
					} `json:"artifactLocation"`
					Region struct {
						StartLine   int `json:"startLine"`
						StartColumn int `json:"startColumn"`
						EndLine     int `json:"endLine"`
						Snippet     struct {
							Text string `json:"text"`
						} `json:"snippet"`
					} `json:"region"`
				} `json:"physicalLocation"`
			} `json:"locations"`
			Properties struct {
				Extra struct {
					Severity string `json:"severity"`
					Metadata struct {
						Category   string   `json:"category"`
						Confidence string   `json:"confidence"`
						References []string `json:"references"`
						CWE        []string `json:"cwe"`
					} `json:"metadata"`
				} `json:"extra"`
			} `json:"properties"`
		} `json:"results"`
	} `json:"runs"`
}

// parseSARIFOutput flattens every located result of the report into a raw
// record and returns the tool version the report declares.
func parseSARIFOutput(output []byte) ([]scanner.RawFinding, string, error) {
	raw := []scanner.RawFinding{}
	if len(strings.TrimSpace(string(output))) == 0 {
		return raw, "", nil
	}

	var sarif SARIFReport
	if err := json.Unmarshal(output, &sarif); err != nil {
		return nil, "", fmt.Errorf("failed to parse SARIF JSON: %w", err)
	}

	var version string
	for _, run := range sarif.Runs {
		if version == "" {
			version = run.Tool.Driver.SemanticVersion
		}
		if version == "" {
			version = run.Tool.Driver.Version
		}

		titles := make(map[string]string, len(run.Tool.Driver.Rules))
		helpURIs := make(map[string]string, len(run.Tool.Driver.Rules))
		for _, rule := range run.Tool.Driver.Rules {
			titles[rule.ID] = rule.ShortDescription.Text
			helpURIs[rule.ID] = rule.HelpURI
		}

		for _, result := range run.Results {
			if len(result.Locations) == 0 {
				continue
			}
			location := result.Locations[0].PhysicalLocation
			meta := result.Properties.Extra.Metadata

			record := scanner.RawFinding{
				"rule_id":    result.RuleID,
				"rule_title": titles[result.RuleID],
				"help_uri":   helpURIs[result.RuleID],
				"level":      result.Level,
				"severity":   result.Properties.Extra.Severity,
				"message":    result.Message.Text,
				"path":       location.ArtifactLocation.URI,
				"snippet":    location.Region.Snippet.Text,
				"category":   meta.Category,
				"confidence": meta.Confidence,
			}
			if location.Region.StartLine > 0 {
				record["start_line"] = location.Region.StartLine
			}
			if location.Region.EndLine > 0 {
				record["end_line"] = location.Region.EndLine
			}
			if location.Region.StartColumn > 0 {
				record["column"] = location.Region.StartColumn
			}
			if len(meta.References) > 0 {
				record["references"] = meta.References
			}
			if len(meta.CWE) > 0 {
				record["cwe"] = meta.CWE
			}
			raw = append(raw, record)
		}
	}

	return raw, version, nil
}

// Normalize converts a flattened SARIF result into a Finding
func Normalize(raw scanner.RawFinding, res *scanner.ScanResult) (*finding.Finding, error) {
	ruleID := raw.String("rule_id")
	path := strings.TrimPrefix(strings.TrimPrefix(raw.String("path"), "file://"), "./")
	start := raw.Int("start_line")

	p := finding.Params{
		Title:       ruleTitle(ruleID, raw.String("rule_title")),
		Description: raw.String("message"),
		Severity:    mapSeverity(raw.String("level"), raw.String("severity")),
		FilePath:    path,
		LineStart:   start,
		LineEnd:     raw.Int("end_line"),
		Properties:  properties(raw),
	}
	if ruleID != "" {
		p.RuleID = finding.StringPtr(ruleID)
	}
	if start != nil {
		p.ID = generateFindingID(ruleID, path, *start)
	}
	scanner.ApplyProvenance(&p, res)

	return finding.New(p)
}

// generateFindingID creates a stable ID for a finding
func generateFindingID(ruleID, file string, line int) string {
	return fmt.Sprintf("semgrep-%s-%s-%d", ruleID, file, line)
}

// ruleTitle prefers the rule's short description and falls back to the last
// segment of its dotted ID.
func ruleTitle(ruleID, short string) string {
	if short = strings.TrimSpace(short); short != "" {
		return short
	}
	if i := strings.LastIndex(ruleID, "."); i >= 0 && i < len(ruleID)-1 {
		return ruleID[i+1:]
	}
	if ruleID == "" {
		return "Semgrep finding"
	}
	return ruleID
}

// mapSeverity converts Semgrep severity to our standard severity levels.
// Semgrep uses both 'level' (SARIF standard) and its own 'severity'.
func mapSeverity(level, severity string) string {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "critical":
		return string(finding.SeverityCritical)
	case "error", "high":
		return string(finding.SeverityHigh)
	case "warning", "medium":
		return string(finding.SeverityMedium)
	case "info", "low":
		return string(finding.SeverityLow)
	}

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		return string(finding.SeverityHigh)
	case "note":
		return string(finding.SeverityLow)
	case "none":
		return string(finding.SeverityInfo)
	default:
		return string(finding.SeverityMedium)
	}
}

func properties(raw scanner.RawFinding) map[string]any {
	props := map[string]any{}
	for _, key := range []string{"category", "confidence", "snippet", "help_uri"} {
		if v := raw.String(key); v != "" {
			props[key] = v
		}
	}
	if col := raw.Int("column"); col != nil {
		props["column"] = *col
	}
	for _, key := range []string{"references", "cwe"} {
		if v, ok := raw[key]; ok && v != nil {
			props[key] = v
		}
	}
	if len(props) == 0 {
		return nil
	}
	return props
}
