package bandit

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
	"github.com/awslabs/automated-security-helper-sub041/pkg/scanner"
)

// Normalize converts one entry of bandit's "results" array into a Finding
func Normalize(raw scanner.RawFinding, res *scanner.ScanResult) (*finding.Finding, error) {
	testID := raw.String("test_id")
	file := strings.TrimPrefix(raw.String("filename"), "./")
	line := raw.Int("line_number")

	p := finding.Params{
		Title:       ruleTitle(testID, raw.String("test_name")),
		Description: raw.String("issue_text"),
		Severity:    mapSeverity(raw.String("issue_severity")),
		FilePath:    file,
		LineStart:   line,
		LineEnd:     lineEnd(raw, line),
		Properties:  properties(raw),
	}
	if testID != "" {
		p.RuleID = finding.StringPtr(testID)
	}
	if line != nil {
		p.ID = generateFindingID(testID, file, *line)
	}
	scanner.ApplyProvenance(&p, res)

	return finding.New(p)
}

// generateFindingID creates a stable ID for a finding
func generateFindingID(testID, file string, line int) string {
	return fmt.Sprintf("bandit-%s-%s-%d", testID, filepath.ToSlash(file), line)
}

// mapSeverity converts Bandit severity to our standard severity levels.
// Bandit reports UNDEFINED for issues it cannot rate.
func mapSeverity(severity string) string {
	switch strings.ToUpper(strings.TrimSpace(severity)) {
	case "", "UNDEFINED":
		return string(finding.SeverityInfo)
	default:
		return severity
	}
}

// lineEnd takes the last entry of line_range when it extends past the
// reported line.
func lineEnd(raw scanner.RawFinding, start *int) *int {
	if start == nil {
		return nil
	}
	lines, ok := raw["line_range"].([]any)
	if !ok || len(lines) == 0 {
		return nil
	}
	last := scanner.RawFinding{"v": lines[len(lines)-1]}.Int("v")
	if last == nil || *last < *start {
		return nil
	}
	return last
}

// ruleTitle returns a human-readable title for the rule
func ruleTitle(testID, testName string) string {
	if testName == "" {
		return fmt.Sprintf("Security issue: %s", testID)
	}
	words := strings.Fields(strings.ReplaceAll(testName, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func properties(raw scanner.RawFinding) map[string]any {
	props := map[string]any{}
	if v := raw.String("issue_confidence"); v != "" {
		props["confidence"] = v
	}
	if v := raw.String("more_info"); v != "" {
		props["more_info"] = v
	}
	if v := raw.String("code"); v != "" {
		props["code"] = v
	}
	if col := raw.Int("col_number"); col != nil {
		props["column"] = *col
	}
	if cwe := raw.Map("issue_cwe"); cwe != nil {
		if id := cwe.Int("id"); id != nil {
			props["cwe"] = fmt.Sprintf("CWE-%d", *id)
		}
	}
	if len(props) == 0 {
		return nil
	}
	return props
}
