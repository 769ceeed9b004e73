package pip

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
	"github.com/awslabs/automated-security-helper-sub041/pkg/scanner"
)

// PipAuditResult represents the structure of pip-audit JSON output
type PipAuditResult struct {
	Dependencies []PipDependency `json:"dependencies"`
}

// PipDependency is one audited package
type PipDependency struct {
	Name       string             `json:"name"`
	Version    string             `json:"version"`
	Vulns      []PipVulnerability `json:"vulns"`
	SkipReason string             `json:"skip_reason,omitempty"`
}

// PipVulnerability is one advisory affecting a package
type PipVulnerability struct {
	ID          string   `json:"id"`
	FixVersions []string `json:"fix_versions"`
	Aliases     []string `json:"aliases"`
	Description string   `json:"description"`
}

// parsePipAuditOutput flattens a pip-audit report into one raw record per
// vulnerable package and advisory.
func parsePipAuditOutput(output []byte, requirementsFile string) ([]scanner.RawFinding, error) {
	raw := []scanner.RawFinding{}
	if len(strings.TrimSpace(string(output))) == 0 {
		return raw, nil
	}

	var result PipAuditResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("failed to parse pip-audit JSON: %w", err)
	}

	for _, dep := range result.Dependencies {
		for _, vuln := range dep.Vulns {
			record := scanner.RawFinding{
				"id":                vuln.ID,
				"package":           dep.Name,
				"version":           dep.Version,
				"description":       vuln.Description,
				"requirements_file": requirementsFile,
			}
			if len(vuln.FixVersions) > 0 {
				record["fix_versions"] = vuln.FixVersions
			}
			if len(vuln.Aliases) > 0 {
				record["aliases"] = vuln.Aliases
			}
			raw = append(raw, record)
		}
	}

	return raw, nil
}

// Normalize converts a flattened pip-audit record into a Finding. pip-audit
// reports no severity, so every advisory is MEDIUM.
func Normalize(raw scanner.RawFinding, res *scanner.ScanResult) (*finding.Finding, error) {
	vulnID := raw.String("id")
	pkg := raw.String("package")
	version := raw.String("version")

	p := finding.Params{
		ID:             generateFindingID(pkg, vulnID),
		Title:          fmt.Sprintf("Vulnerable dependency: %s", pkg),
		Description:    raw.String("description"),
		Severity:       string(finding.SeverityMedium),
		FilePath:       raw.String("requirements_file"),
		Package:        pkg,
		PackageVersion: version,
		Properties:     properties(raw, vulnID),
	}
	if vulnID != "" {
		p.RuleID = finding.StringPtr(vulnID)
	}
	if p.Description == "" {
		p.Description = fmt.Sprintf("%s %s is affected by %s", pkg, version, vulnID)
	}
	scanner.ApplyProvenance(&p, res)

	return finding.New(p)
}

// generateFindingID creates a unique ID for a finding
func generateFindingID(packageName, vulnID string) string {
	return fmt.Sprintf("pip-audit-%s-%s", packageName, vulnID)
}

func properties(raw scanner.RawFinding, vulnID string) map[string]any {
	props := map[string]any{}
	if v, ok := raw["fix_versions"]; ok {
		props["fix_versions"] = v
	}
	if v, ok := raw["aliases"]; ok {
		props["aliases"] = v
	}
	if refs := references(vulnID, raw["aliases"]); len(refs) > 0 {
		props["references"] = refs
	}
	if len(props) == 0 {
		return nil
	}
	return props
}

// references returns advisory links for the vulnerability and its aliases
func references(vulnID string, aliases any) []string {
	ids := []string{vulnID}
	switch v := aliases.(type) {
	case []string:
		ids = append(ids, v...)
	case []any:
		for _, a := range v {
			if s, ok := a.(string); ok {
				ids = append(ids, s)
			}
		}
	}

	var refs []string
	for _, id := range ids {
		upper := strings.ToUpper(id)
		switch {
		case strings.HasPrefix(upper, "CVE-"):
			refs = append(refs, fmt.Sprintf("https://cve.mitre.org/cgi-bin/cvename.cgi?name=%s", upper))
		case strings.HasPrefix(upper, "GHSA-"):
			refs = append(refs, fmt.Sprintf("https://github.com/advisories/%s", id))
		case strings.HasPrefix(upper, "PYSEC-"):
			refs = append(refs, fmt.Sprintf("https://osv.dev/vulnerability/%s", upper))
		}
	}
	return refs
}
