package pip

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
	"github.com/awslabs/automated-security-helper-sub041/pkg/scanner"
)

const pipAuditOutput = `{
  "dependencies": [
    {
      "name": "flask",
      "version": "0.5",
      "vulns": [
        {
          "id": "PYSEC-2019-179",
          "fix_versions": ["1.0"],
          "aliases": ["CVE-2019-1010083", "GHSA-5wv5-4vpf-pj6m"],
          "description": "The Pallets Project Flask before 1.0 is affected by unexpected memory usage."
        }
      ]
    },
    {
      "name": "requests",
      "version": "2.31.0",
      "vulns": []
    },
    {
      "name": "localpkg",
      "skip_reason": "Dependency not found on PyPI"
    }
  ],
  "fixes": []
}`

func TestParsePipAuditOutput(t *testing.T) {
	raw, err := parsePipAuditOutput([]byte(pipAuditOutput), "requirements.txt")
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.Equal(t, "flask", raw[0]["package"])
	assert.Equal(t, "requirements.txt", raw[0]["requirements_file"])

	raw, err = parsePipAuditOutput(nil, "requirements.txt")
	require.NoError(t, err)
	assert.Empty(t, raw)

	_, err = parsePipAuditOutput([]byte("Traceback"), "requirements.txt")
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	raw, err := parsePipAuditOutput([]byte(pipAuditOutput), "requirements-dev.txt")
	require.NoError(t, err)

	res := &scanner.ScanResult{ScannerName: ScannerName, ScannerType: finding.ScannerTypeDependency}
	f, err := Normalize(raw[0], res)
	require.NoError(t, err)

	assert.Equal(t, "pip-audit-flask-PYSEC-2019-179", f.ID)
	assert.Equal(t, "PYSEC-2019-179", *f.RuleID)
	assert.Equal(t, "Vulnerable dependency: flask", f.Title)
	assert.Equal(t, finding.SeverityMedium, f.Severity)
	assert.Equal(t, "requirements-dev.txt", f.FilePath)
	assert.Nil(t, f.LineStart)
	assert.Equal(t, "flask", f.Package)
	assert.Equal(t, "0.5", f.PackageVersion)
	assert.Equal(t, finding.ScannerTypeDependency, f.ScannerType)
	assert.Equal(t, []string{"1.0"}, f.Properties["fix_versions"])
	assert.Equal(t, []string{
		"https://osv.dev/vulnerability/PYSEC-2019-179",
		"https://cve.mitre.org/cgi-bin/cvename.cgi?name=CVE-2019-1010083",
		"https://github.com/advisories/GHSA-5wv5-4vpf-pj6m",
	}, f.Properties["references"])
}

func TestNormalize_MissingDescription(t *testing.T) {
	f, err := Normalize(scanner.RawFinding{
		"id":                "GHSA-xxxx",
		"package":           "jinja2",
		"version":           "2.10",
		"requirements_file": "requirements.txt",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "jinja2 2.10 is affected by GHSA-xxxx", f.Description)
	assert.Equal(t, finding.ScannerTypeCustom, f.ScannerType)
}

func TestBuildArgs(t *testing.T) {
	a := NewAgent()
	args := a.buildArgs("/repo/requirements.txt", a.Options(map[string]any{
		"index_url":    "https://pypi.internal/simple",
		"ignore_vulns": "PYSEC-1,GHSA-2",
	}))

	assert.Equal(t, []string{
		"-f", "json", "--progress-spinner", "off", "--desc", "on",
		"-r", "/repo/requirements.txt",
		"--index-url", "https://pypi.internal/simple",
		"--ignore-vuln", "PYSEC-1",
		"--ignore-vuln", "GHSA-2",
	}, args)
}

func fakePipAudit(t *testing.T, stdout string, exitCode int) string {
	t.Helper()
	dir := t.TempDir()
	out := filepath.Join(dir, "out.json")
	require.NoError(t, os.WriteFile(out, []byte(stdout), 0o644))

	script := filepath.Join(dir, "pip-audit")
	body := "#!/bin/sh\n" +
		"cat '" + out + "'\n" +
		"echo 'audit done' >&2\n" +
		"exit " + strconv.Itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script
}

func TestAgent_Scan(t *testing.T) {
	target := t.TempDir()
	for _, name := range []string{"requirements.txt", "dev-requirements.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(target, name), []byte("flask==0.5\n"), 0o644))
	}

	a := NewAgent()
	require.NoError(t, a.Configure(scanner.Config{Command: fakePipAudit(t, pipAuditOutput, 1)}))

	res, err := a.Scan(context.Background(), target, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	require.Len(t, res.Findings, 2)
	assert.Equal(t, "requirements.txt", res.Findings[0]["requirements_file"])
	assert.Equal(t, "dev-requirements.txt", res.Findings[1]["requirements_file"])
}

func TestAgent_Scan_NoRequirements(t *testing.T) {
	a := NewAgent()
	require.NoError(t, a.Configure(scanner.Config{Command: "/nonexistent/pip-audit"}))

	res, err := a.Scan(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Findings)
	assert.Equal(t, finding.ScannerTypeDependency, res.ScannerType)
}

func TestAgent_Scan_Failure(t *testing.T) {
	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(target, "requirements.txt"), []byte("flask\n"), 0o644))

	a := NewAgent()
	require.NoError(t, a.Configure(scanner.Config{Command: fakePipAudit(t, "", 2)}))

	_, err := a.Scan(context.Background(), target, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeScan))
	assert.Equal(t, "audit done\n", errors.Detail(err, "stderr"))
}
