package scanner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
)

func TestMerge(t *testing.T) {
	base := Config{
		Name:    "bandit",
		Type:    finding.ScannerTypeSAST,
		Command: "bandit",
		Args:    []string{"-r"},
		Options: map[string]any{"severity": "low", "confidence": "low"},
	}
	override := Config{
		Name:    "renamed",
		Type:    finding.ScannerTypeIAC,
		Command: "/opt/bandit",
		Timeout: time.Minute,
		Options: map[string]any{"severity": "high", "skip": "B101"},
	}

	merged := Merge(base, override)

	assert.Equal(t, "bandit", merged.Name)
	assert.Equal(t, finding.ScannerTypeSAST, merged.Type)
	assert.Equal(t, "/opt/bandit", merged.Command)
	assert.Equal(t, []string{"-r"}, merged.Args)
	assert.Equal(t, time.Minute, merged.Timeout)
	assert.Equal(t, map[string]any{"severity": "high", "confidence": "low", "skip": "B101"}, merged.Options)

	// inputs untouched
	assert.Equal(t, "low", base.Options["severity"])
	assert.NotContains(t, base.Options, "skip")
}

func TestMerge_FillsUnsetProtectedFields(t *testing.T) {
	merged := Merge(Config{}, Config{Name: "custom", Type: finding.ScannerTypeSecrets})

	assert.Equal(t, "custom", merged.Name)
	assert.Equal(t, finding.ScannerTypeSecrets, merged.Type)
}

func TestMerge_Idempotent(t *testing.T) {
	base := Config{Name: "semgrep", Command: "semgrep", Options: map[string]any{"a": 1}}
	override := Config{Args: []string{"--json"}, Options: map[string]any{"b": 2}}

	once := Merge(base, override)
	twice := Merge(once, override)

	assert.Equal(t, once, twice)
}

func TestMerge_CopiesSlices(t *testing.T) {
	override := Config{Args: []string{"--json"}}
	merged := Merge(Config{}, override)

	merged.Args[0] = "--sarif"
	assert.Equal(t, "--json", override.Args[0])
}
