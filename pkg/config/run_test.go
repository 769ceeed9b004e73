package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
)

var runNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

const sampleRunConfig = `
execution:
  mode: parallel
  max_workers: 2
scanners:
  bandit:
    args: ["-ll"]
    options:
      confidence: high
  semgrep:
    enabled: false
  custom-lint:
    type: sast
    command: ./lint.sh
    timeout: 90s
suppressions:
  - rule_id: "B1*"
    path: "src/*.py"
    line_start: 5
    line_end: 20
    reason: accepted risk
  - rule_id: "*"
    path: "vendor/*"
    reason: third party
    expiration: "2026-12-31"
`

func TestParseRunConfig(t *testing.T) {
	rc, err := ParseRunConfig([]byte(sampleRunConfig), runNow)
	require.NoError(t, err)

	assert.Equal(t, ModeParallel, rc.Execution.Mode)
	assert.Equal(t, 2, rc.Execution.MaxWorkers)
	assert.Len(t, rc.Scanners, 3)
	assert.Equal(t, []string{"bandit", "custom-lint"}, rc.EnabledScanners())

	bandit := rc.Scanners["bandit"]
	assert.True(t, bandit.IsEnabled())
	assert.Equal(t, []string{"-ll"}, bandit.Args)
	assert.Equal(t, "high", bandit.Options["confidence"])

	custom := rc.Scanners["custom-lint"].ScannerConfig("custom-lint")
	assert.Equal(t, "custom-lint", custom.Name)
	assert.Equal(t, finding.ScannerTypeSAST, custom.Type)
	assert.Equal(t, "./lint.sh", custom.Command)
	assert.Equal(t, 90*time.Second, custom.Timeout)

	require.Len(t, rc.Suppressions, 2)
	assert.Equal(t, "B1*", rc.Suppressions[0].RuleID)
	assert.Equal(t, 5, *rc.Suppressions[0].LineStart)
	assert.Equal(t, "2026-12-31", rc.Suppressions[1].Expiration)
}

func TestParseRunConfig_EmptyScanners(t *testing.T) {
	for _, doc := range []string{"", "scanners:\n", "scanners: {}\n"} {
		rc, err := ParseRunConfig([]byte(doc), runNow)
		require.NoError(t, err)
		assert.Empty(t, rc.Scanners)
		assert.Empty(t, rc.EnabledScanners())
	}
}

func TestParseRunConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		errType errors.ErrorType
	}{
		{"scanners as list", "scanners:\n  - bandit\n  - semgrep\n", errors.ErrorTypeConfig},
		{"scanners as string", "scanners: bandit\n", errors.ErrorTypeConfig},
		{"bad yaml", "scanners: [\n", errors.ErrorTypeConfig},
		{"bad mode", "execution:\n  mode: turbo\n", errors.ErrorTypeConfig},
		{"negative workers", "execution:\n  max_workers: -1\n", errors.ErrorTypeConfig},
		{"bad scanner type", "scanners:\n  x:\n    type: fuzz\n", errors.ErrorTypeConfig},
		{"suppression without reason", "suppressions:\n  - rule_id: B1\n    path: a\n", errors.ErrorTypeValidation},
		{"suppression already expired", "suppressions:\n  - rule_id: B1\n    path: a\n    reason: r\n    expiration: \"2026-05-31\"\n", errors.ErrorTypeValidation},
		{"suppression bad date", "suppressions:\n  - rule_id: B1\n    path: a\n    reason: r\n    expiration: tomorrow\n", errors.ErrorTypeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRunConfig([]byte(tt.doc), runNow)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, tt.errType), "got %v", err)
		})
	}
}

func TestLoadRunConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ash.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scanners:\n  bandit: {}\n"), 0o600))

	rc, err := LoadRunConfig(path)
	require.NoError(t, err)
	assert.Contains(t, rc.Scanners, "bandit")

	_, err = LoadRunConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
