package scanner_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
	"github.com/awslabs/automated-security-helper-sub041/pkg/scanner"
	"github.com/awslabs/automated-security-helper-sub041/pkg/scanner/scannertest"
)

func TestRegistry_Register(t *testing.T) {
	reg := scanner.NewRegistry()
	factory := func() scanner.Plugin { return &scannertest.FuncPlugin{PluginName: "a"} }

	require.NoError(t, reg.Register("a", scanner.Registration{Factory: factory}))
	require.NoError(t, reg.Register("b", scanner.Registration{Factory: factory}))

	tests := []struct {
		name    string
		regName string
		entry   scanner.Registration
	}{
		{"duplicate", "a", scanner.Registration{Factory: factory}},
		{"empty name", "", scanner.Registration{Factory: factory}},
		{"nil factory", "c", scanner.Registration{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Register(tt.regName, tt.entry)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
		})
	}

	assert.Equal(t, []string{"a", "b"}, reg.Names())
	assert.True(t, reg.Has("a"))
	assert.False(t, reg.Has("c"))
}

func TestRegistry_NewPlugin(t *testing.T) {
	reg := scanner.NewRegistry()
	calls := 0
	require.NoError(t, reg.Register("a", scanner.Registration{Factory: func() scanner.Plugin {
		calls++
		return &scannertest.FuncPlugin{PluginName: "a"}
	}}))

	p1, err := reg.NewPlugin("a")
	require.NoError(t, err)
	p2, err := reg.NewPlugin("a")
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.NotSame(t, p1, p2)

	_, err = reg.NewPlugin("missing")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestRegistry_NormalizerFor(t *testing.T) {
	reg := scanner.NewRegistry()
	custom := func(raw scanner.RawFinding, res *scanner.ScanResult) (*finding.Finding, error) {
		return finding.New(finding.Params{Severity: "LOW", FilePath: "custom"})
	}
	factory := func() scanner.Plugin { return &scannertest.FuncPlugin{} }

	require.NoError(t, reg.Register("with", scanner.Registration{Factory: factory, Normalizer: custom}))
	require.NoError(t, reg.Register("without", scanner.Registration{Factory: factory}))

	f, err := reg.NormalizerFor("with")(scanner.RawFinding{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "custom", f.FilePath)

	f, err = reg.NormalizerFor("without")(scanner.RawFinding{"severity": "high", "file_path": "x.py"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "x.py", f.FilePath)

	assert.NotNil(t, reg.NormalizerFor("unknown"))
}
