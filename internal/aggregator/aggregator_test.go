package aggregator

import (
	"bytes"
	stderrors "errors"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
	"github.com/awslabs/automated-security-helper-sub041/pkg/logging"
	"github.com/awslabs/automated-security-helper-sub041/pkg/scanner"
	"github.com/awslabs/automated-security-helper-sub041/pkg/suppression"
)

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestAggregator(t *testing.T, rules ...suppression.Rule) *Aggregator {
	t.Helper()
	logger, err := logging.NewLogger(&logging.Config{Level: "debug", Format: "json", Output: "stdout"})
	require.NoError(t, err)
	logger.SetOutput(&bytes.Buffer{})

	return New(rules,
		WithLogger(logger),
		WithMatcher(suppression.Matcher{Now: func() time.Time { return fixedNow }}),
	)
}

func mustFinding(t *testing.T, p finding.Params) *finding.Finding {
	t.Helper()
	if p.Severity == "" {
		p.Severity = "MEDIUM"
	}
	if p.ScannerName == "" {
		p.ScannerName = "bandit"
	}
	f, err := finding.New(p)
	require.NoError(t, err)
	return f
}

func TestAggregator_AddFinding_FirstWriteWins(t *testing.T) {
	agg := newTestAggregator(t)

	first := mustFinding(t, finding.Params{
		Title: "assert used", Description: "d", FilePath: "src/app.py",
		LineStart: finding.IntPtr(10), Severity: "LOW", ScannerName: "bandit",
	})
	dup := mustFinding(t, finding.Params{
		Title: "assert used", Description: "d", FilePath: "src/app.py",
		LineStart: finding.IntPtr(10), Severity: "HIGH", ScannerName: "semgrep",
	})
	other := mustFinding(t, finding.Params{
		Title: "assert used", Description: "d", FilePath: "src/app.py",
		LineStart: finding.IntPtr(11),
	})

	assert.True(t, agg.AddFinding(first))
	assert.False(t, agg.AddFinding(dup))
	assert.True(t, agg.AddFinding(other))
	assert.False(t, agg.AddFinding(nil))

	unique := agg.Deduplicate()
	require.Len(t, unique, 2)
	assert.Equal(t, "bandit", unique[0].ScannerName)
	assert.Equal(t, finding.SeverityLow, unique[0].Severity)
	assert.Equal(t, 11, *unique[1].LineStart)

	assert.Equal(t, unique, agg.Deduplicate())
}

func TestAggregator_AddFinding_NilLineIsDistinctKey(t *testing.T) {
	agg := newTestAggregator(t)

	assert.True(t, agg.AddFinding(mustFinding(t, finding.Params{Title: "t", FilePath: "a.py"})))
	assert.True(t, agg.AddFinding(mustFinding(t, finding.Params{Title: "t", FilePath: "a.py", LineStart: finding.IntPtr(1)})))
	assert.False(t, agg.AddFinding(mustFinding(t, finding.Params{Title: "t", FilePath: "a.py"})))
	assert.Equal(t, 2, agg.Len())
}

func TestAggregator_AddFinding_StoresCopy(t *testing.T) {
	agg := newTestAggregator(t)
	f := mustFinding(t, finding.Params{Title: "t", FilePath: "a.py", LineStart: finding.IntPtr(3)})
	agg.AddFinding(f)

	*f.LineStart = 99
	f.Title = "changed"

	unique := agg.Deduplicate()
	assert.Equal(t, 3, *unique[0].LineStart)
	assert.Equal(t, "t", unique[0].Title)
}

func TestAggregator_AddScanResult(t *testing.T) {
	agg := newTestAggregator(t)
	res := &scanner.ScanResult{
		ScannerName: "custom",
		ScannerType: finding.ScannerTypeCustom,
		EndTime:     fixedNow,
		Findings: []scanner.RawFinding{
			{"rule_id": "C1", "title": "one", "severity": "high", "file_path": "a.go", "line_start": float64(4)},
			{"rule_id": "C2", "title": "two", "severity": "bogus", "file_path": "b.go"},
			{"rule_id": "C1", "title": "one", "severity": "high", "file_path": "a.go", "line_start": float64(4)},
			{"title": "three", "severity": "INFO"},
		},
	}

	added, err := agg.AddScanResult(res, nil)
	assert.Equal(t, 1, added)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	var merr *multierror.Error
	require.True(t, stderrors.As(err, &merr))
	assert.Len(t, merr.Errors, 2)
	assert.Contains(t, merr.Errors[0].Error(), "index 1")
	assert.Contains(t, merr.Errors[1].Error(), "index 3")

	unique := agg.Deduplicate()
	require.Len(t, unique, 1)
	assert.Equal(t, "custom", unique[0].ScannerName)
	assert.Equal(t, finding.ScannerTypeCustom, unique[0].ScannerType)
	assert.Equal(t, finding.SeverityHigh, unique[0].Severity)
}

func TestAggregator_AddScanResult_CustomNormalizer(t *testing.T) {
	agg := newTestAggregator(t)
	calls := 0
	normalize := func(raw scanner.RawFinding, res *scanner.ScanResult) (*finding.Finding, error) {
		calls++
		return finding.New(finding.Params{
			Title:       raw.String("name"),
			FilePath:    raw.String("where"),
			Severity:    "LOW",
			ScannerName: res.ScannerName,
		})
	}

	added, err := agg.AddScanResult(&scanner.ScanResult{
		ScannerName: "native",
		Findings:    []scanner.RawFinding{{"name": "x", "where": "x.tf"}},
	}, normalize)

	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, calls)

	added, err = agg.AddScanResult(nil, normalize)
	assert.NoError(t, err)
	assert.Zero(t, added)
}

func TestAggregator_AddScanResults_UsesRegisteredNormalizer(t *testing.T) {
	reg := scanner.NewRegistry()
	require.NoError(t, reg.Register("native", scanner.Registration{
		Factory: func() scanner.Plugin { return nil },
		Normalizer: func(raw scanner.RawFinding, res *scanner.ScanResult) (*finding.Finding, error) {
			return finding.New(finding.Params{
				Title:       raw.String("name"),
				FilePath:    raw.String("where"),
				Severity:    "CRITICAL",
				ScannerName: res.ScannerName,
			})
		},
	}))

	agg := newTestAggregator(t)
	err := agg.AddScanResults(map[string]*scanner.ScanResult{
		"native": {ScannerName: "native", Findings: []scanner.RawFinding{{"name": "n", "where": "n.py"}}},
		"plain":  {ScannerName: "plain", Findings: []scanner.RawFinding{{"title": "p", "file_path": "p.py", "severity": "LOW"}}},
	}, reg)

	require.NoError(t, err)
	unique := agg.Deduplicate()
	require.Len(t, unique, 2)
	assert.Equal(t, finding.SeverityCritical, unique[0].Severity)
	assert.Equal(t, "plain", unique[1].ScannerName)
}

func TestAggregator_Grouping(t *testing.T) {
	agg := newTestAggregator(t)
	agg.AddFinding(mustFinding(t, finding.Params{RuleID: finding.StringPtr("B101"), Title: "a", FilePath: "a.py", Severity: "LOW"}))
	agg.AddFinding(mustFinding(t, finding.Params{RuleID: finding.StringPtr("B101"), Title: "b", FilePath: "b.py", Severity: "HIGH"}))
	agg.AddFinding(mustFinding(t, finding.Params{RuleID: finding.StringPtr("B602"), Title: "c", FilePath: "c.py", Severity: "HIGH"}))
	agg.AddFinding(mustFinding(t, finding.Params{Title: "d", FilePath: "d.py", Severity: "INFO"}))

	byRule := agg.GroupByRule()
	assert.Len(t, byRule, 3)
	assert.Len(t, byRule["B101"], 2)
	assert.Len(t, byRule["B602"], 1)
	assert.Len(t, byRule[""], 1)

	bySeverity := agg.GroupBySeverity()
	assert.Len(t, bySeverity, 3)
	assert.Len(t, bySeverity[finding.SeverityHigh], 2)
	assert.Len(t, bySeverity[finding.SeverityLow], 1)
	assert.Len(t, bySeverity[finding.SeverityInfo], 1)

	total := 0
	for _, group := range bySeverity {
		total += len(group)
	}
	assert.Equal(t, agg.Len(), total)
}

func TestAggregator_Results_Suppression(t *testing.T) {
	rule := suppression.Rule{
		RuleID:    "B1*",
		Path:      "src/*.py",
		LineStart: finding.IntPtr(5),
		LineEnd:   finding.IntPtr(20),
		Reason:    "accepted risk",
	}
	unused := suppression.Rule{RuleID: "X*", Path: "docs/*", Reason: "docs"}
	agg := newTestAggregator(t, rule, unused)

	agg.AddFinding(mustFinding(t, finding.Params{RuleID: finding.StringPtr("B101"), Title: "in", FilePath: "src/app.py", LineStart: finding.IntPtr(10)}))
	agg.AddFinding(mustFinding(t, finding.Params{RuleID: finding.StringPtr("B101"), Title: "out", FilePath: "src/app.py", LineStart: finding.IntPtr(25), Severity: "HIGH"}))

	results := agg.Results()
	require.Len(t, results, 2)
	assert.True(t, results[0].Suppressed)
	require.NotNil(t, results[0].MatchedRule)
	assert.Equal(t, "accepted risk", results[0].MatchedRule.Reason)
	assert.False(t, results[1].Suppressed)
	assert.Nil(t, results[1].MatchedRule)

	active := agg.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "out", active[0].Title)

	suppressed := agg.Suppressed()
	require.Len(t, suppressed, 1)
	assert.Equal(t, "in", suppressed[0].Title)

	assert.Equal(t, 2, agg.Len())
	assert.Equal(t, []suppression.Rule{unused}, agg.UnusedSuppressions())
}

func TestAggregator_Results_ExpiredRuleIgnored(t *testing.T) {
	expired := suppression.Rule{RuleID: "*", Path: "*", Reason: "old", Expiration: "2025-06-14"}
	today := suppression.Rule{RuleID: "*", Path: "*.go", Reason: "today", Expiration: "2025-06-15"}
	agg := newTestAggregator(t, expired, today)

	agg.AddFinding(mustFinding(t, finding.Params{RuleID: finding.StringPtr("R"), Title: "py", FilePath: "a.py"}))
	agg.AddFinding(mustFinding(t, finding.Params{RuleID: finding.StringPtr("R"), Title: "go", FilePath: "a.go"}))

	results := agg.Results()
	assert.False(t, results[0].Suppressed)
	assert.True(t, results[1].Suppressed)
	assert.Equal(t, "today", results[1].MatchedRule.Reason)
	assert.Equal(t, []suppression.Rule{expired}, agg.UnusedSuppressions())
}

func TestAggregator_Summary(t *testing.T) {
	agg := newTestAggregator(t, suppression.Rule{RuleID: "*", Path: "tests/*", Reason: "test code"})

	agg.AddFinding(mustFinding(t, finding.Params{RuleID: finding.StringPtr("R1"), Title: "a", FilePath: "src/a.py", Severity: "HIGH", ScannerName: "bandit"}))
	agg.AddFinding(mustFinding(t, finding.Params{RuleID: finding.StringPtr("R2"), Title: "b", FilePath: "tests/b.py", Severity: "HIGH", ScannerName: "semgrep"}))
	agg.AddFinding(mustFinding(t, finding.Params{RuleID: finding.StringPtr("R3"), Title: "c", FilePath: "src/c.py", Severity: "LOW", ScannerName: "semgrep"}))

	s := agg.Summary()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Active)
	assert.Equal(t, 1, s.Suppressed)
	assert.Equal(t, map[finding.Severity]int{finding.SeverityHigh: 2, finding.SeverityLow: 1}, s.BySeverity)
	assert.Equal(t, map[finding.Severity]int{finding.SeverityHigh: 1, finding.SeverityLow: 1}, s.ActiveBySeverity)
	assert.Equal(t, map[string]int{"bandit": 1, "semgrep": 2}, s.ByScanner)
}

func TestSortBySeverity(t *testing.T) {
	results := []Annotated{
		{Finding: finding.Finding{Title: "low", Severity: finding.SeverityLow}},
		{Finding: finding.Finding{Title: "crit", Severity: finding.SeverityCritical}},
		{Finding: finding.Finding{Title: "low2", Severity: finding.SeverityLow}},
		{Finding: finding.Finding{Title: "high", Severity: finding.SeverityHigh}},
	}

	SortBySeverity(results)

	var titles []string
	for _, r := range results {
		titles = append(titles, r.Title)
	}
	assert.Equal(t, []string{"crit", "high", "low", "low2"}, titles)
}
