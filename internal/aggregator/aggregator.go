// Package aggregator turns raw scanner output into one deduplicated,
// suppression-aware finding set.
package aggregator

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
	"github.com/awslabs/automated-security-helper-sub041/pkg/logging"
	"github.com/awslabs/automated-security-helper-sub041/pkg/scanner"
	"github.com/awslabs/automated-security-helper-sub041/pkg/suppression"
)

// Annotated is a finding together with its suppression decision
type Annotated struct {
	finding.Finding
	Suppressed  bool              `json:"suppressed"`
	MatchedRule *suppression.Rule `json:"matched_rule,omitempty"`
}

// Summary counts the aggregated findings
type Summary struct {
	Total            int                      `json:"total"`
	Active           int                      `json:"active"`
	Suppressed       int                      `json:"suppressed"`
	BySeverity       map[finding.Severity]int `json:"by_severity"`
	ActiveBySeverity map[finding.Severity]int `json:"active_by_severity"`
	ByScanner        map[string]int           `json:"by_scanner"`
}

// Aggregator collects findings keyed by their dedup key. It is not safe for
// concurrent use; it runs after the engine has finished.
type Aggregator struct {
	rules   []suppression.Rule
	matcher suppression.Matcher
	logger  *logging.Logger

	findings []*finding.Finding
	index    map[finding.Key]int
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithMatcher overrides the suppression matcher (clock and logger)
func WithMatcher(m suppression.Matcher) Option {
	return func(a *Aggregator) { a.matcher = m }
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(a *Aggregator) { a.logger = logger }
}

// New creates an aggregator that applies rules in order
func New(rules []suppression.Rule, opts ...Option) *Aggregator {
	a := &Aggregator{
		rules: append([]suppression.Rule(nil), rules...),
		index: make(map[finding.Key]int),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logging.GetLogger()
	}
	if a.matcher.Logger == nil {
		a.matcher.Logger = a.logger
	}
	return a
}

// Len returns the number of unique findings
func (a *Aggregator) Len() int {
	return len(a.findings)
}

// AddFinding inserts f unless a finding with the same dedup key was added
// earlier. It reports whether f was inserted.
func (a *Aggregator) AddFinding(f *finding.Finding) bool {
	if f == nil {
		return false
	}
	key := f.DedupKey()
	if _, exists := a.index[key]; exists {
		return false
	}
	stored := f.Clone()
	a.index[key] = len(a.findings)
	a.findings = append(a.findings, &stored)
	return true
}

// AddScanResult normalizes every raw record of res and adds the valid ones.
// Records that fail validation are returned as ValidationErrors carrying the
// scanner name and record index; they are never silently dropped.
func (a *Aggregator) AddScanResult(res *scanner.ScanResult, normalize scanner.Normalizer) (int, error) {
	if res == nil {
		return 0, nil
	}
	if normalize == nil {
		normalize = scanner.DefaultNormalizer
	}

	var result *multierror.Error
	added := 0
	for i, raw := range res.Findings {
		f, err := normalize(raw, res)
		if err != nil {
			verr := errors.NewValidationError(fmt.Sprintf("scanner %s: invalid finding at index %d", res.ScannerName, i)).
				WithDetail("scanner", res.ScannerName).
				WithCause(err)
			result = multierror.Append(result, verr)
			continue
		}
		if a.AddFinding(f) {
			added++
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		a.logger.WithFields(logrus.Fields{
			"scanner": res.ScannerName,
			"invalid": len(result.Errors),
			"added":   added,
		}).Warn("Scanner produced invalid findings")
		return added, err
	}
	return added, nil
}

// AddScanResults adds every result in name order, normalizing each with the
// normalizer registered for its scanner.
func (a *Aggregator) AddScanResults(results map[string]*scanner.ScanResult, registry *scanner.Registry) error {
	if registry == nil {
		registry = scanner.DefaultRegistry
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	var result *multierror.Error
	for _, name := range names {
		if _, err := a.AddScanResult(results[name], registry.NormalizerFor(name)); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Deduplicate returns the unique findings in insertion order
func (a *Aggregator) Deduplicate() []finding.Finding {
	out := make([]finding.Finding, len(a.findings))
	for i, f := range a.findings {
		out[i] = f.Clone()
	}
	return out
}

// GroupByRule partitions the findings by rule ID. Findings without a rule ID
// are grouped under the empty string.
func (a *Aggregator) GroupByRule() map[string][]finding.Finding {
	groups := make(map[string][]finding.Finding)
	for _, f := range a.findings {
		key := f.RuleIDOrEmpty()
		groups[key] = append(groups[key], f.Clone())
	}
	return groups
}

// GroupBySeverity partitions the findings by severity
func (a *Aggregator) GroupBySeverity() map[finding.Severity][]finding.Finding {
	groups := make(map[finding.Severity][]finding.Finding)
	for _, f := range a.findings {
		groups[f.Severity] = append(groups[f.Severity], f.Clone())
	}
	return groups
}

// Results passes every finding through the suppression matcher
func (a *Aggregator) Results() []Annotated {
	out := make([]Annotated, 0, len(a.findings))
	for _, f := range a.findings {
		suppressed, rule := a.matcher.ShouldSuppressFinding(f, a.rules)
		out = append(out, Annotated{
			Finding:     f.Clone(),
			Suppressed:  suppressed,
			MatchedRule: rule,
		})
	}
	return out
}

// Active returns the findings no rule suppresses
func (a *Aggregator) Active() []Annotated {
	return filter(a.Results(), false)
}

// Suppressed returns the suppressed findings with their matching rule
func (a *Aggregator) Suppressed() []Annotated {
	return filter(a.Results(), true)
}

func filter(results []Annotated, suppressed bool) []Annotated {
	out := make([]Annotated, 0, len(results))
	for _, r := range results {
		if r.Suppressed == suppressed {
			out = append(out, r)
		}
	}
	return out
}

// Summary counts findings by severity, scanner and suppression state
func (a *Aggregator) Summary() Summary {
	return Summarize(a.Results())
}

// Summarize counts already annotated findings
func Summarize(results []Annotated) Summary {
	s := Summary{
		BySeverity:       make(map[finding.Severity]int),
		ActiveBySeverity: make(map[finding.Severity]int),
		ByScanner:        make(map[string]int),
	}
	for _, r := range results {
		s.Total++
		s.BySeverity[r.Severity]++
		s.ByScanner[r.ScannerName]++
		if r.Suppressed {
			s.Suppressed++
			continue
		}
		s.Active++
		s.ActiveBySeverity[r.Severity]++
	}
	return s
}

// UnusedSuppressions returns, in configuration order, the rules that
// suppressed no finding.
func (a *Aggregator) UnusedSuppressions() []suppression.Rule {
	used := make(map[string]bool)
	for _, r := range a.Results() {
		if r.MatchedRule != nil {
			used[r.MatchedRule.Key()] = true
		}
	}

	var unused []suppression.Rule
	for _, rule := range a.rules {
		if !used[rule.Key()] {
			unused = append(unused, rule)
		}
	}
	return unused
}

// SortBySeverity orders results from most to least severe, keeping the
// insertion order among equal severities.
func SortBySeverity(results []Annotated) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Severity.Rank() > results[j].Severity.Rank()
	})
}
