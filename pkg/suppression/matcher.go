package suppression

import (
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
	"github.com/awslabs/automated-security-helper-sub041/pkg/logging"
)

// DefaultExpiryThresholdDays is the look-ahead window used to warn about
// suppressions that are about to lapse.
const DefaultExpiryThresholdDays = 30

var globCache sync.Map // pattern -> glob.Glob (nil when the pattern does not compile)

// braces are literal in suppression patterns; glob would read them as
// alternation
var braceEscaper = strings.NewReplacer("{", `\{`, "}", `\}`)

func compilePattern(pattern string) (glob.Glob, error) {
	return glob.Compile(braceEscaper.Replace(pattern))
}

func globMatch(pattern, value string) bool {
	cached, ok := globCache.Load(pattern)
	if !ok {
		g, err := compilePattern(pattern)
		if err != nil {
			g = nil
		}
		cached, _ = globCache.LoadOrStore(pattern, g)
	}
	g, _ := cached.(glob.Glob)
	if g == nil {
		return false
	}
	return g.Match(value)
}

// Matcher decides whether findings are suppressed. The zero value uses the
// wall clock and the global logger.
type Matcher struct {
	Now    func() time.Time
	Logger *logging.Logger
}

func (m Matcher) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m Matcher) logger() *logging.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return logging.GetLogger()
}

// MatchesSuppression reports whether f satisfies every criterion of r.
// Expiration is not considered here.
func MatchesSuppression(f *finding.Finding, r Rule) bool {
	if r.RuleID != "" {
		if f.RuleID == nil || !globMatch(r.RuleID, *f.RuleID) {
			return false
		}
	}

	if f.FilePath == "" || !globMatch(r.Path, f.FilePath) {
		return false
	}

	return lineRangeMatches(f, r)
}

func lineRangeMatches(f *finding.Finding, r Rule) bool {
	if r.LineStart == nil && r.LineEnd == nil {
		return true
	}

	if f.LineStart == nil {
		return false
	}

	findingStart := *f.LineStart
	findingEnd := findingStart
	if f.LineEnd != nil {
		findingEnd = *f.LineEnd
	}

	switch {
	case r.LineEnd == nil:
		return findingStart >= *r.LineStart
	case r.LineStart == nil:
		return findingEnd <= *r.LineEnd
	default:
		return findingStart <= *r.LineEnd && findingEnd >= *r.LineStart
	}
}

// ShouldSuppressFinding returns the first rule, in order, that matches f.
// Rules whose expiration date is strictly before today are skipped. A
// malformed expiration is logged and treated as never expiring.
func (m Matcher) ShouldSuppressFinding(f *finding.Finding, rules []Rule) (bool, *Rule) {
	today := dateOf(m.now())

	for i := range rules {
		rule := rules[i]
		exp, ok, err := rule.ExpiresOn()
		switch {
		case err != nil:
			m.logger().Warn("Invalid expiration date format for suppression",
				"rule_id", rule.RuleID,
				"path", rule.Path,
				"expiration", rule.Expiration,
			)
		case ok && exp.Before(today):
			m.logger().Debug("Suppression has expired",
				"rule_id", rule.RuleID,
				"expiration", rule.Expiration,
			)
			continue
		}

		if MatchesSuppression(f, rule) {
			return true, &rule
		}
	}

	return false, nil
}

// CheckForExpiringSuppressions returns the rules expiring within
// [today, today+daysThreshold], inclusive on both ends.
func (m Matcher) CheckForExpiringSuppressions(rules []Rule, daysThreshold int) []Rule {
	today := dateOf(m.now())
	limit := today.AddDate(0, 0, daysThreshold)

	var expiring []Rule
	for _, rule := range rules {
		exp, ok, err := rule.ExpiresOn()
		if err != nil {
			m.logger().Warn("Invalid expiration date format for suppression",
				"rule_id", rule.RuleID,
				"path", rule.Path,
				"expiration", rule.Expiration,
			)
			continue
		}
		if !ok {
			continue
		}
		if !exp.Before(today) && !exp.After(limit) {
			expiring = append(expiring, rule)
		}
	}

	return expiring
}

// ShouldSuppressFinding evaluates rules against the wall clock.
func ShouldSuppressFinding(f *finding.Finding, rules []Rule) (bool, *Rule) {
	return Matcher{}.ShouldSuppressFinding(f, rules)
}

// CheckForExpiringSuppressions evaluates rules against the wall clock.
func CheckForExpiringSuppressions(rules []Rule, daysThreshold int) []Rule {
	return Matcher{}.CheckForExpiringSuppressions(rules, daysThreshold)
}
