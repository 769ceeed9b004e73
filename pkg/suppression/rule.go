package suppression

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
)

// DateLayout is the expiration date format (YYYY-MM-DD).
const DateLayout = "2006-01-02"

// Rule marks matching findings as intentionally ignored
type Rule struct {
	RuleID     string `json:"rule_id" yaml:"rule_id"`
	Path       string `json:"path" yaml:"path"`
	LineStart  *int   `json:"line_start,omitempty" yaml:"line_start,omitempty"`
	LineEnd    *int   `json:"line_end,omitempty" yaml:"line_end,omitempty"`
	Reason     string `json:"reason" yaml:"reason"`
	Expiration string `json:"expiration,omitempty" yaml:"expiration,omitempty"`
}

// NewRule validates r as of now. An expiration must parse as a calendar date
// that has not already passed; a rule expiring today is accepted.
func NewRule(r Rule, now time.Time) (Rule, error) {
	if strings.TrimSpace(r.RuleID) == "" {
		return Rule{}, errors.NewValidationError("suppression rule_id is required")
	}
	if strings.TrimSpace(r.Path) == "" {
		return Rule{}, errors.NewValidationError("suppression path is required")
	}
	if strings.TrimSpace(r.Reason) == "" {
		return Rule{}, errors.NewValidationError("suppression reason is required")
	}
	if _, err := compilePattern(r.RuleID); err != nil {
		return Rule{}, errors.NewValidationError(fmt.Sprintf("invalid rule_id pattern %q", r.RuleID)).WithCause(err)
	}
	if _, err := compilePattern(r.Path); err != nil {
		return Rule{}, errors.NewValidationError(fmt.Sprintf("invalid path pattern %q", r.Path)).WithCause(err)
	}
	if r.LineStart != nil && *r.LineStart < 1 {
		return Rule{}, errors.NewValidationError("line_start must be positive")
	}
	if r.LineEnd != nil && *r.LineEnd < 1 {
		return Rule{}, errors.NewValidationError("line_end must be positive")
	}
	if r.LineStart != nil && r.LineEnd != nil && *r.LineEnd < *r.LineStart {
		return Rule{}, errors.NewValidationError("line_end must be greater than or equal to line_start")
	}
	if r.Expiration != "" {
		exp, err := parseDate(r.Expiration)
		if err != nil {
			return Rule{}, errors.NewValidationError(fmt.Sprintf("Invalid expiration date format %q, expected YYYY-MM-DD", r.Expiration)).WithCause(err)
		}
		if exp.Before(dateOf(now)) {
			return Rule{}, errors.NewValidationError(fmt.Sprintf("expiration date must be in the future, got %s", r.Expiration))
		}
	}
	return r, nil
}

// Key identifies a rule by its matching criteria.
func (r Rule) Key() string {
	ruleID := r.RuleID
	if ruleID == "" {
		ruleID = "*"
	}
	start, end := "*", "*"
	if r.LineStart != nil {
		start = strconv.Itoa(*r.LineStart)
	}
	if r.LineEnd != nil {
		end = strconv.Itoa(*r.LineEnd)
	} else if r.LineStart != nil {
		end = start
	}
	return strings.Join([]string{r.Path, ruleID, start, end}, "|")
}

// ExpiresOn parses the expiration date. ok is false when the rule has no
// expiration; err is set when the expiration is malformed.
func (r Rule) ExpiresOn() (date time.Time, ok bool, err error) {
	if r.Expiration == "" {
		return time.Time{}, false, nil
	}
	date, err = parseDate(r.Expiration)
	if err != nil {
		return time.Time{}, false, err
	}
	return date, true, nil
}

func parseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, strings.TrimSpace(s))
}

// dateOf truncates t to its calendar date, expressed at UTC midnight so that
// date arithmetic ignores zones and DST.
func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
