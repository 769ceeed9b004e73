package finding

import (
	"fmt"
	"strings"

	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
)

// Severity represents the severity level of a finding
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// Severities lists every valid severity from most to least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}

// Rank returns an integer rank for comparison (Info=1, Critical=5).
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityLow:
		return 2
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 4
	case SeverityCritical:
		return 5
	default:
		return 0
	}
}

// Valid reports whether s is one of the closed set of severities.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

func (s Severity) String() string {
	return string(s)
}

// ParseSeverity parses a severity string case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", errors.NewValidationError(fmt.Sprintf("invalid severity: %q", s))
	}
	return sev, nil
}

// ScannerType classifies the scanner that produced a finding
type ScannerType string

const (
	ScannerTypeSAST       ScannerType = "SAST"
	ScannerTypeIAC        ScannerType = "IAC"
	ScannerTypeSBOM       ScannerType = "SBOM"
	ScannerTypeDependency ScannerType = "DEPENDENCY"
	ScannerTypeSecrets    ScannerType = "SECRETS"
	ScannerTypeDAST       ScannerType = "DAST"
	ScannerTypeCustom     ScannerType = "CUSTOM"
)

// Valid reports whether t is a known scanner type.
func (t ScannerType) Valid() bool {
	switch t {
	case ScannerTypeSAST, ScannerTypeIAC, ScannerTypeSBOM, ScannerTypeDependency,
		ScannerTypeSecrets, ScannerTypeDAST, ScannerTypeCustom:
		return true
	}
	return false
}

// ParseScannerType parses a scanner type case-insensitively.
func ParseScannerType(s string) (ScannerType, error) {
	t := ScannerType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", errors.NewValidationError(fmt.Sprintf("invalid scanner type: %q", s))
	}
	return t, nil
}
