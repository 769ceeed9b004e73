package finding

import (
	"fmt"
	"strconv"
	"time"

	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
)

// Finding is a single normalized security observation
type Finding struct {
	ID          string   `json:"id" yaml:"id"`
	RuleID      *string  `json:"rule_id,omitempty" yaml:"rule_id,omitempty"`
	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description" yaml:"description"`
	Severity    Severity `json:"severity" yaml:"severity"`

	FilePath  string `json:"file_path" yaml:"file_path"`
	LineStart *int   `json:"line_start,omitempty" yaml:"line_start,omitempty"`
	LineEnd   *int   `json:"line_end,omitempty" yaml:"line_end,omitempty"`

	ScannerName    string      `json:"scanner_name" yaml:"scanner_name"`
	ScannerType    ScannerType `json:"scanner_type" yaml:"scanner_type"`
	ScannerVersion string      `json:"scanner_version,omitempty" yaml:"scanner_version,omitempty"`

	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`

	// Subtype-specific extensions. They never take part in dedup or suppression.
	Package        string         `json:"package,omitempty" yaml:"package,omitempty"`
	PackageVersion string         `json:"package_version,omitempty" yaml:"package_version,omitempty"`
	ResourceName   string         `json:"resource_name,omitempty" yaml:"resource_name,omitempty"`
	ResourceType   string         `json:"resource_type,omitempty" yaml:"resource_type,omitempty"`
	Properties     map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Params carries the raw inputs for New. Severity and ScannerType are strings
// so that parsing failures surface as validation errors.
type Params struct {
	ID             string
	RuleID         *string
	Title          string
	Description    string
	Severity       string
	FilePath       string
	LineStart      *int
	LineEnd        *int
	ScannerName    string
	ScannerType    string
	ScannerVersion string
	Timestamp      time.Time

	Package        string
	PackageVersion string
	ResourceName   string
	ResourceType   string
	Properties     map[string]any
}

// New validates p and builds a Finding
func New(p Params) (*Finding, error) {
	sev, err := ParseSeverity(p.Severity)
	if err != nil {
		return nil, err
	}

	scannerType := ScannerTypeCustom
	if p.ScannerType != "" {
		if scannerType, err = ParseScannerType(p.ScannerType); err != nil {
			return nil, err
		}
	}

	f := &Finding{
		ID:             p.ID,
		RuleID:         p.RuleID,
		Title:          p.Title,
		Description:    p.Description,
		Severity:       sev,
		FilePath:       p.FilePath,
		LineStart:      p.LineStart,
		LineEnd:        p.LineEnd,
		ScannerName:    p.ScannerName,
		ScannerType:    scannerType,
		ScannerVersion: p.ScannerVersion,
		Timestamp:      p.Timestamp.UTC(),
		Package:        p.Package,
		PackageVersion: p.PackageVersion,
		ResourceName:   p.ResourceName,
		ResourceType:   p.ResourceType,
		Properties:     p.Properties,
	}
	if p.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}
	if f.ID == "" {
		f.ID = f.derivedID()
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks the data-model invariants of f
func (f *Finding) Validate() error {
	if !f.Severity.Valid() {
		return errors.NewValidationError(fmt.Sprintf("invalid severity: %q", f.Severity))
	}
	if !f.ScannerType.Valid() {
		return errors.NewValidationError(fmt.Sprintf("invalid scanner type: %q", f.ScannerType))
	}
	if f.FilePath == "" {
		return errors.NewValidationError("finding file_path is required")
	}
	if f.LineStart != nil && *f.LineStart < 1 {
		return errors.NewValidationError("line_start must be positive")
	}
	if f.LineEnd != nil && *f.LineEnd < 1 {
		return errors.NewValidationError("line_end must be positive")
	}
	if f.LineStart != nil && f.LineEnd != nil && *f.LineEnd < *f.LineStart {
		return errors.NewValidationError("line_end must be greater than or equal to line_start")
	}
	return nil
}

func (f *Finding) derivedID() string {
	rule := "unknown"
	if f.RuleID != nil && *f.RuleID != "" {
		rule = *f.RuleID
	}
	line := "0"
	if f.LineStart != nil {
		line = strconv.Itoa(*f.LineStart)
	}
	return fmt.Sprintf("%s/%s/%s:%s", f.ScannerName, rule, f.FilePath, line)
}

// RuleIDOrEmpty returns the rule ID or "" when absent.
func (f *Finding) RuleIDOrEmpty() string {
	if f.RuleID == nil {
		return ""
	}
	return *f.RuleID
}

// Key identifies "the same" finding across sources and scan runs.
type Key struct {
	FilePath    string
	HasLine     bool
	LineStart   int
	Title       string
	Description string
}

// DedupKey returns the (file path, line start, title, description) key.
func (f *Finding) DedupKey() Key {
	k := Key{FilePath: f.FilePath, Title: f.Title, Description: f.Description}
	if f.LineStart != nil {
		k.HasLine = true
		k.LineStart = *f.LineStart
	}
	return k
}

// Clone returns a copy of f that shares no pointers with it
func (f Finding) Clone() Finding {
	if f.RuleID != nil {
		f.RuleID = StringPtr(*f.RuleID)
	}
	if f.LineStart != nil {
		f.LineStart = IntPtr(*f.LineStart)
	}
	if f.LineEnd != nil {
		f.LineEnd = IntPtr(*f.LineEnd)
	}
	if f.Properties != nil {
		props := make(map[string]any, len(f.Properties))
		for k, v := range f.Properties {
			props[k] = v
		}
		f.Properties = props
	}
	return f
}

// IntPtr returns a pointer to v
func IntPtr(v int) *int { return &v }

// StringPtr returns a pointer to v
func StringPtr(v string) *string { return &v }
