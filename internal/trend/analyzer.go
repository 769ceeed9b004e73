package trend

import (
	"context"
	"time"

	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
	"github.com/awslabs/automated-security-helper-sub041/pkg/logging"
)

// Analyzer diffs finding snapshots across scan runs. All returned timestamps
// are in UTC.
type Analyzer struct {
	store  Store
	logger *logging.Logger
}

// NewAnalyzer creates an analyzer backed by store. A nil store means an
// in-memory one.
func NewAnalyzer(store Store, logger *logging.Logger) *Analyzer {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Analyzer{store: store, logger: logger}
}

// Store returns the underlying snapshot store
func (a *Analyzer) Store() Store {
	return a.store
}

// AddScanFindings deduplicates findings and stores them as the snapshot at ts,
// replacing any earlier snapshot at the same timestamp.
func (a *Analyzer) AddScanFindings(ctx context.Context, ts time.Time, findings []finding.Finding) error {
	unique := dedup(findings)
	if err := a.store.Put(ctx, Snapshot{Timestamp: normalizeTime(ts), Findings: unique}); err != nil {
		return err
	}

	a.logger.WithContext(ctx).WithField("snapshot", normalizeTime(ts).Format(time.RFC3339Nano)).
		WithField("findings", len(unique)).
		Debug("Stored trend snapshot")
	return nil
}

func dedup(findings []finding.Finding) []finding.Finding {
	seen := make(map[finding.Key]struct{}, len(findings))
	out := make([]finding.Finding, 0, len(findings))
	for i := range findings {
		key := findings[i].DedupKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, findings[i].Clone())
	}
	return out
}

// Timestamps lists the stored snapshot timestamps in ascending order
func (a *Analyzer) Timestamps(ctx context.Context) ([]time.Time, error) {
	return a.store.List(ctx)
}

// Snapshot returns the snapshot at ts
func (a *Analyzer) Snapshot(ctx context.Context, ts time.Time) (*Snapshot, error) {
	return a.store.Get(ctx, ts)
}

func (a *Analyzer) each(ctx context.Context, fn func(s *Snapshot)) error {
	timestamps, err := a.store.List(ctx)
	if err != nil {
		return err
	}
	for _, ts := range timestamps {
		s, err := a.store.Get(ctx, ts)
		if err != nil {
			return err
		}
		fn(s)
	}
	return nil
}

// GetFindingCountsOverTime maps each snapshot timestamp to its finding count
func (a *Analyzer) GetFindingCountsOverTime(ctx context.Context) (map[time.Time]int, error) {
	counts := make(map[time.Time]int)
	err := a.each(ctx, func(s *Snapshot) {
		counts[s.Timestamp] = len(s.Findings)
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// GetSeverityTrends maps every severity to its count per snapshot. Each
// severity carries an entry for every snapshot, zero included.
func (a *Analyzer) GetSeverityTrends(ctx context.Context) (map[finding.Severity]map[time.Time]int, error) {
	trends := make(map[finding.Severity]map[time.Time]int, len(finding.Severities))
	for _, sev := range finding.Severities {
		trends[sev] = make(map[time.Time]int)
	}

	err := a.each(ctx, func(s *Snapshot) {
		for _, sev := range finding.Severities {
			trends[sev][s.Timestamp] = 0
		}
		for _, f := range s.Findings {
			if _, ok := trends[f.Severity]; ok {
				trends[f.Severity][s.Timestamp]++
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return trends, nil
}

// GetNewFindings returns the findings of curr whose key is absent from prev
func (a *Analyzer) GetNewFindings(ctx context.Context, prev, curr time.Time) ([]finding.Finding, error) {
	before, after, err := a.pair(ctx, prev, curr)
	if err != nil {
		return nil, err
	}
	return difference(after.Findings, before.Findings), nil
}

// GetResolvedFindings returns the findings of prev whose key is absent from curr
func (a *Analyzer) GetResolvedFindings(ctx context.Context, prev, curr time.Time) ([]finding.Finding, error) {
	before, after, err := a.pair(ctx, prev, curr)
	if err != nil {
		return nil, err
	}
	return difference(before.Findings, after.Findings), nil
}

func (a *Analyzer) pair(ctx context.Context, prev, curr time.Time) (*Snapshot, *Snapshot, error) {
	before, err := a.store.Get(ctx, prev)
	if err != nil {
		return nil, nil, err
	}
	after, err := a.store.Get(ctx, curr)
	if err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

// difference returns the members of from whose dedup key is not in minus
func difference(from, minus []finding.Finding) []finding.Finding {
	exclude := make(map[finding.Key]struct{}, len(minus))
	for i := range minus {
		exclude[minus[i].DedupKey()] = struct{}{}
	}

	out := make([]finding.Finding, 0)
	for i := range from {
		if _, ok := exclude[from[i].DedupKey()]; !ok {
			out = append(out, from[i])
		}
	}
	return out
}
