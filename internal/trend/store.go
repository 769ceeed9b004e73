// Package trend keeps per-run finding snapshots and diffs them over time.
package trend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/awslabs/automated-security-helper-sub041/pkg/config"
	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
	"github.com/awslabs/automated-security-helper-sub041/pkg/metrics"
	"github.com/awslabs/automated-security-helper-sub041/pkg/tracing"
)

// Snapshot is the deduplicated finding set of one scan run
type Snapshot struct {
	Timestamp time.Time         `json:"timestamp"`
	Findings  []finding.Finding `json:"findings"`
}

// Store persists snapshots. Implementations copy on write and on read so a
// stored snapshot cannot be changed through a returned value.
type Store interface {
	// Put stores s, replacing any snapshot with the same timestamp.
	Put(ctx context.Context, s Snapshot) error
	// Get returns a NotFoundError when no snapshot exists at ts.
	Get(ctx context.Context, ts time.Time) (*Snapshot, error)
	// List returns every stored timestamp in ascending order.
	List(ctx context.Context) ([]time.Time, error)
	Backend() string
	Close() error
}

// normalizeTime drops the monotonic reading and location so that equal
// instants compare equal as map keys.
func normalizeTime(ts time.Time) time.Time {
	return time.Unix(0, ts.UnixNano()).UTC()
}

func cloneFindings(in []finding.Finding) []finding.Finding {
	out := make([]finding.Finding, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

func snapshotNotFound(ts time.Time) error {
	return errors.NewNotFoundError(fmt.Sprintf("snapshot %s", ts.Format(time.RFC3339Nano))).
		WithDetail("timestamp", ts.Format(time.RFC3339Nano))
}

// MemoryStore keeps snapshots in process memory
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[int64][]finding.Finding
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[int64][]finding.Finding)}
}

func (m *MemoryStore) Put(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.Timestamp.UnixNano()] = cloneFindings(s.Findings)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, ts time.Time) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	findings, ok := m.snapshots[ts.UnixNano()]
	if !ok {
		return nil, snapshotNotFound(ts)
	}
	return &Snapshot{Timestamp: normalizeTime(ts), Findings: cloneFindings(findings)}, nil
}

func (m *MemoryStore) List(_ context.Context) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]int64, 0, len(m.snapshots))
	for k := range m.snapshots {
		keys = append(keys, k)
	}
	return sortedTimes(keys), nil
}

func (m *MemoryStore) Backend() string { return config.BackendMemory }

func (m *MemoryStore) Close() error { return nil }

func sortedTimes(nanos []int64) []time.Time {
	sort.Slice(nanos, func(i, j int) bool { return nanos[i] < nanos[j] })
	out := make([]time.Time, len(nanos))
	for i, n := range nanos {
		out[i] = time.Unix(0, n).UTC()
	}
	return out
}

// Open builds the store selected by cfg.Snapshots.Backend
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Snapshots.Backend {
	case "", config.BackendMemory:
		return NewMemoryStore(), nil
	case config.BackendRedis:
		return NewRedisStore(ctx, &cfg.Redis)
	case config.BackendPostgres, config.BackendMySQL:
		store, err := OpenSQLStore(ctx, cfg.Snapshots.Backend, cfg.Snapshots.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, errors.NewConfigError(fmt.Sprintf("unknown snapshot backend: %s", cfg.Snapshots.Backend))
	}
}

// instrumentedStore records a span and a duration metric per operation
type instrumentedStore struct {
	Store
	metrics *metrics.Metrics
	tracer  *tracing.Service
}

// Instrument wraps store with tracing and Prometheus timing. Nil metrics or
// tracer disable the respective signal.
func Instrument(store Store, m *metrics.Metrics, t *tracing.Service) Store {
	if t == nil {
		t = tracing.Noop()
	}
	return &instrumentedStore{Store: store, metrics: m, tracer: t}
}

func (s *instrumentedStore) observe(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := s.tracer.StartStoreSpan(ctx, op, s.Backend())
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	s.metrics.RecordSnapshotOperation(op, s.Backend(), time.Since(start))
	if err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
		tracing.RecordError(span, err)
		s.metrics.RecordError("snapshot_store", string(errors.GetType(err)))
	}
	return err
}

func (s *instrumentedStore) Put(ctx context.Context, snap Snapshot) error {
	return s.observe(ctx, "put", func(ctx context.Context) error {
		return s.Store.Put(ctx, snap)
	})
}

func (s *instrumentedStore) Get(ctx context.Context, ts time.Time) (*Snapshot, error) {
	var out *Snapshot
	err := s.observe(ctx, "get", func(ctx context.Context) error {
		var err error
		out, err = s.Store.Get(ctx, ts)
		return err
	})
	return out, err
}

func (s *instrumentedStore) List(ctx context.Context) ([]time.Time, error) {
	var out []time.Time
	err := s.observe(ctx, "list", func(ctx context.Context) error {
		var err error
		out, err = s.Store.List(ctx)
		return err
	})
	return out, err
}

// Health pings the wrapped backend when it supports a health check
func (s *instrumentedStore) Health(ctx context.Context) error {
	if hc, ok := s.Store.(interface{ Health(context.Context) error }); ok {
		return hc.Health(ctx)
	}
	return nil
}
