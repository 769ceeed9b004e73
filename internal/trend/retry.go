package trend

import (
	"context"
	"time"

	"github.com/awslabs/automated-security-helper-sub041/pkg/resilience"
)

// retryingStore retries transient backend failures
type retryingStore struct {
	Store
	retrier *resilience.Retrier
}

// WithRetry wraps store so that Put, Get and List are retried on transient
// failures. A missing snapshot is returned immediately.
func WithRetry(store Store, retrier *resilience.Retrier) Store {
	if retrier == nil {
		retrier = resilience.NewRetrier(resilience.DefaultRetryConfig())
	}
	return &retryingStore{Store: store, retrier: retrier}
}

func (s *retryingStore) Put(ctx context.Context, snap Snapshot) error {
	return s.retrier.Execute(ctx, func(ctx context.Context) error {
		return s.Store.Put(ctx, snap)
	})
}

func (s *retryingStore) Get(ctx context.Context, ts time.Time) (*Snapshot, error) {
	var out *Snapshot
	err := s.retrier.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.Store.Get(ctx, ts)
		return err
	})
	return out, err
}

func (s *retryingStore) List(ctx context.Context) ([]time.Time, error) {
	var out []time.Time
	err := s.retrier.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.Store.List(ctx)
		return err
	})
	return out, err
}

// Health pings the wrapped backend once
func (s *retryingStore) Health(ctx context.Context) error {
	if hc, ok := s.Store.(interface{ Health(context.Context) error }); ok {
		return hc.Health(ctx)
	}
	return nil
}
