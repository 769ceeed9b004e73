package trend

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/awslabs/automated-security-helper-sub041/pkg/config"
	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
	"github.com/awslabs/automated-security-helper-sub041/pkg/finding"
)

// RedisStore keeps snapshots as JSON strings under <prefix>:snapshot:<unixnano>
// with a sorted-set index at <prefix>:snapshots.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg *config.RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		return nil, errors.NewConfigError("Redis configuration is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.NewInternalError("failed to connect to Redis").WithCause(err)
	}

	return NewRedisStoreFromClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ash"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) indexKey() string {
	return r.prefix + ":snapshots"
}

func (r *RedisStore) snapshotKey(nanos int64) string {
	return fmt.Sprintf("%s:snapshot:%d", r.prefix, nanos)
}

func (r *RedisStore) Put(ctx context.Context, s Snapshot) error {
	nanos := s.Timestamp.UnixNano()
	data, err := json.Marshal(Snapshot{Timestamp: normalizeTime(s.Timestamp), Findings: s.Findings})
	if err != nil {
		return errors.NewInternalError("failed to serialize snapshot").WithCause(err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.snapshotKey(nanos), data, 0)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(nanos), Member: strconv.FormatInt(nanos, 10)})
		return nil
	})
	if err != nil {
		return errors.NewInternalError("failed to store snapshot").WithCause(err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, ts time.Time) (*Snapshot, error) {
	data, err := r.client.Get(ctx, r.snapshotKey(ts.UnixNano())).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, snapshotNotFound(ts)
		}
		return nil, errors.NewInternalError("failed to load snapshot").WithCause(err)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.NewInternalError("failed to deserialize snapshot").WithCause(err)
	}
	s.Timestamp = normalizeTime(ts)
	if s.Findings == nil {
		s.Findings = []finding.Finding{}
	}
	return &s, nil
}

func (r *RedisStore) List(ctx context.Context) ([]time.Time, error) {
	members, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, errors.NewInternalError("failed to list snapshots").WithCause(err)
	}

	nanos := make([]int64, 0, len(members))
	for _, m := range members {
		n, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, errors.NewInternalError(fmt.Sprintf("corrupt snapshot index entry %q", m)).WithCause(err)
		}
		nanos = append(nanos, n)
	}
	// Scores are float64 and lose sub-microsecond precision; order by the exact member.
	return sortedTimes(nanos), nil
}

// Health pings the server
func (r *RedisStore) Health(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.NewInternalError("Redis health check failed").WithCause(err)
	}
	return nil
}

func (r *RedisStore) Backend() string { return config.BackendRedis }

func (r *RedisStore) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
