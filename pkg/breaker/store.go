package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateStore persists the breaker snapshot and the per-hour conversation
// rate buckets.
type StateStore interface {
	// LoadSnapshot returns the persisted snapshot, or nil when absent.
	LoadSnapshot(ctx context.Context) (*Snapshot, error)
	SaveSnapshot(ctx context.Context, s Snapshot) error

	HourlyConversations(ctx context.Context, hour time.Time) (int, error)
	IncrHourlyConversations(ctx context.Context, hour time.Time) (int, error)
}

const (
	snapshotKey     = "conclave:breaker:snapshot"
	hourBucketTTL   = 2 * time.Hour
	hourBucketFmt   = "conclave:breaker:convs:%s"
	hourBucketStamp = "2006-01-02T15"
)

// RedisStore keeps breaker state in Redis.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a Redis-backed breaker state store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	raw, err := s.rdb.Get(ctx, snapshotKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load breaker snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode breaker snapshot: %w", err)
	}
	return &snap, nil
}

func (s *RedisStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, snapshotKey, raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to save breaker snapshot: %w", err)
	}
	return nil
}

func bucketKey(hour time.Time) string {
	return fmt.Sprintf(hourBucketFmt, hour.UTC().Format(hourBucketStamp))
}

func (s *RedisStore) HourlyConversations(ctx context.Context, hour time.Time) (int, error) {
	n, err := s.rdb.Get(ctx, bucketKey(hour)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read rate bucket: %w", err)
	}
	return n, nil
}

func (s *RedisStore) IncrHourlyConversations(ctx context.Context, hour time.Time) (int, error) {
	key := bucketKey(hour)
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, hourBucketTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment rate bucket: %w", err)
	}
	return int(incr.Val()), nil
}

// MemoryStateStore is an in-memory StateStore for tests and runs
// without Redis.
type MemoryStateStore struct {
	mu       sync.Mutex
	snapshot *Snapshot
	buckets  map[string]int

	// FailReads makes reads return this error, for fail-closed tests.
	FailReads error
}

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{buckets: make(map[string]int)}
}

func (s *MemoryStateStore) LoadSnapshot(_ context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads != nil {
		return nil, s.FailReads
	}
	if s.snapshot == nil {
		return nil, nil
	}
	copied := *s.snapshot
	return &copied, nil
}

func (s *MemoryStateStore) SaveSnapshot(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = &snap
	return nil
}

func (s *MemoryStateStore) HourlyConversations(_ context.Context, hour time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads != nil {
		return 0, s.FailReads
	}
	return s.buckets[bucketKey(hour)], nil
}

func (s *MemoryStateStore) IncrHourlyConversations(_ context.Context, hour time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[bucketKey(hour)]++
	return s.buckets[bucketKey(hour)], nil
}
