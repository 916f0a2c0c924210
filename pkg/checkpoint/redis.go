package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces checkpoint keys inside a shared Redis instance.
const keyPrefix = "imei:checkpoint:"

// snapshotTTL bounds how long an abandoned checkpoint lingers. Every save
// refreshes the TTL, so it only expires runs nobody resumed.
const snapshotTTL = 7 * 24 * time.Hour

// RedisStore persists snapshots in Redis.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a Redis-backed checkpoint store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient}
}

// Save writes the snapshot, replacing any previous one for the fingerprint.
func (r *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.Fingerprint == "" {
		return fmt.Errorf("snapshot must carry a fingerprint")
	}

	snap.UpdatedAt = time.Now().UTC()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = snap.UpdatedAt
	}

	data, err := json.Marshal(snap)
	if err != nil {
		SnapshotErrors.WithLabelValues("redis", "save").Inc()
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := r.redis.Set(ctx, keyPrefix+snap.Fingerprint, data, snapshotTTL).Err(); err != nil {
		SnapshotErrors.WithLabelValues("redis", "save").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	SnapshotWrites.WithLabelValues("redis").Inc()
	return nil
}

// Load returns the snapshot for the fingerprint, or ErrNotFound.
func (r *RedisStore) Load(ctx context.Context, fingerprint string) (*Snapshot, error) {
	data, err := r.redis.Get(ctx, keyPrefix+fingerprint).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		SnapshotErrors.WithLabelValues("redis", "load").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		SnapshotErrors.WithLabelValues("redis", "load").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	SnapshotLoads.WithLabelValues("redis").Inc()
	return &snap, nil
}

// Delete removes the snapshot.
func (r *RedisStore) Delete(ctx context.Context, fingerprint string) error {
	if err := r.redis.Del(ctx, keyPrefix+fingerprint).Err(); err != nil {
		SnapshotErrors.WithLabelValues("redis", "delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
