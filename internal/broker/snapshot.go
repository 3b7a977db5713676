package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"flowdesk/pkg/types"
)

const (
	snapshotKey     = "flowdesk:account"
	snapshotTTL     = time.Hour
	snapshotTimeout = 200 * time.Millisecond
)

// SnapshotStore caches the account snapshot for UI reads.
type SnapshotStore interface {
	PutAccountSnapshot(ctx context.Context, data []byte) error
}

// RedisSnapshotStore keeps the snapshot under a single Redis key.
type RedisSnapshotStore struct {
	client *redis.Client
}

// NewRedisSnapshotStore connects to the snapshot cache.
func NewRedisSnapshotStore(addr, password string, db int) *RedisSnapshotStore {
	return &RedisSnapshotStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
	}
}

func (s *RedisSnapshotStore) PutAccountSnapshot(ctx context.Context, data []byte) error {
	if err := s.client.Set(ctx, snapshotKey, data, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("snapshot set: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisSnapshotStore) Close() error { return s.client.Close() }

// accountSnapshot is the cached JSON shape.
type accountSnapshot struct {
	Stats     Stats            `json:"stats"`
	Positions []types.Position `json:"positions"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// cacheSnapshot marshals the current account state and hands the bytes to
// the store off the lock path, so a slow cache write never stalls the
// match loop. Failures are logged and ignored; the cache is advisory.
// Caller holds the mutex.
func (b *Broker) cacheSnapshot() {
	if b.snaps == nil {
		return
	}

	var positions []types.Position
	for _, p := range b.positions {
		if p.Side != types.Flat {
			positions = append(positions, *p)
		}
	}
	data, err := json.Marshal(accountSnapshot{
		Stats:     b.statsLocked(),
		Positions: positions,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		b.logger.Warn("snapshot marshal failed", "error", err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		if err := b.snaps.PutAccountSnapshot(ctx, data); err != nil {
			b.logger.Warn("snapshot cache write failed", "error", err)
		}
	}()
}
