// redis.go implements Bus on Redis Streams.
//
// Mapping: Publish → XADD (MAXLEN ~ capped), Open → XGROUP CREATE MKSTREAM,
// Poll → XAUTOCLAIM (reclaim entries pending past the visibility timeout)
// followed by XREADGROUP ">", Ack → XACK, Lag → XINFO GROUPS lag field.
package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"flowdesk/internal/metrics"
	"flowdesk/pkg/types"
)

// RedisBus is the production Bus backed by Redis Streams.
type RedisBus struct {
	client            *redis.Client
	maxStreamLen      int64
	visibilityTimeout time.Duration

	mu     sync.RWMutex
	opened map[string][]string // group -> streams passed to Open
}

// RedisOptions configures a RedisBus.
type RedisOptions struct {
	Addr              string
	Password          string
	DB                int
	MaxStreamLen      int64
	VisibilityTimeout time.Duration
}

// NewRedisBus connects to Redis and verifies the connection with a ping.
func NewRedisBus(ctx context.Context, opts RedisOptions) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, opts.Addr, err)
	}

	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	return &RedisBus{
		client:            client,
		maxStreamLen:      opts.MaxStreamLen,
		visibilityTimeout: opts.VisibilityTimeout,
		opened:            make(map[string][]string),
	}, nil
}

// Publish appends the tick to the stream and returns the Redis entry ID.
func (b *RedisBus) Publish(ctx context.Context, stream string, tick types.Tick) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxStreamLen,
		Approx: true,
		Values: EncodeTick(tick),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: xadd %s: %v", ErrUnavailable, stream, err)
	}
	metrics.BusPublished.WithLabelValues(stream).Inc()
	return id, nil
}

// Open creates the consumer group on each stream, tolerating groups that
// already exist (BUSYGROUP) so restarts resume at the stored position.
func (b *RedisBus) Open(ctx context.Context, group, consumer string, streams []string, start Start) error {
	var startID string
	switch start.Kind {
	case StartLatest:
		startID = "$"
	case StartEarliest:
		startID = "0"
	case StartAt:
		startID = start.EntryID
	}

	for _, stream := range streams {
		err := b.client.XGroupCreateMkStream(ctx, stream, group, startID).Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("%w: xgroup create %s/%s: %v", ErrUnavailable, stream, group, err)
		}
	}

	b.mu.Lock()
	b.opened[group] = append([]string(nil), streams...)
	b.mu.Unlock()
	return nil
}

// Poll first reclaims entries another consumer left pending beyond the
// visibility timeout, then reads new entries. Decode failures are skipped
// and acked so a poison entry cannot wedge the group.
func (b *RedisBus) Poll(ctx context.Context, group, consumer string, max int, block time.Duration) ([]Entry, error) {
	b.mu.RLock()
	streams := b.opened[group]
	b.mu.RUnlock()
	if len(streams) == 0 {
		return nil, fmt.Errorf("consumer group %s not opened", group)
	}

	var out []Entry
	for _, stream := range streams {
		claimed, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  b.visibilityTimeout,
			Start:    "0",
			Count:    int64(max - len(out)),
		}).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("%w: xautoclaim %s: %v", ErrUnavailable, stream, err)
		}
		out = b.appendMessages(ctx, out, group, stream, claimed)
		if len(out) >= max {
			return out, nil
		}
	}

	// Read new entries across all streams in one call.
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    int64(max - len(out)),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: xreadgroup %s: %v", ErrUnavailable, group, err)
	}

	for _, sr := range res {
		out = b.appendMessages(ctx, out, group, sr.Stream, sr.Messages)
	}
	return out, nil
}

func (b *RedisBus) appendMessages(ctx context.Context, out []Entry, group, stream string, msgs []redis.XMessage) []Entry {
	for _, msg := range msgs {
		tick, err := DecodeTick(msg.Values)
		if err != nil {
			// Poison entry: ack and move on.
			b.client.XAck(ctx, stream, group, msg.ID)
			continue
		}
		out = append(out, Entry{Stream: stream, ID: msg.ID, Tick: tick})
	}
	return out
}

// Ack removes the entry from the group's pending set.
func (b *RedisBus) Ack(ctx context.Context, group, stream, id string) error {
	if err := b.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("%w: xack %s: %v", ErrUnavailable, stream, err)
	}
	return nil
}

// Lag reports undelivered entries for the group on the stream.
func (b *RedisBus) Lag(ctx context.Context, group, stream string) (int64, error) {
	groups, err := b.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: xinfo groups %s: %v", ErrUnavailable, stream, err)
	}
	for _, g := range groups {
		if g.Name == group {
			return g.Lag, nil
		}
	}
	return 0, fmt.Errorf("group %s not found on %s", group, stream)
}

// Close releases the Redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
