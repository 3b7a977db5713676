// memory.go implements Bus in process memory with the same consumer-group
// semantics as the Redis implementation: per-group cursors, pending sets
// with visibility-timeout redelivery, and earliest/latest/entry-id starts.
// Used by tests and the papertest runner so the whole pipeline runs without
// a broker.
package bus

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"flowdesk/internal/metrics"
	"flowdesk/pkg/types"
)

type memEntry struct {
	id   int64
	tick types.Tick
}

type memStream struct {
	entries []memEntry
	nextID  int64
}

type pendingEntry struct {
	entry    memEntry
	deadline time.Time
}

// groupCursor tracks one consumer group's position on one stream.
type groupCursor struct {
	next    int64                   // smallest entry ID not yet delivered
	pending map[int64]*pendingEntry // delivered but unacked
}

// MemoryBus is an in-process Bus with consumer-group semantics.
type MemoryBus struct {
	mu                sync.Mutex
	streams           map[string]*memStream
	groups            map[string]map[string]*groupCursor // group -> stream -> cursor
	visibilityTimeout time.Duration
	notify            chan struct{}
	closed            bool
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus(visibilityTimeout time.Duration) *MemoryBus {
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}
	return &MemoryBus{
		streams:           make(map[string]*memStream),
		groups:            make(map[string]map[string]*groupCursor),
		visibilityTimeout: visibilityTimeout,
		notify:            make(chan struct{}, 1),
	}
}

// Publish appends the tick and wakes blocked pollers.
func (b *MemoryBus) Publish(_ context.Context, stream string, tick types.Tick) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrUnavailable
	}
	s := b.streams[stream]
	if s == nil {
		s = &memStream{nextID: 1}
		b.streams[stream] = s
	}
	id := s.nextID
	s.nextID++
	s.entries = append(s.entries, memEntry{id: id, tick: tick})
	b.mu.Unlock()

	metrics.BusPublished.WithLabelValues(stream).Inc()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return strconv.FormatInt(id, 10), nil
}

// Open registers the group on the given streams at the requested start.
// Reopening an existing (group, stream) pair keeps its position, matching
// Redis BUSYGROUP behavior.
func (b *MemoryBus) Open(_ context.Context, group, consumer string, streams []string, start Start) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cursors := b.groups[group]
	if cursors == nil {
		cursors = make(map[string]*groupCursor)
		b.groups[group] = cursors
	}

	for _, stream := range streams {
		if _, exists := cursors[stream]; exists {
			continue
		}
		s := b.streams[stream]
		if s == nil {
			s = &memStream{nextID: 1}
			b.streams[stream] = s
		}

		next := int64(1)
		switch start.Kind {
		case StartLatest:
			next = s.nextID
		case StartEarliest:
			next = 1
		case StartAt:
			at, err := strconv.ParseInt(start.EntryID, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid entry id %q: %w", start.EntryID, err)
			}
			next = at + 1
		}
		cursors[stream] = &groupCursor{next: next, pending: make(map[int64]*pendingEntry)}
	}
	return nil
}

// Poll returns expired pending entries first (redelivery), then new entries
// in publish order per stream. Blocks up to the given duration when empty.
func (b *MemoryBus) Poll(ctx context.Context, group, consumer string, max int, block time.Duration) ([]Entry, error) {
	deadline := time.Now().Add(block)
	for {
		entries, err := b.collect(group, max)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 || block <= 0 {
			return entries, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-b.notify:
			timer.Stop()
		}
	}
}

func (b *MemoryBus) collect(group string, max int) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrUnavailable
	}
	cursors := b.groups[group]
	if cursors == nil {
		return nil, fmt.Errorf("consumer group %s not opened", group)
	}

	now := time.Now()
	var out []Entry

	// Deterministic stream order keeps tests stable.
	streamNames := make([]string, 0, len(cursors))
	for name := range cursors {
		streamNames = append(streamNames, name)
	}
	sort.Strings(streamNames)

	for _, name := range streamNames {
		cur := cursors[name]

		// Redeliver expired pending entries in ID order.
		ids := make([]int64, 0, len(cur.pending))
		for id, p := range cur.pending {
			if now.After(p.deadline) {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			if len(out) >= max {
				return out, nil
			}
			p := cur.pending[id]
			p.deadline = now.Add(b.visibilityTimeout)
			out = append(out, Entry{Stream: name, ID: strconv.FormatInt(id, 10), Tick: p.entry.tick})
		}

		// New deliveries.
		s := b.streams[name]
		for _, e := range s.entries {
			if e.id < cur.next {
				continue
			}
			if len(out) >= max {
				return out, nil
			}
			cur.next = e.id + 1
			cur.pending[e.id] = &pendingEntry{entry: e, deadline: now.Add(b.visibilityTimeout)}
			out = append(out, Entry{Stream: name, ID: strconv.FormatInt(e.id, 10), Tick: e.tick})
		}
	}
	return out, nil
}

// Ack removes the entry from the group's pending set.
func (b *MemoryBus) Ack(_ context.Context, group, stream, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cursors := b.groups[group]
	if cursors == nil {
		return fmt.Errorf("consumer group %s not opened", group)
	}
	cur := cursors[stream]
	if cur == nil {
		return fmt.Errorf("stream %s not opened for group %s", stream, group)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid entry id %q: %w", id, err)
	}
	delete(cur.pending, n)
	return nil
}

// Lag returns entries published but not yet delivered to the group.
func (b *MemoryBus) Lag(_ context.Context, group, stream string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cursors := b.groups[group]
	if cursors == nil {
		return 0, fmt.Errorf("consumer group %s not opened", group)
	}
	cur := cursors[stream]
	if cur == nil {
		return 0, fmt.Errorf("stream %s not opened for group %s", stream, group)
	}
	s := b.streams[stream]
	if s == nil {
		return 0, nil
	}
	lag := s.nextID - cur.next
	if lag < 0 {
		lag = 0
	}
	return lag, nil
}

// Close marks the bus unavailable for further publishes and polls.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
