// Package bus provides the durable, partitioned tick log that decouples
// ingestion from consumption.
//
// One logical stream exists per (exchange, symbol). Entries get opaque,
// monotonically increasing IDs. Readers belong to named consumer groups:
// within a group each entry is delivered to exactly one consumer until
// acknowledged, and unacknowledged entries are redelivered after a
// visibility timeout (at-least-once delivery). Per-stream publish order is
// preserved for any single consumer; there is no ordering across streams.
//
// Two implementations exist: RedisBus on Redis Streams (production) and
// MemoryBus (tests and the papertest runner).
package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"flowdesk/pkg/types"
)

// ErrUnavailable is returned when the broker cannot be reached.
var ErrUnavailable = errors.New("bus unavailable")

// StartKind selects where a newly opened consumer group begins reading.
type StartKind int

const (
	StartLatest StartKind = iota
	StartEarliest
	StartAt // from a specific entry ID (exclusive)
)

// Start describes the initial read position for Open.
type Start struct {
	Kind    StartKind
	EntryID string // used when Kind == StartAt
}

// Entry is one delivered tick with its stream and entry ID.
type Entry struct {
	Stream string
	ID     string
	Tick   types.Tick
}

// Bus is the durable tick log. All methods are safe for concurrent use.
type Bus interface {
	// Publish appends a tick and returns its entry ID.
	Publish(ctx context.Context, stream string, tick types.Tick) (string, error)
	// Open creates (or joins) a consumer group on the given streams.
	Open(ctx context.Context, group, consumer string, streams []string, start Start) error
	// Poll delivers up to max entries across the opened streams, blocking up
	// to the given duration when none are ready.
	Poll(ctx context.Context, group, consumer string, max int, block time.Duration) ([]Entry, error)
	// Ack removes a delivered entry from the group's pending set.
	Ack(ctx context.Context, group, stream, id string) error
	// Lag returns the number of undelivered entries for the group on a stream.
	Lag(ctx context.Context, group, stream string) (int64, error)
	Close() error
}

// StreamName returns the canonical stream key for an (exchange, symbol) pair.
func StreamName(exchange, symbol string) string {
	return "md:" + exchange + ":" + symbol
}

// EncodeTick converts a tick to the wire map. Numbers are decimal strings,
// the timestamp is seconds with fractional microsecond precision. Bid/ask
// are omitted when absent; consumers must tolerate missing optional fields.
func EncodeTick(t types.Tick) map[string]interface{} {
	m := map[string]interface{}{
		"exchange":  t.Exchange,
		"symbol":    t.Symbol,
		"price":     strconv.FormatFloat(t.Price, 'f', -1, 64),
		"volume":    strconv.FormatFloat(t.Volume, 'f', -1, 64),
		"timestamp": strconv.FormatFloat(float64(t.SourceTime.UnixMicro())/1e6, 'f', 6, 64),
	}
	if t.Bid > 0 {
		m["bid"] = strconv.FormatFloat(t.Bid, 'f', -1, 64)
	}
	if t.Ask > 0 {
		m["ask"] = strconv.FormatFloat(t.Ask, 'f', -1, 64)
	}
	return m
}

// DecodeTick parses the wire map back into a tick.
func DecodeTick(m map[string]interface{}) (types.Tick, error) {
	var t types.Tick
	var err error

	t.Exchange = asString(m["exchange"])
	t.Symbol = asString(m["symbol"])
	if t.Exchange == "" || t.Symbol == "" {
		return t, fmt.Errorf("bus entry missing exchange/symbol")
	}

	if t.Price, err = asFloat(m["price"]); err != nil {
		return t, fmt.Errorf("bus entry price: %w", err)
	}
	if t.Volume, err = asFloat(m["volume"]); err != nil {
		return t, fmt.Errorf("bus entry volume: %w", err)
	}
	if v, ok := m["bid"]; ok {
		if t.Bid, err = asFloat(v); err != nil {
			return t, fmt.Errorf("bus entry bid: %w", err)
		}
	}
	if v, ok := m["ask"]; ok {
		if t.Ask, err = asFloat(v); err != nil {
			return t, fmt.Errorf("bus entry ask: %w", err)
		}
	}

	ts, err := asFloat(m["timestamp"])
	if err != nil {
		return t, fmt.Errorf("bus entry timestamp: %w", err)
	}
	t.SourceTime = time.UnixMicro(int64(ts * 1e6)).UTC()
	t.IngestTime = t.SourceTime
	return t, nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case string:
		return strconv.ParseFloat(x, 64)
	case float64:
		return x, nil
	case nil:
		return 0, fmt.Errorf("missing field")
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
