// Package tsdb persists ticks, closed bars, and paper orders to a
// time-series store, with a primary/fallback pair behind a batching writer.
package tsdb

import (
	"context"
	"errors"
	"time"

	"flowdesk/pkg/types"
)

// ErrStoreDown wraps any store error so callers can treat connectivity and
// query failures uniformly.
var ErrStoreDown = errors.New("tsdb store down")

// Store is one time-series backend. Implementations must be safe for
// concurrent use.
type Store interface {
	// Ping verifies connectivity and bootstraps the schema if needed.
	Ping(ctx context.Context) error
	// WriteTicks inserts a batch of ticks in one transaction.
	WriteTicks(ctx context.Context, ticks []types.Tick) error
	// WriteBars inserts a batch of closed bars in one transaction.
	WriteBars(ctx context.Context, bars []types.Bar) error
	// WriteOrders upserts paper orders keyed by order ID.
	WriteOrders(ctx context.Context, orders []types.Order) error
	// QueryBars scans (symbol, timeframe, time-range) in ascending start order.
	QueryBars(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]types.Bar, error)
	Close() error
}
