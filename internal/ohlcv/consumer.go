package ohlcv

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"flowdesk/internal/bus"
	"flowdesk/pkg/types"
)

const (
	consumerGroup = "agg"
	pollBatch     = 256
	pollBlock     = 500 * time.Millisecond
	errorBackoff  = time.Second
)

// Consumer drives aggregators from the bus. It owns the "agg" consumer
// group, feeds each (exchange, symbol) aggregator serially, and hands
// ticks and closed bars to the configured sinks. Entries are acked after
// the sinks have taken them, so a crash replays rather than loses data.
type Consumer struct {
	bus        bus.Bus
	timeframes []Timeframe
	aggs       map[string]*Aggregator // stream name -> aggregator
	onTick     func(types.Tick)
	onBar      func(types.Bar)
	logger     *slog.Logger
	done       chan struct{}
}

// NewConsumer builds a consumer over the given streams. onTick and onBar
// must not block for long; the writer enqueues, the engine fans out.
func NewConsumer(b bus.Bus, timeframes []Timeframe, onTick func(types.Tick), onBar func(types.Bar), logger *slog.Logger) *Consumer {
	return &Consumer{
		bus:        b,
		timeframes: timeframes,
		aggs:       make(map[string]*Aggregator),
		onTick:     onTick,
		onBar:      onBar,
		logger:     logger.With("component", "ohlcv"),
		done:       make(chan struct{}),
	}
}

// Open joins the consumer group on the given streams, reading new entries.
func (c *Consumer) Open(ctx context.Context, streams []string) error {
	return c.bus.Open(ctx, consumerGroup, "agg-1", streams, bus.Start{Kind: bus.StartLatest})
}

// Run polls until ctx is cancelled. Broker outages are retried with a
// fixed backoff; they never crash the loop.
func (c *Consumer) Run(ctx context.Context) {
	defer close(c.done)

	for {
		if ctx.Err() != nil {
			return
		}

		entries, err := c.bus.Poll(ctx, consumerGroup, "agg-1", pollBatch, pollBlock)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Warn("poll failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
			continue
		}

		for _, e := range entries {
			c.ingest(e.Tick)
			if err := c.bus.Ack(ctx, consumerGroup, e.Stream, e.ID); err != nil {
				c.logger.Warn("ack failed", "stream", e.Stream, "id", e.ID, "error", err)
			}
		}
	}
}

// Wait blocks until Run has returned.
func (c *Consumer) Wait() { <-c.done }

// Drain seals all open bars and pushes them to the bar sink. Call after
// Run has stopped.
func (c *Consumer) Drain() {
	for _, agg := range c.aggs {
		for _, bar := range agg.Flush() {
			c.onBar(bar)
		}
	}
}

func (c *Consumer) ingest(tick types.Tick) {
	key := bus.StreamName(tick.Exchange, tick.Symbol)
	agg := c.aggs[key]
	if agg == nil {
		agg = New(tick.Exchange, tick.Symbol, c.timeframes, c.logger)
		c.aggs[key] = agg
	}

	if c.onTick != nil {
		c.onTick(tick)
	}
	for _, bar := range agg.OnTick(tick) {
		c.onBar(bar)
	}
}
