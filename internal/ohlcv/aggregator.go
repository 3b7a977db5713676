// Package ohlcv rolls tick streams into OHLCV bars at configured timeframes.
//
// One Aggregator serves one (exchange, symbol) pair and is fed serially; the
// control plane runs one per pair. Each configured timeframe holds at most
// one open bar. A tick whose bar start exceeds the open bar's start closes
// the bar and opens a new one with that tick as the opening observation.
// Closed bars are never rewritten: a tick older than the open bar is dropped
// and counted as late. Empty intervals emit nothing.
package ohlcv

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"flowdesk/internal/metrics"
	"flowdesk/pkg/types"
)

// Timeframe is a named bar interval, e.g. {"1m", time.Minute}.
type Timeframe struct {
	Label    string
	Interval time.Duration
}

// ParseTimeframe maps a config label to its interval.
func ParseTimeframe(label string) (Timeframe, error) {
	known := map[string]time.Duration{
		"1s":  time.Second,
		"1m":  time.Minute,
		"5m":  5 * time.Minute,
		"15m": 15 * time.Minute,
		"1h":  time.Hour,
		"4h":  4 * time.Hour,
		"1d":  24 * time.Hour,
	}
	iv, ok := known[label]
	if !ok {
		return Timeframe{}, fmt.Errorf("unknown timeframe %q", label)
	}
	return Timeframe{Label: label, Interval: iv}, nil
}

// openBar accumulates one in-progress bar.
type openBar struct {
	start  time.Time
	open   float64
	high   float64
	low    float64
	close  float64
	volume float64
	count  int64
	pv     float64 // sum of price*volume for VWAP
}

// Aggregator converts a single (exchange, symbol) tick stream into bars.
// Not safe for concurrent use; the caller feeds it from one goroutine.
type Aggregator struct {
	exchange   string
	symbol     string
	timeframes []Timeframe
	open       map[string]*openBar // timeframe label -> open bar
	logger     *slog.Logger
}

// New creates an aggregator for the pair across the given timeframes.
func New(exchange, symbol string, timeframes []Timeframe, logger *slog.Logger) *Aggregator {
	sorted := append([]Timeframe(nil), timeframes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Interval < sorted[j].Interval })
	return &Aggregator{
		exchange:   exchange,
		symbol:     symbol,
		timeframes: sorted,
		open:       make(map[string]*openBar),
		logger: logger.With("component", "ohlcv",
			"exchange", exchange, "symbol", symbol),
	}
}

// OnTick folds one tick in and returns any bars it closed, smallest
// timeframe first. Replaying the same tick sequence yields identical bars.
func (a *Aggregator) OnTick(tick types.Tick) []types.Bar {
	var closed []types.Bar
	for _, tf := range a.timeframes {
		start := tick.SourceTime.Truncate(tf.Interval)
		cur := a.open[tf.Label]

		switch {
		case cur == nil:
			a.open[tf.Label] = newOpenBar(start, tick)

		case start.After(cur.start):
			closed = append(closed, a.seal(tf, cur))
			a.open[tf.Label] = newOpenBar(start, tick)

		case start.Equal(cur.start):
			cur.close = tick.Price
			if tick.Price > cur.high {
				cur.high = tick.Price
			}
			if tick.Price < cur.low {
				cur.low = tick.Price
			}
			cur.volume += tick.Volume
			cur.pv += tick.Price * tick.Volume
			cur.count++

		default:
			// Tick predates the open bar. The bar it belongs to is sealed.
			metrics.AggregatorLateTicks.WithLabelValues(a.exchange).Inc()
			a.logger.Debug("late tick dropped",
				"timeframe", tf.Label,
				"tick_time", tick.SourceTime,
				"open_bar_start", cur.start,
			)
		}
	}
	return closed
}

// Flush seals and returns all open bars. Used on shutdown; the returned
// bars cover partial intervals.
func (a *Aggregator) Flush() []types.Bar {
	var out []types.Bar
	for _, tf := range a.timeframes {
		if cur := a.open[tf.Label]; cur != nil {
			out = append(out, a.seal(tf, cur))
			delete(a.open, tf.Label)
		}
	}
	return out
}

func newOpenBar(start time.Time, tick types.Tick) *openBar {
	return &openBar{
		start:  start,
		open:   tick.Price,
		high:   tick.Price,
		low:    tick.Price,
		close:  tick.Price,
		volume: tick.Volume,
		count:  1,
		pv:     tick.Price * tick.Volume,
	}
}

func (a *Aggregator) seal(tf Timeframe, b *openBar) types.Bar {
	vwap := b.close
	if b.volume > 0 {
		vwap = b.pv / b.volume
	}
	metrics.AggregatorBars.WithLabelValues(tf.Label).Inc()
	return types.Bar{
		Exchange:  a.exchange,
		Symbol:    a.symbol,
		Timeframe: tf.Label,
		Start:     b.start,
		Open:      b.open,
		High:      b.high,
		Low:       b.low,
		Close:     b.close,
		Volume:    b.volume,
		Count:     b.count,
		VWAP:      vwap,
	}
}
