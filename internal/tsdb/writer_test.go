package tsdb

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"flowdesk/pkg/types"
)

// fakeStore records batches and fails on demand.
type fakeStore struct {
	mu       sync.Mutex
	fail     bool
	ticks    [][]types.Tick
	bars     [][]types.Bar
	orders   [][]types.Order
	barsSeen []time.Time
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) WriteTicks(_ context.Context, ticks []types.Tick) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store down")
	}
	f.ticks = append(f.ticks, append([]types.Tick(nil), ticks...))
	return nil
}

func (f *fakeStore) WriteBars(_ context.Context, bars []types.Bar) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store down")
	}
	f.bars = append(f.bars, append([]types.Bar(nil), bars...))
	for _, b := range bars {
		f.barsSeen = append(f.barsSeen, b.Start)
	}
	return nil
}

func (f *fakeStore) WriteOrders(_ context.Context, orders []types.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("store down")
	}
	f.orders = append(f.orders, append([]types.Order(nil), orders...))
	return nil
}

func (f *fakeStore) QueryBars(context.Context, string, string, time.Time, time.Time) ([]types.Bar, error) {
	return nil, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeStore) barBatches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bars)
}

func barAt(start time.Time) types.Bar {
	return types.Bar{
		Exchange: "binance", Symbol: "BTCUSDT", Timeframe: "1m",
		Start: start, Open: 100, High: 101, Low: 99, Close: 100.5,
		Volume: 1, Count: 1, VWAP: 100.2,
	}
}

func newTestWriter(primary, fallback Store) *Writer {
	return NewWriter(primary, fallback, WriterOptions{
		BatchSize:     1000, // size trigger out of the way, tests drive flushes
		FlushInterval: time.Hour,
		FlushTimeout:  time.Second,
		MaxQueueSize:  10,
		RetryBackoff:  time.Millisecond,
		WriteTicks:    true,
	}, slog.Default())
}

func TestWriterFlushesToPrimary(t *testing.T) {
	t.Parallel()
	primary, fallback := &fakeStore{}, &fakeStore{}
	w := newTestWriter(primary, fallback)

	w.AddBar(barAt(time.Unix(60, 0)))
	w.flushAll(context.Background())

	if primary.barBatches() != 1 {
		t.Errorf("primary batches = %d, want 1", primary.barBatches())
	}
	if fallback.barBatches() != 0 {
		t.Errorf("fallback batches = %d, want 0", fallback.barBatches())
	}
}

func TestWriterFailsOverToFallback(t *testing.T) {
	t.Parallel()
	primary, fallback := &fakeStore{}, &fakeStore{}
	primary.setFail(true)
	w := newTestWriter(primary, fallback)

	w.AddBar(barAt(time.Unix(60, 0)))
	w.flushAll(context.Background())

	if primary.barBatches() != 0 {
		t.Errorf("primary accepted a batch while failing")
	}
	if fallback.barBatches() != 1 {
		t.Errorf("fallback batches = %d, want 1", fallback.barBatches())
	}
}

func TestWriterRequeuesInOrderOnDoubleFailure(t *testing.T) {
	t.Parallel()
	primary, fallback := &fakeStore{}, &fakeStore{}
	primary.setFail(true)
	fallback.setFail(true)
	w := newTestWriter(primary, fallback)

	first, second := barAt(time.Unix(60, 0)), barAt(time.Unix(120, 0))
	w.AddBar(first)
	w.AddBar(second)
	w.flushAll(context.Background())

	if fallback.barBatches() != 0 {
		t.Fatal("batch delivered while both stores failing")
	}

	// A bar enqueued after the failed flush must land behind the requeued ones.
	third := barAt(time.Unix(180, 0))
	w.AddBar(third)

	primary.setFail(false)
	w.flushAll(context.Background())

	if primary.barBatches() != 1 {
		t.Fatalf("primary batches after recovery = %d, want 1", primary.barBatches())
	}
	got := primary.bars[0]
	if len(got) != 3 {
		t.Fatalf("recovered batch size = %d, want 3", len(got))
	}
	for i, want := range []time.Time{first.Start, second.Start, third.Start} {
		if !got[i].Start.Equal(want) {
			t.Errorf("recovered order[%d] = %v, want %v", i, got[i].Start, want)
		}
	}
}

func TestWriterDropsOldestAtCap(t *testing.T) {
	t.Parallel()
	primary := &fakeStore{}
	w := newTestWriter(primary, nil)

	// Cap is 10. Enqueue 15; the first 5 must be shed.
	for i := 0; i < 15; i++ {
		w.AddBar(barAt(time.Unix(int64(60*(i+1)), 0)))
	}
	w.flushAll(context.Background())

	if primary.barBatches() != 1 {
		t.Fatalf("batches = %d, want 1", primary.barBatches())
	}
	got := primary.bars[0]
	if len(got) != 10 {
		t.Fatalf("batch size = %d, want 10 (cap)", len(got))
	}
	if !got[0].Start.Equal(time.Unix(360, 0)) {
		t.Errorf("oldest surviving bar = %v, want 360s (older ones dropped)", got[0].Start)
	}
}

func TestWriterSkipsTicksWhenDisabled(t *testing.T) {
	t.Parallel()
	primary := &fakeStore{}
	w := NewWriter(primary, nil, WriterOptions{WriteTicks: false}, slog.Default())

	w.AddTick(types.Tick{Exchange: "binance", Symbol: "BTCUSDT", Price: 1, SourceTime: time.Unix(1, 0)})
	w.flushAll(context.Background())

	primary.mu.Lock()
	defer primary.mu.Unlock()
	if len(primary.ticks) != 0 {
		t.Error("ticks persisted despite WriteTicks=false")
	}
}

func TestWriterAgeTrigger(t *testing.T) {
	t.Parallel()
	primary := &fakeStore{}
	w := NewWriter(primary, nil, WriterOptions{
		BatchSize:     1000,
		FlushInterval: 20 * time.Millisecond,
		FlushTimeout:  time.Second,
		MaxQueueSize:  100,
		RetryBackoff:  time.Millisecond,
	}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	w.AddBar(barAt(time.Unix(60, 0)))

	deadline := time.After(time.Second)
	for primary.barBatches() == 0 {
		select {
		case <-deadline:
			t.Fatal("age trigger never flushed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	w.Wait()
}
