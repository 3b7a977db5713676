package tsdb

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"flowdesk/internal/metrics"
	"flowdesk/pkg/types"
)

// WriterOptions tunes batching and failover.
type WriterOptions struct {
	BatchSize     int           // size trigger per buffer
	FlushInterval time.Duration // age trigger
	FlushTimeout  time.Duration // per-store deadline within a flush
	MaxQueueSize  int           // hard buffer cap per record kind
	RetryBackoff  time.Duration // wait after both stores fail
	WriteTicks    bool          // ticks are optional, bars never are
}

func (o *WriterOptions) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 5 * time.Second
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = 50000
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
}

// Writer batches ticks, bars, and orders and flushes them to the primary
// store, falling back to the secondary on error or deadline. When both
// stores fail, the batch is requeued at the head of its buffer in order and
// retried after a backoff. Buffers are hard-capped: when full, the oldest
// records are dropped and counted, so a sustained outage costs data, not
// memory.
type Writer struct {
	primary  Store
	fallback Store // may be nil
	opts     WriterOptions
	logger   *slog.Logger

	mu     sync.Mutex
	ticks  []types.Tick
	bars   []types.Bar
	orders []types.Order

	kick chan struct{}
	done chan struct{}
}

// NewWriter builds a writer over the store pair. fallback may be nil.
func NewWriter(primary, fallback Store, opts WriterOptions, logger *slog.Logger) *Writer {
	opts.defaults()
	return &Writer{
		primary:  primary,
		fallback: fallback,
		opts:     opts,
		logger:   logger.With("component", "tsdb"),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// AddTick enqueues a tick. No-op unless tick persistence is enabled.
func (w *Writer) AddTick(t types.Tick) {
	if !w.opts.WriteTicks {
		return
	}
	w.mu.Lock()
	if len(w.ticks) >= w.opts.MaxQueueSize {
		drop := len(w.ticks) - w.opts.MaxQueueSize + 1
		w.ticks = w.ticks[drop:]
		metrics.TSDropped.WithLabelValues("ticks").Add(float64(drop))
	}
	w.ticks = append(w.ticks, t)
	full := len(w.ticks) >= w.opts.BatchSize
	w.mu.Unlock()
	if full {
		w.nudge()
	}
}

// AddBar enqueues a closed bar.
func (w *Writer) AddBar(b types.Bar) {
	w.mu.Lock()
	if len(w.bars) >= w.opts.MaxQueueSize {
		drop := len(w.bars) - w.opts.MaxQueueSize + 1
		w.bars = w.bars[drop:]
		metrics.TSDropped.WithLabelValues("ohlcv").Add(float64(drop))
	}
	w.bars = append(w.bars, b)
	full := len(w.bars) >= w.opts.BatchSize
	w.mu.Unlock()
	if full {
		w.nudge()
	}
}

// AddOrder enqueues an order snapshot.
func (w *Writer) AddOrder(o types.Order) {
	w.mu.Lock()
	if len(w.orders) >= w.opts.MaxQueueSize {
		drop := len(w.orders) - w.opts.MaxQueueSize + 1
		w.orders = w.orders[drop:]
		metrics.TSDropped.WithLabelValues("paper_orders").Add(float64(drop))
	}
	w.orders = append(w.orders, o)
	full := len(w.orders) >= w.opts.BatchSize
	w.mu.Unlock()
	if full {
		w.nudge()
	}
}

// QueueSizes reports current buffer depths for health reporting.
func (w *Writer) QueueSizes() (ticks, bars, orders int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ticks), len(w.bars), len(w.orders)
}

// Run flushes on the age trigger, on size nudges, and once more on
// shutdown. Blocks until ctx is cancelled.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush with a fresh context; ctx is already dead.
			flushCtx, cancel := context.WithTimeout(context.Background(), w.opts.FlushTimeout)
			w.flushAll(flushCtx)
			cancel()
			return
		case <-ticker.C:
			w.flushAll(ctx)
		case <-w.kick:
			w.flushAll(ctx)
		}
	}
}

// Wait blocks until Run has returned.
func (w *Writer) Wait() { <-w.done }

func (w *Writer) nudge() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// flushAll drains every non-empty buffer. A failed batch goes back to the
// head of its buffer so order is preserved for the retry.
func (w *Writer) flushAll(ctx context.Context) {
	w.mu.Lock()
	ticks, bars, orders := w.ticks, w.bars, w.orders
	w.ticks, w.bars, w.orders = nil, nil, nil
	w.mu.Unlock()

	retry := false

	if len(ticks) > 0 {
		if err := w.flush(ctx, "ticks", func(s Store, c context.Context) error {
			return s.WriteTicks(c, ticks)
		}); err != nil {
			w.mu.Lock()
			w.ticks = append(ticks, w.ticks...)
			w.mu.Unlock()
			retry = true
		}
	}
	if len(bars) > 0 {
		if err := w.flush(ctx, "ohlcv", func(s Store, c context.Context) error {
			return s.WriteBars(c, bars)
		}); err != nil {
			w.mu.Lock()
			w.bars = append(bars, w.bars...)
			w.mu.Unlock()
			retry = true
		}
	}
	if len(orders) > 0 {
		if err := w.flush(ctx, "paper_orders", func(s Store, c context.Context) error {
			return s.WriteOrders(c, orders)
		}); err != nil {
			w.mu.Lock()
			w.orders = append(orders, w.orders...)
			w.mu.Unlock()
			retry = true
		}
	}

	if retry {
		metrics.TSReconnects.Inc()
		select {
		case <-ctx.Done():
		case <-time.After(w.opts.RetryBackoff):
			w.nudge()
		}
	}
}

// flush tries primary then fallback, each under its own deadline.
func (w *Writer) flush(ctx context.Context, table string, write func(Store, context.Context) error) error {
	err := w.flushTo(ctx, w.primary, "primary", table, write)
	if err == nil {
		return nil
	}
	metrics.TSWriteErrors.WithLabelValues("primary").Inc()
	w.logger.Warn("primary store write failed", "table", table, "error", err)

	if w.fallback == nil {
		return err
	}
	err = w.flushTo(ctx, w.fallback, "fallback", table, write)
	if err == nil {
		return nil
	}
	metrics.TSWriteErrors.WithLabelValues("fallback").Inc()
	w.logger.Error("fallback store write failed, batch requeued", "table", table, "error", err)
	return err
}

func (w *Writer) flushTo(ctx context.Context, s Store, db, table string, write func(Store, context.Context) error) error {
	flushCtx, cancel := context.WithTimeout(ctx, w.opts.FlushTimeout)
	defer cancel()

	started := time.Now()
	err := write(s, flushCtx)
	metrics.TSFlushDuration.WithLabelValues(db).Observe(time.Since(started).Seconds())
	if err != nil {
		return err
	}
	metrics.TSFlushes.WithLabelValues(table, db).Inc()
	return nil
}
