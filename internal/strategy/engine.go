package strategy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"flowdesk/internal/bus"
	"flowdesk/internal/metrics"
	"flowdesk/pkg/types"
)

const (
	engineGroup    = "strategy"
	engineConsumer = "strat-1"
	enginePollMax  = 256
	enginePollWait = 500 * time.Millisecond
	engineBackoff  = time.Second
	workerQueue    = 512
)

// event is one element of a worker's linear sequence. Exactly one field
// is set.
type event struct {
	tick *types.Tick
	bar  *types.Bar
	fill *types.Trade
}

// worker runs one (symbol, strategy) instance serially.
type worker struct {
	symbol string
	strat  Strategy
	events chan event
}

// Engine feeds each (symbol, strategy) instance a single ordered event
// stream and hands emitted signals to the sink. Ticks come from the bus
// (consumer group "strategy"), bars from the aggregator, fills from the
// broker's fills topic. Strategies never block on I/O; the engine does.
type Engine struct {
	bus    bus.Bus
	emit   func(types.Signal)
	logger *slog.Logger

	mu       sync.Mutex
	workers  []*worker
	bySymbol map[string][]*worker
	stopped  bool

	wg   sync.WaitGroup
	done chan struct{}
}

// NewEngine builds an engine delivering signals to emit.
func NewEngine(b bus.Bus, emit func(types.Signal), logger *slog.Logger) *Engine {
	return &Engine{
		bus:      b,
		emit:     emit,
		logger:   logger.With("component", "strategy"),
		bySymbol: make(map[string][]*worker),
		done:     make(chan struct{}),
	}
}

// AddStrategy initializes the instance with history and starts its worker.
// Call before Run.
func (e *Engine) AddStrategy(symbol string, s Strategy, history []types.Bar) {
	s.Initialize(symbol, history)

	w := &worker{
		symbol: symbol,
		strat:  s,
		events: make(chan event, workerQueue),
	}

	e.mu.Lock()
	e.workers = append(e.workers, w)
	e.bySymbol[symbol] = append(e.bySymbol[symbol], w)
	e.mu.Unlock()

	e.wg.Add(1)
	go e.runWorker(w)

	e.logger.Info("strategy attached",
		"strategy", s.Name(),
		"symbol", symbol,
		"history_bars", len(history),
	)
}

// Open joins the tick consumer group on the given streams.
func (e *Engine) Open(ctx context.Context, streams []string) error {
	return e.bus.Open(ctx, engineGroup, engineConsumer, streams, bus.Start{Kind: bus.StartLatest})
}

// Run polls ticks from the bus and dispatches until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)

	for {
		if ctx.Err() != nil {
			return
		}

		entries, err := e.bus.Poll(ctx, engineGroup, engineConsumer, enginePollMax, enginePollWait)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			e.logger.Warn("poll failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(engineBackoff):
			}
			continue
		}

		for _, entry := range entries {
			tick := entry.Tick
			e.dispatch(tick.Symbol, event{tick: &tick})
			if err := e.bus.Ack(ctx, engineGroup, entry.Stream, entry.ID); err != nil {
				e.logger.Warn("ack failed", "stream", entry.Stream, "error", err)
			}
		}
	}
}

// OnBar feeds one closed bar to every strategy on its symbol. Called by
// the aggregator pipeline.
func (e *Engine) OnBar(bar types.Bar) {
	e.dispatch(bar.Symbol, event{bar: &bar})
}

// OnFill feeds an execution back to fill-aware strategies on the symbol.
func (e *Engine) OnFill(trade types.Trade) {
	e.dispatch(trade.Symbol, event{fill: &trade})
}

// Stop waits for Run to exit, then drains and stops the workers. Events
// dispatched after Stop are discarded.
func (e *Engine) Stop() {
	<-e.done

	e.mu.Lock()
	e.stopped = true
	for _, w := range e.workers {
		close(w.events)
	}
	e.mu.Unlock()

	e.wg.Wait()
}

// dispatch holds the mutex across the sends so Stop cannot close a worker
// channel mid-delivery. Workers never take the mutex, so the blocking
// sends cannot deadlock.
func (e *Engine) dispatch(symbol string, ev event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return
	}
	for _, w := range e.bySymbol[symbol] {
		// Blocking send: the bus is durable, so back-pressure here is
		// preferable to dropping events a stateful strategy relies on.
		w.events <- ev
	}
}

func (e *Engine) runWorker(w *worker) {
	defer e.wg.Done()

	for ev := range w.events {
		var signals []types.Signal
		switch {
		case ev.tick != nil:
			signals = w.strat.OnTick(*ev.tick)
		case ev.bar != nil:
			signals = w.strat.OnBar(*ev.bar)
		case ev.fill != nil:
			if fh, ok := w.strat.(FillHandler); ok {
				fh.OnFill(*ev.fill)
			}
		}

		for _, sig := range signals {
			metrics.StrategySignals.WithLabelValues(w.strat.Name(), string(sig.Kind)).Inc()
			e.emit(sig)
		}
	}
}
