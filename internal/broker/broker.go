// Package broker simulates a matching engine with a maker/taker fee and
// slippage cost model against live market ticks.
//
// All account state sits behind one mutex, so every fill observes a single
// serial order of market updates and order events: a fill can never land
// "in the past" relative to the tick that triggered it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flowdesk/internal/bus"
	"flowdesk/internal/config"
	"flowdesk/internal/metrics"
	"flowdesk/pkg/types"
)

const (
	brokerGroup    = "broker"
	brokerConsumer = "broker-1"
	brokerPollMax  = 256
	brokerPollWait = 500 * time.Millisecond
	brokerBackoff  = time.Second
	fillsBuffer    = 1024
)

// Rejection and lookup errors surfaced to the router.
var (
	ErrNoMarketData        = errors.New("no market data for symbol")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderTerminal       = errors.New("order already terminal")
)

// OrderSink receives order snapshots for persistence. *tsdb.Writer
// satisfies it.
type OrderSink interface {
	AddOrder(types.Order)
}

// Stats is a point-in-time account summary.
type Stats struct {
	Balance       decimal.Decimal `json:"balance"`
	Equity        decimal.Decimal `json:"equity"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	FeesPaid      decimal.Decimal `json:"fees_paid"`
	Wins          int             `json:"wins"`
	Losses        int             `json:"losses"`
	WinRate       float64         `json:"win_rate"`
	OpenOrders    int             `json:"open_orders"`
	TotalFills    int             `json:"total_fills"`
}

// Broker is the paper execution backend.
type Broker struct {
	cfg    config.BrokerConfig
	logger *slog.Logger

	mu          sync.Mutex
	cash        decimal.Decimal
	positions   map[string]*types.Position
	marks       map[string]decimal.Decimal
	orders      map[string]*types.Order
	book        map[string][]*types.Order // resting limit/stop orders per symbol
	realized    decimal.Decimal
	fees        decimal.Decimal
	wins        int
	losses      int
	totalFills  int
	fillsClosed bool

	bus   bus.Bus
	fills chan types.Trade
	sink  OrderSink
	snaps SnapshotStore

	done chan struct{}
}

// Option tweaks broker construction.
type Option func(*Broker)

// WithSeedPrices pre-loads marks so orders can execute before any tick
// arrives. Test hook; production prices always come from the bus.
func WithSeedPrices(prices map[string]decimal.Decimal) Option {
	return func(b *Broker) {
		for sym, p := range prices {
			b.marks[sym] = p
		}
	}
}

// WithSnapshotStore enables account snapshot caching.
func WithSnapshotStore(s SnapshotStore) Option {
	return func(b *Broker) { b.snaps = s }
}

// New builds a paper broker funded with the configured initial balance.
func New(cfg config.BrokerConfig, busImpl bus.Bus, sink OrderSink, logger *slog.Logger, opts ...Option) *Broker {
	b := &Broker{
		cfg:       cfg,
		logger:    logger.With("component", "broker"),
		cash:      decimal.NewFromFloat(cfg.InitialBalance),
		positions: make(map[string]*types.Position),
		marks:     make(map[string]decimal.Decimal),
		orders:    make(map[string]*types.Order),
		book:      make(map[string][]*types.Order),
		bus:       busImpl,
		fills:     make(chan types.Trade, fillsBuffer),
		sink:      sink,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Fills is the one-way topic of executions, consumed by the router and the
// strategy engine. Closed by CloseFills during shutdown.
func (b *Broker) Fills() <-chan types.Trade { return b.fills }

// CloseFills closes the fills topic. Call only after every order producer
// has stopped: Run has returned and no SubmitOrder callers remain.
func (b *Broker) CloseFills() {
	b.mu.Lock()
	b.fillsClosed = true
	b.mu.Unlock()
	close(b.fills)
}

// Open joins the market-data consumer group on the given streams.
func (b *Broker) Open(ctx context.Context, streams []string) error {
	return b.bus.Open(ctx, brokerGroup, brokerConsumer, streams, bus.Start{Kind: bus.StartLatest})
}

// Run consumes market ticks until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) {
	defer close(b.done)

	for {
		if ctx.Err() != nil {
			return
		}

		entries, err := b.bus.Poll(ctx, brokerGroup, brokerConsumer, brokerPollMax, brokerPollWait)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			b.logger.Warn("poll failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(brokerBackoff):
			}
			continue
		}

		for _, entry := range entries {
			b.OnTick(entry.Tick)
			if err := b.bus.Ack(ctx, brokerGroup, entry.Stream, entry.ID); err != nil {
				b.logger.Warn("ack failed", "stream", entry.Stream, "error", err)
			}
		}
	}
}

// Wait blocks until Run has returned.
func (b *Broker) Wait() { <-b.done }

// OnTick updates the mark, reprices open positions, and fills any resting
// orders the tick makes eligible.
func (b *Broker) OnTick(tick types.Tick) {
	b.mu.Lock()
	defer b.mu.Unlock()

	price := decimal.NewFromFloat(tick.Price)
	b.marks[tick.Symbol] = price

	if pos, ok := b.positions[tick.Symbol]; ok {
		pos.MarkToMarket(price)
	}

	b.walkBook(tick.Symbol, price, tick.SourceTime)
}

// SubmitOrder executes or rests the order. Market orders and marketable
// limits fill immediately at taker cost; other limits rest until a tick
// makes them eligible. The returned order reflects the post-submit state.
func (b *Broker) SubmitOrder(order types.Order) (types.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	order.State = types.OrderPending

	mark, ok := b.marks[order.Symbol]
	if !ok {
		order.State = types.OrderRejected
		b.record(&order)
		return order, fmt.Errorf("%w: %s", ErrNoMarketData, order.Symbol)
	}

	o := order
	b.orders[o.ID] = &o

	switch o.Kind {
	case types.Market:
		if err := b.fillTaker(&o, mark, now); err != nil {
			return o, err
		}
	case types.Limit:
		if marketable(o.Side, mark, o.LimitPrice) {
			// Marketable limit crosses the book: fills at the limit price
			// but pays taker.
			if err := b.fill(&o, o.LimitPrice, b.cfg.TakerFeeBps, now); err != nil {
				return o, err
			}
		} else {
			o.State = types.OrderOpen
			b.book[o.Symbol] = append(b.book[o.Symbol], &o)
		}
	case types.Stop, types.StopLimit:
		o.State = types.OrderOpen
		b.book[o.Symbol] = append(b.book[o.Symbol], &o)
	default:
		o.State = types.OrderRejected
		b.record(&o)
		return o, fmt.Errorf("unsupported order kind %q", o.Kind)
	}

	b.record(&o)
	return o, nil
}

// Cancel removes a resting order. Terminal orders cannot be cancelled.
func (b *Broker) Cancel(orderID string) (types.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return types.Order{}, ErrOrderNotFound
	}
	if o.State.Terminal() {
		return *o, fmt.Errorf("%w: %s is %s", ErrOrderTerminal, orderID, o.State)
	}

	o.State = types.OrderCancelled
	o.UpdatedAt = time.Now().UTC()
	b.removeFromBook(o)
	b.record(o)
	return *o, nil
}

// GetOrder returns a copy of the order.
func (b *Broker) GetOrder(orderID string) (types.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return types.Order{}, ErrOrderNotFound
	}
	return *o, nil
}

// OpenOrders returns copies of all resting orders.
func (b *Broker) OpenOrders() []types.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Order
	for _, resting := range b.book {
		for _, o := range resting {
			out = append(out, *o)
		}
	}
	return out
}

// MarkPrice returns the most recent trade price for the symbol.
func (b *Broker) MarkPrice(symbol string) (decimal.Decimal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mark, ok := b.marks[symbol]
	return mark, ok
}

// Positions returns a snapshot of non-flat positions.
func (b *Broker) Positions() []types.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Position
	for _, p := range b.positions {
		if p.Side != types.Flat {
			out = append(out, *p)
		}
	}
	return out
}

// Stats returns a snapshot of account performance.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsLocked()
}

func (b *Broker) statsLocked() Stats {
	unrealized := decimal.Zero
	equity := b.cash
	for sym, p := range b.positions {
		if p.Side == types.Flat {
			continue
		}
		mark := b.marks[sym]
		p.MarkToMarket(mark)
		unrealized = unrealized.Add(p.UnrealizedPnL)
		// Cash already carries entry proceeds/costs, so marking the signed
		// quantity values both sides: longs add Q*mark, shorts subtract the
		// buy-back liability Q*mark.
		equity = equity.Add(p.SignedQuantity().Mul(mark))
	}

	open := 0
	for _, resting := range b.book {
		open += len(resting)
	}

	winRate := 0.0
	if total := b.wins + b.losses; total > 0 {
		winRate = float64(b.wins) / float64(total)
	}

	return Stats{
		Balance:       b.cash,
		Equity:        equity,
		RealizedPnL:   b.realized,
		UnrealizedPnL: unrealized,
		FeesPaid:      b.fees,
		Wins:          b.wins,
		Losses:        b.losses,
		WinRate:       winRate,
		OpenOrders:    open,
		TotalFills:    b.totalFills,
	}
}

// walkBook fills every resting order the new price makes eligible.
// Caller holds the mutex.
func (b *Broker) walkBook(symbol string, price decimal.Decimal, at time.Time) {
	resting := b.book[symbol]
	if len(resting) == 0 {
		return
	}

	var keep []*types.Order
	for _, o := range resting {
		switch o.Kind {
		case types.Limit:
			if marketable(o.Side, price, o.LimitPrice) {
				// Rested until the market came to it: maker.
				if err := b.fill(o, o.LimitPrice, b.cfg.MakerFeeBps, at); err != nil {
					b.logger.Warn("resting fill failed", "order", o.ID, "error", err)
					keep = append(keep, o)
				}
				continue
			}
		case types.Stop:
			if stopTriggered(o.Side, price, o.StopPrice) {
				if err := b.fillTaker(o, price, at); err != nil {
					b.logger.Warn("stop fill failed", "order", o.ID, "error", err)
					keep = append(keep, o)
				}
				continue
			}
		case types.StopLimit:
			if stopTriggered(o.Side, price, o.StopPrice) {
				// Triggered stop-limit converts to a plain limit.
				o.Kind = types.Limit
				if marketable(o.Side, price, o.LimitPrice) {
					if err := b.fill(o, o.LimitPrice, b.cfg.TakerFeeBps, at); err != nil {
						b.logger.Warn("stop-limit fill failed", "order", o.ID, "error", err)
						keep = append(keep, o)
					}
					continue
				}
			}
		}
		keep = append(keep, o)
	}
	b.book[symbol] = keep
}

// fillTaker executes at market with slippage and taker fee.
func (b *Broker) fillTaker(o *types.Order, mark decimal.Decimal, at time.Time) error {
	price := b.slip(o, mark)
	return b.fill(o, price, b.cfg.TakerFeeBps, at)
}

// slip applies the impact model: base bps plus clamped notional impact,
// against the buyer and in favor of no one.
func (b *Broker) slip(o *types.Order, mark decimal.Decimal) decimal.Decimal {
	notional, _ := o.Quantity.Mul(mark).Float64()
	impactBps := 0.0
	if b.cfg.BookDepthUSD > 0 {
		impactBps = notional / b.cfg.BookDepthUSD * b.cfg.ImpactFactor * 10000
	}
	if impactBps < 0 {
		impactBps = 0
	}
	if impactBps > b.cfg.MaxSlippageBps {
		impactBps = b.cfg.MaxSlippageBps
	}
	slipBps := decimal.NewFromFloat(b.cfg.BaseSlippageBps + impactBps).
		Div(decimal.NewFromInt(10000))

	if o.Side == types.Buy {
		return mark.Mul(decimal.NewFromInt(1).Add(slipBps))
	}
	return mark.Mul(decimal.NewFromInt(1).Sub(slipBps))
}

// fill executes the whole remaining quantity at the given price, moves
// cash and position, and publishes the trade. Caller holds the mutex.
func (b *Broker) fill(o *types.Order, price decimal.Decimal, feeBps float64, at time.Time) error {
	qty := o.Remaining()
	notional := qty.Mul(price)
	fee := notional.Mul(decimal.NewFromFloat(feeBps)).Div(decimal.NewFromInt(10000))

	if o.Side == types.Buy {
		cost := notional.Add(fee)
		if cost.GreaterThan(b.cash) {
			o.State = types.OrderRejected
			o.UpdatedAt = at
			b.record(o)
			return fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, cost, b.cash)
		}
		b.cash = b.cash.Sub(cost)
	} else {
		b.cash = b.cash.Add(notional).Sub(fee)
	}

	if o.State == types.OrderPending {
		o.State = types.OrderOpen
	}
	if err := o.ApplyFill(qty, price, fee, at); err != nil {
		return err
	}

	pos, ok := b.positions[o.Symbol]
	if !ok {
		p := types.NewPosition(o.Symbol)
		pos = &p
		b.positions[o.Symbol] = pos
	}
	realized := pos.ApplyFill(o.Side, qty, price, fee, at)
	b.realized = b.realized.Add(realized)
	b.fees = b.fees.Add(fee)
	b.totalFills++
	if realized.IsPositive() {
		b.wins++
	} else if realized.IsNegative() {
		b.losses++
	}

	trade := types.Trade{
		ID:          uuid.NewString(),
		OrderID:     o.ID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Quantity:    qty,
		Price:       price,
		Fees:        fee,
		RealizedPnL: realized,
		Timestamp:   at,
	}
	metrics.BrokerFills.WithLabelValues(o.Symbol).Inc()
	b.record(o)
	b.publishFill(trade)
	b.cacheSnapshot()
	return nil
}

// publishFill never blocks the match path: if the topic is full the fill
// is dropped from the feedback channel (it remains persisted and counted).
// Caller holds the mutex.
func (b *Broker) publishFill(trade types.Trade) {
	if b.fillsClosed {
		return
	}
	select {
	case b.fills <- trade:
	default:
		b.logger.Error("fills topic full, feedback dropped", "order", trade.OrderID)
	}
}

func (b *Broker) record(o *types.Order) {
	if b.sink != nil {
		b.sink.AddOrder(*o)
	}
}

func (b *Broker) removeFromBook(o *types.Order) {
	resting := b.book[o.Symbol]
	for i, r := range resting {
		if r.ID == o.ID {
			b.book[o.Symbol] = append(resting[:i], resting[i+1:]...)
			return
		}
	}
}

// marketable reports whether a limit order crosses at the given price.
func marketable(side types.Side, price, limit decimal.Decimal) bool {
	if side == types.Buy {
		return price.LessThanOrEqual(limit)
	}
	return price.GreaterThanOrEqual(limit)
}

// stopTriggered reports whether a stop order activates at the given price.
// Buy stops trigger above the stop price, sell stops below.
func stopTriggered(side types.Side, price, stop decimal.Decimal) bool {
	if side == types.Buy {
		return price.GreaterThanOrEqual(stop)
	}
	return price.LessThanOrEqual(stop)
}
