// Package risk gates every order before it reaches a backend and owns the
// process-wide kill switch.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"flowdesk/internal/metrics"
	"flowdesk/pkg/types"
)

// Stable rejection reasons. These surface in the API and in logs; tests
// assert on them verbatim.
const (
	ReasonKillSwitch   = "Kill switch active"
	ReasonDailyLoss    = "Daily loss limit exceeded"
	ReasonPositionCap  = "Position limit reached"
	ReasonOrderSize    = "Order exceeds max position size"
	ReasonNotionalCap  = "Order exceeds notional cap"
	ReasonExposureUsed = "Total exposure limit exceeded"
)

// Limits are the configurable risk bounds. Zero-valued caps disable their
// check except DailyLossLimitPct, which always applies.
type Limits struct {
	DailyLossLimitPct  decimal.Decimal // of account equity
	PositionLimit      int             // distinct long symbols
	MaxPositionSizePct decimal.Decimal // per-order notional, of equity
	NotionalCap        decimal.Decimal // per-order absolute notional
	TotalExposurePct   decimal.Decimal // gross exposure, of equity
}

// Snapshot is a mutex-copied view of the guard's state.
type Snapshot struct {
	Limits        Limits
	Equity        decimal.Decimal
	DailyRealized decimal.Decimal
	GrossExposure decimal.Decimal
	LongSymbols   int
	KillSwitch    bool
	Day           time.Time
}

// Guard evaluates orders against the limits in a fixed sequence with
// first-failure short-circuit. Its counters move only on fills, so the
// gate's view evolves with executions, not intentions. The kill switch,
// once tripped, stays on until ResetKillSwitch.
type Guard struct {
	mu     sync.Mutex
	limits Limits
	logger *slog.Logger

	equity        decimal.Decimal
	dailyRealized decimal.Decimal
	day           time.Time // UTC midnight of the current counting day

	// Signed quantity and last fill price per symbol, for exposure and
	// position-count checks.
	signedQty map[string]decimal.Decimal
	lastPrice map[string]decimal.Decimal

	killed bool
	kills  chan string

	now func() time.Time
}

// NewGuard builds a guard with starting equity from the account's initial
// balance.
func NewGuard(limits Limits, equity decimal.Decimal, logger *slog.Logger) *Guard {
	g := &Guard{
		limits:    limits,
		logger:    logger.With("component", "risk"),
		equity:    equity,
		signedQty: make(map[string]decimal.Decimal),
		lastPrice: make(map[string]decimal.Decimal),
		kills:     make(chan string, 1),
		now:       time.Now,
	}
	g.day = g.today()
	return g
}

// Check returns (true, "") when the order passes every gate, otherwise
// (false, reason) for the first failing check.
func (g *Guard) Check(order types.Order, refPrice decimal.Decimal) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollDay()

	if g.killed {
		return false, ReasonKillSwitch
	}

	if g.breachedDailyLoss() {
		g.trip(ReasonDailyLoss)
		return false, ReasonDailyLoss
	}

	price := refPrice
	if order.Kind == types.Limit || order.Kind == types.StopLimit {
		if order.LimitPrice.IsPositive() {
			price = order.LimitPrice
		}
	}
	notional := order.Quantity.Mul(price)

	if order.Side == types.Buy && g.limits.PositionLimit > 0 {
		if !g.signedQty[order.Symbol].IsPositive() && g.longCount() >= g.limits.PositionLimit {
			return false, ReasonPositionCap
		}
	}

	if g.limits.MaxPositionSizePct.IsPositive() {
		maxSize := g.limits.MaxPositionSizePct.Div(decimal.NewFromInt(100)).Mul(g.equity)
		if notional.GreaterThan(maxSize) {
			return false, ReasonOrderSize
		}
	}

	if g.limits.NotionalCap.IsPositive() && notional.GreaterThan(g.limits.NotionalCap) {
		return false, ReasonNotionalCap
	}

	if g.limits.TotalExposurePct.IsPositive() {
		maxGross := g.limits.TotalExposurePct.Div(decimal.NewFromInt(100)).Mul(g.equity)
		if g.grossExposure().Add(notional).GreaterThan(maxGross) {
			return false, ReasonExposureUsed
		}
	}

	return true, ""
}

// OnFill folds an execution into the counters: realized PnL moves equity
// and the daily total, fees reduce equity, and the symbol's signed quantity
// tracks exposure.
func (g *Guard) OnFill(trade types.Trade, realized decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollDay()

	pnl := realized.Sub(trade.Fees)
	g.dailyRealized = g.dailyRealized.Add(pnl)
	g.equity = g.equity.Add(pnl)

	qty := trade.Quantity
	if trade.Side == types.Sell {
		qty = qty.Neg()
	}
	g.signedQty[trade.Symbol] = g.signedQty[trade.Symbol].Add(qty)
	g.lastPrice[trade.Symbol] = trade.Price

	if g.breachedDailyLoss() && !g.killed {
		g.trip(ReasonDailyLoss)
	}
}

// UpdateLimits swaps the limit set atomically.
func (g *Guard) UpdateLimits(limits Limits) {
	g.mu.Lock()
	g.limits = limits
	g.mu.Unlock()
}

// ResetKillSwitch re-arms the gate. Daily counters are untouched; if the
// loss breach still holds, the next check trips it again.
func (g *Guard) ResetKillSwitch() {
	g.mu.Lock()
	g.killed = false
	g.mu.Unlock()
	g.logger.Info("kill switch reset")
}

// Kills delivers the most recent kill reason. Stale unread reasons are
// replaced, never queued.
func (g *Guard) Kills() <-chan string { return g.kills }

// Snapshot copies the guard's state for health and API reads.
func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		Limits:        g.limits,
		Equity:        g.equity,
		DailyRealized: g.dailyRealized,
		GrossExposure: g.grossExposure(),
		LongSymbols:   g.longCount(),
		KillSwitch:    g.killed,
		Day:           g.day,
	}
}

// trip activates the kill switch. Caller holds the mutex.
func (g *Guard) trip(reason string) {
	g.killed = true
	metrics.RiskKills.Inc()
	g.logger.Error("kill switch activated", "reason", reason)

	// Drop a stale unread reason so the latest one lands.
	select {
	case <-g.kills:
	default:
	}
	select {
	case g.kills <- reason:
	default:
	}
}

// rollDay resets the daily counter at UTC midnight. The kill switch is
// deliberately left as-is. Caller holds the mutex.
func (g *Guard) rollDay() {
	today := g.today()
	if today.After(g.day) {
		g.day = today
		g.dailyRealized = decimal.Zero
	}
}

func (g *Guard) today() time.Time {
	return g.now().UTC().Truncate(24 * time.Hour)
}

// breachedDailyLoss reports whether day-to-date realized PnL is below the
// allowed fraction of equity. Caller holds the mutex.
func (g *Guard) breachedDailyLoss() bool {
	if !g.limits.DailyLossLimitPct.IsPositive() {
		return false
	}
	allowed := g.limits.DailyLossLimitPct.Div(decimal.NewFromInt(100)).Mul(g.equity)
	return g.dailyRealized.IsNegative() && g.dailyRealized.Abs().GreaterThan(allowed)
}

func (g *Guard) grossExposure() decimal.Decimal {
	total := decimal.Zero
	for sym, qty := range g.signedQty {
		if qty.IsZero() {
			continue
		}
		total = total.Add(qty.Abs().Mul(g.lastPrice[sym]))
	}
	return total
}

func (g *Guard) longCount() int {
	n := 0
	for _, qty := range g.signedQty {
		if qty.IsPositive() {
			n++
		}
	}
	return n
}
