package strategy

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flowdesk/internal/config"
	"flowdesk/pkg/types"
)

const (
	gridHistorySize     = 120
	gridVolWindow       = 20
	gridRefVol          = 0.005 // volatility at which sizing is neutral
	gridRebalanceShare  = 0.3
	gridMinSizeFactor   = 0.5
	gridTakeProfitShare = 0.5
)

// Grid places symmetric layered limit orders around the mid price and
// mean-reverts its inventory. All clock decisions use tick source time so
// replays are deterministic.
type Grid struct {
	cfg    config.GridConfig
	symbol string

	history []float64 // mids, newest last
	vol     *RollingStd
	lastMid float64

	inventory decimal.Decimal
	// Open grid level prices keyed by the price string the signal carried.
	levels map[string]types.Side

	lastSignalAt    time.Time
	lastRebalanceAt time.Time
}

// NewGrid builds a grid strategy from config.
func NewGrid(cfg config.GridConfig) *Grid {
	return &Grid{
		cfg:    cfg,
		vol:    NewRollingStd(gridVolWindow),
		levels: make(map[string]types.Side),
	}
}

func (g *Grid) Name() string { return "grid" }

// Initialize seeds the mid history from recent bar closes.
func (g *Grid) Initialize(symbol string, history []types.Bar) {
	g.symbol = symbol
	for _, bar := range history {
		g.pushMid(bar.Close)
	}
}

// OnBar is a no-op; the grid works tick by tick.
func (g *Grid) OnBar(types.Bar) []types.Signal { return nil }

func (g *Grid) OnTick(tick types.Tick) []types.Signal {
	mid := tick.Mid()
	g.pushMid(mid)

	if !g.lastSignalAt.IsZero() && tick.SourceTime.Sub(g.lastSignalAt) < g.cfg.Cooldown {
		return nil
	}

	if sig := g.rebalance(tick); sig != nil {
		g.lastSignalAt = tick.SourceTime
		g.lastRebalanceAt = tick.SourceTime
		return []types.Signal{*sig}
	}

	signals := g.ladder(mid, tick.SourceTime)

	if tp := g.takeProfit(mid, tick.SourceTime); tp != nil {
		signals = append(signals, *tp)
	}

	if len(signals) > 0 {
		g.lastSignalAt = tick.SourceTime
	}
	return signals
}

// OnFill keeps inventory and the level map in sync with executions.
func (g *Grid) OnFill(trade types.Trade) {
	qty := trade.Quantity
	if trade.Side == types.Sell {
		qty = qty.Neg()
	}
	g.inventory = g.inventory.Add(qty)
	delete(g.levels, levelKey(trade.Price))
}

func (g *Grid) pushMid(mid float64) {
	if g.lastMid > 0 {
		g.vol.Update(mid/g.lastMid - 1)
	}
	g.lastMid = mid
	g.history = append(g.history, mid)
	if len(g.history) > gridHistorySize {
		g.history = g.history[1:]
	}
}

// rebalance emits one market order shrinking inventory by 30% when it
// exceeds the configured share of max inventory.
func (g *Grid) rebalance(tick types.Tick) *types.Signal {
	if g.cfg.MaxInventory <= 0 || g.cfg.RebalanceThreshold <= 0 {
		return nil
	}
	limit := decimal.NewFromFloat(g.cfg.MaxInventory * g.cfg.RebalanceThreshold)
	if g.inventory.Abs().LessThanOrEqual(limit) {
		return nil
	}

	side := types.Sell
	if g.inventory.IsNegative() {
		side = types.Buy
	}
	qty := g.inventory.Abs().Mul(decimal.NewFromFloat(gridRebalanceShare))

	kind := types.SignalSell
	if side == types.Buy {
		kind = types.SignalBuy
	}
	return &types.Signal{
		ID:        uuid.NewString(),
		Symbol:    g.symbol,
		Kind:      kind,
		Quantity:  qty,
		Strength:  1,
		Reason:    "inventory rebalance",
		Strategy:  g.Name(),
		CreatedAt: tick.SourceTime,
	}
}

// ladder emits limit signals for every empty grid level around the mid.
func (g *Grid) ladder(mid float64, at time.Time) []types.Signal {
	if mid <= 0 || g.cfg.GridLevels <= 0 || g.cfg.BaseQuantityUSD <= 0 {
		return nil
	}

	step := g.cfg.GridStepPct / 100
	var signals []types.Signal

	for i := 1; i <= g.cfg.GridLevels; i++ {
		offset := float64(i) * step
		buyPrice := mid * (1 - offset)
		sellPrice := mid * (1 + offset)

		if sig := g.levelSignal(types.Buy, buyPrice, at); sig != nil {
			signals = append(signals, *sig)
		}
		if sig := g.levelSignal(types.Sell, sellPrice, at); sig != nil {
			signals = append(signals, *sig)
		}
	}
	return signals
}

func (g *Grid) levelSignal(side types.Side, price float64, at time.Time) *types.Signal {
	levelPrice := decimal.NewFromFloat(price).Round(2)
	key := levelKey(levelPrice)
	if _, open := g.levels[key]; open {
		return nil
	}

	size := g.cfg.BaseQuantityUSD / price
	size *= g.inventoryFactor(side)
	size *= g.volatilityFactor()

	qty := decimal.NewFromFloat(size).Round(8)
	if !qty.IsPositive() {
		return nil
	}

	g.levels[key] = side

	kind := types.SignalBuy
	if side == types.Sell {
		kind = types.SignalSell
	}
	return &types.Signal{
		ID:        uuid.NewString(),
		Symbol:    g.symbol,
		Kind:      kind,
		Quantity:  qty,
		Price:     levelPrice,
		Strength:  0.5,
		Reason:    "grid level",
		Strategy:  g.Name(),
		CreatedAt: at,
	}
}

// inventoryFactor shrinks same-side additions as inventory builds,
// floored at 0.5x. The opposite side keeps full size so the book
// mean-reverts.
func (g *Grid) inventoryFactor(side types.Side) float64 {
	if g.cfg.MaxInventory <= 0 || g.inventory.IsZero() {
		return 1
	}
	inv, _ := g.inventory.Float64()
	ratio := clamp(inv/g.cfg.MaxInventory, -1, 1)

	if side == types.Buy && ratio > 0 {
		return clamp(1-ratio, gridMinSizeFactor, 1)
	}
	if side == types.Sell && ratio < 0 {
		return clamp(1+ratio, gridMinSizeFactor, 1)
	}
	return 1
}

// volatilityFactor shrinks size in turbulent tape and grows it in quiet
// tape, clamped to [0.5x, 1.5x].
func (g *Grid) volatilityFactor() float64 {
	vol := g.vol.Value()
	if vol == 0 {
		return 1
	}
	return clamp(gridRefVol/vol, 0.5, 1.5)
}

// takeProfit compares the current mid against a backward-looking reference,
// the mean of history[len-20:len-10], and closes half the inventory when
// the move is favorable beyond the threshold. The reference is the recent
// past, not the entry price; entries made mid-trend take profit against
// where the market was, which is the intended mean-reversion behavior.
func (g *Grid) takeProfit(mid float64, at time.Time) *types.Signal {
	if g.inventory.IsZero() || g.cfg.TakeProfitPct <= 0 {
		return nil
	}
	n := len(g.history)
	if n < 20 {
		return nil
	}
	ref := mean(g.history[n-20 : n-10])
	if ref <= 0 {
		return nil
	}

	ret := mid/ref - 1
	threshold := g.cfg.TakeProfitPct / 100

	long := g.inventory.IsPositive()
	if (long && ret < threshold) || (!long && ret > -threshold) {
		return nil
	}

	qty := g.inventory.Abs().Mul(decimal.NewFromFloat(gridTakeProfitShare))
	kind := types.SignalSell
	if !long {
		kind = types.SignalBuy
	}
	return &types.Signal{
		ID:        uuid.NewString(),
		Symbol:    g.symbol,
		Kind:      kind,
		Quantity:  qty,
		Strength:  1,
		Reason:    "take profit",
		Strategy:  g.Name(),
		CreatedAt: at,
	}
}

func levelKey(price decimal.Decimal) string {
	return price.StringFixed(2)
}
