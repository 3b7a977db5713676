package strategy

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flowdesk/internal/config"
	"flowdesk/pkg/types"
)

type regime int

const (
	regimeNeutral regime = iota
	regimeBullish
	regimeBearish
)

// Priors used for Kelly sizing until the strategy has its own trade
// history.
const (
	trendPriorWinProb = 0.55
	trendPriorPayoff  = 1.5
	trendVolumeWindow = 5
)

// Trend trades fast/slow EMA crossovers gated by a regime filter, sized by
// a fractional Kelly criterion over its running win rate, with ATR stops
// and a ratcheting trailing stop checked on every tick.
type Trend struct {
	cfg    config.TrendConfig
	symbol string

	fast *EMA
	slow *EMA
	atr  *ATR

	prevFast  float64
	prevSlow  float64
	emaPrimed bool
	volumes   []float64
	curRegime regime

	// Open position state. Quantity is signed: positive long, negative short.
	qty          decimal.Decimal
	entryPrice   float64
	stopLoss     float64
	trailingStop float64
	extremum     float64

	// Running performance for Kelly sizing.
	wins, losses     int
	sumWins, sumLoss float64
}

// NewTrend builds a trend strategy from config.
func NewTrend(cfg config.TrendConfig) *Trend {
	return &Trend{
		cfg:  cfg,
		fast: NewEMA(cfg.FastMA),
		slow: NewEMA(cfg.SlowMA),
		atr:  NewATR(cfg.VolFilterPeriod),
	}
}

func (t *Trend) Name() string { return "trend" }

// Initialize replays recent bars through the indicators so the first live
// crossover is computed against warm state.
func (t *Trend) Initialize(symbol string, history []types.Bar) {
	t.symbol = symbol
	for _, bar := range history {
		t.updateIndicators(bar)
	}
}

func (t *Trend) OnBar(bar types.Bar) []types.Signal {
	prevFast, prevSlow, primed := t.prevFast, t.prevSlow, t.emaPrimed
	fast, slow := t.updateIndicators(bar)

	if !primed || slow == 0 {
		return nil
	}

	delta := (fast - slow) / slow
	strength := clamp(math.Abs(delta)/0.05, 0, 1)

	t.curRegime = t.classify(delta)

	if t.qty.IsZero() {
		return t.tryEnter(bar, prevFast, prevSlow, fast, slow, strength)
	}
	return t.manage(bar)
}

// OnTick runs only the stop checks; an entry decision never happens here.
func (t *Trend) OnTick(tick types.Tick) []types.Signal {
	if t.qty.IsZero() {
		return nil
	}

	price := tick.Price
	long := t.qty.IsPositive()

	if long {
		if price > t.extremum {
			t.ratchet(price)
		}
		if price <= t.stopLoss || (t.trailingStop > 0 && price <= t.trailingStop) {
			return []types.Signal{t.close(price, "stop hit", tick.SourceTime)}
		}
	} else {
		if price < t.extremum {
			t.ratchet(price)
		}
		if price >= t.stopLoss || (t.trailingStop > 0 && price >= t.trailingStop) {
			return []types.Signal{t.close(price, "stop hit", tick.SourceTime)}
		}
	}
	return nil
}

func (t *Trend) updateIndicators(bar types.Bar) (fast, slow float64) {
	if t.fast.Primed() {
		t.prevFast = t.fast.Value()
		t.prevSlow = t.slow.Value()
		t.emaPrimed = true
	}
	fast = t.fast.Update(bar.Close)
	slow = t.slow.Update(bar.Close)
	t.atr.Update(bar.High, bar.Low, bar.Close)

	t.volumes = append(t.volumes, bar.Volume)
	if len(t.volumes) > trendVolumeWindow {
		t.volumes = t.volumes[1:]
	}
	return fast, slow
}

func (t *Trend) classify(delta float64) regime {
	rising := t.volumeRising()
	switch {
	case delta > t.cfg.RegimeThreshold && rising:
		return regimeBullish
	case delta < -t.cfg.RegimeThreshold && rising:
		return regimeBearish
	default:
		return regimeNeutral
	}
}

func (t *Trend) volumeRising() bool {
	n := len(t.volumes)
	if n < 2 {
		return false
	}
	half := n / 2
	return mean(t.volumes[half:]) > mean(t.volumes[:half])
}

func (t *Trend) tryEnter(bar types.Bar, prevFast, prevSlow, fast, slow, strength float64) []types.Signal {
	bullCross := prevFast <= prevSlow && fast > slow && t.curRegime == regimeBullish
	bearCross := prevFast >= prevSlow && fast < slow && t.curRegime == regimeBearish
	if !bullCross && !bearCross {
		return nil
	}

	value := math.Min(t.cfg.MaxPositionUSD*t.kelly()*strength, t.cfg.MaxPositionUSD)
	if value <= 0 || bar.Close <= 0 {
		return nil
	}
	qty := decimal.NewFromFloat(value / bar.Close).Round(8)
	if !qty.IsPositive() {
		return nil
	}

	stopDist := t.atr.Value() * t.cfg.ATRMultiplier
	trailDist := stopDist
	if t.cfg.StopPct > 0 {
		trailDist = stopDist * (t.cfg.TrailingPct / t.cfg.StopPct)
	}

	t.entryPrice = bar.Close
	t.extremum = bar.Close

	kind := types.SignalBuy
	if bullCross {
		t.qty = qty
		t.stopLoss = bar.Close - stopDist
		t.trailingStop = bar.Close - trailDist
	} else {
		kind = types.SignalSell
		t.qty = qty.Neg()
		t.stopLoss = bar.Close + stopDist
		t.trailingStop = bar.Close + trailDist
	}

	return []types.Signal{{
		ID:        uuid.NewString(),
		Symbol:    t.symbol,
		Kind:      kind,
		Quantity:  qty,
		Strength:  strength,
		Reason:    "ema crossover",
		Strategy:  t.Name(),
		CreatedAt: bar.Start,
	}}
}

// manage handles an open position on bar close: ratchet the trailing stop
// and exit when the regime flips against the position.
func (t *Trend) manage(bar types.Bar) []types.Signal {
	long := t.qty.IsPositive()
	if long && bar.Close > t.extremum {
		t.ratchet(bar.Close)
	} else if !long && bar.Close < t.extremum {
		t.ratchet(bar.Close)
	}

	flipped := (long && t.curRegime == regimeBearish) ||
		(!long && t.curRegime == regimeBullish)
	if flipped {
		return []types.Signal{t.close(bar.Close, "regime flip", bar.Start)}
	}
	return nil
}

// ratchet moves the trailing stop with a new extremum, never loosening it.
func (t *Trend) ratchet(price float64) {
	t.extremum = price
	dist := t.atr.Value() * t.cfg.ATRMultiplier
	if t.cfg.StopPct > 0 {
		dist *= t.cfg.TrailingPct / t.cfg.StopPct
	}
	if t.qty.IsPositive() {
		if stop := price - dist; stop > t.trailingStop {
			t.trailingStop = stop
		}
	} else {
		if stop := price + dist; t.trailingStop == 0 || stop < t.trailingStop {
			t.trailingStop = stop
		}
	}
}

// close flattens the position with a market signal and records the outcome
// in the win/loss history.
func (t *Trend) close(price float64, reason string, at time.Time) types.Signal {
	qty := t.qty.Abs()

	pnl := (price - t.entryPrice) * mustFloat(t.qty)
	if pnl > 0 {
		t.wins++
		t.sumWins += pnl
	} else if pnl < 0 {
		t.losses++
		t.sumLoss += -pnl
	}

	t.qty = decimal.Zero
	t.entryPrice = 0
	t.stopLoss = 0
	t.trailingStop = 0
	t.extremum = 0

	return types.Signal{
		ID:        uuid.NewString(),
		Symbol:    t.symbol,
		Kind:      types.SignalClose,
		Quantity:  qty,
		Strength:  1,
		Reason:    reason,
		Strategy:  t.Name(),
		CreatedAt: at,
	}
}

// kelly returns the position fraction from the running win rate and payoff
// ratio, clamped to the configured cap. Priors stand in until enough
// trades accumulate, and a win probability under the configured minimum
// sizes to zero.
func (t *Trend) kelly() float64 {
	total := t.wins + t.losses
	winProb, ratio := trendPriorWinProb, trendPriorPayoff
	if total >= 5 {
		winProb = float64(t.wins) / float64(total)
		avgWin, avgLoss := trendPriorPayoff, 1.0
		if t.wins > 0 {
			avgWin = t.sumWins / float64(t.wins)
		}
		if t.losses > 0 {
			avgLoss = t.sumLoss / float64(t.losses)
		}
		if avgLoss > 0 {
			ratio = avgWin / avgLoss
		}
	}

	if winProb < t.cfg.MinWinProbability {
		return 0
	}
	if ratio <= 0 {
		return 0
	}
	f := winProb*ratio - (1-winProb)/ratio
	return clamp(f, 0, t.cfg.KellyFraction)
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
