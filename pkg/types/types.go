// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the pipeline: ticks, OHLCV bars,
// orders, positions, trades, and strategy signals. It has no dependencies on
// internal packages, so it can be imported by any layer.
//
// Market-data values (tick prices, bar OHLCV, indicator inputs) are float64;
// anything that touches money or quantity on an order (sizes, fills, fees,
// PnL, balances) is decimal.Decimal.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order or fill.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderKind enumerates the supported order types.
type OrderKind string

const (
	Market    OrderKind = "market"
	Limit     OrderKind = "limit"
	Stop      OrderKind = "stop"
	StopLimit OrderKind = "stop_limit"
)

// OrderState is the lifecycle state of an order.
//
//	Pending → {Open | Rejected}
//	Open → {PartiallyFilled | Filled | Cancelled}
//	PartiallyFilled → {Filled | Cancelled}
type OrderState string

const (
	OrderPending         OrderState = "pending"
	OrderOpen            OrderState = "open"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCancelled       OrderState = "cancelled"
	OrderRejected        OrderState = "rejected"
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits moving to next.
func (s OrderState) CanTransition(next OrderState) bool {
	switch s {
	case OrderPending:
		return next == OrderOpen || next == OrderRejected
	case OrderOpen:
		return next == OrderPartiallyFilled || next == OrderFilled || next == OrderCancelled
	case OrderPartiallyFilled:
		return next == OrderFilled || next == OrderCancelled
	}
	return false
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
	Flat  PositionSide = "flat"
)

// SignalKind classifies a strategy signal. Hold signals are diagnostic and
// never produce orders.
type SignalKind string

const (
	SignalBuy    SignalKind = "buy"
	SignalSell   SignalKind = "sell"
	SignalHold   SignalKind = "hold"
	SignalCancel SignalKind = "cancel"
	SignalClose  SignalKind = "close"
)

// Mode selects the execution backend.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Tick is a single normalized market-data observation from one exchange.
// Bid and Ask are zero when the exchange did not provide a quote alongside
// the trade. SourceTime is the exchange timestamp, IngestTime is when the
// connector decoded the frame; both carry microsecond precision.
type Tick struct {
	Exchange   string
	Symbol     string
	Price      float64
	Volume     float64
	Bid        float64
	Ask        float64
	SourceTime time.Time
	IngestTime time.Time
}

// Validate checks tick invariants: price > 0, volume >= 0.
func (t Tick) Validate() error {
	if t.Price <= 0 {
		return fmt.Errorf("tick %s/%s: price %v must be > 0", t.Exchange, t.Symbol, t.Price)
	}
	if t.Volume < 0 {
		return fmt.Errorf("tick %s/%s: volume %v must be >= 0", t.Exchange, t.Symbol, t.Volume)
	}
	return nil
}

// Mid returns (bid+ask)/2 when both quotes are present, otherwise the last
// trade price.
func (t Tick) Mid() float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return t.Price
}

// Bar is one closed OHLCV candle for an (exchange, symbol, timeframe).
// Start is aligned to floor(sourceTime / interval) * interval.
type Bar struct {
	Exchange  string
	Symbol    string
	Timeframe string
	Start     time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Count     int64
	VWAP      float64
}

// Order is the unit of work flowing through the router. Mutable while open;
// only the owning backend mutates it, everyone else sees snapshot copies.
type Order struct {
	ID           string
	Symbol       string
	Side         Side
	Kind         OrderKind
	Quantity     decimal.Decimal
	LimitPrice   decimal.Decimal // zero unless limit / stop-limit
	StopPrice    decimal.Decimal // zero unless stop / stop-limit
	State        OrderState
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	FeesPaid     decimal.Decimal
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ClientID     string
	StrategyTag  string
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// ApplyFill records a (partial) fill and advances the state machine,
// maintaining filled-qty <= quantity and filled-qty = quantity ⇔ Filled.
func (o *Order) ApplyFill(qty, price, fees decimal.Decimal, at time.Time) error {
	if qty.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("order %s: fill quantity %s must be > 0", o.ID, qty)
	}
	if qty.GreaterThan(o.Remaining()) {
		return fmt.Errorf("order %s: fill %s exceeds remaining %s", o.ID, qty, o.Remaining())
	}

	notionalSoFar := o.AvgFillPrice.Mul(o.FilledQty)
	newFilled := o.FilledQty.Add(qty)
	o.AvgFillPrice = notionalSoFar.Add(price.Mul(qty)).Div(newFilled)
	o.FilledQty = newFilled
	o.FeesPaid = o.FeesPaid.Add(fees)
	o.UpdatedAt = at

	if o.FilledQty.Equal(o.Quantity) {
		o.State = OrderFilled
	} else {
		o.State = OrderPartiallyFilled
	}
	return nil
}

// Trade is an immutable fill record, emitted once per fill or partial fill.
type Trade struct {
	ID          string
	OrderID     string
	Symbol      string
	Side        Side
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Fees        decimal.Decimal
	RealizedPnL decimal.Decimal // PnL realized by this fill, zero when extending
	Timestamp   time.Time
}

// Position tracks holdings in a single symbol for one account.
// Quantity is always >= 0; Side is Flat exactly when Quantity is zero.
type Position struct {
	Symbol        string
	Side          PositionSide
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	FeesPaid      decimal.Decimal
	OpenedAt      time.Time
	UpdatedAt     time.Time
}

// NewPosition returns a flat position for the symbol.
func NewPosition(symbol string) Position {
	return Position{Symbol: symbol, Side: Flat}
}

// SignedQuantity returns quantity with sign: positive long, negative short.
func (p *Position) SignedQuantity() decimal.Decimal {
	if p.Side == Short {
		return p.Quantity.Neg()
	}
	return p.Quantity
}

// ApplyFill folds a fill into the position and returns the realized PnL of
// the closed portion (zero when extending).
//
// Same-side adds update the average entry by weighted mean. Opposite-side
// fills realize PnL against the average entry and reduce quantity; when the
// fill crosses zero the remainder reopens on the opposite side at the fill
// price.
func (p *Position) ApplyFill(side Side, qty, price, fees decimal.Decimal, at time.Time) decimal.Decimal {
	p.FeesPaid = p.FeesPaid.Add(fees)
	p.UpdatedAt = at

	fillDir := Long
	if side == Sell {
		fillDir = Short
	}

	if p.Side == Flat || p.Quantity.IsZero() {
		p.Side = fillDir
		p.Quantity = qty
		p.AvgEntryPrice = price
		p.OpenedAt = at
		return decimal.Zero
	}

	if p.Side == fillDir {
		totalCost := p.AvgEntryPrice.Mul(p.Quantity).Add(price.Mul(qty))
		p.Quantity = p.Quantity.Add(qty)
		p.AvgEntryPrice = totalCost.Div(p.Quantity)
		return decimal.Zero
	}

	closeQty := decimal.Min(qty, p.Quantity)
	var realized decimal.Decimal
	if p.Side == Long {
		realized = price.Sub(p.AvgEntryPrice).Mul(closeQty)
	} else {
		realized = p.AvgEntryPrice.Sub(price).Mul(closeQty)
	}
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	p.Quantity = p.Quantity.Sub(closeQty)

	if p.Quantity.IsZero() {
		remainder := qty.Sub(closeQty)
		if remainder.GreaterThan(decimal.Zero) {
			p.Side = fillDir
			p.Quantity = remainder
			p.AvgEntryPrice = price
			p.OpenedAt = at
		} else {
			p.Side = Flat
			p.AvgEntryPrice = decimal.Zero
			p.UnrealizedPnL = decimal.Zero
		}
	}
	return realized
}

// MarkToMarket recomputes unrealized PnL against the mark price.
func (p *Position) MarkToMarket(mark decimal.Decimal) {
	switch p.Side {
	case Long:
		p.UnrealizedPnL = mark.Sub(p.AvgEntryPrice).Mul(p.Quantity)
	case Short:
		p.UnrealizedPnL = p.AvgEntryPrice.Sub(mark).Mul(p.Quantity)
	default:
		p.UnrealizedPnL = decimal.Zero
	}
}

// Notional returns quantity * mark in quote currency.
func (p *Position) Notional(mark decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(mark)
}

// Signal is emitted by strategies and consumed by the order router.
// Price is zero for market intent. Strength is in [0, 1].
type Signal struct {
	ID           string
	Symbol       string
	Kind         SignalKind
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	Strength     float64
	Reason       string
	Metadata     map[string]string
	Strategy     string
	ParamsDigest string
	CreatedAt    time.Time
}

// HasPrice reports whether the signal proposes a limit price.
func (s Signal) HasPrice() bool {
	return s.Price.GreaterThan(decimal.Zero)
}
