// Package router accepts signals and orders, enforces risk, and dispatches
// to the active execution backend (paper broker or live adapter).
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flowdesk/internal/broker"
	"flowdesk/internal/metrics"
	"flowdesk/internal/risk"
	"flowdesk/pkg/types"
)

// ErrRejected wraps every order rejection; the message carries the stable
// reason.
var ErrRejected = errors.New("order rejected")

// ReasonInvalidQuantity rejects zero or negative quantities before the
// risk guard ever sees the order.
const ReasonInvalidQuantity = "Order quantity must be positive"

const defaultDedupWindow = time.Minute

// Backend executes accepted orders. The paper broker and the live adapter
// both satisfy it.
type Backend interface {
	SubmitOrder(order types.Order) (types.Order, error)
	Cancel(orderID string) (types.Order, error)
	GetOrder(orderID string) (types.Order, error)
	OpenOrders() []types.Order
	Positions() []types.Position
	Stats() broker.Stats
	MarkPrice(symbol string) (decimal.Decimal, bool)
}

// Router owns mode state, risk gating, and signal translation.
type Router struct {
	guard  *risk.Guard
	logger *slog.Logger

	mu              sync.Mutex
	mode            types.Mode
	paper           Backend
	live            Backend // nil until live credentials are configured
	allowSwitchOpen bool

	dedupWindow time.Duration
	seen        map[string]time.Time // signal ID -> first seen
}

// New builds a router starting in the given mode. live may be nil.
func New(guard *risk.Guard, paper, live Backend, mode types.Mode, logger *slog.Logger) *Router {
	return &Router{
		guard:       guard,
		logger:      logger.With("component", "router"),
		mode:        mode,
		paper:       paper,
		live:        live,
		dedupWindow: defaultDedupWindow,
		seen:        make(map[string]time.Time),
	}
}

// AllowSwitchWithOpenOrders permits leaving live mode with orders still
// resting on the exchange.
func (r *Router) AllowSwitchWithOpenOrders(allow bool) {
	r.mu.Lock()
	r.allowSwitchOpen = allow
	r.mu.Unlock()
}

// Place gates the order and forwards it to the active backend. The
// returned order carries the assigned ID and final state; rejections
// return a wrapped ErrRejected whose message is the stable reason.
func (r *Router) Place(order types.Order) (types.Order, error) {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}

	if !order.Quantity.IsPositive() {
		order.State = types.OrderRejected
		metrics.RouterRejected.WithLabelValues("invalid_quantity").Inc()
		return order, fmt.Errorf("%w: %s", ErrRejected, ReasonInvalidQuantity)
	}

	backend := r.backend()

	ref, _ := backend.MarkPrice(order.Symbol)
	if ok, reason := r.guard.Check(order, ref); !ok {
		order.State = types.OrderRejected
		metrics.RouterRejected.WithLabelValues("risk").Inc()
		r.logger.Warn("order rejected by risk guard",
			"symbol", order.Symbol,
			"side", order.Side,
			"reason", reason,
		)
		return order, fmt.Errorf("%w: %s", ErrRejected, reason)
	}

	placed, err := backend.SubmitOrder(order)
	if err != nil {
		metrics.RouterRejected.WithLabelValues("backend").Inc()
		return placed, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	metrics.RouterOrders.WithLabelValues(string(r.Mode())).Inc()
	return placed, nil
}

// Cancel forwards to the active backend. Best effort: terminal orders fail.
func (r *Router) Cancel(orderID string) (types.Order, error) {
	return r.backend().Cancel(orderID)
}

// GetOrder looks an order up on the active backend.
func (r *Router) GetOrder(orderID string) (types.Order, error) {
	return r.backend().GetOrder(orderID)
}

// OpenOrders lists resting orders on the active backend.
func (r *Router) OpenOrders() []types.Order {
	return r.backend().OpenOrders()
}

// Positions snapshots the active backend's open positions.
func (r *Router) Positions() []types.Position {
	return r.backend().Positions()
}

// Stats snapshots the active backend's account.
func (r *Router) Stats() broker.Stats {
	return r.backend().Stats()
}

// Mode returns the current execution mode.
func (r *Router) Mode() types.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// SwitchMode transitions atomically between paper and live. Live requires
// a configured live backend; leaving live with open orders is refused
// unless explicitly allowed.
func (r *Router) SwitchMode(target types.Mode) error {
	if target != types.ModePaper && target != types.ModeLive {
		return fmt.Errorf("unknown mode %q", target)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if target == r.mode {
		return nil
	}
	if target == types.ModeLive && r.live == nil {
		return fmt.Errorf("live mode not available: credentials not configured")
	}
	if r.mode == types.ModeLive && !r.allowSwitchOpen {
		if open := r.live.OpenOrders(); len(open) > 0 {
			return fmt.Errorf("refusing to leave live mode with %d open orders", len(open))
		}
	}

	r.mode = target
	r.logger.Info("execution mode switched", "mode", target)
	return nil
}

// OnFill feeds executions into the risk guard's counters.
func (r *Router) OnFill(trade types.Trade) {
	r.guard.OnFill(trade, trade.RealizedPnL)
}

// ResetKillSwitch re-arms the risk guard.
func (r *Router) ResetKillSwitch() {
	r.guard.ResetKillSwitch()
}

// UpdateRiskLimits swaps the guard's limits.
func (r *Router) UpdateRiskLimits(limits risk.Limits) {
	r.guard.UpdateLimits(limits)
}

// RiskSnapshot exposes the guard state for the control API.
func (r *Router) RiskSnapshot() risk.Snapshot {
	return r.guard.Snapshot()
}

// HandleSignal translates one strategy signal into backend actions.
// Replayed signals inside the dedup window are dropped, so an at-least-once
// bus cannot double-apply an intent.
func (r *Router) HandleSignal(sig types.Signal) {
	if sig.Kind == types.SignalHold {
		return
	}
	if r.duplicate(sig.ID) {
		r.logger.Debug("duplicate signal dropped", "signal", sig.ID)
		return
	}

	switch sig.Kind {
	case types.SignalBuy, types.SignalSell:
		r.placeFromSignal(sig)
	case types.SignalClose:
		r.closeFromSignal(sig)
	case types.SignalCancel:
		r.cancelByTag(sig)
	}
}

func (r *Router) placeFromSignal(sig types.Signal) {
	side := types.Buy
	if sig.Kind == types.SignalSell {
		side = types.Sell
	}

	order := types.Order{
		ID:          sig.ID,
		Symbol:      sig.Symbol,
		Side:        side,
		Kind:        types.Market,
		Quantity:    sig.Quantity,
		StrategyTag: sig.Strategy,
		ClientID:    sig.ID,
	}
	if sig.HasPrice() {
		order.Kind = types.Limit
		order.LimitPrice = sig.Price
	}

	if _, err := r.Place(order); err != nil {
		r.logger.Warn("signal order rejected",
			"strategy", sig.Strategy,
			"symbol", sig.Symbol,
			"error", err,
		)
	}
}

// closeFromSignal flattens (part of) the open position at market. The
// signal quantity caps the close; zero means the whole position.
func (r *Router) closeFromSignal(sig types.Signal) {
	var pos *types.Position
	for _, p := range r.backend().Positions() {
		if p.Symbol == sig.Symbol {
			pp := p
			pos = &pp
			break
		}
	}
	if pos == nil {
		r.logger.Warn("close signal with no open position", "symbol", sig.Symbol)
		return
	}

	qty := pos.Quantity
	if sig.Quantity.IsPositive() && sig.Quantity.LessThan(qty) {
		qty = sig.Quantity
	}

	side := types.Sell
	if pos.Side == types.Short {
		side = types.Buy
	}

	order := types.Order{
		ID:          sig.ID,
		Symbol:      sig.Symbol,
		Side:        side,
		Kind:        types.Market,
		Quantity:    qty,
		StrategyTag: sig.Strategy,
		ClientID:    sig.ID,
	}
	if _, err := r.Place(order); err != nil {
		r.logger.Warn("close order rejected", "symbol", sig.Symbol, "error", err)
	}
}

// cancelByTag cancels every resting order the signal's strategy owns on
// the symbol.
func (r *Router) cancelByTag(sig types.Signal) {
	for _, o := range r.backend().OpenOrders() {
		if o.Symbol != sig.Symbol || o.StrategyTag != sig.Strategy {
			continue
		}
		if _, err := r.Cancel(o.ID); err != nil {
			r.logger.Warn("cancel failed", "order", o.ID, "error", err)
		}
	}
}

func (r *Router) backend() Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mode == types.ModeLive && r.live != nil {
		return r.live
	}
	return r.paper
}

// duplicate records the signal ID and reports whether it was already seen
// inside the window.
func (r *Router) duplicate(id string) bool {
	if id == "" {
		return false
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if seen, ok := r.seen[id]; ok && now.Sub(seen) < r.dedupWindow {
		return true
	}
	for old, at := range r.seen {
		if now.Sub(at) >= r.dedupWindow {
			delete(r.seen, old)
		}
	}
	r.seen[id] = now
	return false
}
