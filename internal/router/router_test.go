package router

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"flowdesk/internal/broker"
	"flowdesk/internal/risk"
	"flowdesk/pkg/types"
)

// fakeBackend records submissions and cancels in memory.
type fakeBackend struct {
	submitted []types.Order
	cancelled []string
	open      []types.Order
	positions []types.Position
	marks     map[string]decimal.Decimal
	submitErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{marks: map[string]decimal.Decimal{}}
}

func (f *fakeBackend) SubmitOrder(order types.Order) (types.Order, error) {
	if f.submitErr != nil {
		order.State = types.OrderRejected
		return order, f.submitErr
	}
	order.State = types.OrderOpen
	f.submitted = append(f.submitted, order)
	return order, nil
}

func (f *fakeBackend) Cancel(orderID string) (types.Order, error) {
	f.cancelled = append(f.cancelled, orderID)
	return types.Order{ID: orderID, State: types.OrderCancelled}, nil
}

func (f *fakeBackend) GetOrder(orderID string) (types.Order, error) {
	for _, o := range f.submitted {
		if o.ID == orderID {
			return o, nil
		}
	}
	return types.Order{}, errors.New("not found")
}

func (f *fakeBackend) OpenOrders() []types.Order       { return f.open }
func (f *fakeBackend) Positions() []types.Position     { return f.positions }
func (f *fakeBackend) Stats() broker.Stats             { return broker.Stats{} }
func (f *fakeBackend) MarkPrice(symbol string) (decimal.Decimal, bool) {
	mark, ok := f.marks[symbol]
	return mark, ok
}

func newTestRouter(t *testing.T, paper, live Backend) *Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	guard := risk.NewGuard(risk.Limits{
		DailyLossLimitPct: decimal.NewFromInt(5),
	}, decimal.NewFromInt(100000), logger)
	return New(guard, paper, live, types.ModePaper, logger)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

func TestPlaceRejectsNonPositiveQuantity(t *testing.T) {
	t.Parallel()

	paper := newFakeBackend()
	r := newTestRouter(t, paper, nil)

	_, err := r.Place(types.Order{
		Symbol:   "BTC-USD",
		Side:     types.Buy,
		Kind:     types.Market,
		Quantity: decimal.Zero,
	})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if !strings.Contains(err.Error(), ReasonInvalidQuantity) {
		t.Fatalf("expected reason %q in error, got %v", ReasonInvalidQuantity, err)
	}
	if len(paper.submitted) != 0 {
		t.Fatalf("rejected order must not reach the backend")
	}
}

func TestPlaceRiskRejection(t *testing.T) {
	t.Parallel()

	paper := newFakeBackend()
	paper.marks["BTC-USD"] = decimal.NewFromInt(50000)

	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	guard := risk.NewGuard(risk.Limits{
		NotionalCap: decimal.NewFromInt(1000),
	}, decimal.NewFromInt(100000), logger)
	r := New(guard, paper, nil, types.ModePaper, logger)

	_, err := r.Place(types.Order{
		Symbol:   "BTC-USD",
		Side:     types.Buy,
		Kind:     types.Market,
		Quantity: decimal.NewFromInt(1),
	})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if !strings.Contains(err.Error(), "notional cap") {
		t.Fatalf("expected notional cap reason, got %v", err)
	}
	if len(paper.submitted) != 0 {
		t.Fatalf("risk-rejected order must not reach the backend")
	}
}

func TestPlaceAssignsID(t *testing.T) {
	t.Parallel()

	paper := newFakeBackend()
	paper.marks["BTC-USD"] = decimal.NewFromInt(50000)
	r := newTestRouter(t, paper, nil)

	placed, err := r.Place(types.Order{
		Symbol:   "BTC-USD",
		Side:     types.Buy,
		Kind:     types.Market,
		Quantity: decimal.RequireFromString("0.01"),
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if placed.ID == "" {
		t.Fatal("expected an assigned order ID")
	}
	if len(paper.submitted) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(paper.submitted))
	}
}

func TestHandleSignalHoldProducesNothing(t *testing.T) {
	t.Parallel()

	paper := newFakeBackend()
	r := newTestRouter(t, paper, nil)

	r.HandleSignal(types.Signal{
		ID:     "sig-hold",
		Symbol: "BTC-USD",
		Kind:   types.SignalHold,
	})
	if len(paper.submitted) != 0 {
		t.Fatalf("hold signal must not produce an order, got %d", len(paper.submitted))
	}
}

func TestHandleSignalDeduplicates(t *testing.T) {
	t.Parallel()

	paper := newFakeBackend()
	paper.marks["BTC-USD"] = decimal.NewFromInt(50000)
	r := newTestRouter(t, paper, nil)

	sig := types.Signal{
		ID:       "sig-1",
		Symbol:   "BTC-USD",
		Kind:     types.SignalBuy,
		Quantity: decimal.RequireFromString("0.01"),
		Strategy: "grid",
	}
	r.HandleSignal(sig)
	r.HandleSignal(sig)

	if len(paper.submitted) != 1 {
		t.Fatalf("replayed signal must be dropped, got %d orders", len(paper.submitted))
	}
}

func TestHandleSignalLimitWhenPriced(t *testing.T) {
	t.Parallel()

	paper := newFakeBackend()
	paper.marks["BTC-USD"] = decimal.NewFromInt(50000)
	r := newTestRouter(t, paper, nil)

	r.HandleSignal(types.Signal{
		ID:       "sig-limit",
		Symbol:   "BTC-USD",
		Kind:     types.SignalSell,
		Quantity: decimal.RequireFromString("0.01"),
		Price:    decimal.NewFromInt(51000),
		Strategy: "grid",
	})

	if len(paper.submitted) != 1 {
		t.Fatalf("expected 1 order, got %d", len(paper.submitted))
	}
	o := paper.submitted[0]
	if o.Kind != types.Limit {
		t.Fatalf("priced signal should place a limit order, got %s", o.Kind)
	}
	if !o.LimitPrice.Equal(decimal.NewFromInt(51000)) {
		t.Fatalf("limit price = %s, want 51000", o.LimitPrice)
	}
	if o.Side != types.Sell {
		t.Fatalf("side = %s, want sell", o.Side)
	}
	if o.StrategyTag != "grid" {
		t.Fatalf("strategy tag = %q, want grid", o.StrategyTag)
	}
}

func TestHandleSignalCloseFlattensPosition(t *testing.T) {
	t.Parallel()

	paper := newFakeBackend()
	paper.marks["BTC-USD"] = decimal.NewFromInt(50000)
	paper.positions = []types.Position{{
		Symbol:   "BTC-USD",
		Side:     types.Long,
		Quantity: decimal.RequireFromString("0.4"),
	}}
	r := newTestRouter(t, paper, nil)

	r.HandleSignal(types.Signal{
		ID:       "sig-close",
		Symbol:   "BTC-USD",
		Kind:     types.SignalClose,
		Strategy: "trend",
	})

	if len(paper.submitted) != 1 {
		t.Fatalf("expected 1 close order, got %d", len(paper.submitted))
	}
	o := paper.submitted[0]
	if o.Side != types.Sell || o.Kind != types.Market {
		t.Fatalf("long position should close with a market sell, got %s %s", o.Side, o.Kind)
	}
	if !o.Quantity.Equal(decimal.RequireFromString("0.4")) {
		t.Fatalf("close quantity = %s, want 0.4", o.Quantity)
	}
}

func TestHandleSignalCancelByTag(t *testing.T) {
	t.Parallel()

	paper := newFakeBackend()
	paper.open = []types.Order{
		{ID: "a", Symbol: "BTC-USD", StrategyTag: "grid"},
		{ID: "b", Symbol: "BTC-USD", StrategyTag: "trend"},
		{ID: "c", Symbol: "ETH-USD", StrategyTag: "grid"},
	}
	r := newTestRouter(t, paper, nil)

	r.HandleSignal(types.Signal{
		ID:       "sig-cancel",
		Symbol:   "BTC-USD",
		Kind:     types.SignalCancel,
		Strategy: "grid",
	})

	if len(paper.cancelled) != 1 || paper.cancelled[0] != "a" {
		t.Fatalf("expected only order a cancelled, got %v", paper.cancelled)
	}
}

func TestSwitchModeRequiresLiveBackend(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, newFakeBackend(), nil)

	if err := r.SwitchMode(types.ModeLive); err == nil {
		t.Fatal("switching to live without a backend must fail")
	}
	if r.Mode() != types.ModePaper {
		t.Fatalf("mode = %s, want paper after refused switch", r.Mode())
	}
}

func TestSwitchModeRefusesOpenLiveOrders(t *testing.T) {
	t.Parallel()

	live := newFakeBackend()
	live.open = []types.Order{{ID: "x", State: types.OrderOpen}}
	r := newTestRouter(t, newFakeBackend(), live)

	if err := r.SwitchMode(types.ModeLive); err != nil {
		t.Fatalf("switch to live: %v", err)
	}
	if err := r.SwitchMode(types.ModePaper); err == nil {
		t.Fatal("leaving live with open orders must fail")
	}

	r.AllowSwitchWithOpenOrders(true)
	if err := r.SwitchMode(types.ModePaper); err != nil {
		t.Fatalf("switch with override: %v", err)
	}
	if r.Mode() != types.ModePaper {
		t.Fatalf("mode = %s, want paper", r.Mode())
	}
}

func TestSwitchModeUnknownTarget(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, newFakeBackend(), nil)
	if err := r.SwitchMode(types.Mode("shadow")); err == nil {
		t.Fatal("unknown mode must fail")
	}
}

func TestOnFillTripsKillSwitchAndBlocksOrders(t *testing.T) {
	t.Parallel()

	paper := newFakeBackend()
	paper.marks["BTC-USD"] = decimal.NewFromInt(50000)
	r := newTestRouter(t, paper, nil)

	// A realized loss past 5% of 100k equity trips the guard.
	r.OnFill(types.Trade{
		Symbol:      "BTC-USD",
		Side:        types.Sell,
		Quantity:    decimal.NewFromInt(1),
		Price:       decimal.NewFromInt(44000),
		RealizedPnL: decimal.NewFromInt(-6000),
		Timestamp:   time.Now(),
	})

	_, err := r.Place(types.Order{
		Symbol:   "BTC-USD",
		Side:     types.Buy,
		Kind:     types.Market,
		Quantity: decimal.RequireFromString("0.01"),
	})
	if err == nil || !strings.Contains(err.Error(), risk.ReasonKillSwitch) {
		t.Fatalf("expected kill switch rejection, got %v", err)
	}

	r.ResetKillSwitch()
	snap := r.RiskSnapshot()
	if snap.KillSwitch {
		t.Fatal("kill switch should be re-armed after reset")
	}
}
