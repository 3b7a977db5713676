package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestOrderStateTransitions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from OrderState
		to   OrderState
		ok   bool
	}{
		{OrderPending, OrderOpen, true},
		{OrderPending, OrderRejected, true},
		{OrderPending, OrderFilled, false},
		{OrderOpen, OrderPartiallyFilled, true},
		{OrderOpen, OrderFilled, true},
		{OrderOpen, OrderCancelled, true},
		{OrderOpen, OrderRejected, false},
		{OrderPartiallyFilled, OrderFilled, true},
		{OrderPartiallyFilled, OrderCancelled, true},
		{OrderPartiallyFilled, OrderOpen, false},
		{OrderFilled, OrderCancelled, false},
		{OrderCancelled, OrderOpen, false},
		{OrderRejected, OrderOpen, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestOrderApplyFill(t *testing.T) {
	t.Parallel()
	now := time.Now()
	o := Order{
		ID:       "o1",
		Symbol:   "BTC/USDT",
		Side:     Buy,
		Kind:     Limit,
		Quantity: d("2"),
		State:    OrderOpen,
	}

	if err := o.ApplyFill(d("0.5"), d("100"), d("0.1"), now); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if o.State != OrderPartiallyFilled {
		t.Errorf("state = %s, want %s", o.State, OrderPartiallyFilled)
	}
	if !o.AvgFillPrice.Equal(d("100")) {
		t.Errorf("avg fill price = %s, want 100", o.AvgFillPrice)
	}

	if err := o.ApplyFill(d("1.5"), d("110"), d("0.2"), now); err != nil {
		t.Fatalf("second fill: %v", err)
	}
	if o.State != OrderFilled {
		t.Errorf("state = %s, want %s", o.State, OrderFilled)
	}
	// (100*0.5 + 110*1.5) / 2 = 107.5
	if !o.AvgFillPrice.Equal(d("107.5")) {
		t.Errorf("avg fill price = %s, want 107.5", o.AvgFillPrice)
	}
	if !o.FeesPaid.Equal(d("0.3")) {
		t.Errorf("fees = %s, want 0.3", o.FeesPaid)
	}

	// Overfill must be refused.
	if err := o.ApplyFill(d("0.1"), d("110"), decimal.Zero, now); err == nil {
		t.Error("expected error on fill past quantity")
	}
}

func TestPositionFlatInvariant(t *testing.T) {
	t.Parallel()
	now := time.Now()
	p := NewPosition("ETH/USDT")

	if p.Side != Flat || !p.Quantity.IsZero() {
		t.Fatalf("new position not flat: %+v", p)
	}

	p.ApplyFill(Buy, d("1"), d("2000"), decimal.Zero, now)
	if p.Side != Long {
		t.Errorf("side = %s, want long", p.Side)
	}

	p.ApplyFill(Sell, d("1"), d("2100"), decimal.Zero, now)
	if p.Side != Flat || !p.Quantity.IsZero() {
		t.Errorf("position should be flat after full close: %+v", p)
	}
	if !p.RealizedPnL.Equal(d("100")) {
		t.Errorf("realized = %s, want 100", p.RealizedPnL)
	}
}

func TestPositionWeightedEntry(t *testing.T) {
	t.Parallel()
	now := time.Now()
	p := NewPosition("BTC/USDT")

	p.ApplyFill(Buy, d("1"), d("50000"), decimal.Zero, now)
	p.ApplyFill(Buy, d("1"), d("52000"), decimal.Zero, now)

	if !p.AvgEntryPrice.Equal(d("51000")) {
		t.Errorf("avg entry = %s, want 51000", p.AvgEntryPrice)
	}
	if !p.Quantity.Equal(d("2")) {
		t.Errorf("quantity = %s, want 2", p.Quantity)
	}
}

func TestPositionFlip(t *testing.T) {
	t.Parallel()
	now := time.Now()
	p := NewPosition("BTC/USDT")

	p.ApplyFill(Buy, d("1"), d("50000"), decimal.Zero, now)
	realized := p.ApplyFill(Sell, d("1.5"), d("51000"), decimal.Zero, now)

	// 1.0 closed at +1000, 0.5 reopens short at 51000.
	if !realized.Equal(d("1000")) {
		t.Errorf("realized = %s, want 1000", realized)
	}
	if p.Side != Short {
		t.Errorf("side = %s, want short", p.Side)
	}
	if !p.Quantity.Equal(d("0.5")) {
		t.Errorf("quantity = %s, want 0.5", p.Quantity)
	}
	if !p.AvgEntryPrice.Equal(d("51000")) {
		t.Errorf("avg entry = %s, want 51000", p.AvgEntryPrice)
	}
}

func TestPositionShortMarkToMarket(t *testing.T) {
	t.Parallel()
	now := time.Now()
	p := NewPosition("BTC/USDT")

	p.ApplyFill(Sell, d("2"), d("50000"), decimal.Zero, now)
	p.MarkToMarket(d("49000"))

	if !p.UnrealizedPnL.Equal(d("2000")) {
		t.Errorf("unrealized = %s, want 2000", p.UnrealizedPnL)
	}
}

func TestTickValidateAndMid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		tick    Tick
		wantErr bool
		wantMid float64
	}{
		{"valid with quotes", Tick{Price: 100, Volume: 1, Bid: 99, Ask: 101}, false, 100},
		{"valid trade only", Tick{Price: 100, Volume: 0}, false, 100},
		{"zero price", Tick{Price: 0, Volume: 1}, true, 0},
		{"negative volume", Tick{Price: 100, Volume: -1}, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tick.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.tick.Mid() != tt.wantMid {
				t.Errorf("Mid() = %v, want %v", tt.tick.Mid(), tt.wantMid)
			}
		})
	}
}
