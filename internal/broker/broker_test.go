package broker

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"flowdesk/internal/config"
	"flowdesk/pkg/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// frictionless removes fees and slippage so PnL math is exact.
func frictionless(balance float64) config.BrokerConfig {
	return config.BrokerConfig{InitialBalance: balance}
}

func newTestBroker(t *testing.T, cfg config.BrokerConfig, seeds map[string]decimal.Decimal) *Broker {
	t.Helper()
	return New(cfg, nil, nil, slog.Default(), WithSeedPrices(seeds))
}

func marketTick(symbol string, price float64, at time.Time) types.Tick {
	return types.Tick{
		Exchange: "binance", Symbol: symbol,
		Price: price, Volume: 1, SourceTime: at,
	}
}

func submit(t *testing.T, b *Broker, o types.Order) types.Order {
	t.Helper()
	out, err := b.SubmitOrder(o)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return out
}

func TestBrokerMarketBuySlippageAndFee(t *testing.T) {
	t.Parallel()
	cfg := config.BrokerConfig{
		InitialBalance:  100000,
		TakerFeeBps:     20,
		BaseSlippageBps: 5,
		MaxSlippageBps:  50,
		ImpactFactor:    0.1,
		BookDepthUSD:    1e9, // impact negligible
	}
	b := newTestBroker(t, cfg, map[string]decimal.Decimal{"BTCUSDT": d("50000")})

	o := submit(t, b, types.Order{
		Symbol: "BTCUSDT", Side: types.Buy, Kind: types.Market, Quantity: d("1"),
	})

	if o.State != types.OrderFilled {
		t.Fatalf("state = %s, want filled", o.State)
	}
	// 5 bps against the buyer: 50000 * 1.0005.
	if !o.AvgFillPrice.Equal(d("50025")) {
		t.Errorf("fill price = %s, want 50025", o.AvgFillPrice)
	}
	// Taker 20 bps on the slipped notional.
	wantFee := d("50025").Mul(d("0.002"))
	if !o.FeesPaid.Equal(wantFee) {
		t.Errorf("fees = %s, want %s", o.FeesPaid, wantFee)
	}

	stats := b.Stats()
	wantCash := d("100000").Sub(d("50025")).Sub(wantFee)
	if !stats.Balance.Equal(wantCash) {
		t.Errorf("balance = %s, want %s", stats.Balance, wantCash)
	}
}

// Buy 1 at 50000, mark to 52000, then close half with an already-eligible
// sell limit at 51000: realized 500, half the position left at the
// original entry.
func TestBrokerPartialClose(t *testing.T) {
	t.Parallel()
	b := newTestBroker(t, frictionless(100000), map[string]decimal.Decimal{"BTCUSDT": d("50000")})
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	submit(t, b, types.Order{
		Symbol: "BTCUSDT", Side: types.Buy, Kind: types.Market, Quantity: d("1"),
	})

	b.OnTick(marketTick("BTCUSDT", 52000, now))
	positions := b.Positions()
	if len(positions) != 1 {
		t.Fatalf("got %d positions, want 1", len(positions))
	}
	if !positions[0].UnrealizedPnL.Equal(d("2000")) {
		t.Errorf("unrealized = %s, want 2000", positions[0].UnrealizedPnL)
	}

	o := submit(t, b, types.Order{
		Symbol: "BTCUSDT", Side: types.Sell, Kind: types.Limit,
		Quantity: d("0.5"), LimitPrice: d("51000"),
	})
	if o.State != types.OrderFilled {
		t.Fatalf("eligible limit state = %s, want filled", o.State)
	}
	if !o.AvgFillPrice.Equal(d("51000")) {
		t.Errorf("fill price = %s, want the limit price", o.AvgFillPrice)
	}

	stats := b.Stats()
	if !stats.RealizedPnL.Equal(d("500")) {
		t.Errorf("realized = %s, want 500", stats.RealizedPnL)
	}

	positions = b.Positions()
	if len(positions) != 1 {
		t.Fatalf("got %d positions after partial close, want 1", len(positions))
	}
	p := positions[0]
	if !p.Quantity.Equal(d("0.5")) || !p.AvgEntryPrice.Equal(d("50000")) {
		t.Errorf("remaining = %s @ %s, want 0.5 @ 50000", p.Quantity, p.AvgEntryPrice)
	}
}

func TestBrokerRestingLimitFillsAsMaker(t *testing.T) {
	t.Parallel()
	cfg := frictionless(100000)
	cfg.MakerFeeBps = 10
	b := newTestBroker(t, cfg, map[string]decimal.Decimal{"BTCUSDT": d("50000")})
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	o := submit(t, b, types.Order{
		Symbol: "BTCUSDT", Side: types.Buy, Kind: types.Limit,
		Quantity: d("1"), LimitPrice: d("49000"),
	})
	if o.State != types.OrderOpen {
		t.Fatalf("state = %s, want open (resting)", o.State)
	}

	// Price above the limit: still resting.
	b.OnTick(marketTick("BTCUSDT", 49500, now))
	if got, _ := b.GetOrder(o.ID); got.State != types.OrderOpen {
		t.Fatalf("state after non-crossing tick = %s", got.State)
	}

	// Price touches the limit: fills at the limit with maker fee.
	b.OnTick(marketTick("BTCUSDT", 49000, now.Add(time.Second)))
	got, _ := b.GetOrder(o.ID)
	if got.State != types.OrderFilled {
		t.Fatalf("state after crossing tick = %s, want filled", got.State)
	}
	if !got.AvgFillPrice.Equal(d("49000")) {
		t.Errorf("fill price = %s, want 49000", got.AvgFillPrice)
	}
	wantFee := d("49000").Mul(d("0.001"))
	if !got.FeesPaid.Equal(wantFee) {
		t.Errorf("maker fee = %s, want %s", got.FeesPaid, wantFee)
	}

	select {
	case trade := <-b.Fills():
		if trade.OrderID != o.ID {
			t.Errorf("fill order id = %s, want %s", trade.OrderID, o.ID)
		}
	default:
		t.Error("no fill published on the fills topic")
	}
}

func TestBrokerSignFlip(t *testing.T) {
	t.Parallel()
	b := newTestBroker(t, frictionless(100000), map[string]decimal.Decimal{"ETHUSDT": d("100")})

	submit(t, b, types.Order{
		Symbol: "ETHUSDT", Side: types.Buy, Kind: types.Market, Quantity: d("1"),
	})
	b.OnTick(marketTick("ETHUSDT", 110, time.Now().UTC()))
	submit(t, b, types.Order{
		Symbol: "ETHUSDT", Side: types.Sell, Kind: types.Market, Quantity: d("1.5"),
	})

	stats := b.Stats()
	if !stats.RealizedPnL.Equal(d("10")) {
		t.Errorf("realized = %s, want 10 (the covered 1.0)", stats.RealizedPnL)
	}

	positions := b.Positions()
	if len(positions) != 1 {
		t.Fatalf("got %d positions, want 1", len(positions))
	}
	p := positions[0]
	if p.Side != types.Short || !p.Quantity.Equal(d("0.5")) || !p.AvgEntryPrice.Equal(d("110")) {
		t.Errorf("flipped position = %s %s @ %s, want short 0.5 @ 110", p.Side, p.Quantity, p.AvgEntryPrice)
	}
}

// Opening a short leaves equity unchanged: the sale proceeds sitting in
// cash are offset by the buy-back liability at the mark.
func TestBrokerShortOpenEquity(t *testing.T) {
	t.Parallel()
	b := newTestBroker(t, frictionless(100000), map[string]decimal.Decimal{"ETHUSDT": d("100")})

	submit(t, b, types.Order{
		Symbol: "ETHUSDT", Side: types.Sell, Kind: types.Market, Quantity: d("1"),
	})

	stats := b.Stats()
	if !stats.Balance.Equal(d("100100")) {
		t.Errorf("balance = %s, want 100100", stats.Balance)
	}
	if !stats.Equity.Equal(d("100000")) {
		t.Errorf("equity = %s, want 100000", stats.Equity)
	}

	b.OnTick(marketTick("ETHUSDT", 90, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)))
	stats = b.Stats()
	if !stats.UnrealizedPnL.Equal(d("10")) {
		t.Errorf("unrealized = %s, want 10", stats.UnrealizedPnL)
	}
	if !stats.Equity.Equal(d("100010")) {
		t.Errorf("equity = %s, want 100010", stats.Equity)
	}
}

// cash + position value - initial balance = realized + unrealized - fees,
// at every step.
func TestBrokerCashConservation(t *testing.T) {
	t.Parallel()
	cfg := config.BrokerConfig{
		InitialBalance:  100000,
		MakerFeeBps:     10,
		TakerFeeBps:     20,
		BaseSlippageBps: 5,
		MaxSlippageBps:  50,
		ImpactFactor:    0.1,
		BookDepthUSD:    1e7,
	}
	b := newTestBroker(t, cfg, map[string]decimal.Decimal{"BTCUSDT": d("50000")})
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	initial := d("100000")

	check := func(step string) {
		t.Helper()
		stats := b.Stats()
		posValue := decimal.Zero
		for _, p := range b.Positions() {
			b.mu.Lock()
			mark := b.marks[p.Symbol]
			b.mu.Unlock()
			posValue = posValue.Add(p.SignedQuantity().Mul(mark))
		}
		lhs := stats.Balance.Add(posValue).Sub(initial)
		rhs := stats.RealizedPnL.Add(stats.UnrealizedPnL).Sub(stats.FeesPaid)
		if !lhs.Sub(rhs).Abs().LessThan(d("0.000001")) {
			t.Errorf("%s: conservation broken: lhs=%s rhs=%s", step, lhs, rhs)
		}
	}

	submit(t, b, types.Order{Symbol: "BTCUSDT", Side: types.Buy, Kind: types.Market, Quantity: d("0.5")})
	check("after market buy")

	b.OnTick(marketTick("BTCUSDT", 51000, now))
	check("after mark up")

	submit(t, b, types.Order{Symbol: "BTCUSDT", Side: types.Sell, Kind: types.Limit, Quantity: d("0.25"), LimitPrice: d("50500")})
	check("after partial limit close")

	b.OnTick(marketTick("BTCUSDT", 49500, now.Add(time.Second)))
	check("after mark down")

	submit(t, b, types.Order{Symbol: "BTCUSDT", Side: types.Sell, Kind: types.Market, Quantity: d("0.25")})
	check("after flattening")
}

func TestBrokerCancel(t *testing.T) {
	t.Parallel()
	b := newTestBroker(t, frictionless(100000), map[string]decimal.Decimal{"BTCUSDT": d("50000")})

	o := submit(t, b, types.Order{
		Symbol: "BTCUSDT", Side: types.Buy, Kind: types.Limit,
		Quantity: d("1"), LimitPrice: d("49000"),
	})

	cancelled, err := b.Cancel(o.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.State != types.OrderCancelled {
		t.Errorf("state = %s, want cancelled", cancelled.State)
	}

	if _, err := b.Cancel(o.ID); !errors.Is(err, ErrOrderTerminal) {
		t.Errorf("second cancel err = %v, want ErrOrderTerminal", err)
	}
	if _, err := b.Cancel("nope"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("unknown cancel err = %v, want ErrOrderNotFound", err)
	}

	// The cancelled order must not fill on a crossing tick.
	b.OnTick(marketTick("BTCUSDT", 48000, time.Now().UTC()))
	got, _ := b.GetOrder(o.ID)
	if got.State != types.OrderCancelled {
		t.Errorf("state after crossing tick = %s, want cancelled", got.State)
	}
}

func TestBrokerRejectsWithoutMarketData(t *testing.T) {
	t.Parallel()
	b := newTestBroker(t, frictionless(100000), nil)

	o, err := b.SubmitOrder(types.Order{
		Symbol: "BTCUSDT", Side: types.Buy, Kind: types.Market, Quantity: d("1"),
	})
	if !errors.Is(err, ErrNoMarketData) {
		t.Fatalf("err = %v, want ErrNoMarketData", err)
	}
	if o.State != types.OrderRejected {
		t.Errorf("state = %s, want rejected", o.State)
	}
}

func TestBrokerInsufficientBalance(t *testing.T) {
	t.Parallel()
	b := newTestBroker(t, frictionless(100), map[string]decimal.Decimal{"BTCUSDT": d("50000")})

	o, err := b.SubmitOrder(types.Order{
		Symbol: "BTCUSDT", Side: types.Buy, Kind: types.Market, Quantity: d("1"),
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if o.State != types.OrderRejected {
		t.Errorf("state = %s, want rejected", o.State)
	}
}

func TestBrokerStopOrder(t *testing.T) {
	t.Parallel()
	b := newTestBroker(t, frictionless(100000), map[string]decimal.Decimal{"BTCUSDT": d("50000")})
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	submit(t, b, types.Order{
		Symbol: "BTCUSDT", Side: types.Buy, Kind: types.Market, Quantity: d("1"),
	})

	stop := submit(t, b, types.Order{
		Symbol: "BTCUSDT", Side: types.Sell, Kind: types.Stop,
		Quantity: d("1"), StopPrice: d("48000"),
	})
	if stop.State != types.OrderOpen {
		t.Fatalf("stop state = %s, want open", stop.State)
	}

	// Above the stop: nothing.
	b.OnTick(marketTick("BTCUSDT", 49000, now))
	if got, _ := b.GetOrder(stop.ID); got.State != types.OrderOpen {
		t.Fatalf("stop fired early: %s", got.State)
	}

	// Through the stop: market fill.
	b.OnTick(marketTick("BTCUSDT", 47900, now.Add(time.Second)))
	got, _ := b.GetOrder(stop.ID)
	if got.State != types.OrderFilled {
		t.Fatalf("stop state after trigger = %s, want filled", got.State)
	}
	if !got.AvgFillPrice.Equal(d("47900")) {
		t.Errorf("stop fill price = %s, want 47900 (no slippage configured)", got.AvgFillPrice)
	}
}
