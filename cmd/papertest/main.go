// papertest runs the whole pipeline against a synthetic price feed and
// grades the result. It wires the in-memory bus, the aggregator, both
// strategies, the risk guard, and the paper broker exactly as flowd does,
// replacing the exchange connectors with a seeded random-walk generator.
//
// Exit status: 0 when the run ends with positive net PnL and a win rate
// of at least 52%, 1 otherwise. Intended for CI and parameter sweeps.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"flowdesk/internal/broker"
	"flowdesk/internal/bus"
	"flowdesk/internal/config"
	"flowdesk/internal/ohlcv"
	"flowdesk/internal/risk"
	"flowdesk/internal/router"
	"flowdesk/internal/strategy"
	"flowdesk/pkg/types"
)

const (
	simExchange  = "sim"
	startPrice   = 50000.0
	tickStep     = 250 * time.Millisecond
	drainTimeout = 30 * time.Second
	minWinRate   = 0.52
)

func main() {
	var (
		ticks  = flag.Int("ticks", 200000, "number of synthetic ticks to generate")
		seed   = flag.Int64("seed", 42, "random seed for the price walk")
		symbol = flag.String("symbol", "BTCUSDT", "simulated symbol")
		level  = flag.String("log-level", "warn", "log level: debug, info, warn, error")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(*level),
	}))

	ok, err := run(logger, *ticks, *seed, *symbol)
	if err != nil {
		logger.Error("papertest failed", "error", err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(1)
	}
}

func run(logger *slog.Logger, ticks int, seed int64, symbol string) (bool, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initialBalance := 100000.0
	brokerCfg := config.BrokerConfig{
		InitialBalance:  initialBalance,
		MakerFeeBps:     2,
		TakerFeeBps:     5,
		BaseSlippageBps: 1,
		MaxSlippageBps:  20,
		ImpactFactor:    1,
		BookDepthUSD:    5000000,
	}

	b := bus.NewMemoryBus(30 * time.Second)
	stream := bus.StreamName(simExchange, symbol)
	streams := []string{stream}

	guard := risk.NewGuard(risk.Limits{
		DailyLossLimitPct:  decimal.NewFromInt(20),
		PositionLimit:      10,
		MaxPositionSizePct: decimal.NewFromInt(50),
		TotalExposurePct:   decimal.NewFromInt(200),
	}, decimal.NewFromFloat(initialBalance), logger)

	brk := broker.New(brokerCfg, b, nil, logger)
	rt := router.New(guard, brk, nil, types.ModePaper, logger)
	engine := strategy.NewEngine(b, rt.HandleSignal, logger)

	timeframes := make([]ohlcv.Timeframe, 0, 2)
	for _, label := range []string{"1s", "1m"} {
		tf, err := ohlcv.ParseTimeframe(label)
		if err != nil {
			return false, err
		}
		timeframes = append(timeframes, tf)
	}
	consumer := ohlcv.NewConsumer(b, timeframes, func(types.Tick) {}, engine.OnBar, logger)

	engine.AddStrategy(symbol, strategy.NewGrid(config.GridConfig{
		BaseQuantityUSD:    200,
		GridStepPct:        0.25,
		GridLevels:         4,
		TakeProfitPct:      0.6,
		MaxInventory:       0.5,
		Cooldown:           5 * time.Second,
		RebalanceThreshold: 0.8,
	}), nil)
	engine.AddStrategy(symbol, strategy.NewTrend(config.TrendConfig{
		FastMA:            9,
		SlowMA:            21,
		VolFilterPeriod:   5,
		StopPct:           1.0,
		TrailingPct:       0.6,
		ATRMultiplier:     2.0,
		RegimeThreshold:   0.002,
		KellyFraction:     0.5,
		MinWinProbability: 0.5,
		MaxPositionUSD:    5000,
	}), nil)

	// Consumer groups must exist before the first publish so nothing is
	// missed with a latest-start cursor.
	if err := consumer.Open(ctx, streams); err != nil {
		return false, err
	}
	if err := engine.Open(ctx, streams); err != nil {
		return false, err
	}
	if err := brk.Open(ctx, streams); err != nil {
		return false, err
	}

	go consumer.Run(ctx)
	go engine.Run(ctx)
	go brk.Run(ctx)

	var fanout sync.WaitGroup
	fanout.Add(1)
	go func() {
		defer fanout.Done()
		for trade := range brk.Fills() {
			rt.OnFill(trade)
			engine.OnFill(trade)
		}
	}()

	logger.Info("generating ticks", "count", ticks, "seed", seed, "symbol", symbol)
	if err := generate(ctx, b, stream, symbol, ticks, seed); err != nil {
		return false, err
	}

	if err := drain(ctx, b, streams); err != nil {
		logger.Warn("drain incomplete", "error", err)
	}

	cancel()
	consumer.Wait()
	consumer.Drain()
	engine.Stop()
	brk.Wait()
	brk.CloseFills()
	fanout.Wait()

	stats := brk.Stats()
	netPnL := stats.Equity.Sub(decimal.NewFromFloat(initialBalance))

	fmt.Printf("ticks:        %d\n", ticks)
	fmt.Printf("fills:        %d\n", stats.TotalFills)
	fmt.Printf("wins/losses:  %d/%d\n", stats.Wins, stats.Losses)
	fmt.Printf("win rate:     %.2f%%\n", stats.WinRate*100)
	fmt.Printf("fees paid:    %s\n", stats.FeesPaid.StringFixed(2))
	fmt.Printf("realized pnl: %s\n", stats.RealizedPnL.StringFixed(2))
	fmt.Printf("net pnl:      %s\n", netPnL.StringFixed(2))

	passed := netPnL.IsPositive() && stats.WinRate >= minWinRate
	if passed {
		fmt.Println("result:       PASS")
	} else {
		fmt.Println("result:       FAIL")
	}
	return passed, nil
}

// generate publishes a seeded mean-reverting random walk. The anchor
// drifts through slow sine cycles so both the grid (reversion) and the
// trend strategy (sustained moves) see their regimes.
func generate(ctx context.Context, b bus.Bus, stream, symbol string, ticks int, seed int64) error {
	rng := rand.New(rand.NewSource(seed))
	price := startPrice
	now := time.Now().UTC().Truncate(time.Minute)

	for i := 0; i < ticks; i++ {
		anchor := startPrice * (1 + 0.03*math.Sin(2*math.Pi*float64(i)/40000))
		reversion := 0.0005 * (anchor - price) / price
		noise := 0.0004 * rng.NormFloat64()
		price *= 1 + reversion + noise
		if price < 1 {
			price = 1
		}

		spread := price * 0.0002
		at := now.Add(time.Duration(i) * tickStep)
		tick := types.Tick{
			Exchange:   simExchange,
			Symbol:     symbol,
			Price:      price,
			Volume:     0.05 + rng.Float64()*0.5,
			Bid:        price - spread/2,
			Ask:        price + spread/2,
			SourceTime: at,
			IngestTime: at,
		}
		if _, err := b.Publish(ctx, stream, tick); err != nil {
			return fmt.Errorf("publish tick %d: %w", i, err)
		}
	}
	return nil
}

// drain waits until every consumer group has caught up on every stream.
func drain(ctx context.Context, b bus.Bus, streams []string) error {
	groups := []string{"agg", "strategy", "broker"}
	deadline := time.Now().Add(drainTimeout)

	for time.Now().Before(deadline) {
		caught := true
		for _, group := range groups {
			for _, stream := range streams {
				lag, err := b.Lag(ctx, group, stream)
				if err != nil || lag > 0 {
					caught = false
				}
			}
		}
		if caught {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("consumers still lagging after %s", drainTimeout)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
