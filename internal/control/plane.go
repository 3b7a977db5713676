// Package control wires the pipeline together and serves the operator
// HTTP API.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"flowdesk/internal/broker"
	"flowdesk/internal/bus"
	"flowdesk/internal/config"
	"flowdesk/internal/connector"
	"flowdesk/internal/metrics"
	"flowdesk/internal/ohlcv"
	"flowdesk/internal/risk"
	"flowdesk/internal/router"
	"flowdesk/internal/strategy"
	"flowdesk/internal/tsdb"
	"flowdesk/pkg/types"
)

const (
	historyTimeframe = "1m"
	historyLookback  = 24 * time.Hour
	lagSampleEvery   = 10 * time.Second
)

// Plane owns every pipeline component and their startup/shutdown order.
// Components go up source-last (stores, bus consumers, then connectors)
// and come down source-first, so nothing downstream loses data it has
// already been handed.
type Plane struct {
	cfg    *config.Config
	logger *slog.Logger

	bus      bus.Bus
	primary  tsdb.Store
	fallback tsdb.Store
	writer   *tsdb.Writer

	connectors []*connector.Connector
	publishers []*connector.Publisher
	consumer   *ohlcv.Consumer
	engine     *strategy.Engine
	broker     *broker.Broker
	guard      *risk.Guard
	router     *router.Router
	registry   *strategy.Registry
	server     *Server

	streams   []string
	startedAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the full component graph from config. Nothing is connected
// to the outside world until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Plane, error) {
	p := &Plane{
		cfg:    cfg,
		logger: logger.With("component", "control"),
	}

	var err error
	if p.bus, err = buildBus(cfg.Bus); err != nil {
		return nil, err
	}

	if cfg.TSDB.PrimaryDSN != "" {
		if p.primary, err = tsdb.NewPostgresStore(cfg.TSDB.PrimaryDSN, cfg.TSDB.FlushTimeout); err != nil {
			return nil, fmt.Errorf("primary store: %w", err)
		}
	}
	if cfg.TSDB.FallbackDSN != "" {
		if p.fallback, err = tsdb.NewPostgresStore(cfg.TSDB.FallbackDSN, cfg.TSDB.FlushTimeout); err != nil {
			return nil, fmt.Errorf("fallback store: %w", err)
		}
	}
	if p.primary != nil {
		p.writer = tsdb.NewWriter(p.primary, p.fallback, tsdb.WriterOptions{
			BatchSize:     cfg.TSDB.BatchSize,
			FlushInterval: cfg.TSDB.FlushInterval,
			FlushTimeout:  cfg.TSDB.FlushTimeout,
			MaxQueueSize:  cfg.TSDB.MaxQueueSize,
			WriteTicks:    cfg.TSDB.WriteTicks,
		}, logger)
	}

	p.guard = risk.NewGuard(limitsFromConfig(cfg.Risk),
		decimal.NewFromFloat(cfg.Broker.InitialBalance), logger)

	var brokerOpts []broker.Option
	if cfg.Broker.SnapshotAddr != "" {
		brokerOpts = append(brokerOpts,
			broker.WithSnapshotStore(broker.NewRedisSnapshotStore(cfg.Broker.SnapshotAddr, "", 0)))
	}
	var sink broker.OrderSink
	if p.writer != nil {
		sink = p.writer
	}
	p.broker = broker.New(cfg.Broker, p.bus, sink, logger, brokerOpts...)

	var live router.Backend
	if cfg.Live.BaseURL != "" && cfg.Live.ApiKey != "" {
		live = router.NewLiveBackend(cfg.Live.BaseURL, cfg.Live.ApiKey, cfg.Live.Secret, logger)
	}
	p.router = router.New(p.guard, p.broker, live, types.Mode(cfg.Mode), logger)
	p.router.AllowSwitchWithOpenOrders(cfg.Live.AllowSwitchWithOpen)

	p.engine = strategy.NewEngine(p.bus, p.router.HandleSignal, logger)

	p.registry = strategy.NewRegistry()
	p.registry.Register("grid", func() strategy.Strategy { return strategy.NewGrid(cfg.Grid) })
	p.registry.Register("trend", func() strategy.Strategy { return strategy.NewTrend(cfg.Trend) })

	timeframes := make([]ohlcv.Timeframe, 0, len(cfg.Aggregator.Timeframes))
	for _, label := range cfg.Aggregator.Timeframes {
		tf, err := ohlcv.ParseTimeframe(label)
		if err != nil {
			return nil, err
		}
		timeframes = append(timeframes, tf)
	}
	p.consumer = ohlcv.NewConsumer(p.bus, timeframes, p.onTick, p.onBar, logger)

	for _, ex := range cfg.Exchanges {
		dec, err := decoderFor(ex.Name)
		if err != nil {
			return nil, err
		}
		conn := connector.New(dec, connector.Options{
			URL:            ex.URL,
			Symbols:        ex.Symbols,
			ConnectTimeout: ex.ConnectTimeout,
			PingInterval:   ex.PingInterval,
		}, logger)
		p.connectors = append(p.connectors, conn)
		p.publishers = append(p.publishers, connector.NewPublisher(conn, p.bus, ex.PublishTimeout, logger))

		for _, sym := range ex.Symbols {
			p.streams = append(p.streams, bus.StreamName(ex.Name, sym))
		}
	}

	p.server = NewServer(cfg.Control, p, logger)
	return p, nil
}

// Start brings the pipeline up and returns once every component is
// running. ctx cancellation (or Stop) tears everything down.
func (p *Plane) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.startedAt = time.Now().UTC()

	if p.primary != nil {
		if err := p.primary.Ping(runCtx); err != nil {
			// Degraded start is allowed; the writer retries and the
			// fallback absorbs flushes meanwhile.
			p.logger.Warn("primary store unreachable at startup", "error", err)
		}
	}
	if p.fallback != nil {
		if err := p.fallback.Ping(runCtx); err != nil {
			p.logger.Warn("fallback store unreachable at startup", "error", err)
		}
	}

	if err := p.consumer.Open(runCtx, p.streams); err != nil {
		cancel()
		return fmt.Errorf("open aggregator group: %w", err)
	}
	if err := p.engine.Open(runCtx, p.streams); err != nil {
		cancel()
		return fmt.Errorf("open strategy group: %w", err)
	}
	if err := p.broker.Open(runCtx, p.streams); err != nil {
		cancel()
		return fmt.Errorf("open broker group: %w", err)
	}

	p.attachStrategies(runCtx)

	if p.writer != nil {
		go p.writer.Run(runCtx)
	}
	go p.consumer.Run(runCtx)
	go p.engine.Run(runCtx)
	go p.broker.Run(runCtx)

	p.wg.Add(1)
	go p.fanOutFills()
	p.wg.Add(1)
	go p.watchKills(runCtx)
	p.wg.Add(1)
	go p.sampleLag(runCtx)

	for _, conn := range p.connectors {
		if err := conn.Start(runCtx); err != nil {
			// The connector retries internally once connected; failing the
			// first dial is its one terminal case. Other feeds keep running.
			p.logger.Error("connector failed to start", "error", err)
			continue
		}
	}
	for _, pub := range p.publishers {
		go pub.Run(runCtx)
	}

	go func() {
		if err := p.server.Start(); err != nil {
			p.logger.Error("control server failed", "error", err)
		}
	}()

	p.logger.Info("pipeline started",
		"mode", p.router.Mode(),
		"exchanges", len(p.connectors),
		"streams", len(p.streams),
	)
	return nil
}

// Stop tears the pipeline down in reverse dependency order and blocks
// until every component has exited.
func (p *Plane) Stop() {
	p.logger.Info("pipeline stopping")

	if err := p.server.Stop(); err != nil {
		p.logger.Warn("control server shutdown", "error", err)
	}

	for _, conn := range p.connectors {
		conn.Stop()
	}
	p.cancel()
	for _, pub := range p.publishers {
		pub.Wait()
	}

	p.consumer.Wait()
	p.consumer.Drain()
	p.engine.Stop()
	p.broker.Wait()
	// All order producers are down: safe to end the fills topic so the
	// fan-out goroutine exits.
	p.broker.CloseFills()

	p.wg.Wait()

	if p.writer != nil {
		p.writer.Wait()
	}

	if err := p.bus.Close(); err != nil {
		p.logger.Warn("bus close", "error", err)
	}
	if p.primary != nil {
		_ = p.primary.Close()
	}
	if p.fallback != nil {
		_ = p.fallback.Close()
	}

	p.logger.Info("pipeline stopped")
}

// onTick persists raw ticks when tick writing is enabled.
func (p *Plane) onTick(t types.Tick) {
	if p.writer != nil {
		p.writer.AddTick(t)
	}
}

// onBar persists the closed bar and feeds it to the strategies.
func (p *Plane) onBar(b types.Bar) {
	if p.writer != nil {
		p.writer.AddBar(b)
	}
	p.engine.OnBar(b)
}

// attachStrategies builds one instance per (strategy, symbol) pair and
// seeds each with recent bars from the store.
func (p *Plane) attachStrategies(ctx context.Context) {
	for name, sc := range p.cfg.Strategies {
		if !sc.Enabled {
			continue
		}
		for _, sym := range sc.Symbols {
			strat, err := p.registry.Build(name)
			if err != nil {
				p.logger.Error("strategy not registered", "strategy", name)
				break
			}
			p.engine.AddStrategy(sym, strat, p.loadHistory(ctx, sym))
		}
	}
}

// loadHistory fetches the warm-up window, preferring the primary store.
func (p *Plane) loadHistory(ctx context.Context, symbol string) []types.Bar {
	to := time.Now().UTC()
	from := to.Add(-historyLookback)

	for _, store := range []tsdb.Store{p.primary, p.fallback} {
		if store == nil {
			continue
		}
		bars, err := store.QueryBars(ctx, symbol, historyTimeframe, from, to)
		if err != nil {
			p.logger.Warn("history load failed", "symbol", symbol, "error", err)
			continue
		}
		return bars
	}
	return nil
}

// fanOutFills forwards broker executions to the risk guard and to
// fill-aware strategies. Exits when the broker closes the fills topic.
func (p *Plane) fanOutFills() {
	defer p.wg.Done()
	for trade := range p.broker.Fills() {
		p.router.OnFill(trade)
		p.engine.OnFill(trade)
	}
}

// watchKills surfaces kill-switch activations in the log. The guard
// itself already blocks new orders; open orders and positions are left
// untouched for the operator to manage.
func (p *Plane) watchKills(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-p.guard.Kills():
			p.logger.Error("kill switch tripped, new orders blocked", "reason", reason)
		}
	}
}

// sampleLag publishes consumer-group lag to the metrics registry and
// warns past the configured watermark.
func (p *Plane) sampleLag(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(lagSampleEvery)
	defer ticker.Stop()

	groups := []string{"agg", "strategy", "broker"}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, group := range groups {
				for _, stream := range p.streams {
					lag, err := p.bus.Lag(ctx, group, stream)
					if err != nil {
						continue
					}
					metrics.BusLag.WithLabelValues(group, stream).Set(float64(lag))
					if p.cfg.Bus.LagWatermark > 0 && lag > p.cfg.Bus.LagWatermark {
						p.logger.Warn("consumer group lagging",
							"group", group, "stream", stream, "lag", lag)
					}
				}
			}
		}
	}
}

func buildBus(cfg config.BusConfig) (bus.Bus, error) {
	switch cfg.Kind {
	case "memory":
		return bus.NewMemoryBus(cfg.VisibilityTimeout), nil
	case "redis":
		return bus.NewRedisBus(context.Background(), bus.RedisOptions{
			Addr:              cfg.RedisAddr,
			Password:          cfg.RedisPassword,
			DB:                cfg.RedisDB,
			MaxStreamLen:      cfg.MaxStreamLen,
			VisibilityTimeout: cfg.VisibilityTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown bus kind %q", cfg.Kind)
	}
}

func decoderFor(name string) (connector.Decoder, error) {
	switch name {
	case "binance":
		return connector.NewBinanceDecoder(), nil
	case "coinbase":
		return connector.NewCoinbaseDecoder(), nil
	default:
		return nil, fmt.Errorf("unknown exchange %q", name)
	}
}

func limitsFromConfig(cfg config.RiskConfig) risk.Limits {
	return risk.Limits{
		DailyLossLimitPct:  decimal.NewFromFloat(cfg.DailyLossLimitPct),
		PositionLimit:      cfg.PositionLimit,
		MaxPositionSizePct: decimal.NewFromFloat(cfg.MaxPositionSizePct),
		NotionalCap:        decimal.NewFromFloat(cfg.NotionalCap),
		TotalExposurePct:   decimal.NewFromFloat(cfg.TotalExposurePct),
	}
}
