// Package metrics holds the pipeline's Prometheus collectors.
//
// Every component increments its counters here under stable names; the
// control plane exposes the registry on /metrics. Names are part of the
// operational contract and must not change between releases.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the pipeline-wide collector registry, served by the control plane.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	ConnectorTicks = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "connector_ticks_total",
		Help: "Ticks decoded per exchange.",
	}, []string{"exchange"})

	ConnectorDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "connector_dropped_total",
		Help: "Ticks dropped due to slow bus publish.",
	}, []string{"exchange"})

	ConnectorReconnects = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "connector_reconnects_total",
		Help: "WebSocket reconnect attempts per exchange.",
	}, []string{"exchange"})

	ConnectorDecodeErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "connector_decode_errors_total",
		Help: "Frames that failed to decode.",
	}, []string{"exchange"})

	BusPublished = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_published_total",
		Help: "Entries published to the bus per stream.",
	}, []string{"stream"})

	BusLag = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bus_lag",
		Help: "Undelivered entries per consumer group and stream.",
	}, []string{"group", "stream"})

	AggregatorBars = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "aggregator_bars_total",
		Help: "Closed bars emitted per timeframe.",
	}, []string{"timeframe"})

	AggregatorLateTicks = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "aggregator_late_ticks_total",
		Help: "Ticks discarded for arriving behind a closed bar.",
	}, []string{"exchange"})

	TSFlushes = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "ts_flush_total",
		Help: "Completed flushes per table and store.",
	}, []string{"table", "db"})

	TSWriteErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "ts_write_errors",
		Help: "Failed store writes per store.",
	}, []string{"db"})

	TSDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "ts_dropped_total",
		Help: "Records dropped at the writer buffer cap.",
	}, []string{"table"})

	TSReconnects = factory.NewCounter(prometheus.CounterOpts{
		Name: "ts_reconnects_total",
		Help: "Writer back-off retry cycles after double store failure.",
	})

	TSFlushDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ts_flush_duration_seconds",
		Help:    "Store flush latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"db"})

	StrategySignals = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "strategy_signals_total",
		Help: "Signals emitted per strategy and kind.",
	}, []string{"strategy", "kind"})

	RouterOrders = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "router_orders_total",
		Help: "Orders accepted per mode.",
	}, []string{"mode"})

	RouterRejected = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "router_rejected_total",
		Help: "Orders rejected per reason.",
	}, []string{"reason"})

	BrokerFills = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_fills_total",
		Help: "Paper fills per symbol.",
	}, []string{"symbol"})

	RiskKills = factory.NewCounter(prometheus.CounterOpts{
		Name: "risk_kills_total",
		Help: "Kill-switch activations.",
	})
)
