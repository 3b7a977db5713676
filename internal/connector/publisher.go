package connector

import (
	"context"
	"log/slog"
	"time"

	"flowdesk/internal/bus"
	"flowdesk/internal/metrics"
)

// Publisher pumps a connector's tick stream onto the bus. A slow or
// unavailable broker never back-pressures the socket: each publish gets a
// bounded timeout and failures drop the tick with a counter bump.
type Publisher struct {
	conn    *Connector
	bus     bus.Bus
	timeout time.Duration
	logger  *slog.Logger
	done    chan struct{}
}

// NewPublisher wires a connector to the bus. timeout bounds each publish;
// zero means 100ms.
func NewPublisher(conn *Connector, b bus.Bus, timeout time.Duration, logger *slog.Logger) *Publisher {
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return &Publisher{
		conn:    conn,
		bus:     b,
		timeout: timeout,
		logger:  logger.With("component", "publisher", "exchange", conn.dec.Name()),
		done:    make(chan struct{}),
	}
}

// Run consumes ticks until the connector's stream closes or ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-p.conn.Ticks():
			if !ok {
				return
			}
			pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
			_, err := p.bus.Publish(pubCtx, bus.StreamName(tick.Exchange, tick.Symbol), tick)
			cancel()
			if err != nil {
				metrics.ConnectorDropped.WithLabelValues(tick.Exchange).Inc()
				p.logger.Warn("publish failed, tick dropped",
					"symbol", tick.Symbol,
					"error", err,
				)
			}
		}
	}
}

// Wait blocks until Run has returned.
func (p *Publisher) Wait() { <-p.done }
