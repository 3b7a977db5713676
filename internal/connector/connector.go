// Package connector maintains WebSocket market-data sessions, one per
// exchange, and decodes incoming frames into normalized ticks.
//
// Each Connector owns a single session. It auto-reconnects with exponential
// backoff (1s base, factor 2, 30s cap, full jitter) and re-subscribes on
// reconnection. A read deadline of two ping intervals ensures silent server
// failures are detected. Decoded ticks are delivered on Ticks(); when the
// consumer falls behind, the oldest buffered tick is dropped rather than
// back-pressuring the socket.
//
// Network and decode errors are counted and logged, never surfaced to the
// tick consumer. Subscription rejections are terminal: the tick stream is
// closed with the error available from Err().
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"flowdesk/internal/metrics"
	"flowdesk/pkg/types"
)

const (
	defaultPingInterval = 30 * time.Second
	writeTimeout        = 10 * time.Second
	tickBufferSize      = 1024
	backoffBase         = time.Second
	backoffCap          = 30 * time.Second
)

// ErrConnect is returned by Start when the initial handshake does not
// complete within the configured deadline.
var ErrConnect = errors.New("connector: initial connect failed")

// ErrSubscription marks a terminal subscription rejection from the exchange.
var ErrSubscription = errors.New("connector: subscription rejected")

// Decoder translates one exchange's wire protocol.
type Decoder interface {
	// Name is the exchange identifier stamped on every tick.
	Name() string
	// DialURL builds the WebSocket URL for the subscribed symbols.
	DialURL(base string, symbols []string) string
	// SubscribeMessage returns the JSON payload to send after connecting,
	// or nil when subscription is carried in the URL.
	SubscribeMessage(symbols []string) interface{}
	// Decode parses a frame. ok is false for frames that are not ticks
	// (heartbeats, acks). A wrapped ErrSubscription is terminal.
	Decode(data []byte) (tick types.Tick, ok bool, err error)
}

// Options tunes one connector session.
type Options struct {
	URL            string
	Symbols        []string
	ConnectTimeout time.Duration
	PingInterval   time.Duration
}

// Connector maintains the session for one exchange.
type Connector struct {
	dec    Decoder
	opts   Options
	logger *slog.Logger

	tickCh chan types.Tick
	conn   *websocket.Conn
	connMu sync.Mutex

	// lastTS clamps source timestamps to be monotone non-decreasing per
	// symbol within one session. Reset on reconnect.
	lastTS map[string]time.Time

	cancel  context.CancelFunc
	done    chan struct{}
	errMu   sync.Mutex
	termErr error
}

// New creates a connector for the given exchange decoder.
func New(dec Decoder, opts Options, logger *slog.Logger) *Connector {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &Connector{
		dec:    dec,
		opts:   opts,
		logger: logger.With("component", "connector", "exchange", dec.Name()),
		tickCh: make(chan types.Tick, tickBufferSize),
		lastTS: make(map[string]time.Time),
		done:   make(chan struct{}),
	}
}

// Ticks returns the stream of decoded ticks. The channel is closed after
// Stop, or on a terminal subscription error (see Err).
func (c *Connector) Ticks() <-chan types.Tick { return c.tickCh }

// Err returns the terminal error that closed the tick stream, if any.
func (c *Connector) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.termErr
}

// Start establishes the session. The initial handshake must complete within
// ConnectTimeout or Start fails with ErrConnect; afterwards the session is
// maintained in the background with auto-reconnect.
func (c *Connector) Start(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	conn, err := c.dial(dialCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnect, c.dec.Name(), err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	c.cancel = runCancel

	go c.run(runCtx, conn)
	return nil
}

// Stop gracefully closes the session. No tick is emitted after it returns.
// Safe to call when Start never succeeded.
func (c *Connector) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	<-c.done
}

// run owns the reconnect loop. The first connection is handed in by Start.
func (c *Connector) run(ctx context.Context, conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.tickCh)

	backoff := backoffBase
	for {
		err := c.readSession(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrSubscription) {
			c.setTerminal(err)
			c.logger.Error("subscription rejected, stream terminated", "error", err)
			return
		}

		metrics.ConnectorReconnects.WithLabelValues(c.dec.Name()).Inc()
		// Full jitter: sleep a uniform random duration up to the backoff.
		wait := time.Duration(rand.Int63n(int64(backoff)))
		c.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", wait,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}

		conn, err = c.dial(ctx)
		if err != nil {
			c.logger.Warn("reconnect dial failed", "error", err)
			conn = nil
			continue
		}
		backoff = backoffBase
	}
}

func (c *Connector) dial(ctx context.Context) (*websocket.Conn, error) {
	url := c.dec.DialURL(c.opts.URL, c.opts.Symbols)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	if msg := c.dec.SubscribeMessage(c.opts.Symbols); msg != nil {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	// Fresh session: timestamp monotonicity restarts, partial state is gone.
	c.lastTS = make(map[string]time.Time)

	c.logger.Info("websocket connected")
	return conn, nil
}

// readSession reads frames until the connection dies or ctx is cancelled.
func (c *Connector) readSession(ctx context.Context, conn *websocket.Conn) error {
	if conn == nil {
		return fmt.Errorf("no connection")
	}
	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	readTimeout := 2 * c.opts.PingInterval

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		tick, ok, err := c.dec.Decode(data)
		if err != nil {
			if errors.Is(err, ErrSubscription) {
				return err
			}
			metrics.ConnectorDecodeErrors.WithLabelValues(c.dec.Name()).Inc()
			c.logger.Debug("decode error, frame dropped", "error", err)
			continue
		}
		if !ok {
			continue
		}

		c.emit(tick)
	}
}

// emit validates, clamps timestamps, and delivers the tick, dropping the
// oldest buffered tick when the consumer is behind.
func (c *Connector) emit(tick types.Tick) {
	if err := tick.Validate(); err != nil {
		metrics.ConnectorDecodeErrors.WithLabelValues(c.dec.Name()).Inc()
		c.logger.Debug("invalid tick dropped", "error", err)
		return
	}

	if last, ok := c.lastTS[tick.Symbol]; ok && tick.SourceTime.Before(last) {
		tick.SourceTime = last
	}
	c.lastTS[tick.Symbol] = tick.SourceTime
	tick.IngestTime = time.Now().UTC()

	metrics.ConnectorTicks.WithLabelValues(c.dec.Name()).Inc()

	select {
	case c.tickCh <- tick:
	default:
		// Consumer is behind: shed the oldest tick, keep the socket hot.
		select {
		case <-c.tickCh:
			metrics.ConnectorDropped.WithLabelValues(c.dec.Name()).Inc()
		default:
		}
		select {
		case c.tickCh <- tick:
		default:
			metrics.ConnectorDropped.WithLabelValues(c.dec.Name()).Inc()
		}
	}
}

func (c *Connector) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Connector) setTerminal(err error) {
	c.errMu.Lock()
	c.termErr = err
	c.errMu.Unlock()
}
