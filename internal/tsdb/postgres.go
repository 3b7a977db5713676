package tsdb

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"flowdesk/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS ticks (
    ts          TIMESTAMPTZ      NOT NULL,
    exchange    TEXT             NOT NULL,
    symbol      TEXT             NOT NULL,
    price       DOUBLE PRECISION NOT NULL,
    volume      DOUBLE PRECISION NOT NULL,
    bid         DOUBLE PRECISION,
    ask         DOUBLE PRECISION
);
CREATE INDEX IF NOT EXISTS ticks_symbol_ts_idx ON ticks (symbol, ts DESC);

CREATE TABLE IF NOT EXISTS ohlcv (
    bar_start   TIMESTAMPTZ      NOT NULL,
    exchange    TEXT             NOT NULL,
    symbol      TEXT             NOT NULL,
    timeframe   TEXT             NOT NULL,
    open        DOUBLE PRECISION NOT NULL,
    high        DOUBLE PRECISION NOT NULL,
    low         DOUBLE PRECISION NOT NULL,
    close       DOUBLE PRECISION NOT NULL,
    volume      DOUBLE PRECISION NOT NULL,
    trade_count BIGINT           NOT NULL,
    vwap        DOUBLE PRECISION NOT NULL,
    UNIQUE (exchange, symbol, timeframe, bar_start)
);
CREATE INDEX IF NOT EXISTS ohlcv_symbol_tf_ts_idx ON ohlcv (symbol, timeframe, bar_start DESC);

CREATE TABLE IF NOT EXISTS paper_orders (
    id             TEXT PRIMARY KEY,
    symbol         TEXT           NOT NULL,
    side           TEXT           NOT NULL,
    kind           TEXT           NOT NULL,
    quantity       NUMERIC(32,12) NOT NULL,
    limit_price    NUMERIC(32,12),
    stop_price     NUMERIC(32,12),
    state          TEXT           NOT NULL,
    filled_qty     NUMERIC(32,12) NOT NULL,
    avg_fill_price NUMERIC(32,12) NOT NULL,
    fees_paid      NUMERIC(32,12) NOT NULL,
    strategy_tag   TEXT,
    created_at     TIMESTAMPTZ    NOT NULL,
    updated_at     TIMESTAMPTZ    NOT NULL
);
`

// hypertable conversion is attempted and ignored when the Timescale
// extension is absent; plain indexed tables still satisfy the query surface.
var hypertables = []string{
	`SELECT create_hypertable('ticks', 'ts', if_not_exists => TRUE)`,
	`SELECT create_hypertable('ohlcv', 'bar_start', if_not_exists => TRUE)`,
}

// PostgresStore persists to Postgres (or TimescaleDB when available).
type PostgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresStore opens the DSN. Connectivity is checked by Ping, not here.
func NewPostgresStore(dsn string, timeout time.Duration) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrStoreDown, err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresStore{db: db, timeout: timeout}, nil
}

// Ping verifies connectivity and bootstraps the schema.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrStoreDown, err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: schema: %v", ErrStoreDown, err)
	}
	for _, q := range hypertables {
		s.db.ExecContext(ctx, q)
	}
	return nil
}

// WriteTicks inserts the batch in one transaction.
func (s *PostgresStore) WriteTicks(ctx context.Context, ticks []types.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStoreDown, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ticks (ts, exchange, symbol, price, volume, bid, ask)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		return fmt.Errorf("%w: prepare ticks: %v", ErrStoreDown, err)
	}
	defer stmt.Close()

	for _, t := range ticks {
		if _, err := stmt.ExecContext(ctx, t.SourceTime, t.Exchange, t.Symbol,
			t.Price, t.Volume, nullIfZero(t.Bid), nullIfZero(t.Ask)); err != nil {
			return fmt.Errorf("%w: insert tick: %v", ErrStoreDown, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit ticks: %v", ErrStoreDown, err)
	}
	return nil
}

// WriteBars inserts the batch in one transaction. Replayed bars (same key)
// are ignored so at-least-once delivery upstream stays idempotent here.
func (s *PostgresStore) WriteBars(ctx context.Context, bars []types.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStoreDown, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ohlcv (bar_start, exchange, symbol, timeframe,
		                   open, high, low, close, volume, trade_count, vwap)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (exchange, symbol, timeframe, bar_start) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("%w: prepare bars: %v", ErrStoreDown, err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, b.Start, b.Exchange, b.Symbol, b.Timeframe,
			b.Open, b.High, b.Low, b.Close, b.Volume, b.Count, b.VWAP); err != nil {
			return fmt.Errorf("%w: insert bar: %v", ErrStoreDown, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit bars: %v", ErrStoreDown, err)
	}
	return nil
}

// WriteOrders upserts paper orders by ID so state transitions overwrite
// earlier snapshots of the same order.
func (s *PostgresStore) WriteOrders(ctx context.Context, orders []types.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStoreDown, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO paper_orders (id, symbol, side, kind, quantity, limit_price,
		                          stop_price, state, filled_qty, avg_fill_price,
		                          fees_paid, strategy_tag, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			filled_qty = EXCLUDED.filled_qty,
			avg_fill_price = EXCLUDED.avg_fill_price,
			fees_paid = EXCLUDED.fees_paid,
			updated_at = EXCLUDED.updated_at`)
	if err != nil {
		return fmt.Errorf("%w: prepare orders: %v", ErrStoreDown, err)
	}
	defer stmt.Close()

	for _, o := range orders {
		if _, err := stmt.ExecContext(ctx, o.ID, o.Symbol, o.Side, o.Kind,
			o.Quantity, o.LimitPrice, o.StopPrice, o.State, o.FilledQty,
			o.AvgFillPrice, o.FeesPaid, o.StrategyTag, o.CreatedAt, o.UpdatedAt); err != nil {
			return fmt.Errorf("%w: upsert order %s: %v", ErrStoreDown, o.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit orders: %v", ErrStoreDown, err)
	}
	return nil
}

// QueryBars scans bars for (symbol, timeframe) in [from, to) ascending.
func (s *PostgresStore) QueryBars(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]types.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, `
		SELECT bar_start, exchange, symbol, timeframe,
		       open, high, low, close, volume, trade_count, vwap
		FROM ohlcv
		WHERE symbol = $1 AND timeframe = $2 AND bar_start >= $3 AND bar_start < $4
		ORDER BY bar_start ASC`, symbol, timeframe, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: query bars: %v", ErrStoreDown, err)
	}
	defer rows.Close()

	var bars []types.Bar
	for rows.Next() {
		var b types.Bar
		if err := rows.Scan(&b.Start, &b.Exchange, &b.Symbol, &b.Timeframe,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Count, &b.VWAP); err != nil {
			return nil, fmt.Errorf("%w: scan bar: %v", ErrStoreDown, err)
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", ErrStoreDown, err)
	}
	return bars, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func nullIfZero(v float64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}
