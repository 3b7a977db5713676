package connector

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"flowdesk/pkg/types"
)

// BinanceDecoder speaks the Binance combined-stream protocol. Each symbol is
// subscribed to its trade and bookTicker streams via the connection URL, so
// no subscribe message is needed.
type BinanceDecoder struct {
	// bestQuote carries the latest bookTicker bid/ask per symbol so trade
	// ticks ship with quote context.
	bestQuote map[string]binanceQuote
}

type binanceQuote struct {
	bid float64
	ask float64
}

// NewBinanceDecoder returns a decoder for Binance spot market data.
func NewBinanceDecoder() *BinanceDecoder {
	return &BinanceDecoder{bestQuote: make(map[string]binanceQuote)}
}

func (d *BinanceDecoder) Name() string { return "binance" }

// DialURL builds a combined-stream URL, e.g.
// wss://stream.binance.com:9443/stream?streams=btcusdt@trade/btcusdt@bookTicker.
func (d *BinanceDecoder) DialURL(base string, symbols []string) string {
	streams := make([]string, 0, len(symbols)*2)
	for _, s := range symbols {
		lower := strings.ToLower(s)
		streams = append(streams, lower+"@trade", lower+"@bookTicker")
	}
	return base + "/stream?streams=" + strings.Join(streams, "/")
}

// SubscribeMessage is nil: subscription rides in the URL.
func (d *BinanceDecoder) SubscribeMessage(symbols []string) interface{} { return nil }

// binanceEnvelope wraps every combined-stream frame.
type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

// binanceTrade is the @trade event payload.
type binanceTrade struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// binanceBookTicker is the @bookTicker event payload.
type binanceBookTicker struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

// Decode turns trade frames into ticks. bookTicker frames only refresh the
// cached quote and produce no tick.
func (d *BinanceDecoder) Decode(data []byte) (types.Tick, bool, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return types.Tick{}, false, fmt.Errorf("binance frame: %w", err)
	}
	if env.Error != nil {
		return types.Tick{}, false, fmt.Errorf("%w: binance code %d: %s",
			ErrSubscription, env.Error.Code, env.Error.Msg)
	}
	if env.Data == nil {
		return types.Tick{}, false, nil
	}

	switch {
	case strings.HasSuffix(env.Stream, "@bookTicker"):
		var bt binanceBookTicker
		if err := json.Unmarshal(env.Data, &bt); err != nil {
			return types.Tick{}, false, fmt.Errorf("binance bookTicker: %w", err)
		}
		bid, err1 := strconv.ParseFloat(bt.BidPrice, 64)
		ask, err2 := strconv.ParseFloat(bt.AskPrice, 64)
		if err1 != nil || err2 != nil {
			return types.Tick{}, false, fmt.Errorf("binance bookTicker quote: %q/%q", bt.BidPrice, bt.AskPrice)
		}
		d.bestQuote[bt.Symbol] = binanceQuote{bid: bid, ask: ask}
		return types.Tick{}, false, nil

	case strings.HasSuffix(env.Stream, "@trade"):
		var tr binanceTrade
		if err := json.Unmarshal(env.Data, &tr); err != nil {
			return types.Tick{}, false, fmt.Errorf("binance trade: %w", err)
		}
		price, err := strconv.ParseFloat(tr.Price, 64)
		if err != nil {
			return types.Tick{}, false, fmt.Errorf("binance trade price %q: %w", tr.Price, err)
		}
		qty, err := strconv.ParseFloat(tr.Quantity, 64)
		if err != nil {
			return types.Tick{}, false, fmt.Errorf("binance trade quantity %q: %w", tr.Quantity, err)
		}

		q := d.bestQuote[tr.Symbol]
		return types.Tick{
			Exchange:   d.Name(),
			Symbol:     tr.Symbol,
			Price:      price,
			Volume:     qty,
			Bid:        q.bid,
			Ask:        q.ask,
			SourceTime: time.UnixMilli(tr.TradeTime).UTC(),
		}, true, nil
	}

	return types.Tick{}, false, nil
}
