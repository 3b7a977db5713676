package connector

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"flowdesk/pkg/types"
)

// CoinbaseDecoder speaks the Coinbase Exchange WebSocket feed. Subscription
// is an explicit message on the matches and ticker channels.
type CoinbaseDecoder struct {
	bestQuote map[string]coinbaseQuote
}

type coinbaseQuote struct {
	bid float64
	ask float64
}

// NewCoinbaseDecoder returns a decoder for the Coinbase match feed.
func NewCoinbaseDecoder() *CoinbaseDecoder {
	return &CoinbaseDecoder{bestQuote: make(map[string]coinbaseQuote)}
}

func (d *CoinbaseDecoder) Name() string { return "coinbase" }

func (d *CoinbaseDecoder) DialURL(base string, symbols []string) string { return base }

func (d *CoinbaseDecoder) SubscribeMessage(symbols []string) interface{} {
	return map[string]interface{}{
		"type":        "subscribe",
		"product_ids": symbols,
		"channels":    []string{"matches", "ticker"},
	}
}

// coinbaseMessage covers the match, ticker, and error message shapes. The
// feed tags every message with a type field.
type coinbaseMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Time      string `json:"time"`
	Message   string `json:"message"`
	Reason    string `json:"reason"`
}

// Decode turns match messages into ticks. Ticker messages refresh the cached
// quote; subscriptions acks and heartbeats are skipped; an error message is
// terminal.
func (d *CoinbaseDecoder) Decode(data []byte) (types.Tick, bool, error) {
	var msg coinbaseMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return types.Tick{}, false, fmt.Errorf("coinbase frame: %w", err)
	}

	switch msg.Type {
	case "error":
		return types.Tick{}, false, fmt.Errorf("%w: coinbase: %s (%s)",
			ErrSubscription, msg.Message, msg.Reason)

	case "ticker":
		bid, err1 := strconv.ParseFloat(msg.BestBid, 64)
		ask, err2 := strconv.ParseFloat(msg.BestAsk, 64)
		if err1 != nil || err2 != nil {
			return types.Tick{}, false, fmt.Errorf("coinbase ticker quote: %q/%q", msg.BestBid, msg.BestAsk)
		}
		d.bestQuote[msg.ProductID] = coinbaseQuote{bid: bid, ask: ask}
		return types.Tick{}, false, nil

	case "match", "last_match":
		price, err := strconv.ParseFloat(msg.Price, 64)
		if err != nil {
			return types.Tick{}, false, fmt.Errorf("coinbase match price %q: %w", msg.Price, err)
		}
		size, err := strconv.ParseFloat(msg.Size, 64)
		if err != nil {
			return types.Tick{}, false, fmt.Errorf("coinbase match size %q: %w", msg.Size, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, msg.Time)
		if err != nil {
			return types.Tick{}, false, fmt.Errorf("coinbase match time %q: %w", msg.Time, err)
		}

		q := d.bestQuote[msg.ProductID]
		return types.Tick{
			Exchange:   d.Name(),
			Symbol:     msg.ProductID,
			Price:      price,
			Volume:     size,
			Bid:        q.bid,
			Ask:        q.ask,
			SourceTime: ts.UTC(),
		}, true, nil
	}

	// subscriptions ack, heartbeat, anything unknown
	return types.Tick{}, false, nil
}
