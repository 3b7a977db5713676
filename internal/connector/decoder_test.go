package connector

import (
	"errors"
	"testing"
	"time"
)

func TestBinanceDecodeTrade(t *testing.T) {
	t.Parallel()
	d := NewBinanceDecoder()

	// Quote arrives first, trade inherits it.
	quote := []byte(`{"stream":"btcusdt@bookTicker","data":{"s":"BTCUSDT","b":"50000.10","B":"2","a":"50000.30","A":"1.5"}}`)
	if _, ok, err := d.Decode(quote); ok || err != nil {
		t.Fatalf("bookTicker: ok=%v err=%v, want no tick and no error", ok, err)
	}

	trade := []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","p":"50000.25","q":"0.004","T":1700000000123}}`)
	tick, ok, err := d.Decode(trade)
	if err != nil {
		t.Fatalf("trade decode: %v", err)
	}
	if !ok {
		t.Fatal("trade frame produced no tick")
	}
	if tick.Exchange != "binance" || tick.Symbol != "BTCUSDT" {
		t.Errorf("identity = %s/%s", tick.Exchange, tick.Symbol)
	}
	if tick.Price != 50000.25 || tick.Volume != 0.004 {
		t.Errorf("price/volume = %v/%v", tick.Price, tick.Volume)
	}
	if tick.Bid != 50000.10 || tick.Ask != 50000.30 {
		t.Errorf("quote context = %v/%v, want cached bookTicker values", tick.Bid, tick.Ask)
	}
	if want := time.UnixMilli(1700000000123).UTC(); !tick.SourceTime.Equal(want) {
		t.Errorf("source time = %v, want %v", tick.SourceTime, want)
	}
}

func TestBinanceDecodeErrorFrame(t *testing.T) {
	t.Parallel()
	d := NewBinanceDecoder()

	_, _, err := d.Decode([]byte(`{"error":{"code":2,"msg":"Invalid request"}}`))
	if !errors.Is(err, ErrSubscription) {
		t.Fatalf("err = %v, want ErrSubscription", err)
	}
}

func TestBinanceDecodeMalformed(t *testing.T) {
	t.Parallel()
	d := NewBinanceDecoder()

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"bad trade price", `{"stream":"btcusdt@trade","data":{"s":"BTCUSDT","p":"??","q":"1","T":1}}`},
		{"bad quote", `{"stream":"btcusdt@bookTicker","data":{"s":"BTCUSDT","b":"x","a":"y"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := d.Decode([]byte(tt.raw))
			if err == nil {
				t.Fatal("want decode error")
			}
			if ok {
				t.Fatal("malformed frame must not produce a tick")
			}
			if errors.Is(err, ErrSubscription) {
				t.Fatal("decode error must not be terminal")
			}
		})
	}
}

func TestBinanceDialURL(t *testing.T) {
	t.Parallel()
	d := NewBinanceDecoder()
	got := d.DialURL("wss://stream.binance.com:9443", []string{"BTCUSDT", "ETHUSDT"})
	want := "wss://stream.binance.com:9443/stream?streams=btcusdt@trade/btcusdt@bookTicker/ethusdt@trade/ethusdt@bookTicker"
	if got != want {
		t.Errorf("DialURL = %s, want %s", got, want)
	}
}

func TestCoinbaseDecodeMatch(t *testing.T) {
	t.Parallel()
	d := NewCoinbaseDecoder()

	ticker := []byte(`{"type":"ticker","product_id":"BTC-USD","best_bid":"50100.00","best_ask":"50100.50","price":"50100.25"}`)
	if _, ok, err := d.Decode(ticker); ok || err != nil {
		t.Fatalf("ticker: ok=%v err=%v, want no tick and no error", ok, err)
	}

	match := []byte(`{"type":"match","product_id":"BTC-USD","price":"50100.25","size":"0.01","time":"2023-11-14T22:13:20.123456Z"}`)
	tick, ok, err := d.Decode(match)
	if err != nil {
		t.Fatalf("match decode: %v", err)
	}
	if !ok {
		t.Fatal("match produced no tick")
	}
	if tick.Exchange != "coinbase" || tick.Symbol != "BTC-USD" {
		t.Errorf("identity = %s/%s", tick.Exchange, tick.Symbol)
	}
	if tick.Price != 50100.25 || tick.Volume != 0.01 {
		t.Errorf("price/volume = %v/%v", tick.Price, tick.Volume)
	}
	if tick.Bid != 50100.00 || tick.Ask != 50100.50 {
		t.Errorf("quote context = %v/%v", tick.Bid, tick.Ask)
	}
}

func TestCoinbaseSkipsNonTickFrames(t *testing.T) {
	t.Parallel()
	d := NewCoinbaseDecoder()

	for _, raw := range []string{
		`{"type":"subscriptions","channels":[]}`,
		`{"type":"heartbeat","product_id":"BTC-USD"}`,
	} {
		if _, ok, err := d.Decode([]byte(raw)); ok || err != nil {
			t.Errorf("frame %s: ok=%v err=%v, want skipped", raw, ok, err)
		}
	}
}

func TestCoinbaseErrorIsTerminal(t *testing.T) {
	t.Parallel()
	d := NewCoinbaseDecoder()

	_, _, err := d.Decode([]byte(`{"type":"error","message":"Failed to subscribe","reason":"BTC-XYZ is not a valid product"}`))
	if !errors.Is(err, ErrSubscription) {
		t.Fatalf("err = %v, want ErrSubscription", err)
	}
}

func TestCoinbaseSubscribeMessage(t *testing.T) {
	t.Parallel()
	d := NewCoinbaseDecoder()
	msg, ok := d.SubscribeMessage([]string{"BTC-USD"}).(map[string]interface{})
	if !ok {
		t.Fatal("subscribe message is not a map")
	}
	if msg["type"] != "subscribe" {
		t.Errorf("type = %v", msg["type"])
	}
}
