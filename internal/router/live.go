package router

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"flowdesk/internal/broker"
	"flowdesk/pkg/types"
)

const (
	liveTimeout    = 10 * time.Second
	liveRetries    = 3
	liveRetryWait  = 500 * time.Millisecond
	liveMaxBackoff = 5 * time.Second
)

// LiveBackend executes orders against an exchange REST API with
// HMAC-signed requests. Exercised only when mode is live and credentials
// are configured.
type LiveBackend struct {
	http   *resty.Client
	apiKey string
	secret string
	logger *slog.Logger
}

// NewLiveBackend builds the REST adapter. 5xx responses and transport
// errors are retried with backoff before surfacing.
func NewLiveBackend(baseURL, apiKey, secret string, logger *slog.Logger) *LiveBackend {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(liveTimeout).
		SetRetryCount(liveRetries).
		SetRetryWaitTime(liveRetryWait).
		SetRetryMaxWaitTime(liveMaxBackoff).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	return &LiveBackend{
		http:   client,
		apiKey: apiKey,
		secret: secret,
		logger: logger.With("component", "live"),
	}
}

// liveOrder is the exchange wire shape for orders.
type liveOrder struct {
	ID         string `json:"id,omitempty"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Kind       string `json:"type"`
	Quantity   string `json:"quantity"`
	LimitPrice string `json:"limit_price,omitempty"`
	StopPrice  string `json:"stop_price,omitempty"`
	State      string `json:"state,omitempty"`
	FilledQty  string `json:"filled_qty,omitempty"`
	AvgPrice   string `json:"avg_price,omitempty"`
	ClientID   string `json:"client_id,omitempty"`
}

func (l *LiveBackend) SubmitOrder(order types.Order) (types.Order, error) {
	body := liveOrder{
		Symbol:   order.Symbol,
		Side:     string(order.Side),
		Kind:     string(order.Kind),
		Quantity: order.Quantity.String(),
		ClientID: order.ClientID,
	}
	if order.LimitPrice.IsPositive() {
		body.LimitPrice = order.LimitPrice.String()
	}
	if order.StopPrice.IsPositive() {
		body.StopPrice = order.StopPrice.String()
	}

	var out liveOrder
	if err := l.do(http.MethodPost, "/orders", body, &out); err != nil {
		order.State = types.OrderRejected
		return order, err
	}
	return l.toOrder(out, order), nil
}

func (l *LiveBackend) Cancel(orderID string) (types.Order, error) {
	var out liveOrder
	if err := l.do(http.MethodDelete, "/orders/"+orderID, nil, &out); err != nil {
		return types.Order{}, err
	}
	return l.toOrder(out, types.Order{ID: orderID}), nil
}

func (l *LiveBackend) GetOrder(orderID string) (types.Order, error) {
	var out liveOrder
	if err := l.do(http.MethodGet, "/orders/"+orderID, nil, &out); err != nil {
		return types.Order{}, err
	}
	return l.toOrder(out, types.Order{ID: orderID}), nil
}

func (l *LiveBackend) OpenOrders() []types.Order {
	var out []liveOrder
	if err := l.do(http.MethodGet, "/orders?status=open", nil, &out); err != nil {
		l.logger.Warn("open orders fetch failed", "error", err)
		return nil
	}
	orders := make([]types.Order, 0, len(out))
	for _, lo := range out {
		orders = append(orders, l.toOrder(lo, types.Order{}))
	}
	return orders
}

func (l *LiveBackend) Positions() []types.Position {
	var out []struct {
		Symbol   string `json:"symbol"`
		Side     string `json:"side"`
		Quantity string `json:"quantity"`
		AvgEntry string `json:"avg_entry_price"`
	}
	if err := l.do(http.MethodGet, "/positions", nil, &out); err != nil {
		l.logger.Warn("positions fetch failed", "error", err)
		return nil
	}

	positions := make([]types.Position, 0, len(out))
	for _, p := range out {
		positions = append(positions, types.Position{
			Symbol:        p.Symbol,
			Side:          types.PositionSide(p.Side),
			Quantity:      parseDecimal(p.Quantity),
			AvgEntryPrice: parseDecimal(p.AvgEntry),
		})
	}
	return positions
}

func (l *LiveBackend) Stats() broker.Stats {
	var out struct {
		Balance     string `json:"balance"`
		Equity      string `json:"equity"`
		RealizedPnL string `json:"realized_pnl"`
	}
	if err := l.do(http.MethodGet, "/account", nil, &out); err != nil {
		l.logger.Warn("account fetch failed", "error", err)
		return broker.Stats{}
	}
	return broker.Stats{
		Balance:     parseDecimal(out.Balance),
		Equity:      parseDecimal(out.Equity),
		RealizedPnL: parseDecimal(out.RealizedPnL),
	}
}

func (l *LiveBackend) MarkPrice(symbol string) (decimal.Decimal, bool) {
	var out struct {
		Price string `json:"price"`
	}
	if err := l.do(http.MethodGet, "/ticker/"+symbol, nil, &out); err != nil {
		return decimal.Zero, false
	}
	price := parseDecimal(out.Price)
	return price, price.IsPositive()
}

// do sends one signed request and decodes the response body into out.
func (l *LiveBackend) do(method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("live request encode: %w", err)
		}
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req := l.http.R().
		SetHeader("X-API-Key", l.apiKey).
		SetHeader("X-Timestamp", ts).
		SetHeader("X-Signature", l.sign(ts, method, path, payload))
	if payload != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(payload)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("live %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("live %s %s: status %d: %s", method, path, resp.StatusCode(), resp.String())
	}
	return nil
}

func (l *LiveBackend) sign(ts, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(l.secret))
	mac.Write([]byte(ts))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// toOrder folds the wire order onto the local one, keeping local fields
// the exchange does not echo.
func (l *LiveBackend) toOrder(lo liveOrder, base types.Order) types.Order {
	o := base
	if lo.ID != "" {
		o.ID = lo.ID
	}
	if lo.Symbol != "" {
		o.Symbol = lo.Symbol
	}
	if lo.Side != "" {
		o.Side = types.Side(lo.Side)
	}
	if lo.Kind != "" {
		o.Kind = types.OrderKind(lo.Kind)
	}
	if lo.Quantity != "" {
		o.Quantity = parseDecimal(lo.Quantity)
	}
	if lo.LimitPrice != "" {
		o.LimitPrice = parseDecimal(lo.LimitPrice)
	}
	if lo.State != "" {
		o.State = types.OrderState(lo.State)
	}
	if lo.FilledQty != "" {
		o.FilledQty = parseDecimal(lo.FilledQty)
	}
	if lo.AvgPrice != "" {
		o.AvgFillPrice = parseDecimal(lo.AvgPrice)
	}
	o.UpdatedAt = time.Now().UTC()
	return o
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
