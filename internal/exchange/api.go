package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Account is one currency balance row.
type Account struct {
	Currency     string `json:"currency"`
	Balance      string `json:"balance"`
	Locked       string `json:"locked"`
	AvgBuyPrice  string `json:"avg_buy_price"`
	UnitCurrency string `json:"unit_currency"`
}

// OrderChance reports per-market order constraints.
type OrderChance struct {
	BidFee string `json:"bid_fee"`
	AskFee string `json:"ask_fee"`
	Market struct {
		ID    string   `json:"id"`
		State string   `json:"state"`
		Bid   struct {
			Currency string `json:"currency"`
			MinTotal string `json:"min_total"`
		} `json:"bid"`
		Ask struct {
			Currency string `json:"currency"`
			MinTotal string `json:"min_total"`
		} `json:"ask"`
		MaxTotal   string   `json:"max_total"`
		OrderSides []string `json:"order_sides"`
	} `json:"market"`
}

// Order is the exchange-side order record.
type Order struct {
	UUID            string `json:"uuid"`
	Side            string `json:"side"`
	OrdType         string `json:"ord_type"`
	Price           string `json:"price"`
	State           string `json:"state"`
	Market          string `json:"market"`
	CreatedAt       string `json:"created_at"`
	Volume          string `json:"volume"`
	RemainingVolume string `json:"remaining_volume"`
	ExecutedVolume  string `json:"executed_volume"`
	PaidFee         string `json:"paid_fee"`
	Identifier      string `json:"identifier"`
}

// Terminal reports whether the order reached a final exchange state.
func (o Order) Terminal() bool {
	return o.State == "done" || o.State == "cancel"
}

// OrderRequest is the order placement payload. Price and Volume are decimal
// strings; exactly one is empty depending on ord_type.
type OrderRequest struct {
	Market     string
	Side       string
	Volume     string
	Price      string
	OrdType    string
	Identifier string
}

func (r OrderRequest) values() url.Values {
	params := url.Values{}
	params.Set("market", r.Market)
	params.Set("side", r.Side)
	params.Set("ord_type", r.OrdType)
	if r.Volume != "" {
		params.Set("volume", r.Volume)
	}
	if r.Price != "" {
		params.Set("price", r.Price)
	}
	if r.Identifier != "" {
		params.Set("identifier", r.Identifier)
	}
	return params
}

// Ticker is one public trade snapshot.
type Ticker struct {
	Market            string  `json:"market"`
	TradePrice        float64 `json:"trade_price"`
	Timestamp         int64   `json:"timestamp"`
	AccTradeVolume24h float64 `json:"acc_trade_volume_24h"`
}

// OrderbookUnit is one price level pair.
type OrderbookUnit struct {
	AskPrice float64 `json:"ask_price"`
	BidPrice float64 `json:"bid_price"`
	AskSize  float64 `json:"ask_size"`
	BidSize  float64 `json:"bid_size"`
}

// Orderbook is one public depth snapshot.
type Orderbook struct {
	Market    string          `json:"market"`
	Timestamp int64           `json:"timestamp"`
	Units     []OrderbookUnit `json:"orderbook_units"`
}

// GetAccounts lists authenticated account balances.
func (c *Client) GetAccounts(ctx context.Context) ([]Account, CallResult, error) {
	result, err := c.do(ctx, http.MethodGet, "/v1/accounts", nil, true)
	if err != nil {
		return nil, result, err
	}
	var accounts []Account
	if unmarshalErr := json.Unmarshal(result.Body, &accounts); unmarshalErr != nil {
		return nil, result, fmt.Errorf("decode accounts: %w", unmarshalErr)
	}
	return accounts, result, nil
}

// GetOrdersChance fetches per-market order constraints.
func (c *Client) GetOrdersChance(ctx context.Context, market string) (*OrderChance, CallResult, error) {
	params := url.Values{}
	params.Set("market", market)
	result, err := c.do(ctx, http.MethodGet, "/v1/orders/chance", params, true)
	if err != nil {
		return nil, result, err
	}
	var chance OrderChance
	if unmarshalErr := json.Unmarshal(result.Body, &chance); unmarshalErr != nil {
		return nil, result, fmt.Errorf("decode orders chance: %w", unmarshalErr)
	}
	return &chance, result, nil
}

// OrderTest validates an order without placing it.
func (c *Client) OrderTest(ctx context.Context, req OrderRequest) (CallResult, error) {
	return c.do(ctx, http.MethodPost, "/v1/orders/test", req.values(), true)
}

// CreateOrder places a real order.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*Order, CallResult, error) {
	result, err := c.do(ctx, http.MethodPost, "/v1/orders", req.values(), true)
	if err != nil {
		return nil, result, err
	}
	var order Order
	if unmarshalErr := json.Unmarshal(result.Body, &order); unmarshalErr != nil {
		return nil, result, fmt.Errorf("decode created order: %w", unmarshalErr)
	}
	return &order, result, nil
}

// GetOrder fetches one order by exchange uuid.
func (c *Client) GetOrder(ctx context.Context, orderUUID string) (*Order, CallResult, error) {
	params := url.Values{}
	params.Set("uuid", orderUUID)
	result, err := c.do(ctx, http.MethodGet, "/v1/order", params, true)
	if err != nil {
		return nil, result, err
	}
	var order Order
	if unmarshalErr := json.Unmarshal(result.Body, &order); unmarshalErr != nil {
		return nil, result, fmt.Errorf("decode order: %w", unmarshalErr)
	}
	return &order, result, nil
}

// ListOpenOrders lists wait-state orders for one market.
func (c *Client) ListOpenOrders(ctx context.Context, market string) ([]Order, CallResult, error) {
	params := url.Values{}
	params.Set("market", market)
	params.Set("state", "wait")
	result, err := c.do(ctx, http.MethodGet, "/v1/orders", params, true)
	if err != nil {
		return nil, result, err
	}
	var orders []Order
	if unmarshalErr := json.Unmarshal(result.Body, &orders); unmarshalErr != nil {
		return nil, result, fmt.Errorf("decode open orders: %w", unmarshalErr)
	}
	return orders, result, nil
}

// GetTicker fetches the public trade snapshot for one market.
func (c *Client) GetTicker(ctx context.Context, market string) (*Ticker, error) {
	params := url.Values{}
	params.Set("markets", market)
	result, err := c.do(ctx, http.MethodGet, "/v1/ticker", params, false)
	if err != nil {
		return nil, err
	}
	var tickers []Ticker
	if unmarshalErr := json.Unmarshal(result.Body, &tickers); unmarshalErr != nil {
		return nil, fmt.Errorf("decode ticker: %w", unmarshalErr)
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("empty ticker response for %s", market)
	}
	return &tickers[0], nil
}

// GetOrderbook fetches the public depth snapshot for one market.
func (c *Client) GetOrderbook(ctx context.Context, market string) (*Orderbook, error) {
	params := url.Values{}
	params.Set("markets", market)
	result, err := c.do(ctx, http.MethodGet, "/v1/orderbook", params, false)
	if err != nil {
		return nil, err
	}
	var books []Orderbook
	if unmarshalErr := json.Unmarshal(result.Body, &books); unmarshalErr != nil {
		return nil, fmt.Errorf("decode orderbook: %w", unmarshalErr)
	}
	if len(books) == 0 {
		return nil, fmt.Errorf("empty orderbook response for %s", market)
	}
	return &books[0], nil
}
