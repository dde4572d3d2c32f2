// Package gateway owns connectivity to the trading gateway: the websocket
// session protocol, per-slot connection managers with heartbeat and reconnection,
// and the fixed-size connection pool.
package gateway

import (
	"encoding/json"
	"time"

	"trading-gateway-core/internal/orders"
)

// Operations understood by the gateway session endpoint
const (
	OpHello          = "hello"
	OpCurrentTime    = "current_time"
	OpNextOrderID    = "next_order_id"
	OpPlaceOrder     = "place_order"
	OpCancelOrder    = "cancel_order"
	OpOpenOrders     = "open_orders"
	OpAccountSummary = "account_summary"
)

// Envelope types
const (
	MsgRequest    = "request"
	MsgResponse   = "response"
	MsgError      = "error"
	MsgDisconnect = "disconnect"
)

// Envelope is the frame exchanged over the session websocket. Responses echo the
// request id; unsolicited errors and disconnect notices carry no id.
type Envelope struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Op      string          `json:"op,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// WireError is a gateway error code and message
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type HelloRequest struct {
	ClientID int    `json:"client_id"`
	Account  string `json:"account,omitempty"`
	Token    string `json:"token,omitempty"`
}

type HelloResponse struct {
	ServerVersion int      `json:"server_version"`
	Accounts      []string `json:"accounts"`
}

type CurrentTimeResponse struct {
	Time int64 `json:"time"` // unix seconds
}

type NextOrderIDResponse struct {
	OrderID int64 `json:"order_id"`
}

type PlaceOrderRequest struct {
	Order    WireOrder `json:"order"`
	Transmit bool      `json:"transmit"`
}

type PlaceOrderResponse struct {
	OrderID int64  `json:"order_id"`
	Status  string `json:"status"`
}

type CancelOrderRequest struct {
	OrderID int64 `json:"order_id"`
}

type OpenOrdersResponse struct {
	Orders []WireOrder `json:"orders"`
}

// AccountSummary is the portfolio snapshot used by the risk gate
type AccountSummary struct {
	Account        string     `json:"account"`
	NetLiquidation float64    `json:"net_liquidation"`
	BuyingPower    float64    `json:"buying_power"`
	Positions      []Position `json:"positions"`
}

// Position is a held position as reported by the gateway
type Position struct {
	Symbol        string  `json:"symbol"`
	SecType       string  `json:"sec_type"`
	Quantity      float64 `json:"quantity"`
	AvgCost       float64 `json:"avg_cost"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// WireContract is the instrument part of a gateway order
type WireContract struct {
	Symbol   string   `json:"symbol"`
	SecType  string   `json:"secType"`
	Right    string   `json:"right,omitempty"`
	Strike   *float64 `json:"strike,omitempty"`
	Expiry   string   `json:"lastTradeDateOrContractMonth,omitempty"`
	Exchange string   `json:"exchange,omitempty"`
	Currency string   `json:"currency,omitempty"`
}

// WireOrder mirrors the gateway's order object. AuxPrice carries the stop price,
// the trailing amount or the peg offset depending on the order type.
type WireOrder struct {
	OrderID         int64        `json:"orderId"`
	ParentID        int64        `json:"parentId,omitempty"`
	OcaGroup        string       `json:"ocaGroup,omitempty"`
	Action          string       `json:"action"`
	TotalQuantity   float64      `json:"totalQuantity"`
	OrderType       string       `json:"orderType"`
	LmtPrice        *float64     `json:"lmtPrice,omitempty"`
	AuxPrice        *float64     `json:"auxPrice,omitempty"`
	TrailingPercent *float64     `json:"trailingPercent,omitempty"`
	TrailStopPrice  *float64     `json:"trailStopPrice,omitempty"`
	TIF             string       `json:"tif,omitempty"`
	GoodAfterTime   string       `json:"goodAfterTime,omitempty"`
	GoodTillDate    string       `json:"goodTillDate,omitempty"`
	Status          string       `json:"status,omitempty"`
	Filled          float64      `json:"filled"`
	Remaining       float64      `json:"remaining"`
	AvgFillPrice    float64      `json:"avgFillPrice"`
	Contract        WireContract `json:"contract"`
}

const (
	secTypeStock  = "STK"
	secTypeOption = "OPT"
)

// ToWire converts an order into the gateway representation
func ToWire(o *orders.Order) WireOrder {
	w := WireOrder{
		OrderID:       o.OrderID,
		OcaGroup:      o.OcaGroup,
		Action:        o.Action,
		TotalQuantity: o.Quantity,
		OrderType:     o.OrderType,
		LmtPrice:      o.LimitPrice,
		TIF:           o.TimeInForce,
		GoodAfterTime: o.GoodAfterTime,
		GoodTillDate:  o.GoodTillDate,
		Contract: WireContract{
			Symbol:   o.Symbol,
			SecType:  secTypeStock,
			Exchange: "SMART",
			Currency: "USD",
		},
	}
	if o.ParentID != nil {
		w.ParentID = *o.ParentID
	}

	switch {
	case orders.IsTrailing(o.OrderType):
		w.AuxPrice = o.TrailAmount
		w.TrailingPercent = o.TrailPercent
		w.TrailStopPrice = o.StopPrice
	case orders.RequiresOffset(o.OrderType):
		w.AuxPrice = o.OffsetAmount
	default:
		w.AuxPrice = o.StopPrice
	}

	if o.AssetType == orders.AssetOption {
		w.Contract.SecType = secTypeOption
		w.Contract.Right = o.OptionRight
		w.Contract.Strike = o.Strike
		w.Contract.Expiry = o.Expiry
	}
	return w
}

// FromWire converts a gateway order into the local model. Strings pass through
// verbatim; only the aux price is split back into its typed field.
func FromWire(w WireOrder, now time.Time) *orders.Order {
	o := &orders.Order{
		OrderID:           w.OrderID,
		Symbol:            w.Contract.Symbol,
		Action:            w.Action,
		Quantity:          w.TotalQuantity,
		OrderType:         w.OrderType,
		LimitPrice:        w.LmtPrice,
		TimeInForce:       w.TIF,
		GoodAfterTime:     w.GoodAfterTime,
		GoodTillDate:      w.GoodTillDate,
		Status:            orders.Status(w.Status),
		FilledQuantity:    w.Filled,
		RemainingQuantity: w.Remaining,
		AvgFillPrice:      w.AvgFillPrice,
		OcaGroup:          w.OcaGroup,
		AssetType:         orders.AssetStock,
		UpdatedAt:         now,
	}
	if w.ParentID != 0 {
		o.ParentID = orders.Int64(w.ParentID)
	}

	switch {
	case orders.IsTrailing(w.OrderType):
		o.TrailAmount = w.AuxPrice
		o.TrailPercent = w.TrailingPercent
		o.StopPrice = w.TrailStopPrice
	case orders.RequiresOffset(w.OrderType):
		o.OffsetAmount = w.AuxPrice
	default:
		o.StopPrice = w.AuxPrice
	}

	if w.Contract.SecType == secTypeOption {
		o.AssetType = orders.AssetOption
		o.OptionRight = w.Contract.Right
		o.Strike = w.Contract.Strike
		o.Expiry = w.Contract.Expiry
	}
	return o
}
