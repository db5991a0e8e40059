package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderAction represents buy or sell.
type OrderAction string

const (
	Buy  OrderAction = "BUY"
	Sell OrderAction = "SELL"
)

// Opposite returns the reversing action.
func (a OrderAction) Opposite() OrderAction {
	if a == Buy {
		return Sell
	}
	return Buy
}

// PriceType represents the order pricing mode.
type PriceType string

const (
	Market PriceType = "MARKET"
	Limit  PriceType = "LIMIT"
	SL     PriceType = "SL"   // Stop-Loss limit
	SLM    PriceType = "SL-M" // Stop-Loss market
)

// Product represents the product type.
type Product string

const (
	CNC  Product = "CNC"  // Cash and Carry (delivery, settles T+1)
	MIS  Product = "MIS"  // Margin Intraday Square-off
	NRML Product = "NRML" // Normal (positional F&O)
)

// OrderStatus represents the current state of an order.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderComplete  OrderStatus = "complete"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderComplete || s == OrderCancelled || s == OrderRejected
}

// OrderRequest is a draft submitted for placement.
type OrderRequest struct {
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange"`
	Action       OrderAction     `json:"action"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price,omitempty"`         // for LIMIT and SL orders
	TriggerPrice decimal.Decimal `json:"trigger_price,omitempty"` // for SL and SL-M orders
	PriceType    PriceType       `json:"price_type"`
	Product      Product         `json:"product"`
	Strategy     string          `json:"strategy,omitempty"`
}

// OrderChanges carries the modifiable fields of an open order.
// Zero values mean "leave unchanged".
type OrderChanges struct {
	Quantity     int64           `json:"quantity,omitempty"`
	Price        decimal.Decimal `json:"price,omitempty"`
	TriggerPrice decimal.Decimal `json:"trigger_price,omitempty"`
	PriceType    PriceType       `json:"price_type,omitempty"`
}

// Order is a placed order. Once the status is terminal the record is
// immutable except for idempotent re-writes of the same values.
type Order struct {
	OrderID         string          `json:"orderid"`
	UserID          string          `json:"user_id"`
	Symbol          string          `json:"symbol"`
	Exchange        string          `json:"exchange"`
	Action          OrderAction     `json:"action"`
	Quantity        int64           `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	TriggerPrice    decimal.Decimal `json:"trigger_price"`
	PriceType       PriceType       `json:"price_type"`
	Product         Product         `json:"product"`
	Status          OrderStatus     `json:"order_status"`
	FilledQuantity  int64           `json:"filled_quantity"`
	PendingQuantity int64           `json:"pending_quantity"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	MarginBlocked   decimal.Decimal `json:"margin_blocked"`
	Strategy        string          `json:"strategy,omitempty"`
	OrderTimestamp  time.Time       `json:"order_timestamp"`
	UpdateTimestamp time.Time       `json:"update_timestamp"`
}

// SignedQuantity returns +quantity for BUY and -quantity for SELL.
func (o *Order) SignedQuantity() int64 {
	if o.Action == Sell {
		return -o.Quantity
	}
	return o.Quantity
}

// Trade records a fill. Exactly one trade is produced when an order
// transitions to complete; it is immutable afterwards.
type Trade struct {
	TradeID        string          `json:"tradeid"`
	OrderID        string          `json:"orderid"`
	UserID         string          `json:"user_id"`
	Symbol         string          `json:"symbol"`
	Exchange       string          `json:"exchange"`
	Action         OrderAction     `json:"action"`
	Quantity       int64           `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	Product        Product         `json:"product"`
	TradeTimestamp time.Time       `json:"trade_timestamp"`
}
