package api

import (
	"github.com/shopspring/decimal"

	"github.com/edniaj/centralised-exchange/pkg/book"
)

// ==============================
// REST Response Types
// ==============================

// BookSnapshot is both sides of one symbol's book, best price first.
type BookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []book.Level `json:"bids"` // high to low
	Asks      []book.Level `json:"asks"` // low to high
	Timestamp int64        `json:"timestamp"` // Unix milliseconds
}

type BestPrice struct {
	Symbol string          `json:"symbol"`
	Side   book.Side       `json:"side"`
	Price  decimal.Decimal `json:"price"`
	Level  book.Level      `json:"level"`
}

type UserOrders struct {
	UserID string       `json:"userId"`
	Orders []book.Order `json:"orders"`
}

type Health struct {
	Status     string `json:"status"` // "ok" or "inconsistent"
	OpenOrders int    `json:"openOrders"`
	Error      string `json:"error,omitempty"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// REST Request Types
// ==============================

// FillRequest is the payload for POST /api/v1/fills, sent by the matching
// engine when part of a resting order trades.
type FillRequest struct {
	OrderID  string          `json:"orderId"`
	Quantity decimal.Decimal `json:"quantity"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["book:AAPL"]
}

// WSAck confirms a subscribe or unsubscribe request.
type WSAck struct {
	Type     string   `json:"type"` // "subscribed" or "unsubscribed"
	Channels []string `json:"channels"`
}

// LevelUpdate is broadcast on "book:{symbol}" whenever an order event changes
// a price level. A level that emptied has OrderCount 0.
type LevelUpdate struct {
	Type          string          `json:"type"` // "level"
	Event         string          `json:"event"`
	OrderID       string          `json:"orderId"`
	Symbol        string          `json:"symbol"`
	Side          book.Side       `json:"side"`
	Price         decimal.Decimal `json:"price"`
	TotalQuantity decimal.Decimal `json:"totalQuantity"`
	OrderCount    int             `json:"orderCount"`
	Timestamp     int64           `json:"timestamp"`
}

func bookChannel(symbol string) string { return "book:" + symbol }
