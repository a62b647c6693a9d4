package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/stockledger/pkg/app/core/account"
	"github.com/uhyunpark/stockledger/pkg/app/core/history"
	"github.com/uhyunpark/stockledger/pkg/app/core/quote"
)

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Request Types (form encoded)
// ==============================

type instrumentQuery struct {
	InstrumentID string `schema:"instrument_identifier,required"`
}

type quoteRequest struct {
	InstrumentID string          `schema:"instrument_identifier,required"`
	Price        decimal.Decimal `schema:"price,required"`
	Timestamp    string          `schema:"timestamp"` // RFC3339, empty = server time
}

type credentialsRequest struct {
	Username string `schema:"username,required"`
	Password string `schema:"password,required"`
	Email    string `schema:"email"`
}

type createUserRequest struct {
	AdminID  string `schema:"admin_id,required"`
	Username string `schema:"username,required"`
	Password string `schema:"password,required"`
	Email    string `schema:"email"`
	Role     string `schema:"role"` // "user" (default) or "admin"
}

type userStatusRequest struct {
	AdminID string `schema:"admin_id,required"`
	UserID  string `schema:"user_id,required"`
}

type adminQuery struct {
	AdminID string `schema:"admin_id,required"`
}

type orderRequest struct {
	UserID       string `schema:"user_id,required"`
	InstrumentID string `schema:"instrument_identifier,required"`
	Quantity     int64  `schema:"quantity,required"`
}

type watchlistRequest struct {
	Watchlist []string `schema:"watchlist,required"` // repeated or comma separated
}

// ==============================
// REST Response Types
// ==============================

// LTPResponse keeps the field names existing clients already parse
type LTPResponse struct {
	InstrumentIdentifier string          `json:"InstrumentIdentifier"`
	LastTradePrice       decimal.Decimal `json:"LastTradePrice"`
}

type InstrumentsResponse struct {
	InstrumentIdentifiers []string `json:"instrumentIdentifiers"`
}

// QuoteInfo is the full quote of one instrument
type QuoteInfo struct {
	InstrumentIdentifier string          `json:"instrumentIdentifier"`
	LastTradePrice       decimal.Decimal `json:"lastTradePrice"`
	Open                 decimal.Decimal `json:"open"`
	High                 decimal.Decimal `json:"high"`
	Low                  decimal.Decimal `json:"low"`
	PrevPrice            decimal.Decimal `json:"prevPrice"`
	Change               decimal.Decimal `json:"change"`
	UpdateCount          int64           `json:"updateCount"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

func quoteInfo(q quote.Quote) QuoteInfo {
	return QuoteInfo{
		InstrumentIdentifier: q.InstrumentID,
		LastTradePrice:       q.LastTradePrice,
		Open:                 q.Open,
		High:                 q.High,
		Low:                  q.Low,
		PrevPrice:            q.PrevPrice,
		Change:               q.Change(),
		UpdateCount:          q.UpdateCount,
		UpdatedAt:            q.UpdatedAt,
	}
}

// AccountInfo is the public view of an account (no password hash)
type AccountInfo struct {
	UserID    string           `json:"userId"`
	Username  string           `json:"username"`
	Email     string           `json:"email,omitempty"`
	Role      string           `json:"role"`
	Status    string           `json:"status"`
	Balance   decimal.Decimal  `json:"balance"`
	Holdings  map[string]int64 `json:"holdings"`
	CreatedAt time.Time        `json:"createdAt"`
}

func accountInfo(a *account.Account) AccountInfo {
	return AccountInfo{
		UserID:    a.ID,
		Username:  a.Username,
		Email:     a.Email,
		Role:      a.Role.String(),
		Status:    a.Status.String(),
		Balance:   a.Balance,
		Holdings:  a.Holdings,
		CreatedAt: a.CreatedAt,
	}
}

// OrderInfo represents an executed order
type OrderInfo struct {
	ID                   string          `json:"id"`
	UserID               string          `json:"userId"`
	InstrumentIdentifier string          `json:"instrumentIdentifier"`
	Side                 string          `json:"side"` // "buy" or "sell"
	Quantity             int64           `json:"quantity"`
	Price                decimal.Decimal `json:"price"`
	Total                decimal.Decimal `json:"total"`
	Status               string          `json:"status"`
	Timestamp            int64           `json:"timestamp"` // Unix milliseconds
}

func orderInfo(o history.Order) OrderInfo {
	return OrderInfo{
		ID:                   o.ID,
		UserID:               o.UserID,
		InstrumentIdentifier: o.InstrumentID,
		Side:                 o.Side.String(),
		Quantity:             o.Quantity,
		Price:                o.Price,
		Total:                o.Total,
		Status:               o.Status.String(),
		Timestamp:            o.Timestamp.UnixMilli(),
	}
}

func orderInfos(orders []history.Order) []OrderInfo {
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = orderInfo(o)
	}
	return out
}

type WatchlistResponse struct {
	UserID    string      `json:"userId"`
	Watchlist []string    `json:"watchlist"`
	Quotes    []QuoteInfo `json:"quotes,omitempty"`
}

// HealthResponse reports liveness plus fan-out counters
type HealthResponse struct {
	Status      string `json:"status"`
	Instruments int    `json:"instruments"`
	Subscribers int    `json:"subscribers"`
	Published   int64  `json:"published"`
	Dropped     int64  `json:"dropped"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["ltp:ACME", "orders:<userID>"]
}

// WSAck confirms a subscribe or unsubscribe request. Unknown channels are
// left out of Channels.
type WSAck struct {
	Type     string   `json:"type"` // "subscribed" or "unsubscribed"
	Channels []string `json:"channels"`
}

// LTPUpdate is pushed for every applied quote change
type LTPUpdate struct {
	Type                 string          `json:"type"` // "ltp_update"
	InstrumentIdentifier string          `json:"InstrumentIdentifier"`
	LastTradePrice       decimal.Decimal `json:"LastTradePrice"`
	Timestamp            int64           `json:"timestamp"` // Unix milliseconds
}

// OrderUpdate is pushed to orders:{userID} subscribers when an order fills
type OrderUpdate struct {
	Type  string    `json:"type"` // "order_update"
	Order OrderInfo `json:"order"`
}
