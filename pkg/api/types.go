package api

import (
	"github.com/papertrade/papertrade/pkg/feed"
	"github.com/papertrade/papertrade/pkg/ledger"
)

// ==============================
// REST types
// ==============================

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type UserInfo struct {
	Username string      `json:"username"`
	Name     string      `json:"name"`
	Role     ledger.Role `json:"role"`
}

type AuthResponse struct {
	Success bool      `json:"success"`
	Message string    `json:"message,omitempty"`
	User    *UserInfo `json:"user,omitempty"`
}

type CreateUserRequest struct {
	Username string  `json:"username"`
	Name     string  `json:"name"`
	Password string  `json:"password"`
	Role     string  `json:"role,omitempty"`
	Balance  float64 `json:"balance,omitempty"`
}

type UpdateBalanceRequest struct {
	Username string  `json:"username"`
	Amount   float64 `json:"amount"`
}

type UpdateUserRequest struct {
	Username string  `json:"username"`
	Name     *string `json:"name,omitempty"`
	Password *string `json:"password,omitempty"`
}

type DeleteUserRequest struct {
	Username string `json:"username"`
}

// UserSummary is the admin listing row: identity plus ledger state, no
// password material.
type UserSummary struct {
	Username    string      `json:"username"`
	Name        string      `json:"name"`
	Role        ledger.Role `json:"role"`
	Balance     float64     `json:"balance"`
	BTCHoldings float64     `json:"btcHoldings"`
	AvgBuyPrice float64     `json:"avgBuyPrice"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket types
// ==============================

// ClientMessage is any client->server frame. Op selects the action.
type ClientMessage struct {
	Op        string  `json:"op"`                  // "join" | "trade"
	Principal string  `json:"principal,omitempty"` // join
	Side      string  `json:"side,omitempty"`      // trade: "BUY" | "SELL"
	Amount    float64 `json:"amount,omitempty"`    // trade
	Unit      string  `json:"unit,omitempty"`      // trade: "USD" | "BTC"
}

// MarketSnapshot is sent once on join.
type MarketSnapshot struct {
	Type   string      `json:"type"` // "market-snapshot"
	Symbol string      `json:"symbol"`
	Price  float64     `json:"price"`
	Candle feed.Candle `json:"candle"`
}

// PriceUpdate is broadcast to every session on each successful feed tick.
type PriceUpdate struct {
	Type   string      `json:"type"` // "price-update"
	Symbol string      `json:"symbol"`
	Price  float64     `json:"price"`
	Candle feed.Candle `json:"candle"`
}

// PortfolioUpdate is delivered only to sessions owning the account.
type PortfolioUpdate struct {
	Type    string          `json:"type"` // "portfolio-update"
	Account ledger.Snapshot `json:"account"`
}

// LeverageUpdate is sent on join and whenever leverage changes.
type LeverageUpdate struct {
	Type     string  `json:"type"` // "leverage-update"
	Leverage float64 `json:"leverage"`
}
