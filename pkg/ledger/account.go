package ledger

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// DustThreshold is the residual holding below which a position counts as
// fully closed: holdings snap to 0 and the cost basis resets.
const DustThreshold = 1e-8

type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
)

type LogKind string

const (
	LogBuy      LogKind = "BUY"
	LogSell     LogKind = "SELL"
	LogDeposit  LogKind = "DEPOSIT"
	LogWithdraw LogKind = "WITHDRAW"
)

// TradeLogEntry is one immutable ledger line. Price is 0 for pure cash
// adjustments (DEPOSIT/WITHDRAW). RealizedPnL is set only for SELL and is
// already leveraged.
type TradeLogEntry struct {
	ID           string    `json:"id"`
	Kind         LogKind   `json:"type"`
	Price        float64   `json:"price"`
	USDAmount    float64   `json:"amountUSD"`
	BTCAmount    float64   `json:"amountBTC"`
	RealizedPnL  float64   `json:"pnl,omitempty"`
	BalanceAfter float64   `json:"balanceAfter"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewLogEntry stamps a log entry with a ULID and the current time.
func NewLogEntry(kind LogKind, price, usd, btc, pnl, balanceAfter float64) TradeLogEntry {
	return TradeLogEntry{
		ID:           ulid.Make().String(),
		Kind:         kind,
		Price:        price,
		USDAmount:    usd,
		BTCAmount:    btc,
		RealizedPnL:  pnl,
		BalanceAfter: balanceAfter,
		Timestamp:    time.Now(),
	}
}

// Account is one principal's ledger: cash, BTC position, weighted average
// cost basis, and the append-only trade log (most recent first).
type Account struct {
	ID           string          `json:"username"`
	Name         string          `json:"name"`
	PasswordHash string          `json:"passwordHash"`
	Role         Role            `json:"role"`
	CashBalance  float64         `json:"balance"`
	BTCHoldings  float64         `json:"holdings"`
	AvgCostBasis float64         `json:"avgBuyPrice"`
	TradeLog     []TradeLogEntry `json:"logs"`
}

func NewAccount(id, name, passwordHash string, role Role) *Account {
	return &Account{
		ID:           id,
		Name:         name,
		PasswordHash: passwordHash,
		Role:         role,
	}
}

// AppendLog prepends an entry: the log is ordered most-recent-first.
func (a *Account) AppendLog(e TradeLogEntry) {
	a.TradeLog = append([]TradeLogEntry{e}, a.TradeLog...)
}

// UnrealizedPnL is derived, never stored:
// (price - avgCostBasis) * holdings * leverage.
func (a *Account) UnrealizedPnL(price, leverage float64) float64 {
	if a.BTCHoldings <= DustThreshold {
		return 0
	}
	return (price - a.AvgCostBasis) * a.BTCHoldings * leverage
}

// RealizedPnLSince sums leveraged SELL P&L over log entries at or after
// the cutoff, e.g. the start of the calendar year.
func (a *Account) RealizedPnLSince(cutoff time.Time) float64 {
	total := 0.0
	for _, e := range a.TradeLog {
		if e.Kind == LogSell && !e.Timestamp.Before(cutoff) {
			total += e.RealizedPnL
		}
	}
	return total
}

// Validate checks ledger invariants
func (a *Account) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("empty account id")
	}
	if a.CashBalance < 0 {
		return fmt.Errorf("negative cash balance: %f", a.CashBalance)
	}
	if a.BTCHoldings < 0 {
		return fmt.Errorf("negative holdings: %f", a.BTCHoldings)
	}
	if a.AvgCostBasis < 0 {
		return fmt.Errorf("negative cost basis: %f", a.AvgCostBasis)
	}
	return nil
}

// Clone deep-copies the account so readers never alias the live record.
func (a *Account) Clone() *Account {
	cp := *a
	cp.TradeLog = make([]TradeLogEntry, len(a.TradeLog))
	copy(cp.TradeLog, a.TradeLog)
	return &cp
}

// Snapshot is the wire shape pushed to owning sessions. Holdings is keyed
// by asset for client compatibility even though only BTC exists today.
type Snapshot struct {
	Username      string             `json:"username"`
	Name          string             `json:"name"`
	Role          Role               `json:"role"`
	Balance       float64            `json:"balance"`
	Holdings      map[string]float64 `json:"holdings"`
	AvgBuyPrice   float64            `json:"avgBuyPrice"`
	UnrealizedPnL float64            `json:"unrealizedPnL"`
	Logs          []TradeLogEntry    `json:"logs"`
}

// Snapshot renders the account for fan-out, deriving unrealized P&L from
// the given price and leverage.
func (a *Account) Snapshot(price, leverage float64) Snapshot {
	logs := make([]TradeLogEntry, len(a.TradeLog))
	copy(logs, a.TradeLog)
	return Snapshot{
		Username:      a.ID,
		Name:          a.Name,
		Role:          a.Role,
		Balance:       a.CashBalance,
		Holdings:      map[string]float64{"BTC": a.BTCHoldings},
		AvgBuyPrice:   a.AvgCostBasis,
		UnrealizedPnL: a.UnrealizedPnL(price, leverage),
		Logs:          logs,
	}
}
