package trade

import (
	"errors"

	"github.com/papertrade/papertrade/pkg/ledger"
	"go.uber.org/zap"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

type Unit string

const (
	UnitUSD Unit = "USD"
	UnitBTC Unit = "BTC"
)

// Request is one trade intent from a session.
type Request struct {
	AccountID string
	Side      Side
	Amount    float64
	Unit      Unit
}

type Status int

const (
	StatusApplied Status = iota
	StatusRejected
)

type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonBadRequest           Reason = "bad-request"
	ReasonNoPrice              Reason = "no-price"
	ReasonUnknownAccount       Reason = "unknown-account"
	ReasonInsufficientFunds    Reason = "insufficient-funds"
	ReasonInsufficientHoldings Reason = "insufficient-holdings"
	ReasonStorageFailure       Reason = "storage-failure"
)

// Result reports the outcome of a trade request. Rejections carry a
// reason; whether to surface that to the client is the caller's call.
type Result struct {
	Status   Status
	Reason   Reason
	Entry    *ledger.TradeLogEntry
	Snapshot *ledger.Snapshot // post-trade account state, set when applied
}

func rejected(reason Reason) Result {
	return Result{Status: StatusRejected, Reason: reason}
}

// Quoter exposes the current reference price. 0 means no price yet.
type Quoter interface {
	CurrentPrice() float64
}

// Notifier pushes an account snapshot to the owning session(s).
type Notifier interface {
	NotifyAccount(id string, snap ledger.Snapshot)
}

// errRejected carries a rejection reason out of the ledger critical section
// so the store skips persistence.
type errRejected struct{ reason Reason }

func (e errRejected) Error() string { return "trade rejected: " + string(e.reason) }

// Executor validates and applies BUY/SELL requests against one account at
// the current reference price. Flow per request:
// validate -> apply under the account lock -> log -> persist -> notify.
type Executor struct {
	ledger   *ledger.Store
	market   Quoter
	notifier Notifier
	leverage float64
	log      *zap.SugaredLogger
}

func NewExecutor(store *ledger.Store, market Quoter, leverage float64, logger *zap.SugaredLogger) *Executor {
	return &Executor{
		ledger:   store,
		market:   market,
		leverage: leverage,
		log:      logger,
	}
}

// SetNotifier wires the targeted account update sink. Optional.
func (e *Executor) SetNotifier(n Notifier) {
	e.notifier = n
}

// Leverage returns the configured P&L multiplier.
func (e *Executor) Leverage() float64 {
	return e.leverage
}

// Execute runs one trade request to completion. Once validation passes the
// apply is atomic end-to-end; no partial state is ever visible.
func (e *Executor) Execute(req Request) Result {
	if req.Amount <= 0 {
		return rejected(ReasonBadRequest)
	}
	if req.Side != Buy && req.Side != Sell {
		return rejected(ReasonBadRequest)
	}
	if req.Unit != UnitUSD && req.Unit != UnitBTC {
		return rejected(ReasonBadRequest)
	}

	price := e.market.CurrentPrice()
	if price <= 0 {
		return rejected(ReasonNoPrice)
	}

	var entry ledger.TradeLogEntry
	var snap ledger.Snapshot

	err := e.ledger.WithAccount(req.AccountID, func(acc *ledger.Account) error {
		var reason Reason
		switch req.Side {
		case Buy:
			entry, reason = e.applyBuy(acc, price, req.Amount, req.Unit)
		case Sell:
			entry, reason = e.applySell(acc, price, req.Amount, req.Unit)
		}
		if reason != ReasonNone {
			return errRejected{reason}
		}
		snap = acc.Snapshot(price, e.leverage)
		return nil
	})

	if err != nil {
		var rej errRejected
		if errors.As(err, &rej) {
			e.log.Debugw("trade_rejected",
				"account", req.AccountID, "side", req.Side, "reason", rej.reason)
			return rejected(rej.reason)
		}
		if errors.Is(err, ledger.ErrNotFound) {
			return rejected(ReasonUnknownAccount)
		}
		// The store discards the working copy on a failed persist, so the
		// trade never happened from the account's point of view.
		e.log.Errorw("trade_persist_failed", "account", req.AccountID, "err", err)
		return rejected(ReasonStorageFailure)
	}

	e.log.Infow("trade_applied",
		"account", req.AccountID,
		"side", req.Side,
		"price", price,
		"usd", entry.USDAmount,
		"btc", entry.BTCAmount,
		"pnl", entry.RealizedPnL,
		"balance_after", entry.BalanceAfter)

	if e.notifier != nil {
		e.notifier.NotifyAccount(req.AccountID, snap)
	}

	return Result{Status: StatusApplied, Entry: &entry, Snapshot: &snap}
}

// applyBuy converts the amount to USD notional, rejects on insufficient
// cash, and folds the purchase into the weighted average cost basis.
func (e *Executor) applyBuy(acc *ledger.Account, price, amount float64, unit Unit) (ledger.TradeLogEntry, Reason) {
	usd := amount
	if unit == UnitBTC {
		usd = amount * price
	}

	if usd > acc.CashBalance {
		return ledger.TradeLogEntry{}, ReasonInsufficientFunds
	}

	btc := usd / price

	totalCost := acc.BTCHoldings*acc.AvgCostBasis + usd
	newHoldings := acc.BTCHoldings + btc
	acc.AvgCostBasis = totalCost / newHoldings
	acc.CashBalance -= usd
	acc.BTCHoldings = newHoldings

	entry := ledger.NewLogEntry(ledger.LogBuy, price, usd, btc, 0, acc.CashBalance)
	acc.AppendLog(entry)
	return entry, ReasonNone
}

// applySell converts the amount to BTC notional, rejects on insufficient
// holdings, and pays out cost basis plus leveraged P&L. Residual holdings
// at or below the dust threshold close the position entirely.
func (e *Executor) applySell(acc *ledger.Account, price, amount float64, unit Unit) (ledger.TradeLogEntry, Reason) {
	usdFace := amount
	if unit == UnitBTC {
		usdFace = amount * price
	}
	btc := usdFace / price

	if btc > acc.BTCHoldings {
		return ledger.TradeLogEntry{}, ReasonInsufficientHoldings
	}

	costBasis := btc * acc.AvgCostBasis
	marketValue := btc * price
	rawPnL := marketValue - costBasis
	realizedPnL := rawPnL * e.leverage
	payout := costBasis + realizedPnL

	acc.CashBalance += payout
	acc.BTCHoldings -= btc

	// A leveraged loss can exceed the cash on hand; the balance floors at
	// zero rather than going negative.
	if acc.CashBalance < 0 {
		acc.CashBalance = 0
	}

	if acc.BTCHoldings <= ledger.DustThreshold {
		acc.BTCHoldings = 0
		acc.AvgCostBasis = 0
	}

	entry := ledger.NewLogEntry(ledger.LogSell, price, marketValue, btc, realizedPnL, acc.CashBalance)
	acc.AppendLog(entry)
	return entry, ReasonNone
}
