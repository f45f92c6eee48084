package trade

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/papertrade/papertrade/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedQuoter struct{ price float64 }

func (q *fixedQuoter) CurrentPrice() float64 { return q.price }

func newTestStore(t *testing.T) *ledger.Store {
	t.Helper()
	s, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// newTestExecutor returns an executor over one funded account and a quoter
// whose price the test can move.
func newTestExecutor(t *testing.T, balance, leverage float64) (*Executor, *ledger.Store, *fixedQuoter) {
	t.Helper()
	store := newTestStore(t)
	acc := ledger.NewAccount("alice", "Alice", "", ledger.RoleUser)
	acc.CashBalance = balance
	require.NoError(t, store.Create(acc))

	quoter := &fixedQuoter{price: 50000}
	exec := NewExecutor(store, quoter, leverage, zap.NewNop().Sugar())
	return exec, store, quoter
}

func buy(exec *Executor, amount float64, unit Unit) Result {
	return exec.Execute(Request{AccountID: "alice", Side: Buy, Amount: amount, Unit: unit})
}

func sell(exec *Executor, amount float64, unit Unit) Result {
	return exec.Execute(Request{AccountID: "alice", Side: Sell, Amount: amount, Unit: unit})
}

// Full cycle: 1000 cash, buy 500 at 50k, price moves to 51k, leverage
// 500, sell everything.
func TestBuySellFullCycle(t *testing.T) {
	exec, store, quoter := newTestExecutor(t, 1000, 500)

	res := buy(exec, 500, UnitUSD)
	require.Equal(t, StatusApplied, res.Status)

	acc, err := store.Get("alice")
	require.NoError(t, err)
	assert.InDelta(t, 0.01, acc.BTCHoldings, 1e-12)
	assert.InDelta(t, 500, acc.CashBalance, 1e-9)
	assert.InDelta(t, 50000, acc.AvgCostBasis, 1e-9)

	quoter.price = 51000
	assert.InDelta(t, 5000, acc.UnrealizedPnL(51000, 500), 1e-6)

	res = sell(exec, 0.01, UnitBTC)
	require.Equal(t, StatusApplied, res.Status)
	assert.InDelta(t, 5000, res.Entry.RealizedPnL, 1e-6)

	acc, err = store.Get("alice")
	require.NoError(t, err)
	// 500 + (0.01*50000 cost basis) + 5000 leveraged P&L = 6000
	assert.InDelta(t, 6000, acc.CashBalance, 1e-6)
	assert.Equal(t, 0.0, acc.BTCHoldings)
	assert.Equal(t, 0.0, acc.AvgCostBasis)
}

// Cash conservation: leverage never touches principal on a BUY.
func TestBuyConservesCash(t *testing.T) {
	exec, store, _ := newTestExecutor(t, 1000, 500)

	res := buy(exec, 300, UnitUSD)
	require.Equal(t, StatusApplied, res.Status)

	acc, _ := store.Get("alice")
	assert.InDelta(t, 1000, acc.CashBalance+res.Entry.USDAmount, 1e-9)
	assert.Equal(t, 300.0, res.Entry.USDAmount)
	assert.Equal(t, ledger.LogBuy, res.Entry.Kind)
	assert.Equal(t, acc.CashBalance, res.Entry.BalanceAfter)
}

func TestBuyInBTCUnit(t *testing.T) {
	exec, store, _ := newTestExecutor(t, 1000, 500)

	res := buy(exec, 0.01, UnitBTC)
	require.Equal(t, StatusApplied, res.Status)
	assert.InDelta(t, 500, res.Entry.USDAmount, 1e-9) // 0.01 * 50000

	acc, _ := store.Get("alice")
	assert.InDelta(t, 0.01, acc.BTCHoldings, 1e-12)
	assert.InDelta(t, 500, acc.CashBalance, 1e-9)
}

// Weighted average cost basis: (h*a + b*p) / (h+b).
func TestCostBasisWeightedAverage(t *testing.T) {
	exec, store, quoter := newTestExecutor(t, 10000, 1)

	buy(exec, 0.01, UnitBTC) // 0.01 @ 50000
	quoter.price = 60000
	buy(exec, 0.02, UnitBTC) // 0.02 @ 60000

	acc, _ := store.Get("alice")
	want := (0.01*50000 + 0.02*60000) / 0.03
	assert.InDelta(t, want, acc.AvgCostBasis, 1e-6)
	assert.InDelta(t, 0.03, acc.BTCHoldings, 1e-12)
}

// BUY then immediate SELL at the same price is a perfect round trip.
func TestZeroDriftRoundTrip(t *testing.T) {
	exec, store, _ := newTestExecutor(t, 1000, 500)

	buy(exec, 400, UnitUSD)
	acc, _ := store.Get("alice")
	res := sell(exec, acc.BTCHoldings, UnitBTC)

	require.Equal(t, StatusApplied, res.Status)
	assert.InDelta(t, 0, res.Entry.RealizedPnL, 1e-9)

	acc, _ = store.Get("alice")
	assert.InDelta(t, 1000, acc.CashBalance, 1e-9)
	assert.Equal(t, 0.0, acc.BTCHoldings)
}

// Realized and unrealized P&L scale linearly with leverage; the principal
// movement does not.
func TestLeverageScalesPnLOnly(t *testing.T) {
	realizedAt := func(leverage float64) (pnl, spent float64) {
		exec, store, quoter := newTestExecutor(t, 1000, leverage)
		buy(exec, 500, UnitUSD)
		acc, _ := store.Get("alice")
		spent = 1000 - acc.CashBalance
		quoter.price = 51000
		res := sell(exec, 0.01, UnitBTC)
		return res.Entry.RealizedPnL, spent
	}

	pnl1, spent1 := realizedAt(1)
	pnl10, spent10 := realizedAt(10)

	assert.InDelta(t, 10, pnl10/pnl1, 1e-9)
	assert.Equal(t, spent1, spent10)

	acc := ledger.NewAccount("x", "", "", ledger.RoleUser)
	acc.BTCHoldings = 0.01
	acc.AvgCostBasis = 50000
	assert.InDelta(t, 10, acc.UnrealizedPnL(51000, 10)/acc.UnrealizedPnL(51000, 1), 1e-9)
}

func TestSellInUSDUnit(t *testing.T) {
	exec, store, _ := newTestExecutor(t, 1000, 1)

	buy(exec, 500, UnitUSD)
	res := sell(exec, 250, UnitUSD) // half the position at the same price

	require.Equal(t, StatusApplied, res.Status)
	assert.InDelta(t, 0.005, res.Entry.BTCAmount, 1e-12)
	assert.InDelta(t, 250, res.Entry.USDAmount, 1e-9)

	acc, _ := store.Get("alice")
	assert.InDelta(t, 0.005, acc.BTCHoldings, 1e-12)
	assert.InDelta(t, 50000, acc.AvgCostBasis, 1e-9) // basis unchanged by a sell
}

// Selling down to a dust-sized residual closes the position outright.
func TestDustSnapClosesPosition(t *testing.T) {
	exec, store, _ := newTestExecutor(t, 1000, 1)

	buy(exec, 500, UnitUSD)
	acc, _ := store.Get("alice")
	sell(exec, acc.BTCHoldings-1e-9, UnitBTC)

	acc, _ = store.Get("alice")
	assert.Equal(t, 0.0, acc.BTCHoldings)
	assert.Equal(t, 0.0, acc.AvgCostBasis)
}

// A leveraged loss larger than the cash on hand floors the balance at
// zero rather than going negative.
func TestLeveragedLossFloorsAtZero(t *testing.T) {
	exec, store, quoter := newTestExecutor(t, 1000, 500)

	buy(exec, 500, UnitUSD)
	quoter.price = 49000
	res := sell(exec, 0.01, UnitBTC)

	require.Equal(t, StatusApplied, res.Status)
	assert.InDelta(t, -5000, res.Entry.RealizedPnL, 1e-6)

	acc, _ := store.Get("alice")
	assert.Equal(t, 0.0, acc.CashBalance)
	assert.Equal(t, 0.0, acc.BTCHoldings)
}

func TestRejections(t *testing.T) {
	exec, store, quoter := newTestExecutor(t, 100, 500)

	tests := []struct {
		name   string
		req    Request
		reason Reason
	}{
		{"insufficient funds", Request{"alice", Buy, 500, UnitUSD}, ReasonInsufficientFunds},
		{"insufficient holdings", Request{"alice", Sell, 0.5, UnitBTC}, ReasonInsufficientHoldings},
		{"unknown account", Request{"ghost", Buy, 10, UnitUSD}, ReasonUnknownAccount},
		{"zero amount", Request{"alice", Buy, 0, UnitUSD}, ReasonBadRequest},
		{"negative amount", Request{"alice", Buy, -5, UnitUSD}, ReasonBadRequest},
		{"bad side", Request{"alice", Side("HODL"), 10, UnitUSD}, ReasonBadRequest},
		{"bad unit", Request{"alice", Buy, 10, Unit("EUR")}, ReasonBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := exec.Execute(tc.req)
			assert.Equal(t, StatusRejected, res.Status)
			assert.Equal(t, tc.reason, res.Reason)
		})
	}

	// Rejected trades leave no trace on the account.
	acc, _ := store.Get("alice")
	assert.Equal(t, 100.0, acc.CashBalance)
	assert.Empty(t, acc.TradeLog)

	// No reference price yet: the request is dropped without touching state.
	quoter.price = 0
	res := buy(exec, 10, UnitUSD)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, ReasonNoPrice, res.Reason)
}

// N concurrent buys with funds for exactly k of them: exactly k apply and
// exactly k log entries exist, regardless of interleaving.
func TestConcurrentBuysAdmitExactlyK(t *testing.T) {
	const (
		n      = 8
		amount = 100.0
		funds  = 250.0 // room for exactly 2 buys
		k      = 2
	)
	exec, store, _ := newTestExecutor(t, funds, 500)

	var wg sync.WaitGroup
	results := make([]Result, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = buy(exec, amount, UnitUSD)
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, res := range results {
		if res.Status == StatusApplied {
			applied++
		} else {
			assert.Equal(t, ReasonInsufficientFunds, res.Reason)
		}
	}
	assert.Equal(t, k, applied)

	acc, _ := store.Get("alice")
	assert.Len(t, acc.TradeLog, k)
	assert.InDelta(t, funds-k*amount, acc.CashBalance, 1e-9)
	assert.GreaterOrEqual(t, acc.CashBalance, 0.0)
}

// The executor pushes the post-trade snapshot to the notifier.
type captureNotifier struct {
	mu    sync.Mutex
	ids   []string
	snaps []ledger.Snapshot
}

func (n *captureNotifier) NotifyAccount(id string, snap ledger.Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, id)
	n.snaps = append(n.snaps, snap)
}

func TestExecutorNotifiesOwnerOnApply(t *testing.T) {
	exec, _, _ := newTestExecutor(t, 1000, 500)
	notifier := &captureNotifier{}
	exec.SetNotifier(notifier)

	buy(exec, 500, UnitUSD)
	require.Len(t, notifier.ids, 1)
	assert.Equal(t, "alice", notifier.ids[0])
	assert.InDelta(t, 500, notifier.snaps[0].Balance, 1e-9)

	// Rejections notify nobody.
	buy(exec, 1e9, UnitUSD)
	assert.Len(t, notifier.ids, 1)
}
