package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/predictlab/market-engine/internal/fixedpoint"
	"github.com/predictlab/market-engine/internal/model"
	"github.com/predictlab/market-engine/internal/risk"
	"github.com/predictlab/market-engine/internal/store"
)

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testClock lets tests move the engine's notion of now past market close.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore, *testClock) {
	t.Helper()
	st := store.NewMemoryStore()
	clock := &testClock{now: testBase}
	e := New(st, nil)
	e.now = clock.Now
	return e, st, clock
}

func micros(units int64) int64 { return units * fixedpoint.Scale }

func mustMarket(t *testing.T, e *Engine) *model.Market {
	t.Helper()
	m, err := e.CreateMarket(context.Background(), "Will it rain tomorrow?", micros(100), testBase.Add(time.Hour))
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	return m
}

func mustAccount(t *testing.T, e *Engine, userID string, seed int64) {
	t.Helper()
	if _, err := e.CreateAccount(context.Background(), userID, seed); err != nil {
		t.Fatalf("CreateAccount(%s): %v", userID, err)
	}
}

func balance(t *testing.T, st *store.MemoryStore, userID string) int64 {
	t.Helper()
	a, err := st.GetAccount(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetAccount(%s): %v", userID, err)
	}
	return a.CreditsMicros
}

// --- Buy ---

func TestBuy_DebitsBalanceAndCreditsShares(t *testing.T) {
	e, st, _ := newTestEngine(t)
	m := mustMarket(t, e)
	mustAccount(t, e, "alice", micros(1000))

	trade, err := e.Buy(context.Background(), BuyRequest{
		MarketID: m.ID, UserID: "alice", Outcome: model.OutcomeYes,
		SpendMicros: micros(10), IdempotencyKey: "buy-1",
	})
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}

	if trade.CostMicros <= 0 || trade.CostMicros > micros(10) {
		t.Errorf("cost %d should be positive and at most the requested spend", trade.CostMicros)
	}
	if trade.ShareMicros <= 0 {
		t.Errorf("expected positive shares, got %d", trade.ShareMicros)
	}
	if got := balance(t, st, "alice"); got != micros(1000)-trade.CostMicros {
		t.Errorf("balance = %d, want %d", got, micros(1000)-trade.CostMicros)
	}

	pos, err := st.GetPosition(context.Background(), m.ID, "alice")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos.YesShareMicros != trade.ShareMicros {
		t.Errorf("position shares = %d, want %d", pos.YesShareMicros, trade.ShareMicros)
	}
	if pos.YesCostMicros != trade.CostMicros {
		t.Errorf("cost basis = %d, want %d", pos.YesCostMicros, trade.CostMicros)
	}

	got, err := st.GetMarket(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if got.QYesMicros != trade.ShareMicros || got.QNoMicros != 0 {
		t.Errorf("pool = (%d, %d), want (%d, 0)", got.QYesMicros, got.QNoMicros, trade.ShareMicros)
	}
}

func TestBuy_InsufficientCreditsLeavesNoTrace(t *testing.T) {
	e, st, _ := newTestEngine(t)
	m := mustMarket(t, e)
	mustAccount(t, e, "bob", micros(3))

	_, err := e.Buy(context.Background(), BuyRequest{
		MarketID: m.ID, UserID: "bob", Outcome: model.OutcomeYes,
		SpendMicros: micros(10), IdempotencyKey: "buy-broke",
	})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	if got := balance(t, st, "bob"); got != micros(3) {
		t.Errorf("balance should be untouched, got %d", got)
	}
	got, _ := st.GetMarket(context.Background(), m.ID)
	if got.QYesMicros != 0 || got.QNoMicros != 0 {
		t.Errorf("pool should be untouched, got (%d, %d)", got.QYesMicros, got.QNoMicros)
	}
	trades, _ := st.TradesByUser(context.Background(), "bob")
	if len(trades) != 0 {
		t.Errorf("expected no trade records, got %d", len(trades))
	}
}

func TestBuy_Validation(t *testing.T) {
	e, _, clock := newTestEngine(t)
	m := mustMarket(t, e)
	mustAccount(t, e, "alice", micros(100))

	if _, err := e.Buy(context.Background(), BuyRequest{
		MarketID: m.ID, UserID: "alice", Outcome: model.OutcomeYes, SpendMicros: 0,
	}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero spend: expected ErrInvalidAmount, got %v", err)
	}

	if _, err := e.Buy(context.Background(), BuyRequest{
		MarketID: "no-such-market", UserID: "alice", Outcome: model.OutcomeYes, SpendMicros: micros(1),
	}); !errors.Is(err, ErrMarketNotFound) {
		t.Errorf("missing market: expected ErrMarketNotFound, got %v", err)
	}

	if _, err := e.Buy(context.Background(), BuyRequest{
		MarketID: m.ID, UserID: "nobody", Outcome: model.OutcomeYes, SpendMicros: micros(1),
	}); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("missing user: expected ErrUserNotFound, got %v", err)
	}

	clock.Advance(2 * time.Hour)
	if _, err := e.Buy(context.Background(), BuyRequest{
		MarketID: m.ID, UserID: "alice", Outcome: model.OutcomeYes, SpendMicros: micros(1),
	}); !errors.Is(err, ErrMarketClosed) {
		t.Errorf("closed market: expected ErrMarketClosed, got %v", err)
	}

	if _, err := e.Resolve(context.Background(), m.ID, model.OutcomeYes); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := e.Buy(context.Background(), BuyRequest{
		MarketID: m.ID, UserID: "alice", Outcome: model.OutcomeYes, SpendMicros: micros(1),
	}); !errors.Is(err, ErrMarketResolved) {
		t.Errorf("resolved market: expected ErrMarketResolved, got %v", err)
	}
}

func TestBuy_IdempotentRetry(t *testing.T) {
	e, st, _ := newTestEngine(t)
	m := mustMarket(t, e)
	mustAccount(t, e, "alice", micros(1000))

	req := BuyRequest{
		MarketID: m.ID, UserID: "alice", Outcome: model.OutcomeYes,
		SpendMicros: micros(10), IdempotencyKey: "retry-me",
	}
	first, err := e.Buy(context.Background(), req)
	if err != nil {
		t.Fatalf("first Buy: %v", err)
	}
	second, err := e.Buy(context.Background(), req)
	if err != nil {
		t.Fatalf("retried Buy: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("retry returned a different trade: %s vs %s", first.ID, second.ID)
	}
	if got := balance(t, st, "alice"); got != micros(1000)-first.CostMicros {
		t.Errorf("retry double-charged: balance %d", got)
	}
	got, _ := st.GetMarket(context.Background(), m.ID)
	if got.QYesMicros != first.ShareMicros {
		t.Errorf("retry moved the pool again: q_yes %d", got.QYesMicros)
	}
	trades, _ := st.TradesByUser(context.Background(), "alice")
	if len(trades) != 1 {
		t.Errorf("expected exactly one trade record, got %d", len(trades))
	}
}

func TestBuy_DistinctKeysExecuteSeparately(t *testing.T) {
	e, st, _ := newTestEngine(t)
	m := mustMarket(t, e)
	mustAccount(t, e, "alice", micros(1000))

	for _, key := range []string{"k1", "k2"} {
		if _, err := e.Buy(context.Background(), BuyRequest{
			MarketID: m.ID, UserID: "alice", Outcome: model.OutcomeYes,
			SpendMicros: micros(5), IdempotencyKey: key,
		}); err != nil {
			t.Fatalf("Buy(%s): %v", key, err)
		}
	}
	trades, _ := st.TradesByUser(context.Background(), "alice")
	if len(trades) != 2 {
		t.Errorf("expected two trades, got %d", len(trades))
	}
}

func TestBuy_PositionLimit(t *testing.T) {
	st := store.NewMemoryStore()
	clock := &testClock{now: testBase}
	e := New(st, &risk.Limits{MaxShareMicrosPerMarket: micros(10)})
	e.now = clock.Now

	m := mustMarket(t, e)
	mustAccount(t, e, "alice", micros(1000))

	// 20 credits at even odds buys well over 10 shares.
	_, err := e.Buy(context.Background(), BuyRequest{
		MarketID: m.ID, UserID: "alice", Outcome: model.OutcomeYes,
		SpendMicros: micros(20), IdempotencyKey: "too-big",
	})
	if !errors.Is(err, risk.ErrPositionLimitExceeded) {
		t.Fatalf("expected ErrPositionLimitExceeded, got %v", err)
	}
	if got := balance(t, st, "alice"); got != micros(1000) {
		t.Errorf("rejected trade must not charge, balance %d", got)
	}
}

// --- Sell ---

func TestSell_RoundTripRealizesSmallLoss(t *testing.T) {
	e, st, _ := newTestEngine(t)
	m := mustMarket(t, e)
	mustAccount(t, e, "alice", micros(1000))

	buy, err := e.Buy(context.Background(), BuyRequest{
		MarketID: m.ID, UserID: "alice", Outcome: model.OutcomeYes,
		SpendMicros: micros(10), IdempotencyKey: "rt-buy",
	})
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}

	sell, err := e.Sell(context.Background(), SellRequest{
		MarketID: m.ID, UserID: "alice", Outcome: model.OutcomeYes,
		ShareMicros: buy.ShareMicros, IdempotencyKey: "rt-sell",
	})
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}

	proceeds := -sell.CostMicros
	if proceeds > buy.CostMicros {
		t.Errorf("immediate round trip must not profit: paid %d, received %d", buy.CostMicros, proceeds)
	}
	if sell.RealizedPlMicros == nil {
		t.Fatal("sell must carry realized P&L")
	}
	if *sell.RealizedPlMicros >= 0 {
		t.Errorf("round trip at unchanged prices should realize a small loss, got %d", *sell.RealizedPlMicros)
	}
	if got := balance(t, st, "alice"); got > micros(1000) {
		t.Errorf("balance %d exceeds starting credits", got)
	}

	pos, _ := st.GetPosition(context.Background(), m.ID, "alice")
	if !pos.Empty() {
		t.Errorf("position should be empty after selling everything: %+v", pos)
	}
	if pos.YesCostMicros != 0 {
		t.Errorf("cost basis should drain to zero, got %d", pos.YesCostMicros)
	}
}

func TestSell_ProportionalBasisAttribution(t *testing.T) {
	e, st, _ := newTestEngine(t)
	m := mustMarket(t, e)
	mustAccount(t, e, "alice", micros(1000))

	buy, err := e.Buy(context.Background(), BuyRequest{
		MarketID: m.ID, UserID: "alice", Outcome: model.OutcomeYes,
		SpendMicros: micros(10), IdempotencyKey: "pb-buy",
	})
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}

	half := buy.ShareMicros / 2
	sell, err := e.Sell(context.Background(), SellRequest{
		MarketID: m.ID, UserID: "alice", Outcome: model.OutcomeYes,
		ShareMicros: half, IdempotencyKey: "pb-sell",
	})
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}

	pos, _ := st.GetPosition(context.Background(), m.ID, "alice")
	attributed := buy.CostMicros - pos.YesCostMicros
	proceeds := -sell.CostMicros
	if got := proceeds - attributed; sell.RealizedPlMicros == nil || *sell.RealizedPlMicros != got {
		t.Errorf("realized P&L inconsistent with basis decrement: %v vs %d", sell.RealizedPlMicros, got)
	}

	// Half the shares carry half the basis, within a micro of truncation.
	expect := buy.CostMicros * half / buy.ShareMicros
	if diff := attributed - expect; diff < -1 || diff > 1 {
		t.Errorf("attributed basis %d, want about %d", attributed, expect)
	}
}

func TestSell_InsufficientShares(t *testing.T) {
	e, _, _ := newTestEngine(t)
	m := mustMarket(t, e)
	mustAccount(t, e, "alice", micros(1000))

	_, err := e.Sell(context.Background(), SellRequest{
		MarketID: m.ID, UserID: "alice", Outcome: model.OutcomeYes,
		ShareMicros: micros(1), IdempotencyKey: "no-shares",
	})
	if !errors.Is(err, ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
}

func TestSell_SlippageFloor(t *testing.T) {
	e, st, _ := newTestEngine(t)
	m := mustMarket(t, e)
	mustAccount(t, e, "alice", micros(1000))

	buy, err := e.Buy(context.Background(), BuyRequest{
		MarketID: m.ID, UserID: "alice", Outcome: model.OutcomeYes,
		SpendMicros: micros(10), IdempotencyKey: "sf-buy",
	})
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}

	_, err = e.Sell(context.Background(), SellRequest{
		MarketID: m.ID, UserID: "alice", Outcome: model.OutcomeYes,
		ShareMicros: buy.ShareMicros, MinProceedsMicros: micros(1000),
		IdempotencyKey: "sf-sell",
	})
	if !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}

	// Rejection must leave holdings and pool untouched.
	pos, _ := st.GetPosition(context.Background(), m.ID, "alice")
	if pos.YesShareMicros != buy.ShareMicros {
		t.Errorf("position changed on rejected sell: %d", pos.YesShareMicros)
	}
	got, _ := st.GetMarket(context.Background(), m.ID)
	if got.QYesMicros != buy.ShareMicros {
		t.Errorf("pool changed on rejected sell: %d", got.QYesMicros)
	}
}

// --- Resolution and payout ---

func TestResolve_RequiresCloseTimePassed(t *testing.T) {
	e, _, clock := newTestEngine(t)
	m := mustMarket(t, e)

	if _, err := e.Resolve(context.Background(), m.ID, model.OutcomeYes); !errors.Is(err, ErrMarketOpen) {
		t.Fatalf("resolving an open market: expected ErrMarketOpen, got %v", err)
	}

	clock.Advance(2 * time.Hour)
	if _, err := e.Resolve(context.Background(), m.ID, model.OutcomeYes); err != nil {
		t.Fatalf("Resolve after close: %v", err)
	}
}

func TestResolve_SecondAttemptRejected(t *testing.T) {
	e, _, clock := newTestEngine(t)
	m := mustMarket(t, e)
	clock.Advance(2 * time.Hour)

	if _, err := e.Resolve(context.Background(), m.ID, model.OutcomeYes); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := e.Resolve(context.Background(), m.ID, model.OutcomeNo); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestPayout_RequiresResolution(t *testing.T) {
	e, _, _ := newTestEngine(t)
	m := mustMarket(t, e)

	if _, _, err := e.PayoutBatch(context.Background(), m.ID, 10); !errors.Is(err, ErrMarketNotResolved) {
		t.Fatalf("expected ErrMarketNotResolved, got %v", err)
	}
}

func TestSettlement_ConservesCreditsExactly(t *testing.T) {
	e, st, clock := newTestEngine(t)
	m := mustMarket(t, e)

	users := []string{"alice", "bob", "carol"}
	for _, u := range users {
		mustAccount(t, e, u, micros(1000))
	}

	yesShares := map[string]int64{}
	tr, err := e.Buy(context.Background(), BuyRequest{
		MarketID: m.ID, UserID: "alice", Outcome: model.OutcomeYes,
		SpendMicros: micros(20), IdempotencyKey: "c-a",
	})
	if err != nil {
		t.Fatalf("Buy alice: %v", err)
	}
	yesShares["alice"] = tr.ShareMicros

	tr, err = e.Buy(context.Background(), BuyRequest{
		MarketID: m.ID, UserID: "bob", Outcome: model.OutcomeNo,
		SpendMicros: micros(15), IdempotencyKey: "c-b",
	})
	if err != nil {
		t.Fatalf("Buy bob: %v", err)
	}

	tr, err = e.Buy(context.Background(), BuyRequest{
		MarketID: m.ID, UserID: "carol", Outcome: model.OutcomeYes,
		SpendMicros: micros(5), IdempotencyKey: "c-c",
	})
	if err != nil {
		t.Fatalf("Buy carol: %v", err)
	}
	yesShares["carol"] = tr.ShareMicros

	clock.Advance(2 * time.Hour)
	if _, err := e.Resolve(context.Background(), m.ID, model.OutcomeYes); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := e.SettleAll(context.Background(), m.ID); err != nil {
		t.Fatalf("SettleAll: %v", err)
	}

	// Winners receive exactly one credit per winning share.
	for _, u := range []string{"alice", "carol"} {
		txs, _ := st.TransactionsByUser(context.Background(), u)
		var payout int64
		for _, tx := range txs {
			if tx.Type == model.TxPayout {
				payout += tx.DeltaMicros
			}
		}
		if payout != yesShares[u] {
			t.Errorf("%s payout = %d, want %d", u, payout, yesShares[u])
		}
	}

	// The loser gets nothing and every position zeroes out.
	txs, _ := st.TransactionsByUser(context.Background(), "bob")
	for _, tx := range txs {
		if tx.Type == model.TxPayout && tx.DeltaMicros != 0 {
			t.Errorf("losing position must pay nothing, got %d", tx.DeltaMicros)
		}
	}
	for _, u := range users {
		pos, err := st.GetPosition(context.Background(), m.ID, u)
		if err == nil && !pos.Empty() {
			t.Errorf("%s position not zeroed: %+v", u, pos)
		}
	}

	remaining, _ := st.OpenPositions(context.Background(), m.ID, 100)
	if len(remaining) != 0 {
		t.Errorf("expected no open positions after settlement, got %d", len(remaining))
	}
}

func TestPayoutBatch_BoundedAndResumable(t *testing.T) {
	e, st, clock := newTestEngine(t)
	m := mustMarket(t, e)

	users := []string{"u1", "u2", "u3", "u4", "u5"}
	for i, u := range users {
		mustAccount(t, e, u, micros(1000))
		if _, err := e.Buy(context.Background(), BuyRequest{
			MarketID: m.ID, UserID: u, Outcome: model.OutcomeYes,
			SpendMicros: micros(int64(i + 1)), IdempotencyKey: "b-" + u,
		}); err != nil {
			t.Fatalf("Buy %s: %v", u, err)
		}
	}

	clock.Advance(2 * time.Hour)
	if _, err := e.Resolve(context.Background(), m.ID, model.OutcomeYes); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	settled, _, err := e.PayoutBatch(context.Background(), m.ID, 2)
	if err != nil {
		t.Fatalf("PayoutBatch: %v", err)
	}
	if len(settled) != 2 {
		t.Fatalf("expected batch of 2, got %d", len(settled))
	}

	open, _ := st.OpenPositions(context.Background(), m.ID, 100)
	if len(open) != 3 {
		t.Fatalf("expected 3 positions remaining, got %d", len(open))
	}

	// Re-running never double-pays: already-settled users left the open
	// set, so their payout transactions stay unique.
	for len(open) > 0 {
		if _, _, err := e.PayoutBatch(context.Background(), m.ID, 2); err != nil {
			t.Fatalf("PayoutBatch: %v", err)
		}
		open, _ = st.OpenPositions(context.Background(), m.ID, 100)
	}
	for _, u := range users {
		txs, _ := st.TransactionsByUser(context.Background(), u)
		payouts := 0
		for _, tx := range txs {
			if tx.Type == model.TxPayout {
				payouts++
			}
		}
		if payouts != 1 {
			t.Errorf("%s has %d payout transactions, want 1", u, payouts)
		}
	}
}

// deltaFailStore wraps a store and fails balance deltas of one type, so
// tests can drive the failure paths of multi-write flows.
type deltaFailStore struct {
	store.Store
	failType model.TransactionType
}

func (s *deltaFailStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx store.Tx) error {
		return fn(&deltaFailTx{Tx: tx, failType: s.failType})
	})
}

type deltaFailTx struct {
	store.Tx
	failType model.TransactionType
}

func (t *deltaFailTx) ApplyBalanceDelta(ctx context.Context, userID string, deltaMicros int64, typ model.TransactionType, refID string) (*model.Transaction, error) {
	if typ == t.failType {
		return nil, errors.New("ledger unavailable")
	}
	return t.Tx.ApplyBalanceDelta(ctx, userID, deltaMicros, typ, refID)
}

func TestCreateAccount_SeedFailureRollsBackInsert(t *testing.T) {
	st := store.NewMemoryStore()
	e := New(&deltaFailStore{Store: st, failType: model.TxSeed}, nil)

	if _, err := e.CreateAccount(context.Background(), "alice", micros(100)); err == nil {
		t.Fatal("expected CreateAccount to fail when the seed credit fails")
	}

	// The insert and the seed commit together, so the failed seed must
	// not leave an unseeded account behind.
	if _, err := st.GetAccount(context.Background(), "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after rollback, got %v", err)
	}
}

func TestPayoutBatch_ReportsOpenWhenNothingSettles(t *testing.T) {
	e, st, clock := newTestEngine(t)
	m := mustMarket(t, e)
	mustAccount(t, e, "alice", micros(1000))

	if _, err := e.Buy(context.Background(), BuyRequest{
		MarketID: m.ID, UserID: "alice", Outcome: model.OutcomeYes,
		SpendMicros: micros(10),
	}); err != nil {
		t.Fatalf("Buy: %v", err)
	}

	clock.Advance(2 * time.Hour)
	if _, err := e.Resolve(context.Background(), m.ID, model.OutcomeYes); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	failing := New(&deltaFailStore{Store: st, failType: model.TxPayout}, nil)
	failing.now = clock.Now

	// Every settle attempt fails: the batch reports the position as still
	// open rather than pretending the market is drained.
	settled, open, err := failing.PayoutBatch(context.Background(), m.ID, 10)
	if err != nil {
		t.Fatalf("PayoutBatch: %v", err)
	}
	if len(settled) != 0 {
		t.Fatalf("expected no settled users, got %v", settled)
	}
	if open != 1 {
		t.Fatalf("open = %d, want 1", open)
	}

	// SettleAll must refuse to spin on a batch that makes no progress.
	if _, err := failing.SettleAll(context.Background(), m.ID); err == nil {
		t.Fatal("expected SettleAll to report the stuck batch")
	}

	// Once the ledger recovers, the same position settles normally.
	settled, open, err = e.PayoutBatch(context.Background(), m.ID, 10)
	if err != nil {
		t.Fatalf("PayoutBatch: %v", err)
	}
	if len(settled) != 1 || open != 1 {
		t.Fatalf("settled = %v, open = %d, want one settled of one open", settled, open)
	}
	if _, open, err = e.PayoutBatch(context.Background(), m.ID, 10); err != nil || open != 0 {
		t.Fatalf("expected drained market, open = %d, err = %v", open, err)
	}
}

// --- Concurrency ---

func TestConcurrentBuys_SumExactly(t *testing.T) {
	e, st, _ := newTestEngine(t)
	m := mustMarket(t, e)

	const n = 20
	users := make([]string, n)
	for i := range users {
		users[i] = "trader-" + string(rune('a'+i))
		mustAccount(t, e, users[i], micros(1000))
	}

	var wg sync.WaitGroup
	trades := make([]*model.Trade, n)
	errs := make([]error, n)
	for i := range users {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			trades[i], errs[i] = e.Buy(context.Background(), BuyRequest{
				MarketID: m.ID, UserID: users[i], Outcome: model.OutcomeYes,
				SpendMicros: micros(10), IdempotencyKey: "cc-" + users[i],
			})
		}(i)
	}
	wg.Wait()

	var totalShares, totalCost int64
	for i := range users {
		if errs[i] != nil {
			t.Fatalf("concurrent Buy(%s): %v", users[i], errs[i])
		}
		totalShares += trades[i].ShareMicros
		totalCost += trades[i].CostMicros
	}

	got, _ := st.GetMarket(context.Background(), m.ID)
	if got.QYesMicros != totalShares {
		t.Errorf("pool q_yes = %d, want the exact share sum %d", got.QYesMicros, totalShares)
	}

	var totalDebits int64
	for _, u := range users {
		totalDebits += micros(1000) - balance(t, st, u)
	}
	if totalDebits != totalCost {
		t.Errorf("debits %d != sum of trade costs %d", totalDebits, totalCost)
	}
}

// --- Ledger ---

func TestGrantCredits_AppendsLedger(t *testing.T) {
	e, st, _ := newTestEngine(t)
	mustAccount(t, e, "alice", micros(100))

	if _, err := e.GrantCredits(context.Background(), "alice", micros(50)); err != nil {
		t.Fatalf("GrantCredits: %v", err)
	}
	if got := balance(t, st, "alice"); got != micros(150) {
		t.Errorf("balance = %d, want %d", got, micros(150))
	}

	txs, _ := st.TransactionsByUser(context.Background(), "alice")
	last := txs[len(txs)-1]
	if last.Type != model.TxPromoCredit || last.BalanceMicros != micros(150) {
		t.Errorf("unexpected ledger tail: %+v", last)
	}

	if _, err := e.GrantCredits(context.Background(), "nobody", micros(1)); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestQuote_InitialAndAfterTrade(t *testing.T) {
	e, _, _ := newTestEngine(t)
	m := mustMarket(t, e)
	mustAccount(t, e, "alice", micros(1000))

	q, err := e.Quote(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.PriceYesMicros != fixedpoint.Scale/2 {
		t.Errorf("fresh market should price YES at 0.5, got %d", q.PriceYesMicros)
	}

	if _, err := e.Buy(context.Background(), BuyRequest{
		MarketID: m.ID, UserID: "alice", Outcome: model.OutcomeYes,
		SpendMicros: micros(10), IdempotencyKey: "q-buy",
	}); err != nil {
		t.Fatalf("Buy: %v", err)
	}

	q, err = e.Quote(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.PriceYesMicros+q.PriceNoMicros != fixedpoint.Scale {
		t.Errorf("prices must sum to one credit-unit: %d + %d", q.PriceYesMicros, q.PriceNoMicros)
	}
	if q.PriceYesMicros <= fixedpoint.Scale/2 {
		t.Errorf("YES price should rise after a YES buy, got %d", q.PriceYesMicros)
	}

	if _, err := e.Quote(context.Background(), "missing"); !errors.Is(err, ErrMarketNotFound) {
		t.Errorf("expected ErrMarketNotFound, got %v", err)
	}
}
