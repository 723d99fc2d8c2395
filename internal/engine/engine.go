// Package engine executes trades and settlement against the LMSR pool.
//
// Every mutation runs inside a single store transaction: pool quantities,
// the user's position, the balance delta with its ledger row, and the
// immutable trade record commit together or not at all. Validation happens
// before the first write, so a rejected trade leaves no trace.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/predictlab/market-engine/internal/fixedpoint"
	"github.com/predictlab/market-engine/internal/lmsr"
	"github.com/predictlab/market-engine/internal/model"
	"github.com/predictlab/market-engine/internal/risk"
	"github.com/predictlab/market-engine/internal/store"
)

// DefaultBMicros is the liquidity parameter used when market creation does
// not specify one: 100 credits.
const DefaultBMicros int64 = 100 * fixedpoint.Scale

// Engine coordinates the LMSR pool, positions and the account ledger.
type Engine struct {
	store  store.Store
	limits *risk.Limits
	now    func() time.Time
}

// New creates an engine. limits may be nil to disable position limits.
func New(st store.Store, limits *risk.Limits) *Engine {
	return &Engine{
		store:  st,
		limits: limits,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// BuyRequest describes a market buy: spend up to SpendMicros credits on one
// outcome and receive however many shares that buys.
type BuyRequest struct {
	MarketID       string
	UserID         string
	Outcome        model.Outcome
	SpendMicros    int64
	IdempotencyKey string
}

// SellRequest describes a sell of ShareMicros shares with a slippage floor:
// if proceeds would come in under MinProceedsMicros the sell is rejected
// without mutating anything.
type SellRequest struct {
	MarketID          string
	UserID            string
	Outcome           model.Outcome
	ShareMicros       int64
	MinProceedsMicros int64
	IdempotencyKey    string
}

// Quote is a consistent read-only snapshot of one market's pricing.
type Quote struct {
	MarketID       string
	PriceYesMicros int64
	PriceNoMicros  int64
	QYesMicros     int64
	QNoMicros      int64
	BMicros        int64
}

// CreateMarket creates a market with a freshly seeded pool (q=0/q=0, which
// prices YES at exactly 0.5). bMicros of 0 selects DefaultBMicros.
func (e *Engine) CreateMarket(ctx context.Context, question string, bMicros int64, closesAt time.Time) (*model.Market, error) {
	if bMicros == 0 {
		bMicros = DefaultBMicros
	}
	if _, err := lmsr.NewMarketMaker(bMicros); err != nil {
		return nil, ErrInvalidAmount
	}
	m := &model.Market{
		ID:        uuid.NewString(),
		Question:  question,
		BMicros:   bMicros,
		ClosesAt:  closesAt,
		CreatedAt: e.now(),
	}
	if err := e.store.CreateMarket(ctx, m); err != nil {
		return nil, err
	}
	slog.Info("market created", "id", m.ID, "b_micros", bMicros, "closes_at", closesAt)
	return m, nil
}

// CreateAccount creates an account seeded with seedMicros credits. The
// insert and the seed ledger transaction commit together: a failed seed
// never leaves behind an unseeded account.
func (e *Engine) CreateAccount(ctx context.Context, userID string, seedMicros int64) (*model.Account, error) {
	if seedMicros < 0 {
		return nil, ErrInvalidAmount
	}
	a := &model.Account{
		UserID:    userID,
		CreatedAt: e.now(),
	}
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateAccount(ctx, a); err != nil {
			return err
		}
		if seedMicros > 0 {
			if _, err := tx.ApplyBalanceDelta(ctx, userID, seedMicros, model.TxSeed, ""); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.CreditsMicros = seedMicros
	return a, nil
}

// GrantCredits applies a promotional credit to an existing account. It goes
// through the same delta path as trading, so the shared accounts table is
// never blindly overwritten.
func (e *Engine) GrantCredits(ctx context.Context, userID string, amountMicros int64) (*model.Transaction, error) {
	if amountMicros <= 0 {
		return nil, ErrInvalidAmount
	}
	var entry *model.Transaction
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		entry, err = tx.ApplyBalanceDelta(ctx, userID, amountMicros, model.TxPromoCredit, "")
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return entry, nil
}

// Quote returns current prices from a single market read, so the YES and NO
// prices always come from the same pool state.
func (e *Engine) Quote(ctx context.Context, marketID string) (*Quote, error) {
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrMarketNotFound
		}
		return nil, err
	}
	mm, err := lmsr.NewMarketMaker(m.BMicros)
	if err != nil {
		return nil, ErrNumericOverflow
	}
	pYes, err := mm.Price(m.QYesMicros, m.QNoMicros)
	if err != nil {
		return nil, mapKernelErr(err)
	}
	pNo, err := mm.PriceNo(m.QYesMicros, m.QNoMicros)
	if err != nil {
		return nil, mapKernelErr(err)
	}
	return &Quote{
		MarketID:       m.ID,
		PriceYesMicros: pYes,
		PriceNoMicros:  pNo,
		QYesMicros:     m.QYesMicros,
		QNoMicros:      m.QNoMicros,
		BMicros:        m.BMicros,
	}, nil
}

// Buy executes a market buy. Retries carrying the same idempotency key
// return the originally stored trade without touching the pool again.
func (e *Engine) Buy(ctx context.Context, req BuyRequest) (*model.Trade, error) {
	if req.SpendMicros <= 0 {
		return nil, ErrInvalidAmount
	}

	var result *model.Trade
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		if req.IdempotencyKey != "" {
			prior, err := tx.TradeByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
			if err == nil {
				result = prior
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		m, err := e.tradableMarket(ctx, tx, req.MarketID)
		if err != nil {
			return err
		}
		mm, err := lmsr.NewMarketMaker(m.BMicros)
		if err != nil {
			return ErrNumericOverflow
		}

		yes := req.Outcome == model.OutcomeYes
		shares, cost, err := mm.SharesForCost(m.QYesMicros, m.QNoMicros, req.SpendMicros, yes)
		if err != nil {
			return mapKernelErr(err)
		}

		pos, err := tx.Position(ctx, req.MarketID, req.UserID)
		if err != nil {
			return err
		}
		if err := e.limits.CheckTradeCost(cost); err != nil {
			return err
		}
		if err := e.limits.CheckPosition(pos.YesShareMicros, pos.NoShareMicros, shares); err != nil {
			return err
		}

		tradeID := uuid.NewString()
		if _, err := tx.ApplyBalanceDelta(ctx, req.UserID, -cost, model.TxTradeBuy, tradeID); err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				return ErrUserNotFound
			case errors.Is(err, store.ErrInsufficientBalance):
				return ErrInsufficientCredits
			}
			return err
		}

		qYes, qNo := m.QYesMicros, m.QNoMicros
		if yes {
			qYes += shares
		} else {
			qNo += shares
		}
		if err := tx.UpdateAmmState(ctx, m.ID, qYes, qNo); err != nil {
			return err
		}

		now := e.now()
		if yes {
			pos.YesShareMicros += shares
			pos.YesCostMicros += cost
		} else {
			pos.NoShareMicros += shares
			pos.NoCostMicros += cost
		}
		pos.UpdatedAt = now
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}

		trade := &model.Trade{
			ID:             tradeID,
			MarketID:       m.ID,
			UserID:         req.UserID,
			Side:           model.SideBuy,
			Outcome:        req.Outcome,
			ShareMicros:    shares,
			CostMicros:     cost,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}
		result = trade
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("buy executed",
		"trade_id", result.ID,
		"market", req.MarketID,
		"user", req.UserID,
		"outcome", req.Outcome,
		"share_micros", result.ShareMicros,
		"cost_micros", result.CostMicros,
	)
	return result, nil
}

// Sell executes a sell with a slippage floor. Realized P&L attributes a
// proportional slice of the outcome's cost basis to the shares sold, so
// partial sells and a full sell of the same lot account identically.
func (e *Engine) Sell(ctx context.Context, req SellRequest) (*model.Trade, error) {
	if req.ShareMicros <= 0 || req.MinProceedsMicros < 0 {
		return nil, ErrInvalidAmount
	}

	var result *model.Trade
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		if req.IdempotencyKey != "" {
			prior, err := tx.TradeByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
			if err == nil {
				result = prior
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		m, err := e.tradableMarket(ctx, tx, req.MarketID)
		if err != nil {
			return err
		}
		mm, err := lmsr.NewMarketMaker(m.BMicros)
		if err != nil {
			return ErrNumericOverflow
		}

		pos, err := tx.Position(ctx, req.MarketID, req.UserID)
		if err != nil {
			return err
		}
		held := pos.Shares(req.Outcome)
		if held < req.ShareMicros {
			return ErrInsufficientShares
		}

		yes := req.Outcome == model.OutcomeYes
		proceeds, err := mm.ProceedsFromSell(m.QYesMicros, m.QNoMicros, req.ShareMicros, yes)
		if err != nil {
			return mapKernelErr(err)
		}
		if proceeds < req.MinProceedsMicros {
			return ErrSlippageExceeded
		}
		if err := e.limits.CheckTradeCost(proceeds); err != nil {
			return err
		}

		// Proportional cost-basis attribution: the sold fraction carries
		// the same fraction of the basis, truncated toward zero.
		basis := pos.CostBasis(req.Outcome)
		attributed, err := fixedpoint.MulDiv(basis, req.ShareMicros, held)
		if err != nil {
			return ErrNumericOverflow
		}
		realized := proceeds - attributed

		tradeID := uuid.NewString()
		if _, err := tx.ApplyBalanceDelta(ctx, req.UserID, proceeds, model.TxTradeSell, tradeID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrUserNotFound
			}
			return err
		}

		qYes, qNo := m.QYesMicros, m.QNoMicros
		if yes {
			qYes -= req.ShareMicros
		} else {
			qNo -= req.ShareMicros
		}
		if err := tx.UpdateAmmState(ctx, m.ID, qYes, qNo); err != nil {
			return err
		}

		now := e.now()
		if yes {
			pos.YesShareMicros -= req.ShareMicros
			pos.YesCostMicros -= attributed
		} else {
			pos.NoShareMicros -= req.ShareMicros
			pos.NoCostMicros -= attributed
		}
		pos.UpdatedAt = now
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}

		trade := &model.Trade{
			ID:               tradeID,
			MarketID:         m.ID,
			UserID:           req.UserID,
			Side:             model.SideSell,
			Outcome:          req.Outcome,
			ShareMicros:      req.ShareMicros,
			CostMicros:       -proceeds,
			RealizedPlMicros: &realized,
			IdempotencyKey:   req.IdempotencyKey,
			CreatedAt:        now,
		}
		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}
		result = trade
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("sell executed",
		"trade_id", result.ID,
		"market", req.MarketID,
		"user", req.UserID,
		"outcome", req.Outcome,
		"share_micros", result.ShareMicros,
		"proceeds_micros", -result.CostMicros,
	)
	return result, nil
}

// tradableMarket loads and locks a market and rejects trades on markets
// that are resolved or past their close time.
func (e *Engine) tradableMarket(ctx context.Context, tx store.Tx, marketID string) (*model.Market, error) {
	m, err := tx.MarketForUpdate(ctx, marketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrMarketNotFound
		}
		return nil, err
	}
	if m.Resolved() {
		return nil, ErrMarketResolved
	}
	if !m.Open(e.now()) {
		return nil, ErrMarketClosed
	}
	return m, nil
}

// mapKernelErr translates math-layer failures into engine error kinds.
func mapKernelErr(err error) error {
	switch {
	case errors.Is(err, lmsr.ErrInvalidShares):
		return ErrInvalidAmount
	case errors.Is(err, lmsr.ErrInvalidLiquidity):
		return ErrInvalidAmount
	case errors.Is(err, fixedpoint.ErrOverflow), errors.Is(err, fixedpoint.ErrDomain):
		return ErrNumericOverflow
	}
	return err
}
