package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/predictlab/market-engine/internal/metrics"
	"github.com/predictlab/market-engine/internal/model"
	"github.com/predictlab/market-engine/internal/store"
)

// DefaultPayoutBatchSize bounds how many positions one payout call settles.
const DefaultPayoutBatchSize = 100

// Resolve marks the winning outcome on a market whose close time has
// passed. From the moment the transaction commits, the trade path rejects
// the market with ErrMarketResolved. Resolution itself moves no money;
// payouts happen in bounded batches afterwards.
func (e *Engine) Resolve(ctx context.Context, marketID string, outcome model.Outcome) (*model.Market, error) {
	var resolved *model.Market
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		m, err := tx.MarketForUpdate(ctx, marketID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrMarketNotFound
			}
			return err
		}
		if m.Resolved() {
			return ErrAlreadyResolved
		}
		if e.now().Before(m.ClosesAt) {
			return ErrMarketOpen
		}
		at := e.now()
		if err := tx.MarkResolved(ctx, marketID, outcome, at); err != nil {
			return err
		}
		o := outcome
		m.ResolvedOutcome = &o
		m.ResolvedAt = &at
		resolved = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("market resolved", "market", marketID, "outcome", outcome)
	return resolved, nil
}

// PayoutBatch settles up to batchSize open positions in a resolved market.
// It returns the user IDs it paid and how many open positions the batch
// found, so a caller can tell "everything is settled" (open == 0) apart
// from "this batch made no progress". Each position settles in its own
// short transaction: winning shares pay one credit per share, then both
// sides of the position zero out. A position that fails to settle is
// logged and skipped; the next batch picks it up again. Because settled
// positions leave the open set, the whole process resumes cleanly after a
// crash.
func (e *Engine) PayoutBatch(ctx context.Context, marketID string, batchSize int) ([]string, int, error) {
	if batchSize <= 0 {
		batchSize = DefaultPayoutBatchSize
	}

	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, 0, ErrMarketNotFound
		}
		return nil, 0, err
	}
	if !m.Resolved() {
		return nil, 0, ErrMarketNotResolved
	}
	winner := *m.ResolvedOutcome

	positions, err := e.store.OpenPositions(ctx, marketID, batchSize)
	if err != nil {
		return nil, 0, err
	}

	var settled []string
	for _, p := range positions {
		paid, err := e.settlePosition(ctx, marketID, p.UserID, winner)
		if err != nil {
			slog.Error("payout failed, will retry next batch",
				"market", marketID, "user", p.UserID, "error", err)
			continue
		}
		metrics.PayoutsTotal.Inc()
		metrics.PayoutCreditsMicros.Add(float64(paid))
		settled = append(settled, p.UserID)
	}
	return settled, len(positions), nil
}

// settlePosition pays out one user's position and zeroes it, atomically.
// Returns the credits paid in micros.
func (e *Engine) settlePosition(ctx context.Context, marketID, userID string, winner model.Outcome) (int64, error) {
	var paid int64
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		pos, err := tx.Position(ctx, marketID, userID)
		if err != nil {
			return err
		}
		if pos.Empty() {
			// Already settled by a concurrent or prior batch.
			return nil
		}

		// One winning share pays exactly one credit: payout micros equal
		// share micros, so conservation holds to the micro.
		payout := pos.Shares(winner)
		if payout > 0 {
			if _, err := tx.ApplyBalanceDelta(ctx, userID, payout, model.TxPayout, marketID); err != nil {
				return err
			}
		}
		paid = payout

		pos.YesShareMicros = 0
		pos.NoShareMicros = 0
		pos.YesCostMicros = 0
		pos.NoCostMicros = 0
		pos.UpdatedAt = e.now()
		return tx.UpsertPosition(ctx, pos)
	})
	if err != nil {
		return 0, err
	}
	return paid, nil
}

// SettleAll drains payout batches until the market has no open positions
// left. Used by the admin workflow; each batch is independently durable.
// Returns an error if a batch settles nothing while positions remain open,
// rather than spinning on the same failing set.
func (e *Engine) SettleAll(ctx context.Context, marketID string) (int, error) {
	total := 0
	for {
		settled, open, err := e.PayoutBatch(ctx, marketID, DefaultPayoutBatchSize)
		if err != nil {
			return total, err
		}
		if open == 0 {
			return total, nil
		}
		if len(settled) == 0 {
			return total, fmt.Errorf("payout made no progress, %d positions still open", open)
		}
		total += len(settled)
	}
}
