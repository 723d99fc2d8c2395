// Package model defines the core domain types shared across the market engine.
// All monetary and share quantities are int64 micros (1 credit = 1_000_000
// micros) — never float64 for money.
package model

import (
	"fmt"
	"time"
)

// Outcome is one side of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// ParseOutcome validates and normalizes an outcome string.
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "YES", "yes":
		return OutcomeYes, nil
	case "NO", "no":
		return OutcomeNo, nil
	}
	return "", fmt.Errorf("outcome must be YES or NO, got %q", s)
}

// Opposite returns the other outcome.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Market is one binary prediction market together with its AMM pool state.
// QYesMicros/QNoMicros/BMicros are the LMSR state: cumulative shares issued
// per outcome and the liquidity parameter, fixed at creation. The pool is
// seeded at q=0/q=0, which prices YES at exactly 0.5.
type Market struct {
	ID              string     `json:"id" db:"id"`
	Question        string     `json:"question" db:"question"`
	QYesMicros      int64      `json:"q_yes_micros" db:"q_yes_micros"`
	QNoMicros       int64      `json:"q_no_micros" db:"q_no_micros"`
	BMicros         int64      `json:"b_micros" db:"b_micros"`
	ClosesAt        time.Time  `json:"closes_at" db:"closes_at"`
	ResolvedOutcome *Outcome   `json:"resolved_outcome,omitempty" db:"resolved_outcome"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// Resolved reports whether the market has been settled.
func (m *Market) Resolved() bool {
	return m.ResolvedOutcome != nil
}

// Open reports whether the market accepts trades at the given instant.
func (m *Market) Open(now time.Time) bool {
	return !m.Resolved() && now.Before(m.ClosesAt)
}

// Quantity returns the issued share quantity for one outcome.
func (m *Market) Quantity(o Outcome) int64 {
	if o == OutcomeYes {
		return m.QYesMicros
	}
	return m.QNoMicros
}

// Position is a user's holdings in one market. YesCostMicros/NoCostMicros
// carry the cumulative credits paid for the held shares of each outcome; a
// sell attributes a proportional slice of that basis to compute realized P&L
// and decrements it alongside the shares. Payout zeroes everything.
type Position struct {
	MarketID       string    `json:"market_id" db:"market_id"`
	UserID         string    `json:"user_id" db:"user_id"`
	YesShareMicros int64     `json:"yes_share_micros" db:"yes_share_micros"`
	NoShareMicros  int64     `json:"no_share_micros" db:"no_share_micros"`
	YesCostMicros  int64     `json:"yes_cost_micros" db:"yes_cost_micros"`
	NoCostMicros   int64     `json:"no_cost_micros" db:"no_cost_micros"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Shares returns the held share quantity for one outcome.
func (p *Position) Shares(o Outcome) int64 {
	if o == OutcomeYes {
		return p.YesShareMicros
	}
	return p.NoShareMicros
}

// CostBasis returns the cumulative cost basis for one outcome.
func (p *Position) CostBasis(o Outcome) int64 {
	if o == OutcomeYes {
		return p.YesCostMicros
	}
	return p.NoCostMicros
}

// Empty reports whether the position holds no shares on either side.
func (p *Position) Empty() bool {
	return p.YesShareMicros == 0 && p.NoShareMicros == 0
}

// Trade is an immutable record of one buy or sell execution. Once created,
// trades are never modified or deleted. CostMicros is signed: positive means
// the user paid, negative means the user received. RealizedPlMicros is set
// for sells only.
type Trade struct {
	ID               string    `json:"id" db:"id"`
	MarketID         string    `json:"market_id" db:"market_id"`
	UserID           string    `json:"user_id" db:"user_id"`
	Side             Side      `json:"side" db:"side"`
	Outcome          Outcome   `json:"outcome" db:"outcome"`
	ShareMicros      int64     `json:"share_micros" db:"share_micros"`
	CostMicros       int64     `json:"cost_micros" db:"cost_micros"`
	RealizedPlMicros *int64    `json:"realized_pl_micros,omitempty" db:"realized_pl_micros"`
	IdempotencyKey   string    `json:"idempotency_key" db:"idempotency_key"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// Account is a user's credit balance. The balance is never negative and is
// only ever moved by signed deltas that also append a Transaction row; the
// accounts table is shared with non-trading flows (promotional credits), so
// blind overwrites are forbidden everywhere.
type Account struct {
	UserID        string    `json:"user_id" db:"user_id"`
	CreditsMicros int64     `json:"credits_micros" db:"credits_micros"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// TransactionType classifies a balance movement.
type TransactionType string

const (
	TxSeed        TransactionType = "seed"
	TxTradeBuy    TransactionType = "trade_buy"
	TxTradeSell   TransactionType = "trade_sell"
	TxPayout      TransactionType = "payout"
	TxPromoCredit TransactionType = "promo_credit"
)

// Transaction is one append-only entry in a user's balance log. It carries
// the balance that resulted from applying the delta, so the ledger can be
// audited without replaying it.
type Transaction struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Type          TransactionType `json:"type" db:"type"`
	DeltaMicros   int64           `json:"delta_micros" db:"delta_micros"`
	BalanceMicros int64           `json:"balance_micros" db:"balance_micros"`
	RefID         string          `json:"ref_id,omitempty" db:"ref_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}
