// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for binary YES/NO prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(2) for two outcomes)
//   - Continuous pricing with always-available liquidity
//   - A path-independent cost function
//
// All quantities are int64 micros computed through the fixedpoint kernel —
// never float64 for money. The transcendental parts use the log-sum-exp
// trick in fixed point: exponents are taken relative to their maximum, so
// exp never overflows no matter how lopsided the pool gets.
//
// Rounding always favors the market maker by at most one micro: a buyer's
// cost rounds up, a seller's proceeds round down. The engine therefore never
// leaks fractions of a credit to rounding.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"

	"github.com/predictlab/market-engine/internal/fixedpoint"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// ErrInvalidShares is returned when a share delta is not positive.
	ErrInvalidShares = errors.New("lmsr: share quantity must be positive")
)

const (
	// MinPriceMicros is the probability floor: prices stay strictly above 0.
	MinPriceMicros int64 = 1

	// MaxPriceMicros is the probability ceiling: prices stay strictly below 1.
	MaxPriceMicros int64 = fixedpoint.Scale - 1
)

// MarketMaker implements the LMSR cost function for binary outcome markets.
// It is stateless — pool quantities are passed as arguments, not stored.
type MarketMaker struct {
	b int64
}

// NewMarketMaker creates an LMSR market maker with the given liquidity
// parameter b in micros. Higher b means more liquidity and lower price
// impact per trade; the maximum market-maker loss is b * ln(2).
func NewMarketMaker(bMicros int64) (*MarketMaker, error) {
	if bMicros <= 0 {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: bMicros}, nil
}

// B returns the liquidity parameter in micros.
func (m *MarketMaker) B() int64 {
	return m.b
}

// exponents returns qYes/b and qNo/b in micros.
func (m *MarketMaker) exponents(qYes, qNo int64) (int64, int64, error) {
	ey, err := fixedpoint.MulDiv(qYes, fixedpoint.Scale, m.b)
	if err != nil {
		return 0, 0, err
	}
	en, err := fixedpoint.MulDiv(qNo, fixedpoint.Scale, m.b)
	if err != nil {
		return 0, 0, err
	}
	return ey, en, nil
}

// stabilizedExps computes exp(qYes/b - mx) and exp(qNo/b - mx) where mx is
// the larger exponent. Both results are <= Scale, so their sum lies in
// [Scale, 2*Scale] and never overflows.
func (m *MarketMaker) stabilizedExps(qYes, qNo int64) (expYes, expNo, mx int64, err error) {
	ey, en, err := m.exponents(qYes, qNo)
	if err != nil {
		return 0, 0, 0, err
	}
	mx = ey
	if en > mx {
		mx = en
	}
	expYes, err = fixedpoint.Exp(ey - mx)
	if err != nil {
		return 0, 0, 0, err
	}
	expNo, err = fixedpoint.Exp(en - mx)
	if err != nil {
		return 0, 0, 0, err
	}
	return expYes, expNo, mx, nil
}

// Cost computes the LMSR cost function in micros:
//
//	C(q) = b * ln(exp(qYes/b) + exp(qNo/b))
//
// computed as b * (max + ln(exp(dYes) + exp(dNo))) with max-subtracted
// exponents (log-sum-exp in fixed point).
func (m *MarketMaker) Cost(qYes, qNo int64) (int64, error) {
	expYes, expNo, mx, err := m.stabilizedExps(qYes, qNo)
	if err != nil {
		return 0, err
	}
	lnSum, err := fixedpoint.Ln(expYes + expNo)
	if err != nil {
		return 0, err
	}
	return fixedpoint.MulDiv(m.b, mx+lnSum, fixedpoint.Scale)
}

// Price computes the instantaneous YES price (probability) in micros:
//
//	p_yes = exp(qYes/b) / (exp(qYes/b) + exp(qNo/b))
//
// This is the softmax function, computed with max subtraction. The result is
// clamped to [MinPriceMicros, MaxPriceMicros] so the implied probability is
// always strictly inside (0, 1).
func (m *MarketMaker) Price(qYes, qNo int64) (int64, error) {
	expYes, expNo, _, err := m.stabilizedExps(qYes, qNo)
	if err != nil {
		return 0, err
	}
	p, err := fixedpoint.MulDiv(expYes, fixedpoint.Scale, expYes+expNo)
	if err != nil {
		return 0, err
	}
	if p < MinPriceMicros {
		p = MinPriceMicros
	}
	if p > MaxPriceMicros {
		p = MaxPriceMicros
	}
	return p, nil
}

// PriceNo returns the NO price as the micro-exact complement of Price, so
// the two always sum to exactly one credit-unit.
func (m *MarketMaker) PriceNo(qYes, qNo int64) (int64, error) {
	p, err := m.Price(qYes, qNo)
	if err != nil {
		return 0, err
	}
	return fixedpoint.Scale - p, nil
}

// CostToBuy returns the cost in micros of issuing shareMicros additional
// shares of one outcome (yes selects which quantity moves):
//
//	cost = C(q + delta) - C(q)
//
// The result is rounded up by at most one micro (buyer pays the ceiling).
func (m *MarketMaker) CostToBuy(qYes, qNo, shareMicros int64, yes bool) (int64, error) {
	if shareMicros <= 0 {
		return 0, ErrInvalidShares
	}
	before, err := m.Cost(qYes, qNo)
	if err != nil {
		return 0, err
	}
	var after int64
	if yes {
		after, err = m.Cost(qYes+shareMicros, qNo)
	} else {
		after, err = m.Cost(qYes, qNo+shareMicros)
	}
	if err != nil {
		return 0, err
	}
	// Buyer cost rounds up: never undercharge by a fraction of a micro.
	return after - before + 1, nil
}

// ProceedsFromSell returns the credits paid out in micros for retiring
// shareMicros shares of one outcome:
//
//	proceeds = C(q) - C(q - delta)
//
// The result is rounded down by at most one micro (seller receives the
// floor) and is never negative.
func (m *MarketMaker) ProceedsFromSell(qYes, qNo, shareMicros int64, yes bool) (int64, error) {
	if shareMicros <= 0 {
		return 0, ErrInvalidShares
	}
	if (yes && shareMicros > qYes) || (!yes && shareMicros > qNo) {
		return 0, ErrInvalidShares
	}
	before, err := m.Cost(qYes, qNo)
	if err != nil {
		return 0, err
	}
	var after int64
	if yes {
		after, err = m.Cost(qYes-shareMicros, qNo)
	} else {
		after, err = m.Cost(qYes, qNo-shareMicros)
	}
	if err != nil {
		return 0, err
	}
	proceeds := before - after - 1 // seller proceeds round down
	if proceeds < 0 {
		proceeds = 0
	}
	return proceeds, nil
}

// SharesForCost inverts the cost function: it finds the largest share
// quantity whose buy cost does not exceed spendMicros, by monotone bisection
// (the cost function is strictly increasing and convex in the share delta).
// Returns the share quantity and the actual cost, which is always <=
// spendMicros.
func (m *MarketMaker) SharesForCost(qYes, qNo, spendMicros int64, yes bool) (shareMicros, costMicros int64, err error) {
	if spendMicros <= 0 {
		return 0, 0, ErrInvalidShares
	}

	// Every share costs at most 1 credit, so spendMicros shares is a lower
	// bound on affordability; double from there to bracket the root.
	hi := spendMicros
	for i := 0; i < 64; i++ {
		c, err := m.CostToBuy(qYes, qNo, hi, yes)
		if err != nil {
			return 0, 0, err
		}
		if c > spendMicros {
			break
		}
		if hi > (1 << 61) {
			return 0, 0, fixedpoint.ErrOverflow
		}
		hi *= 2
	}

	// Bisect for the largest share count with cost <= spend.
	lo := int64(0) // invariant: cost(lo) <= spend
	for lo+1 < hi {
		mid := lo + (hi-lo)/2
		c, err := m.CostToBuy(qYes, qNo, mid, yes)
		if err != nil {
			return 0, 0, err
		}
		if c <= spendMicros {
			lo = mid
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return 0, 0, ErrInvalidShares
	}
	cost, err := m.CostToBuy(qYes, qNo, lo, yes)
	if err != nil {
		return 0, 0, err
	}
	return lo, cost, nil
}

// FillPrice returns the average execution price per share in micros.
func (m *MarketMaker) FillPrice(costMicros, shareMicros int64) (int64, error) {
	if shareMicros == 0 {
		return 0, ErrInvalidShares
	}
	return fixedpoint.MulDiv(costMicros, fixedpoint.Scale, shareMicros)
}

// MaxLoss returns the maximum possible market-maker loss in micros:
// b * ln(2) for a binary market.
func (m *MarketMaker) MaxLoss() (int64, error) {
	ln2, err := fixedpoint.Ln(2 * fixedpoint.Scale)
	if err != nil {
		return 0, err
	}
	return fixedpoint.MulDiv(m.b, ln2, fixedpoint.Scale)
}
