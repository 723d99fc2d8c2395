// Package risk enforces per-trade and per-market position limits.
//
// Limits are expressed in int64 micros like everything else in the engine.
// A limit of zero disables that check, so a default-constructed Limits is a
// no-op and tests can opt in selectively.
package risk

import "errors"

var (
	// ErrTradeTooLarge is returned when a single trade's cost exceeds the
	// per-trade maximum.
	ErrTradeTooLarge = errors.New("risk: trade cost exceeds per-trade limit")

	// ErrPositionLimitExceeded is returned when a buy would push a user's
	// holdings in one market beyond the per-market maximum.
	ErrPositionLimitExceeded = errors.New("risk: market position limit exceeded")
)

// Limits holds the configured ceilings. Zero means unlimited.
type Limits struct {
	// MaxCostPerTradeMicros caps the credits a single buy may spend or a
	// single sell may return.
	MaxCostPerTradeMicros int64

	// MaxShareMicrosPerMarket caps a user's combined YES+NO holdings in
	// one market after the trade.
	MaxShareMicrosPerMarket int64
}

// CheckTradeCost validates the absolute cost of one trade.
func (l *Limits) CheckTradeCost(costMicros int64) error {
	if l == nil || l.MaxCostPerTradeMicros == 0 {
		return nil
	}
	if costMicros < 0 {
		costMicros = -costMicros
	}
	if costMicros > l.MaxCostPerTradeMicros {
		return ErrTradeTooLarge
	}
	return nil
}

// CheckPosition validates a user's total holdings in one market after a buy
// of deltaMicros additional shares.
func (l *Limits) CheckPosition(heldYesMicros, heldNoMicros, deltaMicros int64) error {
	if l == nil || l.MaxShareMicrosPerMarket == 0 {
		return nil
	}
	if heldYesMicros+heldNoMicros+deltaMicros > l.MaxShareMicrosPerMarket {
		return ErrPositionLimitExceeded
	}
	return nil
}
