package engine

import "errors"

// Sentinel errors for every rejection the trade and settlement paths can
// produce. The API layer matches these with errors.Is to pick a status code
// and stable error code string; nothing here ever wraps a driver error.
var (
	// ErrMarketNotFound is returned when the market ID does not exist.
	ErrMarketNotFound = errors.New("engine: market not found")

	// ErrMarketClosed is returned when trading is attempted after the
	// market's close time.
	ErrMarketClosed = errors.New("engine: market is closed for trading")

	// ErrMarketResolved is returned when trading is attempted on a market
	// that has already been resolved.
	ErrMarketResolved = errors.New("engine: market is resolved")

	// ErrMarketOpen is returned when resolution is attempted before the
	// market's close time has passed.
	ErrMarketOpen = errors.New("engine: market is still open")

	// ErrAlreadyResolved is returned by a second resolution attempt.
	ErrAlreadyResolved = errors.New("engine: market already resolved")

	// ErrMarketNotResolved is returned when a payout is requested for a
	// market that has not been resolved yet.
	ErrMarketNotResolved = errors.New("engine: market not resolved")

	// ErrInsufficientCredits is returned when a buy would take the user's
	// balance negative.
	ErrInsufficientCredits = errors.New("engine: insufficient credits")

	// ErrInsufficientShares is returned when a sell exceeds the user's
	// holdings of that outcome.
	ErrInsufficientShares = errors.New("engine: insufficient shares")

	// ErrInvalidAmount is returned for non-positive spend or share
	// quantities, or a spend too small to buy a single micro-share.
	ErrInvalidAmount = errors.New("engine: invalid amount")

	// ErrSlippageExceeded is returned when sell proceeds would land below
	// the caller's floor. Nothing is mutated.
	ErrSlippageExceeded = errors.New("engine: slippage floor exceeded")

	// ErrUserNotFound is returned when the account does not exist.
	ErrUserNotFound = errors.New("engine: user not found")

	// ErrNumericOverflow is returned when the fixed-point kernel cannot
	// represent an intermediate value. Treated as a server fault.
	ErrNumericOverflow = errors.New("engine: numeric overflow")
)
