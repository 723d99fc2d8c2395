// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// All monetary and share quantities cross this interface as int64 micros.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/predictlab/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an insert violates a uniqueness
	// constraint (market ID, account, or idempotency key).
	ErrDuplicate = errors.New("store: duplicate")

	// ErrInsufficientBalance is returned by ApplyBalanceDelta when the
	// delta would take the account negative. The transaction rolls back.
	ErrInsufficientBalance = errors.New("store: insufficient balance")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. Every trade-path mutation goes
// through WithTx so pool, position, balance, trade and transaction writes
// commit or roll back together.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market with its seeded AMM pool.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Accounts ---

	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, account *model.Account) error

	// GetAccount retrieves an account by user ID.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// --- Positions ---

	// GetPosition retrieves one user's position in one market.
	GetPosition(ctx context.Context, marketID, userID string) (*model.Position, error)

	// PositionsByUser returns all of a user's positions.
	PositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	// OpenPositions returns up to limit positions in the market that still
	// hold shares on either side. Payout batches drain this set.
	OpenPositions(ctx context.Context, marketID string, limit int) ([]model.Position, error)

	// --- Immutable history ---

	// TradesByMarket returns all trades for a market in execution order.
	TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)

	// TradesByUser returns all trades for a user in execution order.
	TradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// TransactionsByUser returns a user's balance log in append order.
	TransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error)

	// --- Atomic unit of work ---

	// WithTx runs fn inside a transaction. If fn returns an error the
	// transaction rolls back and the error is returned unchanged.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the mutation surface available inside WithTx. The PostgreSQL
// implementation locks the market row on MarketForUpdate so concurrent
// trades against one pool serialize.
type Tx interface {
	// MarketForUpdate reads a market and holds it for the transaction.
	MarketForUpdate(ctx context.Context, id string) (*model.Market, error)

	// CreateAccount persists a new account inside the transaction, so a
	// seed credit can commit or roll back together with the insert.
	CreateAccount(ctx context.Context, account *model.Account) error

	// UpdateAmmState writes the pool quantities after a trade.
	UpdateAmmState(ctx context.Context, id string, qYesMicros, qNoMicros int64) error

	// MarkResolved sets the winning outcome and resolution time.
	MarkResolved(ctx context.Context, id string, outcome model.Outcome, at time.Time) error

	// Position returns the user's position, or a zero-valued position if
	// none exists yet.
	Position(ctx context.Context, marketID, userID string) (*model.Position, error)

	// UpsertPosition writes a position, creating it if absent.
	UpsertPosition(ctx context.Context, p *model.Position) error

	// ApplyBalanceDelta moves a user's balance by a signed delta and
	// appends the matching transaction row. Returns ErrNotFound if the
	// account does not exist and ErrInsufficientBalance if the delta would
	// take the balance negative.
	ApplyBalanceDelta(ctx context.Context, userID string, deltaMicros int64, typ model.TransactionType, refID string) (*model.Transaction, error)

	// TradeByIdempotencyKey returns the user's prior trade under the key,
	// or ErrNotFound.
	TradeByIdempotencyKey(ctx context.Context, userID, key string) (*model.Trade, error)

	// InsertTrade appends an immutable trade record. Returns ErrDuplicate
	// if the trade carries an idempotency key the user already used.
	InsertTrade(ctx context.Context, t *model.Trade) error
}
