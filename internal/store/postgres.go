package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/predictlab/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as BIGINT micros; money never passes
// through floating point anywhere in the schema.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS markets (
	id               TEXT PRIMARY KEY,
	question         TEXT NOT NULL,
	q_yes_micros     BIGINT NOT NULL,
	q_no_micros      BIGINT NOT NULL,
	b_micros         BIGINT NOT NULL,
	closes_at        TIMESTAMPTZ NOT NULL,
	resolved_outcome TEXT,
	resolved_at      TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	user_id        TEXT PRIMARY KEY,
	credits_micros BIGINT NOT NULL CHECK (credits_micros >= 0),
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	market_id        TEXT NOT NULL,
	user_id          TEXT NOT NULL,
	yes_share_micros BIGINT NOT NULL DEFAULT 0 CHECK (yes_share_micros >= 0),
	no_share_micros  BIGINT NOT NULL DEFAULT 0 CHECK (no_share_micros >= 0),
	yes_cost_micros  BIGINT NOT NULL DEFAULT 0,
	no_cost_micros   BIGINT NOT NULL DEFAULT 0,
	updated_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (market_id, user_id)
);

CREATE TABLE IF NOT EXISTS trades (
	id                 TEXT PRIMARY KEY,
	market_id          TEXT NOT NULL,
	user_id            TEXT NOT NULL,
	side               TEXT NOT NULL,
	outcome            TEXT NOT NULL,
	share_micros       BIGINT NOT NULL,
	cost_micros        BIGINT NOT NULL,
	realized_pl_micros BIGINT,
	idempotency_key    TEXT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS trades_idempotency_idx
	ON trades (user_id, idempotency_key) WHERE idempotency_key <> '';
CREATE INDEX IF NOT EXISTS trades_market_idx ON trades (market_id, created_at);

CREATE TABLE IF NOT EXISTS transactions (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	type           TEXT NOT NULL,
	delta_micros   BIGINT NOT NULL,
	balance_micros BIGINT NOT NULL,
	ref_id         TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_user_idx ON transactions (user_id, created_at);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// mapPgErr translates driver errors into store sentinels.
func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

const marketCols = `id, question, q_yes_micros, q_no_micros, b_micros,
	closes_at, resolved_outcome, resolved_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row rowScanner) (*model.Market, error) {
	var m model.Market
	var outcome *string
	err := row.Scan(&m.ID, &m.Question, &m.QYesMicros, &m.QNoMicros, &m.BMicros,
		&m.ClosesAt, &outcome, &m.ResolvedAt, &m.CreatedAt)
	if err != nil {
		return nil, mapPgErr(err)
	}
	if outcome != nil {
		o := model.Outcome(*outcome)
		m.ResolvedOutcome = &o
	}
	return &m, nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, question, q_yes_micros, q_no_micros, b_micros, closes_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.Question, m.QYesMicros, m.QNoMicros, m.BMicros, m.ClosesAt, m.CreatedAt,
	)
	return mapPgErr(err)
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketCols+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, credits_micros, created_at) VALUES ($1, $2, $3)`,
		a.UserID, a.CreditsMicros, a.CreatedAt,
	)
	return mapPgErr(err)
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, credits_micros, created_at FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &a.CreditsMicros, &a.CreatedAt)
	if err != nil {
		return nil, mapPgErr(err)
	}
	return &a, nil
}

const positionCols = `market_id, user_id, yes_share_micros, no_share_micros,
	yes_cost_micros, no_cost_micros, updated_at`

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	err := row.Scan(&p.MarketID, &p.UserID, &p.YesShareMicros, &p.NoShareMicros,
		&p.YesCostMicros, &p.NoCostMicros, &p.UpdatedAt)
	if err != nil {
		return nil, mapPgErr(err)
	}
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, marketID, userID string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = $1 AND user_id = $2`,
		marketID, userID)
	return scanPosition(row)
}

func (s *PostgresStore) PositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE user_id = $1 ORDER BY market_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPositions(rows)
}

func (s *PostgresStore) OpenPositions(ctx context.Context, marketID string, limit int) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE market_id = $1 AND (yes_share_micros > 0 OR no_share_micros > 0)
		 ORDER BY user_id LIMIT $2`,
		marketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPositions(rows)
}

func collectPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

const tradeCols = `id, market_id, user_id, side, outcome, share_micros,
	cost_micros, realized_pl_micros, idempotency_key, created_at`

func scanTrade(row rowScanner) (*model.Trade, error) {
	var t model.Trade
	err := row.Scan(&t.ID, &t.MarketID, &t.UserID, &t.Side, &t.Outcome,
		&t.ShareMicros, &t.CostMicros, &t.RealizedPlMicros, &t.IdempotencyKey, &t.CreatedAt)
	if err != nil {
		return nil, mapPgErr(err)
	}
	return &t, nil
}

func (s *PostgresStore) TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeCols+` FROM trades WHERE market_id = $1 ORDER BY created_at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

func (s *PostgresStore) TradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeCols+` FROM trades WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

func collectTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) TransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, delta_micros, balance_micros, ref_id, created_at
		 FROM transactions WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var tx model.Transaction
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Type, &tx.DeltaMicros,
			&tx.BalanceMicros, &tx.RefID, &tx.CreatedAt); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// WithTx runs fn inside a database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer pgtx.Rollback(ctx)

	if err := fn(&postgresTx{tx: pgtx}); err != nil {
		return err
	}
	return pgtx.Commit(ctx)
}

type postgresTx struct {
	tx pgx.Tx
}

// MarketForUpdate locks the market row so concurrent trades on one pool
// serialize at the database.
func (t *postgresTx) MarketForUpdate(ctx context.Context, id string) (*model.Market, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = $1 FOR UPDATE`, id)
	return scanMarket(row)
}

func (t *postgresTx) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (user_id, credits_micros, created_at) VALUES ($1, $2, $3)`,
		a.UserID, a.CreditsMicros, a.CreatedAt,
	)
	return mapPgErr(err)
}

func (t *postgresTx) UpdateAmmState(ctx context.Context, id string, qYesMicros, qNoMicros int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE markets SET q_yes_micros = $2, q_no_micros = $3 WHERE id = $1`,
		id, qYesMicros, qNoMicros)
	if err != nil {
		return mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) MarkResolved(ctx context.Context, id string, outcome model.Outcome, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE markets SET resolved_outcome = $2, resolved_at = $3 WHERE id = $1`,
		id, string(outcome), at)
	if err != nil {
		return mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) Position(ctx context.Context, marketID, userID string) (*model.Position, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = $1 AND user_id = $2 FOR UPDATE`,
		marketID, userID)
	p, err := scanPosition(row)
	if errors.Is(err, ErrNotFound) {
		return &model.Position{MarketID: marketID, UserID: userID}, nil
	}
	return p, err
}

func (t *postgresTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (market_id, user_id, yes_share_micros, no_share_micros,
		                        yes_cost_micros, no_cost_micros, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (market_id, user_id) DO UPDATE SET
		   yes_share_micros = EXCLUDED.yes_share_micros,
		   no_share_micros  = EXCLUDED.no_share_micros,
		   yes_cost_micros  = EXCLUDED.yes_cost_micros,
		   no_cost_micros   = EXCLUDED.no_cost_micros,
		   updated_at       = EXCLUDED.updated_at`,
		p.MarketID, p.UserID, p.YesShareMicros, p.NoShareMicros,
		p.YesCostMicros, p.NoCostMicros, p.UpdatedAt)
	return mapPgErr(err)
}

func (t *postgresTx) ApplyBalanceDelta(ctx context.Context, userID string, deltaMicros int64, typ model.TransactionType, refID string) (*model.Transaction, error) {
	var balance int64
	err := t.tx.QueryRow(ctx,
		`UPDATE accounts SET credits_micros = credits_micros + $2
		 WHERE user_id = $1 AND credits_micros + $2 >= 0
		 RETURNING credits_micros`,
		userID, deltaMicros).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the account is missing or the delta would go negative.
		var exists bool
		if err := t.tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM accounts WHERE user_id = $1)`, userID).
			Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrInsufficientBalance
	}
	if err != nil {
		return nil, mapPgErr(err)
	}

	entry := model.Transaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		Type:          typ,
		DeltaMicros:   deltaMicros,
		BalanceMicros: balance,
		RefID:         refID,
		CreatedAt:     time.Now().UTC(),
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, delta_micros, balance_micros, ref_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.UserID, entry.Type, entry.DeltaMicros,
		entry.BalanceMicros, entry.RefID, entry.CreatedAt)
	if err != nil {
		return nil, mapPgErr(err)
	}
	return &entry, nil
}

func (t *postgresTx) TradeByIdempotencyKey(ctx context.Context, userID, key string) (*model.Trade, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+tradeCols+` FROM trades WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key)
	return scanTrade(row)
}

func (t *postgresTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, market_id, user_id, side, outcome, share_micros,
		                     cost_micros, realized_pl_micros, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tr.ID, tr.MarketID, tr.UserID, tr.Side, tr.Outcome, tr.ShareMicros,
		tr.CostMicros, tr.RealizedPlMicros, tr.IdempotencyKey, tr.CreatedAt)
	return mapPgErr(err)
}
