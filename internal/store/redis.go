package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/predictlab/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Reads on the hot quote path (GetMarket, PositionsByUser) check
// Redis first and fall back to the primary; transactional writes invalidate
// the touched keys after the primary commit succeeds.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) PositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.PositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

// WithTx runs the unit of work on the primary store, collecting the cache
// keys its mutations touch; on commit those keys are dropped so the next
// read repopulates from the source of truth.
func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	var stale []string
	err := s.primary.WithTx(ctx, func(tx Tx) error {
		return fn(&cachedTx{inner: tx, stale: &stale})
	})
	if err != nil {
		return err
	}
	if len(stale) > 0 {
		s.rdb.Del(ctx, stale...)
	}
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	return s.primary.CreateAccount(ctx, a)
}

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, userID)
}

func (s *CachedStore) GetPosition(ctx context.Context, marketID, userID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, marketID, userID)
}

func (s *CachedStore) OpenPositions(ctx context.Context, marketID string, limit int) ([]model.Position, error) {
	return s.primary.OpenPositions(ctx, marketID, limit)
}

func (s *CachedStore) TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.primary.TradesByMarket(ctx, marketID)
}

func (s *CachedStore) TradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.TradesByUser(ctx, userID)
}

func (s *CachedStore) TransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.TransactionsByUser(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }

// cachedTx delegates to the primary transaction and records which cache
// keys each mutation invalidates.
type cachedTx struct {
	inner Tx
	stale *[]string
}

func (t *cachedTx) markStale(key string) {
	for _, k := range *t.stale {
		if k == key {
			return
		}
	}
	*t.stale = append(*t.stale, key)
}

func (t *cachedTx) MarketForUpdate(ctx context.Context, id string) (*model.Market, error) {
	return t.inner.MarketForUpdate(ctx, id)
}

func (t *cachedTx) CreateAccount(ctx context.Context, a *model.Account) error {
	return t.inner.CreateAccount(ctx, a)
}

func (t *cachedTx) UpdateAmmState(ctx context.Context, id string, qYesMicros, qNoMicros int64) error {
	if err := t.inner.UpdateAmmState(ctx, id, qYesMicros, qNoMicros); err != nil {
		return err
	}
	t.markStale(marketKey(id))
	return nil
}

func (t *cachedTx) MarkResolved(ctx context.Context, id string, outcome model.Outcome, at time.Time) error {
	if err := t.inner.MarkResolved(ctx, id, outcome, at); err != nil {
		return err
	}
	t.markStale(marketKey(id))
	return nil
}

func (t *cachedTx) Position(ctx context.Context, marketID, userID string) (*model.Position, error) {
	return t.inner.Position(ctx, marketID, userID)
}

func (t *cachedTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	if err := t.inner.UpsertPosition(ctx, p); err != nil {
		return err
	}
	t.markStale(positionsKey(p.UserID))
	return nil
}

func (t *cachedTx) ApplyBalanceDelta(ctx context.Context, userID string, deltaMicros int64, typ model.TransactionType, refID string) (*model.Transaction, error) {
	return t.inner.ApplyBalanceDelta(ctx, userID, deltaMicros, typ, refID)
}

func (t *cachedTx) TradeByIdempotencyKey(ctx context.Context, userID, key string) (*model.Trade, error) {
	return t.inner.TradeByIdempotencyKey(ctx, userID, key)
}

func (t *cachedTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	return t.inner.InsertTrade(ctx, tr)
}
