package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/predictlab/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	markets      map[string]*model.Market
	accounts     map[string]*model.Account
	positions    map[string]*model.Position // key: marketID + "/" + userID
	trades       []model.Trade
	transactions []model.Transaction
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		accounts:  make(map[string]*model.Account),
		positions: make(map[string]*model.Position),
	}
}

func posKey(marketID, userID string) string {
	return marketID + "/" + userID
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return ErrDuplicate
	}
	// Store a copy to avoid external mutation.
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marketLocked(id)
}

func (s *MemoryStore) marketLocked(id string) (*model.Market, error) {
	m, ok := s.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.UserID]; ok {
		return ErrDuplicate
	}
	cp := *a
	s.accounts[a.UserID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, marketID, userID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(marketID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) PositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].MarketID < result[j].MarketID
	})
	return result, nil
}

func (s *MemoryStore) OpenPositions(_ context.Context, marketID string, limit int) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.MarketID == marketID && !p.Empty() {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UserID < result[j].UserID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) TradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.MarketID == marketID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) TradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) TransactionsByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, tx := range s.transactions {
		if tx.UserID == userID {
			result = append(result, tx)
		}
	}
	return result, nil
}

// WithTx serializes on the store mutex and restores a full snapshot when fn
// fails, so a partial mutation never becomes visible.
func (s *MemoryStore) WithTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshotLocked()
	if err := fn(&memoryTx{s: s}); err != nil {
		s.restoreLocked(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	markets      map[string]*model.Market
	accounts     map[string]*model.Account
	positions    map[string]*model.Position
	trades       []model.Trade
	transactions []model.Transaction
}

func (s *MemoryStore) snapshotLocked() memorySnapshot {
	snap := memorySnapshot{
		markets:      make(map[string]*model.Market, len(s.markets)),
		accounts:     make(map[string]*model.Account, len(s.accounts)),
		positions:    make(map[string]*model.Position, len(s.positions)),
		trades:       append([]model.Trade(nil), s.trades...),
		transactions: append([]model.Transaction(nil), s.transactions...),
	}
	for k, v := range s.markets {
		cp := *v
		snap.markets[k] = &cp
	}
	for k, v := range s.accounts {
		cp := *v
		snap.accounts[k] = &cp
	}
	for k, v := range s.positions {
		cp := *v
		snap.positions[k] = &cp
	}
	return snap
}

func (s *MemoryStore) restoreLocked(snap memorySnapshot) {
	s.markets = snap.markets
	s.accounts = snap.accounts
	s.positions = snap.positions
	s.trades = snap.trades
	s.transactions = snap.transactions
}

// memoryTx mutates the store directly; the caller already holds the write
// lock and WithTx handles rollback.
type memoryTx struct {
	s *MemoryStore
}

func (t *memoryTx) MarketForUpdate(_ context.Context, id string) (*model.Market, error) {
	return t.s.marketLocked(id)
}

func (t *memoryTx) CreateAccount(_ context.Context, a *model.Account) error {
	if _, ok := t.s.accounts[a.UserID]; ok {
		return ErrDuplicate
	}
	cp := *a
	t.s.accounts[a.UserID] = &cp
	return nil
}

func (t *memoryTx) UpdateAmmState(_ context.Context, id string, qYesMicros, qNoMicros int64) error {
	m, ok := t.s.markets[id]
	if !ok {
		return ErrNotFound
	}
	m.QYesMicros = qYesMicros
	m.QNoMicros = qNoMicros
	return nil
}

func (t *memoryTx) MarkResolved(_ context.Context, id string, outcome model.Outcome, at time.Time) error {
	m, ok := t.s.markets[id]
	if !ok {
		return ErrNotFound
	}
	o := outcome
	m.ResolvedOutcome = &o
	m.ResolvedAt = &at
	return nil
}

func (t *memoryTx) Position(_ context.Context, marketID, userID string) (*model.Position, error) {
	p, ok := t.s.positions[posKey(marketID, userID)]
	if !ok {
		return &model.Position{MarketID: marketID, UserID: userID}, nil
	}
	cp := *p
	return &cp, nil
}

func (t *memoryTx) UpsertPosition(_ context.Context, p *model.Position) error {
	cp := *p
	t.s.positions[posKey(p.MarketID, p.UserID)] = &cp
	return nil
}

func (t *memoryTx) ApplyBalanceDelta(_ context.Context, userID string, deltaMicros int64, typ model.TransactionType, refID string) (*model.Transaction, error) {
	a, ok := t.s.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	next := a.CreditsMicros + deltaMicros
	if next < 0 {
		return nil, ErrInsufficientBalance
	}
	a.CreditsMicros = next

	tx := model.Transaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		Type:          typ,
		DeltaMicros:   deltaMicros,
		BalanceMicros: next,
		RefID:         refID,
		CreatedAt:     time.Now().UTC(),
	}
	t.s.transactions = append(t.s.transactions, tx)
	return &tx, nil
}

func (t *memoryTx) TradeByIdempotencyKey(_ context.Context, userID, key string) (*model.Trade, error) {
	for i := range t.s.trades {
		tr := &t.s.trades[i]
		if tr.UserID == userID && tr.IdempotencyKey == key {
			cp := *tr
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	if tr.IdempotencyKey != "" {
		for i := range t.s.trades {
			if t.s.trades[i].UserID == tr.UserID && t.s.trades[i].IdempotencyKey == tr.IdempotencyKey {
				return ErrDuplicate
			}
		}
	}
	t.s.trades = append(t.s.trades, *tr)
	return nil
}
