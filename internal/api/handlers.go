// Package api provides the HTTP surface of the market engine.
//
// Amounts cross this boundary as decimal credit strings and are converted
// to int64 micros before they reach the engine, so money never touches
// float64 on any path. Engine error kinds map to stable error codes and
// HTTP statuses here.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/predictlab/market-engine/internal/engine"
	"github.com/predictlab/market-engine/internal/fixedpoint"
	"github.com/predictlab/market-engine/internal/lmsr"
	"github.com/predictlab/market-engine/internal/metrics"
	"github.com/predictlab/market-engine/internal/model"
	"github.com/predictlab/market-engine/internal/risk"
	"github.com/predictlab/market-engine/internal/store"
)

// Service exposes the engine over HTTP.
type Service struct {
	engine          *engine.Engine
	store           store.Store
	hub             *WSHub // optional; nil disables broadcasting
	payoutBatchSize int
}

// NewService creates the HTTP service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(eng *engine.Engine, st store.Store, hub *WSHub, payoutBatchSize int) *Service {
	if payoutBatchSize <= 0 {
		payoutBatchSize = engine.DefaultPayoutBatchSize
	}
	return &Service{engine: eng, store: st, hub: hub, payoutBatchSize: payoutBatchSize}
}

// Routes registers all API routes on a fresh router. The caller mounts it
// under /api/v1 and adds middleware.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Post("/markets", s.CreateMarket)
	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/price", s.GetPrice)
	r.Get("/markets/{marketID}/trades", s.GetMarketTrades)
	r.Post("/markets/{marketID}/buy", s.Buy)
	r.Post("/markets/{marketID}/sell", s.Sell)
	r.Post("/markets/{marketID}/resolve", s.Resolve)
	r.Post("/markets/{marketID}/payouts", s.Payout)

	r.Post("/users", s.CreateUser)
	r.Get("/users/{userID}/balance", s.GetBalance)
	r.Get("/users/{userID}/positions", s.GetPositions)
	r.Get("/users/{userID}/transactions", s.GetTransactions)
	r.Post("/users/{userID}/credits", s.GrantCredits)

	return r
}

// --- Decimal boundary ---

// creditsToMicros converts a decimal credit amount to int64 micros.
// Anything finer than a micro is rejected rather than silently rounded.
func creditsToMicros(d decimal.Decimal) (int64, error) {
	shifted := d.Shift(6)
	if !shifted.IsInteger() {
		return 0, errors.New("amount has more than 6 decimal places")
	}
	if !shifted.BigInt().IsInt64() {
		return 0, errors.New("amount out of range")
	}
	return shifted.IntPart(), nil
}

// microsToCredits renders micros as a decimal credit amount.
func microsToCredits(m int64) decimal.Decimal {
	return decimal.New(m, -6)
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Question string          `json:"question"`
	B        decimal.Decimal `json:"b"` // liquidity in credits; 0 → default 100
	ClosesAt time.Time       `json:"closes_at"`
}

// CreateUserRequest is the JSON body for account creation.
type CreateUserRequest struct {
	UserID      string          `json:"user_id"`
	SeedCredits decimal.Decimal `json:"seed_credits"`
}

// BuyRequestBody is the JSON body for POST /markets/{id}/buy.
type BuyRequestBody struct {
	UserID         string          `json:"user_id"`
	Outcome        string          `json:"outcome"`
	Spend          decimal.Decimal `json:"spend"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// SellRequestBody is the JSON body for POST /markets/{id}/sell.
type SellRequestBody struct {
	UserID         string          `json:"user_id"`
	Outcome        string          `json:"outcome"`
	Shares         decimal.Decimal `json:"shares"`
	MinProceeds    decimal.Decimal `json:"min_proceeds"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// ResolveRequestBody is the JSON body for POST /markets/{id}/resolve.
type ResolveRequestBody struct {
	Outcome string `json:"outcome"`
}

// CreditRequestBody is the JSON body for POST /users/{id}/credits.
type CreditRequestBody struct {
	Amount decimal.Decimal `json:"amount"`
}

// TradeResponse renders an executed trade with decimal credit amounts.
type TradeResponse struct {
	TradeID    string           `json:"trade_id"`
	MarketID   string           `json:"market_id"`
	UserID     string           `json:"user_id"`
	Side       string           `json:"side"`
	Outcome    string           `json:"outcome"`
	Shares     decimal.Decimal  `json:"shares"`
	Cost       decimal.Decimal  `json:"cost"`
	RealizedPl *decimal.Decimal `json:"realized_pl,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

func renderTrade(t *model.Trade) TradeResponse {
	resp := TradeResponse{
		TradeID:   t.ID,
		MarketID:  t.MarketID,
		UserID:    t.UserID,
		Side:      string(t.Side),
		Outcome:   string(t.Outcome),
		Shares:    microsToCredits(t.ShareMicros),
		Cost:      microsToCredits(t.CostMicros),
		CreatedAt: t.CreatedAt,
	}
	if t.RealizedPlMicros != nil {
		pl := microsToCredits(*t.RealizedPlMicros)
		resp.RealizedPl = &pl
	}
	return resp
}

// MarketResponse renders a market with live prices.
type MarketResponse struct {
	ID              string          `json:"id"`
	Question        string          `json:"question"`
	QYes            decimal.Decimal `json:"q_yes"`
	QNo             decimal.Decimal `json:"q_no"`
	B               decimal.Decimal `json:"b"`
	PriceYes        decimal.Decimal `json:"price_yes"`
	PriceNo         decimal.Decimal `json:"price_no"`
	ClosesAt        time.Time       `json:"closes_at"`
	ResolvedOutcome *model.Outcome  `json:"resolved_outcome,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// --- Handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "question is required")
		return
	}
	if req.ClosesAt.IsZero() {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "closes_at is required")
		return
	}

	bMicros, err := creditsToMicros(req.B)
	if err != nil || bMicros < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "b must be a non-negative credit amount")
		return
	}

	m, err := s.engine.CreateMarket(r.Context(), req.Question, bMicros, req.ClosesAt)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.marketView(m))
}

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to list markets")
		return
	}
	views := make([]MarketResponse, 0, len(markets))
	for i := range markets {
		views = append(views, s.marketView(&markets[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "MARKET_NOT_FOUND", "market not found")
		return
	}
	writeJSON(w, http.StatusOK, s.marketView(m))
}

// GetPrice handles GET /api/v1/markets/{marketID}/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	q, err := s.engine.Quote(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{
		"yes": microsToCredits(q.PriceYesMicros),
		"no":  microsToCredits(q.PriceNoMicros),
	})
}

// GetMarketTrades handles GET /api/v1/markets/{marketID}/trades
func (s *Service) GetMarketTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.TradesByMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to load trades")
		return
	}
	views := make([]TradeResponse, 0, len(trades))
	for i := range trades {
		views = append(views, renderTrade(&trades[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// Buy handles POST /api/v1/markets/{marketID}/buy
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	var req BuyRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id is required")
		return
	}
	outcome, err := model.ParseOutcome(req.Outcome)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	spend, err := creditsToMicros(req.Spend)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
		return
	}
	key := req.IdempotencyKey
	if hdr := r.Header.Get("Idempotency-Key"); hdr != "" {
		key = hdr
	}

	start := time.Now()
	trade, err := s.engine.Buy(r.Context(), engine.BuyRequest{
		MarketID:       chi.URLParam(r, "marketID"),
		UserID:         req.UserID,
		Outcome:        outcome,
		SpendMicros:    spend,
		IdempotencyKey: key,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.ObserveTrade(string(trade.Side), string(trade.Outcome), start)

	s.broadcastTrade(r, trade)
	writeJSON(w, http.StatusOK, renderTrade(trade))
}

// Sell handles POST /api/v1/markets/{marketID}/sell
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	var req SellRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id is required")
		return
	}
	outcome, err := model.ParseOutcome(req.Outcome)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	shares, err := creditsToMicros(req.Shares)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
		return
	}
	minProceeds, err := creditsToMicros(req.MinProceeds)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
		return
	}
	key := req.IdempotencyKey
	if hdr := r.Header.Get("Idempotency-Key"); hdr != "" {
		key = hdr
	}

	start := time.Now()
	trade, err := s.engine.Sell(r.Context(), engine.SellRequest{
		MarketID:          chi.URLParam(r, "marketID"),
		UserID:            req.UserID,
		Outcome:           outcome,
		ShareMicros:       shares,
		MinProceedsMicros: minProceeds,
		IdempotencyKey:    key,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.ObserveTrade(string(trade.Side), string(trade.Outcome), start)

	s.broadcastTrade(r, trade)
	writeJSON(w, http.StatusOK, renderTrade(trade))
}

// Resolve handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	outcome, err := model.ParseOutcome(req.Outcome)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	m, err := s.engine.Resolve(r.Context(), chi.URLParam(r, "marketID"), outcome)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	metrics.ResolutionsTotal.WithLabelValues(string(outcome)).Inc()

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:     "market_resolved",
			MarketID: m.ID,
			Outcome:  string(outcome),
		})
	}
	writeJSON(w, http.StatusOK, s.marketView(m))
}

// Payout handles POST /api/v1/markets/{marketID}/payouts
// Settles one bounded batch of open positions.
func (s *Service) Payout(w http.ResponseWriter, r *http.Request) {
	settled, open, err := s.engine.PayoutBatch(r.Context(), chi.URLParam(r, "marketID"), s.payoutBatchSize)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	if settled == nil {
		settled = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settled_users": settled,
		"done":          open == 0,
	})
}

// CreateUser handles POST /api/v1/users
func (s *Service) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id is required")
		return
	}
	seed, err := creditsToMicros(req.SeedCredits)
	if err != nil || seed < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "seed_credits must be a non-negative credit amount")
		return
	}

	a, err := s.engine.CreateAccount(r.Context(), req.UserID, seed)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "USER_EXISTS", "user already exists")
			return
		}
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user_id": a.UserID,
		"credits": microsToCredits(a.CreditsMicros),
	})
}

// GetBalance handles GET /api/v1/users/{userID}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAccount(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "USER_NOT_FOUND", "user not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": a.UserID,
		"credits": microsToCredits(a.CreditsMicros),
	})
}

// GetPositions handles GET /api/v1/users/{userID}/positions
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.PositionsByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to load positions")
		return
	}
	type positionView struct {
		MarketID  string          `json:"market_id"`
		YesShares decimal.Decimal `json:"yes_shares"`
		NoShares  decimal.Decimal `json:"no_shares"`
		YesCost   decimal.Decimal `json:"yes_cost"`
		NoCost    decimal.Decimal `json:"no_cost"`
	}
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, positionView{
			MarketID:  p.MarketID,
			YesShares: microsToCredits(p.YesShareMicros),
			NoShares:  microsToCredits(p.NoShareMicros),
			YesCost:   microsToCredits(p.YesCostMicros),
			NoCost:    microsToCredits(p.NoCostMicros),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// GetTransactions handles GET /api/v1/users/{userID}/transactions
func (s *Service) GetTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.store.TransactionsByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to load transactions")
		return
	}
	type txView struct {
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		Delta     decimal.Decimal `json:"delta"`
		Balance   decimal.Decimal `json:"balance"`
		RefID     string          `json:"ref_id,omitempty"`
		CreatedAt time.Time       `json:"created_at"`
	}
	views := make([]txView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, txView{
			ID:        tx.ID,
			Type:      string(tx.Type),
			Delta:     microsToCredits(tx.DeltaMicros),
			Balance:   microsToCredits(tx.BalanceMicros),
			RefID:     tx.RefID,
			CreatedAt: tx.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// GrantCredits handles POST /api/v1/users/{userID}/credits
// Promotional credits share the delta-based ledger path with trading.
func (s *Service) GrantCredits(w http.ResponseWriter, r *http.Request) {
	var req CreditRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	amount, err := creditsToMicros(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
		return
	}

	entry, err := s.engine.GrantCredits(r.Context(), chi.URLParam(r, "userID"), amount)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction_id": entry.ID,
		"balance":        microsToCredits(entry.BalanceMicros),
	})
}

// --- Views and helpers ---

// marketView renders a market with prices computed from its pool state.
func (s *Service) marketView(m *model.Market) MarketResponse {
	view := MarketResponse{
		ID:              m.ID,
		Question:        m.Question,
		QYes:            microsToCredits(m.QYesMicros),
		QNo:             microsToCredits(m.QNoMicros),
		B:               microsToCredits(m.BMicros),
		ClosesAt:        m.ClosesAt,
		ResolvedOutcome: m.ResolvedOutcome,
		ResolvedAt:      m.ResolvedAt,
		CreatedAt:       m.CreatedAt,
	}
	if mm, err := lmsr.NewMarketMaker(m.BMicros); err == nil {
		if pYes, err := mm.Price(m.QYesMicros, m.QNoMicros); err == nil {
			view.PriceYes = microsToCredits(pYes)
			view.PriceNo = microsToCredits(fixedpoint.Scale - pYes)
		}
	}
	return view
}

func (s *Service) broadcastTrade(r *http.Request, trade *model.Trade) {
	if s.hub == nil {
		return
	}
	q, err := s.engine.Quote(r.Context(), trade.MarketID)
	if err != nil {
		return
	}
	s.hub.Broadcast(WSMessage{
		Type:        "trade_executed",
		MarketID:    trade.MarketID,
		PriceYes:    microsToCredits(q.PriceYesMicros).String(),
		PriceNo:     microsToCredits(q.PriceNoMicros).String(),
		Side:        string(trade.Side),
		Outcome:     string(trade.Outcome),
		ShareAmount: microsToCredits(trade.ShareMicros).String(),
	})
}

// writeEngineError maps engine error kinds to HTTP statuses and stable
// error codes.
func (s *Service) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
	case errors.Is(err, engine.ErrMarketNotFound):
		writeError(w, http.StatusNotFound, "MARKET_NOT_FOUND", err.Error())
	case errors.Is(err, engine.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "USER_NOT_FOUND", err.Error())
	case errors.Is(err, engine.ErrMarketClosed):
		s.rejected(w, http.StatusConflict, "MARKET_CLOSED", err)
	case errors.Is(err, engine.ErrMarketResolved):
		s.rejected(w, http.StatusConflict, "MARKET_RESOLVED", err)
	case errors.Is(err, engine.ErrMarketOpen):
		writeError(w, http.StatusConflict, "MARKET_OPEN", err.Error())
	case errors.Is(err, engine.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "ALREADY_RESOLVED", err.Error())
	case errors.Is(err, engine.ErrMarketNotResolved):
		writeError(w, http.StatusConflict, "MARKET_NOT_RESOLVED", err.Error())
	case errors.Is(err, engine.ErrSlippageExceeded):
		s.rejected(w, http.StatusConflict, "SLIPPAGE_EXCEEDED", err)
	case errors.Is(err, risk.ErrTradeTooLarge):
		s.rejected(w, http.StatusConflict, "TRADE_TOO_LARGE", err)
	case errors.Is(err, risk.ErrPositionLimitExceeded):
		s.rejected(w, http.StatusConflict, "POSITION_LIMIT_EXCEEDED", err)
	case errors.Is(err, engine.ErrInsufficientCredits):
		s.rejected(w, http.StatusUnprocessableEntity, "INSUFFICIENT_CREDITS", err)
	case errors.Is(err, engine.ErrInsufficientShares):
		s.rejected(w, http.StatusUnprocessableEntity, "INSUFFICIENT_SHARES", err)
	case errors.Is(err, engine.ErrNumericOverflow):
		writeError(w, http.StatusInternalServerError, "NUMERIC_OVERFLOW", err.Error())
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, "DUPLICATE", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

// rejected records a trade rejection metric alongside the error response.
func (s *Service) rejected(w http.ResponseWriter, status int, code string, err error) {
	metrics.TradeRejections.WithLabelValues(code).Inc()
	writeError(w, status, code, err.Error())
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response with a stable error code.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
