package lmsr

import (
	"testing"

	"github.com/predictlab/market-engine/internal/fixedpoint"
)

// micros converts whole units to micros for test readability.
func micros(units int64) int64 {
	return units * fixedpoint.Scale
}

func mustMaker(t *testing.T, b int64) *MarketMaker {
	t.Helper()
	mm, err := NewMarketMaker(b)
	if err != nil {
		t.Fatalf("NewMarketMaker(%d): %v", b, err)
	}
	return mm
}

// --- Constructor tests ---

func TestNewMarketMaker_Valid(t *testing.T) {
	mm := mustMaker(t, micros(100))
	if mm.B() != micros(100) {
		t.Errorf("expected b=%d, got %d", micros(100), mm.B())
	}
}

func TestNewMarketMaker_ZeroB(t *testing.T) {
	if _, err := NewMarketMaker(0); err != ErrInvalidLiquidity {
		t.Errorf("expected ErrInvalidLiquidity for b=0, got %v", err)
	}
}

func TestNewMarketMaker_NegativeB(t *testing.T) {
	if _, err := NewMarketMaker(micros(-50)); err != ErrInvalidLiquidity {
		t.Errorf("expected ErrInvalidLiquidity for b=-50, got %v", err)
	}
}

// --- Price function tests ---

func TestPrice_InitiallyFiftyFifty(t *testing.T) {
	mm := mustMaker(t, micros(100))
	p, err := mm.Price(0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != fixedpoint.Scale/2 {
		t.Errorf("expected initial price 500000, got %d", p)
	}
}

func TestPrice_BuyingYesIncreasesPrice(t *testing.T) {
	mm := mustMaker(t, micros(100))
	before, _ := mm.Price(0, 0)
	after, err := mm.Price(micros(10), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if after <= before {
		t.Errorf("buying YES should increase price: before=%d after=%d", before, after)
	}
}

func TestPrice_BuyingNoDecreasesYesPrice(t *testing.T) {
	mm := mustMaker(t, micros(100))
	before, _ := mm.Price(0, 0)
	after, err := mm.Price(0, micros(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if after >= before {
		t.Errorf("buying NO should decrease YES price: before=%d after=%d", before, after)
	}
}

func TestPrice_SumsToOneMicroExact(t *testing.T) {
	mm := mustMaker(t, micros(100))
	tests := []struct {
		qYes, qNo int64
	}{
		{0, 0},
		{micros(10), 0},
		{0, micros(10)},
		{micros(30), micros(10)},
		{micros(100), micros(200)},
		{micros(500), micros(100)},
		{micros(5000), micros(3)},
	}
	for _, tt := range tests {
		pYes, err := mm.Price(tt.qYes, tt.qNo)
		if err != nil {
			t.Fatalf("Price(%d,%d): %v", tt.qYes, tt.qNo, err)
		}
		pNo, err := mm.PriceNo(tt.qYes, tt.qNo)
		if err != nil {
			t.Fatalf("PriceNo(%d,%d): %v", tt.qYes, tt.qNo, err)
		}
		if pYes+pNo != fixedpoint.Scale {
			t.Errorf("prices must sum to exactly %d: pYes=%d pNo=%d (q=%d,%d)",
				fixedpoint.Scale, pYes, pNo, tt.qYes, tt.qNo)
		}
	}
}

func TestPrice_StrictlyInsideUnitInterval(t *testing.T) {
	mm := mustMaker(t, micros(100))
	tests := []struct {
		name      string
		qYes, qNo int64
	}{
		{"very large YES", micros(100_000), 0},
		{"very large NO", 0, micros(100_000)},
		{"both large equal", micros(100_000), micros(100_000)},
		{"large asymmetric", micros(100_000), micros(50_000)},
		{"overflow-scale pool", micros(5_000_000_000), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := mm.Price(tt.qYes, tt.qNo)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p < MinPriceMicros || p > MaxPriceMicros {
				t.Errorf("price %d outside (0,1) bounds", p)
			}
		})
	}
}

// --- Cost function tests ---

func TestCostToBuy_Positive(t *testing.T) {
	mm := mustMaker(t, micros(100))
	cost, err := mm.CostToBuy(0, 0, micros(10), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cost <= 0 {
		t.Errorf("buying should cost a positive amount, got %d", cost)
	}
}

func TestCostToBuy_SymmetricAtOrigin(t *testing.T) {
	mm := mustMaker(t, micros(100))
	costYes, _ := mm.CostToBuy(0, 0, micros(10), true)
	costNo, _ := mm.CostToBuy(0, 0, micros(10), false)
	if costYes != costNo {
		t.Errorf("expected symmetric cost at origin: YES=%d NO=%d", costYes, costNo)
	}
}

func TestCostToBuy_RejectsNonPositive(t *testing.T) {
	mm := mustMaker(t, micros(100))
	if _, err := mm.CostToBuy(0, 0, 0, true); err != ErrInvalidShares {
		t.Errorf("expected ErrInvalidShares for zero delta, got %v", err)
	}
	if _, err := mm.CostToBuy(0, 0, micros(-5), true); err != ErrInvalidShares {
		t.Errorf("expected ErrInvalidShares for negative delta, got %v", err)
	}
}

func TestCost_PathIndependence(t *testing.T) {
	mm := mustMaker(t, micros(100))

	// Buy 10, then 5 more, should cost the same as 15 at once up to the
	// per-trade micro rounding in the maker's favor.
	cost1, _ := mm.CostToBuy(0, 0, micros(10), true)
	cost2, _ := mm.CostToBuy(micros(10), 0, micros(5), true)
	direct, _ := mm.CostToBuy(0, 0, micros(15), true)

	diff := cost1 + cost2 - direct
	if diff < 0 {
		diff = -diff
	}
	if diff > 3 {
		t.Errorf("path independence violated: sequential=%d direct=%d", cost1+cost2, direct)
	}
}

func TestCost_Convexity(t *testing.T) {
	mm := mustMaker(t, micros(100))
	first, _ := mm.CostToBuy(0, 0, micros(10), true)
	second, _ := mm.CostToBuy(micros(10), 0, micros(10), true)
	if second <= first {
		t.Errorf("second batch should cost more (convexity): first=%d second=%d", first, second)
	}
}

func TestBuyThenSell_MakerNeverLoses(t *testing.T) {
	mm := mustMaker(t, micros(100))

	shares := micros(25)
	cost, err := mm.CostToBuy(0, 0, shares, true)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	proceeds, err := mm.ProceedsFromSell(shares, 0, shares, true)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if proceeds > cost {
		t.Errorf("round trip must not profit the trader: cost=%d proceeds=%d", cost, proceeds)
	}
}

func TestProceedsFromSell_NeverNegative(t *testing.T) {
	mm := mustMaker(t, micros(100))
	proceeds, err := mm.ProceedsFromSell(1, 0, 1, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if proceeds < 0 {
		t.Errorf("proceeds must be >= 0, got %d", proceeds)
	}
}

func TestProceedsFromSell_RejectsOversell(t *testing.T) {
	mm := mustMaker(t, micros(100))
	if _, err := mm.ProceedsFromSell(micros(5), 0, micros(10), true); err != ErrInvalidShares {
		t.Errorf("expected ErrInvalidShares selling more than issued, got %v", err)
	}
}

// --- Bounded loss ---

func TestMaxLoss_Bounded(t *testing.T) {
	mm := mustMaker(t, micros(100))
	maxLoss, err := mm.MaxLoss()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A trader buys 10000 YES shares and YES happens: the maker pays out
	// 10000 credits but collected the trade cost. The shortfall must stay
	// within b*ln(2).
	paid, err := mm.CostToBuy(0, 0, micros(10_000), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loss := micros(10_000) - paid
	if loss > maxLoss+fixedpoint.Scale/1000 {
		t.Errorf("maker loss %d exceeds bound %d", loss, maxLoss)
	}
}

// --- Cost inversion (SharesForCost) ---

func TestSharesForCost_CostNeverExceedsSpend(t *testing.T) {
	mm := mustMaker(t, micros(100))
	spends := []int64{micros(1), micros(10), micros(50), 1_234_567, 999}
	for _, spend := range spends {
		shares, cost, err := mm.SharesForCost(0, 0, spend, true)
		if err != nil {
			t.Fatalf("SharesForCost(%d): %v", spend, err)
		}
		if shares <= 0 {
			t.Errorf("expected positive shares for spend %d", spend)
		}
		if cost > spend {
			t.Errorf("cost %d exceeds requested spend %d", cost, spend)
		}
		// One more micro-share should push past the budget.
		over, err := mm.CostToBuy(0, 0, shares+1, true)
		if err != nil {
			t.Fatalf("CostToBuy: %v", err)
		}
		if over <= spend {
			t.Errorf("shares not maximal for spend %d: %d shares cost %d", spend, shares+1, over)
		}
	}
}

func TestSharesForCost_SharesExceedSpendAtHalfPrice(t *testing.T) {
	// At p=0.5 every credit buys nearly two shares.
	mm := mustMaker(t, micros(100))
	shares, _, err := mm.SharesForCost(0, 0, micros(10), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if shares <= micros(10) {
		t.Errorf("at even odds 10 credits should buy more than 10 shares, got %d", shares)
	}
}

func TestSharesForCost_RejectsNonPositiveSpend(t *testing.T) {
	mm := mustMaker(t, micros(100))
	if _, _, err := mm.SharesForCost(0, 0, 0, true); err != ErrInvalidShares {
		t.Errorf("expected ErrInvalidShares, got %v", err)
	}
}

// --- Scenario from the product brief ---

func TestScenario_TenCreditBuyMovesPriceToPoint548(t *testing.T) {
	// Market seeded at q=0/q=0 with b=100 credits: spending 10 credits on
	// YES moves the price from 0.500 to about 0.548.
	mm := mustMaker(t, micros(100))

	shares, cost, err := mm.SharesForCost(0, 0, micros(10), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if shares <= 0 {
		t.Fatalf("expected positive shares, got %d", shares)
	}
	if cost > micros(10) {
		t.Fatalf("cost %d exceeds spend", cost)
	}

	p, err := mm.Price(shares, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p < 547_000 || p > 549_000 {
		t.Errorf("expected post-trade YES price ≈ 548000 micros, got %d", p)
	}
}

func TestFillPrice_AverageBetweenStartAndEnd(t *testing.T) {
	mm := mustMaker(t, micros(100))
	shares := micros(20)
	cost, _ := mm.CostToBuy(0, 0, shares, true)
	fill, err := mm.FillPrice(cost, shares)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	endPrice, _ := mm.Price(shares, 0)
	if fill < 500_000 || fill > endPrice {
		t.Errorf("fill price %d should lie between 500000 and %d", fill, endPrice)
	}
}
