package market

import (
	"errors"
	"testing"
)

func testItem(base, current, stock int64) Item {
	return Item{
		ID:           "timber",
		Name:         "Timber Bundle",
		Category:     CategoryResource,
		BasePrice:    base,
		CurrentPrice: current,
		Stock:        stock,
		Volatility:   volatility(current, base),
	}
}

func TestNextItemStateBuyStep(t *testing.T) {
	it := testItem(100, 100, 10)

	next, err := nextItemState(it, DirectionBuy, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.CurrentPrice != 100 {
		t.Fatalf("buy of 5 should not move the price: got %d", next.CurrentPrice)
	}
	if next.Stock != 5 {
		t.Fatalf("stock: got %d want 5", next.Stock)
	}

	next, err = nextItemState(it, DirectionBuy, 25)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.CurrentPrice != 102 {
		t.Fatalf("buy of 25 should move price by 2: got %d", next.CurrentPrice)
	}
}

func TestNextItemStateSellStepAndFloor(t *testing.T) {
	it := testItem(100, 100, 10)
	next, err := nextItemState(it, DirectionSell, 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.CurrentPrice != 97 {
		t.Fatalf("sell of 30 should drop price by 3: got %d", next.CurrentPrice)
	}
	if next.Stock != 40 {
		t.Fatalf("stock: got %d want 40", next.Stock)
	}

	// Driving the price down hard clamps at the floor, never below.
	it = testItem(100, 52, 0)
	next, err = nextItemState(it, DirectionSell, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.CurrentPrice != 50 {
		t.Fatalf("price should clamp at floor 50: got %d", next.CurrentPrice)
	}
}

func TestPriceFloorOddBasePrice(t *testing.T) {
	it := testItem(101, 101, 0)
	if got := it.PriceFloor(); got != 51 {
		t.Fatalf("floor of base 101: got %d want 51", got)
	}
	next, err := nextItemState(it, DirectionSell, 10_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if float64(next.CurrentPrice) < float64(next.BasePrice)*0.5 {
		t.Fatalf("floor invariant violated: price=%d base=%d", next.CurrentPrice, next.BasePrice)
	}
}

func TestVolatilityAlwaysDerived(t *testing.T) {
	it := testItem(100, 100, 1_000_000)
	dirs := []Direction{DirectionBuy, DirectionBuy, DirectionSell, DirectionBuy, DirectionSell}
	qtys := []int64{50, 7, 120, 33, 9}
	for i := range dirs {
		next, err := nextItemState(it, dirs[i], qtys[i])
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		want := float64(next.CurrentPrice-next.BasePrice) / float64(next.BasePrice)
		if next.Volatility != want {
			t.Fatalf("step %d: volatility=%v want %v", i, next.Volatility, want)
		}
		it = next
	}
}

func TestPriceFloorHoldsForAnySequence(t *testing.T) {
	it := testItem(100, 100, 1_000_000)
	seq := []struct {
		dir Direction
		qty int64
	}{
		{DirectionSell, 500}, {DirectionSell, 500}, {DirectionBuy, 10},
		{DirectionSell, 9999}, {DirectionBuy, 1}, {DirectionSell, 123},
	}
	for i, step := range seq {
		next, err := nextItemState(it, step.dir, step.qty)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if next.CurrentPrice < next.PriceFloor() {
			t.Fatalf("step %d: price %d below floor %d", i, next.CurrentPrice, next.PriceFloor())
		}
		it = next
	}
}

func TestNextItemStateRejectsNonPositiveQuantity(t *testing.T) {
	it := testItem(100, 100, 10)
	for _, qty := range []int64{0, -1, -50} {
		if _, err := nextItemState(it, DirectionBuy, qty); !errors.Is(err, ErrInvalidQuantity) {
			t.Fatalf("qty=%d: got %v want ErrInvalidQuantity", qty, err)
		}
	}
}

func TestFrozenBand(t *testing.T) {
	cases := []struct {
		price  int64
		frozen bool
	}{
		{100, false},
		{125, false}, // exactly 0.25 stays tradable
		{126, true},
		{75, false},
		{74, true},
	}
	for _, tc := range cases {
		it := testItem(100, tc.price, 10)
		if got := it.Frozen(); got != tc.frozen {
			t.Fatalf("price=%d frozen=%v want %v", tc.price, got, tc.frozen)
		}
	}
}

func TestSellRevenueSpread(t *testing.T) {
	cases := []struct {
		price, qty, want int64
	}{
		{100, 10, 800},
		{101, 10, 808},
		{7, 3, 16},  // floor(21 * 0.8) = floor(16.8)
		{99, 1, 79}, // floor(79.2)
	}
	for _, tc := range cases {
		got, err := sellRevenue(tc.price, tc.qty)
		if err != nil {
			t.Fatalf("price=%d qty=%d: %v", tc.price, tc.qty, err)
		}
		if got != tc.want {
			t.Fatalf("price=%d qty=%d: got %d want %d", tc.price, tc.qty, got, tc.want)
		}
	}
}

func TestNotionalOverflow(t *testing.T) {
	if _, err := buyCost(1<<40, 1<<40); err == nil {
		t.Fatal("expected overflow error")
	}
}

func TestRelaxToward(t *testing.T) {
	it := testItem(100, 130, 10)
	relaxed := relaxToward(it, 3)
	if relaxed.CurrentPrice != 127 {
		t.Fatalf("got %d want 127", relaxed.CurrentPrice)
	}
	if want := volatility(127, 100); relaxed.Volatility != want {
		t.Fatalf("volatility=%v want %v", relaxed.Volatility, want)
	}

	// Never overshoots the base price from either side.
	it = testItem(100, 101, 10)
	if got := relaxToward(it, 5).CurrentPrice; got != 100 {
		t.Fatalf("overshot from above: got %d", got)
	}
	it = testItem(100, 97, 10)
	if got := relaxToward(it, 5).CurrentPrice; got != 100 {
		t.Fatalf("overshot from below: got %d", got)
	}
	it = testItem(100, 100, 10)
	if got := relaxToward(it, 5).CurrentPrice; got != 100 {
		t.Fatalf("at base should not move: got %d", got)
	}
}
