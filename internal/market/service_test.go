package market_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"townlet/internal/market"
	"townlet/internal/storage/memory"
)

func newFixture(t *testing.T, it market.Item, pl market.Player) (*market.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	if err := store.SeedItems(context.Background(), []market.Item{it}); err != nil {
		t.Fatalf("seed items: %v", err)
	}
	store.PutPlayer(pl)
	svc := market.NewService(store, nil, nil, nil)
	return svc, store
}

func freshItem(base, current, stock int64) market.Item {
	return market.Item{
		ID:           "timber",
		Name:         "Timber Bundle",
		Category:     market.CategoryResource,
		BasePrice:    base,
		CurrentPrice: current,
		Stock:        stock,
		Volatility:   float64(current-base) / float64(base),
		UpdatedAt:    time.Now().UTC(),
	}
}

func buyInput(playerID string, qty int64) market.TradeInput {
	return market.TradeInput{
		PlayerID:       playerID,
		ItemID:         "timber",
		Quantity:       qty,
		IdempotencyKey: uuid.NewString(),
	}
}

// snapshot captures everything a rejected trade must leave untouched.
type snapshot struct {
	item      market.Item
	player    market.Player
	inventory []market.InventoryEntry
	history   []market.Transaction
}

func takeSnapshot(t *testing.T, store *memory.Store, playerID string) snapshot {
	t.Helper()
	ctx := context.Background()
	it, err := store.Item(ctx, "timber")
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	pl, err := store.Player(ctx, playerID)
	if err != nil {
		t.Fatalf("player: %v", err)
	}
	inv, err := store.InventoryOf(ctx, playerID)
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	hist, err := store.TransactionsByPlayer(ctx, playerID, 100)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return snapshot{item: it, player: pl, inventory: inv, history: hist}
}

func TestBuyScenarioA(t *testing.T) {
	svc, store := newFixture(t, freshItem(100, 100, 10), market.Player{ID: "p1", Username: "ada", Coins: 1000})

	res, err := svc.Buy(context.Background(), buyInput("p1", 5))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if res.Spent != 500 {
		t.Fatalf("spent: got %d want 500", res.Spent)
	}
	if res.UnitPrice != 100 {
		t.Fatalf("unit price: got %d want 100", res.UnitPrice)
	}
	if res.Balance != 500 {
		t.Fatalf("balance: got %d want 500", res.Balance)
	}

	it, _ := store.Item(context.Background(), "timber")
	if it.CurrentPrice != 100 {
		t.Fatalf("price: got %d want 100 (floor(5/10) = 0 step)", it.CurrentPrice)
	}
	if it.Stock != 5 {
		t.Fatalf("stock: got %d want 5", it.Stock)
	}
	inv, _ := store.InventoryOf(context.Background(), "p1")
	if len(inv) != 1 || inv[0].Quantity != 5 {
		t.Fatalf("inventory: got %+v want quantity 5", inv)
	}
}

func TestCircuitBreakerScenarioB(t *testing.T) {
	svc, store := newFixture(t, freshItem(100, 100, 10_000), market.Player{ID: "p1", Coins: 1_000_000})
	ctx := context.Background()

	// Six buys of 50 walk the price 100 -> 130; volatility 0.30 trips
	// the breaker for the seventh.
	for i := 0; i < 6; i++ {
		if _, err := svc.Buy(ctx, buyInput("p1", 50)); err != nil {
			t.Fatalf("buy %d: %v", i, err)
		}
	}
	it, _ := store.Item(ctx, "timber")
	if it.CurrentPrice != 130 {
		t.Fatalf("price after six lots of 50: got %d want 130", it.CurrentPrice)
	}
	if !it.Frozen() {
		t.Fatalf("expected frozen at volatility %v", it.Volatility)
	}

	if _, err := svc.Buy(ctx, buyInput("p1", 1)); !errors.Is(err, market.ErrMarketFrozen) {
		t.Fatalf("got %v want ErrMarketFrozen", err)
	}
}

func TestSellAllowedWhileFrozen(t *testing.T) {
	// The breaker is buy-only: holders can keep selling out of a frozen
	// market, which is also what walks the price back into the band.
	svc, store := newFixture(t, freshItem(100, 130, 0), market.Player{ID: "p1", Coins: 0})
	ctx := context.Background()

	seedInventory(t, store, "p1", 100)

	res, err := svc.Sell(ctx, market.TradeInput{PlayerID: "p1", ItemID: "timber", Quantity: 60, IdempotencyKey: uuid.NewString()})
	if err != nil {
		t.Fatalf("sell while frozen should succeed: %v", err)
	}
	if want := int64(130 * 60 * 4 / 5); res.Earned != want {
		t.Fatalf("earned: got %d want %d", res.Earned, want)
	}

	it, _ := store.Item(ctx, "timber")
	if it.CurrentPrice != 124 {
		t.Fatalf("price: got %d want 124", it.CurrentPrice)
	}
	if it.Frozen() {
		t.Fatalf("volatility %v should be back inside the band", it.Volatility)
	}
	if _, err := svc.Buy(ctx, market.TradeInput{PlayerID: "p1", ItemID: "timber", Quantity: 1, IdempotencyKey: uuid.NewString()}); err != nil {
		t.Fatalf("buy after thaw: %v", err)
	}
}

func TestInsufficientFundsScenarioC(t *testing.T) {
	svc, store := newFixture(t, freshItem(100, 100, 10), market.Player{ID: "p1", Coins: 10})
	before := takeSnapshot(t, store, "p1")

	_, err := svc.Buy(context.Background(), buyInput("p1", 1))
	if !errors.Is(err, market.ErrInsufficientFunds) {
		t.Fatalf("got %v want ErrInsufficientFunds", err)
	}
	if after := takeSnapshot(t, store, "p1"); !reflect.DeepEqual(before, after) {
		t.Fatalf("rejected trade mutated state:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestInsufficientInventoryScenarioD(t *testing.T) {
	svc, store := newFixture(t, freshItem(100, 100, 10), market.Player{ID: "p1", Coins: 0})
	seedInventory(t, store, "p1", 3)
	before := takeSnapshot(t, store, "p1")

	_, err := svc.Sell(context.Background(), market.TradeInput{PlayerID: "p1", ItemID: "timber", Quantity: 5, IdempotencyKey: uuid.NewString()})
	if !errors.Is(err, market.ErrInsufficientInventory) {
		t.Fatalf("got %v want ErrInsufficientInventory", err)
	}
	if after := takeSnapshot(t, store, "p1"); !reflect.DeepEqual(before, after) {
		t.Fatalf("rejected trade mutated state:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestInsufficientStock(t *testing.T) {
	svc, store := newFixture(t, freshItem(100, 100, 3), market.Player{ID: "p1", Coins: 10_000})
	before := takeSnapshot(t, store, "p1")

	_, err := svc.Buy(context.Background(), buyInput("p1", 5))
	if !errors.Is(err, market.ErrInsufficientStock) {
		t.Fatalf("got %v want ErrInsufficientStock", err)
	}
	if after := takeSnapshot(t, store, "p1"); !reflect.DeepEqual(before, after) {
		t.Fatalf("rejected trade mutated state")
	}
}

func TestRoundTripScenarioE(t *testing.T) {
	svc, store := newFixture(t, freshItem(100, 100, 100), market.Player{ID: "p1", Coins: 10_000})
	ctx := context.Background()

	buyRes, err := svc.Buy(ctx, buyInput("p1", 10))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if buyRes.Spent != 1000 {
		t.Fatalf("spent: got %d want 1000", buyRes.Spent)
	}

	sellRes, err := svc.Sell(ctx, market.TradeInput{PlayerID: "p1", ItemID: "timber", Quantity: 10, IdempotencyKey: uuid.NewString()})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	// Quoted at the post-buy price of 101, spread applied with floor.
	if want := int64(101 * 10 * 4 / 5); sellRes.Earned != want {
		t.Fatalf("earned: got %d want %d", sellRes.Earned, want)
	}

	it, _ := store.Item(ctx, "timber")
	if it.CurrentPrice < it.PriceFloor() {
		t.Fatalf("floor violated after round trip: %d", it.CurrentPrice)
	}
	if it.Stock != 100 {
		t.Fatalf("stock should round-trip: got %d", it.Stock)
	}
	// No reversibility promise beyond the floor: the test only pins that
	// coins moved by exactly the quoted amounts.
	pl, _ := store.Player(ctx, "p1")
	if want := int64(10_000) - buyRes.Spent + sellRes.Earned; pl.Coins != want {
		t.Fatalf("coins: got %d want %d", pl.Coins, want)
	}
}

func TestInvalidQuantity(t *testing.T) {
	svc, _ := newFixture(t, freshItem(100, 100, 10), market.Player{ID: "p1", Coins: 1000})
	for _, qty := range []int64{0, -3} {
		if _, err := svc.Buy(context.Background(), buyInput("p1", qty)); !errors.Is(err, market.ErrInvalidQuantity) {
			t.Fatalf("qty=%d: got %v want ErrInvalidQuantity", qty, err)
		}
	}
}

func TestNotFound(t *testing.T) {
	svc, _ := newFixture(t, freshItem(100, 100, 10), market.Player{ID: "p1", Coins: 1000})
	ctx := context.Background()

	in := buyInput("p1", 1)
	in.ItemID = "no-such-item"
	if _, err := svc.Buy(ctx, in); !errors.Is(err, market.ErrItemNotFound) {
		t.Fatalf("got %v want ErrItemNotFound", err)
	}

	in = buyInput("ghost", 1)
	if _, err := svc.Buy(ctx, in); !errors.Is(err, market.ErrPlayerNotFound) {
		t.Fatalf("got %v want ErrPlayerNotFound", err)
	}
}

func TestDuplicateIdempotencyKey(t *testing.T) {
	svc, store := newFixture(t, freshItem(100, 100, 100), market.Player{ID: "p1", Coins: 10_000})
	ctx := context.Background()

	in := buyInput("p1", 1)
	if _, err := svc.Buy(ctx, in); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	before := takeSnapshot(t, store, "p1")
	if _, err := svc.Buy(ctx, in); !errors.Is(err, market.ErrDuplicateIdempotency) {
		t.Fatalf("got %v want ErrDuplicateIdempotency", err)
	}
	if after := takeSnapshot(t, store, "p1"); !reflect.DeepEqual(before, after) {
		t.Fatalf("replayed trade mutated state")
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	svc, _ := newFixture(t, freshItem(100, 100, 100), market.Player{ID: "p1", Coins: 10_000})
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if _, err := svc.Buy(ctx, buyInput("p1", i)); err != nil {
			t.Fatalf("buy %d: %v", i, err)
		}
	}
	hist, err := svc.History(ctx, "p1", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("limit: got %d records want 2", len(hist))
	}
	if hist[0].Quantity != 3 || hist[1].Quantity != 2 {
		t.Fatalf("expected newest-first ordering, got quantities %d, %d", hist[0].Quantity, hist[1].Quantity)
	}
}

func TestNormalizationTickThawsMarket(t *testing.T) {
	svc, store := newFixture(t, freshItem(100, 130, 100), market.Player{ID: "p1", Coins: 10_000})
	ctx := context.Background()

	if _, err := svc.Buy(ctx, buyInput("p1", 1)); !errors.Is(err, market.ErrMarketFrozen) {
		t.Fatalf("expected frozen market, got %v", err)
	}
	if err := svc.RunNormalizationTick(ctx, 5); err != nil {
		t.Fatalf("tick: %v", err)
	}
	it, _ := store.Item(ctx, "timber")
	if it.CurrentPrice != 125 {
		t.Fatalf("price after tick: got %d want 125", it.CurrentPrice)
	}
	if _, err := svc.Buy(ctx, buyInput("p1", 1)); err != nil {
		t.Fatalf("buy after thaw: %v", err)
	}
}

func TestConcurrentBuysKeepInvariants(t *testing.T) {
	const (
		workers  = 16
		qty      = 10
		stock    = 120 // enough for 12 of the 16
		perCoins = 100_000
	)
	store := memory.New()
	ctx := context.Background()
	if err := store.SeedItems(ctx, []market.Item{freshItem(100, 100, stock)}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	players := make([]string, workers)
	for i := range players {
		players[i] = uuid.NewString()
		store.PutPlayer(market.Player{ID: players[i], Coins: perCoins})
	}
	svc := market.NewService(store, nil, nil, nil)

	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Buy(ctx, market.TradeInput{
				PlayerID:       players[i],
				ItemID:         "timber",
				Quantity:       qty,
				IdempotencyKey: uuid.NewString(),
			})
		}(i)
	}
	wg.Wait()

	var succeeded int64
	for i, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, market.ErrInsufficientStock):
		default:
			t.Fatalf("worker %d: unexpected error %v", i, err)
		}
	}
	if succeeded != stock/qty {
		t.Fatalf("succeeded=%d want %d", succeeded, stock/qty)
	}

	it, _ := store.Item(ctx, "timber")
	if it.Stock != 0 {
		t.Fatalf("stock: got %d want 0", it.Stock)
	}
	if it.CurrentPrice != 100+succeeded*(qty/market.PriceStepLot) {
		t.Fatalf("price: got %d want %d", it.CurrentPrice, 100+succeeded)
	}
	if want := float64(it.CurrentPrice-100) / 100; it.Volatility != want {
		t.Fatalf("volatility: got %v want %v", it.Volatility, want)
	}

	// Coins debited across all players must equal coins collected by the
	// market: every successful buy paid the price quoted under the lock.
	var debited int64
	for _, id := range players {
		pl, err := store.Player(ctx, id)
		if err != nil {
			t.Fatalf("player %s: %v", id, err)
		}
		debited += perCoins - pl.Coins
	}
	var quoted int64
	for _, id := range players {
		hist, err := store.TransactionsByPlayer(ctx, id, 10)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		for _, rec := range hist {
			quoted += rec.UnitPrice * rec.Quantity
		}
	}
	if debited != quoted {
		t.Fatalf("conservation: debited %d, transaction log says %d", debited, quoted)
	}
}

func seedInventory(t *testing.T, store *memory.Store, playerID string, qty int64) {
	t.Helper()
	err := store.Trade(context.Background(), "timber", playerID, func(tx market.Tx) error {
		return tx.AdjustInventory(context.Background(), playerID, "timber", qty)
	})
	if err != nil {
		t.Fatalf("seed inventory: %v", err)
	}
}
