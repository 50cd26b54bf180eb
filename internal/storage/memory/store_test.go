package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"townlet/internal/market"
)

func seedStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	err := s.SeedItems(context.Background(), []market.Item{{
		ID: "brick", Name: "Brick Pallet", Category: market.CategoryResource,
		BasePrice: 55, CurrentPrice: 55, Stock: 100, UpdatedAt: time.Now().UTC(),
	}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	s.PutPlayer(market.Player{ID: "p1", Username: "ada", Coins: 500})
	return s
}

func TestTradeStagesWritesUntilCommit(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Trade(ctx, "brick", "p1", func(tx market.Tx) error {
		if err := tx.SetCoins(ctx, "p1", 0); err != nil {
			return err
		}
		if err := tx.AdjustInventory(ctx, "p1", "brick", 10); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, market.Transaction{ID: "t1", PlayerID: "p1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v want boom", err)
	}

	pl, _ := s.Player(ctx, "p1")
	if pl.Coins != 500 {
		t.Fatalf("coins mutated by failed trade: %d", pl.Coins)
	}
	inv, _ := s.InventoryOf(ctx, "p1")
	if len(inv) != 0 {
		t.Fatalf("inventory mutated by failed trade: %+v", inv)
	}
	hist, _ := s.TransactionsByPlayer(ctx, "p1", 10)
	if len(hist) != 0 {
		t.Fatalf("transaction log mutated by failed trade")
	}
}

func TestTradeCommitAppliesEverything(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	err := s.Trade(ctx, "brick", "p1", func(tx market.Tx) error {
		it, err := tx.Item(ctx, "brick")
		if err != nil {
			return err
		}
		it.Stock -= 10
		if err := tx.PutItem(ctx, it); err != nil {
			return err
		}
		if err := tx.SetCoins(ctx, "p1", 250); err != nil {
			return err
		}
		if err := tx.AdjustInventory(ctx, "p1", "brick", 10); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, market.Transaction{ID: "t1", PlayerID: "p1", ItemID: "brick"})
	})
	if err != nil {
		t.Fatalf("trade: %v", err)
	}

	it, _ := s.Item(ctx, "brick")
	if it.Stock != 90 {
		t.Fatalf("stock: got %d want 90", it.Stock)
	}
	pl, _ := s.Player(ctx, "p1")
	if pl.Coins != 250 {
		t.Fatalf("coins: got %d want 250", pl.Coins)
	}
	inv, _ := s.InventoryOf(ctx, "p1")
	if len(inv) != 1 || inv[0].Quantity != 10 {
		t.Fatalf("inventory: %+v", inv)
	}
}

func TestClaimIdempotencyAcrossTrades(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	claim := func() error {
		return s.Trade(ctx, "brick", "p1", func(tx market.Tx) error {
			return tx.ClaimIdempotency(ctx, "p1", "key-1", "buy")
		})
	}
	if err := claim(); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := claim(); !errors.Is(err, market.ErrDuplicateIdempotency) {
		t.Fatalf("got %v want ErrDuplicateIdempotency", err)
	}

	// A failed trade must release its staged claim.
	boom := errors.New("boom")
	err := s.Trade(ctx, "brick", "p1", func(tx market.Tx) error {
		if err := tx.ClaimIdempotency(ctx, "p1", "key-2", "buy"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v want boom", err)
	}
	err = s.Trade(ctx, "brick", "p1", func(tx market.Tx) error {
		return tx.ClaimIdempotency(ctx, "p1", "key-2", "buy")
	})
	if err != nil {
		t.Fatalf("claim after rollback should succeed: %v", err)
	}
}

func TestUpdateItemMissing(t *testing.T) {
	s := seedStore(t)
	err := s.UpdateItem(context.Background(), "ghost", func(it market.Item) (market.Item, error) {
		return it, nil
	})
	if !errors.Is(err, market.ErrItemNotFound) {
		t.Fatalf("got %v want ErrItemNotFound", err)
	}
}

func TestConcurrentTradesSerializePerItem(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Trade(ctx, "brick", "p1", func(tx market.Tx) error {
				it, err := tx.Item(ctx, "brick")
				if err != nil {
					return err
				}
				it.Stock--
				return tx.PutItem(ctx, it)
			})
		}()
	}
	wg.Wait()

	it, _ := s.Item(ctx, "brick")
	if it.Stock != 100-workers {
		t.Fatalf("lost update: stock=%d want %d", it.Stock, 100-workers)
	}
}
