package market

import "context"

// Store is the repository capability the trade coordinator is built
// against. Adapters: internal/storage/postgres (row locks inside a
// serializable transaction) and internal/storage/memory (ordered per-key
// mutexes with staged commit).
type Store interface {
	// Trade runs fn with exclusive access to the given item and the given
	// player's balance. Every mutation staged through tx is applied only
	// if fn returns nil; any error leaves the store untouched.
	//
	// Adapters must acquire the item scope before the player scope so
	// concurrent trades on overlapping pairs cannot deadlock.
	Trade(ctx context.Context, itemID, playerID string, fn func(tx Tx) error) error

	// UpdateItem runs fn with exclusive access to a single item and
	// persists the returned state. Used by the normalization tick.
	UpdateItem(ctx context.Context, itemID string, fn func(it Item) (Item, error)) error

	Item(ctx context.Context, itemID string) (Item, error)
	ListItems(ctx context.Context) ([]Item, error)
	Player(ctx context.Context, playerID string) (Player, error)
	InventoryOf(ctx context.Context, playerID string) ([]InventoryEntry, error)
	TransactionsByPlayer(ctx context.Context, playerID string, limit int) ([]Transaction, error)

	// SeedItems inserts any catalog items that do not exist yet and
	// leaves existing ones alone.
	SeedItems(ctx context.Context, items []Item) error
}

// Tx is the mutation surface available inside Store.Trade. Reads observe
// the locked state; writes take effect together on commit or not at all.
type Tx interface {
	Item(ctx context.Context, itemID string) (Item, error)
	Player(ctx context.Context, playerID string) (Player, error)
	Inventory(ctx context.Context, playerID, itemID string) (int64, error)

	PutItem(ctx context.Context, it Item) error
	SetCoins(ctx context.Context, playerID string, coins int64) error
	// AdjustInventory creates the (player, item) entry on first use.
	AdjustInventory(ctx context.Context, playerID, itemID string, delta int64) error
	AppendTransaction(ctx context.Context, rec Transaction) error
	// ClaimIdempotency reserves key for this player; a second claim of the
	// same key returns ErrDuplicateIdempotency.
	ClaimIdempotency(ctx context.Context, playerID, key, action string) error
}
