// Package memory is the in-memory market.Store adapter. It backs the
// coordinator tests and local development without Postgres, and it is the
// reference implementation of the locking discipline: exclusive access per
// item and per player balance, acquired item-then-player in that fixed
// order, with all writes staged and committed only when the trade body
// succeeds.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"townlet/internal/market"
)

type invKey struct {
	playerID string
	itemID   string
}

type Store struct {
	mu        sync.Mutex
	items     map[string]market.Item
	players   map[string]market.Player
	inventory map[invKey]int64
	txs       []market.Transaction
	idem      map[string]string

	lockMu      sync.Mutex
	itemLocks   map[string]*sync.Mutex
	playerLocks map[string]*sync.Mutex
}

func New() *Store {
	return &Store{
		items:       make(map[string]market.Item),
		players:     make(map[string]market.Player),
		inventory:   make(map[invKey]int64),
		idem:        make(map[string]string),
		itemLocks:   make(map[string]*sync.Mutex),
		playerLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Store) keyLock(table map[string]*sync.Mutex, key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if l, ok := table[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	table[key] = l
	return l
}

// Trade holds the item lock, then the player lock, for the whole
// read-validate-mutate sequence. fn's writes are staged on the tx and
// applied in one step only if fn returns nil.
func (s *Store) Trade(ctx context.Context, itemID, playerID string, fn func(tx market.Tx) error) error {
	itemLock := s.keyLock(s.itemLocks, itemID)
	playerLock := s.keyLock(s.playerLocks, playerID)

	itemLock.Lock()
	defer itemLock.Unlock()
	playerLock.Lock()
	defer playerLock.Unlock()

	tx := &memTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.commitLocked()
	return nil
}

func (s *Store) UpdateItem(ctx context.Context, itemID string, fn func(it market.Item) (market.Item, error)) error {
	itemLock := s.keyLock(s.itemLocks, itemID)
	itemLock.Lock()
	defer itemLock.Unlock()

	s.mu.Lock()
	cur, ok := s.items[itemID]
	s.mu.Unlock()
	if !ok {
		return market.ErrItemNotFound
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	next.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	s.items[itemID] = next
	s.mu.Unlock()
	return nil
}

func (s *Store) Item(ctx context.Context, itemID string) (market.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return market.Item{}, market.ErrItemNotFound
	}
	return it, nil
}

func (s *Store) ListItems(ctx context.Context) ([]market.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]market.Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Player(ctx context.Context, playerID string) (market.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pl, ok := s.players[playerID]
	if !ok {
		return market.Player{}, market.ErrPlayerNotFound
	}
	return pl, nil
}

// PutPlayer upserts a player record. Production player lifecycle lives in
// the town service; this exists for tests and local seeding.
func (s *Store) PutPlayer(pl market.Player) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players[pl.ID] = pl
}

func (s *Store) InventoryOf(ctx context.Context, playerID string) ([]market.InventoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []market.InventoryEntry
	for key, qty := range s.inventory {
		if key.playerID == playerID {
			out = append(out, market.InventoryEntry{PlayerID: playerID, ItemID: key.itemID, Quantity: qty})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

func (s *Store) TransactionsByPlayer(ctx context.Context, playerID string, limit int) ([]market.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []market.Transaction
	for i := len(s.txs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.txs[i].PlayerID == playerID {
			out = append(out, s.txs[i])
		}
	}
	return out, nil
}

func (s *Store) SeedItems(ctx context.Context, items []market.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		if _, ok := s.items[it.ID]; !ok {
			s.items[it.ID] = it
		}
	}
	return nil
}

// memTx stages every write. Reads return committed state; the coordinator
// reads each record once before mutating it, so staged reads are not
// needed.
type memTx struct {
	store *Store

	item      *market.Item
	coins     map[string]int64
	invDeltas map[invKey]int64
	appended  []market.Transaction
	idemKeys  map[string]string
}

func (t *memTx) Item(ctx context.Context, itemID string) (market.Item, error) {
	return t.store.Item(ctx, itemID)
}

func (t *memTx) Player(ctx context.Context, playerID string) (market.Player, error) {
	return t.store.Player(ctx, playerID)
}

func (t *memTx) Inventory(ctx context.Context, playerID, itemID string) (int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.inventory[invKey{playerID, itemID}], nil
}

func (t *memTx) PutItem(ctx context.Context, it market.Item) error {
	it.UpdatedAt = time.Now().UTC()
	t.item = &it
	return nil
}

func (t *memTx) SetCoins(ctx context.Context, playerID string, coins int64) error {
	if t.coins == nil {
		t.coins = make(map[string]int64)
	}
	t.coins[playerID] = coins
	return nil
}

func (t *memTx) AdjustInventory(ctx context.Context, playerID, itemID string, delta int64) error {
	if t.invDeltas == nil {
		t.invDeltas = make(map[invKey]int64)
	}
	t.invDeltas[invKey{playerID, itemID}] += delta
	return nil
}

func (t *memTx) AppendTransaction(ctx context.Context, rec market.Transaction) error {
	t.appended = append(t.appended, rec)
	return nil
}

func (t *memTx) ClaimIdempotency(ctx context.Context, playerID, key, action string) error {
	claim := playerID + "|" + key
	t.store.mu.Lock()
	_, taken := t.store.idem[claim]
	t.store.mu.Unlock()
	if taken {
		return market.ErrDuplicateIdempotency
	}
	if _, staged := t.idemKeys[claim]; staged {
		return market.ErrDuplicateIdempotency
	}
	if t.idemKeys == nil {
		t.idemKeys = make(map[string]string)
	}
	t.idemKeys[claim] = action
	return nil
}

func (t *memTx) commitLocked() {
	if t.item != nil {
		t.store.items[t.item.ID] = *t.item
	}
	for playerID, coins := range t.coins {
		pl := t.store.players[playerID]
		pl.Coins = coins
		t.store.players[playerID] = pl
	}
	for key, delta := range t.invDeltas {
		t.store.inventory[key] += delta
	}
	t.store.txs = append(t.store.txs, t.appended...)
	for claim, action := range t.idemKeys {
		t.store.idem[claim] = action
	}
}
