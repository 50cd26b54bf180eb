// Package postgres is the pgx-backed market.Store adapter. Exclusive
// (item, player) access is a serializable transaction with FOR UPDATE row
// locks, item row first, retried on serialization conflicts.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"townlet/internal/market"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema. Every statement is idempotent, so
// running it at startup is safe.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Trade(ctx context.Context, itemID, playerID string, fn func(tx market.Tx) error) error {
	return s.serializable(ctx, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (s *Store) UpdateItem(ctx context.Context, itemID string, fn func(it market.Item) (market.Item, error)) error {
	return s.serializable(ctx, func(tx pgx.Tx) error {
		wrapped := &pgTx{tx: tx}
		it, err := wrapped.Item(ctx, itemID)
		if err != nil {
			return err
		}
		next, err := fn(it)
		if err != nil {
			return err
		}
		return wrapped.PutItem(ctx, next)
	})
}

// serializable runs fn in a serializable transaction, retrying on SQLSTATE
// 40001 with capped backoff.
func (s *Store) serializable(ctx context.Context, fn func(tx pgx.Tx) error) error {
	const maxAttempts = 8
	retryDelay := 75 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		err = func() error {
			defer tx.Rollback(ctx)
			if err := fn(tx); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err == nil {
			return nil
		}
		if !isSerializationError(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			return market.ErrTradeConflict
		}
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < 1200*time.Millisecond {
			retryDelay *= 2
		}
	}
	return market.ErrTradeConflict
}

func (s *Store) Item(ctx context.Context, itemID string) (market.Item, error) {
	return scanItem(s.db.QueryRow(ctx, `
		SELECT id, name, category, base_price, current_price, stock, volatility, updated_at
		FROM market.items
		WHERE id = $1
	`, itemID))
}

func (s *Store) ListItems(ctx context.Context) ([]market.Item, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, category, base_price, current_price, stock, volatility, updated_at
		FROM market.items
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.Item
	for rows.Next() {
		var it market.Item
		if err := rows.Scan(&it.ID, &it.Name, &it.Category, &it.BasePrice, &it.CurrentPrice, &it.Stock, &it.Volatility, &it.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) Player(ctx context.Context, playerID string) (market.Player, error) {
	var pl market.Player
	err := s.db.QueryRow(ctx, `
		SELECT id, username, coins
		FROM town.players
		WHERE id = $1
	`, playerID).Scan(&pl.ID, &pl.Username, &pl.Coins)
	if err == pgx.ErrNoRows {
		return pl, market.ErrPlayerNotFound
	}
	return pl, err
}

func (s *Store) InventoryOf(ctx context.Context, playerID string) ([]market.InventoryEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT player_id, item_id, quantity
		FROM market.inventory
		WHERE player_id = $1
		ORDER BY item_id
	`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.InventoryEntry
	for rows.Next() {
		var e market.InventoryEntry
		if err := rows.Scan(&e.PlayerID, &e.ItemID, &e.Quantity); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) TransactionsByPlayer(ctx context.Context, playerID string, limit int) ([]market.Transaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, player_id, item_id, direction, quantity, unit_price, currency, executed_at
		FROM market.transactions
		WHERE player_id = $1
		ORDER BY executed_at DESC, id DESC
		LIMIT $2
	`, playerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.Transaction
	for rows.Next() {
		var rec market.Transaction
		if err := rows.Scan(&rec.ID, &rec.PlayerID, &rec.ItemID, &rec.Direction, &rec.Quantity, &rec.UnitPrice, &rec.Currency, &rec.ExecutedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) SeedItems(ctx context.Context, items []market.Item) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, it := range items {
		_, err := tx.Exec(ctx, `
			INSERT INTO market.items (id, name, category, base_price, current_price, stock, volatility, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING
		`, it.ID, it.Name, string(it.Category), it.BasePrice, it.CurrentPrice, it.Stock, it.Volatility, it.UpdatedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Item(ctx context.Context, itemID string) (market.Item, error) {
	return scanItem(t.tx.QueryRow(ctx, `
		SELECT id, name, category, base_price, current_price, stock, volatility, updated_at
		FROM market.items
		WHERE id = $1
		FOR UPDATE
	`, itemID))
}

func (t *pgTx) Player(ctx context.Context, playerID string) (market.Player, error) {
	var pl market.Player
	err := t.tx.QueryRow(ctx, `
		SELECT id, username, coins
		FROM town.players
		WHERE id = $1
		FOR UPDATE
	`, playerID).Scan(&pl.ID, &pl.Username, &pl.Coins)
	if err == pgx.ErrNoRows {
		return pl, market.ErrPlayerNotFound
	}
	return pl, err
}

func (t *pgTx) Inventory(ctx context.Context, playerID, itemID string) (int64, error) {
	var qty int64
	err := t.tx.QueryRow(ctx, `
		SELECT quantity
		FROM market.inventory
		WHERE player_id = $1 AND item_id = $2
		FOR UPDATE
	`, playerID, itemID).Scan(&qty)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	return qty, err
}

func (t *pgTx) PutItem(ctx context.Context, it market.Item) error {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE market.items
		SET current_price = $1, stock = $2, volatility = $3, updated_at = now()
		WHERE id = $4
	`, it.CurrentPrice, it.Stock, it.Volatility, it.ID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return market.ErrItemNotFound
	}
	return nil
}

func (t *pgTx) SetCoins(ctx context.Context, playerID string, coins int64) error {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE town.players
		SET coins = $1, updated_at = now()
		WHERE id = $2
	`, coins, playerID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return market.ErrPlayerNotFound
	}
	return nil
}

func (t *pgTx) AdjustInventory(ctx context.Context, playerID, itemID string, delta int64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO market.inventory (player_id, item_id, quantity, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (player_id, item_id)
		DO UPDATE SET quantity = market.inventory.quantity + EXCLUDED.quantity, updated_at = now()
	`, playerID, itemID, delta)
	return err
}

func (t *pgTx) AppendTransaction(ctx context.Context, rec market.Transaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO market.transactions (id, player_id, item_id, direction, quantity, unit_price, currency, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.PlayerID, rec.ItemID, string(rec.Direction), rec.Quantity, rec.UnitPrice, rec.Currency, rec.ExecutedAt)
	return err
}

func (t *pgTx) ClaimIdempotency(ctx context.Context, playerID, key, action string) error {
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO town.idempotency_keys (player_id, key, action, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (player_id, key) DO NOTHING
	`, playerID, key, action)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return market.ErrDuplicateIdempotency
	}
	return nil
}

func scanItem(row pgx.Row) (market.Item, error) {
	var it market.Item
	err := row.Scan(&it.ID, &it.Name, &it.Category, &it.BasePrice, &it.CurrentPrice, &it.Stock, &it.Volatility, &it.UpdatedAt)
	if err == pgx.ErrNoRows {
		return it, market.ErrItemNotFound
	}
	return it, err
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
