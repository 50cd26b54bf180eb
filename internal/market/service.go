package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"townlet/internal/obs"
	"townlet/internal/telemetry"
)

// Service is the trade coordinator. It owns every balance, stock, price,
// inventory and transaction-log mutation that happens as a consequence of
// a trade, and applies them as one unit through Store.Trade.
type Service struct {
	store   Store
	emit    telemetry.Emitter
	metrics *obs.Metrics
	log     *slog.Logger
}

func NewService(store Store, emitter telemetry.Emitter, metrics *obs.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = telemetry.NewLogEmitter(logger)
	}
	return &Service{
		store:   store,
		emit:    emitter,
		metrics: metrics,
		log:     logger,
	}
}

func (s *Service) Buy(ctx context.Context, in TradeInput) (TradeResult, error) {
	return s.execute(ctx, DirectionBuy, in)
}

func (s *Service) Sell(ctx context.Context, in TradeInput) (TradeResult, error) {
	return s.execute(ctx, DirectionSell, in)
}

func (s *Service) execute(ctx context.Context, dir Direction, in TradeInput) (TradeResult, error) {
	var out TradeResult
	in.ItemID = normalizeID(in.ItemID)
	if in.Quantity <= 0 {
		s.countRejection(ErrInvalidQuantity)
		return out, ErrInvalidQuantity
	}
	if in.IdempotencyKey == "" {
		return out, fmt.Errorf("idempotency key is required")
	}

	started := time.Now()
	err := s.store.Trade(ctx, in.ItemID, in.PlayerID, func(tx Tx) error {
		if err := tx.ClaimIdempotency(ctx, in.PlayerID, in.IdempotencyKey, string(dir)); err != nil {
			return err
		}

		it, err := tx.Item(ctx, in.ItemID)
		if err != nil {
			return err
		}
		pl, err := tx.Player(ctx, in.PlayerID)
		if err != nil {
			return err
		}

		quoted := it.CurrentPrice
		var spent, earned, nextCoins int64
		switch dir {
		case DirectionBuy:
			// The breaker halts buys only; sells stay open so holders can
			// unwind out of a frozen market.
			if it.Frozen() {
				return ErrMarketFrozen
			}
			cost, err := buyCost(quoted, in.Quantity)
			if err != nil {
				return err
			}
			if pl.Coins < cost {
				return ErrInsufficientFunds
			}
			if it.Stock < in.Quantity {
				return ErrInsufficientStock
			}
			spent = cost
			nextCoins = pl.Coins - cost
		case DirectionSell:
			held, err := tx.Inventory(ctx, in.PlayerID, in.ItemID)
			if err != nil {
				return err
			}
			if held < in.Quantity {
				return ErrInsufficientInventory
			}
			revenue, err := sellRevenue(quoted, in.Quantity)
			if err != nil {
				return err
			}
			earned = revenue
			nextCoins = pl.Coins + revenue
		}

		next, err := nextItemState(it, dir, in.Quantity)
		if err != nil {
			return err
		}

		if err := tx.SetCoins(ctx, in.PlayerID, nextCoins); err != nil {
			return err
		}
		if err := tx.PutItem(ctx, next); err != nil {
			return err
		}
		delta := in.Quantity
		if dir == DirectionSell {
			delta = -in.Quantity
		}
		if err := tx.AdjustInventory(ctx, in.PlayerID, in.ItemID, delta); err != nil {
			return err
		}
		rec := Transaction{
			ID:         uuid.NewString(),
			PlayerID:   in.PlayerID,
			ItemID:     in.ItemID,
			Direction:  dir,
			Quantity:   in.Quantity,
			UnitPrice:  quoted,
			Currency:   Currency,
			ExecutedAt: time.Now().UTC(),
		}
		if err := tx.AppendTransaction(ctx, rec); err != nil {
			return err
		}

		out = TradeResult{
			TransactionID: rec.ID,
			ItemID:        in.ItemID,
			Direction:     dir,
			Quantity:      in.Quantity,
			UnitPrice:     quoted,
			Spent:         spent,
			Earned:        earned,
			Balance:       nextCoins,
		}
		return nil
	})
	if err != nil {
		s.countRejection(err)
		return TradeResult{}, err
	}

	if s.metrics != nil {
		s.metrics.TradesExecuted.WithLabelValues(string(dir)).Inc()
		s.metrics.TradeDuration.Observe(time.Since(started).Seconds())
		s.metrics.TradeVolume.WithLabelValues(string(dir)).Add(float64(out.Spent + out.Earned))
	}
	s.emitTrade(ctx, in, out)
	return out, nil
}

// emitTrade is best-effort: an emit failure is logged and counted, never
// returned to the caller.
func (s *Service) emitTrade(ctx context.Context, in TradeInput, res TradeResult) {
	ev := telemetry.NewEvent("market.trade", in.PlayerID, map[string]any{
		"item_id":        res.ItemID,
		"direction":      string(res.Direction),
		"quantity":       res.Quantity,
		"unit_price":     res.UnitPrice,
		"spent":          res.Spent,
		"earned":         res.Earned,
		"transaction_id": res.TransactionID,
	})
	if err := s.emit.Emit(ctx, ev); err != nil {
		if s.metrics != nil {
			s.metrics.TelemetryDrops.Inc()
		}
		s.log.Warn("telemetry emit failed", "kind", ev.Kind, "err", err)
	}
}

func (s *Service) countRejection(err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.TradesRejected.WithLabelValues(rejectionReason(err)).Inc()
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrMarketFrozen):
		return "market_frozen"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrInsufficientInventory):
		return "insufficient_inventory"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrItemNotFound), errors.Is(err, ErrPlayerNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateIdempotency):
		return "duplicate"
	case errors.Is(err, ErrTradeConflict):
		return "conflict"
	default:
		return "internal"
	}
}

func (s *Service) Items(ctx context.Context) ([]Item, error) {
	return s.store.ListItems(ctx)
}

func (s *Service) ItemDetail(ctx context.Context, itemID string) (Item, error) {
	return s.store.Item(ctx, normalizeID(itemID))
}

func (s *Service) Inventory(ctx context.Context, playerID string) ([]InventoryEntry, error) {
	return s.store.InventoryOf(ctx, playerID)
}

// History returns the player's executed trades, newest first.
func (s *Service) History(ctx context.Context, playerID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.TransactionsByPlayer(ctx, playerID, limit)
}

// RunNormalizationTick relaxes every item's price toward its base price by
// at most step coins. Frozen items thaw through here once the derived
// volatility re-enters the band.
func (s *Service) RunNormalizationTick(ctx context.Context, step int64) error {
	items, err := s.store.ListItems(ctx)
	if err != nil {
		return err
	}
	for _, it := range items {
		err := s.store.UpdateItem(ctx, it.ID, func(cur Item) (Item, error) {
			return relaxToward(cur, step), nil
		})
		if err != nil {
			return fmt.Errorf("normalize %s: %w", it.ID, err)
		}
	}
	return nil
}

// SeedDefaults installs the launch catalog. Existing items are left
// untouched, so re-running at startup is safe.
func (s *Service) SeedDefaults(ctx context.Context) error {
	seed := []struct {
		ID       string
		Name     string
		Category Category
		Price    int64
		Stock    int64
	}{
		{"timber", "Timber Bundle", CategoryResource, 40, 500},
		{"brick", "Brick Pallet", CategoryResource, 55, 400},
		{"glass", "Glass Pane Crate", CategoryResource, 75, 300},
		{"steel", "Steel Beam", CategoryResource, 120, 200},
		{"topiary", "Topiary Fox", CategoryCosmetic, 90, 150},
		{"fountain", "Plaza Fountain", CategoryCosmetic, 260, 60},
		{"neon-sign", "Neon Shop Sign", CategoryCosmetic, 140, 120},
		{"hammer", "Mason's Hammer", CategoryTool, 65, 250},
		{"surveyor", "Surveyor Kit", CategoryTool, 180, 90},
		{"crane", "Mini Crane", CategoryTool, 420, 40},
		{"espresso", "Espresso Booster", CategoryBooster, 30, 600},
		{"festival", "Festival Pass", CategoryBooster, 150, 110},
	}
	items := make([]Item, 0, len(seed))
	now := time.Now().UTC()
	for _, row := range seed {
		items = append(items, Item{
			ID:           row.ID,
			Name:         row.Name,
			Category:     row.Category,
			BasePrice:    row.Price,
			CurrentPrice: row.Price,
			Stock:        row.Stock,
			Volatility:   0,
			UpdatedAt:    now,
		})
	}
	return s.store.SeedItems(ctx, items)
}
