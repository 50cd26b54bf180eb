package market

import (
	"errors"
	"math"
	"strings"
	"time"
)

const (
	// VolatilityLimit is the circuit-breaker band. Once an item's
	// volatility leaves (-limit, +limit) every buy is rejected until it
	// re-enters.
	VolatilityLimit = 0.25

	// PriceStepLot is how many traded units move the price by one coin.
	PriceStepLot = int64(10)

	StarterCoins = int64(500)

	Currency = "coins"
)

var (
	ErrPlayerNotFound        = errors.New("player not found")
	ErrItemNotFound          = errors.New("item not found")
	ErrMarketFrozen          = errors.New("market frozen: volatility outside trading band")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrInvalidQuantity       = errors.New("quantity must be a positive integer")
	ErrDuplicateIdempotency  = errors.New("duplicate idempotency key")
	ErrTradeConflict         = errors.New("trade conflicted with concurrent updates, retry")
)

type Category string

const (
	CategoryResource Category = "resource"
	CategoryCosmetic Category = "cosmetic"
	CategoryTool     Category = "tool"
	CategoryBooster  Category = "booster"
)

func ValidCategory(c Category) bool {
	switch c {
	case CategoryResource, CategoryCosmetic, CategoryTool, CategoryBooster:
		return true
	}
	return false
}

type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// Item is one tradable catalog entry. BasePrice never changes after the
// catalog seed; CurrentPrice, Stock and Volatility move only through
// completed trades and the normalization tick.
type Item struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Category     Category  `json:"category"`
	BasePrice    int64     `json:"base_price"`
	CurrentPrice int64     `json:"current_price"`
	Stock        int64     `json:"stock"`
	Volatility   float64   `json:"volatility"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PriceFloor is the smallest integer price satisfying
// currentPrice >= basePrice * 0.5.
func (it Item) PriceFloor() int64 {
	return (it.BasePrice + 1) / 2
}

func (it Item) Frozen() bool {
	return math.Abs(it.Volatility) > VolatilityLimit
}

type Player struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Coins    int64  `json:"coins"`
}

// InventoryEntry is the per-(player, item) quantity accumulator. Entries
// are created lazily on first trade and never deleted.
type InventoryEntry struct {
	PlayerID string `json:"player_id"`
	ItemID   string `json:"item_id"`
	Quantity int64  `json:"quantity"`
}

// Transaction is an immutable record of one executed trade. UnitPrice is
// the quoted price at execution time, before the trade moved it.
type Transaction struct {
	ID         string    `json:"id"`
	PlayerID   string    `json:"player_id"`
	ItemID     string    `json:"item_id"`
	Direction  Direction `json:"direction"`
	Quantity   int64     `json:"quantity"`
	UnitPrice  int64     `json:"unit_price"`
	Currency   string    `json:"currency"`
	ExecutedAt time.Time `json:"executed_at"`
}

type TradeInput struct {
	PlayerID       string
	ItemID         string
	Quantity       int64
	IdempotencyKey string
}

type TradeResult struct {
	TransactionID string    `json:"transaction_id"`
	ItemID        string    `json:"item_id"`
	Direction     Direction `json:"direction"`
	Quantity      int64     `json:"quantity"`
	UnitPrice     int64     `json:"unit_price"`
	Spent         int64     `json:"spent,omitempty"`
	Earned        int64     `json:"earned,omitempty"`
	Balance       int64     `json:"balance"`
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
