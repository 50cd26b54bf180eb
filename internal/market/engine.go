package market

import (
	"fmt"
	"math"
	"math/big"
)

// The pricing engine is pure: it maps an item plus a trade intent to the
// item's next state and leaves every durable effect to the coordinator.

// nextItemState applies one completed trade of qty units to it.
//
// A buy raises CurrentPrice by qty/PriceStepLot coins and drains stock; a
// sell lowers it by the same magnitude and returns stock. The price is
// clamped at the floor, never capped, and Volatility is re-derived from
// the resulting price. Stock is not clamped here: keeping it non-negative
// is the coordinator's availability check plus the store's exclusive
// (item, player) access.
func nextItemState(it Item, dir Direction, qty int64) (Item, error) {
	if qty <= 0 {
		return Item{}, ErrInvalidQuantity
	}
	step := qty / PriceStepLot
	next := it
	switch dir {
	case DirectionBuy:
		next.CurrentPrice += step
		next.Stock -= qty
	case DirectionSell:
		next.CurrentPrice -= step
		next.Stock += qty
	default:
		return Item{}, fmt.Errorf("unknown trade direction %q", dir)
	}
	if floor := it.PriceFloor(); next.CurrentPrice < floor {
		next.CurrentPrice = floor
	}
	next.Volatility = volatility(next.CurrentPrice, next.BasePrice)
	return next, nil
}

// volatility is the single site deriving volatility. It is always a ratio
// of the price delta, never an accumulated value.
func volatility(current, base int64) float64 {
	return float64(current-base) / float64(base)
}

// buyCost quotes a buy of qty units at the current price.
func buyCost(unitPrice, qty int64) (int64, error) {
	return notionalCoins(unitPrice, qty)
}

// sellRevenue quotes a sell of qty units: floor(price * qty * 0.8),
// computed in integers so the 20% spread rounds exactly once.
func sellRevenue(unitPrice, qty int64) (int64, error) {
	gross, err := notionalCoins(unitPrice, qty)
	if err != nil {
		return 0, err
	}
	return gross * 4 / 5, nil
}

func notionalCoins(unitPrice, qty int64) (int64, error) {
	v := new(big.Int).Mul(big.NewInt(unitPrice), big.NewInt(qty))
	// sellRevenue multiplies by 4 before dividing, so keep that headroom.
	if !v.IsInt64() || v.Int64() > math.MaxInt64/4 {
		return 0, fmt.Errorf("notional overflow")
	}
	return v.Int64(), nil
}

// relaxToward nudges CurrentPrice toward BasePrice by at most step coins
// and re-derives volatility. The worker runs this every tick so a frozen
// item eventually re-enters the trading band even with no sell pressure.
func relaxToward(it Item, step int64) Item {
	if step <= 0 || it.CurrentPrice == it.BasePrice {
		return it
	}
	next := it
	diff := it.BasePrice - it.CurrentPrice
	switch {
	case diff > 0:
		if diff < step {
			step = diff
		}
		next.CurrentPrice += step
	case diff < 0:
		if -diff < step {
			step = -diff
		}
		next.CurrentPrice -= step
	}
	if floor := it.PriceFloor(); next.CurrentPrice < floor {
		next.CurrentPrice = floor
	}
	next.Volatility = volatility(next.CurrentPrice, next.BasePrice)
	return next
}
