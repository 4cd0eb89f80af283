// Package pricing implements the synthetic market maker that prices every
// trade and market event.
//
// Two effects move what a player pays or receives:
//   - Market impact: a permanent shift of the stored asset price, proportional
//     to trade size relative to the asset's liquidity.
//   - Jitter: transient execution-price noise bounded by the asset's slippage
//     percentage. It changes what one trade pays, never the stored price.
//
// All values are shopspring/decimal rounded to 2 places after every step.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradegame/market-engine/internal/model"
)

// Direction is the sign of a trade's market impact.
type Direction int

const (
	// Buy pushes the price up.
	Buy Direction = 1
	// Sell pushes the price down.
	Sell Direction = -1
)

var (
	// MinPrice is the floor applied after impacts and event shocks so that a
	// price never reaches zero or turns negative.
	MinPrice = decimal.NewFromFloat(0.01)

	// ImpactFactor scales quantity/liquidity into a fractional price move.
	ImpactFactor = decimal.NewFromFloat(0.1)

	// JitterThreshold: a draw above it applies jitter (20% of trades).
	JitterThreshold = 0.8

	// EventThreshold: a draw above it fires a market event (20% of rounds).
	EventThreshold = 0.8

	// MaxEventImpact bounds |impact| so a shock never wipes or inverts a price.
	MaxEventImpact = decimal.NewFromFloat(0.99)

	// MaxSlippage is the exclusive upper bound on an asset's slippage percent.
	MaxSlippage = decimal.NewFromInt(100)

	// LargeSaleQuantity is the size from which a sale settles more slowly.
	LargeSaleQuantity int64 = 50

	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Impact computes the permanent price delta caused by a trade:
//
//	delta = round2(price × (quantity / liquidity) × 0.1 × direction)
//
// Deterministic and side-effect free.
func Impact(price, liquidity decimal.Decimal, quantity int64, dir Direction) (decimal.Decimal, error) {
	if !liquidity.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: liquidity must be positive, got %s", model.ErrInternalComputation, liquidity)
	}
	q := decimal.NewFromInt(quantity)
	delta := price.Mul(q).Div(liquidity).Mul(ImpactFactor).Mul(decimal.NewFromInt(int64(dir)))
	return model.Round2(delta), nil
}

// ApplyImpact adds a delta to a price and clamps the result to MinPrice.
func ApplyImpact(price, delta decimal.Decimal) decimal.Decimal {
	return Clamp(model.Round2(price.Add(delta)))
}

// Clamp returns p, or MinPrice when p is below the floor.
func Clamp(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	return p
}

// Jitter draws the per-trade execution noise. With probability 20% it returns
// round2(±price × slippage/100) with a fair coin for the sign; otherwise zero.
func Jitter(src Source, price, slippagePct decimal.Decimal) decimal.Decimal {
	if src.Float64() <= JitterThreshold {
		return decimal.Zero
	}
	magnitude := price.Mul(slippagePct.Div(hundred))
	if src.Float64() < 0.5 {
		magnitude = magnitude.Neg()
	}
	return model.Round2(magnitude)
}

// ExecutionPrice returns the per-unit price a trade executes at together with
// the jitter that was applied. The unit price is floored at MinPrice, and the
// returned jitter is what was actually applied after the floor.
func ExecutionPrice(src Source, asset *model.Asset) (unit, jitter decimal.Decimal, err error) {
	if asset.Slippage.IsNegative() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: negative slippage on asset %s", model.ErrInternalComputation, asset.ID)
	}
	drawn := Jitter(src, asset.Price, asset.Slippage)
	unit = Clamp(model.Round2(asset.Price.Add(drawn)))
	return unit, unit.Sub(asset.Price), nil
}

// Total returns round2(unit × quantity).
func Total(unit decimal.Decimal, quantity int64) decimal.Decimal {
	return model.Round2(unit.Mul(decimal.NewFromInt(quantity)))
}

// SettlementDelay computes how many rounds a sale waits before paying out:
//
//	max(1, base + offset(-1|0|+1) + (quantity >= 50 ? quantity/10 : 0))
//
// Larger sales take longer for the market to absorb.
func SettlementDelay(src Source, base int, quantity int64) int {
	rounds := int64(base) + int64(src.Intn(3)-1)
	if quantity >= LargeSaleQuantity {
		rounds += quantity / 10
	}
	if rounds < 1 {
		return 1
	}
	return int(rounds)
}

// ValidateEventImpact checks that an impact lies in [-0.99, 0.99].
func ValidateEventImpact(impact decimal.Decimal) error {
	if impact.Abs().GreaterThan(MaxEventImpact) {
		return model.ErrInvalidImpact
	}
	return nil
}

// ApplyEventImpact shocks a price multiplicatively:
//
//	round2(price × (1 + impact)), floored at MinPrice
func ApplyEventImpact(price, impact decimal.Decimal) (decimal.Decimal, error) {
	if err := ValidateEventImpact(impact); err != nil {
		return price, err
	}
	return Clamp(model.Round2(price.Mul(one.Add(impact)))), nil
}

// Payout is the amount credited when a pending sale matures, priced at the
// asset's price at settlement time.
func Payout(currentPrice decimal.Decimal, quantity int64) decimal.Decimal {
	return Total(currentPrice, quantity)
}
