// Package model defines the core domain types shared across the game engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of fractional digits kept for balances and prices.
const MoneyScale int32 = 2

// Round2 rounds a money value to MoneyScale fractional digits.
func Round2(v decimal.Decimal) decimal.Decimal {
	return v.Round(MoneyScale)
}

// Player is a game participant holding virtual cash.
// Balance is never negative; only trades and settlements change it.
type Player struct {
	ID        string          `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Asset is a tradable instrument priced by the synthetic market maker.
type Asset struct {
	ID                  string          `json:"id" db:"id"`
	Name                string          `json:"name" db:"name"`
	Type                string          `json:"type" db:"type"`
	Liquidity           decimal.Decimal `json:"liquidity" db:"liquidity"`                         // impact denominator, > 0
	BaseSettlementDelay int             `json:"base_settlement_delay" db:"base_settlement_delay"` // rounds
	Slippage            decimal.Decimal `json:"slippage" db:"slippage"`                           // percent, bounds jitter
	Price               decimal.Decimal `json:"price" db:"price"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
}

// Holding is the quantity of one asset owned by one player.
// Rows with zero quantity do not exist.
type Holding struct {
	PlayerID   string    `json:"player_id" db:"player_id"`
	AssetID    string    `json:"asset_id" db:"asset_id"`
	Quantity   int64     `json:"quantity" db:"quantity"`
	AcquiredAt time.Time `json:"acquired_at" db:"acquired_at"`
}

// PendingSale is a sale that left the player's holdings but has not paid out.
// TotalValue is the value locked in at sale time; the payout itself uses the
// asset price at settlement.
type PendingSale struct {
	ID              string          `json:"id" db:"id"`
	PlayerID        string          `json:"player_id" db:"player_id"`
	AssetID         string          `json:"asset_id" db:"asset_id"`
	Quantity        int64           `json:"quantity" db:"quantity"`
	TotalValue      decimal.Decimal `json:"total_value" db:"total_value"`
	RoundsRemaining int             `json:"rounds_remaining" db:"rounds_remaining"`
	SettledRound    int64           `json:"settled_round" db:"settled_round"` // last market round that counted down this sale
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// RoundCounter tracks a player's current round. One row per player.
type RoundCounter struct {
	PlayerID    string `json:"player_id" db:"player_id"`
	RoundID     int64  `json:"round_id" db:"round_id"`
	RoundNumber int64  `json:"round_number" db:"round_number"`
}

// RoundActionCounter counts the trades a player made in one round.
type RoundActionCounter struct {
	PlayerID  string `json:"player_id" db:"player_id"`
	RoundID   int64  `json:"round_id" db:"round_id"`
	Purchases int    `json:"purchases" db:"purchases"`
	Sales     int    `json:"sales" db:"sales"`
}

// MarketEvent is a named occurrence that shocks the price of some assets.
type MarketEvent struct {
	ID          string        `json:"id" db:"id"`
	Name        string        `json:"name" db:"name"`
	Description string        `json:"description" db:"description"`
	Impacts     []EventImpact `json:"impacts,omitempty"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

// EventImpact is the fractional price shock an event applies to one asset.
type EventImpact struct {
	EventID string          `json:"event_id" db:"event_id"`
	AssetID string          `json:"asset_id" db:"asset_id"`
	Impact  decimal.Decimal `json:"impact" db:"impact"` // in [-0.99, 0.99]
}

// RoundResult is an immutable per-player snapshot recorded every round.
type RoundResult struct {
	ID               string          `json:"id" db:"id"`
	PlayerID         string          `json:"player_id" db:"player_id"`
	Balance          decimal.Decimal `json:"balance" db:"balance"`
	Round            int64           `json:"round" db:"round"`
	EventDescription *string         `json:"event_description" db:"event_description"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// MarketClock is the global round sequence advanced once per scheduler tick.
type MarketClock struct {
	Round int64 `json:"round" db:"round"`
}
