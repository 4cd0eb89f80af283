// Package store defines the persistence interface for the game engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache over another Store), and in-memory (for testing and development).
//
// All access goes through a transaction. InTx runs a read-write unit of work
// atomically: either every write inside fn is applied or none is. View runs a
// read-only unit of work against a consistent snapshot.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/tradegame/market-engine/internal/model"
)

// ErrReadOnly is returned when a write is attempted inside View.
var ErrReadOnly = errors.New("store: write in read-only transaction")

// Store is the persistence entry point.
type Store interface {
	// InTx runs fn in a read-write transaction. If fn returns an error the
	// transaction is rolled back and the error is returned unchanged.
	// Implementations may call fn more than once on serialization conflicts,
	// so fn must not have side effects outside tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close()
}

// Tx is the set of operations available inside a transaction. Lookups of a
// missing row return an error wrapping model.ErrNotFound.
type Tx interface {
	// --- Players ---

	CreatePlayer(ctx context.Context, p *model.Player) error
	GetPlayer(ctx context.Context, id string) (*model.Player, error)
	ListPlayers(ctx context.Context) ([]model.Player, error)
	UpdatePlayerBalance(ctx context.Context, id string, balance decimal.Decimal) error
	// DeletePlayer removes a player and everything they own.
	DeletePlayer(ctx context.Context, id string) error

	// --- Assets ---

	CreateAsset(ctx context.Context, a *model.Asset) error
	GetAsset(ctx context.Context, id string) (*model.Asset, error)
	ListAssets(ctx context.Context) ([]model.Asset, error)
	// UpdateAsset replaces the asset's mutable attributes including its price.
	UpdateAsset(ctx context.Context, a *model.Asset) error
	UpdateAssetPrice(ctx context.Context, id string, price decimal.Decimal) error
	// DeleteAsset removes an asset with its holdings, pending sales and
	// event impacts.
	DeleteAsset(ctx context.Context, id string) error

	// --- Holdings ---

	GetHolding(ctx context.Context, playerID, assetID string) (*model.Holding, error)
	ListHoldings(ctx context.Context, playerID string) ([]model.Holding, error)
	// SaveHolding inserts or replaces a holding. Quantity must be positive;
	// use DeleteHolding to remove a position.
	SaveHolding(ctx context.Context, h *model.Holding) error
	DeleteHolding(ctx context.Context, playerID, assetID string) error

	// --- Pending sales ---

	InsertPendingSale(ctx context.Context, s *model.PendingSale) error
	GetPendingSale(ctx context.Context, id string) (*model.PendingSale, error)
	// ListPendingSales returns a player's pending sales, or every pending
	// sale when playerID is empty, oldest first.
	ListPendingSales(ctx context.Context, playerID string) ([]model.PendingSale, error)
	UpdatePendingSale(ctx context.Context, s *model.PendingSale) error
	// DeletePendingSale returns an error wrapping model.ErrNotFound when the
	// sale was already removed.
	DeletePendingSale(ctx context.Context, id string) error

	// --- Rounds ---

	GetRoundCounter(ctx context.Context, playerID string) (*model.RoundCounter, error)
	SaveRoundCounter(ctx context.Context, c *model.RoundCounter) error
	GetActionCounter(ctx context.Context, playerID string, roundID int64) (*model.RoundActionCounter, error)
	SaveActionCounter(ctx context.Context, c *model.RoundActionCounter) error
	GetMarketClock(ctx context.Context) (*model.MarketClock, error)
	SaveMarketClock(ctx context.Context, c *model.MarketClock) error

	// --- Market events ---

	CreateEvent(ctx context.Context, e *model.MarketEvent) error
	// GetEvent and ListEvents populate Impacts.
	GetEvent(ctx context.Context, id string) (*model.MarketEvent, error)
	ListEvents(ctx context.Context) ([]model.MarketEvent, error)
	UpdateEvent(ctx context.Context, e *model.MarketEvent) error
	DeleteEvent(ctx context.Context, id string) error
	// SetEventImpact inserts or replaces the impact of an event on an asset.
	SetEventImpact(ctx context.Context, imp *model.EventImpact) error
	ListEventImpacts(ctx context.Context, eventID string) ([]model.EventImpact, error)

	// --- Round results ---

	InsertRoundResult(ctx context.Context, r *model.RoundResult) error
	// ListRoundResults returns a player's results, oldest round first.
	ListRoundResults(ctx context.Context, playerID string) ([]model.RoundResult, error)
}
