package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradegame/market-engine/internal/limiter"
	"github.com/tradegame/market-engine/internal/model"
	"github.com/tradegame/market-engine/internal/pricing"
	"github.com/tradegame/market-engine/internal/store"
)

// --- Players ---

// RegisterPlayer creates a player with the configured starting balance.
// An empty id generates one.
func (e *Engine) RegisterPlayer(ctx context.Context, id, name string) (*model.Player, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", model.ErrInvalidInput)
	}
	if id == "" {
		id = uuid.New().String()
	}
	p := &model.Player{
		ID:        id,
		Name:      name,
		Balance:   model.Round2(e.startingBalance),
		CreatedAt: e.now(),
	}
	if err := e.store.InTx(ctx, func(tx store.Tx) error {
		return tx.CreatePlayer(ctx, p)
	}); err != nil {
		return nil, err
	}
	e.logger.Info("player registered", "player", p.ID, "name", p.Name, "balance", p.Balance.String())
	return p, nil
}

func (e *Engine) GetPlayer(ctx context.Context, id string) (*model.Player, error) {
	var p *model.Player
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		p, err = tx.GetPlayer(ctx, id)
		return err
	})
	return p, err
}

func (e *Engine) ListPlayers(ctx context.Context) ([]model.Player, error) {
	var players []model.Player
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		players, err = tx.ListPlayers(ctx)
		return err
	})
	return players, err
}

// DeletePlayer removes a player together with their holdings, pending sales,
// counters and results.
func (e *Engine) DeletePlayer(ctx context.Context, id string) error {
	e.locks.Lock(id)
	defer e.locks.Unlock(id)

	if err := e.store.InTx(ctx, func(tx store.Tx) error {
		return tx.DeletePlayer(ctx, id)
	}); err != nil {
		return err
	}
	e.logger.Info("player deleted", "player", id)
	return nil
}

// --- Assets ---

// AssetInput carries the admin-editable attributes of an asset.
type AssetInput struct {
	Name                string          `json:"name"`
	Type                string          `json:"type"`
	Liquidity           decimal.Decimal `json:"liquidity"`
	BaseSettlementDelay int             `json:"base_settlement_delay"`
	Slippage            decimal.Decimal `json:"slippage"`
	Price               decimal.Decimal `json:"price"`
}

func (in AssetInput) validate() error {
	switch {
	case strings.TrimSpace(in.Name) == "":
		return fmt.Errorf("%w: name is required", model.ErrInvalidInput)
	case !in.Liquidity.IsPositive():
		return fmt.Errorf("%w: liquidity must be positive", model.ErrInvalidInput)
	case in.BaseSettlementDelay < 0:
		return fmt.Errorf("%w: base_settlement_delay must not be negative", model.ErrInvalidInput)
	case in.Slippage.IsNegative():
		return fmt.Errorf("%w: slippage must not be negative", model.ErrInvalidInput)
	case in.Slippage.GreaterThanOrEqual(pricing.MaxSlippage):
		return fmt.Errorf("%w: slippage must be below %s", model.ErrInvalidInput, pricing.MaxSlippage)
	case model.Round2(in.Price).LessThan(pricing.MinPrice):
		return fmt.Errorf("%w: price must be at least %s", model.ErrInvalidInput, pricing.MinPrice)
	}
	return nil
}

func (in AssetInput) apply(a *model.Asset) {
	a.Name = strings.TrimSpace(in.Name)
	a.Type = strings.TrimSpace(in.Type)
	a.Liquidity = in.Liquidity
	a.BaseSettlementDelay = in.BaseSettlementDelay
	a.Slippage = in.Slippage
	a.Price = model.Round2(in.Price)
}

// CreateAsset registers a tradable asset.
func (e *Engine) CreateAsset(ctx context.Context, in AssetInput) (*model.Asset, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	a := &model.Asset{ID: uuid.New().String(), CreatedAt: e.now()}
	in.apply(a)
	if err := e.store.InTx(ctx, func(tx store.Tx) error {
		return tx.CreateAsset(ctx, a)
	}); err != nil {
		return nil, err
	}
	e.logger.Info("asset created", "asset", a.ID, "name", a.Name, "price", a.Price.String())
	return a, nil
}

func (e *Engine) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	var a *model.Asset
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		a, err = tx.GetAsset(ctx, id)
		return err
	})
	return a, err
}

func (e *Engine) ListAssets(ctx context.Context) ([]model.Asset, error) {
	var assets []model.Asset
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		assets, err = tx.ListAssets(ctx)
		return err
	})
	return assets, err
}

// UpdateAsset replaces an asset's attributes, including its price.
func (e *Engine) UpdateAsset(ctx context.Context, id string, in AssetInput) (*model.Asset, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var a *model.Asset
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if a, err = tx.GetAsset(ctx, id); err != nil {
			return err
		}
		in.apply(a)
		return tx.UpdateAsset(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("asset updated", "asset", a.ID, "price", a.Price.String())
	return a, nil
}

// DeleteAsset removes an asset with its holdings, pending sales and impacts.
func (e *Engine) DeleteAsset(ctx context.Context, id string) error {
	if err := e.store.InTx(ctx, func(tx store.Tx) error {
		return tx.DeleteAsset(ctx, id)
	}); err != nil {
		return err
	}
	e.logger.Info("asset deleted", "asset", id)
	return nil
}

// --- Market events ---

// EventInput carries the admin-editable attributes of a market event.
type EventInput struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Impacts     []ImpactInput `json:"impacts,omitempty"`
}

// ImpactInput is one asset shock in an EventInput.
type ImpactInput struct {
	AssetID string          `json:"asset_id"`
	Impact  decimal.Decimal `json:"impact"`
}

// CreateEvent defines a market event and its impacts atomically.
func (e *Engine) CreateEvent(ctx context.Context, in EventInput) (*model.MarketEvent, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", model.ErrInvalidInput)
	}
	for _, imp := range in.Impacts {
		if err := pricing.ValidateEventImpact(imp.Impact); err != nil {
			return nil, err
		}
	}

	ev := &model.MarketEvent{
		ID:          uuid.New().String(),
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		CreatedAt:   e.now(),
	}
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateEvent(ctx, ev); err != nil {
			return err
		}
		for _, imp := range in.Impacts {
			if err := setImpact(ctx, tx, ev.ID, imp.AssetID, imp.Impact); err != nil {
				return err
			}
		}
		var err error
		ev.Impacts, err = tx.ListEventImpacts(ctx, ev.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("event created", "event", ev.ID, "name", ev.Name, "impacts", len(ev.Impacts))
	return ev, nil
}

func (e *Engine) GetEvent(ctx context.Context, id string) (*model.MarketEvent, error) {
	var ev *model.MarketEvent
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		ev, err = tx.GetEvent(ctx, id)
		return err
	})
	return ev, err
}

func (e *Engine) ListEvents(ctx context.Context) ([]model.MarketEvent, error) {
	var events []model.MarketEvent
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		events, err = tx.ListEvents(ctx)
		return err
	})
	return events, err
}

// UpdateEvent changes an event's name and description. Impacts are managed
// with SetEventImpact.
func (e *Engine) UpdateEvent(ctx context.Context, id string, in EventInput) (*model.MarketEvent, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", model.ErrInvalidInput)
	}
	var ev *model.MarketEvent
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		upd := &model.MarketEvent{ID: id, Name: strings.TrimSpace(in.Name), Description: in.Description}
		if err := tx.UpdateEvent(ctx, upd); err != nil {
			return err
		}
		var err error
		ev, err = tx.GetEvent(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (e *Engine) DeleteEvent(ctx context.Context, id string) error {
	if err := e.store.InTx(ctx, func(tx store.Tx) error {
		return tx.DeleteEvent(ctx, id)
	}); err != nil {
		return err
	}
	e.logger.Info("event deleted", "event", id)
	return nil
}

// SetEventImpact inserts or replaces the shock an event applies to an asset.
func (e *Engine) SetEventImpact(ctx context.Context, eventID, assetID string, impact decimal.Decimal) (*model.EventImpact, error) {
	if err := pricing.ValidateEventImpact(impact); err != nil {
		return nil, err
	}
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		return setImpact(ctx, tx, eventID, assetID, impact)
	})
	if err != nil {
		return nil, err
	}
	return &model.EventImpact{EventID: eventID, AssetID: assetID, Impact: impact}, nil
}

func setImpact(ctx context.Context, tx store.Tx, eventID, assetID string, impact decimal.Decimal) error {
	if _, err := tx.GetEvent(ctx, eventID); err != nil {
		return err
	}
	if _, err := tx.GetAsset(ctx, assetID); err != nil {
		return err
	}
	return tx.SetEventImpact(ctx, &model.EventImpact{EventID: eventID, AssetID: assetID, Impact: impact})
}

// --- Player views ---

// RoundStatus is a player's position in the round sequence and what they
// may still do in it.
type RoundStatus struct {
	RoundID      int64 `json:"round_id"`
	RoundNumber  int64 `json:"round_number"`
	Purchases    int   `json:"purchases"`
	Sales        int   `json:"sales"`
	Limit        int   `json:"limit"`
	CanPurchase  bool  `json:"can_purchase"`
	CanSell      bool  `json:"can_sell"`
	MarketRound  int64 `json:"market_round"`
	PendingSales int   `json:"pending_sales"`
}

func (e *Engine) Holdings(ctx context.Context, playerID string) ([]model.Holding, error) {
	var holdings []model.Holding
	err := e.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetPlayer(ctx, playerID); err != nil {
			return err
		}
		var err error
		holdings, err = tx.ListHoldings(ctx, playerID)
		return err
	})
	return holdings, err
}

func (e *Engine) PendingSales(ctx context.Context, playerID string) ([]model.PendingSale, error) {
	var sales []model.PendingSale
	err := e.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetPlayer(ctx, playerID); err != nil {
			return err
		}
		var err error
		sales, err = tx.ListPendingSales(ctx, playerID)
		return err
	})
	return sales, err
}

func (e *Engine) RoundResults(ctx context.Context, playerID string) ([]model.RoundResult, error) {
	var results []model.RoundResult
	err := e.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetPlayer(ctx, playerID); err != nil {
			return err
		}
		var err error
		results, err = tx.ListRoundResults(ctx, playerID)
		return err
	})
	return results, err
}

// CurrentRound reports the player's round counter and remaining allowance.
func (e *Engine) CurrentRound(ctx context.Context, playerID string) (*RoundStatus, error) {
	var st RoundStatus
	err := e.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetPlayer(ctx, playerID); err != nil {
			return err
		}
		st.RoundID, st.RoundNumber = 1, 1
		rc, err := tx.GetRoundCounter(ctx, playerID)
		switch {
		case err == nil:
			st.RoundID, st.RoundNumber = rc.RoundID, rc.RoundNumber
		case !errors.Is(err, model.ErrNotFound):
			return err
		}
		ac, err := e.limiter.Load(ctx, tx, playerID)
		if err != nil {
			return err
		}
		clock, err := tx.GetMarketClock(ctx)
		if err != nil {
			return err
		}
		sales, err := tx.ListPendingSales(ctx, playerID)
		if err != nil {
			return err
		}
		st.Purchases, st.Sales = ac.Purchases, ac.Sales
		st.Limit = e.limiter.Limit
		st.CanPurchase = e.limiter.Allowed(ac, limiter.Purchase)
		st.CanSell = e.limiter.Allowed(ac, limiter.Sale)
		st.MarketRound = clock.Round
		st.PendingSales = len(sales)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}
