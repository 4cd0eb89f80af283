package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradegame/market-engine/internal/metrics"
	"github.com/tradegame/market-engine/internal/model"
	"github.com/tradegame/market-engine/internal/pricing"
	"github.com/tradegame/market-engine/internal/store"
)

// BuyResult is the fully applied outcome of a purchase.
type BuyResult struct {
	AssetID   string          `json:"asset_id"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Jitter    decimal.Decimal `json:"jitter"`
	Impact    decimal.Decimal `json:"impact"`
	NewPrice  decimal.Decimal `json:"new_price"`
	Total     decimal.Decimal `json:"total"`
	Balance   decimal.Decimal `json:"balance"`
	Holding   model.Holding   `json:"holding"`
}

// SellResult is the fully applied outcome of a sale. The proceeds are paid
// later, when the pending sale settles.
type SellResult struct {
	AssetID           string          `json:"asset_id"`
	Quantity          int64           `json:"quantity"`
	SaleID            string          `json:"sale_id"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	Jitter            decimal.Decimal `json:"jitter"`
	Impact            decimal.Decimal `json:"impact"`
	NewPrice          decimal.Decimal `json:"new_price"`
	RoundsRemaining   int             `json:"rounds_remaining"`
	TotalValue        decimal.Decimal `json:"total_value"`
	RemainingQuantity int64           `json:"remaining_quantity"`
}

// Buy purchases quantity units of an asset for a player at the jittered
// execution price, debits the player, grows their holding and pushes the
// asset price up by the market impact.
func (e *Engine) Buy(ctx context.Context, playerID, assetID string, quantity int64) (*BuyResult, error) {
	if quantity <= 0 {
		metrics.TradeRejections.WithLabelValues("buy", reason(model.ErrInvalidQuantity)).Inc()
		return nil, model.ErrInvalidQuantity
	}

	e.locks.Lock(playerID)
	defer e.locks.Unlock(playerID)

	start := time.Now()
	var res *BuyResult
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		player, err := tx.GetPlayer(ctx, playerID)
		if err != nil {
			return err
		}
		asset, err := tx.GetAsset(ctx, assetID)
		if err != nil {
			return err
		}
		counter, err := e.limiter.CheckPurchase(ctx, tx, playerID)
		if err != nil {
			return err
		}

		unit, jitter, err := pricing.ExecutionPrice(e.src, asset)
		if err != nil {
			return err
		}
		total := pricing.Total(unit, quantity)
		if player.Balance.LessThan(total) {
			return fmt.Errorf("%w: cost %s exceeds balance %s", model.ErrInsufficientFunds, total, player.Balance)
		}
		delta, err := pricing.Impact(asset.Price, asset.Liquidity, quantity, pricing.Buy)
		if err != nil {
			return err
		}
		newPrice := pricing.ApplyImpact(asset.Price, delta)

		holding, err := tx.GetHolding(ctx, playerID, assetID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			holding = &model.Holding{PlayerID: playerID, AssetID: assetID, AcquiredAt: e.now()}
		case err != nil:
			return err
		}
		holding.Quantity += quantity

		// Checks done; everything below mutates.
		balance := model.Round2(player.Balance.Sub(total))
		if err := tx.UpdatePlayerBalance(ctx, playerID, balance); err != nil {
			return err
		}
		if err := tx.SaveHolding(ctx, holding); err != nil {
			return err
		}
		if err := tx.UpdateAssetPrice(ctx, assetID, newPrice); err != nil {
			return err
		}
		if err := e.limiter.RecordPurchase(ctx, tx, counter); err != nil {
			return err
		}

		res = &BuyResult{
			AssetID:   assetID,
			Quantity:  quantity,
			UnitPrice: unit,
			Jitter:    jitter,
			Impact:    delta,
			NewPrice:  newPrice,
			Total:     total,
			Balance:   balance,
			Holding:   *holding,
		}
		return nil
	})
	if err != nil {
		metrics.TradeRejections.WithLabelValues("buy", reason(err)).Inc()
		e.logger.Warn("buy rejected", "player", playerID, "asset", assetID, "qty", quantity, "err", err)
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("buy").Inc()
	metrics.TradeLatency.WithLabelValues("buy").Observe(time.Since(start).Seconds())
	e.logger.Info("buy executed",
		"player", playerID,
		"asset", assetID,
		"qty", quantity,
		"unit_price", res.UnitPrice.String(),
		"total", res.Total.String(),
		"new_price", res.NewPrice.String(),
	)
	e.notifier.Notify(Notification{
		Type:     NotifyBuy,
		PlayerID: playerID,
		AssetID:  assetID,
		Quantity: quantity,
		Price:    res.NewPrice.String(),
		Amount:   res.Total.String(),
		Time:     e.now(),
	})
	return res, nil
}

// Sell removes quantity units from a player's holding and queues a pending
// sale that pays out after a settlement delay. The asset price is pushed down
// by the market impact immediately.
func (e *Engine) Sell(ctx context.Context, playerID, assetID string, quantity int64) (*SellResult, error) {
	if quantity <= 0 {
		metrics.TradeRejections.WithLabelValues("sell", reason(model.ErrInvalidQuantity)).Inc()
		return nil, model.ErrInvalidQuantity
	}

	e.locks.Lock(playerID)
	defer e.locks.Unlock(playerID)

	start := time.Now()
	var res *SellResult
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetPlayer(ctx, playerID); err != nil {
			return err
		}
		asset, err := tx.GetAsset(ctx, assetID)
		if err != nil {
			return err
		}
		holding, err := tx.GetHolding(ctx, playerID, assetID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			return fmt.Errorf("%w: no %s held", model.ErrInsufficientHoldings, assetID)
		case err != nil:
			return err
		}
		if holding.Quantity < quantity {
			return fmt.Errorf("%w: holding %d, selling %d", model.ErrInsufficientHoldings, holding.Quantity, quantity)
		}
		counter, err := e.limiter.CheckSale(ctx, tx, playerID)
		if err != nil {
			return err
		}

		unit, jitter, err := pricing.ExecutionPrice(e.src, asset)
		if err != nil {
			return err
		}
		total := pricing.Total(unit, quantity)
		delay := pricing.SettlementDelay(e.src, asset.BaseSettlementDelay, quantity)
		delta, err := pricing.Impact(asset.Price, asset.Liquidity, quantity, pricing.Sell)
		if err != nil {
			return err
		}
		newPrice := pricing.ApplyImpact(asset.Price, delta)
		clock, err := tx.GetMarketClock(ctx)
		if err != nil {
			return err
		}

		// Checks done; everything below mutates.
		sale := &model.PendingSale{
			ID:              uuid.New().String(),
			PlayerID:        playerID,
			AssetID:         assetID,
			Quantity:        quantity,
			TotalValue:      total,
			RoundsRemaining: delay,
			SettledRound:    clock.Round,
			CreatedAt:       e.now(),
		}
		if err := tx.InsertPendingSale(ctx, sale); err != nil {
			return err
		}
		remaining := holding.Quantity - quantity
		if remaining == 0 {
			err = tx.DeleteHolding(ctx, playerID, assetID)
		} else {
			holding.Quantity = remaining
			err = tx.SaveHolding(ctx, holding)
		}
		if err != nil {
			return err
		}
		if err := tx.UpdateAssetPrice(ctx, assetID, newPrice); err != nil {
			return err
		}
		if err := e.limiter.RecordSale(ctx, tx, counter); err != nil {
			return err
		}

		res = &SellResult{
			AssetID:           assetID,
			Quantity:          quantity,
			SaleID:            sale.ID,
			UnitPrice:         unit,
			Jitter:            jitter,
			Impact:            delta,
			NewPrice:          newPrice,
			RoundsRemaining:   delay,
			TotalValue:        total,
			RemainingQuantity: remaining,
		}
		return nil
	})
	if err != nil {
		metrics.TradeRejections.WithLabelValues("sell", reason(err)).Inc()
		e.logger.Warn("sell rejected", "player", playerID, "asset", assetID, "qty", quantity, "err", err)
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("sell").Inc()
	metrics.TradeLatency.WithLabelValues("sell").Observe(time.Since(start).Seconds())
	e.logger.Info("sell queued",
		"player", playerID,
		"asset", assetID,
		"qty", quantity,
		"sale_id", res.SaleID,
		"total_value", res.TotalValue.String(),
		"rounds", res.RoundsRemaining,
		"new_price", res.NewPrice.String(),
	)
	e.notifier.Notify(Notification{
		Type:     NotifySell,
		PlayerID: playerID,
		AssetID:  assetID,
		Quantity: quantity,
		Price:    res.NewPrice.String(),
		Amount:   res.TotalValue.String(),
		Time:     e.now(),
	})
	return res, nil
}

// reason maps an error to a bounded metrics label.
func reason(err error) string {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, model.ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrInsufficientHoldings):
		return "insufficient_holdings"
	case errors.Is(err, store.ErrTxConflict):
		return "conflict"
	default:
		return "internal"
	}
}
