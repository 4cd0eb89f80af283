package engine

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/tradegame/market-engine/internal/metrics"
	"github.com/tradegame/market-engine/internal/model"
	"github.com/tradegame/market-engine/internal/pricing"
	"github.com/tradegame/market-engine/internal/store"
)

// SettlementReport summarizes one settlement pass.
type SettlementReport struct {
	Round       int64           `json:"round"`
	Counted     int             `json:"counted"` // decremented, still pending
	Settled     int             `json:"settled"` // paid out and removed
	Skipped     int             `json:"skipped"` // already counted this round or already removed
	Failed      int             `json:"failed"`
	TotalPayout decimal.Decimal `json:"total_payout"`
}

type settleOutcome int

const (
	outcomeSkipped settleOutcome = iota
	outcomeCounted
	outcomeSettled
)

// SettleSales runs one pass over the pending sale queue, oldest first. Each
// sale loses one round for every market round elapsed since it was last
// counted; a sale reaching zero pays the player the asset's current price
// times quantity and is removed in the same transaction.
//
// A sale is counted at most once per market round, so calling SettleSales
// again before the next round is a no-op.
func (e *Engine) SettleSales(ctx context.Context) (*SettlementReport, error) {
	var sales []model.PendingSale
	var clock *model.MarketClock
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		if clock, err = tx.GetMarketClock(ctx); err != nil {
			return err
		}
		sales, err = tx.ListPendingSales(ctx, "")
		return err
	})
	if err != nil {
		return nil, err
	}

	report := &SettlementReport{Round: clock.Round, TotalPayout: decimal.Zero}
	for _, s := range sales {
		if s.SettledRound >= clock.Round {
			report.Skipped++
			continue
		}
		outcome, payout, err := e.settleOne(ctx, s.ID, s.PlayerID, clock.Round)
		if err != nil {
			report.Failed++
			e.logger.Error("settle sale failed", "sale_id", s.ID, "player", s.PlayerID, "err", err)
			continue
		}
		switch outcome {
		case outcomeCounted:
			report.Counted++
		case outcomeSettled:
			report.Settled++
			report.TotalPayout = report.TotalPayout.Add(payout)
		default:
			report.Skipped++
		}
	}

	e.logger.Info("settlement pass complete",
		"round", report.Round,
		"counted", report.Counted,
		"settled", report.Settled,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"payout", report.TotalPayout.String(),
	)
	return report, nil
}

func (e *Engine) settleOne(ctx context.Context, saleID, playerID string, round int64) (settleOutcome, decimal.Decimal, error) {
	e.locks.Lock(playerID)
	defer e.locks.Unlock(playerID)

	outcome := outcomeSkipped
	var sale *model.PendingSale
	payout := decimal.Zero
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		outcome, payout = outcomeSkipped, decimal.Zero

		var err error
		sale, err = tx.GetPendingSale(ctx, saleID)
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if sale.SettledRound >= round {
			return nil
		}

		sale.RoundsRemaining -= int(round - sale.SettledRound)
		sale.SettledRound = round
		if sale.RoundsRemaining > 0 {
			outcome = outcomeCounted
			return tx.UpdatePendingSale(ctx, sale)
		}

		asset, err := tx.GetAsset(ctx, sale.AssetID)
		if err != nil {
			return err
		}
		player, err := tx.GetPlayer(ctx, sale.PlayerID)
		if err != nil {
			return err
		}
		payout = pricing.Payout(asset.Price, sale.Quantity)
		if err := tx.UpdatePlayerBalance(ctx, player.ID, model.Round2(player.Balance.Add(payout))); err != nil {
			return err
		}
		if err := tx.DeletePendingSale(ctx, sale.ID); err != nil {
			return err
		}
		outcome = outcomeSettled
		return nil
	})
	if err != nil {
		return outcomeSkipped, decimal.Zero, err
	}

	if outcome == outcomeSettled {
		metrics.SalesSettled.Inc()
		metrics.SettlementPayout.Add(payout.InexactFloat64())
		e.notifier.Notify(Notification{
			Type:     NotifySaleSettled,
			PlayerID: sale.PlayerID,
			AssetID:  sale.AssetID,
			Quantity: sale.Quantity,
			Amount:   payout.String(),
			Round:    round,
			Time:     e.now(),
		})
	}
	return outcome, payout, nil
}
