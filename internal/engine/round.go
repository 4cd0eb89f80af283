package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tradegame/market-engine/internal/metrics"
	"github.com/tradegame/market-engine/internal/model"
	"github.com/tradegame/market-engine/internal/pricing"
	"github.com/tradegame/market-engine/internal/store"
)

// PriceChange records one asset repriced by a market event.
type PriceChange struct {
	AssetID  string `json:"asset_id"`
	OldPrice string `json:"old_price"`
	NewPrice string `json:"new_price"`
}

// RoundReport summarizes one round advance.
type RoundReport struct {
	Round           int64              `json:"round"`
	EventRolled     bool               `json:"event_rolled"`
	Event           *model.MarketEvent `json:"event,omitempty"`
	PriceChanges    []PriceChange      `json:"price_changes,omitempty"`
	PlayersAdvanced int                `json:"players_advanced"`
	PlayerFailures  int                `json:"player_failures"`
	Settlement      *SettlementReport  `json:"settlement,omitempty"`
}

// AdvanceRound runs one round of the game:
//
//  1. roll for a market event and, if one fires, apply its price impacts;
//  2. advance the market clock;
//  3. for every player, snapshot their balance into a RoundResult and move
//     their round counter forward, which resets their action allowance;
//  4. run a settlement pass.
//
// Failures in steps 1, 3 and 4 are logged and reported but do not stop the
// round. Only a failure to advance the clock is returned.
//
// Concurrent calls on one Engine run one after the other. Advances from other
// processes are tolerated by settlement, which counts every clock round a
// sale has missed.
func (e *Engine) AdvanceRound(ctx context.Context) (*RoundReport, error) {
	e.rounds.Lock()
	defer e.rounds.Unlock()

	start := time.Now()
	report := &RoundReport{}

	var description *string
	if e.src.Float64() > pricing.EventThreshold {
		report.EventRolled = true
		event, changes, err := e.applyRandomEvent(ctx)
		switch {
		case err != nil:
			e.logger.Error("market event failed", "err", err)
		case event == nil:
			e.logger.Warn("market event rolled but none are defined")
		default:
			report.Event = event
			report.PriceChanges = changes
			d := event.Description
			description = &d
		}
	}

	err := e.store.InTx(ctx, func(tx store.Tx) error {
		clock, err := tx.GetMarketClock(ctx)
		if err != nil {
			return err
		}
		clock.Round++
		report.Round = clock.Round
		return tx.SaveMarketClock(ctx, clock)
	})
	if err != nil {
		return report, fmt.Errorf("advance market clock: %w", err)
	}

	var players []model.Player
	err = e.store.View(ctx, func(tx store.Tx) error {
		var err error
		players, err = tx.ListPlayers(ctx)
		return err
	})
	if err != nil {
		e.logger.Error("list players failed", "round", report.Round, "err", err)
	}
	for _, p := range players {
		if err := e.advancePlayer(ctx, p.ID, description); err != nil {
			report.PlayerFailures++
			e.logger.Error("advance player failed", "player", p.ID, "round", report.Round, "err", err)
			continue
		}
		report.PlayersAdvanced++
	}

	settlement, err := e.SettleSales(ctx)
	if err != nil {
		e.logger.Error("settlement pass failed", "round", report.Round, "err", err)
	} else {
		report.Settlement = settlement
	}

	metrics.RoundsTotal.Inc()
	metrics.RoundDuration.Observe(time.Since(start).Seconds())
	e.logger.Info("round advanced",
		"round", report.Round,
		"event_rolled", report.EventRolled,
		"players", report.PlayersAdvanced,
		"player_failures", report.PlayerFailures,
		"duration", time.Since(start).String(),
	)
	n := Notification{Type: NotifyRoundAdvance, Round: report.Round, Time: e.now()}
	if description != nil {
		n.Description = *description
	}
	e.notifier.Notify(n)
	return report, nil
}

// applyRandomEvent picks one defined event uniformly and applies every impact
// it carries in a single transaction. It returns a nil event when none exist.
func (e *Engine) applyRandomEvent(ctx context.Context) (*model.MarketEvent, []PriceChange, error) {
	var events []model.MarketEvent
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		events, err = tx.ListEvents(ctx)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("list events: %w", err)
	}
	if len(events) == 0 {
		return nil, nil, nil
	}
	event := events[e.src.Intn(len(events))]

	var changes []PriceChange
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		changes = changes[:0]
		impacts, err := tx.ListEventImpacts(ctx, event.ID)
		if err != nil {
			return err
		}
		for _, imp := range impacts {
			asset, err := tx.GetAsset(ctx, imp.AssetID)
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			newPrice, err := pricing.ApplyEventImpact(asset.Price, imp.Impact)
			if err != nil {
				return fmt.Errorf("event %s asset %s: %w", event.ID, imp.AssetID, err)
			}
			if err := tx.UpdateAssetPrice(ctx, asset.ID, newPrice); err != nil {
				return err
			}
			changes = append(changes, PriceChange{
				AssetID:  asset.ID,
				OldPrice: asset.Price.String(),
				NewPrice: newPrice.String(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.MarketEventsTotal.Inc()
	e.logger.Info("market event applied", "event", event.ID, "name", event.Name, "assets", len(changes))
	for _, c := range changes {
		e.notifier.Notify(Notification{
			Type:        NotifyMarketEvent,
			AssetID:     c.AssetID,
			Price:       c.NewPrice,
			Description: event.Description,
			Time:        e.now(),
		})
	}
	return &event, changes, nil
}

// advancePlayer records the player's round result and moves their counter
// forward. A player without a counter starts at round 1.
func (e *Engine) advancePlayer(ctx context.Context, playerID string, description *string) error {
	e.locks.Lock(playerID)
	defer e.locks.Unlock(playerID)

	return e.store.InTx(ctx, func(tx store.Tx) error {
		player, err := tx.GetPlayer(ctx, playerID)
		if err != nil {
			return err
		}
		rc, err := tx.GetRoundCounter(ctx, playerID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			rc = &model.RoundCounter{PlayerID: playerID, RoundID: 1, RoundNumber: 1}
		case err != nil:
			return err
		}

		result := &model.RoundResult{
			ID:               uuid.New().String(),
			PlayerID:         playerID,
			Balance:          player.Balance,
			Round:            rc.RoundNumber,
			EventDescription: description,
			CreatedAt:        e.now(),
		}
		if err := tx.InsertRoundResult(ctx, result); err != nil {
			return err
		}

		rc.RoundID++
		rc.RoundNumber++
		return tx.SaveRoundCounter(ctx, rc)
	})
}
