// Package limiter enforces the per-round trading allowance.
//
// Each player may make at most Limit purchases and Limit sales within one
// round. Counters are keyed by (player, round id), so advancing a player's
// round id implicitly resets them: a missing counter reads as zero.
package limiter

import (
	"context"
	"errors"
	"fmt"

	"github.com/tradegame/market-engine/internal/model"
)

// DefaultActionLimit is the number of purchases, and separately sales, a
// player may make per round.
const DefaultActionLimit = 2

// Kind distinguishes the two independently counted actions.
type Kind int

const (
	Purchase Kind = iota
	Sale
)

func (k Kind) String() string {
	if k == Sale {
		return "sale"
	}
	return "purchase"
}

// CounterStore is the slice of the persistence layer the limiter needs.
// It is satisfied by store.Tx.
type CounterStore interface {
	GetRoundCounter(ctx context.Context, playerID string) (*model.RoundCounter, error)
	SaveRoundCounter(ctx context.Context, c *model.RoundCounter) error
	GetActionCounter(ctx context.Context, playerID string, roundID int64) (*model.RoundActionCounter, error)
	SaveActionCounter(ctx context.Context, c *model.RoundActionCounter) error
}

// Limiter checks and records round actions.
type Limiter struct {
	// Limit is the maximum count per action kind per round.
	Limit int
}

// New creates a Limiter. A non-positive limit falls back to DefaultActionLimit.
func New(limit int) *Limiter {
	if limit < 1 {
		limit = DefaultActionLimit
	}
	return &Limiter{Limit: limit}
}

// Load returns the player's action counter for their current round. A player
// with no round counter is in round 1; a missing action counter is all zeros.
// Nothing is written until Record.
func (l *Limiter) Load(ctx context.Context, cs CounterStore, playerID string) (*model.RoundActionCounter, error) {
	roundID, err := currentRound(ctx, cs, playerID)
	if err != nil {
		return nil, err
	}

	ac, err := cs.GetActionCounter(ctx, playerID, roundID)
	switch {
	case err == nil:
		return ac, nil
	case errors.Is(err, model.ErrNotFound):
		return &model.RoundActionCounter{PlayerID: playerID, RoundID: roundID}, nil
	default:
		return nil, fmt.Errorf("limiter: load action counter: %w", err)
	}
}

// currentRound returns the player's round id, or 1 when they have none yet.
func currentRound(ctx context.Context, cs CounterStore, playerID string) (int64, error) {
	rc, err := cs.GetRoundCounter(ctx, playerID)
	switch {
	case err == nil:
		return rc.RoundID, nil
	case errors.Is(err, model.ErrNotFound):
		return 1, nil
	default:
		return 0, fmt.Errorf("limiter: load round counter: %w", err)
	}
}

// Allowed reports whether one more action of kind k fits in the counter.
func (l *Limiter) Allowed(c *model.RoundActionCounter, k Kind) bool {
	if k == Sale {
		return c.Sales < l.Limit
	}
	return c.Purchases < l.Limit
}

// Check loads the counter and returns it, or ErrPurchaseLimit / ErrSaleLimit
// when the player has used up their allowance this round.
func (l *Limiter) Check(ctx context.Context, cs CounterStore, playerID string, k Kind) (*model.RoundActionCounter, error) {
	c, err := l.Load(ctx, cs, playerID)
	if err != nil {
		return nil, err
	}
	if !l.Allowed(c, k) {
		if k == Sale {
			return c, model.ErrSaleLimit
		}
		return c, model.ErrPurchaseLimit
	}
	return c, nil
}

// CanPurchase reports whether the player may buy again this round.
func (l *Limiter) CanPurchase(ctx context.Context, cs CounterStore, playerID string) (bool, error) {
	c, err := l.Load(ctx, cs, playerID)
	if err != nil {
		return false, err
	}
	return l.Allowed(c, Purchase), nil
}

// CanSell reports whether the player may sell again this round.
func (l *Limiter) CanSell(ctx context.Context, cs CounterStore, playerID string) (bool, error) {
	c, err := l.Load(ctx, cs, playerID)
	if err != nil {
		return false, err
	}
	return l.Allowed(c, Sale), nil
}

// CheckPurchase is Check for a purchase.
func (l *Limiter) CheckPurchase(ctx context.Context, cs CounterStore, playerID string) (*model.RoundActionCounter, error) {
	return l.Check(ctx, cs, playerID, Purchase)
}

// CheckSale is Check for a sale.
func (l *Limiter) CheckSale(ctx context.Context, cs CounterStore, playerID string) (*model.RoundActionCounter, error) {
	return l.Check(ctx, cs, playerID, Sale)
}

// RecordPurchase is Record for a purchase.
func (l *Limiter) RecordPurchase(ctx context.Context, cs CounterStore, c *model.RoundActionCounter) error {
	return l.Record(ctx, cs, c, Purchase)
}

// RecordSale is Record for a sale.
func (l *Limiter) RecordSale(ctx context.Context, cs CounterStore, c *model.RoundActionCounter) error {
	return l.Record(ctx, cs, c, Sale)
}

// Record increments the counter for kind k and persists it, creating the
// player's round counter at round 1 if it does not exist yet. It must run in
// the same transaction as the trade it counts.
func (l *Limiter) Record(ctx context.Context, cs CounterStore, c *model.RoundActionCounter, k Kind) error {
	if _, err := cs.GetRoundCounter(ctx, c.PlayerID); errors.Is(err, model.ErrNotFound) {
		rc := &model.RoundCounter{PlayerID: c.PlayerID, RoundID: c.RoundID, RoundNumber: c.RoundID}
		if err := cs.SaveRoundCounter(ctx, rc); err != nil {
			return fmt.Errorf("limiter: create round counter: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("limiter: load round counter: %w", err)
	}

	next := *c
	if k == Sale {
		next.Sales++
	} else {
		next.Purchases++
	}
	if err := cs.SaveActionCounter(ctx, &next); err != nil {
		return fmt.Errorf("limiter: record %s: %w", k, err)
	}
	*c = next
	return nil
}
