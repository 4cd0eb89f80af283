// Package engine is the game's business core: it executes trades, settles
// queued sales, advances rounds and manages the player, asset and event
// catalogs.
//
// Every state change runs inside a single store transaction, so a failed
// operation never leaves a partial write behind. Trades for one player are
// additionally serialized in-process so two concurrent buys cannot both pass
// the balance and limit checks against the same snapshot.
package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradegame/market-engine/internal/limiter"
	"github.com/tradegame/market-engine/internal/pricing"
	"github.com/tradegame/market-engine/internal/store"
)

// DefaultStartingBalance is the cash a newly registered player receives.
var DefaultStartingBalance = decimal.NewFromInt(10000)

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Limiter         *limiter.Limiter
	Source          pricing.Source
	Notifier        Notifier
	Logger          *slog.Logger
	StartingBalance decimal.Decimal
	Now             func() time.Time
}

// Engine executes game operations against a Store.
type Engine struct {
	store           store.Store
	limiter         *limiter.Limiter
	src             pricing.Source
	notifier        Notifier
	logger          *slog.Logger
	startingBalance decimal.Decimal
	now             func() time.Time
	locks           *playerLocks

	// rounds serializes AdvanceRound within the process.
	rounds sync.Mutex
}

// New creates an Engine.
func New(st store.Store, opts Options) *Engine {
	e := &Engine{
		store:           st,
		limiter:         opts.Limiter,
		src:             opts.Source,
		notifier:        opts.Notifier,
		logger:          opts.Logger,
		startingBalance: opts.StartingBalance,
		now:             opts.Now,
		locks:           newPlayerLocks(),
	}
	if e.limiter == nil {
		e.limiter = limiter.New(limiter.DefaultActionLimit)
	}
	if e.src == nil {
		e.src = pricing.NewLockedSource(0)
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if !e.startingBalance.IsPositive() {
		e.startingBalance = DefaultStartingBalance
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// Store returns the engine's backing store.
func (e *Engine) Store() store.Store { return e.store }

// ActionLimit returns the per-round purchase and sale allowance.
func (e *Engine) ActionLimit() int { return e.limiter.Limit }
