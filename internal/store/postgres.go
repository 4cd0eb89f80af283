package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradegame/market-engine/internal/model"
)

// ErrTxConflict is returned when a transaction keeps failing with
// serialization conflicts after every retry.
var ErrTxConflict = errors.New("store: transaction conflict, retries exhausted")

const (
	defaultMaxAttempts = 5
	initialRetryDelay  = 25 * time.Millisecond
	maxRetryDelay      = 800 * time.Millisecond
)

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Every transaction runs at SERIALIZABLE isolation and is retried with
// exponential backoff on serialization failures (SQLSTATE 40001).
type PostgresStore struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, maxAttempts: defaultMaxAttempts}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, pgx.ReadWrite, fn)
}

func (s *PostgresStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, pgx.ReadOnly, fn)
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) run(ctx context.Context, mode pgx.TxAccessMode, fn func(tx Tx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: mode}
	retryDelay := initialRetryDelay

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err := pgx.BeginTxFunc(ctx, s.pool, opts, func(tx pgx.Tx) error {
			return fn(&pgTx{tx: tx, writable: mode == pgx.ReadWrite})
		})
		if err == nil || !isSerializationError(err) {
			return err
		}
		if attempt == s.maxAttempts-1 {
			break
		}
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < maxRetryDelay {
			retryDelay *= 2
		}
	}
	return ErrTxConflict
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// pgTx implements Tx over one pgx transaction. Reads inside a writable
// transaction take row locks so concurrent writers queue instead of failing
// serialization late.
type pgTx struct {
	tx       pgx.Tx
	writable bool
}

func (t *pgTx) forUpdate() string {
	if t.writable {
		return " FOR UPDATE"
	}
	return ""
}

func notFound(err error, target error, key string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", target, key)
	}
	return err
}

func (t *pgTx) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if !t.writable {
		return pgconn.CommandTag{}, ErrReadOnly
	}
	return t.tx.Exec(ctx, sql, args...)
}

// --- Players ---

func (t *pgTx) CreatePlayer(ctx context.Context, p *model.Player) error {
	_, err := t.exec(ctx,
		`INSERT INTO players (id, name, balance, created_at) VALUES ($1, $2, $3::NUMERIC, $4)`,
		p.ID, p.Name, p.Balance.String(), p.CreatedAt,
	)
	return err
}

func (t *pgTx) GetPlayer(ctx context.Context, id string) (*model.Player, error) {
	var p model.Player
	var balance string
	err := t.tx.QueryRow(ctx,
		`SELECT id, name, balance::TEXT, created_at FROM players WHERE id = $1`+t.forUpdate(), id).
		Scan(&p.ID, &p.Name, &balance, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err, model.ErrPlayerNotFound, id)
	}
	p.Balance, _ = decimal.NewFromString(balance)
	return &p, nil
}

func (t *pgTx) ListPlayers(ctx context.Context) ([]model.Player, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, name, balance::TEXT, created_at FROM players ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []model.Player
	for rows.Next() {
		var p model.Player
		var balance string
		if err := rows.Scan(&p.ID, &p.Name, &balance, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Balance, _ = decimal.NewFromString(balance)
		players = append(players, p)
	}
	return players, rows.Err()
}

func (t *pgTx) UpdatePlayerBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	tag, err := t.exec(ctx, `UPDATE players SET balance = $2::NUMERIC WHERE id = $1`, id, balance.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrPlayerNotFound, id)
	}
	return nil
}

func (t *pgTx) DeletePlayer(ctx context.Context, id string) error {
	tag, err := t.exec(ctx, `DELETE FROM players WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrPlayerNotFound, id)
	}
	return nil
}

// --- Assets ---

const assetColumns = `id, name, type, liquidity::TEXT, base_settlement_delay, slippage::TEXT, price::TEXT, created_at`

func scanAsset(row pgx.Row) (*model.Asset, error) {
	var a model.Asset
	var liquidity, slippage, price string
	if err := row.Scan(&a.ID, &a.Name, &a.Type, &liquidity, &a.BaseSettlementDelay, &slippage, &price, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Liquidity, _ = decimal.NewFromString(liquidity)
	a.Slippage, _ = decimal.NewFromString(slippage)
	a.Price, _ = decimal.NewFromString(price)
	return &a, nil
}

func (t *pgTx) CreateAsset(ctx context.Context, a *model.Asset) error {
	_, err := t.exec(ctx,
		`INSERT INTO assets (id, name, type, liquidity, base_settlement_delay, slippage, price, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		a.ID, a.Name, a.Type, a.Liquidity.String(), a.BaseSettlementDelay,
		a.Slippage.String(), a.Price.String(), a.CreatedAt,
	)
	return err
}

func (t *pgTx) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	a, err := scanAsset(t.tx.QueryRow(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE id = $1`+t.forUpdate(), id))
	if err != nil {
		return nil, notFound(err, model.ErrAssetNotFound, id)
	}
	return a, nil
}

func (t *pgTx) ListAssets(ctx context.Context) ([]model.Asset, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+assetColumns+` FROM assets ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

func (t *pgTx) UpdateAsset(ctx context.Context, a *model.Asset) error {
	tag, err := t.exec(ctx,
		`UPDATE assets
		 SET name = $2, type = $3, liquidity = $4::NUMERIC, base_settlement_delay = $5,
		     slippage = $6::NUMERIC, price = $7::NUMERIC
		 WHERE id = $1`,
		a.ID, a.Name, a.Type, a.Liquidity.String(), a.BaseSettlementDelay,
		a.Slippage.String(), a.Price.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrAssetNotFound, a.ID)
	}
	return nil
}

func (t *pgTx) UpdateAssetPrice(ctx context.Context, id string, price decimal.Decimal) error {
	tag, err := t.exec(ctx, `UPDATE assets SET price = $2::NUMERIC WHERE id = $1`, id, price.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrAssetNotFound, id)
	}
	return nil
}

func (t *pgTx) DeleteAsset(ctx context.Context, id string) error {
	tag, err := t.exec(ctx, `DELETE FROM assets WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrAssetNotFound, id)
	}
	return nil
}

// --- Holdings ---

func (t *pgTx) GetHolding(ctx context.Context, playerID, assetID string) (*model.Holding, error) {
	var h model.Holding
	err := t.tx.QueryRow(ctx,
		`SELECT player_id, asset_id, quantity, acquired_at
		 FROM holdings WHERE player_id = $1 AND asset_id = $2`+t.forUpdate(), playerID, assetID).
		Scan(&h.PlayerID, &h.AssetID, &h.Quantity, &h.AcquiredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("holding %s/%s: %w", playerID, assetID, model.ErrNotFound)
		}
		return nil, err
	}
	return &h, nil
}

func (t *pgTx) ListHoldings(ctx context.Context, playerID string) ([]model.Holding, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT player_id, asset_id, quantity, acquired_at
		 FROM holdings WHERE player_id = $1 ORDER BY asset_id`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		var h model.Holding
		if err := rows.Scan(&h.PlayerID, &h.AssetID, &h.Quantity, &h.AcquiredAt); err != nil {
			return nil, err
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

func (t *pgTx) SaveHolding(ctx context.Context, h *model.Holding) error {
	if h.Quantity <= 0 {
		return fmt.Errorf("%w: holding quantity must be positive", model.ErrInvalidInput)
	}
	_, err := t.exec(ctx,
		`INSERT INTO holdings (player_id, asset_id, quantity, acquired_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (player_id, asset_id) DO UPDATE
		 SET quantity = EXCLUDED.quantity, acquired_at = EXCLUDED.acquired_at`,
		h.PlayerID, h.AssetID, h.Quantity, h.AcquiredAt,
	)
	return err
}

func (t *pgTx) DeleteHolding(ctx context.Context, playerID, assetID string) error {
	_, err := t.exec(ctx, `DELETE FROM holdings WHERE player_id = $1 AND asset_id = $2`, playerID, assetID)
	return err
}

// --- Pending sales ---

const pendingColumns = `id, player_id, asset_id, quantity, total_value::TEXT, rounds_remaining, settled_round, created_at`

func scanPendingSale(row pgx.Row) (*model.PendingSale, error) {
	var s model.PendingSale
	var total string
	if err := row.Scan(&s.ID, &s.PlayerID, &s.AssetID, &s.Quantity, &total,
		&s.RoundsRemaining, &s.SettledRound, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.TotalValue, _ = decimal.NewFromString(total)
	return &s, nil
}

func (t *pgTx) InsertPendingSale(ctx context.Context, s *model.PendingSale) error {
	_, err := t.exec(ctx,
		`INSERT INTO pending_sales (id, player_id, asset_id, quantity, total_value, rounds_remaining, settled_round, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
		s.ID, s.PlayerID, s.AssetID, s.Quantity, s.TotalValue.String(),
		s.RoundsRemaining, s.SettledRound, s.CreatedAt,
	)
	return err
}

func (t *pgTx) GetPendingSale(ctx context.Context, id string) (*model.PendingSale, error) {
	s, err := scanPendingSale(t.tx.QueryRow(ctx,
		`SELECT `+pendingColumns+` FROM pending_sales WHERE id = $1`+t.forUpdate(), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("pending sale %s: %w", id, model.ErrNotFound)
		}
		return nil, err
	}
	return s, nil
}

func (t *pgTx) ListPendingSales(ctx context.Context, playerID string) ([]model.PendingSale, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+pendingColumns+` FROM pending_sales
		 WHERE $1 = '' OR player_id = $1
		 ORDER BY seq`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sales []model.PendingSale
	for rows.Next() {
		s, err := scanPendingSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *s)
	}
	return sales, rows.Err()
}

func (t *pgTx) UpdatePendingSale(ctx context.Context, s *model.PendingSale) error {
	tag, err := t.exec(ctx,
		`UPDATE pending_sales SET rounds_remaining = $2, settled_round = $3 WHERE id = $1`,
		s.ID, s.RoundsRemaining, s.SettledRound,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pending sale %s: %w", s.ID, model.ErrNotFound)
	}
	return nil
}

func (t *pgTx) DeletePendingSale(ctx context.Context, id string) error {
	tag, err := t.exec(ctx, `DELETE FROM pending_sales WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pending sale %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// --- Rounds ---

func (t *pgTx) GetRoundCounter(ctx context.Context, playerID string) (*model.RoundCounter, error) {
	var c model.RoundCounter
	err := t.tx.QueryRow(ctx,
		`SELECT player_id, round_id, round_number FROM current_rounds WHERE player_id = $1`+t.forUpdate(), playerID).
		Scan(&c.PlayerID, &c.RoundID, &c.RoundNumber)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("round counter %s: %w", playerID, model.ErrNotFound)
		}
		return nil, err
	}
	return &c, nil
}

func (t *pgTx) SaveRoundCounter(ctx context.Context, c *model.RoundCounter) error {
	_, err := t.exec(ctx,
		`INSERT INTO current_rounds (player_id, round_id, round_number) VALUES ($1, $2, $3)
		 ON CONFLICT (player_id) DO UPDATE
		 SET round_id = EXCLUDED.round_id, round_number = EXCLUDED.round_number`,
		c.PlayerID, c.RoundID, c.RoundNumber,
	)
	return err
}

func (t *pgTx) GetActionCounter(ctx context.Context, playerID string, roundID int64) (*model.RoundActionCounter, error) {
	var c model.RoundActionCounter
	err := t.tx.QueryRow(ctx,
		`SELECT player_id, round_id, purchases, sales FROM round_actions
		 WHERE player_id = $1 AND round_id = $2`+t.forUpdate(), playerID, roundID).
		Scan(&c.PlayerID, &c.RoundID, &c.Purchases, &c.Sales)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("action counter %s/%d: %w", playerID, roundID, model.ErrNotFound)
		}
		return nil, err
	}
	return &c, nil
}

func (t *pgTx) SaveActionCounter(ctx context.Context, c *model.RoundActionCounter) error {
	_, err := t.exec(ctx,
		`INSERT INTO round_actions (player_id, round_id, purchases, sales) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (player_id, round_id) DO UPDATE
		 SET purchases = EXCLUDED.purchases, sales = EXCLUDED.sales`,
		c.PlayerID, c.RoundID, c.Purchases, c.Sales,
	)
	return err
}

// GetMarketClock never locks the row: every sale reads it, and concurrent
// clock bumps still conflict at commit under SERIALIZABLE.
func (t *pgTx) GetMarketClock(ctx context.Context) (*model.MarketClock, error) {
	var c model.MarketClock
	err := t.tx.QueryRow(ctx, `SELECT round FROM market_clock WHERE id = 1`).Scan(&c.Round)
	if errors.Is(err, pgx.ErrNoRows) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *pgTx) SaveMarketClock(ctx context.Context, c *model.MarketClock) error {
	_, err := t.exec(ctx,
		`INSERT INTO market_clock (id, round) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET round = EXCLUDED.round`, c.Round)
	return err
}

// --- Market events ---

func (t *pgTx) CreateEvent(ctx context.Context, e *model.MarketEvent) error {
	_, err := t.exec(ctx,
		`INSERT INTO market_events (id, name, description, created_at) VALUES ($1, $2, $3, $4)`,
		e.ID, e.Name, e.Description, e.CreatedAt,
	)
	return err
}

func (t *pgTx) GetEvent(ctx context.Context, id string) (*model.MarketEvent, error) {
	var e model.MarketEvent
	err := t.tx.QueryRow(ctx,
		`SELECT id, name, description, created_at FROM market_events WHERE id = $1`, id).
		Scan(&e.ID, &e.Name, &e.Description, &e.CreatedAt)
	if err != nil {
		return nil, notFound(err, model.ErrEventNotFound, id)
	}
	if e.Impacts, err = t.ListEventImpacts(ctx, id); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *pgTx) ListEvents(ctx context.Context) ([]model.MarketEvent, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, name, description, created_at FROM market_events ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	var events []model.MarketEvent
	for rows.Next() {
		var e model.MarketEvent
		if err := rows.Scan(&e.ID, &e.Name, &e.Description, &e.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		events = append(events, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	impacts, err := t.queryImpacts(ctx, `SELECT event_id, asset_id, impact::TEXT FROM event_impacts ORDER BY event_id, asset_id`)
	if err != nil {
		return nil, err
	}
	byEvent := make(map[string][]model.EventImpact)
	for _, imp := range impacts {
		byEvent[imp.EventID] = append(byEvent[imp.EventID], imp)
	}
	for i := range events {
		events[i].Impacts = byEvent[events[i].ID]
	}
	return events, nil
}

func (t *pgTx) UpdateEvent(ctx context.Context, e *model.MarketEvent) error {
	tag, err := t.exec(ctx,
		`UPDATE market_events SET name = $2, description = $3 WHERE id = $1`,
		e.ID, e.Name, e.Description,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrEventNotFound, e.ID)
	}
	return nil
}

func (t *pgTx) DeleteEvent(ctx context.Context, id string) error {
	tag, err := t.exec(ctx, `DELETE FROM market_events WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrEventNotFound, id)
	}
	return nil
}

func (t *pgTx) SetEventImpact(ctx context.Context, imp *model.EventImpact) error {
	_, err := t.exec(ctx,
		`INSERT INTO event_impacts (event_id, asset_id, impact) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (event_id, asset_id) DO UPDATE SET impact = EXCLUDED.impact`,
		imp.EventID, imp.AssetID, imp.Impact.String(),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("%w: event %s or asset %s", model.ErrNotFound, imp.EventID, imp.AssetID)
	}
	return err
}

func (t *pgTx) ListEventImpacts(ctx context.Context, eventID string) ([]model.EventImpact, error) {
	return t.queryImpacts(ctx,
		`SELECT event_id, asset_id, impact::TEXT FROM event_impacts WHERE event_id = $1 ORDER BY asset_id`, eventID)
}

func (t *pgTx) queryImpacts(ctx context.Context, sql string, args ...any) ([]model.EventImpact, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var impacts []model.EventImpact
	for rows.Next() {
		var imp model.EventImpact
		var impact string
		if err := rows.Scan(&imp.EventID, &imp.AssetID, &impact); err != nil {
			return nil, err
		}
		imp.Impact, _ = decimal.NewFromString(impact)
		impacts = append(impacts, imp)
	}
	return impacts, rows.Err()
}

// --- Round results ---

func (t *pgTx) InsertRoundResult(ctx context.Context, r *model.RoundResult) error {
	_, err := t.exec(ctx,
		`INSERT INTO round_results (id, player_id, balance, round, event_description, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6)`,
		r.ID, r.PlayerID, r.Balance.String(), r.Round, r.EventDescription, r.CreatedAt,
	)
	return err
}

func (t *pgTx) ListRoundResults(ctx context.Context, playerID string) ([]model.RoundResult, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, player_id, balance::TEXT, round, event_description, created_at
		 FROM round_results WHERE player_id = $1 ORDER BY round, created_at`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.RoundResult
	for rows.Next() {
		var r model.RoundResult
		var balance string
		if err := rows.Scan(&r.ID, &r.PlayerID, &balance, &r.Round, &r.EventDescription, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Balance, _ = decimal.NewFromString(balance)
		results = append(results, r)
	}
	return results, rows.Err()
}
