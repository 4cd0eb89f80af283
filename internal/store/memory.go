package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tradegame/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Read-write transactions are serialized by a store-wide lock and operate on
// a copy of the state that replaces the live state only on success.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (s *MemoryStore) InTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	if err := fn(&memTx{st: next, writable: true}); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *MemoryStore) View(_ context.Context, fn func(tx Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{st: s.state})
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}

type holdingKey struct{ playerID, assetID string }

type actionKey struct {
	playerID string
	roundID  int64
}

type impactKey struct{ eventID, assetID string }

type pendingRow struct {
	sale model.PendingSale
	seq  int64
}

type memState struct {
	players  map[string]model.Player
	assets   map[string]model.Asset
	holdings map[holdingKey]model.Holding
	pending  map[string]pendingRow
	rounds   map[string]model.RoundCounter
	actions  map[actionKey]model.RoundActionCounter
	events   map[string]model.MarketEvent
	impacts  map[impactKey]model.EventImpact
	results  []model.RoundResult
	clock    model.MarketClock
	seq      int64
}

func newMemState() *memState {
	return &memState{
		players:  make(map[string]model.Player),
		assets:   make(map[string]model.Asset),
		holdings: make(map[holdingKey]model.Holding),
		pending:  make(map[string]pendingRow),
		rounds:   make(map[string]model.RoundCounter),
		actions:  make(map[actionKey]model.RoundActionCounter),
		events:   make(map[string]model.MarketEvent),
		impacts:  make(map[impactKey]model.EventImpact),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (st *memState) clone() *memState {
	return &memState{
		players:  cloneMap(st.players),
		assets:   cloneMap(st.assets),
		holdings: cloneMap(st.holdings),
		pending:  cloneMap(st.pending),
		rounds:   cloneMap(st.rounds),
		actions:  cloneMap(st.actions),
		events:   cloneMap(st.events),
		impacts:  cloneMap(st.impacts),
		results:  append([]model.RoundResult(nil), st.results...),
		clock:    st.clock,
		seq:      st.seq,
	}
}

// memTx is a view over one memState. Values are stored and returned by copy
// so callers never alias store memory.
type memTx struct {
	st       *memState
	writable bool
}

func (t *memTx) checkWritable() error {
	if !t.writable {
		return ErrReadOnly
	}
	return nil
}

// --- Players ---

func (t *memTx) CreatePlayer(_ context.Context, p *model.Player) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if _, ok := t.st.players[p.ID]; ok {
		return fmt.Errorf("%w: player %s already exists", model.ErrInvalidInput, p.ID)
	}
	t.st.players[p.ID] = *p
	return nil
}

func (t *memTx) GetPlayer(_ context.Context, id string) (*model.Player, error) {
	p, ok := t.st.players[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrPlayerNotFound, id)
	}
	return &p, nil
}

func (t *memTx) ListPlayers(_ context.Context) ([]model.Player, error) {
	players := make([]model.Player, 0, len(t.st.players))
	for _, p := range t.st.players {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool {
		if !players[i].CreatedAt.Equal(players[j].CreatedAt) {
			return players[i].CreatedAt.Before(players[j].CreatedAt)
		}
		return players[i].ID < players[j].ID
	})
	return players, nil
}

func (t *memTx) UpdatePlayerBalance(_ context.Context, id string, balance decimal.Decimal) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	p, ok := t.st.players[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrPlayerNotFound, id)
	}
	p.Balance = balance
	t.st.players[id] = p
	return nil
}

func (t *memTx) DeletePlayer(_ context.Context, id string) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if _, ok := t.st.players[id]; !ok {
		return fmt.Errorf("%w: %s", model.ErrPlayerNotFound, id)
	}
	delete(t.st.players, id)
	delete(t.st.rounds, id)
	for k := range t.st.holdings {
		if k.playerID == id {
			delete(t.st.holdings, k)
		}
	}
	for k, row := range t.st.pending {
		if row.sale.PlayerID == id {
			delete(t.st.pending, k)
		}
	}
	for k := range t.st.actions {
		if k.playerID == id {
			delete(t.st.actions, k)
		}
	}
	kept := t.st.results[:0]
	for _, r := range t.st.results {
		if r.PlayerID != id {
			kept = append(kept, r)
		}
	}
	t.st.results = kept
	return nil
}

// --- Assets ---

func (t *memTx) CreateAsset(_ context.Context, a *model.Asset) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if _, ok := t.st.assets[a.ID]; ok {
		return fmt.Errorf("%w: asset %s already exists", model.ErrInvalidInput, a.ID)
	}
	t.st.assets[a.ID] = *a
	return nil
}

func (t *memTx) GetAsset(_ context.Context, id string) (*model.Asset, error) {
	a, ok := t.st.assets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrAssetNotFound, id)
	}
	return &a, nil
}

func (t *memTx) ListAssets(_ context.Context) ([]model.Asset, error) {
	assets := make([]model.Asset, 0, len(t.st.assets))
	for _, a := range t.st.assets {
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool {
		if !assets[i].CreatedAt.Equal(assets[j].CreatedAt) {
			return assets[i].CreatedAt.Before(assets[j].CreatedAt)
		}
		return assets[i].ID < assets[j].ID
	})
	return assets, nil
}

func (t *memTx) UpdateAsset(_ context.Context, a *model.Asset) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	existing, ok := t.st.assets[a.ID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrAssetNotFound, a.ID)
	}
	updated := *a
	updated.CreatedAt = existing.CreatedAt
	t.st.assets[a.ID] = updated
	return nil
}

func (t *memTx) UpdateAssetPrice(_ context.Context, id string, price decimal.Decimal) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	a, ok := t.st.assets[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrAssetNotFound, id)
	}
	a.Price = price
	t.st.assets[id] = a
	return nil
}

func (t *memTx) DeleteAsset(_ context.Context, id string) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if _, ok := t.st.assets[id]; !ok {
		return fmt.Errorf("%w: %s", model.ErrAssetNotFound, id)
	}
	delete(t.st.assets, id)
	for k := range t.st.holdings {
		if k.assetID == id {
			delete(t.st.holdings, k)
		}
	}
	for k, row := range t.st.pending {
		if row.sale.AssetID == id {
			delete(t.st.pending, k)
		}
	}
	for k := range t.st.impacts {
		if k.assetID == id {
			delete(t.st.impacts, k)
		}
	}
	return nil
}

// --- Holdings ---

func (t *memTx) GetHolding(_ context.Context, playerID, assetID string) (*model.Holding, error) {
	h, ok := t.st.holdings[holdingKey{playerID, assetID}]
	if !ok {
		return nil, fmt.Errorf("holding %s/%s: %w", playerID, assetID, model.ErrNotFound)
	}
	return &h, nil
}

func (t *memTx) ListHoldings(_ context.Context, playerID string) ([]model.Holding, error) {
	var holdings []model.Holding
	for k, h := range t.st.holdings {
		if k.playerID == playerID {
			holdings = append(holdings, h)
		}
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].AssetID < holdings[j].AssetID })
	return holdings, nil
}

func (t *memTx) SaveHolding(_ context.Context, h *model.Holding) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if h.Quantity <= 0 {
		return fmt.Errorf("%w: holding quantity must be positive", model.ErrInvalidInput)
	}
	t.st.holdings[holdingKey{h.PlayerID, h.AssetID}] = *h
	return nil
}

func (t *memTx) DeleteHolding(_ context.Context, playerID, assetID string) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	delete(t.st.holdings, holdingKey{playerID, assetID})
	return nil
}

// --- Pending sales ---

func (t *memTx) InsertPendingSale(_ context.Context, s *model.PendingSale) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.st.seq++
	t.st.pending[s.ID] = pendingRow{sale: *s, seq: t.st.seq}
	return nil
}

func (t *memTx) GetPendingSale(_ context.Context, id string) (*model.PendingSale, error) {
	row, ok := t.st.pending[id]
	if !ok {
		return nil, fmt.Errorf("pending sale %s: %w", id, model.ErrNotFound)
	}
	return &row.sale, nil
}

func (t *memTx) ListPendingSales(_ context.Context, playerID string) ([]model.PendingSale, error) {
	rows := make([]pendingRow, 0, len(t.st.pending))
	for _, row := range t.st.pending {
		if playerID == "" || row.sale.PlayerID == playerID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	sales := make([]model.PendingSale, len(rows))
	for i, row := range rows {
		sales[i] = row.sale
	}
	return sales, nil
}

func (t *memTx) UpdatePendingSale(_ context.Context, s *model.PendingSale) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	row, ok := t.st.pending[s.ID]
	if !ok {
		return fmt.Errorf("pending sale %s: %w", s.ID, model.ErrNotFound)
	}
	row.sale = *s
	t.st.pending[s.ID] = row
	return nil
}

func (t *memTx) DeletePendingSale(_ context.Context, id string) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if _, ok := t.st.pending[id]; !ok {
		return fmt.Errorf("pending sale %s: %w", id, model.ErrNotFound)
	}
	delete(t.st.pending, id)
	return nil
}

// --- Rounds ---

func (t *memTx) GetRoundCounter(_ context.Context, playerID string) (*model.RoundCounter, error) {
	c, ok := t.st.rounds[playerID]
	if !ok {
		return nil, fmt.Errorf("round counter %s: %w", playerID, model.ErrNotFound)
	}
	return &c, nil
}

func (t *memTx) SaveRoundCounter(_ context.Context, c *model.RoundCounter) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.st.rounds[c.PlayerID] = *c
	return nil
}

func (t *memTx) GetActionCounter(_ context.Context, playerID string, roundID int64) (*model.RoundActionCounter, error) {
	c, ok := t.st.actions[actionKey{playerID, roundID}]
	if !ok {
		return nil, fmt.Errorf("action counter %s/%d: %w", playerID, roundID, model.ErrNotFound)
	}
	return &c, nil
}

func (t *memTx) SaveActionCounter(_ context.Context, c *model.RoundActionCounter) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.st.actions[actionKey{c.PlayerID, c.RoundID}] = *c
	return nil
}

func (t *memTx) GetMarketClock(_ context.Context) (*model.MarketClock, error) {
	c := t.st.clock
	return &c, nil
}

func (t *memTx) SaveMarketClock(_ context.Context, c *model.MarketClock) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.st.clock = *c
	return nil
}

// --- Market events ---

func (t *memTx) CreateEvent(_ context.Context, e *model.MarketEvent) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if _, ok := t.st.events[e.ID]; ok {
		return fmt.Errorf("%w: event %s already exists", model.ErrInvalidInput, e.ID)
	}
	stored := *e
	stored.Impacts = nil
	t.st.events[e.ID] = stored
	return nil
}

func (t *memTx) GetEvent(_ context.Context, id string) (*model.MarketEvent, error) {
	e, ok := t.st.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrEventNotFound, id)
	}
	e.Impacts = t.eventImpacts(id)
	return &e, nil
}

func (t *memTx) ListEvents(_ context.Context) ([]model.MarketEvent, error) {
	events := make([]model.MarketEvent, 0, len(t.st.events))
	for id, e := range t.st.events {
		e.Impacts = t.eventImpacts(id)
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].ID < events[j].ID
	})
	return events, nil
}

func (t *memTx) UpdateEvent(_ context.Context, e *model.MarketEvent) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	existing, ok := t.st.events[e.ID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrEventNotFound, e.ID)
	}
	existing.Name = e.Name
	existing.Description = e.Description
	t.st.events[e.ID] = existing
	return nil
}

func (t *memTx) DeleteEvent(_ context.Context, id string) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if _, ok := t.st.events[id]; !ok {
		return fmt.Errorf("%w: %s", model.ErrEventNotFound, id)
	}
	delete(t.st.events, id)
	for k := range t.st.impacts {
		if k.eventID == id {
			delete(t.st.impacts, k)
		}
	}
	return nil
}

func (t *memTx) SetEventImpact(_ context.Context, imp *model.EventImpact) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if _, ok := t.st.events[imp.EventID]; !ok {
		return fmt.Errorf("%w: %s", model.ErrEventNotFound, imp.EventID)
	}
	if _, ok := t.st.assets[imp.AssetID]; !ok {
		return fmt.Errorf("%w: %s", model.ErrAssetNotFound, imp.AssetID)
	}
	t.st.impacts[impactKey{imp.EventID, imp.AssetID}] = *imp
	return nil
}

func (t *memTx) ListEventImpacts(_ context.Context, eventID string) ([]model.EventImpact, error) {
	return t.eventImpacts(eventID), nil
}

func (t *memTx) eventImpacts(eventID string) []model.EventImpact {
	var out []model.EventImpact
	for k, imp := range t.st.impacts {
		if k.eventID == eventID {
			out = append(out, imp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

// --- Round results ---

func (t *memTx) InsertRoundResult(_ context.Context, r *model.RoundResult) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.st.results = append(t.st.results, *r)
	return nil
}

func (t *memTx) ListRoundResults(_ context.Context, playerID string) ([]model.RoundResult, error) {
	var out []model.RoundResult
	for _, r := range t.st.results {
		if r.PlayerID == playerID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Round < out[j].Round })
	return out, nil
}
