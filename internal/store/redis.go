package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tradegame/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the asset catalog and event list. Writes go to the primary store
// and invalidate the touched keys after commit; reads inside View check Redis
// first then fall back to the primary. Reads inside InTx always hit the
// primary so trades see locked, current rows.
//
// Every invalidation bumps a generation counter. A View only fills the cache
// if the generation is unchanged since it started, so a snapshot read before
// a concurrent commit is never written back over that commit's invalidation.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var dirty map[string]struct{}
	err := s.primary.InTx(ctx, func(tx Tx) error {
		// Reset per attempt: the primary may retry fn.
		ct := &cachedTx{Tx: tx, store: s, dirty: make(map[string]struct{})}
		dirty = ct.dirty
		return fn(ct)
	})
	if err != nil {
		return err
	}
	if len(dirty) > 0 {
		keys := make([]string, 0, len(dirty))
		for k := range dirty {
			keys = append(keys, k)
		}
		s.invalidate(ctx, keys...)
	}
	return nil
}

func (s *CachedStore) View(ctx context.Context, fn func(tx Tx) error) error {
	// Read the generation before the primary snapshot is taken.
	gen := s.generation(ctx)
	return s.primary.View(ctx, func(tx Tx) error {
		return fn(&cachedTx{Tx: tx, store: s, readThrough: true, gen: gen})
	})
}

func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.primary.Ping(ctx); err != nil {
		return err
	}
	return s.rdb.Ping(ctx).Err()
}

func (s *CachedStore) Close() {
	s.primary.Close()
	s.rdb.Close()
}

// cachedTx overrides the cached reads and the writes that invalidate them.
// Everything else passes through to the embedded primary Tx.
type cachedTx struct {
	Tx
	store       *CachedStore
	readThrough bool
	gen         int64
	dirty       map[string]struct{}
}

func (t *cachedTx) touch(keys ...string) {
	for _, k := range keys {
		t.dirty[k] = struct{}{}
	}
}

// --- Write-through (write to primary, invalidate cache on commit) ---

func (t *cachedTx) CreateAsset(ctx context.Context, a *model.Asset) error {
	if err := t.Tx.CreateAsset(ctx, a); err != nil {
		return err
	}
	t.touch(assetsKey)
	return nil
}

func (t *cachedTx) UpdateAsset(ctx context.Context, a *model.Asset) error {
	if err := t.Tx.UpdateAsset(ctx, a); err != nil {
		return err
	}
	t.touch(assetKey(a.ID), assetsKey)
	return nil
}

func (t *cachedTx) UpdateAssetPrice(ctx context.Context, id string, price decimal.Decimal) error {
	if err := t.Tx.UpdateAssetPrice(ctx, id, price); err != nil {
		return err
	}
	t.touch(assetKey(id), assetsKey)
	return nil
}

func (t *cachedTx) DeleteAsset(ctx context.Context, id string) error {
	if err := t.Tx.DeleteAsset(ctx, id); err != nil {
		return err
	}
	// Impacts on the asset cascade away with it.
	t.touch(assetKey(id), assetsKey, eventsKey)
	return nil
}

func (t *cachedTx) CreateEvent(ctx context.Context, e *model.MarketEvent) error {
	if err := t.Tx.CreateEvent(ctx, e); err != nil {
		return err
	}
	t.touch(eventsKey)
	return nil
}

func (t *cachedTx) UpdateEvent(ctx context.Context, e *model.MarketEvent) error {
	if err := t.Tx.UpdateEvent(ctx, e); err != nil {
		return err
	}
	t.touch(eventsKey)
	return nil
}

func (t *cachedTx) DeleteEvent(ctx context.Context, id string) error {
	if err := t.Tx.DeleteEvent(ctx, id); err != nil {
		return err
	}
	t.touch(eventsKey)
	return nil
}

func (t *cachedTx) SetEventImpact(ctx context.Context, imp *model.EventImpact) error {
	if err := t.Tx.SetEventImpact(ctx, imp); err != nil {
		return err
	}
	t.touch(eventsKey)
	return nil
}

// --- Read-through (check cache first, View only) ---

func (t *cachedTx) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	if !t.readThrough {
		return t.Tx.GetAsset(ctx, id)
	}
	var a model.Asset
	if t.store.load(ctx, assetKey(id), &a) {
		return &a, nil
	}

	// Cache miss: read from primary.
	asset, err := t.Tx.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	t.store.save(ctx, t.gen, assetKey(id), asset)
	return asset, nil
}

func (t *cachedTx) ListAssets(ctx context.Context) ([]model.Asset, error) {
	if !t.readThrough {
		return t.Tx.ListAssets(ctx)
	}
	var assets []model.Asset
	if t.store.load(ctx, assetsKey, &assets) {
		return assets, nil
	}

	assets, err := t.Tx.ListAssets(ctx)
	if err != nil {
		return nil, err
	}
	t.store.save(ctx, t.gen, assetsKey, assets)
	return assets, nil
}

func (t *cachedTx) ListEvents(ctx context.Context) ([]model.MarketEvent, error) {
	if !t.readThrough {
		return t.Tx.ListEvents(ctx)
	}
	var events []model.MarketEvent
	if t.store.load(ctx, eventsKey, &events) {
		return events, nil
	}

	events, err := t.Tx.ListEvents(ctx)
	if err != nil {
		return nil, err
	}
	t.store.save(ctx, t.gen, eventsKey, events)
	return events, nil
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// save fills key only while the cache generation still equals gen.
func (s *CachedStore) save(ctx context.Context, gen int64, key string, v any) {
	if gen < 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	// A generation bump between the check and EXEC aborts the transaction.
	_ = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, generationKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, generationKey)
}

// generation returns the current cache generation, or -1 when Redis cannot
// be read and the cache must not be filled.
func (s *CachedStore) generation(ctx context.Context) int64 {
	gen, err := s.rdb.Get(ctx, generationKey).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		return 0
	case err != nil:
		return -1
	}
	return gen
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	_, _ = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, generationKey)
		p.Del(ctx, keys...)
		return nil
	})
}

const (
	assetsKey     = "assets:all"
	eventsKey     = "events:all"
	generationKey = "cache:gen"
)

func assetKey(id string) string { return fmt.Sprintf("asset:%s", id) }
