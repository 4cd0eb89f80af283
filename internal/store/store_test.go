package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/tradegame/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// backends returns every Store implementation available in this environment.
// PostgreSQL and Redis variants run only when TEST_DATABASE_URL (and
// TEST_REDIS_URL) point at live servers.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	out := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
	}
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		return out
	}
	out["postgres"] = func(t *testing.T) Store { return newTestPostgres(t, dsn) }
	if redisURL := os.Getenv("TEST_REDIS_URL"); redisURL != "" {
		out["cached"] = func(t *testing.T) Store {
			opts, err := redis.ParseURL(redisURL)
			if err != nil {
				t.Fatalf("parse redis url: %v", err)
			}
			rdb := redis.NewClient(opts)
			rdb.FlushDB(context.Background())
			return NewCachedStore(newTestPostgres(t, dsn), rdb, time.Minute)
		}
	}
	return out
}

func newTestPostgres(t *testing.T, dsn string) Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := Connect(ctx, dsn)
	if err != nil {
		t.Skipf("test postgres not available: %v", err)
	}
	if err := NewMigrator(pool, nil).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE players, assets, market_events, round_results CASCADE;
		UPDATE market_clock SET round = 0`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(pool.Close)
	return NewPostgresStore(pool)
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func seed(t *testing.T, s Store) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx Tx) error {
		ctx := context.Background()
		if err := tx.CreatePlayer(ctx, &model.Player{ID: "p1", Name: "alice", Balance: d(1000), CreatedAt: epoch}); err != nil {
			return err
		}
		return tx.CreateAsset(ctx, &model.Asset{
			ID: "a1", Name: "ACME", Type: "stock", Liquidity: d(1000),
			BaseSettlementDelay: 2, Slippage: d(5), Price: d(100), CreatedAt: epoch,
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestInTx_RollbackOnError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seed(t, s)

		boom := errors.New("boom")
		err := s.InTx(ctx, func(tx Tx) error {
			if err := tx.UpdatePlayerBalance(ctx, "p1", d(1)); err != nil {
				return err
			}
			if err := tx.SaveHolding(ctx, &model.Holding{PlayerID: "p1", AssetID: "a1", Quantity: 5, AcquiredAt: epoch}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}

		err = s.View(ctx, func(tx Tx) error {
			p, err := tx.GetPlayer(ctx, "p1")
			if err != nil {
				return err
			}
			if !p.Balance.Equal(d(1000)) {
				t.Errorf("balance should be unchanged, got %s", p.Balance)
			}
			if _, err := tx.GetHolding(ctx, "p1", "a1"); !errors.Is(err, model.ErrNotFound) {
				t.Errorf("holding should not exist, got %v", err)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("view: %v", err)
		}
	})
}

func TestView_RejectsWrites(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seed(t, s)
		err := s.View(ctx, func(tx Tx) error {
			return tx.UpdatePlayerBalance(ctx, "p1", d(5))
		})
		if err == nil {
			t.Fatal("expected write in View to fail")
		}
	})
}

func TestNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_ = s.View(ctx, func(tx Tx) error {
			if _, err := tx.GetPlayer(ctx, "nope"); !errors.Is(err, model.ErrPlayerNotFound) {
				t.Errorf("player: expected ErrPlayerNotFound, got %v", err)
			}
			if _, err := tx.GetAsset(ctx, "nope"); !errors.Is(err, model.ErrAssetNotFound) {
				t.Errorf("asset: expected ErrAssetNotFound, got %v", err)
			}
			if _, err := tx.GetEvent(ctx, "nope"); !errors.Is(err, model.ErrEventNotFound) {
				t.Errorf("event: expected ErrEventNotFound, got %v", err)
			}
			if _, err := tx.GetRoundCounter(ctx, "nope"); !errors.Is(err, model.ErrNotFound) {
				t.Errorf("round counter: expected ErrNotFound, got %v", err)
			}
			return nil
		})
	})
}

func TestPendingSales_OrderAndDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seed(t, s)

		err := s.InTx(ctx, func(tx Tx) error {
			for i, id := range []string{"s-b", "s-a", "s-c"} {
				if err := tx.InsertPendingSale(ctx, &model.PendingSale{
					ID: id, PlayerID: "p1", AssetID: "a1", Quantity: int64(i + 1),
					TotalValue: d(100), RoundsRemaining: 2, CreatedAt: epoch,
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}

		_ = s.View(ctx, func(tx Tx) error {
			sales, err := tx.ListPendingSales(ctx, "")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(sales) != 3 || sales[0].ID != "s-b" || sales[1].ID != "s-a" || sales[2].ID != "s-c" {
				t.Errorf("expected insertion order, got %+v", sales)
			}
			return nil
		})

		err = s.InTx(ctx, func(tx Tx) error { return tx.DeletePendingSale(ctx, "s-a") })
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		err = s.InTx(ctx, func(tx Tx) error { return tx.DeletePendingSale(ctx, "s-a") })
		if !errors.Is(err, model.ErrNotFound) {
			t.Errorf("second delete: expected ErrNotFound, got %v", err)
		}
	})
}

func TestDeletePlayer_Cascades(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seed(t, s)

		err := s.InTx(ctx, func(tx Tx) error {
			if err := tx.SaveHolding(ctx, &model.Holding{PlayerID: "p1", AssetID: "a1", Quantity: 3, AcquiredAt: epoch}); err != nil {
				return err
			}
			if err := tx.SaveRoundCounter(ctx, &model.RoundCounter{PlayerID: "p1", RoundID: 2, RoundNumber: 2}); err != nil {
				return err
			}
			return tx.InsertRoundResult(ctx, &model.RoundResult{ID: "r1", PlayerID: "p1", Balance: d(1000), Round: 1, CreatedAt: epoch})
		})
		if err != nil {
			t.Fatalf("setup: %v", err)
		}

		if err := s.InTx(ctx, func(tx Tx) error { return tx.DeletePlayer(ctx, "p1") }); err != nil {
			t.Fatalf("delete: %v", err)
		}

		_ = s.View(ctx, func(tx Tx) error {
			if hs, _ := tx.ListHoldings(ctx, "p1"); len(hs) != 0 {
				t.Errorf("holdings should be gone, got %d", len(hs))
			}
			if rs, _ := tx.ListRoundResults(ctx, "p1"); len(rs) != 0 {
				t.Errorf("results should be gone, got %d", len(rs))
			}
			if _, err := tx.GetRoundCounter(ctx, "p1"); !errors.Is(err, model.ErrNotFound) {
				t.Errorf("round counter should be gone, got %v", err)
			}
			return nil
		})
	})
}

func TestEventImpacts_Upsert(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seed(t, s)

		err := s.InTx(ctx, func(tx Tx) error {
			if err := tx.CreateEvent(ctx, &model.MarketEvent{ID: "e1", Name: "crash", Description: "Market crash", CreatedAt: epoch}); err != nil {
				return err
			}
			if err := tx.SetEventImpact(ctx, &model.EventImpact{EventID: "e1", AssetID: "a1", Impact: d(-0.2)}); err != nil {
				return err
			}
			return tx.SetEventImpact(ctx, &model.EventImpact{EventID: "e1", AssetID: "a1", Impact: d(-0.3)})
		})
		if err != nil {
			t.Fatalf("setup: %v", err)
		}

		_ = s.View(ctx, func(tx Tx) error {
			e, err := tx.GetEvent(ctx, "e1")
			if err != nil {
				t.Fatalf("get event: %v", err)
			}
			if len(e.Impacts) != 1 || !e.Impacts[0].Impact.Equal(d(-0.3)) {
				t.Errorf("expected single impact -0.3, got %+v", e.Impacts)
			}
			return nil
		})
	})
}

func TestCachedView_SeesCommittedPrice(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seed(t, s)

		read := func() decimal.Decimal {
			var price decimal.Decimal
			_ = s.View(ctx, func(tx Tx) error {
				a, err := tx.GetAsset(ctx, "a1")
				if err != nil {
					t.Fatalf("get asset: %v", err)
				}
				price = a.Price
				return nil
			})
			return price
		}

		if p := read(); !p.Equal(d(100)) {
			t.Fatalf("expected 100, got %s", p)
		}
		if err := s.InTx(ctx, func(tx Tx) error { return tx.UpdateAssetPrice(ctx, "a1", d(101)) }); err != nil {
			t.Fatalf("update: %v", err)
		}
		if p := read(); !p.Equal(d(101)) {
			t.Errorf("expected 101 after update, got %s", p)
		}
	})
}

func TestMarketClock_ReadDoesNotBlockWriters(t *testing.T) {
	open, ok := backends(t)["postgres"]
	if !ok {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s := open(t)
	ctx := context.Background()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.InTx(ctx, func(tx Tx) error {
			if _, err := tx.GetMarketClock(ctx); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	select {
	case <-held:
	case err := <-done:
		t.Fatalf("first writer: %v", err)
	}

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := s.InTx(readCtx, func(tx Tx) error {
		_, err := tx.GetMarketClock(readCtx)
		return err
	})
	close(release)
	if err != nil {
		t.Errorf("second writer blocked on the clock row: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("first writer: %v", err)
	}
}

func TestCachedView_SkipsFillAfterConcurrentInvalidation(t *testing.T) {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	ctx := context.Background()
	if err := rdb.FlushDB(ctx).Err(); err != nil {
		t.Skipf("test redis not available: %v", err)
	}
	s := NewCachedStore(NewMemoryStore(), rdb, time.Minute)
	seed(t, s)

	// A commit lands while the view is open: its snapshot must not be cached.
	err = s.View(ctx, func(tx Tx) error {
		s.invalidate(ctx, assetKey("a1"))
		_, err := tx.GetAsset(ctx, "a1")
		return err
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if n := rdb.Exists(ctx, assetKey("a1")).Val(); n != 0 {
		t.Errorf("stale asset cached across an invalidation")
	}

	err = s.View(ctx, func(tx Tx) error {
		_, err := tx.GetAsset(ctx, "a1")
		return err
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if n := rdb.Exists(ctx, assetKey("a1")).Val(); n != 1 {
		t.Errorf("expected a quiet view to fill the cache")
	}
}

func TestMigrationVersion(t *testing.T) {
	if v := migrationVersion("0001_init.up.sql"); v != "0001" {
		t.Errorf("got %q", v)
	}
	files, err := listMigrations(".up.sql")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) == 0 || files[0] != "0001_init.up.sql" {
		t.Errorf("unexpected migrations: %v", files)
	}
}
