package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradegame/market-engine/internal/engine"
)

type fakeAdvancer struct {
	calls   atomic.Int32
	block   chan struct{}
	started chan struct{}
	err     error
	panics  bool
}

func (f *fakeAdvancer) AdvanceRound(ctx context.Context) (*engine.RoundReport, error) {
	n := f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.panics {
		panic("boom")
	}
	if f.err != nil {
		return nil, f.err
	}
	return &engine.RoundReport{Round: int64(n)}, nil
}

type fakeLocker struct {
	mu      sync.Mutex
	granted map[int]bool
	calls   int
	err     error
}

func (l *fakeLocker) Acquire(_ context.Context, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return false, l.err
	}
	return l.granted[l.calls], nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTick_RunsRound(t *testing.T) {
	adv := &fakeAdvancer{}
	s := New(adv, time.Minute, nil, quietLogger())

	ran, err := s.Tick(context.Background())
	if err != nil || !ran {
		t.Fatalf("expected round to run, got ran=%v err=%v", ran, err)
	}
	if adv.calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", adv.calls.Load())
	}
}

func TestTick_SkipsWhileInFlight(t *testing.T) {
	adv := &fakeAdvancer{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := New(adv, time.Minute, nil, quietLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Tick(context.Background())
	}()
	<-adv.started

	ran, err := s.Tick(context.Background())
	if ran || err != nil {
		t.Errorf("overlapping tick should be skipped, got ran=%v err=%v", ran, err)
	}
	close(adv.block)
	<-done

	if adv.calls.Load() != 1 {
		t.Errorf("expected exactly 1 round, got %d", adv.calls.Load())
	}
}

func TestTick_ErrorIsReturnedNotFatal(t *testing.T) {
	adv := &fakeAdvancer{err: errors.New("db down")}
	s := New(adv, time.Minute, nil, quietLogger())

	ran, err := s.Tick(context.Background())
	if ran || err == nil {
		t.Fatalf("expected failed tick, got ran=%v err=%v", ran, err)
	}
	// The mutex is released so the next tick can run.
	adv.err = nil
	if ran, _ := s.Tick(context.Background()); !ran {
		t.Error("tick after failure should run")
	}
}

func TestTick_RecoversPanic(t *testing.T) {
	adv := &fakeAdvancer{panics: true}
	s := New(adv, time.Minute, nil, quietLogger())

	ran, err := s.Tick(context.Background())
	if ran || err == nil {
		t.Fatalf("expected panic converted to error, got ran=%v err=%v", ran, err)
	}
	adv.panics = false
	if ran, _ := s.Tick(context.Background()); !ran {
		t.Error("tick after panic should run")
	}
}

func TestTick_HonoursLocker(t *testing.T) {
	adv := &fakeAdvancer{}
	locker := &fakeLocker{granted: map[int]bool{1: true, 3: true}}
	s := New(adv, time.Minute, locker, quietLogger())

	var ranCount int
	for i := 0; i < 3; i++ {
		if ran, _ := s.Tick(context.Background()); ran {
			ranCount++
		}
	}
	if ranCount != 2 || adv.calls.Load() != 2 {
		t.Errorf("expected 2 rounds, got %d (advancer calls %d)", ranCount, adv.calls.Load())
	}
}

func TestTick_LockerError(t *testing.T) {
	adv := &fakeAdvancer{}
	s := New(adv, time.Minute, &fakeLocker{err: errors.New("redis down")}, quietLogger())

	if ran, err := s.Tick(context.Background()); ran || err == nil {
		t.Errorf("expected lock error, got ran=%v err=%v", ran, err)
	}
	if adv.calls.Load() != 0 {
		t.Error("round must not run without the lock")
	}
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	adv := &fakeAdvancer{}
	s := New(adv, 10*time.Millisecond, nil, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for adv.calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("scheduler ticked only %d times", adv.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestNew_DefaultInterval(t *testing.T) {
	if got := New(&fakeAdvancer{}, 0, nil, nil).Interval(); got != DefaultInterval {
		t.Errorf("expected %s, got %s", DefaultInterval, got)
	}
}

func TestRedisLocker_SingleGrantPerInterval(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx := context.Background()
	key := "test:rounds:lock"
	rdb.Del(ctx, key)
	defer rdb.Del(ctx, key)

	a := NewRedisLocker(rdb, key, "replica-a")
	b := NewRedisLocker(rdb, key, "replica-b")

	ok, err := a.Acquire(ctx, 200*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := b.Acquire(ctx, 200*time.Millisecond); ok {
		t.Fatal("second replica acquired a held lock")
	}
	time.Sleep(250 * time.Millisecond)
	if ok, _ := b.Acquire(ctx, 200*time.Millisecond); !ok {
		t.Error("lock should be free after expiry")
	}
}
