package runlock

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/tradegraph-kg/internal/ingesterr"
	"github.com/yungbote/tradegraph-kg/internal/platform/logger"
)

type fakeRedis struct {
	mu   sync.Mutex
	vals map[string]string

	renewed     int
	renewMissed int
}

func newFakeRedis() *fakeRedis { return &fakeRedis{vals: map[string]string{}} }

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, _ time.Duration) *goredis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vals[key]; ok {
		return goredis.NewBoolResult(false, nil)
	}
	f.vals[key] = value.(string)
	return goredis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vals[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...any) *goredis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if script == renewScript {
		if f.vals[keys[0]] == args[0].(string) {
			f.renewed++
			return goredis.NewCmdResult(int64(1), nil)
		}
		f.renewMissed++
		return goredis.NewCmdResult(int64(0), nil)
	}
	if f.vals[keys[0]] == args[0].(string) {
		delete(f.vals, keys[0])
		return goredis.NewCmdResult(int64(1), nil)
	}
	return goredis.NewCmdResult(int64(0), nil)
}

func (f *fakeRedis) Close() error { return nil }

func TestAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	l := newLock(newFakeRedis(), logger.Nop(), "", 0)

	release, err := l.Acquire(ctx, "run-a")
	if err != nil {
		t.Fatalf("Acquire(run-a): %v", err)
	}
	_, err = l.Acquire(ctx, "run-b")
	if !ingesterr.Is(err, ingesterr.CodeRunInProgress) {
		t.Fatalf("Acquire(run-b): want run_in_progress got=%v", err)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := l.Acquire(ctx, "run-b"); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestReleaseLeavesForeignLease(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	l := newLock(rdb, logger.Nop(), "k", time.Minute)

	release, err := l.Acquire(ctx, "run-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// Simulate expiry and takeover by another run.
	rdb.mu.Lock()
	rdb.vals["k"] = "run-b"
	rdb.mu.Unlock()
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if rdb.vals["k"] != "run-b" {
		t.Fatalf("foreign lease removed")
	}
}

func (f *fakeRedis) counts() (renewed, missed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renewed, f.renewMissed
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLeaseRenewedUntilRelease(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	l := newLock(rdb, logger.Nop(), "k", 30*time.Millisecond)

	release, err := l.Acquire(ctx, "run-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	waitFor(t, "two renewals", func() bool { n, _ := rdb.counts(); return n >= 2 })
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	after, _ := rdb.counts()
	time.Sleep(50 * time.Millisecond)
	if n, _ := rdb.counts(); n != after {
		t.Fatalf("renewals after release: want=%d got=%d", after, n)
	}
	if _, ok := rdb.vals["k"]; ok {
		t.Fatalf("lease should be deleted on release")
	}
}

func TestLeaseRenewalStopsOnceLost(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	l := newLock(rdb, logger.Nop(), "k", 30*time.Millisecond)

	release, err := l.Acquire(ctx, "run-a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release(ctx)
	rdb.mu.Lock()
	rdb.vals["k"] = "run-b"
	rdb.mu.Unlock()

	waitFor(t, "a missed renewal", func() bool { _, m := rdb.counts(); return m >= 1 })
	time.Sleep(50 * time.Millisecond)
	if _, m := rdb.counts(); m != 1 {
		t.Fatalf("renewal attempts after loss: want=1 got=%d", m)
	}
	rdb.mu.Lock()
	holder := rdb.vals["k"]
	rdb.mu.Unlock()
	if holder != "run-b" {
		t.Fatalf("foreign lease changed: %q", holder)
	}
}

func TestRedisIntegration(t *testing.T) {
	if os.Getenv("REDIS_INTEGRATION") != "1" {
		t.Skip("set REDIS_INTEGRATION=1 to run against REDIS_ADDR")
	}
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx := context.Background()
	l, err := New(ctx, logger.Nop(), Config{Addr: addr, Key: "kgingest:test-lock", TTL: 10 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()
	release, err := l.Acquire(ctx, "it-run")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, "other"); !ingesterr.Is(err, ingesterr.CodeRunInProgress) {
		t.Fatalf("second Acquire: %v", err)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
}
