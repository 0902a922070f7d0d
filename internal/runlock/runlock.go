// Package runlock keeps two ingestion runs from writing to the same graph at
// once, using a Redis key with an expiry as the lease. The holder extends the
// expiry every third of the TTL until it releases, so a run may outlive the TTL.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/tradegraph-kg/internal/ingesterr"
	"github.com/yungbote/tradegraph-kg/internal/platform/logger"
)

// client is the subset of *goredis.Client the lock uses.
type client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *goredis.BoolCmd
	Get(ctx context.Context, key string) *goredis.StringCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *goredis.Cmd
	Close() error
}

// releaseScript deletes the key only while it still names the caller.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// renewScript extends the expiry only while the key still names the caller.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

type Lock struct {
	rdb client
	key string
	ttl time.Duration
	log *logger.Logger
}

func New(ctx context.Context, log *logger.Logger, cfg Config) (*Lock, error) {
	if log == nil {
		return nil, fmt.Errorf("runlock: logger required")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("runlock: missing redis addr")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("runlock: redis ping: %w", err)
	}
	return newLock(rdb, log, cfg.Key, cfg.TTL), nil
}

func newLock(rdb client, log *logger.Logger, key string, ttl time.Duration) *Lock {
	if strings.TrimSpace(key) == "" {
		key = "kgingest:run-lock"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Lock{rdb: rdb, key: key, ttl: ttl, log: log.With("component", "RunLock")}
}

// Acquire takes the lease for holder, or fails with a run_in_progress error
// naming the current holder.
func (l *Lock) Acquire(ctx context.Context, holder string) (func(context.Context) error, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, holder, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("runlock: acquire: %w", err)
	}
	if !ok {
		current, err := l.rdb.Get(ctx, l.key).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("runlock: read holder: %w", err)
		}
		if current == "" {
			current = "unknown"
		}
		return nil, ingesterr.RunInProgress(current)
	}
	l.log.Debug("run lease acquired", "key", l.key, "holder", holder, "ttl", l.ttl.String())

	renewCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.renew(renewCtx, holder)
	}()

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			stop()
			wg.Wait()
			err = l.release(ctx, holder)
		})
		return err
	}, nil
}

// renew keeps the lease alive until ctx is done or the lease is found lost.
func (l *Lock) renew(ctx context.Context, holder string) {
	every := l.ttl / 3
	if every <= 0 {
		every = l.ttl
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := l.rdb.Eval(ctx, renewScript, []string{l.key}, holder, l.ttl.Milliseconds()).Int64()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Warn("run lease renewal failed", "key", l.key, "holder", holder, "error", err)
			continue
		}
		if n == 0 {
			l.log.Error("run lease lost; another run may be writing", "key", l.key, "holder", holder)
			return
		}
	}
}

func (l *Lock) release(ctx context.Context, holder string) error {
	n, err := l.rdb.Eval(ctx, releaseScript, []string{l.key}, holder).Int64()
	if err != nil {
		return fmt.Errorf("runlock: release: %w", err)
	}
	if n == 0 {
		l.log.Warn("run lease already expired or taken over", "key", l.key, "holder", holder)
	}
	return nil
}

func (l *Lock) Close() error { return l.rdb.Close() }
