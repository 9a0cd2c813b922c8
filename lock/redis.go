package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// REDIS - SET NX PX lease shared across instances
// =============================================================================

// releaseScript deletes the key only if it still holds our token, so an
// expired lease that someone else re-acquired is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// renewScript pushes the expiry out while the key still holds our token.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker backed by a Redis lease. While a lease is held a
// watchdog renews it every Renew, so a slow recompute keeps its day
// locked; TTL only matters once the holder has crashed.
type Redis struct {
	client *redis.Client
	prefix string

	// TTL bounds how long a crashed holder can block others.
	TTL time.Duration
	// Renew is the watchdog interval. Zero disables renewal.
	Renew time.Duration
	// Wait bounds acquisition when ctx carries no deadline.
	Wait time.Duration
	// Poll is the retry interval while the key is held elsewhere.
	Poll time.Duration

	Log *slog.Logger
}

var _ Locker = (*Redis)(nil)

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{
		client: client,
		prefix: "commission:lock:",
		TTL:    ttl,
		Renew:  ttl / 3,
		Wait:   ttl,
		Poll:   50 * time.Millisecond,
		Log:    slog.Default(),
	}
}

// Lock polls SET NX until it owns key. It returns ErrConcurrentRecompute
// when the wait runs out while someone else still holds the lease.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Wait)
		defer cancel()
	}

	fullKey := r.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.Poll)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, fullKey, token, r.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("lock %s: %w", key, generic.ErrConcurrentRecompute)
			}
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			l := &lease{
				r:       r,
				key:     key,
				fullKey: fullKey,
				token:   token,
				stop:    make(chan struct{}),
				done:    make(chan struct{}),
			}
			go l.watch()
			return l.unlock, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s: %w", key, generic.ErrConcurrentRecompute)
		case <-ticker.C:
		}
	}
}

func (r *Redis) logger() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}

// lease is one held key. unlock stops the watchdog before releasing so a
// renewal can never land after the delete.
type lease struct {
	r       *Redis
	key     string
	fullKey string
	token   string

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (l *lease) watch() {
	defer close(l.done)
	if l.r.Renew <= 0 {
		return
	}

	ticker := time.NewTicker(l.r.Renew)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.r.Renew)
		n, err := renewScript.Run(ctx, l.r.client, []string{l.fullKey}, l.token, l.r.TTL.Milliseconds()).Int64()
		cancel()
		switch {
		case err != nil:
			l.r.logger().Warn("failed to renew recompute lock", "key", l.key, "error", err)
		case n == 0:
			l.r.logger().Error("recompute lock lost before release", "key", l.key)
			return
		}
	}
}

func (l *lease) unlock() {
	l.once.Do(func() {
		close(l.stop)
		<-l.done

		// Release must not depend on the caller's (possibly cancelled) ctx.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := releaseScript.Run(ctx, l.r.client, []string{l.fullKey}, l.token).Int64()
		switch {
		case err != nil:
			l.r.logger().Error("failed to release recompute lock", "key", l.key, "error", err)
		case n == 0:
			l.r.logger().Warn("recompute lock expired before release", "key", l.key)
		}
	})
}

// Connect dials Redis and pings it. Options mirror the pool sizing used by
// the other services.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}
