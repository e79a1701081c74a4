package utils

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes the session store connection. Zero values take the
// defaults in OpenRedis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout time.Duration
	// IOTimeout applies to reads and writes. WATCH transactions are short,
	// so it stays low.
	IOTimeout   time.Duration
	PoolSize    int
	PingTimeout time.Duration
}

// OpenRedis builds a client and checks it with PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	io := orDefault(cfg.IOTimeout, 2*time.Second)
	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     orDefault(cfg.DialTimeout, 3*time.Second),
		ReadTimeout:     io,
		WriteTimeout:    io,
		PoolSize:        orDefault(cfg.PoolSize, 20),
		ConnMaxIdleTime: 5 * time.Minute,
	})

	pingCtx, cancel := context.WithTimeout(ctx, orDefault(cfg.PingTimeout, 2*time.Second))
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// ErrTxContention is returned when an optimistic transaction keeps losing
// races against concurrent writers.
var ErrTxContention = errors.New("redis: optimistic transaction retries exhausted")

// WatchRetry runs fn as an optimistic transaction: keys are WATCHed, fn reads
// and queues its writes in tx.TxPipelined, and EXEC aborts if any watched key
// changed in between. Aborted attempts are retried with a short jittered pause.
func WatchRetry(ctx context.Context, rdb *redis.Client, attempts int, fn func(tx *redis.Tx) error, keys ...string) error {
	if rdb == nil {
		return fmt.Errorf("redis client is nil")
	}
	if attempts <= 0 {
		attempts = 32
	}
	for i := 0; i < attempts; i++ {
		err := rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		pause := time.Duration(rand.Int64N(int64(time.Millisecond) * int64(i+1)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
	return ErrTxContention
}
