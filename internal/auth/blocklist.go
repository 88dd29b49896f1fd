package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Blocklist tracks failed-login counts per (ip, username) pair in a Redis
// sorted set, windowed by score=unix-timestamp, adapted from the teacher's
// router.RedisTokenCache (remiges-tech/alya/router/auth_middleware.go) which
// keys a single flag per token; here each failure is its own ZSET member so
// that old failures age out of the window without an explicit sweep.
type Blocklist struct {
	client    *redis.Client
	window    time.Duration
	threshold int
}

// NewBlocklist wires a go-redis/v9 client with the window/threshold policy.
// SPEC_FULL.md §12 fixes the defaults at a 60-second window and a
// threshold of 3 failed attempts when the config omits them.
func NewBlocklist(client *redis.Client, window time.Duration, threshold int) *Blocklist {
	if window <= 0 {
		window = 60 * time.Second
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &Blocklist{client: client, window: window, threshold: threshold}
}

func blocklistKey(ip, username string) string {
	return fmt.Sprintf("agency:blocklist:%s:%s", ip, username)
}

// RecordFailure adds a failure entry for (ip, username) and prunes entries
// older than the window.
func (b *Blocklist) RecordFailure(ctx context.Context, ip, username string) error {
	key := blocklistKey(ip, username)
	now := time.Now()
	member := fmt.Sprintf("%d", now.UnixNano())

	pipe := b.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Unix()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", now.Add(-b.window).Unix()))
	pipe.Expire(ctx, key, b.window)
	_, err := pipe.Exec(ctx)
	return err
}

// IsBlocked reports whether (ip, username) has reached the failure
// threshold within the current window.
func (b *Blocklist) IsBlocked(ctx context.Context, ip, username string) (bool, error) {
	key := blocklistKey(ip, username)
	cutoff := time.Now().Add(-b.window).Unix()
	count, err := b.client.ZCount(ctx, key, fmt.Sprintf("%d", cutoff), "+inf").Result()
	if err != nil {
		return false, err
	}
	return count >= int64(b.threshold), nil
}

// Clear removes all recorded failures for (ip, username), called after a
// successful authentication.
func (b *Blocklist) Clear(ctx context.Context, ip, username string) error {
	return b.client.Del(ctx, blocklistKey(ip, username)).Err()
}
