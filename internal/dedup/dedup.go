/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

// Package dedup implements the inbound message deduplication guard: a
// Redis-backed mutual-exclusion lock per message ID plus a seen-marker
// used to collapse webhook retries into a single publish.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a lock could not be acquired within
// the configured wait budget.
var ErrLockTimeout = errors.New("dedup: lock acquisition timed out")

const lockPollInterval = 50 * time.Millisecond

// Guard is the interface the webhook handler depends on.
type Guard interface {
	// WithLock acquires "msglock:<id>", runs fn while holding it, and
	// guarantees release on every exit path including a panic in fn.
	WithLock(ctx context.Context, id string, fn func(ctx context.Context) error) error

	// Seen reports whether "msgseen:<id>" is already present.
	Seen(ctx context.Context, id string) (bool, error)

	// MarkSeen sets "msgseen:<id>" with the configured dedup window TTL.
	MarkSeen(ctx context.Context, id string) error
}

// RedisGuard is the production Guard, backed by a single Redis client.
type RedisGuard struct {
	client      *redis.Client
	lockTimeout time.Duration
	dedupWindow time.Duration
}

// NewRedisGuard constructs a RedisGuard. lockTimeout is both the lease
// duration of an acquired lock and (doubled) the bound on how long
// WithLock will wait to acquire one; dedupWindow is the seen-marker TTL.
func NewRedisGuard(client *redis.Client, lockTimeout, dedupWindow time.Duration) *RedisGuard {
	return &RedisGuard{client: client, lockTimeout: lockTimeout, dedupWindow: dedupWindow}
}

func lockKey(id string) string { return "msglock:" + id }
func seenKey(id string) string { return "msgseen:" + id }

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

func (g *RedisGuard) WithLock(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	token := uuid.New().String()
	key := lockKey(id)
	waitBudget := 2 * g.lockTimeout

	deadline := time.Now().Add(waitBudget)
	for {
		ok, err := g.client.SetNX(ctx, key, token, g.lockTimeout).Result()
		if err != nil {
			return fmt.Errorf("dedup: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}

	defer func() {
		// Best-effort release via a separate background context: the
		// caller's ctx may already be cancelled on the way out, but the
		// lock still must not outlive its lease unnecessarily.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		releaseScript.Run(releaseCtx, g.client, []string{key}, token)
	}()

	return fn(ctx)
}

func (g *RedisGuard) Seen(ctx context.Context, id string) (bool, error) {
	n, err := g.client.Exists(ctx, seenKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: check seen %s: %w", id, err)
	}
	return n > 0, nil
}

func (g *RedisGuard) MarkSeen(ctx context.Context, id string) error {
	if err := g.client.Set(ctx, seenKey(id), "1", g.dedupWindow).Err(); err != nil {
		return fmt.Errorf("dedup: mark seen %s: %w", id, err)
	}
	return nil
}

// NoopGuard is used when REDIS_URL is unset: every message publishes
// unconditionally, with no locking or dedup tracking.
type NoopGuard struct{}

func (NoopGuard) WithLock(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
func (NoopGuard) Seen(context.Context, string) (bool, error) { return false, nil }
func (NoopGuard) MarkSeen(context.Context, string) error     { return nil }
