/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

// Package claims implements the claim registry: an ordered, time-indexed
// set of open conversations, shared across process instances via Redis.
package claims

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/praekeltfoundation/vxwhatsapp/internal/obsmw"
)

// setName is the Redis sorted-set key holding one member per open claim,
// scored by the Unix-seconds timestamp the claim was last extended.
const setName = "claims"

// Registry is the interface the consumer, webhook handler, and reaper
// depend on, rather than a concrete Redis client, so tests can
// substitute a double.
type Registry interface {
	// Store upserts (address, now) in the claim set. A nil/empty claim or
	// address is a no-op — the claim token itself is never persisted,
	// only its presence gates the write.
	Store(ctx context.Context, claim *string, address string) error

	// Delete removes address from the claim set. A nil/empty claim or
	// address is a no-op.
	Delete(ctx context.Context, claim *string, address string) error

	// ScanExpired atomically returns and removes every address whose
	// score is <= cutoff. This is the only operation with cross-process
	// concurrency requirements.
	ScanExpired(ctx context.Context, cutoff time.Time) ([]string, error)

	// Ping checks connectivity for the health endpoint.
	Ping(ctx context.Context) error
}

// RedisRegistry is the production Registry backed by a single Redis
// sorted set.
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry constructs a RedisRegistry over an already-configured
// client.
func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func (r *RedisRegistry) Store(ctx context.Context, claim *string, address string) error {
	if claim == nil || *claim == "" || address == "" {
		return nil
	}
	now := float64(time.Now().Unix())
	if err := r.client.ZAdd(ctx, setName, redis.Z{Score: now, Member: address}).Err(); err != nil {
		return err
	}
	r.reportGauge(ctx)
	return nil
}

func (r *RedisRegistry) Delete(ctx context.Context, claim *string, address string) error {
	if claim == nil || *claim == "" || address == "" {
		return nil
	}
	if err := r.client.ZRem(ctx, setName, address).Err(); err != nil {
		return err
	}
	r.reportGauge(ctx)
	return nil
}

// reportGauge refreshes the claims-active metric. Best effort: a
// failed ZCARD leaves the gauge stale until the next successful call.
func (r *RedisRegistry) reportGauge(ctx context.Context) {
	if n, err := r.client.ZCard(ctx, setName).Result(); err == nil {
		obsmw.ClaimsGauge.Set(float64(n))
	}
}

// scanExpiredScript performs the ZRANGEBYSCORE + ZREMRANGEBYSCORE pair
// atomically via a server-side Lua script, so a concurrent Store can
// never interleave with a scan and lose an address.
var scanExpiredScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if #members > 0 then
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
end
return members
`)

func (r *RedisRegistry) ScanExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	res, err := scanExpiredScript.Run(ctx, r.client, []string{setName}, cutoff.Unix()).Result()
	if err != nil {
		return nil, err
	}
	r.reportGauge(ctx)
	items, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	addrs := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			addrs = append(addrs, s)
		}
	}
	return addrs, nil
}

func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// NoopRegistry is used when REDIS_URL is unset: every claim operation is
// a no-op and the reaper never finds anything to expire.
type NoopRegistry struct{}

func (NoopRegistry) Store(context.Context, *string, string) error            { return nil }
func (NoopRegistry) Delete(context.Context, *string, string) error           { return nil }
func (NoopRegistry) ScanExpired(context.Context, time.Time) ([]string, error) { return nil, nil }
func (NoopRegistry) Ping(context.Context) error                              { return nil }
