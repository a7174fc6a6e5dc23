/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T) *RedisGuard {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisGuard(client, 200*time.Millisecond, time.Minute)
}

func TestWithLockExcludesConcurrentCallers(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	var mu sync.Mutex
	inside := 0
	maxInside := 0
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.WithLock(ctx, "m1", func(ctx context.Context) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
}

func TestWithLockReleasesOnError(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	err := g.WithLock(ctx, "m1", func(ctx context.Context) error {
		return assert.AnError
	})
	assert.Error(t, err)

	acquired := false
	require.NoError(t, g.WithLock(ctx, "m1", func(ctx context.Context) error {
		acquired = true
		return nil
	}))
	assert.True(t, acquired)
}

func TestSeenAndMarkSeen(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	seen, err := g.Seen(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, g.MarkSeen(ctx, "m1"))

	seen, err = g.Seen(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestNoopGuardAlwaysRuns(t *testing.T) {
	var g NoopGuard
	ran := false
	err := g.WithLock(context.Background(), "m1", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	seen, err := g.Seen(context.Background(), "m1")
	require.NoError(t, err)
	assert.False(t, seen)
}
