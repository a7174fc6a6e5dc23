/***** BEGIN LICENSE BLOCK *****
# This Source Code Form is subject to the terms of the Mozilla Public
# License, v. 2.0. If a copy of the MPL was not distributed with this file,
# You can obtain one at http://mozilla.org/MPL/2.0/.
# ***** END LICENSE BLOCK *****/

package claims

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *RedisRegistry {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisRegistry(client)
}

func strp(s string) *string { return &s }

func TestStoreDeleteNoopOnNilClaim(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Store(ctx, nil, "27820001001"))
	addrs, err := reg.ScanExpired(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, addrs)
}

func TestStoreIsIdempotentPerAddress(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	claim := strp("c1")

	require.NoError(t, reg.Store(ctx, claim, "27820001001"))
	require.NoError(t, reg.Store(ctx, claim, "27820001001"))

	addrs, err := reg.ScanExpired(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{"27820001001"}, addrs)
}

func TestScanExpiredIsAtomicAndOnlyReturnsExpired(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	claim := strp("c1")

	require.NoError(t, reg.Store(ctx, claim, "fresh"))

	// seed an already-expired claim directly via a past score.
	past := float64(time.Now().Add(-10 * time.Minute).Unix())
	client := reg.client
	require.NoError(t, client.ZAdd(ctx, setName, redis.Z{Score: past, Member: "expired"}).Err())

	cutoff := time.Now().Add(-5 * time.Minute)
	addrs, err := reg.ScanExpired(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, []string{"expired"}, addrs)

	remaining, err := reg.ScanExpired(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{"fresh"}, remaining)
}

func TestDeleteRemovesClaim(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	claim := strp("c1")

	require.NoError(t, reg.Store(ctx, claim, "27820001001"))
	require.NoError(t, reg.Delete(ctx, claim, "27820001001"))

	addrs, err := reg.ScanExpired(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, addrs)
}
