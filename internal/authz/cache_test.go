package authz

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, ttl), mr
}

func TestCachePutGetRoundtrip(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, 42)
	require.NoError(t, err)
	require.False(t, ok)

	version, err := cache.Version(ctx, 42)
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, 42, []string{"edit_referral", "view_calendar"}, version))

	perms, ok, err := cache.Get(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"edit_referral", "view_calendar"}, perms)
}

func TestCacheInvalidateDropsEntry(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	version, err := cache.Version(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, 7, []string{"view_calendar"}, version))
	require.NoError(t, cache.Invalidate(ctx, 7))

	_, ok, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	require.False(t, ok)

	bumped, err := cache.Version(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, version.User+1, bumped.User)
}

func TestCacheDiscardsStalePut(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	// A repopulation captures the version, then an invalidation races past it.
	stale, err := cache.Version(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, 7))
	require.NoError(t, cache.Put(ctx, 7, []string{"view_calendar"}, stale))

	// The stale write must not be visible.
	_, ok, err := cache.Get(ctx, 7)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheInvalidateAllBumpsEpoch(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	for _, userID := range []int64{1, 2} {
		version, err := cache.Version(ctx, userID)
		require.NoError(t, err)
		require.NoError(t, cache.Put(ctx, userID, []string{"view_calendar"}, version))
	}
	require.NoError(t, cache.InvalidateAll(ctx))

	for _, userID := range []int64{1, 2} {
		_, ok, err := cache.Get(ctx, userID)
		require.NoError(t, err)
		require.False(t, ok)
	}
}

func TestCacheTTLBackstop(t *testing.T) {
	cache, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	version, err := cache.Version(ctx, 9)
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, 9, []string{"view_calendar"}, version))

	mr.FastForward(2 * time.Minute)

	_, ok, err := cache.Get(ctx, 9)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheEmptyPermissionSet(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	version, err := cache.Version(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, 3, nil, version))

	perms, ok, err := cache.Get(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, perms)
}
