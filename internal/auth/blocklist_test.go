package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestBlocklist(t *testing.T, window time.Duration, threshold int) *Blocklist {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewBlocklist(client, window, threshold)
}

func TestBlocklist_NotBlockedBelowThreshold(t *testing.T) {
	ctx := context.Background()
	bl := newTestBlocklist(t, time.Minute, 3)

	require.NoError(t, bl.RecordFailure(ctx, "10.0.0.1", "alice"))
	require.NoError(t, bl.RecordFailure(ctx, "10.0.0.1", "alice"))

	blocked, err := bl.IsBlocked(ctx, "10.0.0.1", "alice")
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestBlocklist_BlockedAtThreshold(t *testing.T) {
	ctx := context.Background()
	bl := newTestBlocklist(t, time.Minute, 3)

	for i := 0; i < 3; i++ {
		require.NoError(t, bl.RecordFailure(ctx, "10.0.0.1", "alice"))
	}

	blocked, err := bl.IsBlocked(ctx, "10.0.0.1", "alice")
	require.NoError(t, err)
	require.True(t, blocked)
}

func TestBlocklist_DifferentUsernamesDoNotShareCounts(t *testing.T) {
	ctx := context.Background()
	bl := newTestBlocklist(t, time.Minute, 2)

	require.NoError(t, bl.RecordFailure(ctx, "10.0.0.1", "alice"))
	require.NoError(t, bl.RecordFailure(ctx, "10.0.0.1", "bob"))

	blockedAlice, err := bl.IsBlocked(ctx, "10.0.0.1", "alice")
	require.NoError(t, err)
	require.False(t, blockedAlice)
}

func TestBlocklist_ClearRemovesRecordedFailures(t *testing.T) {
	ctx := context.Background()
	bl := newTestBlocklist(t, time.Minute, 2)

	require.NoError(t, bl.RecordFailure(ctx, "10.0.0.1", "alice"))
	require.NoError(t, bl.RecordFailure(ctx, "10.0.0.1", "alice"))
	blocked, err := bl.IsBlocked(ctx, "10.0.0.1", "alice")
	require.NoError(t, err)
	require.True(t, blocked)

	require.NoError(t, bl.Clear(ctx, "10.0.0.1", "alice"))

	blocked, err = bl.IsBlocked(ctx, "10.0.0.1", "alice")
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestNewBlocklist_AppliesDefaultsWhenZeroValued(t *testing.T) {
	bl := NewBlocklist(nil, 0, 0)
	require.Equal(t, 60*time.Second, bl.window)
	require.Equal(t, 3, bl.threshold)
}
