package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T) (*RunGuard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRunGuard(client, time.Minute), mr
}

func TestRunGuardAcquireRelease(t *testing.T) {
	ctx := context.Background()
	guard, _ := newTestGuard(t)

	release, err := guard.Acquire(ctx, "dispatch", "run-1")
	require.NoError(t, err)

	_, err = guard.Acquire(ctx, "dispatch", "run-2")
	require.ErrorIs(t, err, ErrRunInProgress)

	require.NoError(t, release(ctx))

	release2, err := guard.Acquire(ctx, "dispatch", "run-2")
	require.NoError(t, err)
	require.NoError(t, release2(ctx))
}

func TestRunGuardIndependentNames(t *testing.T) {
	ctx := context.Background()
	guard, _ := newTestGuard(t)

	releaseA, err := guard.Acquire(ctx, "dispatch", "a")
	require.NoError(t, err)
	defer func() { _ = releaseA(ctx) }()

	releaseB, err := guard.Acquire(ctx, "reconcile", "b")
	require.NoError(t, err)
	require.NoError(t, releaseB(ctx))
}

func TestRunGuardReleaseIgnoresForeignToken(t *testing.T) {
	ctx := context.Background()
	guard, mr := newTestGuard(t)

	release, err := guard.Acquire(ctx, "dispatch", "stale")
	require.NoError(t, err)

	// Simulate lease expiry followed by another run taking over.
	mr.FastForward(2 * time.Minute)
	release2, err := guard.Acquire(ctx, "dispatch", "fresh")
	require.NoError(t, err)

	require.NoError(t, release(ctx))
	_, err = guard.Acquire(ctx, "dispatch", "third")
	require.ErrorIs(t, err, ErrRunInProgress)
	require.NoError(t, release2(ctx))
}
