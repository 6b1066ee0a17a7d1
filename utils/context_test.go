package utils_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omni/relay-server/utils"
)

func TestContextSleep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dur := 10 * time.Millisecond

	st := time.Now()
	require.True(t, utils.ContextSleep(ctx, dur))
	require.GreaterOrEqual(t, time.Since(st), dur)
}

func TestContextSleepCancel(t *testing.T) {
	t.Parallel()

	dur := 10 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), dur)
	defer cancel()

	st := time.Now()
	require.False(t, utils.ContextSleep(ctx, dur*30))
	require.Less(t, time.Since(st), dur*20)
}

func TestContextSleepZero(t *testing.T) {
	t.Parallel()

	require.True(t, utils.ContextSleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, utils.ContextSleep(ctx, 0))
}

func TestRandomDuration(t *testing.T) {
	t.Parallel()

	for i := 0; i < 100; i++ {
		d := utils.RandomDuration(time.Second, 2*time.Second)
		require.GreaterOrEqual(t, d, time.Second)
		require.LessOrEqual(t, d, 2*time.Second)
	}
	require.Equal(t, time.Second, utils.RandomDuration(time.Second, time.Second))
	require.Equal(t, time.Second, utils.RandomDuration(time.Second, 0))
}
