package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/copperline/gatehouse/pkg/ratelimit"
)

func TestLocalLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("admits the burst then denies", func(t *testing.T) {
		limiter := ratelimit.NewLocal(ratelimit.DefaultConfig())

		for i := range 5 {
			d := limiter.Acquire(ctx, "10.0.0.1", ratelimit.ClassLogin)
			require.Equal(t, ratelimit.Allowed, d.Outcome, "request %d", i+1)
		}

		d := limiter.Acquire(ctx, "10.0.0.1", ratelimit.ClassLogin)
		require.Equal(t, ratelimit.Denied, d.Outcome)
		require.GreaterOrEqual(t, d.RetryAfter, time.Second)
	})

	t.Run("keys do not interfere", func(t *testing.T) {
		limiter := ratelimit.NewLocal(ratelimit.DefaultConfig())

		for range 5 {
			limiter.Acquire(ctx, "10.0.0.1", ratelimit.ClassLogin)
		}
		d := limiter.Acquire(ctx, "10.0.0.2", ratelimit.ClassLogin)
		require.Equal(t, ratelimit.Allowed, d.Outcome)
	})

	t.Run("never reports unavailable", func(t *testing.T) {
		limiter := ratelimit.NewLocal(ratelimit.DefaultConfig())

		for range 20 {
			d := limiter.Acquire(ctx, "10.0.0.1", ratelimit.ClassRegister)
			require.NotEqual(t, ratelimit.Unavailable, d.Outcome)
		}
	})
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("RATELIMIT_LOGIN_REQUESTS", "2")
	t.Setenv("RATELIMIT_LOGIN_WINDOW_SEC", "30")

	cfg := ratelimit.FromEnv()
	policy := cfg.For(ratelimit.ClassLogin)
	require.Equal(t, 2, policy.Limit)
	require.Equal(t, 30*time.Second, policy.Window)

	// Untouched classes keep their stock budgets.
	require.Equal(t, 3, cfg.For(ratelimit.ClassRegister).Limit)
}
