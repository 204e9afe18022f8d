package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planet-backend/pkg/store"
)

func newLimiterWithStore(t *testing.T) (*Limiter, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(store.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewLimiter(st), st
}

func TestLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("Enforces Limit", func(t *testing.T) {
		limiter, _ := newLimiterWithStore(t)
		limit := Limit{MaxCount: 3, Window: time.Hour}

		for i := 0; i < 3; i++ {
			assert.True(t, limiter.Allow(ctx, "act:dev-1", limit), "request %d should pass", i)
		}
		assert.False(t, limiter.Allow(ctx, "act:dev-1", limit))

		// 其他键不受影响
		assert.True(t, limiter.Allow(ctx, "act:dev-2", limit))
	})

	t.Run("Window Slides", func(t *testing.T) {
		limiter, st := newLimiterWithStore(t)
		limit := Limit{MaxCount: 1, Window: time.Minute}

		// 窗口外的旧记录不计数
		require.NoError(t, st.AddRateLimit(ctx, "act:dev-3", time.Now().Add(-2*time.Minute)))
		assert.True(t, limiter.Allow(ctx, "act:dev-3", limit))
		assert.False(t, limiter.Allow(ctx, "act:dev-3", limit))
	})

	t.Run("Fail Open On Store Error", func(t *testing.T) {
		limiter, st := newLimiterWithStore(t)
		require.NoError(t, st.Close())

		// 存储不可用时放行
		assert.True(t, limiter.Allow(ctx, "act:dev-4", Limit{MaxCount: 1, Window: time.Hour}))
	})

	t.Run("Cleanup", func(t *testing.T) {
		limiter, st := newLimiterWithStore(t)
		require.NoError(t, st.AddRateLimit(ctx, "act:old", time.Now().Add(-48*time.Hour)))
		require.NoError(t, limiter.Cleanup(ctx))

		count, err := st.CountRateLimit(ctx, "act:old", time.Now().Add(-72*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})
}
