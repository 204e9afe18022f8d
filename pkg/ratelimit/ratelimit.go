package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"planet-backend/pkg/store"
)

// 基于存储的滑动窗口限流.
// 存储故障时放行 (fail-open): 限流是保护层, 不是正确性前提

// Limit 单一动作的限流配置
type Limit struct {
	MaxCount int64
	Window   time.Duration
}

var (
	// LimitTaskRequest 任务领取: 每设备每小时 60 次
	LimitTaskRequest = Limit{MaxCount: 60, Window: time.Hour}
	// LimitSubmit 结果提交: 每设备每小时 60 次
	LimitSubmit = Limit{MaxCount: 60, Window: time.Hour}
	// LimitRegisterPerWallet 注册: 每钱包每天 3 次
	LimitRegisterPerWallet = Limit{MaxCount: 3, Window: 24 * time.Hour}
	// LimitRegisterPerIP 注册: 每来源地址每小时 5 次
	LimitRegisterPerIP = Limit{MaxCount: 5, Window: time.Hour}
)

// Limiter 滑动窗口限流器
type Limiter struct {
	store  store.Store
	logger zerolog.Logger
}

// NewLimiter 创建限流器
func NewLimiter(s store.Store) *Limiter {
	return &Limiter{store: s, logger: log.With().Str("component", "ratelimit").Logger()}
}

// Allow 检查并记录一次动作, 返回是否放行
func (l *Limiter) Allow(ctx context.Context, key string, limit Limit) bool {
	now := time.Now()
	count, err := l.store.CountRateLimit(ctx, key, now.Add(-limit.Window))
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("rate limit count failed, allowing")
		return true
	}
	if count >= limit.MaxCount {
		return false
	}
	if err := l.store.AddRateLimit(ctx, key, now); err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("rate limit record failed")
	}
	return true
}

// Cleanup 清除 24 小时前的限流记录
func (l *Limiter) Cleanup(ctx context.Context) error {
	return l.store.CleanupRateLimits(ctx, time.Now().Add(-24*time.Hour))
}
