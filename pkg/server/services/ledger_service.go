package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	"planet-backend/pkg/config"
	"planet-backend/pkg/server/middleware"
	"planet-backend/pkg/store"
	"planet-backend/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// 质量闸门: 30 天窗口内任务量达标但通过率过低的设备会被停用
const (
	qualityWindowDays         = 30
	qualityMinTasks           = 20
	qualityMinPct             = 25.0
	expectedHeartbeatsPerHour = 4
)

// LedgerService 信誉与质量台账服务
type LedgerService struct {
	config *config.ServerConfig
	logger zerolog.Logger
	store  store.Store
}

// NewLedgerService 创建台账服务实例
func NewLedgerService(cfg *config.ServerConfig, logger zerolog.Logger, store store.Store) *LedgerService {
	return &LedgerService{
		config: cfg,
		logger: logger.With().Str("service", "ledger").Logger(),
		store:  store,
	}
}

// RegisterRoutes 注册路由
func (s *LedgerService) RegisterRoutes(r *gin.Engine) {
	cron := r.Group("/api/cron", middleware.CronAuth(s.config.Cron.Secret))
	{
		cron.POST("/quality-scores", s.HandleQualityScores)
	}
}

// RecordFailure 记录一次失败并扣减信誉.
// 惩罚按 7 天内失败次数 (含本次) 翻倍: 第 1 次扣 2, 第 2 次扣 4, 第 3 次扣 8.
// 信誉降到 0 的设备停用
func (s *LedgerService) RecordFailure(ctx context.Context, deviceID, taskID string, kind types.FailureKind) error {
	prior, err := s.store.CountFailuresSince(ctx, deviceID, time.Now().Add(-7*24*time.Hour))
	if err != nil {
		return err
	}

	penalty := 1
	for i := int64(0); i <= prior; i++ {
		penalty *= 2
	}

	if err := s.store.AppendFailure(ctx, &types.FailureRecord{
		DeviceID: deviceID,
		TaskID:   taskID,
		Kind:     kind,
		Penalty:  penalty,
	}); err != nil {
		return err
	}

	node, err := s.store.GetNode(ctx, deviceID)
	if err != nil {
		return err
	}
	reputation := node.Reputation - penalty
	if reputation < 0 {
		reputation = 0
	}

	fields := map[string]interface{}{"reputation": reputation}
	if reputation == 0 {
		fields["is_active"] = false
	}
	if err := s.store.UpdateNodeFields(ctx, deviceID, fields); err != nil {
		return err
	}

	s.logger.Warn().
		Str("device_id", deviceID).
		Str("task_id", taskID).
		Str("kind", string(kind)).
		Int("penalty", penalty).
		Int("reputation", reputation).
		Msg("Failure recorded")

	if reputation == 0 {
		s.logger.Warn().Str("device_id", deviceID).Msg("Node deactivated: reputation exhausted")
	}
	return nil
}

// HandleQualityScores 定时任务: 重算全部活跃设备的质量分
func (s *LedgerService) HandleQualityScores(c *gin.Context) {
	computed, deactivated, err := s.ComputeQualityScores(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Quality score pass failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"computed":    computed,
		"deactivated": deactivated,
	})
}

// ComputeQualityScores 对每个活跃设备聚合 30 天窗口:
// 质量分 = 验证通过 / 已提交, 在线率 = 实收心跳 / 期望心跳 (每小时 4 次)
func (s *LedgerService) ComputeQualityScores(ctx context.Context) (int, []string, error) {
	nodes, err := s.store.ListNodes(ctx, store.NodeFilter{ActiveOnly: true})
	if err != nil {
		return 0, nil, err
	}

	since := time.Now().Add(-qualityWindowDays * 24 * time.Hour)
	expectedHeartbeats := float64(qualityWindowDays * 24 * expectedHeartbeatsPerHour)

	var deactivated []string
	computed := 0
	for _, node := range nodes {
		total, err := s.store.CountAssignments(ctx, node.DeviceID, since, true)
		if err != nil {
			return computed, deactivated, err
		}
		verified, err := s.store.CountVerifiedAssignments(ctx, node.DeviceID, since)
		if err != nil {
			return computed, deactivated, err
		}
		heartbeats, err := s.store.CountHeartbeatsSince(ctx, node.DeviceID, since)
		if err != nil {
			return computed, deactivated, err
		}

		qualityPct := 0.0
		if total > 0 {
			qualityPct = float64(verified) / float64(total) * 100
		}
		uptimePct := float64(heartbeats) / expectedHeartbeats * 100
		if uptimePct > 100 {
			uptimePct = 100
		}

		if err := s.store.UpsertQualityScore(ctx, &types.QualityScore{
			DeviceID:      node.DeviceID,
			TotalTasks30d: int(total),
			Verified30d:   int(verified),
			QualityPct:    qualityPct,
			UptimePct:     uptimePct,
			ComputedAt:    time.Now(),
		}); err != nil {
			return computed, deactivated, err
		}
		computed++

		if total >= qualityMinTasks && qualityPct < qualityMinPct {
			// 质量停用同时清零信誉, 复活需要重新攒
			if err := s.store.DeactivateNode(ctx, node.DeviceID, true); err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					return computed, deactivated, err
				}
				continue
			}
			deactivated = append(deactivated, node.DeviceID)
			s.logger.Warn().
				Str("device_id", node.DeviceID).
				Float64("quality_pct", qualityPct).
				Int64("tasks", total).
				Msg("Node deactivated: quality below threshold")
		}
	}
	return computed, deactivated, nil
}
