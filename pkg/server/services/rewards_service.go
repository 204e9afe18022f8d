package services

import (
	"errors"
	"net/http"

	"planet-backend/pkg/config"
	"planet-backend/pkg/store"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RewardsService 积分与奖励查询服务
type RewardsService struct {
	config *config.ServerConfig
	logger zerolog.Logger
	store  store.Store
}

// NewRewardsService 创建查询服务实例
func NewRewardsService(cfg *config.ServerConfig, logger zerolog.Logger, store store.Store) *RewardsService {
	return &RewardsService{
		config: cfg,
		logger: logger.With().Str("service", "rewards").Logger(),
		store:  store,
	}
}

// RegisterRoutes 注册路由
func (s *RewardsService) RegisterRoutes(r *gin.Engine) {
	r.GET("/api/mine/points", s.HandleGetPoints)
	r.GET("/api/rewards", s.HandleGetRewards)
}

// HandleGetPoints 查询钱包在当前周期的累计积分
func (s *RewardsService) HandleGetPoints(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required"})
		return
	}

	ctx := c.Request.Context()
	nodes, err := s.store.ListNodes(ctx, store.NodeFilter{Wallet: address})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list nodes")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if len(nodes) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "No devices for this wallet"})
		return
	}

	epoch, err := s.store.GetActiveEpoch(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error().Err(err).Msg("Failed to load active epoch")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	totalPoints := 0.0
	totalTasks := 0
	epochNumber := 0
	if epoch != nil {
		epochNumber = epoch.Number
		deviceIDs := make([]string, 0, len(nodes))
		for _, n := range nodes {
			deviceIDs = append(deviceIDs, n.DeviceID)
		}
		records, err := s.store.ListPointRecordsForDevices(ctx, epoch.Number, deviceIDs)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to load point records")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		for _, rec := range records {
			totalPoints += rec.Points
			totalTasks += rec.TasksCompleted
		}
	}

	streakDays := 0
	if streak, err := s.store.GetStreak(ctx, address); err == nil {
		streakDays = streak.CurrentStreak
	}

	devices := make([]gin.H, 0, len(nodes))
	for _, n := range nodes {
		devices = append(devices, gin.H{
			"deviceId":       n.DeviceID,
			"tier":           n.Tier,
			"capabilityTier": n.CapabilityTier,
			"reputation":     n.Reputation,
			"trustWeek":      n.TrustWeek,
			"isActive":       n.IsActive,
			"lastHeartbeat":  n.LastHeartbeat,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"epoch":          epochNumber,
		"points":         totalPoints,
		"tasksCompleted": totalTasks,
		"streakDays":     streakDays,
		"devices":        devices,
	})
}

// HandleGetRewards 查询钱包的历史奖励与领取证明
func (s *RewardsService) HandleGetRewards(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required"})
		return
	}

	list, err := s.store.ListRewards(c.Request.Context(), address)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list rewards")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	totalEarned := 0.0
	unclaimed := 0.0
	for _, r := range list {
		totalEarned += r.TokenAmount
		if !r.Claimed {
			unclaimed += r.ClaimableNow
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"rewards":     list,
		"totalEarned": totalEarned,
		"unclaimed":   unclaimed,
	})
}
