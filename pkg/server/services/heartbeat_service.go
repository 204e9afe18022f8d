package services

import (
	"errors"
	"net/http"
	"time"

	"planet-backend/pkg/config"
	"planet-backend/pkg/server/middleware"
	"planet-backend/pkg/store"
	"planet-backend/pkg/types"
	"planet-backend/pkg/utils/challenge"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// 心跳节律: 期望每 15 分钟一次, 超出间隔加宽限期未报到即停用
const (
	heartbeatInterval = 15 * time.Minute
	heartbeatGrace    = 5 * time.Minute
)

// HeartbeatService 心跳挑战与存活监控服务
type HeartbeatService struct {
	config     *config.ServerConfig
	logger     zerolog.Logger
	store      store.Store
	challenges *challenge.Cache
}

// NewHeartbeatService 创建心跳服务实例
func NewHeartbeatService(cfg *config.ServerConfig, logger zerolog.Logger, store store.Store) *HeartbeatService {
	return &HeartbeatService{
		config:     cfg,
		logger:     logger.With().Str("service", "heartbeat").Logger(),
		store:      store,
		challenges: challenge.NewCache(),
	}
}

// RegisterRoutes 注册路由
func (s *HeartbeatService) RegisterRoutes(r *gin.Engine) {
	r.POST("/api/mine/heartbeat", s.HandleHeartbeat)
	cron := r.Group("/api/cron", middleware.CronAuth(s.config.Cron.Secret))
	{
		cron.POST("/heartbeat-check", s.HandleHeartbeatCheck)
	}
}

// HandleHeartbeat 两段式心跳:
// 不带挑战的请求签发新挑战, 带挑战的请求校验响应并记录心跳
func (s *HeartbeatService) HandleHeartbeat(c *gin.Context) {
	var req struct {
		DeviceID     string   `json:"deviceId" binding:"required"`
		Challenge    string   `json:"challenge"`
		Response     string   `json:"response"`
		BatteryPct   *float64 `json:"batteryPct"`
		TemperatureC *float64 `json:"temperatureC"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	ctx := c.Request.Context()
	node, err := s.store.GetNode(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not registered"})
			return
		}
		s.logger.Error().Err(err).Msg("Failed to get node")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if req.Challenge == "" {
		ch, err := s.challenges.Issue(req.DeviceID)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to issue challenge")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"challenge": ch})
		return
	}

	if !s.challenges.Verify(req.DeviceID, req.Challenge, req.Response) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired challenge"})
		return
	}

	status := computeStatus(req.TemperatureC)
	if err := s.store.RecordHeartbeat(ctx, &types.Heartbeat{
		DeviceID:      req.DeviceID,
		BatteryPct:    req.BatteryPct,
		TemperatureC:  req.TemperatureC,
		ComputeStatus: status,
	}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to record heartbeat")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if err := s.store.TouchHeartbeat(ctx, req.DeviceID, time.Now()); err != nil {
		s.logger.Error().Err(err).Msg("Failed to update last heartbeat")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if !node.IsActive {
		s.logger.Info().Str("device_id", req.DeviceID).Msg("Node reactivated by heartbeat")
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":            true,
		"computeStatus": status,
	})
}

// computeStatus 按电池温度决定节点应处的计算档位
func computeStatus(tempC *float64) string {
	if tempC == nil {
		return "active"
	}
	switch {
	case *tempC >= types.StopTempC:
		return "stopped"
	case *tempC >= types.ThrottleTempC:
		return "throttled"
	default:
		return "active"
	}
}

// HandleHeartbeatCheck 定时任务: 停用超时未报到的节点
func (s *HeartbeatService) HandleHeartbeatCheck(c *gin.Context) {
	cutoff := time.Now().Add(-(heartbeatInterval + heartbeatGrace))
	deactivated, err := s.store.DeactivateStaleNodes(c.Request.Context(), cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("Stale node sweep failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	s.challenges.Sweep()

	if len(deactivated) > 0 {
		s.logger.Info().Strs("devices", deactivated).Msg("Stale nodes deactivated")
	}
	c.JSON(http.StatusOK, gin.H{"deactivated": len(deactivated)})
}
