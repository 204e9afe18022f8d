package services

import (
	"errors"
	"net/http"

	"planet-backend/pkg/config"
	"planet-backend/pkg/ratelimit"
	"planet-backend/pkg/store"
	"planet-backend/pkg/types"
	"planet-backend/pkg/utils/fingerprint"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// NodeService 节点注册与基准测试服务
type NodeService struct {
	config  *config.ServerConfig
	logger  zerolog.Logger
	store   store.Store
	limiter *ratelimit.Limiter
}

// NewNodeService 创建节点服务实例
func NewNodeService(cfg *config.ServerConfig, logger zerolog.Logger, store store.Store, limiter *ratelimit.Limiter) *NodeService {
	return &NodeService{
		config:  cfg,
		logger:  logger.With().Str("service", "node").Logger(),
		store:   store,
		limiter: limiter,
	}
}

// RegisterRoutes 注册路由
func (s *NodeService) RegisterRoutes(r *gin.Engine) {
	mine := r.Group("/api/mine")
	{
		mine.POST("/register", s.HandleRegister)
		mine.POST("/benchmark", s.HandleBenchmark)
	}
}

// HandleRegister 处理设备注册
func (s *NodeService) HandleRegister(c *gin.Context) {
	var req struct {
		DeviceID      string `json:"deviceId" binding:"required"`
		WalletAddress string `json:"walletAddress" binding:"required"`
		Fingerprint   string `json:"fingerprint"`
		H3Cell        string `json:"h3Cell"`
		Tier          int    `json:"tier"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	ctx := c.Request.Context()
	if !s.limiter.Allow(ctx, "register:wallet:"+req.WalletAddress, ratelimit.LimitRegisterPerWallet) ||
		!s.limiter.Allow(ctx, "register:ip:"+c.ClientIP(), ratelimit.LimitRegisterPerIP) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many registrations, try again later"})
		return
	}

	tier := req.Tier
	if tier != types.TierValidator {
		tier = types.TierDataNode
	}

	// 指纹查重: 同一指纹绑到别的钱包视为女巫注册
	var fpHash string
	if req.Fingerprint != "" {
		fpHash = fingerprint.Hash(req.Fingerprint)
		existing, err := s.store.GetFingerprint(ctx, fpHash)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Error().Err(err).Msg("Failed to check fingerprint")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		if existing != nil && existing.WalletAddress != req.WalletAddress {
			c.JSON(http.StatusConflict, gin.H{"error": "Device fingerprint already bound to another wallet"})
			return
		}
	}

	node := &types.Node{
		DeviceID:        req.DeviceID,
		WalletAddress:   req.WalletAddress,
		Tier:            tier,
		CapabilityTier:  1,
		H3Cell:          req.H3Cell,
		Reputation:      types.StartingReputation,
		TrustWeek:       1,
		IsActive:        true,
		FingerprintHash: fpHash,
	}
	if err := s.store.CreateNode(c.Request.Context(), node); err != nil {
		if errors.Is(err, store.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "Device already registered"})
			return
		}
		s.logger.Error().Err(err).Msg("Failed to create node")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if fpHash != "" {
		err := s.store.BindFingerprint(ctx, &types.DeviceFingerprint{
			FingerprintHash: fpHash,
			DeviceID:        req.DeviceID,
			WalletAddress:   req.WalletAddress,
		})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			s.logger.Warn().Err(err).Msg("Failed to bind fingerprint")
		}
	}

	// 初始化连续在线记录
	if _, err := s.store.GetStreak(ctx, req.WalletAddress); errors.Is(err, store.ErrNotFound) {
		if err := s.store.UpsertStreak(ctx, &types.Streak{WalletAddress: req.WalletAddress}); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to init streak")
		}
	}

	s.logger.Info().
		Str("device_id", req.DeviceID).
		Str("wallet", req.WalletAddress).
		Int("tier", tier).
		Msg("Node registered")

	c.JSON(http.StatusCreated, gin.H{
		"deviceId":   node.DeviceID,
		"tier":       node.Tier,
		"reputation": node.Reputation,
		"trustWeek":  node.TrustWeek,
	})
}

// HandleBenchmark 处理基准测试上报, 据此划分能力层级
func (s *NodeService) HandleBenchmark(c *gin.Context) {
	var req struct {
		DeviceID    string `json:"deviceId" binding:"required"`
		CPUScoreMs  int    `json:"cpuScoreMs" binding:"required"`
		Cores       int    `json:"cores" binding:"required"`
		MaxMemoryMb int    `json:"maxMemoryMb" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	ctx := c.Request.Context()
	if _, err := s.store.GetNode(ctx, req.DeviceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not registered"})
			return
		}
		s.logger.Error().Err(err).Msg("Failed to get node")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	bench := types.Benchmark{
		CPUScoreMs:  req.CPUScoreMs,
		Cores:       req.Cores,
		MaxMemoryMb: req.MaxMemoryMb,
	}
	tier := bench.CapabilityTier()

	if err := s.store.UpdateNodeFields(ctx, req.DeviceID, map[string]interface{}{
		"capability_tier": tier,
	}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to update capability tier")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	s.logger.Info().
		Str("device_id", req.DeviceID).
		Int("capability_tier", tier).
		Msg("Benchmark recorded")

	c.JSON(http.StatusOK, gin.H{"capabilityTier": tier})
}
