package services

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"planet-backend/pkg/config"
	"planet-backend/pkg/store"
	"planet-backend/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
)

// ClaimsService 外部贡献声明与验证者确认服务
type ClaimsService struct {
	config *config.ServerConfig
	logger zerolog.Logger
	store  store.Store
}

// NewClaimsService 创建声明服务实例
func NewClaimsService(cfg *config.ServerConfig, logger zerolog.Logger, store store.Store) *ClaimsService {
	return &ClaimsService{
		config: cfg,
		logger: logger.With().Str("service", "claims").Logger(),
		store:  store,
	}
}

// RegisterRoutes 注册路由
func (s *ClaimsService) RegisterRoutes(r *gin.Engine) {
	r.POST("/api/claims", s.HandleCreateClaim)
	r.POST("/api/validate/task", s.HandleValidateTask)
}

// HandleCreateClaim 记录外部贡献声明, 排队等待同行核验
func (s *ClaimsService) HandleCreateClaim(c *gin.Context) {
	var req struct {
		WalletAddress string          `json:"walletAddress" binding:"required"`
		DeviceID      string          `json:"deviceId" binding:"required"`
		Kind          string          `json:"kind" binding:"required"`
		Payload       json.RawMessage `json:"payload" binding:"required"`
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

	claim := &types.Claim{
		WalletAddress: req.WalletAddress,
		DeviceID:      req.DeviceID,
		Kind:          req.Kind,
		Payload:       datatypes.JSON(req.Payload),
	}
	if err := s.store.CreateClaim(ctx, claim); err != nil {
		s.logger.Error().Err(err).Msg("Failed to create claim")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"claimId": claim.ID, "status": "pending_verification"})
}

// HandleValidateTask 验证者对任务结果的人工确认, 记一票并计 1 分
func (s *ClaimsService) HandleValidateTask(c *gin.Context) {
	var req struct {
		ValidatorDeviceID string `json:"validatorDeviceId" binding:"required"`
		TaskID            string `json:"taskId" binding:"required"`
		IsValid           *bool  `json:"isValid" binding:"required"`
		Notes             string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	ctx := c.Request.Context()
	node, err := s.store.GetNode(ctx, req.ValidatorDeviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not registered"})
			return
		}
		s.logger.Error().Err(err).Msg("Failed to get node")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if node.Tier != types.TierValidator || !node.IsActive {
		c.JSON(http.StatusForbidden, gin.H{"error": "Device is not an active validator"})
		return
	}

	if _, err := s.store.GetTask(ctx, req.TaskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
			return
		}
		s.logger.Error().Err(err).Msg("Failed to get task")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	body, _ := json.Marshal(gin.H{"isValid": *req.IsValid, "notes": req.Notes})
	now := time.Now()
	isMatch := *req.IsValid
	assignment := &types.Assignment{
		TaskID:      req.TaskID,
		DeviceID:    req.ValidatorDeviceID,
		Result:      body,
		SubmittedAt: &now,
		IsMatch:     &isMatch,
	}
	if err := s.store.CreateAssignment(ctx, assignment); err != nil {
		if errors.Is(err, store.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "Validator already confirmed this task"})
			return
		}
		s.logger.Error().Err(err).Msg("Failed to record confirmation")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	epochNumber := 0
	if epoch, err := s.store.GetActiveEpoch(ctx); err == nil {
		epochNumber = epoch.Number
	}
	if err := s.store.AppendPointRecord(ctx, &types.PointRecord{
		DeviceID:        req.ValidatorDeviceID,
		Epoch:           epochNumber,
		Points:          1,
		TasksCompleted:  1,
		QualityVerified: true,
	}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to award validator point")
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "pointsEarned": 1})
}
