package services

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"planet-backend/pkg/config"
	"planet-backend/pkg/rewards"
	"planet-backend/pkg/store"
	"planet-backend/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ReferralService 推荐码服务
type ReferralService struct {
	config *config.ServerConfig
	logger zerolog.Logger
	store  store.Store
}

// NewReferralService 创建推荐服务实例
func NewReferralService(cfg *config.ServerConfig, logger zerolog.Logger, store store.Store) *ReferralService {
	return &ReferralService{
		config: cfg,
		logger: logger.With().Str("service", "referral").Logger(),
		store:  store,
	}
}

// RegisterRoutes 注册路由
func (s *ReferralService) RegisterRoutes(r *gin.Engine) {
	ref := r.Group("/api/referral")
	{
		ref.POST("/create", s.HandleCreate)
		ref.POST("/redeem", s.HandleRedeem)
	}
}

// newCode 从钱包与当前时间派生短推荐码
func newCode(wallet string) string {
	sum := sha256.Sum256([]byte(wallet + time.Now().String()))
	return "POH-" + strings.ToUpper(hex.EncodeToString(sum[:])[:8])
}

// HandleCreate 为钱包签发推荐码
func (s *ReferralService) HandleCreate(c *gin.Context) {
	var req struct {
		WalletAddress string `json:"walletAddress" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	ref := &types.Referral{
		Code:           newCode(req.WalletAddress),
		ReferrerWallet: req.WalletAddress,
	}
	if err := s.store.CreateReferral(c.Request.Context(), ref); err != nil {
		s.logger.Error().Err(err).Msg("Failed to create referral")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"code": ref.Code})
}

// HandleRedeem 被邀请方兑换推荐码, 双方获得 30 天加成
func (s *ReferralService) HandleRedeem(c *gin.Context) {
	var req struct {
		Code          string `json:"code" binding:"required"`
		WalletAddress string `json:"walletAddress" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	ctx := c.Request.Context()
	ref, err := s.store.GetReferralByCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Invalid referral code"})
			return
		}
		s.logger.Error().Err(err).Msg("Failed to get referral")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if ref.ReferrerWallet == req.WalletAddress {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot redeem own referral code"})
		return
	}
	if ref.InviteeWallet != "" {
		c.JSON(http.StatusConflict, gin.H{"error": "Referral code already redeemed"})
		return
	}

	expiresAt := time.Now().Add(rewards.ReferralDurationDays * 24 * time.Hour)
	if err := s.store.RedeemReferral(ctx, ref.ID, req.WalletAddress, expiresAt); err != nil {
		if errors.Is(err, store.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "Referral code already redeemed"})
			return
		}
		s.logger.Error().Err(err).Msg("Failed to redeem referral")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	s.logger.Info().
		Str("code", req.Code).
		Str("referrer", ref.ReferrerWallet).
		Str("invitee", req.WalletAddress).
		Msg("Referral redeemed")

	c.JSON(http.StatusOK, gin.H{
		"ok":             true,
		"bonusExpiresAt": expiresAt,
	})
}
