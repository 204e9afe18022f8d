package services

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"planet-backend/pkg/config"
	"planet-backend/pkg/rewards"
	"planet-backend/pkg/server/middleware"
	"planet-backend/pkg/store"
	"planet-backend/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// EpochService 周期结算服务: 聚合积分, 套用加成, 建默克尔树, 关闭周期
type EpochService struct {
	config *config.ServerConfig
	logger zerolog.Logger
	store  store.Store

	// 串行化同进程内的结算触发, 跨进程由 CloseEpoch 的 CAS 兜底
	mu sync.Mutex
}

// NewEpochService 创建周期结算服务实例
func NewEpochService(cfg *config.ServerConfig, logger zerolog.Logger, store store.Store) *EpochService {
	return &EpochService{
		config: cfg,
		logger: logger.With().Str("service", "epoch").Logger(),
		store:  store,
	}
}

// RegisterRoutes 注册路由
func (s *EpochService) RegisterRoutes(r *gin.Engine) {
	cron := r.Group("/api/cron", middleware.CronAuth(s.config.Cron.Secret))
	{
		cron.POST("/epoch-close", s.HandleEpochClose)
	}
}

type walletReward struct {
	wallet      string
	totalPoints float64
	tokenAmount float64
}

// HandleEpochClose 定时任务: 关闭当前活跃周期并开启下一个.
// 关闭通过状态 CAS 完成, 并发触发时恰好一个请求执行结算
func (s *EpochService) HandleEpochClose(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := c.Request.Context()

	epoch, err := s.store.GetActiveEpoch(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No active epoch"})
			return
		}
		s.logger.Error().Err(err).Msg("Failed to load active epoch")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	records, err := s.store.ListPointRecords(ctx, epoch.Number)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load point records")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if len(records) == 0 {
		closed, err := s.store.CloseEpoch(ctx, epoch.Number, "", 0, 0)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to close empty epoch")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		if !closed {
			c.JSON(http.StatusConflict, gin.H{"error": "Epoch already closed"})
			return
		}
		if err := s.openNextEpoch(ctx, epoch); err != nil {
			s.logger.Error().Err(err).Msg("Failed to open next epoch")
		}
		c.JSON(http.StatusOK, gin.H{"epoch": epoch.Number, "message": "Epoch closed with no activity"})
		return
	}

	standings, nodes, err := s.buildStandings(ctx, epoch, records)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to build standings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	weeklyPool := rewards.WeeklyPool(epoch.EndDate)
	walletRewards, totalPoints := s.settle(standings, weeklyPool)

	daysActive := walletTenure(nodes)
	leaves := make([]rewards.RewardLeaf, 0, len(walletRewards))
	splits := make(map[string]rewards.VestingSplit, len(walletRewards))
	for _, wr := range walletRewards {
		if wr.tokenAmount <= 0 {
			continue
		}
		split := rewards.SplitReward(wr.tokenAmount, daysActive[wr.wallet])
		splits[wr.wallet] = split
		leaves = append(leaves, rewards.RewardLeaf{
			Wallet:          wr.wallet,
			ClaimableNow:    rewards.ToWei(split.ClaimableNow),
			VestingAmount:   rewards.ToWei(split.VestingAmount),
			VestingDuration: big.NewInt(int64(split.VestingDurationDays) * 24 * 60 * 60),
		})
	}

	var root string
	proofs := map[string][]string{}
	if len(leaves) > 0 {
		tree, err := rewards.BuildMerkleTree(leaves)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to build merkle tree")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		root = tree.Root
		proofs = tree.Proofs
	}

	closed, err := s.store.CloseEpoch(ctx, epoch.Number, root, totalPoints, len(standings))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to close epoch")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if !closed {
		c.JSON(http.StatusConflict, gin.H{"error": "Epoch already closed"})
		return
	}

	distributed := 0.0
	for _, wr := range walletRewards {
		if wr.tokenAmount <= 0 {
			continue
		}
		split := splits[wr.wallet]
		proofJSON, _ := json.Marshal(proofs[strings.ToLower(wr.wallet)])
		if err := s.store.UpsertReward(ctx, &types.Reward{
			WalletAddress:      wr.wallet,
			Epoch:              epoch.Number,
			TotalPoints:        wr.totalPoints,
			TokenAmount:        wr.tokenAmount,
			ClaimableNow:       split.ClaimableNow,
			VestingAmount:      split.VestingAmount,
			VestingDurationDay: split.VestingDurationDays,
			MerkleProof:        proofJSON,
		}); err != nil {
			s.logger.Error().Err(err).Str("wallet", wr.wallet).Msg("Failed to store reward")
		}
		distributed += wr.tokenAmount
	}

	s.updateStreaks(ctx, walletRewards)
	s.advanceTrustWeeks(ctx, nodes)
	if err := s.openNextEpoch(ctx, epoch); err != nil {
		s.logger.Error().Err(err).Msg("Failed to open next epoch")
	}

	s.logger.Info().
		Int("epoch", epoch.Number).
		Str("merkle_root", root).
		Float64("weekly_pool", weeklyPool).
		Float64("distributed", distributed).
		Int("wallets", len(walletRewards)).
		Msg("Epoch closed")

	c.JSON(http.StatusOK, gin.H{
		"epoch":            epoch.Number,
		"merkleRoot":       root,
		"weeklyPool":       weeklyPool,
		"totalRewards":     len(leaves),
		"totalDistributed": distributed,
	})
}

// buildStandings 聚合本周期积分并关联节点资格
func (s *EpochService) buildStandings(ctx context.Context, epoch *types.Epoch,
	records []*types.PointRecord) ([]rewards.DeviceStanding, []*types.Node, error) {
	type agg struct {
		points   float64
		tasks    int
		verified int
	}
	byDevice := make(map[string]*agg)
	for _, rec := range records {
		a := byDevice[rec.DeviceID]
		if a == nil {
			a = &agg{}
			byDevice[rec.DeviceID] = a
		}
		a.points += rec.Points
		a.tasks += rec.TasksCompleted
		if rec.QualityVerified {
			a.verified++
		}
	}

	deviceIDs := make([]string, 0, len(byDevice))
	for id := range byDevice {
		deviceIDs = append(deviceIDs, id)
	}
	nodes, err := s.store.ListNodes(ctx, store.NodeFilter{DeviceIDs: deviceIDs})
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	referrals, err := s.store.ListActiveReferrals(ctx, now)
	if err != nil {
		return nil, nil, err
	}
	referralWallets := make(map[string]bool)
	for _, ref := range referrals {
		if ref.InviteeWallet != "" {
			referralWallets[ref.ReferrerWallet] = true
			referralWallets[ref.InviteeWallet] = true
		}
	}

	streaks := make(map[string]int)
	standings := make([]rewards.DeviceStanding, 0, len(nodes))
	for _, node := range nodes {
		a := byDevice[node.DeviceID]
		if a == nil {
			continue
		}
		if _, ok := streaks[node.WalletAddress]; !ok {
			streak, err := s.store.GetStreak(ctx, node.WalletAddress)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					return nil, nil, err
				}
				streaks[node.WalletAddress] = 0
			} else {
				streaks[node.WalletAddress] = streak.CurrentStreak
			}
		}
		standings = append(standings, rewards.DeviceStanding{
			DeviceID:        node.DeviceID,
			WalletAddress:   node.WalletAddress,
			Tier:            node.Tier,
			H3Cell:          node.H3Cell,
			TrustWeek:       node.TrustWeek,
			RawPoints:       a.points,
			TasksCompleted:  a.tasks,
			QualityVerified: a.verified,
			StreakDays:      streaks[node.WalletAddress],
			ReferralActive:  referralWallets[node.WalletAddress],
		})
	}

	// 固定遍历顺序, 保证地理衰减与钱包缩放的名次可复现
	sort.Slice(standings, func(i, j int) bool { return standings[i].DeviceID < standings[j].DeviceID })
	return standings, nodes, nil
}

// settle 套用加成链后按层级奖池分摊
func (s *EpochService) settle(standings []rewards.DeviceStanding, weeklyPool float64) (map[string]*walletReward, float64) {
	walletCount := make(map[string]int)
	for _, d := range standings {
		walletCount[d.WalletAddress]++
	}

	geoSeen := make(map[string]int)
	walletSeen := make(map[string]int)
	adjusted := make(map[string]float64, len(standings))
	var dataPoints, validatorPoints float64

	for _, d := range standings {
		geoKey := d.WalletAddress + "|" + d.H3Cell
		geoRank := geoSeen[geoKey]
		geoSeen[geoKey]++
		walletRank := walletSeen[d.WalletAddress]
		walletSeen[d.WalletAddress]++

		points := rewards.AdjustPoints(d, geoRank, walletRank, walletCount[d.WalletAddress], weeklyPool)
		adjusted[d.DeviceID] = points
		if d.Tier == types.TierValidator {
			validatorPoints += points
		} else {
			dataPoints += points
		}
	}

	dataPool := weeklyPool * rewards.DataNodeShare
	validatorPool := weeklyPool * rewards.ValidatorShare

	out := make(map[string]*walletReward)
	totalPoints := 0.0
	for _, d := range standings {
		points := adjusted[d.DeviceID]
		pool, poolPoints := dataPool, dataPoints
		if d.Tier == types.TierValidator {
			pool, poolPoints = validatorPool, validatorPoints
		}
		if poolPoints == 0 {
			continue
		}

		wr := out[d.WalletAddress]
		if wr == nil {
			wr = &walletReward{wallet: d.WalletAddress}
			out[d.WalletAddress] = wr
		}
		wr.totalPoints += points
		wr.tokenAmount += points / poolPoints * pool
		totalPoints += points
	}
	return out, totalPoints
}

// updateStreaks 结算日推进连续活跃天数
func (s *EpochService) updateStreaks(ctx context.Context, walletRewards map[string]*walletReward) {
	today := time.Now().UTC().Format("2006-01-02")
	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")

	for wallet := range walletRewards {
		streak, err := s.store.GetStreak(ctx, wallet)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Warn().Err(err).Str("wallet", wallet).Msg("Failed to load streak")
				continue
			}
			streak = &types.Streak{WalletAddress: wallet}
		}

		current := streak.CurrentStreak
		switch streak.LastActiveDate {
		case yesterday:
			current++
		case today:
			// 当天已记过
		default:
			current = 1
		}

		longest := streak.LongestStreak
		if current > longest {
			longest = current
		}
		if err := s.store.UpsertStreak(ctx, &types.Streak{
			WalletAddress:  wallet,
			CurrentStreak:  current,
			LongestStreak:  longest,
			LastActiveDate: today,
		}); err != nil {
			s.logger.Warn().Err(err).Str("wallet", wallet).Msg("Failed to update streak")
		}
	}
}

// advanceTrustWeeks 按注册时长推进信任爬坡周
func (s *EpochService) advanceTrustWeeks(ctx context.Context, nodes []*types.Node) {
	now := time.Now()
	for _, node := range nodes {
		if node.TrustWeek >= len(rewards.TrustRamp) {
			continue
		}
		weeks := int(now.Sub(node.RegisteredAt)/(7*24*time.Hour)) + 1
		if weeks > len(rewards.TrustRamp) {
			weeks = len(rewards.TrustRamp)
		}
		if weeks > node.TrustWeek {
			if err := s.store.UpdateNodeFields(ctx, node.DeviceID, map[string]interface{}{
				"trust_week": weeks,
			}); err != nil {
				s.logger.Warn().Err(err).Str("device_id", node.DeviceID).Msg("Failed to advance trust week")
			}
		}
	}
}

// openNextEpoch 紧接当前周期开启下一个 7 天周期
func (s *EpochService) openNextEpoch(ctx context.Context, prev *types.Epoch) error {
	nextStart := prev.EndDate.AddDate(0, 0, 1)
	nextEnd := nextStart.AddDate(0, 0, 6)
	return s.store.CreateEpoch(ctx, &types.Epoch{
		Number:     prev.Number + 1,
		StartDate:  nextStart,
		EndDate:    nextEnd,
		WeeklyPool: rewards.WeeklyPool(nextStart),
		Status:     types.EpochStatusActive,
	})
}

// walletTenure 钱包最早注册设备的在网天数
func walletTenure(nodes []*types.Node) map[string]float64 {
	now := time.Now()
	out := make(map[string]float64)
	for _, node := range nodes {
		days := now.Sub(node.RegisteredAt).Hours() / 24
		if cur, ok := out[node.WalletAddress]; !ok || days > cur {
			out[node.WalletAddress] = days
		}
	}
	return out
}
