package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"planet-backend/pkg/config"
	"planet-backend/pkg/ratelimit"
	"planet-backend/pkg/store"
	"planet-backend/pkg/tasks"
	"planet-backend/pkg/types"
	"planet-backend/pkg/verify"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ConsensusService 结果提交与共识裁决服务
type ConsensusService struct {
	config  *config.ServerConfig
	logger  zerolog.Logger
	store   store.Store
	limiter *ratelimit.Limiter
	ledger  *LedgerService
	ai      *verify.AIClient
}

// NewConsensusService 创建共识服务实例
func NewConsensusService(cfg *config.ServerConfig, logger zerolog.Logger, st store.Store,
	limiter *ratelimit.Limiter, ledger *LedgerService) *ConsensusService {
	s := &ConsensusService{
		config:  cfg,
		logger:  logger.With().Str("service", "consensus").Logger(),
		store:   st,
		limiter: limiter,
		ledger:  ledger,
	}
	if cfg.Verifier.URL != "" {
		s.ai = verify.NewAIClient(cfg.Verifier.URL,
			time.Duration(cfg.Verifier.TimeoutSeconds)*time.Second)
	}
	return s
}

// RegisterRoutes 注册路由
func (s *ConsensusService) RegisterRoutes(r *gin.Engine) {
	r.POST("/api/mine/submit", s.HandleSubmit)
}

// HandleSubmit 接收计算结果, 先抽检后共识
func (s *ConsensusService) HandleSubmit(c *gin.Context) {
	var req struct {
		DeviceID      string          `json:"deviceId" binding:"required"`
		TaskID        string          `json:"taskId" binding:"required"`
		Result        json.RawMessage `json:"result" binding:"required"`
		ComputeTimeMs int64           `json:"computeTimeMs"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	ctx := c.Request.Context()
	if !s.limiter.Allow(ctx, "submit:"+req.DeviceID, ratelimit.LimitSubmit) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many submissions"})
		return
	}

	task, err := s.store.GetTask(ctx, req.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
			return
		}
		s.logger.Error().Err(err).Msg("Failed to get task")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	assignment, err := s.store.GetOpenAssignment(ctx, req.DeviceID, req.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No open assignment for this task"})
			return
		}
		s.logger.Error().Err(err).Msg("Failed to get assignment")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	canonical, err := tasks.CanonicalJSON(req.Result)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Result is not valid JSON"})
		return
	}

	if err := s.store.SubmitResult(ctx, assignment.ID, req.Result, canonical, req.ComputeTimeMs); err != nil {
		s.logger.Error().Err(err).Msg("Failed to record submission")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	// 抽检: 命中且参考比对失败时立即记罚, 不等共识
	if task.Type != types.TaskTypePeerVerify && verify.ShouldSpotCheck(req.DeviceID, req.TaskID) {
		outcome, err := s.runSpotCheck(task, req.Result)
		if err != nil {
			s.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("Spot check errored")
		} else if !outcome.Passed {
			if err := s.ledger.RecordFailure(ctx, req.DeviceID, req.TaskID, types.FailureReferenceMismatch); err != nil {
				s.logger.Error().Err(err).Msg("Failed to record spot check failure")
			}
			c.JSON(http.StatusOK, gin.H{
				"verified":  false,
				"spotCheck": "failed",
				"deviation": outcome.Deviation,
				"tolerance": outcome.Tolerance,
			})
			return
		}
	}

	if task.Type == types.TaskTypePeerVerify {
		s.resolvePeerVerify(c, task, req.DeviceID)
		return
	}
	s.resolveCompute(c, task, req.DeviceID, req.Result, req.ComputeTimeMs)
}

func (s *ConsensusService) runSpotCheck(task *types.Task, result json.RawMessage) (verify.SpotCheckOutcome, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return verify.SpotCheckOutcome{}, err
	}
	var submitted map[string]interface{}
	if err := json.Unmarshal(result, &submitted); err != nil {
		return verify.SpotCheckOutcome{}, err
	}
	return verify.SpotCheck(task.Type, payload, submitted), nil
}

// resolveCompute 计算任务共识: 按规范化结果值分组, 最大组 ≥2 胜出
func (s *ConsensusService) resolveCompute(c *gin.Context, task *types.Task, deviceID string,
	result json.RawMessage, computeTimeMs int64) {
	ctx := c.Request.Context()

	submissions, err := s.store.ListSubmissions(ctx, task.TaskID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list submissions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if len(submissions) < types.QuorumMin {
		c.JSON(http.StatusOK, gin.H{
			"verified":    nil,
			"status":      "awaiting",
			"submissions": len(submissions),
			"quorum":      types.QuorumTarget,
		})
		return
	}

	winners, outliers := splitByConsensus(submissions)
	if winners == nil {
		c.JSON(http.StatusOK, gin.H{
			"verified":    nil,
			"status":      "awaiting",
			"submissions": len(submissions),
			"quorum":      types.QuorumTarget,
		})
		return
	}

	inWinners := false
	for _, w := range winners {
		if w.DeviceID == deviceID {
			inWinners = true
			break
		}
	}

	// 共识达成后再询问异常检测服务, 否决票直接作废整个任务
	if verdict := s.consultVerifier(ctx, task, result, computeTimeMs, submissions); verdict != nil && verdict.Rejected() {
		closed, err := s.store.CloseTask(ctx, task.TaskID, types.TaskStatusAssigned, types.TaskStatusAIRejected)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to close rejected task")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		if closed {
			flags := strings.Join(verdict.Flags, ",")
			for _, sub := range submissions {
				if err := s.store.SetAssignmentAIVerdict(ctx, sub.ID, verdict.Confidence, flags); err != nil {
					s.logger.Warn().Err(err).Msg("Failed to record verdict")
				}
			}
			s.logger.Warn().
				Str("task_id", task.TaskID).
				Float64("confidence", verdict.Confidence).
				Msg("Task rejected by verifier")
		}
		c.JSON(http.StatusOK, gin.H{
			"verified":   false,
			"aiRejected": true,
			"confidence": verdict.Confidence,
			"flags":      verdict.Flags,
		})
		return
	}

	closed, err := s.store.CloseTask(ctx, task.TaskID, types.TaskStatusAssigned, types.TaskStatusCompleted)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to close task")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if closed {
		s.settleCompute(ctx, task, winners, outliers)
	}

	c.JSON(http.StatusOK, gin.H{
		"verified":    inWinners,
		"status":      "consensus",
		"matched":     len(winners),
		"submissions": len(submissions),
	})
}

// settleCompute 任务关闭后的一次性结算: 共识组计分, 离群组记罚
func (s *ConsensusService) settleCompute(ctx context.Context, task *types.Task,
	winners, outliers []*types.Assignment) {
	epochNumber := s.activeEpochNumber(ctx)

	for _, w := range winners {
		if err := s.store.SetAssignmentMatch(ctx, w.ID, true); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to mark consensus member")
		}
		if err := s.store.AppendPointRecord(ctx, &types.PointRecord{
			DeviceID:        w.DeviceID,
			Epoch:           epochNumber,
			Points:          1,
			TasksCompleted:  1,
			QualityVerified: true,
		}); err != nil {
			s.logger.Error().Err(err).Str("device_id", w.DeviceID).Msg("Failed to award point")
		}
	}
	for _, o := range outliers {
		if err := s.store.SetAssignmentMatch(ctx, o.ID, false); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to mark outlier")
		}
		if err := s.ledger.RecordFailure(ctx, o.DeviceID, task.TaskID, types.FailureConsensusOutlier); err != nil {
			s.logger.Error().Err(err).Str("device_id", o.DeviceID).Msg("Failed to penalize outlier")
		}
	}

	s.logger.Info().
		Str("task_id", task.TaskID).
		Int("winners", len(winners)).
		Int("outliers", len(outliers)).
		Msg("Task closed by consensus")
}

// resolvePeerVerify 同行核验: 三票布尔表决, 两票定论
func (s *ConsensusService) resolvePeerVerify(c *gin.Context, task *types.Task, deviceID string) {
	ctx := c.Request.Context()

	submissions, err := s.store.ListSubmissions(ctx, task.TaskID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list submissions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if len(submissions) < types.QuorumTarget {
		c.JSON(http.StatusOK, gin.H{
			"verified":    nil,
			"status":      "awaiting",
			"submissions": len(submissions),
			"quorum":      types.QuorumTarget,
		})
		return
	}

	votes := make(map[string]bool, len(submissions))
	confirms := 0
	for _, sub := range submissions {
		var body struct {
			Confirm bool `json:"confirm"`
		}
		if err := json.Unmarshal(sub.Result, &body); err != nil {
			s.logger.Warn().Err(err).Str("assignment", sub.ID).Msg("Unreadable vote")
			continue
		}
		votes[sub.DeviceID] = body.Confirm
		if body.Confirm {
			confirms++
		}
	}
	majority := confirms >= types.QuorumMin

	closed, err := s.store.CloseTask(ctx, task.TaskID, types.TaskStatusAssigned, types.TaskStatusCompleted)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to close verification task")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if closed {
		s.settlePeerVerify(ctx, task, submissions, votes, majority)
	}

	c.JSON(http.StatusOK, gin.H{
		"verified": votes[deviceID] == majority,
		"status":   "consensus",
		"outcome":  map[bool]string{true: "confirmed", false: "rejected"}[majority],
	})
}

func (s *ConsensusService) settlePeerVerify(ctx context.Context, task *types.Task,
	submissions []*types.Assignment, votes map[string]bool, majority bool) {
	if task.ClaimID != nil {
		fraud := !majority
		if err := s.store.ResolveClaim(ctx, *task.ClaimID, majority, fraud); err != nil {
			s.logger.Error().Err(err).Uint("claim_id", *task.ClaimID).Msg("Failed to resolve claim")
		}
		if fraud {
			claim, err := s.store.GetClaim(ctx, *task.ClaimID)
			if err == nil && claim.DeviceID != "" {
				if err := s.ledger.RecordFailure(ctx, claim.DeviceID, task.TaskID, types.FailureClaimFraud); err != nil {
					s.logger.Error().Err(err).Msg("Failed to penalize fraudulent claimant")
				}
			}
		}
	}

	epochNumber := s.activeEpochNumber(ctx)
	for _, sub := range submissions {
		vote, ok := votes[sub.DeviceID]
		withMajority := ok && vote == majority
		if err := s.store.SetAssignmentMatch(ctx, sub.ID, withMajority); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to mark vote")
		}
		if !withMajority {
			continue
		}
		if err := s.store.AppendPointRecord(ctx, &types.PointRecord{
			DeviceID:        sub.DeviceID,
			Epoch:           epochNumber,
			Points:          1,
			TasksCompleted:  1,
			QualityVerified: true,
		}); err != nil {
			s.logger.Error().Err(err).Str("device_id", sub.DeviceID).Msg("Failed to award point")
		}
	}

	s.logger.Info().
		Str("task_id", task.TaskID).
		Bool("confirmed", majority).
		Msg("Claim verification closed")
}

func (s *ConsensusService) consultVerifier(ctx context.Context, task *types.Task,
	result json.RawMessage, computeTimeMs int64, submissions []*types.Assignment) *verify.AIVerdict {
	if s.ai == nil {
		return nil
	}

	var own map[string]interface{}
	if err := json.Unmarshal(result, &own); err != nil {
		return nil
	}
	var peers []map[string]interface{}
	for _, sub := range submissions {
		var m map[string]interface{}
		if err := json.Unmarshal(sub.Result, &m); err == nil {
			peers = append(peers, m)
		}
	}

	verdict, err := s.ai.Verify(ctx, task.Type, own, computeTimeMs, peers)
	if err != nil {
		// 核验服务不可用, 降级为纯共识
		s.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("Verifier unavailable, consensus only")
		return nil
	}
	return verdict
}

func (s *ConsensusService) activeEpochNumber(ctx context.Context) int {
	epoch, err := s.store.GetActiveEpoch(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("No active epoch for point award")
		return 0
	}
	return epoch.Number
}

// splitByConsensus 把已提交分配按规范化结果分组.
// 最大组 ≥2 即为共识组, 并列时取含字典序最小设备号的组; 无共识返回 nil
func splitByConsensus(submissions []*types.Assignment) (winners, outliers []*types.Assignment) {
	groups := make(map[string][]*types.Assignment)
	for _, sub := range submissions {
		groups[sub.CanonicalResult] = append(groups[sub.CanonicalResult], sub)
	}

	minDevice := func(g []*types.Assignment) string {
		min := g[0].DeviceID
		for _, a := range g[1:] {
			if a.DeviceID < min {
				min = a.DeviceID
			}
		}
		return min
	}

	var winnerKey string
	for key, group := range groups {
		if len(group) < types.QuorumMin {
			continue
		}
		if winnerKey == "" {
			winnerKey = key
			continue
		}
		best := groups[winnerKey]
		switch {
		case len(group) > len(best):
			winnerKey = key
		case len(group) == len(best) && minDevice(group) < minDevice(best):
			winnerKey = key
		}
	}
	if winnerKey == "" {
		return nil, nil
	}

	winners = groups[winnerKey]
	for key, group := range groups {
		if key != winnerKey {
			outliers = append(outliers, group...)
		}
	}
	sort.Slice(outliers, func(i, j int) bool { return outliers[i].DeviceID < outliers[j].DeviceID })
	return winners, outliers
}
