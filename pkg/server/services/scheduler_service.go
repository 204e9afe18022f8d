package services

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"planet-backend/pkg/config"
	"planet-backend/pkg/ratelimit"
	"planet-backend/pkg/store"
	"planet-backend/pkg/tasks"
	"planet-backend/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// claimTaskPriority 同行核验任务优先级, 高于常规计算任务
const claimTaskPriority = 10

// SchedulerService 任务分发服务
// 分发顺序: 已有未提交分配 → 欠副本任务补位 → 铸造新任务
type SchedulerService struct {
	config  *config.ServerConfig
	logger  zerolog.Logger
	store   store.Store
	limiter *ratelimit.Limiter
	live    *tasks.LiveSource

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSchedulerService 创建任务分发服务实例
func NewSchedulerService(cfg *config.ServerConfig, logger zerolog.Logger, st store.Store, limiter *ratelimit.Limiter) *SchedulerService {
	s := &SchedulerService{
		config:  cfg,
		logger:  logger.With().Str("service", "scheduler").Logger(),
		store:   st,
		limiter: limiter,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.LiveData.Enabled {
		s.live = tasks.NewLiveSource(cfg.LiveData.USGSFeedURL,
			time.Duration(cfg.LiveData.TimeoutSeconds)*time.Second)
	}
	return s
}

// RegisterRoutes 注册路由
func (s *SchedulerService) RegisterRoutes(r *gin.Engine) {
	r.GET("/api/mine/task", s.HandleGetTask)
}

// HandleGetTask 为设备分发一个任务
func (s *SchedulerService) HandleGetTask(c *gin.Context) {
	deviceID := c.Query("deviceId")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "deviceId is required"})
		return
	}

	ctx := c.Request.Context()
	node, err := s.store.GetNode(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Device not registered"})
			return
		}
		s.logger.Error().Err(err).Msg("Failed to get node")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if !node.IsActive {
		c.JSON(http.StatusForbidden, gin.H{"error": "Device is deactivated"})
		return
	}

	if !s.limiter.Allow(ctx, "task:"+deviceID, ratelimit.LimitTaskRequest) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many task requests"})
		return
	}

	// 设备已有未提交的分配, 重发同一任务
	if open, err := s.store.GetOpenAssignmentForDevice(ctx, deviceID); err == nil {
		task, err := s.store.GetTask(ctx, open.TaskID)
		if err == nil {
			s.respondTask(c, task, open.ID, true)
			return
		}
		s.logger.Error().Err(err).Str("task_id", open.TaskID).Msg("Open assignment without task")
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Error().Err(err).Msg("Failed to look up open assignment")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	// 优先补齐欠副本任务, 凑满共识法定数量
	if task, err := s.store.ClaimUnderReplicatedTask(ctx, deviceID, types.QuorumTarget); err == nil {
		open, err := s.store.GetOpenAssignment(ctx, deviceID, task.TaskID)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to load claimed assignment")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		s.respondTask(c, task, open.ID, false)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Error().Err(err).Msg("Failed to claim under-replicated task")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	task, err := s.mintTask(ctx, node)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to mint task")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	assignment := &types.Assignment{TaskID: task.TaskID, DeviceID: deviceID}
	if err := s.store.CreateTaskWithAssignment(ctx, task, assignment); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist minted task")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	s.respondTask(c, task, assignment.ID, false)
}

// mintTask 铸造新任务: 未核验声明优先, 其次实时数据源, 最后备用目录.
// 载荷在铸造时按领取设备的能力层级定型, 后续副本不再缩放
func (s *SchedulerService) mintTask(ctx context.Context, node *types.Node) (*types.Task, error) {
	if task, ok, err := s.mintClaimTask(ctx); err != nil {
		return nil, err
	} else if ok {
		return task, nil
	}

	taskType, payload, source := s.pickPayload(ctx)

	variant, err := tasks.ForType(taskType)
	if err != nil {
		return nil, err
	}
	payload = variant.Scale(payload, node.CapabilityTier)

	seed := uuid.NewString()
	payload["seed"] = seed

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &types.Task{
		TaskID:     uuid.NewString(),
		Type:       taskType,
		Payload:    raw,
		Difficulty: 1,
		Source:     source,
		Status:     types.TaskStatusAssigned,
		Version:    1,
		Seed:       seed,
	}, nil
}

func (s *SchedulerService) pickPayload(ctx context.Context) (types.TaskType, map[string]interface{}, types.TaskSource) {
	if s.live != nil {
		taskType, payload, err := s.live.Fetch(ctx)
		if err == nil {
			return taskType, payload, types.TaskSourceLive
		}
	}
	s.mu.Lock()
	taskType, payload := tasks.PickFallback(s.rnd)
	s.mu.Unlock()
	return taskType, payload, types.TaskSourceFallback
}

// mintClaimTask 把最早的未核验声明包装成同行核验任务
func (s *SchedulerService) mintClaimTask(ctx context.Context) (*types.Task, bool, error) {
	claim, err := s.store.NextUnverifiedClaim(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var claimPayload map[string]interface{}
	if len(claim.Payload) > 0 {
		if err := json.Unmarshal(claim.Payload, &claimPayload); err != nil {
			return nil, false, err
		}
	}
	payload := map[string]interface{}{
		"claimId":     float64(claim.ID),
		"claimKind":   claim.Kind,
		"claimWallet": claim.WalletAddress,
		"claim":       claimPayload,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, err
	}

	claimID := claim.ID
	return &types.Task{
		TaskID:     uuid.NewString(),
		Type:       types.TaskTypePeerVerify,
		Payload:    raw,
		Difficulty: 1,
		Source:     types.TaskSourceClaim,
		Priority:   claimTaskPriority,
		Status:     types.TaskStatusAssigned,
		Version:    1,
		Seed:       uuid.NewString(),
		ClaimID:    &claimID,
	}, true, nil
}

func (s *SchedulerService) respondTask(c *gin.Context, task *types.Task, assignmentID string, resumed bool) {
	var payload map[string]interface{}
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		s.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("Corrupt task payload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"taskId":       task.TaskID,
		"taskType":     task.Type,
		"payload":      payload,
		"difficulty":   task.Difficulty,
		"assignmentId": assignmentID,
		"resumed":      resumed,
	})
}
