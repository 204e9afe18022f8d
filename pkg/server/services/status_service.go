package services

import (
	"errors"
	"net/http"
	"time"

	"planet-backend/pkg/config"
	"planet-backend/pkg/store"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// StatusService 服务健康状态
type StatusService struct {
	config    *config.ServerConfig
	logger    zerolog.Logger
	store     store.Store
	startedAt time.Time
}

// NewStatusService 创建状态服务实例
func NewStatusService(cfg *config.ServerConfig, logger zerolog.Logger, store store.Store) *StatusService {
	return &StatusService{
		config:    cfg,
		logger:    logger.With().Str("service", "status").Logger(),
		store:     store,
		startedAt: time.Now(),
	}
}

// RegisterRoutes 注册路由
func (s *StatusService) RegisterRoutes(r *gin.Engine) {
	r.GET("/api/status", s.HandleGetStatus)
}

// HandleGetStatus 返回进程与存储健康信息
func (s *StatusService) HandleGetStatus(c *gin.Context) {
	ctx := c.Request.Context()

	storeOK := true
	epochNumber := 0
	epoch, err := s.store.GetActiveEpoch(ctx)
	switch {
	case err == nil:
		epochNumber = epoch.Number
	case errors.Is(err, store.ErrNotFound):
		// 存储可达但还没有活跃周期
	default:
		storeOK = false
	}

	activeNodes := 0
	if nodes, err := s.store.ListNodes(ctx, store.NodeFilter{ActiveOnly: true}); err == nil {
		activeNodes = len(nodes)
	}

	sys := gin.H{}
	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		sys["cpu_percent"] = cpuPercent[0]
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		sys["memory_percent"] = memInfo.UsedPercent
	}
	if hostInfo, err := host.Info(); err == nil {
		sys["hostname"] = hostInfo.Hostname
		sys["host_uptime"] = hostInfo.Uptime
	}

	status := http.StatusOK
	if !storeOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"ok":          storeOK,
		"uptime":      time.Since(s.startedAt).Seconds(),
		"activeEpoch": epochNumber,
		"activeNodes": activeNodes,
		"system":      sys,
	})
}
