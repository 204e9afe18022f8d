package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"planet-backend/pkg/config"
	"planet-backend/pkg/ratelimit"
	"planet-backend/pkg/rewards"
	"planet-backend/pkg/server/services"
	"planet-backend/pkg/store"
	"planet-backend/pkg/types"
)

// Server 服务器结构
type Server struct {
	config *config.ServerConfig
	logger zerolog.Logger
	store  store.Store

	// 服务实例
	nodeService      *services.NodeService
	schedulerService *services.SchedulerService
	consensusService *services.ConsensusService
	ledgerService    *services.LedgerService
	heartbeatService *services.HeartbeatService
	epochService     *services.EpochService
	rewardsService   *services.RewardsService
	referralService  *services.ReferralService
	claimsService    *services.ClaimsService
	statusService    *services.StatusService

	httpServer *http.Server
}

// New 创建服务器实例
func New(cfg *config.ServerConfig, logger zerolog.Logger) (*Server, error) {
	// 创建存储实例
	st, err := store.NewStore(&store.Config{
		Type: cfg.Storage.Type,
		SQLite: store.SQLiteConfig{
			Path: cfg.Storage.SQLite.Path,
		},
		Postgres: store.PostgresConfig{
			Host:     cfg.Storage.Postgres.Host,
			Port:     cfg.Storage.Postgres.Port,
			User:     cfg.Storage.Postgres.User,
			Password: cfg.Storage.Postgres.Password,
			DBName:   cfg.Storage.Postgres.DBName,
			SSLMode:  cfg.Storage.Postgres.SSLMode,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	limiter := ratelimit.NewLimiter(st)

	// 创建服务实例
	ledgerService := services.NewLedgerService(cfg, logger, st)
	nodeService := services.NewNodeService(cfg, logger, st, limiter)
	schedulerService := services.NewSchedulerService(cfg, logger, st, limiter)
	consensusService := services.NewConsensusService(cfg, logger, st, limiter, ledgerService)
	heartbeatService := services.NewHeartbeatService(cfg, logger, st)
	epochService := services.NewEpochService(cfg, logger, st)
	rewardsService := services.NewRewardsService(cfg, logger, st)
	referralService := services.NewReferralService(cfg, logger, st)
	claimsService := services.NewClaimsService(cfg, logger, st)
	statusService := services.NewStatusService(cfg, logger, st)

	if !cfg.Log.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	// 注册HTTP路由
	nodeService.RegisterRoutes(engine)
	schedulerService.RegisterRoutes(engine)
	consensusService.RegisterRoutes(engine)
	ledgerService.RegisterRoutes(engine)
	heartbeatService.RegisterRoutes(engine)
	epochService.RegisterRoutes(engine)
	rewardsService.RegisterRoutes(engine)
	referralService.RegisterRoutes(engine)
	claimsService.RegisterRoutes(engine)
	statusService.RegisterRoutes(engine)

	srv := &Server{
		config:           cfg,
		logger:           logger.With().Str("component", "server").Logger(),
		store:            st,
		nodeService:      nodeService,
		schedulerService: schedulerService,
		consensusService: consensusService,
		ledgerService:    ledgerService,
		heartbeatService: heartbeatService,
		epochService:     epochService,
		rewardsService:   rewardsService,
		referralService:  referralService,
		claimsService:    claimsService,
		statusService:    statusService,
		httpServer: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler: engine,
		},
	}

	if err := srv.ensureActiveEpoch(); err != nil {
		return nil, fmt.Errorf("ensuring active epoch: %w", err)
	}
	return srv, nil
}

// ensureActiveEpoch 启动时保证存在一个活跃周期
func (s *Server) ensureActiveEpoch() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.store.GetActiveEpoch(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	start := time.Now().UTC().Truncate(24 * time.Hour)
	epoch := &types.Epoch{
		Number:     1,
		StartDate:  start,
		EndDate:    start.AddDate(0, 0, 6),
		WeeklyPool: rewards.WeeklyPool(start),
		Status:     types.EpochStatusActive,
	}
	if err := s.store.CreateEpoch(ctx, epoch); err != nil {
		return err
	}
	s.logger.Info().Int("epoch", epoch.Number).Msg("Opened initial epoch")
	return nil
}

// Start 启动服务器
func (s *Server) Start() error {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.logger.Info().
		Str("address", s.httpServer.Addr).
		Msg("Server started")
	return nil
}

// Stop 停止服务器
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing store")
	}

	s.logger.Info().Msg("Server stopped")
	return nil
}
