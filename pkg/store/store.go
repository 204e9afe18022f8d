package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"planet-backend/pkg/types"
)

// 存储层哨兵错误，服务层据此映射 HTTP 状态码
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// NodeFilter 定义节点过滤条件
type NodeFilter struct {
	Wallet     string
	Tier       *int
	ActiveOnly bool
	DeviceIDs  []string
}

// Store 定义存储接口
type Store interface {
	// Node operations
	CreateNode(ctx context.Context, node *types.Node) error
	GetNode(ctx context.Context, deviceID string) (*types.Node, error)
	ListNodes(ctx context.Context, filter NodeFilter) ([]*types.Node, error)
	UpdateNodeFields(ctx context.Context, deviceID string, fields map[string]interface{}) error
	DeactivateNode(ctx context.Context, deviceID string, resetReputation bool) error
	DeactivateStaleNodes(ctx context.Context, cutoff time.Time) ([]string, error)
	TouchHeartbeat(ctx context.Context, deviceID string, at time.Time) error

	// Fingerprint operations
	GetFingerprint(ctx context.Context, hash string) (*types.DeviceFingerprint, error)
	BindFingerprint(ctx context.Context, fp *types.DeviceFingerprint) error

	// Task operations
	CreateTaskWithAssignment(ctx context.Context, task *types.Task, assignment *types.Assignment) error
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	ClaimUnderReplicatedTask(ctx context.Context, deviceID string, quorum int) (*types.Task, error)
	CloseTask(ctx context.Context, taskID string, from, to types.TaskStatus) (bool, error)

	// Assignment operations
	CreateAssignment(ctx context.Context, a *types.Assignment) error
	GetOpenAssignment(ctx context.Context, deviceID, taskID string) (*types.Assignment, error)
	GetOpenAssignmentForDevice(ctx context.Context, deviceID string) (*types.Assignment, error)
	SubmitResult(ctx context.Context, assignmentID string, result []byte, canonical string, computeTimeMs int64) error
	ListSubmissions(ctx context.Context, taskID string) ([]*types.Assignment, error)
	SetAssignmentMatch(ctx context.Context, assignmentID string, match bool) error
	SetAssignmentAIVerdict(ctx context.Context, assignmentID string, confidence float64, flags string) error
	CountAssignments(ctx context.Context, deviceID string, since time.Time, submittedOnly bool) (int64, error)
	CountVerifiedAssignments(ctx context.Context, deviceID string, since time.Time) (int64, error)

	// Reputation / quality / points
	AppendFailure(ctx context.Context, rec *types.FailureRecord) error
	CountFailuresSince(ctx context.Context, deviceID string, since time.Time) (int64, error)
	UpsertQualityScore(ctx context.Context, score *types.QualityScore) error
	AppendPointRecord(ctx context.Context, rec *types.PointRecord) error
	ListPointRecords(ctx context.Context, epoch int) ([]*types.PointRecord, error)
	ListPointRecordsForDevices(ctx context.Context, epoch int, deviceIDs []string) ([]*types.PointRecord, error)

	// Claim operations
	CreateClaim(ctx context.Context, claim *types.Claim) error
	GetClaim(ctx context.Context, id uint) (*types.Claim, error)
	NextUnverifiedClaim(ctx context.Context) (*types.Claim, error)
	ResolveClaim(ctx context.Context, id uint, verified, fraud bool) error

	// Epoch operations
	GetActiveEpoch(ctx context.Context) (*types.Epoch, error)
	CreateEpoch(ctx context.Context, epoch *types.Epoch) error
	CloseEpoch(ctx context.Context, number int, root string, totalPoints float64, totalDevices int) (bool, error)

	// Reward operations
	UpsertReward(ctx context.Context, reward *types.Reward) error
	ListRewards(ctx context.Context, wallet string) ([]*types.Reward, error)

	// Referral / streak operations
	CreateReferral(ctx context.Context, ref *types.Referral) error
	GetReferralByCode(ctx context.Context, code string) (*types.Referral, error)
	RedeemReferral(ctx context.Context, id uint, invitee string, expiresAt time.Time) error
	ListActiveReferrals(ctx context.Context, now time.Time) ([]*types.Referral, error)
	GetStreak(ctx context.Context, wallet string) (*types.Streak, error)
	UpsertStreak(ctx context.Context, streak *types.Streak) error

	// Heartbeat log
	RecordHeartbeat(ctx context.Context, hb *types.Heartbeat) error
	CountHeartbeatsSince(ctx context.Context, deviceID string, since time.Time) (int64, error)

	// Rate limiting
	CountRateLimit(ctx context.Context, key string, since time.Time) (int64, error)
	AddRateLimit(ctx context.Context, key string, at time.Time) error
	CleanupRateLimits(ctx context.Context, cutoff time.Time) error

	// Maintenance
	Close() error
}

// Config 存储配置
type Config struct {
	Type     string         `json:"type"` // sqlite, postgres
	SQLite   SQLiteConfig   `json:"sqlite"`
	Postgres PostgresConfig `json:"postgres"`
}

// SQLiteConfig SQLite配置
type SQLiteConfig struct {
	Path string `json:"path"`
}

// PostgresConfig PostgreSQL配置
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

// NewStore 创建存储实例
func NewStore(cfg *Config) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	switch cfg.Type {
	case "sqlite":
		return NewSQLiteStore(cfg.SQLite)
	case "postgres":
		return NewPostgreStore(cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
