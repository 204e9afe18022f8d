package types

import (
	"time"

	"gorm.io/datatypes"
)

// TaskType 定义计算任务类型
type TaskType string

const (
	TaskTypeProtein    TaskType = "protein"     // 蛋白质折叠
	TaskTypeClimate    TaskType = "climate"     // 气候扩散网格
	TaskTypeSignal     TaskType = "signal"      // 地震信号分析
	TaskTypePeerVerify TaskType = "peer_verify" // 外部贡献声明的同行验证
)

// TaskStatus 定义任务状态
type TaskStatus string

const (
	TaskStatusAssigned   TaskStatus = "assigned"    // 已分发，等待共识
	TaskStatusCompleted  TaskStatus = "completed"   // 共识通过并关闭
	TaskStatusAIRejected TaskStatus = "ai_rejected" // AI 验证器否决
)

// TaskSource 任务载荷来源
type TaskSource string

const (
	TaskSourceLive     TaskSource = "live"     // 实时科学数据源
	TaskSourceFallback TaskSource = "fallback" // 静态备用数据集
	TaskSourceClaim    TaskSource = "claim"    // 外部贡献声明
)

// 共识法定数量
const (
	QuorumTarget = 3 // 每个任务的目标副本数
	QuorumMin    = 2 // 达成共识所需的最小一致提交数
)

// Task 可分发的计算工作单元，载荷创建后不可变
type Task struct {
	TaskID     string         `gorm:"primaryKey" json:"task_id"`
	Type       TaskType       `gorm:"index" json:"task_type"`
	Payload    datatypes.JSON `json:"payload"`
	Difficulty int            `json:"difficulty"` // 创建时固定，保证副本可比
	Source     TaskSource     `json:"source"`
	Priority   int            `json:"priority"`
	Status     TaskStatus     `gorm:"index" json:"status"`
	Version    int            `json:"version"`
	Seed       string         `json:"seed"`
	ClaimID    *uint          `json:"claim_id,omitempty"` // 仅 peer_verify 任务
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

// Assignment 任务与设备的分配关系
// 每个 (设备, 任务) 至多一条未提交的分配
type Assignment struct {
	ID              string         `gorm:"primaryKey" json:"id"`
	TaskID          string         `gorm:"index;uniqueIndex:idx_task_device" json:"task_id"`
	DeviceID        string         `gorm:"index;uniqueIndex:idx_task_device" json:"device_id"`
	Result          datatypes.JSON `json:"result,omitempty"`
	CanonicalResult string         `json:"-"` // 规范化序列化，用于值相等共识
	ComputeTimeMs   int64          `json:"compute_time_ms"`
	SubmittedAt     *time.Time     `gorm:"index" json:"submitted_at"`
	IsMatch         *bool          `json:"is_match"` // 共识后设置
	AIConfidence    *float64       `json:"ai_confidence,omitempty"`
	AIFlags         string         `json:"ai_flags,omitempty"`
	AssignedAt      time.Time      `gorm:"autoCreateTime;index" json:"assigned_at"`
}

// FailureKind 定义失败种类
type FailureKind string

const (
	FailureReferenceMismatch FailureKind = "reference_mismatch" // 抽查与参考结果不符
	FailureConsensusOutlier  FailureKind = "consensus_outlier"  // 共识离群
	FailureClaimFraud        FailureKind = "claim_fraud"        // 贡献声明造假
)

// FailureRecord 只追加的失败日志，用于计算梯度惩罚
type FailureRecord struct {
	ID        uint        `gorm:"primaryKey" json:"id"`
	DeviceID  string      `gorm:"index" json:"device_id"`
	TaskID    string      `json:"task_id"`
	Kind      FailureKind `json:"kind"`
	Penalty   int         `json:"penalty"`
	CreatedAt time.Time   `gorm:"autoCreateTime;index" json:"created_at"`
}

// QualityScore 设备 30 天滚动质量聚合
type QualityScore struct {
	DeviceID      string    `gorm:"primaryKey" json:"device_id"`
	TotalTasks30d int       `json:"total_tasks_30d"`
	Verified30d   int       `json:"verified_30d"`
	QualityPct    float64   `json:"quality_pct"`
	UptimePct     float64   `json:"uptime_pct"`
	ComputedAt    time.Time `json:"computed_at"`
}

// Claim 外部来源的贡献声明，是 peer_verify 任务的验证对象
type Claim struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	WalletAddress string         `gorm:"index" json:"wallet_address"`
	DeviceID      string         `json:"device_id"`
	Kind          string         `json:"kind"`
	Payload       datatypes.JSON `json:"payload"`
	Verified      *bool          `gorm:"index" json:"verified"` // nil = 待验证
	Fraud         bool           `json:"fraud"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
}
