package types

import "time"

// 节点角色层级
const (
	TierDataNode  = 1 // 数据节点
	TierValidator = 2 // 验证者节点
)

// 信誉分数边界
const (
	StartingReputation = 10  // 注册初始信誉
	MaxReputation      = 100 // 信誉上限
)

// Node 注册设备
type Node struct {
	DeviceID          string     `gorm:"primaryKey" json:"device_id"`
	WalletAddress     string     `gorm:"index" json:"wallet_address"`
	Tier              int        `json:"tier"`            // 1=数据节点 2=验证者
	CapabilityTier    int        `json:"capability_tier"` // 1-3，由基准测试决定
	H3Cell            string     `gorm:"index" json:"h3_cell"`
	Reputation        int        `json:"reputation"` // [0, MaxReputation]
	TrustWeek         int        `json:"trust_week"` // 1-4 信任爬坡周
	IsActive          bool       `gorm:"index" json:"is_active"`
	FingerprintHash   string     `json:"fingerprint_hash,omitempty"`
	SignatureVerified bool       `json:"signature_verified"`
	LastHeartbeat     *time.Time `json:"last_heartbeat"`
	RegisteredAt      time.Time  `gorm:"autoCreateTime" json:"registered_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// DeviceFingerprint 设备指纹与钱包的绑定，用于女巫检测
type DeviceFingerprint struct {
	FingerprintHash string    `gorm:"primaryKey" json:"fingerprint_hash"`
	DeviceID        string    `json:"device_id"`
	WalletAddress   string    `json:"wallet_address"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Benchmark 客户端上报的设备基准测试结果
type Benchmark struct {
	CPUScoreMs  int `json:"cpu_score_ms"`
	Cores       int `json:"cores"`
	MaxMemoryMb int `json:"max_memory_mb"`
}

// CapabilityTier 根据基准测试结果划分能力层级
func (b Benchmark) CapabilityTier() int {
	memoryGb := b.MaxMemoryMb / 1024
	if b.CPUScoreMs < 200 && b.Cores >= 8 && memoryGb >= 8 {
		return 3
	}
	if b.CPUScoreMs < 500 && b.Cores >= 4 && memoryGb >= 4 {
		return 2
	}
	return 1
}

// Heartbeat 已验证的心跳记录
type Heartbeat struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	DeviceID      string    `gorm:"index" json:"device_id"`
	BatteryPct    *float64  `json:"battery_pct"`
	TemperatureC  *float64  `json:"temperature_c"`
	ComputeStatus string    `json:"compute_status"` // active | throttled | stopped
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// 电池安全阈值（摄氏度）
const (
	ThrottleTempC = 40
	StopTempC     = 45
)
