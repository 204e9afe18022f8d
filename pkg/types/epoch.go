package types

import (
	"time"

	"gorm.io/datatypes"
)

// EpochStatus 定义周期状态
type EpochStatus string

const (
	EpochStatusActive EpochStatus = "active" // 同一时刻仅允许一个
	EpochStatusClosed EpochStatus = "closed"
)

// Epoch 固定长度的积分累计周期
type Epoch struct {
	Number       int         `gorm:"primaryKey" json:"epoch_number"`
	StartDate    time.Time   `json:"start_date"`
	EndDate      time.Time   `json:"end_date"`
	WeeklyPool   float64     `json:"weekly_pool"`
	Status       EpochStatus `gorm:"index" json:"status"`
	MerkleRoot   string      `json:"merkle_root,omitempty"`
	TotalPoints  float64     `json:"total_points"`
	TotalDevices int         `json:"total_devices"`
	ClosedAt     *time.Time  `json:"closed_at"`
	CreatedAt    time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

// PointRecord 每次任务验证通过后追加的积分记录
type PointRecord struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	DeviceID        string    `gorm:"index" json:"device_id"`
	Epoch           int       `gorm:"index" json:"epoch"`
	Points          float64   `json:"points"`
	TasksCompleted  int       `json:"tasks_completed"`
	QualityVerified bool      `json:"quality_verified"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Reward 每 (钱包, 周期) 的奖励叶子
// 周期的默克尔根发布后不可变
type Reward struct {
	WalletAddress      string         `gorm:"primaryKey" json:"wallet_address"`
	Epoch              int            `gorm:"primaryKey" json:"epoch"`
	TotalPoints        float64        `json:"total_points"`
	TokenAmount        float64        `json:"token_amount"`
	ClaimableNow       float64        `json:"claimable_now"`
	VestingAmount      float64        `json:"vesting_amount"`
	VestingDurationDay int            `json:"vesting_duration_days"`
	MerkleProof        datatypes.JSON `json:"merkle_proof"`
	Claimed            bool           `json:"claimed"`
	CreatedAt          time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

// Referral 推荐码及其兑换状态
type Referral struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Code           string     `gorm:"uniqueIndex" json:"code"`
	ReferrerWallet string     `gorm:"index" json:"referrer_wallet"`
	InviteeWallet  string     `json:"invitee_wallet"`
	BonusExpiresAt *time.Time `json:"bonus_expires_at"`
	Active         bool       `json:"active"` // 兑换时置真, 过期由时间过滤
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// Streak 钱包的连续活跃天数
type Streak struct {
	WalletAddress  string    `gorm:"primaryKey" json:"wallet_address"`
	CurrentStreak  int       `json:"current_streak"`
	LongestStreak  int       `json:"longest_streak"`
	LastActiveDate string    `json:"last_active_date"` // YYYY-MM-DD
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// RateLimitEntry 滑动窗口限流计数
type RateLimitEntry struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Key         string    `gorm:"index:idx_rl_key_window" json:"key"`
	WindowStart time.Time `gorm:"index:idx_rl_key_window" json:"window_start"`
}
