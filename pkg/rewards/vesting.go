package rewards

// 发放归属拆分: 老节点大头即领, 新节点大头锁仓长释

const (
	// NewMinerImmediate 新节点即领比例
	NewMinerImmediate = 0.25
	// NewMinerVesting 新节点锁仓比例
	NewMinerVesting = 0.75
	// NewMinerVestingDays 新节点锁仓释放天数
	NewMinerVestingDays = 180
	// VeteranImmediate 老节点即领比例
	VeteranImmediate = 0.75
	// VeteranVesting 老节点锁仓比例
	VeteranVesting = 0.25
	// VeteranVestingDays 老节点锁仓释放天数
	VeteranVestingDays = 30
	// VeteranThresholdDays 注册满此天数视为老节点
	VeteranThresholdDays = 180
)

// VestingSplit 单钱包奖励的归属拆分
type VestingSplit struct {
	ClaimableNow        float64
	VestingAmount       float64
	VestingDurationDays int
}

// SplitReward 按钱包最早注册设备的在网天数拆分奖励.
// 两部分之和恒等于总额
func SplitReward(total float64, daysActive float64) VestingSplit {
	if daysActive >= VeteranThresholdDays {
		return VestingSplit{
			ClaimableNow:        total * VeteranImmediate,
			VestingAmount:       total * VeteranVesting,
			VestingDurationDays: VeteranVestingDays,
		}
	}
	return VestingSplit{
		ClaimableNow:        total * NewMinerImmediate,
		VestingAmount:       total * NewMinerVesting,
		VestingDurationDays: NewMinerVestingDays,
	}
}
