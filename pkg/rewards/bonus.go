package rewards

// 积分加成链: 质量 → 连续在线 → 信任爬坡 → 地理衰减 →
// 钱包多设备缩放 → 推荐 → 质押倍数, 最后统一封顶.
// 封顶在全部加成之后生效, 任何加成组合都不能突破单设备周上限

const (
	// QualityBonus 验证通过比例加成上限 (+25%)
	QualityBonus = 0.25
	// Streak7DBonus 连续 7 天在线加成
	Streak7DBonus = 0.10
	// Streak30DBonus 连续 30 天在线加成
	Streak30DBonus = 0.25
	// DailyCapPct 单设备日上限占周奖池比例
	DailyCapPct = 0.001
	// ReferralBonus 推荐关系双方加成
	ReferralBonus = 0.10
	// ReferralDurationDays 推荐加成有效期
	ReferralDurationDays = 30
	// ValidatorStakedMultiplier 质押验证节点倍数
	ValidatorStakedMultiplier = 2
)

// TrustRamp 新节点前四周的信任爬坡系数
var TrustRamp = []float64{0.25, 0.50, 0.75, 1.00}

// GeoDecay 同一 H3 蜂窝内同钱包设备的递减系数 (第 1/2/3/4+ 台)
var GeoDecay = []float64{1.00, 0.80, 0.65, 0.50}

// DeviceStanding 结算期内单设备的积分与资格快照
type DeviceStanding struct {
	DeviceID        string
	WalletAddress   string
	Tier            int
	H3Cell          string
	TrustWeek       int
	RawPoints       float64
	TasksCompleted  int
	QualityVerified int
	StreakDays      int
	ReferralActive  bool
	Staked          bool
}

// WeeklyDeviceCap 单设备整周积分上限
func WeeklyDeviceCap(weeklyPool float64) float64 {
	return weeklyPool * DailyCapPct * 7
}

// AdjustPoints 对单设备原始积分套用全部加成并封顶.
// geoRank 为该设备在同钱包同蜂窝内的序号 (0 起),
// walletRank 为该设备在同钱包全部设备中的序号,
// walletDevices 为同钱包设备总数
func AdjustPoints(d DeviceStanding, geoRank, walletRank, walletDevices int, weeklyPool float64) float64 {
	points := d.RawPoints

	if d.QualityVerified > 0 && d.TasksCompleted > 0 {
		ratio := float64(d.QualityVerified) / float64(d.TasksCompleted)
		points *= 1 + QualityBonus*ratio
	}

	switch {
	case d.StreakDays >= 30:
		points *= 1 + Streak30DBonus
	case d.StreakDays >= 7:
		points *= 1 + Streak7DBonus
	}

	trustIdx := d.TrustWeek - 1
	if trustIdx < 0 {
		trustIdx = 0
	}
	if trustIdx >= len(TrustRamp) {
		trustIdx = len(TrustRamp) - 1
	}
	points *= TrustRamp[trustIdx]

	if d.H3Cell != "" {
		decayIdx := geoRank
		if decayIdx >= len(GeoDecay) {
			decayIdx = len(GeoDecay) - 1
		}
		points *= GeoDecay[decayIdx]
	}

	// 钱包内第 n 台设备积分按 1/n 递减
	if walletDevices > 1 {
		points *= 1 / float64(walletRank+1)
	}

	if d.ReferralActive {
		points *= 1 + ReferralBonus
	}

	if d.Tier == 2 && d.Staked {
		points *= ValidatorStakedMultiplier
	}

	if cap := WeeklyDeviceCap(weeklyPool); points > cap {
		points = cap
	}
	return points
}
