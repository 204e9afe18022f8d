package rewards

import (
	"math"
	"time"
)

// 代币发放排放曲线: 年排放量按 5% 衰减, 周奖池为年排放量的 1/52

const (
	// StartingAnnualEmission 首年排放量
	StartingAnnualEmission = 536_000_000
	// EmissionDecayRate 年衰减率
	EmissionDecayRate = 0.95
	// WeeksPerYear 每年周数
	WeeksPerYear = 52

	// DataNodeShare 数据节点奖池占比
	DataNodeShare = 0.80
	// ValidatorShare 验证节点奖池占比
	ValidatorShare = 0.20
)

// LaunchDate 网络启动日期, 排放衰减从此刻起算
var LaunchDate = time.Date(2026, 2, 21, 0, 0, 0, 0, time.UTC)

const msPerYear = 365.25 * 24 * 60 * 60 * 1000

// YearsElapsed 启动以来经过的年数 (含小数)
func YearsElapsed(now time.Time) float64 {
	years := float64(now.Sub(LaunchDate).Milliseconds()) / msPerYear
	return math.Max(0, years)
}

// AnnualEmission 指定年份的年排放量
func AnnualEmission(years float64) float64 {
	return StartingAnnualEmission * math.Pow(EmissionDecayRate, years)
}

// WeeklyPool 指定时刻的周奖池
func WeeklyPool(now time.Time) float64 {
	return AnnualEmission(YearsElapsed(now)) / WeeksPerYear
}
