package rewards

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitReward(t *testing.T) {
	t.Run("New Miner", func(t *testing.T) {
		split := SplitReward(1000, 30)
		assert.InDelta(t, 250, split.ClaimableNow, 1e-9)
		assert.InDelta(t, 750, split.VestingAmount, 1e-9)
		assert.Equal(t, NewMinerVestingDays, split.VestingDurationDays)
	})

	t.Run("Veteran", func(t *testing.T) {
		split := SplitReward(1000, 365)
		assert.InDelta(t, 750, split.ClaimableNow, 1e-9)
		assert.InDelta(t, 250, split.VestingAmount, 1e-9)
		assert.Equal(t, VeteranVestingDays, split.VestingDurationDays)
	})

	t.Run("Threshold Boundary", func(t *testing.T) {
		// 满 180 天即按老节点拆分
		atThreshold := SplitReward(100, 180)
		assert.Equal(t, VeteranVestingDays, atThreshold.VestingDurationDays)

		justBelow := SplitReward(100, 179.9)
		assert.Equal(t, NewMinerVestingDays, justBelow.VestingDurationDays)
	})

	t.Run("Parts Sum To Total", func(t *testing.T) {
		for _, days := range []float64{0, 90, 180, 720} {
			split := SplitReward(123.456, days)
			assert.InDelta(t, 123.456, split.ClaimableNow+split.VestingAmount, 1e-9)
		}
	})
}
