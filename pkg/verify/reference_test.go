package verify

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planet-backend/pkg/types"
)

func proteinPayload() map[string]interface{} {
	return map[string]interface{}{
		"iterations":  300.0,
		"temperature": 310.0,
		"residues": []interface{}{
			map[string]interface{}{"x": 0.0, "y": 0.0, "z": 0.0},
			map[string]interface{}{"x": 1.5, "y": 0.0, "z": 0.0},
			map[string]interface{}{"x": 0.0, "y": 1.5, "z": 0.0},
			map[string]interface{}{"x": 0.0, "y": 0.0, "z": 1.5},
		},
	}
}

func climatePayload() map[string]interface{} {
	return map[string]interface{}{
		"gridSize":       16.0,
		"timeSteps":      20.0,
		"diffusionCoeff": 0.02,
		"initialConditions": []interface{}{
			map[string]interface{}{"x": 8.0, "y": 8.0, "temp": 100.0},
			map[string]interface{}{"x": 4.0, "y": 12.0, "temp": 60.0},
		},
	}
}

func signalPayload() map[string]interface{} {
	return map[string]interface{}{
		"sampleRate": 200.0,
		"duration":   2.0,
		"noiseLevel": 0.05,
		"seed":       "sig-seed-1",
		"frequencies": []interface{}{
			map[string]interface{}{"hz": 1.0, "amplitude": 3.0, "phase": 0.0},
			map[string]interface{}{"hz": 4.5, "amplitude": 1.2, "phase": 1.0},
		},
	}
}

func TestReference(t *testing.T) {
	t.Run("Protein Deterministic", func(t *testing.T) {
		a := Reference(types.TaskTypeProtein, proteinPayload())
		b := Reference(types.TaskTypeProtein, proteinPayload())
		require.NotNil(t, a)
		assert.Equal(t, a["finalEnergy"], b["finalEnergy"])
		assert.Equal(t, 300.0, a["iterations"])
		assert.Equal(t, 4.0, a["residueCount"])
	})

	t.Run("Climate Deterministic", func(t *testing.T) {
		a := Reference(types.TaskTypeClimate, climatePayload())
		b := Reference(types.TaskTypeClimate, climatePayload())
		require.NotNil(t, a)
		assert.Equal(t, a["maxTemperature"], b["maxTemperature"])
		assert.Equal(t, a["avgTemperature"], b["avgTemperature"])
		// 扩散不产生温度, 峰值不超过初始热点
		assert.LessOrEqual(t, a["maxTemperature"], 100.0)
		assert.Greater(t, a["avgTemperature"], 0.0)
	})

	t.Run("Signal Seeded Noise", func(t *testing.T) {
		a := Reference(types.TaskTypeSignal, signalPayload())
		b := Reference(types.TaskTypeSignal, signalPayload())
		require.NotNil(t, a)
		assert.Equal(t, a["signalEnergy"], b["signalEnergy"])
		assert.Equal(t, 400.0, a["numSamples"])
		assert.Equal(t, 512.0, a["fftSize"])

		// 种子不同, 噪声不同
		other := signalPayload()
		other["seed"] = "sig-seed-2"
		c := Reference(types.TaskTypeSignal, other)
		assert.NotEqual(t, a["signalEnergy"], c["signalEnergy"])
	})

	t.Run("Unknown Type", func(t *testing.T) {
		assert.Nil(t, Reference(types.TaskTypePeerVerify, nil))
	})
}

func TestShouldSpotCheck(t *testing.T) {
	// 同一 (设备, 任务) 对的判定结果恒定
	assert.Equal(t,
		ShouldSpotCheck("dev-a", "task-b"),
		ShouldSpotCheck("dev-a", "task-b"))

	// 命中率约 1/10
	hits := 0
	for i := 0; i < 10000; i++ {
		if ShouldSpotCheck(fmt.Sprintf("dev-%d", i), "task-1") {
			hits++
		}
	}
	assert.Greater(t, hits, 800)
	assert.Less(t, hits, 1200)
}

func TestSpotCheck(t *testing.T) {
	t.Run("Protein Within Tolerance", func(t *testing.T) {
		payload := proteinPayload()
		ref := Reference(types.TaskTypeProtein, payload)
		submitted := map[string]interface{}{
			"finalEnergy": ref["finalEnergy"] * 1.01,
		}
		outcome := SpotCheck(types.TaskTypeProtein, payload, submitted)
		assert.True(t, outcome.Passed)
		assert.Equal(t, 0.1, outcome.Tolerance)
	})

	t.Run("Protein Beyond Tolerance", func(t *testing.T) {
		payload := proteinPayload()
		ref := Reference(types.TaskTypeProtein, payload)
		submitted := map[string]interface{}{
			"finalEnergy": ref["finalEnergy"] * 3,
		}
		outcome := SpotCheck(types.TaskTypeProtein, payload, submitted)
		assert.False(t, outcome.Passed)
		assert.Greater(t, outcome.Deviation, outcome.Tolerance)
	})

	t.Run("Climate Beyond Tolerance", func(t *testing.T) {
		payload := climatePayload()
		ref := Reference(types.TaskTypeClimate, payload)
		submitted := map[string]interface{}{
			"maxTemperature": ref["maxTemperature"] * 1.5,
			"avgTemperature": ref["avgTemperature"],
		}
		outcome := SpotCheck(types.TaskTypeClimate, payload, submitted)
		assert.False(t, outcome.Passed)
	})

	t.Run("Signal Exact Fields", func(t *testing.T) {
		payload := signalPayload()
		ref := Reference(types.TaskTypeSignal, payload)

		ok := SpotCheck(types.TaskTypeSignal, payload, map[string]interface{}{
			"numSamples": ref["numSamples"],
			"fftSize":    ref["fftSize"],
		})
		assert.True(t, ok.Passed)

		bad := SpotCheck(types.TaskTypeSignal, payload, map[string]interface{}{
			"numSamples": ref["numSamples"] + 1,
			"fftSize":    ref["fftSize"],
		})
		assert.False(t, bad.Passed)
	})

	t.Run("PeerVerify Always Passes", func(t *testing.T) {
		outcome := SpotCheck(types.TaskTypePeerVerify, nil, nil)
		assert.True(t, outcome.Passed)
	})

	t.Run("Missing Fields Pass", func(t *testing.T) {
		// 没有可比字段时不判失败, 交给共识
		outcome := SpotCheck(types.TaskTypeProtein, proteinPayload(), map[string]interface{}{})
		assert.True(t, outcome.Passed)
	})
}
