package verify

import (
	"crypto/sha256"
	"encoding/binary"
	"math"

	"planet-backend/pkg/types"
)

// 服务端参考计算: 与节点端执行相同的算法,
// 对抽检任务重算关键指标并按容差比对

func numField(payload map[string]interface{}, key string, def float64) float64 {
	if raw, ok := payload[key]; ok {
		if n, ok := raw.(float64); ok && n != 0 {
			return n
		}
	}
	return def
}

func strField(payload map[string]interface{}, key string) string {
	if raw, ok := payload[key]; ok {
		if s, ok := raw.(string); ok {
			return s
		}
	}
	return ""
}

func listField(payload map[string]interface{}, key string) []interface{} {
	if raw, ok := payload[key]; ok {
		if l, ok := raw.([]interface{}); ok {
			return l
		}
	}
	return nil
}

type vec3 struct{ x, y, z float64 }

// referenceProtein 伦纳德-琼斯势能梯度弛豫
func referenceProtein(payload map[string]interface{}) map[string]float64 {
	iterations := int(numField(payload, "iterations", 5000))
	temperature := numField(payload, "temperature", 310)

	var positions []vec3
	for _, raw := range listField(payload, "residues") {
		r, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		positions = append(positions, vec3{
			x: numField(r, "x", 0),
			y: numField(r, "y", 0),
			z: numField(r, "z", 0),
		})
	}

	lr := 0.01 / temperature
	var totalEnergy float64

	for iter := 0; iter < iterations; iter++ {
		totalEnergy = 0
		for i := 0; i < len(positions); i++ {
			for j := i + 1; j < len(positions); j++ {
				dx := positions[i].x - positions[j].x
				dy := positions[i].y - positions[j].y
				dz := positions[i].z - positions[j].z
				r2 := dx*dx + dy*dy + dz*dz
				r6 := r2 * r2 * r2
				r12 := r6 * r6

				const sigma6 = 1.0
				totalEnergy += 4.0 * (sigma6/r12 - sigma6/r6)

				force := 24.0 * (2.0*sigma6/r12 - sigma6/r6) / r2
				fx := force * dx
				fy := force * dy
				fz := force * dz

				positions[i].x -= lr * fx
				positions[i].y -= lr * fy
				positions[i].z -= lr * fz
				positions[j].x += lr * fx
				positions[j].y += lr * fy
				positions[j].z += lr * fz
			}
		}
	}

	return map[string]float64{
		"finalEnergy":  totalEnergy,
		"iterations":   float64(iterations),
		"residueCount": float64(len(positions)),
	}
}

// referenceClimate 二维显式差分热扩散
func referenceClimate(payload map[string]interface{}) map[string]float64 {
	gridSize := int(numField(payload, "gridSize", 128))
	timeSteps := int(numField(payload, "timeSteps", 1000))
	diffCoeff := numField(payload, "diffusionCoeff", 0.02)

	grid := make([]float64, gridSize*gridSize)
	newGrid := make([]float64, gridSize*gridSize)

	for _, raw := range listField(payload, "initialConditions") {
		c, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		x := int(math.Min(math.Max(0, numField(c, "x", 0)), float64(gridSize-1)))
		y := int(math.Min(math.Max(0, numField(c, "y", 0)), float64(gridSize-1)))
		grid[x*gridSize+y] = numField(c, "temp", 0)
	}

	alpha := diffCoeff * 0.5

	for t := 0; t < timeSteps; t++ {
		copy(newGrid, grid)
		for i := 1; i < gridSize-1; i++ {
			for j := 1; j < gridSize-1; j++ {
				idx := i*gridSize + j
				newGrid[idx] = grid[idx] + alpha*(
					grid[(i+1)*gridSize+j]+grid[(i-1)*gridSize+j]+
						grid[i*gridSize+(j+1)]+grid[i*gridSize+(j-1)]-
						4*grid[idx])
			}
		}
		copy(grid, newGrid)
	}

	maxTemp := math.Inf(-1)
	var totalTemp float64
	for _, v := range grid {
		maxTemp = math.Max(maxTemp, v)
		totalTemp += v
	}

	center := gridSize / 2
	return map[string]float64{
		"gridSize":       float64(gridSize),
		"timeSteps":      float64(timeSteps),
		"maxTemperature": maxTemp,
		"avgTemperature": totalTemp / float64(gridSize*gridSize),
		"centerTemp":     grid[center*gridSize+center],
	}
}

// referenceSignal 多频叠加波形统计, 噪声由种子确定
func referenceSignal(payload map[string]interface{}, rng *Xorshift128Plus) map[string]float64 {
	sampleRate := numField(payload, "sampleRate", 1000)
	duration := numField(payload, "duration", 5)
	noiseLevel := numField(payload, "noiseLevel", 0.05)

	type freq struct{ hz, amplitude, phase float64 }
	var freqs []freq
	for _, raw := range listField(payload, "frequencies") {
		f, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		freqs = append(freqs, freq{
			hz:        numField(f, "hz", 0),
			amplitude: numField(f, "amplitude", 0),
			phase:     numField(f, "phase", 0),
		})
	}

	numSamples := int(sampleRate * duration)
	fftSize := math.Pow(2, math.Ceil(math.Log2(float64(numSamples))))

	var maxSignalValue, signalEnergy float64
	for i := 0; i < numSamples; i++ {
		t := float64(i) / sampleRate
		var value float64
		for _, f := range freqs {
			value += f.amplitude * math.Sin(2*math.Pi*f.hz*t+f.phase)
		}
		value += (rng.Next() - 0.5) * 2 * noiseLevel
		maxSignalValue = math.Max(maxSignalValue, math.Abs(value))
		signalEnergy += value * value
	}

	return map[string]float64{
		"sampleRate":     sampleRate,
		"duration":       duration,
		"numSamples":     float64(numSamples),
		"fftSize":        fftSize,
		"maxSignalValue": maxSignalValue,
		"signalEnergy":   signalEnergy,
	}
}

// Reference 按任务类型执行参考计算, 返回关键数值指标
func Reference(taskType types.TaskType, payload map[string]interface{}) map[string]float64 {
	switch taskType {
	case types.TaskTypeProtein:
		return referenceProtein(payload)
	case types.TaskTypeClimate:
		return referenceClimate(payload)
	case types.TaskTypeSignal:
		rng := NewXorshift128Plus(strField(payload, "seed"))
		return referenceSignal(payload, rng)
	default:
		return nil
	}
}

// spotCheckRate 抽检比例: 每 10 个提交抽 1 个
const spotCheckRate = 10

// ShouldSpotCheck 确定性抽样: 同一 (节点, 任务) 对的判定结果不变
func ShouldSpotCheck(deviceID, taskID string) bool {
	sum := sha256.Sum256([]byte(deviceID + ":" + taskID))
	return binary.BigEndian.Uint64(sum[:8])%spotCheckRate == 0
}

// SpotCheckOutcome 抽检比对结果
type SpotCheckOutcome struct {
	Passed          bool
	Tolerance       float64
	Deviation       float64
	ReferenceValues map[string]float64
	SubmittedValues map[string]float64
}

// 各任务类型参与比对的字段及相对容差, 0 表示精确匹配
var spotTolerances = map[types.TaskType]map[string]float64{
	types.TaskTypeProtein: {"finalEnergy": 0.1},
	types.TaskTypeClimate: {"maxTemperature": 0.05, "avgTemperature": 0.05},
	types.TaskTypeSignal:  {"numSamples": 0, "fftSize": 0},
}

// SpotCheck 重算参考结果并与提交值逐字段比对
func SpotCheck(taskType types.TaskType, payload map[string]interface{}, submitted map[string]interface{}) SpotCheckOutcome {
	fields := spotTolerances[taskType]
	if len(fields) == 0 {
		return SpotCheckOutcome{Passed: true}
	}

	ref := Reference(taskType, payload)

	var maxDeviation float64
	refValues := make(map[string]float64)
	subValues := make(map[string]float64)

	maxTolerance := 0.1
	for field, tolerance := range fields {
		if tolerance > maxTolerance {
			maxTolerance = tolerance
		}
		refVal, okRef := ref[field]
		subRaw, okSub := submitted[field]
		if !okRef || !okSub {
			continue
		}
		subVal, ok := subRaw.(float64)
		if !ok {
			continue
		}

		refValues[field] = refVal
		subValues[field] = subVal

		if tolerance == 0 {
			if refVal != subVal {
				maxDeviation = 1
			}
			continue
		}
		absRef := math.Abs(refVal)
		deviation := math.Abs(refVal - subVal)
		if absRef > 0 {
			deviation /= absRef
		}
		maxDeviation = math.Max(maxDeviation, deviation)
	}

	return SpotCheckOutcome{
		Passed:          maxDeviation <= maxTolerance,
		Tolerance:       maxTolerance,
		Deviation:       maxDeviation,
		ReferenceValues: refValues,
		SubmittedValues: subValues,
	}
}
