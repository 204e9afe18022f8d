package tasks

import (
	"fmt"

	"planet-backend/pkg/types"
)

// Strategy 表示任务类型对应的共识判定策略
type Strategy int

const (
	// StrategyValueEquality 按规范化结果值分组, 最大组胜出
	StrategyValueEquality Strategy = iota
	// StrategyVote 按布尔投票多数判定 (同行核验任务)
	StrategyVote
)

// Variant 定义一种任务类型的载荷缩放与共识策略
type Variant interface {
	Type() types.TaskType
	Strategy() Strategy
	// Scale 按节点算力等级缩放工作量字段, 返回新载荷
	Scale(payload map[string]interface{}, capabilityTier int) map[string]interface{}
}

// 各算力等级的工作量系数, 任务在铸造时按领取节点的等级定型,
// 同一任务的全部副本使用相同载荷
var tierFactor = map[int]float64{
	1: 0.25,
	2: 0.5,
	3: 1.0,
}

func factorFor(capabilityTier int) float64 {
	if f, ok := tierFactor[capabilityTier]; ok {
		return f
	}
	return tierFactor[1]
}

func scaleField(payload map[string]interface{}, field string, factor float64, floor float64) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	if raw, ok := payload[field]; ok {
		if n, ok := raw.(float64); ok {
			scaled := n * factor
			if scaled < floor {
				scaled = floor
			}
			out[field] = float64(int64(scaled))
		}
	}
	return out
}

type proteinVariant struct{}

func (proteinVariant) Type() types.TaskType { return types.TaskTypeProtein }
func (proteinVariant) Strategy() Strategy   { return StrategyValueEquality }
func (proteinVariant) Scale(payload map[string]interface{}, capabilityTier int) map[string]interface{} {
	return scaleField(payload, "iterations", factorFor(capabilityTier), 250)
}

type climateVariant struct{}

func (climateVariant) Type() types.TaskType { return types.TaskTypeClimate }
func (climateVariant) Strategy() Strategy   { return StrategyValueEquality }
func (climateVariant) Scale(payload map[string]interface{}, capabilityTier int) map[string]interface{} {
	return scaleField(payload, "timeSteps", factorFor(capabilityTier), 100)
}

type signalVariant struct{}

func (signalVariant) Type() types.TaskType { return types.TaskTypeSignal }
func (signalVariant) Strategy() Strategy   { return StrategyValueEquality }
func (signalVariant) Scale(payload map[string]interface{}, capabilityTier int) map[string]interface{} {
	// duration 为浮点秒数, 不取整
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	if raw, ok := payload["duration"]; ok {
		if n, ok := raw.(float64); ok {
			scaled := n * factorFor(capabilityTier)
			if scaled < 2.0 {
				scaled = 2.0
			}
			out["duration"] = scaled
		}
	}
	return out
}

type peerVerifyVariant struct{}

func (peerVerifyVariant) Type() types.TaskType { return types.TaskTypePeerVerify }
func (peerVerifyVariant) Strategy() Strategy   { return StrategyVote }
func (peerVerifyVariant) Scale(payload map[string]interface{}, _ int) map[string]interface{} {
	// 核验任务不做工作量缩放
	return payload
}

var variants = map[types.TaskType]Variant{
	types.TaskTypeProtein:    proteinVariant{},
	types.TaskTypeClimate:    climateVariant{},
	types.TaskTypeSignal:     signalVariant{},
	types.TaskTypePeerVerify: peerVerifyVariant{},
}

// ForType 返回任务类型对应的变体定义
func ForType(t types.TaskType) (Variant, error) {
	v, ok := variants[t]
	if !ok {
		return nil, fmt.Errorf("unknown task type: %s", t)
	}
	return v, nil
}
