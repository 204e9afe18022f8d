package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"planet-backend/pkg/types"
)

// ErrVerifierUnavailable 外部核验服务不可用 (超时/错误/熔断开路),
// 共识流程降级为纯对等判定
var ErrVerifierUnavailable = errors.New("ai verifier unavailable")

// AI 核验服务裁决建议
const (
	RecommendAccept = "accept"
	RecommendReview = "review"
	RecommendReject = "reject"
)

// AIVerdict 核验服务对单次提交的裁决
type AIVerdict struct {
	Confidence     float64  `json:"confidence"`
	Flags          []string `json:"flags"`
	Recommendation string   `json:"recommendation"`
}

// Rejected 仅 reject 裁决阻断发放, review 交由人工跟进但不扣分
func (v *AIVerdict) Rejected() bool {
	return v.Recommendation == RecommendReject
}

type verifyRequest struct {
	TaskType      string                   `json:"task_type"`
	Result        map[string]interface{}   `json:"result"`
	ComputeTimeMs int64                    `json:"compute_time_ms"`
	PeerResults   []map[string]interface{} `json:"peer_results,omitempty"`
}

// AIClient 外部异常检测服务客户端, 带熔断保护
type AIClient struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewAIClient 创建核验服务客户端.
// 连续 3 次失败后熔断 30 秒, 期间直接返回 ErrVerifierUnavailable
func NewAIClient(baseURL string, timeout time.Duration) *AIClient {
	lg := log.With().Str("component", "ai-verifier").Logger()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ai-verifier",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			lg.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("verifier breaker state change")
		},
	})
	return &AIClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  lg,
	}
}

// Verify 请求核验服务对提交结果做异常检测
func (c *AIClient) Verify(ctx context.Context, taskType types.TaskType, result map[string]interface{},
	computeTimeMs int64, peerResults []map[string]interface{}) (*AIVerdict, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doVerify(ctx, taskType, result, computeTimeMs, peerResults)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrVerifierUnavailable
		}
		c.logger.Warn().Err(err).Str("task_type", string(taskType)).Msg("verifier call failed")
		return nil, ErrVerifierUnavailable
	}
	return out.(*AIVerdict), nil
}

func (c *AIClient) doVerify(ctx context.Context, taskType types.TaskType, result map[string]interface{},
	computeTimeMs int64, peerResults []map[string]interface{}) (*AIVerdict, error) {
	body, err := json.Marshal(verifyRequest{
		TaskType:      string(taskType),
		Result:        result,
		ComputeTimeMs: computeTimeMs,
		PeerResults:   peerResults,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verifier status %d", resp.StatusCode)
	}

	var verdict AIVerdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, err
	}
	return &verdict, nil
}
