package services

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerBody(deviceID, wallet string, extra map[string]interface{}) map[string]interface{} {
	body := map[string]interface{}{
		"deviceId":      deviceID,
		"walletAddress": wallet,
	}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

func TestNodeService(t *testing.T) {
	t.Run("Register", func(t *testing.T) {
		env := newTestEnv(t)

		w := env.doJSON(t, http.MethodPost, "/api/mine/register",
			registerBody("reg-1", "0xreg", nil), nil)
		require.Equal(t, http.StatusCreated, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "reg-1", body["deviceId"])
		assert.Equal(t, 1.0, body["tier"])
		assert.Equal(t, 10.0, body["reputation"])
		assert.Equal(t, 1.0, body["trustWeek"])

		// 同一设备号注册两次冲突
		w = env.doJSON(t, http.MethodPost, "/api/mine/register",
			registerBody("reg-1", "0xreg", nil), nil)
		assert.Equal(t, http.StatusConflict, w.Code)

		// 注册即建立连续活跃记录
		streak, err := env.store.GetStreak(context.Background(), "0xreg")
		require.NoError(t, err)
		assert.Equal(t, 0, streak.CurrentStreak)

		w = env.doJSON(t, http.MethodPost, "/api/mine/register",
			map[string]interface{}{"deviceId": "reg-2"}, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Validator Tier", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.doJSON(t, http.MethodPost, "/api/mine/register",
			registerBody("val-1", "0xval", map[string]interface{}{"tier": 2}), nil)
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, 2.0, decodeBody(t, w)["tier"])

		// 非法层级回落为数据节点
		w = env.doJSON(t, http.MethodPost, "/api/mine/register",
			registerBody("val-2", "0xval2", map[string]interface{}{"tier": 7}), nil)
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, 1.0, decodeBody(t, w)["tier"])
	})

	t.Run("Fingerprint Sybil Check", func(t *testing.T) {
		env := newTestEnv(t)

		w := env.doJSON(t, http.MethodPost, "/api/mine/register",
			registerBody("fp-1", "0xfp-a", map[string]interface{}{"fingerprint": "hw-serial-1"}), nil)
		require.Equal(t, http.StatusCreated, w.Code)

		// 同指纹换钱包视为女巫注册
		w = env.doJSON(t, http.MethodPost, "/api/mine/register",
			registerBody("fp-2", "0xfp-b", map[string]interface{}{"fingerprint": "hw-serial-1"}), nil)
		assert.Equal(t, http.StatusConflict, w.Code)

		// 同指纹同钱包允许重装
		w = env.doJSON(t, http.MethodPost, "/api/mine/register",
			registerBody("fp-3", "0xfp-a", map[string]interface{}{"fingerprint": "hw-serial-1"}), nil)
		assert.Equal(t, http.StatusCreated, w.Code)
	})

	t.Run("Registration Rate Limit", func(t *testing.T) {
		env := newTestEnv(t)

		// 每钱包 24 小时 3 台
		for i, dev := range []string{"rl-1", "rl-2", "rl-3"} {
			w := env.doJSON(t, http.MethodPost, "/api/mine/register",
				registerBody(dev, "0xrl", nil), nil)
			require.Equal(t, http.StatusCreated, w.Code, "device %d", i)
		}
		w := env.doJSON(t, http.MethodPost, "/api/mine/register",
			registerBody("rl-4", "0xrl", nil), nil)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})

	t.Run("Benchmark", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedNode(t, "bench-1", "0xbench")

		cases := []struct {
			cpuMs, cores, memMb int
			tier                float64
		}{
			{150, 8, 8192, 3},
			{400, 4, 4096, 2},
			{900, 2, 2048, 1},
		}
		for _, tc := range cases {
			w := env.doJSON(t, http.MethodPost, "/api/mine/benchmark", map[string]interface{}{
				"deviceId":    "bench-1",
				"cpuScoreMs":  tc.cpuMs,
				"cores":       tc.cores,
				"maxMemoryMb": tc.memMb,
			}, nil)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tc.tier, decodeBody(t, w)["capabilityTier"])
		}

		node, err := env.store.GetNode(context.Background(), "bench-1")
		require.NoError(t, err)
		assert.Equal(t, 1, node.CapabilityTier)

		w := env.doJSON(t, http.MethodPost, "/api/mine/benchmark", map[string]interface{}{
			"deviceId": "ghost", "cpuScoreMs": 100, "cores": 4, "maxMemoryMb": 4096,
		}, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
