package services

import (
	"context"
	"net/http"
	"testing"

	"planet-backend/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestSchedulerService(t *testing.T) {
	t.Run("Device Validation", func(t *testing.T) {
		env := newTestEnv(t)

		w := env.doJSON(t, http.MethodGet, "/api/mine/task", nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = env.doJSON(t, http.MethodGet, "/api/mine/task?deviceId=ghost", nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)

		env.seedNode(t, "dev-off", "0xwallet-off", func(n *types.Node) { n.IsActive = false })
		w = env.doJSON(t, http.MethodGet, "/api/mine/task?deviceId=dev-off", nil, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("Mint And Replicate", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedNode(t, "dev-1", "0xwallet-1")
		env.seedNode(t, "dev-2", "0xwallet-2")
		env.seedNode(t, "dev-3", "0xwallet-3")
		env.seedNode(t, "dev-4", "0xwallet-4")

		// 首个请求铸造新任务, 载荷带确定性种子
		w := env.doJSON(t, http.MethodGet, "/api/mine/task?deviceId=dev-1", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		first := decodeBody(t, w)
		taskID := first["taskId"].(string)
		require.NotEmpty(t, taskID)
		assert.Equal(t, false, first["resumed"])
		payload := first["payload"].(map[string]interface{})
		assert.NotEmpty(t, payload["seed"])
		assert.Contains(t, []string{"protein", "climate", "signal"}, first["taskType"])

		// 未提交前重复请求重发同一任务
		w = env.doJSON(t, http.MethodGet, "/api/mine/task?deviceId=dev-1", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		again := decodeBody(t, w)
		assert.Equal(t, taskID, again["taskId"])
		assert.Equal(t, true, again["resumed"])

		// 后续设备补位同一任务直到凑满法定副本数
		w = env.doJSON(t, http.MethodGet, "/api/mine/task?deviceId=dev-2", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		second := decodeBody(t, w)
		assert.Equal(t, taskID, second["taskId"])
		assert.Equal(t, false, second["resumed"])

		w = env.doJSON(t, http.MethodGet, "/api/mine/task?deviceId=dev-3", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, taskID, decodeBody(t, w)["taskId"])

		// 副本已满, 第四台设备拿到新任务
		w = env.doJSON(t, http.MethodGet, "/api/mine/task?deviceId=dev-4", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotEqual(t, taskID, decodeBody(t, w)["taskId"])
	})

	t.Run("Pending Claim Takes Priority", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()

		env.seedNode(t, "claimant-s", "0xclaimant-s")
		require.NoError(t, env.store.CreateClaim(ctx, &types.Claim{
			WalletAddress: "0xclaimant-s",
			DeviceID:      "claimant-s",
			Kind:          "dataset",
			Payload:       datatypes.JSON(`{"rows":42}`),
		}))

		env.seedNode(t, "worker-1", "0xworker-1")
		w := env.doJSON(t, http.MethodGet, "/api/mine/task?deviceId=worker-1", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "peer_verify", body["taskType"])

		payload := body["payload"].(map[string]interface{})
		assert.Equal(t, "dataset", payload["claimKind"])
		assert.Equal(t, "0xclaimant-s", payload["claimWallet"])
		assert.NotNil(t, payload["claim"])
	})

	t.Run("Payload Scaled By Capability", func(t *testing.T) {
		env := newTestEnv(t)
		// 能力最低的设备拿到的载荷不超过目录原始规格
		env.seedNode(t, "weak-1", "0xweak", func(n *types.Node) { n.CapabilityTier = 1 })

		w := env.doJSON(t, http.MethodGet, "/api/mine/task?deviceId=weak-1", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		payload := body["payload"].(map[string]interface{})

		switch body["taskType"] {
		case "protein":
			assert.LessOrEqual(t, payload["iterations"].(float64), 2000.0)
		case "climate":
			assert.LessOrEqual(t, payload["timeSteps"].(float64), 1200.0)
		case "signal":
			assert.LessOrEqual(t, payload["duration"].(float64), 10.0)
		}
	})
}
