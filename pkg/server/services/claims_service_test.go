package services

import (
	"net/http"
	"testing"

	"planet-backend/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimsService(t *testing.T) {
	t.Run("Create Claim", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedNode(t, "cl-dev", "0xcl")

		w := env.doJSON(t, http.MethodPost, "/api/claims", map[string]interface{}{
			"walletAddress": "0xcl",
			"deviceId":      "cl-dev",
			"kind":          "dataset",
			"payload":       map[string]interface{}{"rows": 500},
		}, nil)
		require.Equal(t, http.StatusCreated, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "pending_verification", body["status"])
		assert.Greater(t, body["claimId"].(float64), 0.0)

		// 未注册设备不能提声明
		w = env.doJSON(t, http.MethodPost, "/api/claims", map[string]interface{}{
			"walletAddress": "0xcl",
			"deviceId":      "ghost",
			"kind":          "dataset",
			"payload":       map[string]interface{}{},
		}, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Validator Confirmation", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedEpoch(t, 1)
		env.seedNode(t, "val-dev", "0xval", func(n *types.Node) { n.Tier = types.TierValidator })
		env.seedNode(t, "data-dev", "0xdata")
		env.seedTask(t, "task-v1", types.TaskTypeProtein,
			map[string]interface{}{"residues": 10.0}, "data-dev")

		body := map[string]interface{}{
			"validatorDeviceId": "val-dev",
			"taskId":            "task-v1",
			"isValid":           true,
			"notes":             "result looks sane",
		}
		w := env.doJSON(t, http.MethodPost, "/api/validate/task", body, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1.0, decodeBody(t, w)["pointsEarned"])
		assert.Equal(t, 1.0, devicePoints(t, env.store, 1, "val-dev"))

		// 同一验证者对同一任务只记一票
		w = env.doJSON(t, http.MethodPost, "/api/validate/task", body, nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("Confirmation Guards", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedNode(t, "data-dev", "0xdata")
		env.seedNode(t, "idle-val", "0xidle", func(n *types.Node) {
			n.Tier = types.TierValidator
			n.IsActive = false
		})
		env.seedTask(t, "task-v2", types.TaskTypeProtein,
			map[string]interface{}{"residues": 10.0}, "data-dev")

		// 数据节点无验证权
		w := env.doJSON(t, http.MethodPost, "/api/validate/task", map[string]interface{}{
			"validatorDeviceId": "data-dev", "taskId": "task-v2", "isValid": true,
		}, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)

		// 停用的验证者同样被拒
		w = env.doJSON(t, http.MethodPost, "/api/validate/task", map[string]interface{}{
			"validatorDeviceId": "idle-val", "taskId": "task-v2", "isValid": true,
		}, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)

		env.seedNode(t, "ok-val", "0xokval", func(n *types.Node) { n.Tier = types.TierValidator })
		w = env.doJSON(t, http.MethodPost, "/api/validate/task", map[string]interface{}{
			"validatorDeviceId": "ok-val", "taskId": "no-such-task", "isValid": true,
		}, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
