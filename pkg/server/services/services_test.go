package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"planet-backend/pkg/config"
	"planet-backend/pkg/ratelimit"
	"planet-backend/pkg/rewards"
	"planet-backend/pkg/store"
	"planet-backend/pkg/types"
	"planet-backend/pkg/verify"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testCronSecret = "test-secret"

// testEnv 完整服务栈 + 临时 SQLite 存储, 各测试相互隔离
type testEnv struct {
	cfg    *config.ServerConfig
	store  store.Store
	router *gin.Engine
	ledger *LedgerService
}

func newTestEnv(t *testing.T, mutators ...func(*config.ServerConfig)) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.ServerConfig{}
	cfg.Cron.Secret = testCronSecret
	cfg.Verifier.TimeoutSeconds = 2
	for _, m := range mutators {
		m(cfg)
	}

	st, err := store.NewStore(&store.Config{
		Type:   "sqlite",
		SQLite: store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	lg := zerolog.Nop()
	limiter := ratelimit.NewLimiter(st)
	ledger := NewLedgerService(cfg, lg, st)

	r := gin.New()
	NewNodeService(cfg, lg, st, limiter).RegisterRoutes(r)
	NewSchedulerService(cfg, lg, st, limiter).RegisterRoutes(r)
	NewConsensusService(cfg, lg, st, limiter, ledger).RegisterRoutes(r)
	ledger.RegisterRoutes(r)
	NewHeartbeatService(cfg, lg, st).RegisterRoutes(r)
	NewEpochService(cfg, lg, st).RegisterRoutes(r)
	NewClaimsService(cfg, lg, st).RegisterRoutes(r)
	NewReferralService(cfg, lg, st).RegisterRoutes(r)
	NewRewardsService(cfg, lg, st).RegisterRoutes(r)
	NewStatusService(cfg, lg, st).RegisterRoutes(r)

	return &testEnv{cfg: cfg, store: st, router: r, ledger: ledger}
}

func (e *testEnv) doJSON(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func cronAuth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testCronSecret}
}

func (e *testEnv) seedNode(t *testing.T, deviceID, wallet string, mutators ...func(*types.Node)) *types.Node {
	t.Helper()
	node := &types.Node{
		DeviceID:       deviceID,
		WalletAddress:  wallet,
		Tier:           types.TierDataNode,
		CapabilityTier: 1,
		Reputation:     types.StartingReputation,
		TrustWeek:      1,
		IsActive:       true,
	}
	for _, m := range mutators {
		m(node)
	}
	require.NoError(t, e.store.CreateNode(context.Background(), node))
	return node
}

func (e *testEnv) seedEpoch(t *testing.T, number int) *types.Epoch {
	t.Helper()
	start := time.Now().UTC().AddDate(0, 0, -3)
	epoch := &types.Epoch{
		Number:     number,
		StartDate:  start,
		EndDate:    start.AddDate(0, 0, 6),
		WeeklyPool: rewards.WeeklyPool(start),
		Status:     types.EpochStatusActive,
	}
	require.NoError(t, e.store.CreateEpoch(context.Background(), epoch))
	return epoch
}

// seedTask 创建任务并为每个设备建一条未提交分配
func (e *testEnv) seedTask(t *testing.T, taskID string, taskType types.TaskType,
	payload map[string]interface{}, devices ...string) *types.Task {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	task := &types.Task{
		TaskID:     taskID,
		Type:       taskType,
		Payload:    raw,
		Difficulty: 1,
		Source:     types.TaskSourceFallback,
		Status:     types.TaskStatusAssigned,
		Version:    1,
	}
	require.NoError(t, e.store.CreateTaskWithAssignment(context.Background(), task,
		&types.Assignment{TaskID: taskID, DeviceID: devices[0]}))
	for _, d := range devices[1:] {
		require.NoError(t, e.store.CreateAssignment(context.Background(),
			&types.Assignment{TaskID: taskID, DeviceID: d}))
	}
	return task
}

// pickDevices 筛选抽检判定等于 hit 的设备号, 让共识测试不被抽检干扰
func pickDevices(t *testing.T, taskID string, hit bool, n int) []string {
	t.Helper()
	var out []string
	for i := 0; len(out) < n && i < 10000; i++ {
		id := fmt.Sprintf("dev-%04d", i)
		if verify.ShouldSpotCheck(id, taskID) == hit {
			out = append(out, id)
		}
	}
	require.Len(t, out, n)
	return out
}
