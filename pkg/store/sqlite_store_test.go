package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planet-backend/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(SQLiteConfig{Path: dbFile})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// 测试节点操作
	t.Run("Node Operations", func(t *testing.T) {
		node := &types.Node{
			DeviceID:       "dev-1",
			WalletAddress:  "0x1111111111111111111111111111111111111111",
			Tier:           types.TierDataNode,
			CapabilityTier: 1,
			H3Cell:         "8928308280fffff",
			Reputation:     types.StartingReputation,
			TrustWeek:      1,
			IsActive:       true,
		}
		require.NoError(t, store.CreateNode(ctx, node))

		// 重复注册返回冲突
		err := store.CreateNode(ctx, &types.Node{DeviceID: "dev-1"})
		assert.ErrorIs(t, err, ErrConflict)

		got, err := store.GetNode(ctx, "dev-1")
		require.NoError(t, err)
		assert.Equal(t, node.WalletAddress, got.WalletAddress)
		assert.Equal(t, types.StartingReputation, got.Reputation)

		_, err = store.GetNode(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, store.UpdateNodeFields(ctx, "dev-1", map[string]interface{}{
			"capability_tier": 3,
			"reputation":      8,
		}))
		got, err = store.GetNode(ctx, "dev-1")
		require.NoError(t, err)
		assert.Equal(t, 3, got.CapabilityTier)
		assert.Equal(t, 8, got.Reputation)

		nodes, err := store.ListNodes(ctx, NodeFilter{Wallet: node.WalletAddress})
		require.NoError(t, err)
		assert.Len(t, nodes, 1)

		require.NoError(t, store.DeactivateNode(ctx, "dev-1", false))
		got, err = store.GetNode(ctx, "dev-1")
		require.NoError(t, err)
		assert.False(t, got.IsActive)

		nodes, err = store.ListNodes(ctx, NodeFilter{ActiveOnly: true})
		require.NoError(t, err)
		assert.Empty(t, nodes)

		// 心跳触达恢复激活
		require.NoError(t, store.TouchHeartbeat(ctx, "dev-1", time.Now()))
		got, err = store.GetNode(ctx, "dev-1")
		require.NoError(t, err)
		assert.True(t, got.IsActive)
		require.NotNil(t, got.LastHeartbeat)
	})

	// 测试心跳过期停用
	t.Run("Stale Node Sweep", func(t *testing.T) {
		require.NoError(t, store.CreateNode(ctx, &types.Node{
			DeviceID: "stale-1", IsActive: true,
		}))
		require.NoError(t, store.TouchHeartbeat(ctx, "stale-1", time.Now().Add(-time.Hour)))

		ids, err := store.DeactivateStaleNodes(ctx, time.Now().Add(-20*time.Minute))
		require.NoError(t, err)
		assert.Contains(t, ids, "stale-1")

		got, err := store.GetNode(ctx, "stale-1")
		require.NoError(t, err)
		assert.False(t, got.IsActive)

		// 无过期节点时不返回任何设备
		ids, err = store.DeactivateStaleNodes(ctx, time.Now().Add(-20*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	// 测试指纹绑定
	t.Run("Fingerprint Operations", func(t *testing.T) {
		fp := &types.DeviceFingerprint{
			FingerprintHash: "hash-1",
			DeviceID:        "dev-1",
			WalletAddress:   "0x1111111111111111111111111111111111111111",
		}
		require.NoError(t, store.BindFingerprint(ctx, fp))

		got, err := store.GetFingerprint(ctx, "hash-1")
		require.NoError(t, err)
		assert.Equal(t, "dev-1", got.DeviceID)

		_, err = store.GetFingerprint(ctx, "hash-unknown")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	// 测试任务与分配操作
	t.Run("Task Operations", func(t *testing.T) {
		task := &types.Task{
			TaskID:  "task-1",
			Type:    types.TaskTypeProtein,
			Payload: []byte(`{"iterations":500}`),
			Source:  types.TaskSourceFallback,
			Status:  types.TaskStatusAssigned,
			Version: 1,
		}
		assignment := &types.Assignment{TaskID: "task-1", DeviceID: "dev-1"}
		require.NoError(t, store.CreateTaskWithAssignment(ctx, task, assignment))
		assert.NotEmpty(t, assignment.ID)

		got, err := store.GetTask(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, types.TaskTypeProtein, got.Type)

		// 已持有该任务的设备不能再认领
		_, err = store.ClaimUnderReplicatedTask(ctx, "dev-1", types.QuorumTarget)
		assert.ErrorIs(t, err, ErrNotFound)

		// 其他设备补位欠副本任务
		claimed, err := store.ClaimUnderReplicatedTask(ctx, "dev-2", types.QuorumTarget)
		require.NoError(t, err)
		assert.Equal(t, "task-1", claimed.TaskID)

		open, err := store.GetOpenAssignment(ctx, "dev-2", "task-1")
		require.NoError(t, err)
		assert.Nil(t, open.SubmittedAt)

		openAny, err := store.GetOpenAssignmentForDevice(ctx, "dev-2")
		require.NoError(t, err)
		assert.Equal(t, open.ID, openAny.ID)

		require.NoError(t, store.SubmitResult(ctx, open.ID, []byte(`{"finalEnergy":-1.5}`), `{"finalEnergy":-1.5}`, 1200))

		// 已提交的分配不可重复提交
		err = store.SubmitResult(ctx, open.ID, []byte(`{}`), `{}`, 1)
		assert.ErrorIs(t, err, ErrNotFound)

		subs, err := store.ListSubmissions(ctx, "task-1")
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, `{"finalEnergy":-1.5}`, subs[0].CanonicalResult)

		require.NoError(t, store.SetAssignmentMatch(ctx, open.ID, true))
		require.NoError(t, store.SetAssignmentAIVerdict(ctx, open.ID, 0.93, "timing_anomaly"))

		verified, err := store.CountVerifiedAssignments(ctx, "dev-2", time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), verified)
	})

	// 测试任务状态 CAS 流转
	t.Run("Task Close CAS", func(t *testing.T) {
		task := &types.Task{
			TaskID: "task-cas", Type: types.TaskTypeClimate,
			Payload: []byte(`{}`), Status: types.TaskStatusAssigned,
		}
		require.NoError(t, store.CreateTaskWithAssignment(ctx, task,
			&types.Assignment{TaskID: "task-cas", DeviceID: "dev-1"}))

		closed, err := store.CloseTask(ctx, "task-cas", types.TaskStatusAssigned, types.TaskStatusCompleted)
		require.NoError(t, err)
		assert.True(t, closed)

		// 第二次流转失败, 结算只发生一次
		closed, err = store.CloseTask(ctx, "task-cas", types.TaskStatusAssigned, types.TaskStatusCompleted)
		require.NoError(t, err)
		assert.False(t, closed)

		got, err := store.GetTask(ctx, "task-cas")
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusCompleted, got.Status)
	})

	// 测试失败记录与积分
	t.Run("Failures And Points", func(t *testing.T) {
		require.NoError(t, store.AppendFailure(ctx, &types.FailureRecord{
			DeviceID: "dev-1", TaskID: "task-1", Kind: types.FailureConsensusOutlier, Penalty: 2,
		}))
		count, err := store.CountFailuresSince(ctx, "dev-1", time.Now().Add(-7*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		require.NoError(t, store.AppendPointRecord(ctx, &types.PointRecord{
			DeviceID: "dev-1", Epoch: 1, Points: 1, TasksCompleted: 1, QualityVerified: true,
		}))
		recs, err := store.ListPointRecords(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, recs, 1)

		recs, err = store.ListPointRecordsForDevices(ctx, 1, []string{"dev-1"})
		require.NoError(t, err)
		assert.Len(t, recs, 1)

		recs, err = store.ListPointRecordsForDevices(ctx, 1, nil)
		require.NoError(t, err)
		assert.Empty(t, recs)

		require.NoError(t, store.UpsertQualityScore(ctx, &types.QualityScore{
			DeviceID: "dev-1", TotalTasks30d: 10, Verified30d: 9, QualityPct: 90, ComputedAt: time.Now(),
		}))
	})

	// 测试声明操作
	t.Run("Claim Operations", func(t *testing.T) {
		claim := &types.Claim{
			WalletAddress: "0x2222222222222222222222222222222222222222",
			DeviceID:      "dev-1",
			Kind:          "tree_planting",
			Payload:       []byte(`{"trees":10}`),
		}
		require.NoError(t, store.CreateClaim(ctx, claim))
		require.NotZero(t, claim.ID)

		next, err := store.NextUnverifiedClaim(ctx)
		require.NoError(t, err)
		assert.Equal(t, claim.ID, next.ID)

		// 已有开放验证任务的声明不再被选中
		claimID := claim.ID
		require.NoError(t, store.CreateTaskWithAssignment(ctx, &types.Task{
			TaskID: "task-claim", Type: types.TaskTypePeerVerify,
			Payload: []byte(`{}`), Status: types.TaskStatusAssigned, ClaimID: &claimID,
		}, &types.Assignment{TaskID: "task-claim", DeviceID: "dev-1"}))

		_, err = store.NextUnverifiedClaim(ctx)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, store.ResolveClaim(ctx, claim.ID, true, false))
		got, err := store.GetClaim(ctx, claim.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Verified)
		assert.True(t, *got.Verified)
		assert.False(t, got.Fraud)
	})

	// 测试周期操作
	t.Run("Epoch Operations", func(t *testing.T) {
		start := time.Now().UTC().Truncate(24 * time.Hour)
		require.NoError(t, store.CreateEpoch(ctx, &types.Epoch{
			Number: 1, StartDate: start, EndDate: start.AddDate(0, 0, 6),
			WeeklyPool: 1000, Status: types.EpochStatusActive,
		}))

		// 同一时刻只允许一个活跃周期
		err := store.CreateEpoch(ctx, &types.Epoch{Number: 2, Status: types.EpochStatusActive})
		assert.ErrorIs(t, err, ErrConflict)

		epoch, err := store.GetActiveEpoch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, epoch.Number)

		closed, err := store.CloseEpoch(ctx, 1, "0xabc", 42, 3)
		require.NoError(t, err)
		assert.True(t, closed)

		// 重复关闭失败
		closed, err = store.CloseEpoch(ctx, 1, "0xdef", 0, 0)
		require.NoError(t, err)
		assert.False(t, closed)

		_, err = store.GetActiveEpoch(ctx)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	// 测试奖励操作
	t.Run("Reward Operations", func(t *testing.T) {
		reward := &types.Reward{
			WalletAddress: "0x1111111111111111111111111111111111111111",
			Epoch:         1, TotalPoints: 10, TokenAmount: 100,
			ClaimableNow: 75, VestingAmount: 25, VestingDurationDay: 30,
			MerkleProof: []byte(`["0xaa"]`),
		}
		require.NoError(t, store.UpsertReward(ctx, reward))

		rewards, err := store.ListRewards(ctx, reward.WalletAddress)
		require.NoError(t, err)
		require.Len(t, rewards, 1)
		assert.Equal(t, 100.0, rewards[0].TokenAmount)
	})

	// 测试推荐与连续活跃
	t.Run("Referral And Streak", func(t *testing.T) {
		ref := &types.Referral{
			Code:           "POH-ABCD1234",
			ReferrerWallet: "0x1111111111111111111111111111111111111111",
		}
		require.NoError(t, store.CreateReferral(ctx, ref))

		got, err := store.GetReferralByCode(ctx, "POH-ABCD1234")
		require.NoError(t, err)
		assert.Equal(t, ref.ReferrerWallet, got.ReferrerWallet)

		// 未兑换的码不进入加成窗口
		active, err := store.ListActiveReferrals(ctx, time.Now())
		require.NoError(t, err)
		assert.Empty(t, active)

		expires := time.Now().Add(30 * 24 * time.Hour)
		require.NoError(t, store.RedeemReferral(ctx, ref.ID,
			"0x3333333333333333333333333333333333333333", expires))

		// 已兑换的码不能再次兑换
		err = store.RedeemReferral(ctx, ref.ID,
			"0x4444444444444444444444444444444444444444", expires)
		assert.ErrorIs(t, err, ErrConflict)

		// 兑换后进入加成窗口
		active, err = store.ListActiveReferrals(ctx, time.Now())
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.True(t, active[0].Active)

		// 过期后不再活跃
		active, err = store.ListActiveReferrals(ctx, expires.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, active)

		require.NoError(t, store.UpsertStreak(ctx, &types.Streak{
			WalletAddress: "0x1111111111111111111111111111111111111111",
			CurrentStreak: 7, LongestStreak: 12, LastActiveDate: "2026-08-28",
		}))
		streak, err := store.GetStreak(ctx, "0x1111111111111111111111111111111111111111")
		require.NoError(t, err)
		assert.Equal(t, 7, streak.CurrentStreak)
	})

	// 测试心跳记录
	t.Run("Heartbeat Log", func(t *testing.T) {
		temp := 38.5
		require.NoError(t, store.RecordHeartbeat(ctx, &types.Heartbeat{
			DeviceID: "dev-1", TemperatureC: &temp, ComputeStatus: "active",
		}))
		count, err := store.CountHeartbeatsSince(ctx, "dev-1", time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	// 测试限流计数
	t.Run("Rate Limit Entries", func(t *testing.T) {
		now := time.Now()
		require.NoError(t, store.AddRateLimit(ctx, "submit:dev-1", now))
		require.NoError(t, store.AddRateLimit(ctx, "submit:dev-1", now))
		count, err := store.CountRateLimit(ctx, "submit:dev-1", now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)

		require.NoError(t, store.CleanupRateLimits(ctx, now.Add(time.Minute)))
		count, err = store.CountRateLimit(ctx, "submit:dev-1", now.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})
}
