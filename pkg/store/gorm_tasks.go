package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"planet-backend/pkg/types"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// newAssignmentID 生成分配记录主键
func newAssignmentID() string {
	return uuid.NewString()
}

// CreateTaskWithAssignment 在同一事务中创建任务与首个分配，
// 避免两个设备抢占同一个新任务
func (s *GormStore) CreateTaskWithAssignment(ctx context.Context, task *types.Task, assignment *types.Assignment) error {
	if assignment.ID == "" {
		assignment.ID = newAssignmentID()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(task).Error; err != nil {
			return fmt.Errorf("creating task: %w", err)
		}
		if err := tx.Create(assignment).Error; err != nil {
			return fmt.Errorf("creating assignment: %w", err)
		}
		return nil
	})
	if err != nil {
		return wrapErr("creating task with assignment", err)
	}
	return nil
}

// GetTask 获取任务
func (s *GormStore) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	var task types.Task
	err := s.db.WithContext(ctx).First(&task, "task_id = ?", taskID).Error
	if err != nil {
		return nil, wrapErr("querying task", err)
	}
	return &task, nil
}

// ClaimUnderReplicatedTask 原子地认领一个副本数不足的开放任务。
// 设备不能认领自己提交过或正在持有的任务。
func (s *GormStore) ClaimUnderReplicatedTask(ctx context.Context, deviceID string, quorum int) (*types.Task, error) {
	var claimed *types.Task

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task types.Task
		err := tx.Where("status = ?", types.TaskStatusAssigned).
			Where("(SELECT COUNT(*) FROM assignments WHERE assignments.task_id = tasks.task_id) < ?", quorum).
			Where("NOT EXISTS (SELECT 1 FROM assignments WHERE assignments.task_id = tasks.task_id AND assignments.device_id = ?)", deviceID).
			Order("priority DESC, created_at ASC").
			First(&task).Error
		if err != nil {
			return err
		}

		assignment := &types.Assignment{
			ID:       newAssignmentID(),
			TaskID:   task.TaskID,
			DeviceID: deviceID,
		}
		if err := tx.Create(assignment).Error; err != nil {
			return err
		}

		claimed = &task
		return nil
	})

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("claiming task: %w", ErrNotFound)
		}
		return nil, wrapErr("claiming task", err)
	}
	return claimed, nil
}

// CloseTask 以 CAS 方式流转任务状态，返回是否由本次调用完成流转。
// 多个并发提交跨过法定数量时，只有一次 CAS 成功，确保积分与惩罚恰好结算一次。
func (s *GormStore) CloseTask(ctx context.Context, taskID string, from, to types.TaskStatus) (bool, error) {
	result := s.db.WithContext(ctx).Model(&types.Task{}).
		Where("task_id = ? AND status = ?", taskID, from).
		Update("status", to)
	if result.Error != nil {
		return false, wrapErr("closing task", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// CreateAssignment 插入分配记录
func (s *GormStore) CreateAssignment(ctx context.Context, a *types.Assignment) error {
	if a.ID == "" {
		a.ID = newAssignmentID()
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return wrapErr("creating assignment", err)
	}
	return nil
}

// GetOpenAssignment 获取设备在某任务上的未提交分配
func (s *GormStore) GetOpenAssignment(ctx context.Context, deviceID, taskID string) (*types.Assignment, error) {
	var a types.Assignment
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND task_id = ? AND submitted_at IS NULL", deviceID, taskID).
		First(&a).Error
	if err != nil {
		return nil, wrapErr("querying open assignment", err)
	}
	return &a, nil
}

// GetOpenAssignmentForDevice 获取设备当前持有的任意未提交分配
func (s *GormStore) GetOpenAssignmentForDevice(ctx context.Context, deviceID string) (*types.Assignment, error) {
	var a types.Assignment
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND submitted_at IS NULL", deviceID).
		Order("assigned_at ASC").
		First(&a).Error
	if err != nil {
		return nil, wrapErr("querying open assignment", err)
	}
	return &a, nil
}

// SubmitResult 记录提交结果
func (s *GormStore) SubmitResult(ctx context.Context, assignmentID string, result []byte, canonical string, computeTimeMs int64) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&types.Assignment{}).
		Where("id = ? AND submitted_at IS NULL", assignmentID).
		Updates(map[string]interface{}{
			"result":           result,
			"canonical_result": canonical,
			"compute_time_ms":  computeTimeMs,
			"submitted_at":     now,
		})
	if res.Error != nil {
		return wrapErr("submitting result", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("assignment %s: %w", assignmentID, ErrNotFound)
	}
	return nil
}

// ListSubmissions 列出任务的全部已提交分配
func (s *GormStore) ListSubmissions(ctx context.Context, taskID string) ([]*types.Assignment, error) {
	var subs []*types.Assignment
	err := s.db.WithContext(ctx).
		Where("task_id = ? AND submitted_at IS NOT NULL", taskID).
		Order("submitted_at ASC").
		Find(&subs).Error
	if err != nil {
		return nil, wrapErr("querying submissions", err)
	}
	return subs, nil
}

// SetAssignmentMatch 设置共识匹配标记
func (s *GormStore) SetAssignmentMatch(ctx context.Context, assignmentID string, match bool) error {
	err := s.db.WithContext(ctx).Model(&types.Assignment{}).
		Where("id = ?", assignmentID).
		Update("is_match", match).Error
	if err != nil {
		return wrapErr("setting assignment match", err)
	}
	return nil
}

// SetAssignmentAIVerdict 记录 AI 验证器的置信度与标记
func (s *GormStore) SetAssignmentAIVerdict(ctx context.Context, assignmentID string, confidence float64, flags string) error {
	err := s.db.WithContext(ctx).Model(&types.Assignment{}).
		Where("id = ?", assignmentID).
		Updates(map[string]interface{}{
			"ai_confidence": confidence,
			"ai_flags":      flags,
		}).Error
	if err != nil {
		return wrapErr("setting ai verdict", err)
	}
	return nil
}

// CountAssignments 统计设备自某时刻起的分配数
func (s *GormStore) CountAssignments(ctx context.Context, deviceID string, since time.Time, submittedOnly bool) (int64, error) {
	q := s.db.WithContext(ctx).Model(&types.Assignment{}).
		Where("device_id = ? AND assigned_at >= ?", deviceID, since)
	if submittedOnly {
		q = q.Where("submitted_at IS NOT NULL")
	}

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, wrapErr("counting assignments", err)
	}
	return count, nil
}

// CountVerifiedAssignments 统计设备自某时刻起被共识确认的分配数
func (s *GormStore) CountVerifiedAssignments(ctx context.Context, deviceID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&types.Assignment{}).
		Where("device_id = ? AND assigned_at >= ? AND is_match = ?", deviceID, since, true).
		Count(&count).Error
	if err != nil {
		return 0, wrapErr("counting verified assignments", err)
	}
	return count, nil
}

// AppendFailure 追加失败记录
func (s *GormStore) AppendFailure(ctx context.Context, rec *types.FailureRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return wrapErr("appending failure", err)
	}
	return nil
}

// CountFailuresSince 统计设备在时间窗口内的失败次数
func (s *GormStore) CountFailuresSince(ctx context.Context, deviceID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&types.FailureRecord{}).
		Where("device_id = ? AND created_at >= ?", deviceID, since).
		Count(&count).Error
	if err != nil {
		return 0, wrapErr("counting failures", err)
	}
	return count, nil
}

// UpsertQualityScore 写入或更新质量分数
func (s *GormStore) UpsertQualityScore(ctx context.Context, score *types.QualityScore) error {
	if err := s.db.WithContext(ctx).Save(score).Error; err != nil {
		return wrapErr("upserting quality score", err)
	}
	return nil
}

// AppendPointRecord 追加积分记录
func (s *GormStore) AppendPointRecord(ctx context.Context, rec *types.PointRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return wrapErr("appending point record", err)
	}
	return nil
}

// ListPointRecords 列出周期内的全部积分记录
func (s *GormStore) ListPointRecords(ctx context.Context, epoch int) ([]*types.PointRecord, error) {
	var recs []*types.PointRecord
	err := s.db.WithContext(ctx).
		Where("epoch = ?", epoch).
		Find(&recs).Error
	if err != nil {
		return nil, wrapErr("querying point records", err)
	}
	return recs, nil
}

// ListPointRecordsForDevices 列出指定设备在周期内的积分记录
func (s *GormStore) ListPointRecordsForDevices(ctx context.Context, epoch int, deviceIDs []string) ([]*types.PointRecord, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	var recs []*types.PointRecord
	err := s.db.WithContext(ctx).
		Where("epoch = ? AND device_id IN ?", epoch, deviceIDs).
		Find(&recs).Error
	if err != nil {
		return nil, wrapErr("querying point records", err)
	}
	return recs, nil
}

// CreateClaim 创建外部贡献声明
func (s *GormStore) CreateClaim(ctx context.Context, claim *types.Claim) error {
	if err := s.db.WithContext(ctx).Create(claim).Error; err != nil {
		return wrapErr("creating claim", err)
	}
	return nil
}

// GetClaim 获取声明
func (s *GormStore) GetClaim(ctx context.Context, id uint) (*types.Claim, error) {
	var claim types.Claim
	err := s.db.WithContext(ctx).First(&claim, "id = ?", id).Error
	if err != nil {
		return nil, wrapErr("querying claim", err)
	}
	return &claim, nil
}

// NextUnverifiedClaim 获取最早的待验证声明，且尚未有开放的验证任务
func (s *GormStore) NextUnverifiedClaim(ctx context.Context) (*types.Claim, error) {
	var claim types.Claim
	err := s.db.WithContext(ctx).
		Where("verified IS NULL").
		Where("NOT EXISTS (SELECT 1 FROM tasks WHERE tasks.claim_id = claims.id AND tasks.status = ?)", types.TaskStatusAssigned).
		Order("created_at ASC").
		First(&claim).Error
	if err != nil {
		return nil, wrapErr("querying unverified claim", err)
	}
	return &claim, nil
}

// ResolveClaim 落定声明的验证结果
func (s *GormStore) ResolveClaim(ctx context.Context, id uint, verified, fraud bool) error {
	err := s.db.WithContext(ctx).Model(&types.Claim{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"verified": verified,
			"fraud":    fraud,
		}).Error
	if err != nil {
		return wrapErr("resolving claim", err)
	}
	return nil
}
