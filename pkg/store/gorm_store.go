package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"planet-backend/pkg/types"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore 通用GORM存储实现
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建GORM存储实例
func NewGormStore(dialector gorm.Dialector) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	store := &GormStore{db: db}

	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	return store, nil
}

// initialize 初始化数据库
func (s *GormStore) initialize() error {
	err := s.db.AutoMigrate(
		&types.Node{},
		&types.DeviceFingerprint{},
		&types.Task{},
		&types.Assignment{},
		&types.FailureRecord{},
		&types.QualityScore{},
		&types.PointRecord{},
		&types.Claim{},
		&types.Epoch{},
		&types.Reward{},
		&types.Referral{},
		&types.Streak{},
		&types.Heartbeat{},
		&types.RateLimitEntry{},
	)
	if err != nil {
		return fmt.Errorf("auto migrating tables: %w", err)
	}
	return nil
}

// Close 关闭数据库连接
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil
	}
	return sqlDB.Close()
}

// wrapErr 将GORM错误映射为存储层哨兵错误
func wrapErr(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// CreateNode 创建节点
func (s *GormStore) CreateNode(ctx context.Context, node *types.Node) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&types.Node{}).
		Where("device_id = ?", node.DeviceID).Count(&count).Error; err != nil {
		return wrapErr("checking node", err)
	}
	if count > 0 {
		return fmt.Errorf("node %s: %w", node.DeviceID, ErrConflict)
	}

	if err := s.db.WithContext(ctx).Create(node).Error; err != nil {
		return wrapErr("creating node", err)
	}
	return nil
}

// GetNode 获取节点
func (s *GormStore) GetNode(ctx context.Context, deviceID string) (*types.Node, error) {
	var node types.Node
	err := s.db.WithContext(ctx).First(&node, "device_id = ?", deviceID).Error
	if err != nil {
		return nil, wrapErr("querying node", err)
	}
	return &node, nil
}

// ListNodes 按条件列出节点
func (s *GormStore) ListNodes(ctx context.Context, filter NodeFilter) ([]*types.Node, error) {
	q := s.db.WithContext(ctx).Model(&types.Node{})
	if filter.Wallet != "" {
		q = q.Where("wallet_address = ?", filter.Wallet)
	}
	if filter.Tier != nil {
		q = q.Where("tier = ?", *filter.Tier)
	}
	if filter.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}
	if len(filter.DeviceIDs) > 0 {
		q = q.Where("device_id IN ?", filter.DeviceIDs)
	}

	var nodes []*types.Node
	if err := q.Order("device_id").Find(&nodes).Error; err != nil {
		return nil, wrapErr("querying nodes", err)
	}
	return nodes, nil
}

// UpdateNodeFields 更新节点字段
func (s *GormStore) UpdateNodeFields(ctx context.Context, deviceID string, fields map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&types.Node{}).
		Where("device_id = ?", deviceID).Updates(fields)
	if result.Error != nil {
		return wrapErr("updating node", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("node %s: %w", deviceID, ErrNotFound)
	}
	return nil
}

// DeactivateNode 软停用节点，可选重置信誉
func (s *GormStore) DeactivateNode(ctx context.Context, deviceID string, resetReputation bool) error {
	fields := map[string]interface{}{"is_active": false}
	if resetReputation {
		fields["reputation"] = 0
	}
	return s.UpdateNodeFields(ctx, deviceID, fields)
}

// DeactivateStaleNodes 停用心跳过期的活跃节点，返回被停用的设备列表
func (s *GormStore) DeactivateStaleNodes(ctx context.Context, cutoff time.Time) ([]string, error) {
	var stale []types.Node
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?", true, cutoff).
		Find(&stale).Error
	if err != nil {
		return nil, wrapErr("querying stale nodes", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(stale))
	for _, n := range stale {
		ids = append(ids, n.DeviceID)
	}

	err = s.db.WithContext(ctx).Model(&types.Node{}).
		Where("device_id IN ?", ids).
		Update("is_active", false).Error
	if err != nil {
		return nil, wrapErr("deactivating stale nodes", err)
	}
	return ids, nil
}

// TouchHeartbeat 更新节点的最后心跳并重新激活
func (s *GormStore) TouchHeartbeat(ctx context.Context, deviceID string, at time.Time) error {
	return s.UpdateNodeFields(ctx, deviceID, map[string]interface{}{
		"last_heartbeat": at,
		"is_active":      true,
	})
}

// GetFingerprint 获取指纹绑定
func (s *GormStore) GetFingerprint(ctx context.Context, hash string) (*types.DeviceFingerprint, error) {
	var fp types.DeviceFingerprint
	err := s.db.WithContext(ctx).First(&fp, "fingerprint_hash = ?", hash).Error
	if err != nil {
		return nil, wrapErr("querying fingerprint", err)
	}
	return &fp, nil
}

// BindFingerprint 写入或覆盖指纹绑定
func (s *GormStore) BindFingerprint(ctx context.Context, fp *types.DeviceFingerprint) error {
	err := s.db.WithContext(ctx).Save(fp).Error
	if err != nil {
		return wrapErr("binding fingerprint", err)
	}
	return nil
}

// RecordHeartbeat 记录已验证的心跳
func (s *GormStore) RecordHeartbeat(ctx context.Context, hb *types.Heartbeat) error {
	if err := s.db.WithContext(ctx).Create(hb).Error; err != nil {
		return wrapErr("recording heartbeat", err)
	}
	return nil
}

// CountHeartbeatsSince 统计设备自某时刻起的心跳数
func (s *GormStore) CountHeartbeatsSince(ctx context.Context, deviceID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&types.Heartbeat{}).
		Where("device_id = ? AND created_at >= ?", deviceID, since).
		Count(&count).Error
	if err != nil {
		return 0, wrapErr("counting heartbeats", err)
	}
	return count, nil
}

// CountRateLimit 统计窗口内的限流计数
func (s *GormStore) CountRateLimit(ctx context.Context, key string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&types.RateLimitEntry{}).
		Where("key = ? AND window_start >= ?", key, since).
		Count(&count).Error
	if err != nil {
		return 0, wrapErr("counting rate limit entries", err)
	}
	return count, nil
}

// AddRateLimit 记录一次限流动作
func (s *GormStore) AddRateLimit(ctx context.Context, key string, at time.Time) error {
	entry := &types.RateLimitEntry{Key: key, WindowStart: at}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return wrapErr("adding rate limit entry", err)
	}
	return nil
}

// CleanupRateLimits 清理过期限流记录
func (s *GormStore) CleanupRateLimits(ctx context.Context, cutoff time.Time) error {
	err := s.db.WithContext(ctx).
		Where("window_start < ?", cutoff).
		Delete(&types.RateLimitEntry{}).Error
	if err != nil {
		return wrapErr("cleaning rate limit entries", err)
	}
	return nil
}
