package store

import (
	"context"
	"fmt"
	"time"

	"planet-backend/pkg/types"
)

// GetActiveEpoch 获取当前活跃周期
func (s *GormStore) GetActiveEpoch(ctx context.Context) (*types.Epoch, error) {
	var epoch types.Epoch
	err := s.db.WithContext(ctx).
		Where("status = ?", types.EpochStatusActive).
		First(&epoch).Error
	if err != nil {
		return nil, wrapErr("querying active epoch", err)
	}
	return &epoch, nil
}

// CreateEpoch 创建周期，同一时刻仅允许一个活跃周期
func (s *GormStore) CreateEpoch(ctx context.Context, epoch *types.Epoch) error {
	if epoch.Status == types.EpochStatusActive {
		var count int64
		err := s.db.WithContext(ctx).Model(&types.Epoch{}).
			Where("status = ?", types.EpochStatusActive).
			Count(&count).Error
		if err != nil {
			return wrapErr("checking active epoch", err)
		}
		if count > 0 {
			return fmt.Errorf("active epoch exists: %w", ErrConflict)
		}
	}

	if err := s.db.WithContext(ctx).Create(epoch).Error; err != nil {
		return wrapErr("creating epoch", err)
	}
	return nil
}

// CloseEpoch 以 CAS 方式关闭周期并记录默克尔根，关闭是单向的
func (s *GormStore) CloseEpoch(ctx context.Context, number int, root string, totalPoints float64, totalDevices int) (bool, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&types.Epoch{}).
		Where("number = ? AND status = ?", number, types.EpochStatusActive).
		Updates(map[string]interface{}{
			"status":        types.EpochStatusClosed,
			"merkle_root":   root,
			"total_points":  totalPoints,
			"total_devices": totalDevices,
			"closed_at":     now,
		})
	if result.Error != nil {
		return false, wrapErr("closing epoch", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// UpsertReward 写入奖励叶子
func (s *GormStore) UpsertReward(ctx context.Context, reward *types.Reward) error {
	if err := s.db.WithContext(ctx).Save(reward).Error; err != nil {
		return wrapErr("upserting reward", err)
	}
	return nil
}

// ListRewards 列出钱包的全部奖励，按周期倒序
func (s *GormStore) ListRewards(ctx context.Context, wallet string) ([]*types.Reward, error) {
	var rewards []*types.Reward
	err := s.db.WithContext(ctx).
		Where("wallet_address = ?", wallet).
		Order("epoch DESC").
		Find(&rewards).Error
	if err != nil {
		return nil, wrapErr("querying rewards", err)
	}
	return rewards, nil
}

// CreateReferral 创建推荐码
func (s *GormStore) CreateReferral(ctx context.Context, ref *types.Referral) error {
	if err := s.db.WithContext(ctx).Create(ref).Error; err != nil {
		return wrapErr("creating referral", err)
	}
	return nil
}

// GetReferralByCode 按推荐码查询
func (s *GormStore) GetReferralByCode(ctx context.Context, code string) (*types.Referral, error) {
	var ref types.Referral
	err := s.db.WithContext(ctx).First(&ref, "code = ?", code).Error
	if err != nil {
		return nil, wrapErr("querying referral", err)
	}
	return &ref, nil
}

// RedeemReferral 兑换推荐码，仅当尚未被兑换时生效; 兑换即开启加成窗口
func (s *GormStore) RedeemReferral(ctx context.Context, id uint, invitee string, expiresAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&types.Referral{}).
		Where("id = ? AND (invitee_wallet = '' OR invitee_wallet IS NULL)", id).
		Updates(map[string]interface{}{
			"invitee_wallet":   invitee,
			"bonus_expires_at": expiresAt,
			"active":           true,
		})
	if result.Error != nil {
		return wrapErr("redeeming referral", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("referral %d: %w", id, ErrConflict)
	}
	return nil
}

// ListActiveReferrals 列出奖励窗口内的已兑换推荐
func (s *GormStore) ListActiveReferrals(ctx context.Context, now time.Time) ([]*types.Referral, error) {
	var refs []*types.Referral
	err := s.db.WithContext(ctx).
		Where("active = ? AND invitee_wallet <> '' AND bonus_expires_at > ?", true, now).
		Find(&refs).Error
	if err != nil {
		return nil, wrapErr("querying active referrals", err)
	}
	return refs, nil
}

// GetStreak 获取钱包的连续活跃记录
func (s *GormStore) GetStreak(ctx context.Context, wallet string) (*types.Streak, error) {
	var streak types.Streak
	err := s.db.WithContext(ctx).First(&streak, "wallet_address = ?", wallet).Error
	if err != nil {
		return nil, wrapErr("querying streak", err)
	}
	return &streak, nil
}

// UpsertStreak 写入或更新连续活跃记录
func (s *GormStore) UpsertStreak(ctx context.Context, streak *types.Streak) error {
	if err := s.db.WithContext(ctx).Save(streak).Error; err != nil {
		return wrapErr("upserting streak", err)
	}
	return nil
}
