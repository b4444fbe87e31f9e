package repository

import (
	"context"
	"errors"
	"time"

	"havenledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrAlreadyUnlocked   = errors.New("歌曲已解锁")
	ErrUnlockNotFound    = errors.New("解锁记录不存在")
	ErrRefundNotEligible = errors.New("已超过撤销时限或已撤销")
)

// UnlockRepository 解锁账本
type UnlockRepository struct {
	db *gorm.DB
}

func NewUnlockRepository(db *gorm.DB) *UnlockRepository {
	return &UnlockRepository{db: db}
}

func (r *UnlockRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

// RecordUnlock 写入一条有效的解锁记录，撤销窗口从 now 开始计算
//
// 先查一次有效记录给出明确的错误；真正的并发保护是唯一索引，
// 两个事务同时插入时后提交的一方会拿到 gorm.ErrDuplicatedKey。
func (r *UnlockRepository) RecordUnlock(ctx context.Context, tx *gorm.DB, record *model.UnlockRecord, now time.Time, window time.Duration) error {
	db := r.conn(tx)

	active, err := r.GetActive(ctx, db, record.AccountID, record.SongID)
	if err != nil && !errors.Is(err, ErrUnlockNotFound) {
		return err
	}
	if active != nil {
		return ErrAlreadyUnlocked
	}

	flag := true
	record.Active = &flag
	record.CanBeRefunded = true
	record.Refunded = false
	record.UnlockedAt = now
	record.RefundExpiresAt = now.Add(window)

	if err := db.WithContext(ctx).Create(record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyUnlocked
		}
		return err
	}
	return nil
}

// GetActive 查询 (account, song) 的有效解锁记录
func (r *UnlockRepository) GetActive(ctx context.Context, tx *gorm.DB, accountID, songID string) (*model.UnlockRecord, error) {
	var record model.UnlockRecord
	err := r.conn(tx).WithContext(ctx).
		Where("account_id = ? AND song_id = ? AND refunded = ?", accountID, songID, false).
		Order("id DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnlockNotFound
		}
		return nil, err
	}
	return &record, nil
}

// IsUnlocked 只有未退款的记录才算已解锁
func (r *UnlockRepository) IsUnlocked(ctx context.Context, accountID, songID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.UnlockRecord{}).
		Where("account_id = ? AND song_id = ? AND refunded = ?", accountID, songID, false).
		Count(&count).Error
	return count > 0, err
}

// MarkRefunded 标记退款
//
// 【关键点】撤销是否有效只看数据库里的 refund_expires_at 和服务端时间，
// 客户端倒计时只用于展示。过期和撤销同时发生时，由这条条件更新决定胜负。
func (r *UnlockRepository) MarkRefunded(ctx context.Context, tx *gorm.DB, id int64, now time.Time) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.UnlockRecord{}).
		Where("id = ? AND refunded = ? AND can_be_refunded = ? AND refund_expires_at > ?", id, false, true, now).
		Updates(map[string]interface{}{
			"refunded":        true,
			"refunded_at":     now,
			"can_be_refunded": false,
			"active":          nil,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrRefundNotEligible
	}

	return nil
}

// FinalizeExpired 撤销窗口结束后清除可退款标记，返回处理条数
func (r *UnlockRepository) FinalizeExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.UnlockRecord{}).
		Where("can_be_refunded = ? AND refunded = ? AND refund_expires_at <= ?", true, false, now).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	result := r.db.WithContext(ctx).
		Model(&model.UnlockRecord{}).
		Where("id IN ? AND can_be_refunded = ? AND refunded = ?", ids, true, false).
		Update("can_be_refunded", false)
	return result.RowsAffected, result.Error
}

// ListActiveByAccount 听众曲库：所有未退款的解锁记录，最近解锁在前
func (r *UnlockRepository) ListActiveByAccount(ctx context.Context, accountID string) ([]*model.UnlockRecord, error) {
	var records []*model.UnlockRecord
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND refunded = ?", accountID, false).
		Order("unlocked_at DESC").
		Order("id DESC").
		Find(&records).Error
	return records, err
}
