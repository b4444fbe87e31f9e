package repository

import (
	"context"
	"errors"

	"havenledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrSongNotFound      = errors.New("歌曲不存在")
	ErrSongStatusInvalid = errors.New("歌曲状态不合法")
)

const (
	SongSortHeat      = "heat"
	SongSortNewest    = "newest"
	SongSortPriceLow  = "price_low"
	SongSortPriceHigh = "price_high"
	SongSortOldest    = "oldest"
)

type SongRepository struct {
	db *gorm.DB
}

func NewSongRepository(db *gorm.DB) *SongRepository {
	return &SongRepository{db: db}
}

func (r *SongRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *SongRepository) Create(ctx context.Context, tx *gorm.DB, song *model.Song) error {
	return r.conn(tx).WithContext(ctx).Create(song).Error
}

func (r *SongRepository) GetBySongID(ctx context.Context, tx *gorm.DB, songID string) (*model.Song, error) {
	var song model.Song
	err := r.conn(tx).WithContext(ctx).Where("song_id = ?", songID).First(&song).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSongNotFound
		}
		return nil, err
	}
	return &song, nil
}

func (r *SongRepository) GetBySongIDs(ctx context.Context, songIDs []string) ([]*model.Song, error) {
	var songs []*model.Song
	if len(songIDs) == 0 {
		return songs, nil
	}
	err := r.db.WithContext(ctx).Where("song_id IN ?", songIDs).Find(&songs).Error
	return songs, err
}

// UpdateStatus 按状态机迁移发布状态，fromStatus 作为条件防止并发审核
func (r *SongRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, songID string, fromStatus, toStatus, notes string) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrSongStatusInvalid
	}

	result := r.conn(tx).WithContext(ctx).
		Model(&model.Song{}).
		Where("song_id = ? AND upload_status = ?", songID, fromStatus).
		Updates(map[string]interface{}{
			"upload_status":    toStatus,
			"moderation_notes": notes,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrSongStatusInvalid
	}

	return nil
}

// ApplyUnlockStats 解锁后累加统计
func (r *SongRepository) ApplyUnlockStats(ctx context.Context, tx *gorm.DB, songID string, credits, heatDelta int64) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.Song{}).
		Where("song_id = ?", songID).
		Updates(map[string]interface{}{
			"total_unlocks":        gorm.Expr("total_unlocks + 1"),
			"total_credits_earned": gorm.Expr("total_credits_earned + ?", credits),
			"heat_score":           gorm.Expr("heat_score + ?", heatDelta),
		})
	if result.Error != nil {
		return result.Error
	}
	return r.ensureUpdated(ctx, tx, songID, result.RowsAffected)
}

// RevertUnlockStats 撤销解锁时回退统计，所有字段最低为 0
func (r *SongRepository) RevertUnlockStats(ctx context.Context, tx *gorm.DB, songID string, credits, heatDelta int64) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.Song{}).
		Where("song_id = ?", songID).
		Updates(map[string]interface{}{
			"total_unlocks":        gorm.Expr("CASE WHEN total_unlocks > 1 THEN total_unlocks - 1 ELSE 0 END"),
			"total_credits_earned": gorm.Expr("CASE WHEN total_credits_earned > ? THEN total_credits_earned - ? ELSE 0 END", credits, credits),
			"heat_score":           gorm.Expr("CASE WHEN heat_score > ? THEN heat_score - ? ELSE 0 END", heatDelta, heatDelta),
		})
	if result.Error != nil {
		return result.Error
	}
	return r.ensureUpdated(ctx, tx, songID, result.RowsAffected)
}

// ensureUpdated 区分"歌曲不存在"和"值未变化"（MySQL 对未变化的行返回 0）
func (r *SongRepository) ensureUpdated(ctx context.Context, tx *gorm.DB, songID string, rowsAffected int64) error {
	if rowsAffected > 0 {
		return nil
	}
	_, err := r.GetBySongID(ctx, tx, songID)
	return err
}

func (r *SongRepository) ListByStatus(ctx context.Context, status, sort string, page, pageSize int) ([]*model.Song, int64, error) {
	var songs []*model.Song
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Song{}).Where("upload_status = ?", status)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order(orderClause(sort)).
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&songs).Error

	return songs, total, err
}

func orderClause(sort string) string {
	switch sort {
	case SongSortNewest:
		return "created_at DESC"
	case SongSortOldest:
		return "created_at ASC"
	case SongSortPriceLow:
		return "price_credits ASC"
	case SongSortPriceHigh:
		return "price_credits DESC"
	default:
		return "heat_score DESC"
	}
}
