package service

import (
	"context"

	"havenledger/internal/repository"

	"gorm.io/gorm"
)

// HeatScoreUpdater 热度更新：解锁加 Delta，撤销减 Delta，最低为 0
//
// 解锁数和累计收入跟热度在同一条 UPDATE 里调整。
type HeatScoreUpdater struct {
	songRepo *repository.SongRepository
	Delta    int64
}

func NewHeatScoreUpdater(songRepo *repository.SongRepository, delta int64) *HeatScoreUpdater {
	return &HeatScoreUpdater{songRepo: songRepo, Delta: delta}
}

func (h *HeatScoreUpdater) OnUnlock(ctx context.Context, tx *gorm.DB, songID string, credits int64) error {
	return h.songRepo.ApplyUnlockStats(ctx, tx, songID, credits, h.Delta)
}

func (h *HeatScoreUpdater) OnRefund(ctx context.Context, tx *gorm.DB, songID string, credits int64) error {
	return h.songRepo.RevertUnlockStats(ctx, tx, songID, credits, h.Delta)
}
