package model

import (
	"time"
)

const (
	SongStatusDraft     = "draft"
	SongStatusPending   = "pending"
	SongStatusPublished = "published"
	SongStatusRejected  = "rejected"
)

// ValidStatusTransitions 歌曲发布状态机
var ValidStatusTransitions = map[string][]string{
	SongStatusDraft:   {SongStatusPending},
	SongStatusPending: {SongStatusPublished, SongStatusRejected},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

const (
	PriceTierX = "X"
	PriceTierY = "Y"
	PriceTierZ = "Z"
)

// TierForPrice 按价格区间划分档位：<=15 为 X，16-30 为 Y，其余为 Z
func TierForPrice(priceCredits int64) string {
	switch {
	case priceCredits <= 15:
		return PriceTierX
	case priceCredits <= 30:
		return PriceTierY
	default:
		return PriceTierZ
	}
}

// Song 歌曲表
// TotalUnlocks / TotalCreditsEarned / HeatScore 只能由解锁引擎修改
type Song struct {
	ID                 int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SongID             string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"song_id"`
	ArtistID           string    `gorm:"type:varchar(64);index;not null" json:"artist_id"`
	Title              string    `gorm:"type:varchar(200);not null" json:"title"`
	Genre              string    `gorm:"type:varchar(64)" json:"genre"`
	Description        string    `gorm:"type:text" json:"description"`
	PriceCredits       int64     `gorm:"not null" json:"price_credits"`
	PriceTier          string    `gorm:"type:varchar(4)" json:"price_tier"`
	UploadStatus       string    `gorm:"type:varchar(20);index;not null" json:"upload_status"`
	ModerationNotes    string    `gorm:"type:varchar(512)" json:"moderation_notes"`
	TotalUnlocks       int64     `gorm:"not null;default:0" json:"total_unlocks"`
	TotalCreditsEarned int64     `gorm:"not null;default:0" json:"total_credits_earned"`
	HeatScore          int64     `gorm:"not null;default:0;index" json:"heat_score"`
	CreatedAt          time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Song) TableName() string {
	return "song"
}
