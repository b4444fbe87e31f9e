package model

import (
	"time"
)

// UnlockRecord 解锁记录表
//
// 【重要】同一 (account_id, song_id) 最多只有一条有效记录：
// Active 在有效期间为 true，退款后置为 NULL。唯一索引 (account_id, song_id, active)
// 中 NULL 互不冲突，所以退款后的记录不会挡住重新解锁，而并发的两次解锁只能成功一次。
type UnlockRecord struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UnlockNo        string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"unlock_no"`
	AccountID       string     `gorm:"type:varchar(64);not null;uniqueIndex:uk_account_song_active,priority:1" json:"account_id"`
	SongID          string     `gorm:"type:varchar(64);not null;index;uniqueIndex:uk_account_song_active,priority:2" json:"song_id"`
	Active          *bool      `gorm:"uniqueIndex:uk_account_song_active,priority:3" json:"-"`
	CreditsSpent    int64      `gorm:"not null;default:0" json:"credits_spent"`
	UsedFreeSlot    bool       `gorm:"not null;default:false" json:"used_free_slot"`
	CanBeRefunded   bool       `gorm:"not null;default:true" json:"can_be_refunded"`
	RefundExpiresAt time.Time  `gorm:"not null;index" json:"refund_expires_at"`
	Refunded        bool       `gorm:"not null;default:false" json:"refunded"`
	RefundedAt      *time.Time `json:"refunded_at"`
	UnlockedAt      time.Time  `gorm:"not null" json:"unlocked_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (UnlockRecord) TableName() string {
	return "unlocked_song"
}

// RefundableAt 判断在 now 时刻是否仍在撤销窗口内，以服务端存储的过期时间为准
func (r *UnlockRecord) RefundableAt(now time.Time) bool {
	return !r.Refunded && r.CanBeRefunded && now.Before(r.RefundExpiresAt)
}
