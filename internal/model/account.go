package model

import (
	"time"
)

const (
	RoleListener = "listener"
	RoleArtist   = "artist"
	RoleAdmin    = "admin"
)

// Account 用户账户表
// 记录听众的积分余额和每周免费试听名额，是整个账本的核心数据
type Account struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID       string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"account_id"` // 账户ID，由认证方传入
	Email           string     `gorm:"type:varchar(128)" json:"email"`
	Role            string     `gorm:"type:varchar(16);not null;default:listener" json:"role"`
	Balance         int64      `gorm:"not null;default:0" json:"balance"`         // 可用积分
	FreeSlotsUsed   int        `gorm:"not null;default:0" json:"free_slots_used"` // 本周已用免费名额
	FreeSlotResetAt *time.Time `json:"free_slot_reset_at"`                        // 最近一次使用免费名额的时间
	Version         int        `gorm:"not null;default:0" json:"version"`         // 乐观锁版本号
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}

func IsValidRole(role string) bool {
	switch role {
	case RoleListener, RoleArtist, RoleAdmin:
		return true
	}
	return false
}
