package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 交易类型常量
// ============================================================================

const (
	TransactionTypeTopUp       = "top-up"       // 充值（需管理员核实）
	TransactionTypeUnlock      = "unlock"       // 付费解锁
	TransactionTypeRefund      = "refund"       // 撤销解锁退款
	TransactionTypeWithdrawal  = "withdrawal"   // 艺人提现（预留）
	TransactionTypeFreeTrial   = "free-trial"   // 每周免费名额解锁
	TransactionTypeSignupBonus = "signup-bonus" // 注册赠送
)

// ============================================================================
// 积分流水实体
// ============================================================================

// CreditTransaction 积分流水表
// 记录账户的每一笔积分变动，是对账和艺人结算的依据
//
// 【重要】流水表设计原则：
// 1. 只追加，唯一允许修改的是充值核实字段（AdminVerified/VerifiedBy/VerifiedAt）和 FraudFlag
// 2. 只有未核实的充值可以被管理员驳回删除
// 3. 创建时即影响余额的流水记录交易前后余额，充值在核实时才入账，所以这两个字段为空
type CreditTransaction struct {
	ID                   int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo        string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	AccountID            string          `gorm:"type:varchar(64);index;not null" json:"account_id"`
	Type                 string          `gorm:"type:varchar(20);index;not null" json:"type"`
	AmountCredits        int64           `gorm:"not null" json:"amount_credits"`
	AmountMoney          decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"amount_money"`
	ArtistShare          decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"artist_share"`
	PlatformCut          decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"platform_cut"`
	SongID               *string         `gorm:"type:varchar(64);index" json:"song_id,omitempty"`
	TransactionReference *string         `gorm:"type:varchar(64);uniqueIndex" json:"transaction_reference,omitempty"`
	BalanceBefore        *int64          `json:"balance_before,omitempty"`
	BalanceAfter         *int64          `json:"balance_after,omitempty"`
	AdminVerified        bool            `gorm:"not null;default:false;index" json:"admin_verified"`
	VerifiedBy           *string         `gorm:"type:varchar(64)" json:"verified_by,omitempty"`
	VerifiedAt           *time.Time      `json:"verified_at,omitempty"`
	IPAddress            string          `gorm:"type:varchar(64)" json:"ip_address,omitempty"`
	DeviceFingerprint    string          `gorm:"type:varchar(128)" json:"device_fingerprint,omitempty"`
	FraudFlag            bool            `gorm:"not null;default:false" json:"fraud_flag"`
	Remark               string          `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt            time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CreditTransaction) TableName() string {
	return "credit_transaction"
}
