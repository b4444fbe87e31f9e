package repository

import (
	"context"
	"errors"
	"time"

	"havenledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound   = errors.New("账户不存在")
	ErrBalanceNotEnough  = errors.New("余额不足")
	ErrOptimisticLock    = errors.New("乐观锁冲突，请重试")
	ErrInvalidAmount     = errors.New("金额必须大于0")
	ErrAccountConflict   = errors.New("账户已存在")
	ErrNegativeFreeSlots = errors.New("免费名额计数不能为负数")
)

// AccountRepository 余额存储
//
// 所有写操作都是条件更新：扣款要求 balance >= amount 且 version 未变，
// 失败时不产生任何副作用，调用方用新读到的数据重试。
type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

// Create 新建账户，account_id 冲突时返回 ErrAccountConflict
func (r *AccountRepository) Create(ctx context.Context, tx *gorm.DB, account *model.Account) error {
	result := r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoNothing: true,
		}).
		Create(account)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountConflict
	}
	return nil
}

func (r *AccountRepository) GetByAccountID(ctx context.Context, tx *gorm.DB, accountID string) (*model.Account, error) {
	var account model.Account
	err := r.conn(tx).WithContext(ctx).Where("account_id = ?", accountID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// Debit 扣减余额，返回扣减后的余额
//
// 【关键点】UPDATE ... WHERE balance >= amount AND version = ?
// 在提交时重新校验 balance >= 0，而不是相信之前读到的余额。
func (r *AccountRepository) Debit(ctx context.Context, tx *gorm.DB, accountID string, amount int64, version int) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	db := r.conn(tx)
	result := db.WithContext(ctx).
		Model(&model.Account{}).
		Where("account_id = ? AND balance >= ? AND version = ?", accountID, amount, version).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return 0, result.Error
	}

	if result.RowsAffected == 0 {
		account, err := r.GetByAccountID(ctx, db, accountID)
		if err != nil {
			return 0, err
		}
		if account.Balance < amount {
			return 0, ErrBalanceNotEnough
		}
		return 0, ErrOptimisticLock
	}

	return r.balanceOf(ctx, db, accountID)
}

// Credit 增加余额，返回增加后的余额
func (r *AccountRepository) Credit(ctx context.Context, tx *gorm.DB, accountID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	db := r.conn(tx)
	result := db.WithContext(ctx).
		Model(&model.Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return 0, result.Error
	}

	if result.RowsAffected == 0 {
		return 0, ErrAccountNotFound
	}

	return r.balanceOf(ctx, db, accountID)
}

// ConsumeFreeSlot 占用一个免费名额，used 为占用后的本周计数
func (r *AccountRepository) ConsumeFreeSlot(ctx context.Context, tx *gorm.DB, accountID string, used int, now time.Time, version int) error {
	if used < 0 {
		return ErrNegativeFreeSlots
	}

	result := r.conn(tx).WithContext(ctx).
		Model(&model.Account{}).
		Where("account_id = ? AND version = ?", accountID, version).
		Updates(map[string]interface{}{
			"free_slots_used":    used,
			"free_slot_reset_at": now,
			"version":            gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	return nil
}

func (r *AccountRepository) balanceOf(ctx context.Context, db *gorm.DB, accountID string) (int64, error) {
	var balance int64
	err := db.WithContext(ctx).
		Model(&model.Account{}).
		Where("account_id = ?", accountID).
		Select("balance").
		Scan(&balance).Error
	return balance, err
}
