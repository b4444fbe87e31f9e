package repository

import (
	"context"
	"errors"
	"time"

	"havenledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrTransactionNotFound = errors.New("流水不存在")
	ErrTopUpNotPending     = errors.New("充值不存在或已核实")
	ErrDuplicateReference  = errors.New("交易参考号已提交过")
)

// TransactionRepository 积分流水，只追加
type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

// Append 写入一条流水，写入后不再修改
func (r *TransactionRepository) Append(ctx context.Context, tx *gorm.DB, trans *model.CreditTransaction) error {
	err := r.conn(tx).WithContext(ctx).Create(trans).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) && trans.TransactionReference != nil {
		return ErrDuplicateReference
	}
	return err
}

func (r *TransactionRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.CreditTransaction, error) {
	var trans model.CreditTransaction
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) GetByReference(ctx context.Context, reference string) (*model.CreditTransaction, error) {
	var trans model.CreditTransaction
	err := r.db.WithContext(ctx).Where("transaction_reference = ?", reference).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

// ListPendingTopUps 待核实的充值，最新的在前
func (r *TransactionRepository) ListPendingTopUps(ctx context.Context, limit int) ([]*model.CreditTransaction, error) {
	var transactions []*model.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("type = ? AND admin_verified = ?", model.TransactionTypeTopUp, false).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&transactions).Error
	return transactions, err
}

// VerifyTopUp 写入核实字段，只会成功一次
//
// 返回 true 表示本次调用完成了核实；已经核实过返回 false 且不报错，
// 管理员重复点击时调用方据此跳过入账。
func (r *TransactionRepository) VerifyTopUp(ctx context.Context, tx *gorm.DB, id int64, adminID string, now time.Time) (bool, error) {
	db := r.conn(tx)
	result := db.WithContext(ctx).
		Model(&model.CreditTransaction{}).
		Where("id = ? AND type = ? AND admin_verified = ?", id, model.TransactionTypeTopUp, false).
		Updates(map[string]interface{}{
			"admin_verified": true,
			"verified_by":    adminID,
			"verified_at":    now,
		})

	if result.Error != nil {
		return false, result.Error
	}

	if result.RowsAffected == 0 {
		trans, err := r.GetByID(ctx, db, id)
		if err != nil {
			return false, err
		}
		if trans.Type != model.TransactionTypeTopUp {
			return false, ErrTopUpNotPending
		}
		return false, nil
	}

	return true, nil
}

// RejectTopUp 删除未核实的充值（款项没有到账）
func (r *TransactionRepository) RejectTopUp(ctx context.Context, tx *gorm.DB, id int64) error {
	result := r.conn(tx).WithContext(ctx).
		Where("id = ? AND type = ? AND admin_verified = ?", id, model.TransactionTypeTopUp, false).
		Delete(&model.CreditTransaction{})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrTopUpNotPending
	}

	return nil
}

// SetFraudFlag 标记或取消可疑流水
func (r *TransactionRepository) SetFraudFlag(ctx context.Context, id int64, flag bool) error {
	result := r.db.WithContext(ctx).
		Model(&model.CreditTransaction{}).
		Where("id = ?", id).
		Update("fraud_flag", flag)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		_, err := r.GetByID(ctx, nil, id)
		return err
	}

	return nil
}

func (r *TransactionRepository) ListByAccountID(ctx context.Context, accountID string, page, pageSize int) ([]*model.CreditTransaction, int64, error) {
	var transactions []*model.CreditTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CreditTransaction{}).Where("account_id = ?", accountID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// ListBySong 某首歌的全部流水（解锁、退款）
func (r *TransactionRepository) ListBySong(ctx context.Context, songID string) ([]*model.CreditTransaction, error) {
	var transactions []*model.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("song_id = ?", songID).
		Order("id ASC").
		Find(&transactions).Error
	return transactions, err
}
