package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"havenledger/internal/config"
	"havenledger/internal/model"
	"havenledger/internal/repository"
	"havenledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// TopUpService 充值：听众提交付款参考号，管理员人工核实后入账
type TopUpService struct {
	db              *gorm.DB
	cfg             *config.Config
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
	locker          accountLocker
	revenue         RevenuePolicy
	retry           retryPolicy
	now             Clock
}

func NewTopUpService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) (*TopUpService, error) {
	_, revenue, err := policiesFromConfig(cfg.Business)
	if err != nil {
		return nil, err
	}
	return &TopUpService{
		db:              db,
		cfg:             cfg,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		locker:          newAccountLocker(redisClient, cfg.Business),
		revenue:         revenue,
		retry:           newRetryPolicy(cfg.Business),
		now:             systemClock,
	}, nil
}

func (s *TopUpService) WithClock(clock Clock) *TopUpService {
	s.now = clock
	return s
}

type SubmitTopUpRequest struct {
	Credits           int64  `json:"credits" binding:"required,gt=0"`
	Reference         string `json:"transaction_reference" binding:"required"`
	DeviceFingerprint string `json:"device_fingerprint"`
	IPAddress         string `json:"-"`
}

type VerifyTopUpResult struct {
	Transaction     *model.CreditTransaction `json:"transaction"`
	Balance         int64                    `json:"balance"`
	AlreadyVerified bool                     `json:"already_verified"`
}

// Submit 提交充值申请，核实前不影响余额
func (s *TopUpService) Submit(ctx context.Context, session Session, req *SubmitTopUpRequest) (*model.CreditTransaction, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	if !s.isBundle(req.Credits) {
		return nil, ErrInvalidBundle
	}

	reference := strings.TrimSpace(req.Reference)
	if len(reference) < s.cfg.Business.MinReferenceLength {
		return nil, ErrInvalidReference
	}

	if _, err := s.accountRepo.GetByAccountID(ctx, nil, session.AccountID); err != nil {
		return nil, err
	}

	existing, err := s.transactionRepo.GetByReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("查询参考号失败: %w", err)
	}
	if existing != nil {
		return nil, ErrDuplicateReference
	}

	trans := &model.CreditTransaction{
		TransactionNo:        idgen.GenerateTransactionNo(),
		AccountID:            session.AccountID,
		Type:                 model.TransactionTypeTopUp,
		AmountCredits:        req.Credits,
		AmountMoney:          s.revenue.MoneyFor(req.Credits),
		TransactionReference: stringPtr(reference),
		IPAddress:            req.IPAddress,
		DeviceFingerprint:    req.DeviceFingerprint,
		Remark:               fmt.Sprintf("充值-%d积分", req.Credits),
	}
	// 唯一索引兜底并发提交同一个参考号
	err = s.retry.do(ctx, "TopUpService", func() error {
		trans.ID = 0
		return s.transactionRepo.Append(ctx, nil, trans)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[TopUpService] 充值申请已提交: transactionNo=%s, accountID=%s, credits=%d",
		trans.TransactionNo, session.AccountID, req.Credits)
	return trans, nil
}

func (s *TopUpService) ListPending(ctx context.Context, admin Session, limit int) ([]*model.CreditTransaction, error) {
	if err := admin.requireAdmin(); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}
	return s.transactionRepo.ListPendingTopUps(ctx, limit)
}

// Verify 核实充值并入账
//
// 核实字段和入账在同一个事务里，重复核实不会重复入账。
func (s *TopUpService) Verify(ctx context.Context, admin Session, id int64) (*VerifyTopUpResult, error) {
	if err := admin.requireAdmin(); err != nil {
		return nil, err
	}

	var trans *model.CreditTransaction
	err := s.retry.do(ctx, "TopUpService", func() error {
		var getErr error
		trans, getErr = s.transactionRepo.GetByID(ctx, nil, id)
		return getErr
	})
	if err != nil {
		return nil, err
	}
	if trans.Type != model.TransactionTypeTopUp {
		return nil, ErrTopUpNotPending
	}

	release, err := s.locker.acquire(ctx, trans.AccountID)
	if err != nil {
		return nil, err
	}
	defer release()

	var result *VerifyTopUpResult
	err = s.retry.do(ctx, "TopUpService", func() error {
		var txErr error
		result, txErr = s.verifyInTx(ctx, trans, admin.AccountID)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	result.Transaction, err = s.transactionRepo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}

	if result.AlreadyVerified {
		log.Printf("[TopUpService] 充值已核实过，忽略: id=%d, admin=%s", id, admin.AccountID)
	} else {
		log.Printf("[TopUpService] 充值核实入账: id=%d, accountID=%s, credits=%d, admin=%s",
			id, trans.AccountID, trans.AmountCredits, admin.AccountID)
	}
	return result, nil
}

// verifyInTx 核实字段、入账、outbox 事件在同一个事务里
func (s *TopUpService) verifyInTx(ctx context.Context, trans *model.CreditTransaction, adminID string) (*VerifyTopUpResult, error) {
	result := &VerifyTopUpResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()

		verified, err := s.transactionRepo.VerifyTopUp(ctx, tx, trans.ID, adminID, now)
		if err != nil {
			return err
		}

		if !verified {
			result.AlreadyVerified = true
			account, err := s.accountRepo.GetByAccountID(ctx, tx, trans.AccountID)
			if err != nil {
				return err
			}
			result.Balance = account.Balance
			return nil
		}

		balance, err := s.accountRepo.Credit(ctx, tx, trans.AccountID, trans.AmountCredits)
		if err != nil {
			return fmt.Errorf("充值入账失败: %w", err)
		}
		result.Balance = balance

		event, err := newLedgerEvent(s.cfg.Kafka.Topic.LedgerEvents, model.EventTopUpVerified, trans.AccountID, map[string]interface{}{
			"transaction_no": trans.TransactionNo,
			"account_id":     trans.AccountID,
			"credits":        trans.AmountCredits,
			"amount_money":   trans.AmountMoney.StringFixed(2),
			"verified_by":    adminID,
			"verified_at":    now.Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		return s.outboxRepo.Create(ctx, tx, event)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Reject 驳回未核实的充值，记录直接删除
func (s *TopUpService) Reject(ctx context.Context, admin Session, id int64) error {
	if err := admin.requireAdmin(); err != nil {
		return err
	}

	err := s.retry.do(ctx, "TopUpService", func() error {
		return s.transactionRepo.RejectTopUp(ctx, nil, id)
	})
	if err != nil {
		return err
	}

	log.Printf("[TopUpService] 充值已驳回: id=%d, admin=%s", id, admin.AccountID)
	return nil
}

// FlagFraud 标记可疑充值
func (s *TopUpService) FlagFraud(ctx context.Context, admin Session, id int64, flag bool) error {
	if err := admin.requireAdmin(); err != nil {
		return err
	}
	err := s.retry.do(ctx, "TopUpService", func() error {
		return s.transactionRepo.SetFraudFlag(ctx, id, flag)
	})
	if err != nil {
		return err
	}
	log.Printf("[TopUpService] 风控标记: id=%d, flag=%t, admin=%s", id, flag, admin.AccountID)
	return nil
}

func (s *TopUpService) isBundle(credits int64) bool {
	for _, bundle := range s.cfg.Business.CreditBundles {
		if bundle == credits {
			return true
		}
	}
	return false
}
