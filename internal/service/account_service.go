package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"havenledger/internal/config"
	"havenledger/internal/model"
	"havenledger/internal/repository"
	"havenledger/pkg/idgen"

	"gorm.io/gorm"
)

type AccountService struct {
	db              *gorm.DB
	cfg             *config.Config
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
	freeSlots       FreeSlotPolicy
	retry           retryPolicy
	now             Clock
}

func NewAccountService(db *gorm.DB, cfg *config.Config) (*AccountService, error) {
	freeSlots, _, err := policiesFromConfig(cfg.Business)
	if err != nil {
		return nil, err
	}
	return &AccountService{
		db:              db,
		cfg:             cfg,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		freeSlots:       freeSlots,
		retry:           newRetryPolicy(cfg.Business),
		now:             systemClock,
	}, nil
}

func (s *AccountService) WithClock(clock Clock) *AccountService {
	s.now = clock
	return s
}

type RegisterRequest struct {
	Email string `json:"email" binding:"omitempty,email"`
}

// AccountView 账户信息和本周免费名额
type AccountView struct {
	Account  *model.Account `json:"account"`
	FreeSlot FreeSlotStatus `json:"free_slot"`
	Created  bool           `json:"created"`
}

// Register 首次登录时开户，赠送注册积分并记一笔 signup-bonus 流水
//
// 幂等：账户已存在时原样返回，不会重复赠送。
func (s *AccountService) Register(ctx context.Context, session Session, req *RegisterRequest) (*AccountView, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}

	role := session.Role
	if role == "" {
		role = model.RoleListener
	}

	var existing *model.Account
	err := s.retry.do(ctx, "AccountService", func() error {
		var getErr error
		existing, getErr = s.accountRepo.GetByAccountID(ctx, nil, session.AccountID)
		return getErr
	})
	if err == nil {
		return s.view(existing, false), nil
	}
	if !errors.Is(err, repository.ErrAccountNotFound) {
		return nil, fmt.Errorf("查询账户失败: %w", err)
	}

	bonus := s.cfg.Business.SignupBonusCredits
	account := &model.Account{
		AccountID: session.AccountID,
		Email:     req.Email,
		Role:      role,
		Balance:   bonus,
	}

	err = s.retry.do(ctx, "AccountService", func() error {
		account.ID = 0
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.createWithBonus(ctx, tx, account)
		})
	})

	if errors.Is(err, repository.ErrAccountConflict) {
		// 并发开户，另一个请求已经成功
		existing, getErr := s.accountRepo.GetByAccountID(ctx, nil, session.AccountID)
		if getErr != nil {
			return nil, getErr
		}
		return s.view(existing, false), nil
	}
	if err != nil {
		return nil, err
	}

	log.Printf("[AccountService] 开户成功: accountID=%s, role=%s, bonus=%d", session.AccountID, role, bonus)

	created, err := s.accountRepo.GetByAccountID(ctx, nil, session.AccountID)
	if err != nil {
		return nil, err
	}
	return s.view(created, true), nil
}

func (s *AccountService) GetAccount(ctx context.Context, session Session) (*AccountView, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	account, err := s.accountRepo.GetByAccountID(ctx, nil, session.AccountID)
	if err != nil {
		return nil, err
	}
	return s.view(account, false), nil
}

func (s *AccountService) GetFreeSlotStatus(ctx context.Context, session Session) (*FreeSlotStatus, error) {
	view, err := s.GetAccount(ctx, session)
	if err != nil {
		return nil, err
	}
	return &view.FreeSlot, nil
}

type TransactionPage struct {
	Items    []*model.CreditTransaction `json:"items"`
	Total    int64                      `json:"total"`
	Page     int                        `json:"page"`
	PageSize int                        `json:"page_size"`
}

// ListTransactions 账户流水，最新的在前
func (s *AccountService) ListTransactions(ctx context.Context, session Session, page, pageSize int) (*TransactionPage, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	page, pageSize = normalizePage(page, pageSize)

	items, total, err := s.transactionRepo.ListByAccountID(ctx, session.AccountID, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	return &TransactionPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

func (s *AccountService) view(account *model.Account, created bool) *AccountView {
	return &AccountView{
		Account:  account,
		FreeSlot: s.freeSlots.Status(account, s.now()),
		Created:  created,
	}
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

// createWithBonus 开户、赠送流水、outbox 事件在同一个事务里
func (s *AccountService) createWithBonus(ctx context.Context, tx *gorm.DB, account *model.Account) error {
	if err := s.accountRepo.Create(ctx, tx, account); err != nil {
		return err
	}
	bonus := account.Balance
	if bonus <= 0 {
		return nil
	}

	trans := &model.CreditTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		AccountID:     account.AccountID,
		Type:          model.TransactionTypeSignupBonus,
		AmountCredits: bonus,
		BalanceBefore: int64Ptr(0),
		BalanceAfter:  int64Ptr(bonus),
		Remark:        "注册赠送",
	}
	if err := s.transactionRepo.Append(ctx, tx, trans); err != nil {
		return fmt.Errorf("记录流水失败: %w", err)
	}

	event, err := newLedgerEvent(s.cfg.Kafka.Topic.LedgerEvents, model.EventSignupBonus, account.AccountID, map[string]interface{}{
		"account_id":     account.AccountID,
		"transaction_no": trans.TransactionNo,
		"credits":        bonus,
		"role":           account.Role,
		"created_at":     s.now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return s.outboxRepo.Create(ctx, tx, event)
}
