package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"havenledger/internal/config"
	"havenledger/internal/model"
	"havenledger/internal/repository"
	"havenledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ============================================================================
// 解锁引擎
// ============================================================================
//
// 【解锁流程】一个数据库事务内完成：
//
//	1. 校验歌曲已上架、未解锁
//	2. 免费名额：本周未用 -> 占用名额，余额不变
//	   付费：余额 >= 价格 -> 条件扣款（balance >= price AND version = ?）
//	3. 写解锁记录，撤销截止时间 = now + 撤销窗口
//	4. 歌曲解锁数、累计收入、热度
//	5. 追加流水（unlock / free-trial），付费解锁带分账金额
//	6. 写 outbox 事件
//
// 任何一步失败整个事务回滚：不会出现扣了款没有解锁记录，也不会有解锁记录没扣款。
//
// 【撤销】只看数据库里的 refund_expires_at 和服务端时间。UndoHandle 里的计时器
// 只是给调用方的倒计时，到期前后是否还能撤销由 MarkRefunded 的条件更新决定。
// ============================================================================

type UnlockService struct {
	db              *gorm.DB
	cfg             *config.Config
	accountRepo     *repository.AccountRepository
	songRepo        *repository.SongRepository
	unlockRepo      *repository.UnlockRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
	heat            *HeatScoreUpdater
	locker          accountLocker
	freeSlots       FreeSlotPolicy
	revenue         RevenuePolicy
	retry           retryPolicy
	now             Clock
}

func NewUnlockService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) (*UnlockService, error) {
	freeSlots, revenue, err := policiesFromConfig(cfg.Business)
	if err != nil {
		return nil, err
	}

	songRepo := repository.NewSongRepository(db)
	return &UnlockService{
		db:              db,
		cfg:             cfg,
		accountRepo:     repository.NewAccountRepository(db),
		songRepo:        songRepo,
		unlockRepo:      repository.NewUnlockRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		heat:            NewHeatScoreUpdater(songRepo, cfg.Business.HeatDelta),
		locker:          newAccountLocker(redisClient, cfg.Business),
		freeSlots:       freeSlots,
		revenue:         revenue,
		retry:           newRetryPolicy(cfg.Business),
		now:             systemClock,
	}, nil
}

// WithClock 替换时钟，返回值便于链式调用
func (s *UnlockService) WithClock(clock Clock) *UnlockService {
	s.now = clock
	return s
}

type UnlockRequest struct {
	SongID      string `json:"song_id" binding:"required"`
	UseFreeSlot bool   `json:"use_free_slot"`
}

// UnlockResult 解锁后的权威状态，调用方不需要自己推算余额
type UnlockResult struct {
	UnlockNo        string          `json:"unlock_no"`
	SongID          string          `json:"song_id"`
	CreditsSpent    int64           `json:"credits_spent"`
	UsedFreeSlot    bool            `json:"used_free_slot"`
	Balance         int64           `json:"balance"`
	FreeSlotsUsed   int             `json:"free_slots_used"`
	TransactionNo   string          `json:"transaction_no"`
	AmountMoney     decimal.Decimal `json:"amount_money"`
	ArtistShare     decimal.Decimal `json:"artist_share"`
	PlatformCut     decimal.Decimal `json:"platform_cut"`
	UnlockedAt      time.Time       `json:"unlocked_at"`
	RefundExpiresAt time.Time       `json:"refund_expires_at"`

	Undo *UndoHandle `json:"-"`
}

type UndoResult struct {
	UnlockNo        string    `json:"unlock_no"`
	SongID          string    `json:"song_id"`
	CreditsRefunded int64     `json:"credits_refunded"`
	Balance         int64     `json:"balance"`
	TransactionNo   string    `json:"transaction_no"`
	RefundedAt      time.Time `json:"refunded_at"`
}

// Unlock 解锁歌曲
//
// 已经解锁时返回 ErrAlreadyUnlocked 且不扣款，调用方应按成功处理。
func (s *UnlockService) Unlock(ctx context.Context, session Session, req *UnlockRequest) (*UnlockResult, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}

	release, err := s.locker.acquire(ctx, session.AccountID)
	if err != nil {
		return nil, err
	}
	defer release()

	var result *UnlockResult
	err = s.retry.do(ctx, "UnlockService", func() error {
		var txErr error
		result, txErr = s.unlockInTx(ctx, session.AccountID, req)
		return txErr
	})
	if err != nil {
		if !errors.Is(err, ErrAlreadyUnlocked) {
			log.Printf("[UnlockService] 解锁失败: accountID=%s, songID=%s, err=%v", session.AccountID, req.SongID, err)
		}
		return nil, err
	}

	result.Undo = s.newUndoHandle(session, req.SongID, result.RefundExpiresAt)

	log.Printf("[UnlockService] 解锁成功: unlockNo=%s, accountID=%s, songID=%s, credits=%d, freeSlot=%t, balance=%d",
		result.UnlockNo, session.AccountID, req.SongID, result.CreditsSpent, result.UsedFreeSlot, result.Balance)
	return result, nil
}

func (s *UnlockService) unlockInTx(ctx context.Context, accountID string, req *UnlockRequest) (*UnlockResult, error) {
	var result *UnlockResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()

		song, err := s.songRepo.GetBySongID(ctx, tx, req.SongID)
		if err != nil {
			return err
		}
		if song.UploadStatus != model.SongStatusPublished {
			return ErrSongNotAvailable
		}

		account, err := s.accountRepo.GetByAccountID(ctx, tx, accountID)
		if err != nil {
			return err
		}

		// 已解锁的歌曲直接返回，不再校验余额
		if _, err := s.unlockRepo.GetActive(ctx, tx, accountID, song.SongID); err == nil {
			return ErrAlreadyUnlocked
		} else if !errors.Is(err, repository.ErrUnlockNotFound) {
			return err
		}

		balanceBefore := account.Balance
		balanceAfter := account.Balance
		freeSlotsUsed := s.freeSlots.UsedThisWeek(account, now)
		credits := int64(0)
		split := s.revenue.Split(0)
		transType := model.TransactionTypeFreeTrial

		if req.UseFreeSlot {
			if freeSlotsUsed >= s.freeSlots.PerWeek {
				return ErrFreeSlotUsed
			}
			freeSlotsUsed++
			if err := s.accountRepo.ConsumeFreeSlot(ctx, tx, accountID, freeSlotsUsed, now, account.Version); err != nil {
				return err
			}
		} else {
			if account.Balance < song.PriceCredits {
				return ErrInsufficientFunds
			}
			balanceAfter, err = s.accountRepo.Debit(ctx, tx, accountID, song.PriceCredits, account.Version)
			if err != nil {
				return err
			}
			credits = song.PriceCredits
			split = s.revenue.Split(credits)
			transType = model.TransactionTypeUnlock
		}

		record := &model.UnlockRecord{
			UnlockNo:     idgen.GenerateUnlockNo(),
			AccountID:    accountID,
			SongID:       song.SongID,
			CreditsSpent: credits,
			UsedFreeSlot: req.UseFreeSlot,
		}
		if err := s.unlockRepo.RecordUnlock(ctx, tx, record, now, s.cfg.Business.UndoWindow()); err != nil {
			return err
		}

		if err := s.heat.OnUnlock(ctx, tx, song.SongID, credits); err != nil {
			return fmt.Errorf("更新歌曲统计失败: %w", err)
		}

		trans := &model.CreditTransaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			AccountID:     accountID,
			Type:          transType,
			AmountCredits: credits,
			AmountMoney:   split.Money,
			ArtistShare:   split.ArtistShare,
			PlatformCut:   split.PlatformCut,
			SongID:        stringPtr(song.SongID),
			BalanceBefore: int64Ptr(balanceBefore),
			BalanceAfter:  int64Ptr(balanceAfter),
			Remark:        fmt.Sprintf("解锁-%s-%s", record.UnlockNo, song.Title),
		}
		if err := s.transactionRepo.Append(ctx, tx, trans); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		event, err := newLedgerEvent(s.cfg.Kafka.Topic.LedgerEvents, model.EventUnlockCreated, accountID, map[string]interface{}{
			"unlock_no":         record.UnlockNo,
			"transaction_no":    trans.TransactionNo,
			"account_id":        accountID,
			"song_id":           song.SongID,
			"artist_id":         song.ArtistID,
			"credits":           credits,
			"used_free_slot":    req.UseFreeSlot,
			"amount_money":      split.Money.StringFixed(2),
			"artist_share":      split.ArtistShare.StringFixed(2),
			"platform_cut":      split.PlatformCut.StringFixed(2),
			"unlocked_at":       now.Format(time.RFC3339),
			"refund_expires_at": record.RefundExpiresAt.Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		if err := s.outboxRepo.Create(ctx, tx, event); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		result = &UnlockResult{
			UnlockNo:        record.UnlockNo,
			SongID:          song.SongID,
			CreditsSpent:    credits,
			UsedFreeSlot:    req.UseFreeSlot,
			Balance:         balanceAfter,
			FreeSlotsUsed:   freeSlotsUsed,
			TransactionNo:   trans.TransactionNo,
			AmountMoney:     split.Money,
			ArtistShare:     split.ArtistShare,
			PlatformCut:     split.PlatformCut,
			UnlockedAt:      record.UnlockedAt,
			RefundExpiresAt: record.RefundExpiresAt,
		}
		return nil
	})

	return result, err
}

// Undo 撤销窗口内撤销解锁：退回积分、回退歌曲统计、追加退款流水
//
// 免费名额不退回。窗口已过或已撤销返回 ErrNotEligible，余额不变。
func (s *UnlockService) Undo(ctx context.Context, session Session, songID string) (*UndoResult, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}

	release, err := s.locker.acquire(ctx, session.AccountID)
	if err != nil {
		return nil, err
	}
	defer release()

	var result *UndoResult
	err = s.retry.do(ctx, "UnlockService", func() error {
		var txErr error
		result, txErr = s.undoInTx(ctx, session.AccountID, songID)
		return txErr
	})
	if err != nil {
		log.Printf("[UnlockService] 撤销失败: accountID=%s, songID=%s, err=%v", session.AccountID, songID, err)
		return nil, err
	}

	log.Printf("[UnlockService] 撤销成功: unlockNo=%s, accountID=%s, songID=%s, refunded=%d, balance=%d",
		result.UnlockNo, session.AccountID, songID, result.CreditsRefunded, result.Balance)
	return result, nil
}

func (s *UnlockService) undoInTx(ctx context.Context, accountID, songID string) (*UndoResult, error) {
	var result *UndoResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()

		record, err := s.unlockRepo.GetActive(ctx, tx, accountID, songID)
		if err != nil {
			if errors.Is(err, repository.ErrUnlockNotFound) {
				return ErrNotEligible
			}
			return err
		}

		if err := s.unlockRepo.MarkRefunded(ctx, tx, record.ID, now); err != nil {
			return err
		}

		account, err := s.accountRepo.GetByAccountID(ctx, tx, accountID)
		if err != nil {
			return err
		}

		balanceBefore := account.Balance
		balanceAfter := account.Balance
		refunded := int64(0)
		if !record.UsedFreeSlot && record.CreditsSpent > 0 {
			refunded = record.CreditsSpent
			balanceAfter, err = s.accountRepo.Credit(ctx, tx, accountID, refunded)
			if err != nil {
				return fmt.Errorf("退回积分失败: %w", err)
			}
		}

		if err := s.heat.OnRefund(ctx, tx, songID, refunded); err != nil {
			return fmt.Errorf("回退歌曲统计失败: %w", err)
		}

		split := s.revenue.Split(refunded)
		trans := &model.CreditTransaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			AccountID:     accountID,
			Type:          model.TransactionTypeRefund,
			AmountCredits: refunded,
			AmountMoney:   split.Money,
			ArtistShare:   split.ArtistShare,
			PlatformCut:   split.PlatformCut,
			SongID:        stringPtr(songID),
			BalanceBefore: int64Ptr(balanceBefore),
			BalanceAfter:  int64Ptr(balanceAfter),
			Remark:        fmt.Sprintf("撤销解锁-%s", record.UnlockNo),
		}
		if err := s.transactionRepo.Append(ctx, tx, trans); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		event, err := newLedgerEvent(s.cfg.Kafka.Topic.LedgerEvents, model.EventUnlockRefunded, accountID, map[string]interface{}{
			"unlock_no":        record.UnlockNo,
			"transaction_no":   trans.TransactionNo,
			"account_id":       accountID,
			"song_id":          songID,
			"credits_refunded": refunded,
			"used_free_slot":   record.UsedFreeSlot,
			"refunded_at":      now.Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		if err := s.outboxRepo.Create(ctx, tx, event); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		result = &UndoResult{
			UnlockNo:        record.UnlockNo,
			SongID:          songID,
			CreditsRefunded: refunded,
			Balance:         balanceAfter,
			TransactionNo:   trans.TransactionNo,
			RefundedAt:      now,
		}
		return nil
	})

	return result, err
}

// IsUnlocked 只有未撤销的解锁记录才算已解锁
func (s *UnlockService) IsUnlocked(ctx context.Context, session Session, songID string) (bool, error) {
	if err := session.Validate(); err != nil {
		return false, err
	}
	return s.unlockRepo.IsUnlocked(ctx, session.AccountID, songID)
}

// ============================================================================
// 撤销句柄
// ============================================================================

// UndoHandle 一次解锁的撤销倒计时
//
// Expired() 在窗口结束时关闭，调用 Stop 或 Undo 后不再关闭。
// 计时器只用于展示，撤销能否成功以数据库中的过期时间为准。
type UndoHandle struct {
	session   Session
	songID    string
	expiresAt time.Time

	svc      *UnlockService
	timer    *time.Timer
	expired  chan struct{}
	stopOnce sync.Once
}

func (s *UnlockService) newUndoHandle(session Session, songID string, expiresAt time.Time) *UndoHandle {
	h := &UndoHandle{
		session:   session,
		songID:    songID,
		expiresAt: expiresAt,
		svc:       s,
		expired:   make(chan struct{}),
	}
	h.timer = time.AfterFunc(expiresAt.Sub(s.now()), func() {
		close(h.expired)
	})
	return h
}

func (h *UndoHandle) SongID() string {
	return h.songID
}

// ExpiresAt 服务端记录的撤销截止时间
func (h *UndoHandle) ExpiresAt() time.Time {
	return h.expiresAt
}

// Remaining 距离截止时间还剩多久，已过期返回 0
func (h *UndoHandle) Remaining(now time.Time) time.Duration {
	remaining := h.expiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (h *UndoHandle) Expired() <-chan struct{} {
	return h.expired
}

// Stop 取消倒计时，返回 true 表示计时器在到期前被停止
func (h *UndoHandle) Stop() bool {
	stopped := false
	h.stopOnce.Do(func() {
		stopped = h.timer.Stop()
	})
	return stopped
}

// Undo 停止倒计时并撤销解锁
func (h *UndoHandle) Undo(ctx context.Context) (*UndoResult, error) {
	h.Stop()
	return h.svc.Undo(ctx, h.session, h.songID)
}
