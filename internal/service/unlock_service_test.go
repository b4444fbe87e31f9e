package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"havenledger/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnlock_PaidScenario(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "acc-1")
	env.publishedSong(t, "song-1", 20)

	result, err := env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-1"})
	require.NoError(t, err)
	defer result.Undo.Stop()

	assert.Equal(t, int64(80), result.Balance)
	assert.Equal(t, int64(20), result.CreditsSpent)
	assert.False(t, result.UsedFreeSlot)
	assert.True(t, result.AmountMoney.Equal(decimal.RequireFromString("16.00")))
	assert.True(t, result.ArtistShare.Equal(decimal.RequireFromString("8.80")))
	assert.True(t, result.PlatformCut.Equal(decimal.RequireFromString("7.20")))
	assert.True(t, result.RefundExpiresAt.Equal(testStart.Add(10*time.Second)))

	assert.Equal(t, int64(80), env.account(t, "acc-1").Balance)

	records := env.unlockRecords(t, "acc-1", "song-1")
	require.Len(t, records, 1)
	assert.True(t, records[0].CanBeRefunded)
	assert.False(t, records[0].Refunded)

	song := env.song(t, "song-1")
	assert.Equal(t, int64(1), song.TotalUnlocks)
	assert.Equal(t, int64(20), song.TotalCreditsEarned)
	assert.Equal(t, int64(10), song.HeatScore)

	transactions := env.transactions(t, "acc-1")
	require.Len(t, transactions, 2)
	assert.Equal(t, model.TransactionTypeSignupBonus, transactions[0].Type)
	unlock := transactions[1]
	assert.Equal(t, model.TransactionTypeUnlock, unlock.Type)
	assert.Equal(t, int64(20), unlock.AmountCredits)
	require.NotNil(t, unlock.SongID)
	assert.Equal(t, "song-1", *unlock.SongID)
	require.NotNil(t, unlock.BalanceBefore)
	require.NotNil(t, unlock.BalanceAfter)
	assert.Equal(t, int64(100), *unlock.BalanceBefore)
	assert.Equal(t, int64(80), *unlock.BalanceAfter)
	assert.True(t, unlock.ArtistShare.Equal(decimal.RequireFromString("8.80")))

	unlocked, err := env.unlocks.IsUnlocked(ctx, listener("acc-1"), "song-1")
	require.NoError(t, err)
	assert.True(t, unlocked)

	var events []*model.OutboxMessage
	require.NoError(t, env.db.Where("event_type = ?", model.EventUnlockCreated).Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, "acc-1", events[0].MessageKey)
}

func TestUndo_WithinWindowRestoresEverything(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "acc-1")
	env.publishedSong(t, "song-1", 20)

	result, err := env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-1"})
	require.NoError(t, err)
	result.Undo.Stop()

	env.clock.Advance(5 * time.Second)

	undo, err := env.unlocks.Undo(ctx, listener("acc-1"), "song-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), undo.CreditsRefunded)
	assert.Equal(t, int64(100), undo.Balance)

	assert.Equal(t, int64(100), env.account(t, "acc-1").Balance)

	records := env.unlockRecords(t, "acc-1", "song-1")
	require.Len(t, records, 1)
	assert.True(t, records[0].Refunded)
	assert.False(t, records[0].CanBeRefunded)
	require.NotNil(t, records[0].RefundedAt)

	song := env.song(t, "song-1")
	assert.Zero(t, song.TotalUnlocks)
	assert.Zero(t, song.TotalCreditsEarned)
	assert.Zero(t, song.HeatScore)

	transactions := env.transactions(t, "acc-1")
	require.Len(t, transactions, 3)
	refund := transactions[2]
	assert.Equal(t, model.TransactionTypeRefund, refund.Type)
	assert.Equal(t, int64(20), refund.AmountCredits)
	assert.Equal(t, int64(80), *refund.BalanceBefore)
	assert.Equal(t, int64(100), *refund.BalanceAfter)

	unlocked, err := env.unlocks.IsUnlocked(ctx, listener("acc-1"), "song-1")
	require.NoError(t, err)
	assert.False(t, unlocked)

	// 只能撤销一次
	_, err = env.unlocks.Undo(ctx, listener("acc-1"), "song-1")
	assert.ErrorIs(t, err, ErrNotEligible)
	assert.Equal(t, int64(100), env.account(t, "acc-1").Balance)
}

func TestUndo_AfterWindowNotEligible(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "acc-1")
	env.publishedSong(t, "song-1", 20)

	result, err := env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-1"})
	require.NoError(t, err)
	result.Undo.Stop()

	env.clock.Advance(10*time.Second + time.Millisecond)

	_, err = env.unlocks.Undo(ctx, listener("acc-1"), "song-1")
	assert.ErrorIs(t, err, ErrNotEligible)

	assert.Equal(t, int64(80), env.account(t, "acc-1").Balance)
	song := env.song(t, "song-1")
	assert.Equal(t, int64(1), song.TotalUnlocks)
	assert.Equal(t, int64(10), song.HeatScore)
	assert.Len(t, env.transactions(t, "acc-1"), 2)
}

func TestUndo_ExactExpiryNotEligible(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "acc-1")
	env.publishedSong(t, "song-1", 20)

	result, err := env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-1"})
	require.NoError(t, err)
	result.Undo.Stop()

	env.clock.Set(result.RefundExpiresAt)
	_, err = env.unlocks.Undo(ctx, listener("acc-1"), "song-1")
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestUndo_WithoutUnlock(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "acc-1")
	env.publishedSong(t, "song-1", 20)

	_, err := env.unlocks.Undo(context.Background(), listener("acc-1"), "song-1")
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestUnlock_FreeSlotScenario(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "acc-1")
	env.publishedSong(t, "song-1", 20)
	env.publishedSong(t, "song-2", 20)

	result, err := env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-1", UseFreeSlot: true})
	require.NoError(t, err)
	result.Undo.Stop()

	assert.True(t, result.UsedFreeSlot)
	assert.Equal(t, int64(100), result.Balance)
	assert.Equal(t, 1, result.FreeSlotsUsed)
	assert.True(t, result.AmountMoney.IsZero())

	account := env.account(t, "acc-1")
	assert.Equal(t, int64(100), account.Balance)
	assert.Equal(t, 1, account.FreeSlotsUsed)

	transactions := env.transactions(t, "acc-1")
	require.Len(t, transactions, 2)
	assert.Equal(t, model.TransactionTypeFreeTrial, transactions[1].Type)
	assert.Zero(t, transactions[1].AmountCredits)

	song := env.song(t, "song-1")
	assert.Equal(t, int64(1), song.TotalUnlocks)
	assert.Zero(t, song.TotalCreditsEarned)
	assert.Equal(t, int64(10), song.HeatScore)

	// 本周名额已用
	_, err = env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-2", UseFreeSlot: true})
	assert.ErrorIs(t, err, ErrFreeSlotUsed)
	assert.Equal(t, int64(100), env.account(t, "acc-1").Balance)
	assert.Empty(t, env.unlockRecords(t, "acc-1", "song-2"))
}

func TestUnlock_FreeSlotResetsNextMonday(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "acc-1")
	env.publishedSong(t, "song-1", 20)
	env.publishedSong(t, "song-2", 20)
	env.publishedSong(t, "song-3", 20)

	// 周日 23:59 用掉本周名额
	env.clock.Set(time.Date(2024, 1, 21, 23, 59, 0, 0, time.UTC))
	result, err := env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-1", UseFreeSlot: true})
	require.NoError(t, err)
	result.Undo.Stop()

	env.clock.Set(time.Date(2024, 1, 21, 23, 59, 30, 0, time.UTC))
	_, err = env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-2", UseFreeSlot: true})
	assert.ErrorIs(t, err, ErrFreeSlotUsed)

	// 周一零点重置
	env.clock.Set(time.Date(2024, 1, 22, 0, 0, 0, 0, time.UTC))
	result, err = env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-3", UseFreeSlot: true})
	require.NoError(t, err)
	result.Undo.Stop()
	assert.Equal(t, 1, result.FreeSlotsUsed)
	assert.Equal(t, int64(100), env.account(t, "acc-1").Balance)
}

func TestUndo_FreeSlotUnlockRefundsNothing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "acc-1")
	env.publishedSong(t, "song-1", 20)
	env.publishedSong(t, "song-2", 20)

	result, err := env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-1", UseFreeSlot: true})
	require.NoError(t, err)
	result.Undo.Stop()

	undo, err := env.unlocks.Undo(ctx, listener("acc-1"), "song-1")
	require.NoError(t, err)
	assert.Zero(t, undo.CreditsRefunded)
	assert.Equal(t, int64(100), undo.Balance)

	transactions := env.transactions(t, "acc-1")
	require.Len(t, transactions, 3)
	assert.Equal(t, model.TransactionTypeRefund, transactions[2].Type)
	assert.Zero(t, transactions[2].AmountCredits)

	song := env.song(t, "song-1")
	assert.Zero(t, song.TotalUnlocks)
	assert.Zero(t, song.HeatScore)

	// 名额不退回
	_, err = env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-2", UseFreeSlot: true})
	assert.ErrorIs(t, err, ErrFreeSlotUsed)
}

func TestUnlock_InsufficientFunds(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "acc-1")
	env.setBalance(t, "acc-1", 10)
	env.publishedSong(t, "song-1", 20)

	_, err := env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-1"})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	assert.Equal(t, int64(10), env.account(t, "acc-1").Balance)
	assert.Empty(t, env.unlockRecords(t, "acc-1", "song-1"))
	assert.Zero(t, env.song(t, "song-1").TotalUnlocks)
}

func TestUnlock_AlreadyUnlockedDoesNotCharge(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "acc-1")
	env.publishedSong(t, "song-1", 20)

	result, err := env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-1"})
	require.NoError(t, err)
	result.Undo.Stop()

	_, err = env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-1"})
	assert.ErrorIs(t, err, ErrAlreadyUnlocked)
	assert.Equal(t, int64(80), env.account(t, "acc-1").Balance)
	assert.Len(t, env.unlockRecords(t, "acc-1", "song-1"), 1)
}

func TestUnlock_AfterRefundCreatesNewRecord(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "acc-1")
	env.publishedSong(t, "song-1", 20)

	result, err := env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-1"})
	require.NoError(t, err)
	result.Undo.Stop()
	_, err = env.unlocks.Undo(ctx, listener("acc-1"), "song-1")
	require.NoError(t, err)

	result, err = env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-1"})
	require.NoError(t, err)
	result.Undo.Stop()

	assert.Equal(t, int64(80), result.Balance)
	assert.Len(t, env.unlockRecords(t, "acc-1", "song-1"), 2)
}

func TestUnlock_SongNotAvailable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "acc-1")

	_, err := env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "missing"})
	assert.ErrorIs(t, err, ErrSongNotFound)

	song := env.publishedSong(t, "song-1", 20)
	require.NoError(t, env.db.Model(song).Update("upload_status", model.SongStatusPending).Error)

	_, err = env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-1"})
	assert.ErrorIs(t, err, ErrSongNotAvailable)
	assert.Equal(t, int64(100), env.account(t, "acc-1").Balance)
}

func TestUnlock_RequiresSession(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.unlocks.Unlock(context.Background(), Session{}, &UnlockRequest{SongID: "song-1"})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestUnlock_NoDoubleSpend(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "acc-1")
	env.setBalance(t, "acc-1", 20)

	const attempts = 8
	for i := 0; i < attempts; i++ {
		env.publishedSong(t, fmt.Sprintf("song-%d", i), 20)
	}

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: fmt.Sprintf("song-%d", i)})
			if err == nil {
				result.Undo.Stop()
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrInsufficientFunds)
	}
	assert.Equal(t, 1, succeeded)
	assert.Zero(t, env.account(t, "acc-1").Balance)

	var unlocks int64
	require.NoError(t, env.db.Model(&model.UnlockRecord{}).Where("account_id = ?", "acc-1").Count(&unlocks).Error)
	assert.Equal(t, int64(1), unlocks)
}

func TestUnlock_NoDuplicateUnlock(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "acc-1")
	env.publishedSong(t, "song-1", 20)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-1"})
			if err == nil {
				result.Undo.Stop()
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyUnlocked)
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, env.unlockRecords(t, "acc-1", "song-1"), 1)
	assert.Equal(t, int64(80), env.account(t, "acc-1").Balance)
	assert.Equal(t, int64(1), env.song(t, "song-1").TotalUnlocks)
}

func TestUnlock_NoDoubleSpendWithoutRedis(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "acc-1")
	env.setBalance(t, "acc-1", 20)
	env.publishedSong(t, "song-1", 20)
	env.publishedSong(t, "song-2", 20)

	// 不加分布式锁，只靠条件更新
	unlocks, err := NewUnlockService(env.db, nil, env.cfg)
	require.NoError(t, err)
	unlocks.WithClock(env.clock.Now)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, songID := range []string{"song-1", "song-2"} {
		wg.Add(1)
		go func(i int, songID string) {
			defer wg.Done()
			result, err := unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: songID})
			if err == nil {
				result.Undo.Stop()
			}
			errs[i] = err
		}(i, songID)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
			assert.True(t, errors.Is(err, ErrInsufficientFunds), "unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, failures)
	assert.Zero(t, env.account(t, "acc-1").Balance)
}

func TestUndo_RepeatedRefundsKeepStatsAtZero(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "acc-1")
	env.publishedSong(t, "song-1", 20)

	for i := 0; i < 3; i++ {
		result, err := env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-1"})
		require.NoError(t, err)
		result.Undo.Stop()

		// 统计被外部清零，撤销也不能变成负数
		require.NoError(t, env.db.Model(&model.Song{}).Where("song_id = ?", "song-1").Updates(map[string]interface{}{
			"total_unlocks":        0,
			"total_credits_earned": 0,
			"heat_score":           0,
		}).Error)

		_, err = env.unlocks.Undo(ctx, listener("acc-1"), "song-1")
		require.NoError(t, err)

		song := env.song(t, "song-1")
		assert.Zero(t, song.TotalUnlocks)
		assert.Zero(t, song.TotalCreditsEarned)
		assert.Zero(t, song.HeatScore)
	}
	assert.Equal(t, int64(100), env.account(t, "acc-1").Balance)
}

func TestUndoHandle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "acc-1")
	env.publishedSong(t, "song-1", 20)

	result, err := env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-1"})
	require.NoError(t, err)

	handle := result.Undo
	require.NotNil(t, handle)
	assert.Equal(t, "song-1", handle.SongID())
	assert.True(t, handle.ExpiresAt().Equal(result.RefundExpiresAt))
	assert.Equal(t, 10*time.Second, handle.Remaining(testStart))
	assert.Equal(t, 4*time.Second, handle.Remaining(testStart.Add(6*time.Second)))
	assert.Zero(t, handle.Remaining(testStart.Add(time.Minute)))

	env.clock.Advance(3 * time.Second)
	undo, err := handle.Undo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), undo.Balance)

	// Undo 已经停止计时器
	assert.False(t, handle.Stop())
	select {
	case <-handle.Expired():
		t.Fatal("stopped handle must not expire")
	default:
	}
}

func TestUndoHandle_Expires(t *testing.T) {
	cfg := testConfig()
	cfg.Business.UndoWindowSeconds = 1
	env := newTestEnvWithConfig(t, cfg)
	env.register(t, "acc-1")
	env.publishedSong(t, "song-1", 20)

	result, err := env.unlocks.Unlock(context.Background(), listener("acc-1"), &UnlockRequest{SongID: "song-1"})
	require.NoError(t, err)

	select {
	case <-result.Undo.Expired():
	case <-time.After(5 * time.Second):
		t.Fatal("undo handle did not expire")
	}
	assert.False(t, result.Undo.Stop())
}

func TestUnlock_VersionConflictRetriedOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "acc-1")
	env.publishedSong(t, "song-1", 20)

	// 第一次扣款时版本号已被改动，条件更新失败，事务回滚后重试成功
	env.bumpVersionBeforeDebit(t, "acc-1", 1)

	result, err := env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-1"})
	require.NoError(t, err)
	defer result.Undo.Stop()

	assert.Equal(t, int64(80), result.Balance)
	assert.Equal(t, int64(80), env.account(t, "acc-1").Balance)
	assert.Len(t, env.unlockRecords(t, "acc-1", "song-1"), 1)
	assert.Len(t, env.transactions(t, "acc-1"), 2)
	assert.Equal(t, int64(1), env.song(t, "song-1").TotalUnlocks)
}

func TestUnlock_PersistentVersionConflictSurfacesStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "acc-1")
	env.publishedSong(t, "song-1", 20)

	env.bumpVersionBeforeDebit(t, "acc-1", env.cfg.Business.StoreMaxAttempts)

	_, err := env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: "song-1"})
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	assert.Equal(t, int64(100), env.account(t, "acc-1").Balance)
	assert.Empty(t, env.unlockRecords(t, "acc-1", "song-1"))
	assert.Equal(t, int64(0), env.song(t, "song-1").TotalUnlocks)
}
