package service

import (
	"context"
	"database/sql/driver"
	"sync"
	"testing"
	"time"

	"havenledger/internal/config"
	"havenledger/internal/infrastructure/database"
	"havenledger/internal/model"
	"havenledger/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// 2024-01-17 是周三
var testStart = time.Date(2024, 1, 17, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type testEnv struct {
	db       *gorm.DB
	cfg      *config.Config
	redis    *redis.Client
	clock    *testClock
	accounts *AccountService
	unlocks  *UnlockService
	topUps   *TopUpService
	songs    *SongService
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Business.LockRetryIntervalMs = 2
	cfg.Business.LockMaxRetries = 5000
	cfg.Business.StoreRetryDelayMs = 1
	return cfg
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(&config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, testConfig())
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db := newTestDB(t)
	clock := newTestClock(testStart)

	accounts, err := NewAccountService(db, cfg)
	require.NoError(t, err)
	unlocks, err := NewUnlockService(db, rdb, cfg)
	require.NoError(t, err)
	topUps, err := NewTopUpService(db, rdb, cfg)
	require.NoError(t, err)

	return &testEnv{
		db:       db,
		cfg:      cfg,
		redis:    rdb,
		clock:    clock,
		accounts: accounts.WithClock(clock.Now),
		unlocks:  unlocks.WithClock(clock.Now),
		topUps:   topUps.WithClock(clock.Now),
		songs:    NewSongService(db, cfg),
	}
}

func listener(accountID string) Session {
	return Session{AccountID: accountID, Role: model.RoleListener}
}

func adminSession() Session {
	return Session{AccountID: "admin-1", Role: model.RoleAdmin}
}

// register 开户，余额为注册赠送的 100 积分
func (e *testEnv) register(t *testing.T, accountID string) *model.Account {
	t.Helper()
	view, err := e.accounts.Register(context.Background(), listener(accountID), &RegisterRequest{})
	require.NoError(t, err)
	return view.Account
}

func (e *testEnv) setBalance(t *testing.T, accountID string, balance int64) {
	t.Helper()
	require.NoError(t, e.db.Model(&model.Account{}).
		Where("account_id = ?", accountID).
		Update("balance", balance).Error)
}

func (e *testEnv) publishedSong(t *testing.T, songID string, price int64) *model.Song {
	t.Helper()
	song := &model.Song{
		SongID:       songID,
		ArtistID:     "artist-1",
		Title:        "Song " + songID,
		PriceCredits: price,
		PriceTier:    model.TierForPrice(price),
		UploadStatus: model.SongStatusPublished,
	}
	require.NoError(t, repository.NewSongRepository(e.db).Create(context.Background(), nil, song))
	return song
}

func (e *testEnv) account(t *testing.T, accountID string) *model.Account {
	t.Helper()
	account, err := repository.NewAccountRepository(e.db).GetByAccountID(context.Background(), nil, accountID)
	require.NoError(t, err)
	return account
}

func (e *testEnv) song(t *testing.T, songID string) *model.Song {
	t.Helper()
	song, err := repository.NewSongRepository(e.db).GetBySongID(context.Background(), nil, songID)
	require.NoError(t, err)
	return song
}

func (e *testEnv) transactions(t *testing.T, accountID string) []*model.CreditTransaction {
	t.Helper()
	var items []*model.CreditTransaction
	require.NoError(t, e.db.Where("account_id = ?", accountID).Order("id ASC").Find(&items).Error)
	return items
}

func (e *testEnv) unlockRecords(t *testing.T, accountID, songID string) []*model.UnlockRecord {
	t.Helper()
	var records []*model.UnlockRecord
	require.NoError(t, e.db.Where("account_id = ? AND song_id = ?", accountID, songID).Order("id ASC").Find(&records).Error)
	return records
}

// failWrites 让表 table 接下来 times 次写入（create/update）返回连接错误，模拟存储抖动
func (e *testEnv) failWrites(t *testing.T, table string, times int) {
	t.Helper()
	var mu sync.Mutex
	remaining := times
	inject := func(tx *gorm.DB) {
		if tx.Statement.Table != table {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if remaining > 0 {
			remaining--
			tx.AddError(driver.ErrBadConn)
		}
	}
	require.NoError(t, e.db.Callback().Create().Before("gorm:create").Register("test:fail_create_"+table, inject))
	require.NoError(t, e.db.Callback().Update().Before("gorm:update").Register("test:fail_update_"+table, inject))
}

// bumpVersionBeforeDebit 在扣款前把账户版本号加一，模拟另一个实例抢先提交
func (e *testEnv) bumpVersionBeforeDebit(t *testing.T, accountID string, times int) {
	t.Helper()
	var mu sync.Mutex
	remaining := times
	require.NoError(t, e.db.Callback().Update().Before("gorm:update").Register("test:bump_version", func(tx *gorm.DB) {
		if tx.Statement.Table != "account" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if remaining <= 0 {
			return
		}
		remaining--
		// 使用同一个事务连接，回滚时一并撤销
		err := tx.Session(&gorm.Session{NewDB: true}).
			Exec("UPDATE account SET version = version + 1 WHERE account_id = ?", accountID).Error
		if err != nil {
			tx.AddError(err)
		}
	}))
}
