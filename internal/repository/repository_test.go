package repository

import (
	"context"
	"testing"
	"time"

	"havenledger/internal/config"
	"havenledger/internal/infrastructure/database"
	"havenledger/internal/model"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testNow = time.Date(2024, 1, 17, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(&config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func seedAccount(t *testing.T, db *gorm.DB, accountID string, balance int64) *model.Account {
	t.Helper()
	account := &model.Account{AccountID: accountID, Role: model.RoleListener, Balance: balance}
	require.NoError(t, NewAccountRepository(db).Create(context.Background(), nil, account))
	return account
}

func seedSong(t *testing.T, db *gorm.DB, songID string, price int64) *model.Song {
	t.Helper()
	song := &model.Song{
		SongID:       songID,
		ArtistID:     "artist-1",
		Title:        "Song " + songID,
		PriceCredits: price,
		PriceTier:    model.TierForPrice(price),
		UploadStatus: model.SongStatusPublished,
	}
	require.NoError(t, NewSongRepository(db).Create(context.Background(), nil, song))
	return song
}
