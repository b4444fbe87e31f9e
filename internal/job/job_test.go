package job

import (
	"context"
	"testing"

	"havenledger/internal/config"
	"havenledger/internal/infrastructure/database"
	"havenledger/internal/model"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

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

func seedOutbox(t *testing.T, db *gorm.DB, key string, retryCount int) *model.OutboxMessage {
	t.Helper()
	msg := &model.OutboxMessage{
		MessageKey: key,
		EventType:  model.EventUnlockCreated,
		Topic:      "haven.ledger.events",
		Payload:    `{"account_id":"` + key + `"}`,
		Status:     model.OutboxStatusPending,
		RetryCount: retryCount,
	}
	require.NoError(t, db.WithContext(context.Background()).Create(msg).Error)
	return msg
}

func reload(t *testing.T, db *gorm.DB, id int64) *model.OutboxMessage {
	t.Helper()
	var msg model.OutboxMessage
	require.NoError(t, db.First(&msg, id).Error)
	return &msg
}
