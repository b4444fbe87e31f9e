package handler

import (
	"havenledger/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) (*gin.Engine, error) {
	h, err := NewHandler(db, rdb, cfg)
	if err != nil {
		return nil, err
	}
	return NewRouter(h, cfg.Server.Mode), nil
}

// NewRouter 注册中间件和路由
func NewRouter(h *Handler, mode string) *gin.Engine {
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		// 曲目列表不需要登录
		api.GET("/songs", h.ListSongs)
		api.GET("/songs/:song_id", h.GetSong)

		authed := api.Group("")
		authed.Use(SessionMiddleware())
		{
			account := authed.Group("/account")
			{
				account.POST("/register", h.Register)
				account.GET("", h.GetAccount)
				account.GET("/free-slot", h.GetFreeSlot)
				account.GET("/transactions", h.ListTransactions)
			}

			unlock := authed.Group("/unlock")
			{
				unlock.POST("", h.Unlock)
				unlock.POST("/undo", h.Undo)
				unlock.GET("/status", h.UnlockStatus)
			}

			authed.GET("/library", h.Library)
			authed.POST("/songs", h.CreateSong)
			authed.GET("/songs/:song_id/ledger", h.SongLedger)
			authed.POST("/topup", h.SubmitTopUp)

			admin := authed.Group("/admin")
			admin.Use(RequireAdmin())
			{
				admin.GET("/topups/pending", h.ListPendingTopUps)
				admin.POST("/topups/:id/verify", h.VerifyTopUp)
				admin.POST("/topups/:id/reject", h.RejectTopUp)
				admin.POST("/topups/:id/fraud", h.FlagTopUp)
				admin.GET("/songs/pending", h.ListPendingSongs)
				admin.POST("/songs/:song_id/moderate", h.ModerateSong)
			}
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
