package handler

import (
	"errors"
	"strconv"

	"havenledger/internal/config"
	"havenledger/internal/service"
	"havenledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	accountService *service.AccountService
	unlockService  *service.UnlockService
	topUpService   *service.TopUpService
	songService    *service.SongService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) (*Handler, error) {
	accountService, err := service.NewAccountService(db, cfg)
	if err != nil {
		return nil, err
	}
	unlockService, err := service.NewUnlockService(db, rdb, cfg)
	if err != nil {
		return nil, err
	}
	topUpService, err := service.NewTopUpService(db, rdb, cfg)
	if err != nil {
		return nil, err
	}
	return &Handler{
		accountService: accountService,
		unlockService:  unlockService,
		topUpService:   topUpService,
		songService:    service.NewSongService(db, cfg),
	}, nil
}

func queryInt(c *gin.Context, key string, fallback int) int {
	value, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return fallback
	}
	return value
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.ParamError(c, "id 参数错误")
		return 0, false
	}
	return id, true
}

// ============================================================
// 账户相关接口
// ============================================================

// Register 首次登录开户
// POST /api/v1/account/register
func (h *Handler) Register(c *gin.Context) {
	var req service.RegisterRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ParamError(c, "参数错误: "+err.Error())
			return
		}
	}

	view, err := h.accountService.Register(c.Request.Context(), sessionFrom(c), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, view)
}

// GetAccount 余额和免费名额
// GET /api/v1/account
func (h *Handler) GetAccount(c *gin.Context) {
	view, err := h.accountService.GetAccount(c.Request.Context(), sessionFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, view)
}

// GetFreeSlot 本周免费名额
// GET /api/v1/account/free-slot
func (h *Handler) GetFreeSlot(c *gin.Context) {
	status, err := h.accountService.GetFreeSlotStatus(c.Request.Context(), sessionFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, status)
}

// ListTransactions 积分流水
// GET /api/v1/account/transactions?page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	page, err := h.accountService.ListTransactions(c.Request.Context(), sessionFrom(c),
		queryInt(c, "page", 1), queryInt(c, "page_size", 20))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, page)
}

// ============================================================
// 解锁相关接口
// ============================================================

type UndoRequest struct {
	SongID string `json:"song_id" binding:"required"`
}

// Unlock 解锁歌曲
// POST /api/v1/unlock
func (h *Handler) Unlock(c *gin.Context) {
	var req service.UnlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.unlockService.Unlock(c.Request.Context(), sessionFrom(c), &req)
	if err != nil {
		// 重复解锁按成功返回，不会再次扣款
		if errors.Is(err, service.ErrAlreadyUnlocked) {
			response.SuccessWithMessage(c, err.Error(), gin.H{
				"song_id":          req.SongID,
				"already_unlocked": true,
			})
			return
		}
		writeError(c, err)
		return
	}

	// HTTP 调用方自己倒计时，服务端计时器不需要
	result.Undo.Stop()
	response.Success(c, gin.H{
		"unlock":              result,
		"undo_window_seconds": result.Undo.Remaining(result.UnlockedAt).Seconds(),
	})
}

// Undo 撤销解锁
// POST /api/v1/unlock/undo
func (h *Handler) Undo(c *gin.Context) {
	var req UndoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.unlockService.Undo(c.Request.Context(), sessionFrom(c), req.SongID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// UnlockStatus 是否已解锁
// GET /api/v1/unlock/status?song_id=xxx
func (h *Handler) UnlockStatus(c *gin.Context) {
	songID := c.Query("song_id")
	if songID == "" {
		response.ParamError(c, "song_id 不能为空")
		return
	}

	unlocked, err := h.unlockService.IsUnlocked(c.Request.Context(), sessionFrom(c), songID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"song_id": songID, "unlocked": unlocked})
}

// Library 听众曲库
// GET /api/v1/library
func (h *Handler) Library(c *gin.Context) {
	entries, err := h.songService.Library(c.Request.Context(), sessionFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, entries)
}

// ============================================================
// 歌曲相关接口
// ============================================================

// ListSongs 已上架歌曲
// GET /api/v1/songs?sort=heat&page=1&page_size=20
func (h *Handler) ListSongs(c *gin.Context) {
	page, err := h.songService.ListPublished(c.Request.Context(), c.Query("sort"),
		queryInt(c, "page", 1), queryInt(c, "page_size", 20))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, page)
}

// GetSong 歌曲详情
// GET /api/v1/songs/:song_id
func (h *Handler) GetSong(c *gin.Context) {
	song, err := h.songService.GetSong(c.Request.Context(), c.Param("song_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, song)
}

// SongLedger 单曲流水（艺人本人或管理员）
// GET /api/v1/songs/:song_id/ledger
func (h *Handler) SongLedger(c *gin.Context) {
	ledger, err := h.songService.Ledger(c.Request.Context(), sessionFrom(c), c.Param("song_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, ledger)
}

// CreateSong 艺人上传歌曲
// POST /api/v1/songs
func (h *Handler) CreateSong(c *gin.Context) {
	var req service.CreateSongRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	song, err := h.songService.Create(c.Request.Context(), sessionFrom(c), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, song)
}

// ============================================================
// 充值相关接口
// ============================================================

// SubmitTopUp 提交充值申请
// POST /api/v1/topup
func (h *Handler) SubmitTopUp(c *gin.Context) {
	var req service.SubmitTopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	req.IPAddress = c.ClientIP()

	trans, err := h.topUpService.Submit(c.Request.Context(), sessionFrom(c), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, trans)
}

// ============================================================
// 管理后台接口
// ============================================================

type FraudFlagRequest struct {
	Flag bool `json:"flag"`
}

// ListPendingTopUps 待核实充值
// GET /api/v1/admin/topups/pending?limit=50
func (h *Handler) ListPendingTopUps(c *gin.Context) {
	items, err := h.topUpService.ListPending(c.Request.Context(), sessionFrom(c), queryInt(c, "limit", 50))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, items)
}

// VerifyTopUp 核实充值
// POST /api/v1/admin/topups/:id/verify
func (h *Handler) VerifyTopUp(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	result, err := h.topUpService.Verify(c.Request.Context(), sessionFrom(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// RejectTopUp 驳回充值
// POST /api/v1/admin/topups/:id/reject
func (h *Handler) RejectTopUp(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	if err := h.topUpService.Reject(c.Request.Context(), sessionFrom(c), id); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"id": id, "rejected": true})
}

// FlagTopUp 风控标记
// POST /api/v1/admin/topups/:id/fraud
func (h *Handler) FlagTopUp(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req FraudFlagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.topUpService.FlagFraud(c.Request.Context(), sessionFrom(c), id, req.Flag); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"id": id, "fraud_flag": req.Flag})
}

// ListPendingSongs 待审核歌曲
// GET /api/v1/admin/songs/pending
func (h *Handler) ListPendingSongs(c *gin.Context) {
	page, err := h.songService.ListPending(c.Request.Context(), sessionFrom(c),
		queryInt(c, "page", 1), queryInt(c, "page_size", 20))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, page)
}

// ModerateSong 审核歌曲
// POST /api/v1/admin/songs/:song_id/moderate
func (h *Handler) ModerateSong(c *gin.Context) {
	var req service.ModerateSongRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	song, err := h.songService.Moderate(c.Request.Context(), sessionFrom(c), c.Param("song_id"), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, song)
}
