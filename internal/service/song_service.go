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

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SongService 上传、审核、曲目列表和听众曲库
//
// 歌曲的统计字段只由解锁引擎修改，这里只管元数据和发布状态。
type SongService struct {
	cfg             *config.Config
	songRepo        *repository.SongRepository
	unlockRepo      *repository.UnlockRepository
	transactionRepo *repository.TransactionRepository
}

func NewSongService(db *gorm.DB, cfg *config.Config) *SongService {
	return &SongService{
		cfg:             cfg,
		songRepo:        repository.NewSongRepository(db),
		unlockRepo:      repository.NewUnlockRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
	}
}

type CreateSongRequest struct {
	Title        string `json:"title" binding:"required,max=200"`
	Genre        string `json:"genre" binding:"max=64"`
	Description  string `json:"description"`
	PriceCredits int64  `json:"price_credits" binding:"required"`
}

type ModerateSongRequest struct {
	Approve bool   `json:"approve"`
	Notes   string `json:"notes" binding:"max=512"`
}

type SongPage struct {
	Items    []*model.Song `json:"items"`
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// LibraryEntry 曲库中的一首歌及解锁信息
type LibraryEntry struct {
	Song            *model.Song `json:"song"`
	UnlockNo        string      `json:"unlock_no"`
	UnlockedAt      time.Time   `json:"unlocked_at"`
	UsedFreeSlot    bool        `json:"used_free_slot"`
	CreditsSpent    int64       `json:"credits_spent"`
	RefundExpiresAt time.Time   `json:"refund_expires_at"`
}

// SongLedger 单曲的解锁、退款流水和艺人净收入
type SongLedger struct {
	Song           *model.Song                `json:"song"`
	Transactions   []*model.CreditTransaction `json:"transactions"`
	NetCredits     int64                      `json:"net_credits"`
	NetArtistShare decimal.Decimal            `json:"net_artist_share"`
}

// Create 艺人上传歌曲，进入待审核状态
func (s *SongService) Create(ctx context.Context, session Session, req *CreateSongRequest) (*model.Song, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	if session.Role != model.RoleArtist {
		return nil, ErrForbidden
	}

	b := s.cfg.Business
	if req.PriceCredits < b.MinSongPrice || req.PriceCredits > b.MaxSongPrice {
		return nil, ErrInvalidPrice
	}

	song := &model.Song{
		SongID:       uuid.NewString(),
		ArtistID:     session.AccountID,
		Title:        strings.TrimSpace(req.Title),
		Genre:        req.Genre,
		Description:  req.Description,
		PriceCredits: req.PriceCredits,
		PriceTier:    model.TierForPrice(req.PriceCredits),
		UploadStatus: model.SongStatusPending,
	}
	if err := s.songRepo.Create(ctx, nil, song); err != nil {
		return nil, fmt.Errorf("创建歌曲失败: %w", err)
	}

	log.Printf("[SongService] 歌曲已提交审核: songID=%s, artistID=%s, price=%d, tier=%s",
		song.SongID, song.ArtistID, song.PriceCredits, song.PriceTier)
	return song, nil
}

// Moderate 审核：pending -> published / rejected
func (s *SongService) Moderate(ctx context.Context, admin Session, songID string, req *ModerateSongRequest) (*model.Song, error) {
	if err := admin.requireAdmin(); err != nil {
		return nil, err
	}

	song, err := s.songRepo.GetBySongID(ctx, nil, songID)
	if err != nil {
		return nil, err
	}

	target := model.SongStatusRejected
	if req.Approve {
		target = model.SongStatusPublished
	}
	if err := s.songRepo.UpdateStatus(ctx, nil, songID, song.UploadStatus, target, req.Notes); err != nil {
		return nil, err
	}

	log.Printf("[SongService] 歌曲审核完成: songID=%s, status=%s, admin=%s", songID, target, admin.AccountID)
	return s.songRepo.GetBySongID(ctx, nil, songID)
}

func (s *SongService) GetSong(ctx context.Context, songID string) (*model.Song, error) {
	return s.songRepo.GetBySongID(ctx, nil, songID)
}

// ListPublished 已上架歌曲，默认按热度排序
func (s *SongService) ListPublished(ctx context.Context, sort string, page, pageSize int) (*SongPage, error) {
	page, pageSize = normalizePage(page, pageSize)
	items, total, err := s.songRepo.ListByStatus(ctx, model.SongStatusPublished, sort, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("查询歌曲失败: %w", err)
	}
	return &SongPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// ListPending 待审核歌曲，最早提交的在前
func (s *SongService) ListPending(ctx context.Context, admin Session, page, pageSize int) (*SongPage, error) {
	if err := admin.requireAdmin(); err != nil {
		return nil, err
	}
	page, pageSize = normalizePage(page, pageSize)
	items, total, err := s.songRepo.ListByStatus(ctx, model.SongStatusPending, repository.SongSortOldest, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("查询歌曲失败: %w", err)
	}
	return &SongPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// Library 听众已解锁（未撤销）的歌曲
func (s *SongService) Library(ctx context.Context, session Session) ([]*LibraryEntry, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}

	records, err := s.unlockRepo.ListActiveByAccount(ctx, session.AccountID)
	if err != nil {
		return nil, fmt.Errorf("查询解锁记录失败: %w", err)
	}

	songIDs := make([]string, 0, len(records))
	for _, record := range records {
		songIDs = append(songIDs, record.SongID)
	}
	songs, err := s.songRepo.GetBySongIDs(ctx, songIDs)
	if err != nil {
		return nil, fmt.Errorf("查询歌曲失败: %w", err)
	}
	songByID := make(map[string]*model.Song, len(songs))
	for _, song := range songs {
		songByID[song.SongID] = song
	}

	entries := make([]*LibraryEntry, 0, len(records))
	for _, record := range records {
		song, ok := songByID[record.SongID]
		if !ok {
			continue
		}
		entries = append(entries, &LibraryEntry{
			Song:            song,
			UnlockNo:        record.UnlockNo,
			UnlockedAt:      record.UnlockedAt,
			UsedFreeSlot:    record.UsedFreeSlot,
			CreditsSpent:    record.CreditsSpent,
			RefundExpiresAt: record.RefundExpiresAt,
		})
	}
	return entries, nil
}

// Ledger 单曲流水，只有歌曲的艺人和管理员可以查看
//
// 净收入 = 解锁 - 退款，免费名额解锁不计收入。
func (s *SongService) Ledger(ctx context.Context, session Session, songID string) (*SongLedger, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}

	song, err := s.songRepo.GetBySongID(ctx, nil, songID)
	if err != nil {
		return nil, err
	}
	if !session.IsAdmin() && song.ArtistID != session.AccountID {
		return nil, ErrForbidden
	}

	transactions, err := s.transactionRepo.ListBySong(ctx, songID)
	if err != nil {
		return nil, fmt.Errorf("查询单曲流水失败: %w", err)
	}

	ledger := &SongLedger{Song: song, Transactions: transactions, NetArtistShare: decimal.Zero}
	for _, trans := range transactions {
		switch trans.Type {
		case model.TransactionTypeUnlock:
			ledger.NetCredits += trans.AmountCredits
			ledger.NetArtistShare = ledger.NetArtistShare.Add(trans.ArtistShare)
		case model.TransactionTypeRefund:
			ledger.NetCredits -= trans.AmountCredits
			ledger.NetArtistShare = ledger.NetArtistShare.Sub(trans.ArtistShare)
		}
	}
	return ledger, nil
}
