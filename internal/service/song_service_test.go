package service

import (
	"context"
	"testing"

	"havenledger/internal/model"
	"havenledger/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func artist(accountID string) Session {
	return Session{AccountID: accountID, Role: model.RoleArtist}
}

func TestSongService_CreateTiers(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	cases := []struct {
		price int64
		tier  string
	}{
		{5, model.PriceTierX},
		{15, model.PriceTierX},
		{16, model.PriceTierY},
		{30, model.PriceTierY},
		{31, model.PriceTierZ},
		{50, model.PriceTierZ},
	}
	for _, tc := range cases {
		song, err := env.songs.Create(ctx, artist("artist-1"), &CreateSongRequest{Title: "Track", PriceCredits: tc.price})
		require.NoError(t, err)
		assert.Equal(t, tc.tier, song.PriceTier, "price %d", tc.price)
		assert.Equal(t, model.SongStatusPending, song.UploadStatus)
		assert.NotEmpty(t, song.SongID)
	}
}

func TestSongService_CreateValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.songs.Create(ctx, artist("artist-1"), &CreateSongRequest{Title: "Track", PriceCredits: 4})
	assert.ErrorIs(t, err, ErrInvalidPrice)
	_, err = env.songs.Create(ctx, artist("artist-1"), &CreateSongRequest{Title: "Track", PriceCredits: 51})
	assert.ErrorIs(t, err, ErrInvalidPrice)
	_, err = env.songs.Create(ctx, listener("acc-1"), &CreateSongRequest{Title: "Track", PriceCredits: 20})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSongService_Moderate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	song, err := env.songs.Create(ctx, artist("artist-1"), &CreateSongRequest{Title: "Track", PriceCredits: 20})
	require.NoError(t, err)

	pending, err := env.songs.ListPending(ctx, adminSession(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Total)

	_, err = env.songs.Moderate(ctx, listener("acc-1"), song.SongID, &ModerateSongRequest{Approve: true})
	assert.ErrorIs(t, err, ErrForbidden)

	published, err := env.songs.Moderate(ctx, adminSession(), song.SongID, &ModerateSongRequest{Approve: true, Notes: "clean"})
	require.NoError(t, err)
	assert.Equal(t, model.SongStatusPublished, published.UploadStatus)
	assert.Equal(t, "clean", published.ModerationNotes)

	// 已发布的歌曲不能再驳回
	_, err = env.songs.Moderate(ctx, adminSession(), song.SongID, &ModerateSongRequest{Approve: false})
	assert.ErrorIs(t, err, ErrSongStatusInvalid)

	_, err = env.songs.Moderate(ctx, adminSession(), "missing", &ModerateSongRequest{Approve: true})
	assert.ErrorIs(t, err, ErrSongNotFound)

	catalog, err := env.songs.ListPublished(ctx, repository.SongSortHeat, 1, 10)
	require.NoError(t, err)
	require.Len(t, catalog.Items, 1)
	assert.Equal(t, song.SongID, catalog.Items[0].SongID)
}

func TestSongService_Reject(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	song, err := env.songs.Create(ctx, artist("artist-1"), &CreateSongRequest{Title: "Track", PriceCredits: 20})
	require.NoError(t, err)

	rejected, err := env.songs.Moderate(ctx, adminSession(), song.SongID, &ModerateSongRequest{Approve: false, Notes: "audio clipped"})
	require.NoError(t, err)
	assert.Equal(t, model.SongStatusRejected, rejected.UploadStatus)

	catalog, err := env.songs.ListPublished(ctx, "", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, catalog.Items)
}

func TestSongService_Library(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "acc-1")
	env.publishedSong(t, "song-1", 20)
	env.publishedSong(t, "song-2", 20)

	for _, songID := range []string{"song-1", "song-2"} {
		result, err := env.unlocks.Unlock(ctx, listener("acc-1"), &UnlockRequest{SongID: songID})
		require.NoError(t, err)
		result.Undo.Stop()
	}
	_, err := env.unlocks.Undo(ctx, listener("acc-1"), "song-1")
	require.NoError(t, err)

	library, err := env.songs.Library(ctx, listener("acc-1"))
	require.NoError(t, err)
	require.Len(t, library, 1)
	assert.Equal(t, "song-2", library[0].Song.SongID)
	assert.Equal(t, int64(20), library[0].CreditsSpent)
}

func TestSongService_Ledger(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "acc-1")
	env.register(t, "acc-2")
	env.publishedSong(t, "song-1", 20)

	for _, accountID := range []string{"acc-1", "acc-2"} {
		result, err := env.unlocks.Unlock(ctx, listener(accountID), &UnlockRequest{SongID: "song-1"})
		require.NoError(t, err)
		result.Undo.Stop()
	}
	_, err := env.unlocks.Undo(ctx, listener("acc-1"), "song-1")
	require.NoError(t, err)

	ledger, err := env.songs.Ledger(ctx, artist("artist-1"), "song-1")
	require.NoError(t, err)
	assert.Len(t, ledger.Transactions, 3)
	assert.Equal(t, int64(20), ledger.NetCredits)
	assert.True(t, ledger.NetArtistShare.Equal(decimal.RequireFromString("8.80")))

	_, err = env.songs.Ledger(ctx, adminSession(), "song-1")
	assert.NoError(t, err)

	_, err = env.songs.Ledger(ctx, artist("artist-2"), "song-1")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = env.songs.Ledger(ctx, listener("acc-1"), "song-1")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = env.songs.Ledger(ctx, artist("artist-1"), "missing")
	assert.ErrorIs(t, err, ErrSongNotFound)
}
