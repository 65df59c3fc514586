package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/fheplinko/backend/internal/game"
	"github.com/fheplinko/backend/internal/session"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*Plays, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPlays(sqlx.NewDb(db, "postgres")), mock
}

func resolvedSession() session.PlaySession {
	at := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	return session.PlaySession{
		ID:      "5f0c1f7e-6a43-4f55-9a53-0c0f4f8f0b11",
		Player:  "0xabc",
		Wager:   10,
		Seed:    game.Seed{Hi: 1, Lo: 2},
		State:   session.StateResolved,
		GameID:  4,
		OnChain: true,
		BetTx:   "0xbet",
		Outcome: &session.Outcome{
			Slot:       3,
			Multiplier: decimal.RequireFromString("2.5"),
		},
		BalanceSynced: true,
		CreatedAt:     at.Add(-5 * time.Second),
		ResolvedAt:    &at,
	}
}

func TestRecordFromSession(t *testing.T) {
	rec := RecordFromSession(resolvedSession())
	assert.Equal(t, "Resolved", rec.State)
	assert.True(t, rec.Multiplier.Valid)
	assert.Equal(t, "2.5", rec.Multiplier.Decimal.String())
	assert.Equal(t, sql.NullInt64{Int64: 3, Valid: true}, rec.Slot)
	assert.False(t, rec.AbortReason.Valid)
	assert.True(t, rec.BetTx.Valid)
	assert.False(t, rec.ResultTx.Valid)
	assert.Len(t, rec.Seed, 32)
	assert.True(t, rec.ResolvedAt.Valid)

	aborted := session.PlaySession{ID: "x", Player: "0xabc", State: session.StateAborted, AbortReason: session.ReasonUserCancelled}
	rec = RecordFromSession(aborted)
	assert.False(t, rec.Multiplier.Valid)
	assert.False(t, rec.Slot.Valid)
	assert.Equal(t, "UserCancelled", rec.AbortReason.String)
}

func TestSessionFromRecordRoundTrip(t *testing.T) {
	orig := resolvedSession()
	rec := RecordFromSession(orig)
	back, err := SessionFromRecord(&rec)
	require.NoError(t, err)
	assert.Equal(t, orig.Seed, back.Seed)
	assert.Equal(t, orig.State, back.State)
	require.NotNil(t, back.Outcome)
	assert.Equal(t, 3, back.Outcome.Slot)
	assert.True(t, back.Outcome.Multiplier.Equal(orig.Outcome.Multiplier))
	assert.Equal(t, "0xbet", back.BetTx)

	rec.Seed = "zz"
	_, err = SessionFromRecord(&rec)
	assert.Error(t, err)
}

func TestSavePlayUpserts(t *testing.T) {
	plays, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO plays")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, plays.SavePlay(context.Background(), resolvedSession()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePlayWrapsError(t *testing.T) {
	plays, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO plays")).
		WillReturnError(sql.ErrConnDone)

	err := plays.SavePlay(context.Background(), resolvedSession())
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestGetPlayNotFound(t *testing.T) {
	plays, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM plays WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := plays.GetPlay(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetPlay(t *testing.T) {
	plays, mock := newMock(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "player", "game_id", "wager", "multiplier", "slot", "on_chain", "state",
		"abort_reason", "fallback_reason", "sync_error", "bet_tx", "result_tx", "balance_synced", "seed",
		"created_at", "resolved_at"}).
		AddRow("p1", "0xabc", 9, 10, "0.50", 6, false, "Resolved",
			nil, "LedgerUnavailable", nil, nil, nil, false, "0000000000000001000000000000000f",
			at, at)
	mock.ExpectQuery(regexp.QuoteMeta("FROM plays WHERE id = $1")).WithArgs("p1").WillReturnRows(rows)

	rec, err := plays.GetPlay(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), rec.GameID)
	assert.True(t, rec.Multiplier.Decimal.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, "LedgerUnavailable", rec.FallbackReason.String)
	assert.False(t, rec.OnChain)
}

func TestLeaderboardViews(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cols := []string{"id", "player", "game_id", "multiplier", "score", "slot", "on_chain", "resolved_at"}

	t.Run("top", func(t *testing.T) {
		plays, mock := newMock(t)
		mock.ExpectQuery(`ORDER BY multiplier DESC, resolved_at ASC`).
			WithArgs(2).
			WillReturnRows(sqlmock.NewRows(cols).
				AddRow("a", "0x1", 1, "10.00", 1000, 0, true, at).
				AddRow("b", "0x2", 2, "5.00", 500, 14, false, at))

		entries, err := plays.Leaderboard(context.Background(), ViewTop, "", 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, 1, entries[0].Rank)
		assert.Equal(t, int64(1000), entries[0].Score)
		assert.Equal(t, 2, entries[1].Rank)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("recent uses default limit", func(t *testing.T) {
		plays, mock := newMock(t)
		mock.ExpectQuery(`ORDER BY resolved_at DESC`).
			WithArgs(20).
			WillReturnRows(sqlmock.NewRows(cols))

		entries, err := plays.Leaderboard(context.Background(), ViewRecent, "", 0)
		require.NoError(t, err)
		assert.Empty(t, entries)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("personal", func(t *testing.T) {
		plays, mock := newMock(t)
		mock.ExpectQuery(`AND player = \$1`).
			WithArgs("0x1", 5).
			WillReturnRows(sqlmock.NewRows(cols).AddRow("a", "0x1", 1, "1.00", 100, 7, true, at))

		entries, err := plays.Leaderboard(context.Background(), ViewPersonal, "0x1", 5)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "0x1", entries[0].Player)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("personal without player", func(t *testing.T) {
		plays, _ := newMock(t)
		_, err := plays.Leaderboard(context.Background(), ViewPersonal, "", 5)
		assert.ErrorIs(t, err, ErrUnknownView)
	})
}

func TestParseView(t *testing.T) {
	v, err := ParseView("")
	require.NoError(t, err)
	assert.Equal(t, ViewTop, v)

	v, err = ParseView("Recent")
	require.NoError(t, err)
	assert.Equal(t, ViewRecent, v)

	_, err = ParseView("weekly")
	assert.ErrorIs(t, err, ErrUnknownView)
}

func TestPlayerStats(t *testing.T) {
	plays, mock := newMock(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM plays")).
		WithArgs("0xabc").
		WillReturnRows(sqlmock.NewRows([]string{"player", "games_played", "wins", "best_multiplier",
			"average_multiplier", "total_wagered", "aborted", "last_played"}).
			AddRow("0xabc", 4, 1, "5.00", "1.63", 40, 2, at))

	st, err := plays.PlayerStats(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, 4, st.GamesPlayed)
	assert.InDelta(t, 0.25, st.WinRate, 1e-9)
	assert.Equal(t, "5", st.BestMultiplier.String())
	assert.Equal(t, 2, st.Aborted)
	assert.True(t, st.LastPlayed.Valid)
}
