package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/fheplinko/backend/internal/game"
	"github.com/fheplinko/backend/internal/models"
	"github.com/fheplinko/backend/internal/session"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound    = errors.New("play not found")
	ErrUnknownView = errors.New("unknown leaderboard view")
)

// View selects a leaderboard ordering.
type View string

const (
	ViewTop      View = "top"
	ViewRecent   View = "recent"
	ViewPersonal View = "personal"
)

func ParseView(v string) (View, error) {
	switch View(strings.ToLower(v)) {
	case "", ViewTop:
		return ViewTop, nil
	case ViewRecent:
		return ViewRecent, nil
	case ViewPersonal:
		return ViewPersonal, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownView, v)
}

// Plays persists finished plays in Postgres.
type Plays struct {
	db *sqlx.DB
}

func NewPlays(db *sqlx.DB) *Plays {
	return &Plays{db: db}
}

const playColumns = `id, player, game_id, wager, multiplier, slot, on_chain, state, abort_reason,
	fallback_reason, sync_error, bet_tx, result_tx, balance_synced, seed, created_at, resolved_at`

const upsertPlay = `
	INSERT INTO plays (` + playColumns + `)
	VALUES (:id, :player, :game_id, :wager, :multiplier, :slot, :on_chain, :state, :abort_reason,
		:fallback_reason, :sync_error, :bet_tx, :result_tx, :balance_synced, :seed, :created_at, :resolved_at)
	ON CONFLICT (id) DO UPDATE SET
		game_id = EXCLUDED.game_id,
		multiplier = EXCLUDED.multiplier,
		slot = EXCLUDED.slot,
		on_chain = EXCLUDED.on_chain,
		state = EXCLUDED.state,
		abort_reason = EXCLUDED.abort_reason,
		fallback_reason = EXCLUDED.fallback_reason,
		sync_error = EXCLUDED.sync_error,
		bet_tx = EXCLUDED.bet_tx,
		result_tx = EXCLUDED.result_tx,
		balance_synced = EXCLUDED.balance_synced,
		resolved_at = EXCLUDED.resolved_at`

// RecordFromSession flattens a play for storage.
func RecordFromSession(ps session.PlaySession) models.PlayRecord {
	rec := models.PlayRecord{
		ID:             ps.ID,
		Player:         ps.Player,
		GameID:         ps.GameID,
		Wager:          int64(ps.Wager),
		OnChain:        ps.OnChain,
		State:          string(ps.State),
		AbortReason:    nullString(string(ps.AbortReason)),
		FallbackReason: nullString(string(ps.FallbackReason)),
		SyncError:      nullString(string(ps.SyncError)),
		BetTx:          nullString(ps.BetTx),
		ResultTx:       nullString(ps.ResultTx),
		BalanceSynced:  ps.BalanceSynced,
		Seed:           ps.Seed.String(),
		CreatedAt:      ps.CreatedAt,
	}
	if ps.Outcome != nil {
		rec.Multiplier = decimal.NullDecimal{Decimal: ps.Outcome.Multiplier, Valid: true}
		rec.Slot = sql.NullInt64{Int64: int64(ps.Outcome.Slot), Valid: true}
	}
	if ps.ResolvedAt != nil {
		rec.ResolvedAt = sql.NullTime{Time: *ps.ResolvedAt, Valid: true}
	}
	return rec
}

// SessionFromRecord rebuilds the parts of a play the archive keeps. History
// and tick counts are not stored.
func SessionFromRecord(rec *models.PlayRecord) (*session.PlaySession, error) {
	seed, err := game.ParseSeed(rec.Seed)
	if err != nil {
		return nil, fmt.Errorf("play %s: %w", rec.ID, err)
	}
	ps := &session.PlaySession{
		ID:             rec.ID,
		Player:         rec.Player,
		Wager:          uint64(rec.Wager),
		Seed:           seed,
		State:          session.State(rec.State),
		GameID:         rec.GameID,
		OnChain:        rec.OnChain,
		FallbackReason: session.Reason(rec.FallbackReason.String),
		BetTx:          rec.BetTx.String,
		ResultTx:       rec.ResultTx.String,
		AbortReason:    session.Reason(rec.AbortReason.String),
		BalanceSynced:  rec.BalanceSynced,
		SyncError:      session.Reason(rec.SyncError.String),
		History:        []session.Transition{},
		CreatedAt:      rec.CreatedAt,
	}
	if rec.Multiplier.Valid && rec.Slot.Valid {
		ps.Outcome = &session.Outcome{Slot: int(rec.Slot.Int64), Multiplier: rec.Multiplier.Decimal}
	}
	if rec.ResolvedAt.Valid {
		t := rec.ResolvedAt.Time
		ps.ResolvedAt = &t
	}
	return ps, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// SavePlay inserts the play or overwrites an earlier copy of it.
func (p *Plays) SavePlay(ctx context.Context, ps session.PlaySession) error {
	if _, err := p.db.NamedExecContext(ctx, upsertPlay, RecordFromSession(ps)); err != nil {
		return fmt.Errorf("save play %s: %w", ps.ID, err)
	}
	return nil
}

func (p *Plays) GetPlay(ctx context.Context, id string) (*models.PlayRecord, error) {
	var rec models.PlayRecord
	err := p.db.GetContext(ctx, &rec, `SELECT `+playColumns+` FROM plays WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

const leaderboardColumns = `id, player, game_id, multiplier, ROUND(multiplier * 100)::BIGINT AS score,
	slot, on_chain, resolved_at`

// Leaderboard lists resolved plays. Personal needs a player.
func (p *Plays) Leaderboard(ctx context.Context, view View, player string, limit int) ([]models.LeaderboardEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var (
		entries []models.LeaderboardEntry
		err     error
	)
	switch view {
	case ViewTop:
		err = p.db.SelectContext(ctx, &entries, `
			SELECT `+leaderboardColumns+`
			FROM plays
			WHERE state = 'Resolved'
			ORDER BY multiplier DESC, resolved_at ASC
			LIMIT $1`, limit)
	case ViewRecent:
		err = p.db.SelectContext(ctx, &entries, `
			SELECT `+leaderboardColumns+`
			FROM plays
			WHERE state = 'Resolved'
			ORDER BY resolved_at DESC
			LIMIT $1`, limit)
	case ViewPersonal:
		if player == "" {
			return nil, fmt.Errorf("%w: personal view needs a player", ErrUnknownView)
		}
		err = p.db.SelectContext(ctx, &entries, `
			SELECT `+leaderboardColumns+`
			FROM plays
			WHERE state = 'Resolved' AND player = $1
			ORDER BY multiplier DESC, resolved_at DESC
			LIMIT $2`, player, limit)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownView, view)
	}
	if err != nil {
		return nil, err
	}

	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

// PlayerStats summarises a player's history. Wins are plays paying at
// least the wager back.
func (p *Plays) PlayerStats(ctx context.Context, player string) (*models.PlayerStats, error) {
	var st models.PlayerStats
	err := p.db.GetContext(ctx, &st, `
		SELECT
			$1::TEXT AS player,
			COUNT(*) FILTER (WHERE state = 'Resolved') AS games_played,
			COUNT(*) FILTER (WHERE state = 'Resolved' AND multiplier >= 1) AS wins,
			COALESCE(MAX(multiplier) FILTER (WHERE state = 'Resolved'), 0) AS best_multiplier,
			COALESCE(ROUND(AVG(multiplier) FILTER (WHERE state = 'Resolved'), 2), 0) AS average_multiplier,
			COALESCE(SUM(wager) FILTER (WHERE state = 'Resolved'), 0) AS total_wagered,
			COUNT(*) FILTER (WHERE state = 'Aborted') AS aborted,
			MAX(resolved_at) FILTER (WHERE state = 'Resolved') AS last_played
		FROM plays
		WHERE player = $1`, player)
	if err != nil {
		return nil, err
	}
	if st.GamesPlayed > 0 {
		st.WinRate = float64(st.Wins) / float64(st.GamesPlayed)
	}
	return &st, nil
}
