package models

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// PlayRecord is one persisted play attempt
type PlayRecord struct {
	ID             string              `db:"id" json:"id"`
	Player         string              `db:"player" json:"player"`
	GameID         int64               `db:"game_id" json:"game_id"`
	Wager          int64               `db:"wager" json:"wager"`
	Multiplier     decimal.NullDecimal `db:"multiplier" json:"multiplier"`
	Slot           sql.NullInt64       `db:"slot" json:"slot,omitempty"`
	OnChain        bool                `db:"on_chain" json:"on_chain"`
	State          string              `db:"state" json:"state"`
	AbortReason    sql.NullString      `db:"abort_reason" json:"abort_reason,omitempty"`
	FallbackReason sql.NullString      `db:"fallback_reason" json:"fallback_reason,omitempty"`
	SyncError      sql.NullString      `db:"sync_error" json:"sync_error,omitempty"`
	BetTx          sql.NullString      `db:"bet_tx" json:"bet_tx,omitempty"`
	ResultTx       sql.NullString      `db:"result_tx" json:"result_tx,omitempty"`
	BalanceSynced  bool                `db:"balance_synced" json:"balance_synced"`
	Seed           string              `db:"seed" json:"seed"`
	CreatedAt      time.Time           `db:"created_at" json:"created_at"`
	ResolvedAt     sql.NullTime        `db:"resolved_at" json:"resolved_at,omitempty"`
}

// LeaderboardEntry is one resolved play ranked by score
type LeaderboardEntry struct {
	Rank       int             `db:"-" json:"rank"`
	ID         string          `db:"id" json:"id"`
	Player     string          `db:"player" json:"player"`
	GameID     int64           `db:"game_id" json:"game_id"`
	Multiplier decimal.Decimal `db:"multiplier" json:"multiplier"`
	Score      int64           `db:"score" json:"score"`
	Slot       int             `db:"slot" json:"slot"`
	OnChain    bool            `db:"on_chain" json:"on_chain"`
	ResolvedAt time.Time       `db:"resolved_at" json:"resolved_at"`
}

// PlayerStats aggregates a player's resolved plays
type PlayerStats struct {
	Player            string          `db:"player" json:"player"`
	GamesPlayed       int             `db:"games_played" json:"games_played"`
	Wins              int             `db:"wins" json:"wins"`
	WinRate           float64         `db:"-" json:"win_rate"`
	BestMultiplier    decimal.Decimal `db:"best_multiplier" json:"best_multiplier"`
	AverageMultiplier decimal.Decimal `db:"average_multiplier" json:"average_multiplier"`
	TotalWagered      int64           `db:"total_wagered" json:"total_wagered"`
	Aborted           int             `db:"aborted" json:"aborted"`
	LastPlayed        sql.NullTime    `db:"last_played" json:"last_played,omitempty"`
}
