package handlers

import (
	"net/http"

	"github.com/fheplinko/backend/internal/config"
	"github.com/fheplinko/backend/internal/game"
	"github.com/gin-gonic/gin"
)

// GetBoard returns the geometry, payout table and play limits the client
// renders from.
func GetBoard(board *game.Board, physics game.PhysicsParams, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"board":            board,
			"physics":          physics,
			"max_ticks":        game.MaxTicks(board.Height, physics.Gravity, physics.StallFactor),
			"tick_interval_ms": cfg.TickIntervalMs,
			"default_wager":    cfg.DefaultWager,
			"max_wager":        cfg.MaxWager,
			"min_interval_ms":  cfg.MinPlayInterval.Milliseconds(),
			"balance_poll_sec": cfg.BalancePollSec,
			"ledger_mode":      cfg.LedgerMode,
		})
	}
}
