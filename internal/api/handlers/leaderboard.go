package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/fheplinko/backend/internal/security"
	"github.com/fheplinko/backend/internal/store"
	"github.com/fheplinko/backend/internal/ws"
	"github.com/gin-gonic/gin"
)

// GetLeaderboard serves ?view=top|recent|personal. Without a database only
// the recent view is available, from the Redis outcome feed.
func GetLeaderboard(plays *store.Plays, pub *ws.Publisher) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := store.ParseView(c.Query("view"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		limit := queryInt(c, "limit", 20)

		if plays == nil {
			if view != store.ViewRecent || pub == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "leaderboard is not enabled"})
				return
			}
			recent, err := pub.RecentOutcomes(c.Request.Context(), limit)
			if err != nil {
				log.Printf("[PLAY] recent outcomes failed: %v", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load leaderboard"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"view": view, "entries": recent})
			return
		}

		player := security.PlayerKey(c.DefaultQuery("player", walletFrom(c, "")))
		entries, err := plays.Leaderboard(c.Request.Context(), view, player, limit)
		if errors.Is(err, store.ErrUnknownView) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			log.Printf("[PLAY] leaderboard %s failed: %v", view, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load leaderboard"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"view": view, "entries": entries})
	}
}
