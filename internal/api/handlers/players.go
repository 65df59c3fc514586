package handlers

import (
	"context"
	"encoding/hex"
	"log"
	"net/http"
	"time"

	"github.com/fheplinko/backend/internal/ledger"
	"github.com/fheplinko/backend/internal/security"
	"github.com/fheplinko/backend/internal/store"
	"github.com/gin-gonic/gin"
)

// GetPlayerStats returns aggregate play history for an address.
func GetPlayerStats(plays *store.Plays) gin.HandlerFunc {
	return func(c *gin.Context) {
		if plays == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "play history is not enabled"})
			return
		}
		addr := security.PlayerKey(c.Param("address"))
		st, err := plays.PlayerStats(c.Request.Context(), addr)
		if err != nil {
			log.Printf("[PLAY] stats for %s failed: %v", addr, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

// GetSecurityStatus shows the rate-limit record the guard holds for an
// address.
func GetSecurityStatus(guard *security.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := security.PlayerKey(c.Param("address"))
		rec, err := guard.Status(c.Request.Context(), addr)
		if err != nil {
			log.Printf("[GUARD] status for %s failed: %v", addr, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load security status"})
			return
		}
		p := guard.Policy()
		c.JSON(http.StatusOK, gin.H{
			"player":          addr,
			"record":          rec,
			"authenticated":   guard.IsAuthenticated(addr),
			"min_interval_ms": p.MinInterval.Milliseconds(),
			"window_ms":       p.Window.Milliseconds(),
			"max_attempts":    p.MaxAttempts,
		})
	}
}

// GetBalance decrypts the signed-in wallet's ledger balance. Clients poll
// it after each play.
func GetBalance(l ledger.Client, timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil || !l.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger unavailable", "on_chain": false})
			return
		}
		addr := security.PlayerKey(walletFrom(c, c.Query("player")))
		if addr == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "player required"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		ct, err := l.ReadEncryptedBalance(ctx, addr)
		if err != nil {
			log.Printf("[LEDGER] balance read for %s failed: %v", addr, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		units, err := l.Decrypt(ctx, addr, ct)
		if err != nil {
			log.Printf("[LEDGER] balance decrypt for %s failed: %v", addr, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"player":     addr,
			"balance":    ledger.ToTokens(units),
			"ciphertext": hex.EncodeToString(ct),
		})
	}
}
