package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/fheplinko/backend/internal/wallet"
	"github.com/gin-gonic/gin"
)

// RequestNonce issues a sign-in challenge for a wallet address.
func RequestNonce(w *wallet.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Address string `json:"address" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "address required"})
			return
		}

		ch, err := w.Challenge(c.Request.Context(), req.Address)
		if errors.Is(err, wallet.ErrInvalidAddress) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			log.Printf("[AUTH] challenge for %s failed: %v", req.Address, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue challenge"})
			return
		}
		c.JSON(http.StatusOK, ch)
	}
}

// VerifySignature exchanges a signed challenge for a session token.
func VerifySignature(w *wallet.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Address   string `json:"address" binding:"required"`
			Signature string `json:"signature" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "address and signature required"})
			return
		}

		token, expires, err := w.Verify(c.Request.Context(), req.Address, req.Signature)
		switch {
		case errors.Is(err, wallet.ErrInvalidAddress):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case errors.Is(err, wallet.ErrNonceExpired), errors.Is(err, wallet.ErrBadSignature):
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		case err != nil:
			log.Printf("[AUTH] verify for %s failed: %v", req.Address, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify signature"})
			return
		}

		addr, _ := wallet.NormalizeAddress(req.Address)
		c.JSON(http.StatusOK, gin.H{
			"token":      token,
			"address":    addr,
			"expires_at": expires,
		})
	}
}

// Logout ends the caller's wallet session.
func Logout(w *wallet.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := walletFrom(c, "")
		if err := w.Logout(c.Request.Context(), addr); err != nil {
			log.Printf("[AUTH] logout for %s failed: %v", addr, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to log out"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}
