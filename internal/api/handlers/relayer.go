package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/fheplinko/backend/internal/ledger"
	"github.com/gin-gonic/gin"
)

// RequireRelayerKey checks the X-Relayer-Key header. With no key configured
// every request is refused.
func RequireRelayerKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Relayer-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ledger.RelayerError{Error: "invalid relayer key", Code: ledger.CodeSubmissionFailed})
			return
		}
		c.Next()
	}
}

func relayerError(c *gin.Context, err error) {
	status := http.StatusUnprocessableEntity
	switch {
	case errors.Is(err, ledger.ErrNetwork):
		status = http.StatusBadGateway
	case errors.Is(err, ledger.ErrEncryptionUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrUserCancelled):
		status = http.StatusForbidden
	}
	c.JSON(status, ledger.RelayerError{Error: err.Error(), Code: ledger.ErrorCode(err)})
}

func badRelayerRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, ledger.RelayerError{Error: "invalid request body", Code: ledger.CodeSubmissionFailed})
}

func RelayerStatus(l ledger.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, ledger.RelayerStatus{Ready: l.Ready()})
	}
}

func RelayerEncrypt(l ledger.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ledger.EncryptRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRelayerRequest(c)
			return
		}
		if err := ledger.CheckWager(req.Value); err != nil {
			c.JSON(http.StatusBadRequest, ledger.RelayerError{Error: err.Error(), Code: ledger.CodeSubmissionFailed})
			return
		}
		in, err := l.EncryptValue(c.Request.Context(), req.Value)
		if err != nil {
			relayerError(c, err)
			return
		}
		c.JSON(http.StatusOK, in)
	}
}

func RelayerSubmitBet(l ledger.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ledger.BetRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Player == "" {
			badRelayerRequest(c)
			return
		}
		receipt, err := l.SubmitBet(c.Request.Context(), req.Player, ledger.EncryptedInput{Ciphertext: req.Ciphertext, Proof: req.Proof})
		if err != nil {
			relayerError(c, err)
			return
		}
		c.JSON(http.StatusOK, receipt)
	}
}

func RelayerSubmitResult(l ledger.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		rs, ok := l.(ledger.ResultSubmitter)
		if !ok {
			c.JSON(http.StatusNotImplemented, ledger.RelayerError{Error: "ledger does not settle results", Code: ledger.CodeSubmissionFailed})
			return
		}
		var req ledger.ResultRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Player == "" {
			badRelayerRequest(c)
			return
		}
		receipt, err := rs.SubmitResult(c.Request.Context(), req.Player, req.GameID, req.Multiplier, req.Slot)
		if err != nil {
			relayerError(c, err)
			return
		}
		c.JSON(http.StatusOK, receipt)
	}
}

func RelayerBalance(l ledger.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ct, err := l.ReadEncryptedBalance(c.Request.Context(), c.Param("player"))
		if err != nil {
			relayerError(c, err)
			return
		}
		c.JSON(http.StatusOK, ledger.BalanceResponse{Ciphertext: ct})
	}
}

func RelayerDecrypt(l ledger.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ledger.DecryptRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRelayerRequest(c)
			return
		}
		v, err := l.Decrypt(c.Request.Context(), req.Player, req.Ciphertext)
		if err != nil {
			relayerError(c, err)
			return
		}
		c.JSON(http.StatusOK, ledger.DecryptResponse{Value: v})
	}
}
