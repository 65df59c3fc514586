package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// walletFrom returns the address set by wallet.RequireWallet, or fallback
// when the route is not behind it.
func walletFrom(c *gin.Context, fallback string) string {
	if addr := c.GetString("wallet"); addr != "" {
		return addr
	}
	return fallback
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}
