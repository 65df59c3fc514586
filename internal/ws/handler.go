package ws

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// TokenParser resolves a wallet session token to an address.
type TokenParser interface {
	ParseToken(ctx context.Context, token string) (string, error)
}

// HandleWebSocket upgrades the request. A valid ?token= binds the socket to
// that wallet so it receives frames and state changes for its plays; without
// one the socket only sees public outcomes.
func HandleWebSocket(hub *Hub, tokens TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		var playerID string
		if token := c.Query("token"); token != "" {
			if tokens == nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "wallet sessions are not enabled"})
				return
			}
			addr, err := tokens.ParseToken(c.Request.Context(), token)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			playerID = addr
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("[WS] upgrade error: %v", err)
			return
		}

		client := &Client{
			hub:      hub,
			conn:     conn,
			playerID: playerID,
			send:     make(chan []byte, sendBuffer),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
