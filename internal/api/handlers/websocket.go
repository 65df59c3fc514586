package handlers

import (
	"github.com/fheplinko/backend/internal/wallet"
	"github.com/fheplinko/backend/internal/ws"
	"github.com/gin-gonic/gin"
)

// HandleGameWebSocket streams frames and outcomes. w may be nil when
// wallet sessions are disabled; sockets are then spectators.
func HandleGameWebSocket(hub *ws.Hub, w *wallet.Service) gin.HandlerFunc {
	if w == nil {
		return ws.HandleWebSocket(hub, nil)
	}
	return ws.HandleWebSocket(hub, w)
}
