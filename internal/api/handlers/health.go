package handlers

import (
	"net/http"
	"time"

	"github.com/fheplinko/backend/internal/ledger"
	"github.com/fheplinko/backend/internal/session"
	"github.com/fheplinko/backend/internal/ws"
	"github.com/gin-gonic/gin"
)

var startTime = time.Now()

const version = "1.0.0"

// HealthCheck reports liveness. A missing or unready ledger only degrades
// the service: plays still run offline.
func HealthCheck(l ledger.Client, ctrl *session.Controller, hub *ws.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		ledgerReady := l != nil && l.Ready()
		status := "ok"
		if !ledgerReady {
			status = "degraded"
		}
		resp := gin.H{
			"status":       status,
			"service":      "fheplinko-api",
			"version":      version,
			"uptime":       time.Since(startTime).String(),
			"ledger_ready": ledgerReady,
		}
		if ctrl != nil {
			resp["active_plays"] = ctrl.Active()
			resp["pending_credits"] = ctrl.PendingCredits()
		}
		if hub != nil {
			resp["sockets"] = hub.Connected()
		}
		c.JSON(http.StatusOK, resp)
	}
}
