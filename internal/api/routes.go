package api

import (
	"log"

	"github.com/fheplinko/backend/internal/api/handlers"
	"github.com/fheplinko/backend/internal/config"
	"github.com/fheplinko/backend/internal/game"
	"github.com/fheplinko/backend/internal/ledger"
	"github.com/fheplinko/backend/internal/middleware"
	"github.com/fheplinko/backend/internal/security"
	"github.com/fheplinko/backend/internal/session"
	"github.com/fheplinko/backend/internal/store"
	"github.com/fheplinko/backend/internal/wallet"
	"github.com/fheplinko/backend/internal/ws"
	"github.com/gin-gonic/gin"
)

// Deps are the services the routes serve. Wallet, Ledger, Plays and
// Publisher may be nil; the routes that need them are then disabled or
// degrade.
type Deps struct {
	Config     *config.Config
	Board      *game.Board
	Physics    game.PhysicsParams
	Controller *session.Controller
	Guard      *security.Guard
	Ledger     ledger.Client
	Wallet     *wallet.Service
	Plays      *store.Plays
	Hub        *ws.Hub
	Publisher  *ws.Publisher
}

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, d Deps) {
	cfg := d.Config
	router.Use(middleware.CORSMiddleware(cfg))

	if cfg.Environment != "production" {
		router.Use(func(c *gin.Context) {
			c.Header("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
			c.Header("Pragma", "no-cache")
			c.Header("Expires", "0")
			c.Next()
		})
		log.Println("[DEV MODE] no-cache headers enabled for all routes")
	}

	// Wallet-bound routes need a session only when wallet sign-in is on.
	authed := func(c *gin.Context) { c.Next() }
	if d.Wallet != nil {
		authed = wallet.RequireWallet(d.Wallet)
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", handlers.HealthCheck(d.Ledger, d.Controller, d.Hub))
		v1.GET("/board", handlers.GetBoard(d.Board, d.Physics, cfg))

		if d.Wallet != nil {
			auth := v1.Group("/auth")
			{
				auth.POST("/nonce", handlers.RequestNonce(d.Wallet))
				auth.POST("/verify", handlers.VerifySignature(d.Wallet))
				auth.POST("/logout", authed, handlers.Logout(d.Wallet))
			}
		}

		plays := v1.Group("/plays")
		{
			plays.POST("", authed, handlers.StartPlay(d.Controller, cfg.Environment != "production"))
			plays.GET("/:id", handlers.GetPlay(d.Controller, d.Plays))
			plays.GET("/:id/replay", handlers.ReplayPlay(d.Controller, d.Plays))
		}

		players := v1.Group("/players")
		{
			players.GET("/:address/stats", handlers.GetPlayerStats(d.Plays))
			players.GET("/:address/security", handlers.GetSecurityStatus(d.Guard))
		}

		v1.GET("/balance", authed, handlers.GetBalance(d.Ledger, cfg.LedgerTimeout))
		v1.GET("/leaderboard", handlers.GetLeaderboard(d.Plays, d.Publisher))
		v1.GET("/ws", middleware.WebSocketCORSCheck(cfg), handlers.HandleGameWebSocket(d.Hub, d.Wallet))
	}

	switch {
	case !cfg.RelayerExpose || d.Ledger == nil:
	case cfg.RelayerAPIKey == "":
		log.Println("[LEDGER] relayer not exposed: RELAYER_API_KEY is empty")
	default:
		relayer := router.Group("/relayer", handlers.RequireRelayerKey(cfg.RelayerAPIKey))
		{
			relayer.GET("/status", handlers.RelayerStatus(d.Ledger))
			relayer.POST("/encrypt", handlers.RelayerEncrypt(d.Ledger))
			relayer.POST("/bets", handlers.RelayerSubmitBet(d.Ledger))
			relayer.POST("/results", handlers.RelayerSubmitResult(d.Ledger))
			relayer.GET("/balances/:player", handlers.RelayerBalance(d.Ledger))
			relayer.POST("/decrypt", handlers.RelayerDecrypt(d.Ledger))
		}
		log.Println("[LEDGER] relayer endpoints exposed at /relayer")
	}
}
