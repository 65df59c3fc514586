package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fheplinko/backend/internal/api"
	"github.com/fheplinko/backend/internal/config"
	"github.com/fheplinko/backend/internal/database"
	"github.com/fheplinko/backend/internal/game"
	"github.com/fheplinko/backend/internal/ledger"
	"github.com/fheplinko/backend/internal/migrations"
	"github.com/fheplinko/backend/internal/redis"
	"github.com/fheplinko/backend/internal/security"
	"github.com/fheplinko/backend/internal/session"
	"github.com/fheplinko/backend/internal/store"
	"github.com/fheplinko/backend/internal/wallet"
	"github.com/fheplinko/backend/internal/ws"
	"github.com/gin-gonic/gin"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize configuration
	cfg := config.Load()

	bc, err := config.LoadBoard(cfg.BoardConfigPath)
	if err != nil {
		log.Fatalf("Invalid board configuration: %v", err)
	}
	log.Printf("[BOARD] %d rows, %d pegs, %d slots", bc.Board.Rows, len(bc.Board.Pegs), len(bc.Board.Slots))

	// Initialize database. Without one, plays are kept in memory and Redis only.
	var plays *store.Plays
	if cfg.DatabaseURL != "" {
		if cfg.MigrateOnStart {
			log.Println("↗ Running DB migrations on startup...")
			if err := migrations.RunMigrations(cfg.DatabaseURL); err != nil {
				log.Fatalf("Failed to run migrations: %v", err)
			}
		}
		db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPool())
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		plays = store.NewPlays(db)
	} else {
		log.Println("[DB] DATABASE_URL not set; play history and leaderboard disabled")
	}

	// Initialize Redis
	rdb, err := redis.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	var guardStore security.Store
	switch cfg.RateLimitStore {
	case "memory":
		guardStore = security.NewMemoryStore()
	default:
		guardStore = security.NewRedisStore(rdb)
	}
	policy := security.DefaultPolicy()
	policy.MinInterval = cfg.MinPlayInterval
	policy.Window = cfg.RateLimitWindow
	policy.MaxAttempts = cfg.RateLimitAttempts
	guard := security.NewGuard(policy, bc.Board.Multipliers(), guardStore, nil)
	log.Printf("[GUARD] %s store, min interval %s, %d attempts per %s",
		cfg.RateLimitStore, policy.MinInterval, policy.MaxAttempts, policy.Window)

	ledgerClient := connectLedger(ctx, cfg)
	if ledgerClient != nil {
		defer ledgerClient.Close()
	}

	walletSvc := wallet.NewService(rdb, guard, cfg.JWTSecret,
		time.Duration(cfg.SessionTimeoutMin)*time.Minute, cfg.AuthNonceTTL)

	// Websocket fan-out, relayed across instances through Redis
	hub := ws.NewHub()
	go hub.Run(ctx)
	publisher := ws.NewPublisher(hub, rdb)
	if err := publisher.StartEventSubscriber(ctx); err != nil {
		log.Fatalf("Failed to subscribe to %s: %v", ws.EventsChannel, err)
	}

	opts := session.Options{
		Board:         bc.Board,
		Physics:       bc.Physics,
		Runner:        game.NewRunner(time.Duration(cfg.TickIntervalMs) * time.Millisecond),
		Guard:         guard,
		Wallet:        walletSvc,
		Publisher:     publisher,
		Redis:         rdb,
		LedgerTimeout: cfg.LedgerTimeout,
		DefaultWager:  cfg.DefaultWager,
		MaxWager:      cfg.MaxWager,
		SeedKey:       []byte(cfg.SeedKey),
		CacheTTL:      cfg.SessionCacheTTL,
	}
	if ledgerClient != nil {
		opts.Ledger = ledgerClient
	}
	if plays != nil {
		opts.Store = plays
	}
	ctrl, err := session.NewController(opts)
	if err != nil {
		log.Fatalf("Failed to start play controller: %v", err)
	}
	ctrl.StartJanitor(ctx, time.Minute)

	// Set up Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	deps := api.Deps{
		Config:     cfg,
		Board:      bc.Board,
		Physics:    bc.Physics,
		Controller: ctrl,
		Guard:      guard,
		Wallet:     walletSvc,
		Plays:      plays,
		Hub:        hub,
		Publisher:  publisher,
	}
	if ledgerClient != nil {
		deps.Ledger = ledgerClient
	}
	api.SetupRoutes(router, deps)

	port := cfg.Port
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{Addr: ":" + port, Handler: router}

	go func() {
		log.Printf("Starting FHE Plinko server on port %s", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down server...")

	// Shutdown only waits for open requests. Background plays are drained
	// separately and get one last credit retry before the ledger closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.LedgerTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 3*cfg.LedgerTimeout)
	defer cancelDrain()
	if err := ctrl.Drain(drainCtx); err != nil {
		log.Printf("[SESSION] %d plays still running at shutdown: %v", ctrl.Active(), err)
	}
	if n := ctrl.RetryPendingCredits(drainCtx); n > 0 {
		log.Printf("[SESSION] credited %d pending payouts before exit", n)
	}
	if n := ctrl.PendingCredits(); n > 0 {
		log.Printf("[SESSION] %d payouts left in Redis for the next start", n)
	}
}

// connectLedger builds the ledger named by LEDGER_MODE. A ledger that fails
// to start is still returned: plays fall back to offline until it is ready.
func connectLedger(ctx context.Context, cfg *config.Config) ledger.Client {
	var l ledger.Client
	switch cfg.LedgerMode {
	case "off":
		log.Println("[LEDGER] disabled; every play settles offline")
		return nil
	case "relayer":
		if cfg.RelayerURL == "" {
			log.Println("[LEDGER] RELAYER_URL not set; every play settles offline")
			return nil
		}
		l = ledger.NewRelayerClient(cfg.RelayerURL, cfg.RelayerAPIKey, cfg.LedgerTimeout)
	default:
		l = ledger.NewLocal(cfg.InitialCredit)
	}

	initCtx, cancel := context.WithTimeout(ctx, cfg.LedgerTimeout)
	defer cancel()
	if err := l.Init(initCtx); err != nil {
		log.Printf("[LEDGER] init failed, plays will run offline: %v", err)
		go retryLedgerInit(ctx, l, cfg.LedgerTimeout)
	}
	return l
}

// retryLedgerInit keeps trying to bring the ledger up until it is ready or
// the server stops.
func retryLedgerInit(ctx context.Context, l ledger.Client, timeout time.Duration) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			initCtx, cancel := context.WithTimeout(ctx, timeout)
			err := l.Init(initCtx)
			cancel()
			if err == nil && l.Ready() {
				log.Println("[LEDGER] ledger is ready, on-chain plays resumed")
				return
			}
			log.Printf("[LEDGER] init retry failed: %v", err)
		}
	}
}
