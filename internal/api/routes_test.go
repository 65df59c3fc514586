package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fheplinko/backend/internal/config"
	"github.com/fheplinko/backend/internal/game"
	"github.com/fheplinko/backend/internal/ledger"
	"github.com/fheplinko/backend/internal/security"
	"github.com/fheplinko/backend/internal/session"
	"github.com/fheplinko/backend/internal/wallet"
	"github.com/fheplinko/backend/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router *gin.Engine
	local  *ledger.Local
	cfg    *config.Config
	clock  *testClock
}

// testClock drives the guard so interval checks do not depend on how fast
// the test runs.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestServer(t *testing.T, edit func(cfg *config.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Environment:       "test",
		FrontendURL:       "http://localhost:3000",
		TickIntervalMs:    0,
		DefaultWager:      10,
		MaxWager:          100,
		LedgerTimeout:     5 * time.Second,
		SessionCacheTTL:   time.Minute,
		MinPlayInterval:   time.Second,
		RateLimitWindow:   time.Minute,
		RateLimitAttempts: 5,
		LedgerMode:        "local",
		InitialCredit:     1000,
		JWTSecret:         "test-secret",
		SessionTimeoutMin: 30,
		AuthNonceTTL:      5 * time.Minute,
	}
	if edit != nil {
		edit(cfg)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	board := game.DefaultBoard()
	physics := game.DefaultPhysicsParams()
	policy := security.Policy{MinInterval: cfg.MinPlayInterval, Window: cfg.RateLimitWindow, MaxAttempts: cfg.RateLimitAttempts, InFlightTTL: time.Minute}
	clock := &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	guard := security.NewGuard(policy, board.Multipliers(), security.NewMemoryStore(), clock.Now)

	local := ledger.NewLocal(cfg.InitialCredit)
	require.NoError(t, local.Init(context.Background()))

	w := wallet.NewService(rdb, guard, cfg.JWTSecret, time.Duration(cfg.SessionTimeoutMin)*time.Minute, cfg.AuthNonceTTL)
	hub := ws.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	pub := ws.NewPublisher(hub, rdb)

	ctrl, err := session.NewController(session.Options{
		Board:         board,
		Physics:       physics,
		Guard:         guard,
		Ledger:        local,
		Wallet:        w,
		Publisher:     pub,
		Redis:         rdb,
		LedgerTimeout: cfg.LedgerTimeout,
		DefaultWager:  cfg.DefaultWager,
		MaxWager:      cfg.MaxWager,
		CacheTTL:      cfg.SessionCacheTTL,
	})
	require.NoError(t, err)

	router := gin.New()
	SetupRoutes(router, Deps{
		Config:     cfg,
		Board:      board,
		Physics:    physics,
		Controller: ctrl,
		Guard:      guard,
		Ledger:     local,
		Wallet:     w,
		Hub:        hub,
		Publisher:  pub,
	})
	return &testServer{router: router, local: local, cfg: cfg, clock: clock}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func (s *testServer) signIn(t *testing.T, key *ecdsa.PrivateKey) string {
	t.Helper()
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	w, ch := s.do(t, http.MethodPost, "/api/v1/auth/nonce", "", gin.H{"address": addr})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	sig, err := crypto.Sign(accounts.TextHash([]byte(ch["message"].(string))), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27

	w, out := s.do(t, http.MethodPost, "/api/v1/auth/verify", "", gin.H{"address": addr, "signature": hexutil.Encode(sig)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return out["token"].(string)
}

func TestHealthAndBoard(t *testing.T) {
	s := newTestServer(t, nil)

	w, out := s.do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, true, out["ledger_ready"])

	w, out = s.do(t, http.MethodGet, "/api/v1/board", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	board := out["board"].(map[string]any)
	assert.Len(t, board["slots"], game.SlotCount)
	assert.Equal(t, float64(10), out["default_wager"])
}

func TestPlayRequiresWallet(t *testing.T) {
	s := newTestServer(t, nil)
	w, _ := s.do(t, http.MethodPost, "/api/v1/plays", "", gin.H{"wait": true})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSignedInPlayFlow(t *testing.T) {
	s := newTestServer(t, nil)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	token := s.signIn(t, key)

	w, play := s.do(t, http.MethodPost, "/api/v1/plays", token, gin.H{"wait": true, "wager": 20})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Resolved", play["state"])
	assert.Equal(t, true, play["on_chain"])
	assert.Equal(t, addr, play["player"])
	assert.Equal(t, true, play["balance_synced"])
	id := play["id"].(string)

	w, got := s.do(t, http.MethodGet, "/api/v1/plays/"+id, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, got["id"])

	w, replay := s.do(t, http.MethodGet, "/api/v1/plays/"+id+"/replay", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, replay["matches"])

	w, bal := s.do(t, http.MethodGet, "/api/v1/balance", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, play["balance"], bal["balance"])

	// Straight away again is inside the minimum interval.
	w, second := s.do(t, http.MethodPost, "/api/v1/plays", token, gin.H{"wait": true})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RateLimited", second["abort_reason"])

	w, status := s.do(t, http.MethodGet, "/api/v1/players/"+addr+"/security", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, status["authenticated"])
	record := status["record"].(map[string]any)
	assert.Equal(t, float64(1), record["attempts_in_window"])
	assert.Equal(t, float64(1), record["settled"])

	// Once the interval has passed the player may play again.
	s.clock.Advance(s.cfg.MinPlayInterval + time.Millisecond)
	w, third := s.do(t, http.MethodPost, "/api/v1/plays", token, gin.H{"wait": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Resolved", third["state"])
}

func TestPlayRejectsClientSeedInProduction(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.Environment = "production" })
	key, _ := crypto.GenerateKey()
	token := s.signIn(t, key)

	w, _ := s.do(t, http.MethodPost, "/api/v1/plays", token, gin.H{"seed": game.Seed{Hi: 1}.String()})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAsyncPlay(t *testing.T) {
	s := newTestServer(t, nil)
	key, _ := crypto.GenerateKey()
	token := s.signIn(t, key)

	w, out := s.do(t, http.MethodPost, "/api/v1/plays", token, gin.H{})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	id := out["id"].(string)

	require.Eventually(t, func() bool {
		_, got := s.do(t, http.MethodGet, "/api/v1/plays/"+id, "", nil)
		return got["state"] == "Resolved"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestUnknownPlay(t *testing.T) {
	s := newTestServer(t, nil)
	w, _ := s.do(t, http.MethodGet, "/api/v1/plays/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLeaderboardWithoutDatabase(t *testing.T) {
	s := newTestServer(t, nil)
	w, _ := s.do(t, http.MethodGet, "/api/v1/leaderboard?view=top", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/v1/leaderboard?view=weekly", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	key, _ := crypto.GenerateKey()
	token := s.signIn(t, key)
	w, _ = s.do(t, http.MethodPost, "/api/v1/plays", token, gin.H{"wait": true})
	require.Equal(t, http.StatusOK, w.Code)

	w, out := s.do(t, http.MethodGet, "/api/v1/leaderboard?view=recent", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, out["entries"], 1)
}

func TestRelayerRoundTrip(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.RelayerExpose = true
		cfg.RelayerAPIKey = "relay-key"
	})
	srv := httptest.NewServer(s.router)
	defer srv.Close()
	ctx := context.Background()

	denied := ledger.NewRelayerClient(srv.URL, "wrong", 5*time.Second)
	assert.Error(t, denied.Init(ctx))

	rc := ledger.NewRelayerClient(srv.URL, "relay-key", 5*time.Second)
	require.NoError(t, rc.Init(ctx))
	assert.True(t, rc.Ready())

	in, err := rc.EncryptValue(ctx, 5)
	require.NoError(t, err)
	receipt, err := rc.SubmitBet(ctx, "0xrelayed", in)
	require.NoError(t, err)
	assert.Equal(t, int64(1), receipt.GameID)

	ct, err := rc.ReadEncryptedBalance(ctx, "0xrelayed")
	require.NoError(t, err)
	units, err := rc.Decrypt(ctx, "0xrelayed", ct)
	require.NoError(t, err)
	assert.Equal(t, uint64(995*ledger.BalanceScale), units)

	// A second settlement of the same game is refused with a mapped error.
	_, err = rc.SubmitResult(ctx, "0xrelayed", receipt.GameID, game.DefaultBoard().Slots[0].Multiplier, 0)
	require.NoError(t, err)
	_, err = rc.SubmitResult(ctx, "0xrelayed", receipt.GameID, game.DefaultBoard().Slots[0].Multiplier, 0)
	assert.ErrorIs(t, err, ledger.ErrSubmissionFailed)
}

func TestRelayerHiddenByDefault(t *testing.T) {
	s := newTestServer(t, nil)
	w, _ := s.do(t, http.MethodGet, "/relayer/status", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRelayerNeedsKeyToBeExposed(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.RelayerExpose = true })
	w, _ := s.do(t, http.MethodGet, "/relayer/status", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = s.do(t, http.MethodPost, "/relayer/encrypt", "", gin.H{"value": 5})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRelayerRejectsOutOfRangeValues(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.RelayerExpose = true
		cfg.RelayerAPIKey = "relay-key"
	})
	for _, v := range []uint64{0, ledger.MaxWager + 1, 1 << 40} {
		raw, err := json.Marshal(ledger.EncryptRequest{Value: v})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/relayer/encrypt", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Relayer-Key", "relay-key")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, "value %d", v)
	}
}
