package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/fheplinko/backend/internal/game"
	"github.com/fheplinko/backend/internal/ledger"
	"github.com/fheplinko/backend/internal/security"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRequest = errors.New("invalid play request")
	ErrNotFound       = errors.New("play session not found")
)

// Guard admits plays and checks settled results.
type Guard interface {
	ValidateAttempt(ctx context.Context, player string) security.Decision
	RecordResult(ctx context.Context, player string, multiplier decimal.Decimal, slot int) bool
	Release(ctx context.Context, player, token string)
}

// Wallet reports whether a player holds a live wallet session.
type Wallet interface {
	Authenticate(ctx context.Context, address string) bool
	CurrentAddress(ctx context.Context) (string, bool)
}

// OutcomeStore persists finished plays.
type OutcomeStore interface {
	SavePlay(ctx context.Context, ps PlaySession) error
}

type Options struct {
	Board   *game.Board
	Physics game.PhysicsParams
	Runner  game.Runner

	Guard     Guard
	Ledger    ledger.Client // nil runs every play offline
	Wallet    Wallet        // nil skips the wallet session check
	Publisher Publisher
	Store     OutcomeStore
	Redis     *redis.Client

	LedgerTimeout time.Duration
	DefaultWager  uint64
	MaxWager      uint64
	SeedKey       []byte // derive seeds from the session id when set
	CacheTTL      time.Duration
	Now           func() time.Time
}

// Controller runs plays from request to settlement.
type Controller struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*handle
	pending  map[string]pendingCredit
	running  sync.WaitGroup
}

// PlayRequest starts one play. An empty Player falls back to the wallet
// bound to ctx; a zero Wager uses the configured default.
type PlayRequest struct {
	Player  string
	Wager   uint64
	Seed    *game.Seed
	OnFrame func(game.Frame)
}

func NewController(opts Options) (*Controller, error) {
	if opts.Board == nil {
		return nil, &game.ConfigurationError{Field: "board", Reason: "required"}
	}
	if opts.Guard == nil {
		return nil, errors.New("session controller needs a guard")
	}
	if err := opts.Physics.Validate(); err != nil {
		return nil, err
	}
	if opts.DefaultWager == 0 {
		opts.DefaultWager = 10
	}
	if opts.LedgerTimeout <= 0 {
		opts.LedgerTimeout = 30 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		opts:     opts,
		sessions: make(map[string]*handle),
		pending:  make(map[string]pendingCredit),
	}, nil
}

func (c *Controller) Board() *game.Board {
	return c.opts.Board
}

// Play runs a play to completion on the calling goroutine. The error is
// only for a malformed request; every other failure is reported in the
// returned session.
func (c *Controller) Play(ctx context.Context, req PlayRequest) (*PlaySession, error) {
	h, err := c.open(ctx, req)
	if err != nil {
		return nil, err
	}
	c.running.Add(1)
	defer c.running.Done()
	ps := c.run(ctx, h, req.OnFrame)
	return &ps, nil
}

// Start registers a play and runs it in the background. The returned copy
// is the play in its Idle state.
func (c *Controller) Start(ctx context.Context, req PlayRequest) (PlaySession, error) {
	h, err := c.open(ctx, req)
	if err != nil {
		return PlaySession{}, err
	}
	snap := h.snapshot()
	c.running.Add(1)
	go func() {
		defer c.running.Done()
		c.run(context.WithoutCancel(ctx), h, req.OnFrame)
	}()
	return snap, nil
}

func (c *Controller) open(ctx context.Context, req PlayRequest) (*handle, error) {
	player := req.Player
	if player == "" && c.opts.Wallet != nil {
		if addr, ok := c.opts.Wallet.CurrentAddress(ctx); ok {
			player = addr
		}
	}
	player = security.PlayerKey(player)
	if player == "" {
		return nil, fmt.Errorf("%w: missing player", ErrInvalidRequest)
	}

	wager := req.Wager
	if wager == 0 {
		wager = c.opts.DefaultWager
	}
	if c.opts.MaxWager > 0 && wager > c.opts.MaxWager {
		return nil, fmt.Errorf("%w: wager %d above maximum %d", ErrInvalidRequest, wager, c.opts.MaxWager)
	}

	id := uuid.NewString()
	seed, err := c.seedFor(id, req.Seed)
	if err != nil {
		return nil, err
	}

	h := newHandle(PlaySession{
		ID:        id,
		Player:    player,
		Wager:     wager,
		Seed:      seed,
		State:     StateIdle,
		History:   []Transition{},
		CreatedAt: c.opts.Now(),
	})

	c.mu.Lock()
	c.sessions[id] = h
	c.mu.Unlock()
	return h, nil
}

func (c *Controller) seedFor(id string, fixed *game.Seed) (game.Seed, error) {
	if fixed != nil {
		return *fixed, nil
	}
	if len(c.opts.SeedKey) > 0 {
		return game.DeriveSeed(c.opts.SeedKey, id)
	}
	return game.RandomSeed(), nil
}

func (c *Controller) run(ctx context.Context, h *handle, onFrame func(game.Frame)) PlaySession {
	ps := h.snapshot()
	player := ps.Player

	if _, err := c.advance(ctx, h, StateAuthorizing, nil); err != nil {
		return h.snapshot()
	}

	d := c.opts.Guard.ValidateAttempt(ctx, player)
	if !d.Allowed {
		reason := ReasonRateLimited
		if d.Reason == security.ReasonAlreadyInFlight {
			reason = ReasonAlreadyInFlight
		}
		return c.abort(ctx, h, reason, d.Message)
	}

	// The reservation is ours from here and must be released exactly once.
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { c.opts.Guard.Release(ctx, player, d.Token) }) }
	defer release()

	if onChain, why := c.ledgerAvailable(ctx, player); !onChain {
		c.goOffline(ctx, h, why)
	} else {
		if _, err := c.advance(ctx, h, StateWageringTx, nil); err != nil {
			return h.snapshot()
		}
		receipt, reason, msg := c.wager(ctx, player, ps.Wager)
		switch reason {
		case "":
			c.advance(ctx, h, StateSimulating, func(p *PlaySession) {
				p.GameID = receipt.GameID
				p.OnChain = true
				p.BetTx = receipt.TxHash
			})
		case ReasonEncryptionUnavailable:
			c.goOffline(ctx, h, ReasonEncryptionUnavailable)
		default:
			release()
			return c.abort(ctx, h, reason, msg)
		}
	}

	res := c.simulate(ctx, h, onFrame)

	settling, _ := c.advance(ctx, h, StateSettling, func(p *PlaySession) {
		p.Outcome = &Outcome{
			Slot:       res.Slot,
			Multiplier: res.Multiplier,
			Ticks:      res.Ticks,
			FinalX:     res.FinalX,
			Stalled:    res.Stalled,
		}
	})
	release()

	if !c.opts.Guard.RecordResult(ctx, player, res.Multiplier, res.Slot) {
		return c.abort(ctx, h, ReasonResultInconsistency,
			fmt.Sprintf("slot %d with multiplier %s does not match the payout table", res.Slot, res.Multiplier))
	}

	var rec syncResult
	if settling.OnChain {
		rec = c.reconcile(ctx, settling)
	}

	final, err := c.advance(ctx, h, StateResolved, func(p *PlaySession) {
		p.BalanceSynced = rec.synced
		p.Balance = rec.balance
		p.ResultTx = rec.resultTx
		p.SyncError = rec.reason
		if rec.message != "" {
			p.Message = rec.message
		}
	})
	if err != nil {
		return final
	}

	if c.opts.Publisher != nil {
		c.opts.Publisher.PublishOutcome(ctx, outcomeEvent(final))
	}
	c.persist(ctx, final)
	log.Printf("[SESSION] %s resolved: player=%s slot=%d x%s %s", final.ID, final.Player, res.Slot, res.Multiplier, final.Settlement())
	return final
}

// ledgerAvailable is the single on-chain/offline decision point.
func (c *Controller) ledgerAvailable(ctx context.Context, player string) (bool, Reason) {
	if c.opts.Ledger == nil || !c.opts.Ledger.Ready() {
		return false, ReasonLedgerUnavailable
	}
	if c.opts.Wallet != nil && !c.opts.Wallet.Authenticate(ctx, player) {
		return false, ReasonNotAuthenticated
	}
	return true, ""
}

func (c *Controller) goOffline(ctx context.Context, h *handle, why Reason) {
	id := rand.Int64N(1_000_000)
	c.advance(ctx, h, StateSimulating, func(p *PlaySession) {
		p.GameID = id
		p.OnChain = false
		p.FallbackReason = why
	})
}

func (c *Controller) wager(ctx context.Context, player string, amount uint64) (ledger.Receipt, Reason, string) {
	in, err := callLedger(ctx, c.opts.LedgerTimeout, func(lctx context.Context) (ledger.EncryptedInput, error) {
		return c.opts.Ledger.EncryptValue(lctx, amount)
	})
	if err != nil {
		r := classify(err)
		log.Printf("[SESSION] encrypt wager for %s failed (%s): %v", player, r, err)
		return ledger.Receipt{}, r, abortMessage(r, err)
	}

	receipt, err := callLedger(ctx, c.opts.LedgerTimeout, func(lctx context.Context) (ledger.Receipt, error) {
		return c.opts.Ledger.SubmitBet(lctx, player, in)
	})
	if err != nil {
		r := classify(err)
		if r == ReasonEncryptionUnavailable {
			r = ReasonSubmissionFailed
		}
		log.Printf("[SESSION] submit bet for %s failed (%s): %v", player, r, err)
		return ledger.Receipt{}, r, abortMessage(r, err)
	}
	return receipt, "", ""
}

func (c *Controller) simulate(ctx context.Context, h *handle, onFrame func(game.Frame)) game.Result {
	ps := h.snapshot()
	engine := game.NewPhysicsEngine(c.opts.Board, c.opts.Physics, ps.Seed)
	if err := engine.DropRandom(); err != nil {
		log.Printf("[SESSION] %s drop failed: %v", ps.ID, err)
	}
	pub := c.opts.Publisher
	return c.opts.Runner.Run(engine, func(f game.Frame) {
		if onFrame != nil {
			onFrame(f)
		}
		if pub != nil {
			pub.PublishFrame(ctx, ps.Player, FrameEvent{Type: EventFrame, SessionID: ps.ID, Frame: f})
		}
	})
}

type syncResult struct {
	synced   bool
	balance  *decimal.Decimal
	resultTx string
	reason   Reason
	message  string
}

// reconcile credits the payout where the ledger supports it and refreshes
// the player's balance. Failures here never undo the outcome.
func (c *Controller) reconcile(ctx context.Context, ps PlaySession) syncResult {
	var out syncResult
	l := c.opts.Ledger

	if rs, ok := l.(ledger.ResultSubmitter); ok {
		receipt, err := callLedger(ctx, c.opts.LedgerTimeout, func(lctx context.Context) (ledger.Receipt, error) {
			return rs.SubmitResult(lctx, ps.Player, ps.GameID, ps.Outcome.Multiplier, ps.Outcome.Slot)
		})
		if err != nil {
			log.Printf("[SESSION] %s payout credit failed, queued for retry: %v", ps.ID, err)
			c.queueCredit(ctx, ps.ID, pendingCredit{
				Player:     ps.Player,
				GameID:     ps.GameID,
				Multiplier: ps.Outcome.Multiplier,
				Slot:       ps.Outcome.Slot,
			})
			out.reason = ReasonBalanceSyncFailed
			out.message = "result recorded locally, ledger credit will retry later"
			return out
		}
		out.resultTx = receipt.TxHash
	}

	ct, err := callLedger(ctx, c.opts.LedgerTimeout, func(lctx context.Context) (ledger.Ciphertext, error) {
		return l.ReadEncryptedBalance(lctx, ps.Player)
	})
	if err == nil {
		var v uint64
		v, err = callLedger(ctx, c.opts.LedgerTimeout, func(lctx context.Context) (uint64, error) {
			return l.Decrypt(lctx, ps.Player, ct)
		})
		if err == nil {
			bal := ledger.ToTokens(v)
			out.synced = true
			out.balance = &bal
			return out
		}
	}
	log.Printf("[SESSION] %s balance refresh failed: %v", ps.ID, err)
	out.reason = ReasonBalanceSyncFailed
	out.message = "game resolved, balance refresh failed and will catch up on the next poll"
	return out
}

func (c *Controller) abort(ctx context.Context, h *handle, reason Reason, msg string) PlaySession {
	if msg == "" {
		msg = abortMessage(reason, nil)
	}
	final, err := c.advance(ctx, h, StateAborted, func(p *PlaySession) {
		p.AbortReason = reason
		p.Message = msg
	})
	if err != nil {
		return final
	}
	log.Printf("[SESSION] %s aborted: player=%s reason=%s", final.ID, final.Player, reason)
	c.persist(ctx, final)
	return final
}

// advance applies a transition and announces it.
func (c *Controller) advance(ctx context.Context, h *handle, to State, mutate func(*PlaySession)) (PlaySession, error) {
	ps, err := h.advance(to, c.opts.Now(), mutate)
	if err != nil {
		log.Printf("[SESSION] %s: %v", ps.ID, err)
		return ps, err
	}
	if c.opts.Publisher != nil {
		c.opts.Publisher.PublishState(ctx, ps.Player, stateEvent(ps))
	}
	c.cache(ctx, ps)
	return ps, nil
}

func (c *Controller) persist(ctx context.Context, ps PlaySession) {
	if c.opts.Store == nil {
		return
	}
	if err := c.opts.Store.SavePlay(ctx, ps); err != nil {
		log.Printf("[SESSION] failed to persist %s: %v", ps.ID, err)
	}
}

func playKey(id string) string {
	return fmt.Sprintf("play:%s:state", id)
}

func (c *Controller) cache(ctx context.Context, ps PlaySession) {
	if c.opts.Redis == nil {
		return
	}
	data, err := json.Marshal(ps)
	if err != nil {
		return
	}
	if err := c.opts.Redis.SetEx(ctx, playKey(ps.ID), data, c.opts.CacheTTL).Err(); err != nil {
		log.Printf("[SESSION] failed to cache %s: %v", ps.ID, err)
	}
}

// Get returns the latest copy of a play, looking in Redis for plays run
// by another instance or already swept from memory.
func (c *Controller) Get(ctx context.Context, id string) (PlaySession, error) {
	c.mu.RLock()
	h, ok := c.sessions[id]
	c.mu.RUnlock()
	if ok {
		return h.snapshot(), nil
	}

	if c.opts.Redis != nil {
		data, err := c.opts.Redis.Get(ctx, playKey(id)).Bytes()
		if err == nil {
			var ps PlaySession
			if err := json.Unmarshal(data, &ps); err == nil {
				return ps, nil
			}
		} else if err != redis.Nil {
			log.Printf("[SESSION] cache read for %s failed: %v", id, err)
		}
	}
	return PlaySession{}, ErrNotFound
}

// Wait blocks until the play is terminal or ctx ends.
func (c *Controller) Wait(ctx context.Context, id string) (PlaySession, error) {
	c.mu.RLock()
	h, ok := c.sessions[id]
	c.mu.RUnlock()
	if !ok {
		return c.Get(ctx, id)
	}
	select {
	case <-h.done:
		return h.snapshot(), nil
	case <-ctx.Done():
		return h.snapshot(), ctx.Err()
	}
}

// Active counts plays that have not reached a terminal state.
func (c *Controller) Active() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, h := range c.sessions {
		if !h.state().Terminal() {
			n++
		}
	}
	return n
}

// Drain blocks until every running play, background ones included, has
// finished settling, or ctx ends.
func (c *Controller) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Replay reruns the physics from the play's seed and reports whether it
// reproduces the recorded outcome. A drop the engine refuses is an error,
// not a mismatch.
func (c *Controller) Replay(ps PlaySession) (Outcome, bool, error) {
	engine := game.NewPhysicsEngine(c.opts.Board, c.opts.Physics, ps.Seed)
	if err := engine.DropRandom(); err != nil {
		log.Printf("[SESSION] replay of %s: drop failed: %v", ps.ID, err)
		return Outcome{}, false, fmt.Errorf("replay %s: %w", ps.ID, err)
	}
	res := engine.Simulate()
	out := Outcome{
		Slot:       res.Slot,
		Multiplier: res.Multiplier,
		Ticks:      res.Ticks,
		FinalX:     res.FinalX,
		Stalled:    res.Stalled,
	}
	// Archived plays carry no tick count.
	matches := ps.Outcome != nil &&
		ps.Outcome.Slot == out.Slot &&
		ps.Outcome.Multiplier.Equal(out.Multiplier) &&
		(ps.Outcome.Ticks == 0 || ps.Outcome.Ticks == out.Ticks)
	return out, matches, nil
}

// Sweep forgets terminal plays resolved more than CacheTTL ago.
func (c *Controller) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, h := range c.sessions {
		ps := h.snapshot()
		if ps.State.Terminal() && ps.ResolvedAt != nil && now.Sub(*ps.ResolvedAt) > c.opts.CacheTTL {
			delete(c.sessions, id)
			removed++
		}
	}
	return removed
}

// StartJanitor sweeps old plays and retries pending credits until ctx ends.
func (c *Controller) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		log.Printf("[SESSION] janitor started, interval=%s", interval)
		for {
			select {
			case <-ctx.Done():
				log.Printf("[SESSION] janitor stopped")
				return
			case <-ticker.C:
				if n := c.Sweep(c.opts.Now()); n > 0 {
					log.Printf("[SESSION] swept %d finished plays", n)
				}
				if n := c.RetryPendingCredits(ctx); n > 0 {
					log.Printf("[SESSION] credited %d pending payouts", n)
				}
			}
		}
	}()
}

// callLedger bounds fn by timeout even if fn ignores its context.
func callLedger[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %v", ledger.ErrNetwork, ctx.Err())
	}
}

func classify(err error) Reason {
	switch {
	case errors.Is(err, ledger.ErrUserCancelled):
		return ReasonUserCancelled
	case errors.Is(err, ledger.ErrNetwork),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ReasonNetworkError
	case errors.Is(err, ledger.ErrEncryptionUnavailable):
		return ReasonEncryptionUnavailable
	default:
		return ReasonSubmissionFailed
	}
}

func abortMessage(r Reason, err error) string {
	switch r {
	case ReasonRateLimited:
		return "too many plays, please wait before dropping again"
	case ReasonAlreadyInFlight:
		return "a play is already in progress for this wallet"
	case ReasonUserCancelled:
		return "the wager signature was rejected in the wallet"
	case ReasonNetworkError:
		return "the ledger did not respond in time, please retry"
	case ReasonResultInconsistency:
		return "the play result failed verification and was not settled"
	case ReasonSubmissionFailed:
		if err != nil {
			return "wager transaction failed: " + err.Error()
		}
		return "wager transaction failed"
	}
	if err != nil {
		return err.Error()
	}
	return string(r)
}
