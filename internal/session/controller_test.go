package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fheplinko/backend/internal/game"
	"github.com/fheplinko/backend/internal/ledger"
	"github.com/fheplinko/backend/internal/security"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const player = "0x00000000000000000000000000000000000000aa"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// scriptedLedger is a real local ledger with injectable failures.
type scriptedLedger struct {
	*ledger.Local

	mu         sync.Mutex
	encryptErr error
	submitErr  error
	resultErr  error
	balanceErr error
	block      chan struct{}
}

func (l *scriptedLedger) set(fn func(l *scriptedLedger)) {
	l.mu.Lock()
	fn(l)
	l.mu.Unlock()
}

func (l *scriptedLedger) EncryptValue(ctx context.Context, v uint64) (ledger.EncryptedInput, error) {
	l.mu.Lock()
	err := l.encryptErr
	l.mu.Unlock()
	if err != nil {
		return ledger.EncryptedInput{}, err
	}
	return l.Local.EncryptValue(ctx, v)
}

func (l *scriptedLedger) SubmitBet(ctx context.Context, p string, in ledger.EncryptedInput) (ledger.Receipt, error) {
	l.mu.Lock()
	err, block := l.submitErr, l.block
	l.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return ledger.Receipt{}, err
	}
	return l.Local.SubmitBet(ctx, p, in)
}

func (l *scriptedLedger) SubmitResult(ctx context.Context, p string, id int64, m decimal.Decimal, slot int) (ledger.Receipt, error) {
	l.mu.Lock()
	err := l.resultErr
	l.mu.Unlock()
	if err != nil {
		return ledger.Receipt{}, err
	}
	return l.Local.SubmitResult(ctx, p, id, m, slot)
}

func (l *scriptedLedger) ReadEncryptedBalance(ctx context.Context, p string) (ledger.Ciphertext, error) {
	l.mu.Lock()
	err := l.balanceErr
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return l.Local.ReadEncryptedBalance(ctx, p)
}

type recordingPublisher struct {
	mu       sync.Mutex
	outcomes []OutcomeEvent
	frames   int
	states   []State
}

func (p *recordingPublisher) PublishOutcome(_ context.Context, ev OutcomeEvent) {
	p.mu.Lock()
	p.outcomes = append(p.outcomes, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) PublishFrame(_ context.Context, _ string, _ FrameEvent) {
	p.mu.Lock()
	p.frames++
	p.mu.Unlock()
}

func (p *recordingPublisher) PublishState(_ context.Context, _ string, ev StateEvent) {
	p.mu.Lock()
	p.states = append(p.states, ev.State)
	p.mu.Unlock()
}

type memoryOutcomes struct {
	mu    sync.Mutex
	plays []PlaySession
}

func (s *memoryOutcomes) SavePlay(_ context.Context, ps PlaySession) error {
	s.mu.Lock()
	s.plays = append(s.plays, ps)
	s.mu.Unlock()
	return nil
}

type fixture struct {
	ctrl   *Controller
	ledger *scriptedLedger
	guard  *security.Guard
	pub    *recordingPublisher
	store  *memoryOutcomes
	clock  *fakeClock
	mr     *miniredis.Miniredis
}

func newFixture(t *testing.T, edit func(o *Options)) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	board := game.DefaultBoard()

	local := ledger.NewLocal(1000)
	require.NoError(t, local.Init(context.Background()))
	sl := &scriptedLedger{Local: local}

	policy := security.Policy{MinInterval: time.Second, Window: time.Minute, MaxAttempts: 5, InFlightTTL: time.Hour}
	guard := security.NewGuard(policy, board.Multipliers(), security.NewMemoryStore(), clock.Now)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &fixture{
		ledger: sl,
		guard:  guard,
		pub:    &recordingPublisher{},
		store:  &memoryOutcomes{},
		clock:  clock,
		mr:     mr,
	}
	opts := Options{
		Board:         board,
		Physics:       game.DefaultPhysicsParams(),
		Guard:         guard,
		Ledger:        sl,
		Publisher:     f.pub,
		Store:         f.store,
		Redis:         rdb,
		LedgerTimeout: 2 * time.Second,
		DefaultWager:  10,
		MaxWager:      100,
		CacheTTL:      time.Minute,
		Now:           clock.Now,
	}
	if edit != nil {
		edit(&opts)
	}
	ctrl, err := NewController(opts)
	require.NoError(t, err)
	f.ctrl = ctrl
	return f
}

func (f *fixture) play(t *testing.T) *PlaySession {
	t.Helper()
	ps, err := f.ctrl.Play(context.Background(), PlayRequest{Player: player})
	require.NoError(t, err)
	return ps
}

func states(ps *PlaySession) []State {
	out := make([]State, len(ps.History))
	for i, tr := range ps.History {
		out[i] = tr.To
	}
	return out
}

func TestPlayResolvesOnChain(t *testing.T) {
	f := newFixture(t, nil)
	ps := f.play(t)

	require.Equal(t, StateResolved, ps.State, ps.Message)
	assert.Equal(t, []State{StateAuthorizing, StateWageringTx, StateSimulating, StateSettling, StateResolved}, states(ps))
	assert.True(t, ps.OnChain)
	assert.Equal(t, int64(1), ps.GameID)
	assert.NotEmpty(t, ps.BetTx)
	assert.NotEmpty(t, ps.ResultTx)
	require.NotNil(t, ps.Outcome)
	assert.True(t, ps.BalanceSynced)
	require.NotNil(t, ps.Balance)

	want := decimal.NewFromInt(990).Add(decimal.NewFromInt(10).Mul(ps.Outcome.Multiplier))
	assert.True(t, want.Equal(*ps.Balance), "balance %s, want %s", ps.Balance, want)

	require.Len(t, f.pub.outcomes, 1)
	ev := f.pub.outcomes[0]
	assert.True(t, ev.OnChain)
	assert.Equal(t, "on-chain", ev.Settlement)
	assert.Equal(t, ps.Outcome.Slot, ev.Slot)
	assert.Greater(t, f.pub.frames, 0)
	assert.Len(t, f.store.plays, 1)

	rec, err := f.guard.Status(context.Background(), player)
	require.NoError(t, err)
	assert.False(t, rec.InFlight)
	assert.Equal(t, int64(1), rec.Settled)
}

func TestPlayFallsBackWhenLedgerNotReady(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.ledger.Close())

	ps := f.play(t)
	require.Equal(t, StateResolved, ps.State)
	assert.Equal(t, []State{StateAuthorizing, StateSimulating, StateSettling, StateResolved}, states(ps))
	assert.False(t, ps.OnChain)
	assert.Equal(t, ReasonLedgerUnavailable, ps.FallbackReason)
	assert.GreaterOrEqual(t, ps.GameID, int64(0))
	assert.Less(t, ps.GameID, int64(1_000_000))
	assert.False(t, ps.BalanceSynced)
	require.Len(t, f.pub.outcomes, 1)
	assert.Equal(t, "offline", f.pub.outcomes[0].Settlement)
}

func TestPlayWithoutLedgerRunsOffline(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Ledger = nil })
	ps := f.play(t)
	assert.Equal(t, StateResolved, ps.State)
	assert.False(t, ps.OnChain)
}

func TestEncryptionUnavailableFallsBack(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.set(func(l *scriptedLedger) { l.encryptErr = ledger.ErrEncryptionUnavailable })

	ps := f.play(t)
	require.Equal(t, StateResolved, ps.State)
	assert.Equal(t, []State{StateAuthorizing, StateWageringTx, StateSimulating, StateSettling, StateResolved}, states(ps))
	assert.False(t, ps.OnChain)
	assert.Equal(t, ReasonEncryptionUnavailable, ps.FallbackReason)
}

func TestUserCancelledAbortsAndReleases(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.set(func(l *scriptedLedger) { l.encryptErr = fmt.Errorf("%w: denied", ledger.ErrUserCancelled) })

	ps := f.play(t)
	require.Equal(t, StateAborted, ps.State)
	assert.Equal(t, ReasonUserCancelled, ps.AbortReason)
	assert.True(t, ps.AbortReason.Retryable())
	assert.Nil(t, ps.Outcome)
	assert.Empty(t, f.pub.outcomes)
	assert.Len(t, f.store.plays, 1)

	rec, err := f.guard.Status(context.Background(), player)
	require.NoError(t, err)
	assert.False(t, rec.InFlight)
	assert.Equal(t, int64(0), rec.Settled)
	assert.Equal(t, 1, rec.Attempts)

	// A retry after the interval goes through.
	f.ledger.set(func(l *scriptedLedger) { l.encryptErr = nil })
	f.clock.Advance(2 * time.Second)
	ps = f.play(t)
	assert.Equal(t, StateResolved, ps.State)
}

func TestSubmitFailureAborts(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.set(func(l *scriptedLedger) { l.submitErr = fmt.Errorf("%w: reverted", ledger.ErrSubmissionFailed) })

	ps := f.play(t)
	require.Equal(t, StateAborted, ps.State)
	assert.Equal(t, ReasonSubmissionFailed, ps.AbortReason)
	assert.Contains(t, ps.Message, "reverted")
}

func TestLedgerTimeoutIsNetworkError(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.LedgerTimeout = 20 * time.Millisecond })
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	f.ledger.set(func(l *scriptedLedger) { l.block = block })

	ps := f.play(t)
	require.Equal(t, StateAborted, ps.State)
	assert.Equal(t, ReasonNetworkError, ps.AbortReason)

	rec, err := f.guard.Status(context.Background(), player)
	require.NoError(t, err)
	assert.False(t, rec.InFlight)
}

func TestBalanceSyncFailureStillResolves(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.set(func(l *scriptedLedger) { l.balanceErr = fmt.Errorf("%w: rpc down", ledger.ErrNetwork) })

	ps := f.play(t)
	require.Equal(t, StateResolved, ps.State)
	assert.True(t, ps.OnChain)
	assert.False(t, ps.BalanceSynced)
	assert.Nil(t, ps.Balance)
	assert.Equal(t, ReasonBalanceSyncFailed, ps.SyncError)
	require.Len(t, f.pub.outcomes, 1)
}

func TestFailedCreditIsRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.set(func(l *scriptedLedger) { l.resultErr = ledger.ErrNetwork })

	ps := f.play(t)
	require.Equal(t, StateResolved, ps.State)
	assert.Equal(t, ReasonBalanceSyncFailed, ps.SyncError)
	assert.Equal(t, 1, f.ctrl.PendingCredits())

	assert.Equal(t, 0, f.ctrl.RetryPendingCredits(context.Background()))
	f.ledger.set(func(l *scriptedLedger) { l.resultErr = nil })
	assert.Equal(t, 1, f.ctrl.RetryPendingCredits(context.Background()))
	assert.Equal(t, 0, f.ctrl.PendingCredits())
}

func TestPendingCreditSurvivesRestart(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.set(func(l *scriptedLedger) { l.resultErr = ledger.ErrNetwork })

	ps := f.play(t)
	require.Equal(t, StateResolved, ps.State)
	stored, err := f.mr.HKeys(pendingCreditsKey)
	require.NoError(t, err)
	assert.Equal(t, []string{ps.ID}, stored)

	// A fresh controller on the same Redis, e.g. after a restart, owns the
	// credit now.
	f.ledger.set(func(l *scriptedLedger) { l.resultErr = nil })
	rdb := redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	next, err := NewController(Options{
		Board:   game.DefaultBoard(),
		Physics: game.DefaultPhysicsParams(),
		Guard:   f.guard,
		Ledger:  f.ledger,
		Redis:   rdb,
		Now:     f.clock.Now,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, next.PendingCredits())
	assert.Equal(t, 1, next.RetryPendingCredits(context.Background()))
	assert.Equal(t, 0, next.PendingCredits())
	assert.False(t, f.mr.Exists(pendingCreditsKey))

	// The old process still remembers it; the ledger refuses the second
	// settlement and the entry is dropped.
	assert.Equal(t, 0, f.ctrl.RetryPendingCredits(context.Background()))
	assert.Equal(t, 0, f.ctrl.PendingCredits())
}

func TestDrainWaitsForBackgroundPlays(t *testing.T) {
	f := newFixture(t, nil)
	block := make(chan struct{})
	f.ledger.set(func(l *scriptedLedger) { l.block = block })

	started, err := f.ctrl.Start(context.Background(), PlayRequest{Player: player})
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.ctrl.Drain(short), context.DeadlineExceeded)
	assert.Equal(t, 1, f.ctrl.Active())

	close(block)
	ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	require.NoError(t, f.ctrl.Drain(ctx))
	assert.Equal(t, 0, f.ctrl.Active())

	done, err := f.ctrl.Get(ctx, started.ID)
	require.NoError(t, err)
	assert.True(t, done.State.Terminal())
	assert.True(t, done.BalanceSynced)
}

func TestInconsistentResultAborts(t *testing.T) {
	f := newFixture(t, nil)
	wrong := make([]decimal.Decimal, game.SlotCount)
	for i := range wrong {
		wrong[i] = decimal.NewFromInt(999)
	}
	guard := security.NewGuard(f.guard.Policy(), wrong, security.NewMemoryStore(), f.clock.Now)
	ctrl, err := NewController(Options{
		Board:   game.DefaultBoard(),
		Physics: game.DefaultPhysicsParams(),
		Guard:   guard,
		Store:   f.store,
		Now:     f.clock.Now,
	})
	require.NoError(t, err)

	ps, err := ctrl.Play(context.Background(), PlayRequest{Player: player})
	require.NoError(t, err)
	require.Equal(t, StateAborted, ps.State)
	assert.Equal(t, ReasonResultInconsistency, ps.AbortReason)
	assert.NotNil(t, ps.Outcome)

	rec, err := guard.Status(context.Background(), player)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Inconsistent)
	assert.Equal(t, int64(0), rec.Settled)
}

func TestSecondPlayWhileInFlightIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	block := make(chan struct{})
	f.ledger.set(func(l *scriptedLedger) { l.block = block })

	first, err := f.ctrl.Start(context.Background(), PlayRequest{Player: player})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ps, _ := f.ctrl.Get(context.Background(), first.ID)
		return ps.State == StateWageringTx
	}, time.Second, 5*time.Millisecond)

	f.clock.Advance(5 * time.Second)
	second := f.play(t)
	assert.Equal(t, StateAborted, second.State)
	assert.Equal(t, ReasonAlreadyInFlight, second.AbortReason)

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := f.ctrl.Wait(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, done.State)
}

func TestRapidReplayIsRateLimited(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, StateResolved, f.play(t).State)

	ps := f.play(t)
	assert.Equal(t, StateAborted, ps.State)
	assert.Equal(t, ReasonRateLimited, ps.AbortReason)
}

func TestInvalidRequests(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.ctrl.Play(context.Background(), PlayRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.ctrl.Play(context.Background(), PlayRequest{Player: player, Wager: 101})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestReplayReproducesOutcome(t *testing.T) {
	f := newFixture(t, nil)
	ps := f.play(t)
	require.NotNil(t, ps.Outcome)

	out, ok, err := f.ctrl.Replay(*ps)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ps.Outcome.Slot, out.Slot)
	assert.Equal(t, ps.Outcome.Ticks, out.Ticks)
}

func TestReplayReportsRefusedDrop(t *testing.T) {
	f := newFixture(t, nil)
	ps := f.play(t)
	require.NotNil(t, ps.Outcome)

	f.ctrl.opts.Physics.DropSpread = math.Inf(1)
	out, ok, err := f.ctrl.Replay(*ps)
	assert.ErrorIs(t, err, game.ErrInvalidDrop)
	assert.False(t, ok)
	assert.Equal(t, Outcome{}, out)
}

func TestFixedSeedIsDeterministic(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Ledger = nil })
	seed := game.Seed{Hi: 7, Lo: 11}

	var frames []game.Frame
	a, err := f.ctrl.Play(context.Background(), PlayRequest{Player: player, Seed: &seed, OnFrame: func(fr game.Frame) {
		frames = append(frames, fr)
	}})
	require.NoError(t, err)
	f.clock.Advance(5 * time.Second)
	b, err := f.ctrl.Play(context.Background(), PlayRequest{Player: player, Seed: &seed})
	require.NoError(t, err)

	assert.Equal(t, a.Outcome.Slot, b.Outcome.Slot)
	assert.Equal(t, a.Outcome.FinalX, b.Outcome.FinalX)
	require.NotEmpty(t, frames)
	assert.True(t, frames[len(frames)-1].Settled)
}

func TestSweepKeepsCachedCopy(t *testing.T) {
	f := newFixture(t, nil)
	ps := f.play(t)

	assert.Equal(t, 0, f.ctrl.Sweep(f.clock.Now()))
	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, f.ctrl.Sweep(f.clock.Now()))

	got, err := f.ctrl.Get(context.Background(), ps.ID)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, got.State)
	assert.Equal(t, ps.Outcome.Slot, got.Outcome.Slot)

	f.mr.FlushAll()
	_, err = f.ctrl.Get(context.Background(), ps.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTransitions(t *testing.T) {
	assert.True(t, CanTransition(StateIdle, StateAuthorizing))
	assert.True(t, CanTransition(StateAuthorizing, StateSimulating))
	assert.False(t, CanTransition(StateIdle, StateSimulating))
	assert.False(t, CanTransition(StateSimulating, StateAborted))
	assert.False(t, CanTransition(StateResolved, StateAborted))

	h := newHandle(PlaySession{State: StateIdle})
	_, err := h.advance(StateSettling, time.Now(), nil)
	assert.Error(t, err)
	_, err = h.advance(StateAuthorizing, time.Now(), nil)
	assert.NoError(t, err)
	_, err = h.advance(StateAborted, time.Now(), nil)
	assert.NoError(t, err)
	select {
	case <-h.done:
	default:
		t.Fatal("done not closed after terminal transition")
	}
}
