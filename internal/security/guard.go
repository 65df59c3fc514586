package security

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Reason explains why an attempt was refused.
type Reason string

const (
	ReasonRateLimited     Reason = "RateLimited"
	ReasonAlreadyInFlight Reason = "AlreadyInFlight"
)

// Policy bounds how often one player may start a play.
type Policy struct {
	MinInterval time.Duration // strictly more than this must pass between accepted attempts
	Window      time.Duration // trailing window for MaxAttempts
	MaxAttempts int
	InFlightTTL time.Duration // safety expiry for a reservation that is never released
}

func DefaultPolicy() Policy {
	return Policy{
		MinInterval: 2 * time.Second,
		Window:      time.Minute,
		MaxAttempts: 10,
		InFlightTTL: 2 * time.Minute,
	}
}

// Verdict is what a store returns for a reservation.
type Verdict struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
	// Token names the in-flight reservation an allowed verdict created.
	Token string
}

// Record is a read-only view of one player's bookkeeping.
type Record struct {
	LastAttempt  time.Time `json:"last_attempt"`
	Attempts     int       `json:"attempts_in_window"`
	InFlight     bool      `json:"in_flight"`
	Settled      int64     `json:"settled"`
	Inconsistent int64     `json:"inconsistent"`
}

// Store owns per-player records. Reserve must check and update a player's
// record as one atomic step.
type Store interface {
	Reserve(ctx context.Context, player string, now time.Time, p Policy) (Verdict, error)
	Release(ctx context.Context, player, token string) error
	RecordOutcome(ctx context.Context, player string, consistent bool) error
	Snapshot(ctx context.Context, player string, now time.Time, p Policy) (Record, error)
}

// Decision is the answer to ValidateAttempt.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     Reason        `json:"reason,omitempty"`
	Message    string        `json:"message,omitempty"`
	RetryAfter time.Duration `json:"retry_after_ns,omitempty"`
	// Token is handed back to Release.
	Token string `json:"-"`
}

// Guard rate-limits play attempts, serialises plays per player, checks
// settled results against the payout table and tracks who has signed in.
type Guard struct {
	policy Policy
	table  []decimal.Decimal
	store  Store
	now    func() time.Time

	mu     sync.RWMutex
	authed map[string]time.Time
}

// NewGuard builds a guard. now may be nil to use the wall clock.
func NewGuard(policy Policy, table []decimal.Decimal, store Store, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	t := make([]decimal.Decimal, len(table))
	copy(t, table)
	return &Guard{
		policy: policy,
		table:  t,
		store:  store,
		now:    now,
		authed: make(map[string]time.Time),
	}
}

func (g *Guard) Policy() Policy {
	return g.policy
}

// PlayerKey normalises a wallet address for use as a record key.
func PlayerKey(player string) string {
	return strings.ToLower(strings.TrimSpace(player))
}

// ValidateAttempt admits at most one play per player at a time, spaced more
// than MinInterval apart and capped at MaxAttempts per Window. An allowed
// attempt is counted and marked in flight before this returns.
func (g *Guard) ValidateAttempt(ctx context.Context, player string) Decision {
	key := PlayerKey(player)
	if key == "" {
		return Decision{Reason: ReasonRateLimited, Message: "missing player identity"}
	}

	v, err := g.store.Reserve(ctx, key, g.now(), g.policy)
	if err != nil {
		log.Printf("[GUARD] reserve failed for %s: %v", key, err)
		return Decision{Reason: ReasonRateLimited, Message: "rate limiter unavailable, try again shortly"}
	}
	if v.Allowed {
		return Decision{Allowed: true, Token: v.Token}
	}

	d := Decision{Reason: v.Reason, RetryAfter: v.RetryAfter}
	switch v.Reason {
	case ReasonAlreadyInFlight:
		d.Message = "a play is already in progress for this wallet"
	default:
		d.Message = fmt.Sprintf("too many plays, retry in %s", v.RetryAfter.Round(100*time.Millisecond))
	}
	return d
}

// Release clears the in-flight mark left by the reservation with this token.
// A mark that has since expired and been taken by a newer play is left
// alone. Attempt counts are untouched.
func (g *Guard) Release(ctx context.Context, player, token string) {
	if err := g.store.Release(ctx, PlayerKey(player), token); err != nil {
		log.Printf("[GUARD] release failed for %s: %v", player, err)
	}
}

// RecordResult accepts a settled (multiplier, slot) pair only when slot is
// on the board and the table holds exactly that multiplier there.
func (g *Guard) RecordResult(ctx context.Context, player string, multiplier decimal.Decimal, slot int) bool {
	ok := slot >= 0 && slot < len(g.table) && g.table[slot].Equal(multiplier)
	if !ok {
		log.Printf("[GUARD] result inconsistency for %s: slot=%d multiplier=%s", player, slot, multiplier)
	}
	if err := g.store.RecordOutcome(ctx, PlayerKey(player), ok); err != nil {
		log.Printf("[GUARD] record outcome failed for %s: %v", player, err)
	}
	return ok
}

// Status returns the player's current record.
func (g *Guard) Status(ctx context.Context, player string) (Record, error) {
	return g.store.Snapshot(ctx, PlayerKey(player), g.now(), g.policy)
}

// MarkAuthenticated records a verified wallet until the given time.
func (g *Guard) MarkAuthenticated(player string, until time.Time) {
	g.mu.Lock()
	g.authed[PlayerKey(player)] = until
	g.mu.Unlock()
}

func (g *Guard) Revoke(player string) {
	g.mu.Lock()
	delete(g.authed, PlayerKey(player))
	g.mu.Unlock()
}

func (g *Guard) IsAuthenticated(player string) bool {
	g.mu.RLock()
	until, ok := g.authed[PlayerKey(player)]
	g.mu.RUnlock()
	return ok && g.now().Before(until)
}
