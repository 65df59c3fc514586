package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/fheplinko/backend/internal/game"
	"github.com/shopspring/decimal"
)

// State is a play's lifecycle stage.
type State string

const (
	StateIdle        State = "Idle"
	StateAuthorizing State = "Authorizing"
	StateWageringTx  State = "WageringTx"
	StateSimulating  State = "Simulating"
	StateSettling    State = "Settling"
	StateResolved    State = "Resolved"
	StateAborted     State = "Aborted"
)

// transitions lists every legal move. Authorizing and WageringTx may jump
// straight to Simulating when the play falls back to offline mode.
var transitions = map[State][]State{
	StateIdle:        {StateAuthorizing},
	StateAuthorizing: {StateWageringTx, StateSimulating, StateAborted},
	StateWageringTx:  {StateSimulating, StateAborted},
	StateSimulating:  {StateSettling},
	StateSettling:    {StateResolved, StateAborted},
}

func (s State) Terminal() bool {
	return s == StateResolved || s == StateAborted
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reason is why a play aborted, fell back or failed to reconcile.
type Reason string

const (
	ReasonRateLimited           Reason = "RateLimited"
	ReasonAlreadyInFlight       Reason = "AlreadyInFlight"
	ReasonUserCancelled         Reason = "UserCancelled"
	ReasonNetworkError          Reason = "NetworkError"
	ReasonSubmissionFailed      Reason = "SubmissionFailed"
	ReasonResultInconsistency   Reason = "ResultInconsistency"
	ReasonBalanceSyncFailed     Reason = "BalanceSyncFailed"
	ReasonEncryptionUnavailable Reason = "EncryptionUnavailable"
	ReasonLedgerUnavailable     Reason = "LedgerUnavailable"
	ReasonNotAuthenticated      Reason = "NotAuthenticated"
)

// Retryable reports whether a fresh attempt may succeed.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonRateLimited, ReasonAlreadyInFlight, ReasonUserCancelled, ReasonNetworkError, ReasonSubmissionFailed:
		return true
	}
	return false
}

// Outcome is the settled physics result.
type Outcome struct {
	Slot       int             `json:"slot"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Ticks      int             `json:"ticks"`
	FinalX     float64         `json:"final_x"`
	Stalled    bool            `json:"stalled,omitempty"`
}

// Transition is one entry of a play's history.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// PlaySession is the record of one play attempt. Values handed out by the
// controller are copies; the live record only changes through advance.
type PlaySession struct {
	ID     string    `json:"id"`
	Player string    `json:"player"`
	Wager  uint64    `json:"wager"`
	Seed   game.Seed `json:"seed"`
	State  State     `json:"state"`

	GameID         int64  `json:"game_id"`
	OnChain        bool   `json:"on_chain"`
	FallbackReason Reason `json:"fallback_reason,omitempty"`
	BetTx          string `json:"bet_tx,omitempty"`
	ResultTx       string `json:"result_tx,omitempty"`

	Outcome     *Outcome `json:"outcome,omitempty"`
	AbortReason Reason   `json:"abort_reason,omitempty"`
	Message     string   `json:"message,omitempty"`

	BalanceSynced bool             `json:"balance_synced"`
	Balance       *decimal.Decimal `json:"balance,omitempty"`
	SyncError     Reason           `json:"sync_error,omitempty"`

	History    []Transition `json:"history"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}

// Settlement labels how the result was settled.
func (ps PlaySession) Settlement() string {
	if ps.OnChain {
		return "on-chain"
	}
	return "offline"
}

func (ps PlaySession) clone() PlaySession {
	out := ps
	out.History = append([]Transition(nil), ps.History...)
	if ps.Outcome != nil {
		o := *ps.Outcome
		out.Outcome = &o
	}
	if ps.Balance != nil {
		b := *ps.Balance
		out.Balance = &b
	}
	if ps.ResolvedAt != nil {
		t := *ps.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

// handle guards the live record of one play.
type handle struct {
	mu   sync.RWMutex
	ps   PlaySession
	done chan struct{}
}

func newHandle(ps PlaySession) *handle {
	return &handle{ps: ps, done: make(chan struct{})}
}

func (h *handle) snapshot() PlaySession {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ps.clone()
}

func (h *handle) state() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ps.State
}

// advance is the only place a play record changes. It rejects illegal
// moves, applies mutate, logs the transition and releases waiters once
// the play is terminal.
func (h *handle) advance(to State, at time.Time, mutate func(*PlaySession)) (PlaySession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	from := h.ps.State
	if !CanTransition(from, to) {
		return h.ps.clone(), fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	if mutate != nil {
		mutate(&h.ps)
	}
	h.ps.State = to
	h.ps.History = append(h.ps.History, Transition{From: from, To: to, At: at})
	if to.Terminal() {
		t := at
		h.ps.ResolvedAt = &t
		close(h.done)
	}
	return h.ps.clone(), nil
}
