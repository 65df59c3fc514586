package session

import (
	"context"

	"github.com/fheplinko/backend/internal/game"
	"github.com/shopspring/decimal"
)

const (
	EventOutcome = "play_outcome"
	EventFrame   = "ball_frame"
	EventState   = "session_state"
)

// OutcomeEvent announces a resolved play to leaderboards and clients.
type OutcomeEvent struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"sessionId"`
	PlayerID    string          `json:"playerId"`
	GameID      int64           `json:"gameId"`
	Multiplier  decimal.Decimal `json:"multiplier"`
	Slot        int             `json:"slot"`
	OnChain     bool            `json:"onChain"`
	Settlement  string          `json:"settlement"`
	TimestampMs int64           `json:"timestampMs"`
}

// FrameEvent carries one physics tick to the player's sockets.
type FrameEvent struct {
	Type      string     `json:"type"`
	SessionID string     `json:"sessionId"`
	Frame     game.Frame `json:"frame"`
}

// StateEvent reports a lifecycle change.
type StateEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	State     State  `json:"state"`
	OnChain   bool   `json:"onChain"`
	Reason    Reason `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Publisher fans events out. Implementations must not block the caller
// for long: PublishFrame runs on the physics tick.
type Publisher interface {
	PublishOutcome(ctx context.Context, ev OutcomeEvent)
	PublishFrame(ctx context.Context, player string, ev FrameEvent)
	PublishState(ctx context.Context, player string, ev StateEvent)
}

func outcomeEvent(ps PlaySession) OutcomeEvent {
	ev := OutcomeEvent{
		Type:       EventOutcome,
		SessionID:  ps.ID,
		PlayerID:   ps.Player,
		GameID:     ps.GameID,
		OnChain:    ps.OnChain,
		Settlement: ps.Settlement(),
	}
	if ps.Outcome != nil {
		ev.Multiplier = ps.Outcome.Multiplier
		ev.Slot = ps.Outcome.Slot
	}
	if ps.ResolvedAt != nil {
		ev.TimestampMs = ps.ResolvedAt.UnixMilli()
	}
	return ev
}

func stateEvent(ps PlaySession) StateEvent {
	reason := ps.AbortReason
	if reason == "" && ps.State == StateResolved {
		reason = ps.SyncError
	}
	return StateEvent{
		Type:      EventState,
		SessionID: ps.ID,
		State:     ps.State,
		OnChain:   ps.OnChain,
		Reason:    reason,
		Message:   ps.Message,
	}
}
