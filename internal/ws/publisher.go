package ws

import (
	"context"
	"encoding/json"
	"log"

	"github.com/fheplinko/backend/internal/session"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	EventsChannel = "game_events"
	recentKey     = "plays:recent"
	recentCap     = 50
)

// envelope wraps an event relayed between instances. Origin lets an
// instance skip its own messages.
type envelope struct {
	Origin string          `json:"origin"`
	Type   string          `json:"type"`
	Player string          `json:"player,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// Publisher delivers play events to local sockets and relays outcomes and
// state changes to other instances over Redis. Frames stay local.
type Publisher struct {
	hub    *Hub
	rdb    *redis.Client
	origin string
}

// NewPublisher builds a publisher. rdb may be nil for a single instance.
func NewPublisher(hub *Hub, rdb *redis.Client) *Publisher {
	return &Publisher{hub: hub, rdb: rdb, origin: uuid.NewString()}
}

func (p *Publisher) PublishOutcome(ctx context.Context, ev session.OutcomeEvent) {
	p.hub.Broadcast(ev)
	data, ok := p.relay(ctx, ev.Type, "", ev)
	if !ok {
		return
	}
	pipe := p.rdb.TxPipeline()
	pipe.LPush(ctx, recentKey, data)
	pipe.LTrim(ctx, recentKey, 0, recentCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[WS] failed to record recent outcome: %v", err)
	}
}

func (p *Publisher) PublishFrame(_ context.Context, player string, ev session.FrameEvent) {
	p.hub.SendToPlayer(player, ev)
}

func (p *Publisher) PublishState(ctx context.Context, player string, ev session.StateEvent) {
	p.hub.SendToPlayer(player, ev)
	p.relay(ctx, ev.Type, player, ev)
}

// relay publishes ev and returns its encoded form.
func (p *Publisher) relay(ctx context.Context, typ, player string, ev any) ([]byte, bool) {
	if p.rdb == nil {
		return nil, false
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[WS] marshal %s: %v", typ, err)
		return nil, false
	}
	msg, _ := json.Marshal(envelope{Origin: p.origin, Type: typ, Player: player, Data: data})
	if err := p.rdb.Publish(ctx, EventsChannel, msg).Err(); err != nil {
		log.Printf("[WS] publish %s failed: %v", typ, err)
	}
	return data, true
}

// RecentOutcomes returns the latest outcomes seen by any instance, newest
// first.
func (p *Publisher) RecentOutcomes(ctx context.Context, limit int) ([]session.OutcomeEvent, error) {
	if p.rdb == nil {
		return nil, nil
	}
	if limit <= 0 || limit > recentCap {
		limit = recentCap
	}
	raw, err := p.rdb.LRange(ctx, recentKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]session.OutcomeEvent, 0, len(raw))
	for _, r := range raw {
		var ev session.OutcomeEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
