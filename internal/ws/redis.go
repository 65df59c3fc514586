package ws

import (
	"context"
	"encoding/json"
	"log"
)

// StartEventSubscriber relays events published by other instances to this
// instance's sockets. It returns once the subscription is live.
func (p *Publisher) StartEventSubscriber(ctx context.Context) error {
	if p.rdb == nil {
		log.Println("[WS] Redis client not set; event subscriber not started")
		return nil
	}

	pubsub := p.rdb.Subscribe(ctx, EventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}
	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()
		log.Printf("[WS] %s subscriber started", EventsChannel)
		for {
			select {
			case <-ctx.Done():
				log.Printf("[WS] %s subscriber stopped", EventsChannel)
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Printf("[WS] invalid event payload: %v", err)
					continue
				}
				if env.Origin == p.origin {
					continue
				}
				if env.Player != "" {
					p.hub.SendToPlayer(env.Player, env.Data)
				} else {
					p.hub.Broadcast(env.Data)
				}
			}
		}
	}()
	return nil
}
