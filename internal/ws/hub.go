package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by middleware.WebSocketCORSCheck before the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one socket. playerID is empty for spectators, who only see
// public outcome events.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	playerID string
	send     chan []byte
}

// Hub tracks connected sockets. A player may hold several at once.
type Hub struct {
	clients    map[*Client]struct{}
	players    map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		players:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run owns registration until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*Client]struct{})
			h.players = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			if c.playerID != "" {
				if h.players[c.playerID] == nil {
					h.players[c.playerID] = make(map[*Client]struct{})
				}
				h.players[c.playerID][c] = struct{}{}
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("[WS] client connected player=%q total=%d", c.playerID, total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				if set := h.players[c.playerID]; set != nil {
					delete(set, c)
					if len(set) == 0 {
						delete(h.players, c.playerID)
					}
				}
				close(c.send)
			}
			h.mu.Unlock()
			log.Printf("[WS] client disconnected player=%q", c.playerID)
		}
	}
}

// Connected counts open sockets.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends message to every socket.
func (h *Hub) Broadcast(message any) {
	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("[WS] marshal broadcast: %v", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.offer(data)
	}
}

// SendToPlayer sends message to every socket of one player.
func (h *Hub) SendToPlayer(playerID string, message any) {
	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("[WS] marshal for %s: %v", playerID, err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.players[playerID] {
		c.offer(data)
	}
}

// offer never blocks; a slow socket loses messages rather than stalling a
// physics tick. Caller holds h.mu.
func (c *Client) offer(data []byte) {
	select {
	case c.send <- data:
	default:
		log.Printf("[WS] send buffer full for player %q, dropping message", c.playerID)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[WS] write error for player %q: %v", c.playerID, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only keeps the connection alive; clients start plays over HTTP.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] read error for player %q: %v", c.playerID, err)
			}
			return
		}
	}
}
