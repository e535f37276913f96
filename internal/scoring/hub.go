package scoring

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/servision-wang/data-processing/internal/metrics"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// MessageScoresUpdated tells a client to refetch its leaderboard.
const MessageScoresUpdated = "scores_updated"

// Message is a JSON message sent to WebSocket clients.
type Message struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

type client struct {
	userID string
	conn   *websocket.Conn
}

type envelope struct {
	userID string
	data   []byte
}

// Hub manages WebSocket connections grouped by user and pushes leaderboard
// change notifications to the owning user's connections only.
type Hub struct {
	clients    map[string]map[*client]struct{}
	broadcast  chan envelope
	register   chan *client
	unregister chan *client
	stopped    chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*client]struct{}),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop and returns when ctx is cancelled, closing
// all connections. Must be called in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.stopped)
			h.mu.Lock()
			for _, set := range h.clients {
				for c := range set {
					c.conn.Close()
				}
			}
			h.clients = make(map[string]map[*client]struct{})
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[c.userID]
			if !ok {
				set = make(map[*client]struct{})
				h.clients[c.userID] = set
			}
			set[c] = struct{}{}
			n := len(set)
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "user", c.userID, "user_total", n)

		case c := <-h.unregister:
			h.remove(c)

		case env := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*client, 0, len(h.clients[env.userID]))
			for c := range h.clients[env.userID] {
				targets = append(targets, c)
			}
			h.mu.RUnlock()

			for _, c := range targets {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, env.data); err != nil {
					h.remove(c)
				}
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	c.conn.Close()
	metrics.WebSocketClients.Dec()
}

// Clients returns the number of connections open for userID.
func (h *Hub) Clients(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Broadcast queues msg for userID's connections. It never blocks: when the
// buffer is full the message is dropped.
func (h *Hub) Broadcast(userID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- envelope{userID: userID, data: data}:
	default:
		slog.Warn("ws broadcast dropped", "user", userID, "type", msg.Type)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Serve upgrades the request and subscribes the connection to userID's
// notifications.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{userID: userID, conn: conn}
	select {
	case h.register <- c:
	case <-h.stopped:
		conn.Close()
		return
	}

	done := make(chan struct{})

	// Read pump: keep the connection alive and detect disconnects.
	go func() {
		defer func() {
			close(done)
			select {
			case h.unregister <- c:
			case <-h.stopped:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// WriteControl may run concurrently with the hub's WriteMessage.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()
}
