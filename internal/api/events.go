package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"order-sync-service/internal/logger"
	syncengine "order-sync-service/internal/sync"
)

const (
	EventSyncStatus    = "sync.status"
	EventSyncCompleted = "sync.completed"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Envelope is the frame pushed to every websocket client.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub fans sync events out to connected websocket clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	stopOnce   sync.Once

	mu    sync.RWMutex
	unsub []func()
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Attach subscribes the hub to the manager's status and sync-complete
// notifications.
func (h *Hub) Attach(m *syncengine.Manager) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsub = append(h.unsub,
		m.AddStatusListener(func(s syncengine.SyncStatus) {
			h.Broadcast(EventSyncStatus, s)
		}),
		m.AddSyncCompleteCallback(func() {
			h.Broadcast(EventSyncCompleted, m.GetSyncStatus())
		}),
	)
}

func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			logger.Log.Debug("Websocket client connected", zap.String("client", c.id), zap.Int("clients", len(h.clients)))
		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
		case <-h.done:
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			return
		}
	}
}

// Stop detaches from the manager and disconnects every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		for _, fn := range h.unsub {
			fn()
		}
		h.unsub = nil
		h.mu.Unlock()
		close(h.done)
	})
}

// Broadcast queues an event for every client. It drops the event when the
// hub is saturated or stopped.
func (h *Hub) Broadcast(eventType string, data any) {
	msg, err := json.Marshal(Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		logger.Log.Error("Failed to encode event", zap.String("type", eventType), zap.Error(err))
		return
	}

	select {
	case <-h.done:
	case h.broadcast <- msg:
	default:
		logger.Log.Warn("Dropping event, broadcast buffer full", zap.String("type", eventType))
	}
}

// ServeWS upgrades the request and sends the given snapshot as the first
// frame.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, initial syncengine.SyncStatus) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 16),
		hub:  h,
	}
	first, err := json.Marshal(Envelope{Type: EventSyncStatus, Data: initial, Timestamp: time.Now().UnixMilli()})
	if err == nil {
		c.send <- first
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump only services control frames; clients have nothing to say.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Debug("Websocket read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
