package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/your-org/ytkey/internal/models"
	"github.com/your-org/ytkey/internal/observability"
	"github.com/your-org/ytkey/pkg/dto"
)

const EventTypeDownloadStatus = "download_status"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a connected WebSocket client.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	key  string // optional filter
}

// Hub maintains active WebSocket clients and broadcasts download events.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *dto.WSEvent
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *dto.WSEvent, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop until ctx ends. Call this in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
				observability.WSConnections.Dec()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			observability.WSConnections.Inc()
			slog.Debug("ws client connected", "filter", client.key)

		case client := <-h.unregister:
			h.remove(client)
			slog.Debug("ws client disconnected")

		case event := <-h.broadcast:
			message, err := json.Marshal(event)
			if err != nil {
				slog.Error("marshal ws event", "error", err)
				continue
			}

			var slow []*Client
			h.mu.RLock()
			for client := range h.clients {
				if client.key != "" && client.key != event.Key {
					continue
				}
				select {
				case client.send <- message:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()

			// Client buffer full: disconnect.
			for _, client := range slow {
				h.remove(client)
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		observability.WSConnections.Dec()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastDownloadEvent sends a download event to all interested clients.
func (h *Hub) BroadcastDownloadEvent(ev models.DownloadEvent) {
	event := &dto.WSEvent{
		Type:  EventTypeDownloadStatus,
		JobID: ev.JobID,
		Key:   ev.Key,
		Data: dto.DownloadEventResponse{
			JobID:      ev.JobID,
			Key:        ev.Key,
			Status:     string(ev.Status),
			ObjectKey:  ev.ObjectKey,
			Bytes:      ev.Bytes,
			Duration:   ev.Duration,
			Error:      ev.Error,
			OccurredAt: ev.OccurredAt.Format(time.RFC3339),
		},
	}
	select {
	case h.broadcast <- event:
	case <-h.done:
	}
}

// HandleWS handles WebSocket upgrade requests. The optional "key" query
// parameter limits delivery to events for that key.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "error", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 64),
		key:  c.Query("key"),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h)
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	// Incoming messages are ignored; the loop only detects disconnection.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
