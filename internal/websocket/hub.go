// Package websocket pushes change events to connected clients and consumes
// them on the other side.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jogardn/storefront/internal/changefeed"
	"github.com/jogardn/storefront/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	MessageReady  = "ready"
	MessageChange = "change"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp string      `json:"timestamp"`
	Source    string      `json:"source"`
}

type Client struct {
	conn   *websocket.Conn
	send   chan Message
	hub    *Hub
	logger *logrus.Logger
}

type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mutex      sync.RWMutex
	source     string
	logger     *logrus.Logger
}

func NewHub(source string, logger *logrus.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		source:     source,
		logger:     logger,
	}
}

// Run owns client registration and fan-out until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.WithField("client_count", count).Info("Client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.WithField("client_count", count).Info("Client disconnected")

		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client; it reconnects and reloads.
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mutex.Unlock()
		}
	}
}

func (h *Hub) newMessage(messageType string, data interface{}) Message {
	return Message{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339),
		Source:    h.source,
	}
}

func (h *Hub) Broadcast(messageType string, data interface{}) {
	select {
	case h.broadcast <- h.newMessage(messageType, data):
	default:
		h.logger.Warn("Broadcast channel full, dropping message")
		if messageType == MessageChange {
			h.resyncClients()
		}
	}
}

// resyncClients drops every client so each one reconnects and reloads.
func (h *Hub) resyncClients() {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for client := range h.clients {
		client.conn.Close()
	}
}

// Relay broadcasts every broker event until ctx is done. When the broker
// drops the subscription clients get a RESYNC marker.
func (h *Hub) Relay(ctx context.Context, broker *changefeed.Broker) {
	for {
		sub := broker.Subscribe(changefeed.Filter{})
		lost := h.relay(ctx, sub)
		sub.Close()
		if !lost {
			return
		}
		h.logger.Warn("Websocket relay lost its subscription, resubscribing")
		h.Broadcast(MessageChange, models.ResyncEvent(h.source))
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (h *Hub) relay(ctx context.Context, sub *changefeed.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-sub.Events():
			if !ok {
				return ctx.Err() == nil
			}
			h.Broadcast(MessageChange, event)
		}
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan Message, sendBuffer),
		hub:    h,
		logger: h.logger,
	}
	// Queued ahead of any broadcast, so a peer that saw "ready" misses nothing.
	client.send <- h.newMessage(MessageReady, nil)
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Error("WebSocket error")
			}
			break
		}
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}

			data, err := json.Marshal(message)
			if err != nil {
				c.logger.WithError(err).Error("Failed to marshal WebSocket message")
				continue
			}
			w.Write(data)

			// Add queued messages to the current websocket message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				nextMsg, ok := <-c.send
				if !ok {
					break
				}
				nextData, err := json.Marshal(nextMsg)
				if err != nil {
					c.logger.WithError(err).Error("Failed to marshal queued WebSocket message")
					continue
				}
				w.Write([]byte{'\n'})
				w.Write(nextData)
			}

			if err := w.Close(); err != nil {
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

func (h *Hub) GetClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
