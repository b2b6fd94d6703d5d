// Package realtime streams execution lifecycle events to WebSocket
// subscribers. Clients subscribe to channels: "executions" carries every
// event, "executions.{id}" the events of one execution.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pranaflow/prana/internal/platform/logger"
	"github.com/pranaflow/prana/internal/shared/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// ChannelExecutions receives every execution and node event.
const ChannelExecutions = "executions"

// ExecutionChannel names the per-execution channel.
func ExecutionChannel(executionID string) string {
	return ChannelExecutions + "." + executionID
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// messageType tags client/server frames.
type messageType string

const (
	typeSubscribe   messageType = "subscribe"
	typeUnsubscribe messageType = "unsubscribe"
	typePing        messageType = "ping"
	typePong        messageType = "pong"
	typeEvent       messageType = "event"
)

type message struct {
	Type      messageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client is one WebSocket subscriber.
type Client struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	channels map[string]bool
	hub      *Hub
	mu       sync.Mutex
}

// Hub fans lifecycle events out to subscribed clients. Slow consumers
// whose send buffer fills are dropped rather than blocking the publisher.
type Hub struct {
	log logger.Logger

	register   chan *Client
	unregister chan *Client
	broadcast  chan *events.Event
	done       chan struct{}

	mu       sync.RWMutex
	clients  map[*Client]bool
	channels map[string]map[*Client]bool
}

// NewHub creates a hub; call Run to start it.
func NewHub(log logger.Logger) *Hub {
	return &Hub{
		log:        log,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *events.Event, 64),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		channels:   make(map[string]map[*Client]bool),
	}
}

// Run processes registrations and broadcasts until Close.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.drop(client)

		case event := <-h.broadcast:
			h.fanOut(event)

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				client.conn.Close()
			}
			h.clients = make(map[*Client]bool)
			h.channels = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return
		}
	}
}

// Close shuts the hub down and disconnects all clients.
func (h *Hub) Close() {
	close(h.done)
}

// Publish enqueues an event for broadcast. A full broadcast buffer drops
// the event; realtime delivery is best effort.
func (h *Hub) Publish(event *events.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("realtime broadcast buffer full, dropping event", "event_type", string(event.Type))
	}
}

func (h *Hub) fanOut(event *events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	targets := []string{ChannelExecutions}
	if id, ok := event.Payload["execution_id"].(string); ok && id != "" {
		targets = append(targets, ExecutionChannel(id))
	}

	for _, channel := range targets {
		frame, err := json.Marshal(message{
			Type:      typeEvent,
			Channel:   channel,
			Event:     string(event.Type),
			Data:      data,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			continue
		}

		h.mu.RLock()
		subscribers := make([]*Client, 0, len(h.channels[channel]))
		for client := range h.channels[channel] {
			subscribers = append(subscribers, client)
		}
		h.mu.RUnlock()

		for _, client := range subscribers {
			select {
			case client.send <- frame:
			default:
				h.drop(client)
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for channel := range client.channels {
		if subs, ok := h.channels[channel]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.channels, channel)
			}
		}
	}
}

func (h *Hub) subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.channels[channel]; !ok {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][client] = true

	client.mu.Lock()
	client.channels[channel] = true
	client.mu.Unlock()
}

func (h *Hub) unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.channels[channel]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}

	client.mu.Lock()
	delete(client.channels, channel)
	client.mu.Unlock()
}

// ServeHTTP upgrades the connection and starts the client pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:       uuid.New().String(),
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		channels: make(map[string]bool),
		hub:      h,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case typeSubscribe:
			if msg.Channel != "" {
				c.hub.subscribe(c, msg.Channel)
			}
		case typeUnsubscribe:
			if msg.Channel != "" {
				c.hub.unsubscribe(c, msg.Channel)
			}
		case typePing:
			if frame, err := json.Marshal(message{Type: typePong, Timestamp: time.Now().UTC()}); err == nil {
				select {
				case c.send <- frame:
				default:
				}
			}
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
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
