package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is handled by the outer server
		return true
	},
}

// Channel names clients may subscribe to.
const (
	ChannelTrades = "trades"
	ChannelEscrow = "escrow"
)

// Hub maintains active WebSocket connections and fans events out to
// subscribed clients. Slow clients get dropped, never waited on.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	log        *zap.SugaredLogger
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Infow("ws client connected", "id", client.id, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Infow("ws client disconnected", "id", client.id, "total", total)
		}
	}
}

// Broadcast sends an event to every client subscribed to channel.
func (h *Hub) Broadcast(channel string, data interface{}) {
	message, err := json.Marshal(wsMessage(channel, data))
	if err != nil {
		h.log.Errorw("ws marshal", "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.IsSubscribed(channel) {
			continue
		}
		select {
		case client.send <- message:
		default:
			// buffer full, client falls behind and gets skipped
		}
	}
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subsMu        sync.RWMutex
	subscriptions map[string]bool
}

func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[channel]
}

func (c *Client) subscribe(channel string, on bool) {
	c.subsMu.Lock()
	if on {
		c.subscriptions[channel] = true
	} else {
		delete(c.subscriptions, channel)
	}
	c.subsMu.Unlock()
}

// readPump consumes subscription requests until the connection closes.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warnw("ws read", "err", err)
			}
			break
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			continue
		}
		switch req.Op {
		case "subscribe":
			for _, channel := range req.Channels {
				c.subscribe(channel, true)
			}
		case "unsubscribe":
			for _, channel := range req.Channels {
				c.subscribe(channel, false)
			}
		}
	}
}

// writePump flushes hub messages to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws upgrade", "err", err)
		return
	}

	client := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		id:            uuid.NewString(),
		subscriptions: map[string]bool{ChannelTrades: true, ChannelEscrow: true},
	}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}
