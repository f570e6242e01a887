package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS layer in front.
		return true
	},
}

// Hub maintains active websocket connections and fans hub-level messages
// out to the clients subscribed to each channel.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	log        *zap.Logger
}

// NewHub creates a websocket hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log.Named("ws"),
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
			h.log.Info("client connected", zap.String("id", client.id), zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			client.releaseAll()
			if client.server.met != nil {
				client.server.met.WSSubscribers.Dec()
			}
			h.log.Info("client disconnected", zap.String("id", client.id), zap.Int("total", total))
		}
	}
}

// BroadcastToChannel sends a message to all clients subscribed to a channel.
func (h *Hub) BroadcastToChannel(channel string, data interface{}) {
	message, err := json.Marshal(data)
	if err != nil {
		h.log.Error("marshal error", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.IsSubscribed(channel) {
			select {
			case client.send <- message:
			default:
				// Buffer full, skip this client.
			}
		}
	}
}

// Client represents one websocket connection.
type Client struct {
	hub    *Hub
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	id     string

	subsMu        sync.RWMutex
	subscriptions map[string]bool
}

// IsSubscribed checks whether the client holds a channel subscription.
func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[channel]
}

// Subscribe attaches the client to a channel, bridging it onto the engine
// broadcaster on first use.
func (c *Client) Subscribe(channel string) {
	c.subsMu.Lock()
	if c.subscriptions[channel] {
		c.subsMu.Unlock()
		return
	}
	c.subscriptions[channel] = true
	c.subsMu.Unlock()

	if err := c.server.retainChannel(channel); err != nil {
		c.subsMu.Lock()
		delete(c.subscriptions, channel)
		c.subsMu.Unlock()
		c.sendError(channel, err.Error())
		return
	}
	c.hub.log.Debug("subscribed", zap.String("id", c.id), zap.String("channel", channel))
}

// Unsubscribe detaches the client from a channel.
func (c *Client) Unsubscribe(channel string) {
	c.subsMu.Lock()
	if !c.subscriptions[channel] {
		c.subsMu.Unlock()
		return
	}
	delete(c.subscriptions, channel)
	c.subsMu.Unlock()

	c.server.releaseChannel(channel)
}

// releaseAll drops every bridged channel on disconnect.
func (c *Client) releaseAll() {
	c.subsMu.Lock()
	channels := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		channels = append(channels, ch)
	}
	c.subscriptions = make(map[string]bool)
	c.subsMu.Unlock()

	for _, ch := range channels {
		c.server.releaseChannel(ch)
	}
}

func (c *Client) sendError(channel, msg string) {
	payload, err := json.Marshal(map[string]string{
		"event":   "error",
		"channel": channel,
		"message": msg,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// readPump pumps control messages from the connection to the hub.
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
				c.hub.log.Warn("read error", zap.Error(err))
			}
			break
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.log.Warn("invalid message", zap.Error(err))
			continue
		}

		switch req.Op {
		case "subscribe":
			for _, channel := range req.Channels {
				c.Subscribe(channel)
			}
		case "unsubscribe":
			for _, channel := range req.Channels {
				c.Unsubscribe(channel)
			}
		default:
			c.hub.log.Warn("unknown op", zap.String("op", req.Op))
		}
	}
}

// writePump pumps queued messages to the connection.
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// handleWebSocket upgrades the connection and starts the client pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade error", zap.Error(err))
		return
	}

	client := &Client{
		hub:           s.hub,
		server:        s,
		conn:          conn,
		send:          make(chan []byte, 256),
		id:            conn.RemoteAddr().String(),
		subscriptions: make(map[string]bool),
	}

	client.hub.register <- client
	if s.met != nil {
		s.met.WSSubscribers.Inc()
	}

	go client.writePump()
	go client.readPump()
}
