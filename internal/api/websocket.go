package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/stackhaven/warden/internal/events"
	"github.com/stackhaven/warden/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same-origin policy for upgrades; localhost allowed for development.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if strings.Contains(origin, "://localhost:") || strings.Contains(origin, "://127.0.0.1:") {
			return true
		}
		host := r.Host
		if len(origin) > 7 && origin[:7] == "http://" {
			return origin[7:] == host
		}
		if len(origin) > 8 && origin[:8] == "https://" {
			return origin[8:] == host
		}
		return false
	},
}

// WSMessage is a topic-based message sent to clients
type WSMessage struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// wsClient represents a connected WebSocket client with subscriptions
type wsClient struct {
	conn   *websocket.Conn
	topics map[string]bool
	send   chan []byte
}

// WSManager fans policy events out to websocket clients with topic-based
// subscriptions. Topics are the event type strings ("sync.failed",
// "template.applied", ...).
type WSManager struct {
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	mutex      sync.RWMutex
	log        *logging.Logger
}

// NewWSManager starts a manager bridging the event hub until ctx is done.
func NewWSManager(ctx context.Context, hub *events.Hub, log *logging.Logger) *WSManager {
	m := &WSManager{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		log:        log.WithComponent("ws"),
	}
	go m.run(ctx)
	go m.bridge(ctx, hub)
	return m
}

func (m *WSManager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.mutex.Lock()
			for client := range m.clients {
				delete(m.clients, client)
				close(client.send)
				if client.conn != nil {
					client.conn.Close()
				}
			}
			m.mutex.Unlock()
			return
		case client := <-m.register:
			m.mutex.Lock()
			m.clients[client] = true
			m.mutex.Unlock()
		case client := <-m.unregister:
			m.mutex.Lock()
			if _, ok := m.clients[client]; ok {
				delete(m.clients, client)
				close(client.send)
				if client.conn != nil {
					client.conn.Close()
				}
			}
			m.mutex.Unlock()
		}
	}
}

// bridge forwards every hub event to subscribed clients.
func (m *WSManager) bridge(ctx context.Context, hub *events.Hub) {
	ch := hub.Subscribe(256)
	defer hub.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			m.Publish(string(e.Type), e)
		}
	}
}

// Publish sends a message to all clients subscribed to the given topic.
// Clients with a full buffer are skipped, never blocked on.
func (m *WSManager) Publish(topic string, data any) {
	msg := WSMessage{Topic: topic, Data: data}
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for client := range m.clients {
		if client.topics[topic] || client.topics["*"] {
			select {
			case client.send <- msgBytes:
			default:
			}
		}
	}
}

// readPump handles incoming subscription messages from a client.
func (c *wsClient) readPump(m *WSManager) {
	defer func() {
		m.unregister <- c
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var msg struct {
			Action string   `json:"action"`
			Topics []string `json:"topics"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			for _, topic := range msg.Topics {
				c.topics[topic] = true
			}
		case "unsubscribe":
			for _, topic := range msg.Topics {
				delete(c.topics, topic)
			}
		}
	}
}

// writePump sends messages to the client
func (c *wsClient) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			break
		}
	}
}

// handleEventsWS upgrades the connection and registers the client.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.ws == nil {
		http.Error(w, "websockets not enabled", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("failed to upgrade websocket", "error", err)
		return
	}

	client := &wsClient{
		conn:   conn,
		topics: make(map[string]bool),
		send:   make(chan []byte, 256),
	}

	s.ws.register <- client

	go client.writePump()
	go client.readPump(s.ws)
}
