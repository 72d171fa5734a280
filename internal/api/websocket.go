package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meridian-desk/coordinator/internal/events"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingInterval   = 30 * time.Second
	wsMaxMessageSize = 64 * 1024
)

// WSMessage is the envelope for every WebSocket frame in both directions.
// Events from the coordinator use Type "event" with Topic set to the event
// type; client requests use Type ping/subscribe/unsubscribe/status.
type WSMessage struct {
	ID      string      `json:"id,omitempty"`
	Type    string      `json:"type"`
	Topic   string      `json:"topic,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	Success bool        `json:"success,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// client is one WebSocket connection. An empty topic set receives every
// event; subscribing narrows the stream to the named topics.
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]bool
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, 256),
		topics: make(map[string]bool),
	}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.logger.Debug("websocket client connected", zap.String("id", c.id))

	go s.readPump(c)
	go s.writePump(c)
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		c.conn.Close()
		s.logger.Debug("websocket client disconnected", zap.String("id", c.id))
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("invalid websocket message", zap.Error(err))
			continue
		}
		s.handleClientMessage(c, &msg)
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleClientMessage(c *client, msg *WSMessage) {
	resp := &WSMessage{ID: msg.ID}

	switch msg.Type {
	case "ping":
		resp.Type = "pong"
		resp.Success = true
	case "subscribe":
		s.mu.Lock()
		c.topics[msg.Topic] = true
		s.mu.Unlock()
		resp.Type = "subscribed"
		resp.Topic = msg.Topic
		resp.Success = true
	case "unsubscribe":
		s.mu.Lock()
		delete(c.topics, msg.Topic)
		s.mu.Unlock()
		resp.Type = "unsubscribed"
		resp.Topic = msg.Topic
		resp.Success = true
	case "status":
		resp.Type = "status"
		resp.Payload = s.coord.Status()
		resp.Success = true
	default:
		resp.Type = "error"
		resp.Error = "unknown message type"
	}

	s.sendTo(c, resp)
}

// broadcastEvent fans one coordinator event out to every connected client
// whose subscriptions match. Slow clients are skipped, never waited on.
func (s *Server) broadcastEvent(e events.Event) {
	msg := &WSMessage{
		ID:      e.GetID(),
		Type:    "event",
		Topic:   string(e.GetType()),
		Payload: e,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if len(c.topics) > 0 && !c.topics[msg.Topic] {
			continue
		}
		select {
		case c.send <- raw:
		default:
		}
	}
}

func (s *Server) sendTo(c *client, msg *WSMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}
