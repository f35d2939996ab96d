package stub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"talkbox/internal/model"
)

// Hub fans realtime chat events out to WebSocket subscribers, one channel
// per conversation plus the global conversations channel.
type Hub struct {
	mu       sync.RWMutex
	conns    map[*Conn]bool
	subs     map[string]map[*Conn]bool // channel -> connections
	subCount map[string]int
	publish  chan Event
	log      *zap.Logger
}

// Conn is one WebSocket client of the stub.
type Conn struct {
	ws   *websocket.Conn
	send chan []byte
	hub  *Hub
	subs map[string]bool
}

// Event is an envelope to broadcast on a channel.
type Event struct {
	Channel string
	Payload model.Envelope
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		conns:    make(map[*Conn]bool),
		subs:     make(map[string]map[*Conn]bool),
		subCount: make(map[string]int),
		publish:  make(chan Event, 256),
		log:      log,
	}
}

// Run drains the publish queue. Call in a goroutine.
func (h *Hub) Run() {
	for event := range h.publish {
		h.mu.RLock()
		conns := h.subs[event.Channel]
		h.mu.RUnlock()

		if conns != nil {
			msg, _ := json.Marshal(event.Payload)
			for conn := range conns {
				select {
				case conn.send <- msg:
				default:
					close(conn.send)
					h.unregister(conn)
				}
			}
		}
	}
}

// Publish broadcasts an {event, data} envelope to a channel's subscribers.
func (h *Hub) Publish(channel, event string, data map[string]any) {
	select {
	case h.publish <- Event{Channel: channel, Payload: model.Envelope{Event: event, Data: data}}:
	default:
		h.log.Warn("Hub publish queue full, dropping event", zap.String("channel", channel))
	}
}

// SubscribeCount reports how many subscribe requests a channel has seen.
// Tests use it to assert reconnects do not double-subscribe.
func (h *Hub) SubscribeCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.subCount[channel]
}

// DisconnectAll force-closes every client socket, simulating a transport
// drop without stopping the hub.
func (h *Hub) DisconnectAll() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

func (h *Hub) register(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = true
}

func (h *Hub) unregister(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn]; ok {
		delete(h.conns, conn)
		for channel := range conn.subs {
			if subs := h.subs[channel]; subs != nil {
				delete(subs, conn)
				if len(subs) == 0 {
					delete(h.subs, channel)
				}
			}
		}
	}
}

func (h *Hub) subscribe(conn *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*Conn]bool)
	}
	h.subs[channel][conn] = true
	conn.subs[channel] = true
	h.subCount[channel]++
}

func (h *Hub) unsubscribe(conn *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.subs[channel]; subs != nil {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(h.subs, channel)
		}
	}
	delete(conn.subs, channel)
}

func newConn(ws *websocket.Conn, hub *Hub) *Conn {
	return &Conn{
		ws:   ws,
		send: make(chan []byte, 256),
		hub:  hub,
		subs: make(map[string]bool),
	}
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.ws.SetPingHandler(func(data string) error {
		c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("WebSocket closed", zap.Error(err))
			}
			break
		}
		c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))

		var msg map[string]any
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.log.Warn("Failed to parse client frame", zap.Error(err))
			continue
		}
		c.handleFrame(msg)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Coalesce whatever else is queued, newline separated.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) handleFrame(msg map[string]any) {
	msgType, _ := msg["type"].(string)

	switch msgType {
	case "subscribe":
		channel, _ := msg["channel"].(string)
		if channel != "" {
			c.hub.subscribe(c, channel)
			c.sendAck("subscribed", channel)
		}
	case "unsubscribe":
		channel, _ := msg["channel"].(string)
		if channel != "" {
			c.hub.unsubscribe(c, channel)
			c.sendAck("unsubscribed", channel)
		}
	case "publish":
		channel, _ := msg["channel"].(string)
		event, _ := msg["event"].(string)
		data, _ := msg["data"].(map[string]any)
		if channel != "" && event != "" {
			c.hub.Publish(channel, event, data)
		}
	case "ping":
		c.sendAck("pong", "")
	default:
		c.hub.log.Warn("Unknown client frame type", zap.String("type", msgType))
	}
}

func (c *Conn) sendAck(msgType, channel string) {
	ack := map[string]any{
		"type": "ack",
		"ack":  msgType,
	}
	if channel != "" {
		ack["channel"] = channel
	}
	msg, _ := json.Marshal(ack)
	select {
	case c.send <- msg:
	default:
	}
}
