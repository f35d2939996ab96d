// Package realtime maintains the widget's end of a publish/subscribe
// WebSocket connection: one conversation channel, automatic reconnect,
// heartbeat, and FIFO queuing of outbound traffic until the subscription
// is live.
package realtime

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"talkbox/internal/model"
)

// State is the channel's connection state.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateUnsubscribed // socket open, subscription not yet acknowledged
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribed:
		return "subscribed"
	default:
		return "closed"
	}
}

// Handlers receive inbound events. Unset handlers drop their events.
type Handlers struct {
	OnMessage func(msg model.Message)
	OnTyping  func(isTyping bool, user *model.UserInfo)
	OnDeleted func(conversationID string)
}

// Config sets the channel's endpoint and timing policy. Zero durations get
// the defaults below; they are policy values, not contracts.
type Config struct {
	URL               string
	ConversationID    string
	HeartbeatInterval time.Duration
	ResubscribeDelay  time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	Reconnect         ReconnectPolicy
	Dialer            *websocket.Dialer
}

const (
	defaultHeartbeat    = 30 * time.Second
	defaultResubscribe  = 1500 * time.Millisecond
	defaultWriteTimeout = 10 * time.Second
	defaultReadTimeout  = 60 * time.Second
	defaultReconnect    = 2 * time.Second

	sendBuffer = 64
)

// Channel is a reconnecting subscription to one conversation's channel. It
// is bound to a single conversation id for its whole lifetime; a
// conversation reset tears the channel down and opens a fresh one.
type Channel struct {
	cfg      Config
	handlers Handlers
	log      *zap.Logger

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	send      chan []byte
	pending   [][]byte
	attempt   int
	closed    bool
	resub     *time.Timer
	reconnect *time.Timer
}

// NewChannel builds a channel without connecting. Call Connect to start.
func NewChannel(cfg Config, handlers Handlers, log *zap.Logger) *Channel {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = defaultResubscribe
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = ConstantBackoff{Delay: defaultReconnect}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Channel{cfg: cfg, handlers: handlers, log: log}
}

// ChannelName is the pub/sub topic for the bound conversation.
func (c *Channel) ChannelName() string {
	return "chat." + c.cfg.ConversationID
}

// State reports the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connection loop in the background.
func (c *Channel) Connect() {
	go c.dial()
}

// Send queues an application event for the conversation channel. While the
// subscription is not yet acknowledged, events are held in FIFO order and
// flushed on subscribe.
func (c *Channel) Send(event string, data map[string]any) {
	frame, err := json.Marshal(map[string]any{
		"type":    "publish",
		"channel": c.ChannelName(),
		"event":   event,
		"data":    data,
	})
	if err != nil {
		c.log.Warn("Failed to encode outbound event", zap.String("event", event), zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.state == StateSubscribed && c.send != nil {
		ch := c.send
		c.mu.Unlock()
		c.enqueue(ch, frame)
		return
	}
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pending = append(c.pending, frame)
	c.mu.Unlock()
}

// Close tears the channel down: heartbeat stopped, socket closed, no
// further reconnects.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	stopTimer(c.resub)
	stopTimer(c.reconnect)
	conn := c.conn
	c.conn = nil
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
	c.pending = nil
	c.state = StateClosed
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (c *Channel) dial() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, _, err := c.cfg.Dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		c.log.Warn("WebSocket dial failed", zap.String("url", c.cfg.URL), zap.Error(err))
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.send = make(chan []byte, sendBuffer)
	c.state = StateUnsubscribed
	send := c.send
	c.mu.Unlock()

	go c.readPump(conn)
	go c.writePump(conn, send)

	c.sendSubscribe(send)
	c.armResubscribe()
}

func (c *Channel) sendSubscribe(send chan []byte) {
	frame, _ := json.Marshal(map[string]any{
		"type":    "subscribe",
		"channel": c.ChannelName(),
	})
	c.enqueue(send, frame)
}

// armResubscribe re-sends the subscribe request once after a short delay if
// no acknowledgment has arrived. The transport does not guarantee ack
// visibility, so a lost frame would otherwise strand the channel in
// unsubscribed forever.
func (c *Channel) armResubscribe() {
	c.mu.Lock()
	stopTimer(c.resub)
	c.resub = time.AfterFunc(c.cfg.ResubscribeDelay, func() {
		c.mu.Lock()
		if c.state != StateUnsubscribed || c.send == nil {
			c.mu.Unlock()
			return
		}
		send := c.send
		c.mu.Unlock()
		c.log.Debug("Re-sending subscribe", zap.String("channel", c.ChannelName()))
		c.sendSubscribe(send)
	})
	c.mu.Unlock()
}

func (c *Channel) enqueue(send chan []byte, frame []byte) {
	defer func() {
		// Send may race Close closing the channel; a dropped frame on
		// teardown is fine.
		recover()
	}()
	select {
	case send <- frame:
	default:
		c.log.Warn("Outbound buffer full, dropping frame")
	}
}

func (c *Channel) readPump(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		c.handleDisconnect(conn)
	}()

	conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("WebSocket read failed", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		// The server coalesces queued frames into one message separated by
		// newlines.
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			c.dispatch(line)
		}
	}
}

func (c *Channel) writePump(conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Channel) handleDisconnect(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already superseded this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
	stopTimer(c.resub)
	c.state = StateClosed
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		c.scheduleReconnect()
	}
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.attempt++
	delay := c.cfg.Reconnect.NextDelay(c.attempt)
	c.log.Info("Scheduling reconnect",
		zap.Int("attempt", c.attempt),
		zap.Duration("delay", delay),
	)
	stopTimer(c.reconnect)
	c.reconnect = time.AfterFunc(delay, c.dial)
}

func (c *Channel) markSubscribed() {
	c.mu.Lock()
	if c.state != StateUnsubscribed || c.send == nil {
		c.mu.Unlock()
		return
	}
	c.state = StateSubscribed
	c.attempt = 0
	stopTimer(c.resub)
	flush := c.pending
	c.pending = nil
	send := c.send
	c.mu.Unlock()

	c.log.Info("Subscribed", zap.String("channel", c.ChannelName()))
	for _, frame := range flush {
		c.enqueue(send, frame)
	}
}

func (c *Channel) dispatch(data []byte) {
	var frame struct {
		Type    string          `json:"type"`
		Ack     string          `json:"ack"`
		Channel string          `json:"channel"`
		Event   string          `json:"event"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		c.log.Warn("Failed to parse inbound frame", zap.Error(err))
		return
	}

	switch {
	case frame.Type == "ack":
		if frame.Ack == "subscribed" && frame.Channel == c.ChannelName() {
			c.markSubscribed()
		}
	case frame.Event != "":
		c.dispatchEvent(frame.Event, frame.Data)
	default:
		c.log.Warn("Unrecognized inbound frame", zap.String("type", frame.Type))
	}
}

func (c *Channel) dispatchEvent(event string, data json.RawMessage) {
	switch event {
	case model.EventMessageCreated:
		var payload struct {
			Message model.Message `json:"message"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			c.log.Warn("Undecodable message event", zap.Error(err))
			return
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(payload.Message)
		}
	case model.EventUserTyping:
		var payload struct {
			IsTyping bool            `json:"isTyping"`
			UserInfo *model.UserInfo `json:"userInfo"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			c.log.Warn("Undecodable typing event", zap.Error(err))
			return
		}
		if c.handlers.OnTyping != nil {
			c.handlers.OnTyping(payload.IsTyping, payload.UserInfo)
		}
	case model.EventChatDeleted:
		var payload struct {
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			c.log.Warn("Undecodable deletion event", zap.Error(err))
			return
		}
		if c.handlers.OnDeleted != nil {
			c.handlers.OnDeleted(payload.ConversationID)
		}
	default:
		c.log.Warn("Dropping unrecognized event", zap.String("event", event))
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
