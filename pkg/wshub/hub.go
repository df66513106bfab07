// Package wshub broadcasts scan events to dashboard clients over WebSocket.
//
// Clients receive every event until they subscribe to specific scans:
//
//	{"type":"subscribe","scanId":"<id>"}
//	{"type":"unsubscribe","scanId":"<id>"}
//	{"type":"ping"}
//
// Each client has a bounded send queue. A client whose queue is full is
// disconnected rather than allowed to stall the broadcast.
package wshub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/luminousflow/luminous/pkg/defaults"
	"github.com/luminousflow/luminous/pkg/duration"
	"github.com/luminousflow/luminous/pkg/output/dispatcher"
	"github.com/luminousflow/luminous/pkg/output/events"
)

// Message types sent by the hub in addition to scan events.
const (
	TypeConnected    = "connected"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypePong         = "pong"
	TypeError        = "error"
)

// Message is the envelope for hub-originated messages. Scan events use the
// same field names.
type Message struct {
	Type      string    `json:"type"`
	ScanID    string    `json:"scanId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type inbound struct {
	Type   string `json:"type"`
	ScanID string `json:"scanId"`
}

// Options configures a Hub. Zero values use pkg/defaults and pkg/duration.
type Options struct {
	SendBuffer      int
	MaxMessageBytes int64
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration

	// CheckOrigin validates the handshake origin. nil accepts any origin.
	CheckOrigin func(r *http.Request) bool

	Logger *slog.Logger
}

var _ dispatcher.Hook = (*Hub)(nil)

// Hub tracks connected clients. It implements dispatcher.Hook and
// http.Handler.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	wg sync.WaitGroup
}

// New creates a Hub.
func New(opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaults.WSSendBuffer
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaults.WSMaxMessageBytes
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = duration.WSWrite
	}
	if opts.PongWait <= 0 {
		opts.PongWait = duration.WSPong
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = (opts.PongWait * 9) / 10
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: duration.WSHandshake,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			CheckOrigin:      checkOrigin,
		},
		logger:  logger.With("component", "wshub"),
		clients: make(map[*client]struct{}),
	}
}

// Name implements dispatcher.Named.
func (h *Hub) Name() string { return "websocket" }

// EventTypes returns nil: clients may want any event.
func (h *Hub) EventTypes() []events.EventType { return nil }

// OnEvent broadcasts the event to every interested client.
func (h *Hub) OnEvent(_ context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.broadcast(ev.ScanID(), data)
	return nil
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and starts the client pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		id:   uuid.NewString(),
		send: make(chan []byte, h.opts.SendBuffer),
		subs: make(map[string]struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.opts.WriteWait))
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.wg.Add(2)
	h.mu.Unlock()

	h.logger.Info("client connected", "client_id", c.id, "remote", r.RemoteAddr, "total", total)
	go c.writePump()
	go c.readPump()
	c.reply(Message{Type: TypeConnected, Data: map[string]string{"clientId": c.id}})
}

// Shutdown closes every connection with a going-away status and waits for
// the client goroutines to exit.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c, websocket.CloseGoingAway, "server shutting down")
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// broadcast queues data on every client that wants scanID. Clients with a
// full queue are disconnected.
func (h *Hub) broadcast(scanID string, data []byte) {
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(scanID) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client", "client_id", c.id, "queue", cap(c.send))
		h.remove(c, websocket.ClosePolicyViolation, "send queue full")
	}
}

func (h *Hub) remove(c *client, code int, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, code, reason)
}

// removeLocked unregisters c and closes its queue, which makes the write
// pump send a close frame. Must be called with h.mu held.
func (h *Hub) removeLocked(c *client, code int, reason string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.closeCode, c.closeReason = code, reason
	close(c.send)
	h.logger.Debug("client removed", "client_id", c.id, "code", code, "total", len(h.clients))
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	id   string
	send chan []byte

	// closeCode and closeReason are set before send is closed.
	closeCode   int
	closeReason string

	mu   sync.RWMutex
	subs map[string]struct{}
}

// wants reports whether c should receive events for scanID. A client with
// no subscriptions receives everything.
func (c *client) wants(scanID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subs) == 0 {
		return true
	}
	_, ok := c.subs[scanID]
	return ok
}

func (c *client) subscribe(scanID string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.subs[scanID] = struct{}{}
	} else {
		delete(c.subs, scanID)
	}
}

// reply queues a message for this client only.
func (c *client) reply(m Message) {
	m.Timestamp = time.Now().UTC()
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	_, registered := c.hub.clients[c]
	full := false
	if registered {
		select {
		case c.send <- data:
		default:
			full = true
		}
	}
	c.hub.mu.RUnlock()
	if full {
		c.hub.remove(c, websocket.ClosePolicyViolation, "send queue full")
	}
}

func (c *client) readPump() {
	defer c.hub.wg.Done()
	defer func() {
		c.hub.remove(c, websocket.CloseNormalClosure, "")
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.opts.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				c.hub.logger.Debug("websocket read error", "client_id", c.id, "error", err)
			}
			c.hub.logger.Info("client disconnected", "client_id", c.id)
			return
		}
		c.handle(raw)
	}
}

func (c *client) handle(raw []byte) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		c.reply(Message{Type: TypeError, Data: map[string]string{"message": "invalid message"}})
		return
	}
	switch in.Type {
	case "ping":
		c.reply(Message{Type: TypePong})
	case "subscribe", "unsubscribe":
		if in.ScanID == "" {
			c.reply(Message{Type: TypeError, Data: map[string]string{"message": "scanId is required"}})
			return
		}
		on := in.Type == "subscribe"
		c.subscribe(in.ScanID, on)
		ack := TypeSubscribed
		if !on {
			ack = TypeUnsubscribed
		}
		c.reply(Message{Type: ack, ScanID: in.ScanID})
	default:
		c.reply(Message{Type: TypeError, Data: map[string]string{"message": "unknown message type: " + in.Type}})
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.hub.wg.Done()
	}()

	wait := c.hub.opts.WriteWait
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(c.closeCode, c.closeReason))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
