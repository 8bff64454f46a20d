package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/bidround/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
	sendBufferSize = 256

	// replayPage and replayLimit bound the catch-up read for one connection.
	replayPage  = 100
	replayLimit = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex

	// replayed holds payloads already written during catch-up so the live
	// copies queued meanwhile are not sent twice. Owned by HandleWS until
	// writePump starts.
	replayed map[string]struct{}
}

// subscribeMsg is the JSON message a client sends to change its
// subscriptions. Channels are the event channel itself or
// "<channel>:<round id>".
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// Hub streams settlement events to websocket clients. Events arrive either
// from the signal bus or through Publish when the hub runs without one.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	channel    string
	stream     string
	origins    []string
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	startedAt  time.Time
}

type broadcastMsg struct {
	roundID string
	data    []byte
}

// Config captures hub settings.
type Config struct {
	Mode string
	// Channel is the bus channel carrying every event.
	Channel string
	// AllowedOrigins restricts websocket upgrades. Empty allows all.
	AllowedOrigins []string
	// Stream is the durable event stream replayed for ?after=<id>. Empty
	// disables catch-up.
	Stream    string
	StartedAt time.Time
}

// NewHub creates a hub. bus may be nil, in which case events must be fed
// through Publish.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "rounds"
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		channel:    channel,
		stream:     cfg.Stream,
		origins:    cfg.AllowedOrigins,
		logger:     logger,
		mode:       mode,
		startedAt:  startedAt,
	}
}

// Publish accepts an event payload published on the hub channel. Payloads
// for per-round channels are ignored because every event is also published
// on the hub channel. It never blocks; when the hub is saturated the
// message is dropped.
func (h *Hub) Publish(_ context.Context, channel string, payload []byte) error {
	if channel != h.channel {
		return nil
	}
	h.enqueue(payload)
	return nil
}

func roundOf(payload []byte) string {
	var ev struct {
		RoundID string `json:"round_id"`
	}
	_ = json.Unmarshal(payload, &ev)
	return ev.RoundID
}

func (h *Hub) enqueue(payload []byte) {
	select {
	case h.broadcast <- broadcastMsg{roundID: roundOf(payload), data: payload}:
	default:
		h.logger.Warn("ws: broadcast queue full, dropping event")
	}
}

// Run starts the hub's main event loop. The loop exits when ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		go h.subscribe(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws: client connected",
				slog.Int("total_clients", h.clientCount()),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected",
				slog.Int("total_clients", h.clientCount()),
			)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.wants(h.channel, msg.roundID) {
					select {
					case c.send <- msg.data:
					default:
						h.logger.Warn("ws: dropping message for slow client")
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) subscribe(ctx context.Context) {
	msgCh, err := h.bus.Subscribe(ctx, h.channel)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to channel",
			slog.String("channel", h.channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("ws: subscribed to channel", slog.String("channel", h.channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: channel subscription closed",
					slog.String("channel", h.channel),
				)
				return
			}
			h.enqueue(data)
		}
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 {
		return true
	}
	for _, o := range h.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub. A ?round=<id> query narrows the initial
// subscription to one round. With ?after=<stream id> the events recorded
// after that id are replayed before live delivery starts.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	up := upgrader
	up.CheckOrigin = h.checkOrigin
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}
	if round := r.URL.Query().Get("round"); round != "" {
		c.subs[h.channel+":"+round] = true
	} else {
		c.subs[h.channel] = true
	}

	h.register <- c
	c.sendInitialStatus()
	if after := r.URL.Query().Get("after"); after != "" && h.bus != nil && h.stream != "" {
		c.replay(r.Context(), after)
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) readPump() {
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
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}
}

// sendInitialStatus lets clients mark the connection healthy before any
// event flows.
func (c *client) sendInitialStatus() {
	uptime := int64(time.Since(c.hub.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}
	msg, err := json.Marshal(map[string]any{
		"type": "hub_status",
		"payload": map[string]any{
			"mode":           c.hub.mode,
			"uptime_seconds": uptime,
			"channel":        c.hub.channel,
		},
	})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// replay writes the stream entries after lastID straight to the connection
// as {"type":"replay"} frames and closes with a "replay_done" frame naming
// the id to resume from. Live events queue in c.send meanwhile.
func (c *client) replay(ctx context.Context, lastID string) {
	h := c.hub
	c.replayed = make(map[string]struct{})
	cursor := lastID
	sent := 0
	for sent < replayLimit {
		batch, err := h.bus.StreamRead(ctx, h.stream, cursor, replayPage)
		if err != nil {
			h.logger.Warn("ws: replay read failed",
				slog.String("after", cursor),
				slog.String("error", err.Error()),
			)
			break
		}
		for _, m := range batch {
			cursor = m.ID
			if !c.wants(h.channel, roundOf(m.Payload)) {
				continue
			}
			frame, err := json.Marshal(replayFrame{Type: "replay", ID: m.ID, Event: m.Payload})
			if err != nil {
				continue
			}
			if err := c.write(frame); err != nil {
				return
			}
			c.replayed[string(m.Payload)] = struct{}{}
			sent++
		}
		if len(batch) < replayPage {
			break
		}
	}
	done, _ := json.Marshal(map[string]any{"type": "replay_done", "last_id": cursor, "count": sent})
	_ = c.write(done)
}

type replayFrame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

func (c *client) write(frame []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// wants reports whether the client follows channel or the round's own
// channel.
func (c *client) wants(channel, roundID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subs[channel] {
		return true
	}
	return roundID != "" && c.subs[channel+":"+roundID]
}

func (c *client) writePump() {
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
			if _, dup := c.replayed[string(message)]; dup {
				delete(c.replayed, string(message))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
