// Package ws streams attempt events to WebSocket clients as JSON text
// frames or, with ?format=proto, as protobuf Struct binary frames.
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
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/crossarb/internal/domain"
	"github.com/alanyoungcy/crossarb/internal/executor"
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

	defaultReplayLimit = 100
)

// Channels a client can subscribe to.
const (
	// ChannelAttempts carries every state change of attempts run by this
	// process.
	ChannelAttempts = "attempts"
	// ChannelRecorded carries ledger events from the signal bus, including
	// those recorded by other instances.
	ChannelRecorded = "recorded"
)

var defaultChannels = []string{ChannelAttempts, ChannelRecorded}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type frame struct {
	kind int
	data []byte
}

type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan frame
	proto bool
	subs  map[string]bool
	mu    sync.RWMutex
}

// subscribeMsg is the JSON message a client sends to change channels.
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// envelope is what every frame carries.
type envelope struct {
	ID      string `json:"id,omitempty"`
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type broadcastMsg struct {
	channel string
	env     envelope
}

// Config holds hub options.
type Config struct {
	Mode     string
	BusTopic string // signal bus channel forwarded as ChannelRecorded
	// BusStream is the durable stream behind BusTopic. Clients connecting
	// with ?since=<id> are replayed entries after id from it.
	BusStream   string
	ReplayLimit int
	StartedAt   time.Time
}

// Hub fans attempt events out to connected clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	topic      string
	stream     string
	replay     int
	mode       string
	startedAt  time.Time
	mu         sync.RWMutex
	logger     *slog.Logger
}

var _ executor.Observer = (*Hub)(nil)

// NewHub creates a hub. bus may be nil, in which case only in-process
// attempt changes are streamed.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	replay := cfg.ReplayLimit
	if replay <= 0 {
		replay = defaultReplayLimit
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		topic:      cfg.BusTopic,
		stream:     cfg.BusStream,
		replay:     replay,
		mode:       mode,
		startedAt:  startedAt,
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// AttemptChanged implements executor.Observer. It never blocks; when the
// hub is backed up the event is dropped.
func (h *Hub) AttemptChanged(_ context.Context, a *domain.TradeAttempt) {
	msg := broadcastMsg{
		channel: ChannelAttempts,
		env:     envelope{Channel: ChannelAttempts, Type: "attempt", Payload: domain.EventFor(a, time.Now().UTC())},
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws: broadcast queue full, dropping attempt event",
			slog.String("attempt_id", a.ID),
		)
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil && h.topic != "" {
		go h.forwardBus(ctx)
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
			h.logger.Info("ws: client connected", slog.Int("total_clients", h.clientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", h.clientCount()))

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// deliver encodes msg at most once per format and queues it for every
// subscribed client.
func (h *Hub) deliver(msg broadcastMsg) {
	var jsonFrame, protoFrame *frame

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.isSubscribed(msg.channel) {
			continue
		}
		var f *frame
		if c.proto {
			if protoFrame == nil {
				data, err := encodeProto(msg.env)
				if err != nil {
					h.logger.Error("ws: proto encode failed", slog.String("error", err.Error()))
					continue
				}
				protoFrame = &frame{kind: websocket.BinaryMessage, data: data}
			}
			f = protoFrame
		} else {
			if jsonFrame == nil {
				data, err := json.Marshal(msg.env)
				if err != nil {
					h.logger.Error("ws: json encode failed", slog.String("error", err.Error()))
					continue
				}
				jsonFrame = &frame{kind: websocket.TextMessage, data: data}
			}
			f = jsonFrame
		}
		select {
		case c.send <- *f:
		default:
			h.logger.Warn("ws: dropping message for slow client")
		}
	}
}

// encodeProto converts the envelope to a structpb.Struct by way of its
// JSON form so field names match the text frames.
func encodeProto(env envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

// forwardBus relays ledger events published on the signal bus.
func (h *Hub) forwardBus(ctx context.Context) {
	msgCh, err := h.bus.Subscribe(ctx, h.topic)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to bus",
			slog.String("channel", h.topic),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("ws: subscribed to bus", slog.String("channel", h.topic))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: bus subscription closed", slog.String("channel", h.topic))
				return
			}
			var ev domain.AttemptEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				h.logger.Warn("ws: undecodable bus event", slog.String("error", err.Error()))
				continue
			}
			select {
			case h.broadcast <- broadcastMsg{
				channel: ChannelRecorded,
				env:     envelope{Channel: ChannelRecorded, Type: "recorded", Payload: ev},
			}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades the request and registers the client on every
// channel.
// GET /ws?format=proto&since=<stream id>
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan frame, sendBufferSize),
		proto: r.URL.Query().Get("format") == "proto",
		subs:  make(map[string]bool),
	}
	for _, ch := range defaultChannels {
		c.subs[ch] = true
	}

	h.register <- c
	c.sendStatus()
	if since := r.URL.Query().Get("since"); since != "" {
		h.replayTo(r.Context(), c, since)
	}

	go c.writePump()
	go c.readPump()
}

// replayTo queues recorded events after since for a reconnecting client.
// Entries that do not fit the send buffer are skipped; the client can
// resume from the last id it saw.
func (h *Hub) replayTo(ctx context.Context, c *client, since string) {
	if h.bus == nil || h.stream == "" {
		return
	}
	msgs, err := h.bus.StreamRead(ctx, h.stream, since, h.replay)
	if err != nil {
		h.logger.Warn("ws: replay read failed",
			slog.String("since", since),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, m := range msgs {
		var ev domain.AttemptEvent
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			continue
		}
		f, err := c.encode(envelope{ID: m.ID, Channel: ChannelRecorded, Type: "replay", Payload: ev})
		if err != nil {
			continue
		}
		select {
		case c.send <- f:
		default:
			return
		}
	}
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
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil {
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

// sendStatus greets a new client so it can mark the connection healthy
// before any attempt runs.
func (c *client) sendStatus() {
	env := envelope{
		Channel: "status",
		Type:    "status",
		Payload: map[string]any{
			"mode":           c.hub.mode,
			"uptime_seconds": int64(time.Since(c.hub.startedAt).Seconds()),
		},
	}
	f, err := c.encode(env)
	if err != nil {
		return
	}
	select {
	case c.send <- f:
	default:
	}
}

func (c *client) encode(env envelope) (frame, error) {
	if c.proto {
		data, err := encodeProto(env)
		return frame{kind: websocket.BinaryMessage, data: data}, err
	}
	data, err := json.Marshal(env)
	return frame{kind: websocket.TextMessage, data: data}, err
}

func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel]
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(f.kind, f.data); err != nil {
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
