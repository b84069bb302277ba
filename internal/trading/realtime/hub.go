// Package realtime fans the market event feed out to websocket clients.
// Clients subscribe to topics (market ids) and receive every message
// published after they subscribed, plus a replay of recent ones.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Aidin1998/fixedterm/pkg/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var ErrHubStopped = errors.New("websocket hub stopped")

// Config controls the websocket feed endpoint.
type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr" validate:"required_if=Enabled true"`
	Path         string        `mapstructure:"path"`
	ReplaySize   int           `mapstructure:"replay_size" validate:"gte=1"`
	SendBuffer   int           `mapstructure:"send_buffer" validate:"gte=1"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	PingInterval time.Duration `mapstructure:"ping_interval" validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		Addr:         ":8090",
		Path:         "/feed",
		ReplaySize:   1000,
		SendBuffer:   256,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Message is what clients receive.
type Message struct {
	Topic string          `json:"topic"`
	Seq   uint64          `json:"seq"`
	Data  json.RawMessage `json:"data"`
}

// Request is what clients send. Since asks for replayed messages with a
// higher sequence.
type Request struct {
	Subscribe   []string `json:"subscribe,omitempty"`
	Unsubscribe []string `json:"unsubscribe,omitempty"`
	Since       uint64   `json:"since,omitempty"`
}

// ringBuffer holds the last N messages for a topic.
type ringBuffer struct {
	buf   []Message
	start int
	count int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]Message, size)}
}

// add appends a message, overwriting the oldest when full.
func (r *ringBuffer) add(msg Message) {
	size := len(r.buf)
	idx := (r.start + r.count) % size
	if r.count == size {
		r.start = (r.start + 1) % size
		r.count--
	}
	r.buf[idx] = msg
	r.count++
}

// since returns messages with Seq > seq.
func (r *ringBuffer) since(seq uint64) []Message {
	var out []Message
	for i := 0; i < r.count; i++ {
		msg := r.buf[(r.start+i)%len(r.buf)]
		if msg.Seq > seq {
			out = append(out, msg)
		}
	}
	return out
}

// Client is a single websocket connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan Message
	// owned by the hub run loop
	subscriptions map[string]struct{}
}

type subscription struct {
	client *Client
	req    Request
}

// Hub owns all client and buffer state in its run loop; everything else
// talks to it over channels.
type Hub struct {
	cfg      Config
	logger   *zap.Logger
	upgrader websocket.Upgrader

	register   chan *Client
	unregister chan *Client
	subscribe  chan subscription
	broadcast  chan Message
	done       chan struct{}

	clients map[*Client]struct{}
	buffers map[string]*ringBuffer
	nextSeq uint64
}

func NewHub(cfg Config, logger *zap.Logger) *Hub {
	return &Hub{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		register:   make(chan *Client),
		unregister: make(chan *Client),
		subscribe:  make(chan subscription),
		broadcast:  make(chan Message, 1024),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		buffers:    make(map[string]*ringBuffer),
	}
}

// Run serves the hub until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("Websocket hub started")
	defer h.logger.Info("Websocket hub stopped")
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			close(h.done)
			return ctx.Err()
		case c := <-h.register:
			h.clients[c] = struct{}{}
			metrics.FeedClients.Inc()
			h.logger.Debug("Feed client registered", zap.String("client_id", c.id))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				h.logger.Debug("Feed client unregistered", zap.String("client_id", c.id))
			}
		case s := <-h.subscribe:
			h.handleSubscription(s)
		case msg := <-h.broadcast:
			h.handleBroadcast(msg)
		}
	}
}

func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.send)
	metrics.FeedClients.Dec()
}

func (h *Hub) handleSubscription(s subscription) {
	c := s.client
	if _, ok := h.clients[c]; !ok {
		return
	}
	for _, topic := range s.req.Unsubscribe {
		delete(c.subscriptions, topic)
	}
	for _, topic := range s.req.Subscribe {
		c.subscriptions[topic] = struct{}{}
		if buf, ok := h.buffers[topic]; ok {
			for _, m := range buf.since(s.req.Since) {
				h.deliver(c, m)
			}
		}
	}
}

func (h *Hub) handleBroadcast(msg Message) {
	h.nextSeq++
	msg.Seq = h.nextSeq
	buf, ok := h.buffers[msg.Topic]
	if !ok {
		buf = newRingBuffer(h.cfg.ReplaySize)
		h.buffers[msg.Topic] = buf
	}
	buf.add(msg)
	for c := range h.clients {
		if _, sub := c.subscriptions[msg.Topic]; sub {
			h.deliver(c, msg)
		}
	}
}

// deliver never blocks the run loop; slow clients lose messages.
func (h *Hub) deliver(c *Client, msg Message) {
	select {
	case c.send <- msg:
	default:
		metrics.FeedDropped.Inc()
		h.logger.Warn("Dropping message for slow client",
			zap.String("client_id", c.id),
			zap.String("topic", msg.Topic))
	}
}

// PublishEvent queues data for the subscribers of topic key.
func (h *Hub) PublishEvent(ctx context.Context, key string, data []byte, _ ...kafka.Header) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.broadcast <- Message{Topic: key, Data: data}:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{
		id:            uuid.NewString(),
		conn:          conn,
		send:          make(chan Message, h.cfg.SendBuffer),
		subscriptions: make(map[string]struct{}),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go h.writePump(c)
	go h.readPump(c)
}

// readPump reads subscription requests until the connection fails.
func (h *Hub) readPump(c *Client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	readTimeout := 2 * h.cfg.PingInterval
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		var req Request
		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}
		select {
		case h.subscribe <- subscription{client: c, req: req}:
		case <-h.done:
			return
		}
	}
}

// writePump sends messages and heartbeats to the client.
func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
