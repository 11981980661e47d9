package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

// Hub pushes events to WebSocket clients subscribed to a tenant. A client
// whose send buffer is full misses the event.
type Hub struct {
	mu           sync.RWMutex
	clients      map[string]map[*client]struct{}
	buffer       int
	pingInterval time.Duration
	writeTimeout time.Duration
	acceptOpts   *websocket.AcceptOptions
	logger       *logrus.Logger
}

type client struct {
	tenantID string
	conn     *websocket.Conn
	send     chan Envelope
	ctx      context.Context
	cancel   context.CancelFunc
}

// HubOptions tunes a Hub. Zero values use defaults.
type HubOptions struct {
	Buffer         int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	OriginPatterns []string
}

func NewHub(opts HubOptions, logger *logrus.Logger) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Hub{
		clients:      make(map[string]map[*client]struct{}),
		buffer:       opts.Buffer,
		pingInterval: opts.PingInterval,
		writeTimeout: opts.WriteTimeout,
		acceptOpts:   &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns},
		logger:       logger,
	}
}

// Serve upgrades the request and streams tenantID's events until the client
// goes away. The connection is push-only.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, tenantID string) {
	conn, err := websocket.Accept(w, r, h.acceptOpts)
	if err != nil {
		h.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	// Reads are still needed so control frames are processed.
	ctx := conn.CloseRead(r.Context())

	c := h.add(ctx, tenantID, conn)
	defer h.remove(c)

	go c.keepAlive(h.pingInterval)
	c.writeLoop(h.writeTimeout)
}

func (h *Hub) add(ctx context.Context, tenantID string, conn *websocket.Conn) *client {
	cctx, cancel := context.WithCancel(ctx)
	c := &client{
		tenantID: tenantID,
		conn:     conn,
		send:     make(chan Envelope, h.buffer),
		ctx:      cctx,
		cancel:   cancel,
	}

	h.mu.Lock()
	if h.clients[tenantID] == nil {
		h.clients[tenantID] = make(map[*client]struct{})
	}
	h.clients[tenantID][c] = struct{}{}
	h.mu.Unlock()

	h.logger.WithField("tenant_id", tenantID).Debug("WebSocket client subscribed")
	return c
}

func (h *Hub) remove(c *client) {
	c.cancel()

	h.mu.Lock()
	if set, ok := h.clients[c.tenantID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.tenantID)
		}
	}
	h.mu.Unlock()

	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// Publish implements Publisher.
func (h *Hub) Publish(_ context.Context, tenantID, event string, payload interface{}) {
	env := newEnvelope(tenantID, event, payload)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[tenantID] {
		select {
		case c.send <- env:
		default:
		}
	}
}

// Subscribers reports how many clients are attached to tenantID.
func (h *Hub) Subscribers(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[tenantID])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		c.cancel()
	}
}

func (c *client) writeLoop(timeout time.Duration) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, timeout)
			err := wsjson.Write(ctx, c.conn, env)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *client) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}
