package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"licensed/internal/events"
	"licensed/internal/infrastructure"
)

// TypeConnection greets a client right after it registers
const TypeConnection = "connection"

// broadcastQueue bounds envelopes waiting for the hub loop
const broadcastQueue = 256

// ErrHubStopped is returned by Publish once the hub has stopped
var ErrHubStopped = errors.New("websocket hub stopped")

// ErrQueueFull is returned by Publish when the broadcast queue is full
var ErrQueueFull = errors.New("websocket broadcast queue full")

type message struct {
	typ  string
	data []byte
}

// Hub fans domain event envelopes out to connected admin clients. It
// implements events.Sink.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan message
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	running bool
	stopped bool
	quit    chan struct{}
	done    chan struct{}

	metrics *Metrics
	logger  *slog.Logger
}

var _ events.Sink = (*Hub)(nil)

// NewHub creates a hub. Metrics may be nil.
func NewHub(logger *slog.Logger, metrics *Metrics) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan message, broadcastQueue),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		metrics:    metrics,
		logger:     logger.With(slog.String("component", "websocket.hub")),
	}
}

// Start runs the hub loop in the background. Calling it twice is a no-op and
// a stopped hub cannot be restarted.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running || h.stopped {
		return
	}
	h.running = true
	go h.run()
}

// Stop ends the hub loop and closes every client. It waits for the loop to exit.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.stopped = true
	h.mu.Unlock()

	close(h.quit)
	<-h.done
}

func (h *Hub) run() {
	defer close(h.done)
	ctx := context.Background()

	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			h.metrics.clients(ctx, 0)
			h.logger.Info("hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.clients(ctx, count)

			h.logger.Info("client registered",
				slog.String("client_id", c.id),
				slog.String("remote_addr", c.remoteAddr),
				slog.Int("total_clients", count))
			h.greet(c)

		case c := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[c]
			if ok {
				delete(h.clients, c)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			if ok {
				h.metrics.clients(ctx, count)
				h.logger.Info("client unregistered",
					slog.String("client_id", c.id),
					slog.Duration("connection_duration", time.Since(c.connectedAt)),
					slog.Int("total_clients", count))
			}

		case m := <-h.broadcast:
			h.deliver(ctx, m)
		}
	}
}

// deliver sends m to every subscribed client. Clients whose buffer is full
// are dropped.
func (h *Hub) deliver(ctx context.Context, m message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sent, dropped := 0, 0
	for c := range h.clients {
		if !c.wants(m.typ) {
			continue
		}
		select {
		case c.send <- m.data:
			sent++
		default:
			close(c.send)
			delete(h.clients, c)
			dropped++
			h.logger.Warn("client send buffer full, disconnecting",
				slog.String("client_id", c.id))
		}
	}
	h.metrics.broadcast(ctx, m.typ, sent, dropped)
	if dropped > 0 {
		h.metrics.clients(ctx, len(h.clients))
	}
}

func (h *Hub) greet(c *Client) {
	data, err := json.Marshal(events.Envelope{
		Type:       TypeConnection,
		OccurredAt: time.Now().UTC(),
		Data: map[string]any{
			"status":    "connected",
			"client_id": c.id,
		},
	})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// Publish queues the envelope for broadcast without blocking the caller
func (h *Hub) Publish(ctx context.Context, e events.Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.broadcast <- message{typ: e.Type, data: data}:
		return nil
	case <-h.done:
		return ErrHubStopped
	default:
		h.logger.WarnContext(ctx, "broadcast queue full, dropping event",
			slog.String("type", e.Type))
		return ErrQueueFull
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
