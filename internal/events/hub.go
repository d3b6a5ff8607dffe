package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultBacklog is how many recent events a new subscriber is replayed.
	DefaultBacklog = 32
	// DefaultKeepAlive is the interval between SSE ping comments.
	DefaultKeepAlive = 15 * time.Second

	clientBuffer = 64
)

// Hub fans events out to SSE clients. A nil *Hub discards everything, so
// producers can publish unconditionally.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	backlog []Event
	limit   int

	keepAlive time.Duration
	logger    *slog.Logger
}

type client struct {
	ch      chan []byte
	dropped int
}

// Option configures a Hub.
type Option func(*Hub)

// WithBacklog sets how many recent events are replayed on connect.
func WithBacklog(n int) Option { return func(h *Hub) { h.limit = n } }

// WithKeepAlive sets the ping interval. Zero disables pings.
func WithKeepAlive(d time.Duration) Option { return func(h *Hub) { h.keepAlive = d } }

func WithLogger(l *slog.Logger) Option { return func(h *Hub) { h.logger = l } }

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients:   make(map[*client]struct{}),
		limit:     DefaultBacklog,
		keepAlive: DefaultKeepAlive,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish stamps e and sends it to every client. A client whose buffer is
// full misses the event rather than blocking the publisher.
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("encode event", "type", e.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.limit > 0 {
		h.backlog = append(h.backlog, e)
		if len(h.backlog) > h.limit {
			h.backlog = h.backlog[len(h.backlog)-h.limit:]
		}
	}
	for c := range h.clients {
		select {
		case c.ch <- data:
		default:
			c.dropped++
		}
	}
}

// Recent returns the retained events, oldest first.
func (h *Hub) Recent() []Event {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Event(nil), h.backlog...)
}

// Clients reports the number of connected subscribers.
func (h *Hub) Clients() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) subscribe() (*client, []Event) {
	c := &client{ch: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	return c, append([]Event(nil), h.backlog...)
}

func (h *Hub) unsubscribe(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	if c.dropped > 0 {
		h.logger.Warn("slow event subscriber", "dropped", c.dropped)
	}
}

// ServeHTTP streams events until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	c, replay := h.subscribe()
	defer h.unsubscribe(c)

	for _, e := range replay {
		if data, err := json.Marshal(e); err == nil {
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
	}
	if err := rc.Flush(); err != nil {
		h.logger.Warn("event stream", "error", err)
		return
	}

	var ping <-chan time.Time
	if h.keepAlive > 0 {
		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-c.ch:
			fmt.Fprintf(w, "data: %s\n\n", data)
			rc.Flush()
		case <-ping:
			fmt.Fprint(w, ": ping\n\n")
			rc.Flush()
		}
	}
}
