// Package hub streams notifications to browsers over Server-Sent Events.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"umbra/internal/domain"
)

// Client represents a connected SSE client
type Client struct {
	id     string
	events chan []byte
}

// Hub manages SSE client connections
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan domain.Notification
	done       chan struct{}
	keepalive  time.Duration
	log        zerolog.Logger
}

// Option configures a Hub
type Option func(*Hub)

// WithKeepalive sets the interval of keep-alive comments
func WithKeepalive(d time.Duration) Option {
	return func(h *Hub) { h.keepalive = d }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(h *Hub) { h.log = l.With().Str("component", "hub").Logger() }
}

// New creates a new Hub
func New(opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan domain.Notification, 256),
		done:       make(chan struct{}),
		keepalive:  30 * time.Second,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run starts the hub's event loop and returns when ctx is done. It must be
// called once
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.events)
			}
			h.mu.Unlock()
			return ctx.Err()

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Str("client", client.id).Int("total", n).Msg("SSE client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.events)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Str("client", client.id).Int("total", n).Msg("SSE client disconnected")

		case n := <-h.broadcast:
			data, err := json.Marshal(domain.Wrap(n))
			if err != nil {
				h.log.Error().Err(err).Str("kind", string(n.Kind())).Msg("failed to marshal notification")
				continue
			}
			msg := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", n.Kind(), data))

			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.events <- msg:
				default:
					h.log.Warn().Str("client", client.id).Msg("SSE client is slow, skipping message")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish queues a notification for all connected clients
func (h *Hub) Publish(n domain.Notification) {
	select {
	case h.broadcast <- n:
	default:
		h.log.Warn().Str("kind", string(n.Kind())).Msg("broadcast channel full, dropping notification")
	}
}

// Forward publishes everything received on ch until ctx is done
func (h *Hub) Forward(ctx context.Context, ch <-chan domain.Notification) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-ch:
			h.Publish(n)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP handles SSE connections
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	client := &Client{
		id:     uuid.NewString(),
		events: make(chan []byte, 64),
	}

	select {
	case h.register <- client:
	case <-h.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
	}()

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.events:
			if !ok {
				return
			}
			if _, err := w.Write(msg); err != nil {
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
