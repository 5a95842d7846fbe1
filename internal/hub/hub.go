// Package hub fans out realtime events to Server-Sent Events streams and
// tracks which users currently have a stream open.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Event types pushed to clients.
const (
	EventItemChanged         = "item.changed"
	EventItemDeleted         = "item.deleted"
	EventMessageCreated      = "message.created"
	EventNotificationCreated = "notification.created"
	EventPresence            = "presence"
)

// KeepaliveInterval is how often an idle stream receives a comment line.
const KeepaliveInterval = 30 * time.Second

// Event is a single realtime update. An event with an empty UserID goes to
// every connected client; otherwise only to that user's streams, plus admin
// streams when IncludeAdmins is set.
type Event struct {
	Type          string
	Data          any
	UserID        string
	IncludeAdmins bool
}

// Presence describes whether a user currently has an open stream.
type Presence struct {
	UserID   string     `json:"user_id"`
	State    string     `json:"state"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// Presence states.
const (
	StateOnline  = "online"
	StateOffline = "offline"
)

type client struct {
	userID string
	admin  bool
	events chan []byte
}

// Hub manages SSE client connections.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	online   map[string]int
	lastSeen map[string]time.Time

	register   chan *client
	unregister chan *client
	publish    chan Event
	done       chan struct{}
}

// New creates a Hub. Call Run to start delivering events.
func New() *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		online:     make(map[string]int),
		lastSeen:   make(map[string]time.Time),
		register:   make(chan *client),
		unregister: make(chan *client),
		publish:    make(chan Event, 256),
		done:       make(chan struct{}),
	}
}

// Run delivers events until ctx is cancelled. All open streams are closed
// when it returns.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		h.mu.Lock()
		for c := range h.clients {
			delete(h.clients, c)
			close(c.events)
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.online[c.userID]++
			first := h.online[c.userID] == 1
			total := len(h.clients)
			h.mu.Unlock()
			slog.Info("stream connected", "user", c.userID, "total", total)
			if first {
				h.deliver(presenceEvent(Presence{UserID: c.userID, State: StateOnline}))
			}

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; !ok {
				h.mu.Unlock()
				continue
			}
			delete(h.clients, c)
			close(c.events)
			h.online[c.userID]--
			last := h.online[c.userID] == 0
			seen := time.Now().UTC()
			if last {
				delete(h.online, c.userID)
				h.lastSeen[c.userID] = seen
			}
			total := len(h.clients)
			h.mu.Unlock()
			slog.Info("stream disconnected", "user", c.userID, "total", total)
			if last {
				h.deliver(presenceEvent(Presence{UserID: c.userID, State: StateOffline, LastSeen: &seen}))
			}

		case ev := <-h.publish:
			h.deliver(ev)
		}
	}
}

func presenceEvent(p Presence) Event {
	return Event{Type: EventPresence, Data: p}
}

func (h *Hub) deliver(ev Event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		slog.Error("encoding event", "type", ev.Type, "error", err)
		return
	}
	msg := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, data))

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if ev.UserID != "" && c.userID != ev.UserID && !(ev.IncludeAdmins && c.admin) {
			continue
		}
		select {
		case c.events <- msg:
		default:
			slog.Warn("stream is slow, dropping event", "user", c.userID, "type", ev.Type)
		}
	}
}

// Publish queues an event for delivery. It never blocks; the event is
// dropped if the queue is full.
func (h *Hub) Publish(ev Event) {
	select {
	case h.publish <- ev:
	default:
		slog.Warn("event queue full, dropping event", "type", ev.Type)
	}
}

// ClientCount returns the number of open streams.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Presence reports whether userID has an open stream and, if not, when the
// last one closed.
func (h *Hub) Presence(userID string) Presence {
	h.mu.RLock()
	defer h.mu.RUnlock()

	p := Presence{UserID: userID, State: StateOffline}
	if h.online[userID] > 0 {
		p.State = StateOnline
		return p
	}
	if seen, ok := h.lastSeen[userID]; ok {
		p.LastSeen = &seen
	}
	return p
}

// Serve streams events to an authenticated user until the request ends or
// the hub stops.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string, admin bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	c := &client{
		userID: userID,
		admin:  admin,
		events: make(chan []byte, 64),
	}

	select {
	case h.register <- c:
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.events:
			if !ok {
				return
			}
			if _, err := w.Write(msg); err != nil {
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
