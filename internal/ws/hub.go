package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Event is the envelope pushed to websocket clients.
type Event struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// targetedEvent routes an event to every session of one user.
type targetedEvent struct {
	userID string
	data   []byte
}

// Hub fans events out to websocket sessions, grouped by user ID. A user may
// hold several sessions (multiple tabs); an event addressed to the user
// reaches all of them. Presence is updated when a user's first session
// registers and when their last one unregisters.
type Hub struct {
	presence *Presence
	logger   *slog.Logger

	register   chan *session
	unregister chan *session
	outbound   chan targetedEvent

	mu       sync.RWMutex
	sessions map[string]map[*session]bool
}

// NewHub creates a Hub. Run must be started before sessions connect.
func NewHub(presence *Presence, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		presence:   presence,
		logger:     logger,
		register:   make(chan *session),
		unregister: make(chan *session),
		outbound:   make(chan targetedEvent, 256),
		sessions:   make(map[string]map[*session]bool),
	}
}

// Run drives the hub loop until the context is canceled. Intended to run on
// its own errgroup goroutine.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-h.register:
			h.addSession(ctx, s)
		case s := <-h.unregister:
			h.removeSession(ctx, s)
		case ev := <-h.outbound:
			h.deliver(ev)
		}
	}
}

func (h *Hub) addSession(ctx context.Context, s *session) {
	h.mu.Lock()
	first := h.sessions[s.userID] == nil
	if first {
		h.sessions[s.userID] = make(map[*session]bool)
	}
	h.sessions[s.userID][s] = true
	h.mu.Unlock()

	if first && h.presence != nil {
		if err := h.presence.MarkOnline(ctx, s.userID, s.connectionID); err != nil {
			h.logger.ErrorContext(ctx, "failed to mark user online",
				"user_id", s.userID, "error", err)
		}
	}
}

func (h *Hub) removeSession(ctx context.Context, s *session) {
	h.mu.Lock()
	last := false
	if sessions, ok := h.sessions[s.userID]; ok {
		if _, ok := sessions[s]; ok {
			delete(sessions, s)
			close(s.send)
			if len(sessions) == 0 {
				delete(h.sessions, s.userID)
				last = true
			}
		}
	}
	h.mu.Unlock()

	if last && h.presence != nil {
		if err := h.presence.MarkOffline(ctx, s.userID); err != nil {
			h.logger.ErrorContext(ctx, "failed to mark user offline",
				"user_id", s.userID, "error", err)
		}
	}
}

func (h *Hub) deliver(ev targetedEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.sessions[ev.userID] {
		select {
		case s.send <- ev.data:
		default:
			// Slow consumer; drop the session rather than block the hub.
			h.logger.Warn("dropping slow websocket session", "user_id", ev.userID)
			go func(s *session) { h.unregister <- s }(s)
		}
	}
}

// SendToUser pushes an event to every session the user holds. Unknown users
// are a silent no-op; the fan-out layer checks presence before calling.
func (h *Hub) SendToUser(userID string, event string, payload any) {
	data, err := json.Marshal(Event{Event: event, Payload: payload})
	if err != nil {
		h.logger.Error("failed to marshal websocket event",
			"user_id", userID, "event", event, "error", err)
		return
	}
	h.outbound <- targetedEvent{userID: userID, data: data}
}

// SessionCount reports how many sessions the hub currently tracks.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, sessions := range h.sessions {
		n += len(sessions)
	}
	return n
}
