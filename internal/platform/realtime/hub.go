// Package realtime mirrors live-session events to observers over WebSocket.
// The hub is observability only; nothing authoritative reads from it, so a
// slow or absent subscriber never blocks the session.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event is one mirrored session update.
type Event struct {
	Type      string    `json:"type"`
	SessionID uuid.UUID `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

type subscriber struct {
	events chan Event
}

// Hub fans session events out to per-session subscriber sets.
type Hub struct {
	log *zap.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]map[*subscriber]struct{}
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:  log,
		subs: make(map[uuid.UUID]map[*subscriber]struct{}),
	}
}

// Publish delivers an event to every subscriber of the session. Delivery is
// non-blocking; a subscriber whose buffer is full misses the event.
func (h *Hub) Publish(sessionID uuid.UUID, eventType string, data any) {
	ev := Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[sessionID] {
		select {
		case sub.events <- ev:
		default:
			h.log.Debug("realtime subscriber buffer full, event dropped",
				zap.String("session_id", sessionID.String()),
				zap.String("type", eventType))
		}
	}
}

func (h *Hub) subscribe(sessionID uuid.UUID) *subscriber {
	sub := &subscriber{events: make(chan Event, 64)}
	h.mu.Lock()
	if _, ok := h.subs[sessionID]; !ok {
		h.subs[sessionID] = make(map[*subscriber]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sessionID uuid.UUID, sub *subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sessionID)
		}
	}
	h.mu.Unlock()
}

// ServeWS upgrades the connection and streams the session's events until the
// client goes away. Reconnecting with the same session id simply subscribes
// again; subscriptions carry no state.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "done")

	sub := h.subscribe(sessionID)
	defer h.unsubscribe(sessionID, sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Read loop exists only to notice the client closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}
