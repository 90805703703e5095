package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirahq/mira/internal/events"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/pkg/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 45 * time.Second
	wsPingPeriod = 15 * time.Second
	wsSendBuffer = 64
)

// eventFrame is the wire shape of one pushed UI event.
type eventFrame struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// eventHub fans bus events out to connected sockets. Each frame goes only
// to sessions owned by the event's user.
type eventHub struct {
	bus    *events.Bus
	logger *observability.Logger

	mu       sync.Mutex
	sessions map[*eventSession]struct{}
	closed   bool

	subs []busSub
}

type busSub struct {
	event string
	id    events.SubscriberID
}

type eventSession struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

func newEventHub(bus *events.Bus, logger *observability.Logger) *eventHub {
	h := &eventHub{
		bus:      bus,
		logger:   logger.Component("api.events"),
		sessions: make(map[*eventSession]struct{}),
	}
	for _, name := range []string{
		models.EventManifestUpdated,
		models.EventWorkingMemoryUpdated,
		models.EventUpdateTrinket,
	} {
		id := bus.Subscribe(name, h.broadcast)
		h.subs = append(h.subs, busSub{event: name, id: id})
	}
	return h
}

// broadcast runs on the publisher's goroutine, so delivery to each session
// is non-blocking; a backlogged socket drops the frame instead of stalling
// the bus.
func (h *eventHub) broadcast(ctx context.Context, evt events.Event) {
	userID, payload := eventEnvelope(evt)
	if payload == nil {
		return
	}
	frame, err := json.Marshal(eventFrame{
		Event:     evt.EventName(),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("marshal event frame", "event", evt.EventName(), "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sess := range h.sessions {
		if sess.userID != userID {
			continue
		}
		select {
		case sess.send <- frame:
		default:
			h.logger.Warn("event socket backlogged, dropping frame",
				"event", evt.EventName(), "user_id", userID)
		}
	}
}

// eventEnvelope flattens a bus event into its owning user and wire payload.
// Events without a UI shape return a nil payload and are not pushed.
func eventEnvelope(evt events.Event) (string, map[string]any) {
	switch e := evt.(type) {
	case models.ManifestUpdatedEvent:
		return e.UserID, map[string]any{
			"continuum_id": e.ContinuumID,
			"reason":       e.Reason,
		}
	case models.WorkingMemoryUpdatedEvent:
		return e.UserID, map[string]any{
			"continuum_id":       e.ContinuumID,
			"updated_categories": e.UpdatedCategories,
		}
	case models.UpdateTrinketEvent:
		return e.UserID, map[string]any{
			"target_trinket": e.TargetTrinket,
			"context":        e.Context,
		}
	default:
		return "", nil
	}
}

func (h *eventHub) add(sess *eventSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sess.send)
		return
	}
	h.sessions[sess] = struct{}{}
}

func (h *eventHub) remove(sess *eventSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[sess]; !ok {
		return
	}
	delete(h.sessions, sess)
	close(sess.send)
}

func (h *eventHub) sessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close unhooks the hub from the bus and tears down every session.
func (h *eventHub) Close() {
	for _, sub := range h.subs {
		h.bus.Unsubscribe(sub.event, sub.id)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sess := range h.sessions {
		delete(h.sessions, sess)
		close(sess.send)
		_ = sess.conn.Close()
	}
}

// handleEvents upgrades the request and streams the caller's UI events
// until either side disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID := observability.GetUserID(r.Context())
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	sess := &eventSession{
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		userID: userID,
	}
	s.events.add(sess)
	s.logger.WithContext(r.Context()).Debug("event socket opened", "remote_addr", r.RemoteAddr)

	go sess.writeLoop()
	sess.readLoop()

	s.events.remove(sess)
	_ = conn.Close()
	s.logger.WithContext(r.Context()).Debug("event socket closed", "remote_addr", r.RemoteAddr)
}

func (sess *eventSession) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-sess.send:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = sess.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := sess.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains and discards client frames; the stream is one-way. It
// returns when the connection drops or the client goes quiet past the pong
// deadline.
func (sess *eventSession) readLoop() {
	sess.conn.SetReadLimit(512)
	_ = sess.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := sess.conn.ReadMessage(); err != nil {
			return
		}
	}
}
