// Package hub tracks the client views connected to the agent over websocket.
// It is the notification display surface, the client-view registry used when
// a notification is clicked, and the fan-out point for agent events.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"offline0/internal/notify"
)

// ErrUnknownView is returned when focusing a view that is no longer connected.
var ErrUnknownView = errors.New("unknown client view")

const (
	writeWait  = 10 * time.Second
	sendBuffer = 32
)

// Event is an agent-side occurrence pushed to observers.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

// Publisher receives agent events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// message is the websocket frame exchanged with views.
type message struct {
	Type         string               `json:"type"`
	ID           string               `json:"id,omitempty"`
	URL          string               `json:"url,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
	Event        *Event               `json:"event,omitempty"`
}

type view struct {
	id   string
	conn *websocket.Conn
	send chan message

	mu  sync.Mutex
	url string
}

func (v *view) currentURL() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.url
}

type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	views  map[string]*view
	closed bool
}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log:   logger,
		views: map[string]*view{},
		upgrader: websocket.Upgrader{
			// Views are pages served through the agent itself.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades a client view. The view's initial URL comes from the
// "url" query parameter; later navigations are reported as
// {"type":"navigate","url":...} frames.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	v := &view{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan message, sendBuffer),
		url:  r.URL.Query().Get("url"),
	}
	v.send <- message{Type: "hello", ID: v.id}
	if !h.register(v) {
		_ = conn.Close()
		return
	}
	h.log.Debug("client view connected", "view", v.id, "url", v.url)

	go h.writeLoop(v)
	h.readLoop(v)
}

func (h *Hub) register(v *view) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.views[v.id] = v
	return true
}

func (h *Hub) unregister(v *view) {
	h.mu.Lock()
	if _, ok := h.views[v.id]; ok {
		delete(h.views, v.id)
		close(v.send)
	}
	h.mu.Unlock()
}

func (h *Hub) readLoop(v *view) {
	defer h.unregister(v)
	for {
		var m message
		if err := v.conn.ReadJSON(&m); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("client view read", "view", v.id, "error", err)
			}
			return
		}
		switch m.Type {
		case "navigate":
			v.mu.Lock()
			v.url = m.URL
			v.mu.Unlock()
		}
	}
}

func (h *Hub) writeLoop(v *view) {
	defer v.conn.Close()
	for m := range v.send {
		_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := v.conn.WriteJSON(m); err != nil {
			h.log.Debug("client view write", "view", v.id, "error", err)
			return
		}
	}
	_ = v.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

// deliver queues m for v without blocking. A view whose buffer is full misses it.
func (h *Hub) deliver(v *view, m message) bool {
	select {
	case v.send <- m:
		return true
	default:
		h.log.Warn("client view too slow, dropping message", "view", v.id, "type", m.Type)
		return false
	}
}

// broadcast sends m to every view and reports how many accepted it.
func (h *Hub) broadcast(m message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, v := range h.views {
		if h.deliver(v, m) {
			n++
		}
	}
	return n
}

// Show implements notify.Displayer.
func (h *Hub) Show(_ context.Context, n notify.Notification) error {
	if h.broadcast(message{Type: "show", Notification: &n}) == 0 {
		return notify.ErrNoViews
	}
	return nil
}

// Close implements notify.Displayer.
func (h *Hub) Close(_ context.Context, id string) error {
	if h.broadcast(message{Type: "close", ID: id}) == 0 {
		return notify.ErrNoViews
	}
	return nil
}

// Views implements notify.Clients. Views are ordered by id.
func (h *Hub) Views(context.Context) ([]notify.View, error) {
	h.mu.RLock()
	out := make([]notify.View, 0, len(h.views))
	for _, v := range h.views {
		out = append(out, notify.View{ID: v.id, URL: v.currentURL()})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Focus implements notify.Clients.
func (h *Hub) Focus(_ context.Context, viewID string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.views[viewID]
	if !ok {
		return ErrUnknownView
	}
	h.deliver(v, message{Type: "focus", ID: viewID})
	return nil
}

// Open implements notify.Clients. The request goes to one connected view,
// which opens the new window on behalf of the agent.
func (h *Hub) Open(ctx context.Context, rawURL string) error {
	views, _ := h.Views(ctx)
	if len(views) == 0 {
		return notify.ErrNoViews
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.views[views[0].ID]
	if !ok {
		return notify.ErrNoViews
	}
	h.deliver(v, message{Type: "open", URL: rawURL})
	return nil
}

// Publish implements Publisher. Having no views is not an error.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.broadcast(message{Type: "event", Event: &ev})
	return nil
}

// Len is the number of connected views.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.views)
}

// Shutdown disconnects every view and refuses new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	views := h.views
	h.views = map[string]*view{}
	h.mu.Unlock()
	for _, v := range views {
		close(v.send)
	}
}
