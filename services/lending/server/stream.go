package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"lendcore/core/events"
	"lendcore/core/types"
)

const (
	wsWriteTimeout    = 10 * time.Second
	subscriberBacklog = 64
)

var accountAttributes = []string{"owner", "borrower", "liquidator", "from", "to"}

// Hub fans committed events out to websocket subscribers. Subscribers that
// fall behind are disconnected rather than slowing the executor down.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
}

type subscriber struct {
	ch      chan *types.Event
	account string
	prefix  string
}

// NewHub constructs an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, subs: make(map[uint64]*subscriber)}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	payload := renderEvent(evt)
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		if !sub.matches(payload) {
			continue
		}
		select {
		case sub.ch <- payload:
		default:
			close(sub.ch)
			delete(h.subs, id)
		}
	}
}

// Subscribers reports the number of connected streams.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) subscribe(account, prefix string) (uint64, *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &subscriber{ch: make(chan *types.Event, subscriberBacklog), account: account, prefix: prefix}
	h.subs[h.nextID] = sub
	return h.nextID, sub
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		close(sub.ch)
		delete(h.subs, id)
	}
}

// ServeHTTP upgrades the request and streams events until the client leaves.
// Optional query parameters: account (bech32) and type (prefix match).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	account := strings.TrimSpace(r.URL.Query().Get("account"))
	prefix := strings.TrimSpace(r.URL.Query().Get("type"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	id, sub := h.subscribe(account, prefix)
	defer h.unsubscribe(id)

	ctx := conn.CloseRead(r.Context())
	if err := h.stream(ctx, conn, sub); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (h *Hub) stream(ctx context.Context, conn *websocket.Conn, sub *subscriber) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub.ch:
			if !ok {
				h.logger.Warn("event subscriber fell behind, disconnecting")
				return conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *subscriber) matches(evt *types.Event) bool {
	if s.prefix != "" && !strings.HasPrefix(evt.Type, s.prefix) {
		return false
	}
	if s.account == "" {
		return true
	}
	for _, key := range accountAttributes {
		if evt.Attributes[key] == s.account {
			return true
		}
	}
	return false
}

func renderEvent(evt events.Event) *types.Event {
	if typed, ok := evt.(events.Typed); ok {
		if payload := typed.Event(); payload != nil {
			return payload
		}
	}
	return &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
}
