// Package events is the process-wide publish-subscribe fan-out for
// live gateway events. Every event is published under routing keys
// ("user:<id>", "session:<id>", "broadcast:<id>"); subscribers attach
// to keys and receive per-subscriber FIFO delivery. Delivery is
// best-effort: a subscriber whose buffer is full misses the event, and
// a closed subscriber silently stops receiving.
package events

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types per the gateway taxonomy.
const (
	TypeSessionQR        = "session:qr"
	TypeSessionConnected = "session:connected"
	TypeSessionDisco     = "session:disconnected"
	TypeSessionFailed    = "session:connection_failed"
	TypeSessionStatus    = "session:status"

	TypeMessageIncoming = "message:incoming"
	TypeMessageSent     = "message:sent"
	TypeMessageStatus   = "message:status"

	TypeBroadcastStarted   = "broadcast:started"
	TypeBroadcastProgress  = "broadcast:progress"
	TypeBroadcastCompleted = "broadcast:completed"
	TypeBroadcastFailed    = "broadcast:failed"
)

// Routing key constructors.
func UserKey(userID int64) string          { return "user:" + strconv.FormatInt(userID, 10) }
func SessionKey(sessionID string) string   { return "session:" + sessionID }
func BroadcastKey(campaignID int64) string { return "broadcast:" + strconv.FormatInt(campaignID, 10) }

// Event is one server-initiated push.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	UserID    int64     `json:"userId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

// Subscription is one attached listener. Events arrive on C in FIFO
// order until Close.
type Subscription struct {
	ID     uuid.UUID
	UserID int64
	C      chan Event

	hub  *Hub
	keys map[string]bool

	// mu guards keys and closed. Sends and the close both run under it,
	// so a publish can never hit a closed channel.
	mu     sync.Mutex
	closed bool
}

// send delivers ev unless the subscription is closed or its buffer is
// full. Reports whether the event was dropped on a live subscription.
func (sub *Subscription) send(ev Event) (dropped bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return false
	}
	select {
	case sub.C <- ev:
		return false
	default:
		return true
	}
}

// Hub is the fan-out registry. The zero value is not usable; call New.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]map[uuid.UUID]*Subscription // routing key → subscribers

	taps []func(Event)
}

// subBuffer is the per-subscriber channel depth. A slow consumer drops
// events beyond it rather than blocking publishers.
const subBuffer = 64

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		subs:   make(map[string]map[uuid.UUID]*Subscription),
	}
}

// Tap registers a process-wide observer invoked synchronously for
// every published event, regardless of routing key. Used by the
// webhook notifier and the MQTT sink. Must be called before publishing
// begins.
func (h *Hub) Tap(fn func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.taps = append(h.taps, fn)
}

// NewSubscription creates a detached subscription for the given user.
// Attach it to routing keys with Subscribe.
func (h *Hub) NewSubscription(userID int64) *Subscription {
	return &Subscription{
		ID:     uuid.New(),
		UserID: userID,
		C:      make(chan Event, subBuffer),
		hub:    h,
		keys:   make(map[string]bool),
	}
}

// Subscribe attaches the subscription to a routing key.
func (h *Hub) Subscribe(sub *Subscription, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[key]
	if !ok {
		set = make(map[uuid.UUID]*Subscription)
		h.subs[key] = set
	}
	set[sub.ID] = sub

	sub.mu.Lock()
	sub.keys[key] = true
	sub.mu.Unlock()
}

// Unsubscribe detaches the subscription from a routing key.
func (h *Hub) Unsubscribe(sub *Subscription, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub, key)
}

func (h *Hub) removeLocked(sub *Subscription, key string) {
	if set, ok := h.subs[key]; ok {
		delete(set, sub.ID)
		if len(set) == 0 {
			delete(h.subs, key)
		}
	}
	sub.mu.Lock()
	delete(sub.keys, key)
	sub.mu.Unlock()
}

// Close detaches the subscription from every key and closes its
// channel.
func (h *Hub) Close(sub *Subscription) {
	h.mu.Lock()
	sub.mu.Lock()
	keys := make([]string, 0, len(sub.keys))
	for k := range sub.keys {
		keys = append(keys, k)
	}
	sub.mu.Unlock()
	for _, k := range keys {
		h.removeLocked(sub, k)
	}
	h.mu.Unlock()

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.C)
	}
	sub.mu.Unlock()
}

// Publish delivers the event to every subscriber of every key, in the
// caller's goroutine. Full subscriber buffers drop the event.
func (h *Hub) Publish(ev Event, keys ...string) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.Lock()
	var targets []*Subscription
	seen := make(map[uuid.UUID]bool)
	for _, key := range keys {
		for id, sub := range h.subs[key] {
			if !seen[id] {
				seen[id] = true
				targets = append(targets, sub)
			}
		}
	}
	taps := h.taps
	h.mu.Unlock()

	for _, sub := range targets {
		if sub.send(ev) {
			h.logger.Warn("event subscriber buffer full, dropping event",
				"type", ev.Type,
				"subscriber", sub.ID,
			)
		}
	}

	for _, tap := range taps {
		tap(ev)
	}
}
