package realtime

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/zhouzirui/codechat/backend/internal/model/chat"
)

// EventType mirrors the row change that produced an event.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Table names the row family an event belongs to.
type Table string

const (
	TableMessages Table = "messages"
	TableSessions Table = "chat_sessions"
)

// DefaultBuffer is the per-subscription queue length.
const DefaultBuffer = 64

// Event is one row change pushed to subscribers.
type Event struct {
	Type      EventType     `json:"type"`
	Table     Table         `json:"table"`
	SessionID string        `json:"sessionId,omitempty"`
	UserID    string        `json:"userId,omitempty"`
	Message   *chat.Message `json:"message,omitempty"`
	Session   *chat.Session `json:"session,omitempty"`
}

// Filter selects events. Empty fields match everything.
type Filter struct {
	Table     Table
	SessionID string
	UserID    string
}

// Matches reports whether evt passes the filter.
func (f Filter) Matches(evt Event) bool {
	if f.Table != "" && f.Table != evt.Table {
		return false
	}
	if f.SessionID != "" && f.SessionID != evt.SessionID {
		return false
	}
	if f.UserID != "" && f.UserID != evt.UserID {
		return false
	}
	return true
}

// Hub fans row changes out to filtered subscriptions.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	logger *zap.Logger
}

// NewHub creates a hub whose subscriptions queue up to buffer events.
func NewHub(logger *zap.Logger, buffer int) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		logger: logger.Named("realtime"),
	}
}

// Subscribe registers a subscription. Callers must Close it.
func (h *Hub) Subscribe(filter Filter) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id:     h.nextID,
		hub:    h,
		filter: filter,
		ch:     make(chan Event, h.buffer),
	}
	h.subs[sub.id] = sub
	h.logger.Debug("subscribed",
		zap.Uint64("subscription", sub.id),
		zap.String("table", string(filter.Table)),
		zap.String("session", filter.SessionID),
		zap.String("user", filter.UserID))
	return sub
}

// Publish delivers evt to every matching subscription without blocking.
// A full queue drops the event and counts it on the subscription.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.filter.Matches(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
			h.logger.Warn("subscription queue full, event dropped",
				zap.Uint64("subscription", sub.id),
				zap.String("table", string(evt.Table)),
				zap.String("session", evt.SessionID))
		}
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	close(sub.ch)
	h.logger.Debug("unsubscribed", zap.Uint64("subscription", sub.id))
}

// Subscription is a filtered event queue.
type Subscription struct {
	id      uint64
	hub     *Hub
	filter  Filter
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// Events returns the delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// TakeDropped returns how many events were dropped since the last call.
func (s *Subscription) TakeDropped() uint64 {
	return s.dropped.Swap(0)
}

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}
