// Package hub fans chat events out to every attached session.
//
// Each session owns a bounded outbound queue. Delivery never blocks: a session
// whose queue is full is dropped, its queue is closed, and its writer is
// expected to tear the connection down. One slow consumer cannot stall the hub.
package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultQueueSize is the per-session outbound buffer used when none is set.
const DefaultQueueSize = 256

// Subscriber is one attached session's outbound queue.
type Subscriber struct {
	id     string
	send   chan []byte
	closed bool
}

// ID returns the session id the subscriber was attached with.
func (s *Subscriber) ID() string {
	return s.id
}

// Send returns the queue of encoded events. It is closed when the subscriber
// is detached or evicted.
func (s *Subscriber) Send() <-chan []byte {
	return s.send
}

// Hub tracks attached sessions and delivers events to them.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]*Subscriber
	queueSize int
	logger    *slog.Logger
}

// New creates a hub whose subscribers buffer up to queueSize events.
func New(queueSize int, logger *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:      make(map[string]*Subscriber),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Attach registers a session and returns its queue. Attaching an id that is
// already present replaces and closes the previous queue.
func (h *Hub) Attach(sessionID string) *Subscriber {
	sub := &Subscriber{id: sessionID, send: make(chan []byte, h.queueSize)}

	h.mu.Lock()
	if prev, ok := h.subs[sessionID]; ok {
		prev.closed = true
		close(prev.send)
	}
	h.subs[sessionID] = sub
	count := len(h.subs)
	h.mu.Unlock()

	h.logger.Debug("session attached", "session", sessionID, "sessions", count)
	return sub
}

// Detach removes a session and closes its queue. It reports whether the
// session was attached; detaching twice is a no-op.
func (h *Hub) Detach(sessionID string) bool {
	h.mu.Lock()
	sub, ok := h.subs[sessionID]
	if ok {
		delete(h.subs, sessionID)
		sub.closed = true
	}
	count := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return false
	}
	// Safe outside the lock: senders only write to subscribers still in the
	// map, and they hold the read lock while doing so.
	close(sub.send)
	h.logger.Debug("session detached", "session", sessionID, "sessions", count)
	return true
}

// Broadcast encodes ev once and enqueues it for every session in the
// audience. It returns the number of sessions the event was queued for.
// Sessions with a full queue are evicted.
func (h *Hub) Broadcast(ev Event, audience Audience) (int, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}

	delivered, overflowed := h.deliver(data, audience)
	h.evict(overflowed)
	return delivered, nil
}

func (h *Hub) deliver(data []byte, audience Audience) (int, []*Subscriber) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	var overflowed []*Subscriber
	for id, sub := range h.subs {
		if !audience.includes(id) || sub.closed {
			continue
		}
		select {
		case sub.send <- data:
			delivered++
		default:
			overflowed = append(overflowed, sub)
		}
	}
	return delivered, overflowed
}

// evict drops subscribers whose queue overflowed. A subscriber that was
// already detached or replaced in the meantime is left alone.
func (h *Hub) evict(subs []*Subscriber) {
	if len(subs) == 0 {
		return
	}

	h.mu.Lock()
	var toClose []*Subscriber
	for _, sub := range subs {
		if current, ok := h.subs[sub.id]; ok && current == sub {
			delete(h.subs, sub.id)
			sub.closed = true
			toClose = append(toClose, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range toClose {
		close(sub.send)
		h.logger.Warn("session evicted due to full send buffer", "session", sub.id)
	}
}

// Len returns the number of attached sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close detaches every session.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.closed = true
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		close(sub.send)
	}
	h.logger.Info("hub closed", "sessions", len(subs))
}
