package server

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hearth-chat/hearth/internal/metrics"
)

// ControlHub is the global registry of clients subscribed to room-list
// change notifications. Delivery is best-effort: the signal carries no
// payload, so a dropped notification only delays a refresh: subscribers
// recover through the pull path. Queue overflow therefore drops the signal
// for that subscriber instead of closing it.
type ControlHub struct {
	mu          sync.Mutex
	subscribers map[*Conn]struct{}
}

// NewControlHub creates an empty control hub.
func NewControlHub() *ControlHub {
	return &ControlHub{subscribers: make(map[*Conn]struct{})}
}

// Subscribe registers a connection for room-list change signals. Repeat
// subscriptions from the same connection are a no-op.
func (h *ControlHub) Subscribe(c *Conn) {
	h.mu.Lock()
	_, registered := h.subscribers[c]
	h.subscribers[c] = struct{}{}
	h.mu.Unlock()
	if registered {
		return
	}

	metrics.ConnectionsActive.WithLabelValues("control").Inc()
	logrus.WithFields(logrus.Fields{
		"conn": c.id,
		"user": c.identity.Username,
	}).Info("Control subscriber registered")
}

// Unsubscribe deregisters a connection. Unknown connections are a no-op.
func (h *ControlHub) Unsubscribe(c *Conn) {
	h.mu.Lock()
	_, registered := h.subscribers[c]
	delete(h.subscribers, c)
	h.mu.Unlock()

	if registered {
		metrics.ConnectionsActive.WithLabelValues("control").Dec()
		logrus.WithField("conn", c.id).Info("Control subscriber deregistered")
	}
}

// Notify pushes a bare list-changed signal to every subscriber.
func (h *ControlHub) Notify() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.subscribers))
	for c := range h.subscribers {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	payload := listChangedFrame()
	for _, c := range conns {
		// Signals coalesce: a full queue already holds one.
		c.trySend(payload)
	}
	metrics.ControlNotifications.Inc()
}

// SubscriberCount reports the number of registered control subscribers.
func (h *ControlHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Shutdown force-closes every control subscriber.
func (h *ControlHub) Shutdown() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.subscribers))
	for c := range h.subscribers {
		conns = append(conns, c)
	}
	h.subscribers = make(map[*Conn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		metrics.ConnectionsActive.WithLabelValues("control").Dec()
		c.beginClose()
	}
}
