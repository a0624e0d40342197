package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hearth-chat/hearth/internal/metrics"
	"github.com/hearth-chat/hearth/internal/store"
)

// ErrRoomNotFound is returned for joins and publishes against a room that
// does not exist or has been soft-deleted.
var ErrRoomNotFound = errors.New("room not found")

// roomHub is the subscriber registry for one room. Instances exist only
// while the room has at least one subscriber.
type roomHub struct {
	roomID      string
	mu          sync.Mutex
	subscribers map[*Conn]struct{}
}

// add registers a connection, reporting whether it was newly added.
func (h *roomHub) add(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[c]; ok {
		return false
	}
	h.subscribers[c] = struct{}{}
	return true
}

func (h *roomHub) snapshot() []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := make([]*Conn, 0, len(h.subscribers))
	for c := range h.subscribers {
		conns = append(conns, c)
	}
	return conns
}

// Rooms is the registry of live per-room hubs. Hubs are created lazily on
// the first join and discarded when the last subscriber leaves. Per-room
// publish locks serialize identifier assignment with broadcast so every
// subscriber observes messages in persistence order; publishes to different
// rooms never contend.
type Rooms struct {
	store store.Store

	mu   sync.Mutex
	hubs map[string]*roomHub

	pubMu    sync.Mutex
	pubLocks map[string]*sync.Mutex
}

// NewRooms creates the registry over the given store.
func NewRooms(st store.Store) *Rooms {
	return &Rooms{
		store:    st,
		hubs:     make(map[string]*roomHub),
		pubLocks: make(map[string]*sync.Mutex),
	}
}

// Join registers a connection as a subscriber of the room. It is idempotent
// per connection and fails with ErrRoomNotFound for unknown or soft-deleted
// rooms.
func (r *Rooms) Join(ctx context.Context, roomID string, c *Conn) error {
	if err := r.checkRoom(ctx, roomID); err != nil {
		return err
	}

	r.mu.Lock()
	hub, ok := r.hubs[roomID]
	if !ok {
		hub = &roomHub{roomID: roomID, subscribers: make(map[*Conn]struct{})}
		r.hubs[roomID] = hub
	}
	added := hub.add(c)
	r.mu.Unlock()

	if added {
		metrics.ConnectionsActive.WithLabelValues("room").Inc()
		logrus.WithFields(logrus.Fields{
			"room": roomID,
			"conn": c.id,
			"user": c.identity.Username,
		}).Info("Subscriber joined room")
	}
	return nil
}

// Leave deregisters a connection; the hub instance is discarded when no
// subscribers remain. Leaving a room the connection never joined is a no-op.
func (r *Rooms) Leave(roomID string, c *Conn) {
	r.mu.Lock()
	hub, ok := r.hubs[roomID]
	var removed bool
	if ok {
		hub.mu.Lock()
		if _, registered := hub.subscribers[c]; registered {
			delete(hub.subscribers, c)
			removed = true
		}
		empty := len(hub.subscribers) == 0
		hub.mu.Unlock()
		if empty {
			delete(r.hubs, roomID)
		}
	}
	r.mu.Unlock()

	if removed {
		metrics.ConnectionsActive.WithLabelValues("room").Dec()
		logrus.WithFields(logrus.Fields{
			"room": roomID,
			"conn": c.id,
		}).Info("Subscriber left room")
	}
}

// Publish persists the message through the store, obtaining its identifier,
// then broadcasts the stored message to every current subscriber of the
// room. Broadcast order equals persistence order. On a store failure the
// publish aborts before any broadcast and the error is returned to the
// caller only.
func (r *Rooms) Publish(ctx context.Context, roomID, author, body string) (store.Message, error) {
	if err := r.checkRoom(ctx, roomID); err != nil {
		return store.Message{}, err
	}

	lock := r.publishLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	msg, err := r.store.AppendMessage(ctx, roomID, author, body)
	if err != nil {
		metrics.PublishFailures.Inc()
		return store.Message{}, fmt.Errorf("persist message: %w", err)
	}

	r.broadcast(roomID, messageFrame(msg))
	metrics.MessagesPublished.Inc()
	return msg, nil
}

// broadcast fans a payload out to the room's current subscribers. A
// connection whose queue is full is force-closed and deregistered while
// delivery to the rest proceeds.
func (r *Rooms) broadcast(roomID string, payload []byte) {
	r.mu.Lock()
	hub := r.hubs[roomID]
	r.mu.Unlock()
	if hub == nil {
		return
	}

	var stalled []*Conn
	for _, c := range hub.snapshot() {
		if !c.trySend(payload) {
			stalled = append(stalled, c)
		}
	}

	for _, c := range stalled {
		r.Leave(roomID, c)
		c.beginClose()
		metrics.SubscribersDropped.Inc()
		c.log.Warn("Subscriber dropped: send queue full")
	}
}

// CloseRoom force-closes every subscriber of a room, for example after the
// room is deleted while connections are still subscribed.
func (r *Rooms) CloseRoom(roomID string) {
	r.mu.Lock()
	hub := r.hubs[roomID]
	r.mu.Unlock()
	if hub == nil {
		return
	}

	for _, c := range hub.snapshot() {
		r.Leave(roomID, c)
		c.beginClose()
	}
}

// SubscriberCount reports the number of live subscribers for a room.
func (r *Rooms) SubscriberCount(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	hub := r.hubs[roomID]
	if hub == nil {
		return 0
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.subscribers)
}

// Shutdown force-closes every subscriber across all rooms.
func (r *Rooms) Shutdown() {
	r.mu.Lock()
	hubs := make([]*roomHub, 0, len(r.hubs))
	for _, hub := range r.hubs {
		hubs = append(hubs, hub)
	}
	r.mu.Unlock()

	for _, hub := range hubs {
		for _, c := range hub.snapshot() {
			r.Leave(hub.roomID, c)
			c.beginClose()
		}
	}
}

func (r *Rooms) checkRoom(ctx context.Context, roomID string) error {
	room, err := r.store.Room(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrRoomNotFound
	}
	if err != nil {
		return err
	}
	if room.Deleted {
		return ErrRoomNotFound
	}
	return nil
}

// publishLock returns the publish mutex for a room, creating it on first
// use. Locks are retained for the life of the process; the map is bounded by
// the number of rooms ever published to.
func (r *Rooms) publishLock(roomID string) *sync.Mutex {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	lock, ok := r.pubLocks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		r.pubLocks[roomID] = lock
	}
	return lock
}
