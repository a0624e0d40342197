package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// handleRoomSocket runs the upgrade handshake for a room subscription:
// transport upgrade, token authentication, room existence check, hub
// registration, then the read/write pumps until disconnect. No hub state is
// created for a connection that fails authentication or targets an unknown
// room.
func (s *Server) handleRoomSocket(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	c := s.newConn(sock)
	c.transition(stateAuthPending)

	// No custom headers are available on browser WebSocket dials, so the
	// bearer credential rides the upgrade request's query string.
	identity, err := s.gate.Verify(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		rejectSocket(sock, "authentication required")
		return
	}
	c.identity = identity
	c.transition(stateAuthenticated)

	if err := s.rooms.Join(r.Context(), roomID, c); err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			rejectSocket(sock, "room not found")
		} else {
			rejectSocket(sock, "subscription failed")
		}
		return
	}
	c.scope = roomID
	c.transition(stateSubscribed)

	// Confirmation is queued ahead of any broadcast so the client sees it
	// first.
	c.trySend(connectedFrame(roomID, identity.Username))

	go c.writePump()
	c.readPump(
		func(raw []byte) { s.handleRoomFrame(c, raw) },
		func() { s.rooms.Leave(roomID, c) },
	)
}

// handleRoomFrame processes one inbound frame on a room-scoped connection.
// Malformed frames and per-connection failures are reported back on the same
// connection and never affect other subscribers.
func (s *Server) handleRoomFrame(c *Conn, raw []byte) {
	req, err := parseSendRequest(raw)
	if err != nil {
		c.trySend(errorFrame("malformed frame"))
		return
	}

	if !c.limiter.allow() {
		c.trySend(errorFrame("rate limit exceeded"))
		return
	}

	if _, err := s.rooms.Publish(context.Background(), c.scope, c.identity.Username, req.Body); err != nil {
		c.trySend(errorFrame("failed to store message"))
		c.log.WithError(err).Warn("Publish failed")
	}
}

// handleControlSocket subscribes a connection to room-list change signals.
// The control scope accepts no client frames; anything inbound is reported
// as malformed and otherwise ignored.
func (s *Server) handleControlSocket(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	c := s.newConn(sock)
	c.transition(stateAuthPending)

	identity, err := s.gate.Verify(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		rejectSocket(sock, "authentication required")
		return
	}
	c.identity = identity
	c.transition(stateAuthenticated)

	s.control.Subscribe(c)
	c.transition(stateSubscribed)
	c.trySend(connectedFrame("", identity.Username))

	go c.writePump()
	c.readPump(
		func([]byte) { c.trySend(errorFrame("malformed frame")) },
		func() { s.control.Unsubscribe(c) },
	)
}

// rejectSocket closes an upgraded socket before any subscription state
// exists, with a policy-violation close frame naming the reason.
func rejectSocket(sock *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = sock.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	_ = sock.Close()
}
