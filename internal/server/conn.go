package server

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/hearth-chat/hearth/internal/auth"
)

// connState tracks a connection through its lifecycle. Transitions only move
// forward: Connecting → AuthPending → Authenticated → Subscribed → Closing →
// Closed.
type connState int32

const (
	stateConnecting connState = iota
	stateAuthPending
	stateAuthenticated
	stateSubscribed
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthPending:
		return "auth_pending"
	case stateAuthenticated:
		return "authenticated"
	case stateSubscribed:
		return "subscribed"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Timing for the liveness policy: the server pings on a ticker and expects a
// pong (or any read) before the read deadline lapses.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Conn is a live duplex channel bound to exactly one scope: a specific room,
// or the control scope. It owns a bounded outbound queue; the hub never
// blocks on a slow consumer.
type Conn struct {
	id       string
	sock     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	identity auth.Identity
	scope    string // room id, or "" for the control scope

	state     atomic.Int32
	closeOnce sync.Once

	limiter        *rateLimiter
	maxMessageSize int64

	log *logrus.Entry
}

func newConn(sock *websocket.Conn, queueSize int, maxMessageSize int64, limiter *rateLimiter) *Conn {
	c := &Conn{
		id:             ulid.Make().String(),
		sock:           sock,
		send:           make(chan []byte, queueSize),
		done:           make(chan struct{}),
		limiter:        limiter,
		maxMessageSize: maxMessageSize,
	}
	c.log = logrus.WithFields(logrus.Fields{
		"conn": c.id,
		"addr": sock.RemoteAddr().String(),
	})
	sock.SetReadLimit(maxMessageSize)
	c.transition(stateConnecting)
	return c
}

func (c *Conn) transition(to connState) {
	c.state.Store(int32(to))
	c.log.WithField("state", to.String()).Debug("Connection state change")
}

func (c *Conn) currentState() connState {
	return connState(c.state.Load())
}

// trySend queues a payload without blocking. It reports false when the
// connection is closing or its queue is full; the caller decides the
// overflow policy.
func (c *Conn) trySend(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// beginClose forces the connection into Closing exactly once. The write pump
// observes done, sends a close frame, and tears the socket down, which in
// turn unblocks the read pump.
func (c *Conn) beginClose() {
	c.closeOnce.Do(func() {
		c.transition(stateClosing)
		close(c.done)
	})
}

// readPump consumes inbound frames until the transport closes, handing each
// one to handle. It drives deregistration on exit.
func (c *Conn) readPump(handle func(raw []byte), onExit func()) {
	defer func() {
		c.beginClose()
		onExit()
	}()

	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		handle(raw)
	}
}

func (c *Conn) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.WithField("limit", c.maxMessageSize).Warn("Inbound frame exceeded size limit")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.WithError(err).Debug("Connection closed by peer")
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.log.WithError(err).Debug("Connection closed")
	default:
		c.log.WithError(err).Warn("WebSocket read error")
	}
}

// writePump drains the outbound queue onto the socket and keeps the
// connection alive with periodic pings. It owns all writes to the socket.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeSocket()
		c.transition(stateClosed)
	}()

	for {
		select {
		case payload := <-c.send:
			if !c.writePayload(payload) {
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		case <-c.done:
			c.writeCloseFrame()
			return
		}
	}
}

func (c *Conn) writePayload(payload []byte) bool {
	if err := c.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	w, err := c.sock.NextWriter(websocket.TextMessage)
	if err != nil {
		return false
	}
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return false
	}
	return w.Close() == nil
}

func (c *Conn) writePing() bool {
	if err := c.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	return c.sock.WriteMessage(websocket.PingMessage, nil) == nil
}

func (c *Conn) writeCloseFrame() {
	_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.sock.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		if !isExpectedCloseError(err) {
			c.log.WithError(err).Debug("Error writing close frame")
		}
	}
}

func (c *Conn) closeSocket() {
	if err := c.sock.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.WithError(err).Debug("Error closing socket")
	}
}
