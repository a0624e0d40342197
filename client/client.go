// Package client provides a Go client for the Hearth chat service. It wraps
// the REST surface and implements the cursor-based synchronization protocol
// that keeps the pull-based history path and the push-based live feed
// consistent across connects, reconnects, and room switches.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the live-subscription state surfaced to the application.
type State int

const (
	// StateIdle means no room is selected.
	StateIdle State = iota
	// StateLive means the live subscription is open.
	StateLive
	// StateReconnecting means the subscription was lost and a retry is
	// scheduled.
	StateReconnecting
	// StateDisconnected means the retry budget is exhausted; reconnecting
	// requires an explicit Reconnect call.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Message is a stored chat message as the server reports it.
type Message struct {
	ID        int64     `json:"id"`
	RoomID    string    `json:"room"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"timestamp"`
}

// Room is a chat room summary.
type Room struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Client is a Hearth API client. Exported callback fields must be set before
// the first SelectRoom or SubscribeRoomList call.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	// Reconnection policy: delay after the k-th consecutive failure is
	// min(ReconnectBase × 2^k, ReconnectCap); after MaxReconnectAttempts
	// consecutive failures the client stops and reports StateDisconnected.
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int

	// OnMessage receives every rendered message, in identifier order,
	// exactly once per room selection.
	OnMessage func(Message)
	// OnState receives live-subscription state changes.
	OnState func(State)
	// OnRoomListChanged fires on a control-channel signal; the application
	// should re-fetch the room list via Rooms.
	OnRoomListChanged func()

	mu         sync.Mutex
	token      string
	room       string
	cursor     int64
	session    uint64
	state      State
	cancelRoom context.CancelFunc
	cancelList context.CancelFunc
}

// New creates a client for the given base URL with the default
// reconnection policy.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:              strings.TrimRight(baseURL, "/"),
		HTTPClient:           &http.Client{Timeout: 30 * time.Second},
		Dialer:               websocket.DefaultDialer,
		ReconnectBase:        2 * time.Second,
		ReconnectCap:         10 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

// SetToken installs a bearer token obtained out of band.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Register creates an account. The returned status is "approved" or
// "pending".
func (c *Client) Register(ctx context.Context, username, password, inviteToken string) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	req := map[string]string{"username": username, "password": password}
	if inviteToken != "" {
		req["invite_token"] = inviteToken
	}
	if err := c.doJSON(ctx, http.MethodPost, "/auth/register", req, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Login authenticates and stores the bearer token for subsequent calls.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var resp struct {
		Token string `json:"token"`
	}
	req := map[string]string{"username": username, "password": password}
	if err := c.doJSON(ctx, http.MethodPost, "/auth/login", req, &resp); err != nil {
		return err
	}
	c.SetToken(resp.Token)
	return nil
}

// Logout drops the token and cancels every live subscription, including any
// pending reconnection.
func (c *Client) Logout() {
	c.LeaveRoom()
	c.mu.Lock()
	cancelList := c.cancelList
	c.cancelList = nil
	c.token = ""
	c.mu.Unlock()
	if cancelList != nil {
		cancelList()
	}
}

// Rooms fetches the authoritative room list.
func (c *Client) Rooms(ctx context.Context) ([]Room, error) {
	var resp struct {
		Rooms []Room `json:"rooms"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/rooms/", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

// CreateRoom creates a room.
func (c *Client) CreateRoom(ctx context.Context, id, name string) error {
	req := map[string]string{"id": id, "name": name}
	return c.doJSON(ctx, http.MethodPost, "/rooms/", req, nil)
}

// History pulls all messages in a room with identifier strictly greater
// than since, in ascending order.
func (c *Client) History(ctx context.Context, room string, since int64) ([]Message, error) {
	var resp struct {
		Messages []Message `json:"messages"`
	}
	path := fmt.Sprintf("/rooms/%s/messages?since=%d", url.PathEscape(room), since)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Send publishes a message over the REST path and returns the stored
// message with its identifier.
func (c *Client) Send(ctx context.Context, room, body string) (Message, error) {
	var resp struct {
		Message Message `json:"message"`
	}
	path := fmt.Sprintf("/rooms/%s/messages", url.PathEscape(room))
	req := map[string]string{"body": body}
	if err := c.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return Message{}, err
	}
	return resp.Message, nil
}

// Cursor returns the highest message identifier rendered for the current
// room selection.
func (c *Client) Cursor() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// CurrentState returns the live-subscription state.
func (c *Client) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SelectRoom switches the client to a room: any previous selection is
// cancelled, the cursor resets to the baseline, history is backfilled, and
// the live subscription opens. Messages flow to OnMessage until LeaveRoom,
// Logout, or retry exhaustion. The new selection carries a fresh session
// generation, so a frame the old session's goroutine had already read can
// never advance the new selection's cursor.
func (c *Client) SelectRoom(room string) {
	c.LeaveRoom()

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.room = room
	c.cursor = 0
	c.session++
	sess := c.session
	c.cancelRoom = cancel
	c.mu.Unlock()

	go c.runRoomSession(ctx, room, sess)
}

// LeaveRoom de-selects the current room, cancelling the subscription and
// any pending scheduled reconnection. The session generation advances so
// in-flight frames from the old session are dropped.
func (c *Client) LeaveRoom() {
	c.mu.Lock()
	cancel := c.cancelRoom
	c.cancelRoom = nil
	c.room = ""
	c.session++
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.setState(StateIdle)
}

// Reconnect manually restarts the subscription for the current room after
// the automatic retry budget was exhausted. The cursor is kept, so only
// messages beyond it are rendered.
func (c *Client) Reconnect() {
	c.mu.Lock()
	room := c.room
	disconnected := c.state == StateDisconnected
	c.mu.Unlock()
	if room == "" || !disconnected {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.session++
	sess := c.session
	c.cancelRoom = cancel
	c.mu.Unlock()
	go c.runRoomSession(ctx, room, sess)
}

// SubscribeRoomList opens the control-channel subscription. Each
// list-changed signal fires OnRoomListChanged; the channel carries no room
// data. The subscription retries with the same backoff policy as room
// subscriptions and stays silent on overflow-dropped signals; the next
// pull recovers.
func (c *Client) SubscribeRoomList() {
	c.mu.Lock()
	if c.cancelList != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelList = cancel
	c.mu.Unlock()

	go c.runListSession(ctx)
}

// Close cancels all subscriptions.
func (c *Client) Close() {
	c.Logout()
}

// runRoomSession drives one room selection: sync, and on transport loss
// retry per the backoff schedule until cancelled or the budget is spent.
func (c *Client) runRoomSession(ctx context.Context, room string, sess uint64) {
	attempt := 0
	for {
		opened := c.syncOnce(ctx, room, sess)
		if ctx.Err() != nil {
			return
		}
		if opened {
			// A successful open resets the schedule; this loss starts a
			// fresh one.
			attempt = 0
		} else {
			attempt++
			if attempt >= c.MaxReconnectAttempts {
				c.setSessionState(sess, StateDisconnected)
				return
			}
		}

		c.setSessionState(sess, StateReconnecting)
		if !sleepContext(ctx, backoffDelay(c.ReconnectBase, c.ReconnectCap, attempt)) {
			return
		}
	}
}

// syncOnce performs one pull-then-subscribe cycle: backfill history beyond
// the cursor, open the live feed, and consume it until the transport drops.
// It reports whether the subscription was successfully opened. The pull
// happens strictly before the subscribe; a message published in between is
// redelivered on the live feed and absorbed by the cursor check.
func (c *Client) syncOnce(ctx context.Context, room string, sess uint64) (opened bool) {
	history, err := c.History(ctx, room, c.Cursor())
	if err != nil {
		return false
	}
	for _, msg := range history {
		c.render(sess, msg)
	}

	conn, err := c.dial(ctx, fmt.Sprintf("/rooms/%s/ws", url.PathEscape(room)))
	if err != nil {
		return false
	}
	c.setSessionState(sess, StateLive)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		var frame struct {
			Type string   `json:"type"`
			Data *Message `json:"data"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			return true
		}
		if frame.Type == "message" && frame.Data != nil {
			c.render(sess, *frame.Data)
		}
	}
}

func (c *Client) runListSession(ctx context.Context) {
	attempt := 0
	for {
		opened := c.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if opened {
			attempt = 0
		} else {
			attempt++
			if attempt >= c.MaxReconnectAttempts {
				return
			}
		}
		if !sleepContext(ctx, backoffDelay(c.ReconnectBase, c.ReconnectCap, attempt)) {
			return
		}
	}
}

func (c *Client) listenOnce(ctx context.Context) (opened bool) {
	conn, err := c.dial(ctx, "/ws/rooms")
	if err != nil {
		return false
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		var frame struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			return true
		}
		if frame.Type == "list_changed" && c.OnRoomListChanged != nil {
			c.OnRoomListChanged()
		}
	}
}

// render applies the duplicate-suppression rule: anything at or below the
// cursor was already rendered (by the backfill or an earlier live frame)
// and is discarded; everything else advances the cursor and reaches
// OnMessage. The session check and the cursor update share one mutex hold,
// so a frame read by a superseded session goroutine can neither render nor
// move the cursor of the selection that replaced it.
func (c *Client) render(sess uint64, msg Message) {
	c.mu.Lock()
	if sess != c.session || msg.ID <= c.cursor {
		c.mu.Unlock()
		return
	}
	c.cursor = msg.ID
	handler := c.OnMessage
	c.mu.Unlock()

	if handler != nil {
		handler(msg)
	}
}

// setSessionState applies a state change only if the session is still the
// current one, keeping a dying session from overwriting its successor's
// state.
func (c *Client) setSessionState(sess uint64, s State) {
	c.mu.Lock()
	if sess != c.session || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	handler := c.OnState
	c.mu.Unlock()

	if handler != nil {
		handler(s)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	handler := c.OnState
	c.mu.Unlock()

	if handler != nil {
		handler(s)
	}
}

func (c *Client) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	wsURL := strings.Replace(c.BaseURL, "http", "ws", 1) + path + "?token=" + url.QueryEscape(token)
	conn, resp, err := c.Dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.Lock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.Unlock()

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		if errResp.Error == "" {
			errResp.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("hearth: %d %s", resp.StatusCode, errResp.Error)
	}

	if out != nil {
		return json.Unmarshal(respBody, out)
	}
	return nil
}

// backoffDelay computes min(base × 2^attempt, ceiling).
func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if ceiling <= 0 {
		ceiling = 10 * time.Second
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
